package chunkclient

import (
	"context"
	"fmt"
	"sync"

	"voxelstream/internal/chunkcodec"
	"voxelstream/internal/world"
	"voxelstream/internal/worldgen"
)

// DecodeResult is what a decode worker hands back for one binary
// frame: every CHUNK_FULL it contained (a CHUNK_BATCH decodes to more
// than one), or the error that made the frame unusable.
type DecodeResult struct {
	Frames []chunkcodec.ChunkFull
	Err    error
}

func decodeFrame(raw []byte) DecodeResult {
	tag, err := chunkcodec.DecodeTag(raw)
	if err != nil {
		return DecodeResult{Err: err}
	}
	switch tag {
	case chunkcodec.TagChunkFull:
		cf, err := chunkcodec.DecodeChunkFull(raw)
		if err != nil {
			return DecodeResult{Err: err}
		}
		return DecodeResult{Frames: []chunkcodec.ChunkFull{cf}}
	case chunkcodec.TagChunkBatch:
		frames, err := chunkcodec.DecodeChunkBatch(raw)
		if err != nil {
			return DecodeResult{Err: err}
		}
		return DecodeResult{Frames: frames}
	default:
		return DecodeResult{Err: chunkcodec.ErrMalformedFrame}
	}
}

// DecodeWorkerPool offloads binary frame decoding from the main loop,
// reusing the same round-robin Pool primitive the server's
// GenerationPool/SerializePool are built on (spec §5 "chunk-decode
// worker(s)").
type DecodeWorkerPool struct {
	pool *worldgen.Pool[[]byte, DecodeResult]
}

// NewDecodeWorkerPool starts workers workers decoding binary frames.
func NewDecodeWorkerPool(workers int) *DecodeWorkerPool {
	return &DecodeWorkerPool{pool: worldgen.NewPool(workers, func(_ context.Context, raw []byte) DecodeResult {
		return decodeFrame(raw)
	})}
}

// Submit dispatches raw for decoding.
func (d *DecodeWorkerPool) Submit(ctx context.Context, raw []byte) <-chan DecodeResult {
	return d.pool.Submit(ctx, raw)
}

// Close stops the decode workers.
func (d *DecodeWorkerPool) Close() { d.pool.Close() }

// PendingAck is what the main loop should send back to the server
// after a frame is accepted (spec §4.7 step 4).
type PendingAck struct {
	ChunkKey string
	Seq      uint32
}

// Processor implements ClientChunkProcessor: version-gated apply of
// decoded frames into a staging area, and a single coalesced UI tick
// that swaps everything staged into the Store (spec §4.7).
type Processor struct {
	mu          sync.Mutex
	store       *Store
	lastApplied map[world.Key]uint32
	pending     map[world.Key][]chunkcodec.Entry
}

// NewProcessor builds a Processor writing into store.
func NewProcessor(store *Store) *Processor {
	return &Processor{
		store:       store,
		lastApplied: make(map[world.Key]uint32),
		pending:     make(map[world.Key][]chunkcodec.Entry),
	}
}

// HandleFrame applies spec §4.7 steps 1-4 for one decoded CHUNK_FULL:
// drop stale versions, stage the new contents, and report the ack the
// caller should send. ok is false when the frame was dropped as stale.
func (p *Processor) HandleFrame(frame chunkcodec.ChunkFull) (ack PendingAck, ok bool) {
	key := world.Key{CX: frame.CX, CY: frame.CY, CZ: frame.CZ}

	p.mu.Lock()
	defer p.mu.Unlock()

	if frame.Version <= p.lastApplied[key] {
		return PendingAck{}, false
	}

	p.pending[key] = frame.Entries
	p.lastApplied[key] = frame.Version

	return PendingAck{
		ChunkKey: fmt.Sprintf("%d,%d,%d:%d:%d", frame.CX, frame.CY, frame.CZ, frame.Version, frame.Seq),
		Seq:      frame.Seq,
	}, true
}

// Tick performs the coalesced UI-tick swap (spec §4.7 "On the scheduled
// UI tick"): every staged chunk replaces its Store entry, its version
// and its six neighbors' versions bump, and the pending set clears.
// The caller uses the returned keys to know which chunks MeshBuilder
// should re-examine.
func (p *Processor) Tick() []world.Key {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[world.Key][]chunkcodec.Entry)
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	changed := make(map[world.Key]struct{}, len(pending)*2)
	for key, entries := range pending {
		p.store.Replace(key, entries)
		changed[key] = struct{}{}
		for _, n := range NeighborKeys(key) {
			p.store.BumpVersion(n)
			changed[n] = struct{}{}
		}
	}

	out := make([]world.Key, 0, len(changed))
	for k := range changed {
		out = append(out, k)
	}
	return out
}

// HasPending reports whether a UI tick is worth scheduling.
func (p *Processor) HasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}
