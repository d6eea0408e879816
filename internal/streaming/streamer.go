// Package streaming implements ChunkStreamer, the per-session reliable
// delivery pipeline over the chunk wire protocol (spec §4.4): a send
// queue, a bounded outstanding-ACK window, exponential-backoff resend,
// and adaptive batch sizing driven by observed serialize latency.
package streaming

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"voxelstream/internal/chunkcodec"
	"voxelstream/internal/logging"
	"voxelstream/internal/telemetry"
	"voxelstream/internal/world"
	"voxelstream/internal/worldgen"
)

// Tunable defaults from spec §4.4 / §5.
const (
	DefaultMaxOutstandingBulk    = 32
	DefaultMaxOutstandingSteady  = 128
	DefaultBatchTargetBytes      = 256 * 1024
	MinBatchTargetBytes          = 16 * 1024
	MaxBatchTargetBytes          = 1024 * 1024
	ReducedCapMaxBytes           = 64 * 1024
	NearestFraction              = 0.15
	DefaultChunkAckTimeoutMS     = 5000
	MaxBackoffMS                 = 30000
	DefaultMaxRetries            = 5
	DefaultInitialGenWaitMS      = 1200
	AwaitingHaveGraceTimeout     = 2 * time.Second
	envelopeHeaderBytes          = 5 // tag(1) + count(4), per EncodeChunkBatch
	entryLengthPrefixBytes       = 4
)

// Position is a world-space player position, used to pick the chunk
// neighborhood to stream and to sort batches by distance.
type Position struct {
	X, Y, Z float64
}

func (p Position) chunkKey() world.Key {
	return world.ChunkOf(int(math.Floor(p.X)), int(math.Floor(p.Y)), int(math.Floor(p.Z)))
}

// SocketWriter is the one capability ChunkStreamer needs from the
// transport: write a single binary frame. ConnectionFSM supplies the
// real websocket.Conn-backed implementation; tests supply a recorder.
type SocketWriter interface {
	WriteBinary(buf []byte) error
}

// Options configures a ChunkStreamer instance; zero-value fields take
// the spec's documented defaults.
type Options struct {
	RenderRadiusChunks           int
	InitialChunkGenerationWaitMS int
	ChunkAckTimeoutMS            int
	MaxRetries                   int
}

func (o Options) withDefaults() Options {
	if o.RenderRadiusChunks <= 0 {
		o.RenderRadiusChunks = 8
	}
	if o.RenderRadiusChunks < 1 {
		o.RenderRadiusChunks = 1
	}
	if o.RenderRadiusChunks > 32 {
		o.RenderRadiusChunks = 32
	}
	if o.InitialChunkGenerationWaitMS <= 0 {
		o.InitialChunkGenerationWaitMS = DefaultInitialGenWaitMS
	}
	if o.ChunkAckTimeoutMS <= 0 {
		o.ChunkAckTimeoutMS = DefaultChunkAckTimeoutMS
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// EnvelopeMember identifies one chunk packed into an envelope.
type EnvelopeMember struct {
	Key world.Key
	Seq uint32
}

// frameEnvelope is a single socket write: either a lone CHUNK_FULL-sized
// batch of one, or several chunks packed into one CHUNK_BATCH frame.
type frameEnvelope struct {
	id      uint64
	buffer  []byte
	members []EnvelopeMember
}

// outstandingEntry tracks one sent-but-unacknowledged chunk. Multiple
// entries from the same envelope share envelopeID and buffer so a
// resend only ever writes the envelope once per tick even if several
// of its chunks are individually due for resend.
type outstandingEntry struct {
	key           world.Key
	seq           uint32
	envelopeID    uint64
	buffer        []byte
	lastSentAt    time.Time
	retries       int
	nextBackoffMS int64
}

// ChunkStreamer is the per-session object described in spec §4.4. One
// instance exists per authenticated connection; all of its exported
// methods are expected to be called from that connection's own task, so
// it takes no internal lock against other sessions (spec §5: per-session
// state is strictly session-owned).
type ChunkStreamer struct {
	mu sync.Mutex

	store   *world.Store
	serPool *worldgen.SerializePool
	writer  SocketWriter
	metrics *telemetry.Metrics
	log     *logging.Logger
	opts    Options

	sendQueue   []frameEnvelope
	outstanding map[world.Key]*outstandingEntry

	maxOutstanding   int
	batchTargetBytes int
	awaitingHave     bool
	awaitingSince    time.Time

	loadedChunks map[world.Key]struct{}
	lastCenter   world.Key
	haveCenter   bool

	nextSeq      uint32
	nextEnvelope uint64
}

// NewChunkStreamer builds a streamer bound to a world Store (for
// ensure/read) and a SerializePool (for encoding), writing frames out
// through writer.
func NewChunkStreamer(store *world.Store, serPool *worldgen.SerializePool, writer SocketWriter, metrics *telemetry.Metrics, log *logging.Logger, opts Options) *ChunkStreamer {
	if metrics == nil {
		metrics = telemetry.NewUnregistered()
	}
	if log == nil {
		log = logging.New("streamer")
	}
	return &ChunkStreamer{
		store:            store,
		serPool:          serPool,
		writer:           writer,
		metrics:          metrics,
		log:              log,
		opts:             opts.withDefaults(),
		outstanding:      make(map[world.Key]*outstandingEntry),
		loadedChunks:     make(map[world.Key]struct{}),
		maxOutstanding:   DefaultMaxOutstandingBulk,
		batchTargetBytes: DefaultBatchTargetBytes,
	}
}

// nextSeqLocked hands out the next monotonic frame sequence number for
// this session, used as the wire `seq` field in CHUNK_FULL. Must be
// called with cs.mu held.
func (cs *ChunkStreamer) nextSeqLocked() uint32 {
	cs.nextSeq++
	return cs.nextSeq
}

// OnAuthenticated ensures the chunk neighborhood around position is
// generated, waiting up to InitialChunkGenerationWaitMS before sending
// whatever has completed (spec §4.4 bullet 1).
func (cs *ChunkStreamer) OnAuthenticated(ctx context.Context, pos Position) {
	center := pos.chunkKey()
	cs.mu.Lock()
	cs.lastCenter = center
	cs.haveCenter = true
	cs.maxOutstanding = DefaultMaxOutstandingBulk
	cs.mu.Unlock()

	keys := neighborhood(center, cs.opts.RenderRadiusChunks)
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(cs.opts.InitialChunkGenerationWaitMS)*time.Millisecond)
	defer cancel()

	ready := cs.ensureWithDeadline(waitCtx, keys)
	cs.serializeAndEnqueue(ctx, center, ready)

	cs.mu.Lock()
	for _, k := range ready {
		cs.loadedChunks[k] = struct{}{}
	}
	cs.maxOutstanding = DefaultMaxOutstandingSteady
	cs.mu.Unlock()

	cs.runSendLoop()
}

// OnPositionUpdate ensures and enqueues any chunks newly visible from
// new_pos, when the player has crossed into a different chunk (spec
// §4.4 bullet 2).
func (cs *ChunkStreamer) OnPositionUpdate(ctx context.Context, pos Position) {
	center := pos.chunkKey()

	cs.mu.Lock()
	if cs.haveCenter && cs.lastCenter == center {
		cs.mu.Unlock()
		return
	}
	cs.lastCenter = center
	cs.haveCenter = true
	cs.mu.Unlock()

	newKeys := neighborhood(center, cs.opts.RenderRadiusChunks)

	cs.mu.Lock()
	var fresh []world.Key
	for _, k := range newKeys {
		if _, ok := cs.loadedChunks[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	cs.mu.Unlock()
	if len(fresh) == 0 {
		return
	}

	chunks := make([]*world.Chunk, 0, len(fresh))
	for _, k := range fresh {
		c, err := cs.store.Ensure(ctx, k)
		if err != nil {
			cs.log.Warnf("ensure chunk %s failed: %v", k, err)
			continue
		}
		chunks = append(chunks, c)
	}
	cs.serializeAndEnqueue(ctx, center, chunks)

	cs.mu.Lock()
	for _, c := range chunks {
		cs.loadedChunks[c.Key] = struct{}{}
	}
	cs.mu.Unlock()

	cs.runSendLoop()
}

// OnChunkAck removes the matching outstanding entry and advances the
// send queue (spec §4.4 bullet 3).
func (cs *ChunkStreamer) OnChunkAck(key world.Key, seq uint32) {
	cs.mu.Lock()
	entry, ok := cs.outstanding[key]
	if ok && entry.seq == seq {
		delete(cs.outstanding, key)
	}
	cs.mu.Unlock()
	if ok {
		cs.metrics.ChunkAcksReceived.Inc()
	}
	cs.runSendLoop()
}

// OnChunkHave prunes outstanding entries whose seq the client reports
// already holding, clears awaitingHave, and resumes sending (spec §4.4
// bullet 4). seqs lists individually-held sequence numbers; ranges
// lists inclusive [from,to] spans.
func (cs *ChunkStreamer) OnChunkHave(seqs []uint32, ranges [][2]uint32) {
	have := make(map[uint32]struct{}, len(seqs))
	for _, s := range seqs {
		have[s] = struct{}{}
	}
	covers := func(seq uint32) bool {
		if _, ok := have[seq]; ok {
			return true
		}
		for _, r := range ranges {
			if seq >= r[0] && seq <= r[1] {
				return true
			}
		}
		return false
	}

	cs.mu.Lock()
	for key, entry := range cs.outstanding {
		if covers(entry.seq) {
			delete(cs.outstanding, key)
		}
	}
	cs.awaitingHave = false
	cs.mu.Unlock()

	cs.runSendLoop()
}

// Tick drives resend/backoff/drop for outstanding entries (spec §4.4
// bullet 5) and clears a stale awaitingHave grace period. It should be
// called on a fixed cadence from the owning session's task.
func (cs *ChunkStreamer) Tick(now time.Time) {
	cs.mu.Lock()
	if cs.awaitingHave && now.Sub(cs.awaitingSince) > AwaitingHaveGraceTimeout {
		cs.awaitingHave = false
	}

	dueEnvelopes := make(map[uint64][]*outstandingEntry)
	for _, entry := range cs.outstanding {
		if now.Sub(entry.lastSentAt) <= time.Duration(entry.nextBackoffMS)*time.Millisecond {
			continue
		}
		if entry.retries >= cs.opts.MaxRetries {
			delete(cs.outstanding, entry.key)
			cs.metrics.ChunksDroppedMaxRetries.Inc()
			cs.log.Warnf("dropping chunk %s after %d retries", entry.key, entry.retries)
			continue
		}
		dueEnvelopes[entry.envelopeID] = append(dueEnvelopes[entry.envelopeID], entry)
	}
	cs.mu.Unlock()

	for envID, entries := range dueEnvelopes {
		if len(entries) == 0 {
			continue
		}
		if err := cs.writer.WriteBinary(entries[0].buffer); err != nil {
			continue
		}
		cs.metrics.ChunkRetransmits.Add(float64(len(entries)))
		cs.mu.Lock()
		for _, e := range entries {
			e.lastSentAt = now
			e.retries++
			e.nextBackoffMS = min64(e.nextBackoffMS*2, MaxBackoffMS)
		}
		cs.mu.Unlock()
		_ = envID
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// serializeAndEnqueue submits chunks to the SerializePool, waits for
// every result, sorts by distance from center, forms batch envelopes,
// retunes batchTargetBytes, and appends the envelopes to the send
// queue.
func (cs *ChunkStreamer) serializeAndEnqueue(ctx context.Context, center world.Key, chunks []*world.Chunk) {
	if len(chunks) == 0 {
		return
	}

	type resultWithDist struct {
		res  worldgen.SerializeResult
		dist int64
	}

	resultChans := make([]<-chan worldgen.SerializeResult, len(chunks))
	cs.mu.Lock()
	for i, c := range chunks {
		seq := cs.nextSeqLocked()
		resultChans[i] = cs.serPool.Submit(ctx, worldgen.SerializeJob{Chunk: c, Seq: seq})
	}
	cs.mu.Unlock()

	results := make([]resultWithDist, 0, len(chunks))
	var totalDur time.Duration
	for i, ch := range resultChans {
		res := <-ch
		if res.Err != nil {
			cs.log.Warnf("serialize chunk %s failed: %v", chunks[i].Key, res.Err)
			continue
		}
		totalDur += res.Duration
		results = append(results, resultWithDist{res: res, dist: sqDist(center, chunks[i].Key)})
	}
	if len(results) == 0 {
		return
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })

	serialized := make([]serializedChunk, len(results))
	for i, r := range results {
		serialized[i] = serializedChunk{key: r.res.Key, seq: r.res.Seq, buf: r.res.Buffer}
	}

	cs.mu.Lock()
	target := cs.batchTargetBytes
	envelopes := formEnvelopes(serialized, target, &cs.nextEnvelope)
	cs.sendQueue = append(cs.sendQueue, envelopes...)
	cs.retuneLocked(totalDur / time.Duration(len(results)))
	cs.metrics.BatchTargetBytes.Set(float64(cs.batchTargetBytes))
	cs.mu.Unlock()
}

// retuneLocked applies the adaptive batch_target_bytes rules from spec
// §4.4 after a batch of serializations completes. Must be called with
// cs.mu held.
func (cs *ChunkStreamer) retuneLocked(meanSerialize time.Duration) {
	switch {
	case meanSerialize > 100*time.Millisecond:
		cs.batchTargetBytes = maxInt(MinBatchTargetBytes, int(float64(cs.batchTargetBytes)*0.7))
	case meanSerialize < 20*time.Millisecond:
		cs.batchTargetBytes = minInt(MaxBatchTargetBytes, int(float64(cs.batchTargetBytes)*1.15))
	}
	if len(cs.outstanding) > cs.maxOutstanding {
		cs.batchTargetBytes = maxInt(MinBatchTargetBytes, int(float64(cs.batchTargetBytes)*0.8))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// runSendLoop pops envelopes off the front of the send queue and writes
// them to the socket while outstanding.size < max_outstanding (spec
// §4.4 "Send loop").
func (cs *ChunkStreamer) runSendLoop() {
	for {
		cs.mu.Lock()
		if cs.awaitingHave || len(cs.sendQueue) == 0 || len(cs.outstanding) >= cs.maxOutstanding {
			cs.mu.Unlock()
			return
		}
		env := cs.sendQueue[0]
		cs.mu.Unlock()

		if err := cs.writer.WriteBinary(env.buffer); err != nil {
			cs.log.Warnf("write envelope %d failed, requeued: %v", env.id, err)
			return
		}

		now := time.Now()
		cs.mu.Lock()
		cs.sendQueue = cs.sendQueue[1:]
		for _, m := range env.members {
			cs.outstanding[m.Key] = &outstandingEntry{
				key:           m.Key,
				seq:           m.Seq,
				envelopeID:    env.id,
				buffer:        env.buffer,
				lastSentAt:    now,
				retries:       0,
				nextBackoffMS: int64(cs.opts.ChunkAckTimeoutMS),
			}
		}
		cs.metrics.OutstandingWindow.Set(float64(len(cs.outstanding)))
		cs.mu.Unlock()
	}
}

// ensureWithDeadline ensures every key, returning whichever chunks
// complete before ctx's deadline elapses. Chunks still generating when
// the deadline passes are left out of the result but continue
// generating in the background; a later position update will pick them
// up once they land in the store.
func (cs *ChunkStreamer) ensureWithDeadline(ctx context.Context, keys []world.Key) []*world.Chunk {
	type outcome struct {
		chunk *world.Chunk
		err   error
	}
	results := make(chan outcome, len(keys))
	genCtx := context.WithoutCancel(ctx)
	for _, k := range keys {
		k := k
		go func() {
			c, err := cs.store.Ensure(genCtx, k)
			select {
			case results <- outcome{chunk: c, err: err}:
			default:
			}
		}()
	}

	ready := make([]*world.Chunk, 0, len(keys))
	for i := 0; i < len(keys); i++ {
		select {
		case o := <-results:
			if o.err == nil && o.chunk != nil {
				ready = append(ready, o.chunk)
			}
		case <-ctx.Done():
			return ready
		}
	}
	return ready
}

// Resume rehydrates outstanding from a previously persisted set of
// (key, seq, buffer) triples, re-serialized by the caller, and holds
// sending until the client's chunk_have arrives or the grace timeout
// elapses (spec §4.4 "Resume"). Persisting PersistedOutstanding across
// process restarts is outside this module's scope (spec §1 non-goal:
// "persistence to durable storage").
func (cs *ChunkStreamer) Resume(entries []PersistedOutstanding, now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, e := range entries {
		cs.nextEnvelope++
		cs.outstanding[e.Key] = &outstandingEntry{
			key:           e.Key,
			seq:           e.Seq,
			envelopeID:    cs.nextEnvelope,
			buffer:        e.Buffer,
			lastSentAt:    now,
			retries:       0,
			nextBackoffMS: int64(cs.opts.ChunkAckTimeoutMS),
		}
	}
	cs.awaitingHave = true
	cs.awaitingSince = now
}

// PersistedOutstanding is one rehydrated outstanding entry for Resume.
type PersistedOutstanding struct {
	Key    world.Key
	Seq    uint32
	Buffer []byte
}

// OutstandingSize reports the current outstanding-window occupancy, for
// telemetry and tests.
func (cs *ChunkStreamer) OutstandingSize() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.outstanding)
}

// PinnedKeys reports every chunk key this session's Store eviction must
// not drop right now: everything in the outstanding-ACK window plus
// everything the client has already loaded (spec §3/§4.2/§8 "Eviction
// must never drop a chunk that is in any client's outstanding window").
func (cs *ChunkStreamer) PinnedKeys() []world.Key {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	keys := make([]world.Key, 0, len(cs.outstanding)+len(cs.loadedChunks))
	for k := range cs.outstanding {
		keys = append(keys, k)
	}
	for k := range cs.loadedChunks {
		keys = append(keys, k)
	}
	return keys
}

// QueueLength reports how many envelopes are waiting to be sent.
func (cs *ChunkStreamer) QueueLength() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.sendQueue)
}

// BatchTargetBytes reports the current adaptive batch target, for tests
// and telemetry.
func (cs *ChunkStreamer) BatchTargetBytes() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.batchTargetBytes
}

type serializedChunk struct {
	key world.Key
	seq uint32
	buf []byte
}

func entrySize(c serializedChunk) int {
	return entryLengthPrefixBytes + len(c.buf)
}

// formEnvelopes implements the batching algorithm from spec §4.4: sort
// order is the caller's responsibility (serializeAndEnqueue sorts by
// squared distance before calling this), the nearest NearestFraction of
// chunks get a reduced cap to minimize first-frame latency, and a
// single chunk that alone exceeds its cap is sent in its own envelope.
func formEnvelopes(chunks []serializedChunk, batchTarget int, nextID *uint64) []frameEnvelope {
	if len(chunks) == 0 {
		return nil
	}
	reducedCap := minInt(batchTarget/4, ReducedCapMaxBytes)
	nearestCutoff := int(math.Ceil(float64(len(chunks)) * NearestFraction))

	var envelopes []frameEnvelope
	idx := 0
	for idx < len(chunks) {
		groupCap := batchTarget
		if idx < nearestCutoff {
			groupCap = reducedCap
		}
		group := []serializedChunk{chunks[idx]}
		size := envelopeHeaderBytes + entrySize(chunks[idx])
		idx++
		for idx < len(chunks) {
			es := entrySize(chunks[idx])
			if size+es > groupCap {
				break
			}
			group = append(group, chunks[idx])
			size += es
			idx++
		}
		envelopes = append(envelopes, buildEnvelope(group, nextID))
	}
	return envelopes
}

func buildEnvelope(group []serializedChunk, nextID *uint64) frameEnvelope {
	bufs := make([][]byte, len(group))
	members := make([]EnvelopeMember, len(group))
	for i, c := range group {
		bufs[i] = c.buf
		members[i] = EnvelopeMember{Key: c.key, Seq: c.seq}
	}
	*nextID++
	return frameEnvelope{
		id:      *nextID,
		buffer:  chunkcodec.EncodeChunkBatch(bufs),
		members: members,
	}
}

// neighborhood enumerates every chunk key within radiusChunks of center,
// inclusive, nearest-first by squared distance.
func neighborhood(center world.Key, radiusChunks int) []world.Key {
	keys := make([]world.Key, 0, (2*radiusChunks+1)*(2*radiusChunks+1)*(2*radiusChunks+1))
	for dx := -radiusChunks; dx <= radiusChunks; dx++ {
		for dy := -radiusChunks; dy <= radiusChunks; dy++ {
			for dz := -radiusChunks; dz <= radiusChunks; dz++ {
				keys = append(keys, world.Key{
					CX: center.CX + int32(dx),
					CY: center.CY + int32(dy),
					CZ: center.CZ + int32(dz),
				})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return sqDist(center, keys[i]) < sqDist(center, keys[j])
	})
	return keys
}

func sqDist(a, b world.Key) int64 {
	dx := int64(a.CX - b.CX)
	dy := int64(a.CY - b.CY)
	dz := int64(a.CZ - b.CZ)
	return dx*dx + dy*dy + dz*dz
}
