package world

import (
	"context"
	"sync"
	"time"

	"voxelstream/internal/telemetry"
)

// Generator produces a freshly populated chunk for a key. Generators are
// pure functions with no shared state (spec §4.3): the same key always
// yields logically the same terrain, though this package does not itself
// enforce determinism — that is GenerationPool's contract with its caller.
type Generator interface {
	Generate(ctx context.Context, key Key) (*Chunk, error)
}

// GeneratorFunc adapts a plain function to the Generator interface.
type GeneratorFunc func(ctx context.Context, key Key) (*Chunk, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, key Key) (*Chunk, error) {
	return f(ctx, key)
}

// entry is the store's bookkeeping for one resident chunk.
type entry struct {
	chunk      *Chunk
	lastTouch  time.Time
}

// Store owns the authoritative chunk set. All mutations happen under its
// single mutex, matching the single-writer world-task discipline described
// in spec §5: generation and serialization elsewhere read point-in-time
// chunk snapshots (the *Chunk pointer itself, treated as copy-on-write by
// convention — callers must not mutate a Chunk obtained from Get without
// going through SetBlock).
type Store struct {
	mu       sync.RWMutex
	chunks   map[Key]*entry
	versions map[Key]uint32 // persists across eviction so re-generation never reuses a stale version

	inflightMu sync.Mutex
	inflight   map[Key]chan struct{} // collapses concurrent Ensure calls for the same key

	maxChunks int
	gen       Generator
	metrics   *telemetry.Metrics
}

// NewStore creates a chunk store with the given eviction capacity and
// generator. metrics may be nil in tests that don't care about telemetry.
func NewStore(maxChunks int, gen Generator, metrics *telemetry.Metrics) *Store {
	if metrics == nil {
		metrics = telemetry.NewUnregistered()
	}
	return &Store{
		chunks:    make(map[Key]*entry),
		versions:  make(map[Key]uint32),
		inflight:  make(map[Key]chan struct{}),
		maxChunks: maxChunks,
		gen:       gen,
		metrics:   metrics,
	}
}

// Get is a non-blocking cache hit: it never generates.
func (s *Store) Get(key Key) (*Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.chunks[key]
	if !ok {
		return nil, false
	}
	return e.chunk, true
}

// Ensure returns the chunk for key, generating it via the store's Generator
// if absent. Duplicate concurrent calls for the same key collapse to a
// single generation (spec §4.2).
func (s *Store) Ensure(ctx context.Context, key Key) (*Chunk, error) {
	if c, ok := s.Get(key); ok {
		s.touch(key)
		return c, nil
	}

	s.inflightMu.Lock()
	if ch, ok := s.inflight[key]; ok {
		s.inflightMu.Unlock()
		select {
		case <-ch:
			if c, ok := s.Get(key); ok {
				return c, nil
			}
			return nil, ctx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	done := make(chan struct{})
	s.inflight[key] = done
	s.inflightMu.Unlock()

	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, key)
		s.inflightMu.Unlock()
		close(done)
	}()

	// Double-check: another caller may have finished between our first Get
	// and winning the inflight race.
	if c, ok := s.Get(key); ok {
		return c, nil
	}

	chunk, err := s.gen.Generate(ctx, key)
	if err != nil {
		return nil, err
	}

	s.install(key, chunk)
	return chunk, nil
}

// install adds a freshly generated chunk to the store, assigning it the
// next version from the key's persistent version counter (never 0 after a
// re-generation following eviction — spec §4.2's eviction invariant).
//
// install does not evict. Generation has no synchronous view of which
// chunks are pinned by some client's outstanding-ACK window, and
// guessing wrong there would violate spec §3/§4.2/§8's "eviction must
// never drop a chunk that is in any client's outstanding window".
// Eviction instead runs on its own cadence via EvictIfOverCapacity,
// driven by a caller with full session visibility (the network hub).
func (s *Store) install(key Key, chunk *Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[key]++
	chunk.Version = s.versions[key]
	chunk.Key = key
	s.chunks[key] = &entry{chunk: chunk, lastTouch: time.Now()}
}

func (s *Store) touch(key Key) {
	s.mu.Lock()
	if e, ok := s.chunks[key]; ok {
		e.lastTouch = time.Now()
	}
	s.mu.Unlock()
}

// SetBlock mutates the owning chunk (ensuring it first) and returns the
// previous block id and the post-mutation version (spec §4.2).
func (s *Store) SetBlock(ctx context.Context, wx, wy, wz int, blockType Voxel) (old Voxel, newVersion uint32, err error) {
	key := ChunkOf(wx, wy, wz)
	chunk, err := s.Ensure(ctx, key)
	if err != nil {
		return 0, 0, err
	}

	lx, ly, lz := LocalOf(wx, wy, wz)

	s.mu.Lock()
	defer s.mu.Unlock()

	old = chunk.Set(lx, ly, lz, blockType)
	s.versions[key]++
	chunk.Version = s.versions[key]
	if e, ok := s.chunks[key]; ok {
		e.lastTouch = time.Now()
	}
	return old, chunk.Version, nil
}

// BlocksInRange returns chunks whose center is within radiusChunks of the
// given chunk coordinate, generating none of them — it only returns
// already-resident chunks (spec §4.2: "iter<Chunk>" over what's loaded).
func (s *Store) BlocksInRange(center Key, radiusChunks int) []*Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r2 := radiusChunks * radiusChunks
	var out []*Chunk
	for key, e := range s.chunks {
		dx := int(key.CX - center.CX)
		dy := int(key.CY - center.CY)
		dz := int(key.CZ - center.CZ)
		if dx*dx+dy*dy+dz*dz <= r2 {
			out = append(out, e.chunk)
		}
	}
	return out
}

// PinChecker reports whether a chunk key must not be evicted: pinned by a
// client's loaded_chunks or present in some client's outstanding window.
// The store has no knowledge of sessions; the streamer registry supplies
// this predicate, preserving the single-writer/per-session-owned split
// from spec §5.
type PinChecker func(Key) bool

// EvictIfOverCapacity evicts least-recently-touched chunks down to
// maxChunks, skipping any chunk isPinned reports true for. Returns the
// number of chunks actually evicted. A pass that stops while still over
// capacity because every remaining chunk is pinned increments the
// EvictionRefused counter once (spec §7 Capacity error kind: "no
// user-visible effect").
func (s *Store) EvictIfOverCapacity(isPinned PinChecker) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(isPinned)
}

// evictLocked must be called with s.mu held.
func (s *Store) evictLocked(isPinned PinChecker) int {
	if s.maxChunks <= 0 || len(s.chunks) <= s.maxChunks {
		return 0
	}

	type candidate struct {
		key  Key
		last time.Time
	}
	candidates := make([]candidate, 0, len(s.chunks))
	for k, e := range s.chunks {
		candidates = append(candidates, candidate{key: k, last: e.lastTouch})
	}

	// Simple selection: repeatedly pick the oldest unpinned candidate until
	// under capacity or nothing left to evict. O(n^2) worst case but
	// max_chunks is expected to stay in the low thousands.
	evicted := 0
	for len(s.chunks) > s.maxChunks {
		bestIdx := -1
		var bestTime time.Time
		for i, c := range candidates {
			if _, present := s.chunks[c.key]; !present {
				continue
			}
			if isPinned(c.key) {
				continue
			}
			if bestIdx == -1 || c.last.Before(bestTime) {
				bestIdx = i
				bestTime = c.last
			}
		}
		if bestIdx == -1 {
			// Everything remaining is pinned; cannot evict further.
			s.metrics.EvictionRefused.Inc()
			break
		}

		delete(s.chunks, candidates[bestIdx].key)
		s.metrics.ChunksEvicted.Inc()
		evicted++
	}

	return evicted
}

// VersionFor returns the current persistent version counter for a key,
// whether or not the chunk is resident. Used by tests asserting the
// re-generation-never-reuses-a-stale-version invariant.
func (s *Store) VersionFor(key Key) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[key]
}

// Len reports the number of resident chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
