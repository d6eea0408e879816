package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"voxelstream/internal/world"
	"voxelstream/internal/worldgen"
)

// recordingWriter captures every binary frame written to it, standing
// in for a real socket.
type recordingWriter struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (w *recordingWriter) WriteBinary(buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errWriteFailed
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	w.frames = append(w.frames, cp)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errWriteFailed = &sentinelError{"write failed"}

func newTestStreamer(t *testing.T, opts Options) (*ChunkStreamer, *world.Store, *worldgen.SerializePool, *recordingWriter) {
	t.Helper()
	store := world.NewStore(1000, world.GeneratorFunc(func(_ context.Context, key world.Key) (*world.Chunk, error) {
		c := world.NewChunk(key)
		c.Set(0, 0, 0, 5) // one non-air voxel so serialized frames are non-trivial
		return c, nil
	}), nil)
	serPool := worldgen.NewSerializePool(2, nil)
	writer := &recordingWriter{}
	streamer := NewChunkStreamer(store, serPool, writer, nil, nil, opts)
	return streamer, store, serPool, writer
}

// TestOnAuthenticated_SendsChunksAroundSpawn verifies authenticating
// near the origin results in frames written to the socket and an empty
// send queue once the loop drains.
func TestOnAuthenticated_SendsChunksAroundSpawn(t *testing.T) {
	// Arrange
	streamer, _, serPool, writer := newTestStreamer(t, Options{RenderRadiusChunks: 1, InitialChunkGenerationWaitMS: 500})
	defer serPool.Close()

	// Act
	streamer.OnAuthenticated(context.Background(), Position{X: 0, Y: 0, Z: 0})

	// Assert
	if writer.count() == 0 {
		t.Fatal("expected at least one frame written on authentication")
	}
	if streamer.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d, want 0 after send loop drains under window", streamer.QueueLength())
	}
	if streamer.OutstandingSize() == 0 {
		t.Error("OutstandingSize() = 0, want outstanding entries for sent chunks")
	}
}

// TestOnChunkAck_RemovesOutstandingAndAdvancesQueue verifies acking a
// chunk frees its outstanding slot.
func TestOnChunkAck_RemovesOutstandingAndAdvancesQueue(t *testing.T) {
	// Arrange
	streamer, _, serPool, _ := newTestStreamer(t, Options{RenderRadiusChunks: 1, InitialChunkGenerationWaitMS: 500})
	defer serPool.Close()
	streamer.OnAuthenticated(context.Background(), Position{X: 0, Y: 0, Z: 0})

	before := streamer.OutstandingSize()
	if before == 0 {
		t.Fatal("expected outstanding entries before ack")
	}

	var ackedKey world.Key
	var ackedSeq uint32
	streamer.mu.Lock()
	for k, e := range streamer.outstanding {
		ackedKey, ackedSeq = k, e.seq
		break
	}
	streamer.mu.Unlock()

	// Act
	streamer.OnChunkAck(ackedKey, ackedSeq)

	// Assert
	if got := streamer.OutstandingSize(); got != before-1 {
		t.Errorf("OutstandingSize() = %d, want %d after ack", got, before-1)
	}
}

// TestTick_BacksOffExponentiallyAndCapsAt30s verifies the backoff
// doubling rule and its 30s ceiling from spec §4.4 bullet 5.
func TestTick_BacksOffExponentiallyAndCapsAt30s(t *testing.T) {
	// Arrange
	streamer, _, serPool, writer := newTestStreamer(t, Options{RenderRadiusChunks: 0, InitialChunkGenerationWaitMS: 500, ChunkAckTimeoutMS: 100})
	defer serPool.Close()
	streamer.OnAuthenticated(context.Background(), Position{X: 0, Y: 0, Z: 0})

	if streamer.OutstandingSize() == 0 {
		t.Fatal("expected at least one outstanding entry")
	}
	var key world.Key
	streamer.mu.Lock()
	for k := range streamer.outstanding {
		key = k
		break
	}
	entry := streamer.outstanding[key]
	entry.lastSentAt = time.Now().Add(-time.Hour)
	entry.nextBackoffMS = 20000
	streamer.mu.Unlock()
	before := writer.count()

	// Act
	streamer.Tick(time.Now())

	// Assert
	streamer.mu.Lock()
	got := streamer.outstanding[key]
	streamer.mu.Unlock()
	if got == nil {
		t.Fatal("entry unexpectedly removed")
	}
	if got.nextBackoffMS != MaxBackoffMS {
		t.Errorf("nextBackoffMS = %d, want capped at %d", got.nextBackoffMS, MaxBackoffMS)
	}
	if got.retries != 1 {
		t.Errorf("retries = %d, want 1", got.retries)
	}
	if writer.count() != before+1 {
		t.Errorf("writer.count() = %d, want %d (one resend)", writer.count(), before+1)
	}
}

// TestTick_DropsEntryAfterMaxRetries verifies an outstanding entry is
// dropped and the telemetry counter incremented once retries reach
// MaxRetries.
func TestTick_DropsEntryAfterMaxRetries(t *testing.T) {
	// Arrange
	streamer, _, serPool, _ := newTestStreamer(t, Options{RenderRadiusChunks: 0, InitialChunkGenerationWaitMS: 500, MaxRetries: 2})
	defer serPool.Close()
	streamer.OnAuthenticated(context.Background(), Position{X: 0, Y: 0, Z: 0})

	var key world.Key
	streamer.mu.Lock()
	for k := range streamer.outstanding {
		key = k
		break
	}
	streamer.outstanding[key].retries = 2
	streamer.outstanding[key].lastSentAt = time.Now().Add(-time.Hour)
	streamer.mu.Unlock()

	// Act
	streamer.Tick(time.Now())

	// Assert
	if _, ok := streamer.outstanding[key]; ok {
		t.Error("entry still outstanding after exceeding max retries")
	}
}

// TestOnChunkHave_PrunesCoveredOutstandingAndClearsAwaitingHave verifies
// resume manifests prune matching entries and unblock sending.
func TestOnChunkHave_PrunesCoveredOutstandingAndClearsAwaitingHave(t *testing.T) {
	// Arrange
	streamer, _, serPool, _ := newTestStreamer(t, Options{RenderRadiusChunks: 0})
	defer serPool.Close()
	streamer.Resume([]PersistedOutstanding{
		{Key: world.Key{CX: 0, CY: 0, CZ: 0}, Seq: 7, Buffer: []byte{1, 2, 3}},
		{Key: world.Key{CX: 1, CY: 0, CZ: 0}, Seq: 8, Buffer: []byte{4, 5, 6}},
	}, time.Now())

	// Act
	streamer.OnChunkHave([]uint32{7}, nil)

	// Assert
	if streamer.OutstandingSize() != 1 {
		t.Fatalf("OutstandingSize() = %d, want 1 after pruning seq 7", streamer.OutstandingSize())
	}
	if _, ok := streamer.outstanding[world.Key{CX: 0, CY: 0, CZ: 0}]; ok {
		t.Error("seq-7 entry still present, want pruned")
	}
	streamer.mu.Lock()
	awaiting := streamer.awaitingHave
	streamer.mu.Unlock()
	if awaiting {
		t.Error("awaitingHave still true after chunk_have")
	}
}

// TestFormEnvelopes_ReducedCapForNearestFraction verifies the nearest
// 15% of chunks are packed under the reduced cap rather than the full
// batch target.
func TestFormEnvelopes_ReducedCapForNearestFraction(t *testing.T) {
	// Arrange: 20 chunks each with a 50KiB payload; batchTarget large
	// enough to hold many under the normal cap but the reduced cap
	// (min(batchTarget/4, 64KiB)) should only fit one per envelope.
	const payloadSize = 50 * 1024
	chunks := make([]serializedChunk, 20)
	for i := range chunks {
		chunks[i] = serializedChunk{
			key: world.Key{CX: int32(i)},
			seq: uint32(i),
			buf: make([]byte, payloadSize),
		}
	}
	var nextID uint64

	// Act
	envelopes := formEnvelopes(chunks, 512*1024, &nextID)

	// Assert: nearest ceil(20*0.15)=3 chunks use the reduced cap
	// (min(512KiB/4, 64KiB) = 64KiB), which fits only one 50KiB payload
	// plus header at a time, so the first 3 envelopes should be
	// single-chunk.
	if len(envelopes) < 3 {
		t.Fatalf("got %d envelopes, want at least 3", len(envelopes))
	}
	for i := 0; i < 3; i++ {
		if len(envelopes[i].members) != 1 {
			t.Errorf("envelope %d has %d members, want 1 (reduced cap)", i, len(envelopes[i].members))
		}
	}
}

// TestFormEnvelopes_SingleOversizedChunkSentAlone verifies a chunk
// whose payload alone exceeds the cap still gets its own envelope
// rather than blocking batching entirely.
func TestFormEnvelopes_SingleOversizedChunkSentAlone(t *testing.T) {
	// Arrange
	big := serializedChunk{key: world.Key{CX: 0}, seq: 1, buf: make([]byte, 2*1024*1024)}
	small := serializedChunk{key: world.Key{CX: 1}, seq: 2, buf: make([]byte, 10)}
	var nextID uint64

	// Act
	envelopes := formEnvelopes([]serializedChunk{big, small}, MinBatchTargetBytes, &nextID)

	// Assert
	if len(envelopes) != 2 {
		t.Fatalf("got %d envelopes, want 2 (oversized chunk alone + the rest)", len(envelopes))
	}
	if len(envelopes[0].members) != 1 || envelopes[0].members[0].Key != big.key {
		t.Error("first envelope should contain only the oversized chunk")
	}
}

// TestRunSendLoop_RespectsOutstandingWindow verifies the send loop
// stops writing once outstanding.size reaches max_outstanding, leaving
// the remainder queued.
func TestRunSendLoop_RespectsOutstandingWindow(t *testing.T) {
	// Arrange
	streamer, store, serPool, writer := newTestStreamer(t, Options{RenderRadiusChunks: 3})
	defer serPool.Close()
	streamer.mu.Lock()
	streamer.maxOutstanding = 2
	streamer.batchTargetBytes = 10 // force one chunk per envelope so the window check bites quickly
	streamer.mu.Unlock()

	var chunks []*world.Chunk
	for _, k := range neighborhood(world.Key{}, 3) {
		c, err := store.Ensure(context.Background(), k)
		if err != nil {
			t.Fatalf("Ensure() error = %v", err)
		}
		chunks = append(chunks, c)
	}

	// Act
	streamer.serializeAndEnqueue(context.Background(), world.Key{}, chunks)
	streamer.runSendLoop()

	// Assert
	if streamer.OutstandingSize() > 2 {
		t.Errorf("OutstandingSize() = %d, want <= 2 (max_outstanding)", streamer.OutstandingSize())
	}
	if writer.count() == 0 {
		t.Error("expected at least one frame written before window filled")
	}
	if streamer.QueueLength() == 0 {
		t.Error("expected remaining envelopes still queued once window filled")
	}
}
