package worldgen

import (
	"context"
	"time"

	"voxelstream/internal/chunkcodec"
	"voxelstream/internal/telemetry"
	"voxelstream/internal/world"
)

// SerializeJob is the input to the SerializePool: a chunk snapshot plus
// the seq it should be tagged with on the wire.
type SerializeJob struct {
	Chunk *world.Chunk
	Seq   uint32
}

// SerializeResult is the SerializePool's output: the encoded CHUNK_FULL
// buffer, or an error, plus the time the encode took so
// streaming.ChunkStreamer can feed its adaptive batch-size tuning (spec
// §4.4 "mean serialize time").
type SerializeResult struct {
	Key      world.Key
	Seq      uint32
	Buffer   []byte
	Duration time.Duration
	Err      error
}

// SerializePool is the parallel chunk-serialization worker pool from spec
// §4.3.
type SerializePool struct {
	pool    *Pool[SerializeJob, SerializeResult]
	metrics *telemetry.Metrics
}

// NewSerializePool starts a pool of workers that encode chunks to
// CHUNK_FULL frames.
func NewSerializePool(workers int, metrics *telemetry.Metrics) *SerializePool {
	if metrics == nil {
		metrics = telemetry.NewUnregistered()
	}
	sp := &SerializePool{metrics: metrics}
	sp.pool = NewPool(workers, sp.runJob)
	return sp
}

func (sp *SerializePool) runJob(_ context.Context, job SerializeJob) SerializeResult {
	start := time.Now()

	entries := job.Chunk.SparseEntries()
	codecEntries := make([]chunkcodec.Entry, len(entries))
	for i, e := range entries {
		codecEntries[i] = chunkcodec.Entry{LocalIndex: e.LocalIndex, BlockType: e.BlockType}
	}

	buf, err := chunkcodec.EncodeChunkFull(chunkcodec.ChunkFull{
		Seq:     job.Seq,
		CX:      job.Chunk.Key.CX,
		CY:      job.Chunk.Key.CY,
		CZ:      job.Chunk.Key.CZ,
		Version: job.Chunk.Version,
		Entries: codecEntries,
	})

	sp.metrics.SerializeJobsTotal.Inc()

	return SerializeResult{
		Key:      job.Chunk.Key,
		Seq:      job.Seq,
		Buffer:   buf,
		Duration: time.Since(start),
		Err:      err,
	}
}

// Submit dispatches a serialize job and returns a channel for its result.
func (sp *SerializePool) Submit(ctx context.Context, job SerializeJob) <-chan SerializeResult {
	return sp.pool.Submit(ctx, job)
}

// Close stops the serialize workers.
func (sp *SerializePool) Close() {
	sp.pool.Close()
}
