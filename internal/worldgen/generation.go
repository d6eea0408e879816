package worldgen

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"

	"voxelstream/internal/telemetry"
	"voxelstream/internal/world"
)

// genResult is the GenerationPool's job result: either a populated chunk
// or the error that prevented generation (spec §7 Resource error kind).
type genResult struct {
	chunk *world.Chunk
	err   error
}

// GenerationPool is the parallel chunk-generation worker pool from spec
// §4.3, implementing world.Generator so a Store can call Ensure directly
// against it.
type GenerationPool struct {
	pool       *Pool[world.Key, genResult]
	masterSeed string
	metrics    *telemetry.Metrics
}

// NewGenerationPool starts a pool of workers producing deterministic
// terrain keyed by masterSeed, following the teacher's seeded-PRNG
// approach (hash(masterSeed, chunkID) -> rand.Source) generalized from a
// 1D chunk index to full 3D chunk coordinates.
func NewGenerationPool(workers int, masterSeed string, metrics *telemetry.Metrics) *GenerationPool {
	if metrics == nil {
		metrics = telemetry.NewUnregistered()
	}
	gp := &GenerationPool{masterSeed: masterSeed, metrics: metrics}
	gp.pool = NewPool(workers, gp.runJob)
	return gp
}

func (gp *GenerationPool) runJob(_ context.Context, key world.Key) genResult {
	chunk := world.NewChunk(key)
	generateTerrain(chunk, gp.masterSeed, key)
	gp.metrics.GenerationJobsTotal.Inc()
	return genResult{chunk: chunk}
}

// Generate implements world.Generator by submitting a job and blocking
// until the result is ready or ctx is cancelled.
func (gp *GenerationPool) Generate(ctx context.Context, key world.Key) (*world.Chunk, error) {
	resultCh := gp.pool.Submit(ctx, key)
	select {
	case res := <-resultCh:
		return res.chunk, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the generation workers.
func (gp *GenerationPool) Close() {
	gp.pool.Close()
}

// generateTerrain deterministically fills chunk with voxels derived from
// hash(masterSeed, key). Same inputs always produce the same layout so
// every client sees identical terrain, mirroring the teacher's
// GenerateChunk (server/generation/chunk.go) generalized from a 1D
// obstacle lane to a dense 3D voxel chunk: a rolling heightmap per (x,z)
// column within the chunk, with a handful of scattered ore-like voxels
// below the surface.
func generateTerrain(chunk *world.Chunk, masterSeed string, key world.Key) {
	seedSource := fmt.Sprintf("%s-%d-%d-%d", masterSeed, key.CX, key.CY, key.CZ)
	hash := sha256.Sum256([]byte(seedSource))
	seed := int64(binary.BigEndian.Uint64(hash[:8]))
	rng := rand.New(rand.NewSource(seed))

	const (
		blockStone = world.Voxel(1)
		blockDirt  = world.Voxel(2)
		blockOre   = world.Voxel(3)
	)

	baseHeight := 8 + rng.Intn(5) // column surface within this chunk, 8..12

	for x := 0; x < world.ChunkDim; x++ {
		for z := 0; z < world.ChunkDim; z++ {
			colHeight := baseHeight + rng.Intn(3) - 1
			if colHeight < 0 {
				colHeight = 0
			}
			if colHeight > world.ChunkDim-1 {
				colHeight = world.ChunkDim - 1
			}
			for y := 0; y <= colHeight; y++ {
				block := blockStone
				if y == colHeight {
					block = blockDirt
				} else if y < colHeight-2 && rng.Float64() < 0.02 {
					block = blockOre
				}
				chunk.Set(x, y, z, block)
			}
		}
	}
}
