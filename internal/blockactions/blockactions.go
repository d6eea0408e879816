// Package blockactions implements the authoritative place_block /
// break_block handling from spec §4.6: bounds/state validation,
// mutation, and the patch fan-out to nearby sessions. The optimistic
// client-side mirror described in the same section belongs to the
// client, not this package.
package blockactions

import (
	"context"
	"fmt"

	"voxelstream/internal/telemetry"
	"voxelstream/internal/world"
)

// MaxCoordMagnitude is the reasonable-bounds check from spec §4.6 step 1.
const MaxCoordMagnitude = 10_000

// BroadcastRadius is how far (in blocks) a mutation's patch is
// broadcast to other sessions (spec §4.6 step 6).
const BroadcastRadius = 128

// Outcome distinguishes the telemetry label for a rejected action from
// a committed one.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeOutOfBounds  Outcome = "out_of_bounds"
	OutcomeCellOccupied Outcome = "occupied"
	OutcomeCellEmpty    Outcome = "cell_empty"
	OutcomeStoreError   Outcome = "store_error"
)

// Result is the outcome of a single place/break request: enough to
// build both the block_action_result reply to the actor and the
// block_patch broadcast to nearby sessions.
type Result struct {
	ActionID  string
	Success   bool
	Reason    string
	X, Y, Z   int
	BlockType uint16
	Version   uint32
}

// Service applies authoritative block mutations against a world.Store.
type Service struct {
	store   *world.Store
	metrics *telemetry.Metrics
}

// NewService builds a blockactions Service bound to store.
func NewService(store *world.Store, metrics *telemetry.Metrics) *Service {
	if metrics == nil {
		metrics = telemetry.NewUnregistered()
	}
	return &Service{store: store, metrics: metrics}
}

func inBounds(x, y, z int) bool {
	return abs(x) <= MaxCoordMagnitude && abs(y) <= MaxCoordMagnitude && abs(z) <= MaxCoordMagnitude
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Break removes the block at (x,y,z), failing if the cell is already
// air (spec §4.6 step 3).
func (s *Service) Break(ctx context.Context, actionID string, x, y, z int) (Result, error) {
	if !inBounds(x, y, z) {
		s.metrics.BlockActionsTotal.WithLabelValues("break", string(OutcomeOutOfBounds)).Inc()
		return Result{ActionID: actionID, Success: false, Reason: string(OutcomeOutOfBounds), X: x, Y: y, Z: z}, nil
	}

	chunk, err := s.store.Ensure(ctx, world.ChunkOf(x, y, z))
	if err != nil {
		s.metrics.BlockActionsTotal.WithLabelValues("break", string(OutcomeStoreError)).Inc()
		return Result{}, fmt.Errorf("ensure chunk for break at (%d,%d,%d): %w", x, y, z, err)
	}

	lx, ly, lz := world.LocalOf(x, y, z)
	if chunk.Get(lx, ly, lz) == world.BlockAir {
		s.metrics.BlockActionsTotal.WithLabelValues("break", string(OutcomeCellEmpty)).Inc()
		return Result{ActionID: actionID, Success: false, Reason: string(OutcomeCellEmpty), X: x, Y: y, Z: z}, nil
	}

	old, newVersion, err := s.store.SetBlock(ctx, x, y, z, world.BlockAir)
	_ = old
	if err != nil {
		s.metrics.BlockActionsTotal.WithLabelValues("break", string(OutcomeStoreError)).Inc()
		return Result{}, fmt.Errorf("set block for break at (%d,%d,%d): %w", x, y, z, err)
	}

	s.metrics.BlockActionsTotal.WithLabelValues("break", string(OutcomeSuccess)).Inc()
	return Result{
		ActionID: actionID, Success: true, X: x, Y: y, Z: z,
		BlockType: uint16(world.BlockAir), Version: newVersion,
	}, nil
}

// Place adds blockType at (x,y,z), failing if the cell is already
// occupied (spec §4.6 step 3).
func (s *Service) Place(ctx context.Context, actionID string, x, y, z int, blockType uint16) (Result, error) {
	if !inBounds(x, y, z) {
		s.metrics.BlockActionsTotal.WithLabelValues("place", string(OutcomeOutOfBounds)).Inc()
		return Result{ActionID: actionID, Success: false, Reason: string(OutcomeOutOfBounds), X: x, Y: y, Z: z}, nil
	}

	chunk, err := s.store.Ensure(ctx, world.ChunkOf(x, y, z))
	if err != nil {
		s.metrics.BlockActionsTotal.WithLabelValues("place", string(OutcomeStoreError)).Inc()
		return Result{}, fmt.Errorf("ensure chunk for place at (%d,%d,%d): %w", x, y, z, err)
	}

	lx, ly, lz := world.LocalOf(x, y, z)
	if chunk.Get(lx, ly, lz) != world.BlockAir {
		s.metrics.BlockActionsTotal.WithLabelValues("place", string(OutcomeCellOccupied)).Inc()
		return Result{ActionID: actionID, Success: false, Reason: string(OutcomeCellOccupied), X: x, Y: y, Z: z}, nil
	}

	_, newVersion, err := s.store.SetBlock(ctx, x, y, z, world.Voxel(blockType))
	if err != nil {
		s.metrics.BlockActionsTotal.WithLabelValues("place", string(OutcomeStoreError)).Inc()
		return Result{}, fmt.Errorf("set block for place at (%d,%d,%d): %w", x, y, z, err)
	}

	s.metrics.BlockActionsTotal.WithLabelValues("place", string(OutcomeSuccess)).Inc()
	return Result{
		ActionID: actionID, Success: true, X: x, Y: y, Z: z,
		BlockType: blockType, Version: newVersion,
	}, nil
}

// WithinBroadcastRadius reports whether (x,y,z) is close enough to pos
// to receive this mutation's patch (spec §4.6 step 6).
func WithinBroadcastRadius(px, py, pz float64, x, y, z int) bool {
	dx := px - float64(x)
	dy := py - float64(y)
	dz := pz - float64(z)
	return dx*dx+dy*dy+dz*dz <= float64(BroadcastRadius*BroadcastRadius)
}
