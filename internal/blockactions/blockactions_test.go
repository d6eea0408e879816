package blockactions

import (
	"context"
	"testing"

	"voxelstream/internal/world"
)

func newTestStore() *world.Store {
	return world.NewStore(1000, world.GeneratorFunc(func(_ context.Context, key world.Key) (*world.Chunk, error) {
		return world.NewChunk(key), nil
	}), nil)
}

// TestPlace_SucceedsOnAirCell verifies placing into an empty cell
// mutates the chunk and bumps its version.
func TestPlace_SucceedsOnAirCell(t *testing.T) {
	// Arrange
	svc := NewService(newTestStore(), nil)

	// Act
	result, err := svc.Place(context.Background(), "action-1", 4, 4, 4, 7)

	// Assert
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Place() success = false, reason = %q", result.Reason)
	}
	if result.BlockType != 7 {
		t.Errorf("result.BlockType = %d, want 7", result.BlockType)
	}
	if result.Version == 0 {
		t.Error("result.Version = 0, want a bumped version")
	}
}

// TestPlace_FailsOnOccupiedCell verifies placing into a non-air cell
// is rejected without mutating the chunk.
func TestPlace_FailsOnOccupiedCell(t *testing.T) {
	// Arrange
	svc := NewService(newTestStore(), nil)
	if _, err := svc.Place(context.Background(), "a1", 1, 1, 1, 2); err != nil {
		t.Fatalf("setup Place() error = %v", err)
	}

	// Act
	result, err := svc.Place(context.Background(), "a2", 1, 1, 1, 9)

	// Assert
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if result.Success {
		t.Fatal("Place() succeeded on an already-occupied cell")
	}
	if result.Reason != string(OutcomeCellOccupied) {
		t.Errorf("result.Reason = %q, want %q", result.Reason, OutcomeCellOccupied)
	}
}

// TestBreak_FailsOnAirCell verifies breaking an empty cell is rejected.
func TestBreak_FailsOnAirCell(t *testing.T) {
	// Arrange
	svc := NewService(newTestStore(), nil)

	// Act
	result, err := svc.Break(context.Background(), "a1", 2, 2, 2)

	// Assert
	if err != nil {
		t.Fatalf("Break() error = %v", err)
	}
	if result.Success {
		t.Fatal("Break() succeeded on an air cell")
	}
	if result.Reason != string(OutcomeCellEmpty) {
		t.Errorf("result.Reason = %q, want %q", result.Reason, OutcomeCellEmpty)
	}
}

// TestBreak_SucceedsOnOccupiedCell verifies breaking a placed block
// clears it back to air and bumps the version.
func TestBreak_SucceedsOnOccupiedCell(t *testing.T) {
	// Arrange
	svc := NewService(newTestStore(), nil)
	if _, err := svc.Place(context.Background(), "a1", 3, 3, 3, 5); err != nil {
		t.Fatalf("setup Place() error = %v", err)
	}

	// Act
	result, err := svc.Break(context.Background(), "a2", 3, 3, 3)

	// Assert
	if err != nil {
		t.Fatalf("Break() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Break() success = false, reason = %q", result.Reason)
	}
	if result.BlockType != uint16(world.BlockAir) {
		t.Errorf("result.BlockType = %d, want air", result.BlockType)
	}
}

// TestPlace_RejectsOutOfBoundsCoordinate verifies the |coord| <= 10000
// bound is enforced without touching the store.
func TestPlace_RejectsOutOfBoundsCoordinate(t *testing.T) {
	// Arrange
	svc := NewService(newTestStore(), nil)

	// Act
	result, err := svc.Place(context.Background(), "a1", 20_000, 0, 0, 1)

	// Assert
	if err != nil {
		t.Fatalf("Place() error = %v", err)
	}
	if result.Success {
		t.Fatal("Place() succeeded on an out-of-bounds coordinate")
	}
	if result.Reason != string(OutcomeOutOfBounds) {
		t.Errorf("result.Reason = %q, want %q", result.Reason, OutcomeOutOfBounds)
	}
}

// TestWithinBroadcastRadius_BoundaryCases verifies the 128-block
// inclusion radius from spec §4.6 step 6.
func TestWithinBroadcastRadius_BoundaryCases(t *testing.T) {
	// Arrange / Act / Assert
	if !WithinBroadcastRadius(0, 0, 0, 128, 0, 0) {
		t.Error("expected exactly 128 blocks away to be within radius")
	}
	if WithinBroadcastRadius(0, 0, 0, 129, 0, 0) {
		t.Error("expected 129 blocks away to be outside radius")
	}
}
