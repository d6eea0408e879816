package raycast

import "testing"

func gridLookup(solid map[[3]int]uint16) BlockLookup {
	return func(x, y, z int) (uint16, bool) {
		bt, ok := solid[[3]int{x, y, z}]
		if !ok {
			return 0, true // known air
		}
		return bt, true
	}
}

// TestCast_OriginInsideBlockReturnsZeroDistance verifies the boundary
// case from spec §4.9: a ray starting inside a solid voxel hits that
// voxel immediately with zero distance.
func TestCast_OriginInsideBlockReturnsZeroDistance(t *testing.T) {
	// Arrange
	solid := map[[3]int]uint16{{0, 0, 0}: 3}
	lookup := gridLookup(solid)

	// Act
	hit, ok := Cast(0.2, 0.2, 0.2, 1, 0, 0, 10, lookup)

	// Assert
	if !ok {
		t.Fatal("Cast() ok = false, want true")
	}
	if hit.Distance != 0 {
		t.Errorf("hit.Distance = %v, want 0", hit.Distance)
	}
	if hit.X != 0 || hit.Y != 0 || hit.Z != 0 {
		t.Errorf("hit cell = (%d,%d,%d), want (0,0,0)", hit.X, hit.Y, hit.Z)
	}
}

// TestCast_HitsBlockAlongPositiveXAxis verifies a straightforward
// traversal along +X finds a solid voxel several cells away and
// reports the -X face normal.
func TestCast_HitsBlockAlongPositiveXAxis(t *testing.T) {
	// Arrange
	solid := map[[3]int]uint16{{5, 0, 0}: 7}
	lookup := gridLookup(solid)

	// Act
	hit, ok := Cast(0, 0, 0, 1, 0, 0, 20, lookup)

	// Assert
	if !ok {
		t.Fatal("Cast() ok = false, want true")
	}
	if hit.X != 5 || hit.Y != 0 || hit.Z != 0 {
		t.Errorf("hit cell = (%d,%d,%d), want (5,0,0)", hit.X, hit.Y, hit.Z)
	}
	if hit.NormalX != -1 || hit.NormalY != 0 || hit.NormalZ != 0 {
		t.Errorf("hit normal = (%d,%d,%d), want (-1,0,0)", hit.NormalX, hit.NormalY, hit.NormalZ)
	}
}

// TestCast_ReturnsFalseBeyondMaxDistance verifies a ray that never
// reaches a solid voxel within max_distance reports no hit.
func TestCast_ReturnsFalseBeyondMaxDistance(t *testing.T) {
	// Arrange
	solid := map[[3]int]uint16{{100, 0, 0}: 1}
	lookup := gridLookup(solid)

	// Act
	_, ok := Cast(0, 0, 0, 1, 0, 0, 5, lookup)

	// Assert
	if ok {
		t.Error("Cast() ok = true, want false beyond max_distance")
	}
}

// TestCast_HitsBlockAlongNegativeYAxis exercises the negative-direction
// branch of axisState.
func TestCast_HitsBlockAlongNegativeYAxis(t *testing.T) {
	// Arrange
	solid := map[[3]int]uint16{{0, -3, 0}: 2}
	lookup := gridLookup(solid)

	// Act
	hit, ok := Cast(0, 0, 0, 0, -1, 0, 20, lookup)

	// Assert
	if !ok {
		t.Fatal("Cast() ok = false, want true")
	}
	if hit.Y != -3 {
		t.Errorf("hit.Y = %d, want -3", hit.Y)
	}
	if hit.NormalY != 1 {
		t.Errorf("hit.NormalY = %d, want 1", hit.NormalY)
	}
}
