// Package raycast implements RaycastService: Amanatides-Woo voxel ray
// traversal against an arbitrary voxel lookup (spec §4.9).
package raycast

import "math"

// BlockLookup resolves the voxel occupying a world cell. Implementations
// back onto whatever chunk store is authoritative for the caller (the
// server's world.Store, or the client's ClientChunkStore).
type BlockLookup func(x, y, z int) (blockType uint16, known bool)

// Hit is the traversal result: the voxel cell hit, its block type, the
// face normal facing back toward the ray origin, and the travelled
// distance.
type Hit struct {
	X, Y, Z         int
	BlockType       uint16
	NormalX, NormalY, NormalZ int
	Distance        float64
}

const epsilon = 1e-9

// Cast walks from origin along dir (which need not be pre-normalized;
// Cast normalizes it) up to maxDistance, returning the first non-air
// voxel encountered, or ok=false if none is found within range.
//
// If the origin already sits inside a non-air voxel, that cell is
// returned immediately with a zero normal and zero distance (spec §4.9
// boundary case).
func Cast(originX, originY, originZ, dirX, dirY, dirZ, maxDistance float64, lookup BlockLookup) (Hit, bool) {
	length := math.Sqrt(dirX*dirX + dirY*dirY + dirZ*dirZ)
	if length < epsilon {
		return Hit{}, false
	}
	dirX, dirY, dirZ = dirX/length, dirY/length, dirZ/length

	voxelX := int(math.Floor(originX + 0.5))
	voxelY := int(math.Floor(originY + 0.5))
	voxelZ := int(math.Floor(originZ + 0.5))

	if bt, known := lookup(voxelX, voxelY, voxelZ); known && bt != 0 {
		return Hit{X: voxelX, Y: voxelY, Z: voxelZ, BlockType: bt}, true
	}

	stepX, tMaxX, tDeltaX := axisState(originX+0.5, voxelX, dirX)
	stepY, tMaxY, tDeltaY := axisState(originY+0.5, voxelY, dirY)
	stepZ, tMaxZ, tDeltaZ := axisState(originZ+0.5, voxelZ, dirZ)

	traveled := 0.0
	var normalX, normalY, normalZ int

	for traveled <= maxDistance {
		switch {
		case tMaxX < tMaxY && tMaxX < tMaxZ:
			voxelX += stepX
			traveled = tMaxX
			tMaxX += tDeltaX
			normalX, normalY, normalZ = -stepX, 0, 0
		case tMaxY < tMaxZ:
			voxelY += stepY
			traveled = tMaxY
			tMaxY += tDeltaY
			normalX, normalY, normalZ = 0, -stepY, 0
		default:
			voxelZ += stepZ
			traveled = tMaxZ
			tMaxZ += tDeltaZ
			normalX, normalY, normalZ = 0, 0, -stepZ
		}

		if traveled > maxDistance {
			break
		}

		if bt, known := lookup(voxelX, voxelY, voxelZ); known && bt != 0 {
			return Hit{
				X: voxelX, Y: voxelY, Z: voxelZ, BlockType: bt,
				NormalX: normalX, NormalY: normalY, NormalZ: normalZ,
				Distance: traveled,
			}, true
		}
	}

	return Hit{}, false
}

// axisState computes the initial t_max (distance to the next voxel
// boundary along this axis) and t_delta (distance between consecutive
// boundaries), per Amanatides-Woo.
func axisState(shiftedOrigin float64, voxel int, dir float64) (step int, tMax float64, tDelta float64) {
	if dir > 0 {
		boundary := float64(voxel + 1)
		return 1, (boundary - shiftedOrigin) / dir, 1 / dir
	}
	if dir < 0 {
		boundary := float64(voxel)
		return -1, (boundary - shiftedOrigin) / dir, 1 / -dir
	}
	return 0, math.Inf(1), math.Inf(1)
}
