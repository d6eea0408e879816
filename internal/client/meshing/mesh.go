// Package meshing implements MeshBuilder: per-chunk face-culled quad
// generation against a ClientChunkStore plus its neighbors (spec §4.8).
// It produces geometry buffers and a material key; texture atlas
// construction and raster GPU primitives are out of scope (spec §1).
package meshing

import "voxelstream/internal/world"

// NeighborLookup resolves the block type of a voxel that may live in
// an adjacent chunk, so face culling at chunk boundaries is correct.
// known is false if that chunk hasn't been received yet, in which case
// the boundary face is treated as solid (not emitted) to avoid
// flickering holes that get patched once the neighbor arrives.
type NeighborLookup func(key world.Key, localX, localY, localZ int) (blockType uint16, known bool)

// AtlasLookup remaps a block type to its tile's UV rectangle. If nil,
// Build falls back to per-block-type materials (MaterialKeys).
type AtlasLookup func(blockType uint16) (u0, v0, u1, v1 float32, ok bool)

// Options configures one Build call.
type Options struct {
	// Supports32BitIndices should be true when the target runtime
	// accepts 32-bit element indices directly.
	Supports32BitIndices bool
	Atlas                AtlasLookup
}

// Geometry is MeshBuilder's output: flat vertex attribute buffers plus
// an index buffer in whichever representation Build selected (spec
// §4.8 "Index type selection").
type Geometry struct {
	Positions    []float32
	Normals      []float32
	UVs          []float32
	MaterialKeys []uint16 // per-vertex, populated only when Atlas is nil

	Indices32  []uint32
	Indices16  []uint16
	NonIndexed bool // true: Positions/Normals/UVs/MaterialKeys are already triangle-expanded
}

// VoxelSource looks up a local cell's block type within the chunk
// currently being meshed.
type VoxelSource interface {
	Get(localX, localY, localZ int) (blockType uint16, present bool)
}

// CellRef is one non-air voxel within the chunk being meshed.
type CellRef struct {
	LocalX, LocalY, LocalZ int
	BlockType               uint16
}

type face struct {
	dx, dy, dz int
	normal     [3]float32
	corners    [4][3]float32
	uAxis, vAxis int // 0=x,1=y,2=z: which corner axis feeds (u,v) before atlas/orientation flip
	flipU, flipV bool
}

var faces = []face{
	{ // +X
		dx: 1, normal: [3]float32{1, 0, 0},
		corners: [4][3]float32{{1, 0, 0}, {1, 1, 0}, {1, 1, 1}, {1, 0, 1}},
		uAxis: 2, vAxis: 1,
	},
	{ // -X
		dx: -1, normal: [3]float32{-1, 0, 0},
		corners: [4][3]float32{{0, 0, 1}, {0, 1, 1}, {0, 1, 0}, {0, 0, 0}},
		uAxis: 2, vAxis: 1, flipU: true,
	},
	{ // +Y (top)
		dy: 1, normal: [3]float32{0, 1, 0},
		corners: [4][3]float32{{0, 1, 0}, {0, 1, 1}, {1, 1, 1}, {1, 1, 0}},
		uAxis: 0, vAxis: 2,
	},
	{ // -Y (bottom)
		dy: -1, normal: [3]float32{0, -1, 0},
		corners: [4][3]float32{{0, 0, 1}, {0, 0, 0}, {1, 0, 0}, {1, 0, 1}},
		uAxis: 0, vAxis: 2, flipV: true,
	},
	{ // +Z
		dz: 1, normal: [3]float32{0, 0, 1},
		corners: [4][3]float32{{1, 0, 1}, {1, 1, 1}, {0, 1, 1}, {0, 0, 1}},
		uAxis: 0, vAxis: 1,
	},
	{ // -Z
		dz: -1, normal: [3]float32{0, 0, -1},
		corners: [4][3]float32{{0, 0, 0}, {0, 1, 0}, {1, 1, 0}, {1, 0, 0}},
		uAxis: 0, vAxis: 1, flipU: true,
	},
}

// Build meshes one chunk's non-air cells into Geometry, culling any
// face whose adjacent cell (within this chunk or, at a boundary,
// resolved via neighbors) is occupied.
func Build(key world.Key, cells []CellRef, src VoxelSource, neighbors NeighborLookup, opts Options) Geometry {
	var positions, normals, uvs []float32
	var materials []uint16
	var indices []uint32

	for _, cell := range cells {
		for _, f := range faces {
			nx, ny, nz := cell.LocalX+f.dx, cell.LocalY+f.dy, cell.LocalZ+f.dz

			var occupied bool
			if inChunk(nx, ny, nz) {
				bt, _ := src.Get(nx, ny, nz)
				occupied = bt != 0
			} else {
				nk, wx, wy, wz := acrossBoundary(key, nx, ny, nz)
				bt, known := neighbors(nk, wx, wy, wz)
				occupied = !known || bt != 0
			}
			if occupied {
				continue
			}

			base := uint32(len(positions) / 3)
			for _, c := range f.corners {
				positions = append(positions,
					float32(cell.LocalX)+c[0],
					float32(cell.LocalY)+c[1],
					float32(cell.LocalZ)+c[2],
				)
				normals = append(normals, f.normal[0], f.normal[1], f.normal[2])

				u, v := c[f.uAxis], c[f.vAxis]
				if f.flipU {
					u = 1 - u
				}
				if f.flipV {
					v = 1 - v
				}
				if opts.Atlas != nil {
					if u0, v0, u1, v1, ok := opts.Atlas(cell.BlockType); ok {
						u = u0 + u*(u1-u0)
						v = v0 + v*(v1-v0)
					}
				} else {
					materials = append(materials, cell.BlockType)
				}
				uvs = append(uvs, u, v)
			}

			indices = append(indices, base, base+1, base+2, base, base+2, base+3)
		}
	}

	return selectIndexRepresentation(Geometry{
		Positions:    positions,
		Normals:      normals,
		UVs:          uvs,
		MaterialKeys: materials,
	}, indices, opts)
}

func inChunk(x, y, z int) bool {
	return x >= 0 && x < world.ChunkDim && y >= 0 && y < world.ChunkDim && z >= 0 && z < world.ChunkDim
}

// acrossBoundary maps an out-of-range local cell to the neighbor
// chunk's key and that chunk's local coordinates.
func acrossBoundary(key world.Key, x, y, z int) (world.Key, int, int, int) {
	nk := key
	switch {
	case x < 0:
		nk.CX--
		x += world.ChunkDim
	case x >= world.ChunkDim:
		nk.CX++
		x -= world.ChunkDim
	}
	switch {
	case y < 0:
		nk.CY--
		y += world.ChunkDim
	case y >= world.ChunkDim:
		nk.CY++
		y -= world.ChunkDim
	}
	switch {
	case z < 0:
		nk.CZ--
		z += world.ChunkDim
	case z >= world.ChunkDim:
		nk.CZ++
		z -= world.ChunkDim
	}
	return nk, x, y, z
}

// selectIndexRepresentation implements spec §4.8's index type
// selection: 32-bit when supported, else 16-bit if it fits, else a
// non-indexed (triangle-expanded) vertex stream.
func selectIndexRepresentation(g Geometry, indices []uint32, opts Options) Geometry {
	if len(indices) == 0 {
		return g
	}

	if opts.Supports32BitIndices {
		g.Indices32 = indices
		return g
	}

	maxIndex := uint32(0)
	for _, idx := range indices {
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	if maxIndex <= 65535 {
		g.Indices16 = make([]uint16, len(indices))
		for i, idx := range indices {
			g.Indices16[i] = uint16(idx)
		}
		return g
	}

	return expandNonIndexed(g, indices)
}

func expandNonIndexed(g Geometry, indices []uint32) Geometry {
	expanded := Geometry{
		Positions:    make([]float32, 0, len(indices)*3),
		Normals:      make([]float32, 0, len(indices)*3),
		UVs:          make([]float32, 0, len(indices)*2),
		NonIndexed:   true,
	}
	if len(g.MaterialKeys) > 0 {
		expanded.MaterialKeys = make([]uint16, 0, len(indices))
	}
	for _, idx := range indices {
		expanded.Positions = append(expanded.Positions, g.Positions[idx*3], g.Positions[idx*3+1], g.Positions[idx*3+2])
		expanded.Normals = append(expanded.Normals, g.Normals[idx*3], g.Normals[idx*3+1], g.Normals[idx*3+2])
		expanded.UVs = append(expanded.UVs, g.UVs[idx*2], g.UVs[idx*2+1])
		if len(g.MaterialKeys) > 0 {
			expanded.MaterialKeys = append(expanded.MaterialKeys, g.MaterialKeys[idx])
		}
	}
	return expanded
}
