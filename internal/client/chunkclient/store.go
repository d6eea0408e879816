// Package chunkclient implements the client half of the chunk pipeline:
// ClientChunkStore (spec §4.8) and ClientChunkProcessor (spec §4.7).
package chunkclient

import (
	"sync"

	"voxelstream/internal/chunkcodec"
	"voxelstream/internal/world"
)

// Store holds the client's local mirror of the world: a sparse
// non-air voxel map per chunk, plus a version counter per chunk bumped
// on every swap so MeshBuilder knows which chunks to rebuild.
type Store struct {
	mu       sync.RWMutex
	chunks   map[world.Key]map[uint16]uint16
	versions map[world.Key]uint32
}

// NewStore builds an empty client-side chunk store.
func NewStore() *Store {
	return &Store{
		chunks:   make(map[world.Key]map[uint16]uint16),
		versions: make(map[world.Key]uint32),
	}
}

// Replace atomically installs a freshly decoded chunk's sparse voxel
// map and bumps its version (spec §4.7 UI-tick step "swap chunks[key]
// <- pending_chunk_maps[key]").
func (s *Store) Replace(key world.Key, entries []chunkcodec.Entry) {
	m := make(map[uint16]uint16, len(entries))
	for _, e := range entries {
		m[e.LocalIndex] = e.BlockType
	}
	s.mu.Lock()
	s.chunks[key] = m
	s.versions[key]++
	s.mu.Unlock()
}

// BumpVersion increments a chunk's version without replacing its
// contents, used when a neighbor's face visibility may have changed
// (spec §4.7 "bump the six face-adjacent neighbor versions", and the
// optimistic block-action mirror in spec §4.6).
func (s *Store) BumpVersion(key world.Key) {
	s.mu.Lock()
	s.versions[key]++
	s.mu.Unlock()
}

// SetVoxel mutates a single local cell in an already-present chunk,
// used by the optimistic BlockAction mirror. It is a no-op if the
// chunk has never been received.
func (s *Store) SetVoxel(key world.Key, localIndex uint16, blockType uint16) (previous uint16, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.chunks[key]
	if !exists {
		return 0, false
	}
	previous = m[localIndex]
	if blockType == 0 {
		delete(m, localIndex)
	} else {
		m[localIndex] = blockType
	}
	return previous, true
}

// Get returns the block type at localIndex within key, or air (0) if
// the chunk is unknown or the cell has no entry (sparse payloads omit
// air cells entirely).
func (s *Store) Get(key world.Key, localIndex uint16) uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.chunks[key]
	if !ok {
		return 0
	}
	return m[localIndex]
}

// Version reports the chunk's current version, 0 if never received.
func (s *Store) Version(key world.Key) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[key]
}

// Entries returns a copy of key's sparse non-air voxel list, for
// meshing.
func (s *Store) Entries(key world.Key) []chunkcodec.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.chunks[key]
	if !ok {
		return nil
	}
	out := make([]chunkcodec.Entry, 0, len(m))
	for idx, bt := range m {
		out = append(out, chunkcodec.Entry{LocalIndex: idx, BlockType: bt})
	}
	return out
}

// NeighborKeys returns the six face-adjacent chunk keys of key.
func NeighborKeys(key world.Key) [6]world.Key {
	return [6]world.Key{
		{CX: key.CX + 1, CY: key.CY, CZ: key.CZ},
		{CX: key.CX - 1, CY: key.CY, CZ: key.CZ},
		{CX: key.CX, CY: key.CY + 1, CZ: key.CZ},
		{CX: key.CX, CY: key.CY - 1, CZ: key.CZ},
		{CX: key.CX, CY: key.CY, CZ: key.CZ + 1},
		{CX: key.CX, CY: key.CY, CZ: key.CZ - 1},
	}
}
