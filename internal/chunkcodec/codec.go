// Package chunkcodec implements the binary wire frames used to transport
// voxel chunks between server and client: CHUNK_FULL (a single chunk's
// sparse payload) and CHUNK_BATCH (an envelope of concatenated CHUNK_FULL
// frames). See spec §4.1 for the exact byte layout.
package chunkcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message tags shared by both frame types' leading byte.
const (
	TagChunkFull  byte = 1
	TagChunkBatch byte = 2
)

// VoxelsPerChunk is the fixed chunk volume: 16x16x16.
const VoxelsPerChunk = 16 * 16 * 16

// ErrMalformedFrame is returned for any decode failure: unknown tag,
// truncated buffer, an entry_count that overruns the buffer, or an inner
// CHUNK_FULL length exceeding its envelope bound.
var ErrMalformedFrame = errors.New("chunkcodec: malformed frame")

// Entry is a single non-air cell in a chunk's sparse payload.
type Entry struct {
	LocalIndex uint16
	BlockType  uint16
}

// ChunkFull is the decoded form of a CHUNK_FULL frame.
type ChunkFull struct {
	Seq     uint32
	CX, CY, CZ int32
	Version uint32
	Entries []Entry
}

// EncodedSize returns the byte length EncodeChunkFull would produce for a
// chunk with this many entries, without allocating. Used by the streamer's
// batching algorithm to size envelopes ahead of encoding.
func EncodedSize(entryCount int) int {
	// tag(1) + seq(4) + cx,cy,cz(4*3) + version(4) + entry_count(2) + entries(4 each)
	return 1 + 4 + 12 + 4 + 2 + entryCount*4
}

// EncodeChunkFull serializes a CHUNK_FULL frame. Entries must already be
// sorted by ascending LocalIndex (spec §4.1 says this eases client dedupe
// but is not required for correctness; this encoder does not re-sort, it
// trusts the caller — see ChunkStore/SerializePool which always produce
// entries in ascending index order by construction).
func EncodeChunkFull(c ChunkFull) ([]byte, error) {
	if len(c.Entries) > VoxelsPerChunk {
		return nil, fmt.Errorf("chunkcodec: entry count %d exceeds %d voxels per chunk", len(c.Entries), VoxelsPerChunk)
	}

	buf := make([]byte, EncodedSize(len(c.Entries)))
	buf[0] = TagChunkFull
	off := 1
	binary.LittleEndian.PutUint32(buf[off:], c.Seq)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.CX))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.CY))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.CZ))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], c.Version)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(c.Entries)))
	off += 2

	for _, e := range c.Entries {
		if e.LocalIndex >= VoxelsPerChunk {
			return nil, fmt.Errorf("chunkcodec: local_index %d out of range", e.LocalIndex)
		}
		binary.LittleEndian.PutUint16(buf[off:], e.LocalIndex)
		off += 2
		binary.LittleEndian.PutUint16(buf[off:], e.BlockType)
		off += 2
	}

	return buf, nil
}

// DecodeChunkFull parses a CHUNK_FULL frame, including its leading tag byte.
func DecodeChunkFull(buf []byte) (ChunkFull, error) {
	if len(buf) < 1 || buf[0] != TagChunkFull {
		return ChunkFull{}, fmt.Errorf("%w: unknown or missing tag", ErrMalformedFrame)
	}
	return decodeChunkFullBody(buf[1:])
}

// decodeChunkFullBody parses everything after the tag byte; shared by
// DecodeChunkFull and the CHUNK_BATCH envelope decoder.
func decodeChunkFullBody(buf []byte) (ChunkFull, error) {
	const headerLen = 4 + 12 + 4 + 2
	if len(buf) < headerLen {
		return ChunkFull{}, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
	}

	var c ChunkFull
	off := 0
	c.Seq = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	c.CX = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	c.CY = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	c.CZ = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	c.Version = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	entryCount := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2

	remaining := len(buf) - off
	if entryCount*4 > remaining {
		return ChunkFull{}, fmt.Errorf("%w: entry_count*4 (%d) exceeds remaining bytes (%d)", ErrMalformedFrame, entryCount*4, remaining)
	}

	entries := make([]Entry, entryCount)
	for i := 0; i < entryCount; i++ {
		idx := binary.LittleEndian.Uint16(buf[off:])
		off += 2
		typ := binary.LittleEndian.Uint16(buf[off:])
		off += 2
		if idx >= VoxelsPerChunk {
			return ChunkFull{}, fmt.Errorf("%w: local_index %d out of range", ErrMalformedFrame, idx)
		}
		entries[i] = Entry{LocalIndex: idx, BlockType: typ}
	}
	c.Entries = entries

	return c, nil
}

// EncodeChunkBatch concatenates already-encoded CHUNK_FULL payloads into a
// single CHUNK_BATCH envelope.
func EncodeChunkBatch(chunkFrames [][]byte) []byte {
	size := 1 + 4
	for _, f := range chunkFrames {
		size += 4 + len(f)
	}
	buf := make([]byte, size)
	buf[0] = TagChunkBatch
	off := 1
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(chunkFrames)))
	off += 4
	for _, f := range chunkFrames {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(f)))
		off += 4
		copy(buf[off:], f)
		off += len(f)
	}
	return buf
}

// DecodeChunkBatch parses a CHUNK_BATCH envelope into its constituent
// CHUNK_FULL frames.
func DecodeChunkBatch(buf []byte) ([]ChunkFull, error) {
	if len(buf) < 1 || buf[0] != TagChunkBatch {
		return nil, fmt.Errorf("%w: unknown or missing tag", ErrMalformedFrame)
	}
	if len(buf) < 5 {
		return nil, fmt.Errorf("%w: truncated envelope header", ErrMalformedFrame)
	}

	count := int(binary.LittleEndian.Uint32(buf[1:5]))
	off := 5

	chunks := make([]ChunkFull, 0, count)
	for i := 0; i < count; i++ {
		if len(buf)-off < 4 {
			return nil, fmt.Errorf("%w: truncated inner length at entry %d", ErrMalformedFrame, i)
		}
		innerLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4

		if innerLen < 0 || innerLen > len(buf)-off {
			return nil, fmt.Errorf("%w: inner length %d exceeds envelope bound", ErrMalformedFrame, innerLen)
		}

		inner := buf[off : off+innerLen]
		off += innerLen

		if len(inner) < 1 || inner[0] != TagChunkFull {
			return nil, fmt.Errorf("%w: inner frame missing CHUNK_FULL tag", ErrMalformedFrame)
		}
		cf, err := decodeChunkFullBody(inner[1:])
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, cf)
	}

	return chunks, nil
}

// DecodeTag peeks the leading message tag without fully decoding the frame,
// used by the connection read loop to route binary frames.
func DecodeTag(buf []byte) (byte, error) {
	if len(buf) < 1 {
		return 0, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	return buf[0], nil
}
