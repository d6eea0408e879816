package chunkcodec

import (
	"errors"
	"testing"
)

// TestEncodeDecodeChunkFull_RoundTrip verifies decode(encode(chunk)) = chunk
// for a chunk with a handful of non-air cells (spec §8 codec round-trip
// property).
func TestEncodeDecodeChunkFull_RoundTrip(t *testing.T) {
	// Arrange
	original := ChunkFull{
		Seq:     7,
		CX:      -2,
		CY:      0,
		CZ:      3,
		Version: 12,
		Entries: []Entry{
			{LocalIndex: 0, BlockType: 1},
			{LocalIndex: 136, BlockType: 4},
			{LocalIndex: 4095, BlockType: 9},
		},
	}

	// Act
	buf, err := EncodeChunkFull(original)
	if err != nil {
		t.Fatalf("EncodeChunkFull() error = %v", err)
	}
	decoded, err := DecodeChunkFull(buf)
	if err != nil {
		t.Fatalf("DecodeChunkFull() error = %v", err)
	}

	// Assert
	if decoded.Seq != original.Seq || decoded.CX != original.CX ||
		decoded.CY != original.CY || decoded.CZ != original.CZ ||
		decoded.Version != original.Version {
		t.Errorf("DecodeChunkFull() header = %+v, want %+v", decoded, original)
	}
	if len(decoded.Entries) != len(original.Entries) {
		t.Fatalf("DecodeChunkFull() entry count = %d, want %d", len(decoded.Entries), len(original.Entries))
	}
	for i, e := range original.Entries {
		if decoded.Entries[i] != e {
			t.Errorf("DecodeChunkFull() entry[%d] = %+v, want %+v", i, decoded.Entries[i], e)
		}
	}
}

// TestScenario2_SingleBlockChunk verifies the literal end-to-end example
// from spec §8 scenario 2: a world with one block at (8,0,8) type 1
// encodes as chunk (0,0,0), version 1, entry_count 1, local_index 136.
func TestScenario2_SingleBlockChunk(t *testing.T) {
	// Arrange: idx = ((y*16+z)*16)+x = ((0*16+8)*16)+8 = 136
	chunk := ChunkFull{
		Seq:     1,
		CX:      0,
		CY:      0,
		CZ:      0,
		Version: 1,
		Entries: []Entry{{LocalIndex: 136, BlockType: 1}},
	}

	// Act
	buf, err := EncodeChunkFull(chunk)
	if err != nil {
		t.Fatalf("EncodeChunkFull() error = %v", err)
	}
	decoded, err := DecodeChunkFull(buf)
	if err != nil {
		t.Fatalf("DecodeChunkFull() error = %v", err)
	}

	// Assert
	if decoded.CX != 0 || decoded.CY != 0 || decoded.CZ != 0 {
		t.Errorf("chunk coords = (%d,%d,%d), want (0,0,0)", decoded.CX, decoded.CY, decoded.CZ)
	}
	if decoded.Version != 1 {
		t.Errorf("version = %d, want 1", decoded.Version)
	}
	if len(decoded.Entries) != 1 || decoded.Entries[0].LocalIndex != 136 || decoded.Entries[0].BlockType != 1 {
		t.Errorf("entries = %+v, want [{136 1}]", decoded.Entries)
	}
}

// TestDecodeChunkFull_UnknownTag verifies decode fails with ErrMalformedFrame
// on an unrecognized leading tag byte.
func TestDecodeChunkFull_UnknownTag(t *testing.T) {
	// Arrange
	buf := []byte{99, 0, 0, 0, 0}

	// Act
	_, err := DecodeChunkFull(buf)

	// Assert
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeChunkFull() error = %v, want ErrMalformedFrame", err)
	}
}

// TestDecodeChunkFull_TruncatedBuffer verifies decode fails cleanly rather
// than panicking on a buffer shorter than the fixed header.
func TestDecodeChunkFull_TruncatedBuffer(t *testing.T) {
	// Arrange
	buf := []byte{TagChunkFull, 0, 0}

	// Act
	_, err := DecodeChunkFull(buf)

	// Assert
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeChunkFull() error = %v, want ErrMalformedFrame", err)
	}
}

// TestDecodeChunkFull_EntryCountOverrunsBuffer verifies an entry_count that
// claims more entries than remain in the buffer is rejected.
func TestDecodeChunkFull_EntryCountOverrunsBuffer(t *testing.T) {
	// Arrange: valid header claiming 10 entries, but zero entry bytes follow.
	chunk := ChunkFull{Seq: 1, Entries: nil}
	buf, err := EncodeChunkFull(chunk)
	if err != nil {
		t.Fatalf("EncodeChunkFull() error = %v", err)
	}
	// Overwrite entry_count (last 2 bytes of the header) to claim 10 entries.
	buf[len(buf)-2] = 10
	buf[len(buf)-1] = 0

	// Act
	_, err = DecodeChunkFull(buf)

	// Assert
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeChunkFull() error = %v, want ErrMalformedFrame", err)
	}
}

// TestChunkBatch_RoundTrip verifies a CHUNK_BATCH envelope containing
// multiple CHUNK_FULL frames decodes back to the same chunks.
func TestChunkBatch_RoundTrip(t *testing.T) {
	// Arrange
	chunks := []ChunkFull{
		{Seq: 1, CX: 0, CY: 0, CZ: 0, Version: 1, Entries: []Entry{{LocalIndex: 1, BlockType: 2}}},
		{Seq: 2, CX: 1, CY: 0, CZ: 0, Version: 1, Entries: []Entry{{LocalIndex: 2, BlockType: 3}}},
	}
	var frames [][]byte
	for _, c := range chunks {
		f, err := EncodeChunkFull(c)
		if err != nil {
			t.Fatalf("EncodeChunkFull() error = %v", err)
		}
		frames = append(frames, f)
	}

	// Act
	batch := EncodeChunkBatch(frames)
	decoded, err := DecodeChunkBatch(batch)
	if err != nil {
		t.Fatalf("DecodeChunkBatch() error = %v", err)
	}

	// Assert
	if len(decoded) != len(chunks) {
		t.Fatalf("DecodeChunkBatch() count = %d, want %d", len(decoded), len(chunks))
	}
	for i, c := range chunks {
		if decoded[i].Seq != c.Seq || decoded[i].CX != c.CX {
			t.Errorf("DecodeChunkBatch()[%d] = %+v, want %+v", i, decoded[i], c)
		}
	}
}

// TestDecodeChunkBatch_InnerLengthExceedsEnvelope verifies a batch whose
// claimed inner frame length overruns the envelope is rejected.
func TestDecodeChunkBatch_InnerLengthExceedsEnvelope(t *testing.T) {
	// Arrange: envelope claims one frame of length 1000 but supplies none.
	buf := []byte{TagChunkBatch, 1, 0, 0, 0, 0xE8, 0x03, 0, 0}

	// Act
	_, err := DecodeChunkBatch(buf)

	// Assert
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeChunkBatch() error = %v, want ErrMalformedFrame", err)
	}
}

// TestEncodeChunkFull_RejectsOutOfRangeLocalIndex verifies the encoder
// refuses a local_index >= 4096 (chunk invariant, spec §4.1).
func TestEncodeChunkFull_RejectsOutOfRangeLocalIndex(t *testing.T) {
	// Arrange
	chunk := ChunkFull{Entries: []Entry{{LocalIndex: 4096, BlockType: 1}}}

	// Act
	_, err := EncodeChunkFull(chunk)

	// Assert
	if err == nil {
		t.Error("EncodeChunkFull() error = nil, want error for out-of-range local_index")
	}
}
