package network

import (
	"testing"

	"voxelstream/internal/streaming"
)

// TestNewHub_CreatesEmptyHub verifies NewHub initializes an empty
// session map ready for use.
func TestNewHub_CreatesEmptyHub(t *testing.T) {
	// Act
	hub := NewHub()

	// Assert
	if hub.Count() != 0 {
		t.Errorf("Count() = %d, want 0", hub.Count())
	}
}

// TestHub_AddGetRemove verifies the basic session lifecycle, manually
// constructing sessions without a real websocket.Conn (unit test
// approach, same as the teacher's ClientHub tests).
func TestHub_AddGetRemove(t *testing.T) {
	// Arrange
	hub := NewHub()
	s := &Session{PlayerID: "p1", out: make(chan outboundFrame, 10), state: StateAuthenticated}

	// Act
	hub.Add(s)

	// Assert
	if hub.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", hub.Count())
	}
	got, ok := hub.Get("p1")
	if !ok || got != s {
		t.Fatal("Get() did not return the added session")
	}

	hub.Remove("p1")
	if hub.Count() != 0 {
		t.Errorf("Count() = %d after Remove, want 0", hub.Count())
	}
}

// TestHub_BroadcastAppliesFilter verifies only sessions passing filter
// receive the broadcast payload.
func TestHub_BroadcastAppliesFilter(t *testing.T) {
	// Arrange
	hub := NewHub()
	near := &Session{PlayerID: "near", out: make(chan outboundFrame, 10), state: StateAuthenticated}
	far := &Session{PlayerID: "far", out: make(chan outboundFrame, 10), state: StateAuthenticated}
	hub.Add(near)
	hub.Add(far)

	// Act
	hub.Broadcast(func(s *Session) bool { return s.PlayerID == "near" }, PlayerEvent{Type: "player_update", ID: "x"})

	// Assert
	if len(near.out) != 1 {
		t.Errorf("near.out has %d frames, want 1", len(near.out))
	}
	if len(far.out) != 0 {
		t.Errorf("far.out has %d frames, want 0", len(far.out))
	}
}

// TestSession_SetPositionAndPosition verifies position reads reflect
// the most recent write.
func TestSession_SetPositionAndPosition(t *testing.T) {
	// Arrange
	s := &Session{out: make(chan outboundFrame, 1)}

	// Act
	s.setPosition(streaming.Position{X: 1, Y: 2, Z: 3})

	// Assert
	got := s.position()
	if got.X != 1 || got.Y != 2 || got.Z != 3 {
		t.Errorf("position() = %+v, want {1 2 3}", got)
	}
}

// TestParseChunkKey_RoundTripsWellFormedKey verifies the chunkKey
// string format "cx,cy,cz:version:seq" decodes to the right world.Key.
func TestParseChunkKey_RoundTripsWellFormedKey(t *testing.T) {
	// Act
	key, ok := parseChunkKey("3,-1,7:2:42")

	// Assert
	if !ok {
		t.Fatal("parseChunkKey() ok = false, want true")
	}
	if key.CX != 3 || key.CY != -1 || key.CZ != 7 {
		t.Errorf("key = %+v, want {3 -1 7}", key)
	}
}

// TestParseChunkKey_RejectsMalformed verifies a garbage chunkKey string
// is reported rather than silently defaulting to the zero key.
func TestParseChunkKey_RejectsMalformed(t *testing.T) {
	// Act
	_, ok := parseChunkKey("not-a-key")

	// Assert
	if ok {
		t.Error("parseChunkKey() ok = true for malformed input, want false")
	}
}
