package network

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelstream/internal/streaming"
	"voxelstream/internal/world"
)

// outboundFrame pairs a gorilla message type with its payload so a
// single per-session channel can carry both JSON text frames and
// binary chunk frames without the write goroutine needing to know
// which kind it's holding.
type outboundFrame struct {
	messageType int
	data        []byte
}

// Session is one authenticated (or authenticating) connection. Its
// dedicated write goroutine reads from out and is the only goroutine
// that ever calls Conn.WriteMessage, mirroring the teacher's
// ClientConnection/writeLoop split so a slow client can't block
// broadcasts to everyone else.
type Session struct {
	// ConnID identifies this connection in logs from the moment it
	// opens, since PlayerID stays empty until auth_info verifies —
	// the teacher assigned its ClientConnection an incrementing int
	// the same way, but a server that doesn't own identity assignment
	// (the account service does) needs an ID it can mint locally
	// without risking collisions across restarts.
	ConnID   string
	PlayerID string
	Username string
	Conn     *websocket.Conn

	out      chan outboundFrame
	mu       sync.Mutex
	state    State
	pos      streaming.Position
	closed   bool
	streamer *streaming.ChunkStreamer
}

func newSession(conn *websocket.Conn) *Session {
	s := &Session{ConnID: uuid.NewString(), Conn: conn, out: make(chan outboundFrame, 64), state: StateAwaitAuth}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for frame := range s.out {
		if err := s.Conn.WriteMessage(frame.messageType, frame.data); err != nil {
			return
		}
	}
}

// WriteBinary implements streaming.SocketWriter, handing a chunk frame
// to this session's write goroutine.
func (s *Session) WriteBinary(buf []byte) error {
	return s.enqueue(outboundFrame{messageType: websocket.BinaryMessage, data: buf})
}

// SendJSON marshals v and queues it as a text frame.
func (s *Session) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueue(outboundFrame{messageType: websocket.TextMessage, data: data})
}

func (s *Session) enqueue(frame outboundFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *Session) setPosition(pos streaming.Position) {
	s.mu.Lock()
	s.pos = pos
	s.mu.Unlock()
}

func (s *Session) position() streaming.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.out)
}

// Hub tracks every authenticated session, so block mutations and
// player events can be fanned out to the sessions they're relevant to
// (spec §4.6 step 6, §5 "cross-session interaction is only via
// broadcasts placed on each target session's outbound queue").
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// Add registers a session under its PlayerID.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.PlayerID] = s
}

// Remove unregisters a session.
func (h *Hub) Remove(playerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, playerID)
}

// Get looks up a session by player id.
func (h *Hub) Get(playerID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[playerID]
	return s, ok
}

// Count reports the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// IsPinned implements world.PinChecker across every live session: a key
// is pinned if any session's ChunkStreamer still has it outstanding or
// loaded (spec §3/§4.2/§8). The store has no visibility into sessions,
// so this is the registry-with-full-session-visibility the store's own
// PinChecker doc promises, run on its own cadence rather than
// synchronously from chunk generation.
func (h *Hub) IsPinned(key world.Key) bool {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if s.streamer == nil {
			continue
		}
		for _, k := range s.streamer.PinnedKeys() {
			if k == key {
				return true
			}
		}
	}
	return false
}

// Broadcast sends v as JSON to every session for which filter returns
// true. A slow or closed session's send failure never blocks delivery
// to the others.
func (h *Hub) Broadcast(filter func(*Session) bool, v interface{}) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if filter == nil || filter(s) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		_ = s.SendJSON(v)
	}
}
