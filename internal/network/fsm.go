package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"voxelstream/internal/accountsvc"
	"voxelstream/internal/blockactions"
	"voxelstream/internal/logging"
	"voxelstream/internal/streaming"
	"voxelstream/internal/telemetry"
	"voxelstream/internal/world"
	"voxelstream/internal/worldgen"
)

// State is one of ConnectionFSM's three states (spec §4.5).
type State int

const (
	StateAwaitAuth State = iota
	StateAuthenticated
	StateClosed
)

// AuthTimeout is the absolute deadline for a valid auth_info to arrive
// after connect (spec §4.5 / §5).
const AuthTimeout = 30 * time.Second

// TickInterval is the cadence ConnectionFSM drives its session's
// ChunkStreamer.Tick on.
const TickInterval = 500 * time.Millisecond

var (
	errSessionClosed  = errors.New("network: session closed")
	errSendBufferFull = errors.New("network: send buffer full")
)

// Deps bundles everything a session needs that isn't per-connection
// state: shared services and pools owned by the process, injected so
// ConnectionFSM itself stays free of global state.
type Deps struct {
	Account *accountsvc.Client
	Store   *world.Store
	SerPool *worldgen.SerializePool
	Blocks  *blockactions.Service
	Hub     *Hub
	Metrics *telemetry.Metrics
	Log     *logging.Logger

	StreamerOpts streaming.Options
}

// RunSession drives one WebSocket connection through AwaitAuth,
// Authenticated, and Closed (spec §4.5). It blocks until the
// connection closes or ctx is cancelled, and always cleans up the
// session's hub registration and background tick goroutine on return.
func RunSession(ctx context.Context, conn *websocket.Conn, deps Deps) {
	log := deps.Log
	if log == nil {
		log = logging.New("network")
	}

	session := newSession(conn)
	tickDone := make(chan struct{})

	defer func() {
		session.mu.Lock()
		session.state = StateClosed
		session.mu.Unlock()
		close(tickDone)
		if session.PlayerID != "" {
			deps.Hub.Remove(session.PlayerID)
			deps.Hub.Broadcast(nil, PlayerEvent{Type: "player_disconnect", ID: session.PlayerID})
		}
		session.close()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(AuthTimeout))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if session.state == StateAwaitAuth {
				writeClose(conn, 1008, "Authentication timeout")
			}
			return
		}

		msgType, err := peekType(raw)
		if err != nil {
			log.Warnf("malformed message from conn %s: %v", session.ConnID, err)
			continue
		}

		if session.state == StateAwaitAuth {
			if msgType != "auth_info" {
				writeClose(conn, 1008, "Authentication required")
				return
			}
			if !authenticate(ctx, session, raw, deps, log, tickDone) {
				writeClose(conn, 1008, "Authentication required")
				return
			}
			conn.SetReadDeadline(time.Time{})
			continue
		}

		dispatch(ctx, session, msgType, raw, deps, log)
	}
}

// authenticate validates the auth_info token, wires the session's
// ChunkStreamer, and kicks off the initial chunk stream. It returns
// false if the token failed verification.
func authenticate(ctx context.Context, session *Session, raw []byte, deps Deps, log *logging.Logger, tickDone chan struct{}) bool {
	var auth AuthInfo
	if err := json.Unmarshal(raw, &auth); err != nil {
		return false
	}

	user, err := deps.Account.Verify(ctx, auth.Token)
	if err != nil {
		log.Warnf("auth failed for conn %s: %v", session.ConnID, err)
		return false
	}

	session.mu.Lock()
	session.state = StateAuthenticated
	session.mu.Unlock()
	session.PlayerID = user.ID
	session.Username = user.Username

	streamer := streaming.NewChunkStreamer(deps.Store, deps.SerPool, session, deps.Metrics, deps.Log, deps.StreamerOpts)
	session.streamer = streamer

	deps.Hub.Add(session)
	deps.Hub.Broadcast(func(other *Session) bool { return other.PlayerID != session.PlayerID }, PlayerEvent{
		Type: "player_joined", ID: session.PlayerID,
	})

	_ = session.SendJSON(WorldInit{Type: "world_init", PlayerID: session.PlayerID, WorldSize: 0})

	spawn := streaming.Position{}
	session.setPosition(spawn)
	go streamer.OnAuthenticated(ctx, spawn)
	go runTickLoop(streamer, tickDone)

	return true
}

func runTickLoop(streamer *streaming.ChunkStreamer, done chan struct{}) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			streamer.Tick(now)
		case <-done:
			return
		}
	}
}

// dispatch routes an Authenticated-state message to the streamer,
// block actions, or position/broadcast handling (spec §4.5 last
// sentence).
func dispatch(ctx context.Context, session *Session, msgType string, raw []byte, deps Deps, log *logging.Logger) {
	switch msgType {
	case "chunk_ack":
		var msg ChunkAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("bad chunk_ack: %v", err)
			return
		}
		key, ok := parseChunkKey(msg.ChunkKey)
		if !ok {
			return
		}
		session.streamer.OnChunkAck(key, msg.Seq)

	case "chunk_have":
		var msg ChunkHave
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("bad chunk_have: %v", err)
			return
		}
		ranges := make([][2]uint32, len(msg.Ranges))
		for i, r := range msg.Ranges {
			ranges[i] = [2]uint32{r.From, r.To}
		}
		session.streamer.OnChunkHave(msg.Seqs, ranges)

	case "player_move":
		var msg PlayerMove
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("bad player_move: %v", err)
			return
		}
		pos := streaming.Position{X: msg.X, Y: msg.Y, Z: msg.Z}
		session.setPosition(pos)
		session.streamer.OnPositionUpdate(ctx, pos)
		deps.Hub.Broadcast(func(other *Session) bool { return other.PlayerID != session.PlayerID }, PlayerEvent{
			Type: "player_update", ID: session.PlayerID, X: msg.X, Y: msg.Y, Z: msg.Z,
		})

	case "break_block":
		var msg BreakBlock
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("bad break_block: %v", err)
			return
		}
		handleBlockAction(ctx, session, deps, log, msg.ActionID, msg.X, msg.Y, msg.Z, nil)

	case "place_block":
		var msg PlaceBlock
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf("bad place_block: %v", err)
			return
		}
		handleBlockAction(ctx, session, deps, log, msg.ActionID, msg.X, msg.Y, msg.Z, msg.BlockType)

	default:
		log.Warnf("unhandled message type %q from %s", msgType, session.PlayerID)
	}
}

// handleBlockAction resolves a break_block (blockType == nil) or
// place_block request, replies to the actor, and broadcasts the patch
// to nearby sessions (spec §4.6 steps 5-6).
func handleBlockAction(ctx context.Context, session *Session, deps Deps, log *logging.Logger, actionID string, x, y, z int, blockType *uint16) {
	var result blockactions.Result
	var err error
	kind := "break"
	if blockType != nil {
		kind = "place"
		result, err = deps.Blocks.Place(ctx, actionID, x, y, z, *blockType)
	} else {
		result, err = deps.Blocks.Break(ctx, actionID, x, y, z)
	}
	if err != nil {
		log.Errorf("%s_block failed: %v", kind, err)
		_ = session.SendJSON(BlockActionResult{Type: "block_action_result", ActionID: actionID, Success: false, Reason: "internal_error"})
		return
	}

	_ = session.SendJSON(BlockActionResult{
		Type: "block_action_result", ActionID: result.ActionID, Success: result.Success,
		Reason: result.Reason, X: result.X, Y: result.Y, Z: result.Z,
	})
	if !result.Success {
		return
	}

	patch := BlockPatch{Type: "block_patch", Patches: []PatchEntry{{
		X: result.X, Y: result.Y, Z: result.Z, Type: result.BlockType, ActionID: actionID,
	}}}
	deps.Hub.Broadcast(func(other *Session) bool {
		p := other.position()
		return blockactions.WithinBroadcastRadius(p.X, p.Y, p.Z, result.X, result.Y, result.Z)
	}, patch)
}

func parseChunkKey(s string) (world.Key, bool) {
	var cx, cy, cz int32
	var version, seq uint32
	if _, err := fmt.Sscanf(s, "%d,%d,%d:%d:%d", &cx, &cy, &cz, &version, &seq); err != nil {
		return world.Key{}, false
	}
	return world.Key{CX: cx, CY: cy, CZ: cz}, true
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
