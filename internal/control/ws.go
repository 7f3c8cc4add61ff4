package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/voxwave/internal/radio"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 1 << 16
)

// Websocket message types.
const (
	TypeSnapshot = "snapshot"
	TypeCommand  = "command"
	TypeError    = "error"
)

// ServerMessage is sent to websocket clients.
type ServerMessage struct {
	Type     string          `json:"type"`
	Snapshot *radio.Snapshot `json:"snapshot,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ClientMessage is a command from a websocket client.
type ClientMessage struct {
	Type  string `json:"type"`
	Op    string `json:"op"`
	Value *int   `json:"value,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.Debug("control: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snaps, unsubscribe := s.radio.Subscribe()
	defer unsubscribe()

	replies := make(chan ServerMessage, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, snaps, replies)
		// Unblock the reader.
		_ = conn.Close()
	}()

	slog.Debug("control: websocket connected", "remote", r.RemoteAddr)
	s.readLoop(ctx, conn, replies)

	cancel()
	<-writerDone
	slog.Debug("control: websocket disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- ServerMessage) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			reply(ctx, replies, ServerMessage{Type: TypeError, Code: "invalid_message", Error: err.Error()})
			continue
		}
		if msg.Type != "" && msg.Type != TypeCommand {
			reply(ctx, replies, ServerMessage{Type: TypeError, Code: "invalid_message", Error: "unsupported message type " + msg.Type})
			continue
		}
		if err := s.Apply(msg.Op, msg.Value); err != nil {
			reply(ctx, replies, ServerMessage{Type: TypeError, Code: "invalid_op", Error: err.Error()})
		}
	}
}

// reply queues msg for the writer and drops it when the queue is full.
func reply(ctx context.Context, replies chan<- ServerMessage, msg ServerMessage) {
	select {
	case <-ctx.Done():
	case replies <- msg:
	default:
		slog.Debug("control: websocket reply dropped", "code", msg.Code)
	}
}

// writeLoop is the only writer on conn. It returns when ctx is cancelled,
// the snapshot stream ends or a write fails.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, snaps <-chan radio.Snapshot, replies <-chan ServerMessage) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	write := func(msg ServerMessage) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			slog.Debug("control: websocket write failed", "err", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				deadline := time.Now().Add(wsWriteTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "radio stopped"), deadline)
				return
			}
			if !write(ServerMessage{Type: TypeSnapshot, Snapshot: &snap}) {
				return
			}
		case msg := <-replies:
			if !write(msg) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
