// Package ws implements the WebSocket Protocol Frontend (C9): one text-JSON
// frame per message. It accepts {hello, list_tools,
// call_tool, cancel} client operations and emits {event, result, error}
// server frames. Binary frames are rejected. Like the stdio frontend, it
// owns no scheduling or timeout logic; it only builds broker.Call objects
// and hands them to the Dispatcher.
//
// Grounded on gorilla/websocket (present in go.mod, unused by any existing
// package before this one) for the transport, and on the
// admit-then-await-hello session lifecycle already implemented by
// internal/session.Manager for C4.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
	"github.com/brokerd/brokerd/internal/config"
	"github.com/brokerd/brokerd/internal/dispatcher"
	"github.com/brokerd/brokerd/internal/lifecycle"
	"github.com/brokerd/brokerd/internal/session"
	"github.com/brokerd/brokerd/internal/telemetry"
	"github.com/brokerd/brokerd/internal/toolregistry"
)

type clientFrame struct {
	Op        string         `json:"op"`
	RequestID string         `json:"request_id,omitempty"`
	Token     string         `json:"token,omitempty"`
	ClientInfo any           `json:"client_info,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Frontend serves WebSocket connections at Config.WSHost:WSPort.
type Frontend struct {
	Dispatcher *dispatcher.Dispatcher
	Sessions   *session.Manager
	Tools      *toolregistry.Registry
	Telemetry  *telemetry.Emitter
	Config     *config.Config
	Logger     *slog.Logger

	upgrader websocket.Upgrader
}

// New constructs a Frontend ready to be mounted as an http.Handler.
func New(d *dispatcher.Dispatcher, sessions *session.Manager, tools *toolregistry.Registry, emitter *telemetry.Emitter, cfg *config.Config, logger *slog.Logger) *Frontend {
	return &Frontend{
		Dispatcher: d,
		Sessions:   sessions,
		Tools:      tools,
		Telemetry:  emitter,
		Config:     cfg,
		Logger:     logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeHTTP upgrades the connection and serves it until disconnect.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.Logger.Warn("ws: upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	f.serveConn(r, conn)
}

// connWriter serializes writes to a single *websocket.Conn; gorilla forbids
// concurrent writers on one connection.
type connWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (cw *connWriter) writeJSON(v any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.conn.WriteJSON(v)
}

func (f *Frontend) serveConn(r *http.Request, conn *websocket.Conn) {
	cw := &connWriter{conn: conn}

	_ = conn.SetReadDeadline(time.Now().Add(f.Config.HelloTimeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		f.Telemetry.Emit("session_closed", map[string]any{"transport": "ws", "reason": "hello_timeout"})
		return
	}
	if mt == websocket.BinaryMessage {
		_ = cw.writeJSON(map[string]any{"op": "error", "kind": string(brokererr.InvalidRequest), "message": "binary frames are rejected"})
		return
	}

	var hello clientFrame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Op != "hello" {
		_ = cw.writeJSON(map[string]any{"op": "error", "kind": string(brokererr.InvalidRequest), "message": "first frame must be hello; session not established"})
		return
	}

	sess, err := f.Sessions.Admit(broker.TransportWS, hello.Token)
	if err != nil {
		f.Telemetry.Emit("session_closed", map[string]any{"transport": "ws", "reason": "auth_error"})
		_ = cw.writeJSON(map[string]any{"op": "error", "kind": string(brokererr.AuthError), "message": "invalid or missing bearer credential"})
		return
	}
	sess.MarkHello()
	_ = conn.SetReadDeadline(time.Time{})

	go func() {
		<-r.Context().Done()
		f.Sessions.Destroy(sess, lifecycle.ReasonShutdown, "daemon_shutdown")
		_ = conn.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		f.Sessions.Destroy(sess, lifecycle.ReasonSessionClosed, "session_closed")
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			_ = cw.writeJSON(map[string]any{"op": "error", "kind": string(brokererr.InvalidRequest), "message": "binary frames are rejected"})
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = cw.writeJSON(map[string]any{"op": "error", "kind": string(brokererr.InvalidRequest), "message": "malformed frame"})
			continue
		}

		switch frame.Op {
		case "list_tools":
			f.handleListTools(cw, frame)
		case "call_tool":
			wg.Add(1)
			go func(frame clientFrame) {
				defer wg.Done()
				f.handleCallTool(sess, cw, frame)
			}(frame)
		case "cancel":
			f.handleCancel(sess, cw, frame)
		default:
			_ = cw.writeJSON(map[string]any{"op": "error", "request_id": frame.RequestID, "kind": string(brokererr.InvalidRequest), "message": "unknown op: " + frame.Op})
		}
	}
}

func (f *Frontend) handleListTools(cw *connWriter, frame clientFrame) {
	descriptors := f.Tools.List(map[broker.Visibility]bool{
		broker.VisibilityCore:     true,
		broker.VisibilityAdvanced: true,
	})
	tools := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		tools = append(tools, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"tier":        string(d.Tier),
		})
	}
	_ = cw.writeJSON(map[string]any{"op": "result", "request_id": frame.RequestID, "ok": true, "payload": map[string]any{"tools": tools}})
}

func (f *Frontend) handleCallTool(sess *broker.Session, cw *connWriter, frame clientFrame) {
	if frame.Tool == "" {
		_ = cw.writeJSON(map[string]any{"op": "error", "request_id": frame.RequestID, "kind": string(brokererr.InvalidRequest), "message": "call_tool requires a tool name"})
		return
	}

	c := broker.NewCall(sess, frame.RequestID, frame.Tool, frame.Arguments)
	_ = cw.writeJSON(map[string]any{"op": "event", "request_id": c.RequestID, "event": "received"})

	result := f.Dispatcher.Handle(sess, c)

	switch result.Kind {
	case "ok":
		_ = cw.writeJSON(map[string]any{"op": "result", "request_id": c.RequestID, "ok": true, "payload": result.Payload})
	case "cancelled":
		if sess.Destroyed() {
			// Client is already gone; no one is listening on the socket.
			return
		}
		_ = cw.writeJSON(map[string]any{"op": "error", "request_id": c.RequestID, "kind": string(brokererr.Cancelled), "message": "cancelled: " + result.Reason})
	case "timeout":
		_ = cw.writeJSON(map[string]any{"op": "error", "request_id": c.RequestID, "kind": string(brokererr.Timeout), "message": "tool call timed out"})
	default:
		kind := result.ErrKind
		if kind == "" {
			kind = string(brokererr.Internal)
		}
		_ = cw.writeJSON(map[string]any{"op": "error", "request_id": c.RequestID, "kind": kind, "message": result.ErrMessage, "detail": result.ErrDetail})
	}
}

func (f *Frontend) handleCancel(sess *broker.Session, cw *connWriter, frame clientFrame) {
	if c, ok := sess.FindCall(frame.RequestID); ok {
		c.Node.Cancel(lifecycle.ReasonClientCancel)
	}
	// Cancel on an already-terminal or unknown request id is a
	// no-op that still reports success.
	_ = cw.writeJSON(map[string]any{"op": "result", "request_id": frame.RequestID, "ok": true})
}
