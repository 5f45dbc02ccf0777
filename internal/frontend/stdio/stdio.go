// Package stdio implements the MCP stdio Protocol Frontend (C9): a
// JSON-RPC 2.0 stream, one message per line, read from stdin and written to
// stdout. It supports "initialize", "tools/list", "tools/call", and the
// "notifications/initialized" notification. All logging
// goes to stderr; stdout carries only protocol frames. The frontend builds
// broker.Call objects and hands them to the Dispatcher; it owns no
// scheduling or timeout logic of its own.
//
// Grounded on the line-delimited-JSON read loop and single-writer-mutex
// idiom used for MCP transports elsewhere too (e.g.
// other_examples/...paularlott-mcp__mcp.go.go and
// other_examples/...JeffreyRichter-MCP__mcpsvr-toolcall-toolcall.go.go); the
// request/response envelope follows JSON-RPC 2.0 directly since no
// JSON-RPC library is in go.mod.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
	"github.com/brokerd/brokerd/internal/dispatcher"
	"github.com/brokerd/brokerd/internal/lifecycle"
	"github.com/brokerd/brokerd/internal/session"
	"github.com/brokerd/brokerd/internal/toolregistry"
)

// maxLineBytes bounds a single JSON-RPC line ("implementations
// MAY cap at 16 MiB").
const maxLineBytes = 16 << 20

// serverName/serverVersion are echoed in the "initialize" response.
const serverName = "brokerd"
const serverVersion = "1.0"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Frontend serves one MCP stdio connection per Serve call; the daemon
// typically calls Serve once, against os.Stdin/os.Stdout.
type Frontend struct {
	Dispatcher *dispatcher.Dispatcher
	Sessions   *session.Manager
	Tools      *toolregistry.Registry
	Logger     *slog.Logger
}

// Serve reads newline-delimited JSON-RPC requests from in and writes
// responses to out until in is exhausted or an unrecoverable read error
// occurs. It returns nil on clean EOF. Cancelling ctx (daemon shutdown)
// destroys the session, but the read loop only checks for that after the
// next line arrives, so Serve does not return while a read from in is
// still blocked.
func (f *Frontend) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	sess, err := f.Sessions.Admit(broker.TransportStdio, "")
	if err != nil {
		return err
	}

	helloSeen := make(chan struct{})
	var helloOnce sync.Once
	go f.Sessions.AwaitHello(sess, helloSeen)

	go func() {
		<-ctx.Done()
		f.Sessions.Destroy(sess, lifecycle.ReasonShutdown, "daemon_shutdown")
	}()

	var writeMu sync.Mutex
	write := func(resp rpcResponse) {
		resp.JSONRPC = "2.0"
		line, err := json.Marshal(resp)
		if err != nil {
			f.Logger.Error("stdio: marshal response failed", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintln(out, string(line))
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		f.Sessions.Destroy(sess, lifecycle.ReasonSessionClosed, "stdin_closed")
	}()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bufTrimSpace(line)) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			write(rpcResponse{Error: &rpcError{
				Code:    brokererr.CodeFor(brokererr.InvalidRequest),
				Message: "malformed JSON-RPC request",
			}})
			continue
		}

		reqCopy := req
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.dispatch(sess, reqCopy, &helloOnce, helloSeen, write)
		}()

		if sess.Destroyed() {
			break
		}
	}
	return scanner.Err()
}

func (f *Frontend) dispatch(sess *broker.Session, req rpcRequest, helloOnce *sync.Once, helloSeen chan struct{}, write func(rpcResponse)) {
	isNotification := len(req.ID) == 0

	switch req.Method {
	case "initialize":
		helloOnce.Do(func() { close(helloSeen) })
		sess.MarkHello()
		if isNotification {
			return
		}
		write(rpcResponse{ID: req.ID, Result: map[string]any{
			"protocolVersion": "2025-06-18",
			"serverInfo":      map[string]any{"name": serverName, "version": serverVersion},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}})
		return

	case "notifications/initialized":
		// No response for notifications.
		return
	}

	if !sess.HelloReceived() {
		f.reject(req, isNotification, write, brokererr.New(brokererr.InvalidRequest, "session not yet established: send initialize first"))
		return
	}

	switch req.Method {
	case "tools/list":
		f.handleToolsList(req, isNotification, write)
	case "tools/call":
		f.handleToolsCall(sess, req, isNotification, write)
	default:
		f.reject(req, isNotification, write, brokererr.New(brokererr.InvalidRequest, "unknown method: "+req.Method))
	}
}

func (f *Frontend) handleToolsList(req rpcRequest, isNotification bool, write func(rpcResponse)) {
	if isNotification {
		return
	}
	descriptors := f.Tools.List(map[broker.Visibility]bool{
		broker.VisibilityCore:     true,
		broker.VisibilityAdvanced: true,
	})
	tools := make([]map[string]any, 0, len(descriptors))
	for _, d := range descriptors {
		schema := d.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"inputSchema": schema,
		})
	}
	write(rpcResponse{ID: req.ID, Result: map[string]any{"tools": tools}})
}

func (f *Frontend) handleToolsCall(sess *broker.Session, req rpcRequest, isNotification bool, write func(rpcResponse)) {
	var params toolsCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			f.reject(req, isNotification, write, brokererr.New(brokererr.InvalidRequest, "malformed tools/call params"))
			return
		}
	}
	if params.Name == "" {
		f.reject(req, isNotification, write, brokererr.New(brokererr.InvalidRequest, "tools/call requires a name"))
		return
	}

	requestID := string(req.ID)
	c := broker.NewCall(sess, requestID, params.Name, params.Arguments)
	result := f.Dispatcher.Handle(sess, c)

	if isNotification {
		return
	}
	write(resultToResponse(req.ID, result))
}

func (f *Frontend) reject(req rpcRequest, isNotification bool, write func(rpcResponse), err *brokererr.Error) {
	if isNotification {
		return
	}
	write(rpcResponse{ID: req.ID, Error: &rpcError{Code: err.Code(), Message: err.Message}})
}

// resultToResponse maps a normalized broker.Result onto a JSON-RPC
// response: the tool's payload as "result" on success, or an error object
// otherwise.
func resultToResponse(id json.RawMessage, result broker.Result) rpcResponse {
	switch result.Kind {
	case "ok":
		return rpcResponse{ID: id, Result: result.Payload}
	case "timeout":
		return rpcResponse{ID: id, Error: &rpcError{
			Code:    brokererr.CodeFor(brokererr.Timeout),
			Message: "tool call timed out",
		}}
	case "cancelled":
		return rpcResponse{ID: id, Error: &rpcError{
			Code:    brokererr.CodeFor(brokererr.Cancelled),
			Message: "tool call cancelled: " + result.Reason,
		}}
	default:
		kind := brokererr.Kind(result.ErrKind)
		if kind == "" {
			kind = brokererr.Internal
		}
		return rpcResponse{ID: id, Error: &rpcError{
			Code:    brokererr.CodeFor(kind),
			Message: result.ErrMessage,
			Data:    result.ErrDetail,
		}}
	}
}

func bufTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
