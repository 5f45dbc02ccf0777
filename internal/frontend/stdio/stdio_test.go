package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brokerd/brokerd/internal/config"
	"github.com/brokerd/brokerd/internal/dispatcher"
	"github.com/brokerd/brokerd/internal/lifecycle"
	"github.com/brokerd/brokerd/internal/providerregistry"
	"github.com/brokerd/brokerd/internal/scheduler"
	"github.com/brokerd/brokerd/internal/session"
	"github.com/brokerd/brokerd/internal/telemetry"
	"github.com/brokerd/brokerd/internal/tool/echo"
	"github.com/brokerd/brokerd/internal/toolregistry"
)

func newTestFrontend(t *testing.T) *Frontend {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)

	emitter := telemetry.New(16)
	t.Cleanup(emitter.Close)

	root := lifecycle.NewRoot(context.Background())
	sessions := session.New(cfg, root, emitter)

	tools := toolregistry.New()
	require.NoError(t, tools.Register(echo.Descriptor, echo.Tool{}))

	providers := providerregistry.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sched := scheduler.New(cfg.GlobalMaxInflight, cfg.ProviderMaxInflight, cfg.CoalesceDisabledTools, emitter, logger, nil)

	disp := &dispatcher.Dispatcher{
		Tools:     tools,
		Providers: providers,
		Scheduler: sched,
		Telemetry: emitter,
		Config:    cfg,
		Logger:    logger,
	}

	return &Frontend{Dispatcher: disp, Sessions: sessions, Tools: tools, Logger: logger}
}

// readResponses scans out for exactly n newline-delimited JSON-RPC response
// lines, failing the test if they don't arrive within the timeout.
func readResponses(t *testing.T, out *bytes.Buffer, n int, deadline time.Duration) []rpcResponse {
	t.Helper()
	var responses []rpcResponse
	start := time.Now()
	for len(responses) < n {
		if time.Since(start) > deadline {
			t.Fatalf("timed out waiting for %d responses, got %d: %q", n, len(responses), out.String())
		}
		lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
		responses = responses[:0]
		for _, line := range lines {
			if line == "" {
				continue
			}
			var resp rpcResponse
			require.NoError(t, json.Unmarshal([]byte(line), &resp))
			responses = append(responses, resp)
		}
		if len(responses) < n {
			time.Sleep(time.Millisecond)
		}
	}
	return responses
}

func TestServeInitializeToolsListAndCall(t *testing.T) {
	f := newTestFrontend(t)

	in, inWriter := io.Pipe()
	var out bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Serve(ctx, in, &out) }()

	requests := []string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}`,
	}
	go func() {
		for _, req := range requests {
			inWriter.Write([]byte(req + "\n"))
		}
		inWriter.Close()
	}()

	responses := readResponses(t, &out, 3, 5*time.Second)

	require.Equal(t, json.RawMessage(`1`), responses[0].ID)
	require.Nil(t, responses[0].Error)

	require.Equal(t, json.RawMessage(`2`), responses[1].ID)
	require.Nil(t, responses[1].Error)
	listResult, ok := responses[1].Result.(map[string]any)
	require.True(t, ok)
	toolList, ok := listResult["tools"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, toolList)

	require.Equal(t, json.RawMessage(`3`), responses[2].ID)
	require.Nil(t, responses[2].Error)
	callResult, ok := responses[2].Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hi", callResult["reply"])

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after input closed")
	}
}

func TestServeRejectsMethodsBeforeInitialize(t *testing.T) {
	f := newTestFrontend(t)

	in := bufio.NewReader(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n"))
	var out bytes.Buffer

	err := f.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	responses := readResponses(t, &out, 1, 2*time.Second)
	require.NotNil(t, responses[0].Error)
}

func TestServeRejectsMalformedJSON(t *testing.T) {
	f := newTestFrontend(t)

	in := bufio.NewReader(strings.NewReader("not json\n"))
	var out bytes.Buffer

	err := f.Serve(context.Background(), in, &out)
	require.NoError(t, err)

	responses := readResponses(t, &out, 1, 2*time.Second)
	require.NotNil(t, responses[0].Error)
	require.Equal(t, "malformed JSON-RPC request", responses[0].Error.Message)
}
