// Command brokerd is the request-brokering daemon: it wires the Config,
// registries, Scheduler, Dispatcher, and the two Protocol Frontends (MCP
// stdio and WebSocket) together and runs until SIGINT/SIGTERM.
//
// The flag/logging/signal-and-waitgroup shutdown skeleton is grounded on
// example/cmd/assistant/main.go (goa.design/clue/log
// for structured logs, an errc channel shared between the signal handler
// and server goroutines, cancel+wg.Wait for graceful drain).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/brokerd/brokerd/internal/config"
	"github.com/brokerd/brokerd/internal/dispatcher"
	"github.com/brokerd/brokerd/internal/frontend/stdio"
	"github.com/brokerd/brokerd/internal/frontend/ws"
	"github.com/brokerd/brokerd/internal/lifecycle"
	"github.com/brokerd/brokerd/internal/provider/anthropic"
	"github.com/brokerd/brokerd/internal/provider/bedrock"
	"github.com/brokerd/brokerd/internal/provider/openai"
	"github.com/brokerd/brokerd/internal/providerregistry"
	"github.com/brokerd/brokerd/internal/scheduler"
	"github.com/brokerd/brokerd/internal/session"
	"github.com/brokerd/brokerd/internal/telemetry"
	"github.com/brokerd/brokerd/internal/tool/echo"
	"github.com/brokerd/brokerd/internal/tool/hang"
	"github.com/brokerd/brokerd/internal/tool/slowecho"
	"github.com/brokerd/brokerd/internal/toolregistry"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// Exit codes for the daemon process.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitUnrecoverable = 2
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(ctx, err, "configuration invalid")
		os.Exit(exitConfigError)
	}

	emitter := buildTelemetry(ctx, cfg)
	defer emitter.Close()

	slogger := newComponentLogger()

	root := lifecycle.NewRoot(ctx)
	sessions := session.New(cfg, root, emitter)
	tools := toolregistry.New()
	providers := providerregistry.New()
	registerTools(tools)
	registerProviders(ctx, providers)

	var tracer trace.Tracer
	if cfg.OTELTraces {
		tracer = otel.Tracer("brokerd")
	}
	var meter metric.Meter
	if cfg.OTELMetrics {
		meter = otel.Meter("brokerd")
	}

	sched := scheduler.New(cfg.GlobalMaxInflight, cfg.ProviderMaxInflight, cfg.CoalesceDisabledTools, emitter, slogger, meter)

	disp := &dispatcher.Dispatcher{
		Tools:     tools,
		Providers: providers,
		Scheduler: sched,
		Telemetry: emitter,
		Config:    cfg,
		Tracer:    tracer,
		Logger:    slogger,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup

	stdioFrontend := &stdio.Frontend{Dispatcher: disp, Sessions: sessions, Tools: tools, Logger: slogger}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := stdioFrontend.Serve(root.Context(), os.Stdin, os.Stdout); err != nil {
			log.Printf(ctx, "stdio frontend exited: %v", err)
		}
	}()

	wsFrontend := ws.New(disp, sessions, tools, emitter, cfg, slogger)
	addr := fmt.Sprintf("%s:%d", cfg.WSHost, cfg.WSPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorf(ctx, err, "cannot bind websocket listener on %s", addr)
		os.Exit(exitUnrecoverable)
	}
	httpServer := &http.Server{Addr: addr, Handler: wsFrontend}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf(ctx, "websocket frontend listening on %s", addr)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("websocket listener: %w", err)
		}
	}()

	cause := <-errc
	log.Printf(ctx, "shutting down: %v", cause)

	root.Cancel(lifecycle.ReasonShutdown)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	drain := time.Duration(float64(cfg.MaxToolTimeout()) * cfg.ShutdownGraceMultiplier)
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Printf(ctx, "exited cleanly")
		os.Exit(exitOK)
	case <-time.After(drain):
		log.Printf(ctx, "drain deadline exceeded (%s); remaining in-flight work abandoned", drain)
		os.Exit(exitOK)
	}
}

func registerTools(tools *toolregistry.Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(tools.Register(echo.Descriptor, echo.Tool{}))
	must(tools.Register(hang.Descriptor, hang.Tool{}))
	must(tools.Register(slowecho.Descriptor, slowecho.Tool{}))
}

// registerProviders wires whichever LLM backends have credentials present
// in the environment. None are required: a daemon with no providers
// configured can still serve provider-agnostic tools.
func registerProviders(ctx context.Context, providers *providerregistry.Registry) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		model := envOr("ANTHROPIC_MODEL", "claude-opus-4-20250514")
		handle, err := anthropic.NewFromAPIKey("anthropic", key, model, 1024)
		if err != nil {
			log.Printf(ctx, "anthropic provider not registered: %v", err)
		} else {
			providers.Register(handle.Name(), handle)
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		model := envOr("OPENAI_MODEL", "gpt-4o-mini")
		handle, err := openai.NewFromAPIKey("openai", key, model)
		if err != nil {
			log.Printf(ctx, "openai provider not registered: %v", err)
		} else {
			providers.Register(handle.Name(), handle)
		}
	}

	if modelID := os.Getenv("BEDROCK_MODEL_ID"); modelID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Printf(ctx, "bedrock provider not registered: %v", err)
		} else {
			runtime := bedrockruntime.NewFromConfig(awsCfg)
			handle, err := bedrock.New("bedrock", runtime, modelID)
			if err != nil {
				log.Printf(ctx, "bedrock provider not registered: %v", err)
			} else {
				providers.Register(handle.Name(), handle)
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// buildTelemetry wires whichever sinks the environment configures in
// addition to the always-on stderr sink: a JSON-lines file at
// cfg.TelemetryPath, a capped Redis list when REDIS_URL is set, and a Mongo
// collection when MONGO_URI is set. Sink construction failures are logged
// and otherwise ignored; telemetry is diagnostic, never load-bearing.
func buildTelemetry(ctx context.Context, cfg *config.Config) *telemetry.Emitter {
	opts := []telemetry.Option{
		telemetry.WithFailureLogger(func(msg string) { log.Printf(ctx, "telemetry: %s", msg) }),
	}

	if cfg.TelemetryPath != "" {
		if sink, err := telemetry.NewFileSink(cfg.TelemetryPath); err != nil {
			log.Printf(ctx, "telemetry file sink not enabled: %v", err)
		} else {
			opts = append(opts, telemetry.WithSink(sink))
		}
	}
	if cfg.RedisURL != "" {
		if sink, err := telemetry.NewRedisSink(cfg.RedisURL, cfg.RedisPassword, "brokerd:telemetry", 100000); err != nil {
			log.Printf(ctx, "telemetry redis sink not enabled: %v", err)
		} else {
			opts = append(opts, telemetry.WithSink(sink))
		}
	}
	if cfg.MongoURI != "" {
		if sink, err := telemetry.NewMongoSink(ctx, cfg.MongoURI, cfg.MongoDatabase, "telemetry"); err != nil {
			log.Printf(ctx, "telemetry mongo sink not enabled: %v", err)
		} else {
			opts = append(opts, telemetry.WithSink(sink))
		}
	}

	return telemetry.New(4096, opts...)
}

// newComponentLogger builds the slog.Logger threaded through components
// (Scheduler, Dispatcher, the WS frontend) that predate the clue/log
// context-carried style used at the command's top level.
func newComponentLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
