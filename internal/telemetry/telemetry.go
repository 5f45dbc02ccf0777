// Package telemetry implements the Telemetry Emitter (C8): structured
// JSON-lines events to stderr and optional sinks, with rate-limited failure
// logging and bounded drop-oldest queuing. The fan-out-to-multiple-sinks
// design is grounded on the Bus/Subscriber pattern in
// runtime/agent/hooks/bus.go, generalized from synchronous iteration over
// registered Subscribers to a single background writer goroutine draining a
// bounded channel, since telemetry writes must never block the
// calling task for more than a small bounded time.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sink receives already-serialized telemetry lines. Implementations must
// not block for long; the Emitter already bounds queuing, but a sink that
// blocks indefinitely would still stall the writer goroutine.
type Sink interface {
	Write(line []byte) error
	Close() error
}

// Emitter is the single serialized telemetry writer for the daemon.
type Emitter struct {
	queue        chan []byte
	sinks        []Sink
	failLimiter  *rate.Limiter
	dropped      atomic.Int64
	failed       atomic.Int64
	wg           sync.WaitGroup
	warnOnce     sync.Once
	onFailureLog func(msg string)
}

// Option configures an Emitter at construction time.
type Option func(*Emitter)

// WithSink adds an additional sink (e.g. a file, Redis, or MongoDB sink).
// The built-in stderr sink is always present and cannot be removed.
func WithSink(s Sink) Option {
	return func(e *Emitter) { e.sinks = append(e.sinks, s) }
}

// WithFailureLogger overrides how rate-limited sink-failure warnings are
// reported; defaults to writing to stderr directly.
func WithFailureLogger(fn func(msg string)) Option {
	return func(e *Emitter) { e.onFailureLog = fn }
}

// New creates an Emitter with a bounded queue of the given capacity and
// starts its background writer goroutine.
func New(queueCapacity int, opts ...Option) *Emitter {
	if queueCapacity <= 0 {
		queueCapacity = 4096
	}
	e := &Emitter{
		queue:       make(chan []byte, queueCapacity),
		sinks:       []Sink{stderrSink{}},
		failLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.onFailureLog == nil {
		e.onFailureLog = func(msg string) { fmt.Fprintln(os.Stderr, msg) }
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit serializes fields (plus a "ts" and "event" key) and enqueues the
// line. On a full queue, the oldest pending line is dropped to make room
// (drop-oldest overflow policy) and the drop is counted.
func (e *Emitter) Emit(event string, fields map[string]any) {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["event"] = event
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	line, err := json.Marshal(rec)
	if err != nil {
		e.reportFailure(fmt.Sprintf("telemetry: marshal failed for event %q: %v", event, err))
		return
	}

	select {
	case e.queue <- line:
		return
	default:
	}

	// Queue full: drop the oldest pending line and retry once.
	select {
	case <-e.queue:
		e.dropped.Add(1)
	default:
	}
	select {
	case e.queue <- line:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped due to queue overflow.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Failed returns the number of sink write failures observed.
func (e *Emitter) Failed() int64 { return e.failed.Load() }

// Close stops accepting new events, drains the queue, and closes sinks.
func (e *Emitter) Close() {
	close(e.queue)
	e.wg.Wait()
	for _, s := range e.sinks {
		_ = s.Close()
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for line := range e.queue {
		for _, s := range e.sinks {
			if err := s.Write(line); err != nil {
				e.failed.Add(1)
				e.reportFailure(fmt.Sprintf("telemetry: sink write failed: %v", err))
			}
		}
	}
}

func (e *Emitter) reportFailure(msg string) {
	if e.failLimiter.Allow() {
		e.onFailureLog(msg)
	}
}

type stderrSink struct{}

func (stderrSink) Write(line []byte) error {
	_, err := fmt.Fprintln(os.Stderr, string(line))
	return err
}

func (stderrSink) Close() error { return nil }
