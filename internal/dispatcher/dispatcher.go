// Package dispatcher implements the Dispatcher (C6): argument validation,
// provider resolution, deadline construction, tool invocation, result
// normalization, and handing the normalized result to the Scheduler and
// Telemetry Emitter. The cancellation-race select and OTEL span style are
// grounded on runtime/toolregistry/executor/executor.go's
// `select { case <-ctx.Done(): ...; case result := <-resultCh: ... }`
// pattern; tracing and logging go through a bare trace.Tracer and
// *slog.Logger, with no wrapper types.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
	"github.com/brokerd/brokerd/internal/config"
	"github.com/brokerd/brokerd/internal/providerregistry"
	"github.com/brokerd/brokerd/internal/scheduler"
	"github.com/brokerd/brokerd/internal/telemetry"
	"github.com/brokerd/brokerd/internal/toolregistry"
)

// Dispatcher wires together the registries, scheduler, and telemetry
// emitter behind a single Handle entrypoint. Neither protocol frontend owns
// any scheduling or timeout logic; both call Handle.
type Dispatcher struct {
	Tools     *toolregistry.Registry
	Providers *providerregistry.Registry
	Scheduler *scheduler.Scheduler
	Telemetry *telemetry.Emitter
	Config    *config.Config
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Handle runs one Call end-to-end: telemetry "received", tool resolution,
// admission (leader/follower/timeout), and — for leaders — validation,
// provider resolution, execution under a deadline, and result
// normalization. It always emits exactly one terminal telemetry event for
// c's own request id, even when c is a coalesced
// follower. Cancellation flows entirely through c.Node (derived from the
// session's node, in turn derived from the daemon root), so Handle takes no
// separate context.
//
// In the data flow this follows ("the Dispatcher consults the Tool Registry and
// Provider Registry, then asks the Scheduler for admission"), the tool must
// be resolved *before* Admit is called: an unknown tool name must fail
// without ever acquiring a semaphore, and the admission-phase
// deadline (daemon tier, tool x1.5) can only be computed once the tool's
// tier is known.
func (d *Dispatcher) Handle(sess *broker.Session, c *broker.Call) broker.Result {
	d.Telemetry.Emit("tool_call_received", map[string]any{
		"session_id":  sess.ID,
		"request_id":  c.RequestID,
		"tool":        c.ToolName,
		"arg_summary": summarizeArgs(c.Args),
	})

	descriptor, tool, schema, err := d.Tools.Get(c.ToolName)
	if err != nil {
		return d.terminal(c, brokerErrResult(err, time.Since(c.CreatedAt)))
	}
	c.Tier = descriptor.Tier
	c.Provider = descriptor.Provider
	if c.Provider == "" {
		if v, ok := c.Args["provider"].(string); ok {
			c.Provider = v
		}
	}

	tier := tierTimeouts(d.Config, descriptor.Tier)
	admitCtx := c.Node.Context()
	if tier.Daemon > 0 {
		var cancel context.CancelFunc
		admitCtx, cancel = context.WithDeadline(admitCtx, time.Now().Add(tier.Daemon))
		defer cancel()
	}

	admission, err := d.Scheduler.Admit(admitCtx, sess, c)
	if err != nil {
		return d.terminal(c, brokerErrResult(err, time.Since(c.CreatedAt)))
	}

	if !admission.Leader {
		result := d.awaitFollower(c, admission)
		d.Scheduler.Complete(admission, c, result)
		return d.terminal(c, result)
	}

	result := d.runLeader(c.Node.Context(), sess, c, descriptor, tool, schema)
	d.Scheduler.Complete(admission, c, result)
	return result
}

func (d *Dispatcher) awaitFollower(c *broker.Call, admission *scheduler.Admission) broker.Result {
	select {
	case <-admission.FollowerWait:
		return admission.Entry.Result()
	case <-c.Node.Done():
		reason := "client_cancel"
		if cause := c.Node.Err(); cause != nil {
			reason = cause.Error()
		}
		return broker.Result{Kind: "cancelled", Reason: reason, DurationMS: time.Since(c.CreatedAt).Milliseconds()}
	}
}

func (d *Dispatcher) runLeader(ctx context.Context, sess *broker.Session, c *broker.Call, descriptor broker.ToolDescriptor, tool broker.Tool, schema *jsonschema.Schema) broker.Result {
	start := time.Now()

	var span trace.Span
	spanCtx := ctx
	if d.Tracer != nil {
		spanCtx, span = d.Tracer.Start(ctx, "dispatcher.invoke", trace.WithAttributes(
			attribute.String("tool", c.ToolName),
			attribute.String("tier", string(c.Tier)),
			attribute.String("provider", c.Provider),
		))
		defer span.End()
	}

	var err error
	if schema != nil {
		if err := schema.Validate(c.Args); err != nil {
			bErr := brokererr.Wrap(brokererr.InvalidArgs, err, "arguments failed schema validation")
			return d.fail(span, c, brokerErrResult(bErr, time.Since(start)))
		}
	}

	providerName := descriptor.Provider
	if providerName == "" {
		if v, ok := c.Args["provider"].(string); ok {
			providerName = v
		}
	}
	c.Provider = providerName

	var handle broker.ProviderHandle
	if providerName != "" {
		handle, err = d.Providers.Get(providerName)
		if err != nil {
			return d.fail(span, c, brokerErrResult(err, time.Since(start)))
		}
	}

	tier := tierTimeouts(d.Config, descriptor.Tier)
	deadline := time.Now().Add(tier.Tool)
	c.Deadline = deadline

	if tier.Tool <= 0 {
		bErr := brokererr.New(brokererr.Timeout, "call deadline is zero; failing immediately")
		return d.fail(span, c, brokerErrResult(bErr, time.Since(start)))
	}

	execCtx, cancel := context.WithDeadline(spanCtx, deadline)
	defer cancel()

	ectx := &broker.ExecContext{
		Context:   execCtx,
		RequestID: c.RequestID,
		SessionID: sess.ID,
		Deadline:  deadline,
		Provider:  handle,
	}

	type outcome struct {
		payload any
		err     error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		payload, err := tool.Execute(ectx, c.Args)
		resultCh <- outcome{payload: payload, err: err}
	}()

	select {
	case o := <-resultCh:
		if o.err != nil {
			return d.normalizeToolError(span, c, o.err, time.Since(start))
		}
		dur := time.Since(start)
		d.Telemetry.Emit("tool_call_complete", map[string]any{
			"request_id":  c.RequestID,
			"tool":        c.ToolName,
			"provider":    c.Provider,
			"duration_ms": dur.Milliseconds(),
			"result_size": approxSize(o.payload),
		})
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
		return broker.Result{Kind: "ok", Payload: o.payload, DurationMS: dur.Milliseconds()}

	case <-execCtx.Done():
		dur := time.Since(start)
		if c.Node.Err() != nil && execCtx.Err() == context.Canceled {
			// Upstream cancellation (client disconnect, session teardown,
			// daemon shutdown) rather than deadline expiry.
			reason := c.Node.Err().Error()
			d.Telemetry.Emit("tool_call_cancelled", map[string]any{
				"request_id": c.RequestID,
				"reason":     reason,
			})
			if span != nil {
				span.SetStatus(codes.Error, "cancelled")
			}
			return broker.Result{Kind: "cancelled", Reason: reason, DurationMS: dur.Milliseconds()}
		}
		d.Telemetry.Emit("tool_call_timeout", map[string]any{
			"request_id":  c.RequestID,
			"tool":        c.ToolName,
			"provider":    c.Provider,
			"deadline_ms": tier.Tool.Milliseconds(),
		})
		if span != nil {
			span.SetStatus(codes.Error, "timeout")
		}
		return broker.Result{Kind: "timeout", DurationMS: dur.Milliseconds()}
	}
}

func (d *Dispatcher) normalizeToolError(span trace.Span, c *broker.Call, err error, dur time.Duration) broker.Result {
	bErr, ok := brokererr.As(err)
	if !ok {
		bErr = brokererr.Wrap(brokererr.ToolError, err, err.Error())
	}
	return d.fail(span, c, brokerErrResultFromBrokerErr(bErr, dur))
}

func (d *Dispatcher) fail(span trace.Span, c *broker.Call, result broker.Result) broker.Result {
	d.Telemetry.Emit("tool_call_failed", map[string]any{
		"request_id":    c.RequestID,
		"tool":          c.ToolName,
		"error_kind":    result.ErrKind,
		"error_message": result.ErrMessage,
		"duration_ms":   result.DurationMS,
	})
	if span != nil {
		span.SetStatus(codes.Error, result.ErrMessage)
	}
	return result
}

// terminal emits c's terminal telemetry event on the paths where runLeader
// has not already emitted one (an unknown tool, a failed admission, a
// coalesced follower) and returns result unchanged.
func (d *Dispatcher) terminal(c *broker.Call, result broker.Result) broker.Result {
	fields := map[string]any{"request_id": c.RequestID, "tool": c.ToolName, "duration_ms": result.DurationMS}
	switch result.Kind {
	case "ok":
		d.Telemetry.Emit("tool_call_complete", fields)
	case "timeout":
		d.Telemetry.Emit("tool_call_timeout", fields)
	case "cancelled":
		d.Telemetry.Emit("tool_call_cancelled", map[string]any{"request_id": c.RequestID, "reason": result.Reason})
	default:
		fields["error_kind"], fields["error_message"] = result.ErrKind, result.ErrMessage
		d.Telemetry.Emit("tool_call_failed", fields)
	}
	return result
}

func brokerErrResult(err error, dur time.Duration) broker.Result {
	bErr, ok := brokererr.As(err)
	if !ok {
		bErr = brokererr.Wrap(brokererr.Internal, err, err.Error())
	}
	return brokerErrResultFromBrokerErr(bErr, dur)
}

func brokerErrResultFromBrokerErr(bErr *brokererr.Error, dur time.Duration) broker.Result {
	kind := "error"
	if bErr.Kind == brokererr.Timeout {
		kind = "timeout"
	}
	if bErr.Kind == brokererr.Cancelled {
		kind = "cancelled"
	}
	return broker.Result{
		Kind:       kind,
		ErrKind:    string(bErr.Kind),
		ErrMessage: bErr.Message,
		ErrDetail:  bErr.Detail,
		DurationMS: dur.Milliseconds(),
	}
}

func tierTimeouts(cfg *config.Config, tier broker.Tier) config.TimeoutTier {
	name := string(tier)
	if name == "" {
		name = "simple"
	}
	if t, ok := cfg.Timeouts[name]; ok {
		return t
	}
	return cfg.Timeouts["simple"]
}

func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	return "keys=" + joinStrings(keys)
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func approxSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case map[string]any:
		return len(t)
	case []any:
		return len(t)
	default:
		return 1
	}
}
