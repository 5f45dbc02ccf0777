// Package slowecho implements a demo tool that sleeps for a fixed delay
// before echoing its argument. It exists to make coalescing (spec scenario
// S2: concurrent identical calls collapse into one execution) and
// session-concurrency-limit behavior observable without a
// real, slow backend.
package slowecho

import (
	"time"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
)

// Delay is how long Execute sleeps before returning. It is a var, not a
// const, solely so tests can shrink it.
var Delay = 2 * time.Second

// Descriptor is the registration-time ToolDescriptor for slowecho.
var Descriptor = broker.ToolDescriptor{
	Name:        "slowecho",
	Description: "Sleeps briefly, then returns the msg argument unchanged.",
	Visibility:  broker.VisibilityCore,
	Tier:        broker.TierWorkflow,
	Schema: map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"msg"},
		"properties": map[string]any{
			"msg": map[string]any{"type": "string"},
		},
	},
}

// Tool implements broker.Tool.
type Tool struct{}

// Execute sleeps for Delay, honoring ectx's deadline/cancellation, then
// returns {"reply": msg}.
func (Tool) Execute(ectx *broker.ExecContext, args map[string]any) (any, error) {
	msg, ok := args["msg"].(string)
	if !ok {
		return nil, brokererr.New(brokererr.InvalidArgs, "msg must be a string")
	}
	timer := time.NewTimer(Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"reply": msg}, nil
	case <-ectx.Done():
		return nil, ectx.Err()
	}
}
