// Package echo implements the simplest demo tool: it returns its single
// "msg" argument unchanged. It exists to exercise the simple tier end to
// end and to give the coalescing/timeout scenarios a baseline, low-latency
// tool to contrast against slowecho and hang.
package echo

import (
	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
)

// Descriptor is the registration-time ToolDescriptor for echo.
var Descriptor = broker.ToolDescriptor{
	Name:        "echo",
	Description: "Returns the msg argument unchanged.",
	Visibility:  broker.VisibilityCore,
	Tier:        broker.TierSimple,
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

// Execute returns {"reply": msg}.
func (Tool) Execute(ectx *broker.ExecContext, args map[string]any) (any, error) {
	msg, ok := args["msg"].(string)
	if !ok {
		return nil, brokererr.New(brokererr.InvalidArgs, "msg must be a string")
	}
	return map[string]any{"reply": msg}, nil
}
