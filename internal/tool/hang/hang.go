// Package hang implements a demo tool that never returns on its own. It
// exists purely to exercise the tool-level timeout path:
// the only way Execute ever returns is via ectx's deadline or cancellation.
package hang

import "github.com/brokerd/brokerd/internal/broker"

// Descriptor is the registration-time ToolDescriptor for hang.
var Descriptor = broker.ToolDescriptor{
	Name:        "hang",
	Description: "Never completes on its own; only the deadline ends it.",
	Visibility:  broker.VisibilityHidden,
	Tier:        broker.TierSimple,
	Schema: map[string]any{
		"type":                 "object",
		"additionalProperties": false,
	},
}

// Tool implements broker.Tool.
type Tool struct{}

// Execute blocks until ectx is done.
func (Tool) Execute(ectx *broker.ExecContext, args map[string]any) (any, error) {
	<-ectx.Done()
	return nil, ectx.Err()
}
