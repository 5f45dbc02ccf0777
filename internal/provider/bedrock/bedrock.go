// Package bedrock adapts the AWS Bedrock Converse API
// (github.com/aws/aws-sdk-go-v2/service/bedrockruntime) into a
// broker.ProviderHandle. A provider is opaque to the core
// beyond Name/Invoke. Grounded on features/model/bedrock/client.go's
// RuntimeClient-interface-plus-buildConverseInput/translateResponse
// pipeline, reduced here to a single-turn text exchange (no tool_use
// round-tripping, no streaming, no thinking budget) since the core's
// ProviderHandle contract has no notion of any of those.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

// RuntimeClient mirrors the subset of *bedrockruntime.Client used here, so
// tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Handle implements broker.ProviderHandle over the Bedrock Converse API.
type Handle struct {
	name    string
	runtime RuntimeClient
	modelID string
}

// New builds a Handle named name, backed by runtime, targeting modelID for
// every call.
func New(name string, runtime RuntimeClient, modelID string) (*Handle, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("bedrock: model id is required")
	}
	return &Handle{name: name, runtime: runtime, modelID: modelID}, nil
}

// Name implements broker.ProviderHandle.
func (h *Handle) Name() string { return h.name }

// Invoke sends args["prompt"] as a single user turn through Converse and
// returns {"text": "..."} assembled from the response's text content
// blocks.
func (h *Handle) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("bedrock: marshal args: %w", err)
		}
		prompt = string(raw)
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(h.modelID),
		System: []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: "You are the backing model for broker tool " + toolName + "."},
		},
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
	}

	output, err := h.runtime.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("bedrock: converse: %s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}
	if output == nil {
		return nil, errors.New("bedrock: nil response")
	}

	var text string
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text += tb.Value
			}
		}
	}
	return map[string]any{"text": text}, nil
}
