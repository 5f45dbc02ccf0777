// Package anthropic adapts github.com/anthropics/anthropic-sdk-go into a
// broker.ProviderHandle. A provider is opaque to the core
// beyond Name/Invoke, so this package is wired only from cmd/brokerd and
// never imported by the scheduler, dispatcher, or registries. The client
// construction and message-building style are grounded on
// features/model/anthropic/client.go's New/NewFromAPIKey/prepareRequest.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the SDK used here, so tests can
// substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Handle implements broker.ProviderHandle over the Anthropic Messages API.
// Invoke treats args["prompt"] as the user turn and returns the
// concatenated text of the assistant's reply.
type Handle struct {
	name      string
	msg       MessagesClient
	model     string
	maxTokens int
}

// New builds a Handle named name, backed by msg, defaulting to model for
// every call and maxTokens as the completion cap.
func New(name string, msg MessagesClient, model string, maxTokens int) (*Handle, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Handle{name: name, msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a Handle using the SDK's default HTTP client.
func NewFromAPIKey(name, apiKey, model string, maxTokens int) (*Handle, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(name, &client.Messages, model, maxTokens)
}

// Name implements broker.ProviderHandle.
func (h *Handle) Name() string { return h.name }

// Invoke sends args["prompt"] as a single user turn and returns
// {"text": "..."}. toolName is passed through as a system-prompt hint so a
// provider response can be grounded in which broker tool is calling it.
func (h *Handle) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal args: %w", err)
		}
		prompt = string(raw)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(h.model),
		MaxTokens: int64(h.maxTokens),
		System: []sdk.TextBlockParam{
			{Text: "You are the backing model for broker tool " + toolName + "."},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}

	msg, err := h.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return map[string]any{"text": text}, nil
}
