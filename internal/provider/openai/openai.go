// Package openai adapts github.com/openai/openai-go into a
// broker.ProviderHandle, exercising the OpenAI stack declared in go.mod.
// A provider is opaque to the core beyond Name/Invoke; this
// package is wired only from cmd/brokerd. Structurally mirrors
// internal/provider/anthropic.Handle (same New/NewFromAPIKey/Invoke shape),
// itself grounded on features/model/anthropic/client.go; the interface-
// narrowing-for-testability idiom (ChatClient here, MessagesClient there) is
// the same pattern features/model/openai/client.go uses for its own
// (sashabaranov/go-openai-backed) adapter, adapted to the official SDK that
// is actually present in this module's go.mod.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatClient captures the subset of the SDK used here, so tests can
// substitute a fake.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Handle implements broker.ProviderHandle over the Chat Completions API.
// Invoke treats args["prompt"] as the sole user turn and returns the first
// choice's message content.
type Handle struct {
	name  string
	chat  ChatClient
	model string
}

// New builds a Handle named name, backed by chat, defaulting to model for
// every call.
func New(name string, chat ChatClient, model string) (*Handle, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	return &Handle{name: name, chat: chat, model: model}, nil
}

// NewFromAPIKey constructs a Handle using the SDK's default HTTP client.
func NewFromAPIKey(name, apiKey, model string) (*Handle, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(name, &client.Chat.Completions, model)
}

// Name implements broker.ProviderHandle.
func (h *Handle) Name() string { return h.name }

// Invoke sends args["prompt"] as a single user turn and returns
// {"text": "..."}.
func (h *Handle) Invoke(ctx context.Context, toolName string, args map[string]any) (any, error) {
	prompt, _ := args["prompt"].(string)
	if prompt == "" {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal args: %w", err)
		}
		prompt = string(raw)
	}

	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(h.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage("You are the backing model for broker tool " + toolName + "."),
			sdk.UserMessage(prompt),
		},
	}

	resp, err := h.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat.completions.new: %w", err)
	}
	if len(resp.Choices) == 0 {
		return map[string]any{"text": ""}, nil
	}
	return map[string]any{"text": resp.Choices[0].Message.Content}, nil
}
