package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntimeClient struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (f *fakeRuntimeClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func TestNewRejectsMissingRuntime(t *testing.T) {
	_, err := New("bedrock", nil, "anthropic.claude-3")
	require.Error(t, err)
}

func TestNewRejectsMissingModelID(t *testing.T) {
	_, err := New("bedrock", &fakeRuntimeClient{}, "")
	require.Error(t, err)
}

func TestInvokeAssemblesTextFromResponse(t *testing.T) {
	fake := &fakeRuntimeClient{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{
				Value: brtypes.Message{
					Role: brtypes.ConversationRoleAssistant,
					Content: []brtypes.ContentBlock{
						&brtypes.ContentBlockMemberText{Value: "hello "},
						&brtypes.ContentBlockMemberText{Value: "world"},
					},
				},
			},
		},
	}
	handle, err := New("bedrock", fake, "anthropic.claude-3")
	require.NoError(t, err)

	out, err := handle.Invoke(context.Background(), "chat", map[string]any{"prompt": "hi"})
	require.NoError(t, err)

	payload := out.(map[string]any)
	assert.Equal(t, "hello world", payload["text"])
	require.NotNil(t, fake.lastInput)
	assert.Equal(t, "anthropic.claude-3", *fake.lastInput.ModelId)
}

func TestInvokePropagatesConverseError(t *testing.T) {
	fake := &fakeRuntimeClient{err: errors.New("throttled")}
	handle, err := New("bedrock", fake, "anthropic.claude-3")
	require.NoError(t, err)

	_, err = handle.Invoke(context.Background(), "chat", map[string]any{"prompt": "hi"})
	require.Error(t, err)
}

func TestInvokeSurfacesSmithyAPIErrorCode(t *testing.T) {
	fake := &fakeRuntimeClient{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "too many requests"}}
	handle, err := New("bedrock", fake, "anthropic.claude-3")
	require.NoError(t, err)

	_, err = handle.Invoke(context.Background(), "chat", map[string]any{"prompt": "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ThrottlingException")
	assert.Contains(t, err.Error(), "too many requests")
}

func TestInvokeFallsBackToMarshaledArgsWhenNoPrompt(t *testing.T) {
	fake := &fakeRuntimeClient{output: &bedrockruntime.ConverseOutput{}}
	handle, err := New("bedrock", fake, "anthropic.claude-3")
	require.NoError(t, err)

	_, err = handle.Invoke(context.Background(), "chat", map[string]any{"other": "value"})
	require.NoError(t, err)
	require.NotNil(t, fake.lastInput)
	textBlock, ok := fake.lastInput.Messages[0].Content[0].(*brtypes.ContentBlockMemberText)
	require.True(t, ok)
	assert.Contains(t, textBlock.Value, "other")
}
