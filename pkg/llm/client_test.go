package llm

import (
	"context"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/pkg/config"
)

type fakeMessages struct {
	calls     int
	responses []func() (*sdk.Message, error)
}

func (f *fakeMessages) New(_ context.Context, _ sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i]()
}

func textMessage(text string, in, out int64) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: in, OutputTokens: out},
	}
}

func overloadedErr() error {
	return &sdk.Error{StatusCode: 529}
}

func testCaller(fake *fakeMessages) *Caller {
	return &Caller{
		cfg: &config.ModelConfig{
			Name:              "claude-sonnet-4-20250514",
			MaxTokens:         8192,
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        10 * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		},
		newMessages: func(string) MessagesClient { return fake },
		sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func TestCompleteReturnsTextAndUsage(t *testing.T) {
	fake := &fakeMessages{responses: []func() (*sdk.Message, error){
		func() (*sdk.Message, error) { return textMessage(`{"steps":[]}`, 1200, 80), nil },
	}}

	resp, err := testCaller(fake).Complete(context.Background(), "sk-test", &Request{Prompt: "plan"})
	require.NoError(t, err)
	assert.Equal(t, `{"steps":[]}`, resp.Text)
	assert.Equal(t, int64(1200), resp.Usage.InputTokens)
	assert.Equal(t, int64(80), resp.Usage.OutputTokens)
	assert.Equal(t, 1, fake.calls)
}

func TestCompleteRetriesOverloadThenSucceeds(t *testing.T) {
	fake := &fakeMessages{responses: []func() (*sdk.Message, error){
		func() (*sdk.Message, error) { return nil, overloadedErr() },
		func() (*sdk.Message, error) { return nil, overloadedErr() },
		func() (*sdk.Message, error) { return textMessage("ok", 10, 5), nil },
	}}

	resp, err := testCaller(fake).Complete(context.Background(), "sk-test", &Request{Prompt: "plan"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, fake.calls)
}

func TestCompleteExhaustsRetriesOnOverload(t *testing.T) {
	fake := &fakeMessages{responses: []func() (*sdk.Message, error){
		func() (*sdk.Message, error) { return nil, overloadedErr() },
	}}

	_, err := testCaller(fake).Complete(context.Background(), "sk-test", &Request{Prompt: "plan"})
	require.ErrorIs(t, err, ErrOverloaded)
	assert.Equal(t, 3, fake.calls)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	fake := &fakeMessages{responses: []func() (*sdk.Message, error){
		func() (*sdk.Message, error) { return nil, &sdk.Error{StatusCode: 400} },
	}}

	_, err := testCaller(fake).Complete(context.Background(), "sk-test", &Request{Prompt: "plan"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOverloaded)
	assert.Equal(t, 1, fake.calls)
}

func TestCompleteStopsOnContextCancel(t *testing.T) {
	fake := &fakeMessages{responses: []func() (*sdk.Message, error){
		func() (*sdk.Message, error) { return nil, overloadedErr() },
	}}
	caller := testCaller(fake)
	caller.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := caller.Complete(ctx, "sk-test", &Request{Prompt: "plan"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second, 2.0, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 2.0, 30*time.Second))
}
