package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storycomic/pkg/llm"
	"storycomic/pkg/llm/llmerrors"
	"storycomic/pkg/metrics"
)

type observation struct {
	kind, model, errorType string
	prompt, completion     int
	success                bool
}

// fakeRecorder captures ObserveRequest calls.
type fakeRecorder struct {
	metrics.NoopRecorder
	mu  sync.Mutex
	obs []observation
}

func (f *fakeRecorder) ObserveRequest(kind, model string, p, c int, success bool, errorType string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{kind, model, errorType, p, c, success})
}

func (f *fakeRecorder) observations() []observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]observation(nil), f.obs...)
}

func fixedUsage(_ llm.Request, completion string) (int, int) {
	return 10, len(completion)
}

func TestMiddlewareRecordsGenerate(t *testing.T) {
	rec := &fakeRecorder{}
	base := llm.NewMockClient(
		llm.MockStep{Content: "hello"},
		llm.MockStep{Err: &llmerrors.Error{Kind: llmerrors.KindProviderRejected, StatusCode: 400, Message: "policy"}},
	)
	client := llm.Chain(base, Middleware(rec, fixedUsage, nil))

	_, err := client.Generate(context.Background(), llm.Request{Prompt: "p"})
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), llm.Request{Prompt: "p"})
	require.Error(t, err)

	obs := rec.observations()
	require.Len(t, obs, 2)
	assert.Equal(t, observation{metrics.KindText, "mock-model", "", 10, 5, true}, obs[0])
	assert.Equal(t, observation{metrics.KindText, "mock-model", "provider_rejected", 0, 0, false}, obs[1])
}

func TestMiddlewareRecordsStreamAtEnd(t *testing.T) {
	rec := &fakeRecorder{}
	base := llm.NewMockClient(llm.MockStep{Fragments: []string{"ab", "cd"}})
	client := llm.Chain(base, Middleware(rec, fixedUsage, nil))

	ch, err := client.GenerateStream(context.Background(), llm.Request{})
	require.NoError(t, err)
	text, err := llm.Collect(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, "abcd", text)

	assert.Eventually(t, func() bool { return len(rec.observations()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, rec.observations()[0].completion)
	assert.True(t, rec.observations()[0].success)
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "", ErrorType(nil))
	assert.Equal(t, "canceled", ErrorType(context.Canceled))
	assert.Equal(t, "timeout", ErrorType(llmerrors.New(llmerrors.KindTimeout, "slow")))
	assert.Equal(t, "unclassified", ErrorType(errors.New("x")))
}
