package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/internal/store"
)

type fakeClient struct {
	name  string
	resp  *CompletionResponse
	err   error
	block bool

	mu    sync.Mutex
	calls []*CompletionRequest
}

func (f *fakeClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.resp, f.err
}

func (f *fakeClient) Name() string     { return f.name }
func (f *fakeClient) Models() []string { return []string{f.name + "-model"} }

type fakeRecorder struct {
	mu      sync.Mutex
	records []model.ModelCallRecord
	err     error
}

func (r *fakeRecorder) RecordModelCall(_ context.Context, rec model.ModelCallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, rec)
	return nil
}

func TestInterceptorRecordsSuccess(t *testing.T) {
	resp := &CompletionResponse{Content: "hi there", TokensIn: 11, TokensOut: 4}
	client := &fakeClient{name: "fake", resp: resp}
	rec := &fakeRecorder{}
	i := NewInterceptor(client, rec, InterceptorConfig{DefaultModel: "claude-test"}, nil)

	ctx := WithCaller(context.Background(), Caller{Type: CallerClassifier, Name: "intent", UserID: "u1"})
	got, err := i.Invoke(ctx, "", "be brief", "hello")
	require.NoError(t, err)
	assert.Same(t, resp, got)

	require.Len(t, rec.records, 1)
	r := rec.records[0]
	assert.Equal(t, "claude-test", r.ModelID)
	assert.Equal(t, CallerClassifier, r.CallerType)
	assert.Equal(t, "intent", r.CallerName)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, model.CallSuccess, r.Status)
	assert.Equal(t, 11, r.PromptTokens)
	assert.Equal(t, 4, r.CompletionTokens)
	assert.Len(t, r.PromptDigest, 64)
	assert.Len(t, r.ResponseDigest, 64)
	assert.NotEmpty(t, r.TraceID)
	assert.Empty(t, r.Error)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "claude-test", client.calls[0].Model)
}

func TestInterceptorRecordsFailureAndReturnsOriginalError(t *testing.T) {
	upstream := errors.New("upstream 529 overloaded")
	rec := &fakeRecorder{}
	i := NewInterceptor(&fakeClient{name: "fake", err: upstream}, rec, InterceptorConfig{}, nil)

	_, err := i.Invoke(context.Background(), "gpt-test", "", "hello")
	assert.Equal(t, upstream, err)

	require.Len(t, rec.records, 1)
	assert.Equal(t, model.CallError, rec.records[0].Status)
	assert.Equal(t, upstream.Error(), rec.records[0].Error)
	assert.Equal(t, 0, rec.records[0].TotalTokens())
	assert.Equal(t, CallerSystem, rec.records[0].CallerType)
}

func TestInterceptorRecordFailureIsInvisibleToCaller(t *testing.T) {
	resp := &CompletionResponse{Content: "ok"}
	rec := &fakeRecorder{err: errors.New("db locked")}
	i := NewInterceptor(&fakeClient{name: "fake", resp: resp}, rec, InterceptorConfig{}, nil)

	got, err := i.Invoke(context.Background(), "m", "", "p")
	require.NoError(t, err)
	assert.Same(t, resp, got)
}

func TestInterceptorWithoutClient(t *testing.T) {
	rec := &fakeRecorder{}
	i := NewInterceptor(nil, rec, InterceptorConfig{DefaultModel: "claude-test"}, nil)

	_, err := i.Invoke(context.Background(), "", "", "p")
	assert.ErrorIs(t, err, ErrNoClient)
	require.Len(t, rec.records, 1)
	assert.Equal(t, model.CallError, rec.records[0].Status)
}

func TestInterceptorTimeout(t *testing.T) {
	rec := &fakeRecorder{}
	i := NewInterceptor(&fakeClient{name: "slow", block: true}, rec,
		InterceptorConfig{Timeout: 20 * time.Millisecond}, nil)

	_, err := i.Invoke(context.Background(), "m", "", "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, rec.records, 1)
	assert.Contains(t, rec.records[0].Error, "timeout")
}

func TestInterceptorCountsEveryCallAgainstStore(t *testing.T) {
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	defer s.Close()

	failing := &fakeClient{name: "fake", err: errors.New("boom")}
	working := &fakeClient{name: "fake", resp: &CompletionResponse{Content: "x", TokensIn: 3, TokensOut: 2}}
	ok := NewInterceptor(working, s, InterceptorConfig{DefaultModel: "model-a"}, nil)
	bad := NewInterceptor(failing, s, InterceptorConfig{DefaultModel: "model-a"}, nil)

	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = ok.Invoke(context.Background(), "", "", "p") }()
		go func() { defer wg.Done(); _, _ = bad.Invoke(context.Background(), "", "", "p") }()
	}
	wg.Wait()

	counter, err := s.GetUsageCounter(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, int64(20), counter.TotalRequests)
	assert.Equal(t, int64(50), counter.TotalTokens)

	n, err := s.CountModelCalls(context.Background(), "model-a")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestDigestIsCanonical(t *testing.T) {
	a, err := Digest(map[string]any{"a": 1, "b": []string{"x"}})
	require.NoError(t, err)
	b, err := Digest(json.RawMessage(`{"b":["x"],   "a":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Digest(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestRouterSelectsProviderByModel(t *testing.T) {
	anthropicFake := &fakeClient{name: "anthropic", resp: &CompletionResponse{Content: "a"}}
	openaiFake := &fakeClient{name: "openai", resp: &CompletionResponse{Content: "o"}}
	r := NewRouter(ProviderAnthropic, map[Provider]Client{
		ProviderAnthropic: anthropicFake,
		ProviderOpenAI:    openaiFake,
	})

	resp, err := r.Complete(context.Background(), &CompletionRequest{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "o", resp.Content)

	resp, err = r.Complete(context.Background(), &CompletionRequest{Model: "claude-3-5-haiku-20241022"})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Content)

	resp, err = r.Complete(context.Background(), &CompletionRequest{Model: "mistral-large"})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Content)

	empty := NewRouter(ProviderOpenAI, map[Provider]Client{ProviderAnthropic: nil})
	assert.True(t, empty.Empty())
	_, err = empty.Complete(context.Background(), &CompletionRequest{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrNoClient)
}
