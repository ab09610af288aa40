package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lovable-ai/lovable-chat/internal/apperr"
)

type fakeTransport struct {
	name string

	mu     sync.Mutex
	models []string // models in call order

	fn func(model string, req *PromptRequest) (string, error)
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Generate(_ context.Context, model string, req *PromptRequest) (string, error) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
	return f.fn(model, req)
}

func (f *fakeTransport) callsFor(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.models {
		if m == model {
			n++
		}
	}
	return n
}

func newTestGateway(models []string, sweeps ...sweep) (*Gateway, *[]time.Duration) {
	delays := &[]time.Duration{}
	return &Gateway{
		sweeps:         sweeps,
		listModels:     func(ctx context.Context) ([]string, error) { return models, nil },
		fallbackModels: defaultModels,
		sleep: func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}, delays
}

func userMessages(contents ...string) []Message {
	msgs := make([]Message, 0, len(contents))
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAI
		}
		msgs = append(msgs, Message{Role: role, Content: c})
	}
	return msgs
}

func overloadedErr() error {
	return &statusError{code: http.StatusServiceUnavailable, body: "The model is overloaded. Please try again later."}
}

func notFoundErr() error {
	return &statusError{code: http.StatusNotFound, body: "model not found"}
}

func TestGenerateRetriesTransientThenSucceeds(t *testing.T) {
	// Two 503s then success on the same model: retry must exhaust before
	// any fallback happens.
	fails := 2
	ft := &fakeTransport{name: "sdk", fn: func(model string, req *PromptRequest) (string, error) {
		if fails > 0 {
			fails--
			return "", overloadedErr()
		}
		return "hello from " + model, nil
	}}
	g, delays := newTestGateway([]string{"gemini-pro", "gemini-1.5-pro"}, sweep{transport: ft, abortOnOther: true})

	out, err := g.Generate(context.Background(), userMessages("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello from gemini-pro", out)
	assert.Equal(t, 3, ft.callsFor("gemini-pro"))
	assert.Equal(t, 0, ft.callsFor("gemini-1.5-pro"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestGenerateNotFoundSkipsWithoutRetry(t *testing.T) {
	sdk := &fakeTransport{name: "sdk", fn: func(string, *PromptRequest) (string, error) {
		return "", notFoundErr()
	}}
	rest := &fakeTransport{name: "rest", fn: func(string, *PromptRequest) (string, error) {
		return "", notFoundErr()
	}}
	models := []string{"gemini-pro", "gemini-1.5-pro", "gemini-1.5-flash"}
	g, delays := newTestGateway(models, sweep{transport: sdk, abortOnOther: true}, sweep{transport: rest})

	_, err := g.Generate(context.Background(), userMessages("hi"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))

	// Exactly one attempt per model per transport, never a retry.
	for _, m := range models {
		assert.Equal(t, 1, sdk.callsFor(m))
		assert.Equal(t, 1, rest.callsFor(m))
	}
	assert.Empty(t, *delays)

	// The terminal error names the attempted models.
	msg := apperr.UserMessage(err)
	for _, m := range models {
		assert.Contains(t, msg, m)
	}
}

func TestGenerateTransientExhaustMovesToNextModel(t *testing.T) {
	ft := &fakeTransport{name: "sdk", fn: func(model string, req *PromptRequest) (string, error) {
		if model == "gemini-pro" {
			return "", overloadedErr()
		}
		return "ok", nil
	}}
	g, _ := newTestGateway([]string{"gemini-pro", "gemini-1.5-pro"}, sweep{transport: ft, abortOnOther: true})

	out, err := g.Generate(context.Background(), userMessages("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, ft.callsFor("gemini-pro"))
	assert.Equal(t, 1, ft.callsFor("gemini-1.5-pro"))
}

func TestGenerateSDKOtherErrorAborts(t *testing.T) {
	sdk := &fakeTransport{name: "sdk", fn: func(string, *PromptRequest) (string, error) {
		return "", errors.New("invalid request payload")
	}}
	rest := &fakeTransport{name: "rest", fn: func(string, *PromptRequest) (string, error) {
		return "should not be reached", nil
	}}
	g, _ := newTestGateway([]string{"gemini-pro", "gemini-1.5-pro"}, sweep{transport: sdk, abortOnOther: true}, sweep{transport: rest})

	_, err := g.Generate(context.Background(), userMessages("hi"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	assert.Equal(t, 1, sdk.callsFor("gemini-pro"))
	assert.Equal(t, 0, sdk.callsFor("gemini-1.5-pro"))
	assert.Empty(t, rest.models)
}

func TestGenerateFallsBackToRESTTransport(t *testing.T) {
	sdk := &fakeTransport{name: "sdk", fn: func(string, *PromptRequest) (string, error) {
		return "", notFoundErr()
	}}
	rest := &fakeTransport{name: "rest", fn: func(model string, req *PromptRequest) (string, error) {
		return "rest says hi", nil
	}}
	g, _ := newTestGateway([]string{"gemini-pro"}, sweep{transport: sdk, abortOnOther: true}, sweep{transport: rest})

	out, err := g.Generate(context.Background(), userMessages("hi"))
	require.NoError(t, err)
	assert.Equal(t, "rest says hi", out)
	assert.Equal(t, 1, sdk.callsFor("gemini-pro"))
	assert.Equal(t, 1, rest.callsFor("gemini-pro"))
}

func TestGenerateOverloadedClassification(t *testing.T) {
	ft := &fakeTransport{name: "sdk", fn: func(string, *PromptRequest) (string, error) {
		return "", overloadedErr()
	}}
	g, _ := newTestGateway([]string{"gemini-pro"}, sweep{transport: ft, abortOnOther: true})

	_, err := g.Generate(context.Background(), userMessages("hi"))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	assert.Contains(t, apperr.UserMessage(err), "overloaded")
}

func TestGenerateRejectsNonUserFinalMessage(t *testing.T) {
	g, _ := newTestGateway([]string{"gemini-pro"}, sweep{transport: &fakeTransport{name: "sdk", fn: nil}})

	_, err := g.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAI, Content: "hello"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	_, err = g.Generate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestBuildPromptFoldsInstructionWithoutHistory(t *testing.T) {
	req, err := buildPrompt([]Message{{Role: RoleUser, Content: "make a login page"}})
	require.NoError(t, err)
	assert.Empty(t, req.History)
	assert.Contains(t, req.Text, systemInstruction)
	assert.Contains(t, req.Text, "User: make a login page")
}

func TestBuildPromptSeedsInstructionWithHistory(t *testing.T) {
	req, err := buildPrompt([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAI, Content: "hello"},
		{Role: RoleUser, Content: "now a navbar"},
	})
	require.NoError(t, err)
	require.Len(t, req.History, 4)
	assert.Equal(t, "user", req.History[0].Role)
	assert.Equal(t, systemInstruction, req.History[0].Text)
	assert.Equal(t, "model", req.History[1].Role)
	assert.Equal(t, systemAck, req.History[1].Text)
	assert.Equal(t, "hi", req.History[2].Text)
	assert.Equal(t, "hello", req.History[3].Text)
	assert.Equal(t, "now a navbar", req.Text)
}

func TestBuildPromptStripsLeadingGreeting(t *testing.T) {
	req, err := buildPrompt([]Message{
		{Role: RoleAI, Content: "Hi! I'm Lovable AI, how can I help?"},
		{Role: RoleUser, Content: "build a form"},
	})
	require.NoError(t, err)
	// With the greeting gone this is a first message: folded instruction,
	// no history.
	assert.Empty(t, req.History)
	assert.Contains(t, req.Text, "User: build a form")
}

func TestResolveModelsCachesSuccessfulProbe(t *testing.T) {
	probes := 0
	g := &Gateway{
		listModels: func(ctx context.Context) ([]string, error) {
			probes++
			return []string{"gemini-2.0-flash"}, nil
		},
		fallbackModels: defaultModels,
	}

	assert.Equal(t, []string{"gemini-2.0-flash"}, g.resolveModels(context.Background()))
	assert.Equal(t, []string{"gemini-2.0-flash"}, g.resolveModels(context.Background()))
	assert.Equal(t, 1, probes)
}

func TestResolveModelsFallsBackAndDoesNotCacheFailure(t *testing.T) {
	probes := 0
	g := &Gateway{
		listModels: func(ctx context.Context) ([]string, error) {
			probes++
			return nil, errors.New("listing unavailable")
		},
		fallbackModels: defaultModels,
	}

	assert.Equal(t, defaultModels, g.resolveModels(context.Background()))
	assert.Equal(t, defaultModels, g.resolveModels(context.Background()))
	assert.Equal(t, 2, probes, "a failed probe must be retried next call")
}

func TestIsTransientSignals(t *testing.T) {
	assert.True(t, isTransient(overloadedErr()))
	assert.True(t, isTransient(errors.New("503 Service Unavailable")))
	assert.True(t, isTransient(errors.New("the model is overloaded, try again later")))
	assert.False(t, isTransient(notFoundErr()))
	assert.False(t, isTransient(errors.New("permission denied")))
	assert.False(t, isTransient(nil))
}
