package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/lovable-ai/lovable-chat/internal/apperr"
	"github.com/lovable-ai/lovable-chat/internal/metrics"
)

// Message is one entry of the client-facing transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser = "user"
	RoleAI   = "ai"
)

const systemInstruction = `You are Lovable AI, a senior full-stack engineer and product designer.

CRITICAL REQUIREMENTS:
- ALWAYS generate React/Next.js code when users ask for UI components, pages, or features
- NEVER provide plain HTML/CSS - always use React components with TypeScript
- Use Next.js App Router patterns (server components, client components with 'use client')
- Use Tailwind CSS for all styling (NO inline style tags, NO separate CSS files)
- Provide complete, production-ready code with proper imports
- Include TypeScript types and interfaces
- Use modern React patterns (hooks, functional components)
- Make components reusable and well-structured

You help users design UI, generate clean production-ready Next.js/React code,
refine product ideas, and improve UX.
You always respond clearly, step-by-step, and beautifully.
Focus on Next.js, React, TypeScript, Tailwind CSS, and modern frontend development.`

const systemAck = "Understood. I'm ready to help you design UI, generate code, and refine product ideas."

const (
	maxAttempts      = 3
	baseRetryDelay   = time.Second
	modelListTimeout = 5 * time.Second
)

var defaultModels = []string{"gemini-pro", "gemini-1.5-pro", "gemini-1.5-flash"}

// sweep pairs a transport with its failure policy. The SDK sweep mirrors the
// primary calling path: a non-transient, non-404 error aborts the whole
// request. The REST sweep is last resort and keeps trying every model.
type sweep struct {
	transport    Transport
	abortOnOther bool
}

// Gateway turns a validated message list into a single AI reply, tolerating
// transient overload and per-key model availability variance. The fallback
// order is an explicit (transport, model) plan rather than nested branching.
type Gateway struct {
	sweeps         []sweep
	listModels     func(ctx context.Context) ([]string, error)
	fallbackModels []string
	sleep          func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	cachedModels []string

	genaiClient *genai.Client
}

func NewGateway(ctx context.Context, apiKey string) (*Gateway, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	rest := newRESTTransport(apiKey, defaultBaseURL, &http.Client{Timeout: 60 * time.Second})
	return &Gateway{
		sweeps: []sweep{
			{transport: &sdkTransport{client: client}, abortOnOther: true},
			{transport: rest, abortOnOther: false},
		},
		listModels:     rest.ListModels,
		fallbackModels: defaultModels,
		sleep:          sleepCtx,
		genaiClient:    client,
	}, nil
}

func (g *Gateway) Close() {
	if g.genaiClient != nil {
		if err := g.genaiClient.Close(); err != nil {
			log.Warn().Err(err).Msg("closing GenAI client")
		}
	}
}

// Generate runs the full plan: resolve candidate models, then try each
// model with retry on the SDK transport, then on the REST transport.
func (g *Gateway) Generate(ctx context.Context, messages []Message) (string, error) {
	req, err := buildPrompt(messages)
	if err != nil {
		return "", err
	}

	models := g.resolveModels(ctx)

	var lastErr error
	for _, sw := range g.sweeps {
		for _, model := range models {
			text, err := g.attempt(ctx, sw.transport, model, req)
			if err == nil {
				return text, nil
			}
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", apperr.Upstream("request cancelled while waiting for the AI service", err)
			}
			if isNotFound(err) || isTransient(err) {
				log.Warn().Err(err).Str("model", model).Str("transport", sw.transport.Name()).Msg("model attempt failed, moving to next candidate")
				continue
			}
			if sw.abortOnOther {
				return "", apperr.Upstream("failed to generate a response: "+err.Error(), err)
			}
		}
		if sw.abortOnOther {
			log.Warn().Msg("SDK transport exhausted all models, falling back to REST")
		}
	}

	return "", classifyExhausted(lastErr, models)
}

// attempt retries one (transport, model) pair on transient signals only,
// with exponential backoff. A 404 or any other permanent error returns
// immediately so the caller can advance the plan.
func (g *Gateway) attempt(ctx context.Context, t Transport, model string, req *PromptRequest) (string, error) {
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		text, err := t.Generate(ctx, model, req)
		if err == nil {
			metrics.AIAttemptsTotal.WithLabelValues(model, t.Name(), "success").Inc()
			return text, nil
		}
		metrics.AIAttemptsTotal.WithLabelValues(model, t.Name(), "error").Inc()
		lastErr = err
		if !isTransient(err) || i == maxAttempts-1 {
			return "", err
		}
		delay := baseRetryDelay << i
		log.Warn().Err(err).Str("model", model).Str("transport", t.Name()).
			Int("attempt", i+1).Dur("backoff", delay).Msg("transient upstream failure, retrying")
		if serr := g.sleep(ctx, delay); serr != nil {
			return "", serr
		}
	}
	return "", lastErr
}

// resolveModels probes the model-listing endpoint, caching a successful
// answer for the process lifetime. A failed or empty probe falls back to
// the static known-good list and is not cached.
func (g *Gateway) resolveModels(ctx context.Context) []string {
	g.mu.Lock()
	if g.cachedModels != nil {
		cached := g.cachedModels
		g.mu.Unlock()
		return cached
	}
	g.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, modelListTimeout)
	defer cancel()
	models, err := g.listModels(lctx)
	if err != nil || len(models) == 0 {
		log.Warn().Err(err).Msg("could not fetch available models, using defaults")
		return g.fallbackModels
	}

	g.mu.Lock()
	g.cachedModels = models
	g.mu.Unlock()
	return models
}

// Models exposes the resolved candidate list for the models endpoint.
func (g *Gateway) Models(ctx context.Context) []string {
	return g.resolveModels(ctx)
}

// buildPrompt converts the transcript into upstream format. A leading
// ai-authored greeting is synthetic UI chrome and gets dropped. With no
// prior history the system instruction is folded into the outgoing text;
// otherwise it is seeded as a synthetic first exchange.
func buildPrompt(messages []Message) (*PromptRequest, error) {
	if len(messages) > 0 && messages[0].Role == RoleAI {
		messages = messages[1:]
	}
	if len(messages) == 0 || messages[len(messages)-1].Role != RoleUser {
		return nil, apperr.Validation("last message must be from user")
	}

	prior := messages[:len(messages)-1]
	text := messages[len(messages)-1].Content

	req := &PromptRequest{System: systemInstruction}
	if len(prior) == 0 {
		req.Text = systemInstruction + "\n\nUser: " + text
		return req, nil
	}

	req.Text = text
	req.History = append(req.History,
		promptTurn{Role: "user", Text: systemInstruction},
		promptTurn{Role: "model", Text: systemAck},
	)
	for _, m := range prior {
		role := "model"
		if m.Role == RoleUser {
			role = "user"
		}
		req.History = append(req.History, promptTurn{Role: role, Text: m.Content})
	}
	return req, nil
}

func classifyExhausted(lastErr error, models []string) error {
	if lastErr == nil {
		lastErr = errors.New("no candidate models")
	}
	if isTransient(lastErr) {
		return apperr.Upstream("the AI service is currently overloaded, please try again in a few moments", lastErr)
	}
	return apperr.Upstream(
		fmt.Sprintf("none of the available models (%s) are accessible with this API key; check the key and its permissions, or consult the models endpoint", strings.Join(models, ", ")),
		lastErr,
	)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
