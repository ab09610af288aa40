package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Transport is one calling convention against the generative language
// upstream. The gateway sweeps every candidate model on each transport in
// order, so the SDK and raw REST paths stay interchangeable.
type Transport interface {
	Name() string
	Generate(ctx context.Context, model string, req *PromptRequest) (string, error)
}

type promptTurn struct {
	Role string // "user" or "model"
	Text string
}

type PromptRequest struct {
	History []promptTurn
	Text    string
	System  string
}

// sdkTransport drives the official genai client.
type sdkTransport struct {
	client *genai.Client
}

func (t *sdkTransport) Name() string { return "sdk" }

func (t *sdkTransport) Generate(ctx context.Context, model string, req *PromptRequest) (string, error) {
	m := t.client.GenerativeModel(model)
	chat := m.StartChat()
	for _, turn := range req.History {
		chat.History = append(chat.History, &genai.Content{
			Role:  turn.Role,
			Parts: []genai.Part{genai.Text(turn.Text)},
		})
	}

	resp, err := chat.SendMessage(ctx, genai.Text(req.Text))
	if err != nil {
		return "", fmt.Errorf("gemini SendMessage failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("no candidates in upstream response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no text in upstream response")
	}
	return sb.String(), nil
}

// restTransport calls the v1beta REST endpoints directly. It exists because
// SDK support varies per API key tier; when the SDK sweep exhausts every
// model the same requests are retried on this path.
type restTransport struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newRESTTransport(apiKey, baseURL string, client *http.Client) *restTransport {
	return &restTransport{apiKey: apiKey, baseURL: baseURL, httpClient: client}
}

func (t *restTransport) Name() string { return "rest" }

type restPart struct {
	Text string `json:"text"`
}

type restContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []restPart `json:"parts"`
}

func (t *restTransport) Generate(ctx context.Context, model string, req *PromptRequest) (string, error) {
	contents := make([]restContent, 0, len(req.History)+1)
	for _, turn := range req.History {
		contents = append(contents, restContent{Role: turn.Role, Parts: []restPart{{Text: turn.Text}}})
	}
	contents = append(contents, restContent{Role: "user", Parts: []restPart{{Text: req.Text}}})

	payload := struct {
		Contents          []restContent `json:"contents"`
		SystemInstruction *restContent  `json:"systemInstruction,omitempty"`
	}{
		Contents: contents,
	}
	if req.System != "" {
		payload.SystemInstruction = &restContent{Parts: []restPart{{Text: req.System}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding generateContent request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", t.baseURL, url.PathEscape(model), url.QueryEscape(t.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generateContent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []restPart `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding generateContent response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no text in upstream response")
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", errors.New("no text in upstream response")
	}
	return sb.String(), nil
}

// ListModels queries the model-listing endpoint and keeps identifiers that
// support generateContent, with the "models/" prefix stripped.
func (t *restTransport) ListModels(ctx context.Context) ([]string, error) {
	endpoint := fmt.Sprintf("%s/models?key=%s", t.baseURL, url.QueryEscape(t.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model listing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	var out struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding model list: %w", err)
	}

	var models []string
	for _, m := range out.Models {
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				models = append(models, strings.TrimPrefix(m.Name, "models/"))
				break
			}
		}
	}
	return models, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("generativelanguage: status %d: %s", e.code, e.body)
}

// statusCode pulls an HTTP status out of SDK (googleapi) and REST errors.
func statusCode(err error) (int, bool) {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code, true
	}
	return 0, false
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := statusCode(err); ok && (code == http.StatusServiceUnavailable || code == http.StatusTooManyRequests) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "503") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "try again later")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := statusCode(err); ok && code == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}
