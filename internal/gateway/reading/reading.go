// Package reading gates premium reading generation behind a paid
// entitlement. The generator is an external collaborator; this package only
// decides whether it may be called and relays its result.
package reading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/funnelgate/pkg/entitlements"
)

// DefaultTimeout bounds a single generator call.
const DefaultTimeout = 90 * time.Second

const generatorResponseLimit = 1024 * 1024

// QuizAnswer is one answered quiz question.
type QuizAnswer struct {
	QuestionID string `json:"questionId"`
	AnswerID   string `json:"answerId"`
	AnswerText string `json:"answerText"`
}

// Profile is the funnel-collected data passed through to the generator.
type Profile struct {
	Name           string          `json:"name"`
	Age            string          `json:"age"`
	EmotionalState string          `json:"emotionalState"`
	MainConcern    string          `json:"mainConcern"`
	QuizAnswers    []QuizAnswer    `json:"quizAnswers"`
	AnalysisResult json.RawMessage `json:"analysisResult,omitempty"`
}

// Request is what the generator receives.
type Request struct {
	SessionID    string                    `json:"session_id"`
	PaidProducts []entitlements.Capability `json:"paidProducts"`
	Profile      Profile                   `json:"profile"`
}

// Generator produces reading text.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// HTTPGenerator calls a remote generation service that accepts a JSON Request
// and answers {"reading": "..."}.
type HTTPGenerator struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPGenerator returns a generator posting to url. token, when set, is
// sent as a bearer credential.
func NewHTTPGenerator(url, token string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPGenerator{
		url:    strings.TrimSpace(url),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: timeout},
	}
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode generation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call generator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, generatorResponseLimit))
	if err != nil {
		return "", fmt.Errorf("read generator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("generator returned status %d", resp.StatusCode)
	}

	var out struct {
		Reading string `json:"reading"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode generator response: %w", err)
	}
	if strings.TrimSpace(out.Reading) == "" {
		return "", errors.New("generator returned an empty reading")
	}
	return out.Reading, nil
}
