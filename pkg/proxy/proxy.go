// Package proxy implements the upstream model-provider proxy (spec §4.5):
// unary forwarding through the circuit breaker, and a cancellable SSE
// streaming relay that meters usage from the terminal frame.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/pkg/breaker"
)

const defaultCallTimeout = 300 * time.Second

// Usage is the token usage block surfaced by both unary and streamed calls.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	Estimated        bool
}

// Client forwards chat/embeddings requests to the upstream provider.
type Client struct {
	httpClient *http.Client
	breaker    *breaker.Breaker
	apiBase    string
	apiKey     string
}

func New(br *breaker.Breaker, apiBase, apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultCallTimeout},
		breaker:    br,
		apiBase:    apiBase,
		apiKey:     apiKey,
	}
}

// UnaryResult is what Unary returns on success.
type UnaryResult struct {
	StatusCode int
	Body       []byte
	Usage      Usage
	ModelUsed  string
}

// Unary forwards body to path (e.g. "/chat/completions" or "/embeddings")
// through the circuit breaker with the spec's 300s ceiling, rewriting
// authorization to the upstream credentials. Upstream status handling
// follows §4.5: 401→502, 429→429, >=500→502, other 4xx pass through.
func (c *Client) Unary(ctx context.Context, path string, body []byte, headers http.Header, modelID string) (*UnaryResult, error) {
	var result *UnaryResult

	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		propagateHeaders(req, headers)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}

		usage := parseUsage(respBody)
		result = &UnaryResult{StatusCode: resp.StatusCode, Body: respBody, Usage: usage, ModelUsed: modelID}
		return nil
	})

	if err != nil {
		if err == breaker.ErrOpen {
			return nil, apierr.Integration("upstream circuit breaker is open").WithStatus(http.StatusServiceUnavailable)
		}
		return nil, apierr.Wrap(apierr.CodeIntegration, "upstream call failed", err)
	}

	switch {
	case result.StatusCode == http.StatusUnauthorized:
		return nil, apierr.Integration("upstream rejected credentials").WithStatus(http.StatusBadGateway)
	case result.StatusCode == http.StatusTooManyRequests:
		return nil, apierr.RateLimited("upstream rate limit exceeded").WithStatus(http.StatusTooManyRequests)
	}
	return result, nil
}

// propagateHeaders copies a safe allowlist of inbound headers to the
// upstream request (never Authorization/X-API-Key — those are rewritten).
func propagateHeaders(req *http.Request, headers http.Header) {
	for _, k := range []string{"Accept", "Accept-Encoding", "User-Agent", "X-Request-Id"} {
		if v := headers.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}
}

type usageEnvelope struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func parseUsage(body []byte) Usage {
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Usage == nil {
		return Usage{}
	}
	return Usage{PromptTokens: env.Usage.PromptTokens, CompletionTokens: env.Usage.CompletionTokens}
}

// Frame is one relayed SSE event, pre-split into its "data:" payload.
type Frame struct {
	Data []byte
	Done bool
}

// StreamResult is returned once the terminal frame has been observed.
type StreamResult struct {
	Usage Usage
}

// Stream opens an SSE connection to path and relays frames verbatim onto
// frames, a small bounded channel (spec §5: ≈16 frames) so a slow client
// exerts backpressure on upstream reads. It returns once the terminal
// [DONE] frame is seen or ctx is cancelled (client disconnect aborts the
// upstream request within one SSE read cycle).
func (c *Client) Stream(ctx context.Context, path string, body []byte, headers http.Header, frames chan<- Frame, assistantTextEstimator func([]byte) int64) (StreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return StreamResult{}, apierr.Wrap(apierr.CodeIntegration, "building upstream stream request", err)
	}
	propagateHeaders(req, headers)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StreamResult{}, apierr.Wrap(apierr.CodeIntegration, "upstream stream call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return StreamResult{}, apierr.Integration(fmt.Sprintf("upstream stream returned %d: %s", resp.StatusCode, string(body)))
	}

	var result StreamResult
	var assistantText bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

scanLoop:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			select {
			case frames <- Frame{Done: true}:
			case <-ctx.Done():
				return result, ctx.Err()
			}
			break scanLoop
		}

		if usage := parseUsage([]byte(payload)); usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
			result.Usage = usage
		} else {
			assistantText.Write(extractDeltaText([]byte(payload)))
		}

		select {
		case frames <- Frame{Data: []byte(payload)}:
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return result, apierr.Wrap(apierr.CodeIntegration, "reading upstream stream", err)
	}

	if result.Usage.PromptTokens == 0 && result.Usage.CompletionTokens == 0 && assistantTextEstimator != nil {
		result.Usage = Usage{CompletionTokens: assistantTextEstimator(assistantText.Bytes()), Estimated: true}
	}
	return result, nil
}

type deltaEnvelope struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func extractDeltaText(payload []byte) []byte {
	var env deltaEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil
	}
	var out bytes.Buffer
	for _, c := range env.Choices {
		out.WriteString(c.Delta.Content)
	}
	return out.Bytes()
}

// EstimateTokens is the deterministic tokeniser approximation used as a
// best-effort fallback when a stream ends without a usage block (spec
// §4.5): roughly 4 characters per token, matching the common rule-of-thumb
// ratio for English text without requiring a real BPE tokenizer dependency.
func EstimateTokens(text []byte) int64 {
	n := len(bytes.TrimSpace(text))
	if n == 0 {
		return 0
	}
	tokens := n / 4
	if tokens == 0 {
		tokens = 1
	}
	return int64(tokens)
}
