package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HistoryEntry is the short-term context sent alongside a question:
// role and content only, newest last.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AskRequest struct {
	Question        string         `json:"question"`
	SessionID       string         `json:"session_id"`
	History         []HistoryEntry `json:"conversation_history"`
	MaxResults      int            `json:"max_results"`
	ModelPreference string         `json:"model_preference,omitempty"`
}

type AskResponse struct {
	Answer  string
	Sources []string
	Usage   *Usage
}

// Usage is the optional token/cost block some backends attach to an answer.
type Usage struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

type Config struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

// Ask posts the question to the question-answering API, retrying temporary
// failures with exponential backoff. The overall deadline comes from ctx.
func (c *Client) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return AskResponse{}, err
	}
	if req.History == nil {
		req.History = []HistoryEntry{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return AskResponse{}, fmt.Errorf("marshal ask payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, endpointURL, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return AskResponse{}, ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}

	return AskResponse{}, lastErr
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (out AskResponse, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return AskResponse{}, false, fmt.Errorf("build ask request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.BearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return AskResponse{}, false, ctx.Err()
		}
		return AskResponse{}, true, fmt.Errorf("ask request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return AskResponse{}, false, fmt.Errorf("read ask response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return AskResponse{}, true, fmt.Errorf("inference temporary status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return AskResponse{}, false, fmt.Errorf("inference status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	out, err = parseAskResponse(respBody)
	if err != nil {
		return AskResponse{}, false, err
	}
	return out, false, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("inference base url is empty")
	}
	if strings.HasSuffix(base, "/api/chat/ask") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse inference base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/chat/ask"
	return u.String(), nil
}

// parseAskResponse accepts both the synthesis_response envelope and the flat
// {response, sources} shape.
func parseAskResponse(body []byte) (AskResponse, error) {
	var envelope struct {
		SynthesisResponse *payload `json:"synthesis_response"`
		payload
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return AskResponse{}, fmt.Errorf("decode ask response: %w", err)
	}

	p := envelope.payload
	if envelope.SynthesisResponse != nil {
		p = *envelope.SynthesisResponse
	}
	if p.Sources == nil {
		p.Sources = []string{}
	}
	return AskResponse{Answer: p.Response, Sources: p.Sources, Usage: p.Usage}, nil
}

type payload struct {
	Response string   `json:"response"`
	Sources  []string `json:"sources"`
	Usage    *Usage   `json:"usage"`
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
