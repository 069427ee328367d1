// Package backend is the HTTP client for the "ask agent" inference service.
package backend

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

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/knowledge-agent/internal/errors"
)

// Reasoning effort levels understood by the backend.
const (
	ReasoningMinimal = "minimal"
	ReasoningLow     = "low"
)

// OutputFormatJSON asks the backend for a bare JSON object.
const OutputFormatJSON = "json"

// Request is one call to the inference backend.
type Request struct {
	TenantID           string   `json:"tenant_id"`
	Prompt             string   `json:"prompt"`
	UserEmail          string   `json:"user_email,omitempty"`
	Files              []File   `json:"files,omitempty"`
	PreviousResponseID string   `json:"previous_response_id,omitempty"`
	PermissionAudience string   `json:"permission_audience,omitempty"`
	NonBillable        bool     `json:"non_billable"`
	ReasoningEffort    string   `json:"reasoning_effort,omitempty"`
	Verbosity          string   `json:"verbosity,omitempty"`
	ToolName           string   `json:"tool_name,omitempty"`
	DisableTools       bool     `json:"disable_tools,omitempty"`
	WriteTools         []string `json:"write_tools,omitempty"`
	OutputFormat       string   `json:"output_format,omitempty"`
}

// File is an attachment forwarded with the question.
type File struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url"`
}

// Response is the final backend result.
type Response struct {
	Answer     string `json:"answer"`
	ResponseID string `json:"response_id"`
}

// Event is one intermediate streaming event (tool call, partial text, status).
type Event struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event types with special meaning to the client.
const (
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// Client calls the inference backend.
type Client interface {
	Request(ctx context.Context, req *Request) (*Response, error)
	RequestStreaming(ctx context.Context, req *Request, onEvent func(Event)) (*Response, error)
}

// HTTPClient implements Client over JSON/HTTP with Server-Sent Events for streaming.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithToken sets the bearer token sent with every call.
func WithToken(token string) Option {
	return func(h *HTTPClient) { h.token = token }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) { h.client.Timeout = d }
}

// NewHTTPClient creates a backend client rooted at baseURL.
func NewHTTPClient(baseURL string, logger zerolog.Logger, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger.With().Str("component", "backend").Logger(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *HTTPClient) post(ctx context.Context, path string, req *Request, accept string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend http: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		return nil, perrors.NewAPIError("backend", resp.StatusCode, msg)
	}
	return resp, nil
}

// Request sends a blocking request.
func (h *HTTPClient) Request(ctx context.Context, req *Request) (*Response, error) {
	resp, err := h.post(ctx, "/v1/ask", req, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	h.logger.Debug().
		Str("tenant", req.TenantID).
		Str("tool", req.ToolName).
		Str("response_id", out.ResponseID).
		Int("answer_len", len(out.Answer)).
		Msg("backend request complete")
	return &out, nil
}

// RequestStreaming sends a request and forwards every intermediate event to
// onEvent. The "done" event carries the final Response.
func (h *HTTPClient) RequestStreaming(ctx context.Context, req *Request, onEvent func(Event)) (*Response, error) {
	resp, err := h.post(ctx, "/v1/ask/stream", req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		text  strings.Builder
		final *Response
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			h.logger.Debug().Err(err).Msg("skipping malformed stream event")
			continue
		}

		switch ev.Type {
		case EventDone:
			var r Response
			if err := json.Unmarshal(ev.Data, &r); err != nil {
				return nil, fmt.Errorf("decode final event: %w", err)
			}
			final = &r
		case EventError:
			return nil, fmt.Errorf("backend stream error: %s", ev.Text)
		default:
			if ev.Type == EventDelta {
				text.WriteString(ev.Text)
			}
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	if final == nil {
		if text.Len() == 0 {
			return nil, fmt.Errorf("backend stream ended without a result")
		}
		final = &Response{Answer: text.String()}
	}
	if final.Answer == "" {
		final.Answer = text.String()
	}
	return final, nil
}
