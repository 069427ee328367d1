package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/knowledge-agent/internal/errors"
)

func TestHTTPClient_Request(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ask", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"answer":"42","response_id":"resp_1"}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", zerolog.Nop(), WithToken("secret"))
	resp, err := c.Request(context.Background(), &Request{
		TenantID:           "acme",
		Prompt:             "what?",
		PreviousResponseID: "resp_0",
		NonBillable:        true,
		ToolName:           "ask_fast",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", resp.Answer)
	assert.Equal(t, "resp_1", resp.ResponseID)
	assert.Equal(t, "acme", got.TenantID)
	assert.True(t, got.NonBillable)
	assert.Equal(t, "resp_0", got.PreviousResponseID)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"overloaded"}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, zerolog.Nop())
	_, err := c.Request(context.Background(), &Request{Prompt: "q"})
	require.Error(t, err)

	var apiErr *perrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "overloaded", apiErr.Message)
	assert.True(t, perrors.IsRetryable(err))
}

func TestHTTPClient_RequestStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ask/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: status\ndata: {\"type\":\"status\",\"text\":\"searching\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"done\",\"data\":{\"answer\":\"Hello\",\"response_id\":\"resp_9\"}}\n\n")
	}))
	defer srv.Close()

	var events []Event
	c := NewHTTPClient(srv.URL, zerolog.Nop())
	resp, err := c.RequestStreaming(context.Background(), &Request{Prompt: "q"}, func(ev Event) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Answer)
	assert.Equal(t, "resp_9", resp.ResponseID)
	require.Len(t, events, 3)
	assert.Equal(t, "status", events[0].Type)
	assert.Equal(t, "lo", events[2].Text)
}

func TestHTTPClient_RequestStreaming_NoDoneEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"delta\",\"text\":\"partial\"}\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, zerolog.Nop())
	resp, err := c.RequestStreaming(context.Background(), &Request{Prompt: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", resp.Answer)
	assert.Empty(t, resp.ResponseID)
}

func TestHTTPClient_RequestStreaming_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\",\"text\":\"tool crashed\"}\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, zerolog.Nop())
	_, err := c.RequestStreaming(context.Background(), &Request{Prompt: "q"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool crashed")
}
