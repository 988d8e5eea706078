package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raihanakbr/call-relay/internal/errs"
	"github.com/raihanakbr/call-relay/internal/session"
)

func testRecord() session.Record {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	return session.Record{
		CallID:    "CA1",
		StartedAt: started,
		EndedAt:   &ended,
		Transcript: []session.Entry{
			{Speaker: session.SpeakerAgent, Text: "Hello", Timestamp: started},
			{Speaker: session.SpeakerCaller, Text: "Hi, I'm Mario", Timestamp: started.Add(time.Second)},
		},
		Fields: map[string]any{"name": "Mario", "urgency": 3},
	}
}

func TestHTTPNotifier_PostsSummary(t *testing.T) {
	var got map[string]any
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second, nil)
	require.NoError(t, n.Notify(context.Background(), testRecord()))

	assert.Equal(t, 1, requests)
	assert.Equal(t, "CA1", got["callId"])
	assert.Equal(t, "2026-03-01T10:00:00Z", got["startedAt"])
	assert.Equal(t, "2026-03-01T10:01:30Z", got["endedAt"])
	assert.Len(t, got["transcript"], 2)
	assert.Equal(t, map[string]any{"name": "Mario", "urgency": float64(3)}, got["fields"])
}

func TestHTTPNotifier_NoRetryOnFailure(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, time.Second, nil)
	err := n.Notify(context.Background(), testRecord())

	var nerr *errs.NotifyError
	require.True(t, errors.As(err, &nerr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, nerr.StatusCode)
	assert.Equal(t, 1, requests)
}

func TestHTTPNotifier_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPNotifier(url, time.Second, nil).Notify(context.Background(), testRecord())
	var nerr *errs.NotifyError
	require.True(t, errors.As(err, &nerr), "got %v", err)
	assert.Zero(t, nerr.StatusCode)
}

func TestHTTPNotifier_NoEndpoint(t *testing.T) {
	n := NewHTTPNotifier("", time.Second, nil)
	assert.NoError(t, n.Notify(context.Background(), testRecord()))
}
