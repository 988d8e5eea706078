package websocket

import (
	"context"
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raihanakbr/call-relay/internal/metrics"
	"github.com/raihanakbr/call-relay/internal/notify"
	"github.com/raihanakbr/call-relay/internal/realtime"
	"github.com/raihanakbr/call-relay/internal/relay"
	"github.com/raihanakbr/call-relay/internal/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAIService stands in for the realtime API.
type fakeAIService struct {
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
}

func newFakeAIService(t *testing.T) *fakeAIService {
	t.Helper()
	f := &fakeAIService{
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg map[string]any
				if json.Unmarshal(data, &msg) == nil {
					f.received <- msg
				}
			}
		}()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAIService) nextType(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-f.received:
		typ, _ := msg["type"].(string)
		return typ
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for AI-bound message")
		return ""
	}
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	store    *session.Store
	ai       *fakeAIService
	webhook  chan map[string]any
	registry *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    session.NewStore(quietLogger()),
		ai:       newFakeAIService(t),
		webhook:  make(chan map[string]any, 4),
		registry: prometheus.NewRegistry(),
	}

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		env.webhook <- body
	}))
	t.Cleanup(hook.Close)

	client := &realtime.Client{
		URL:    "ws" + strings.TrimPrefix(env.ai.srv.URL, "http"),
		APIKey: "sk-test",
		Logger: quietLogger(),
	}
	env.server = NewServer(Options{
		PublicHost: "relay.example.com",
		Relay: relay.Config{
			Instructions:   "be helpful",
			Greeting:       "greet",
			Closing:        "goodbye",
			ConnectTimeout: 2 * time.Second,
			NotifyTimeout:  2 * time.Second,
		},
		Store:     env.store,
		Connector: relay.RealtimeConnector(client),
		Notifier:  notify.NewHTTPNotifier(hook.URL, 2*time.Second, quietLogger()),
		Metrics:   metrics.New(env.registry),
		Gatherer:  env.registry,
		Logger:    quietLogger(),
	})
	env.http = httptest.NewServer(env.server.Routes())
	t.Cleanup(env.http.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		env.server.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) dialMedia(t *testing.T, callID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.http.URL, "http")+"/media/"+callID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_CallStartedReturnsStreamURL(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/calls/start?callId=CA42", "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `<Stream url="wss://relay.example.com/media/CA42"/>`)

	_, ok := env.store.Get("CA42")
	assert.True(t, ok, "session should exist before the media stream connects")
}

var streamURLPattern = regexp.MustCompile(`<Stream url="([^"]+)"/>`)

// startCall runs the call-start hand-off and returns the media URL it
// points at, rebased onto the test server.
func (e *testEnv) startCall(t *testing.T, callID string) string {
	t.Helper()
	resp, err := http.PostForm(e.http.URL+"/calls/start", url.Values{"callId": {callID}})
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	m := streamURLPattern.FindSubmatch(body)
	require.NotNil(t, m, "no stream url in %s", body)
	streamURL, err := url.Parse(html.UnescapeString(string(m[1])))
	require.NoError(t, err)
	assert.Equal(t, "relay.example.com", streamURL.Host)
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + streamURL.EscapedPath()
}

func TestServer_CallIDWithReservedCharacters(t *testing.T) {
	for _, callID := range []string{"call 1", "a/b", "100%"} {
		t.Run(callID, func(t *testing.T) {
			env := newTestEnv(t)
			mediaURL := env.startCall(t, callID)
			require.Equal(t, 1, env.store.Len())

			caller, _, err := websocket.DefaultDialer.Dial(mediaURL, nil)
			require.NoError(t, err)
			defer caller.Close()

			require.NoError(t, caller.WriteJSON(map[string]any{"event": "start", "start": map[string]any{"streamSid": "SX1"}}))
			assert.Equal(t, "session.update", env.ai.nextType(t))
			assert.Equal(t, "response.create", env.ai.nextType(t))
			// the relay picked up the session created at call start
			assert.Equal(t, 1, env.store.Len())
			_, ok := env.store.Get(callID)
			assert.True(t, ok)

			require.NoError(t, caller.WriteJSON(map[string]any{"event": "stop"}))
			select {
			case body := <-env.webhook:
				assert.Equal(t, callID, body["callId"])
			case <-time.After(3 * time.Second):
				t.Fatal("summary was never delivered")
			}
			assert.Equal(t, 0, env.store.Len())
		})
	}
}

func TestServer_RejectsCallsAfterShutdown(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.http.URL, "http")+"/media/CA1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, env.store.Len())
}

func TestServer_CallStartedGeneratesID(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/calls/start")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.store.Len())
}

func TestServer_SessionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	sess := env.store.GetOrCreate("CA7")
	sess.AppendTranscript(session.SpeakerCaller, "hello")
	sess.MergeFields(map[string]any{"name": "Mario"})

	resp, err := http.Get(env.http.URL + "/api/session?call_id=CA7")
	require.NoError(t, err)
	var rec session.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, "CA7", rec.CallID)
	assert.Equal(t, "Mario", rec.Fields["name"])

	resp, err = http.Get(env.http.URL + "/api/transcripts?call_id=CA7")
	require.NoError(t, err)
	var transcripts map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&transcripts))
	resp.Body.Close()
	assert.Equal(t, float64(1), transcripts["count"])

	resp, err = http.Get(env.http.URL + "/api/session?call_id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/api/session")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "relay_calls_active")
}

func TestServer_FullCall(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dialMedia(t, "CA9")

	require.NoError(t, caller.WriteJSON(map[string]any{"event": "start", "start": map[string]any{"streamSid": "SX1"}}))

	// connect handshake, then the greeting
	assert.Equal(t, "session.update", env.ai.nextType(t))
	assert.Equal(t, "response.create", env.ai.nextType(t))

	var aiConn *websocket.Conn
	select {
	case aiConn = <-env.ai.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("AI service never connected")
	}

	require.NoError(t, aiConn.WriteJSON(map[string]any{"type": "response.audio.delta", "audio": "UklG"}))
	require.NoError(t, aiConn.WriteJSON(map[string]any{"type": "transcript.delta", "from": "agent", "text": "Hello!"}))
	require.NoError(t, aiConn.WriteJSON(map[string]any{"type": "extracted.fields", "fields": map[string]any{"name": "Mario"}}))
	require.NoError(t, aiConn.WriteJSON(map[string]any{"type": "extracted.fields", "fields": map[string]any{"urgency": 3}}))

	require.NoError(t, caller.SetReadDeadline(time.Now().Add(3*time.Second)))
	var out map[string]any
	require.NoError(t, caller.ReadJSON(&out))
	assert.Equal(t, "media", out["event"])
	assert.Equal(t, "SX1", out["streamSid"])
	assert.Equal(t, map[string]any{"payload": "UklG"}, out["media"])

	require.NoError(t, caller.WriteJSON(map[string]any{"event": "media", "media": map[string]any{"payload": "AAEC"}}))
	assert.Equal(t, "input_audio_buffer.append", env.ai.nextType(t))

	require.NoError(t, caller.WriteJSON(map[string]any{"event": "stop"}))
	assert.Equal(t, "input_audio_buffer.commit", env.ai.nextType(t))
	assert.Equal(t, "response.create", env.ai.nextType(t))

	select {
	case body := <-env.webhook:
		assert.Equal(t, "CA9", body["callId"])
		assert.Equal(t, map[string]any{"name": "Mario", "urgency": float64(3)}, body["fields"])
		transcript := body["transcript"].([]any)
		require.Len(t, transcript, 1)
		assert.Equal(t, "Hello!", transcript[0].(map[string]any)["text"])
		assert.NotEmpty(t, body["endedAt"])
	case <-time.After(3 * time.Second):
		t.Fatal("summary was never delivered")
	}

	// the relay closes the caller socket
	_, _, err := caller.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, env.store.Len())
}
