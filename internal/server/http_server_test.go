package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/obby/reload-hub/internal/events"
	"github.com/obby/reload-hub/internal/history"
	"github.com/obby/reload-hub/internal/hub"
	"github.com/obby/reload-hub/internal/service"
	"github.com/obby/reload-hub/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	entries []history.Entry
	err     error
	limit   int
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	f.limit = limit
	return f.entries, f.err
}

type testEnv struct {
	hub      *hub.Hub
	reloader *service.Reloader
	recorder *events.Recorder
	http     *httptest.Server
}

func newTestEnv(t *testing.T, store HistoryReader) *testEnv {
	t.Helper()

	h := hub.New()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	rec := events.NewRecorder()
	reloader, err := service.New(events.Tee(h, rec), stream.Options{})
	require.NoError(t, err)

	srv := NewHTTPServer("127.0.0.1:0", h, reloader, store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{hub: h, reloader: reloader, recorder: rec, http: ts}
}

func (e *testEnv) waitForClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.hub.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.reloader.RunBatch([]string{"index.html"}, stream.Options{})
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["clients"])
	assert.EqualValues(t, 1, body["batches"])
	assert.EqualValues(t, 1, body["full_reloads"])
}

func TestReload_RunsBatch(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.http.URL+"/api/reload", "application/json",
		strings.NewReader(`{"paths":["css/a.css","b.js","c.html"],"match":"**/*.css"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var summary service.BatchSummary
	decodeBody(t, resp, &summary)
	assert.Equal(t, service.BatchSummary{Accepted: 1, Changed: []string{"a.css"}}, summary)
	assert.Equal(t, []events.Name{events.FileChanged, events.FileReload, events.StreamChanged}, env.recorder.Names())
}

func TestReload_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"paths":`},
		{"no paths", `{"paths":[]}`},
		{"bad match", `{"paths":["a.css"],"match":"[oops"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(env.http.URL+"/api/reload", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body map[string]string
			decodeBody(t, resp, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Zero(t, env.recorder.Len())
}

func TestReload_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.http.URL + "/api/reload")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	store := &fakeHistory{entries: []history.Entry{
		{Seq: 2, Name: events.BrowserReload},
		{Seq: 1, Name: events.StreamChanged, Payload: json.RawMessage(`{"changed":["a.js"]}`)},
	}}
	env := newTestEnv(t, store)

	resp, err := http.Get(env.http.URL + "/api/history?limit=5")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Events []history.Entry `json:"events"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Events, 2)
	assert.Equal(t, events.BrowserReload, body.Events[0].Name)
	assert.JSONEq(t, `{"changed":["a.js"]}`, string(body.Events[1].Payload))
	assert.Equal(t, 5, store.limit)
}

func TestHistory_Errors(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil)
		resp, err := http.Get(env.http.URL + "/api/history")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad limit", func(t *testing.T) {
		env := newTestEnv(t, &fakeHistory{})
		resp, err := http.Get(env.http.URL + "/api/history?limit=abc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("store failure", func(t *testing.T) {
		env := newTestEnv(t, &fakeHistory{err: errors.New("boom")})
		resp, err := http.Get(env.http.URL + "/api/history")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSE_StreamsPublicEvents(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Equal(t, "connected", readSSE(t, r).name)

	_, err = env.reloader.RunBatch([]string{"index.html"}, stream.Options{})
	require.NoError(t, err)

	// _browser:reload is internal and must not reach the browser
	var names []string
	for i := 0; i < 3; i++ {
		names = append(names, readSSE(t, r).name)
	}
	assert.Equal(t, []string{"file:changed", "stream:changed", "browser:reload"}, names)
}

func TestSSE_TopicFilter(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.http.URL+"/sse?topics=file:reload,browser:reload", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	readSSE(t, r)

	_, err = env.reloader.RunBatch([]string{"a.css", "b.js"}, stream.Options{})
	require.NoError(t, err)

	first := readSSE(t, r)
	assert.Equal(t, "file:reload", first.name)
	var msg hub.Message
	require.NoError(t, json.Unmarshal([]byte(first.data), &msg))
	assert.JSONEq(t, `{"path":"a.css","basename":"a.css","ext":"css","type":"inject","event":"change","log":false}`, string(msg.Data))

	assert.Equal(t, "browser:reload", readSSE(t, r).name)
}

func TestSSE_UnregistersOnDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	readSSE(t, bufio.NewReader(resp.Body))
	env.waitForClients(t, 1)

	cancel()
	resp.Body.Close()
	env.waitForClients(t, 0)
}

func TestWebSocket_StreamsAndSubscribes(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?topics=stream:changed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	env.waitForClients(t, 1)

	_, err = env.reloader.RunBatch([]string{"a.css"}, stream.Options{})
	require.NoError(t, err)

	var msg hub.Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "stream:changed", msg.Event)
	assert.JSONEq(t, `{"changed":["a.css"]}`, string(msg.Data))

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "topic": "browser:reload"}))

	// The subscription lands asynchronously. Each round runs a reload batch
	// followed by a css batch and reads up to the second stream:changed.
	require.Eventually(t, func() bool {
		if _, err := env.reloader.RunBatch([]string{"page.html"}, stream.Options{}); err != nil {
			return false
		}
		if _, err := env.reloader.RunBatch([]string{"b.css"}, stream.Options{}); err != nil {
			return false
		}

		sawReload := false
		for seen := 0; seen < 2; {
			var m hub.Message
			if err := conn.ReadJSON(&m); err != nil {
				return false
			}
			switch m.Event {
			case "stream:changed":
				seen++
			case "browser:reload":
				sawReload = true
			}
		}
		return sawReload
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_UnregistersOnClose(t *testing.T) {
	env := newTestEnv(t, nil)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	env.waitForClients(t, 1)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	env.waitForClients(t, 0)
}

func TestParseTopics(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sse?topics=a,%20b,,c&topics=d", nil)
	assert.Equal(t, []string{"a", "b", "c", "d"}, parseTopics(req))

	req = httptest.NewRequest(http.MethodGet, "/sse", nil)
	assert.Empty(t, parseTopics(req))
}
