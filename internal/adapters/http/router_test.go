package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Party/internal/adapters/signal"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/config"
	"github.com/dkeye/Party/internal/core/coretest"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*gin.Engine, *app.SessionManager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>party</h1>"), 0o600))

	mgr := app.NewSessionManager(&coretest.RouterFactory{}, app.NewRegistry(), app.Options{})
	t.Cleanup(mgr.Close)
	cfg := &config.Config{Mode: "test", StaticPath: static, Secret: "s3cret"}
	ctl := signal.NewSignalWSController(mgr, signal.Options{})
	return SetupRouter(context.Background(), cfg, mgr, ctl), mgr
}

func TestStatusNeverExposesSessionID(t *testing.T) {
	r, mgr := setup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/party/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active":false,"listenerCount":0,"currentTrack":null,"isPlaying":false}`, w.Body.String())

	sid, _, err := mgr.CreateSession(context.Background(), &coretest.Conn{}, "")
	require.NoError(t, err)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/party/status", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["active"])
	assert.NotContains(t, w.Body.String(), string(sid))
	assert.NotContains(t, body, "sessionId")
}

func TestClientTokenCookie(t *testing.T) {
	r, _ := setup(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == "ct" {
			token = c.Value
		}
	}
	require.NotEmpty(t, token)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.AddCookie(&http.Cookie{Name: "ct", Value: token})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		assert.NotEqual(t, "ct", c.Name)
	}
}

func TestIndexServed(t *testing.T) {
	r, _ := setup(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "party")
}

func TestEventsStreamStatusChanges(t *testing.T) {
	r, mgr := setup(t)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/party/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := bufio.NewScanner(resp.Body)
	nextStatus := func() app.Status {
		for lines.Scan() {
			line := lines.Text()
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				var st app.Status
				require.NoError(t, json.Unmarshal([]byte(data), &st))
				return st
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return app.Status{}
	}

	assert.False(t, nextStatus().Active)

	host := &coretest.Conn{}
	sid, _, err := mgr.CreateSession(context.Background(), host, "")
	require.NoError(t, err)
	assert.True(t, nextStatus().Active)

	require.NoError(t, mgr.UpdatePlayback(sid, protocol.Message{Type: protocol.TypeResume}))
	assert.True(t, nextStatus().IsPlaying)

	require.NoError(t, mgr.EndSession(sid, "ended"))
	assert.False(t, nextStatus().Active)
}
