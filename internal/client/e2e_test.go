package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Party/internal/adapters/signal"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/core/coretest"
	"github.com/dkeye/Party/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr := app.NewSessionManager(&coretest.RouterFactory{}, app.NewRegistry(), app.Options{})
	ctl := signal.NewSignalWSController(mgr, signal.Options{})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("who"))
		ctl.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(mgr.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestEndToEnd_HostAndListenerOverWebSocket(t *testing.T) {
	url := startServer(t)
	ctx := context.Background()
	dial := WebSocketDialer(ConnOptions{RequestTimeout: 3 * time.Second})

	el := &fakeElement{}
	el.playing.Store(true)
	host := NewHostController(HostOptions{
		URL:       url + "?who=host",
		Dial:      dial,
		Media:     &fakeMedia{},
		Element:   el,
		Store:     NewStateStore(filepath.Join(t.TempDir(), "host.yaml")),
		PublicURL: "https://party.test",
	})
	t.Cleanup(host.Close)
	require.NoError(t, host.Start(ctx))
	require.Equal(t, HostProducing, host.State())
	require.NoError(t, host.OnTrackChange(ctx, &domain.Track{ID: "t1", Title: "Intro", Duration: 180}))

	sid, err := ParseInvite(host.InviteLink())
	require.NoError(t, err)

	out := &fakeOutput{}
	lc := NewListenerClient(ListenerOptions{
		URL:    url + "?who=listener",
		Dial:   dial,
		Media:  &fakeMedia{},
		Output: out,
		Store:  NewStateStore(filepath.Join(t.TempDir(), "listener.yaml")),
	})
	t.Cleanup(lc.Leave)
	require.NoError(t, lc.Connect(ctx, sid))
	assert.Equal(t, ListenerConsumerActive, lc.State())

	// joined carries the track, or the broadcast does if join won the race
	require.Eventually(t, func() bool {
		snap := lc.Snapshot()
		return snap.Track != nil && snap.Track.Title == "Intro" && snap.IsPlaying
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return host.ListenerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, host.OnPause())
	require.Eventually(t, func() bool { return !lc.Snapshot().IsPlaying }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, host.EndSession(ctx))
	assert.Equal(t, HostEnded, host.State())
	require.Eventually(t, func() bool { return lc.State() == ListenerEnded }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.EndReasonEnded, lc.EndReason())
}
