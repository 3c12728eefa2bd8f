package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/core/coretest"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	url string
	mgr *app.SessionManager
	clk *clock.Mock
}

func newHarness(t *testing.T, grace time.Duration, limiter *RateLimiter) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))

	mgr := app.NewSessionManager(&coretest.RouterFactory{}, app.NewRegistry(), app.Options{
		HostGracePeriod: grace,
		Clock:           clk,
	})
	ctl := NewSignalWSController(mgr, Options{Clock: clk, Limiter: limiter})

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", "token-1")
		ctl.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(mgr.Close)

	return &harness{
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		mgr: mgr,
		clk: clk,
	}
}

type wsClient struct {
	t *testing.T
	c *websocket.Conn
}

func (h *harness) dial(t *testing.T) *wsClient {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &wsClient{t: t, c: c}
}

func (w *wsClient) send(m protocol.Message) {
	w.t.Helper()
	f, err := protocol.Encode(m)
	require.NoError(w.t, err)
	require.NoError(w.t, w.c.WriteMessage(websocket.TextMessage, f))
}

func (w *wsClient) next() protocol.Message {
	w.t.Helper()
	require.NoError(w.t, w.c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := w.c.ReadMessage()
	require.NoError(w.t, err)
	m, err := protocol.Decode(data)
	require.NoError(w.t, err)
	return m
}

// expect skips messages until one of type typ arrives.
func (w *wsClient) expect(typ string) protocol.Message {
	w.t.Helper()
	for i := 0; i < 20; i++ {
		if m := w.next(); m.Type == typ {
			return m
		}
	}
	w.t.Fatalf("no %s message", typ)
	return protocol.Message{}
}

func (w *wsClient) request(m protocol.Message, typ string) protocol.Message {
	w.t.Helper()
	w.send(m)
	return w.expect(typ)
}

func hostUp(t *testing.T, host *wsClient) (domain.SessionID, string) {
	t.Helper()
	created := host.request(protocol.Message{Type: protocol.TypeCreateSession}, protocol.TypeSessionCreated)
	require.NotEmpty(t, created.SessionID)
	require.NotNil(t, created.RouterCapabilities)

	tr := host.request(protocol.Message{Type: protocol.TypeCreateProducerTransport}, protocol.TypeProducerTransportCreated)
	require.NotNil(t, tr.Transport)

	connected := host.request(protocol.Message{
		Type:           protocol.TypeConnectTransport,
		TransportID:    tr.Transport.ID,
		DTLSParameters: &core.DTLSParameters{Type: "offer", SDP: "v=0"},
	}, protocol.TypeTransportConnected)
	require.NotNil(t, connected.DTLSParameters)
	assert.Equal(t, "answer", connected.DTLSParameters.Type)

	produced := host.request(protocol.Message{
		Type:          protocol.TypeProduce,
		TransportID:   tr.Transport.ID,
		Kind:          core.KindAudio,
		RTPParameters: &core.RTPParameters{Codecs: []core.RTPCodec{coretest.OpusCodec}},
	}, protocol.TypeProduced)
	require.NotEmpty(t, produced.ProducerID)
	return created.SessionID, produced.ProducerID
}

func TestHostAndListenerEndToEnd(t *testing.T) {
	h := newHarness(t, 0, nil)
	host := h.dial(t)
	sid, pid := hostUp(t, host)

	listener := h.dial(t)
	joined := listener.request(protocol.Message{Type: protocol.TypeJoin, SessionID: sid}, protocol.TypeJoined)
	require.NotEmpty(t, joined.ListenerID)
	require.NotNil(t, joined.Snapshot)
	assert.Nil(t, joined.Snapshot.CurrentTrack)
	assert.False(t, joined.Snapshot.IsPlaying)

	count := host.expect(protocol.TypeListenerCount)
	require.NotNil(t, count.Count)
	assert.Equal(t, 1, *count.Count)

	tr := listener.request(protocol.Message{Type: protocol.TypeCreateConsumerTransport}, protocol.TypeConsumerTransportCreated)
	require.NotNil(t, tr.Transport)
	require.NotNil(t, tr.Transport.Offer)
	listener.request(protocol.Message{
		Type:           protocol.TypeConnectTransport,
		TransportID:    tr.Transport.ID,
		DTLSParameters: &core.DTLSParameters{Type: "answer", SDP: "v=0"},
	}, protocol.TypeTransportConnected)

	caps := coretest.OpusCaps()
	consumed := listener.request(protocol.Message{Type: protocol.TypeConsume, RTPCapabilities: &caps}, protocol.TypeConsumed)
	require.NotNil(t, consumed.Consumer)
	assert.True(t, consumed.Consumer.Paused)
	assert.Equal(t, pid, consumed.Consumer.ProducerID)

	resumed := listener.request(protocol.Message{Type: protocol.TypeResumeConsumer, ConsumerID: consumed.Consumer.ID}, protocol.TypeConsumerResumed)
	assert.Equal(t, consumed.Consumer.ID, resumed.ConsumerID)

	track := &domain.Track{ID: "t-1", Title: "Song", ArtistName: "Band", Duration: 200}
	host.send(protocol.Message{Type: protocol.TypeNowPlaying, Track: track})
	np := listener.expect(protocol.TypeNowPlaying)
	require.NotNil(t, np.Track)
	assert.Equal(t, domain.TrackID("t-1"), np.Track.ID)

	host.send(protocol.Position(12, 200))
	pos := listener.expect(protocol.TypePosition)
	assert.Equal(t, 12.0, *pos.CurrentTime)
	assert.Equal(t, 200.0, *pos.Duration)

	host.send(protocol.Message{Type: protocol.TypeEndSession})
	assert.Equal(t, domain.EndReasonEnded, host.expect(protocol.TypeSessionEnded).Reason)
	assert.Equal(t, domain.EndReasonEnded, listener.expect(protocol.TypeSessionEnded).Reason)
	assert.False(t, h.mgr.Status().Active)
}

func TestLateJoinerGetsInterpolatedSnapshot(t *testing.T) {
	h := newHarness(t, 0, nil)
	host := h.dial(t)
	sid, _ := hostUp(t, host)

	host.send(protocol.Message{Type: protocol.TypeNowPlaying, Track: &domain.Track{ID: "t-2", Duration: 300}})
	host.send(protocol.Message{Type: protocol.TypeResume})
	host.send(protocol.Position(40, 300))
	host.send(protocol.Message{Type: protocol.TypePing})
	host.expect(protocol.TypePong)

	h.clk.Add(5 * time.Second)

	listener := h.dial(t)
	joined := listener.request(protocol.Message{Type: protocol.TypeJoin, SessionID: sid}, protocol.TypeJoined)
	require.NotNil(t, joined.Snapshot)
	require.NotNil(t, joined.Snapshot.CurrentTrack)
	assert.Equal(t, domain.TrackID("t-2"), joined.Snapshot.CurrentTrack.ID)
	assert.True(t, joined.Snapshot.IsPlaying)
	assert.InDelta(t, 45.0, joined.Snapshot.CurrentTime, 0.001)
}

func TestRoleIsFixedByFirstMessage(t *testing.T) {
	h := newHarness(t, 0, nil)
	host := h.dial(t)
	sid, _ := hostUp(t, host)

	errMsg := host.request(protocol.Message{Type: protocol.TypeJoin, SessionID: sid}, protocol.TypeError)
	assert.Equal(t, protocol.CodeWrongRole, errMsg.Code)
	assert.Equal(t, protocol.TypeJoin, errMsg.RequestType)

	listener := h.dial(t)
	listener.request(protocol.Message{Type: protocol.TypeJoin, SessionID: sid}, protocol.TypeJoined)

	for _, m := range []protocol.Message{
		{Type: protocol.TypeCreateSession},
		{Type: protocol.TypeProduce, TransportID: "x", Kind: core.KindAudio},
		{Type: protocol.TypePause},
		{Type: protocol.TypeEndSession},
	} {
		errMsg := listener.request(m, protocol.TypeError)
		assert.Equal(t, protocol.CodeWrongRole, errMsg.Code, m.Type)
		assert.Equal(t, m.Type, errMsg.RequestType)
	}
	assert.True(t, h.mgr.Status().Active)
}

func TestRequestsBeforeRole(t *testing.T) {
	h := newHarness(t, 0, nil)
	c := h.dial(t)

	assert.Equal(t, protocol.CodeSessionNotFound,
		c.request(protocol.Message{Type: protocol.TypeCreateProducerTransport}, protocol.TypeError).Code)
	assert.Equal(t, protocol.CodeNotJoined,
		c.request(protocol.Message{Type: protocol.TypeConsume}, protocol.TypeError).Code)
	assert.Equal(t, protocol.CodeNotJoined,
		c.request(protocol.Message{Type: protocol.TypeConnectTransport, TransportID: "t", DTLSParameters: &core.DTLSParameters{Type: "answer"}}, protocol.TypeError).Code)

	errMsg := c.request(protocol.Message{Type: protocol.TypeJoin, SessionID: "missing"}, protocol.TypeError)
	assert.Equal(t, protocol.CodeSessionNotFound, errMsg.Code)
}

func TestMalformedAndUnknownMessages(t *testing.T) {
	h := newHarness(t, 0, nil)
	c := h.dial(t)

	require.NoError(t, c.c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, protocol.CodeBadPayload, c.expect(protocol.TypeError).Code)

	require.NoError(t, c.c.WriteMessage(websocket.TextMessage, []byte(`{"sessionId":"x"}`)))
	assert.Equal(t, protocol.CodeBadPayload, c.expect(protocol.TypeError).Code)

	errMsg := c.request(protocol.Message{Type: "dance"}, protocol.TypeError)
	assert.Equal(t, protocol.CodeUnknownType, errMsg.Code)
	assert.Equal(t, "dance", errMsg.RequestType)

	assert.Equal(t, protocol.TypePong, c.request(protocol.Message{Type: protocol.TypePing}, protocol.TypePong).Type)
}

func TestHostMetadataValidation(t *testing.T) {
	h := newHarness(t, 0, nil)
	host := h.dial(t)
	hostUp(t, host)

	errMsg := host.request(protocol.Message{Type: protocol.TypeNowPlaying}, protocol.TypeError)
	assert.Equal(t, protocol.CodeBadPayload, errMsg.Code)

	errMsg = host.request(protocol.Message{Type: protocol.TypePosition, CurrentTime: protocol.Float(-3)}, protocol.TypeError)
	assert.Equal(t, protocol.CodeBadPayload, errMsg.Code)

	errMsg = host.request(protocol.Message{Type: protocol.TypeProduce, TransportID: "nope", Kind: core.KindAudio}, protocol.TypeError)
	assert.Equal(t, protocol.CodeNoTransport, errMsg.Code)

	errMsg = host.request(protocol.Message{Type: protocol.TypeProduce, TransportID: "nope", Kind: "smell"}, protocol.TypeError)
	assert.Equal(t, protocol.CodeBadPayload, errMsg.Code)
}

func TestConsumeWithoutProducer(t *testing.T) {
	h := newHarness(t, 0, nil)
	host := h.dial(t)
	created := host.request(protocol.Message{Type: protocol.TypeCreateSession}, protocol.TypeSessionCreated)

	listener := h.dial(t)
	listener.request(protocol.Message{Type: protocol.TypeJoin, SessionID: created.SessionID}, protocol.TypeJoined)
	caps := coretest.OpusCaps()

	errMsg := listener.request(protocol.Message{Type: protocol.TypeConsume, RTPCapabilities: &caps}, protocol.TypeError)
	assert.Equal(t, protocol.CodeNoTransport, errMsg.Code)

	listener.request(protocol.Message{Type: protocol.TypeCreateConsumerTransport}, protocol.TypeConsumerTransportCreated)
	errMsg = listener.request(protocol.Message{Type: protocol.TypeConsume, RTPCapabilities: &caps}, protocol.TypeError)
	assert.Equal(t, protocol.CodeNoProducer, errMsg.Code)
	assert.Equal(t, protocol.TypeConsume, errMsg.RequestType)
}

func TestHostSocketLossEndsSessionWithoutGrace(t *testing.T) {
	h := newHarness(t, 0, nil)
	host := h.dial(t)
	sid, _ := hostUp(t, host)

	listener := h.dial(t)
	listener.request(protocol.Message{Type: protocol.TypeJoin, SessionID: sid}, protocol.TypeJoined)
	host.expect(protocol.TypeListenerCount)

	require.NoError(t, host.c.Close())
	ended := listener.expect(protocol.TypeSessionEnded)
	assert.Equal(t, domain.EndReasonHostDisconnected, ended.Reason)
}

func TestListenerSocketLossUpdatesCount(t *testing.T) {
	h := newHarness(t, 0, nil)
	host := h.dial(t)
	sid, _ := hostUp(t, host)

	listener := h.dial(t)
	listener.request(protocol.Message{Type: protocol.TypeJoin, SessionID: sid}, protocol.TypeJoined)
	assert.Equal(t, 1, *host.expect(protocol.TypeListenerCount).Count)

	require.NoError(t, listener.c.Close())
	assert.Equal(t, 0, *host.expect(protocol.TypeListenerCount).Count)
}

func TestCreateSessionIsRateLimited(t *testing.T) {
	clk := clock.NewMock()
	h := newHarness(t, 0, NewRateLimiter(1, time.Minute, clk))
	host := h.dial(t)

	host.request(protocol.Message{Type: protocol.TypeCreateSession}, protocol.TypeSessionCreated)
	errMsg := host.request(protocol.Message{Type: protocol.TypeCreateSession}, protocol.TypeError)
	assert.Equal(t, protocol.CodeRateLimited, errMsg.Code)

	clk.Add(2 * time.Minute)
	host.request(protocol.Message{Type: protocol.TypeCreateSession}, protocol.TypeSessionCreated)
}

func TestRateLimiterWindow(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRateLimiter(2, 10*time.Second, clk)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	clk.Add(11 * time.Second)
	assert.True(t, rl.Allow("a"))

	clk.Add(11 * time.Second)
	rl.Prune()
	rl.mu.Lock()
	assert.Empty(t, rl.history)
	rl.mu.Unlock()
}
