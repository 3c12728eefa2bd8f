package client

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_ProducerLiveFollowsTransport(t *testing.T) {
	reg := NewRegistry()
	send := &fakeSend{id: "send-1"}
	reg.SetSendTransport(send)
	assert.False(t, reg.ProducerLive())

	reg.SetProducer("producer-1")
	assert.True(t, reg.ProducerLive())

	send.Close()
	assert.False(t, reg.ProducerLive())

	reg.SetSendTransport(&fakeSend{id: "send-2"})
	assert.Empty(t, reg.ProducerID(), "a new transport forgets the old producer")
}

func TestRegistry_CloseConsumerMatchesProducer(t *testing.T) {
	reg := NewRegistry()
	reg.SetRecvTransport(&fakeRecv{id: "recv-1"})
	reg.SetConsumer(&core.ConsumerParameters{ID: "consumer-1", ProducerID: "producer-1"})
	assert.True(t, reg.ConsumerLive())

	assert.False(t, reg.CloseConsumer("producer-2"))
	assert.True(t, reg.ConsumerLive())

	assert.True(t, reg.CloseConsumer("producer-1"))
	assert.False(t, reg.ConsumerLive())
	assert.Nil(t, reg.Consumer())
}

func TestRegistry_SingleReconnectTimer(t *testing.T) {
	clk := clock.NewMock()
	reg := NewRegistry()

	var fired int
	first := clk.AfterFunc(time.Second, func() { fired++ })
	reg.SetReconnect(first)
	second := clk.AfterFunc(2*time.Second, func() {})
	reg.SetReconnect(second)

	reg.ReconnectFired(first)
	assert.True(t, reg.ReconnectPending(), "a stale timer does not clear the newer one")

	reg.ReconnectFired(second)
	assert.False(t, reg.ReconnectPending())

	clk.Add(5 * time.Second)
	assert.Zero(t, fired, "the replaced timer never fires")
}

func TestRegistry_ReleaseClosesEverything(t *testing.T) {
	reg := NewRegistry()
	sig := &fakeSignal{done: make(chan struct{})}
	send := &fakeSend{id: "send-1"}
	recv := &fakeRecv{id: "recv-1"}
	reg.SetSignal(sig)
	reg.SetSendTransport(send)
	reg.SetRecvTransport(recv)

	var stopped bool
	reg.SetHeartbeat(func() { stopped = true })
	assert.True(t, reg.SignalLive())

	reg.Release()

	assert.True(t, stopped)
	assert.True(t, send.Closed())
	assert.True(t, recv.Closed())
	assert.False(t, reg.SignalLive())
	assert.Nil(t, reg.Signal())
	select {
	case <-sig.Done():
	default:
		t.Fatal("socket left open")
	}
}
