package client

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Party/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("request never settled")
		return result{}
	}
}

func TestRequester_OnePendingPerType(t *testing.T) {
	r := NewRequester(clock.NewMock(), time.Second)

	_, err := r.Begin(protocol.TypeCreateSession)
	require.NoError(t, err)

	_, err = r.Begin(protocol.TypeCreateSession)
	assert.ErrorIs(t, err, ErrRequestInFlight)
	var neg *NegotiationError
	assert.ErrorAs(t, err, &neg)

	_, err = r.Begin(protocol.TypeCreateProducerTransport)
	assert.NoError(t, err, "other types are independent")
	assert.Equal(t, 2, r.Pending())
}

func TestRequester_RejectsFireAndForget(t *testing.T) {
	r := NewRequester(clock.NewMock(), time.Second)
	_, err := r.Begin(protocol.TypeNowPlaying)
	assert.Error(t, err)
}

func TestRequester_ResolveByResponseType(t *testing.T) {
	r := NewRequester(clock.NewMock(), time.Second)
	ch, err := r.Begin(protocol.TypeJoin)
	require.NoError(t, err)

	assert.False(t, r.Resolve(protocol.Message{Type: protocol.TypeNowPlaying}), "notifications pass through")
	assert.True(t, r.Resolve(protocol.Message{Type: protocol.TypeJoined, ListenerID: "lid-1"}))

	res := await(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, "lid-1", string(res.msg.ListenerID))
	assert.Zero(t, r.Pending())

	assert.False(t, r.Resolve(protocol.Message{Type: protocol.TypeJoined}), "late duplicate")
}

func TestRequester_ErrorFailsMatchingRequest(t *testing.T) {
	r := NewRequester(clock.NewMock(), time.Second)
	ch, err := r.Begin(protocol.TypeConsume)
	require.NoError(t, err)

	assert.False(t, r.Resolve(protocol.NewError("", protocol.CodeBadPayload, nil)), "untagged errors are notifications")
	assert.True(t, r.Resolve(protocol.NewError(protocol.TypeConsume, protocol.CodeNoProducer, nil)))

	res := await(t, ch)
	assert.ErrorIs(t, res.err, ErrNoProducer)
	assert.True(t, IsCode(res.err, protocol.CodeNoProducer))

	var remote *RemoteError
	require.ErrorAs(t, res.err, &remote)
	assert.Equal(t, protocol.TypeConsume, remote.RequestType)
}

func TestRequester_TimesOut(t *testing.T) {
	clk := clock.NewMock()
	r := NewRequester(clk, 12*time.Second)
	ch, err := r.Begin(protocol.TypeCreateSession)
	require.NoError(t, err)

	clk.Add(11 * time.Second)
	assert.Equal(t, 1, r.Pending())

	clk.Add(time.Second)
	res := await(t, ch)
	assert.ErrorIs(t, res.err, ErrRequestTimeout)
	assert.Zero(t, r.Pending())

	_, err = r.Begin(protocol.TypeCreateSession)
	assert.NoError(t, err, "a timed out request frees its slot")
}

func TestRequester_FailAll(t *testing.T) {
	r := NewRequester(clock.NewMock(), time.Second)
	a, err := r.Begin(protocol.TypeJoin)
	require.NoError(t, err)
	b, err := r.Begin(protocol.TypeConsume)
	require.NoError(t, err)

	lost := errors.New("socket gone")
	r.FailAll(lost)
	assert.ErrorIs(t, await(t, a).err, lost)
	assert.ErrorIs(t, await(t, b).err, lost)
	assert.Zero(t, r.Pending())
}
