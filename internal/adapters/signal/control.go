package signal

import (
	"context"
	"errors"

	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

func (ctl *SignalWSController) handlePing(p *peer) {
	ctl.reply(p, protocol.Message{Type: protocol.TypePong})
}

// handleConnectTransport serves both roles; the established role picks the transport.
func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, p *peer, m protocol.Message) {
	if m.TransportID == "" || m.DTLSParameters == nil {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeBadPayload, nil))
		return
	}

	var (
		answer *core.DTLSParameters
		err    error
	)
	switch p.role {
	case roleHost:
		answer, err = ctl.sessions.ConnectHostTransport(ctx, p.sid, m.TransportID, *m.DTLSParameters)
	case roleListener:
		answer, err = ctl.sessions.ConnectListenerTransport(ctx, p.lid, m.TransportID, *m.DTLSParameters)
	default:
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeNotJoined, nil))
		return
	}
	if err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	ctl.reply(p, protocol.Message{
		Type:           protocol.TypeTransportConnected,
		TransportID:    m.TransportID,
		DTLSParameters: answer,
	})
}

// fail answers a request with the error code matching err.
func (ctl *SignalWSController) fail(p *peer, requestType string, err error) {
	code := codeFor(err)
	if code == protocol.CodeRelayFailed {
		p.logger.Error().Err(err).Str("type", requestType).Msg("request failed")
	} else {
		p.logger.Info().Err(err).Str("type", requestType).Str("code", code).Msg("request rejected")
	}
	ctl.reply(p, protocol.NewError(requestType, code, err))
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, app.ErrSessionNotFound), errors.Is(err, app.ErrManagerClosed):
		return protocol.CodeSessionNotFound
	case errors.Is(err, app.ErrListenerNotFound):
		return protocol.CodeNotJoined
	case errors.Is(err, app.ErrNoTransport):
		return protocol.CodeNoTransport
	case errors.Is(err, app.ErrNoProducer):
		return protocol.CodeNoProducer
	case errors.Is(err, app.ErrIncompatibleCapabilities), errors.Is(err, app.ErrUnsupportedKind):
		return protocol.CodeIncompatibleCapabilities
	case errors.Is(err, app.ErrConsumerNotFound),
		errors.Is(err, app.ErrNotMetadata),
		errors.Is(err, domain.ErrTrackIDEmpty),
		errors.Is(err, domain.ErrTrackIDTooLong),
		errors.Is(err, domain.ErrTitleTooLong),
		errors.Is(err, domain.ErrNegativeLength),
		errors.Is(err, domain.ErrPositionInvalid):
		return protocol.CodeBadPayload
	}
	return protocol.CodeRelayFailed
}
