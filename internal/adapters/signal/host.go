package signal

import (
	"context"

	"github.com/dkeye/Party/internal/core"
	"github.com/dkeye/Party/internal/domain"
	"github.com/dkeye/Party/internal/protocol"
)

func (ctl *SignalWSController) handleCreateSession(ctx context.Context, p *peer, m protocol.Message) {
	if !ctl.claim(p, roleHost, m) {
		return
	}
	if ctl.opts.Limiter != nil && !ctl.opts.Limiter.Allow(p.token) {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeRateLimited, nil))
		return
	}

	sid, caps, err := ctl.sessions.CreateSession(ctx, p.conn, m.ResumeSessionID)
	if err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	p.sid = sid
	p.logger.Info().Str("sid", string(sid)).Bool("resumed", sid == m.ResumeSessionID).Msg("session created")
	ctl.reply(p, protocol.Message{
		Type:               protocol.TypeSessionCreated,
		SessionID:          sid,
		RouterCapabilities: &caps,
	})
}

func (ctl *SignalWSController) handleCreateProducerTransport(ctx context.Context, p *peer, m protocol.Message) {
	if !ctl.require(p, roleHost, m) {
		return
	}
	params, err := ctl.sessions.CreateHostTransport(ctx, p.sid)
	if err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	ctl.reply(p, protocol.Message{Type: protocol.TypeProducerTransportCreated, Transport: &params})
}

func (ctl *SignalWSController) handleProduce(ctx context.Context, p *peer, m protocol.Message) {
	if !ctl.require(p, roleHost, m) {
		return
	}
	if m.TransportID == "" || !m.Kind.Valid() {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeBadPayload, nil))
		return
	}
	var params core.RTPParameters
	if m.RTPParameters != nil {
		params = *m.RTPParameters
	}
	pid, err := ctl.sessions.RegisterProducer(ctx, p.sid, m.TransportID, m.Kind, params)
	if err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	ctl.reply(p, protocol.Message{Type: protocol.TypeProduced, ProducerID: pid})
}

// handleMetadata has no success reply; listeners get the broadcast.
func (ctl *SignalWSController) handleMetadata(p *peer, m protocol.Message) {
	if !ctl.require(p, roleHost, m) {
		return
	}
	if err := ctl.sessions.UpdatePlayback(p.sid, m); err != nil {
		ctl.fail(p, m.Type, err)
	}
}

// handleEndSession is acknowledged by the sessionEnded the manager sends to the host.
func (ctl *SignalWSController) handleEndSession(p *peer, m protocol.Message) {
	if !ctl.require(p, roleHost, m) {
		return
	}
	if err := ctl.sessions.EndSession(p.sid, domain.EndReasonEnded); err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	p.logger.Info().Str("sid", string(p.sid)).Msg("session ended by host")
	p.sid = ""
}
