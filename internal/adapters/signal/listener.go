package signal

import (
	"context"

	"github.com/dkeye/Party/internal/protocol"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, p *peer, m protocol.Message) {
	if !ctl.claim(p, roleListener, m) {
		return
	}
	if m.SessionID == "" {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeBadPayload, nil))
		return
	}
	if ctl.opts.Limiter != nil && !ctl.opts.Limiter.Allow(p.token) {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeRateLimited, nil))
		return
	}

	// A socket is one listener; joining again replaces the previous membership.
	if p.lid != "" {
		ctl.sessions.LeaveListener(p.lid)
		p.lid = ""
	}

	caps, snap, lid, err := ctl.sessions.JoinListener(ctx, m.SessionID, p.conn)
	if err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	p.lid = lid
	p.logger.Info().Str("sid", string(m.SessionID)).Str("lid", string(lid)).Msg("join")
	ctl.reply(p, protocol.Message{
		Type:               protocol.TypeJoined,
		ListenerID:         lid,
		RouterCapabilities: &caps,
		Snapshot:           protocol.SnapshotAt(snap, ctl.opts.Clock.Now()),
	})
}

func (ctl *SignalWSController) handleCreateConsumerTransport(ctx context.Context, p *peer, m protocol.Message) {
	if !ctl.require(p, roleListener, m) {
		return
	}
	params, err := ctl.sessions.CreateListenerTransport(ctx, p.lid)
	if err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	ctl.reply(p, protocol.Message{Type: protocol.TypeConsumerTransportCreated, Transport: &params})
}

func (ctl *SignalWSController) handleConsume(ctx context.Context, p *peer, m protocol.Message) {
	if !ctl.require(p, roleListener, m) {
		return
	}
	if m.RTPCapabilities == nil {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeBadPayload, nil))
		return
	}
	params, err := ctl.sessions.CreateListenerConsumer(ctx, p.lid, *m.RTPCapabilities)
	if err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	ctl.reply(p, protocol.Message{Type: protocol.TypeConsumed, Consumer: &params})
}

func (ctl *SignalWSController) handleResumeConsumer(p *peer, m protocol.Message) {
	if !ctl.require(p, roleListener, m) {
		return
	}
	if m.ConsumerID == "" {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeBadPayload, nil))
		return
	}
	if err := ctl.sessions.ResumeConsumer(p.lid, m.ConsumerID); err != nil {
		ctl.fail(p, m.Type, err)
		return
	}
	ctl.reply(p, protocol.Message{Type: protocol.TypeConsumerResumed, ConsumerID: m.ConsumerID})
}
