package signal

import (
	"context"
	"time"

	"github.com/dkeye/Party/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(c *WsSignalConn) {
	ticker := ctl.opts.Clock.Ticker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(p *peer) {
	pongWait := ctl.opts.PingPeriod * 10 / 9
	defer func() {
		p.logger.Info().Str("role", p.role.String()).Msg("readPump closing")
		p.conn.Close()
		ctl.disconnect(p)
	}()

	_ = p.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.conn.SetPongHandler(func(string) error {
		return p.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Info().Msg("readPump ctx done")
			return
		default:
		}
		_, data, err := p.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		ctl.handleSignal(p, data)
	}
}

func (ctl *SignalWSController) disconnect(p *peer) {
	switch {
	case p.role == roleHost && p.sid != "":
		ctl.sessions.HostDisconnected(p.sid, p.conn)
	case p.role == roleListener && p.lid != "":
		ctl.sessions.LeaveListener(p.lid)
	}
}

func (ctl *SignalWSController) handleSignal(p *peer, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		p.logger.Warn().Err(err).Msg("bad message")
		ctl.reply(p, protocol.NewError("", protocol.CodeBadPayload, err))
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, ctl.opts.RequestTimeout)
	defer cancel()

	switch m.Type {
	case protocol.TypePing:
		ctl.handlePing(p)
	case protocol.TypeConnectTransport:
		ctl.handleConnectTransport(ctx, p, m)

	case protocol.TypeCreateSession:
		ctl.handleCreateSession(ctx, p, m)
	case protocol.TypeCreateProducerTransport:
		ctl.handleCreateProducerTransport(ctx, p, m)
	case protocol.TypeProduce:
		ctl.handleProduce(ctx, p, m)
	case protocol.TypeNowPlaying, protocol.TypePause, protocol.TypeResume, protocol.TypePosition:
		ctl.handleMetadata(p, m)
	case protocol.TypeEndSession:
		ctl.handleEndSession(p, m)

	case protocol.TypeJoin:
		ctl.handleJoin(ctx, p, m)
	case protocol.TypeCreateConsumerTransport:
		ctl.handleCreateConsumerTransport(ctx, p, m)
	case protocol.TypeConsume:
		ctl.handleConsume(ctx, p, m)
	case protocol.TypeResumeConsumer:
		ctl.handleResumeConsumer(p, m)

	default:
		p.logger.Warn().Str("type", m.Type).Msg("unknown signal")
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeUnknownType, nil))
	}
}

// claim fixes the socket's role on the first role-bearing message.
func (ctl *SignalWSController) claim(p *peer, want role, m protocol.Message) bool {
	if p.role == roleNone {
		p.role = want
		p.logger = p.logger.With().Str("role", want.String()).Logger()
		return true
	}
	if p.role != want {
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeWrongRole, nil))
		return false
	}
	return true
}

// require checks an established role for messages that cannot open one.
func (ctl *SignalWSController) require(p *peer, want role, m protocol.Message) bool {
	switch {
	case p.role == roleNone && want == roleHost:
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeSessionNotFound, nil))
		return false
	case p.role == roleNone:
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeNotJoined, nil))
		return false
	case p.role != want:
		ctl.reply(p, protocol.NewError(m.Type, protocol.CodeWrongRole, nil))
		return false
	}
	return true
}
