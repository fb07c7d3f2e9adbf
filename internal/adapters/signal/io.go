package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Relief/internal/domain"
	"github.com/dkeye/Relief/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid domain.ConnectionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.ConnectionID, c *WsSignalConn) {
	logger := log.With().Str("module", "signal").Str("sid", string(sid)).Logger()
	defer func() {
		logger.Info().Msg("readPump closing")
		cancel()
		ctl.limiter.Forget(sid)
		ctl.Orch.OnDisconnect(sid)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(sid, c, data, &logger)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid domain.ConnectionID, c *WsSignalConn, data []byte, logger *zerolog.Logger) {
	if !ctl.limiter.Allow(sid) {
		logger.Warn().Msg("rate limited, frame dropped")
		return
	}

	typ, err := protocol.PeekType(data)
	if err != nil {
		logger.Warn().Err(err).Msg("bad json")
		return
	}
	switch typ {
	case protocol.ControlPing:
		ctl.handlePing(c, logger)
		return
	case protocol.ControlPong:
		return
	}

	env, err := ctl.Codec.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			logger.Warn().Str("type", typ).Msg("unknown signal")
		} else {
			logger.Warn().Err(err).Str("type", typ).Msg("invalid envelope")
		}
		if typ == string(protocol.KindMessage) {
			if ackID := protocol.PeekAckID(data); ackID != "" {
				ctl.sendAck(c, ackID, false, logger)
			}
		}
		return
	}

	out := ctl.Orch.Route(sid, env)
	if m, ok := env.(*protocol.Message); ok && m.AckID != "" {
		ctl.sendAck(c, m.AckID, out.Attempted(), logger)
	}
}
