package signal

import (
	"time"

	"github.com/dkeye/Relief/internal/protocol"
	"github.com/rs/zerolog"
)

func (ctl *SignalWSController) handlePing(c *WsSignalConn, logger *zerolog.Logger) {
	frame, err := protocol.EncodePong(time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("encode pong")
		return
	}
	ctl.send(c, frame, logger)
}

func (ctl *SignalWSController) sendAck(c *WsSignalConn, ackID string, success bool, logger *zerolog.Logger) {
	frame, err := protocol.EncodeAck(ackID, success)
	if err != nil {
		logger.Error().Err(err).Msg("encode ack")
		return
	}
	ctl.send(c, frame, logger)
}

func (ctl *SignalWSController) send(c *WsSignalConn, frame []byte, logger *zerolog.Logger) {
	if err := c.TrySend(frame); err != nil {
		logger.Warn().Err(err).Msg("control frame not sent")
	}
}
