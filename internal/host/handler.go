package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/hub"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

// handle reads frames in arrival order until the peer leaves. Undecodable or
// oversized frames are dropped; they never end the connection.
func (h *Host) handle(ctx context.Context, c *hub.Conn) {
	log := h.logger.With(zap.Uint64("conn", c.ID()), zap.String("remote", c.RemoteAddr()))
	log.Info("participant connected")

	for {
		line, err := c.ReadLine(ctx)
		if errors.Is(err, hub.ErrLineTooLong) {
			h.metrics.DecodeError()
			log.Debug("dropping oversized frame")
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Info("participant disconnected")
			} else {
				log.Warn("participant read failed", zap.Error(err))
			}
			return
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		msg, err := types.DecodeClient(line)
		if err != nil {
			h.metrics.DecodeError()
			log.Debug("dropping frame", zap.Error(err))
			continue
		}
		h.metrics.FrameReceived(string(types.ClientType(msg)))
		h.dispatch(ctx, c, msg, log)
	}
}

func (h *Host) dispatch(ctx context.Context, c *hub.Conn, msg types.ClientMessage, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("session callback panicked", zap.Any("panic", r))
		}
	}()

	switch m := msg.(type) {
	case types.JoinRequest:
		if m.SessionID != h.cfg.SessionID {
			h.reply(c, types.JoinAck{Accepted: false, Reason: types.ReasonInvalidSession}, log)
			return
		}
		ack := h.session.OnJoin(ctx, m.Nickname)
		if !ack.Accepted {
			log.Info("join rejected", zap.String("nickname", m.Nickname), zap.String("reason", ack.Reason))
			h.reply(c, ack, log)
			return
		}
		log.Info("join accepted", zap.String("student", ack.StudentID), zap.String("nickname", m.Nickname))
		if !h.reply(c, ack, log) {
			return
		}
		// Broadcasts skip c until it is admitted, so the ack is always its
		// first frame and a Snapshot its second.
		h.rosterChanged(ctx, types.Participant{StudentID: ack.StudentID, DisplayName: ack.DisplayName})
		c.SetStudentID(ack.StudentID)
		h.replySnapshot(ctx, c, log)

	case types.Answer:
		if m.SessionID != h.cfg.SessionID {
			h.reply(c, types.AnswerAck{Accepted: false, Reason: types.ReasonInvalidSession}, log)
			return
		}
		if m.StudentID == "" {
			m.StudentID = c.StudentID()
		}
		ack := h.session.OnAnswer(ctx, m)
		if !ack.Accepted {
			log.Debug("answer rejected", zap.String("student", m.StudentID), zap.String("reason", ack.Reason))
		}
		h.reply(c, ack, log)
		if ack.Accepted {
			h.broadcastLatest(ctx)
		}

	case types.Ping:
		h.replySnapshot(ctx, c, log)
	}
}

func (h *Host) replySnapshot(ctx context.Context, c *hub.Conn, log *zap.Logger) {
	snap, ok := h.session.Snapshot(ctx)
	if !ok {
		return
	}
	h.reply(c, types.SnapshotMessage{Snapshot: snap}, log)
}

func (h *Host) reply(c *hub.Conn, msg types.ServerMessage, log *zap.Logger) bool {
	frame, err := types.EncodeServer(msg)
	if err != nil {
		log.Error("encode reply", zap.String("type", string(types.ServerType(msg))), zap.Error(err))
		return false
	}
	return c.Send(frame)
}
