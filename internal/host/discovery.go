package host

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

const maxDatagram = 1024

// discoveryLoop answers every valid probe with a unicast Announcement back to
// the sender. Malformed probes and transient receive errors are ignored.
func (h *Host) discoveryLoop(ctx context.Context, pc *net.UDPConn) error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.logger.Debug("discovery receive failed", zap.Error(err))
			continue
		}

		req, err := types.DecodeDiscoveryRequest(buf[:n])
		if err != nil {
			h.metrics.DiscoveryProbe("ignored")
			continue
		}

		frame, err := types.EncodeServer(h.announcement(ctx))
		if err != nil {
			h.logger.Error("encode announcement", zap.Error(err))
			continue
		}
		if _, err := pc.WriteToUDP(frame, from); err != nil {
			h.logger.Debug("announcement send failed", zap.Stringer("to", from), zap.Error(err))
			continue
		}
		h.metrics.DiscoveryProbe("answered")
		h.logger.Debug("answered discovery probe",
			zap.String("request", req.RequestID),
			zap.Stringer("from", from))
	}
}

func (h *Host) announcement(ctx context.Context) types.Announcement {
	return types.Announcement{
		SessionID:        h.cfg.SessionID,
		ModuleID:         h.cfg.ModuleID,
		Host:             h.advertised(),
		Port:             portOf(h.Addr()),
		ParticipantCount: h.participantCount(ctx),
	}
}

// participantCount asks the snapshot provider at most once per CountCacheTTL.
func (h *Host) participantCount(ctx context.Context) int {
	h.countMu.Lock()
	defer h.countMu.Unlock()

	ttl := h.cfg.CountCacheTTL
	if ttl > 0 && !h.countAt.IsZero() && time.Since(h.countAt) < ttl {
		return h.count
	}

	n := 0
	if snap, ok := h.session.Snapshot(ctx); ok {
		n = snap.ParticipantCount()
	}
	h.count = n
	h.countAt = time.Now()
	return n
}
