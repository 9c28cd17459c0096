// Package discovery finds quiz hosts on the local network by broadcasting a
// probe and collecting the announcements that come back.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

const (
	DefaultPort           = 40406
	DefaultBroadcastAddr  = "255.255.255.255"
	DefaultTimeout        = 3 * time.Second
	DefaultReceiveTimeout = 500 * time.Millisecond

	maxDatagram = 1024
)

type Options struct {
	Port          int
	BroadcastAddr string
	// Timeout bounds the whole scan, ReceiveTimeout each read.
	Timeout        time.Duration
	ReceiveTimeout time.Duration
	Logger         *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.BroadcastAddr == "" {
		o.BroadcastAddr = DefaultBroadcastAddr
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Discover sends one probe and returns every distinct session heard from
// before the timeout, in arrival order. The first announcement per session
// wins and its host is replaced by the address the datagram came from.
// Finding nothing is not an error.
func Discover(ctx context.Context, opts Options) ([]types.Announcement, error) {
	opts.setDefaults()
	log := opts.Logger

	target, err := net.ResolveUDPAddr("udp", net.JoinHostPort(opts.BroadcastAddr, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast addr: %w", err)
	}
	pc, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	defer pc.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = pc.SetReadDeadline(time.Now()) })
	defer stop()

	probe, err := types.EncodeDiscoveryRequest(types.DiscoveryRequest{RequestID: uuid.NewString()})
	if err != nil {
		return nil, err
	}
	if _, err := pc.WriteToUDP(probe, target); err != nil {
		return nil, fmt.Errorf("send probe to %s: %w", target, err)
	}
	log.Debug("discovery probe sent", zap.Stringer("to", target))

	deadline, _ := ctx.Deadline()
	seen := make(map[string]bool)
	var found []types.Announcement
	buf := make([]byte, maxDatagram)

	for ctx.Err() == nil {
		rd := time.Now().Add(opts.ReceiveTimeout)
		if rd.After(deadline) {
			rd = deadline
		}
		_ = pc.SetReadDeadline(rd)

		n, from, err := pc.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			return found, fmt.Errorf("receive announcement: %w", err)
		}

		msg, err := types.DecodeServer(buf[:n])
		if err != nil {
			log.Debug("ignoring datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		ann, ok := msg.(types.Announcement)
		if !ok || seen[ann.SessionID] {
			continue
		}
		seen[ann.SessionID] = true
		ann.Host = from.IP.String()
		found = append(found, ann)
		log.Debug("found session",
			zap.String("session", ann.SessionID),
			zap.String("host", ann.Host),
			zap.Int("port", ann.Port))
	}

	// The scan window closing is the normal way out; only an outside cancel is reported.
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return found, err
	}
	return found, nil
}
