// Package host runs the hosting side of a LAN quiz session: a TCP listener for
// participants and a UDP responder for discovery probes.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lan-quiz/internal/hub"
	"github.com/DoyleJ11/lan-quiz/internal/metrics"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

const (
	DefaultPort          = 40404
	DefaultDiscoveryPort = 40406
	DefaultCountCacheTTL = time.Second
)

var ErrStopped = errors.New("host: stopped")

type Config struct {
	SessionID string
	ModuleID  string

	// ListenAddr and DiscoveryAddr default to :40404 and :40406.
	ListenAddr    string
	DiscoveryAddr string
	// AdvertiseHost overrides the address put in announcements.
	AdvertiseHost string

	// CountCacheTTL bounds how often discovery probes hit the snapshot provider.
	// Negative disables caching.
	CountCacheTTL time.Duration
	WriteTimeout  time.Duration
	OutboxSize    int
	MaxLine       int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = fmt.Sprintf(":%d", DefaultPort)
	}
	if c.DiscoveryAddr == "" {
		c.DiscoveryAddr = fmt.Sprintf(":%d", DefaultDiscoveryPort)
	}
	if c.CountCacheTTL == 0 {
		c.CountCacheTTL = DefaultCountCacheTTL
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type Host struct {
	cfg     Config
	session Session
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	handlers sync.WaitGroup
	listener net.Listener
	udp      *net.UDPConn
	hub      *hub.Hub
	extHost  string

	countMu sync.Mutex
	countAt time.Time
	count   int
}

func New(cfg Config, session Session) *Host {
	cfg.setDefaults()
	return &Host{
		cfg:     cfg,
		session: session,
		logger:  cfg.Logger.With(zap.String("session", cfg.SessionID)),
		metrics: cfg.Metrics,
	}
}

// Start binds both sockets and launches the accept and discovery loops. Bind
// failures are returned. Calling Start again while running is a no-op.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return ErrStopped
	}
	if h.started {
		return nil
	}

	ln, err := net.Listen("tcp", h.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", h.cfg.ListenAddr, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", h.cfg.DiscoveryAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("resolve discovery addr %s: %w", h.cfg.DiscoveryAddr, err)
	}
	// Go enables SO_BROADCAST on UDP sockets.
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen udp %s: %w", h.cfg.DiscoveryAddr, err)
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.listener = ln
	h.udp = pc
	h.extHost = advertiseHost(h.cfg.AdvertiseHost, ln.Addr())
	h.hub = hub.NewHub(h.ctx, h.logger, h.metrics)

	g, gctx := errgroup.WithContext(h.ctx)
	g.Go(func() error { return h.acceptLoop(gctx, ln) })
	g.Go(func() error { return h.discoveryLoop(gctx, pc) })
	g.Go(func() error {
		<-gctx.Done()
		return multierr.Combine(ignoreClosed(ln.Close()), ignoreClosed(pc.Close()))
	})
	h.group = g
	h.started = true

	h.logger.Info("quiz host started",
		zap.String("module", h.cfg.ModuleID),
		zap.Stringer("tcp", ln.Addr()),
		zap.Stringer("udp", pc.LocalAddr()),
		zap.String("advertise", h.extHost))
	return nil
}

// Stop cancels both loops, closes every connection and waits for all handler
// goroutines. The host cannot be restarted.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.stopped || !h.started {
		h.stopped = true
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	err := h.group.Wait()
	h.hub.Shutdown()
	h.handlers.Wait()

	h.logger.Info("quiz host stopped")
	return err
}

func (h *Host) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.logger.Warn("accept failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		go h.Serve(ctx, hub.NewTCPTransport(nc, h.cfg.MaxLine))
	}
}

// Serve registers t as a participant connection and handles it until the peer
// leaves or the host stops. It blocks; the accept loop and the WebSocket bridge
// both call it.
func (h *Host) Serve(ctx context.Context, t hub.Transport) {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		_ = t.Close()
		return
	}
	h.handlers.Add(1)
	hostCtx := h.ctx
	h.mu.Unlock()
	defer h.handlers.Done()

	c := hub.NewConn(t, hub.ConnOptions{
		OutboxSize:   h.cfg.OutboxSize,
		WriteTimeout: h.cfg.WriteTimeout,
		Logger:       h.logger,
		Metrics:      h.metrics,
	})
	id, ok := h.hub.Register(c)
	if !ok {
		return
	}
	defer h.hub.Unregister(id)
	defer c.Close()

	h.handlers.Add(1)
	go func() {
		defer h.handlers.Done()
		c.WritePump()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(hostCtx, cancel)
	defer stop()

	h.handle(ctx, c)
}

// Broadcast sends snapshot to every connection that has completed a join. A
// failing connection does not stop delivery to the others.
func (h *Host) Broadcast(snapshot types.Snapshot) {
	hb := h.currentHub()
	if hb == nil {
		return
	}
	frame, err := types.EncodeServer(types.SnapshotMessage{Snapshot: snapshot})
	if err != nil {
		h.logger.Error("encode snapshot", zap.Error(err))
		return
	}
	n := hb.Broadcast(frame)
	h.metrics.Broadcast()
	h.logger.Debug("snapshot broadcast", zap.Int("connections", n))
}

// NotifyJoin re-broadcasts the current snapshot after the roster changed.
// Joins accepted over the wire already trigger it; session owners call it for
// roster changes made elsewhere.
func (h *Host) NotifyJoin(p types.Participant) {
	h.rosterChanged(h.context(), p)
}

func (h *Host) rosterChanged(ctx context.Context, p types.Participant) {
	h.logger.Info("participant joined",
		zap.String("student", p.StudentID),
		zap.String("name", p.DisplayName))
	h.broadcastLatest(ctx)
}

func (h *Host) broadcastLatest(ctx context.Context) {
	snap, ok := h.session.Snapshot(ctx)
	if !ok {
		return
	}
	h.Broadcast(snap)
}

func (h *Host) ConnectionCount() int {
	hb := h.currentHub()
	if hb == nil {
		return 0
	}
	return hb.Count()
}

// Addr is the bound TCP address, nil before Start.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// DiscoveryAddr is the bound UDP address, nil before Start.
func (h *Host) DiscoveryAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.udp == nil {
		return nil
	}
	return h.udp.LocalAddr()
}

// Info summarises the running session for status pages.
type Info struct {
	SessionID     string `json:"sessionId"`
	ModuleID      string `json:"moduleId"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	DiscoveryPort int    `json:"discoveryPort"`
	Connections   int    `json:"connections"`
	Participants  int    `json:"participants"`
}

func (h *Host) Info() Info {
	info := Info{
		SessionID:   h.cfg.SessionID,
		ModuleID:    h.cfg.ModuleID,
		Host:        h.advertised(),
		Port:        portOf(h.Addr()),
		Connections: h.ConnectionCount(),
	}
	info.DiscoveryPort = portOf(h.DiscoveryAddr())
	info.Participants = h.participantCount(h.context())
	return info
}

func (h *Host) currentHub() *hub.Hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hub
}

func (h *Host) context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

func (h *Host) advertised() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.extHost
}

func portOf(a net.Addr) int {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.Port
	case *net.UDPAddr:
		return v.Port
	}
	return 0
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
