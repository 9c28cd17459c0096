package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/metrics"
)

const (
	DefaultOutboxSize   = 64
	DefaultWriteTimeout = 5 * time.Second
)

type ConnOptions struct {
	OutboxSize   int
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Conn is one participant connection. Only the hub assigns its id, only the
// owning handler reads from it, and only its write pump writes to it.
type Conn struct {
	id        uint64
	transport Transport

	outbox       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration

	mu        sync.Mutex
	studentID string

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewConn(t Transport, opts ConnOptions) *Conn {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOutboxSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Conn{
		transport:    t,
		outbox:       make(chan []byte, opts.OutboxSize),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With(zap.String("remote", t.RemoteAddr())),
		metrics:      opts.Metrics,
	}
}

// ID is zero until the hub registers the connection.
func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) RemoteAddr() string { return c.transport.RemoteAddr() }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) StudentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.studentID
}

func (c *Conn) SetStudentID(id string) {
	c.mu.Lock()
	c.studentID = id
	c.mu.Unlock()
}

// ReadLine reads the next inbound frame. Callers must not read concurrently.
func (c *Conn) ReadLine(ctx context.Context) ([]byte, error) {
	return c.transport.ReadLine(ctx)
}

// Send queues frame without blocking. A full outbox means the peer is not keeping
// up; the connection is closed and Send reports false.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbox <- frame:
		return true
	default:
		c.logger.Warn("outbox full, dropping slow connection", zap.Uint64("conn", c.id))
		c.metrics.SlowConsumerDropped()
		c.Close()
		return false
	}
}

// WritePump drains the outbox until the connection closes. Frames still queued
// at close are abandoned.
func (c *Conn) WritePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err := c.transport.WriteLine(ctx, frame)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", zap.Uint64("conn", c.id), zap.Error(err))
				c.Close()
				return
			}
			c.metrics.FrameSent()
		}
	}
}

// Close is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
	})
	return err
}
