// Package participant is the student side of a quiz session: it joins a host
// over TCP and exposes incoming snapshots and answer acks as streams.
package participant

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/hub"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

const (
	DefaultJoinTimeout  = 2 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	sendQueueSize       = 64
)

var ErrClosed = errors.New("participant: client shut down")

type Options struct {
	Logger       *zap.Logger
	WriteTimeout time.Duration
	MaxLine      int
}

// Client holds at most one host connection at a time.
type Client struct {
	logger       *zap.Logger
	writeTimeout time.Duration
	maxLine      int

	// writeMu serialises every frame put on the wire.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	readerDone chan struct{}
	studentID  string
	closed     bool

	sendCh     chan types.ClientMessage
	writerDone chan struct{}

	snapMu    sync.Mutex
	latest    types.Snapshot
	hasLatest bool
	subs      map[int]chan types.Snapshot
	nextSub   int

	ackMu      sync.Mutex
	acks       chan types.AnswerAck
	acksClosed bool
}

func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxLine <= 0 {
		opts.MaxLine = hub.DefaultMaxLine
	}
	c := &Client{
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		maxLine:      opts.MaxLine,
		sendCh:       make(chan types.ClientMessage, sendQueueSize),
		writerDone:   make(chan struct{}),
		subs:         make(map[int]chan types.Snapshot),
		acks:         make(chan types.AnswerAck, 1),
	}
	go c.writeMessages()
	return c
}

// Join opens a fresh connection to addr, closing any previous one, and waits
// for the host's JoinAck. Anything other than an accepted ack leaves the client
// disconnected and is reported as a rejection; err is set only when the
// transport itself failed.
func (c *Client) Join(ctx context.Context, addr, sessionID, nickname string, timeout time.Duration) (types.JoinAck, error) {
	if c.isClosed() {
		return rejected(types.ReasonNoResponse), ErrClosed
	}
	c.Disconnect()

	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return rejected(types.ReasonNoResponse), fmt.Errorf("dial %s: %w", addr, err)
	}
	dl, _ := ctx.Deadline()
	_ = conn.SetDeadline(dl)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), c.maxLine)

	ack, err := c.handshake(conn, sc, types.JoinRequest{SessionID: sessionID, Nickname: nickname})
	stop()
	if err != nil || !ack.Accepted {
		_ = conn.Close()
		return ack, err
	}
	_ = conn.SetDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return rejected(types.ReasonNoResponse), ErrClosed
	}
	done := make(chan struct{})
	c.conn = conn
	c.readerDone = done
	c.studentID = ack.StudentID
	c.mu.Unlock()

	c.logger.Info("joined session",
		zap.String("session", sessionID),
		zap.String("student", ack.StudentID),
		zap.String("host", addr))

	go c.readLoop(conn, sc, done)
	return ack, nil
}

func (c *Client) handshake(conn net.Conn, sc *bufio.Scanner, req types.JoinRequest) (types.JoinAck, error) {
	if err := c.writeTo(conn, req); err != nil {
		return rejected(types.ReasonNoResponse), err
	}
	if !sc.Scan() {
		err := sc.Err()
		if err == nil {
			err = errors.New("connection closed before reply")
		}
		return rejected(types.ReasonNoResponse), fmt.Errorf("await join ack: %w", err)
	}
	msg, err := types.DecodeServer(sc.Bytes())
	if err != nil {
		c.logger.Debug("undecodable join reply", zap.Error(err))
		return rejected(types.ReasonNoResponse), nil
	}
	ack, ok := msg.(types.JoinAck)
	if !ok {
		c.logger.Debug("unexpected join reply", zap.String("type", string(types.ServerType(msg))))
		return rejected(types.ReasonNoResponse), nil
	}
	return ack, nil
}

func rejected(reason string) types.JoinAck {
	return types.JoinAck{Accepted: false, Reason: reason}
}

// SendAnswer queues an Answer frame. Delivery is confirmed only by a later
// AnswerAck on Acks.
func (c *Client) SendAnswer(sessionID, studentID string, payload json.RawMessage) {
	c.enqueue(types.Answer{SessionID: sessionID, StudentID: studentID, Payload: payload})
}

// RequestSnapshot queues a Ping; the host replies with its current snapshot.
func (c *Client) RequestSnapshot(sessionID string) {
	c.enqueue(types.Ping{SessionID: sessionID})
}

func (c *Client) enqueue(msg types.ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.sendCh <- msg:
	default:
		c.logger.Warn("send queue full, dropping frame", zap.String("type", string(types.ClientType(msg))))
	}
}

func (c *Client) writeMessages() {
	defer close(c.writerDone)
	for msg := range c.sendCh {
		conn := c.current()
		if conn == nil {
			c.logger.Debug("not connected, dropping frame", zap.String("type", string(types.ClientType(msg))))
			continue
		}
		if err := c.writeTo(conn, msg); err != nil {
			c.logger.Warn("write failed", zap.Error(err))
		}
	}
}

func (c *Client) writeTo(conn net.Conn, msg types.ClientMessage) error {
	line, err := types.EncodeClient(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", types.ClientType(msg), err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn, sc *bufio.Scanner, done chan struct{}) {
	defer close(done)
	defer c.drop(conn)

	for sc.Scan() {
		msg, err := types.DecodeServer(sc.Bytes())
		if err != nil {
			c.logger.Debug("dropping frame", zap.Error(err))
			continue
		}
		switch m := msg.(type) {
		case types.SnapshotMessage:
			c.publish(m.Snapshot)
		case types.AnswerAck:
			c.pushAck(m)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Info("connection lost", zap.Error(err))
	}
}

// drop forgets conn if it is still the active connection.
func (c *Client) drop(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.readerDone = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Disconnect closes the active connection and waits for its reader. Safe to
// call any number of times.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn, done := c.conn, c.readerDone
	c.conn, c.readerDone = nil, nil
	c.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.Close()
	if done != nil {
		<-done
	}
	c.logger.Debug("disconnected")
}

// Shutdown flushes queued writes, disconnects and closes every stream. The
// client cannot be used afterwards.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()

	<-c.writerDone
	c.Disconnect()

	c.snapMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.snapMu.Unlock()

	c.ackMu.Lock()
	c.acksClosed = true
	close(c.acks)
	c.ackMu.Unlock()
}

// Snapshots subscribes to the latest snapshot. The channel holds one value,
// starts with the last known snapshot if any, and newer snapshots replace
// unread ones. cancel closes the channel.
func (c *Client) Snapshots() (<-chan types.Snapshot, func()) {
	ch := make(chan types.Snapshot, 1)

	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.isClosed() {
		close(ch)
		return ch, func() {}
	}
	if c.hasLatest {
		ch <- c.latest
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.snapMu.Lock()
			defer c.snapMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Client) Latest() (types.Snapshot, bool) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.latest, c.hasLatest
}

func (c *Client) publish(s types.Snapshot) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.latest, c.hasLatest = s, true
	for _, ch := range c.subs {
		overwrite(ch, s)
	}
}

// Acks delivers answer acks on a one-slot channel; an unread ack is replaced
// by the next one.
func (c *Client) Acks() <-chan types.AnswerAck { return c.acks }

func (c *Client) pushAck(a types.AnswerAck) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if c.acksClosed {
		return
	}
	overwrite(c.acks, a)
}

// overwrite puts v into a one-slot channel, evicting the unread value. Callers
// must be the channel's only sender.
func overwrite[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (c *Client) Connected() bool {
	return c.current() != nil
}

// StudentID is the id granted by the last accepted join.
func (c *Client) StudentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.studentID
}

func (c *Client) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
