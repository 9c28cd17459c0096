// Package hub owns the live connection registry. A single goroutine holds the
// id counter and the id -> connection map, so ids are never handed out twice.
package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/metrics"
)

type HubMsg interface{ isHubMsg() }

// Register adds Conn and replies with its id, or 0 once the hub is shut down.
type Register struct {
	Conn  *Conn
	Reply chan uint64
}

type Unregister struct {
	ID uint64
}

// Broadcast queues Frame on every admitted connection and replies with the
// number of connections that accepted it. A connection is admitted once it has
// a student id.
type Broadcast struct {
	Frame []byte
	Reply chan int
}

type Count struct {
	Reply chan int
}

type ShutdownHub struct{}

func (Register) isHubMsg()    {}
func (Unregister) isHubMsg()  {}
func (Broadcast) isHubMsg()   {}
func (Count) isHubMsg()       {}
func (ShutdownHub) isHubMsg() {}

type Hub struct {
	inbox  chan HubMsg
	conns  map[uint64]*Conn
	nextID uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewHub(parent context.Context, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		conns:   make(map[uint64]*Conn),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
		metrics: m,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub has stopped and closed every connection.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				h.nextID++
				msg.Conn.id = h.nextID
				h.conns[msg.Conn.id] = msg.Conn
				h.metrics.ConnectionOpened()
				h.logger.Debug("connection registered",
					zap.Uint64("conn", msg.Conn.id),
					zap.String("remote", msg.Conn.RemoteAddr()),
					zap.Int("total", len(h.conns)))
				msg.Reply <- msg.Conn.id

			case Unregister:
				h.remove(msg.ID)

			case Broadcast:
				n := 0
				for id, c := range h.conns {
					if c.StudentID() == "" {
						continue
					}
					if c.Send(msg.Frame) {
						n++
						continue
					}
					// Send already closed it; its handler will find it gone.
					h.remove(id)
				}
				if msg.Reply != nil {
					msg.Reply <- n
				}

			case Count:
				msg.Reply <- len(h.conns)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) remove(id uint64) {
	c, ok := h.conns[id]
	if !ok {
		return
	}
	delete(h.conns, id)
	h.metrics.ConnectionClosed()
	h.logger.Debug("connection removed", zap.Uint64("conn", id), zap.Int("total", len(h.conns)))
	_ = c.Close()
}

func (h *Hub) shutdown() {
	for id := range h.conns {
		h.remove(id)
	}
	h.cancel()
}

func (h *Hub) send(m HubMsg) bool {
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	}
}

// Register assigns c the next id. It reports false, and closes c, if the hub is gone.
func (h *Hub) Register(c *Conn) (uint64, bool) {
	reply := make(chan uint64, 1)
	if !h.send(Register{Conn: c, Reply: reply}) {
		_ = c.Close()
		return 0, false
	}
	select {
	case id := <-reply:
		return id, true
	case <-h.done:
		_ = c.Close()
		return 0, false
	}
}

// Unregister removes and closes the connection. Unknown ids are ignored.
func (h *Hub) Unregister(id uint64) {
	h.send(Unregister{ID: id})
}

// Broadcast fans frame out to every admitted connection. Connections still
// waiting on their join are skipped.
func (h *Hub) Broadcast(frame []byte) int {
	reply := make(chan int, 1)
	if !h.send(Broadcast{Frame: frame, Reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

func (h *Hub) Count() int {
	reply := make(chan int, 1)
	if !h.send(Count{Reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

// Shutdown closes every connection and stops the hub. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.cancel()
	<-h.done
}
