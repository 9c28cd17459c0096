// Package lobby owns the state of one quiz session in a single goroutine and
// answers the host's join, answer and snapshot requests through its inbox.
package lobby

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lan-quiz/internal/engine"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

const ReasonClosed = "Session is closed"

var ErrClosed = errors.New("lobby: closed")

type Msg interface{ isLobbyMsg() }

type Join struct {
	Nickname string
	Reply    chan types.JoinAck
}

func (Join) isLobbyMsg() {}

type Answer struct {
	Answer types.Answer
	Reply  chan types.AnswerAck
}

func (Answer) isLobbyMsg() {}

type GetSnapshot struct {
	Reply chan types.Snapshot
}

func (GetSnapshot) isLobbyMsg() {}

// GetState reflects internal state without data races.
type GetState struct {
	Reply chan engine.State
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

// Recorder receives every applied event, in order, off the lobby goroutine.
type Recorder interface {
	Record(ctx context.Context, sessionID string, e engine.Event) error
}

type Options struct {
	Logger   *zap.Logger
	Recorder Recorder
}

type Lobby struct {
	inbox     chan Msg
	sessionID string
	state     engine.State
	snap      types.Snapshot
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	logger *zap.Logger

	recorder Recorder
	records  chan engine.Event
	recDone  chan struct{}
}

func NewLobby(parent context.Context, initial engine.State, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Lobby{
		inbox:     make(chan Msg, 64), // Small buffer
		sessionID: initial.SessionID,
		state:     initial,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    opts.Logger.With(zap.String("session", initial.SessionID)),
		recorder:  opts.Recorder,
	}
	l.render()

	if l.recorder != nil {
		l.records = make(chan engine.Event, 256)
		l.recDone = make(chan struct{})
		go l.recordLoop()
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				msg.Reply <- l.join(msg.Nickname)

			case Answer:
				msg.Reply <- l.answer(msg.Answer)

			case GetSnapshot:
				msg.Reply <- l.snap

			case GetState:
				msg.Reply <- l.state

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) join(nickname string) types.JoinAck {
	events, next, err := engine.Apply(l.state, engine.Command{Type: engine.CmdJoin, Nickname: nickname})
	if err != nil {
		l.logger.Info("join rejected", zap.String("nickname", nickname), zap.Error(err))
		return types.JoinAck{Accepted: false, Reason: Reason(err)}
	}
	l.commit(events, next)

	// The host broadcasts the roster change after queuing the ack.
	e := events[0]
	return types.JoinAck{Accepted: true, StudentID: e.StudentID, DisplayName: e.DisplayName}
}

func (l *Lobby) answer(a types.Answer) types.AnswerAck {
	events, next, err := engine.Apply(l.state, engine.Command{
		Type:      engine.CmdAnswer,
		StudentID: a.StudentID,
		Payload:   a.Payload,
	})
	if err != nil {
		l.logger.Debug("answer rejected", zap.String("student", a.StudentID), zap.Error(err))
		return types.AnswerAck{Accepted: false, Reason: Reason(err)}
	}
	l.commit(events, next)
	return types.AnswerAck{Accepted: true}
}

func (l *Lobby) commit(events []engine.Event, next engine.State) {
	l.state = next
	l.render()
	for _, e := range events {
		l.record(e)
	}
}

// render caches the snapshot for the current version.
func (l *Lobby) render() {
	snap, err := engine.Snapshot(l.state)
	if err != nil {
		l.logger.Error("render snapshot", zap.Error(err))
		return
	}
	l.snap = snap
}

func (l *Lobby) record(e engine.Event) {
	if l.records == nil {
		return
	}
	select {
	case l.records <- e:
	default:
		l.logger.Warn("journal backlog full, dropping event", zap.String("type", string(e.Type)))
	}
}

func (l *Lobby) recordLoop() {
	defer close(l.recDone)
	for e := range l.records {
		if err := l.recorder.Record(context.Background(), l.sessionID, e); err != nil {
			l.logger.Warn("journal write failed", zap.String("type", string(e.Type)), zap.Error(err))
		}
	}
}

func (l *Lobby) shutdown() {
	if l.records != nil {
		close(l.records)
		<-l.recDone
	}
	l.cancel()
}

// Expose the inbox so tests or other layers can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby goroutine has exited and the journal is flushed.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Close stops the lobby and waits for it.
func (l *Lobby) Close() {
	l.cancel()
	<-l.done
}

func (l *Lobby) OnJoin(ctx context.Context, nickname string) types.JoinAck {
	ack, err := ask(ctx, l, func(reply chan types.JoinAck) Msg {
		return Join{Nickname: nickname, Reply: reply}
	})
	if err != nil {
		return types.JoinAck{Accepted: false, Reason: ReasonClosed}
	}
	return ack
}

func (l *Lobby) OnAnswer(ctx context.Context, a types.Answer) types.AnswerAck {
	ack, err := ask(ctx, l, func(reply chan types.AnswerAck) Msg {
		return Answer{Answer: a, Reply: reply}
	})
	if err != nil {
		return types.AnswerAck{Accepted: false, Reason: ReasonClosed}
	}
	return ack
}

func (l *Lobby) Snapshot(ctx context.Context) (types.Snapshot, bool) {
	snap, err := ask(ctx, l, func(reply chan types.Snapshot) Msg {
		return GetSnapshot{Reply: reply}
	})
	if err != nil || len(snap) == 0 {
		return nil, false
	}
	return snap, true
}

func (l *Lobby) State(ctx context.Context) (engine.State, error) {
	return ask(ctx, l, func(reply chan engine.State) Msg {
		return GetState{Reply: reply}
	})
}

// ask sends a request built around a fresh reply channel and waits for the
// answer, the caller giving up, or the lobby stopping.
func ask[T any](ctx context.Context, l *Lobby, build func(chan T) Msg) (T, error) {
	var zero T
	reply := make(chan T, 1)
	select {
	case l.inbox <- build(reply):
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-l.done:
		return zero, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-l.done:
		return zero, ErrClosed
	}
}

var reasons = map[error]string{
	engine.ErrBlankNickname:   "Nickname is required",
	engine.ErrNicknameTooLong: "Nickname is too long",
	engine.ErrNicknameTaken:   "Nickname is already taken",
	engine.ErrUnknownStudent:  "Unknown student",
	engine.ErrInvalidPayload:  "Answer is not valid JSON",
	engine.ErrDuplicateAnswer: "Question already answered",
}

// Reason turns an engine error into the text sent back to the participant.
func Reason(err error) string {
	for target, text := range reasons {
		if errors.Is(err, target) {
			return text
		}
	}
	return "Request rejected"
}
