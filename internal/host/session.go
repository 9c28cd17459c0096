package host

import (
	"context"

	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

// Session is implemented by whoever owns the quiz session state. The host only
// asks it for decisions and snapshots; roster and scoring rules live behind it.
type Session interface {
	OnJoin(ctx context.Context, nickname string) types.JoinAck
	OnAnswer(ctx context.Context, answer types.Answer) types.AnswerAck
	// Snapshot returns false while the session has no state to show. The host
	// then sends nothing in its place: an accepted join is left with only its
	// JoinAck, a Ping goes unanswered and broadcasts are skipped. Owners that
	// want every join followed by a Snapshot must always return true.
	Snapshot(ctx context.Context) (types.Snapshot, bool)
}

// SessionFuncs adapts plain functions to Session. Nil funcs reject joins and
// answers and report no snapshot.
type SessionFuncs struct {
	Join    func(ctx context.Context, nickname string) types.JoinAck
	Answer  func(ctx context.Context, answer types.Answer) types.AnswerAck
	Current func(ctx context.Context) (types.Snapshot, bool)
}

func (f SessionFuncs) OnJoin(ctx context.Context, nickname string) types.JoinAck {
	if f.Join == nil {
		return types.JoinAck{Accepted: false, Reason: "Joining is closed"}
	}
	return f.Join(ctx, nickname)
}

func (f SessionFuncs) OnAnswer(ctx context.Context, answer types.Answer) types.AnswerAck {
	if f.Answer == nil {
		return types.AnswerAck{Accepted: false, Reason: "Answers are closed"}
	}
	return f.Answer(ctx, answer)
}

func (f SessionFuncs) Snapshot(ctx context.Context) (types.Snapshot, bool) {
	if f.Current == nil {
		return nil, false
	}
	return f.Current(ctx)
}
