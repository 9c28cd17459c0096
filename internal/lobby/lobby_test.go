package lobby

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/lan-quiz/internal/engine"
	"github.com/DoyleJ11/lan-quiz/internal/host"
	"github.com/DoyleJ11/lan-quiz/pkg/types"
)

var _ host.Session = (*Lobby)(nil)

func newTestLobby(t *testing.T, opts Options) *Lobby {
	t.Helper()
	l := NewLobby(context.Background(), engine.NewState("S1", "M1"), opts)
	t.Cleanup(l.Close)
	return l
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func view(t *testing.T, l *Lobby) engine.View {
	t.Helper()
	snap, ok := l.Snapshot(ctxT(t))
	if !ok {
		t.Fatalf("lobby has no snapshot")
	}
	var v engine.View
	if err := snap.Decode(&v); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return v
}

func TestLobby_EmptySessionHasSnapshot(t *testing.T) {
	l := newTestLobby(t, Options{})
	v := view(t, l)
	if v.SessionID != "S1" || v.Version != 0 || len(v.Participants) != 0 {
		t.Fatalf("unexpected initial view %+v", v)
	}
}

func TestLobby_Join_Accepts(t *testing.T) {
	l := newTestLobby(t, Options{})

	ack := l.OnJoin(ctxT(t), "  Ana ")
	if !ack.Accepted || ack.DisplayName != "Ana" || ack.StudentID == "" {
		t.Fatalf("unexpected ack %+v", ack)
	}

	v := view(t, l)
	if v.Version != 1 || len(v.Participants) != 1 || v.Participants[0].StudentID != ack.StudentID {
		t.Fatalf("unexpected view after join %+v", v)
	}
}

func TestLobby_Join_Rejections(t *testing.T) {
	l := newTestLobby(t, Options{})
	if ack := l.OnJoin(ctxT(t), "Ana"); !ack.Accepted {
		t.Fatalf("first join rejected: %+v", ack)
	}

	cases := map[string]string{
		"ANA": "Nickname is already taken",
		"   ": "Nickname is required",
	}
	for nickname, reason := range cases {
		ack := l.OnJoin(ctxT(t), nickname)
		if ack.Accepted || ack.Reason != reason {
			t.Fatalf("join %q: want reason %q, got %+v", nickname, reason, ack)
		}
	}

	st, err := l.State(ctxT(t))
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(st.Participants) != 1 {
		t.Fatalf("rejected joins changed the roster: %+v", st.Participants)
	}
}

func TestLobby_Answer(t *testing.T) {
	l := newTestLobby(t, Options{})
	ana := l.OnJoin(ctxT(t), "Ana")

	answer := types.Answer{SessionID: "S1", StudentID: ana.StudentID, Payload: json.RawMessage(`{"questionId":"q1","choice":"B"}`)}
	if ack := l.OnAnswer(ctxT(t), answer); !ack.Accepted {
		t.Fatalf("answer rejected: %+v", ack)
	}
	if ack := l.OnAnswer(ctxT(t), answer); ack.Accepted || ack.Reason != "Question already answered" {
		t.Fatalf("duplicate answer: got %+v", ack)
	}

	stranger := types.Answer{SessionID: "S1", StudentID: "stu-nobody"}
	if ack := l.OnAnswer(ctxT(t), stranger); ack.Accepted || ack.Reason != "Unknown student" {
		t.Fatalf("unknown student: got %+v", ack)
	}

	v := view(t, l)
	if v.Answers != 1 || v.Answered["q1"] != 1 || v.Version != 2 {
		t.Fatalf("unexpected view after answers %+v", v)
	}
}

type memRecorder struct {
	mu      sync.Mutex
	session string
	events  []engine.Event
}

func (r *memRecorder) Record(_ context.Context, sessionID string, e engine.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = sessionID
	r.events = append(r.events, e)
	return nil
}

func TestLobby_RecordsEventsInOrder(t *testing.T) {
	rec := &memRecorder{}
	l := NewLobby(context.Background(), engine.NewState("S1", "M1"), Options{Recorder: rec})

	ana := l.OnJoin(ctxT(t), "Ana")
	l.OnJoin(ctxT(t), "Ana") // rejected, not recorded
	l.OnAnswer(ctxT(t), types.Answer{StudentID: ana.StudentID, Payload: json.RawMessage(`1`)})
	l.Close()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.session != "S1" {
		t.Fatalf("recorded under session %q", rec.session)
	}
	if len(rec.events) != 2 ||
		rec.events[0].Type != engine.EvtParticipantJoined ||
		rec.events[1].Type != engine.EvtAnswerRecorded {
		t.Fatalf("unexpected recorded events %+v", rec.events)
	}
}

func TestLobby_ClosedRejectsEverything(t *testing.T) {
	l := NewLobby(context.Background(), engine.NewState("S1", "M1"), Options{})
	l.Inbox() <- Shutdown{}

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("lobby did not stop")
	}

	if ack := l.OnJoin(ctxT(t), "Ana"); ack.Accepted || ack.Reason != ReasonClosed {
		t.Fatalf("join after shutdown: %+v", ack)
	}
	if ack := l.OnAnswer(ctxT(t), types.Answer{}); ack.Accepted || ack.Reason != ReasonClosed {
		t.Fatalf("answer after shutdown: %+v", ack)
	}
	if _, ok := l.Snapshot(ctxT(t)); ok {
		t.Fatalf("closed lobby must not report a snapshot")
	}
	l.Close()
}

func TestLobby_ParentCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLobby(ctx, engine.NewState("S1", "M1"), Options{})
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("lobby ignored parent cancellation")
	}
}

func TestReason(t *testing.T) {
	if got := Reason(engine.ErrNicknameTooLong); got != "Nickname is too long" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := Reason(engine.ErrUnsupportedCommand); got != "Request rejected" {
		t.Fatalf("unexpected fallback %q", got)
	}
}
