package engine

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var ErrBlankNickname = errors.New("nickname is required")
var ErrNicknameTooLong = errors.New("nickname is too long")
var ErrNicknameTaken = errors.New("nickname is already taken")
var ErrUnknownStudent = errors.New("unknown student")
var ErrInvalidPayload = errors.New("answer payload is not valid JSON")
var ErrDuplicateAnswer = errors.New("question already answered")
var ErrUnsupportedCommand = errors.New("unsupported command")

const MaxNicknameLen = 32

type Participant struct {
	StudentID   string
	DisplayName string
}

type AnswerRecord struct {
	StudentID  string
	QuestionID string
	Payload    json.RawMessage
}

// State is the roster and answer log of one session. Version counts applied
// events.
type State struct {
	SessionID    string
	ModuleID     string
	Version      int
	Participants []Participant
	Answers      []AnswerRecord
}

type CommandType string

const (
	CmdJoin   CommandType = "Join"
	CmdAnswer CommandType = "Answer"
)

/*
	CmdJoin   -> EvtParticipantJoined
	CmdAnswer -> EvtAnswerRecorded

	Answers without a questionId are never treated as duplicates.
*/

type Command struct {
	Type      CommandType
	Nickname  string
	StudentID string
	Payload   json.RawMessage
}

type EventType string

const (
	EvtParticipantJoined EventType = "ParticipantJoined"
	EvtAnswerRecorded    EventType = "AnswerRecorded"
)

type Event struct {
	Type        EventType       `json:"type"`
	StudentID   string          `json:"studentId"`
	DisplayName string          `json:"displayName,omitempty"`
	QuestionID  string          `json:"questionId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func NewState(sessionID, moduleID string) State {
	return State{SessionID: sessionID, ModuleID: moduleID}
}

// Apply validates cmd against s and returns the resulting events and state.
// s itself is never modified.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdJoin:
		name := NormalizeNickname(cmd.Nickname)
		if name == "" {
			return nil, s, ErrBlankNickname
		}
		if utf8.RuneCountInString(name) > MaxNicknameLen {
			return nil, s, ErrNicknameTooLong
		}
		if nicknameTaken(s, name) {
			return nil, s, ErrNicknameTaken
		}

		id := newStudentID()
		for hasStudent(s, id) {
			id = newStudentID()
		}
		events := []Event{{Type: EvtParticipantJoined, StudentID: id, DisplayName: name}}
		return events, Reduce(s, events), nil

	case CmdAnswer:
		if !hasStudent(s, cmd.StudentID) {
			return nil, s, ErrUnknownStudent
		}
		questionID, err := questionOf(cmd.Payload)
		if err != nil {
			return nil, s, err
		}
		if questionID != "" && hasAnswered(s, cmd.StudentID, questionID) {
			return nil, s, ErrDuplicateAnswer
		}

		events := []Event{{
			Type:       EvtAnswerRecorded,
			StudentID:  cmd.StudentID,
			QuestionID: questionID,
			Payload:    slices.Clone(cmd.Payload),
		}}
		return events, Reduce(s, events), nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Reduce folds events onto s. It is also how a journal replays a session.
func Reduce(s State, events []Event) State {
	s.Participants = slices.Clip(s.Participants)
	s.Answers = slices.Clip(s.Answers)
	for _, e := range events {
		switch e.Type {
		case EvtParticipantJoined:
			s.Participants = append(s.Participants, Participant{StudentID: e.StudentID, DisplayName: e.DisplayName})
		case EvtAnswerRecorded:
			s.Answers = append(s.Answers, AnswerRecord{StudentID: e.StudentID, QuestionID: e.QuestionID, Payload: e.Payload})
		default:
			continue
		}
		s.Version++
	}
	return s
}

// NormalizeNickname trims surrounding space and puts the name in NFC form so
// visually identical names compare equal.
func NormalizeNickname(n string) string {
	return norm.NFC.String(strings.TrimSpace(n))
}

// nicknameTaken compares case-folded names. Casers are stateful, so each call
// gets its own.
func nicknameTaken(s State, name string) bool {
	fold := cases.Fold()
	key := fold.String(name)
	return slices.ContainsFunc(s.Participants, func(p Participant) bool {
		return fold.String(p.DisplayName) == key
	})
}

func hasStudent(s State, id string) bool {
	return id != "" && slices.ContainsFunc(s.Participants, func(p Participant) bool {
		return p.StudentID == id
	})
}

func hasAnswered(s State, studentID, questionID string) bool {
	return slices.ContainsFunc(s.Answers, func(a AnswerRecord) bool {
		return a.StudentID == studentID && a.QuestionID == questionID
	})
}

// questionOf pulls the optional questionId out of an answer payload. Any valid
// JSON is accepted; only objects can carry a question id.
func questionOf(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	if !json.Valid(payload) {
		return "", ErrInvalidPayload
	}
	var probe struct {
		QuestionID string `json:"questionId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", nil
	}
	return probe.QuestionID, nil
}

var newStudentID = func() string {
	return "stu-" + uuid.NewString()[:8]
}
