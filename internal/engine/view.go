package engine

import "github.com/DoyleJ11/lan-quiz/pkg/types"

// View is the snapshot document participants see. Its participants array is
// what discovery announcements count.
type View struct {
	SessionID    string              `json:"sessionId"`
	ModuleID     string              `json:"moduleId"`
	Version      int                 `json:"version"`
	Participants []types.Participant `json:"participants"`
	Answers      int                 `json:"answers"`
	Answered     map[string]int      `json:"answered,omitempty"`
}

func NewView(s State) View {
	v := View{
		SessionID:    s.SessionID,
		ModuleID:     s.ModuleID,
		Version:      s.Version,
		Participants: make([]types.Participant, 0, len(s.Participants)),
		Answers:      len(s.Answers),
	}
	for _, p := range s.Participants {
		v.Participants = append(v.Participants, types.Participant{StudentID: p.StudentID, DisplayName: p.DisplayName})
	}
	for _, a := range s.Answers {
		if a.QuestionID == "" {
			continue
		}
		if v.Answered == nil {
			v.Answered = make(map[string]int)
		}
		v.Answered[a.QuestionID]++
	}
	return v
}

func Snapshot(s State) (types.Snapshot, error) {
	return types.NewSnapshot(NewView(s))
}
