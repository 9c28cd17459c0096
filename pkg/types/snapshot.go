package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Snapshot is the session state produced by the session owner. The host forwards it
// verbatim and never looks inside, except for ParticipantCount when answering probes.
type Snapshot json.RawMessage

func NewSnapshot(v any) (Snapshot, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return Snapshot(b), nil
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

func (s *Snapshot) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	*s = append((*s)[:0], b...)
	return nil
}

// Decode unmarshals the snapshot into v.
func (s Snapshot) Decode(v any) error {
	if len(s) == 0 {
		return fmt.Errorf("snapshot: empty")
	}
	return json.Unmarshal(s, v)
}

// ParticipantCount reads an optional top-level "participants" field, either a list
// or a number. Anything else counts as zero.
func (s Snapshot) ParticipantCount() int {
	if len(s) == 0 {
		return 0
	}
	var probe struct {
		Participants json.RawMessage `json:"participants"`
	}
	if err := json.Unmarshal(s, &probe); err != nil || len(probe.Participants) == 0 {
		return 0
	}

	var list []json.RawMessage
	if err := json.Unmarshal(probe.Participants, &list); err == nil {
		return len(list)
	}
	var n int
	if err := json.Unmarshal(probe.Participants, &n); err == nil && n > 0 {
		return n
	}
	return 0
}
