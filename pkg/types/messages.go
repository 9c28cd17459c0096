// Package types holds the LAN quiz wire protocol.
//
// Every TCP frame is one JSON object on one line, tagged by "type":
//
//	Client -> Host
//	  JoinRequest:  sessionId, nickname
//	  Answer:       sessionId, studentId, answerPayload
//	  Ping:         sessionId (optional)
//
//	Host -> Client
//	  JoinAck:      accepted, studentId?, displayName?, reason?
//	  AnswerAck:    accepted, reason?
//	  Snapshot:     snapshot
//	  Announcement: sessionId, moduleId, host, port, participantCount
//
// Discovery probes travel over UDP as a bare {"requestId": "..."} datagram and are
// answered with an Announcement frame.
package types

import "encoding/json"

type MessageType string

const (
	TypeJoinRequest  MessageType = "JoinRequest"
	TypeAnswer       MessageType = "Answer"
	TypePing         MessageType = "Ping"
	TypeJoinAck      MessageType = "JoinAck"
	TypeAnswerAck    MessageType = "AnswerAck"
	TypeSnapshot     MessageType = "Snapshot"
	TypeAnnouncement MessageType = "Announcement"
)

// ClientMessage is any frame a participant sends to the host.
type ClientMessage interface {
	clientType() MessageType
}

// ServerMessage is any frame the host sends to a participant.
type ServerMessage interface {
	serverType() MessageType
}

type JoinRequest struct {
	SessionID string `json:"sessionId"`
	Nickname  string `json:"nickname"`
}

type Answer struct {
	SessionID string          `json:"sessionId"`
	StudentID string          `json:"studentId"`
	Payload   json.RawMessage `json:"answerPayload,omitempty"`
}

type Ping struct {
	SessionID string `json:"sessionId,omitempty"`
}

type JoinAck struct {
	Accepted    bool   `json:"accepted"`
	StudentID   string `json:"studentId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type AnswerAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type SnapshotMessage struct {
	Snapshot Snapshot `json:"snapshot"`
}

// Announcement advertises a running session to discovery clients.
type Announcement struct {
	SessionID        string `json:"sessionId"`
	ModuleID         string `json:"moduleId"`
	Host             string `json:"host"`
	Port             int    `json:"port"`
	ParticipantCount int    `json:"participantCount"`
}

// Participant identifies a roster member when the session owner reports a join.
type Participant struct {
	StudentID   string `json:"studentId"`
	DisplayName string `json:"displayName"`
}

// DiscoveryRequest is the UDP probe. It is not a tagged frame.
type DiscoveryRequest struct {
	RequestID string `json:"requestId"`
}

func (JoinRequest) clientType() MessageType { return TypeJoinRequest }
func (Answer) clientType() MessageType      { return TypeAnswer }
func (Ping) clientType() MessageType        { return TypePing }

func (JoinAck) serverType() MessageType         { return TypeJoinAck }
func (AnswerAck) serverType() MessageType       { return TypeAnswerAck }
func (SnapshotMessage) serverType() MessageType { return TypeSnapshot }
func (Announcement) serverType() MessageType    { return TypeAnnouncement }

// ClientType reports the discriminator m is encoded with.
func ClientType(m ClientMessage) MessageType { return m.clientType() }

// ServerType reports the discriminator m is encoded with.
func ServerType(m ServerMessage) MessageType { return m.serverType() }

// Rejection reasons the host emits on its own, without consulting the session owner.
const (
	ReasonInvalidSession = "Invalid session"
	ReasonNoResponse     = "No response from host"
)
