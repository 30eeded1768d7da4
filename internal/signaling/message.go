package signaling

import (
	"fmt"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// Kind tags every message exchanged with browsers.
type Kind string

// Inbound kinds.
const (
	KindJoinRoom         Kind = "joinRoom"
	KindReceiveVideoFrom Kind = "receiveVideoFrom"
	KindCandidate        Kind = "candidate"
)

// Outbound kinds. KindCandidate is used in both directions.
const (
	KindExistingParticipants  Kind = "existingParticipants"
	KindNewParticipantArrived Kind = "newParticipantArrived"
	KindParticipantLeft       Kind = "participantLeft"
	KindReceiveVideoAnswer    Kind = "receiveVideoAnswer"
	KindError                 Kind = "error"
)

// Envelope is the wire form of every client to server message.
type Envelope struct {
	Kind      Kind              `json:"kind" msgpack:"kind"`
	UserName  string            `json:"userName,omitempty" msgpack:"userName,omitempty"`
	RoomName  string            `json:"roomName,omitempty" msgpack:"roomName,omitempty"`
	UserID    string            `json:"userId,omitempty" msgpack:"userId,omitempty"`
	SDPOffer  string            `json:"sdpOffer,omitempty" msgpack:"sdpOffer,omitempty"`
	Candidate *engine.Candidate `json:"candidate,omitempty" msgpack:"candidate,omitempty"`
}

// Inbound is a validated client request: JoinRoom, ReceiveVideoFrom or
// IceCandidate.
type Inbound interface {
	inbound()
}

// JoinRoom asks to join a room, creating it if needed.
type JoinRoom struct {
	UserName string
	RoomName string
}

// ReceiveVideoFrom offers SDP to receive the media of participant UserID.
type ReceiveVideoFrom struct {
	UserID   string
	RoomName string
	SDPOffer string
}

// IceCandidate is a remote candidate for the media path shared with UserID.
type IceCandidate struct {
	UserID    string
	RoomName  string
	Candidate engine.Candidate
}

func (JoinRoom) inbound()         {}
func (ReceiveVideoFrom) inbound() {}
func (IceCandidate) inbound()     {}

// Parse validates the envelope and converts it to its request type.
func (e *Envelope) Parse() (Inbound, error) {
	switch e.Kind {
	case KindJoinRoom:
		if e.UserName == "" || e.RoomName == "" {
			return nil, invalid(e.Kind, "userName and roomName are required")
		}
		return JoinRoom{UserName: e.UserName, RoomName: e.RoomName}, nil

	case KindReceiveVideoFrom:
		if e.UserID == "" || e.RoomName == "" || e.SDPOffer == "" {
			return nil, invalid(e.Kind, "userId, roomName and sdpOffer are required")
		}
		return ReceiveVideoFrom{UserID: e.UserID, RoomName: e.RoomName, SDPOffer: e.SDPOffer}, nil

	case KindCandidate:
		if e.UserID == "" || e.RoomName == "" || e.Candidate == nil || e.Candidate.Candidate == "" {
			return nil, invalid(e.Kind, "userId, roomName and candidate are required")
		}
		return IceCandidate{UserID: e.UserID, RoomName: e.RoomName, Candidate: *e.Candidate}, nil

	case "":
		return nil, invalid(e.Kind, "missing kind")

	default:
		return nil, invalid(e.Kind, fmt.Sprintf("unknown kind %q", e.Kind))
	}
}

func invalid(kind Kind, reason string) error {
	if kind == "" {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, reason)
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, kind, reason)
}

// Outbound is a server to client message.
type Outbound interface {
	outbound() Kind
}

// ExistingParticipants tells a joiner its id and who was already in the room.
type ExistingParticipants struct {
	Kind          Kind                  `json:"kind" msgpack:"kind"`
	UserID        string                `json:"userId" msgpack:"userId"`
	ExistingUsers []conference.UserInfo `json:"existingUsers" msgpack:"existingUsers"`
}

// NewParticipantArrived announces a joiner to the other members.
type NewParticipantArrived struct {
	Kind     Kind   `json:"kind" msgpack:"kind"`
	UserID   string `json:"userId" msgpack:"userId"`
	UserName string `json:"userName" msgpack:"userName"`
}

// ParticipantLeft tells members that UserID is gone.
type ParticipantLeft struct {
	Kind   Kind   `json:"kind" msgpack:"kind"`
	UserID string `json:"userId" msgpack:"userId"`
}

// ReceiveVideoAnswer answers a ReceiveVideoFrom offer.
type ReceiveVideoAnswer struct {
	Kind      Kind   `json:"kind" msgpack:"kind"`
	SenderID  string `json:"senderid" msgpack:"senderid"`
	SDPAnswer string `json:"sdpAnswer" msgpack:"sdpAnswer"`
}

// CandidateFound carries a candidate gathered by the server for UserID's media path.
type CandidateFound struct {
	Kind      Kind             `json:"kind" msgpack:"kind"`
	UserID    string           `json:"userId" msgpack:"userId"`
	Candidate engine.Candidate `json:"candidate" msgpack:"candidate"`
}

// ErrorMessage rejects a request. Error carries one of the ErrorKind names.
type ErrorMessage struct {
	Kind    Kind      `json:"kind" msgpack:"kind"`
	Error   ErrorKind `json:"error" msgpack:"error"`
	Message string    `json:"message" msgpack:"message"`
	Request Kind      `json:"request,omitempty" msgpack:"request,omitempty"`
}

func (ExistingParticipants) outbound() Kind  { return KindExistingParticipants }
func (NewParticipantArrived) outbound() Kind { return KindNewParticipantArrived }
func (ParticipantLeft) outbound() Kind       { return KindParticipantLeft }
func (ReceiveVideoAnswer) outbound() Kind    { return KindReceiveVideoAnswer }
func (CandidateFound) outbound() Kind        { return KindCandidate }
func (ErrorMessage) outbound() Kind          { return KindError }
