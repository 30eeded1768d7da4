package signaling

import (
	"errors"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotJoined      = errors.New("not joined to a room")
)

// ErrorKind is the name a rejection carries on the wire.
type ErrorKind string

const (
	RoomCreationFailed     ErrorKind = "RoomCreationFailed"
	EndpointCreationFailed ErrorKind = "EndpointCreationFailed"
	EngineUnavailable      ErrorKind = "EngineUnavailable"
	NegotiationFailed      ErrorKind = "NegotiationFailed"
	InvalidMessage         ErrorKind = "InvalidMessage"
	UnknownParticipant     ErrorKind = "UnknownParticipant"
	InternalError          ErrorKind = "InternalError"
)

// KindOf classifies err. Negotiation failures win over their causes, and an
// unreachable engine wins over the generic creation failures.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return InvalidMessage
	case errors.Is(err, conference.ErrUnknownParticipant), errors.Is(err, ErrNotJoined):
		return UnknownParticipant
	case errors.Is(err, conference.ErrNegotiationFailed):
		return NegotiationFailed
	case errors.Is(err, conference.ErrEngineUnavailable):
		return EngineUnavailable
	case errors.Is(err, conference.ErrRoomCreationFailed):
		return RoomCreationFailed
	case errors.Is(err, conference.ErrEndpointCreationFailed):
		return EndpointCreationFailed
	default:
		return InternalError
	}
}
