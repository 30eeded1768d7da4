package conference

import (
	"errors"
	"fmt"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

var (
	ErrRoomCreationFailed     = errors.New("room creation failed")
	ErrEndpointCreationFailed = errors.New("endpoint creation failed")
	ErrNegotiationFailed      = errors.New("negotiation failed")
	ErrUnknownParticipant     = errors.New("unknown participant")
	ErrEngineUnavailable      = engine.ErrUnavailable
)

// Error describes a failed conference operation.
type Error struct {
	Op   string
	Room string
	Err  error
}

func (e *Error) Error() string {
	if e.Room != "" {
		return fmt.Sprintf("%s (room %s): %v", e.Op, e.Room, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError tags cause with one of the sentinel kinds above.
func newError(op, room string, kind, cause error) *Error {
	if cause == nil {
		return &Error{Op: op, Room: room, Err: kind}
	}
	return &Error{Op: op, Room: room, Err: fmt.Errorf("%w: %w", kind, cause)}
}
