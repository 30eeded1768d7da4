package conference

import (
	"sync"

	"github.com/google/uuid"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// State is the lifecycle state of a participant.
type State string

const (
	StateNew          State = "NEW"
	StateJoining      State = "JOINING"
	StateJoined       State = "JOINED"
	StateDisconnected State = "DISCONNECTED"
)

// LinkState is the state of the media path from one remote participant.
type LinkState string

const (
	LinkConnecting LinkState = "CONNECTING"
	LinkConnected  LinkState = "CONNECTED"
)

// UserInfo is the public identity of a participant.
type UserInfo struct {
	ID   string `json:"id" msgpack:"id"`
	Name string `json:"name" msgpack:"name"`
}

// Notifier delivers outbound events to the connection behind a participant.
// Implementations must not block for long: they are called with room locks held.
type Notifier interface {
	ExistingParticipants(self string, users []UserInfo)
	ParticipantArrived(user UserInfo)
	ParticipantLeft(id string)
	VideoAnswer(senderID, sdpAnswer string)
	Candidate(userID string, c engine.Candidate)
}

// Participant is one connected user. Its endpoint maps are guarded by the
// state lock of the room it belongs to.
type Participant struct {
	ID   string
	Name string

	notify Notifier

	outgoing engine.Endpoint
	incoming map[string]engine.Endpoint
	links    map[string]LinkState

	stateMu sync.Mutex
	state   State
}

// NewParticipant creates a participant with a fresh id.
func NewParticipant(name string, notify Notifier) *Participant {
	return &Participant{
		ID:       uuid.NewString(),
		Name:     name,
		notify:   notify,
		incoming: make(map[string]engine.Endpoint),
		links:    make(map[string]LinkState),
		state:    StateNew,
	}
}

// Info returns the participant's public identity.
func (p *Participant) Info() UserInfo {
	return UserInfo{ID: p.ID, Name: p.Name}
}

// State returns the participant's lifecycle state.
func (p *Participant) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *Participant) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// takeEndpoints detaches and returns every endpoint the participant owns.
func (p *Participant) takeEndpoints() []engine.Endpoint {
	var eps []engine.Endpoint
	if p.outgoing != nil {
		eps = append(eps, p.outgoing)
		p.outgoing = nil
	}
	for id, ep := range p.incoming {
		eps = append(eps, ep)
		delete(p.incoming, id)
		delete(p.links, id)
	}
	return eps
}

// dropIncoming detaches the incoming endpoint fed by remote, if any.
func (p *Participant) dropIncoming(remote string) engine.Endpoint {
	ep, ok := p.incoming[remote]
	if !ok {
		return nil
	}
	delete(p.incoming, remote)
	delete(p.links, remote)
	return ep
}
