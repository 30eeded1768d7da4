package conference

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine/enginetest"
)

const testTimeout = time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, eng *enginetest.Engine) *Orchestrator {
	t.Helper()
	return newTimeoutOrchestrator(t, eng, testTimeout)
}

// newTimeoutOrchestrator bounds every engine call by timeout.
func newTimeoutOrchestrator(t *testing.T, eng *enginetest.Engine, timeout time.Duration) *Orchestrator {
	t.Helper()
	log := discardLogger()
	return NewOrchestrator(NewRegistry(eng, timeout, log), timeout, log)
}

// eventually polls cond until it holds, failing after testTimeout.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type answer struct {
	sender string
	sdp    string
}

type produced struct {
	userID string
	c      engine.Candidate
}

// recorder is a Notifier that keeps everything it was told.
type recorder struct {
	mu         sync.Mutex
	existing   [][]UserInfo
	arrived    []UserInfo
	left       []string
	answers    []answer
	candidates []produced
}

func (r *recorder) ExistingParticipants(self string, users []UserInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.existing = append(r.existing, users)
}

func (r *recorder) ParticipantArrived(user UserInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arrived = append(r.arrived, user)
}

func (r *recorder) ParticipantLeft(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, id)
}

func (r *recorder) VideoAnswer(senderID, sdpAnswer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, answer{senderID, sdpAnswer})
}

func (r *recorder) Candidate(userID string, c engine.Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = append(r.candidates, produced{userID, c})
}

func (r *recorder) existingLists() [][]UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]UserInfo(nil), r.existing...)
}

func (r *recorder) arrivals() []UserInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UserInfo(nil), r.arrived...)
}

func (r *recorder) leaves() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.left...)
}

func (r *recorder) videoAnswers() []answer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]answer(nil), r.answers...)
}

func (r *recorder) producedCandidates() []produced {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]produced(nil), r.candidates...)
}

type member struct {
	p   *Participant
	rec *recorder
}

func newMember(name string) member {
	rec := &recorder{}
	return member{p: NewParticipant(name, rec), rec: rec}
}

func mustJoin(t *testing.T, o *Orchestrator, roomName string, m member) *Room {
	t.Helper()
	room, err := o.Join(t.Context(), roomName, m.p)
	if err != nil {
		t.Fatalf("Join(%s): %v", m.p.Name, err)
	}
	return room
}

// outgoing returns the fake behind p's outgoing endpoint.
func outgoing(t *testing.T, room *Room, p *Participant) *enginetest.Endpoint {
	t.Helper()
	room.mu.Lock()
	defer room.mu.Unlock()
	ep, ok := p.outgoing.(*enginetest.Endpoint)
	if !ok {
		t.Fatalf("%s has no outgoing endpoint", p.Name)
	}
	return ep
}

// incoming returns the fake viewer uses to watch target, or nil.
func incoming(room *Room, viewer *Participant, target string) *enginetest.Endpoint {
	room.mu.Lock()
	defer room.mu.Unlock()
	ep, _ := viewer.incoming[target].(*enginetest.Endpoint)
	return ep
}

func candidateStrings(cs []engine.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Candidate
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
