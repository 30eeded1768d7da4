package signaling

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine/enginetest"
)

const engineTimeout = 250 * time.Millisecond

func newTestHub(t *testing.T, eng *enginetest.Engine) *Hub {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rooms := conference.NewRegistry(eng, engineTimeout, log)
	hub := NewHub(conference.NewOrchestrator(rooms, engineTimeout, log), log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

// connect registers a client with no socket behind it.
func connect(t *testing.T, hub *Hub) *Client {
	t.Helper()
	c := newClient(hub, CodecFor(SubprotocolJSON))
	if !hub.Register(c) {
		t.Fatal("hub refused client")
	}
	return c
}

// request dispatches env and waits for any negotiation it started.
func request(c *Client, env Envelope) {
	c.hub.dispatch(c, &env)
	c.tasks.Wait()
}

func next(t *testing.T, c *Client) Outbound {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %#v", msg)
	default:
	}
}

func expectError(t *testing.T, c *Client, req Kind, kind ErrorKind) {
	t.Helper()
	msg, ok := next(t, c).(ErrorMessage)
	if !ok {
		t.Fatalf("got %#v, want error", msg)
	}
	if msg.Error != kind || msg.Request != req {
		t.Errorf("error = %s for %s, want %s for %s (%s)", msg.Error, msg.Request, kind, req, msg.Message)
	}
}

func join(t *testing.T, c *Client, user, room string) ExistingParticipants {
	t.Helper()
	request(c, Envelope{Kind: KindJoinRoom, UserName: user, RoomName: room})
	msg, ok := next(t, c).(ExistingParticipants)
	if !ok {
		t.Fatalf("join reply = %#v", msg)
	}
	return msg
}

func TestHubJoinAnnouncesParticipants(t *testing.T) {
	hub := newTestHub(t, enginetest.New())
	alice, bob := connect(t, hub), connect(t, hub)

	first := join(t, alice, "alice", "R")
	if len(first.ExistingUsers) != 0 || first.UserID == "" {
		t.Fatalf("alice joined with %#v", first)
	}

	second := join(t, bob, "bob", "R")
	if len(second.ExistingUsers) != 1 || second.ExistingUsers[0].ID != first.UserID {
		t.Fatalf("bob existing = %v", second.ExistingUsers)
	}

	arrived, ok := next(t, alice).(NewParticipantArrived)
	if !ok || arrived.UserID != second.UserID || arrived.UserName != "bob" {
		t.Fatalf("alice got %#v", arrived)
	}
	expectNone(t, bob)
}

func TestHubReceiveVideo(t *testing.T) {
	hub := newTestHub(t, enginetest.New())
	alice, bob := connect(t, hub), connect(t, hub)
	a := join(t, alice, "alice", "R")
	join(t, bob, "bob", "R")
	next(t, alice)

	request(bob, Envelope{Kind: KindReceiveVideoFrom, UserID: a.UserID, RoomName: "R", SDPOffer: "offer"})

	answer, ok := next(t, bob).(ReceiveVideoAnswer)
	if !ok {
		t.Fatalf("bob got %#v", answer)
	}
	if answer.SenderID != a.UserID || answer.SDPAnswer != "answer:offer" {
		t.Errorf("answer = %#v", answer)
	}
}

func TestHubForwardsProducedCandidates(t *testing.T) {
	eng := enginetest.New()
	hub := newTestHub(t, eng)
	alice := connect(t, hub)
	a := join(t, alice, "alice", "R")

	c := engine.Candidate{Candidate: "candidate:local", SDPMid: "0"}
	eng.Endpoints()[0].Produce(c)

	msg, ok := next(t, alice).(CandidateFound)
	if !ok || msg.UserID != a.UserID || msg.Candidate != c {
		t.Fatalf("alice got %#v", msg)
	}
}

func TestHubCandidateRouting(t *testing.T) {
	eng := enginetest.New()
	hub := newTestHub(t, eng)
	alice, bob := connect(t, hub), connect(t, hub)
	a := join(t, alice, "alice", "R")
	join(t, bob, "bob", "R")

	c := &engine.Candidate{Candidate: "candidate:remote", SDPMid: "0"}
	request(bob, Envelope{Kind: KindCandidate, UserID: a.UserID, RoomName: "R", Candidate: c})
	expectNone(t, bob)

	request(bob, Envelope{Kind: KindReceiveVideoFrom, UserID: a.UserID, RoomName: "R", SDPOffer: "offer"})
	next(t, bob)

	// alice out, bob out, bob watching alice.
	eps := eng.Endpoints()
	if len(eps) != 3 {
		t.Fatalf("%d endpoints", len(eps))
	}
	if got := eps[2].Candidates(); len(got) != 1 || got[0] != *c {
		t.Errorf("bob's incoming candidates = %v", got)
	}
	if got := eps[0].Candidates(); len(got) != 0 {
		t.Errorf("alice's outgoing got %v", got)
	}
}

func TestHubRejectsRequestsBeforeJoin(t *testing.T) {
	hub := newTestHub(t, enginetest.New())
	c := connect(t, hub)

	request(c, Envelope{Kind: KindReceiveVideoFrom, UserID: "x", RoomName: "R", SDPOffer: "offer"})
	expectError(t, c, KindReceiveVideoFrom, UnknownParticipant)

	request(c, Envelope{Kind: KindCandidate, UserID: "x", RoomName: "R", Candidate: &engine.Candidate{Candidate: "c"}})
	expectError(t, c, KindCandidate, UnknownParticipant)
}

func TestHubRejectsInvalidMessages(t *testing.T) {
	hub := newTestHub(t, enginetest.New())
	c := connect(t, hub)

	request(c, Envelope{Kind: "stop"})
	expectError(t, c, "stop", InvalidMessage)

	request(c, Envelope{Kind: KindJoinRoom, RoomName: "R"})
	expectError(t, c, KindJoinRoom, InvalidMessage)

	join(t, c, "alice", "R")
	request(c, Envelope{Kind: KindJoinRoom, UserName: "alice", RoomName: "R"})
	expectError(t, c, KindJoinRoom, InvalidMessage)

	request(c, Envelope{Kind: KindReceiveVideoFrom, UserID: "x", RoomName: "other", SDPOffer: "offer"})
	expectError(t, c, KindReceiveVideoFrom, InvalidMessage)
}

func TestHubReportsEngineUnavailable(t *testing.T) {
	eng := enginetest.New()
	eng.FailPipeline = func(int) error { return engine.ErrUnavailable }
	hub := newTestHub(t, eng)
	c := connect(t, hub)

	request(c, Envelope{Kind: KindJoinRoom, UserName: "alice", RoomName: "R"})
	expectError(t, c, KindJoinRoom, EngineUnavailable)

	// The failed join does not count as joined.
	eng.FailPipeline = nil
	join(t, c, "alice", "R")
}

func TestHubDisconnectLeavesRoom(t *testing.T) {
	eng := enginetest.New()
	hub := newTestHub(t, eng)
	alice, bob := connect(t, hub), connect(t, hub)
	a := join(t, alice, "alice", "R")
	join(t, bob, "bob", "R")
	next(t, alice)

	hub.disconnect(alice)

	left, ok := next(t, bob).(ParticipantLeft)
	if !ok || left.UserID != a.UserID {
		t.Fatalf("bob got %#v", left)
	}
	if !eng.Endpoints()[0].Released() {
		t.Error("alice's endpoint not released")
	}

	hub.disconnect(bob)
	hub.Wait()
	if !eng.Pipelines()[0].Released() {
		t.Error("empty room kept its pipeline")
	}
}

func TestHubRejectsJoinWhenEngineHangs(t *testing.T) {
	eng := enginetest.New()
	eng.Hang = func(op string) bool { return op == "CreateEndpoint" }
	hub := newTestHub(t, eng)
	c := connect(t, hub)

	start := time.Now()
	request(c, Envelope{Kind: KindJoinRoom, UserName: "alice", RoomName: "R"})
	expectError(t, c, KindJoinRoom, EndpointCreationFailed)
	if elapsed := time.Since(start); elapsed > 4*engineTimeout {
		t.Errorf("join rejected after %s", elapsed)
	}
	if n := hub.orchestrator.Rooms().Len(); n != 0 {
		t.Errorf("%d rooms left", n)
	}
	if p, _ := c.session(); p != nil {
		t.Error("failed join left a session")
	}
}

func TestHubDisconnectWaitsForNegotiation(t *testing.T) {
	eng := enginetest.New()
	hub := newTestHub(t, eng)
	alice, bob := connect(t, hub), connect(t, hub)
	a := join(t, alice, "alice", "R")
	b := join(t, bob, "bob", "R")
	next(t, alice)

	entered, release := make(chan struct{}), make(chan struct{})
	eng.FailOffer = func(*enginetest.Endpoint) error {
		close(entered)
		<-release
		return nil
	}

	hub.dispatch(bob, &Envelope{Kind: KindReceiveVideoFrom, UserID: a.UserID, RoomName: "R", SDPOffer: "offer"})
	<-entered

	bob.Close()
	finished := make(chan struct{})
	go func() {
		bob.finish()
		close(finished)
	}()

	room, ok := hub.orchestrator.Rooms().Lookup("R")
	if !ok {
		t.Fatal("room gone while bob's negotiation was in flight")
	}
	if _, ok := room.Participant(b.UserID); !ok {
		t.Error("bob removed while his negotiation was in flight")
	}
	select {
	case <-finished:
		t.Error("cleanup finished before the negotiation")
	default:
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not run after the negotiation finished")
	}

	// alice out, bob out, bob watching alice.
	eps := eng.Endpoints()
	if len(eps) != 3 {
		t.Fatalf("%d endpoints", len(eps))
	}
	for _, ep := range eps[1:] {
		if !ep.Released() {
			t.Errorf("endpoint %s not released", ep.ID())
		}
	}
	if eps[0].Released() {
		t.Error("alice's endpoint released")
	}
	left, ok := next(t, alice).(ParticipantLeft)
	if !ok || left.UserID != b.UserID {
		t.Fatalf("alice got %#v", left)
	}
}

func TestSendClosesSlowClient(t *testing.T) {
	hub := newTestHub(t, enginetest.New())
	c := newClient(hub, CodecFor(SubprotocolJSON))

	for range sendBufferSize + 1 {
		c.Send(ParticipantLeft{Kind: KindParticipantLeft, UserID: "x"})
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("client with a full buffer was not closed")
	}
}
