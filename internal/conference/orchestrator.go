// Package conference implements rooms of participants whose media endpoints
// are wired into a star topology on a shared engine pipeline.
//
// Each participant publishes through one outgoing endpoint and watches every
// other participant through a dedicated incoming endpoint connected to that
// participant's outgoing endpoint. ICE candidates that arrive before their
// endpoint exists are queued per (target, viewer) and flushed when it is
// created.
package conference

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// Orchestrator drives the engine on behalf of participants.
type Orchestrator struct {
	rooms   *Registry
	timeout time.Duration
	log     *slog.Logger
}

// NewOrchestrator returns an orchestrator creating rooms through rooms.
// timeout bounds every engine call.
func NewOrchestrator(rooms *Registry, timeout time.Duration, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		rooms:   rooms,
		timeout: timeout,
		log:     log.With("component", "orchestrator"),
	}
}

// Rooms returns the registry backing this orchestrator.
func (o *Orchestrator) Rooms() *Registry {
	return o.rooms
}

// call runs one engine operation under the engine timeout.
func (o *Orchestrator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(ctx)
}

// Join adds p to the named room, creating the room if needed.
//
// The joiner's outgoing endpoint is created before anyone learns about it.
// The joiner is then sent the current member list, the members are told
// about the joiner, and only then is the joiner inserted, so it never sees
// itself in either message.
func (o *Orchestrator) Join(ctx context.Context, roomName string, p *Participant) (*Room, error) {
	p.setState(StateJoining)

	for {
		room, err := o.rooms.Resolve(ctx, roomName)
		if err != nil {
			p.setState(StateNew)
			return nil, err
		}

		room.ops.Lock()
		if room.closed {
			// Torn down between Resolve and here; allocate a new one.
			room.ops.Unlock()
			continue
		}

		err = o.join(ctx, room, p)
		room.ops.Unlock()
		if err != nil {
			p.setState(StateNew)
			return nil, err
		}
		p.setState(StateJoined)
		return room, nil
	}
}

// join runs with room.ops held.
func (o *Orchestrator) join(ctx context.Context, room *Room, p *Participant) error {
	log := o.log.With("room", room.Name, "participant", p.ID)

	var ep engine.Endpoint
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		ep, err = room.pipeline.CreateEndpoint(ctx, engine.WebRTCEndpoint)
		return err
	})
	if err != nil {
		log.Error("outgoing endpoint creation failed", "err", err)
		room.mu.Lock()
		room.queue.Forget(p.ID)
		room.mu.Unlock()
		if _, rerr := o.rooms.ReleaseIfEmpty(ctx, room); rerr != nil {
			log.Warn("releasing empty room failed", "err", rerr)
		}
		return newError("create outgoing endpoint", room.Name, ErrEndpointCreationFailed, err)
	}

	room.mu.Lock()
	p.outgoing = ep
	flush := o.takeQueuedLocked(ctx, room, OutgoingKey(p.ID), ep)
	room.mu.Unlock()
	flush()

	ep.OnCandidateProduced(func(c engine.Candidate) {
		p.notify.Candidate(p.ID, c)
	})

	room.mu.Lock()
	existing := room.usersLocked()
	p.notify.ExistingParticipants(p.ID, existing)
	for _, other := range room.othersLocked(p.ID) {
		other.notify.ParticipantArrived(p.Info())
	}
	room.addLocked(p)
	room.mu.Unlock()

	log.Info("participant joined", "name", p.Name, "existing", len(existing))
	return nil
}

// ReceiveVideo negotiates the media path through which viewer receives
// targetID's media, answering offer. The answer is delivered through the
// viewer's Notifier before candidate gathering starts.
//
// Asking for one's own id negotiates the outgoing endpoint. Otherwise the
// viewer's incoming endpoint for targetID is reused if present, or created,
// connected to the target's outgoing endpoint, and fed any queued candidates.
// An endpoint created by a failed attempt is removed and released.
func (o *Orchestrator) ReceiveVideo(ctx context.Context, room *Room, viewer *Participant, targetID, offer string) error {
	log := o.log.With("room", room.Name, "viewer", viewer.ID, "target", targetID)

	ep, created, err := o.resolveEndpoint(ctx, room, viewer, targetID)
	if err != nil {
		log.Error("media path setup failed", "err", err)
		return err
	}

	var answer string
	err = o.call(ctx, func(ctx context.Context) error {
		var err error
		answer, err = ep.ProcessOffer(ctx, offer)
		return err
	})
	if err != nil {
		log.Error("offer processing failed", "err", err)
		if created {
			o.rollback(ctx, room, viewer, targetID, ep)
		}
		return newError("process offer", room.Name, ErrNegotiationFailed, err)
	}

	room.mu.Lock()
	if targetID != viewer.ID {
		if cur, ok := viewer.incoming[targetID]; ok && cur == ep {
			viewer.links[targetID] = LinkConnected
		}
	}
	viewer.notify.VideoAnswer(targetID, answer)
	room.mu.Unlock()

	err = o.call(ctx, func(ctx context.Context) error {
		return ep.GatherCandidates(ctx)
	})
	if err != nil {
		log.Error("candidate gathering failed", "err", err)
		return newError("gather candidates", room.Name, ErrNegotiationFailed, err)
	}

	log.Debug("negotiated", "endpoint", ep.ID(), "created", created)
	return nil
}

// resolveEndpoint finds or creates the endpoint viewer negotiates to receive
// targetID. It reports whether the endpoint was created by this call.
func (o *Orchestrator) resolveEndpoint(ctx context.Context, room *Room, viewer *Participant, targetID string) (engine.Endpoint, bool, error) {
	room.ops.Lock()
	defer room.ops.Unlock()

	room.mu.Lock()
	if _, ok := room.participants[viewer.ID]; !ok {
		room.mu.Unlock()
		return nil, false, newError("receive video", room.Name, ErrUnknownParticipant, errors.New(viewer.ID))
	}
	target, ok := room.participants[targetID]
	if !ok {
		room.mu.Unlock()
		return nil, false, newError("receive video", room.Name, ErrUnknownParticipant, errors.New(targetID))
	}
	if target == viewer {
		ep := viewer.outgoing
		room.mu.Unlock()
		if ep == nil {
			return nil, false, newError("receive video", room.Name, ErrNegotiationFailed, engine.ErrReleased)
		}
		return ep, false, nil
	}
	if ep, ok := viewer.incoming[targetID]; ok {
		room.mu.Unlock()
		return ep, false, nil
	}
	source := target.outgoing
	room.mu.Unlock()

	if source == nil {
		return nil, false, newError("receive video", room.Name, ErrNegotiationFailed, engine.ErrReleased)
	}

	var ep engine.Endpoint
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		ep, err = room.pipeline.CreateEndpoint(ctx, engine.WebRTCEndpoint)
		return err
	})
	if err != nil {
		return nil, false, newError("create incoming endpoint", room.Name, ErrNegotiationFailed,
			errors.Join(ErrEndpointCreationFailed, err))
	}

	ep.OnCandidateProduced(func(c engine.Candidate) {
		viewer.notify.Candidate(targetID, c)
	})

	room.mu.Lock()
	viewer.incoming[targetID] = ep
	viewer.links[targetID] = LinkConnecting
	flush := o.takeQueuedLocked(ctx, room, IncomingKey(targetID, viewer.ID), ep)
	room.mu.Unlock()
	flush()

	err = o.call(ctx, func(ctx context.Context) error {
		return source.Connect(ctx, ep)
	})
	if err != nil {
		o.rollback(ctx, room, viewer, targetID, ep)
		return nil, false, newError("connect endpoints", room.Name, ErrNegotiationFailed, err)
	}

	return ep, true, nil
}

// rollback forgets and releases an incoming endpoint created by a failed
// negotiation. If something else already removed it, that remover owns the
// release.
func (o *Orchestrator) rollback(ctx context.Context, room *Room, viewer *Participant, targetID string, ep engine.Endpoint) {
	room.mu.Lock()
	cur, ok := viewer.incoming[targetID]
	owned := ok && cur == ep
	if owned {
		viewer.dropIncoming(targetID)
	}
	room.mu.Unlock()

	if !owned {
		return
	}

	if err := o.call(context.WithoutCancel(ctx), ep.Release); err != nil {
		o.log.Warn("release after failed negotiation", "room", room.Name, "endpoint", ep.ID(), "err", err)
	}
}

// AddCandidate routes a remote candidate sent by from about participant
// userID. A candidate about from itself belongs to from's outgoing endpoint;
// any other id names the incoming endpoint from uses to watch that
// participant. Candidates for endpoints that do not exist yet are queued.
func (o *Orchestrator) AddCandidate(ctx context.Context, room *Room, from *Participant, userID string, c engine.Candidate) error {
	room.mu.Lock()

	if _, ok := room.participants[from.ID]; !ok {
		room.mu.Unlock()
		return newError("add candidate", room.Name, ErrUnknownParticipant, errors.New(from.ID))
	}
	if _, ok := room.participants[userID]; !ok {
		room.mu.Unlock()
		return newError("add candidate", room.Name, ErrUnknownParticipant, errors.New(userID))
	}

	var (
		ep  engine.Endpoint
		key QueueKey
	)
	if userID == from.ID {
		ep, key = from.outgoing, OutgoingKey(from.ID)
	} else {
		ep, key = from.incoming[userID], IncomingKey(userID, from.ID)
	}

	if ep == nil {
		room.queue.Push(key, c)
		o.log.Debug("candidate queued", "room", room.Name, "target", key.Target, "viewer", key.Viewer,
			"pending", room.queue.Len(key))
		room.mu.Unlock()
		return nil
	}

	line := room.lineLocked(key)
	ticket := line.ticket()
	room.mu.Unlock()

	var err error
	line.do(ticket, func() {
		err = o.call(ctx, func(ctx context.Context) error {
			return ep.AddICECandidate(ctx, c)
		})
	})
	return err
}

// takeQueuedLocked retires key and reserves its turn on the key's apply
// line. room.mu must be held. The returned flush applies the queued
// candidates to ep, oldest first; it must be called once room.mu is released.
func (o *Orchestrator) takeQueuedLocked(ctx context.Context, room *Room, key QueueKey, ep engine.Endpoint) (flush func()) {
	cs := room.queue.Take(key)
	line := room.lineLocked(key)
	ticket := line.ticket()

	return func() {
		line.do(ticket, func() {
			for _, c := range cs {
				err := o.call(ctx, func(ctx context.Context) error {
					return ep.AddICECandidate(ctx, c)
				})
				if err != nil {
					o.log.Warn("queued candidate rejected", "room", room.Name, "endpoint", ep.ID(), "err", err)
				}
			}
		})
		if len(cs) > 0 {
			o.log.Debug("candidates flushed", "room", room.Name, "target", key.Target, "viewer", key.Viewer, "count", len(cs))
		}
	}
}

// Leave removes p from room, releases every endpoint that carried its media,
// tells the remaining members, and drops the room once it is empty.
func (o *Orchestrator) Leave(ctx context.Context, room *Room, p *Participant) error {
	room.ops.Lock()
	defer room.ops.Unlock()

	room.mu.Lock()
	if !room.removeLocked(p.ID) {
		room.mu.Unlock()
		p.setState(StateDisconnected)
		return nil
	}
	endpoints := p.takeEndpoints()
	others := room.othersLocked(p.ID)
	for _, other := range others {
		if ep := other.dropIncoming(p.ID); ep != nil {
			endpoints = append(endpoints, ep)
		}
		other.notify.ParticipantLeft(p.ID)
	}
	dropped := room.queue.Forget(p.ID)
	room.forgetLinesLocked(p.ID)
	room.mu.Unlock()

	p.setState(StateDisconnected)

	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, ep := range endpoints {
		g.Go(func() error {
			return o.call(ctx, ep.Release)
		})
	}
	err := g.Wait()
	if err != nil {
		o.log.Warn("endpoint release failed", "room", room.Name, "participant", p.ID, "err", err)
	}

	removed, rerr := o.rooms.ReleaseIfEmpty(ctx, room)

	o.log.Info("participant left", "room", room.Name, "participant", p.ID,
		"released", len(endpoints), "dropped_candidates", dropped, "room_removed", removed)
	return errors.Join(err, rerr)
}
