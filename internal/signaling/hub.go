// Package signaling is the browser-facing side of the conference server. It
// accepts requests over per-client WebSocket connections, hands them to the
// conference orchestrator, and delivers the resulting events.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
)

// Hub tracks connected clients and routes their requests.
type Hub struct {
	orchestrator *conference.Orchestrator
	log          *slog.Logger

	// register and unregister are consumed by Run, which owns clients.
	register   chan *Client
	unregister chan *Client
	clients    map[*Client]struct{}

	// active counts clients whose cleanup has not finished.
	active sync.WaitGroup

	stopped chan struct{}
}

// NewHub creates a new Hub instance.
func NewHub(orchestrator *conference.Orchestrator, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		orchestrator: orchestrator,
		log:          log.With("component", "hub"),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		clients:      make(map[*Client]struct{}),
		stopped:      make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
// Request handling does not go through Run, so rooms progress independently.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.log.Debug("client registered", "clients", len(h.clients))

		case client := <-h.unregister:
			delete(h.clients, client)
			h.log.Debug("client unregistered", "clients", len(h.clients))

		case <-ctx.Done():
			h.log.Info("closing clients", "clients", len(h.clients))
			for client := range h.clients {
				client.Close()
			}
			return
		}
	}
}

// Register adds a client. It reports false if the hub is no longer running,
// in which case the client is closed.
func (h *Hub) Register(c *Client) bool {
	h.active.Add(1)
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		c.Close()
		h.active.Done()
		return false
	}
}

// Wait blocks until every registered client has been cleaned up.
func (h *Hub) Wait() {
	h.active.Wait()
}

// disconnect removes the client's participant from its room. It is called
// once per client, after its in-flight requests completed.
func (h *Hub) disconnect(c *Client) {
	defer h.active.Done()

	select {
	case h.unregister <- c:
	case <-h.stopped:
	}

	p, room := c.session()
	if p == nil || room == nil {
		return
	}
	if err := h.orchestrator.Leave(context.Background(), room, p); err != nil {
		h.log.Warn("cleanup incomplete", "room", room.Name, "participant", p.ID, "err", err)
	}
	c.setSession(nil, nil)
}

// dispatch routes one request from c. Joins and candidates are handled in
// arrival order on the caller's goroutine. Negotiations run in the
// background so that candidates sent right after an offer can be queued
// while the endpoint is being created.
func (h *Hub) dispatch(c *Client, env *Envelope) {
	in, err := env.Parse()
	if err != nil {
		h.log.Warn("rejected message", "kind", env.Kind, "err", err)
		c.reject(env.Kind, err)
		return
	}

	switch msg := in.(type) {
	case JoinRoom:
		h.handleJoin(c, msg)

	case ReceiveVideoFrom:
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			h.handleReceiveVideo(c, msg)
		}()

	case IceCandidate:
		h.handleCandidate(c, msg)

	default:
		c.reject(env.Kind, fmt.Errorf("%w: unhandled kind %q", ErrInvalidMessage, env.Kind))
	}
}

func (h *Hub) handleJoin(c *Client, msg JoinRoom) {
	if p, _ := c.session(); p != nil {
		c.reject(KindJoinRoom, fmt.Errorf("%w: already joined", ErrInvalidMessage))
		return
	}

	p := conference.NewParticipant(msg.UserName, c)
	c.setSession(p, nil)

	room, err := h.orchestrator.Join(context.Background(), msg.RoomName, p)
	if err != nil {
		c.setSession(nil, nil)
		h.log.Error("join failed", "room", msg.RoomName, "user", msg.UserName, "err", err)
		c.reject(KindJoinRoom, err)
		return
	}
	c.setSession(p, room)
}

func (h *Hub) handleReceiveVideo(c *Client, msg ReceiveVideoFrom) {
	p, room := c.session()
	if p == nil || room == nil {
		c.reject(KindReceiveVideoFrom, ErrNotJoined)
		return
	}
	if msg.RoomName != room.Name {
		c.reject(KindReceiveVideoFrom, fmt.Errorf("%w: not a member of room %q", ErrInvalidMessage, msg.RoomName))
		return
	}

	if err := h.orchestrator.ReceiveVideo(context.Background(), room, p, msg.UserID, msg.SDPOffer); err != nil {
		h.log.Error("receive video failed", "room", room.Name, "viewer", p.ID, "target", msg.UserID, "err", err)
		c.reject(KindReceiveVideoFrom, err)
	}
}

func (h *Hub) handleCandidate(c *Client, msg IceCandidate) {
	p, room := c.session()
	if p == nil || room == nil {
		c.reject(KindCandidate, ErrNotJoined)
		return
	}
	if msg.RoomName != room.Name {
		c.reject(KindCandidate, fmt.Errorf("%w: not a member of room %q", ErrInvalidMessage, msg.RoomName))
		return
	}

	if err := h.orchestrator.AddCandidate(context.Background(), room, p, msg.UserID, msg.Candidate); err != nil {
		h.log.Warn("candidate rejected", "room", room.Name, "from", p.ID, "target", msg.UserID, "err", err)
		c.reject(KindCandidate, err)
	}
}
