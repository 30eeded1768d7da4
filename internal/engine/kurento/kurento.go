// Package kurento drives a remote Kurento Media Server over its JSON-RPC
// websocket API.
package kurento

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// Compile-time interface checks.
var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Pipeline = (*Pipeline)(nil)
	_ engine.Endpoint = (*Endpoint)(nil)
)

const eventIceCandidateFound = "IceCandidateFound"

// Engine creates pipelines on a Kurento Media Server.
type Engine struct {
	client *Client
	log    *slog.Logger
}

// New returns an engine for the server at url. The connection is opened on
// first use, so a server that is down only fails the calls that need it.
func New(url string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		client: NewClient(url, log),
		log:    log.With("component", "kurento"),
	}
}

// CreatePipeline implements engine.Engine.
func (e *Engine) CreatePipeline(ctx context.Context) (engine.Pipeline, error) {
	id, err := e.client.Create(ctx, "MediaPipeline", nil)
	if err != nil {
		return nil, err
	}
	e.log.Debug("pipeline created", "pipeline", id)
	return &Pipeline{client: e.client, id: id, log: e.log}, nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	return e.client.Close()
}

// Pipeline is a Kurento MediaPipeline.
type Pipeline struct {
	client *Client
	id     string
	log    *slog.Logger
}

// ID implements engine.Pipeline.
func (p *Pipeline) ID() string { return p.id }

// CreateEndpoint implements engine.Pipeline. The endpoint subscribes to its
// candidate events straight away; candidates that arrive before a callback is
// set are held.
func (p *Pipeline) CreateEndpoint(ctx context.Context, kind engine.EndpointKind) (engine.Endpoint, error) {
	id, err := p.client.Create(ctx, string(kind), map[string]any{
		"mediaPipeline": p.id,
	})
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{client: p.client, id: id, log: p.log.With("endpoint", id)}
	if err := p.client.Subscribe(ctx, id, eventIceCandidateFound, ep.onCandidateFound); err != nil {
		if rerr := p.client.Release(context.WithoutCancel(ctx), id); rerr != nil {
			p.log.Warn("release after failed subscribe", "endpoint", id, "err", rerr)
		}
		return nil, fmt.Errorf("subscribe %s: %w", eventIceCandidateFound, err)
	}
	return ep, nil
}

// Release implements engine.Pipeline.
func (p *Pipeline) Release(ctx context.Context) error {
	return p.client.Release(ctx, p.id)
}

// iceCandidate is Kurento's IceCandidate complex type.
type iceCandidate struct {
	Module        string `json:"__module__,omitempty"`
	Type          string `json:"__type__,omitempty"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

// Endpoint is a Kurento WebRtcEndpoint.
type Endpoint struct {
	client *Client
	id     string
	log    *slog.Logger

	mu      sync.Mutex
	onCand  func(engine.Candidate)
	pending []engine.Candidate
}

// ID implements engine.Endpoint.
func (e *Endpoint) ID() string { return e.id }

// ProcessOffer implements engine.Endpoint.
func (e *Endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	value, err := e.client.Invoke(ctx, e.id, "processOffer", map[string]any{
		"offer": offer,
	})
	if err != nil {
		return "", err
	}
	var answer string
	if err := json.Unmarshal(value, &answer); err != nil {
		return "", fmt.Errorf("processOffer: decode answer: %w", err)
	}
	return answer, nil
}

// Connect implements engine.Endpoint.
func (e *Endpoint) Connect(ctx context.Context, sink engine.Endpoint) error {
	_, err := e.client.Invoke(ctx, e.id, "connect", map[string]any{
		"sink": sink.ID(),
	})
	return err
}

// AddICECandidate implements engine.Endpoint.
func (e *Endpoint) AddICECandidate(ctx context.Context, c engine.Candidate) error {
	_, err := e.client.Invoke(ctx, e.id, "addIceCandidate", map[string]any{
		"candidate": iceCandidate{
			Module:        "kurento",
			Type:          "IceCandidate",
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		},
	})
	return err
}

// GatherCandidates implements engine.Endpoint.
func (e *Endpoint) GatherCandidates(ctx context.Context) error {
	_, err := e.client.Invoke(ctx, e.id, "gatherCandidates", nil)
	return err
}

// OnCandidateProduced implements engine.Endpoint. Candidates held since
// creation are delivered first, in order.
func (e *Endpoint) OnCandidateProduced(fn func(engine.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCand = fn
	for _, c := range e.pending {
		fn(c)
	}
	e.pending = nil
}

// Release implements engine.Endpoint.
func (e *Endpoint) Release(ctx context.Context) error {
	e.mu.Lock()
	e.onCand = nil
	e.pending = nil
	e.mu.Unlock()
	return e.client.Release(ctx, e.id)
}

func (e *Endpoint) onCandidateFound(data json.RawMessage) {
	var ev struct {
		Candidate iceCandidate `json:"candidate"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		e.log.Warn("malformed candidate event", "err", err)
		return
	}
	c := engine.Candidate{
		Candidate:     ev.Candidate.Candidate,
		SDPMid:        ev.Candidate.SDPMid,
		SDPMLineIndex: ev.Candidate.SDPMLineIndex,
	}

	// Held under the lock so a concurrent OnCandidateProduced cannot reorder.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onCand == nil {
		e.pending = append(e.pending, c)
		return
	}
	e.onCand(c)
}
