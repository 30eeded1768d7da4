// Package enginetest provides an in-memory engine.Engine that records every
// call, for tests of the conference and signaling layers.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// Compile-time interface checks.
var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Pipeline = (*Pipeline)(nil)
	_ engine.Endpoint = (*Endpoint)(nil)
)

// Engine is a fake media engine. Failure hooks may be set before use; they are
// consulted on every call and may return an error to fail that call.
type Engine struct {
	// PipelineGate, when non-nil, blocks CreatePipeline until it is closed.
	PipelineGate chan struct{}

	// Hang, when it returns true for an operation name (CreatePipeline,
	// CreateEndpoint, Connect, ProcessOffer), blocks that call until its
	// context is done.
	Hang func(op string) bool

	FailPipeline  func(n int) error
	FailEndpoint  func(n int) error
	FailConnect   func(src, sink *Endpoint) error
	FailOffer     func(ep *Endpoint) error
	FailCandidate func(ep *Endpoint, c engine.Candidate) error

	pipelineCalls atomic.Int64
	endpointCalls atomic.Int64

	mu        sync.Mutex
	pipelines []*Pipeline
	closed    bool
}

// New returns an empty fake engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) hang(ctx context.Context, op string) error {
	if e.Hang == nil || !e.Hang(op) {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// CreatePipeline implements engine.Engine.
func (e *Engine) CreatePipeline(ctx context.Context) (engine.Pipeline, error) {
	n := int(e.pipelineCalls.Add(1))

	if err := e.hang(ctx, "CreatePipeline"); err != nil {
		return nil, err
	}

	if e.PipelineGate != nil {
		select {
		case <-e.PipelineGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if e.FailPipeline != nil {
		if err := e.FailPipeline(n); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{engine: e, id: fmt.Sprintf("pipeline-%d", n)}

	e.mu.Lock()
	e.pipelines = append(e.pipelines, p)
	e.mu.Unlock()

	return p, nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// PipelineCalls reports how many times CreatePipeline was invoked.
func (e *Engine) PipelineCalls() int {
	return int(e.pipelineCalls.Load())
}

// Pipelines returns the successfully created pipelines.
func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Pipeline(nil), e.pipelines...)
}

// Endpoints returns every endpoint created on any pipeline, in creation order.
func (e *Engine) Endpoints() []*Endpoint {
	var all []*Endpoint
	for _, p := range e.Pipelines() {
		all = append(all, p.Endpoints()...)
	}
	return all
}

// Pipeline is a fake engine.Pipeline.
type Pipeline struct {
	engine *Engine
	id     string

	mu        sync.Mutex
	endpoints []*Endpoint
	released  bool
}

// ID implements engine.Pipeline.
func (p *Pipeline) ID() string { return p.id }

// CreateEndpoint implements engine.Pipeline.
func (p *Pipeline) CreateEndpoint(ctx context.Context, kind engine.EndpointKind) (engine.Endpoint, error) {
	n := int(p.engine.endpointCalls.Add(1))

	if err := p.engine.hang(ctx, "CreateEndpoint"); err != nil {
		return nil, err
	}

	if p.engine.FailEndpoint != nil {
		if err := p.engine.FailEndpoint(n); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil, engine.ErrReleased
	}

	ep := &Endpoint{
		engine:   p.engine,
		pipeline: p,
		id:       fmt.Sprintf("%s/endpoint-%d", p.id, n),
		Kind:     kind,
	}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

// Release implements engine.Pipeline.
func (p *Pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

// Released reports whether the pipeline was released.
func (p *Pipeline) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Endpoints returns the endpoints created on this pipeline.
func (p *Pipeline) Endpoints() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Endpoint(nil), p.endpoints...)
}

// Endpoint is a fake engine.Endpoint.
type Endpoint struct {
	engine   *Engine
	pipeline *Pipeline
	id       string

	Kind engine.EndpointKind

	mu         sync.Mutex
	candidates []engine.Candidate
	offers     []string
	sinks      []*Endpoint
	gathering  int
	releases   int
	released   bool
	produced   func(engine.Candidate)
}

// ID implements engine.Endpoint.
func (e *Endpoint) ID() string { return e.id }

// ProcessOffer implements engine.Endpoint. The answer is derived from the offer.
func (e *Endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	if err := e.engine.hang(ctx, "ProcessOffer"); err != nil {
		return "", err
	}
	if e.engine.FailOffer != nil {
		if err := e.engine.FailOffer(e); err != nil {
			return "", err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return "", engine.ErrReleased
	}
	e.offers = append(e.offers, offer)
	return "answer:" + offer, nil
}

// Connect implements engine.Endpoint.
func (e *Endpoint) Connect(ctx context.Context, sink engine.Endpoint) error {
	s, ok := sink.(*Endpoint)
	if !ok {
		return fmt.Errorf("enginetest: foreign sink %T", sink)
	}

	if err := e.engine.hang(ctx, "Connect"); err != nil {
		return err
	}

	if e.engine.FailConnect != nil {
		if err := e.engine.FailConnect(e, s); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
	return nil
}

// AddICECandidate implements engine.Endpoint.
func (e *Endpoint) AddICECandidate(ctx context.Context, c engine.Candidate) error {
	if e.engine.FailCandidate != nil {
		if err := e.engine.FailCandidate(e, c); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return engine.ErrReleased
	}
	e.candidates = append(e.candidates, c)
	return nil
}

// GatherCandidates implements engine.Endpoint.
func (e *Endpoint) GatherCandidates(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gathering++
	return nil
}

// OnCandidateProduced implements engine.Endpoint.
func (e *Endpoint) OnCandidateProduced(fn func(engine.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.produced = fn
}

// Release implements engine.Endpoint.
func (e *Endpoint) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releases++
	e.released = true
	return nil
}

// Produce simulates the engine gathering a local candidate.
func (e *Endpoint) Produce(c engine.Candidate) {
	e.mu.Lock()
	fn := e.produced
	e.mu.Unlock()

	if fn != nil {
		fn(c)
	}
}

// Candidates returns the remote candidates applied to this endpoint, in order.
func (e *Endpoint) Candidates() []engine.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Candidate(nil), e.candidates...)
}

// Offers returns the offers processed by this endpoint.
func (e *Endpoint) Offers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.offers...)
}

// Sinks returns the endpoints this endpoint was connected into.
func (e *Endpoint) Sinks() []*Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Endpoint(nil), e.sinks...)
}

// GatherCalls reports how many times GatherCandidates was called.
func (e *Endpoint) GatherCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gathering
}

// Released reports whether the endpoint was released.
func (e *Endpoint) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// ReleaseCalls reports how many times Release was called.
func (e *Endpoint) ReleaseCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releases
}
