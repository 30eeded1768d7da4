// Package pion runs media pipelines in-process on pion/webrtc. Each endpoint is
// one PeerConnection; connecting endpoints forwards RTP from the source's
// remote tracks to the sink.
package pion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Warpdrop/conference/internal/config"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
	"github.com/BioHazard786/Warpdrop/conference/internal/logging"
)

// Compile-time interface checks.
var (
	_ engine.Engine   = (*Engine)(nil)
	_ engine.Pipeline = (*Pipeline)(nil)
)

// Payload types offered to browsers.
const (
	payloadTypeVP8  = 96
	payloadTypeOpus = 111
)

// Engine creates in-process pipelines sharing one webrtc.API.
type Engine struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *slog.Logger

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	closed    bool
}

// New builds the media stack: VP8 and Opus only, the default interceptors, a
// periodic keyframe request on every inbound video stream, and pion logs
// routed to log.
func New(cfg *config.Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: []webrtc.RTCPFeedback{{Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}},
		},
		PayloadType: payloadTypeVP8,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register VP8: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        payloadTypeOpus,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create PLI interceptor: %w", err)
	}
	registry.Add(pli)

	s := webrtc.SettingEngine{LoggerFactory: logging.PionFactory{Logger: log}}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(s),
		),
		config:    peerConfig(cfg),
		log:       log.With("component", "pion"),
		pipelines: make(map[string]*Pipeline),
	}, nil
}

// peerConfig centralizes ICE server configuration
func peerConfig(cfg *config.Config) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stun})
	}
	if turnServers := cfg.GetTURNServers(); turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}

// CreatePipeline implements engine.Engine.
func (e *Engine) CreatePipeline(ctx context.Context) (engine.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("%w: engine closed", engine.ErrUnavailable)
	}

	p := &Pipeline{
		engine:    e,
		id:        uuid.NewString(),
		endpoints: make(map[string]*Endpoint),
	}
	p.log = e.log.With("pipeline", p.id)
	e.pipelines[p.id] = p
	return p, nil
}

// Close implements engine.Engine. Every live pipeline is released.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	pipelines := make([]*Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		pipelines = append(pipelines, p)
	}
	e.mu.Unlock()

	for _, p := range pipelines {
		p.Release(context.Background())
	}
	return nil
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.pipelines, id)
	e.mu.Unlock()
}

// Pipeline groups the peer connections of one room.
type Pipeline struct {
	engine *Engine
	id     string
	log    *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	released  bool
}

// ID implements engine.Pipeline.
func (p *Pipeline) ID() string { return p.id }

// CreateEndpoint implements engine.Pipeline.
func (p *Pipeline) CreateEndpoint(ctx context.Context, kind engine.EndpointKind) (engine.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind != engine.WebRTCEndpoint {
		return nil, fmt.Errorf("unsupported endpoint kind %q", kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil, engine.ErrReleased
	}

	ep, err := newEndpoint(p)
	if err != nil {
		return nil, err
	}
	p.endpoints[ep.id] = ep
	return ep, nil
}

// Release implements engine.Pipeline. Endpoints still open are closed.
func (p *Pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	endpoints := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, ep)
	}
	p.endpoints = nil
	p.mu.Unlock()

	for _, ep := range endpoints {
		ep.close()
	}
	p.engine.forget(p.id)
	p.log.Debug("pipeline released", "endpoints", len(endpoints))
	return nil
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	delete(p.endpoints, id)
	p.mu.Unlock()
}
