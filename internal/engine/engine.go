// Package engine defines the media engine client used by the conference layer.
//
// The engine owns all media: pipelines group the endpoints of one room, and each
// endpoint terminates a single WebRTC stream. Implementations live in the kurento
// (remote Kurento Media Server) and pion (in-process) subpackages.
package engine

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the media engine cannot be reached.
var ErrUnavailable = errors.New("media engine unavailable")

// ErrReleased is returned by operations on a released pipeline or endpoint.
var ErrReleased = errors.New("media object released")

// EndpointKind selects the type of endpoint a pipeline creates.
type EndpointKind string

const (
	// WebRTCEndpoint terminates one browser peer connection.
	WebRTCEndpoint EndpointKind = "WebRtcEndpoint"
)

// Candidate is an ICE candidate as exchanged with browsers.
type Candidate struct {
	Candidate     string `json:"candidate" msgpack:"candidate"`
	SDPMid        string `json:"sdpMid" msgpack:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex" msgpack:"sdpMLineIndex"`
}

// Engine allocates media pipelines.
type Engine interface {
	CreatePipeline(ctx context.Context) (Pipeline, error)
	Close() error
}

// Pipeline groups the endpoints of one room. Endpoints can only be connected
// to endpoints of the same pipeline.
type Pipeline interface {
	ID() string
	CreateEndpoint(ctx context.Context, kind EndpointKind) (Endpoint, error)
	Release(ctx context.Context) error
}

// Endpoint terminates one media stream.
type Endpoint interface {
	ID() string

	// ProcessOffer applies a remote SDP offer and returns the SDP answer.
	ProcessOffer(ctx context.Context, offer string) (string, error)

	// Connect feeds this endpoint's media into sink.
	Connect(ctx context.Context, sink Endpoint) error

	AddICECandidate(ctx context.Context, c Candidate) error

	// GatherCandidates starts local candidate gathering. Gathered candidates
	// are delivered to the OnCandidateProduced callback, one call per
	// candidate, in production order.
	GatherCandidates(ctx context.Context) error

	OnCandidateProduced(fn func(Candidate))

	Release(ctx context.Context) error
}
