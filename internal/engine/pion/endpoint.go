package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

var _ engine.Endpoint = (*Endpoint)(nil)

// Endpoint is one PeerConnection. Media it receives is copied into its local
// tracks, which sinks connected to it send on.
type Endpoint struct {
	pipeline *Pipeline
	id       string
	log      *slog.Logger
	pc       *webrtc.PeerConnection

	video *webrtc.TrackLocalStaticRTP
	audio *webrtc.TrackLocalStaticRTP

	mu          sync.Mutex
	remoteVideo *webrtc.TrackRemote
	remoteSet   bool
	remoteQueue []webrtc.ICECandidateInit
	gathering   bool
	localQueue  []engine.Candidate
	onCand      func(engine.Candidate)
	released    bool
}

// newEndpoint runs with p.mu held.
func newEndpoint(p *Pipeline) (*Endpoint, error) {
	pc, err := p.engine.api.NewPeerConnection(p.engine.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	id := uuid.NewString()
	stream := "stream-" + id

	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	ep := &Endpoint{
		pipeline: p,
		id:       id,
		log:      p.log.With("endpoint", id),
		pc:       pc,
		video:    video,
		audio:    audio,
	}

	pc.OnTrack(ep.handleTrack)
	pc.OnICECandidate(ep.handleCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		ep.log.Debug("peer connection state changed", "state", state.String())
	})

	return ep, nil
}

// ID implements engine.Endpoint.
func (e *Endpoint) ID() string { return e.id }

// ProcessOffer implements engine.Endpoint. Remote candidates that arrived
// before the offer are applied once it is set.
func (e *Endpoint) ProcessOffer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return "", engine.ErrReleased
	}

	err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer})
	if err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	e.remoteSet = true
	for _, c := range e.remoteQueue {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.log.Warn("queued remote candidate rejected", "err", err)
		}
	}
	e.remoteQueue = nil

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return e.pc.LocalDescription().SDP, nil
}

// Connect implements engine.Endpoint. The sink sends this endpoint's media
// and keyframe requests from its receiver are relayed back here. Connect must
// precede the sink's ProcessOffer.
func (e *Endpoint) Connect(ctx context.Context, sink engine.Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, ok := sink.(*Endpoint)
	if !ok || dst.pipeline != e.pipeline {
		return fmt.Errorf("connect %s: sink %s is not in the same pipeline", e.id, sink.ID())
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.released {
		return engine.ErrReleased
	}

	for _, track := range []*webrtc.TrackLocalStaticRTP{e.video, e.audio} {
		sender, err := dst.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("connect %s to %s: %w", e.id, dst.id, err)
		}
		go e.relayRTCP(sender)
	}
	return nil
}

// AddICECandidate implements engine.Endpoint.
func (e *Endpoint) AddICECandidate(ctx context.Context, c engine.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mid := c.SDPMid
	index := uint16(c.SDPMLineIndex)
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &index}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return engine.ErrReleased
	}
	if !e.remoteSet {
		e.remoteQueue = append(e.remoteQueue, init)
		return nil
	}
	return e.pc.AddICECandidate(init)
}

// GatherCandidates implements engine.Endpoint. The peer connection gathers as
// soon as its local description is set; candidates found before this call are
// held and released now.
func (e *Endpoint) GatherCandidates(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return engine.ErrReleased
	}
	e.gathering = true
	e.flushLocked()
	return nil
}

// OnCandidateProduced implements engine.Endpoint.
func (e *Endpoint) OnCandidateProduced(fn func(engine.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCand = fn
	e.flushLocked()
}

// Release implements engine.Endpoint.
func (e *Endpoint) Release(ctx context.Context) error {
	e.pipeline.forget(e.id)
	return e.close()
}

func (e *Endpoint) close() error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	e.onCand = nil
	e.localQueue = nil
	e.remoteQueue = nil
	e.mu.Unlock()

	return e.pc.Close()
}

func (e *Endpoint) flushLocked() {
	if !e.gathering || e.onCand == nil {
		return
	}
	for _, c := range e.localQueue {
		e.onCand(c)
	}
	e.localQueue = nil
}

func (e *Endpoint) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	cand := engine.Candidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		cand.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		cand.SDPMLineIndex = int(*init.SDPMLineIndex)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	e.localQueue = append(e.localQueue, cand)
	e.flushLocked()
}

// handleTrack copies an inbound track into the local track of its kind.
func (e *Endpoint) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	local := e.audio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		local = e.video
		e.mu.Lock()
		e.remoteVideo = remote
		e.mu.Unlock()
		e.requestKeyframe()
	}
	e.log.Debug("forwarding track", "kind", remote.Kind().String(), "codec", remote.Codec().MimeType)

	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Debug("track read ended", "err", err)
			}
			return
		}
		if _, err := local.Write(buf[:n]); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			e.log.Warn("track write failed", "err", err)
			return
		}
	}
}

// relayRTCP reads RTCP a sink receives for this endpoint's media and asks the
// publisher for a keyframe when the sink's viewer lost one.
func (e *Endpoint) relayRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range packets {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				e.requestKeyframe()
			}
		}
	}
}

func (e *Endpoint) requestKeyframe() {
	e.mu.Lock()
	remote := e.remoteVideo
	released := e.released
	e.mu.Unlock()
	if remote == nil || released {
		return
	}

	err := e.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}})
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		e.log.Debug("keyframe request failed", "err", err)
	}
}
