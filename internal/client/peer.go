package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Peer abstracts the local peer-connection so the controller can be
// tested without a live WebRTC stack. Signal blobs are opaque JSON
// ({"type":...,"sdp":...} for descriptions, ICECandidateInit for
// candidates) and are relayed through the hub verbatim.
type Peer interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptOffer(ctx context.Context, offer json.RawMessage) (answer json.RawMessage, err error)
	AcceptAnswer(answer json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error

	OnLocalCandidate(func(candidate json.RawMessage))
	OnConnected(func())
	OnFailed(func())

	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	Close()
}

type PeerFactory interface {
	NewPeer(tracks []webrtc.TrackLocal) (Peer, error)
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PionPeerFactory builds peers on pion/webrtc.
type PionPeerFactory struct {
	Config webrtc.Configuration
}

func (f PionPeerFactory) NewPeer(tracks []webrtc.TrackLocal) (Peer, error) {
	pc, err := webrtc.NewPeerConnection(f.Config)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{pc: pc}
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		p.senders = append(p.senders, trackSender{kind: track.Kind(), track: track, sender: sender})
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		p.mu.Lock()
		onICE := p.onICE
		p.mu.Unlock()
		if onICE == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "client.peer").Msg("marshal candidate")
			return
		}
		onICE(b)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "client.peer").Str("state", s.String()).Msg("peer connection state")
		p.mu.Lock()
		onConnected, onFailed := p.onConnected, p.onFailed
		p.mu.Unlock()
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if onConnected != nil {
				onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if onFailed != nil {
				onFailed()
			}
		}
	})

	return p, nil
}

type trackSender struct {
	kind   webrtc.RTPCodecType
	track  webrtc.TrackLocal
	sender *webrtc.RTPSender
}

type pionPeer struct {
	pc      *webrtc.PeerConnection
	senders []trackSender

	mu          sync.Mutex
	onICE       func(json.RawMessage)
	onConnected func()
	onFailed    func()
}

func (p *pionPeer) OnLocalCandidate(fn func(json.RawMessage)) {
	p.mu.Lock()
	p.onICE = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnFailed(fn func()) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

func (p *pionPeer) CreateOffer(_ context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	// trickle ICE: candidates follow over the signaling channel
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return json.Marshal(p.pc.LocalDescription())
}

func (p *pionPeer) AcceptOffer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, err
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return nil, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return json.Marshal(p.pc.LocalDescription())
}

func (p *pionPeer) AcceptAnswer(answer json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return err
	}
	return p.pc.AddICECandidate(init)
}

// SetAudioEnabled mutes or unmutes by swapping the sender's track; the
// negotiated transceiver stays up.
func (p *pionPeer) SetAudioEnabled(enabled bool) error {
	return p.setKindEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

func (p *pionPeer) SetVideoEnabled(enabled bool) error {
	return p.setKindEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (p *pionPeer) setKindEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	for _, ts := range p.senders {
		if ts.kind != kind {
			continue
		}
		var err error
		if enabled {
			err = ts.sender.ReplaceTrack(ts.track)
		} else {
			err = ts.sender.ReplaceTrack(nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) Close() {
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "client.peer").Msg("close peer connection")
	}
}
