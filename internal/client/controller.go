// Package client is the session controller counterpart to the signaling
// hub: it owns the local peer connection and media, drives outbound
// protocol messages, and maintains a local mirror of the call state
// derived from hub-originated events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/domain"
	"github.com/dialdesk/dialdesk/internal/protocol"
)

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrCallInProgress = errors.New("client: a call is already in progress")
	ErrNoSuchCall     = errors.New("client: no such call")
)

type Config struct {
	ServerURL   string // e.g. ws://host:8080/api/ws/signal
	Token       string
	UserID      domain.UserID
	DisplayName string

	Handler EventHandler
	Media   MediaProvider
	Peers   PeerFactory
}

type activeCall struct {
	info     CallInfo
	peer     Peer
	offer    *protocol.Offer // pending incoming offer, callee side only
	answered bool
}

type Controller struct {
	cfg Config

	mu     sync.Mutex
	conn   *websocket.Conn
	wmu    sync.Mutex // serializes websocket writes
	active *activeCall
	closed bool
}

func NewController(cfg Config) *Controller {
	if cfg.Handler == nil {
		cfg.Handler = DefaultEventHandler{}
	}
	if cfg.Peers == nil {
		cfg.Peers = PionPeerFactory{Config: DefaultWebRTCConfig()}
	}
	return &Controller{cfg: cfg}
}

// Connect dials the hub and starts the read loop.
func (c *Controller) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("client: dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	active := c.active
	c.active = nil
	c.mu.Unlock()

	if active != nil && active.peer != nil {
		active.peer.Close()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("read loop closed")
			return
		}
		c.HandleMessage(data)
	}
}

// InitiateCall acquires local media, builds the offer, and sends it.
// The IDLE -> CALLING transition is the one optimistic local transition:
// it happens before any network round trip.
func (c *Controller) InitiateCall(ctx context.Context, target domain.UserID, media domain.Media) (domain.CallID, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	if c.active != nil {
		c.mu.Unlock()
		return "", ErrCallInProgress
	}
	c.mu.Unlock()

	tracks, err := c.cfg.Media.Acquire(ctx, media)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}
	peer, err := c.cfg.Peers.NewPeer(tracks)
	if err != nil {
		return "", err
	}
	offerSignal, err := peer.CreateOffer(ctx)
	if err != nil {
		peer.Close()
		return "", err
	}

	callID := domain.CallID(uuid.NewString())

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		peer.Close()
		return "", ErrCallInProgress
	}
	c.active = &activeCall{
		info: CallInfo{CallID: callID, PeerID: target, Media: media, State: StateCalling},
		peer: peer,
	}
	c.mu.Unlock()

	c.wirePeer(peer, callID, target)

	err = c.send(protocol.Offer{
		Type:   protocol.TypeOffer,
		CallID: string(callID),
		From:   string(c.cfg.UserID),
		To:     string(target),
		Signal: offerSignal,
		Metadata: protocol.OfferMetadata{
			Audio:       media.Audio,
			Video:       media.Video,
			DisplayName: c.cfg.DisplayName,
		},
	})
	if err != nil {
		c.teardown(callID)
		return "", err
	}
	return callID, nil
}

// AnswerCall accepts a ringing incoming call. The local mirror stays
// RINGING until a hub-originated event for the call (or the peer
// connection itself) confirms the connected session.
func (c *Controller) AnswerCall(ctx context.Context, callID domain.CallID) error {
	c.mu.Lock()
	active := c.active
	if active == nil || active.info.CallID != callID || active.offer == nil {
		c.mu.Unlock()
		return ErrNoSuchCall
	}
	offer := active.offer
	media := active.info.Media
	caller := active.info.PeerID
	c.mu.Unlock()

	tracks, err := c.cfg.Media.Acquire(ctx, media)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}
	peer, err := c.cfg.Peers.NewPeer(tracks)
	if err != nil {
		return err
	}
	answerSignal, err := peer.AcceptOffer(ctx, offer.Signal)
	if err != nil {
		peer.Close()
		return err
	}

	c.mu.Lock()
	if c.active == nil || c.active.info.CallID != callID {
		c.mu.Unlock()
		peer.Close()
		return ErrNoSuchCall
	}
	c.active.peer = peer
	c.active.answered = true
	c.mu.Unlock()

	c.wirePeer(peer, callID, caller)

	return c.send(protocol.Answer{
		Type:   protocol.TypeAnswer,
		CallID: string(callID),
		Signal: answerSignal,
	})
}

// RejectCall declines a ringing incoming call.
func (c *Controller) RejectCall(callID domain.CallID) error {
	return c.endWith(callID, string(domain.ReasonRejected))
}

// EndCall hangs up the active call.
func (c *Controller) EndCall(callID domain.CallID, reason string) error {
	if reason == "" {
		reason = string(domain.ReasonUserEnded)
	}
	return c.endWith(callID, reason)
}

func (c *Controller) endWith(callID domain.CallID, reason string) error {
	c.mu.Lock()
	if c.active == nil || c.active.info.CallID != callID {
		c.mu.Unlock()
		return ErrNoSuchCall
	}
	c.mu.Unlock()

	err := c.send(protocol.Ended{Type: protocol.TypeEnded, CallID: string(callID), Reason: reason})
	c.teardown(callID)
	return err
}

// MuteAudio toggles the local audio track; purely local.
func (c *Controller) MuteAudio(callID domain.CallID, muted bool) error {
	peer, err := c.peerFor(callID)
	if err != nil {
		return err
	}
	return peer.SetAudioEnabled(!muted)
}

// MuteVideo toggles the local video track; purely local.
func (c *Controller) MuteVideo(callID domain.CallID, muted bool) error {
	peer, err := c.peerFor(callID)
	if err != nil {
		return err
	}
	return peer.SetVideoEnabled(!muted)
}

// Hold mutes local audio and best-effort notifies the peer.
func (c *Controller) Hold(callID domain.CallID, hold bool) error {
	if err := c.MuteAudio(callID, hold); err != nil {
		return err
	}
	if err := c.send(protocol.Hold{Type: protocol.TypeHold, CallID: string(callID), Hold: hold}); err != nil {
		log.Warn().Err(err).Str("module", "client").Str("call", string(callID)).Msg("hold notify failed")
	}
	return nil
}

// SetPresence publishes a new availability status.
func (c *Controller) SetPresence(status domain.Status) error {
	return c.send(protocol.PresenceUpdate{Type: protocol.TypePresence, Status: string(status)})
}

// GetActiveCall returns the session currently in RINGING or CONNECTED.
func (c *Controller) GetActiveCall() (CallInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return CallInfo{}, false
	}
	if st := c.active.info.State; st != StateRinging && st != StateConnected {
		return CallInfo{}, false
	}
	return c.active.info, true
}

// State reports the current mirror state.
func (c *Controller) State() LocalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return StateIdle
	}
	return c.active.info.State
}

func (c *Controller) peerFor(callID domain.CallID) (Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.info.CallID != callID || c.active.peer == nil {
		return nil, ErrNoSuchCall
	}
	return c.active.peer, nil
}

func (c *Controller) wirePeer(peer Peer, callID domain.CallID, other domain.UserID) {
	peer.OnLocalCandidate(func(candidate json.RawMessage) {
		err := c.send(protocol.ICECandidate{
			Type:      protocol.TypeICE,
			CallID:    string(callID),
			Candidate: candidate,
			To:        string(other),
		})
		if err != nil {
			log.Debug().Err(err).Str("module", "client").Str("call", string(callID)).Msg("candidate send failed")
		}
	})
	peer.OnConnected(func() {
		if c.promote(callID) {
			c.cfg.Handler.OnCallConnected(callID)
		}
	})
	peer.OnFailed(func() {
		c.mu.Lock()
		failed := c.active != nil && c.active.info.CallID == callID
		c.mu.Unlock()
		if !failed {
			return
		}
		_ = c.send(protocol.Ended{Type: protocol.TypeEnded, CallID: string(callID), Reason: string(domain.ReasonMediaError)})
		c.teardown(callID)
		c.cfg.Handler.OnCallFailed(callID, "call failed")
	})
}

// promote moves an answered call to CONNECTED; reports whether the state
// changed.
func (c *Controller) promote(callID domain.CallID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.info.CallID != callID {
		return false
	}
	if c.active.info.State == StateConnected {
		return false
	}
	c.active.info.State = StateConnected
	return true
}

func (c *Controller) teardown(callID domain.CallID) {
	c.mu.Lock()
	if c.active == nil || c.active.info.CallID != callID {
		c.mu.Unlock()
		return
	}
	peer := c.active.peer
	c.active = nil
	c.mu.Unlock()
	if peer != nil {
		peer.Close()
	}
}

func (c *Controller) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteJSON(v)
}
