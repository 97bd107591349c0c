package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/core"
	"github.com/dialdesk/dialdesk/internal/domain"
	"github.com/dialdesk/dialdesk/internal/protocol"
)

const DefaultRingTimeout = 45 * time.Second

// Hub is the connection broker. It owns the presence registry and every
// live call session, routes protocol messages between the two parties of
// a call, enforces authorization and availability, and drives the
// session state machine. All session mutation is serialized by the hub
// lock; sends are non-blocking and results are delivered asynchronously
// to the relevant connections, never returned to the caller.
type Hub struct {
	registry    *Registry
	directory   core.Directory
	store       core.CallStore
	ringTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[domain.CallID]*callSession
	byUser   map[domain.UserID]domain.CallID
}

func NewHub(registry *Registry, directory core.Directory, store core.CallStore, ringTimeout time.Duration) *Hub {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Hub{
		registry:    registry,
		directory:   directory,
		store:       store,
		ringTimeout: ringTimeout,
		now:         time.Now,
		sessions:    make(map[domain.CallID]*callSession),
		byUser:      make(map[domain.UserID]domain.CallID),
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

// Attach installs a user's connection; the last connection wins. A
// replaced handle is closed so messages to it are no longer attempted.
func (h *Hub) Attach(uid domain.UserID, connID string, handle core.SignalConnection) {
	replaced := h.registry.Register(uid, connID, handle)
	if replaced != nil {
		replaced.Close()
	}
	h.fanOutPresence(uid, h.registry.GetStatus(uid))
}

// HandleDisconnect unregisters the connection and force-fails any
// non-terminal session the user participates in.
func (h *Hub) HandleDisconnect(uid domain.UserID, connID string) {
	if !h.registry.Unregister(uid, connID) {
		// a superseded connection closing late; the new one is authoritative
		return
	}

	h.mu.Lock()
	if cid, ok := h.byUser[uid]; ok {
		if s, ok := h.sessions[cid]; ok && !s.terminal() {
			h.failLocked(s, domain.ReasonPeerDisconnected, uid)
		}
	}
	h.mu.Unlock()

	h.fanOutPresence(uid, domain.StatusOffline)
}

// HandleOffer validates and runs the call-offer transition. senderOrg is
// the organization resolved at authentication time and cached on the
// connection.
func (h *Hub) HandleOffer(sender domain.UserID, senderOrg domain.OrgID, msg protocol.Offer) {
	if err := msg.Validate(); err != nil {
		h.sendError(sender, protocol.CodeBadPayload, err.Error())
		return
	}
	if domain.UserID(msg.From) != sender {
		log.Warn().Str("module", "app.hub").Str("user", string(sender)).Str("from", msg.From).Msg("offer sender mismatch, dropped")
		return
	}
	callee := domain.UserID(msg.To)
	if !h.directory.IsActive(callee) {
		h.sendError(sender, protocol.CodeTargetNotFound, "could not reach user")
		return
	}
	if !h.directory.IsSameOrganization(sender, callee) {
		h.sendError(sender, protocol.CodeNotAuthorized, "target is not in your organization")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cid := domain.CallID(msg.CallID)
	if _, dup := h.sessions[cid]; dup {
		log.Warn().Str("module", "app.hub").Str("call", msg.CallID).Msg("duplicate call id, dropped")
		return
	}
	if _, busy := h.byUser[sender]; busy {
		h.sendError(sender, protocol.CodeTargetUnavailable, "you are already in a call")
		return
	}
	if _, busy := h.byUser[callee]; busy {
		h.sendError(sender, protocol.CodeTargetUnavailable, "could not reach user")
		return
	}

	now := h.now()
	media := domain.Media{Audio: msg.Metadata.Audio, Video: msg.Metadata.Video}
	switch h.registry.GetStatus(callee) {
	case domain.StatusOffline:
		// session is created and immediately failed so history is recorded
		s := newCallSession(cid, sender, callee, senderOrg, media, now)
		h.persistCreate(s)
		s.fail(domain.ReasonOffline, now)
		h.persistTerminal(s)
		h.sendError(sender, protocol.CodeTargetOffline, "could not reach user")
		return
	case domain.StatusAvailable:
	default:
		h.sendError(sender, protocol.CodeTargetUnavailable, "could not reach user")
		return
	}

	s := newCallSession(cid, sender, callee, senderOrg, media, now)
	h.sessions[cid] = s
	h.byUser[sender] = cid
	h.byUser[callee] = cid
	s.callerPrev = h.registry.SetStatus(sender, domain.StatusBusy)
	s.calleePrev = h.registry.SetStatus(callee, domain.StatusBusy)
	h.persistCreate(s)

	if !h.send(callee, msg) {
		// the callee's handle vanished between the status check and the send
		s.fail(domain.ReasonOffline, h.now())
		h.restore(sender, s.callerPrev)
		h.restore(callee, s.calleePrev)
		h.persistTerminal(s)
		h.evict(s)
		h.sendError(sender, protocol.CodeTargetOffline, "could not reach user")
		return
	}

	s.ring()
	s.ringTimer = time.AfterFunc(h.ringTimeout, func() { h.onRingTimeout(cid) })
	log.Info().Str("module", "app.hub").Str("call", msg.CallID).Str("caller", string(sender)).Str("callee", msg.To).Msg("call ringing")
}

// HandleAnswer runs the call-answer transition and relays the answer to
// the caller.
func (h *Hub) HandleAnswer(sender domain.UserID, msg protocol.Answer) {
	if err := msg.Validate(); err != nil {
		h.sendError(sender, protocol.CodeBadPayload, err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[domain.CallID(msg.CallID)]
	if !ok || sender != s.Callee {
		log.Debug().Str("module", "app.hub").Str("call", msg.CallID).Str("user", string(sender)).Msg("stale or unauthorized answer, dropped")
		return
	}
	if !s.connect(h.now()) {
		// lost the race against hangup or timeout; already transitioned
		return
	}
	s.stopRingTimer()

	if !h.send(s.Caller, msg) {
		h.failLocked(s, domain.ReasonPeerDisconnected, s.Caller)
		return
	}
	h.persist(s.ID, core.CallPatch{State: s.State, ConnectedAt: timePtr(s.ConnectedAt)})
	log.Info().Str("module", "app.hub").Str("call", msg.CallID).Msg("call connected")
}

// HandleIceCandidate relays a candidate between the parties of an
// active, non-terminal session. Anything else is dropped without an
// error so session existence is never leaked.
func (h *Hub) HandleIceCandidate(sender domain.UserID, msg protocol.ICECandidate) {
	if msg.Validate() != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[domain.CallID(msg.CallID)]
	if !ok || s.terminal() || !s.involves(sender) {
		return
	}
	if domain.UserID(msg.To) != s.other(sender) {
		return
	}
	h.send(domain.UserID(msg.To), msg)
}

// HandleHold relays a hold toggle to the other participant; it never
// changes session state.
func (h *Hub) HandleHold(sender domain.UserID, msg protocol.Hold) {
	if msg.Validate() != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[domain.CallID(msg.CallID)]
	if !ok || s.terminal() || !s.involves(sender) {
		return
	}
	h.send(s.other(sender), msg)
}

// HandleEnded terminates a session. The authoritative reason is derived
// from the sender's role and the session state; a message for an already
// terminal call is a no-op.
func (h *Hub) HandleEnded(sender domain.UserID, msg protocol.Ended) {
	if msg.Validate() != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[domain.CallID(msg.CallID)]
	if !ok || !s.involves(sender) {
		return
	}

	now := h.now()
	var changed bool
	if msg.Reason == string(domain.ReasonMediaError) {
		changed = s.fail(domain.ReasonMediaError, now)
	} else if s.State == domain.CallConnected {
		changed = s.end(domain.ReasonUserEnded, now)
	} else if sender == s.Callee {
		changed = s.end(domain.ReasonRejected, now)
	} else {
		changed = s.end(domain.ReasonCancelled, now)
	}
	if !changed {
		return
	}
	s.stopRingTimer()

	h.restore(s.Caller, s.callerPrev)
	h.restore(s.Callee, s.calleePrev)
	h.send(s.other(sender), protocol.Ended{Type: protocol.TypeEnded, CallID: msg.CallID, Reason: string(s.EndReason)})
	h.persistTerminal(s)
	h.evict(s)
	log.Info().Str("module", "app.hub").Str("call", msg.CallID).Str("reason", string(s.EndReason)).Msg("call ended")
}

// HandlePresenceUpdate updates the registry and fans the new status out
// to the user's team members. A user in a live call stays BUSY.
func (h *Hub) HandlePresenceUpdate(uid domain.UserID, st domain.Status) {
	h.mu.Lock()
	_, inCall := h.byUser[uid]
	h.mu.Unlock()
	if inCall {
		log.Debug().Str("module", "app.hub").Str("user", string(uid)).Msg("presence update ignored during call")
		return
	}
	h.registry.SetStatus(uid, st)
	h.fanOutPresence(uid, st)
}

// TeamPresence returns the availability of the user's team members.
func (h *Hub) TeamPresence(uid domain.UserID) map[domain.UserID]domain.Status {
	return h.registry.Snapshot(h.directory.TeamMembers(uid))
}

// ActiveCall reports the user's current non-terminal call, if any.
func (h *Hub) ActiveCall(uid domain.UserID) (domain.CallRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cid, ok := h.byUser[uid]
	if !ok {
		return domain.CallRecord{}, false
	}
	s, ok := h.sessions[cid]
	if !ok {
		return domain.CallRecord{}, false
	}
	return s.record(), true
}

func (h *Hub) onRingTimeout(cid domain.CallID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[cid]
	if !ok || s.terminal() {
		return
	}
	if !s.end(domain.ReasonNoAnswer, h.now()) {
		return
	}
	h.restore(s.Caller, s.callerPrev)
	h.restore(s.Callee, s.calleePrev)
	ended := protocol.Ended{Type: protocol.TypeEnded, CallID: string(cid), Reason: string(domain.ReasonNoAnswer)}
	h.send(s.Caller, ended)
	h.send(s.Callee, ended)
	h.persistTerminal(s)
	h.evict(s)
	log.Info().Str("module", "app.hub").Str("call", string(cid)).Msg("ring timeout, no answer")
}

// failLocked force-fails a non-terminal session after gone disconnected
// or became unreachable. Must be called with the hub lock held.
func (h *Hub) failLocked(s *callSession, reason domain.EndReason, gone domain.UserID) {
	if !s.fail(reason, h.now()) {
		return
	}
	s.stopRingTimer()
	remaining := s.other(gone)
	switch remaining {
	case s.Caller:
		h.restore(s.Caller, s.callerPrev)
	case s.Callee:
		h.restore(s.Callee, s.calleePrev)
	}
	h.send(remaining, protocol.Ended{Type: protocol.TypeEnded, CallID: string(s.ID), Reason: string(reason)})
	h.persistTerminal(s)
	h.evict(s)
	log.Info().Str("module", "app.hub").Str("call", string(s.ID)).Str("reason", string(reason)).Msg("call failed")
}

// restore puts a party back to its pre-call status, or AVAILABLE, but
// never resurrects an offline user.
func (h *Hub) restore(uid domain.UserID, prev domain.Status) {
	if _, online := h.registry.Lookup(uid); !online {
		return
	}
	if prev == "" || prev == domain.StatusOffline {
		prev = domain.StatusAvailable
	}
	h.registry.SetStatus(uid, prev)
}

func (h *Hub) evict(s *callSession) {
	delete(h.sessions, s.ID)
	if h.byUser[s.Caller] == s.ID {
		delete(h.byUser, s.Caller)
	}
	if h.byUser[s.Callee] == s.ID {
		delete(h.byUser, s.Callee)
	}
}

func (h *Hub) fanOutPresence(uid domain.UserID, st domain.Status) {
	msg := protocol.PresenceUpdate{Type: protocol.TypePresence, UserID: string(uid), Status: string(st)}
	for _, member := range h.directory.TeamMembers(uid) {
		h.send(member, msg)
	}
}

// send marshals and pushes a message to the user's current connection,
// looked up fresh from the registry. Best effort; TrySend never blocks.
func (h *Hub) send(uid domain.UserID, v any) bool {
	handle, ok := h.registry.Lookup(uid)
	if !ok {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.hub").Msg("marshal outbound message")
		return false
	}
	if err := handle.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "app.hub").Str("user", string(uid)).Msg("send failed")
		return false
	}
	return true
}

func (h *Hub) sendError(uid domain.UserID, code, message string) {
	h.send(uid, protocol.NewError(code, message))
}

func (h *Hub) persistCreate(s *callSession) {
	if err := h.store.CreateCallRecord(context.Background(), s.record()); err != nil {
		log.Error().Err(err).Str("module", "app.hub").Str("call", string(s.ID)).Msg("create call record")
	}
}

func (h *Hub) persistTerminal(s *callSession) {
	patch := core.CallPatch{State: s.State, EndReason: s.EndReason, EndedAt: timePtr(s.EndedAt)}
	if !s.ConnectedAt.IsZero() {
		patch.ConnectedAt = timePtr(s.ConnectedAt)
	}
	h.persist(s.ID, patch)
}

func (h *Hub) persist(cid domain.CallID, patch core.CallPatch) {
	if err := h.store.UpdateCallRecord(context.Background(), cid, patch); err != nil {
		log.Error().Err(err).Str("module", "app.hub").Str("call", string(cid)).Msg("update call record")
	}
}

func (s *callSession) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
