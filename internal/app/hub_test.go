package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dialdesk/dialdesk/internal/domain"
	"github.com/dialdesk/dialdesk/internal/protocol"
	"github.com/dialdesk/dialdesk/internal/store"
)

type hubFixture struct {
	hub   *Hub
	store *store.MemoryStore
	dir   *MemoryDirectory
}

// newHubFixture seeds a two-org directory: alice, bob and dave share
// acme, carol is in globex, mallory is suspended.
func newHubFixture(ringTimeout time.Duration) *hubFixture {
	dir := NewMemoryDirectory(
		domain.User{ID: "alice", OrgID: "acme", DisplayName: "Alice"},
		domain.User{ID: "bob", OrgID: "acme", DisplayName: "Bob"},
		domain.User{ID: "dave", OrgID: "acme", DisplayName: "Dave"},
		domain.User{ID: "carol", OrgID: "globex", DisplayName: "Carol"},
		domain.User{ID: "mallory", OrgID: "acme", DisplayName: "Mallory", Suspended: true},
	)
	st := store.NewMemoryStore()
	return &hubFixture{hub: NewHub(NewRegistry(), dir, st, ringTimeout), store: st, dir: dir}
}

func (f *hubFixture) attach(uid domain.UserID) *fakeConn {
	c := &fakeConn{}
	f.hub.Attach(uid, "conn-"+string(uid), c)
	return c
}

func (f *hubFixture) status(uid domain.UserID) domain.Status {
	return f.hub.registry.GetStatus(uid)
}

func offerMsg(callID, from, to string) protocol.Offer {
	return protocol.Offer{
		Type:     protocol.TypeOffer,
		CallID:   callID,
		From:     from,
		To:       to,
		Signal:   json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		Metadata: protocol.OfferMetadata{Audio: true, DisplayName: "Alice"},
	}
}

func answerMsg(callID string) protocol.Answer {
	return protocol.Answer{
		Type:   protocol.TypeAnswer,
		CallID: callID,
		Signal: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	}
}

func TestHubCallLifecycle(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	bob := f.attach("bob")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	var got protocol.Offer
	if !bob.lastOfType(t, protocol.TypeOffer, &got) {
		t.Fatal("callee never received the offer")
	}
	if got.CallID != "c1" || got.From != "alice" || !got.Metadata.Audio {
		t.Fatalf("offer relayed with wrong content: %+v", got)
	}
	if f.status("alice") != domain.StatusBusy || f.status("bob") != domain.StatusBusy {
		t.Fatal("both parties should be busy while the call is live")
	}
	rec, ok := f.hub.ActiveCall("alice")
	if !ok || rec.State != domain.CallRinging || rec.CalleeID != "bob" {
		t.Fatalf("active call = %+v, %v", rec, ok)
	}
	if _, ok := f.hub.ActiveCall("dave"); ok {
		t.Fatal("bystander should have no active call")
	}

	f.hub.HandleAnswer("bob", answerMsg("c1"))

	var ans protocol.Answer
	if !alice.lastOfType(t, protocol.TypeAnswer, &ans) {
		t.Fatal("caller never received the answer")
	}
	rec, _ = f.hub.ActiveCall("bob")
	if rec.State != domain.CallConnected || rec.ConnectedAt == nil {
		t.Fatalf("after answer: %+v", rec)
	}

	f.hub.HandleEnded("alice", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"})

	var ended protocol.Ended
	if !bob.lastOfType(t, protocol.TypeEnded, &ended) {
		t.Fatal("callee never received call-ended")
	}
	if ended.Reason != string(domain.ReasonUserEnded) {
		t.Fatalf("reason = %q, want user_ended", ended.Reason)
	}
	if f.status("alice") != domain.StatusAvailable || f.status("bob") != domain.StatusAvailable {
		t.Fatal("statuses should be restored after hangup")
	}
	if _, ok := f.hub.ActiveCall("alice"); ok {
		t.Fatal("session should be evicted after hangup")
	}

	stored, ok := f.store.Get("c1")
	if !ok {
		t.Fatal("call record missing")
	}
	if stored.State != domain.CallEnded || stored.EndReason != domain.ReasonUserEnded {
		t.Fatalf("stored record: %+v", stored)
	}
	if stored.ConnectedAt == nil || stored.EndedAt == nil {
		t.Fatal("record should carry connectedAt and endedAt")
	}
}

func TestHubOfferToBusyCallee(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	f.attach("bob")
	dave := f.attach("dave")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleOffer("dave", "acme", offerMsg("c2", "dave", "bob"))

	var e protocol.Error
	if !dave.lastOfType(t, protocol.TypeError, &e) {
		t.Fatal("second caller should get an error")
	}
	if e.Code != protocol.CodeTargetUnavailable {
		t.Fatalf("code = %q, want target_unavailable", e.Code)
	}
	if _, ok := f.hub.ActiveCall("dave"); ok {
		t.Fatal("no session should exist for the rejected offer")
	}
	if creates, _ := f.store.Writes(); creates != 1 {
		t.Fatalf("creates = %d, only the live call should be recorded", creates)
	}
}

func TestHubOfferWhileAlreadyInCall(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	f.attach("bob")
	f.attach("dave")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleOffer("alice", "acme", offerMsg("c2", "alice", "dave"))

	var e protocol.Error
	if !alice.lastOfType(t, protocol.TypeError, &e) || e.Code != protocol.CodeTargetUnavailable {
		t.Fatalf("caller in a call must not start a second one, got %+v", e)
	}
}

func TestHubOfferToOfflineUser(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	var e protocol.Error
	if !alice.lastOfType(t, protocol.TypeError, &e) || e.Code != protocol.CodeTargetOffline {
		t.Fatalf("offer to offline user: got %+v", e)
	}
	rec, ok := f.store.Get("c1")
	if !ok {
		t.Fatal("failed call must still be recorded")
	}
	if rec.State != domain.CallFailed || rec.EndReason != domain.ReasonOffline {
		t.Fatalf("record = %+v", rec)
	}
	if f.status("alice") != domain.StatusAvailable {
		t.Fatal("caller status must not be left busy")
	}
	if _, ok := f.hub.ActiveCall("alice"); ok {
		t.Fatal("no live session should remain")
	}
}

func TestHubOfferUnreachableHandle(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	bob := f.attach("bob")
	bob.broken = true

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	var e protocol.Error
	if !alice.lastOfType(t, protocol.TypeError, &e) || e.Code != protocol.CodeTargetOffline {
		t.Fatalf("undeliverable offer: got %+v", e)
	}
	rec, _ := f.store.Get("c1")
	if rec.State != domain.CallFailed || rec.EndReason != domain.ReasonOffline {
		t.Fatalf("record = %+v", rec)
	}
	if f.status("alice") != domain.StatusAvailable || f.status("bob") != domain.StatusAvailable {
		t.Fatal("statuses must be restored when the offer cannot be delivered")
	}
}

func TestHubCrossOrgOfferRejected(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	carol := f.attach("carol")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "carol"))

	var e protocol.Error
	if !alice.lastOfType(t, protocol.TypeError, &e) || e.Code != protocol.CodeNotAuthorized {
		t.Fatalf("cross-org offer: got %+v", e)
	}
	if carol.countOfType(t, protocol.TypeOffer) != 0 {
		t.Fatal("offer must never reach a user outside the caller's organization")
	}
	if creates, _ := f.store.Writes(); creates != 0 {
		t.Fatal("rejected offer must not be recorded")
	}
}

func TestHubOfferToSuspendedUser(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "mallory"))

	var e protocol.Error
	if !alice.lastOfType(t, protocol.TypeError, &e) || e.Code != protocol.CodeTargetNotFound {
		t.Fatalf("offer to suspended user: got %+v", e)
	}
}

func TestHubOfferToDoNotDisturb(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	bob := f.attach("bob")
	f.hub.HandlePresenceUpdate("bob", domain.StatusDoNotDisturb)

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	var e protocol.Error
	if !alice.lastOfType(t, protocol.TypeError, &e) || e.Code != protocol.CodeTargetUnavailable {
		t.Fatalf("offer to dnd user: got %+v", e)
	}
	if bob.countOfType(t, protocol.TypeOffer) != 0 {
		t.Fatal("do-not-disturb user must not be rung")
	}
}

func TestHubDuplicateCallIDDropped(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	bob := f.attach("bob")
	dave := f.attach("dave")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleOffer("dave", "acme", offerMsg("c1", "dave", "bob"))

	if bob.countOfType(t, protocol.TypeOffer) != 1 {
		t.Fatal("offer reusing a live call id must be dropped")
	}
	if dave.countOfType(t, protocol.TypeError) != 0 {
		t.Fatal("duplicate call id is dropped silently")
	}
}

func TestHubRejectAndCancelReasons(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	bob := f.attach("bob")

	// callee hangs up while ringing: rejected
	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleEnded("bob", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"})
	var ended protocol.Ended
	if !alice.lastOfType(t, protocol.TypeEnded, &ended) || ended.Reason != string(domain.ReasonRejected) {
		t.Fatalf("callee hangup while ringing: %+v", ended)
	}

	// caller hangs up while ringing: cancelled
	f.hub.HandleOffer("alice", "acme", offerMsg("c2", "alice", "bob"))
	f.hub.HandleEnded("alice", protocol.Ended{Type: protocol.TypeEnded, CallID: "c2"})
	if !bob.lastOfType(t, protocol.TypeEnded, &ended) || ended.Reason != string(domain.ReasonCancelled) {
		t.Fatalf("caller hangup while ringing: %+v", ended)
	}

	rec, _ := f.store.Get("c1")
	if rec.State != domain.CallEnded || rec.EndReason != domain.ReasonRejected {
		t.Fatalf("c1 record = %+v", rec)
	}
	rec, _ = f.store.Get("c2")
	if rec.EndReason != domain.ReasonCancelled {
		t.Fatalf("c2 record = %+v", rec)
	}
}

func TestHubEndedIsIdempotent(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	bob := f.attach("bob")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleAnswer("bob", answerMsg("c1"))
	f.hub.HandleEnded("alice", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"})

	_, updates := f.store.Writes()
	endedBefore := bob.countOfType(t, protocol.TypeEnded)

	f.hub.HandleEnded("bob", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"})
	f.hub.HandleEnded("alice", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"})

	if _, u := f.store.Writes(); u != updates {
		t.Fatalf("redundant ended caused extra writes: %d -> %d", updates, u)
	}
	if bob.countOfType(t, protocol.TypeEnded) != endedBefore {
		t.Fatal("redundant ended caused extra notifications")
	}
}

func TestHubMediaErrorFailsCall(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	bob := f.attach("bob")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleAnswer("bob", answerMsg("c1"))
	f.hub.HandleEnded("alice", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1", Reason: string(domain.ReasonMediaError)})

	var ended protocol.Ended
	if !bob.lastOfType(t, protocol.TypeEnded, &ended) || ended.Reason != string(domain.ReasonMediaError) {
		t.Fatalf("media error: %+v", ended)
	}
	rec, _ := f.store.Get("c1")
	if rec.State != domain.CallFailed || rec.EndReason != domain.ReasonMediaError {
		t.Fatalf("record = %+v", rec)
	}
}

func TestHubDisconnectDuringRinging(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	bob := f.attach("bob")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleDisconnect("alice", "conn-alice")

	var ended protocol.Ended
	if !bob.lastOfType(t, protocol.TypeEnded, &ended) || ended.Reason != string(domain.ReasonPeerDisconnected) {
		t.Fatalf("callee notification: %+v", ended)
	}
	if f.status("bob") != domain.StatusAvailable {
		t.Fatal("surviving party status must be restored")
	}
	if f.status("alice") != domain.StatusOffline {
		t.Fatal("disconnected party must be offline")
	}
	rec, _ := f.store.Get("c1")
	if rec.State != domain.CallFailed || rec.EndReason != domain.ReasonPeerDisconnected {
		t.Fatalf("record = %+v", rec)
	}

	var pres protocol.PresenceUpdate
	if !bob.lastOfType(t, protocol.TypePresence, &pres) || pres.UserID != "alice" || pres.Status != string(domain.StatusOffline) {
		t.Fatalf("team never saw the disconnect: %+v", pres)
	}
}

func TestHubStaleDisconnectIsNoOp(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	f.attach("bob")
	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	// a superseded connection closing late must not tear the call down
	f.hub.HandleDisconnect("alice", "conn-stale")

	if rec, ok := f.hub.ActiveCall("alice"); !ok || rec.State != domain.CallRinging {
		t.Fatal("call must survive a stale disconnect")
	}
}

func TestHubRingTimeout(t *testing.T) {
	f := newHubFixture(25 * time.Millisecond)
	alice := f.attach("alice")
	bob := f.attach("bob")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.hub.ActiveCall("alice"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ring timeout never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var ended protocol.Ended
	if !alice.lastOfType(t, protocol.TypeEnded, &ended) || ended.Reason != string(domain.ReasonNoAnswer) {
		t.Fatalf("caller timeout notification: %+v", ended)
	}
	if !bob.lastOfType(t, protocol.TypeEnded, &ended) || ended.Reason != string(domain.ReasonNoAnswer) {
		t.Fatalf("callee timeout notification: %+v", ended)
	}
	if f.status("alice") != domain.StatusAvailable || f.status("bob") != domain.StatusAvailable {
		t.Fatal("statuses must be restored after timeout")
	}
	rec, _ := f.store.Get("c1")
	if rec.State != domain.CallEnded || rec.EndReason != domain.ReasonNoAnswer {
		t.Fatalf("record = %+v", rec)
	}
}

func TestHubAnswerValidation(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	f.attach("bob")
	dave := f.attach("dave")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	// only the callee may answer
	f.hub.HandleAnswer("dave", answerMsg("c1"))
	f.hub.HandleAnswer("alice", answerMsg("c1"))
	if alice.countOfType(t, protocol.TypeAnswer) != 0 {
		t.Fatal("answer from a non-callee must be dropped")
	}
	if rec, _ := f.hub.ActiveCall("alice"); rec.State != domain.CallRinging {
		t.Fatal("state must not move on an unauthorized answer")
	}

	// answer for an unknown call is dropped without an error
	f.hub.HandleAnswer("bob", answerMsg("ghost"))
	if dave.countOfType(t, protocol.TypeError) != 0 {
		t.Fatal("stale answer must not produce errors")
	}
}

func TestHubIceCandidateRelay(t *testing.T) {
	f := newHubFixture(0)
	alice := f.attach("alice")
	bob := f.attach("bob")
	f.attach("dave")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))

	cand := func(to string) protocol.ICECandidate {
		return protocol.ICECandidate{
			Type:      protocol.TypeICE,
			CallID:    "c1",
			To:        to,
			Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 192.0.2.1 54321 typ host"}`),
		}
	}

	f.hub.HandleIceCandidate("alice", cand("bob"))
	if bob.countOfType(t, protocol.TypeICE) != 1 {
		t.Fatal("candidate not relayed to the callee")
	}
	f.hub.HandleIceCandidate("bob", cand("alice"))
	if alice.countOfType(t, protocol.TypeICE) != 1 {
		t.Fatal("candidate not relayed to the caller")
	}

	// outsiders and misdirected candidates are dropped
	f.hub.HandleIceCandidate("dave", cand("bob"))
	f.hub.HandleIceCandidate("alice", cand("dave"))
	if bob.countOfType(t, protocol.TypeICE) != 1 {
		t.Fatal("candidate from a non-participant must be dropped")
	}

	// nothing is relayed once the call is over
	f.hub.HandleEnded("alice", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"})
	f.hub.HandleIceCandidate("alice", cand("bob"))
	if bob.countOfType(t, protocol.TypeICE) != 1 {
		t.Fatal("candidate for a terminal call must be dropped")
	}
}

func TestHubHoldRelay(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	bob := f.attach("bob")
	f.attach("dave")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleAnswer("bob", answerMsg("c1"))

	f.hub.HandleHold("alice", protocol.Hold{Type: protocol.TypeHold, CallID: "c1", Hold: true})
	var hold protocol.Hold
	if !bob.lastOfType(t, protocol.TypeHold, &hold) || !hold.Hold {
		t.Fatalf("hold not relayed: %+v", hold)
	}

	f.hub.HandleHold("dave", protocol.Hold{Type: protocol.TypeHold, CallID: "c1", Hold: true})
	if bob.countOfType(t, protocol.TypeHold) != 1 {
		t.Fatal("hold from a non-participant must be dropped")
	}

	if rec, _ := f.hub.ActiveCall("alice"); rec.State != domain.CallConnected {
		t.Fatal("hold must not change session state")
	}
}

func TestHubPresenceFanOut(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	bob := f.attach("bob")
	carol := f.attach("carol")

	f.hub.HandlePresenceUpdate("alice", domain.StatusDoNotDisturb)

	var pres protocol.PresenceUpdate
	if !bob.lastOfType(t, protocol.TypePresence, &pres) || pres.UserID != "alice" || pres.Status != string(domain.StatusDoNotDisturb) {
		t.Fatalf("team member missed the update: %+v", pres)
	}
	if carol.countOfType(t, protocol.TypePresence) != 0 {
		t.Fatal("presence must not cross organization boundaries")
	}

	snap := f.hub.TeamPresence("bob")
	if snap["alice"] != domain.StatusDoNotDisturb {
		t.Fatalf("team snapshot = %v", snap)
	}
	if _, ok := snap["carol"]; ok {
		t.Fatal("snapshot must not include other organizations")
	}
}

func TestHubPresenceIgnoredDuringCall(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	f.attach("bob")

	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandlePresenceUpdate("alice", domain.StatusAvailable)

	if f.status("alice") != domain.StatusBusy {
		t.Fatal("a user in a live call stays busy")
	}
}

func TestHubStatusRestoredToPreCallValue(t *testing.T) {
	f := newHubFixture(0)
	f.attach("alice")
	f.attach("bob")
	f.hub.HandlePresenceUpdate("alice", domain.StatusDoNotDisturb)

	// dnd rejects inbound calls but does not prevent dialing out
	f.hub.HandleOffer("alice", "acme", offerMsg("c1", "alice", "bob"))
	f.hub.HandleEnded("alice", protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"})

	if f.status("alice") != domain.StatusDoNotDisturb {
		t.Fatalf("status = %s, want the pre-call do_not_disturb", f.status("alice"))
	}
	if f.status("bob") != domain.StatusAvailable {
		t.Fatalf("status = %s, want available", f.status("bob"))
	}
}

func TestHubAttachReplacesConnection(t *testing.T) {
	f := newHubFixture(0)
	first := f.attach("alice")

	second := &fakeConn{}
	f.hub.Attach("alice", "conn-alice-2", second)

	if !first.isClosed() {
		t.Fatal("replaced connection must be closed")
	}
	got, _ := f.hub.registry.Lookup("alice")
	if got != second {
		t.Fatal("newest connection must be authoritative")
	}
}
