package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialdesk/dialdesk/internal/app"
	"github.com/dialdesk/dialdesk/internal/auth"
	"github.com/dialdesk/dialdesk/internal/config"
	"github.com/dialdesk/dialdesk/internal/domain"
	"github.com/dialdesk/dialdesk/internal/protocol"
	"github.com/dialdesk/dialdesk/internal/store"
)

const testSecret = "integration-test-secret"

type testServer struct {
	srv   *httptest.Server
	hub   *app.Hub
	store *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := app.NewMemoryDirectory(
		domain.User{ID: "alice", OrgID: "acme", DisplayName: "Alice"},
		domain.User{ID: "bob", OrgID: "acme", DisplayName: "Bob"},
		domain.User{ID: "mallory", OrgID: "acme", DisplayName: "Mallory", Suspended: true},
	)
	st := store.NewMemoryStore()
	hub := app.NewHub(app.NewRegistry(), dir, st, time.Minute)
	gate := auth.Gate{Tokens: auth.NewHS256Verifier(testSecret), Directory: dir}

	cfg := &config.Config{
		Mode:       "release",
		ReadLimit:  65536,
		PingPeriod: time.Minute,
	}
	router := SetupRouter(context.Background(), cfg, gate, hub)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, hub: hub, store: st}
}

func (s *testServer) token(t *testing.T, uid domain.UserID, org domain.OrgID) string {
	t.Helper()
	tok, err := auth.SignHS256(testSecret, auth.Identity{UserID: uid, OrgID: org}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// dial connects uid's websocket through the full auth and upgrade path.
func (s *testServer) dial(t *testing.T, uid domain.UserID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/ws/signal?token=" + s.token(t, uid, "acme")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", uid, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitOnline blocks until the hub has registered the user's connection.
func (s *testServer) waitOnline(t *testing.T, viewer, uid domain.UserID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st := s.hub.TeamPresence(viewer)[uid]; st != domain.StatusOffline && st != "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never came online", uid)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// expect reads frames until one of the wanted type arrives; presence
// fan-out frames interleave with call signaling and are skipped.
func expect(t *testing.T, conn *websocket.Conn, typ string, out any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Type != typ {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAuthGate(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", func() string {
			tok, _ := auth.SignHS256("other-secret", auth.Identity{UserID: "alice", OrgID: "acme"}, time.Hour)
			return tok
		}(), http.StatusUnauthorized},
		{"suspended user", s.token(t, "mallory", "acme"), http.StatusForbidden},
		{"valid token", s.token(t, "alice", "acme"), http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/api/presence", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestPresenceEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.dial(t, "bob")

	// registration happens on the server handler after the upgrade
	// completes; poll until the hub sees bob
	deadline := time.Now().Add(2 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/api/presence", nil)
		req.Header.Set("Authorization", "Bearer "+s.token(t, "alice", "acme"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		var body struct {
			Presence map[string]string `json:"presence"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Presence["bob"] == string(domain.StatusAvailable) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence = %v, bob never became available", body.Presence)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalEndToEnd(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	s.waitOnline(t, "bob", "alice")
	s.waitOnline(t, "alice", "bob")

	// alice calls bob
	offer := protocol.Offer{
		Type:     protocol.TypeOffer,
		CallID:   "c1",
		From:     "alice",
		To:       "bob",
		Signal:   json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		Metadata: protocol.OfferMetadata{Audio: true, DisplayName: "Alice"},
	}
	if err := alice.WriteJSON(offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}

	var gotOffer protocol.Offer
	expect(t, bob, protocol.TypeOffer, &gotOffer)
	if gotOffer.CallID != "c1" || gotOffer.From != "alice" {
		t.Fatalf("offer = %+v", gotOffer)
	}

	// bob answers
	answer := protocol.Answer{
		Type:   protocol.TypeAnswer,
		CallID: "c1",
		Signal: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	}
	if err := bob.WriteJSON(answer); err != nil {
		t.Fatalf("send answer: %v", err)
	}
	var gotAnswer protocol.Answer
	expect(t, alice, protocol.TypeAnswer, &gotAnswer)
	if gotAnswer.CallID != "c1" {
		t.Fatalf("answer = %+v", gotAnswer)
	}

	// candidates relay both ways
	cand := protocol.ICECandidate{
		Type:      protocol.TypeICE,
		CallID:    "c1",
		To:        "bob",
		Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 192.0.2.1 1 typ host"}`),
	}
	if err := alice.WriteJSON(cand); err != nil {
		t.Fatalf("send candidate: %v", err)
	}
	expect(t, bob, protocol.TypeICE, nil)

	// alice hangs up
	if err := alice.WriteJSON(protocol.Ended{Type: protocol.TypeEnded, CallID: "c1"}); err != nil {
		t.Fatalf("send ended: %v", err)
	}
	var gotEnded protocol.Ended
	expect(t, bob, protocol.TypeEnded, &gotEnded)
	if gotEnded.Reason != string(domain.ReasonUserEnded) {
		t.Fatalf("reason = %q, want user_ended", gotEnded.Reason)
	}

	// the record reached the store with both timestamps
	deadline := time.Now().Add(2 * time.Second)
	for {
		if rec, ok := s.store.Get("c1"); ok && rec.State == domain.CallEnded {
			if rec.ConnectedAt == nil || rec.EndedAt == nil {
				t.Fatalf("record = %+v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal record never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalDisconnectFailsCall(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	s.waitOnline(t, "bob", "alice")
	s.waitOnline(t, "alice", "bob")

	offer := protocol.Offer{
		Type:     protocol.TypeOffer,
		CallID:   "c1",
		From:     "alice",
		To:       "bob",
		Signal:   json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		Metadata: protocol.OfferMetadata{Audio: true},
	}
	if err := alice.WriteJSON(offer); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	expect(t, bob, protocol.TypeOffer, nil)

	// the caller's socket drops mid-ring
	_ = alice.Close()

	var gotEnded protocol.Ended
	expect(t, bob, protocol.TypeEnded, &gotEnded)
	if gotEnded.Reason != string(domain.ReasonPeerDisconnected) {
		t.Fatalf("reason = %q, want peer_disconnected", gotEnded.Reason)
	}
}

func TestSignalPingPong(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")

	if err := alice.WriteJSON(protocol.Envelope{Type: protocol.TypePing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	expect(t, alice, protocol.TypePong, nil)
}
