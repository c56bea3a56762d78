package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"sanctuary-live/internal/auth"
	"sanctuary-live/internal/hostauth"
	"sanctuary-live/internal/hub"
	"sanctuary-live/internal/middleware"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/sanctuary"
	"sanctuary-live/internal/store"
	"sanctuary-live/internal/wire"
)

type harness struct {
	url      string
	engine   *sanctuary.Engine
	issuer   *hostauth.Issuer
	tokenCfg auth.TokenConfig
	session  model.Session
}

func newHarness(t *testing.T, alertLimit int) *harness {
	t.Helper()
	st := store.NewWithOptions(store.Options{Logger: zerolog.Nop()})
	sess := st.CreateSession(model.Session{Topic: "grief circle", Capacity: 10})

	issuer, err := hostauth.NewIssuer(hostauth.Config{Secret: "host-secret"}, hostauth.NewMemoryLedger(), st)
	require.NoError(t, err)

	h := hub.New(zerolog.Nop())
	engine := sanctuary.New(sanctuary.Options{
		Sessions:  st,
		Hosts:     issuer,
		Publisher: NewHubPublisher(h, zerolog.Nop()),
		Logger:    zerolog.Nop(),
	})
	tokenCfg := auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}
	srv := NewServer(Deps{
		Engine:       engine,
		Hub:          h,
		TokenConfig:  tokenCfg,
		Logger:       zerolog.Nop(),
		AlertLimiter: middleware.NewRateLimiter(alertLimit, time.Minute),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &harness{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/?EIO=4&transport=websocket",
		engine:   engine,
		issuer:   issuer,
		tokenCfg: tokenCfg,
		session:  sess,
	}
}

func waitForPrefix(t *testing.T, c *websocket.Conn, prefix string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, data, err := c.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			t.Fatalf("ReadMessage: %v", err)
		}
		msg := string(data)
		if msg == "2" {
			_ = c.WriteMessage(websocket.TextMessage, []byte("3"))
			continue
		}
		if strings.HasPrefix(msg, prefix) {
			_ = c.SetReadDeadline(time.Time{})
			return msg
		}
	}
	t.Fatalf("timeout waiting for %q", prefix)
	return ""
}

// connect dials the gateway and completes the handshake as participantID.
func (h *harness) connect(t *testing.T, participantID string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	open := waitForPrefix(t, c, "0{", 2*time.Second)
	require.Contains(t, open, `"pingInterval":25000`)

	token, err := auth.CreateToken(participantID, participantID, h.tokenCfg)
	require.NoError(t, err)
	body, _ := json.Marshal(wire.Handshake{Token: token})
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("40"+string(body))))

	var welcome wire.Welcome
	require.NoError(t, wire.ParseBody(waitForPrefix(t, c, "40", 2*time.Second)[1:], &welcome))
	require.Equal(t, participantID, welcome.ParticipantID)
	require.False(t, welcome.Anonymous)
	return c
}

func request(t *testing.T, c *websocket.Conn, id int, name string, arg any) wire.Ack {
	t.Helper()
	packet, err := wire.EncodeEvent(wire.DefaultNamespace, &id, name, arg)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(wire.Frame(packet))))

	raw := waitForPrefix(t, c, "43"+strconv.Itoa(id)+"[", 2*time.Second)
	pkt, err := wire.ParseAck(raw[1:])
	require.NoError(t, err)
	require.Len(t, pkt.Args, 1)
	var ack wire.Ack
	require.NoError(t, json.Unmarshal(pkt.Args[0], &ack))
	return ack
}

func waitForEvent(t *testing.T, c *websocket.Conn, name string) model.Event {
	t.Helper()
	raw := waitForPrefix(t, c, `42["`+name+`"`, 2*time.Second)
	pkt, err := wire.ParseEvent(raw[1:])
	require.NoError(t, err)
	var ev model.Event
	require.NoError(t, pkt.Decode(0, &ev))
	return ev
}

func (h *harness) hostToken(t *testing.T) string {
	t.Helper()
	tok, err := h.issuer.Issue(context.Background(), h.session.ID)
	require.NoError(t, err)
	return tok.Value
}

func TestGateway_HandshakeAndPing(t *testing.T) {
	h := newHarness(t, 3)
	c := h.connect(t, "alice")

	ack := request(t, c, 1, model.EventPing, map[string]int64{"ts": 42})
	require.True(t, ack.OK)
	var pong pongBody
	require.NoError(t, json.Unmarshal(ack.Data, &pong))
	require.Equal(t, int64(42), pong.TS)
	require.NotZero(t, pong.ServerTS)
}

func TestGateway_RejectsInvalidToken(t *testing.T) {
	h := newHarness(t, 3)
	c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer c.Close()
	_ = waitForPrefix(t, c, "0{", 2*time.Second)

	body, _ := json.Marshal(wire.Handshake{Token: "not-a-token"})
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("40"+string(body))))
	raw := waitForPrefix(t, c, "44", 2*time.Second)

	var ce wire.ConnectError
	require.NoError(t, wire.ParseBody(raw[1:], &ce))
	require.Equal(t, "Invalid authentication token", ce.Message)
}

func TestGateway_AnonymousGuestKeepsID(t *testing.T) {
	h := newHarness(t, 3)
	c, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer c.Close()
	_ = waitForPrefix(t, c, "0{", 2*time.Second)

	guest := "guest-0b5ad1f2-7c1e-4c55-9f43-51d7c06e2f10"
	body, _ := json.Marshal(wire.Handshake{GuestID: guest})
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("40"+string(body))))

	var welcome wire.Welcome
	require.NoError(t, wire.ParseBody(waitForPrefix(t, c, "40", 2*time.Second)[1:], &welcome))
	require.True(t, welcome.Anonymous)
	require.Equal(t, guest, welcome.ParticipantID)

	// The session is private, so anonymous guests are turned away.
	ack := request(t, c, 1, model.EventJoin, joinBody{SessionID: h.session.ID})
	require.False(t, ack.OK)
	require.Equal(t, "not_authorized", ack.Code)
}

func TestGateway_RequiresJoinBeforeSessionEvents(t *testing.T) {
	h := newHarness(t, 3)
	c := h.connect(t, "alice")

	ack := request(t, c, 1, model.EventHandRaised, map[string]bool{"raised": true})
	require.False(t, ack.OK)
	require.Equal(t, "not_in_session", ack.Code)

	ack = request(t, c, 2, "no_such_event", nil)
	require.False(t, ack.OK)
	require.Equal(t, "invalid_request", ack.Code)
}

func TestGateway_JoinBroadcastsToSession(t *testing.T) {
	h := newHarness(t, 3)
	host := h.connect(t, "host")
	guest := h.connect(t, "bob")

	ack := request(t, host, 1, model.EventJoin, joinBody{SessionID: h.session.ID, HostToken: h.hostToken(t)})
	require.True(t, ack.OK, ack.Error)
	var res model.JoinResult
	require.NoError(t, json.Unmarshal(ack.Data, &res))
	require.Equal(t, model.RoleHost, res.Participant.Role)
	require.Equal(t, sanctuary.MediaChannel(h.session.ID, ""), res.MediaChannel)

	ack = request(t, guest, 1, model.EventJoin, joinBody{SessionID: h.session.ID, Alias: "Bob"})
	require.True(t, ack.OK, ack.Error)

	ev := waitForEvent(t, host, model.EventJoined)
	require.Equal(t, h.session.ID, ev.SessionID)
	require.Equal(t, res.Roster.Version+1, ev.Version)

	ack = request(t, guest, 2, model.EventHandRaised, map[string]bool{"raised": true})
	require.True(t, ack.OK, ack.Error)
	ev = waitForEvent(t, host, model.EventHandRaised)
	require.Equal(t, res.Roster.Version+2, ev.Version)

	ack = request(t, host, 2, model.EventSync, nil)
	require.True(t, ack.OK)
	var roster model.Roster
	require.NoError(t, json.Unmarshal(ack.Data, &roster))
	require.Len(t, roster.Participants, 2)
	require.Equal(t, ev.Version, roster.Version)
}

func TestGateway_KickDeliversNoticeThenCloses(t *testing.T) {
	h := newHarness(t, 3)
	host := h.connect(t, "host")
	guest := h.connect(t, "bob")

	require.True(t, request(t, host, 1, model.EventJoin, joinBody{SessionID: h.session.ID, HostToken: h.hostToken(t)}).OK)
	require.True(t, request(t, guest, 1, model.EventJoin, joinBody{SessionID: h.session.ID}).OK)

	ack := request(t, host, 2, model.EventModerate, model.ModerationAction{TargetID: "bob", Type: model.ModerationKick, Reason: "disruptive"})
	require.True(t, ack.OK, ack.Error)

	ev := waitForEvent(t, guest, model.EventModerate)
	raw, err := json.Marshal(ev.Payload)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"targetId":"bob"`)

	_ = guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := guest.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatalf("kicked connection was not closed")
			}
			break
		}
	}

	roster, err := h.engine.Snapshot(h.session.ID)
	require.NoError(t, err)
	require.Len(t, roster.Participants, 1)
}

func TestGateway_ClosingSocketMarksParticipantDisconnected(t *testing.T) {
	h := newHarness(t, 3)
	host := h.connect(t, "host")
	guest := h.connect(t, "bob")

	require.True(t, request(t, host, 1, model.EventJoin, joinBody{SessionID: h.session.ID, HostToken: h.hostToken(t)}).OK)
	require.True(t, request(t, guest, 1, model.EventJoin, joinBody{SessionID: h.session.ID}).OK)

	require.NoError(t, guest.Close())

	require.Eventually(t, func() bool {
		roster, err := h.engine.Snapshot(h.session.ID)
		if err != nil {
			return false
		}
		for _, p := range roster.Participants {
			if p.ID == "bob" {
				return p.Connection == model.ConnectionDisconnected
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGateway_LeaveRemovesParticipant(t *testing.T) {
	h := newHarness(t, 3)
	host := h.connect(t, "host")
	guest := h.connect(t, "bob")

	require.True(t, request(t, host, 1, model.EventJoin, joinBody{SessionID: h.session.ID, HostToken: h.hostToken(t)}).OK)
	require.True(t, request(t, guest, 1, model.EventJoin, joinBody{SessionID: h.session.ID}).OK)

	ack := request(t, guest, 2, model.EventLeave, nil)
	require.True(t, ack.OK, ack.Error)
	waitForEvent(t, host, model.EventLeft)

	roster, err := h.engine.Snapshot(h.session.ID)
	require.NoError(t, err)
	require.Len(t, roster.Participants, 1)

	ack = request(t, guest, 3, model.EventSync, nil)
	require.False(t, ack.OK)
}

func TestGateway_EmergencyAlertsAreRateLimited(t *testing.T) {
	h := newHarness(t, 1)
	c := h.connect(t, "alice")
	require.True(t, request(t, c, 1, model.EventJoin, joinBody{SessionID: h.session.ID}).OK)

	alert := model.EmergencyAlert{Type: "self_harm", Severity: model.SeverityCritical, Message: "please help"}
	ack := request(t, c, 2, model.EventEmergency, alert)
	require.True(t, ack.OK, ack.Error)

	ack = request(t, c, 3, model.EventEmergency, alert)
	require.False(t, ack.OK)
	require.Equal(t, "rate_limited", ack.Code)
}

func TestGateway_BreakoutFlow(t *testing.T) {
	h := newHarness(t, 3)
	host := h.connect(t, "host")
	require.True(t, request(t, host, 1, model.EventJoin, joinBody{SessionID: h.session.ID, HostToken: h.hostToken(t)}).OK)

	ack := request(t, host, 2, model.EventCreateRoom, sanctuary.RoomConfig{Name: "Quiet corner", Capacity: 4})
	require.True(t, ack.OK, ack.Error)
	var room model.BreakoutRoom
	require.NoError(t, json.Unmarshal(ack.Data, &room))

	ack = request(t, host, 3, model.EventJoinRoom, roomBody{RoomID: room.ID})
	require.True(t, ack.OK, ack.Error)
	var joined roomJoined
	require.NoError(t, json.Unmarshal(ack.Data, &joined))
	require.Equal(t, sanctuary.MediaChannel(h.session.ID, room.ID), joined.MediaChannel)

	ack = request(t, host, 4, model.EventLeaveRoom, nil)
	require.True(t, ack.OK, ack.Error)
	require.Contains(t, string(ack.Data), sanctuary.MediaChannel(h.session.ID, ""))

	ack = request(t, host, 5, model.EventJoinRoom, roomBody{})
	require.False(t, ack.OK)
	require.Equal(t, "invalid_request", ack.Code)
}
