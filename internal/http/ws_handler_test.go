package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/service"
)

const testFrameTimeout = 2 * time.Second

type wsTestEnv struct {
	server   *httptest.Server
	jwt      *service.JWTService
	hub      *Hub
	presence service.PresenceDirectory
}

func newWSTestEnv(t *testing.T, policy service.DeliveryPolicy, opts WSOptions) *wsTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	jwtSvc := service.NewJWTService("secret", "")
	hub := NewHub(logger)
	presence := service.NewMemoryPresenceDirectory()
	keys := service.NewMemoryKeyDirectory()

	wsH := NewWSHandler(
		logger,
		hub,
		service.NewPresenceService(logger, presence, keys, hub),
		service.NewKeyService(logger, keys, hub),
		service.NewRelayService(logger, presence, hub, policy, nil),
		opts,
	)
	srv := httptest.NewServer(NewRouter(logger, jwtSvc, nil, nil, wsH))
	t.Cleanup(srv.Close)

	return &wsTestEnv{server: srv, jwt: jwtSvc, hub: hub, presence: presence}
}

func (e *wsTestEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws" + query
}

func (e *wsTestEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := e.jwt.Issue(userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	conn, err := websocket.Dial(e.wsURL("?token="+token), "", e.server.URL)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := websocket.JSON.Send(conn, domain.Frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, want string) domain.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testFrameTimeout))
	var frame domain.Frame
	if err := websocket.JSON.Receive(conn, &frame); err != nil {
		t.Fatalf("waiting for %s: %v", want, err)
	}
	if frame.Event != want {
		t.Fatalf("expected %s, got %s (%s)", want, frame.Event, frame.Data)
	}
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var frame domain.Frame
	if err := websocket.JSON.Receive(conn, &frame); err == nil {
		t.Fatalf("unexpected frame %s (%s)", frame.Event, frame.Data)
	}
}

func decodeFrame(t *testing.T, frame domain.Frame, dst any) {
	t.Helper()
	if err := json.Unmarshal(frame.Data, dst); err != nil {
		t.Fatalf("decode %s: %v", frame.Event, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testFrameTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}

type wireEnvelope struct {
	Sender           string `json:"sender"`
	Recipient        string `json:"recipient"`
	Content          string `json:"content"`
	Timestamp        string `json:"timestamp"`
	CorrelationToken string `json:"correlationToken"`
}

func TestWS_RelayScenario(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{})

	alice := env.dial(t, "alice")
	sendEvent(t, alice, domain.EventGetOnlineUsers, struct{}{})
	var users []string
	decodeFrame(t, readFrame(t, alice, domain.EventOnlineUsersList), &users)
	if len(users) != 0 {
		t.Fatalf("expected no other users, got %v", users)
	}

	bob := env.dial(t, "bob")
	var joined domain.UserConnected
	decodeFrame(t, readFrame(t, alice, domain.EventUserConnected), &joined)
	if joined.UserID != "bob" || joined.PublicKey != "" {
		t.Fatalf("unexpected user_connected %+v", joined)
	}

	sendEvent(t, bob, domain.EventGetOnlineUsers, struct{}{})
	decodeFrame(t, readFrame(t, bob, domain.EventOnlineUsersList), &users)
	if !reflect.DeepEqual(users, []string{"alice"}) {
		t.Fatalf("expected [alice], got %v", users)
	}

	sendEvent(t, alice, domain.EventPublishKey, domain.PublishKeyRequest{PublicKey: "PKA"})
	decodeFrame(t, readFrame(t, bob, domain.EventUserConnected), &joined)
	if joined.UserID != "alice" || joined.PublicKey != "PKA" {
		t.Fatalf("unexpected key announcement %+v", joined)
	}

	sendEvent(t, bob, domain.EventGetPublicKeys, domain.PublicKeysRequest{UserIDs: []string{"alice", "carol"}})
	var keys map[string]string
	decodeFrame(t, readFrame(t, bob, domain.EventPublicKeysList), &keys)
	if !reflect.DeepEqual(keys, map[string]string{"alice": "PKA"}) {
		t.Fatalf("unexpected keys %v", keys)
	}

	sendEvent(t, alice, domain.EventPrivateMessage, map[string]any{
		"recipientId":      "bob",
		"content":          "ENC1",
		"correlationToken": "t1",
	})
	toBob := readFrame(t, bob, domain.EventNewMessage)
	toAlice := readFrame(t, alice, domain.EventNewMessage)
	if string(toBob.Data) != string(toAlice.Data) {
		t.Fatalf("echo differs from delivery:\n%s\n%s", toBob.Data, toAlice.Data)
	}
	var env1 wireEnvelope
	decodeFrame(t, toBob, &env1)
	if env1.Sender != "alice" || env1.Recipient != "bob" || env1.Content != "ENC1" || env1.CorrelationToken != "t1" {
		t.Fatalf("unexpected envelope %+v", env1)
	}
	if _, err := time.Parse(time.RFC3339Nano, env1.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", env1.Timestamp)
	}

	_ = bob.Close()
	var left domain.UserDisconnected
	decodeFrame(t, readFrame(t, alice, domain.EventUserDisconnected), &left)
	if left.UserID != "bob" {
		t.Fatalf("unexpected user_disconnected %+v", left)
	}
	online, err := env.presence.List(context.Background())
	if err != nil || !reflect.DeepEqual(online, []string{"alice"}) {
		t.Fatalf("expected presence [alice], got %v err=%v", online, err)
	}

	// Un destinatario ausente no produce nada: lo siguiente que llega es la respuesta.
	sendEvent(t, alice, domain.EventPrivateMessage, map[string]any{"recipientId": "carol", "content": "ENC2"})
	sendEvent(t, alice, domain.EventGetOnlineUsers, struct{}{})
	decodeFrame(t, readFrame(t, alice, domain.EventOnlineUsersList), &users)
	if len(users) != 0 {
		t.Fatalf("expected empty list, got %v", users)
	}
}

func TestWS_PersistAndRelayDeliversOnConnect(t *testing.T) {
	env := newWSTestEnv(t, service.PersistAndRelay, WSOptions{})

	alice := env.dial(t, "alice")
	sendEvent(t, alice, domain.EventPrivateMessage, map[string]any{
		"recipientId": "bob",
		"content":     map[string]string{"ct": "abc"},
	})
	echo := readFrame(t, alice, domain.EventNewMessage)

	bob := env.dial(t, "bob")
	queued := readFrame(t, bob, domain.EventNewMessage)
	if string(queued.Data) != string(echo.Data) {
		t.Fatalf("queued envelope differs from echo:\n%s\n%s", queued.Data, echo.Data)
	}
	var payload struct {
		Content map[string]string `json:"content"`
	}
	decodeFrame(t, queued, &payload)
	if payload.Content["ct"] != "abc" {
		t.Fatalf("content not preserved: %s", queued.Data)
	}

	readFrame(t, alice, domain.EventUserConnected)

	// La cola se vacía una sola vez.
	_ = bob.Close()
	readFrame(t, alice, domain.EventUserDisconnected)
	again := env.dial(t, "bob")
	expectNoFrame(t, again)
}

func TestWS_SupersededConnectionKeepsPresence(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{})

	bob := env.dial(t, "bob")
	sendEvent(t, bob, domain.EventGetOnlineUsers, struct{}{})
	readFrame(t, bob, domain.EventOnlineUsersList)

	first := env.dial(t, "alice")
	readFrame(t, bob, domain.EventUserConnected)
	sendEvent(t, first, domain.EventGetOnlineUsers, struct{}{})
	readFrame(t, first, domain.EventOnlineUsersList)

	env.dial(t, "alice")
	readFrame(t, bob, domain.EventUserConnected)
	// la conexión reemplazada no recibe el anuncio de su propio usuario
	expectNoFrame(t, first)

	_ = first.Close()
	waitFor(t, func() bool { return env.hub.Len() == 2 })

	sendEvent(t, bob, domain.EventGetOnlineUsers, struct{}{})
	var users []string
	decodeFrame(t, readFrame(t, bob, domain.EventOnlineUsersList), &users)
	if !reflect.DeepEqual(users, []string{"alice"}) {
		t.Fatalf("expected [alice], got %v", users)
	}
	expectNoFrame(t, bob)
}

func TestWS_RejectsUnauthenticatedDial(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{})

	if _, err := websocket.Dial(env.wsURL(""), "", env.server.URL); err == nil {
		t.Fatalf("expected dial without token to fail")
	}
	if _, err := websocket.Dial(env.wsURL("?token=garbage"), "", env.server.URL); err == nil {
		t.Fatalf("expected dial with invalid token to fail")
	}
	if env.hub.Len() != 0 {
		t.Fatalf("rejected dials must not register connections")
	}

	resp, err := http.Get(env.server.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "authentication error: token not provided" {
		t.Fatalf("unexpected reason %q", body.Error)
	}
}

func TestWS_OriginAllowlist(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{AllowedOrigins: []string{"http://chat.example"}})
	token, _ := env.jwt.Issue("alice", time.Hour)

	if _, err := websocket.Dial(env.wsURL("?token="+token), "", "http://evil.example"); err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}
	conn, err := websocket.Dial(env.wsURL("?token="+token), "", "http://chat.example/")
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}

func TestWS_ThrottledEventsAreDropped(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{EventRate: 0.001, EventBurst: 1})

	alice := env.dial(t, "alice")
	sendEvent(t, alice, domain.EventGetOnlineUsers, struct{}{})
	sendEvent(t, alice, domain.EventGetOnlineUsers, struct{}{})

	readFrame(t, alice, domain.EventOnlineUsersList)
	expectNoFrame(t, alice)
	if env.hub.Len() != 1 {
		t.Fatalf("throttling must not disconnect")
	}
}

func TestWS_ClosesAfterRepeatedInvalidFrames(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{})

	alice := env.dial(t, "alice")
	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		if err := websocket.Message.Send(alice, "not json"); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	waitFor(t, func() bool { return env.hub.Len() == 0 })

	online, err := env.presence.List(context.Background())
	if err != nil || len(online) != 0 {
		t.Fatalf("expected presence cleared, got %v err=%v", online, err)
	}
}

func TestWS_UnknownEventIsIgnored(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{})

	alice := env.dial(t, "alice")
	sendEvent(t, alice, "join_room", map[string]string{"room": "x"})
	sendEvent(t, alice, domain.EventGetOnlineUsers, struct{}{})
	readFrame(t, alice, domain.EventOnlineUsersList)
}

func readRawFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testFrameTimeout))
	var raw string
	if err := websocket.Message.Receive(conn, &raw); err != nil {
		t.Fatalf("read raw frame: %v", err)
	}
	return raw
}

func TestWS_ContentForwardedByteForByte(t *testing.T) {
	env := newWSTestEnv(t, service.RelayOnly, WSOptions{})

	alice := env.dial(t, "alice")
	sendEvent(t, alice, domain.EventGetOnlineUsers, struct{}{})
	readFrame(t, alice, domain.EventOnlineUsersList)
	bob := env.dial(t, "bob")
	readFrame(t, alice, domain.EventUserConnected)

	const content = `{"ct": "a<b>&c",  "iv" : "éx"}`
	outbound := `{"event":"private_message","data":{"recipientId":"bob","content":` + content + `,"correlationToken":"t1"}}`
	if err := websocket.Message.Send(alice, outbound); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"recipient": bob, "sender": alice} {
		raw := readRawFrame(t, conn)
		var frame struct {
			Event string `json:"event"`
			Data  struct {
				Content json.RawMessage `json:"content"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(raw), &frame); err != nil {
			t.Fatalf("%s: invalid frame %q: %v", name, raw, err)
		}
		if frame.Event != domain.EventNewMessage {
			t.Fatalf("%s: expected new_message, got %s", name, frame.Event)
		}
		if string(frame.Data.Content) != content {
			t.Fatalf("%s: content rewritten\n got: %s\nwant: %s", name, frame.Data.Content, content)
		}
	}
}
