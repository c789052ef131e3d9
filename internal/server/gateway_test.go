package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/vibechat/internal/auth"
	"github.com/Tyrowin/vibechat/internal/event"
	"github.com/Tyrowin/vibechat/internal/store"
)

const (
	testSecret = "test-secret"
	testOrigin = "http://localhost:3000"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testGateway struct {
	hub *Hub
	srv *httptest.Server
}

func newTestGateway(t *testing.T, st store.Store, tweak ...func(*Config)) *testGateway {
	t.Helper()
	tweak = append([]func(*Config){func(c *Config) { c.JWTSecret = testSecret }}, tweak...)
	h := newTestHub(t, st, tweak...)
	gw := NewGateway(h, auth.NewResolver([]byte(testSecret), st), zap.NewNop())
	srv := httptest.NewServer(SetupRoutes(gw))
	t.Cleanup(srv.Close)
	return &testGateway{hub: h, srv: srv}
}

func (g *testGateway) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func issue(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.Issue([]byte(testSecret), userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (g *testGateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(g.wsURL(issue(t, userID)), http.Header{"Origin": {testOrigin}})
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return g.hub.IsOnline(userID) }, waitFor, 10*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, name event.Name, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": name, "data": data}))
}

// readUntil reads frames until one named name satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, name event.Name, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var r received
		require.NoError(t, conn.ReadJSON(&r), "waiting for %s", name)
		if r.Event != string(name) {
			continue
		}
		data := r.decode(t)
		if match == nil || match(data) {
			return data
		}
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn, name event.Name) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	for {
		var r received
		if err := conn.ReadJSON(&r); err != nil {
			return
		}
		require.NotEqual(t, string(name), r.Event, "unexpected %s: %s", name, r.Data)
	}
}

// TestGateway_RefusesBadHandshakes verifies failed authentication is reported
// before the upgrade and leaves no presence behind.
func TestGateway_RefusesBadHandshakes(t *testing.T) {
	st := seededStore()
	g := newTestGateway(t, st)

	expired, err := auth.Issue([]byte(testSecret), "alice", -time.Minute)
	require.NoError(t, err)
	forged, err := auth.Issue([]byte("other-secret"), "alice", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		want  string
	}{
		{"missing", "", "Authentication error: Token missing"},
		{"garbage", "not-a-jwt", "Authentication error: Invalid token"},
		{"wrong secret", forged, "Authentication error: Invalid token"},
		{"expired", expired, "Authentication error: Token expired"},
		{"unknown user", issue(t, "mallory"), "Authentication error: User not found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(tc.token), http.Header{"Origin": {testOrigin}})
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer func() { _ = resp.Body.Close() }()

			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, tc.want, body.Error)
		})
	}

	require.False(t, g.hub.IsOnline("alice"))
	require.False(t, g.hub.IsOnline("mallory"))
	require.Zero(t, g.hub.Stats().Sessions)
}

// TestGateway_AcceptsBearerHeader verifies the Authorization header works in
// place of the query parameter.
func TestGateway_AcceptsBearerHeader(t *testing.T) {
	g := newTestGateway(t, seededStore())

	header := http.Header{
		"Origin":        {testOrigin},
		"Authorization": {"Bearer " + issue(t, "alice")},
	}
	conn, resp, err := websocket.DefaultDialer.Dial(g.wsURL(""), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return g.hub.IsOnline("alice") }, waitFor, 10*time.Millisecond)
}

// TestGateway_RejectsDisallowedOrigin verifies the origin policy still applies
// to authenticated clients.
func TestGateway_RejectsDisallowedOrigin(t *testing.T) {
	g := newTestGateway(t, seededStore())

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL(issue(t, "alice")), http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.False(t, g.hub.IsOnline("alice"))
}

// TestGateway_TypingReachesOtherMembersOnly covers two members of a chat:
// one types and only the other is told.
func TestGateway_TypingReachesOtherMembersOnly(t *testing.T) {
	st := store.NewMemory()
	st.SeedUser(store.User{ID: "alice", Username: "Alice"})
	st.SeedUser(store.User{ID: "bob", Username: "Bob"})
	st.SeedChat("c1", "alice", "bob")
	g := newTestGateway(t, st)

	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")
	require.Eventually(t, func() bool { return len(g.hub.rooms.Subscribers("c1")) == 2 }, waitFor, 10*time.Millisecond)

	send(t, alice, event.StartTyping, map[string]string{"chatId": "c1"})

	got := readUntil(t, bob, event.UserTyping, nil)
	require.Equal(t, map[string]any{"userId": "alice", "username": "Alice", "chatId": "c1"}, got)
	expectSilence(t, alice, event.UserTyping)
}

// TestGateway_ContactPresence covers a contact going offline and coming back.
func TestGateway_ContactPresence(t *testing.T) {
	st := seededStore()
	st.SeedContacts("alice", "bob")
	g := newTestGateway(t, st)

	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")
	readUntil(t, alice, event.ContactStatusChange, func(d map[string]any) bool {
		return d["userId"] == "bob" && d["isOnline"] == true
	})

	require.NoError(t, alice.Close())
	before := time.Now()

	offline := readUntil(t, bob, event.ContactStatusChange, func(d map[string]any) bool {
		return d["userId"] == "alice" && d["isOnline"] == false
	})
	lastSeen, err := time.Parse(time.RFC3339Nano, offline["lastSeen"].(string))
	require.NoError(t, err)
	require.False(t, lastSeen.After(time.Now()))
	require.WithinDuration(t, before, lastSeen, 5*time.Second)

	g.dial(t, "alice")
	online := readUntil(t, bob, event.ContactStatusChange, func(d map[string]any) bool {
		return d["userId"] == "alice"
	})
	require.Equal(t, true, online["isOnline"])
	require.Nil(t, online["lastSeen"])
}

// TestGateway_RateLimit verifies frames over the burst are dropped with a
// private error and the connection survives.
func TestGateway_RateLimit(t *testing.T) {
	g := newTestGateway(t, seededStore(), func(c *Config) {
		c.RateLimitBurst = 2
		c.RateLimitRefillInterval = time.Hour
	})
	alice := g.dial(t, "alice")

	for i := 0; i < 3; i++ {
		send(t, alice, event.LeaveChat, map[string]string{"chatId": "nowhere"})
	}

	got := readUntil(t, alice, event.Error, nil)
	require.Equal(t, "Rate limit exceeded", got["message"])
	require.True(t, g.hub.IsOnline("alice"))
}

// TestGateway_NotifyEndpoints verifies the internal HTTP surface.
func TestGateway_NotifyEndpoints(t *testing.T) {
	g := newTestGateway(t, seededStore(), func(c *Config) { c.NotifySecret = "hush" })
	bob := g.dial(t, "bob")

	post := func(path, secret, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, g.srv.URL+path, bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if secret != "" {
			req.Header.Set("X-Notify-Secret", secret)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp
	}

	message := `{"chatId":"c1","message":{"id":"m1","content":"from rest","sender":{"id":"alice"}}}`
	require.Equal(t, http.StatusUnauthorized, post("/internal/notify/messages", "", message).StatusCode)
	require.Equal(t, http.StatusUnauthorized, post("/internal/notify/messages", "wrong", message).StatusCode)
	require.Equal(t, http.StatusAccepted, post("/internal/notify/messages", "hush", message).StatusCode)

	got := readUntil(t, bob, event.NewMessage, nil)
	require.Equal(t, "from rest", got["content"])

	reaction := `{"messageId":"m1","chatId":"c1","reaction":{"id":"r1","userId":"alice","emoji":"👍"}}`
	require.Equal(t, http.StatusAccepted, post("/internal/notify/reactions", "hush", reaction).StatusCode)
	got = readUntil(t, bob, event.ReactionAdded, nil)
	require.Equal(t, "m1", got["messageId"])

	require.Equal(t, http.StatusBadRequest, post("/internal/notify/messages", "hush", `{"chatId":"c1"}`).StatusCode)
	require.Equal(t, http.StatusNoContent, post("/internal/notify/contacts", "hush", `{"userIds":["alice"]}`).StatusCode)

	req, err := http.NewRequest(http.MethodGet, g.srv.URL+"/internal/presence/bob", nil)
	require.NoError(t, err)
	req.Header.Set("X-Notify-Secret", "hush")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var presence struct {
		UserID      string `json:"userId"`
		IsOnline    bool   `json:"isOnline"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presence))
	require.Equal(t, "bob", presence.UserID)
	require.True(t, presence.IsOnline)
	require.Equal(t, 1, presence.Connections)
}

// TestGateway_Health verifies the health endpoint reports ok with a timestamp.
func TestGateway_Health(t *testing.T) {
	g := newTestGateway(t, seededStore())

	resp, err := http.Get(g.srv.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Hub       Stats  `json:"hub"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	_, err = time.Parse(time.RFC3339Nano, body.Timestamp)
	require.NoError(t, err)

	resp2, err := http.Get(g.srv.URL + "/test")
	require.NoError(t, err)
	_ = resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

// TestGateway_TestPage verifies the debug page is served when enabled.
func TestGateway_TestPage(t *testing.T) {
	g := newTestGateway(t, seededStore(), func(c *Config) { c.EnableTestPage = true })

	resp, err := http.Get(g.srv.URL + "/test")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "join_chat")
}

// TestGateway_OversizedFrameClosesConnection verifies a frame above the read
// limit ends the session.
func TestGateway_OversizedFrameClosesConnection(t *testing.T) {
	g := newTestGateway(t, seededStore(), func(c *Config) { c.MaxMessageSize = 64 })
	alice := g.dial(t, "alice")

	big := strings.Repeat("x", 256)
	send(t, alice, event.SendMessage, map[string]string{"chatId": "c1", "messageId": "m1", "content": big})

	require.Eventually(t, func() bool { return !g.hub.IsOnline("alice") }, waitFor, 10*time.Millisecond)
}

// TestGateway_ShutdownWithClients verifies hub shutdown closes live sockets.
func TestGateway_ShutdownWithClients(t *testing.T) {
	g := newTestGateway(t, seededStore())
	alice := g.dial(t, "alice")
	bob := g.dial(t, "bob")

	require.NoError(t, g.hub.Shutdown(waitFor))

	for _, conn := range []*websocket.Conn{alice, bob} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
	require.Zero(t, g.hub.Stats().Sessions)
}

// TestCreateServer verifies the production timeouts.
func TestCreateServer(t *testing.T) {
	srv := CreateServer(":0", http.NewServeMux())

	require.Equal(t, ":0", srv.Addr)
	require.Equal(t, 15*time.Second, srv.ReadTimeout)
	require.Equal(t, 15*time.Second, srv.WriteTimeout)
	require.Equal(t, 60*time.Second, srv.IdleTimeout)
}
