package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"

	"github.com/collabd/relay/internal/envelope"
	"github.com/collabd/relay/internal/permission"
	"github.com/collabd/relay/internal/reconws"
)

const testSecret = "testsecret"

type testRelay struct {
	hub      *Hub
	audience string
	wsURL    string
	httpURL  string
	closed   chan struct{}
}

func startTestRelay(t *testing.T) *testRelay {
	t.Helper()

	port, err := freeport.GetFreePort()
	assert.NoError(t, err)

	audience := "http://[::]:" + strconv.Itoa(port)

	tr := &testRelay{
		hub:      NewHub(),
		audience: audience,
		wsURL:    "ws://127.0.0.1:" + strconv.Itoa(port) + "/connect",
		httpURL:  "http://127.0.0.1:" + strconv.Itoa(port),
		closed:   make(chan struct{}),
	}

	config := Config{
		Listen:   port,
		Audience: audience,
		Secret:   testSecret,
		Hub:      tr.hub,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go Relay(tr.closed, &wg, config)

	t.Cleanup(func() { close(tr.closed) })

	// wait for the server to come up
	for i := 0; i < 100; i++ {
		resp, err := http.Get(tr.httpURL + "/healthcheck")
		if err == nil {
			resp.Body.Close()
			return tr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("relay did not start")
	return tr
}

func (tr *testRelay) token(t *testing.T, user string, scopes []string, lifetime int64) string {
	t.Helper()

	iat := time.Now().Unix() - 1
	claims := permission.NewToken(tr.audience, user, scopes, iat, iat, iat+lifetime)

	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	assert.NoError(t, err)
	return bearer
}

func (tr *testRelay) rawDial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(tr.wsURL+"?token="+url.QueryEscape(token), nil)
	assert.NoError(t, err)
	return conn
}

func waitConnected(t *testing.T, r *reconws.ReconWs) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if r.Status() == reconws.Connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client did not connect")
}

func TestRelayRejectsBadCredentials(t *testing.T) {

	tr := startTestRelay(t)

	cases := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"garbage token", "not.a.jwt"},
		{"wrong audience", func() string {
			iat := time.Now().Unix() - 1
			claims := permission.NewToken("https://other.example.org", "u1", []string{permission.ScopeConnect}, iat, iat, iat+5)
			bearer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
			return bearer
		}()},
		{"wrong secret", func() string {
			iat := time.Now().Unix() - 1
			claims := permission.NewToken(tr.audience, "u1", []string{permission.ScopeConnect}, iat, iat, iat+5)
			bearer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrongsecret"))
			return bearer
		}()},
		{"missing connect scope", tr.token(t, "u1", []string{permission.ScopeStats}, 5)},
		{"expired", tr.token(t, "u1", []string{permission.ScopeConnect}, -10)},
	}

	for _, tc := range cases {
		u := tr.wsURL
		if tc.token != "" {
			u += "?token=" + url.QueryEscape(tc.token)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
		assert.Error(t, err, tc.name)
		assert.Nil(t, conn, tc.name)
		if resp != nil {
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, tc.name)
		}
	}

	// a refused connection never enters the identity index
	assert.Empty(t, tr.hub.GetStats())
}

func TestRelayDocumentCollaboration(t *testing.T) {

	tr := startTestRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := reconws.New(tr.wsURL, tr.token(t, "userA", []string{permission.ScopeConnect}, 60))
	b := reconws.New(tr.wsURL, tr.token(t, "userB", []string{permission.ScopeConnect}, 60))

	aWelcome := make(chan envelope.Envelope, 1)
	aUpdates := make(chan envelope.Envelope, 16)
	bUpdates := make(chan envelope.Envelope, 16)
	bJoins := make(chan envelope.Envelope, 16)

	a.Subscribe(envelope.Welcome, func(e envelope.Envelope) { aWelcome <- e })
	a.Subscribe(envelope.DocumentUpdate, func(e envelope.Envelope) { aUpdates <- e })
	b.Subscribe(envelope.DocumentUpdate, func(e envelope.Envelope) { bUpdates <- e })
	b.Subscribe(envelope.DocumentUserJoined, func(e envelope.Envelope) { bJoins <- e })

	go a.Run(ctx)
	go b.Run(ctx)
	waitConnected(t, a)
	waitConnected(t, b)

	defer a.Disconnect()
	defer b.Disconnect()

	// the relay introduces each connection with a welcome
	select {
	case e := <-aWelcome:
		var g envelope.Greeting
		assert.NoError(t, e.Bind(&g))
		assert.Equal(t, "userA", g.UserID)
		assert.NotEmpty(t, g.ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no welcome for userA")
	}

	b.JoinDocument("doc-1")
	time.Sleep(100 * time.Millisecond)
	a.JoinDocument("doc-1")

	// b hears that a joined
	select {
	case e := <-bJoins:
		var ev envelope.RoomEvent
		assert.NoError(t, e.Bind(&ev))
		assert.Equal(t, "doc-1", ev.DocumentID)
		assert.Equal(t, "userA", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no joined event for userB")
	}

	a.SendDocumentUpdate(envelope.Document{
		DocumentID: "doc-1",
		Changes:    json.RawMessage(`{"x":1}`),
	})

	// exactly one enriched copy for b
	select {
	case e := <-bUpdates:
		var d envelope.Document
		assert.NoError(t, e.Bind(&d))
		assert.Equal(t, "doc-1", d.DocumentID)
		assert.JSONEq(t, `{"x":1}`, string(d.Changes))
		assert.Equal(t, "userA", d.UserID)
		assert.NotEmpty(t, d.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("userB did not receive the update")
	}

	select {
	case e := <-bUpdates:
		t.Fatalf("userB received a second update: %v", e)
	case e := <-aUpdates:
		t.Fatalf("the editor received its own update back: %v", e)
	case <-time.After(200 * time.Millisecond):
	}

	// a direct message to a user with no connection disappears quietly
	a.SendChat(envelope.Chat{RecipientID: "nobody", Content: json.RawMessage(`"hello?"`)})
	time.Sleep(100 * time.Millisecond)
}

func TestRelayStatusEndpoint(t *testing.T) {

	tr := startTestRelay(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := reconws.New(tr.wsURL, tr.token(t, "userA", []string{permission.ScopeConnect}, 60))
	go c.Run(ctx)
	waitConnected(t, c)
	defer c.Disconnect()

	// let the hub finish registering the connection
	time.Sleep(100 * time.Millisecond)

	client := &http.Client{}

	// stats scope required
	req, err := http.NewRequest("GET", tr.httpURL+"/status", nil)
	assert.NoError(t, err)
	req.Header.Add("Authorization", "Bearer "+tr.token(t, "ops", []string{permission.ScopeConnect}, 60))
	resp, err := client.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest("GET", tr.httpURL+"/status", nil)
	assert.NoError(t, err)
	req.Header.Add("Authorization", "Bearer "+tr.token(t, "ops", []string{permission.ScopeStats}, 60))
	resp, err = client.Do(req)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NoError(t, err)

	var reports []ClientReport
	assert.NoError(t, json.Unmarshal(body, &reports))
	assert.Len(t, reports, 1)
	assert.Equal(t, "userA", reports[0].UserID)

	// the report shows when the connection's token runs out
	exp, err := time.Parse("2006-01-02T15:04:05.000Z07:00", reports[0].ExpiresAt)
	assert.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	// metrics are exposed for scraping
	resp, err = http.Get(tr.httpURL + "/metrics")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(metrics), "relay_connections"))
}

func TestRelayConnectionClosesAtTokenExpiry(t *testing.T) {

	tr := startTestRelay(t)

	conn := tr.rawDial(t, tr.token(t, "u1", []string{permission.ScopeConnect}, 2))
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage() // welcome
	assert.NoError(t, err)

	// nothing else is sent, so the next read returns only when the
	// relay cuts the connection at the token's exp
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestRelayIdentityTakeover(t *testing.T) {

	tr := startTestRelay(t)

	tokenU1 := tr.token(t, "u1", []string{permission.ScopeConnect}, 60)

	old := tr.rawDial(t, tokenU1)
	defer old.Close()

	// consume the welcome so the old connection is known registered
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := old.ReadMessage()
	assert.NoError(t, err)
	env, err := envelope.Parse(data)
	assert.NoError(t, err)
	assert.Equal(t, envelope.Welcome, env.Type)

	// same user connects again without disconnecting first
	replacement := tr.rawDial(t, tokenU1)
	defer replacement.Close()

	replacement.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = replacement.ReadMessage()
	assert.NoError(t, err)
	env, err = envelope.Parse(data)
	assert.NoError(t, err)
	assert.Equal(t, envelope.Welcome, env.Type)

	// the relay force-closes the superseded transport
	old.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = old.ReadMessage()
	assert.Error(t, err)

	// a direct message to u1 arrives on the replacement only
	sender := tr.rawDial(t, tr.token(t, "u2", []string{permission.ScopeConnect}, 60))
	defer sender.Close()
	sender.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = sender.ReadMessage() // welcome
	assert.NoError(t, err)

	chat, err := envelope.New(envelope.ChatMessage, envelope.Chat{
		RecipientID: "u1",
		Content:     json.RawMessage(`"hi"`),
	})
	assert.NoError(t, err)
	data, err = chat.Marshal()
	assert.NoError(t, err)
	assert.NoError(t, sender.WriteMessage(websocket.TextMessage, data))

	replacement.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = replacement.ReadMessage()
	assert.NoError(t, err)
	env, err = envelope.Parse(data)
	assert.NoError(t, err)
	assert.Equal(t, envelope.ChatMessage, env.Type)

	var m envelope.Chat
	assert.NoError(t, env.Bind(&m))
	assert.Equal(t, "u2", m.SenderID)
}
