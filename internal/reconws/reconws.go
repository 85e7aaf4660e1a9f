// Package reconws is a relay client that maintains one websocket connection
// to a relay, multiplexing many logical topics over it. It reconnects
// automatically with exponential backoff after unexpected transport loss,
// and replays presence and room state so the server-side view survives a
// transport replacement.
package reconws

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/collabd/relay/internal/envelope"
)

// Status represents the connection lifecycle state
type Status int

// Lifecycle states; Disconnected is both the initial state and the
// terminal one (after Disconnect, or after reconnect attempts are
// exhausted)
const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration

	// MaxAttempts caps consecutive failed dials; when exhausted the
	// client settles into terminal Disconnected and reports on
	// ConnectionFailed rather than retrying forever
	MaxAttempts int
}

// ReconWs represents a relay client that will reconnect if the connection
// is closed unexpectedly
type ReconWs struct {
	URL   string
	Token string
	Retry RetryConfig
	ID    string

	// ConnectionFailed receives one error when reconnection gives up
	ConnectionFailed chan error

	mu       sync.Mutex
	status   Status
	conn     *websocket.Conn
	handlers map[string][]*Subscription
	rooms    map[string]bool
	presence string
	custom   string

	// closed on each successful dial, then re-made; read it via
	// ConnectedCh so the swap is seen under the mutex
	connected chan struct{}

	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a pointer to a new reconnecting relay client
func New(urlStr, token string) *ReconWs {
	r := &ReconWs{
		URL:   urlStr,
		Token: token,
		Retry: RetryConfig{Factor: 2,
			Min:         1 * time.Second,
			Max:         10 * time.Second,
			MaxAttempts: 10,
			Jitter:      false},
		ID:               uuid.New().String()[0:6],
		ConnectionFailed: make(chan error, 1),
		connected:        make(chan struct{}),
		handlers:         make(map[string][]*Subscription),
		rooms:            make(map[string]bool),
		presence:         envelope.StatusOnline,
		stop:             make(chan struct{}),
	}
	return r
}

// ConnectedCh returns a channel that is closed at the next successful
// dial; helps with testing
func (r *ReconWs) ConnectedCh() chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Status returns the current lifecycle state
func (r *ReconWs) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *ReconWs) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Run connects, and reconnects with backoff after unexpected transport
// loss, until the context is cancelled, Disconnect is called, or the
// attempt cap is exhausted. Run this in a separate goroutine.
func (r *ReconWs) Run(ctx context.Context) {

	id := "reconws.Run(" + r.ID + ")"

	boff := &backoff.Backoff{
		Min:    r.Retry.Min,
		Max:    r.Retry.Max,
		Factor: r.Retry.Factor,
		Jitter: r.Retry.Jitter,
	}

	attempts := 0

	for {

		select {
		case <-ctx.Done():
			r.setStatus(Disconnected)
			return
		case <-r.stop:
			r.setStatus(Disconnected)
			return
		default:
		}

		r.setStatus(Connecting)

		dialled, err := r.dial(ctx)

		select {
		case <-ctx.Done():
			r.setStatus(Disconnected)
			return
		case <-r.stop:
			r.setStatus(Disconnected)
			return
		default:
		}

		if dialled {
			// had a live session that later dropped; start the
			// backoff schedule afresh
			boff.Reset()
			attempts = 0
			r.setStatus(Reconnecting)
			log.Tracef("%s: connection lost, reconnecting", id)
			continue
		}

		attempts++
		log.WithFields(log.Fields{"error": err, "attempt": attempts}).Debugf("%s: dial failed", id)

		if r.Retry.MaxAttempts > 0 && attempts >= r.Retry.MaxAttempts {
			r.setStatus(Disconnected)
			select {
			case r.ConnectionFailed <- errors.New("reconnection attempts exhausted"):
			default:
			}
			log.Warnf("%s: reconnection attempts exhausted; giving up", id)
			return
		}

		r.setStatus(Reconnecting)

		// cancellable wait, so Disconnect never leaves a reconnect
		// firing after intentional teardown
		timer := time.NewTimer(boff.Duration())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.setStatus(Disconnected)
			return
		case <-r.stop:
			timer.Stop()
			r.setStatus(Disconnected)
			return
		}
	}
}

// dial makes one connection attempt. Returns dialled true if the handshake
// succeeded (however the session later ended), false with the dial error
// if it did not.
func (r *ReconWs) dial(ctx context.Context) (bool, error) {

	id := "reconws.dial(" + r.ID + ")"

	u, err := url.Parse(r.URL)

	if err != nil {
		log.Errorf("%s: error with url because %s", id, err.Error())
		return false, err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Errorf("%s: url needs to start with ws or wss", id)
		return false, errors.New("url needs to start with ws or wss")
	}

	q := u.Query()
	q.Set("token", r.Token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)

	if err != nil {
		log.WithField("error", err).Debugf("%s: dialing error", id)
		return false, err
	}

	r.mu.Lock()
	r.conn = conn
	r.status = Connected
	close(r.connected) //signal that we've connected
	r.connected = make(chan struct{})
	r.mu.Unlock()

	log.Tracef("%s: connected to %s", id, r.URL)

	// reconstruct server-side state for this (possibly replacement)
	// transport: re-assert presence, then replay room joins
	r.announce()

	// close the conn when instructed to stop, so ReadMessage returns
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-dialCtx.Done():
		case <-r.stop:
		case <-done:
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()

		if err != nil {
			// expected here on any exit, including normal close
			log.WithField("error", err).Debugf("%s: error reading from conn; closing", id)
			break
		}

		env, err := envelope.Parse(data)
		if err != nil {
			log.WithField("error", err).Debugf("%s: ignoring unparseable message", id)
			continue
		}

		r.dispatch(env)
	}

	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()

	return true, nil
}

// announce re-asserts presence and room membership after (re)connecting
func (r *ReconWs) announce() {

	r.mu.Lock()
	presence := r.presence
	custom := r.custom
	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	r.Send(envelope.PresenceUpdate, envelope.Presence{Status: presence, CustomMessage: custom})

	for _, room := range rooms {
		r.Send(envelope.JoinDocument, envelope.RoomRef{DocumentID: room})
	}
}

// Send transmits one envelope. When the connection is not in the Connected
// state the message is dropped with a logged warning; callers must not
// assume delivery without checking Status first.
func (r *ReconWs) Send(envType string, payload interface{}) {

	id := "reconws.Send(" + r.ID + ")"

	r.mu.Lock()
	conn := r.conn
	status := r.status
	r.mu.Unlock()

	if status != Connected || conn == nil {
		log.WithFields(log.Fields{"type": envType, "status": status.String()}).Warnf("%s: not connected; dropping message", id)
		return
	}

	env, err := envelope.New(envType, payload)
	if err != nil {
		log.WithField("error", err).Errorf("%s: marshalling payload", id)
		return
	}

	data, err := env.Marshal()
	if err != nil {
		log.WithField("error", err).Errorf("%s: marshalling envelope", id)
		return
	}

	r.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	r.writeMu.Unlock()

	if err != nil {
		log.WithField("error", err).Infof("%s: error writing to conn", id)
		return
	}

	log.Tracef("%s: sent %d-byte message", id, len(data))
}

// SendChat sends a chat message; set RoomID for a room broadcast or
// RecipientID for a direct message
func (r *ReconWs) SendChat(chat envelope.Chat) {
	r.Send(envelope.ChatMessage, chat)
}

// SendDocumentUpdate sends changes to the other members of a document room
func (r *ReconWs) SendDocumentUpdate(doc envelope.Document) {
	r.Send(envelope.DocumentUpdate, doc)
}

// JoinDocument joins a document room, and remembers it so membership is
// replayed after any reconnect
func (r *ReconWs) JoinDocument(documentID string) {

	r.mu.Lock()
	r.rooms[documentID] = true
	r.mu.Unlock()

	r.Send(envelope.JoinDocument, envelope.RoomRef{DocumentID: documentID})
}

// LeaveDocument leaves a document room
func (r *ReconWs) LeaveDocument(documentID string) {

	r.mu.Lock()
	delete(r.rooms, documentID)
	r.mu.Unlock()

	r.Send(envelope.LeaveDocument, envelope.RoomRef{DocumentID: documentID})
}

// SetPresence asserts a presence status, which is also re-asserted on
// every reconnect
func (r *ReconWs) SetPresence(status, customMessage string) {

	r.mu.Lock()
	r.presence = status
	r.custom = customMessage
	r.mu.Unlock()

	r.Send(envelope.PresenceUpdate, envelope.Presence{Status: status, CustomMessage: customMessage})
}

// Disconnect is the only path to terminal Disconnected: it emits a
// best-effort offline presence update, cancels any pending reconnect
// timer, and tears down the transport. Safe to call more than once.
func (r *ReconWs) Disconnect() {

	r.stopOnce.Do(func() {

		r.Send(envelope.PresenceUpdate, envelope.Presence{Status: envelope.StatusOffline})

		close(r.stop)

		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		r.status = Disconnected
		r.mu.Unlock()

		if conn != nil {
			// writeMu keeps the close frame from racing an
			// in-flight Send on the same conn
			r.writeMu.Lock()
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			r.writeMu.Unlock()
			if err != nil {
				log.WithField("error", err).Info("error sending close message; closing")
			}
			conn.Close()
		}
	})
}
