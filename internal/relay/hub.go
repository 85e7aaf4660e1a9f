package relay

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/collabd/relay/internal/envelope"
)

// Hub maintains the set of active clients, the identity index, and room
// membership, and routes inbound envelopes to the right connections. All
// state is owned by the single goroutine running Run; other goroutines
// interact over the channels, so routing needs no locks. The mutex guards
// the maps only for external readers (status reports, tests).
type Hub struct {
	mu *sync.RWMutex

	// all registered connections
	connections map[*Client]bool

	// room name -> member set; rooms exist only while non-empty
	rooms map[string]map[*Client]bool

	// user id -> current connection for that user
	identities map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Inbound envelopes from the clients.
	incoming chan inbound

	// Administrative broadcasts to every connection.
	notify chan envelope.Note
}

// NewHub returns a pointer to an initialised Hub
func NewHub() *Hub {
	return &Hub{
		mu:          &sync.RWMutex{},
		connections: make(map[*Client]bool),
		rooms:       make(map[string]map[*Client]bool),
		identities:  make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		incoming:    make(chan inbound),
		notify:      make(chan envelope.Note, 8),
	}
}

// Run starts the hub; close the closed channel to stop it
func (h *Hub) Run(closed chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.route(in)
		case note := <-h.notify:
			h.broadcastNote(note)
		}
	}
}

// Notify fans a notification out to every connection. This is the only
// envelope delivered without a room or recipient, and it is explicitly
// typed as such.
func (h *Hub) Notify(note envelope.Note) {
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.Timestamp == "" {
		note.Timestamp = envelope.Stamp(time.Now())
	}
	h.notify <- note
}

func (h *Hub) addClient(c *Client) {

	h.mu.Lock()

	// explicit takeover: force-close any prior connection for this
	// identity so the index never routes to a stale transport
	if old, ok := h.identities[c.userID]; ok && old != c {
		log.WithFields(log.Fields{"user": c.userID, "old": old.name, "new": c.name}).Info("connection superseded")
		close(old.superseded)
	}

	h.connections[c] = true
	h.identities[c.userID] = c
	h.mu.Unlock()

	connectionsGauge.Inc()

	greeting, err := envelope.New(envelope.Welcome, envelope.Greeting{
		ConnectionID: c.name,
		UserID:       c.userID,
		Timestamp:    envelope.Stamp(time.Now()),
	})
	if err != nil {
		log.WithField("error", err).Error("marshalling welcome")
		return
	}
	h.deliver(c, greeting)
}

func (h *Hub) removeClient(c *Client) {

	h.mu.Lock()

	if _, ok := h.connections[c]; !ok {
		h.mu.Unlock()
		return
	}

	delete(h.connections, c)

	// the identity entry is only ours if we have not been superseded
	if cc, ok := h.identities[c.userID]; ok && cc == c {
		delete(h.identities, c.userID)
	}

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}

	h.mu.Unlock()

	connectionsGauge.Dec()

	// exactly one left event per room the connection was in
	now := envelope.Stamp(time.Now())
	for _, room := range rooms {
		h.leave(c, room, now)
	}

	close(c.send)
}

// route evaluates the delivery policy for one inbound envelope
func (h *Hub) route(in inbound) {

	env, err := envelope.Parse(in.data)
	if err != nil {
		log.WithFields(log.Fields{"error": err, "from": in.sender.name}).Debug("dropping unparseable envelope")
		droppedCount.Inc()
		return
	}

	messagesCount.Inc()

	now := envelope.Stamp(time.Now())

	switch env.Type {

	case envelope.JoinDocument:
		var r envelope.RoomRef
		if err := env.Bind(&r); err != nil || r.DocumentID == "" {
			droppedCount.Inc()
			return
		}
		h.join(in.sender, r.DocumentID, now)

	case envelope.LeaveDocument:
		var r envelope.RoomRef
		if err := env.Bind(&r); err != nil || r.DocumentID == "" {
			droppedCount.Inc()
			return
		}
		h.leave(in.sender, r.DocumentID, now)

	case envelope.ChatMessage:
		var m envelope.Chat
		if err := env.Bind(&m); err != nil {
			droppedCount.Inc()
			return
		}
		// identity and timestamp are ours to assign, whatever the
		// sender claimed
		m.SenderID = in.sender.userID
		m.Timestamp = now
		out, err := envelope.New(envelope.ChatMessage, m)
		if err != nil {
			log.WithField("error", err).Error("marshalling chat message")
			return
		}
		switch {
		case m.RoomID != "":
			h.toRoom(m.RoomID, in.sender, out)
		case m.RecipientID != "":
			h.toUser(m.RecipientID, out)
		default:
			// global fan-out is reserved for explicitly typed
			// broadcasts (notification); a bare chat goes nowhere
			log.WithField("from", in.sender.name).Debug("chat message with no room or recipient")
			droppedCount.Inc()
		}

	case envelope.DocumentUpdate:
		var d envelope.Document
		if err := env.Bind(&d); err != nil || d.DocumentID == "" {
			droppedCount.Inc()
			return
		}
		d.UserID = in.sender.userID
		d.Timestamp = now
		out, err := envelope.New(envelope.DocumentUpdate, d)
		if err != nil {
			log.WithField("error", err).Error("marshalling document update")
			return
		}
		// always room-scoped and sender-excluded, so an editor never
		// receives its own edit as an echo
		h.toRoom(d.DocumentID, in.sender, out)

	case envelope.PresenceUpdate:
		var p envelope.Presence
		if err := env.Bind(&p); err != nil || p.Status == "" {
			droppedCount.Inc()
			return
		}
		h.mu.Lock()
		in.sender.presence = p.Status
		h.mu.Unlock()
		p.UserID = in.sender.userID
		p.Timestamp = now
		out, err := envelope.New(envelope.PresenceUpdate, p)
		if err != nil {
			log.WithField("error", err).Error("marshalling presence update")
			return
		}
		h.toAll(in.sender, out)

	default:
		log.WithFields(log.Fields{"type": env.Type, "from": in.sender.name}).Debug("dropping envelope of unknown type")
		droppedCount.Inc()
	}
}

// join adds a connection to a room, creating the room on first join. The
// membership update is idempotent but the joined event is emitted to the
// other members on every call (at-least-once; callers deduplicate if they
// need exactly-once).
func (h *Hub) join(c *Client, room, now string) {

	h.mu.Lock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
		roomsGauge.Inc()
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
	h.mu.Unlock()

	out, err := envelope.New(envelope.DocumentUserJoined, envelope.RoomEvent{
		DocumentID: room,
		UserID:     c.userID,
		Timestamp:  now,
	})
	if err != nil {
		log.WithField("error", err).Error("marshalling joined event")
		return
	}
	h.toRoom(room, c, out)
}

// leave removes a connection from a room; no-op if not a member. Remaining
// members are told the user left. An empty room is deleted, which is
// indistinguishable from it never having existed.
func (h *Hub) leave(c *Client, room, now string) {

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok || !members[c] {
		h.mu.Unlock()
		return
	}
	delete(members, c)
	delete(c.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
		roomsGauge.Dec()
	}
	h.mu.Unlock()

	out, err := envelope.New(envelope.DocumentUserLeft, envelope.RoomEvent{
		DocumentID: room,
		UserID:     c.userID,
		Timestamp:  now,
	})
	if err != nil {
		log.WithField("error", err).Error("marshalling left event")
		return
	}
	h.toRoom(room, c, out)
}

// toRoom delivers to every member of the room except the excluded sender
func (h *Hub) toRoom(room string, exclude *Client, env envelope.Envelope) {

	data, err := env.Marshal()
	if err != nil {
		log.WithField("error", err).Error("marshalling envelope for room")
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		if client != exclude {
			members = append(members, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range members {
		h.send(client, data)
	}
}

// toUser delivers to the recipient's current connection; a recipient with
// no live connection is a silent drop, not an error
func (h *Hub) toUser(userID string, env envelope.Envelope) {

	h.mu.RLock()
	client, ok := h.identities[userID]
	h.mu.RUnlock()

	if !ok {
		log.WithField("recipient", userID).Debug("recipient has no connection; dropping")
		droppedCount.Inc()
		return
	}

	data, err := env.Marshal()
	if err != nil {
		log.WithField("error", err).Error("marshalling envelope for user")
		return
	}
	h.send(client, data)
}

// toAll delivers to every connection except the excluded one
func (h *Hub) toAll(exclude *Client, env envelope.Envelope) {

	data, err := env.Marshal()
	if err != nil {
		log.WithField("error", err).Error("marshalling envelope for all")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.connections))
	for client := range h.connections {
		if client != exclude {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.send(client, data)
	}
}

func (h *Hub) broadcastNote(note envelope.Note) {

	env, err := envelope.New(envelope.Notification, note)
	if err != nil {
		log.WithField("error", err).Error("marshalling notification")
		return
	}
	h.toAll(nil, env)
}

// deliver marshals and sends one envelope to one client
func (h *Hub) deliver(c *Client, env envelope.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		log.WithField("error", err).Error("marshalling envelope")
		return
	}
	h.send(c, data)
}

// send enqueues without blocking; a client that cannot keep up loses
// messages rather than stalling delivery to everyone else
func (h *Hub) send(c *Client, data []byte) {
	select {
	case c.send <- message{mt: textMessage, data: data}:
	default:
		log.WithFields(log.Fields{"connection": c.name, "user": c.userID}).Debug("send buffer full; dropping")
		droppedCount.Inc()
	}
}

func fpsFromNs(ns float64) float64 {
	return 1 / (ns * 1e-9)
}

func frameReport(f *Frames) ReportStats {

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.size.Count() == 0 {
		return ReportStats{Last: "Never"}
	}
	return ReportStats{
		Last: time.Since(f.last).String(),
		Size: math.Round(f.size.Mean()),
		Fps:  fpsFromNs(f.ns.Mean()),
	}
}

// GetStats reports on every current connection
func (h *Hub) GetStats() []ClientReport {

	h.mu.RLock()
	defer h.mu.RUnlock()

	reports := []ClientReport{}

	for client := range h.connections {

		rooms := []string{}
		for room := range client.rooms {
			rooms = append(rooms, room)
		}

		reports = append(reports, ClientReport{
			ConnectionID: client.name,
			UserID:       client.userID,
			Rooms:        rooms,
			Presence:     client.presence,
			Connected:    client.stats.connectedAt.String(),
			ExpiresAt:    envelope.Stamp(time.Unix(client.expiresAt, 0)),
			RemoteAddr:   client.remoteAddr,
			UserAgent:    client.userAgent,
			Stats: RxTx{
				Tx: frameReport(client.stats.tx),
				Rx: frameReport(client.stats.rx),
			},
		})
	}

	return reports
}

// RoomMembers returns the user ids currently in a room (empty slice for an
// unknown room, since an empty room does not exist)
func (h *Hub) RoomMembers(room string) []string {

	h.mu.RLock()
	defer h.mu.RUnlock()

	members := []string{}
	for client := range h.rooms[room] {
		members = append(members, client.userID)
	}
	return members
}
