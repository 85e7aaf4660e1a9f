package relay

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/gorilla/websocket"
)

// Config represents configuration options for a relay instance
// Use this struct to pass configuration as argument during testing
type Config struct {

	// Listen is the listening port
	Listen int

	// Audience must match the aud claim in tokens
	Audience string

	// Secret is the HMAC key tokens are signed with
	Secret string

	// Hub routes messages; one is constructed if nil
	Hub *Hub
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	c := &Config{}
	c.Listen = 3000
	return c
}

// WithListen specifies which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithAudience specifies the audience for the tokens
func (c *Config) WithAudience(audience string) *Config {
	c.Audience = audience
	return c
}

// WithSecret specifies the token signing secret
func (c *Config) WithSecret(secret string) *Config {
	c.Secret = secret
	return c
}

// WithHub supplies an externally constructed hub, e.g. so the owner can
// push notifications through it
func (c *Config) WithHub(hub *Hub) *Config {
	c.Hub = hub
	return c
}

// Client is a middleperson between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan message

	// server-assigned connection id
	name string

	// identity resolved from the credential at handshake
	userID string

	// rooms this connection has joined; owned by the hub goroutine
	rooms map[string]bool

	// last presence status asserted by this connection
	presence string

	// hub closes this channel when a newer connection claims the
	// same identity
	superseded chan struct{}

	// closed when the read pump exits, so per-connection helper
	// goroutines do not outlive the connection
	done chan struct{}

	expiresAt int64

	stats *Stats

	userAgent string

	remoteAddr string
}

// message wraps outbound data for a client's send channel
type message struct {
	mt   int
	data []byte
}

// inbound wraps data read from a connection, for routing by the hub
type inbound struct {
	sender *Client
	mt     int
	data   []byte
}

// RxTx represents statistics for both receive and transmit
type RxTx struct {
	Tx ReportStats `json:"tx"`
	Rx ReportStats `json:"rx"`
}

// ReportStats represents statistics about what has been sent/received
type ReportStats struct {
	Last string `json:"last"` //how many seconds ago...

	Size float64 `json:"size"`

	Fps float64 `json:"fps"`
}

// ClientReport represents information about a client's connection and statistics
type ClientReport struct {
	ConnectionID string `json:"connectionId"`

	UserID string `json:"userId"`

	Rooms []string `json:"rooms"`

	Presence string `json:"presence"`

	Connected string `json:"connected"`

	ExpiresAt string `json:"expiresAt"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Stats RxTx `json:"stats"`
}

// Stats represents statistics for a connection
type Stats struct {
	connectedAt time.Time

	rx *Frames

	tx *Frames
}

// Frames represents statistics on message frames sent over a connection
type Frames struct {
	last time.Time

	size *welford.Stats

	ns *welford.Stats

	mu *sync.RWMutex
}

func newStats() *Stats {
	tx := &Frames{size: welford.New(), ns: welford.New(), mu: &sync.RWMutex{}}
	rx := &Frames{size: welford.New(), ns: welford.New(), mu: &sync.RWMutex{}}
	return &Stats{connectedAt: time.Now(), tx: tx, rx: rx}
}
