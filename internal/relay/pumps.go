package relay

import (
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024

	// all envelopes are JSON text frames
	textMessage = websocket.TextMessage
)

// readPump pumps messages from the websocket connection to the hub.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {

	defer func() {
		close(c.done)
		c.hub.unregister <- c
		c.conn.Close()
		log.Trace("readPump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return err
	})

	for {

		mt, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("error: %v", err)
			}
			break
		}

		c.hub.incoming <- inbound{sender: c, mt: mt, data: data}

		c.stats.tx.mu.Lock()
		t := time.Now()
		if c.stats.tx.ns.Count() > 0 {
			c.stats.tx.ns.Add(float64(t.UnixNano() - c.stats.tx.last.UnixNano()))
		} else {
			c.stats.tx.ns.Add(float64(t.UnixNano() - c.stats.connectedAt.UnixNano()))
		}
		c.stats.tx.last = t
		c.stats.tx.size.Add(float64(len(data)))
		c.stats.tx.mu.Unlock()
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump(closed <-chan struct{}, cancelled <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.Trace("writePump closed")
	}()
	for {
		select {

		case msg, ok := <-c.send:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				return
			}

			if !ok {
				// The hub closed the channel.
				err := c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				if err != nil {
					log.Errorf("writePump closeMessage error: %s", err.Error())
				}
				return
			}

			err = c.conn.WriteMessage(msg.mt, msg.data)
			if err != nil {
				log.Errorf("writePump writing error: %v", err)
				return
			}

			c.stats.rx.mu.Lock()
			t := time.Now()
			if c.stats.rx.ns.Count() > 0 {
				c.stats.rx.ns.Add(float64(t.UnixNano() - c.stats.rx.last.UnixNano()))
			} else {
				c.stats.rx.ns.Add(float64(t.UnixNano() - c.stats.connectedAt.UnixNano()))
			}
			c.stats.rx.last = t
			c.stats.rx.size.Add(float64(len(msg.data)))
			c.stats.rx.mu.Unlock()

		case <-ticker.C:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.superseded:
			// a newer connection claimed our identity
			err := c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded"))
			if err != nil {
				log.Errorf("writePump superseded close error: %v", err)
			}
			return
		case <-closed:
			return
		case <-cancelled:
			return
		}
	}
}
