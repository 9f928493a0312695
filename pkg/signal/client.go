package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // SDP offers with many candidates get large
)

// client couples a websocket connection to a room participant.
type client struct {
	conn  *websocket.Conn
	relay *Relay
	room  *Room
	p     *participant
}

// readPump reads envelopes from the socket and routes them. The relay
// trusts the connection, not the claimed src: the assigned participant id
// is stamped on every forwarded envelope.
func (c *client) readPump() {
	defer func() {
		c.relay.leave(c.room, c.p)
		if c.relay.OnClientChange != nil {
			c.relay.OnClientChange(-1)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.relay.logger.WithError(err).Warn("signal read error")
			}
			return
		}
		c.relay.route(c.room, c.p, env)
	}
}

// writePump writes queued envelopes to the socket and keeps the
// connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.p.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
