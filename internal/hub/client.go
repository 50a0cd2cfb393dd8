package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 4096             // Subscription messages are tiny
	sendBuffer = 256              // Per-client outbound channel buffer
)

// Client is one WebSocket connection. writePump owns all writes to conn,
// readPump owns all reads; everything outbound goes through send.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// subscribeMessage is the client -> server frame.
type subscribeMessage struct {
	Action      string `json:"action"`
	CountryCode string `json:"country_code,omitempty"`
	LoanID      string `json:"loan_id,omitempty"`
}

// Handler upgrades HTTP connections and serves them until disconnect.
// allowedOrigins of ["*"] accepts everything.
func (h *Hub) Handler(allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(allowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		c := &Client{
			id:   uuid.NewString(),
			hub:  h,
			conn: conn,
			send: make(chan []byte, sendBuffer),
			done: make(chan struct{}),
		}
		h.register(c)

		go c.writePump()
		go c.readPump()
	}
}

func buildCheckOrigin(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := map[string]bool{}
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[strings.TrimSpace(origin)] = true
	}
	if allowAll {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if set[origin] {
			return true
		}
		slog.Info("rejected websocket origin", "origin", origin)
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "client", c.id, "error", err)
			}
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.ack(map[string]string{"error": "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

// handle processes one subscription command and acks it.
func (c *Client) handle(msg subscribeMessage) {
	switch msg.Action {
	case "subscribe_country":
		code := strings.ToUpper(strings.TrimSpace(msg.CountryCode))
		if len(code) != 2 {
			c.ack(map[string]string{"error": "Invalid country code"})
			return
		}
		room := CountryRoom(code)
		c.hub.join(c, room)
		c.ack(map[string]string{"subscribed": room})

	case "unsubscribe_country":
		room := CountryRoom(strings.ToUpper(strings.TrimSpace(msg.CountryCode)))
		c.hub.leave(c, room)
		c.ack(map[string]string{"unsubscribed": room})

	case "subscribe_loan":
		if msg.LoanID == "" {
			c.ack(map[string]string{"error": "loan_id required"})
			return
		}
		room := LoanRoom(msg.LoanID)
		c.hub.join(c, room)
		c.ack(map[string]string{"subscribed": room})

	case "unsubscribe_loan":
		room := LoanRoom(msg.LoanID)
		c.hub.leave(c, room)
		c.ack(map[string]string{"unsubscribed": room})

	default:
		c.ack(map[string]string{"error": "unknown action"})
	}
}

// ack sends a reply without blocking the read loop.
func (c *Client) ack(body map[string]string) {
	payload, _ := json.Marshal(body)
	select {
	case c.send <- payload:
	default:
	}
}
