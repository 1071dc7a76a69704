package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/swapd/pkg/fanout"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	attachTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Client is one WebSocket connection following a single order. It is the
// fanout.Observer for that order.
type Client struct {
	conn     *websocket.Conn
	registry *fanout.Registry
	log      *zap.SugaredLogger
	send     chan []byte
	id       string

	mu      sync.Mutex
	orderID string
	closed  bool
	done    chan struct{}
}

// Send queues data for the write pump. It never blocks: a client that
// cannot keep up is reported closed and gets dropped by the registry.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fanout.ErrObserverClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", fanout.ErrObserverClosed)
	}
}

// follow moves the client from its current order (if any) to orderID.
// An empty orderID just stops following.
func (c *Client) follow(orderID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fanout.ErrObserverClosed
	}
	prev := c.orderID
	c.orderID = orderID
	c.mu.Unlock()

	if prev == orderID {
		return nil
	}
	if prev != "" {
		c.registry.Detach(prev, c)
	}
	if orderID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	if err := c.registry.Attach(ctx, orderID, c); err != nil {
		c.mu.Lock()
		if c.orderID == orderID {
			c.orderID = ""
		}
		c.mu.Unlock()
		return err
	}

	// shutdown may have run mid-attach, before there was anything to detach.
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.registry.Detach(orderID, c)
		return fanout.ErrObserverClosed
	}
	c.log.Infow("ws_following", "client", c.id, "order_id", orderID)
	return nil
}

// shutdown marks the client closed and detaches it. Safe to call twice.
func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	orderID := c.orderID
	c.orderID = ""
	close(c.done)
	c.mu.Unlock()

	if orderID != "" {
		c.registry.Detach(orderID, c)
	}
}

// readPump handles client requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		c.conn.Close()
		c.log.Infow("ws_disconnected", "client", c.id)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			if req.OrderID == "" {
				continue
			}
			if err := c.follow(req.OrderID); err != nil {
				c.log.Errorw("ws_attach_failed", "client", c.id, "order_id", req.OrderID, "err", err)
			}
		case "unsubscribe":
			_ = c.follow("")
		default:
			c.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump writes queued updates, one frame per update, and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}

		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// handleWebSocket upgrades GET /orders/ws?id=<orderId> and follows that order
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	orderID := r.URL.Query().Get("id")
	if orderID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "Order ID required")
		return
	}

	client := &Client{
		conn:     conn,
		registry: s.registry,
		log:      s.log,
		send:     make(chan []byte, sendBufferSize),
		id:       conn.RemoteAddr().String(),
		done:     make(chan struct{}),
	}
	if err := client.follow(orderID); err != nil {
		s.log.Errorw("ws_attach_failed", "client", client.id, "order_id", orderID, "err", err)
		closeWith(conn, websocket.CloseInternalServerErr, "subscription failed")
		return
	}
	s.log.Infow("ws_connected", "client", client.id, "order_id", orderID)

	go client.writePump()
	go client.readPump()
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	conn.Close()
}
