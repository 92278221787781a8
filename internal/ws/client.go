package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/lattice/relay/internal/auth"
	"github.com/manpreetbhatti/lattice/relay/internal/metrics"
	"github.com/manpreetbhatti/lattice/relay/internal/protocol"
	"github.com/manpreetbhatti/lattice/relay/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/relay/internal/room"
	"go.uber.org/zap"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
	authorizeTimeout  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. It joins exactly one room.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	clientID    string
	documentID  string
	role        auth.Role
	rateLimiter *ratelimit.Limiter
	log         *zap.Logger

	mu        sync.Mutex
	closed    bool
	closeCode int
	room      *room.Room
	handshake *time.Timer
}

// fatalError ends the connection after its error frame was sent.
type fatalError struct {
	err error
}

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe) || room.IsFatal(err)
}

// ServeWs authorizes the request for the document named by the doc (or
// room) query parameter and upgrades it.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("doc")
	if documentID == "" {
		documentID = r.URL.Query().Get("room")
	}
	if documentID == "" || len(documentID) > protocol.MaxDocumentIDLength {
		http.Error(w, "missing or invalid doc parameter", http.StatusBadRequest)
		return
	}

	if hub.opts.Admission != nil && !hub.opts.Admission.Allow(remoteHost(r)) {
		metrics.RateLimited.Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if hub.Draining() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), authorizeTimeout)
	role, err := hub.opts.Authorizer.Authorize(ctx, r, documentID)
	cancel()
	if err != nil {
		hub.log.Error("Authorization failed", zap.String("room", documentID), zap.Error(err))
		http.Error(w, "authorization unavailable", http.StatusBadGateway)
		return
	}
	if !role.CanJoin() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("Upgrade error", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.opts.SendQueueSize),
		clientID:    clientID,
		documentID:  documentID,
		role:        role,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		log: hub.log.With(
			zap.String("client", clientID),
			zap.String("room", documentID),
			zap.String("remote", conn.RemoteAddr().String())),
		closeCode: websocket.CloseGoingAway,
	}

	if !hub.register(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	client.handshake = time.AfterFunc(hub.opts.HandshakeTimeout, client.handshakeExpired)

	go client.writePump()
	go client.readPump()
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ID returns the connection identity.
func (c *Client) ID() string {
	return c.clientID
}

// Send queues msg for the write pump.
func (c *Client) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return room.ErrPeerClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return room.ErrQueueFull
	}
}

// Close flushes the queued frames, then closes with a going-away frame.
func (c *Client) Close() {
	c.closeWith(websocket.CloseGoingAway)
}

func (c *Client) closeWith(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	close(c.send)
}

// Kick drops the connection without flushing.
func (c *Client) Kick() {
	c.closeWith(websocket.ClosePolicyViolation)
	c.conn.Close()
}

func (c *Client) currentRoom() *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) fail(code protocol.ErrorCode, err error) {
	c.Send(protocol.EncodeError(code, err.Error()))
	c.closeWith(websocket.ClosePolicyViolation)
}

func (c *Client) handshakeExpired() {
	if r := c.currentRoom(); r != nil && r.Synced(c) {
		return
	}
	metrics.HandshakesTotal.WithLabelValues("timeout").Inc()
	c.log.Warn("Handshake timed out")
	c.fail(protocol.CodeHandshakeTimeout, errors.New("handshake not completed in time"))
}

func (c *Client) readPump() {
	defer func() {
		c.handshake.Stop()
		if r := c.currentRoom(); r != nil {
			r.Leave(c)
			c.hub.Release(r)
		}
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0
	closing := false

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Info("WebSocket error", zap.Error(err))
			}
			break
		}
		// Frames after a fatal error are drained until the close completes.
		if closing {
			continue
		}

		if !c.rateLimiter.Allow() {
			metrics.RateLimited.Inc()
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.log.Warn("Rate limit exceeded", zap.Int("warning", rateLimitWarnings))
				c.Send(protocol.EncodeError(protocol.CodeRateLimited, "rate limit exceeded, frame dropped"))
			}
			if rateLimitWarnings > 1000 {
				c.log.Warn("Disconnecting client for excessive rate limit violations")
				c.fail(protocol.CodeRateLimited, errors.New("too many rate limit violations"))
				closing = true
			}
			continue
		}

		if err := c.handle(message); err != nil {
			code := protocol.CodeOf(err)
			if isFatal(err) {
				c.log.Warn("Closing connection", zap.Stringer("code", code), zap.Error(err))
				c.fail(code, err)
				closing = true
				continue
			}
			c.log.Debug("Rejected frame", zap.Stringer("code", code), zap.Error(err))
			c.Send(protocol.EncodeError(code, err.Error()))
		}
	}
}

func (c *Client) handle(message []byte) error {
	f, err := protocol.ParseFrame(message)
	if err != nil {
		return err
	}

	r := c.currentRoom()
	if f.Type == protocol.MessageTypeJoin {
		if r != nil {
			return protocol.WithCode(protocol.CodeUnexpectedMessage, fmt.Errorf("%w: already joined", room.ErrUnexpectedMessage))
		}
		return c.join(string(f.Payload))
	}
	if r == nil {
		return protocol.WithCode(protocol.CodeUnexpectedMessage, fmt.Errorf("%w: %s before join", room.ErrUnexpectedMessage, f.Type))
	}

	switch f.Type {
	case protocol.MessageTypeSync:
		err := r.HandleSync(c, f.Step, f.Payload)
		if r.Synced(c) {
			c.handshake.Stop()
		}
		return err
	case protocol.MessageTypeAwareness:
		return r.ApplyAwareness(c, f.Payload)
	}
	return protocol.WithCode(protocol.CodeUnexpectedMessage, fmt.Errorf("%w: %s from client", room.ErrUnexpectedMessage, f.Type))
}

func (c *Client) join(documentID string) error {
	if documentID != c.documentID {
		return fatalError{protocol.WithCode(protocol.CodeDocumentMismatch,
			fmt.Errorf("joined %q but authorized for %q", documentID, c.documentID))}
	}

	r, err := c.hub.Acquire(documentID)
	if err != nil {
		return fatalError{protocol.WithCode(protocol.CodeInternal, err)}
	}
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()

	if _, err := r.Join(c, c.role.ReadOnly()); err != nil {
		return fatalError{protocol.WithCode(protocol.CodeInternal, err)}
	}
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				code := c.closeCode
				c.mu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				return
			}

			w, err := c.conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
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
