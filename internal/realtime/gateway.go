package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

var (
	errClientClosed = errors.New("websocket client closed")
	errClientSlow   = errors.New("websocket client send buffer full")
)

// Gateway pushes notifier events to websocket clients. Each connection follows
// exactly one channel key.
type Gateway struct {
	notifier   *Notifier
	upgrader   websocket.Upgrader
	bufferSize int
}

func NewGateway(notifier *Notifier, allowedOrigin string) *Gateway {
	return &Gateway{
		notifier:   notifier,
		bufferSize: 64,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || allowedOrigin == "*" || origin == allowedOrigin
			},
		},
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Serve subscribes before upgrading so no event published after the
// handshake completes can be missed.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, channel string) {
	c := &client{
		send: make(chan []byte, g.bufferSize),
		done: make(chan struct{}),
	}
	sub := g.notifier.Subscribe(channel, Wildcard, c.enqueue)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.notifier.Unsubscribe(sub)
		log.Printf("[realtime] upgrade error: %v", err)
		return
	}
	c.conn = conn

	go c.writePump()
	go func() {
		c.readPump()
		g.notifier.Unsubscribe(sub)
	}()
}

func (c *client) enqueue(_ context.Context, evt Event) error {
	message, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errClientSlow
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
