package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Pool tracks connected WebSocket clients and fans events out to them.
type Pool struct {
	clients    map[*wsClient]bool
	broadcast  chan interface{}
	register   chan *wsClient
	unregister chan *wsClient
	direct     chan directMsg
	done       chan struct{}
	mutex      sync.RWMutex
}

// directMsg is an event for a single client.
type directMsg struct {
	client  *wsClient
	message interface{}
}

// NewPool creates an empty pool.  Call Run to start it.
func NewPool() *Pool {
	return &Pool{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan interface{}, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		direct:     make(chan directMsg, 64),
		done:       make(chan struct{}),
	}
}

// Run services registrations and broadcasts until ctx is done, then
// disconnects every client.
func (p *Pool) Run(ctx context.Context) {
	defer func() {
		p.mutex.Lock()
		for client := range p.clients {
			delete(p.clients, client)
			close(client.send)
		}
		p.mutex.Unlock()
		close(p.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-p.register:
			p.mutex.Lock()
			p.clients[client] = true
			n := len(p.clients)
			p.mutex.Unlock()
			log.Printf("client %s registered, total clients: %d", client.id, n)

		case client := <-p.unregister:
			p.mutex.Lock()
			if _, ok := p.clients[client]; ok {
				delete(p.clients, client)
				close(client.send)
			}
			n := len(p.clients)
			p.mutex.Unlock()
			log.Printf("client %s unregistered, total clients: %d", client.id, n)

		case message := <-p.broadcast:
			p.mutex.RLock()
			for client := range p.clients {
				select {
				case client.send <- message:
				default:
					// client's send channel is full, skip
				}
			}
			p.mutex.RUnlock()

		case d := <-p.direct:
			p.mutex.RLock()
			if p.clients[d.client] {
				select {
				case d.client.send <- d.message:
				default:
				}
			}
			p.mutex.RUnlock()
		}
	}
}

// Broadcast queues an event for every connected client.  It is a
// no-op once the pool has stopped.
func (p *Pool) Broadcast(message interface{}) {
	select {
	case p.broadcast <- message:
	case <-p.done:
	}
}

// Len returns the number of connected clients.
func (p *Pool) Len() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.clients)
}

// join registers a client.  It returns false if the pool has stopped.
func (p *Pool) join(c *wsClient) bool {
	select {
	case p.register <- c:
		return true
	case <-p.done:
		return false
	}
}

// leave unregisters a client.
func (p *Pool) leave(c *wsClient) {
	select {
	case p.unregister <- c:
	case <-p.done:
	}
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan interface{}
	pool *Pool
}

func newWSClient(conn *websocket.Conn, pool *Pool) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan interface{}, 64),
		pool: pool,
	}
}

// writePump writes queued events to the connection and sends periodic
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// pool closed the send channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				log.Printf("websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("websocket ping error: %v", err)
				return
			}
		}
	}
}

// readPump reads client requests until the connection closes, passing
// each one to handle.
func (c *wsClient) readPump(handle func(c *wsClient, msg clientMsg)) {
	defer func() {
		c.pool.leave(c)
		c.conn.Close()
	}()
	for {
		var msg clientMsg
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			return
		}
		handle(c, msg)
	}
}

// clientMsg is a request sent by a WebSocket client.
type clientMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// reply queues a message for this client only.
func (c *wsClient) reply(message interface{}) {
	select {
	case c.pool.direct <- directMsg{client: c, message: message}:
	case <-c.pool.done:
	}
}
