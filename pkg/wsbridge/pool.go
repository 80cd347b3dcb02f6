package wsbridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// wsConn is the part of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type client struct {
	conn wsConn
	send chan []byte
	done chan struct{}
}

// ConnectionPool fans frames out to websocket clients. Every client has its
// own writer goroutine and bounded queue; a client whose queue is full or
// whose write fails is dropped.
type ConnectionPool struct {
	name         string
	sendBuffer   int
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[wsConn]*client
}

func NewConnectionPool(name string) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		clients:      map[wsConn]*client{},
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, cp.sendBuffer), done: make(chan struct{})}
	cp.mu.Lock()
	cp.clients[conn] = c
	cp.mu.Unlock()
	go cp.writeLoop(c)
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	if ok {
		cp.dropLocked(c)
	}
	cp.mu.Unlock()
	if !ok {
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, c := range cp.clients {
		cp.enqueueLocked(c, data)
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if c, ok := cp.clients[conn]; ok {
		cp.enqueueLocked(c, data)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for _, c := range cp.clients {
		cp.dropLocked(c)
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) enqueueLocked(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		log.Warn().Str("component", "wsbridge").Str("pool", cp.name).Msg("ws send buffer full, dropping connection")
		cp.dropLocked(c)
	}
}

func (cp *ConnectionPool) dropLocked(c *client) {
	if _, ok := cp.clients[c.conn]; !ok {
		return
	}
	delete(cp.clients, c.conn)
	close(c.done)
	_ = c.conn.Close()
}

func (cp *ConnectionPool) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if cp.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "wsbridge").Str("pool", cp.name).Msg("ws write failed, dropping connection")
				cp.mu.Lock()
				cp.dropLocked(c)
				cp.mu.Unlock()
				return
			}
		}
	}
}
