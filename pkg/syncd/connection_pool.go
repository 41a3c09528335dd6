package syncd

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionPool manages the websocket replicas attached to one store actor.
// It centralizes broadcasting, error handling, and forced close so the actor
// logic stays small.
type ConnectionPool struct {
	storeID string
	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

func NewConnectionPool(storeID string) *ConnectionPool {
	return &ConnectionPool{
		storeID: storeID,
		conns:   map[*websocket.Conn]struct{}{},
	}
}

func (cp *ConnectionPool) Add(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn *websocket.Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = conn.Close()
}

// Broadcast writes a text frame to every connection except the sender.
// Connections that fail to write are dropped from the pool.
func (cp *ConnectionPool) Broadcast(data []byte, except *websocket.Conn) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		if conn == except {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "syncd").Str("store_id", cp.storeID).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

// CloseAllWithCode force-closes every attached connection with the given
// close code and reason, returning how many were closed. Used by purge.
func (cp *ConnectionPool) CloseAllWithCode(code int, reason string) int {
	if cp == nil {
		return 0
	}
	deadline := time.Now().Add(time.Second)
	cp.mu.Lock()
	closed := 0
	for conn := range cp.conns {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = conn.Close()
		delete(cp.conns, conn)
		closed++
	}
	cp.mu.Unlock()
	return closed
}
