// Package rooms handles the collaborative-editing boundary. Documents are
// opaque CRDT update blobs keyed by room id; merging is the editor's
// problem. The server side relays updates between a room's clients and
// persists them; the client side keeps one local document file per room.
package rooms

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Hub is the server-side registry of live rooms, created lazily on first
// join and addressed by room id.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
	db    *sql.DB
}

type room struct {
	id    string
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub opens the hub with persisted room updates stored under dir.
func NewHub(dir string) (*Hub, error) {
	path := filepath.Join(dir, "rooms.db")
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "rooms: open hub db")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS room_update (
		  room_id TEXT NOT NULL,
		  seq INTEGER NOT NULL,
		  payload BLOB NOT NULL,
		  PRIMARY KEY (room_id, seq)
		);
	`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "rooms: migrate hub db")
	}
	return &Hub{rooms: map[string]*room{}, db: db}, nil
}

func (h *Hub) getOrCreate(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r
	}
	r := &room{id: roomID, conns: map[*websocket.Conn]struct{}{}}
	h.rooms[roomID] = r
	return r
}

// Attach joins a connection to a room, replaying the persisted document
// updates to it first so a late joiner converges.
func (h *Hub) Attach(roomID string, conn *websocket.Conn) error {
	updates, err := h.updates(roomID)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := conn.WriteMessage(websocket.BinaryMessage, u); err != nil {
			return errors.Wrap(err, "rooms: replay updates")
		}
	}
	r := h.getOrCreate(roomID)
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Detach removes a connection from a room.
func (h *Hub) Detach(roomID string, conn *websocket.Conn) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	_ = conn.Close()
}

// HandleUpdate persists one opaque update and relays it to every other
// client of the room.
func (h *Hub) HandleUpdate(roomID string, from *websocket.Conn, payload []byte) error {
	if _, err := h.db.Exec(`
		INSERT INTO room_update(room_id, seq, payload)
		VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM room_update WHERE room_id = ?), ?)
	`, roomID, roomID, payload); err != nil {
		return errors.Wrap(err, "rooms: persist update")
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	for conn := range r.conns {
		if conn == from {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			log.Warn().Err(err).Str("component", "rooms").Str("room_id", roomID).Msg("relay failed, dropping connection")
			delete(r.conns, conn)
			_ = conn.Close()
		}
	}
	r.mu.Unlock()
	return nil
}

func (h *Hub) updates(roomID string) ([][]byte, error) {
	rows, err := h.db.Query(`SELECT payload FROM room_update WHERE room_id = ? ORDER BY seq ASC`, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "rooms: query updates")
	}
	defer func() { _ = rows.Close() }()
	var out [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, errors.Wrap(err, "rooms: scan update")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "rooms: iterate updates")
}

// UpdateCount reports the persisted update count for one room.
func (h *Hub) UpdateCount(roomID string) (int, error) {
	var n int
	err := h.db.QueryRow(`SELECT COUNT(*) FROM room_update WHERE room_id = ?`, roomID).Scan(&n)
	return n, errors.Wrap(err, "rooms: count updates")
}

// PurgeByPrefix force-closes every live room whose id starts with prefix and
// deletes their persisted updates. Returns how many connections were closed.
func (h *Hub) PurgeByPrefix(prefix string) (int, error) {
	h.mu.Lock()
	victims := make([]*room, 0)
	for id, r := range h.rooms {
		if strings.HasPrefix(id, prefix) {
			victims = append(victims, r)
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()

	closed := 0
	for _, r := range victims {
		r.mu.Lock()
		for conn := range r.conns {
			_ = conn.Close()
			delete(r.conns, conn)
			closed++
		}
		r.mu.Unlock()
	}

	if _, err := h.db.Exec(`DELETE FROM room_update WHERE room_id LIKE ? ESCAPE '\'`, likePrefix(prefix)); err != nil {
		return closed, errors.Wrap(err, "rooms: purge updates")
	}
	return closed, nil
}

// likePrefix escapes LIKE metacharacters so a prefix match stays literal.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

// Close releases the hub database.
func (h *Hub) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
