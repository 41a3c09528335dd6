package rooms

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const docFilePrefix = "room-"

// Registry is the client-side counterpart of the Hub: one append-only
// document file per joined room, kept under a local data directory so the
// editor works offline.
type Registry struct {
	dir      string
	mu       sync.Mutex
	sessions map[string]*DocSession
}

// DocSession is an open handle on one room's local document file.
type DocSession struct {
	roomID string
	path   string
	mu     sync.Mutex
	f      *os.File
}

// NewRegistry creates a registry rooted at dir.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "rooms: create data dir")
	}
	return &Registry{dir: dir, sessions: map[string]*DocSession{}}, nil
}

// DocPath returns the document file for a room id.
func (r *Registry) DocPath(roomID string) string {
	return filepath.Join(r.dir, docFilePrefix+roomID+".doc")
}

// Open returns the session for a room, creating the backing file on first
// use. Repeated calls share one session.
func (r *Registry) Open(roomID string) (*DocSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[roomID]; ok {
		return s, nil
	}
	path := r.DocPath(roomID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "rooms: open doc %s", roomID)
	}
	s := &DocSession{roomID: roomID, path: path, f: f}
	r.sessions[roomID] = s
	return s, nil
}

// HasData reports whether a local document exists for the room.
func (r *Registry) HasData(roomID string) bool {
	_, err := os.Stat(r.DocPath(roomID))
	return err == nil
}

// AppendUpdate records one opaque update at the end of the document file.
func (s *DocSession) AppendUpdate(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.Errorf("rooms: doc %s is closed", s.roomID)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := s.f.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "rooms: write update header")
	}
	if _, err := s.f.Write(payload); err != nil {
		return errors.Wrap(err, "rooms: write update payload")
	}
	return nil
}

// Updates reads back every update recorded so far, in append order.
func (s *DocSession) Updates() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, errors.Errorf("rooms: doc %s is closed", s.roomID)
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rooms: seek doc")
	}
	var out [][]byte
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(s.f, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "rooms: read update header")
		}
		payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(s.f, payload); err != nil {
			return nil, errors.Wrap(err, "rooms: read update payload")
		}
		out = append(out, payload)
	}
	return out, nil
}

// Close releases the file handle. The document stays on disk.
func (s *DocSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// PurgeByPrefix closes and deletes every local document whose room id
// starts with prefix. Deletion retries briefly in case a handle is still
// being torn down.
func (r *Registry) PurgeByPrefix(prefix string) error {
	r.mu.Lock()
	for id, s := range r.sessions {
		if strings.HasPrefix(id, prefix) {
			_ = s.Close()
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	pattern := filepath.Join(r.dir, docFilePrefix+prefix+"*.doc")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "rooms: glob docs")
	}
	for _, path := range matches {
		if err := removeWithRetry(path); err != nil {
			log.Warn().Err(err).Str("component", "rooms").Str("path", path).Msg("could not delete room doc")
		}
	}
	return nil
}

// removeWithRetry deletes a file, backing off a few times on transient
// errors before giving up.
func removeWithRetry(path string) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
	}
	return err
}

// Close tears down every open session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		_ = s.Close()
		delete(r.sessions, id)
	}
}
