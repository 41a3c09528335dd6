package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dono-app/dono/pkg/storeid"
	"github.com/dono-app/dono/pkg/streambackend"
)

// Store is one local replica of an event-sourced store. Access is serialized
// per store: commits and remote applies take the store mutex, so a single
// logical task drives each store id.
type Store struct {
	storeID   string
	parsed    storeid.ParsedStoreID
	path      string
	sessionID string

	mu sync.Mutex
	db *sql.DB

	pubsub streambackend.PubSub
	owned  bool // pubsub created by Open, closed with the store
}

// Option configures a Store at open time.
type Option func(*Store)

// WithPubSub injects a shared stream transport. Without it the store owns an
// in-process gochannel transport.
func WithPubSub(ps streambackend.PubSub) Option {
	return func(s *Store) {
		s.pubsub = ps
		s.owned = false
	}
}

// WithSessionID pins the session-local document key (ui_state row). Sessions
// that must survive restarts, like the purge coordinator, pass a stable id.
func WithSessionID(id string) Option {
	return func(s *Store) { s.sessionID = id }
}

// topicForStore computes the event stream topic for a store.
func topicForStore(storeID string) string { return "store:" + storeID }

// Open opens (creating if needed) the local replica for the given store id
// under dir. The store id must parse to a known kind.
func Open(dir, storeID string, opts ...Option) (*Store, error) {
	parsed := storeid.ParseStoreID(storeID)
	if parsed.Kind == storeid.KindUnknown {
		return nil, errors.Errorf("eventlog: unknown store id %q", storeID)
	}
	if dir == "" {
		return nil, errors.New("eventlog: empty data dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "eventlog: create data dir")
	}
	path := DBPath(dir, storeID)
	dsn, err := DSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: open db")
	}
	s := &Store{
		storeID:   storeID,
		parsed:    parsed,
		path:      path,
		sessionID: "local",
		db:        db,
		owned:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pubsub == nil {
		s.pubsub = streambackend.NewInMemory()
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// StoreID returns the id this replica was opened for.
func (s *Store) StoreID() string { return s.storeID }

// Path returns the sqlite file backing this replica.
func (s *Store) Path() string { return s.path }

// Close closes the database and, when owned, the stream transport. Safe to
// call twice.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if s.owned && s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	return err
}

// Shutdown closes the store and removes its persisted storage. Used by the
// purge coordinator; idempotent.
func (s *Store) Shutdown() error {
	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return err
	}
	return DeleteLocalData(filepath.Dir(s.path), s.storeID)
}

// Commit appends events transactionally to the local log and applies them to
// the materialized tables before returning. The returned events carry their
// assigned sequence numbers: Local is authoritative for this replica, Global
// is provisional until the sync actor acknowledges the push.
func (s *Store) Commit(ctx context.Context, events ...Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("eventlog: store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: begin commit")
	}
	defer func() { _ = tx.Rollback() }()

	var maxLocal, maxGlobal int64
	_ = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(local_seq), 0), COALESCE(MAX(global_seq), 0) FROM eventlog`).
		Scan(&maxLocal, &maxGlobal)

	out := make([]Event, 0, len(events))
	for i, e := range events {
		e.Seq.Local = maxLocal + int64(i) + 1
		e.Seq.Global = maxGlobal + int64(i) + 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO eventlog(local_seq, global_seq, acked, name, args)
			VALUES(?, ?, 0, ?, ?)
		`, e.Seq.Local, e.Seq.Global, e.Name, string(e.Args)); err != nil {
			return nil, errors.Wrapf(err, "eventlog: append %s", e.Name)
		}
		if err := applyEvent(ctx, tx, e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "eventlog: commit")
	}

	s.publish(out)
	return out, nil
}

// ApplyRemote applies events pulled from the authoritative actor. Events
// whose global sequence is already present are skipped, which makes replay
// after reconnect idempotent. Pending local events whose provisional global
// numbers collide with the incoming batch are shifted past it.
func (s *Store) ApplyRemote(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("eventlog: store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "eventlog: begin remote apply")
	}
	defer func() { _ = tx.Rollback() }()

	lastGlobal := events[len(events)-1].Seq.Global
	var minPending sql.NullInt64
	_ = tx.QueryRowContext(ctx, `SELECT MIN(global_seq) FROM eventlog WHERE acked = 0`).Scan(&minPending)
	if minPending.Valid && minPending.Int64 <= lastGlobal {
		shift := lastGlobal - minPending.Int64 + 1
		if _, err := tx.ExecContext(ctx, `UPDATE eventlog SET global_seq = global_seq + ? WHERE acked = 0`, shift); err != nil {
			return errors.Wrap(err, "eventlog: shift pending events")
		}
	}

	applied := make([]Event, 0, len(events))
	var maxLocal int64
	_ = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(local_seq), 0) FROM eventlog`).Scan(&maxLocal)
	for _, e := range events {
		var exists int
		_ = tx.QueryRowContext(ctx, `SELECT 1 FROM eventlog WHERE global_seq = ? AND acked = 1`, e.Seq.Global).Scan(&exists)
		if exists == 1 {
			continue
		}
		maxLocal++
		e.Seq.Local = maxLocal
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO eventlog(local_seq, global_seq, acked, name, args)
			VALUES(?, ?, 1, ?, ?)
		`, e.Seq.Local, e.Seq.Global, e.Name, string(e.Args)); err != nil {
			return errors.Wrapf(err, "eventlog: apply remote %s", e.Name)
		}
		if err := applyEvent(ctx, tx, e); err != nil {
			return err
		}
		applied = append(applied, e)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "eventlog: commit remote apply")
	}

	s.publish(applied)
	return nil
}

// AckPush records the actor-assigned global sequence numbers for a pushed
// batch of local events, identified by local sequence number in order.
func (s *Store) AckPush(ctx context.Context, localSeqs []int64, firstGlobal int64) error {
	if len(localSeqs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("eventlog: store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "eventlog: begin ack")
	}
	defer func() { _ = tx.Rollback() }()

	for i, local := range localSeqs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE eventlog SET global_seq = ?, acked = 1 WHERE local_seq = ? AND acked = 0
		`, firstGlobal+int64(i), local); err != nil {
			return errors.Wrap(err, "eventlog: ack push")
		}
	}
	return errors.Wrap(tx.Commit(), "eventlog: commit ack")
}

// PendingEvents returns committed events not yet acknowledged by the actor,
// in local order. These are what the sync client pushes.
func (s *Store) PendingEvents(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("eventlog: store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_seq, global_seq, name, args FROM eventlog
		WHERE acked = 0 ORDER BY local_seq ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: query pending")
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// Head returns the highest acknowledged global sequence number, i.e. where a
// pull from the actor should resume.
func (s *Store) Head(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, errors.New("eventlog: store is closed")
	}
	var head int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(global_seq), 0) FROM eventlog WHERE acked = 1`).Scan(&head)
	if err != nil {
		return 0, errors.Wrap(err, "eventlog: query head")
	}
	return head, nil
}

// Rebuild drops the materialized tables and replays the full log from empty
// state. The log is the source of truth; the tables are a disposable cache.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("eventlog: store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "eventlog: begin rebuild")
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range materializedTables(s.parsed.Kind) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return errors.Wrapf(err, "eventlog: clear %s", table)
		}
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT local_seq, global_seq, name, args FROM eventlog ORDER BY global_seq ASC, local_seq ASC
	`)
	if err != nil {
		return errors.Wrap(err, "eventlog: read log for rebuild")
	}
	events, err := scanEvents(rows)
	_ = rows.Close()
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := applyEvent(ctx, tx, e); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "eventlog: commit rebuild")
}

func (s *Store) publish(events []Event) {
	if s.pubsub == nil || len(events) == 0 {
		return
	}
	topic := topicForStore(s.storeID)
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			log.Warn().Err(err).Str("component", "eventlog").Str("store_id", s.storeID).Msg("failed to encode event for publish")
			continue
		}
		msg := message.NewMessage(uuidString(), payload)
		if err := s.pubsub.Publisher().Publish(topic, msg); err != nil {
			log.Warn().Err(err).Str("component", "eventlog").Str("store_id", s.storeID).Str("event", e.Name).Msg("event publish failed")
		}
	}
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var args string
		if err := rows.Scan(&e.Seq.Local, &e.Seq.Global, &e.Name, &args); err != nil {
			return nil, errors.Wrap(err, "eventlog: scan event")
		}
		e.Args = json.RawMessage(args)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "eventlog: iterate events")
	}
	return out, nil
}
