package syncd

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/dono-app/dono/pkg/eventlog"
)

// actorStorage is the authoritative log owned by one sync actor. The actor is
// the sole mutator; replicas never touch it directly.
type actorStorage struct {
	storeID string
	dir     string
	path    string
	db      *sql.DB
}

const backendFilePrefix = "sync-"

func backendDBPath(dir, storeID string) string {
	return filepath.Join(dir, backendFilePrefix+storeID+".db")
}

func openActorStorage(dir, storeID string) (*actorStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "syncd: create data dir")
	}
	path := backendDBPath(dir, storeID)
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "syncd: open actor storage")
	}
	st := &actorStorage{storeID: storeID, dir: dir, path: path, db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
		  global_seq INTEGER PRIMARY KEY,
		  name TEXT NOT NULL,
		  args TEXT NOT NULL
		);
	`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "syncd: migrate actor storage")
	}
	return st, nil
}

func (st *actorStorage) head() (int64, error) {
	var head int64
	err := st.db.QueryRow(`SELECT COALESCE(MAX(global_seq), 0) FROM events`).Scan(&head)
	if err != nil {
		return 0, errors.Wrap(err, "syncd: query head")
	}
	return head, nil
}

// append assigns contiguous global sequence numbers starting after head and
// stores the batch transactionally. Returns the sequenced events.
func (st *actorStorage) append(head int64, events []eventlog.Event) ([]eventlog.Event, error) {
	tx, err := st.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "syncd: begin append")
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]eventlog.Event, 0, len(events))
	for i, e := range events {
		e.Seq.Global = head + int64(i) + 1
		if _, err := tx.Exec(`INSERT INTO events(global_seq, name, args) VALUES(?, ?, ?)`,
			e.Seq.Global, e.Name, string(e.Args)); err != nil {
			return nil, errors.Wrapf(err, "syncd: append %s", e.Name)
		}
		out = append(out, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "syncd: commit append")
	}
	return out, nil
}

func (st *actorStorage) eventsSince(fromGlobal int64) ([]eventlog.Event, error) {
	rows, err := st.db.Query(`
		SELECT global_seq, name, args FROM events WHERE global_seq > ? ORDER BY global_seq ASC
	`, fromGlobal)
	if err != nil {
		return nil, errors.Wrap(err, "syncd: query events")
	}
	defer func() { _ = rows.Close() }()

	var out []eventlog.Event
	for rows.Next() {
		var e eventlog.Event
		var args string
		if err := rows.Scan(&e.Seq.Global, &e.Name, &args); err != nil {
			return nil, errors.Wrap(err, "syncd: scan event")
		}
		e.Args = json.RawMessage(args)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "syncd: iterate events")
}

func (st *actorStorage) eventCount() (int64, error) {
	var n int64
	err := st.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, errors.Wrap(err, "syncd: count events")
}

func (st *actorStorage) close() error {
	if st == nil || st.db == nil {
		return nil
	}
	err := st.db.Close()
	st.db = nil
	return err
}

// destroy closes the database and removes its files, WAL sidecars included.
// Idempotent: missing files are fine.
func (st *actorStorage) destroy() error {
	if st == nil {
		return nil
	}
	_ = st.close()
	matches, err := filepath.Glob(st.path + "*")
	if err != nil {
		return errors.Wrap(err, "syncd: enumerate storage files")
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "syncd: delete %s", m)
		}
	}
	return nil
}
