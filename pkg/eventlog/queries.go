package eventlog

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Queries are pure reads of the materialized tables: synchronous, no network
// I/O, read-after-write consistent within one store handle.

// Novel is a materialized row in the tenant-root store. Deleted is a soft
// delete marker: the row stays queryable by id until the novel is purged.
type Novel struct {
	ID           string
	Title        string
	Created      int64
	Modified     int64
	LastAccessed *int64
	Deleted      *int64
}

// Volume is a materialized row in a novel store.
type Volume struct {
	ID       string
	Title    string
	Created  int64
	Modified int64
	Deleted  *int64
}

// Chapter is a materialized row in a novel store. Order is a fractional
// index key; sorting by it lexicographically yields the display order.
type Chapter struct {
	ID       string
	VolumeID string
	Title    string
	Body     string
	Order    string
	Created  int64
	Modified int64
	Deleted  *int64
}

// UIState is the session-local client document. LastNovelPurgeGlobalSeq is
// the purge coordinator's watermark; it never decreases.
type UIState struct {
	LastAccessedNovelID     string
	LastNovelPurgeGlobalSeq int64
}

// Novels lists novels, hiding soft-deleted rows unless includeDeleted is set.
func (s *Store) Novels(ctx context.Context, includeDeleted bool) ([]Novel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("eventlog: store is closed")
	}
	q := `SELECT id, title, created, modified, last_accessed, deleted FROM novel`
	if !includeDeleted {
		q += ` WHERE deleted IS NULL`
	}
	q += ` ORDER BY modified DESC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: query novels")
	}
	defer func() { _ = rows.Close() }()

	var out []Novel
	for rows.Next() {
		var n Novel
		if err := rows.Scan(&n.ID, &n.Title, &n.Created, &n.Modified, &n.LastAccessed, &n.Deleted); err != nil {
			return nil, errors.Wrap(err, "eventlog: scan novel")
		}
		out = append(out, n)
	}
	return out, errors.Wrap(rows.Err(), "eventlog: iterate novels")
}

// NovelByID returns one novel row regardless of soft-delete state.
func (s *Store) NovelByID(ctx context.Context, id string) (Novel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Novel{}, false, errors.New("eventlog: store is closed")
	}
	var n Novel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created, modified, last_accessed, deleted FROM novel WHERE id = ?
	`, id).Scan(&n.ID, &n.Title, &n.Created, &n.Modified, &n.LastAccessed, &n.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Novel{}, false, nil
	}
	if err != nil {
		return Novel{}, false, errors.Wrap(err, "eventlog: query novel")
	}
	return n, true, nil
}

// Volumes lists live volumes in creation order.
func (s *Store) Volumes(ctx context.Context) ([]Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("eventlog: store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created, modified, deleted FROM volume
		WHERE deleted IS NULL ORDER BY created ASC, id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: query volumes")
	}
	defer func() { _ = rows.Close() }()

	var out []Volume
	for rows.Next() {
		var v Volume
		if err := rows.Scan(&v.ID, &v.Title, &v.Created, &v.Modified, &v.Deleted); err != nil {
			return nil, errors.Wrap(err, "eventlog: scan volume")
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "eventlog: iterate volumes")
}

// Chapters lists live chapters of one volume in fractional-index order.
func (s *Store) Chapters(ctx context.Context, volumeID string) ([]Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("eventlog: store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, volume_id, title, body, "order", created, modified, deleted FROM chapter
		WHERE volume_id = ? AND deleted IS NULL ORDER BY "order" ASC, id ASC
	`, volumeID)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: query chapters")
	}
	defer func() { _ = rows.Close() }()

	var out []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.ID, &c.VolumeID, &c.Title, &c.Body, &c.Order, &c.Created, &c.Modified, &c.Deleted); err != nil {
			return nil, errors.Wrap(err, "eventlog: scan chapter")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "eventlog: iterate chapters")
}

// ChapterByID returns one chapter row regardless of soft-delete state.
func (s *Store) ChapterByID(ctx context.Context, id string) (Chapter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Chapter{}, false, errors.New("eventlog: store is closed")
	}
	var c Chapter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, volume_id, title, body, "order", created, modified, deleted FROM chapter WHERE id = ?
	`, id).Scan(&c.ID, &c.VolumeID, &c.Title, &c.Body, &c.Order, &c.Created, &c.Modified, &c.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Chapter{}, false, nil
	}
	if err != nil {
		return Chapter{}, false, errors.Wrap(err, "eventlog: query chapter")
	}
	return c, true, nil
}

// MaxChapterOrder returns the highest order key within a volume, or "" when
// the volume has no live chapters.
func (s *Store) MaxChapterOrder(ctx context.Context, volumeID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", errors.New("eventlog: store is closed")
	}
	var order sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX("order") FROM chapter WHERE volume_id = ? AND deleted IS NULL
	`, volumeID).Scan(&order)
	if err != nil {
		return "", errors.Wrap(err, "eventlog: query max chapter order")
	}
	return order.String, nil
}

// GetUIState reads the session document, returning the zero value on first
// open (watermark 0).
func (s *Store) GetUIState(ctx context.Context) (UIState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return UIState{}, errors.New("eventlog: store is closed")
	}
	var st UIState
	err := s.db.QueryRowContext(ctx, `
		SELECT last_accessed_novel_id, last_novel_purge_global_seq FROM ui_state WHERE session_id = ?
	`, s.sessionID).Scan(&st.LastAccessedNovelID, &st.LastNovelPurgeGlobalSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return UIState{}, nil
	}
	if err != nil {
		return UIState{}, errors.Wrap(err, "eventlog: query ui state")
	}
	return st, nil
}

// SetUIState upserts the session document. The purge watermark is monotone:
// a smaller value never overwrites a larger one.
func (s *Store) SetUIState(ctx context.Context, st UIState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("eventlog: store is closed")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ui_state(session_id, last_accessed_novel_id, last_novel_purge_global_seq)
		VALUES(?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
		  last_accessed_novel_id = excluded.last_accessed_novel_id,
		  last_novel_purge_global_seq = CASE
		    WHEN excluded.last_novel_purge_global_seq > ui_state.last_novel_purge_global_seq
		    THEN excluded.last_novel_purge_global_seq
		    ELSE ui_state.last_novel_purge_global_seq
		  END
	`, s.sessionID, st.LastAccessedNovelID, st.LastNovelPurgeGlobalSeq)
	return errors.Wrap(err, "eventlog: upsert ui state")
}
