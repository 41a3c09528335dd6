package eventlog

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// execer is satisfied by *sql.Tx; materializers always run inside the commit
// transaction so log append and table update are all-or-nothing.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// applyEvent runs the single deterministic reducer for an event kind.
// Applying the same event twice is idempotent at the row level: inserts are
// guarded against duplicate ids, updates and deletes are keyed by id. Unknown
// event names are skipped so older replicas tolerate newer logs.
func applyEvent(ctx context.Context, tx execer, e Event) error {
	var err error
	switch e.Name {
	case EventNovelCreated:
		var a NovelCreatedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO novel(id, title, created, modified) VALUES(?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`, a.ID, a.Title, a.Created, a.Modified)
		}
	case EventNovelTitleUpdated:
		var a NovelTitleUpdatedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE novel SET title = ?, modified = ? WHERE id = ?`, a.Title, a.Modified, a.ID)
		}
	case EventNovelDeleted:
		var a NovelDeletedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE novel SET deleted = ? WHERE id = ?`, a.Deleted, a.ID)
		}
	case EventNovelRestored:
		var a NovelRestoredArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE novel SET deleted = NULL, modified = ? WHERE id = ?`, a.Modified, a.ID)
		}
	case EventNovelAccessed:
		var a NovelAccessedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE novel SET last_accessed = ? WHERE id = ?`, a.LastAccessed, a.ID)
		}
	case EventNovelPurged:
		var a NovelPurgedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM novel WHERE id = ?`, a.ID)
		}

	case EventVolumeCreated:
		var a VolumeCreatedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO volume(id, title, created, modified) VALUES(?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`, a.ID, a.Title, a.Created, a.Modified)
		}
	case EventVolumeTitleUpdated:
		var a VolumeTitleUpdatedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE volume SET title = ?, modified = ? WHERE id = ?`, a.Title, a.Modified, a.ID)
		}
	case EventVolumeDeleted:
		var a VolumeDeletedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE volume SET deleted = ? WHERE id = ?`, a.Deleted, a.ID)
		}

	case EventChapterCreated:
		var a ChapterCreatedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO chapter(id, volume_id, title, "order", created, modified) VALUES(?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`, a.ID, a.VolumeID, a.Title, a.Order, a.Created, a.Modified)
		}
	case EventChapterTitleUpdated:
		var a ChapterTitleUpdatedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE chapter SET title = ?, modified = ? WHERE id = ?`, a.Title, a.Modified, a.ID)
		}
	case EventChapterBodyUpdated:
		var a ChapterBodyUpdatedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE chapter SET body = ?, modified = ? WHERE id = ?`, a.Body, a.Modified, a.ID)
		}
	case EventChapterMoved:
		var a ChapterMovedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE chapter SET "order" = ?, modified = ? WHERE id = ?`, a.Order, a.Modified, a.ID)
		}
	case EventChapterDeleted:
		var a ChapterDeletedArgs
		if err = e.DecodeArgs(&a); err == nil {
			_, err = tx.ExecContext(ctx, `UPDATE chapter SET deleted = ? WHERE id = ?`, a.Deleted, a.ID)
		}
	default:
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "eventlog: materialize %s", e.Name)
	}
	return nil
}
