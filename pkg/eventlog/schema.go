package eventlog

import (
	"github.com/pkg/errors"

	"github.com/dono-app/dono/pkg/storeid"
)

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS eventlog (
		  local_seq INTEGER PRIMARY KEY,
		  global_seq INTEGER NOT NULL,
		  acked INTEGER NOT NULL DEFAULT 0,
		  name TEXT NOT NULL,
		  args TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS eventlog_by_global ON eventlog(global_seq);`,
		`CREATE INDEX IF NOT EXISTS eventlog_pending ON eventlog(acked, local_seq);`,
	}
	switch s.parsed.Kind {
	case storeid.KindUser:
		stmts = append(stmts,
			`CREATE TABLE IF NOT EXISTS novel (
			  id TEXT PRIMARY KEY,
			  title TEXT NOT NULL DEFAULT '',
			  created INTEGER NOT NULL,
			  modified INTEGER NOT NULL,
			  last_accessed INTEGER,
			  deleted INTEGER
			);`,
			`CREATE TABLE IF NOT EXISTS ui_state (
			  session_id TEXT PRIMARY KEY,
			  last_accessed_novel_id TEXT NOT NULL DEFAULT '',
			  last_novel_purge_global_seq INTEGER NOT NULL DEFAULT 0
			);`,
		)
	case storeid.KindNovel:
		stmts = append(stmts,
			`CREATE TABLE IF NOT EXISTS volume (
			  id TEXT PRIMARY KEY,
			  novel_id TEXT NOT NULL DEFAULT '',
			  title TEXT NOT NULL DEFAULT '',
			  created INTEGER NOT NULL,
			  modified INTEGER NOT NULL,
			  deleted INTEGER
			);`,
			`CREATE TABLE IF NOT EXISTS chapter (
			  id TEXT PRIMARY KEY,
			  volume_id TEXT NOT NULL,
			  title TEXT NOT NULL DEFAULT '',
			  body TEXT NOT NULL DEFAULT '',
			  "order" TEXT NOT NULL DEFAULT '',
			  created INTEGER NOT NULL,
			  modified INTEGER NOT NULL,
			  deleted INTEGER
			);`,
			`CREATE INDEX IF NOT EXISTS chapter_order ON chapter("order");`,
			`CREATE INDEX IF NOT EXISTS chapter_by_volume ON chapter(volume_id);`,
		)
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "eventlog: migrate")
		}
	}
	return nil
}

// materializedTables lists the derived tables per store kind. ui_state is a
// session document, not a projection of the log, so it is not rebuilt.
func materializedTables(kind storeid.Kind) []string {
	switch kind {
	case storeid.KindUser:
		return []string{"novel"}
	case storeid.KindNovel:
		return []string{"volume", "chapter"}
	default:
		return nil
	}
}
