package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Local storage layout: one sqlite database per store id, named
// `livestore-<storeId>.db` under the data directory. The deterministic prefix
// makes "does local data exist for id X" and "delete local data for id X"
// simple filename operations, which the purge coordinator relies on.

const dbFilePrefix = "livestore-"

// DBPath returns the sqlite file path for a store id under dir.
func DBPath(dir, storeID string) string {
	return filepath.Join(dir, dbFilePrefix+storeID+".db")
}

// DSNForFile builds a sqlite DSN with WAL and a busy timeout, so concurrent
// readers don't trip over the single writer.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("eventlog: empty db path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// HasLocalData reports whether any persisted storage exists for the store id.
func HasLocalData(dir, storeID string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, dbFilePrefix+storeID+".db*"))
	if err != nil {
		return false
	}
	return len(matches) > 0
}

// DeleteLocalData removes every on-disk file belonging to the store id,
// including the WAL and shm sidecars. Missing files are not an error.
func DeleteLocalData(dir, storeID string) error {
	matches, err := filepath.Glob(filepath.Join(dir, dbFilePrefix+storeID+".db*"))
	if err != nil {
		return errors.Wrap(err, "eventlog: enumerate local data")
	}
	for _, m := range matches {
		if !strings.HasPrefix(filepath.Base(m), dbFilePrefix+storeID+".db") {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "eventlog: delete %s", m)
		}
	}
	return nil
}
