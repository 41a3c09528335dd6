// Package commands builds and commits the domain events behind every user
// mutation. Each command validates against the materialized view, constructs
// the typed event, and commits it to the store's log.
package commands

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/storeid"
)

// ErrNotSoftDeleted is returned when a purge is requested for a novel that
// was never soft-deleted and force was not set.
var ErrNotSoftDeleted = errors.New("commands: novel is not soft-deleted")

func nowMillis() int64 { return time.Now().UnixMilli() }

func commitOne(ctx context.Context, store *eventlog.Store, name string, args any) error {
	e, err := eventlog.NewEvent(name, args)
	if err != nil {
		return err
	}
	_, err = store.Commit(ctx, e)
	return err
}

// CreateNovel commits a NovelCreated event to the tenant-root store and
// returns the new novel's args.
func CreateNovel(ctx context.Context, userStore *eventlog.Store, title string) (eventlog.NovelCreatedArgs, error) {
	id, err := storeid.NewID()
	if err != nil {
		return eventlog.NovelCreatedArgs{}, err
	}
	now := nowMillis()
	args := eventlog.NovelCreatedArgs{ID: id, Title: title, Created: now, Modified: now}
	return args, commitOne(ctx, userStore, eventlog.EventNovelCreated, args)
}

func RenameNovel(ctx context.Context, userStore *eventlog.Store, novelID, title string) error {
	return commitOne(ctx, userStore, eventlog.EventNovelTitleUpdated,
		eventlog.NovelTitleUpdatedArgs{ID: novelID, Title: title, Modified: nowMillis()})
}

// DeleteNovel soft-deletes: the novel is hidden from default queries but its
// id and history remain until a purge.
func DeleteNovel(ctx context.Context, userStore *eventlog.Store, novelID string) error {
	return commitOne(ctx, userStore, eventlog.EventNovelDeleted,
		eventlog.NovelDeletedArgs{ID: novelID, Deleted: nowMillis()})
}

func RestoreNovel(ctx context.Context, userStore *eventlog.Store, novelID string) error {
	return commitOne(ctx, userStore, eventlog.EventNovelRestored,
		eventlog.NovelRestoredArgs{ID: novelID, Modified: nowMillis()})
}

// TouchNovel records last access, used for the recents list.
func TouchNovel(ctx context.Context, userStore *eventlog.Store, novelID string) error {
	return commitOne(ctx, userStore, eventlog.EventNovelAccessed,
		eventlog.NovelAccessedArgs{ID: novelID, LastAccessed: nowMillis()})
}

// PurgeNovel commits the NovelPurged event that triggers cascading local and
// remote destruction. A purge is only valid for a novel that is already
// soft-deleted, unless force is set by the owner.
func PurgeNovel(ctx context.Context, userStore *eventlog.Store, novelID string, force bool) error {
	novel, ok, err := userStore.NovelByID(ctx, novelID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("commands: novel %s not found", novelID)
	}
	if novel.Deleted == nil && !force {
		return ErrNotSoftDeleted
	}
	return commitOne(ctx, userStore, eventlog.EventNovelPurged,
		eventlog.NovelPurgedArgs{ID: novelID, Purged: nowMillis()})
}

// CreateVolume commits a VolumeCreated event to a novel store.
func CreateVolume(ctx context.Context, novelStore *eventlog.Store, title string) (eventlog.VolumeCreatedArgs, error) {
	id, err := storeid.NewID()
	if err != nil {
		return eventlog.VolumeCreatedArgs{}, err
	}
	now := nowMillis()
	args := eventlog.VolumeCreatedArgs{ID: id, Title: title, Created: now, Modified: now}
	return args, commitOne(ctx, novelStore, eventlog.EventVolumeCreated, args)
}

func RenameVolume(ctx context.Context, novelStore *eventlog.Store, volumeID, title string) error {
	return commitOne(ctx, novelStore, eventlog.EventVolumeTitleUpdated,
		eventlog.VolumeTitleUpdatedArgs{ID: volumeID, Title: title, Modified: nowMillis()})
}

func DeleteVolume(ctx context.Context, novelStore *eventlog.Store, volumeID string) error {
	return commitOne(ctx, novelStore, eventlog.EventVolumeDeleted,
		eventlog.VolumeDeletedArgs{ID: volumeID, Deleted: nowMillis()})
}

// CreateChapter appends a chapter at the end of a volume, generating its
// fractional-index order key after the current highest.
func CreateChapter(ctx context.Context, novelStore *eventlog.Store, volumeID, title string) (eventlog.ChapterCreatedArgs, error) {
	id, err := storeid.NewID()
	if err != nil {
		return eventlog.ChapterCreatedArgs{}, err
	}
	highest, err := novelStore.MaxChapterOrder(ctx, volumeID)
	if err != nil {
		return eventlog.ChapterCreatedArgs{}, err
	}
	order, err := KeyBetween(highest, "")
	if err != nil {
		return eventlog.ChapterCreatedArgs{}, err
	}
	now := nowMillis()
	args := eventlog.ChapterCreatedArgs{
		ID: id, VolumeID: volumeID, Title: title, Order: order, Created: now, Modified: now,
	}
	return args, commitOne(ctx, novelStore, eventlog.EventChapterCreated, args)
}

func RenameChapter(ctx context.Context, novelStore *eventlog.Store, chapterID, title string) error {
	return commitOne(ctx, novelStore, eventlog.EventChapterTitleUpdated,
		eventlog.ChapterTitleUpdatedArgs{ID: chapterID, Title: title, Modified: nowMillis()})
}

func UpdateChapterBody(ctx context.Context, novelStore *eventlog.Store, chapterID, body string) error {
	return commitOne(ctx, novelStore, eventlog.EventChapterBodyUpdated,
		eventlog.ChapterBodyUpdatedArgs{ID: chapterID, Body: body, Modified: nowMillis()})
}

// MoveChapter reorders a chapter between two neighbors, identified by their
// order keys. Either neighbor key may be empty to move to an edge.
func MoveChapter(ctx context.Context, novelStore *eventlog.Store, chapterID, prevOrder, nextOrder string) error {
	order, err := KeyBetween(prevOrder, nextOrder)
	if err != nil {
		return err
	}
	return commitOne(ctx, novelStore, eventlog.EventChapterMoved,
		eventlog.ChapterMovedArgs{ID: chapterID, Order: order, Modified: nowMillis()})
}

func DeleteChapter(ctx context.Context, novelStore *eventlog.Store, chapterID string) error {
	return commitOne(ctx, novelStore, eventlog.EventChapterDeleted,
		eventlog.ChapterDeletedArgs{ID: chapterID, Deleted: nowMillis()})
}
