package commands

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/storeid"
)

const (
	testUserID  = "V1StGXR8_Z5jdHi6B-myT"
	testNovelID = "bQpF3kLm9xWzYvN2aCd7E"
)

func openUserStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(t.TempDir(), storeid.MakeUserStoreID(testUserID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openNovelStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(t.TempDir(), storeid.MakeNovelStoreID(testUserID, testNovelID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNovelLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openUserStore(t)

	created, err := CreateNovel(ctx, store, "My Novel")
	require.NoError(t, err)
	require.Len(t, created.ID, 21)

	require.NoError(t, RenameNovel(ctx, store, created.ID, "Renamed"))
	require.NoError(t, TouchNovel(ctx, store, created.ID))

	n, ok, err := store.NovelByID(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Renamed", n.Title)
	require.NotNil(t, n.LastAccessed)

	require.NoError(t, DeleteNovel(ctx, store, created.ID))
	require.NoError(t, RestoreNovel(ctx, store, created.ID))
	n, _, err = store.NovelByID(ctx, created.ID)
	require.NoError(t, err)
	require.Nil(t, n.Deleted)
}

func TestPurgeNovelRequiresSoftDelete(t *testing.T) {
	ctx := context.Background()
	store := openUserStore(t)

	created, err := CreateNovel(ctx, store, "Keeper")
	require.NoError(t, err)

	// Not soft-deleted and not forced.
	err = PurgeNovel(ctx, store, created.ID, false)
	require.ErrorIs(t, err, ErrNotSoftDeleted)

	require.NoError(t, DeleteNovel(ctx, store, created.ID))
	require.NoError(t, PurgeNovel(ctx, store, created.ID, false))

	_, ok, err := store.NovelByID(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPurgeNovelForce(t *testing.T) {
	ctx := context.Background()
	store := openUserStore(t)

	created, err := CreateNovel(ctx, store, "Condemned")
	require.NoError(t, err)
	require.NoError(t, PurgeNovel(ctx, store, created.ID, true))

	require.Error(t, PurgeNovel(ctx, store, "missing-novel-id", true))
}

func TestChapterOrdering(t *testing.T) {
	ctx := context.Background()
	store := openNovelStore(t)

	vol, err := CreateVolume(ctx, store, "Volume One")
	require.NoError(t, err)

	first, err := CreateChapter(ctx, store, vol.ID, "One")
	require.NoError(t, err)
	second, err := CreateChapter(ctx, store, vol.ID, "Two")
	require.NoError(t, err)
	third, err := CreateChapter(ctx, store, vol.ID, "Three")
	require.NoError(t, err)
	require.Less(t, first.Order, second.Order)
	require.Less(t, second.Order, third.Order)

	// Move the third chapter between the first and second.
	require.NoError(t, MoveChapter(ctx, store, third.ID, first.Order, second.Order))

	chapters, err := store.Chapters(ctx, vol.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 3)
	require.Equal(t, []string{first.ID, third.ID, second.ID}, []string{chapters[0].ID, chapters[1].ID, chapters[2].ID})

	require.NoError(t, DeleteChapter(ctx, store, second.ID))
	chapters, err = store.Chapters(ctx, vol.ID)
	require.NoError(t, err)
	require.Len(t, chapters, 2)
}

func TestChapterEdits(t *testing.T) {
	ctx := context.Background()
	store := openNovelStore(t)

	vol, err := CreateVolume(ctx, store, "V")
	require.NoError(t, err)
	ch, err := CreateChapter(ctx, store, vol.ID, "Draft")
	require.NoError(t, err)

	require.NoError(t, RenameChapter(ctx, store, ch.ID, "Final"))
	require.NoError(t, UpdateChapterBody(ctx, store, ch.ID, "It was a dark and stormy night."))

	got, ok, err := store.ChapterByID(ctx, ch.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Final", got.Title)
	require.Contains(t, got.Body, "stormy")

	require.NoError(t, RenameVolume(ctx, store, vol.ID, "Volume I"))
	require.NoError(t, DeleteVolume(ctx, store, vol.ID))
	vols, err := store.Volumes(ctx)
	require.NoError(t, err)
	require.Empty(t, vols)
}
