package syncd

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dono-app/dono/pkg/auth"
	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/storeid"
)

const (
	testUserID  = "V1StGXR8_Z5jdHi6B-myT"
	otherUserID = "bQpF3kLm9xWzYvN2aCd7E"
	testNovelID = "Zz0_AbCdEfGhIjKlMnOpQ"
)

func testResolver() auth.Resolver {
	return auth.NewStaticResolver(map[string]string{
		"owner-token": testUserID,
		"other-token": otherUserID,
	})
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func proposedEvents(t *testing.T, n int) []eventlog.Event {
	t.Helper()
	out := make([]eventlog.Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := eventlog.NewEvent(eventlog.EventNovelAccessed, eventlog.NovelAccessedArgs{
			ID:           testNovelID,
			LastAccessed: time.Now().UnixMilli(),
		})
		require.NoError(t, err)
		e.Seq.Local = int64(i + 1)
		out = append(out, e)
	}
	return out
}

func TestActorPushAssignsContiguousGlobals(t *testing.T) {
	ctx := context.Background()
	a := NewActor(t.TempDir(), storeid.MakeUserStoreID(testUserID), testResolver())
	defer func() { _ = a.Close() }()

	appended, err := a.Push(ctx, bearer("owner-token"), proposedEvents(t, 3), nil)
	require.NoError(t, err)
	require.Len(t, appended, 3)
	for i, e := range appended {
		require.Equal(t, int64(i+1), e.Seq.Global)
	}

	// A second push continues from the head.
	appended, err = a.Push(ctx, bearer("owner-token"), proposedEvents(t, 2), nil)
	require.NoError(t, err)
	require.Equal(t, int64(4), appended[0].Seq.Global)
	require.Equal(t, int64(5), appended[1].Seq.Global)

	got, err := a.Pull(ctx, bearer("owner-token"), 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(4), got[0].Seq.Global)
}

func TestActorDeniedPushLeavesLogUntouched(t *testing.T) {
	ctx := context.Background()
	a := NewActor(t.TempDir(), storeid.MakeUserStoreID(testUserID), testResolver())
	defer func() { _ = a.Close() }()

	_, err := a.Push(ctx, bearer("owner-token"), proposedEvents(t, 2), nil)
	require.NoError(t, err)

	_, err = a.Push(ctx, bearer("other-token"), proposedEvents(t, 2), nil)
	require.ErrorIs(t, err, auth.ErrAccessDenied)

	_, err = a.Push(ctx, http.Header{}, proposedEvents(t, 2), nil)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = a.Pull(ctx, bearer("other-token"), 0)
	require.ErrorIs(t, err, auth.ErrAccessDenied)

	count, err := a.EventCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestActorPurgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := NewActor(dir, storeid.MakeUserStoreID(testUserID), testResolver())

	_, err := a.Push(ctx, bearer("owner-token"), proposedEvents(t, 3), nil)
	require.NoError(t, err)

	closed, err := a.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, closed)

	// Second purge of an already-empty store succeeds.
	closed, err = a.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, closed)

	// The store rebuilds from empty: globals restart at 1.
	appended, err := a.Push(ctx, bearer("owner-token"), proposedEvents(t, 1), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), appended[0].Seq.Global)
	require.NoError(t, a.Close())
}

func TestActorPurgeWithoutStorageRemovesFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	storeID := storeid.MakeUserStoreID(testUserID)

	// Populate the on-disk log through one actor, release it, then purge
	// through a fresh actor that never opened storage.
	a := NewActor(dir, storeID, testResolver())
	_, err := a.Push(ctx, bearer("owner-token"), proposedEvents(t, 2), nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := NewActor(dir, storeID, testResolver())
	_, err = b.Purge(ctx)
	require.NoError(t, err)

	count, err := b.EventCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
	require.NoError(t, b.Close())
}

func TestManagerRoutesToSingleActor(t *testing.T) {
	m := NewActorManager(t.TempDir(), testResolver())
	defer func() { _ = m.Close() }()

	storeID := storeid.MakeNovelStoreID(testUserID, testNovelID)
	a, err := m.GetOrCreate(storeID)
	require.NoError(t, err)
	b, err := m.GetOrCreate(storeID)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, m.Count())

	_, err = m.GetOrCreate("not-a-store-id")
	require.ErrorIs(t, err, auth.ErrAccessDenied)
}

func TestManagerPurgeEvictsActor(t *testing.T) {
	ctx := context.Background()
	m := NewActorManager(t.TempDir(), testResolver())
	defer func() { _ = m.Close() }()

	storeID := storeid.MakeNovelStoreID(testUserID, testNovelID)
	a, err := m.GetOrCreate(storeID)
	require.NoError(t, err)
	_, err = a.Push(ctx, bearer("owner-token"), proposedEvents(t, 2), nil)
	require.NoError(t, err)

	_, err = m.Purge(ctx, storeID)
	require.NoError(t, err)
	require.Equal(t, 0, m.Count())

	// Purging a store with no live actor is safe.
	closed, err := m.Purge(ctx, storeID)
	require.NoError(t, err)
	require.Equal(t, 0, closed)
}

func TestManagerEvictsIdleActors(t *testing.T) {
	m := NewActorManager(t.TempDir(), testResolver())
	defer func() { _ = m.Close() }()
	m.SetEvictionConfig(time.Minute, time.Minute)

	storeID := storeid.MakeUserStoreID(testUserID)
	a, err := m.GetOrCreate(storeID)
	require.NoError(t, err)

	// Fresh actor is not idle yet.
	require.Equal(t, 0, m.evictIdleOnce(time.Now()))
	require.Equal(t, 1, m.Count())

	require.Equal(t, 1, m.evictIdleOnce(time.Now().Add(2*time.Minute)))
	require.Equal(t, 0, m.Count())

	// A later request recreates the actor.
	b, err := m.GetOrCreate(storeID)
	require.NoError(t, err)
	require.NotSame(t, a, b)
}
