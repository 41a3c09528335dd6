package purge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/storeid"
)

const (
	testUserID  = "V1StGXR8_Z5jdHi6B-myT"
	testNovelID = "bQpF3kLm9xWzYvN2aCd7E"
)

type fakeRooms struct {
	mu       sync.Mutex
	prefixes []string
}

func (f *fakeRooms) PurgeByPrefix(prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	return nil
}

func (f *fakeRooms) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prefixes...)
}

type fakeRemote struct {
	mu       sync.Mutex
	storeIDs []string
	err      error
}

func (f *fakeRemote) PurgeStore(_ context.Context, storeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeIDs = append(f.storeIDs, storeID)
	return f.err
}

func (f *fakeRemote) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.storeIDs...)
}

func openUserStore(t *testing.T, dir string) *eventlog.Store {
	t.Helper()
	store, err := eventlog.Open(dir, storeid.MakeUserStoreID(testUserID), eventlog.WithSessionID(SessionID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// seedNovelReplica creates and closes a novel store so its files are on disk.
func seedNovelReplica(t *testing.T, dir string) string {
	t.Helper()
	storeID := storeid.MakeNovelStoreID(testUserID, testNovelID)
	novel, err := eventlog.Open(dir, storeID)
	require.NoError(t, err)
	require.NoError(t, novel.Close())
	require.True(t, eventlog.HasLocalData(dir, storeID))
	return storeID
}

func purgedEvent(t *testing.T, store *eventlog.Store) eventlog.Event {
	t.Helper()
	ctx := context.Background()
	e, err := eventlog.NewEvent(eventlog.EventNovelPurged, eventlog.NovelPurgedArgs{
		ID:     testNovelID,
		Purged: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	committed, err := store.Commit(ctx, e)
	require.NoError(t, err)
	return committed[0]
}

func TestHandleCascades(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	userStore := openUserStore(t, dir)
	novelStoreID := seedNovelReplica(t, dir)

	rooms := &fakeRooms{}
	remote := &fakeRemote{}
	c := New(userStore, testUserID, dir, rooms, remote)

	e := purgedEvent(t, userStore)
	require.NoError(t, c.Handle(ctx, e))

	st, err := userStore.GetUIState(ctx)
	require.NoError(t, err)
	require.Equal(t, e.Seq.Global, st.LastNovelPurgeGlobalSeq)

	require.False(t, eventlog.HasLocalData(dir, novelStoreID))
	require.Equal(t, []string{storeid.MakeChapterRoomPrefix(testUserID, testNovelID)}, rooms.calls())
	require.Equal(t, []string{novelStoreID}, remote.calls())
}

func TestHandleSkipsAtOrBelowWatermark(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	userStore := openUserStore(t, dir)
	seedNovelReplica(t, dir)

	rooms := &fakeRooms{}
	remote := &fakeRemote{}
	c := New(userStore, testUserID, dir, rooms, remote)

	e := purgedEvent(t, userStore)
	require.NoError(t, userStore.SetUIState(ctx, eventlog.UIState{LastNovelPurgeGlobalSeq: e.Seq.Global}))

	require.NoError(t, c.Handle(ctx, e))

	require.Empty(t, rooms.calls())
	require.Empty(t, remote.calls())
	require.True(t, eventlog.HasLocalData(dir, storeid.MakeNovelStoreID(testUserID, testNovelID)))
}

func TestHandleTwiceRunsCleanupOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	userStore := openUserStore(t, dir)
	seedNovelReplica(t, dir)

	rooms := &fakeRooms{}
	remote := &fakeRemote{}
	c := New(userStore, testUserID, dir, rooms, remote)

	e := purgedEvent(t, userStore)
	require.NoError(t, c.Handle(ctx, e))
	require.NoError(t, c.Handle(ctx, e))

	require.Len(t, rooms.calls(), 1)
	require.Len(t, remote.calls(), 1)
}

func TestWatermarkAdvancesDespiteCleanupFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	userStore := openUserStore(t, dir)

	remote := &fakeRemote{err: context.DeadlineExceeded}
	c := New(userStore, testUserID, dir, nil, remote)

	e := purgedEvent(t, userStore)
	require.NoError(t, c.Handle(ctx, e))

	st, err := userStore.GetUIState(ctx)
	require.NoError(t, err)
	require.Equal(t, e.Seq.Global, st.LastNovelPurgeGlobalSeq)
	require.Len(t, remote.calls(), 1)
}

func TestRunFollowsLiveTail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dir := t.TempDir()
	userStore := openUserStore(t, dir)
	novelStoreID := seedNovelReplica(t, dir)

	rooms := &fakeRooms{}
	c := New(userStore, testUserID, dir, rooms, nil)
	go func() { _ = c.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	e := purgedEvent(t, userStore)

	require.Eventually(t, func() bool {
		st, err := userStore.GetUIState(context.Background())
		return err == nil && st.LastNovelPurgeGlobalSeq == e.Seq.Global
	}, 5*time.Second, 25*time.Millisecond)
	require.False(t, eventlog.HasLocalData(dir, novelStoreID))
	require.Len(t, rooms.calls(), 1)
}
