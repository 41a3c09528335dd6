package syncclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dono-app/dono/pkg/auth"
	"github.com/dono-app/dono/pkg/connstate"
	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/rooms"
	"github.com/dono-app/dono/pkg/storeid"
	"github.com/dono-app/dono/pkg/syncd"
)

const (
	testUserID  = "V1StGXR8_Z5jdHi6B-myT"
	testNovelID = "bQpF3kLm9xWzYvN2aCd7E"
	testVolID   = "Zz0_AbCdEfGhIjKlMnOpQ"
)

func startBackend(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	resolver := auth.NewStaticResolver(map[string]string{"owner-token": testUserID})
	manager := syncd.NewActorManager(dir, resolver)
	hub, err := rooms.NewHub(dir)
	require.NoError(t, err)
	srv := syncd.NewServer(syncd.Settings{DataDir: dir}, manager, resolver, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = manager.Close()
		_ = hub.Close()
	})
	return ts
}

type replica struct {
	store  *eventlog.Store
	bridge *Bridge
	ctrl   *connstate.Controller
}

func startReplica(t *testing.T, ctx context.Context, ts *httptest.Server, storeID string) *replica {
	t.Helper()
	store, err := eventlog.Open(t.TempDir(), storeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings := Settings{ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http")}
	probe, err := NewServerProbe(settings)
	require.NoError(t, err)
	creds := StaticCredentials{Token: "owner-token"}
	ctrl := connstate.New(AlwaysOnline{}, creds, probe)
	ctrl.Check(ctx)
	require.Equal(t, connstate.StateConnected, ctrl.State())

	bridge := NewBridge(settings, store, creds, ctrl)
	go func() { _ = bridge.Run(ctx) }()
	return &replica{store: store, bridge: bridge, ctrl: ctrl}
}

func commitVolume(t *testing.T, ctx context.Context, store *eventlog.Store, title string) {
	t.Helper()
	e, err := eventlog.NewEvent(eventlog.EventVolumeCreated, eventlog.VolumeCreatedArgs{
		ID:       testVolID,
		Title:    title,
		Created:  time.Now().UnixMilli(),
		Modified: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	_, err = store.Commit(ctx, e)
	require.NoError(t, err)
}

func TestBridgeSyncsTwoReplicas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := startBackend(t)
	storeID := storeid.MakeNovelStoreID(testUserID, testNovelID)

	a := startReplica(t, ctx, ts, storeID)
	b := startReplica(t, ctx, ts, storeID)

	commitVolume(t, ctx, a.store, "Part One")
	a.bridge.Kick()

	require.Eventually(t, func() bool {
		vols, err := b.store.Volumes(ctx)
		return err == nil && len(vols) == 1 && vols[0].Title == "Part One"
	}, 10*time.Second, 25*time.Millisecond)

	// The push was confirmed on the writer side.
	require.Eventually(t, func() bool {
		pending, err := a.store.PendingEvents(ctx)
		if err != nil || len(pending) != 0 {
			return false
		}
		head, err := a.store.Head(ctx)
		return err == nil && head == 1
	}, 10*time.Second, 25*time.Millisecond)
}

func TestBridgeCatchesUpAfterJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := startBackend(t)
	storeID := storeid.MakeNovelStoreID(testUserID, testNovelID)

	a := startReplica(t, ctx, ts, storeID)
	commitVolume(t, ctx, a.store, "Part One")
	a.bridge.Kick()
	require.Eventually(t, func() bool {
		head, err := a.store.Head(ctx)
		return err == nil && head == 1
	}, 10*time.Second, 25*time.Millisecond)

	// A replica that joins later pulls the backlog on connect.
	late := startReplica(t, ctx, ts, storeID)
	require.Eventually(t, func() bool {
		vols, err := late.store.Volumes(ctx)
		return err == nil && len(vols) == 1
	}, 10*time.Second, 25*time.Millisecond)
}

func TestBridgePushesBacklogCommittedOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := startBackend(t)
	storeID := storeid.MakeNovelStoreID(testUserID, testNovelID)

	// Commit before any bridge exists, then attach.
	store, err := eventlog.Open(t.TempDir(), storeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	commitVolume(t, ctx, store, "Drafted Offline")

	settings := Settings{ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http")}
	probe, err := NewServerProbe(settings)
	require.NoError(t, err)
	creds := StaticCredentials{Token: "owner-token"}
	ctrl := connstate.New(AlwaysOnline{}, creds, probe)
	ctrl.Check(ctx)

	bridge := NewBridge(settings, store, creds, ctrl)
	go func() { _ = bridge.Run(ctx) }()

	require.Eventually(t, func() bool {
		pending, err := store.PendingEvents(ctx)
		return err == nil && len(pending) == 0
	}, 10*time.Second, 25*time.Millisecond)
}

func TestServerProbeFailsOnDownBackend(t *testing.T) {
	ts := startBackend(t)
	settings := Settings{ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http")}
	probe, err := NewServerProbe(settings)
	require.NoError(t, err)
	require.NoError(t, probe.Probe(context.Background()))

	ts.Close()
	require.Error(t, probe.Probe(context.Background()))
}
