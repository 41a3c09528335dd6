package syncclient

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dono-app/dono/pkg/connstate"
	"github.com/dono-app/dono/pkg/rooms"
	"github.com/dono-app/dono/pkg/storeid"
)

func startRoomBridge(t *testing.T, ctx context.Context, ts *httptest.Server, roomID string) (*RoomBridge, *rooms.Registry) {
	t.Helper()
	registry, err := rooms.NewRegistry(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	settings := Settings{ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http")}
	probe, err := NewServerProbe(settings)
	require.NoError(t, err)
	creds := StaticCredentials{Token: "owner-token"}
	ctrl := connstate.New(AlwaysOnline{}, creds, probe)
	ctrl.Check(ctx)
	require.Equal(t, connstate.StateConnected, ctrl.State())

	bridge := NewRoomBridge(settings, registry, creds, ctrl, roomID)
	go func() { _ = bridge.Run(ctx) }()
	return bridge, registry
}

func hasUpdate(t *testing.T, registry *rooms.Registry, roomID string, payload []byte) bool {
	t.Helper()
	doc, err := registry.Open(roomID)
	require.NoError(t, err)
	updates, err := doc.Updates()
	require.NoError(t, err)
	for _, u := range updates {
		if bytes.Equal(u, payload) {
			return true
		}
	}
	return false
}

func TestRoomBridgeRelaysUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := startBackend(t)
	roomID := storeid.MakeChapterRoomID(testUserID, testNovelID, testVolID)

	writer, writerReg := startRoomBridge(t, ctx, ts, roomID)
	_, readerReg := startRoomBridge(t, ctx, ts, roomID)
	time.Sleep(100 * time.Millisecond)

	payload := []byte("crdt-update-1")
	require.NoError(t, writer.SendUpdate(payload))

	// The local append happens immediately.
	require.True(t, hasUpdate(t, writerReg, roomID, payload))

	// The other client's document converges via the relay.
	require.Eventually(t, func() bool {
		return hasUpdate(t, readerReg, roomID, payload)
	}, 10*time.Second, 25*time.Millisecond)
}

func TestRoomBridgeWritesLocallyWithoutSession(t *testing.T) {
	registry, err := rooms.NewRegistry(t.TempDir())
	require.NoError(t, err)
	defer registry.Close()

	roomID := storeid.MakeChapterRoomID(testUserID, testNovelID, testVolID)
	settings := Settings{ServerURL: "ws://127.0.0.1:1"}
	creds := StaticCredentials{}
	ctrl := connstate.New(AlwaysOnline{}, creds, failingProbe{})

	bridge := NewRoomBridge(settings, registry, creds, ctrl, roomID)
	payload := []byte("offline-edit")
	require.NoError(t, bridge.SendUpdate(payload))
	require.True(t, hasUpdate(t, registry, roomID, payload))
}

type failingProbe struct{}

func (failingProbe) Probe(context.Context) error { return context.DeadlineExceeded }
