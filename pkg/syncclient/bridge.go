// Package syncclient bridges a local replica to its authoritative sync
// actor. A bridge owns one websocket session per attached store, pushes
// locally committed events, and applies remote events back into the
// replica. Sessions only exist while the connection controller reports
// connected; any state change tears the session down.
package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dono-app/dono/pkg/connstate"
	"github.com/dono-app/dono/pkg/eventlog"
	"github.com/dono-app/dono/pkg/syncd"
)

// Settings configures the remote sync endpoint.
type Settings struct {
	ServerURL string `env:"DONO_SYNC_URL" envDefault:"ws://127.0.0.1:8088"`
}

// Bridge connects one local store to its remote actor.
type Bridge struct {
	settings Settings
	store    *eventlog.Store
	creds    connstate.CredentialOracle
	ctrl     *connstate.Controller
	dialer   *websocket.Dialer
	logger   zerolog.Logger
	kick     chan struct{}

	// Guards websocket writes; the read loop and the kick watcher both send.
	writeMu sync.Mutex
}

// NewBridge builds a bridge for one store. Run drives it.
func NewBridge(settings Settings, store *eventlog.Store, creds connstate.CredentialOracle, ctrl *connstate.Controller) *Bridge {
	return &Bridge{
		settings: settings,
		store:    store,
		creds:    creds,
		ctrl:     ctrl,
		dialer:   websocket.DefaultDialer,
		logger:   log.With().Str("component", "syncclient").Str("store_id", store.StoreID()).Logger(),
		kick:     make(chan struct{}, 1),
	}
}

// Kick asks the bridge to push pending events soon. Called after local
// commits; coalesces while a push is already queued.
func (b *Bridge) Kick() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run keeps a session alive while the controller reports connected and
// returns when ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	states := make(chan connstate.State, 8)
	unsubscribe := b.ctrl.Subscribe(func(s connstate.State) {
		select {
		case states <- s:
		default:
		}
	})
	defer unsubscribe()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if b.ctrl.State() == connstate.StateConnected {
			if err := b.runSession(ctx, states); err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Msg("sync session ended")
				// A dead session is new evidence about connectivity.
				b.ctrl.Check(ctx)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-states:
		}
	}
}

func (b *Bridge) syncURL() (string, error) {
	u, err := url.Parse(b.settings.ServerURL)
	if err != nil {
		return "", errors.Wrap(err, "syncclient: parse server url")
	}
	u.Path = "/sync"
	u.RawQuery = url.Values{"storeId": {b.store.StoreID()}}.Encode()
	return u.String(), nil
}

// runSession holds one websocket open: catch up via pull, flush pending
// events, then stay in a read loop until the connection dies, the state
// leaves connected, or ctx is cancelled.
func (b *Bridge) runSession(ctx context.Context, states <-chan connstate.State) error {
	token, ok := b.creds.Credentials(ctx)
	if !ok {
		return errors.New("syncclient: no credentials")
	}
	target, err := b.syncURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := b.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "syncclient: dial")
	}
	defer func() { _ = conn.Close() }()
	b.logger.Debug().Msg("sync session opened")

	// Tear the socket down from the side when the session must end; that
	// unblocks the read loop below.
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-watchCtx.Done():
				return
			case s := <-states:
				if s != connstate.StateConnected {
					_ = conn.Close()
					return
				}
			case <-b.kick:
				if err := b.pushPending(watchCtx, conn); err != nil {
					b.logger.Warn().Err(err).Msg("push failed")
					_ = conn.Close()
					return
				}
			}
		}
	}()

	head, err := b.store.Head(ctx)
	if err != nil {
		return err
	}
	if err := b.writeFrame(conn, syncd.Frame{Type: syncd.FramePull, From: head}); err != nil {
		return err
	}
	if err := b.pushPending(ctx, conn); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "syncclient: read")
		}
		var frame syncd.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.logger.Warn().Err(err).Msg("malformed frame, skipping")
			continue
		}
		switch frame.Type {
		case syncd.FrameEvents:
			if err := b.store.ApplyRemote(ctx, frame.Events); err != nil {
				return err
			}
		case syncd.FramePushAck:
			if len(frame.Locals) == 0 {
				continue
			}
			if err := b.store.AckPush(ctx, frame.Locals, frame.FirstGlobal); err != nil {
				return err
			}
		case syncd.FrameError:
			return errors.Errorf("syncclient: server error %s: %s", frame.Code, frame.Message)
		}
	}
}

// pushPending sends every unconfirmed local event in one push frame.
func (b *Bridge) pushPending(ctx context.Context, conn *websocket.Conn) error {
	pending, err := b.store.PendingEvents(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	return b.writeFrame(conn, syncd.Frame{Type: syncd.FramePush, Events: pending})
}

func (b *Bridge) writeFrame(conn *websocket.Conn, f syncd.Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return errors.Wrap(err, "syncclient: set write deadline")
	}
	return errors.Wrap(conn.WriteJSON(f), "syncclient: write frame")
}
