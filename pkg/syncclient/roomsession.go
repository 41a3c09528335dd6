package syncclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dono-app/dono/pkg/connstate"
	"github.com/dono-app/dono/pkg/rooms"
)

// RoomBridge keeps one chapter room session alive while the controller is
// connected. Local edits are appended to the room's local document and
// relayed; remote updates are appended as they arrive. Offline, edits still
// land in the local document and the editor replays it.
type RoomBridge struct {
	settings Settings
	registry *rooms.Registry
	creds    connstate.CredentialOracle
	ctrl     *connstate.Controller
	roomID   string
	logger   zerolog.Logger

	outbound chan []byte
}

// NewRoomBridge builds a bridge for one room id.
func NewRoomBridge(settings Settings, registry *rooms.Registry, creds connstate.CredentialOracle, ctrl *connstate.Controller, roomID string) *RoomBridge {
	return &RoomBridge{
		settings: settings,
		registry: registry,
		creds:    creds,
		ctrl:     ctrl,
		roomID:   roomID,
		logger:   log.With().Str("component", "syncclient").Str("room_id", roomID).Logger(),
		outbound: make(chan []byte, 32),
	}
}

// SendUpdate records a local editor update and queues it for relay. The
// local append succeeds even with no live session.
func (b *RoomBridge) SendUpdate(payload []byte) error {
	session, err := b.registry.Open(b.roomID)
	if err != nil {
		return err
	}
	if err := session.AppendUpdate(payload); err != nil {
		return err
	}
	select {
	case b.outbound <- payload:
	default:
		b.logger.Warn().Msg("outbound room queue full, update stays local until resync")
	}
	return nil
}

// Run maintains the live session. Returns when ctx is cancelled.
func (b *RoomBridge) Run(ctx context.Context) error {
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
				b.logger.Warn().Err(err).Msg("room session ended")
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

func (b *RoomBridge) roomURL() (string, error) {
	u, err := url.Parse(b.settings.ServerURL)
	if err != nil {
		return "", errors.Wrap(err, "syncclient: parse server url")
	}
	u.Path = "/rooms/" + b.roomID
	u.RawQuery = ""
	return u.String(), nil
}

func (b *RoomBridge) runSession(ctx context.Context, states <-chan connstate.State) error {
	token, ok := b.creds.Credentials(ctx)
	if !ok {
		return errors.New("syncclient: no credentials")
	}
	target, err := b.roomURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.Wrap(err, "syncclient: dial room")
	}
	defer func() { _ = conn.Close() }()
	b.logger.Debug().Msg("room session opened")

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
			case payload := <-b.outbound:
				if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	doc, err := b.registry.Open(b.roomID)
	if err != nil {
		return err
	}
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "syncclient: read room")
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := doc.AppendUpdate(data); err != nil {
			return err
		}
	}
}
