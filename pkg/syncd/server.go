package syncd

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dono-app/dono/pkg/auth"
	"github.com/dono-app/dono/pkg/rooms"
	"github.com/dono-app/dono/pkg/storeid"
)

// Settings configures the sync server.
type Settings struct {
	Addr    string `env:"DONO_SYNC_ADDR" envDefault:":8088"`
	DataDir string `env:"DONO_SYNC_DATA_DIR" envDefault:"./data"`
}

// Server exposes the sync actors and room relays over HTTP.
type Server struct {
	settings Settings
	manager  *ActorManager
	resolver auth.Resolver
	hub      *rooms.Hub
	upgrader websocket.Upgrader
}

// NewServer wires the ingress around an actor manager and a room hub.
func NewServer(settings Settings, manager *ActorManager, resolver auth.Resolver, hub *rooms.Hub) *Server {
	return &Server{
		settings: settings,
		manager:  manager,
		resolver: resolver,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/purge", s.handlePurge)
	mux.HandleFunc("/rooms/", s.handleRoom)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// BuildHTTPServer returns an http.Server with sane timeouts. Websocket
// routes need an unbounded write window, so only headers are bounded.
func (s *Server) BuildHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.settings.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// authorizeStore resolves the caller's session and checks store ownership
// before any upgrade or state change.
func (s *Server) authorizeStore(r *http.Request, storeID string) error {
	session, err := s.resolver.GetSession(r.Context(), r.Header)
	if err != nil {
		return err
	}
	owner := storeid.UserIDOf(storeID)
	if owner == "" || owner != session.UserID {
		return auth.ErrAccessDenied
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrAccessDenied):
		http.Error(w, "access denied", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	storeID := r.URL.Query().Get("storeId")
	if storeid.ParseStoreID(storeID).Kind == storeid.KindUnknown {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}
	if err := s.authorizeStore(r, storeID); err != nil {
		writeAuthError(w, err)
		return
	}
	actor, err := s.manager.GetOrCreate(storeID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "syncd").Str("store_id", storeID).Msg("websocket upgrade failed")
		return
	}
	// Auth headers are captured at upgrade time; every frame on this
	// connection re-checks them through the actor.
	headers := r.Header.Clone()

	actor.Pool().Add(conn)
	defer func() {
		actor.Pool().Remove(conn)
	}()

	log.Debug().Str("component", "syncd").Str("store_id", storeID).Msg("sync connection opened")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("component", "syncd").Str("store_id", storeID).Msg("sync connection closed")
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeError(conn, ErrCodeInternal, "malformed frame")
			continue
		}
		switch frame.Type {
		case FramePush:
			appended, err := actor.Push(r.Context(), headers, frame.Events, conn)
			if err != nil {
				s.writeFrameError(conn, storeID, err)
				continue
			}
			ack := Frame{Type: FramePushAck}
			if len(appended) > 0 {
				ack.FirstGlobal = appended[0].Seq.Global
				for _, e := range appended {
					ack.Locals = append(ack.Locals, e.Seq.Local)
				}
			}
			if err := conn.WriteMessage(websocket.TextMessage, encodeFrame(ack)); err != nil {
				return
			}
		case FramePull:
			events, err := actor.Pull(r.Context(), headers, frame.From)
			if err != nil {
				s.writeFrameError(conn, storeID, err)
				continue
			}
			reply := Frame{Type: FrameEvents, Events: events}
			if err := conn.WriteMessage(websocket.TextMessage, encodeFrame(reply)); err != nil {
				return
			}
		default:
			s.writeError(conn, ErrCodeInternal, "unknown frame type "+frame.Type)
		}
	}
}

func (s *Server) writeFrameError(conn *websocket.Conn, storeID string, err error) {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		code = ErrCodeUnauthorized
	case errors.Is(err, auth.ErrAccessDenied):
		code = ErrCodeAccessDenied
	default:
		log.Error().Err(err).Str("component", "syncd").Str("store_id", storeID).Msg("frame handling failed")
	}
	s.writeError(conn, code, err.Error())
}

func (s *Server) writeError(conn *websocket.Conn, code, message string) {
	frame := Frame{Type: FrameError, Code: code, Message: message}
	_ = conn.WriteMessage(websocket.TextMessage, encodeFrame(frame))
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	storeID := r.URL.Query().Get("storeId")
	if storeid.ParseStoreID(storeID).Kind == storeid.KindUnknown {
		http.Error(w, "access denied", http.StatusForbidden)
		return
	}
	if err := s.authorizeStore(r, storeID); err != nil {
		writeAuthError(w, err)
		return
	}
	closed, err := s.manager.Purge(r.Context(), storeID)
	if err != nil {
		log.Error().Err(err).Str("component", "syncd").Str("store_id", storeID).Msg("purge failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	log.Info().Str("component", "syncd").Str("store_id", storeID).Int("closed", closed).Msg("store purged")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PurgeResponse{OK: true, ClosedConnections: closed})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimPrefix(r.URL.Path, "/rooms/")
	if roomID == "" || strings.Contains(roomID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	// Room ids embed their owner the same way store ids do.
	if err := s.authorizeStore(r, roomID); err != nil {
		writeAuthError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "syncd").Str("room_id", roomID).Msg("room upgrade failed")
		return
	}
	if err := s.hub.Attach(roomID, conn); err != nil {
		log.Warn().Err(err).Str("component", "syncd").Str("room_id", roomID).Msg("room attach failed")
		_ = conn.Close()
		return
	}
	defer s.hub.Detach(roomID, conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.hub.HandleUpdate(roomID, conn, data); err != nil {
			log.Error().Err(err).Str("component", "syncd").Str("room_id", roomID).Msg("room update failed")
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"actors": s.manager.Count(),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := s.BuildHTTPServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info().Str("component", "syncd").Str("addr", s.settings.Addr).Msg("sync server listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "syncd: shutdown")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "syncd: serve")
	}
}
