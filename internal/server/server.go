// Package server terminates websocket connections for the quiz battle
// channel: the auth:connect handshake, the per-socket read loop, and the
// disconnect cleanup that releases queue, lobby and match state.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brainbrawl/brainbrawl/internal/auth"
	"github.com/brainbrawl/brainbrawl/internal/clock"
	"github.com/brainbrawl/brainbrawl/internal/config"
	"github.com/brainbrawl/brainbrawl/internal/engine"
	"github.com/brainbrawl/brainbrawl/internal/events"
	"github.com/brainbrawl/brainbrawl/internal/lobby"
	"github.com/brainbrawl/brainbrawl/internal/matchmaking"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/registry"
	"github.com/brainbrawl/brainbrawl/internal/store"
	"github.com/brainbrawl/brainbrawl/internal/ws"
)

const (
	readLimit   = 1 << 16 // 64 KiB per frame
	authTimeout = 10 * time.Second
)

// Server wires the realtime subsystems together behind one websocket
// endpoint.
type Server struct {
	cfg   config.Config
	log   *logrus.Logger
	store store.Store
	clock clock.Clock

	Registry *registry.Registry
	Router   *ws.Router
	Engine   *engine.Manager
	Matching *matchmaking.Service
	Lobbies  *lobby.Manager
}

// presenceAdapter bridges the registry to the narrow presence interfaces
// the subsystems declare.
type presenceAdapter struct {
	reg *registry.Registry
}

func (p presenceAdapter) SetMatch(userID, matchID uuid.UUID) {
	if s, ok := p.reg.ByUser(userID); ok {
		s.SetMatch(matchID)
	}
}

func (p presenceAdapter) ClearMatch(userID uuid.UUID) {
	if s, ok := p.reg.ByUser(userID); ok {
		s.ClearMatch()
	}
}

func (p presenceAdapter) SetLobby(userID, lobbyID uuid.UUID) {
	if s, ok := p.reg.ByUser(userID); ok {
		s.SetLobby(lobbyID)
	}
}

// New builds the full realtime stack on top of a store and an event
// publisher.
func New(cfg config.Config, st store.Store, ev *events.Publisher, log *logrus.Logger) *Server {
	clk := clock.System()
	reg := registry.New(log)
	router := ws.NewRouter(reg, st, log)
	pres := presenceAdapter{reg: reg}

	eng := engine.NewManager(st, router, clk, ev, pres, cfg, log)
	mm := matchmaking.New(eng, st, router, pres, clk, cfg, log)
	lobbies := lobby.NewManager(eng, st, router, pres, clk, cfg, log)

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		clock:    clk,
		Registry: reg,
		Router:   router,
		Engine:   eng,
		Matching: mm,
		Lobbies:  lobbies,
	}
	s.registerHandlers()
	return s
}

// Handler returns the HTTP mux: the battle websocket and a liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/quiz/battle", s.handleBattle)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","sessions":%d,"matches":%d}`, s.Registry.Count(), s.Engine.Count())
	})
	return mux
}

// RunSweepers runs the idle-session and lobby-expiry sweeps until ctx is
// done.
func (s *Server) RunSweepers(ctx context.Context) {
	interval := time.Duration(s.cfg.Session.SweepIntervalSec) * time.Second
	timeout := time.Duration(s.cfg.Session.IdleTimeoutSec) * time.Second
	go s.Lobbies.RunSweeper(ctx, time.Minute)
	s.Registry.RunSweeper(ctx, interval, timeout, s.cleanup)
}

func (s *Server) handleBattle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warnf("websocket accept failed: %v", err)
		return
	}
	c.SetReadLimit(readLimit)

	conn := ws.NewConn(c, s.log)
	sess, ok := s.authenticate(r.Context(), conn)
	if !ok {
		conn.Close("authentication failed")
		return
	}

	s.log.WithFields(logrus.Fields{
		"session": sess.ID,
		"user":    sess.UserID,
	}).Info("session connected")

	s.readLoop(r.Context(), sess, conn)

	s.Registry.Deregister(sess.ID)
	s.cleanup(sess)
	conn.Close("session ended")
}

// authenticate runs the first-message handshake: the frame must be
// auth:connect carrying a valid token, and the token subject must be a
// known user.
func (s *Server) authenticate(ctx context.Context, conn *ws.Conn) (*registry.Session, bool) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	data, err := conn.Read(ctx)
	if err != nil {
		return nil, false
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.InAuthConnect {
		conn.Send(protocol.OutAuthError, protocol.ErrorPayload{
			Code:    protocol.CodeInvalidMessage,
			Message: "first message must be auth:connect",
		})
		return nil, false
	}

	var payload protocol.AuthConnect
	if err := env.Bind(&payload); err != nil {
		conn.Send(protocol.OutAuthError, protocol.ErrorPayload{
			Code:    protocol.CodeInvalidMessage,
			Message: "malformed auth payload",
		})
		return nil, false
	}

	sub, err := auth.AuthenticateJWT(payload.Token)
	if err != nil {
		s.log.Warnf("token rejected: %v", err)
		conn.Send(protocol.OutAuthError, protocol.ErrorPayload{
			Code:    protocol.CodeInvalidToken,
			Message: "invalid or expired token",
		})
		return nil, false
	}
	userID, err := uuid.Parse(sub)
	if err != nil || (payload.UserID != "" && payload.UserID != sub) {
		conn.Send(protocol.OutAuthError, protocol.ErrorPayload{
			Code:    protocol.CodeInvalidToken,
			Message: "token subject mismatch",
		})
		return nil, false
	}

	user, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		conn.Send(protocol.OutAuthError, protocol.ErrorPayload{
			Code:    protocol.CodeUserNotFound,
			Message: "unknown user",
		})
		return nil, false
	}

	sess := registry.NewSession(user.ID, user.DisplayName, conn)
	s.Registry.Register(sess)

	rating := defaultRating
	if stats, err := s.store.StatsByUser(ctx, user.ID); err == nil {
		rating = stats.Rating
	}
	sess.Send(protocol.OutAuthConnected, map[string]interface{}{
		"sessionId":   sess.ID,
		"userId":      user.ID,
		"displayName": user.DisplayName,
		"rating":      rating,
		"serverTime":  s.clock.Now().UnixMilli(),
	})

	s.broadcastStatus(context.Background(), sess, registry.StatusOnline)
	return sess, true
}

func (s *Server) readLoop(ctx context.Context, sess *registry.Session, conn *ws.Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debugf("session %s read loop ended: %v", sess.ID, err)
			return
		}
		s.Router.Dispatch(ctx, sess, data)
	}
}

// cleanup releases everything a departing session holds: search queue
// entry, lobby seat, and a forfeit if they were mid-match. Safe to call
// more than once. A session replaced by a duplicate login is skipped
// entirely; the user's state now belongs to the new session.
func (s *Server) cleanup(sess *registry.Session) {
	if cur, ok := s.Registry.ByUser(sess.UserID); ok && cur.ID != sess.ID {
		return
	}
	s.Matching.Drop(sess.UserID)
	s.Lobbies.Drop(sess.UserID)

	if matchID := sess.MatchID(); matchID != uuid.Nil {
		if m, ok := s.Engine.Get(matchID); ok && m.Status() != models.MatchFinished {
			m.Forfeit(sess.UserID)
		}
	}

	sess.SetStatus(registry.StatusOffline)
	s.broadcastStatus(context.Background(), sess, registry.StatusOffline)
}

// broadcastStatus fans a presence change out to the user's online friends.
func (s *Server) broadcastStatus(ctx context.Context, sess *registry.Session, status string) {
	s.Router.BroadcastToFriends(ctx, sess.UserID, protocol.OutStatusChanged, map[string]interface{}{
		"userId": sess.UserID,
		"status": status,
	})
}
