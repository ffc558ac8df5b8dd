package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/brainbrawl/brainbrawl/internal/engine"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/registry"
)

// defaultRating seeds players with no stats row yet.
const defaultRating = 1000

func (s *Server) registerHandlers() {
	r := s.Router
	r.Handle(protocol.InAuthConnect, s.handleAuthRepeat)
	r.Handle(protocol.InPing, s.handlePing)
	r.Handle(protocol.InReconnect, s.handleGameConnect)
	r.Handle(protocol.InStatusUpdate, s.handleStatusUpdate)
	r.Handle(protocol.InFind, s.handleFind)
	r.Handle(protocol.InCancelFind, s.handleCancelFind)
	r.Handle(protocol.InConfirm, s.handleConfirm)
	r.Handle(protocol.InLobbyCreate, s.handleLobbyCreate)
	r.Handle(protocol.InLobbyJoin, s.handleLobbyJoin)
	r.Handle(protocol.InLobbyReady, s.handleLobbyReady)
	r.Handle(protocol.InLobbyStart, s.handleLobbyStart)
	r.Handle(protocol.InLobbyLeave, s.handleLobbyLeave)
	r.Handle(protocol.InLobbyKick, s.handleLobbyKick)
	r.Handle(protocol.InLobbyListSync, s.handleLobbyListSync)
	r.Handle(protocol.InGameConnect, s.handleGameConnect)
	r.Handle(protocol.InAnswerSubmit, s.handleAnswerSubmit)
}

// authorize rejects payloads claiming a different user than the session
// that carried them. An empty userId defers to the session.
func (s *Server) authorize(sess *registry.Session, claimed string) bool {
	if claimed == "" || claimed == sess.UserID.String() {
		return true
	}
	sess.SendError(protocol.CodeUnauthorized, "payload user does not match session")
	return false
}

// bind decodes the payload, surfacing a processing error on failure.
func bind(sess *registry.Session, env *protocol.Envelope, v interface{}) bool {
	if err := env.Bind(v); err != nil {
		sess.SendError(protocol.CodeMessageProcessing, err.Error())
		return false
	}
	return true
}

// player builds the matchmaking identity for a session from its current
// stats row.
func (s *Server) player(ctx context.Context, sess *registry.Session) engine.Player {
	rating := defaultRating
	if stats, err := s.store.StatsByUser(ctx, sess.UserID); err == nil {
		rating = stats.Rating
	}
	return engine.Player{
		UserID:      sess.UserID,
		DisplayName: sess.DisplayName,
		Rating:      rating,
	}
}

func (s *Server) handleAuthRepeat(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	sess.SendError(protocol.CodeInvalidRequest, "session already authenticated")
}

func (s *Server) handlePing(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.Ping
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	sess.Touch()
	sess.Send(protocol.OutPong, map[string]interface{}{
		"serverTime": s.clock.Now().UnixMilli(),
	})
}

func (s *Server) handleStatusUpdate(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.StatusUpdate
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	switch p.Status {
	case registry.StatusOnline, registry.StatusAway:
	default:
		sess.SendError(protocol.CodeInvalidRequest, "status must be online or away")
		return
	}
	sess.SetStatus(p.Status)
	s.broadcastStatus(ctx, sess, p.Status)
}

func (s *Server) handleFind(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.Find
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	if p.Mode != models.ModeCasual && p.Mode != models.ModeRanked {
		sess.SendError(protocol.CodeInvalidRequest, "mode must be casual or ranked")
		return
	}
	if sess.MatchID() != uuid.Nil {
		sess.SendError(protocol.CodeAlreadyInGame, "finish the current match first")
		return
	}
	if sess.LobbyID() != uuid.Nil {
		sess.SendError(protocol.CodeAlreadyInGame, "leave the lobby first")
		return
	}

	settings := models.MatchSettings{
		Mode:               p.Mode,
		Difficulty:         p.Difficulty,
		Category:           p.Category,
		TotalQuestions:     p.TotalQuestions,
		TimePerQuestionSec: p.TimePerQuestionSec,
	}
	if code := s.Matching.Find(s.player(ctx, sess), settings); code != "" {
		sess.SendError(code, "cannot join matchmaking")
	}
}

func (s *Server) handleCancelFind(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.CancelFind
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	s.Matching.Cancel(sess.UserID)
}

func (s *Server) handleConfirm(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.Confirm
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	matchID, err := uuid.Parse(p.MatchID)
	if err != nil {
		sess.SendError(protocol.CodeInvalidRequest, "malformed matchId")
		return
	}
	if code := s.Matching.Confirm(sess.UserID, matchID, p.Confirmed); code != "" {
		sess.SendError(code, "no pending confirmation for this match")
	}
}

func (s *Server) handleLobbyCreate(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.LobbyCreate
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	if sess.MatchID() != uuid.Nil || s.Matching.Busy(sess.UserID) {
		sess.SendError(protocol.CodeAlreadyInGame, "finish the current match or search first")
		return
	}
	if code := s.Lobbies.Create(s.player(ctx, sess), p); code != "" {
		sess.SendError(code, "could not create lobby")
	}
}

func (s *Server) handleLobbyJoin(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.LobbyJoin
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	if sess.MatchID() != uuid.Nil || s.Matching.Busy(sess.UserID) {
		sess.SendError(protocol.CodeAlreadyInGame, "finish the current match or search first")
		return
	}
	if code := s.Lobbies.Join(s.player(ctx, sess), p.Code); code != "" {
		sess.SendError(code, "could not join lobby")
	}
}

func (s *Server) handleLobbyReady(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.LobbyReady
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	lobbyID, err := uuid.Parse(p.LobbyID)
	if err != nil {
		lobbyID = sess.LobbyID()
	}
	if code := s.Lobbies.SetReady(sess.UserID, lobbyID, p.Ready); code != "" {
		sess.SendError(code, "could not update ready state")
	}
}

func (s *Server) handleLobbyStart(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.LobbyStart
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	lobbyID, err := uuid.Parse(p.LobbyID)
	if err != nil {
		lobbyID = sess.LobbyID()
	}
	if code := s.Lobbies.Start(sess.UserID, lobbyID); code != "" {
		sess.SendError(code, "could not start lobby game")
	}
}

func (s *Server) handleLobbyLeave(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.LobbyLeave
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	lobbyID, err := uuid.Parse(p.LobbyID)
	if err != nil {
		lobbyID = sess.LobbyID()
	}
	if code := s.Lobbies.Leave(sess.UserID, lobbyID); code != "" {
		sess.SendError(code, "could not leave lobby")
	}
}

func (s *Server) handleLobbyKick(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.LobbyKick
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	lobbyID, err := uuid.Parse(p.LobbyID)
	if err != nil {
		lobbyID = sess.LobbyID()
	}
	targetID, err := uuid.Parse(p.TargetID)
	if err != nil {
		sess.SendError(protocol.CodeInvalidRequest, "malformed targetId")
		return
	}
	if code := s.Lobbies.Kick(sess.UserID, lobbyID, targetID); code != "" {
		sess.SendError(code, "could not kick player")
	}
}

func (s *Server) handleLobbyListSync(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.LobbyListSync
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	if code := s.Lobbies.Snapshot(sess.UserID); code != "" {
		sess.SendError(code, "you are not in a lobby")
	}
}

// handleGameConnect serves both game.connect and connection.reconnect:
// re-attach the session to a match it belongs to, allowed only before play
// begins.
func (s *Server) handleGameConnect(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.GameConnect
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	matchID, err := uuid.Parse(p.MatchID)
	if err != nil {
		sess.SendError(protocol.CodeInvalidRequest, "malformed matchId")
		return
	}
	m, ok := s.Engine.Get(matchID)
	if !ok {
		sess.SendError(protocol.CodeMatchNotFound, "no such match")
		return
	}

	switch err := m.Attach(sess.UserID); err {
	case nil:
	case engine.ErrNotInMatch:
		sess.SendError(protocol.CodeNotInMatch, "you are not a player in this match")
		return
	case engine.ErrMatchFinished:
		sess.SendError(protocol.CodeMatchFinished, "match has already finished")
		return
	default:
		sess.SendError(protocol.CodeInvalidRequest, "match already in progress")
		return
	}

	sess.SetMatch(matchID)
	sess.Send(protocol.OutReconnected, map[string]interface{}{
		"matchId": matchID,
		"status":  m.Status(),
	})

	opponent := m.PlayerA.UserID
	if opponent == sess.UserID {
		opponent = m.PlayerB.UserID
	}
	s.Router.SendToUser(opponent, protocol.OutPlayerReconnected, map[string]interface{}{
		"userId": sess.UserID,
	})
}

func (s *Server) handleAnswerSubmit(ctx context.Context, sess *registry.Session, env *protocol.Envelope) {
	var p protocol.AnswerSubmit
	if !bind(sess, env, &p) || !s.authorize(sess, p.UserID) {
		return
	}
	matchID, err := uuid.Parse(p.MatchID)
	if err != nil {
		matchID = sess.MatchID()
	}
	m, ok := s.Engine.Get(matchID)
	if !ok {
		sess.SendError(protocol.CodeMatchNotFound, "no such match")
		return
	}
	m.Submit(sess.UserID, p)
}
