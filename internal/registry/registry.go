// Package registry is the process-wide directory of live sessions:
// session-id -> session and user-id -> session-id, with duplicate-login
// eviction and an idle sweeper.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brainbrawl/brainbrawl/internal/protocol"
)

// Presence statuses for a session.
const (
	StatusOnline  = "online"
	StatusInLobby = "in_lobby"
	StatusInGame  = "in_game"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Sender is the outbound half of a socket. The implementation guarantees
// per-client ordering (single writer).
type Sender interface {
	Send(msgType string, payload interface{})
	Close(reason string)
}

// Session is one authenticated connection. Mutable fields are guarded by
// the session's own mutex; the registry mutex only guards the maps.
type Session struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DisplayName string

	mu         sync.Mutex
	conn       Sender
	status     string
	matchID    uuid.UUID
	lobbyID    uuid.UUID
	lastPingAt time.Time
}

// NewSession wraps an authenticated socket.
func NewSession(userID uuid.UUID, displayName string, conn Sender) *Session {
	return &Session{
		ID:          uuid.New(),
		UserID:      userID,
		DisplayName: displayName,
		conn:        conn,
		status:      StatusOnline,
		lastPingAt:  time.Now(),
	}
}

// Send forwards to the underlying socket writer.
func (s *Session) Send(msgType string, payload interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Send(msgType, payload)
	}
}

// SendError sends an error envelope with a stable machine code.
func (s *Session) SendError(code, message string) {
	s.Send(protocol.OutError, protocol.ErrorPayload{Code: code, Message: message})
}

// Close tears down the underlying socket.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close(reason)
	}
}

// inheritBindings carries live match and lobby membership over from an
// evicted predecessor so a relogin cannot shed an in-progress game.
func (s *Session) inheritBindings(old *Session) {
	old.mu.Lock()
	matchID, lobbyID := old.matchID, old.lobbyID
	old.mu.Unlock()

	s.mu.Lock()
	if s.matchID == uuid.Nil && matchID != uuid.Nil {
		s.matchID = matchID
		s.status = StatusInGame
	}
	if s.lobbyID == uuid.Nil && lobbyID != uuid.Nil {
		s.lobbyID = lobbyID
		if s.status != StatusInGame {
			s.status = StatusInLobby
		}
	}
	s.mu.Unlock()
}

// Status returns the current presence status.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates presence.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// MatchID returns the live match this session is in, or uuid.Nil.
func (s *Session) MatchID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

// LobbyID returns the lobby this session is in, or uuid.Nil.
func (s *Session) LobbyID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lobbyID
}

// SetMatch records match membership and flips status to in_game.
func (s *Session) SetMatch(matchID uuid.UUID) {
	s.mu.Lock()
	s.matchID = matchID
	if matchID != uuid.Nil {
		s.status = StatusInGame
	}
	s.mu.Unlock()
}

// ClearMatch resets match membership and returns the session to online.
func (s *Session) ClearMatch() {
	s.mu.Lock()
	s.matchID = uuid.Nil
	if s.status == StatusInGame {
		s.status = StatusOnline
	}
	s.mu.Unlock()
}

// SetLobby records lobby membership.
func (s *Session) SetLobby(lobbyID uuid.UUID) {
	s.mu.Lock()
	s.lobbyID = lobbyID
	if lobbyID != uuid.Nil {
		s.status = StatusInLobby
	} else if s.status == StatusInLobby {
		s.status = StatusOnline
	}
	s.mu.Unlock()
}

// Touch records keepalive activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastPingAt = time.Now()
	s.mu.Unlock()
}

// LastPing returns the time of the last keepalive.
func (s *Session) LastPing() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPingAt
}

// Registry owns the session maps. All mutations are in-memory and cannot
// fail.
type Registry struct {
	mu        sync.Mutex
	bySession map[uuid.UUID]*Session
	byUser    map[uuid.UUID]uuid.UUID
	log       *logrus.Logger
}

// New creates an empty registry.
func New(log *logrus.Logger) *Registry {
	return &Registry{
		bySession: make(map[uuid.UUID]*Session),
		byUser:    make(map[uuid.UUID]uuid.UUID),
		log:       log,
	}
}

// Register installs a session. If the user already has a live session, the
// old one is evicted: the newcomer inherits any live match and lobby
// bindings and the old session receives connection.disconnect with reason
// duplicate_session. The swap happens in one critical section so two
// racing logins for the same user can never both stay mapped; the returned
// evicted session lets the caller observe the handover.
func (r *Registry) Register(s *Session) (evicted *Session) {
	r.mu.Lock()
	if oldID, ok := r.byUser[s.UserID]; ok {
		evicted = r.bySession[oldID]
		delete(r.bySession, oldID)
	}
	if evicted != nil {
		s.inheritBindings(evicted)
	}
	r.bySession[s.ID] = s
	r.byUser[s.UserID] = s.ID
	r.mu.Unlock()

	if evicted != nil {
		r.log.Infof("evicting duplicate session %s for user %s", evicted.ID, s.UserID)
		evicted.Send(protocol.OutDisconnect, map[string]interface{}{
			"reason": protocol.ReasonDuplicateSession,
		})
		evicted.Close(protocol.ReasonDuplicateSession)
	}
	return evicted
}

// Deregister removes a session by id. It is a no-op if the id has already
// been replaced or removed.
func (r *Registry) Deregister(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[sessionID]
	if !ok {
		return
	}
	delete(r.bySession, sessionID)
	if cur, ok := r.byUser[s.UserID]; ok && cur == sessionID {
		delete(r.byUser, s.UserID)
	}
}

// BySession looks up a session by its id.
func (r *Registry) BySession(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySession[id]
	return s, ok
}

// ByUser looks up the live session for a user.
func (r *Registry) ByUser(userID uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	s, ok := r.bySession[id]
	return s, ok
}

// UpdateStatus sets a user's presence status if they are online.
func (r *Registry) UpdateStatus(userID uuid.UUID, status string) bool {
	s, ok := r.ByUser(userID)
	if !ok {
		return false
	}
	s.SetStatus(status)
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySession)
}

// SweepIdle deregisters sessions whose last ping is older than timeout and
// returns them so the caller can run the disconnect cleanup path.
func (r *Registry) SweepIdle(timeout time.Duration) []*Session {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	var stale []*Session
	for _, s := range r.bySession {
		if s.LastPing().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		delete(r.bySession, s.ID)
		if cur, ok := r.byUser[s.UserID]; ok && cur == s.ID {
			delete(r.byUser, s.UserID)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.log.Infof("idle sweep: deregistering session %s (user %s)", s.ID, s.UserID)
		s.Send(protocol.OutDisconnect, map[string]interface{}{
			"reason": protocol.ReasonIdleTimeout,
		})
		s.Close(protocol.ReasonIdleTimeout)
	}
	return stale
}

// RunSweeper runs the idle sweep on a fixed cadence until ctx is done.
// onExpire receives each swept session for the same cleanup as socket
// close.
func (r *Registry) RunSweeper(ctx context.Context, interval, timeout time.Duration, onExpire func(*Session)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.SweepIdle(timeout) {
				if onExpire != nil {
					onExpire(s)
				}
			}
		}
	}
}
