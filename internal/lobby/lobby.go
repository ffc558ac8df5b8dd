// Package lobby manages private friend lobbies: short join codes, ready
// state, host authority and transfer, and the handoff into the engine when
// the host starts the game.
package lobby

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brainbrawl/brainbrawl/internal/clock"
	"github.com/brainbrawl/brainbrawl/internal/config"
	"github.com/brainbrawl/brainbrawl/internal/engine"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	codeAttempts = 10
)

var errCodeExhausted = errors.New("lobby code space exhausted")

// Messenger is the outbound slice of the router lobbies need.
type Messenger interface {
	SendToUser(userID uuid.UUID, msgType string, payload interface{}) bool
}

// Presence tracks which lobby and match a session is in.
type Presence interface {
	SetLobby(userID, lobbyID uuid.UUID)
	SetMatch(userID, matchID uuid.UUID)
}

// Member is one seat in a lobby.
type Member struct {
	Player   engine.Player
	Ready    bool
	IsHost   bool
	JoinedAt time.Time
}

// Lobby is the in-memory authoritative lobby state. Access goes through the
// Manager mutex.
type Lobby struct {
	ID         uuid.UUID
	Code       string
	HostID     uuid.UUID
	MaxPlayers int
	IsPrivate  bool
	Status     string
	Settings   models.MatchSettings
	ExpiresAt  time.Time
	Members    []*Member // join order
}

func (l *Lobby) member(userID uuid.UUID) *Member {
	for _, m := range l.Members {
		if m.Player.UserID == userID {
			return m
		}
	}
	return nil
}

func (l *Lobby) allReady() bool {
	for _, m := range l.Members {
		if !m.Ready {
			return false
		}
	}
	return true
}

// view is the snapshot shape broadcast to clients.
func (l *Lobby) view() map[string]interface{} {
	members := make([]map[string]interface{}, len(l.Members))
	for i, m := range l.Members {
		members[i] = map[string]interface{}{
			"userId":      m.Player.UserID,
			"displayName": m.Player.DisplayName,
			"rating":      m.Player.Rating,
			"ready":       m.Ready,
			"isHost":      m.IsHost,
		}
	}
	return map[string]interface{}{
		"lobbyId":    l.ID,
		"code":       l.Code,
		"hostId":     l.HostID,
		"maxPlayers": l.MaxPlayers,
		"isPrivate":  l.IsPrivate,
		"status":     l.Status,
		"settings":   l.Settings,
		"members":    members,
	}
}

// Manager owns every live lobby.
type Manager struct {
	mu      sync.Mutex
	lobbies map[uuid.UUID]*Lobby
	byCode  map[string]uuid.UUID
	byUser  map[uuid.UUID]uuid.UUID

	engine   *engine.Manager
	store    store.Store
	msgr     Messenger
	presence Presence
	clock    clock.Clock
	cfg      config.Config
	log      *logrus.Logger
}

// NewManager builds an empty lobby directory.
func NewManager(eng *engine.Manager, st store.Store, msgr Messenger, pres Presence, clk clock.Clock, cfg config.Config, log *logrus.Logger) *Manager {
	return &Manager{
		lobbies:  make(map[uuid.UUID]*Lobby),
		byCode:   make(map[string]uuid.UUID),
		byUser:   make(map[uuid.UUID]uuid.UUID),
		engine:   eng,
		store:    st,
		msgr:     msgr,
		presence: pres,
		clock:    clk,
		cfg:      cfg,
		log:      log,
	}
}

// Count returns the number of open lobbies.
func (mg *Manager) Count() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.lobbies)
}

// Create opens a lobby hosted by the caller. The host starts ready. Returns
// an error code ("" on success).
func (mg *Manager) Create(host engine.Player, req protocol.LobbyCreate) string {
	maxPlayers := req.MaxPlayers
	if maxPlayers < 2 {
		maxPlayers = mg.cfg.Lobby.MaxPlayers
	}
	isPrivate := true
	if req.IsPrivate != nil {
		isPrivate = *req.IsPrivate
	}

	settings := models.MatchSettings{
		Mode:               models.ModeFriend,
		Difficulty:         req.Difficulty,
		Category:           req.Category,
		TotalQuestions:     req.TotalQuestions,
		TimePerQuestionSec: req.TimePerQuestionSec,
	}
	if settings.Category == "" {
		settings.Category = "all"
	}
	if settings.TotalQuestions <= 0 {
		settings.TotalQuestions = mg.cfg.Game.TotalQuestions
	}
	if settings.TotalQuestions > mg.cfg.Game.SurvivalQuestions {
		settings.TotalQuestions = mg.cfg.Game.SurvivalQuestions
	}
	if settings.TimePerQuestionSec <= 0 {
		settings.TimePerQuestionSec = mg.cfg.Game.QuestionTimeSec
	}

	mg.mu.Lock()
	if _, ok := mg.byUser[host.UserID]; ok {
		mg.mu.Unlock()
		return protocol.CodeInvalidRequest
	}

	code, err := mg.generateCodeLocked()
	if err != nil {
		mg.mu.Unlock()
		return protocol.CodeLobbyCodeGeneration
	}

	l := &Lobby{
		ID:         uuid.New(),
		Code:       code,
		HostID:     host.UserID,
		MaxPlayers: maxPlayers,
		IsPrivate:  isPrivate,
		Status:     models.LobbyWaiting,
		Settings:   settings,
		ExpiresAt:  mg.clock.Now().Add(time.Duration(mg.cfg.Lobby.TTLMin) * time.Minute),
		Members: []*Member{{
			Player:   host,
			Ready:    true,
			IsHost:   true,
			JoinedAt: mg.clock.Now(),
		}},
	}
	mg.lobbies[l.ID] = l
	mg.byCode[l.Code] = l.ID
	mg.byUser[host.UserID] = l.ID
	mg.mu.Unlock()

	mg.persistCreate(l, host.UserID)
	mg.presence.SetLobby(host.UserID, l.ID)
	mg.msgr.SendToUser(host.UserID, protocol.OutLobbyCreated, l.view())
	return ""
}

// Join adds a player to a lobby by its code and broadcasts the new roster.
func (mg *Manager) Join(player engine.Player, code string) string {
	mg.mu.Lock()
	if _, ok := mg.byUser[player.UserID]; ok {
		mg.mu.Unlock()
		return protocol.CodeInvalidRequest
	}
	id, ok := mg.byCode[code]
	if !ok {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}
	l := mg.lobbies[id]
	if l.Status != models.LobbyWaiting {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}
	if len(l.Members) >= l.MaxPlayers {
		mg.mu.Unlock()
		return protocol.CodeLobbyFull
	}

	l.Members = append(l.Members, &Member{
		Player:   player,
		JoinedAt: mg.clock.Now(),
	})
	mg.byUser[player.UserID] = l.ID
	recipients, view := mg.rosterLocked(l)
	mg.mu.Unlock()

	mg.persistMember(l.ID, player.UserID, false)
	mg.presence.SetLobby(player.UserID, l.ID)
	for _, uid := range recipients {
		mg.msgr.SendToUser(uid, protocol.OutLobbyPlayerJoined, view)
	}
	return ""
}

// SetReady flips a member's ready flag.
func (mg *Manager) SetReady(userID, lobbyID uuid.UUID, ready bool) string {
	mg.mu.Lock()
	l, ok := mg.lobbies[lobbyID]
	if !ok {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}
	m := l.member(userID)
	if m == nil {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}
	m.Ready = ready
	recipients, view := mg.rosterLocked(l)
	mg.mu.Unlock()

	for _, uid := range recipients {
		mg.msgr.SendToUser(uid, protocol.OutLobbyPlayerReady, view)
	}
	return ""
}

// Start is the host-only transition into a match. Requires at least two
// members, all ready.
func (mg *Manager) Start(hostID, lobbyID uuid.UUID) string {
	mg.mu.Lock()
	l, ok := mg.lobbies[lobbyID]
	if !ok || l.member(hostID) == nil {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}
	if l.HostID != hostID {
		mg.mu.Unlock()
		return protocol.CodeUnauthorized
	}
	if len(l.Members) < 2 || !l.allReady() {
		mg.mu.Unlock()
		return protocol.CodeNotReady
	}
	if l.Status != models.LobbyWaiting {
		mg.mu.Unlock()
		return protocol.CodeInvalidRequest
	}
	l.Status = models.LobbyStarting

	// Head-to-head: the host plays the first guest that joined.
	a := l.member(l.HostID).Player
	var b engine.Player
	for _, m := range l.Members {
		if !m.IsHost {
			b = m.Player
			break
		}
	}
	settings := l.Settings
	recipients, _ := mg.rosterLocked(l)
	mg.mu.Unlock()

	match := mg.engine.Create(a, b, settings)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err := mg.store.InsertMatch(ctx, &models.MatchRow{
		ID:      match.ID,
		PlayerA: a.UserID,
		PlayerB: b.UserID,
		Mode:    settings.Mode,
		Status:  models.MatchWaiting,
		HealthA: 100,
		HealthB: 100,
	})
	if err != nil {
		mg.log.Errorf("lobby %s: match row insert failed: %v", lobbyID, err)
	}
	if err := mg.store.UpdateLobbyStatus(ctx, lobbyID, models.LobbyInGame); err != nil {
		mg.log.Warnf("lobby %s: status update failed: %v", lobbyID, err)
	}
	cancel()

	// The lobby's job ends at handoff. Seats are released so nobody holds
	// a lobby binding and a match binding at once, and the code frees up.
	mg.mu.Lock()
	if cur, ok := mg.lobbies[lobbyID]; ok && cur == l {
		delete(mg.lobbies, l.ID)
		delete(mg.byCode, l.Code)
		for _, m := range l.Members {
			delete(mg.byUser, m.Player.UserID)
		}
		l.Status = models.LobbyInGame
	}
	mg.mu.Unlock()

	for _, uid := range recipients {
		mg.presence.SetLobby(uid, uuid.Nil)
	}
	mg.presence.SetMatch(a.UserID, match.ID)
	mg.presence.SetMatch(b.UserID, match.ID)

	startDelay := time.Duration(mg.cfg.Game.StartDelaySec) * time.Second
	payload := map[string]interface{}{
		"lobbyId":     lobbyID,
		"matchId":     match.ID,
		"startsInSec": int(startDelay / time.Second),
	}
	for _, uid := range recipients {
		mg.msgr.SendToUser(uid, protocol.OutLobbyGameStarting, payload)
	}

	mg.clock.Schedule(startDelay, match.Start)
	return ""
}

// Leave removes the caller from their lobby. The host role transfers to
// the longest-seated remaining member; an emptied lobby is deleted.
func (mg *Manager) Leave(userID, lobbyID uuid.UUID) string {
	return mg.removeMember(userID, lobbyID, protocol.OutLobbyPlayerLeft)
}

// Kick is the host-only removal of another member.
func (mg *Manager) Kick(hostID, lobbyID, targetID uuid.UUID) string {
	mg.mu.Lock()
	l, ok := mg.lobbies[lobbyID]
	if !ok {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}
	if l.HostID != hostID {
		mg.mu.Unlock()
		return protocol.CodeUnauthorized
	}
	if l.member(targetID) == nil || targetID == hostID {
		mg.mu.Unlock()
		return protocol.CodeInvalidRequest
	}
	mg.mu.Unlock()

	return mg.removeMember(targetID, lobbyID, protocol.OutLobbyPlayerKicked)
}

// Snapshot sends the caller a fresh roster of their lobby.
func (mg *Manager) Snapshot(userID uuid.UUID) string {
	mg.mu.Lock()
	id, ok := mg.byUser[userID]
	if !ok {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}
	view := mg.lobbies[id].view()
	mg.mu.Unlock()

	mg.msgr.SendToUser(userID, protocol.OutLobbyListData, view)
	return ""
}

// Drop handles a disconnecting user: leave whatever lobby they are in.
func (mg *Manager) Drop(userID uuid.UUID) {
	mg.mu.Lock()
	id, ok := mg.byUser[userID]
	mg.mu.Unlock()
	if ok {
		mg.removeMember(userID, id, protocol.OutLobbyPlayerLeft)
	}
}

func (mg *Manager) removeMember(userID, lobbyID uuid.UUID, msgType string) string {
	mg.mu.Lock()
	l, ok := mg.lobbies[lobbyID]
	if !ok || l.member(userID) == nil {
		mg.mu.Unlock()
		return protocol.CodeLobbyNotFound
	}

	for i, m := range l.Members {
		if m.Player.UserID == userID {
			l.Members = append(l.Members[:i], l.Members[i+1:]...)
			break
		}
	}
	delete(mg.byUser, userID)

	var newHost uuid.UUID
	if len(l.Members) == 0 {
		delete(mg.lobbies, l.ID)
		delete(mg.byCode, l.Code)
	} else if l.HostID == userID {
		// Oldest remaining member inherits the lobby.
		oldest := l.Members[0]
		for _, m := range l.Members[1:] {
			if m.JoinedAt.Before(oldest.JoinedAt) {
				oldest = m
			}
		}
		oldest.IsHost = true
		oldest.Ready = true
		l.HostID = oldest.Player.UserID
		newHost = l.HostID
	}
	recipients, view := mg.rosterLocked(l)
	empty := len(l.Members) == 0
	mg.mu.Unlock()

	mg.presence.SetLobby(userID, uuid.Nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := mg.store.DeleteLobbyMember(ctx, lobbyID, userID); err != nil {
		mg.log.Warnf("lobby %s: member delete failed: %v", lobbyID, err)
	}
	if empty {
		if err := mg.store.DeleteLobby(ctx, lobbyID); err != nil {
			mg.log.Warnf("lobby %s: delete failed: %v", lobbyID, err)
		}
	}
	cancel()

	payload := map[string]interface{}{
		"lobbyId": lobbyID,
		"userId":  userID,
		"lobby":   view,
	}
	if newHost != uuid.Nil {
		payload["newHostId"] = newHost
	}
	mg.msgr.SendToUser(userID, msgType, payload)
	for _, uid := range recipients {
		mg.msgr.SendToUser(uid, msgType, payload)
	}
	return ""
}

// rosterLocked snapshots recipients and the view while the lock is held so
// sends can happen outside it.
func (mg *Manager) rosterLocked(l *Lobby) ([]uuid.UUID, map[string]interface{}) {
	ids := make([]uuid.UUID, len(l.Members))
	for i, m := range l.Members {
		ids[i] = m.Player.UserID
	}
	return ids, l.view()
}

func (mg *Manager) generateCodeLocked() (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for i := range buf {
			buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(buf)
		if _, taken := mg.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", errCodeExhausted
}

func (mg *Manager) persistCreate(l *Lobby, hostID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := mg.store.InsertLobby(ctx, &models.LobbyRow{
		ID:         l.ID,
		Code:       l.Code,
		HostUserID: l.HostID,
		MaxPlayers: l.MaxPlayers,
		IsPrivate:  l.IsPrivate,
		Status:     l.Status,
		ExpiresAt:  l.ExpiresAt,
	})
	if err != nil {
		mg.log.Errorf("lobby %s: row insert failed: %v", l.ID, err)
	}
	mg.persistMemberCtx(ctx, l.ID, hostID, true)
}

func (mg *Manager) persistMember(lobbyID, userID uuid.UUID, isHost bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	mg.persistMemberCtx(ctx, lobbyID, userID, isHost)
}

func (mg *Manager) persistMemberCtx(ctx context.Context, lobbyID, userID uuid.UUID, isHost bool) {
	if err := mg.store.InsertLobbyMember(ctx, lobbyID, userID, isHost); err != nil {
		mg.log.Warnf("lobby %s: member insert failed: %v", lobbyID, err)
	}
}

// RunSweeper closes lobbies past their TTL on a fixed cadence until ctx is
// done.
func (mg *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mg.sweepExpired()
		}
	}
}

func (mg *Manager) sweepExpired() {
	now := mg.clock.Now()

	mg.mu.Lock()
	// TTL is absolute regardless of status, so a lobby stuck mid
	// transition can never outlive its deadline.
	var expired []*Lobby
	for _, l := range mg.lobbies {
		if now.After(l.ExpiresAt) {
			expired = append(expired, l)
		}
	}
	for _, l := range expired {
		delete(mg.lobbies, l.ID)
		delete(mg.byCode, l.Code)
		for _, m := range l.Members {
			delete(mg.byUser, m.Player.UserID)
		}
		l.Status = models.LobbyFinished
	}
	mg.mu.Unlock()

	for _, l := range expired {
		mg.log.Infof("lobby %s expired, closing", l.ID)
		view := l.view()
		for _, m := range l.Members {
			mg.presence.SetLobby(m.Player.UserID, uuid.Nil)
			mg.msgr.SendToUser(m.Player.UserID, protocol.OutLobbyListData, view)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := mg.store.DeleteLobby(ctx, l.ID); err != nil {
			mg.log.Warnf("lobby %s: delete failed: %v", l.ID, err)
		}
		cancel()
	}
}
