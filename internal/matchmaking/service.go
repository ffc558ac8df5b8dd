// Package matchmaking owns the search queue and the two-phase match
// confirmation handshake. Pairing is in-memory and mutex-guarded; once both
// sides confirm, the match is handed to the engine.
package matchmaking

import (
	"context"
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

// CategoryAll matches any category during pairing.
const CategoryAll = "all"

// Confirmation statuses sent in matchmaking.confirm.status.
const (
	ConfirmWaiting  = "waiting"
	ConfirmAccepted = "both_confirmed"
	ConfirmDeclined = "declined"
	ConfirmTimeout  = "timeout"
)

// Messenger is the outbound slice of the router the queue needs.
type Messenger interface {
	SendToUser(userID uuid.UUID, msgType string, payload interface{}) bool
}

// Presence marks users as in-game once their match is confirmed.
type Presence interface {
	SetMatch(userID, matchID uuid.UUID)
	ClearMatch(userID uuid.UUID)
}

type entry struct {
	player   engine.Player
	settings models.MatchSettings
}

type pending struct {
	match     *engine.Match
	settings  models.MatchSettings
	players   [2]engine.Player
	confirmed map[uuid.UUID]bool
	timer     clock.Timer
}

// Service is the matchmaking front door. All public methods are safe for
// concurrent use.
type Service struct {
	mu            sync.Mutex
	queue         []*entry
	byUser        map[uuid.UUID]*entry
	pending       map[uuid.UUID]*pending // keyed by match id
	pendingByUser map[uuid.UUID]uuid.UUID

	engine   *engine.Manager
	store    store.Store
	msgr     Messenger
	presence Presence
	clock    clock.Clock
	cfg      config.Config
	log      *logrus.Logger
}

// New builds an empty queue.
func New(eng *engine.Manager, st store.Store, msgr Messenger, pres Presence, clk clock.Clock, cfg config.Config, log *logrus.Logger) *Service {
	return &Service{
		byUser:        make(map[uuid.UUID]*entry),
		pending:       make(map[uuid.UUID]*pending),
		pendingByUser: make(map[uuid.UUID]uuid.UUID),
		engine:        eng,
		store:         st,
		msgr:          msgr,
		presence:      pres,
		clock:         clk,
		cfg:           cfg,
		log:           log,
	}
}

// QueueLen returns the number of waiting searchers.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Busy reports whether the user is queued or mid-confirmation. Used to
// keep queue, lobby and match membership mutually exclusive.
func (s *Service) Busy(userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUser[userID]; ok {
		return true
	}
	_, ok := s.pendingByUser[userID]
	return ok
}

// Find enqueues a player, pairing them immediately when a compatible
// opponent is already waiting. A repeat find while queued replaces the
// search settings. Returns an error code ("" on success) for the caller to
// surface.
func (s *Service) Find(player engine.Player, settings models.MatchSettings) string {
	settings = s.normalize(settings)

	s.mu.Lock()
	if _, ok := s.pendingByUser[player.UserID]; ok {
		s.mu.Unlock()
		return protocol.CodeAlreadyInGame
	}
	if e, ok := s.byUser[player.UserID]; ok {
		e.settings = settings
		n := len(s.queue)
		s.mu.Unlock()
		s.sendSearching(player.UserID, n)
		return ""
	}

	opponent := s.takeOpponentLocked(player, settings)
	if opponent == nil {
		e := &entry{player: player, settings: settings}
		s.queue = append(s.queue, e)
		s.byUser[player.UserID] = e
		n := len(s.queue)
		s.mu.Unlock()
		s.sendSearching(player.UserID, n)
		return ""
	}
	s.mu.Unlock()

	// The earlier searcher's settings win so their requested question
	// count and pacing are honored.
	s.propose(opponent.player, player, opponent.settings)
	return ""
}

// Cancel removes a user from the queue. Cancelling while a confirmation is
// pending counts as a decline.
func (s *Service) Cancel(userID uuid.UUID) {
	s.mu.Lock()
	if matchID, ok := s.pendingByUser[userID]; ok {
		s.mu.Unlock()
		s.Confirm(userID, matchID, false)
		return
	}
	removed := s.removeFromQueueLocked(userID)
	s.mu.Unlock()

	if removed {
		s.msgr.SendToUser(userID, protocol.OutCancelled, map[string]interface{}{
			"reason": "cancelled_by_user",
		})
	}
}

// Drop silently removes a disconnecting user from the queue and declines
// any pending confirmation on their behalf.
func (s *Service) Drop(userID uuid.UUID) {
	s.mu.Lock()
	matchID, hasPending := s.pendingByUser[userID]
	s.removeFromQueueLocked(userID)
	s.mu.Unlock()

	if hasPending {
		s.Confirm(userID, matchID, false)
	}
}

// Confirm records one side's answer to a confirm.request. Returns an error
// code ("" on success).
func (s *Service) Confirm(userID, matchID uuid.UUID, confirmed bool) string {
	s.mu.Lock()
	p, ok := s.pending[matchID]
	if !ok {
		s.mu.Unlock()
		return protocol.CodeMatchNotFound
	}
	if !p.match.HasPlayer(userID) {
		s.mu.Unlock()
		return protocol.CodeNotInMatch
	}

	if !confirmed {
		s.clearPendingLocked(p)
		s.mu.Unlock()
		s.resolveDeclined(p, userID, ConfirmDeclined)
		return ""
	}

	p.confirmed[userID] = true
	if len(p.confirmed) < 2 {
		count := len(p.confirmed)
		s.mu.Unlock()
		s.broadcastConfirmStatus(p, ConfirmWaiting, count)
		return ""
	}

	s.clearPendingLocked(p)
	s.mu.Unlock()
	s.launch(p)
	return ""
}

// normalize fills unset search settings from the configured defaults.
// Long survival-style games are capped at the configured maximum.
func (s *Service) normalize(settings models.MatchSettings) models.MatchSettings {
	if settings.Category == "" {
		settings.Category = CategoryAll
	}
	if settings.TotalQuestions <= 0 {
		settings.TotalQuestions = s.cfg.Game.TotalQuestions
	}
	if settings.TotalQuestions > s.cfg.Game.SurvivalQuestions {
		settings.TotalQuestions = s.cfg.Game.SurvivalQuestions
	}
	if settings.TimePerQuestionSec <= 0 {
		settings.TimePerQuestionSec = s.cfg.Game.QuestionTimeSec
	}
	return settings
}

// takeOpponentLocked finds and removes the best waiting opponent, or
// returns nil to keep the searcher queued. Ranked pairs the smallest
// rating gap, preferring candidates inside the MMR window but never
// leaving two searchers stranded: with no in-window candidate the
// closest overall is taken.
func (s *Service) takeOpponentLocked(player engine.Player, settings models.MatchSettings) *entry {
	var best *entry
	bestDiff := -1
	bestInWindow := false

	for _, e := range s.queue {
		if e.settings.Mode != settings.Mode {
			continue
		}
		if settings.Mode == models.ModeRanked {
			diff := player.Rating - e.player.Rating
			if diff < 0 {
				diff = -diff
			}
			inWindow := diff <= s.cfg.Rating.MMRWindow
			switch {
			case best == nil:
			case inWindow && !bestInWindow:
			case inWindow == bestInWindow && diff < bestDiff:
			default:
				continue
			}
			best, bestDiff, bestInWindow = e, diff, inWindow
			continue
		}
		if e.settings.Difficulty != settings.Difficulty {
			continue
		}
		if e.settings.Category != settings.Category &&
			e.settings.Category != CategoryAll && settings.Category != CategoryAll {
			continue
		}
		best = e
		break // casual and friend pair FIFO
	}

	if best == nil {
		return nil
	}
	s.removeFromQueueLocked(best.player.UserID)
	return best
}

func (s *Service) removeFromQueueLocked(userID uuid.UUID) bool {
	if _, ok := s.byUser[userID]; !ok {
		return false
	}
	delete(s.byUser, userID)
	for i, e := range s.queue {
		if e.player.UserID == userID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	return true
}

// propose creates the waiting match and starts the confirmation window.
func (s *Service) propose(a, b engine.Player, settings models.MatchSettings) {
	m := s.engine.Create(a, b, settings)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err := s.store.InsertMatch(ctx, &models.MatchRow{
		ID:      m.ID,
		PlayerA: a.UserID,
		PlayerB: b.UserID,
		Mode:    settings.Mode,
		Status:  models.MatchWaiting,
		HealthA: 100,
		HealthB: 100,
	})
	cancel()
	if err != nil {
		s.log.Errorf("match %s: row insert failed: %v", m.ID, err)
	}

	p := &pending{
		match:     m,
		settings:  settings,
		players:   [2]engine.Player{a, b},
		confirmed: make(map[uuid.UUID]bool),
	}

	timeout := time.Duration(s.cfg.Game.ConfirmTimeoutSec) * time.Second
	p.timer = s.clock.Schedule(timeout, func() {
		s.expire(m.ID)
	})

	s.mu.Lock()
	s.pending[m.ID] = p
	s.pendingByUser[a.UserID] = m.ID
	s.pendingByUser[b.UserID] = m.ID
	s.mu.Unlock()

	s.sendConfirmRequest(a, b, m.ID, settings, timeout)
	s.sendConfirmRequest(b, a, m.ID, settings, timeout)

	s.log.WithFields(logrus.Fields{
		"match": m.ID,
		"mode":  settings.Mode,
		"a":     a.UserID,
		"b":     b.UserID,
	}).Info("match proposed")
}

func (s *Service) sendConfirmRequest(to, opponent engine.Player, matchID uuid.UUID, settings models.MatchSettings, timeout time.Duration) {
	s.msgr.SendToUser(to.UserID, protocol.OutConfirmRequest, map[string]interface{}{
		"matchId":           matchID,
		"opponent":          opponent,
		"mode":              settings.Mode,
		"difficulty":        settings.Difficulty,
		"category":          settings.Category,
		"confirmTimeoutSec": int(timeout / time.Second),
	})
}

func (s *Service) expire(matchID uuid.UUID) {
	s.mu.Lock()
	p, ok := s.pending[matchID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.clearPendingLocked(p)
	s.mu.Unlock()

	s.resolveDeclined(p, uuid.Nil, ConfirmTimeout)
}

// clearPendingLocked detaches a pending confirmation from the indexes and
// stops its timer.
func (s *Service) clearPendingLocked(p *pending) {
	if p.timer != nil {
		p.timer.Cancel()
	}
	delete(s.pending, p.match.ID)
	delete(s.pendingByUser, p.players[0].UserID)
	delete(s.pendingByUser, p.players[1].UserID)
}

// resolveDeclined aborts the proposed match and returns both players to
// idle. Nobody is re-queued; a fresh find is up to the client. Decliner is
// uuid.Nil on timeout.
func (s *Service) resolveDeclined(p *pending, decliner uuid.UUID, status string) {
	s.broadcastConfirmStatus(p, status, len(p.confirmed))
	p.match.Abort()

	for _, pl := range p.players {
		reason := status
		if pl.UserID == decliner {
			reason = "declined_by_user"
		}
		s.msgr.SendToUser(pl.UserID, protocol.OutCancelled, map[string]interface{}{
			"reason": reason,
		})
	}
}

// launch moves a fully confirmed match into play after the start delay.
func (s *Service) launch(p *pending) {
	s.broadcastConfirmStatus(p, ConfirmAccepted, 2)

	for _, pl := range p.players {
		s.presence.SetMatch(pl.UserID, p.match.ID)
	}

	delay := time.Duration(s.cfg.Game.StartDelaySec) * time.Second
	s.clock.Schedule(delay, p.match.Start)
}

func (s *Service) broadcastConfirmStatus(p *pending, status string, confirmedCount int) {
	payload := map[string]interface{}{
		"matchId":        p.match.ID,
		"status":         status,
		"confirmedCount": confirmedCount,
	}
	for _, pl := range p.players {
		s.msgr.SendToUser(pl.UserID, protocol.OutConfirmStatus, payload)
	}
}

func (s *Service) sendSearching(userID uuid.UUID, queueLen int) {
	s.msgr.SendToUser(userID, protocol.OutSearching, map[string]interface{}{
		"playersInQueue":    queueLen,
		"estimatedWaitTime": 5 + 5*queueLen,
	})
}
