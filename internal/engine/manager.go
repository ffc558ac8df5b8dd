// Package engine owns the authoritative per-match state machine: question
// delivery, answer evaluation, damage, timeouts, forfeit and settlement.
// Each match is an actor: a single goroutine consumes a command channel and
// is the only writer of match state.
package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brainbrawl/brainbrawl/internal/clock"
	"github.com/brainbrawl/brainbrawl/internal/config"
	"github.com/brainbrawl/brainbrawl/internal/events"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

// Player identifies one side of a match.
type Player struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
	Rating      int       `json:"rating"`
}

// Messenger is the slice of the router the engine needs.
type Messenger interface {
	SendToUser(userID uuid.UUID, msgType string, payload interface{}) bool
}

// Presence lets settlement clear session state without importing the
// registry.
type Presence interface {
	SetMatch(userID, matchID uuid.UUID)
	ClearMatch(userID uuid.UUID)
}

// Manager tracks all live matches.
type Manager struct {
	mu      sync.Mutex
	matches map[uuid.UUID]*Match

	store    store.Store
	msgr     Messenger
	clock    clock.Clock
	events   *events.Publisher
	presence Presence
	cfg      config.Config
	log      *logrus.Logger
}

// NewManager wires the engine's collaborators.
func NewManager(st store.Store, msgr Messenger, clk clock.Clock, ev *events.Publisher, pres Presence, cfg config.Config, log *logrus.Logger) *Manager {
	return &Manager{
		matches:  make(map[uuid.UUID]*Match),
		store:    st,
		msgr:     msgr,
		clock:    clk,
		events:   ev,
		presence: pres,
		cfg:      cfg,
		log:      log,
	}
}

// Create builds a waiting match, persists its row, and starts the actor.
// The match does not begin play until Start is called.
func (mg *Manager) Create(a, b Player, settings models.MatchSettings) *Match {
	m := &Match{
		ID:       uuid.New(),
		PlayerA:  a,
		PlayerB:  b,
		Settings: settings,

		QuestionTime:       time.Duration(settings.TimePerQuestionSec) * time.Second,
		Grace:              time.Second,
		InterQuestionDelay: 3 * time.Second,
		CleanupDelay:       5 * time.Second,

		mgr:  mg,
		cmds: make(chan command, 32),
		done: make(chan struct{}),

		status:       models.MatchWaiting,
		healthA:      initialHealth,
		healthB:      initialHealth,
		answered:     make(map[uuid.UUID]bool),
		correctCount: make(map[uuid.UUID]int),
		points:       make(map[uuid.UUID]int),
	}

	mg.mu.Lock()
	mg.matches[m.ID] = m
	mg.mu.Unlock()

	go m.run()
	return m
}

// Get looks up a live match.
func (mg *Manager) Get(id uuid.UUID) (*Match, bool) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	m, ok := mg.matches[id]
	return m, ok
}

// Count returns the number of live matches.
func (mg *Manager) Count() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.matches)
}

func (mg *Manager) remove(id uuid.UUID) {
	mg.mu.Lock()
	delete(mg.matches, id)
	mg.mu.Unlock()
}
