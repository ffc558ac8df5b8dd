// Package store is the core's only dependency on the durable world: typed
// access to users, the question bank, stats, matches, lobbies, friendships
// and notifications. Pure I/O, no game rules.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/brainbrawl/brainbrawl/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// StatsDelta describes one settlement's worth of counter changes for a
// single user. Applied atomically.
type StatsDelta struct {
	Wins          int
	Losses        int
	Draws         int
	Correct       int
	TotalAnswered int
	XP            int
	Coins         int

	// IncrStreak bumps the win streak (and best streak if exceeded);
	// ResetStreak zeroes it. At most one of the two is set.
	IncrStreak  bool
	ResetStreak bool

	// NewRating, when non-nil, overwrites the stored rating (ranked only).
	NewRating *int
}

// MatchUpdate carries the mutable columns of a match row.
type MatchUpdate struct {
	MatchID    uuid.UUID
	Status     string
	WinnerID   uuid.UUID
	HealthA    int
	HealthB    int
	ScoreA     int
	ScoreB     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store is the relational adapter the realtime core talks to.
type Store interface {
	// Users.
	FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindUserByName(ctx context.Context, username string) (*models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error

	// Stats.
	StatsByUser(ctx context.Context, userID uuid.UUID) (*models.UserStats, error)
	ApplyStatsDelta(ctx context.Context, userID uuid.UUID, d StatsDelta) (*models.UserStats, error)

	// Question bank. Returns up to count questions in uniform random order,
	// including the correct index (server-side only).
	RandomQuestions(ctx context.Context, difficulty, category string, count int) ([]models.Question, error)

	// Matches.
	InsertMatch(ctx context.Context, m *models.MatchRow) error
	UpdateMatch(ctx context.Context, u MatchUpdate) error
	InsertMatchQuestion(ctx context.Context, matchID uuid.UUID, index int, questionID uuid.UUID) error

	// Answers. Duplicate (matchId, userId, questionIndex) inserts are
	// silently ignored.
	InsertAnswer(ctx context.Context, a models.AnswerRecord) error

	// Lobbies.
	InsertLobby(ctx context.Context, l *models.LobbyRow) error
	UpdateLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status string) error
	DeleteLobby(ctx context.Context, lobbyID uuid.UUID) error
	InsertLobbyMember(ctx context.Context, lobbyID, userID uuid.UUID, isHost bool) error
	DeleteLobbyMember(ctx context.Context, lobbyID, userID uuid.UUID) error

	// Friendships and notifications, invoked from settlement hooks and
	// presence fan-out; opaque to the core otherwise.
	FriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	InsertNotification(ctx context.Context, n models.Notification) error
}
