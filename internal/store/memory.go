package store

import (
	"context"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/brainbrawl/brainbrawl/internal/models"
)

// Memory is an in-process Store used by tests and local development. It
// honors the same uniqueness and atomicity guarantees as the postgres
// implementation.
type Memory struct {
	mu sync.Mutex

	users     map[uuid.UUID]*models.User
	stats     map[uuid.UUID]*models.UserStats
	questions []models.Question
	matches   map[uuid.UUID]*models.MatchRow
	matchQs   map[uuid.UUID][]uuid.UUID
	answers   map[answerKey]models.AnswerRecord
	lobbies   map[uuid.UUID]*models.LobbyRow
	members   map[uuid.UUID]map[uuid.UUID]bool
	friends   map[uuid.UUID][]uuid.UUID
	notifs    []models.Notification
}

type answerKey struct {
	matchID uuid.UUID
	userID  uuid.UUID
	index   int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:   make(map[uuid.UUID]*models.User),
		stats:   make(map[uuid.UUID]*models.UserStats),
		matches: make(map[uuid.UUID]*models.MatchRow),
		matchQs: make(map[uuid.UUID][]uuid.UUID),
		answers: make(map[answerKey]models.AnswerRecord),
		lobbies: make(map[uuid.UUID]*models.LobbyRow),
		members: make(map[uuid.UUID]map[uuid.UUID]bool),
		friends: make(map[uuid.UUID][]uuid.UUID),
	}
}

// AddUser seeds a user with default stats and returns its id.
func (m *Memory) AddUser(u models.User, rating int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	m.users[u.ID] = &u
	m.stats[u.ID] = &models.UserStats{UserID: u.ID, Rating: rating, Level: 1}
	return u.ID
}

// AddQuestions seeds the question bank.
func (m *Memory) AddQuestions(qs ...models.Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range qs {
		if q.ID == uuid.Nil {
			q.ID = uuid.New()
		}
		m.questions = append(m.questions, q)
	}
}

// SetFriends seeds a symmetric friendship list for a user.
func (m *Memory) SetFriends(userID uuid.UUID, friends ...uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.friends[userID] = friends
}

func (m *Memory) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) FindUserByName(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpsertUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	m.users[u.ID] = &cp
	if _, ok := m.stats[u.ID]; !ok {
		m.stats[u.ID] = &models.UserStats{UserID: u.ID, Rating: 1000, Level: 1}
	}
	return nil
}

func (m *Memory) StatsByUser(ctx context.Context, userID uuid.UUID) (*models.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ApplyStatsDelta(ctx context.Context, userID uuid.UUID, d StatsDelta) (*models.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Wins += d.Wins
	s.Losses += d.Losses
	s.Draws += d.Draws
	s.TotalGames += d.Wins + d.Losses + d.Draws
	s.Correct += d.Correct
	s.TotalAnswered += d.TotalAnswered
	s.XP += d.XP
	s.Coins += d.Coins
	if d.IncrStreak {
		s.CurrentStreak++
		if s.CurrentStreak > s.BestStreak {
			s.BestStreak = s.CurrentStreak
		}
	}
	if d.ResetStreak {
		s.CurrentStreak = 0
	}
	if d.NewRating != nil {
		s.Rating = *d.NewRating
	}
	s.Level = 1 + s.XP/1000
	cp := *s
	return &cp, nil
}

func (m *Memory) RandomQuestions(ctx context.Context, difficulty, category string, count int) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pool []models.Question
	for _, q := range m.questions {
		if difficulty != "" && difficulty != "all" && q.Difficulty != difficulty {
			continue
		}
		if category != "" && category != "all" && q.Category != category {
			continue
		}
		pool = append(pool, q)
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > count {
		pool = pool[:count]
	}
	return pool, nil
}

func (m *Memory) InsertMatch(ctx context.Context, row *models.MatchRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	m.matches[row.ID] = &cp
	return nil
}

func (m *Memory) UpdateMatch(ctx context.Context, u MatchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.matches[u.MatchID]
	if !ok {
		return ErrNotFound
	}
	row.Status = u.Status
	row.WinnerID = u.WinnerID
	row.HealthA = u.HealthA
	row.HealthB = u.HealthB
	row.ScoreA = u.ScoreA
	row.ScoreB = u.ScoreB
	if !u.StartedAt.IsZero() {
		row.StartedAt = u.StartedAt
	}
	if !u.FinishedAt.IsZero() {
		row.FinishedAt = u.FinishedAt
	}
	return nil
}

func (m *Memory) InsertMatchQuestion(ctx context.Context, matchID uuid.UUID, index int, questionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchQs[matchID] = append(m.matchQs[matchID], questionID)
	return nil
}

func (m *Memory) InsertAnswer(ctx context.Context, a models.AnswerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := answerKey{a.MatchID, a.UserID, a.QuestionIndex}
	if _, exists := m.answers[k]; exists {
		return nil
	}
	m.answers[k] = a
	return nil
}

func (m *Memory) InsertLobby(ctx context.Context, l *models.LobbyRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.lobbies[l.ID] = &cp
	m.members[l.ID] = make(map[uuid.UUID]bool)
	return nil
}

func (m *Memory) UpdateLobbyStatus(ctx context.Context, lobbyID uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[lobbyID]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	return nil
}

func (m *Memory) DeleteLobby(ctx context.Context, lobbyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lobbies, lobbyID)
	delete(m.members, lobbyID)
	return nil
}

func (m *Memory) InsertLobbyMember(ctx context.Context, lobbyID, userID uuid.UUID, isHost bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.members[lobbyID]
	if !ok {
		return ErrNotFound
	}
	mem[userID] = isHost
	return nil
}

func (m *Memory) DeleteLobbyMember(ctx context.Context, lobbyID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mem, ok := m.members[lobbyID]; ok {
		delete(mem, userID)
	}
	return nil
}

func (m *Memory) FriendIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, len(m.friends[userID]))
	copy(out, m.friends[userID])
	return out, nil
}

func (m *Memory) InsertNotification(ctx context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, n)
	return nil
}

// MatchRow returns a copy of the stored match row, for tests.
func (m *Memory) MatchRow(matchID uuid.UUID) (models.MatchRow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.matches[matchID]
	if !ok {
		return models.MatchRow{}, false
	}
	return *row, true
}

// AnswerCount returns the number of persisted answers for a match, for tests.
func (m *Memory) AnswerCount(matchID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.answers {
		if k.matchID == matchID {
			n++
		}
	}
	return n
}

var _ Store = (*Memory)(nil)
