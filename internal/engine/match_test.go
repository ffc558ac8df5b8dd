package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainbrawl/brainbrawl/internal/clock"
	"github.com/brainbrawl/brainbrawl/internal/config"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

type recMsg struct {
	Type    string
	Payload map[string]interface{}
}

// recorder captures per-user outbound messages in order.
type recorder struct {
	mu   sync.Mutex
	msgs map[uuid.UUID][]recMsg
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[uuid.UUID][]recMsg)}
}

func (r *recorder) SendToUser(userID uuid.UUID, msgType string, payload interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, _ := payload.(map[string]interface{})
	r.msgs[userID] = append(r.msgs[userID], recMsg{Type: msgType, Payload: body})
	return true
}

func (r *recorder) count(userID uuid.UUID, msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs[userID] {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (r *recorder) last(userID uuid.UUID, msgType string) (recMsg, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs[userID]) - 1; i >= 0; i-- {
		if r.msgs[userID][i].Type == msgType {
			return r.msgs[userID][i], true
		}
	}
	return recMsg{}, false
}

type nopPresence struct{}

func (nopPresence) SetMatch(userID, matchID uuid.UUID) {}
func (nopPresence) ClearMatch(userID uuid.UUID)       {}

type fixture struct {
	mgr   *Manager
	match *Match
	mem   *store.Memory
	rec   *recorder
	a, b  Player
}

func newFixture(t *testing.T, mode string, numQuestions int) *fixture {
	t.Helper()

	mem := store.NewMemory()
	aID := mem.AddUser(models.User{Username: "alice", DisplayName: "Alice"}, 1500)
	bID := mem.AddUser(models.User{Username: "bob", DisplayName: "Bob"}, 1700)
	for i := 0; i < numQuestions; i++ {
		mem.AddQuestions(models.Question{
			Text:         fmt.Sprintf("question %d", i),
			Choices:      []string{"right", "wrong", "wrong", "wrong"},
			CorrectIndex: 0,
			Difficulty:   "easy",
			Category:     "science",
		})
	}

	rec := newRecorder()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	mgr := NewManager(mem, rec, clock.System(), nil, nopPresence{}, config.Default(), log)

	a := Player{UserID: aID, DisplayName: "Alice", Rating: 1500}
	b := Player{UserID: bID, DisplayName: "Bob", Rating: 1700}
	m := mgr.Create(a, b, models.MatchSettings{
		Mode:               mode,
		Difficulty:         "easy",
		Category:           "all",
		TotalQuestions:     numQuestions,
		TimePerQuestionSec: 10,
	})
	m.QuestionTime = 80 * time.Millisecond
	m.Grace = 20 * time.Millisecond
	m.InterQuestionDelay = 10 * time.Millisecond
	m.CleanupDelay = 40 * time.Millisecond

	require.NoError(t, mem.InsertMatch(context.Background(), &models.MatchRow{
		ID:      m.ID,
		PlayerA: aID,
		PlayerB: bID,
		Mode:    mode,
		Status:  models.MatchWaiting,
		HealthA: 100,
		HealthB: 100,
	}))

	return &fixture{mgr: mgr, match: m, mem: mem, rec: rec, a: a, b: b}
}

func (f *fixture) startAndWait(t *testing.T) {
	t.Helper()
	f.match.Start()
	require.Eventually(t, func() bool {
		return f.rec.count(f.a.UserID, protocol.OutGameStarted) == 1 &&
			f.rec.count(f.b.UserID, protocol.OutGameStarted) == 1
	}, time.Second, 5*time.Millisecond)
}

// answer keeps resubmitting until the answer for index is acknowledged,
// which rides out the inter-question delay.
func (f *fixture) answer(t *testing.T, p Player, index, chosen, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.match.Submit(p.UserID, protocol.AnswerSubmit{QuestionIndex: index, ChosenIndex: chosen, AnswerTimeMs: 1200})
		return f.rec.count(p.UserID, protocol.OutAnswerReceived) >= want
	}, time.Second, 5*time.Millisecond)
}

func TestAnswerDamage(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 3)
	f.startAndWait(t)

	f.answer(t, f.a, 0, 0, 1) // correct: opponent takes the hit
	got, ok := f.rec.last(f.a.UserID, protocol.OutAnswerReceived)
	require.True(t, ok)
	assert.Equal(t, true, got.Payload["correct"])
	assert.Equal(t, 100, got.Payload["playerHealth"])
	assert.Equal(t, 90, got.Payload["opponentHealth"])

	opp, ok := f.rec.last(f.b.UserID, protocol.OutOpponentAnswered)
	require.True(t, ok)
	assert.Equal(t, "attack", opp.Payload["animation"])

	f.answer(t, f.b, 0, 1, 1) // wrong: self-inflicted
	got, ok = f.rec.last(f.b.UserID, protocol.OutAnswerReceived)
	require.True(t, ok)
	assert.Equal(t, false, got.Payload["correct"])
	assert.Equal(t, 80, got.Payload["playerHealth"])
	assert.Equal(t, 100, got.Payload["opponentHealth"])

	assert.Zero(t, f.rec.count(f.a.UserID, protocol.OutGameOver))
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 3)
	f.startAndWait(t)

	f.answer(t, f.a, 0, 0, 1)
	f.match.Submit(f.a.UserID, protocol.AnswerSubmit{QuestionIndex: 0, ChosenIndex: 1, AnswerTimeMs: 50})

	// The second submit must not produce another acknowledgment or row.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.rec.count(f.a.UserID, protocol.OutAnswerReceived))
	assert.Equal(t, 1, f.mem.AnswerCount(f.match.ID))
}

func TestRankedGameOverByCorrectCount(t *testing.T) {
	f := newFixture(t, models.ModeRanked, 2)
	f.startAndWait(t)

	for i := 0; i < 2; i++ {
		f.answer(t, f.a, i, 0, i+1)
		f.answer(t, f.b, i, 1, i+1)
	}

	require.Eventually(t, func() bool {
		return f.rec.count(f.a.UserID, protocol.OutGameOver) == 1 &&
			f.rec.count(f.b.UserID, protocol.OutGameOver) == 1
	}, time.Second, 5*time.Millisecond)

	over, _ := f.rec.last(f.a.UserID, protocol.OutGameOver)
	assert.Equal(t, ReasonAllAnswered, over.Payload["reason"])
	assert.Equal(t, f.a.UserID, over.Payload["winner"])
	assert.Equal(t, f.b.UserID, over.Payload["loser"])

	row, ok := f.mem.MatchRow(f.match.ID)
	require.True(t, ok)
	assert.Equal(t, models.MatchFinished, row.Status)
	assert.Equal(t, f.a.UserID, row.WinnerID)
	assert.Equal(t, 4, f.mem.AnswerCount(f.match.ID))

	// 1500 beating 1700 at K=32 is worth 24 points each way.
	aStats, err := f.mem.StatsByUser(context.Background(), f.a.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1524, aStats.Rating)
	assert.Equal(t, 1, aStats.Wins)
	assert.Equal(t, 1, aStats.CurrentStreak)
	assert.Equal(t, 150, aStats.XP)

	bStats, err := f.mem.StatsByUser(context.Background(), f.b.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1676, bStats.Rating)
	assert.Equal(t, 1, bStats.Losses)
	assert.Equal(t, 0, bStats.CurrentStreak)

	mmr, ok := f.rec.last(f.a.UserID, protocol.OutMMRChanged)
	require.True(t, ok)
	assert.Equal(t, 1500, mmr.Payload["old"])
	assert.Equal(t, 1524, mmr.Payload["new"])
	assert.Equal(t, 24, mmr.Payload["change"])
}

func TestCasualGameDoesNotTouchRating(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 1)
	f.startAndWait(t)

	f.answer(t, f.a, 0, 0, 1)
	f.answer(t, f.b, 0, 1, 1)

	require.Eventually(t, func() bool {
		return f.rec.count(f.a.UserID, protocol.OutGameOver) == 1
	}, time.Second, 5*time.Millisecond)

	aStats, err := f.mem.StatsByUser(context.Background(), f.a.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1500, aStats.Rating)
	assert.Equal(t, 1, aStats.Wins)
	assert.Zero(t, f.rec.count(f.a.UserID, protocol.OutMMRChanged))
}

func TestTimeoutDamagesBothAndTieGoesToFirstPlayer(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 1)
	f.startAndWait(t)

	require.Eventually(t, func() bool {
		return f.rec.count(f.a.UserID, protocol.OutQuestionTimeout) == 1
	}, time.Second, 5*time.Millisecond)

	to, _ := f.rec.last(f.a.UserID, protocol.OutQuestionTimeout)
	players, ok := to.Payload["players"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, players, 2)
	assert.Equal(t, 90, players[0]["health"])
	assert.Equal(t, 90, players[1]["health"])

	require.Eventually(t, func() bool {
		return f.rec.count(f.b.UserID, protocol.OutGameOver) == 1
	}, time.Second, 5*time.Millisecond)
	over, _ := f.rec.last(f.b.UserID, protocol.OutGameOver)
	assert.Equal(t, ReasonAllAnswered, over.Payload["reason"])
	assert.Equal(t, f.a.UserID, over.Payload["winner"])
}

func TestHealthDepletionEndsImmediately(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 5)
	f.match.healthA = 10
	f.startAndWait(t)

	f.answer(t, f.b, 0, 0, 1)

	require.Eventually(t, func() bool {
		return f.rec.count(f.a.UserID, protocol.OutGameOver) == 1
	}, time.Second, 5*time.Millisecond)
	over, _ := f.rec.last(f.a.UserID, protocol.OutGameOver)
	assert.Equal(t, ReasonHealthDepleted, over.Payload["reason"])
	assert.Equal(t, f.b.UserID, over.Payload["winner"])
}

func TestForfeitAwardsOpponentOnce(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 3)
	f.startAndWait(t)

	f.match.Forfeit(f.b.UserID)

	require.Eventually(t, func() bool {
		return f.rec.count(f.a.UserID, protocol.OutGameOver) == 1
	}, time.Second, 5*time.Millisecond)

	disc, ok := f.rec.last(f.a.UserID, protocol.OutPlayerDisconnected)
	require.True(t, ok)
	assert.Equal(t, f.b.UserID, disc.Payload["userId"])
	assert.Equal(t, true, disc.Payload["autoWin"])

	over, _ := f.rec.last(f.a.UserID, protocol.OutGameOver)
	assert.Equal(t, ReasonPlayerDisconnected, over.Payload["reason"])
	assert.Equal(t, f.a.UserID, over.Payload["winner"])

	// A late forfeit from the other side must not settle again.
	f.match.Forfeit(f.a.UserID)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.rec.count(f.a.UserID, protocol.OutGameOver))
	assert.Equal(t, 1, f.rec.count(f.b.UserID, protocol.OutGameOver))

	aStats, err := f.mem.StatsByUser(context.Background(), f.a.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, aStats.Wins)
	assert.Equal(t, 0, aStats.Losses)
}

func TestInsufficientQuestionsCancelsMatch(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 0)
	f.match.Start()

	require.Eventually(t, func() bool {
		return f.rec.count(f.a.UserID, protocol.OutError) == 1 &&
			f.rec.count(f.b.UserID, protocol.OutError) == 1
	}, time.Second, 5*time.Millisecond)

	row, ok := f.mem.MatchRow(f.match.ID)
	require.True(t, ok)
	assert.Equal(t, models.MatchCancelled, row.Status)
	assert.Zero(t, f.rec.count(f.a.UserID, protocol.OutGameStarted))
}

func TestAbortOnlyBeforeStart(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 2)
	f.match.Abort()

	require.Eventually(t, func() bool {
		return f.mgr.Count() == 0
	}, time.Second, 5*time.Millisecond)

	row, ok := f.mem.MatchRow(f.match.ID)
	require.True(t, ok)
	assert.Equal(t, models.MatchCancelled, row.Status)
}

func TestMatchRemovedAfterCleanupDelay(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 1)
	f.startAndWait(t)

	f.answer(t, f.a, 0, 0, 1)
	f.answer(t, f.b, 0, 0, 1)

	require.Eventually(t, func() bool {
		return f.mgr.Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAttachWindow(t *testing.T) {
	f := newFixture(t, models.ModeCasual, 2)

	require.NoError(t, f.match.Attach(f.a.UserID))
	assert.ErrorIs(t, f.match.Attach(uuid.New()), ErrNotInMatch)

	f.startAndWait(t)
	assert.ErrorIs(t, f.match.Attach(f.a.UserID), ErrMatchActive)

	f.match.Forfeit(f.b.UserID)
	require.Eventually(t, func() bool {
		return f.match.Status() == models.MatchFinished
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.match.Attach(f.a.UserID), ErrMatchFinished)
}

func TestDisplayPoints(t *testing.T) {
	limit := 10 * time.Second
	assert.Equal(t, 200, displayPoints(limit, 0))
	assert.Equal(t, 150, displayPoints(limit, 5000))
	assert.Equal(t, 100, displayPoints(limit, 10000))
	assert.Equal(t, 100, displayPoints(limit, 15000)) // late but within grace
}
