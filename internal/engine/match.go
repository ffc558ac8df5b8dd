package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brainbrawl/brainbrawl/internal/clock"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
)

// initialHealth is each player's starting health.
const initialHealth = 100

// End-of-game reasons.
const (
	ReasonAllAnswered           = "all_questions_answered"
	ReasonHealthDepleted        = "health_depleted"
	ReasonPlayerDisconnected    = "player_disconnected"
	ReasonInsufficientQuestions = "insufficient_questions"
)

// Errors surfaced to reconnect/attach callers.
var (
	ErrMatchFinished = errors.New("match already finished")
	ErrMatchActive   = errors.New("match already in progress")
	ErrNotInMatch    = errors.New("user is not a player in this match")
)

type command interface{}

type startCmd struct{}
type answerCmd struct {
	userID uuid.UUID
	sub    protocol.AnswerSubmit
}
type timeoutCmd struct{ index int }
type advanceCmd struct{ index int }
type forfeitCmd struct{ userID uuid.UUID }
type abortCmd struct{}
type removeCmd struct{}

// Match is one live head-to-head game. All state below the cmds channel is
// owned by the actor goroutine; everything else is immutable after Create
// except the duration knobs, which tests shrink before Start.
type Match struct {
	ID       uuid.UUID
	PlayerA  Player
	PlayerB  Player
	Settings models.MatchSettings

	QuestionTime       time.Duration
	Grace              time.Duration
	InterQuestionDelay time.Duration
	CleanupDelay       time.Duration

	mgr  *Manager
	cmds chan command
	done chan struct{}

	statusMu sync.RWMutex
	status   string

	// Actor-owned state.
	questions         []models.Question
	currentIndex      int
	questionStartedAt time.Time
	healthA           int
	healthB           int
	answersLog        []models.AnswerRecord
	unsaved           []models.AnswerRecord
	answered          map[uuid.UUID]bool
	correctCount      map[uuid.UUID]int
	points            map[uuid.UUID]int
	questionTimer     clock.Timer
	delayTimer        clock.Timer
	endReason         string
	winnerID          uuid.UUID
	loserID           uuid.UUID
}

// Status reads the current lifecycle phase.
func (m *Match) Status() string {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

func (m *Match) setStatus(s string) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
}

// HasPlayer reports whether userID is one of the two participants.
func (m *Match) HasPlayer(userID uuid.UUID) bool {
	return m.PlayerA.UserID == userID || m.PlayerB.UserID == userID
}

func (m *Match) opponentOf(userID uuid.UUID) Player {
	if m.PlayerA.UserID == userID {
		return m.PlayerB
	}
	return m.PlayerA
}

// Start begins play: question load, broadcast, first deadline.
func (m *Match) Start() { m.post(startCmd{}) }

// Submit evaluates one player's answer to the current question.
func (m *Match) Submit(userID uuid.UUID, sub protocol.AnswerSubmit) {
	m.post(answerCmd{userID: userID, sub: sub})
}

// Forfeit ends the match against the disconnecting player.
func (m *Match) Forfeit(userID uuid.UUID) { m.post(forfeitCmd{userID: userID}) }

// Abort cancels a match that never started (confirmation declined or timed
// out). The row is marked cancelled and no settlement runs.
func (m *Match) Abort() { m.post(abortCmd{}) }

// Attach validates a reconnection attempt. Sockets may only re-attach
// while the match is still waiting; the registry swap itself is the
// caller's job.
func (m *Match) Attach(userID uuid.UUID) error {
	if !m.HasPlayer(userID) {
		return ErrNotInMatch
	}
	switch m.Status() {
	case models.MatchWaiting:
		return nil
	case models.MatchFinished:
		return ErrMatchFinished
	default:
		return ErrMatchActive
	}
}

func (m *Match) post(c command) {
	select {
	case m.cmds <- c:
	case <-m.done:
	}
}

// run is the actor loop. It is the sole writer of match state.
func (m *Match) run() {
	for c := range m.cmds {
		switch cmd := c.(type) {
		case startCmd:
			m.handleStart()
		case answerCmd:
			m.handleAnswer(cmd.userID, cmd.sub)
		case timeoutCmd:
			m.handleTimeout(cmd.index)
		case advanceCmd:
			m.handleAdvance(cmd.index)
		case forfeitCmd:
			m.handleForfeit(cmd.userID)
		case abortCmd:
			if m.handleAbort() {
				return
			}
		case removeCmd:
			m.mgr.remove(m.ID)
			close(m.done)
			return
		}
	}
}

func (m *Match) handleStart() {
	if m.Status() != models.MatchWaiting {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	questions, err := m.mgr.store.RandomQuestions(ctx, m.Settings.Difficulty, m.Settings.Category, m.Settings.TotalQuestions)
	cancel()
	if err != nil {
		m.mgr.log.Errorf("match %s: question load failed: %v", m.ID, err)
	}
	if len(questions) == 0 {
		m.endInsufficientQuestions()
		return
	}
	m.questions = questions

	// Cache the question sequence for the match; no re-queries mid-match.
	for i, q := range m.questions {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.mgr.store.InsertMatchQuestion(ctx, m.ID, i, q.ID); err != nil {
			m.mgr.log.Warnf("match %s: persisting question %d failed: %v", m.ID, i, err)
		}
		cancel()
	}

	now := m.mgr.clock.Now()
	m.updateRow(models.MatchPlaying, now, time.Time{})
	m.setStatus(models.MatchPlaying)

	m.broadcast(protocol.OutGameStarted, map[string]interface{}{
		"players": []map[string]interface{}{
			{"userId": m.PlayerA.UserID, "displayName": m.PlayerA.DisplayName, "rating": m.PlayerA.Rating, "health": m.healthA},
			{"userId": m.PlayerB.UserID, "displayName": m.PlayerB.DisplayName, "rating": m.PlayerB.Rating, "health": m.healthB},
		},
		"gameState": map[string]interface{}{
			"matchId":        m.ID,
			"currentIndex":   0,
			"totalQuestions": len(m.questions),
			"status":         models.MatchPlaying,
		},
		"serverTime": now.UnixMilli(),
	})

	// Clients render locally from the full sequence; the server stays
	// authoritative for correctness and timing.
	public := make([]models.PublicQuestion, len(m.questions))
	for i, q := range m.questions {
		public[i] = q.Public(i)
	}
	m.broadcast(protocol.OutGameQuestionsAll, map[string]interface{}{
		"matchId":            m.ID,
		"questions":          public,
		"timePerQuestionSec": m.Settings.TimePerQuestionSec,
	})

	m.beginQuestion(0)
}

func (m *Match) beginQuestion(index int) {
	m.currentIndex = index
	m.answered = make(map[uuid.UUID]bool)
	m.questionStartedAt = m.mgr.clock.Now()

	deadline := m.QuestionTime + m.Grace
	m.questionTimer = m.mgr.clock.Schedule(deadline, func() {
		m.post(timeoutCmd{index: index})
	})
}

func (m *Match) handleAnswer(userID uuid.UUID, sub protocol.AnswerSubmit) {
	if m.Status() != models.MatchPlaying {
		if m.Status() == models.MatchFinished {
			m.sendError(userID, protocol.CodeMatchFinished, "match has already finished")
		}
		return
	}
	if !m.HasPlayer(userID) {
		m.sendError(userID, protocol.CodeNotInMatch, "you are not a player in this match")
		return
	}
	if sub.QuestionIndex != m.currentIndex {
		// Late answers for a question that already advanced are dropped.
		return
	}
	if m.answered[userID] {
		return
	}
	m.answered[userID] = true

	q := m.questions[m.currentIndex]
	correct := sub.ChosenIndex >= 0 && sub.ChosenIndex < len(q.Choices) && sub.ChosenIndex == q.CorrectIndex

	record := models.AnswerRecord{
		MatchID:       m.ID,
		UserID:        userID,
		QuestionIndex: m.currentIndex,
		ChosenIndex:   sub.ChosenIndex,
		Correct:       correct,
		AnswerTimeMs:  sub.AnswerTimeMs,
	}
	m.answersLog = append(m.answersLog, record)
	m.persistAnswer(record)

	opponent := m.opponentOf(userID)
	dmg := m.mgr.cfg.Game.DamagePerAnswer
	if correct {
		m.applyDamage(opponent.UserID, dmg)
		m.correctCount[userID]++
		m.points[userID] += displayPoints(m.QuestionTime, sub.AnswerTimeMs)
	} else {
		m.applyDamage(userID, dmg)
	}

	animation := "hurt"
	if correct {
		animation = "attack"
	}

	m.send(userID, protocol.OutAnswerReceived, map[string]interface{}{
		"questionIndex":      m.currentIndex,
		"correctAnswerIndex": q.CorrectIndex,
		"correct":            correct,
		"points":             m.points[userID],
		"playerHealth":       m.healthOf(userID),
		"opponentHealth":     m.healthOf(opponent.UserID),
	})
	m.send(opponent.UserID, protocol.OutOpponentAnswered, map[string]interface{}{
		"questionIndex": m.currentIndex,
		"correct":       correct,
		"animation":     animation,
	})
	m.broadcastHealths()

	if m.healthA <= 0 || m.healthB <= 0 {
		m.endGame(ReasonHealthDepleted, uuid.Nil)
		return
	}

	if m.answered[m.PlayerA.UserID] && m.answered[m.PlayerB.UserID] {
		if m.questionTimer != nil {
			m.questionTimer.Cancel()
		}
		m.scheduleNext()
	}
}

func (m *Match) handleTimeout(index int) {
	if m.Status() != models.MatchPlaying || index != m.currentIndex {
		return
	}

	dmg := m.mgr.cfg.Game.DamageOnTimeout
	m.applyDamage(m.PlayerA.UserID, dmg)
	m.applyDamage(m.PlayerB.UserID, dmg)

	q := m.questions[m.currentIndex]
	m.broadcast(protocol.OutQuestionTimeout, map[string]interface{}{
		"questionIndex":      m.currentIndex,
		"correctAnswerIndex": q.CorrectIndex,
		"players": []map[string]interface{}{
			{"userId": m.PlayerA.UserID, "tookDamage": dmg, "health": m.healthA},
			{"userId": m.PlayerB.UserID, "tookDamage": dmg, "health": m.healthB},
		},
	})

	if m.healthA <= 0 || m.healthB <= 0 {
		m.endGame(ReasonHealthDepleted, uuid.Nil)
		return
	}
	m.scheduleNext()
}

// scheduleNext ends the game after the last question or schedules the
// advance to the next one.
func (m *Match) scheduleNext() {
	if m.currentIndex+1 >= len(m.questions) {
		m.endGame(ReasonAllAnswered, uuid.Nil)
		return
	}
	next := m.currentIndex + 1
	m.delayTimer = m.mgr.clock.Schedule(m.InterQuestionDelay, func() {
		m.post(advanceCmd{index: next})
	})
}

func (m *Match) handleAdvance(index int) {
	if m.Status() != models.MatchPlaying || index != m.currentIndex+1 {
		return
	}
	m.beginQuestion(index)
}

func (m *Match) handleForfeit(userID uuid.UUID) {
	if m.Status() == models.MatchFinished || !m.HasPlayer(userID) {
		return
	}
	m.endGame(ReasonPlayerDisconnected, userID)
}

// handleAbort cancels a never-started match. Reports whether the actor
// should exit.
func (m *Match) handleAbort() bool {
	if m.Status() != models.MatchWaiting {
		return false
	}
	m.setStatus(models.MatchFinished)
	m.cancelTimers()
	m.updateRow(models.MatchCancelled, time.Time{}, time.Time{})
	m.mgr.remove(m.ID)
	close(m.done)
	return true
}

func (m *Match) endInsufficientQuestions() {
	m.setStatus(models.MatchFinished)
	m.cancelTimers()
	payload := protocol.ErrorPayload{
		Code:    protocol.CodeInsufficientQuestions,
		Message: "not enough questions for the requested difficulty and category",
	}
	m.broadcast(protocol.OutError, payload)
	m.updateRow(models.MatchCancelled, time.Time{}, time.Time{})
	m.mgr.presence.ClearMatch(m.PlayerA.UserID)
	m.mgr.presence.ClearMatch(m.PlayerB.UserID)
	m.scheduleRemoval()
}

// endGame flips the match to finished exactly once, determines the winner,
// and runs settlement. Re-entry is a no-op.
func (m *Match) endGame(reason string, forfeiter uuid.UUID) {
	if m.Status() == models.MatchFinished {
		return
	}
	m.setStatus(models.MatchFinished)
	m.cancelTimers()
	m.endReason = reason
	m.winnerID, m.loserID = m.decideWinner(reason, forfeiter)

	if reason == ReasonPlayerDisconnected {
		m.send(m.winnerID, protocol.OutPlayerDisconnected, map[string]interface{}{
			"userId":  m.loserID,
			"autoWin": true,
		})
	}

	m.settle()
	m.scheduleRemoval()
}

func (m *Match) decideWinner(reason string, forfeiter uuid.UUID) (winner, loser uuid.UUID) {
	a, b := m.PlayerA.UserID, m.PlayerB.UserID
	switch reason {
	case ReasonPlayerDisconnected:
		if forfeiter == a {
			return b, a
		}
		return a, b
	case ReasonHealthDepleted:
		if m.healthB > m.healthA {
			return b, a
		}
		return a, b
	default: // all questions answered
		if m.correctCount[b] > m.correctCount[a] {
			return b, a
		}
		if m.correctCount[a] == m.correctCount[b] && m.points[b] > m.points[a] {
			return b, a
		}
		return a, b
	}
}

func (m *Match) applyDamage(userID uuid.UUID, dmg int) {
	if userID == m.PlayerA.UserID {
		m.healthA = clampHealth(m.healthA - dmg)
	} else {
		m.healthB = clampHealth(m.healthB - dmg)
	}
}

func (m *Match) healthOf(userID uuid.UUID) int {
	if userID == m.PlayerA.UserID {
		return m.healthA
	}
	return m.healthB
}

func (m *Match) broadcastHealths() {
	m.broadcast(protocol.OutBattleUpdate, map[string]interface{}{
		"healths": map[string]int{
			m.PlayerA.UserID.String(): m.healthA,
			m.PlayerB.UserID.String(): m.healthB,
		},
	})
}

func (m *Match) cancelTimers() {
	if m.questionTimer != nil {
		m.questionTimer.Cancel()
	}
	if m.delayTimer != nil {
		m.delayTimer.Cancel()
	}
}

func (m *Match) scheduleRemoval() {
	m.mgr.clock.Schedule(m.CleanupDelay, func() {
		m.post(removeCmd{})
	})
}

func (m *Match) persistAnswer(record models.AnswerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.mgr.store.InsertAnswer(ctx, record); err != nil {
		m.mgr.log.Warnf("match %s: answer persist failed (will retry at settlement): %v", m.ID, err)
		m.unsaved = append(m.unsaved, record)
	}
}

func (m *Match) updateRow(status string, startedAt, finishedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := m.mgr.store.UpdateMatch(ctx, matchUpdate(m, status, startedAt, finishedAt))
	if err != nil {
		m.mgr.log.Warnf("match %s: row update to %s failed: %v", m.ID, status, err)
	}
}

func (m *Match) broadcast(msgType string, payload interface{}) {
	m.send(m.PlayerA.UserID, msgType, payload)
	m.send(m.PlayerB.UserID, msgType, payload)
}

func (m *Match) send(userID uuid.UUID, msgType string, payload interface{}) {
	m.mgr.msgr.SendToUser(userID, msgType, payload)
}

func (m *Match) sendError(userID uuid.UUID, code, message string) {
	m.send(userID, protocol.OutError, protocol.ErrorPayload{Code: code, Message: message})
}

func clampHealth(h int) int {
	if h < 0 {
		return 0
	}
	if h > initialHealth {
		return initialHealth
	}
	return h
}

// displayPoints is per-answer telemetry, not the win condition:
// round(100 * (1 + remaining/timeLimit)) for a correct answer.
func displayPoints(timeLimit time.Duration, answerTimeMs int) int {
	limitMs := float64(timeLimit.Milliseconds())
	if limitMs <= 0 {
		return 100
	}
	remaining := limitMs - float64(answerTimeMs)
	if remaining < 0 {
		remaining = 0
	}
	return int(math.Round(100 * (1 + remaining/limitMs)))
}
