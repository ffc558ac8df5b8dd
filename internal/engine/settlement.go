package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/brainbrawl/brainbrawl/internal/events"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/rating"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

// Reward grants per outcome. Cosmetic economy numbers, not tuned.
const (
	winnerXP     = 150
	winnerCoins  = 50
	winnerPoints = 100
	loserXP      = 50
	loserCoins   = 10
	loserPoints  = 30
)

// reward is the per-player grant included in the game.over payload.
type reward struct {
	XP     int `json:"xp"`
	Coins  int `json:"coins"`
	Points int `json:"points"`
}

// settle runs the post-game pipeline on the actor goroutine: flush unsaved
// answers, finalize the match row, apply stats and ratings, publish hook
// events, broadcast game.over, and release presence. Every persistence step
// is best-effort; a failed write is logged and the pipeline keeps going so
// both players always receive game.over.
func (m *Match) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.flushUnsaved(ctx)

	finishedAt := m.mgr.clock.Now()
	m.updateRow(models.MatchFinished, time.Time{}, finishedAt)

	ranked := m.Settings.Mode == models.ModeRanked
	winner, loser := m.winnerID, m.loserID

	// Rating deltas come from the pre-match snapshot carried on the Player,
	// so a concurrent stats write cannot skew the exchange.
	oldWinner := m.playerByID(winner).Rating
	oldLoser := m.playerByID(loser).Rating
	newWinner, newLoser := oldWinner, oldLoser
	if ranked {
		k := m.mgr.cfg.Rating.K
		if k <= 0 {
			k = rating.DefaultK
		}
		newWinner, newLoser = rating.Apply(k, oldWinner, oldLoser)
	}

	totalAnswered := make(map[uuid.UUID]int)
	for _, r := range m.answersLog {
		totalAnswered[r.UserID]++
	}

	winnerDelta := store.StatsDelta{
		Wins:          1,
		Correct:       m.correctCount[winner],
		TotalAnswered: totalAnswered[winner],
		XP:            winnerXP,
		Coins:         winnerCoins,
		IncrStreak:    true,
	}
	loserDelta := store.StatsDelta{
		Losses:        1,
		Correct:       m.correctCount[loser],
		TotalAnswered: totalAnswered[loser],
		XP:            loserXP,
		Coins:         loserCoins,
		ResetStreak:   true,
	}
	if ranked {
		nw, nl := newWinner, newLoser
		winnerDelta.NewRating = &nw
		loserDelta.NewRating = &nl
	}

	winnerStats := m.applyDelta(ctx, winner, winnerDelta)
	loserStats := m.applyDelta(ctx, loser, loserDelta)

	if ranked {
		m.notifyMMRChange(winner, oldWinner, newWinner)
		m.notifyMMRChange(loser, oldLoser, newLoser)
	}

	m.publishHooks(ctx, winner, winnerStats, true)
	m.publishHooks(ctx, loser, loserStats, false)

	over := map[string]interface{}{
		"matchId": m.ID,
		"reason":  m.endReason,
		"winner":  winner,
		"loser":   loser,
		"finalState": map[string]interface{}{
			"healths": map[string]int{
				m.PlayerA.UserID.String(): m.healthA,
				m.PlayerB.UserID.String(): m.healthB,
			},
			"correct": map[string]int{
				m.PlayerA.UserID.String(): m.correctCount[m.PlayerA.UserID],
				m.PlayerB.UserID.String(): m.correctCount[m.PlayerB.UserID],
			},
			"points": map[string]int{
				m.PlayerA.UserID.String(): m.points[m.PlayerA.UserID],
				m.PlayerB.UserID.String(): m.points[m.PlayerB.UserID],
			},
		},
		"rewards": map[string]reward{
			winner.String(): {XP: winnerXP, Coins: winnerCoins, Points: winnerPoints},
			loser.String():  {XP: loserXP, Coins: loserCoins, Points: loserPoints},
		},
		"gameHistory": m.answersLog,
	}
	if ranked {
		over["ratings"] = map[string]int{
			winner.String(): newWinner,
			loser.String():  newLoser,
		}
	}
	m.broadcast(protocol.OutGameOver, over)

	m.mgr.presence.ClearMatch(m.PlayerA.UserID)
	m.mgr.presence.ClearMatch(m.PlayerB.UserID)
}

// flushUnsaved retries answer rows whose first insert failed. Duplicate
// inserts are ignored by the store, so a retry after a partial failure is
// safe.
func (m *Match) flushUnsaved(ctx context.Context) {
	for _, rec := range m.unsaved {
		if err := m.mgr.store.InsertAnswer(ctx, rec); err != nil {
			m.mgr.log.Errorf("match %s: answer for q%d by %s lost: %v", m.ID, rec.QuestionIndex, rec.UserID, err)
		}
	}
	m.unsaved = nil
}

func (m *Match) applyDelta(ctx context.Context, userID uuid.UUID, d store.StatsDelta) *models.UserStats {
	stats, err := m.mgr.store.ApplyStatsDelta(ctx, userID, d)
	if err != nil {
		m.mgr.log.Errorf("match %s: stats settlement for %s failed: %v", m.ID, userID, err)
		return nil
	}
	return stats
}

func (m *Match) notifyMMRChange(userID uuid.UUID, oldRating, newRating int) {
	oldTier := rating.TierFor(oldRating)
	newTier := rating.TierFor(newRating)
	m.send(userID, protocol.OutMMRChanged, map[string]interface{}{
		"old":      oldRating,
		"new":      newRating,
		"change":   newRating - oldRating,
		"oldTier":  oldTier,
		"newTier":  newTier,
		"promoted": newTier.Tier != oldTier.Tier && newRating > oldRating,
		"demoted":  newTier.Tier != oldTier.Tier && newRating < oldRating,
	})
}

// publishHooks hands the result to the async workers. The payload carries
// the post-settlement stats snapshot so workers never see mid-update
// values.
func (m *Match) publishHooks(ctx context.Context, userID uuid.UUID, stats *models.UserStats, won bool) {
	payload := map[string]interface{}{
		"mode":    m.Settings.Mode,
		"won":     won,
		"correct": m.correctCount[userID],
	}
	if stats != nil {
		payload["stats"] = stats
	}

	m.mgr.events.Publish(ctx, events.Event{
		Kind:    events.KindMissionProgress,
		UserID:  userID,
		MatchID: m.ID,
		Payload: payload,
	})
	m.mgr.events.Publish(ctx, events.Event{
		Kind:    events.KindAchievementCheck,
		UserID:  userID,
		MatchID: m.ID,
		Payload: payload,
	})

	err := m.mgr.store.InsertNotification(ctx, models.Notification{
		ID:     uuid.New(),
		UserID: userID,
		Kind:   "match_result",
		Body: map[string]interface{}{
			"matchId": m.ID.String(),
			"won":     won,
			"reason":  m.endReason,
		},
		CreatedAt: m.mgr.clock.Now(),
	})
	if err != nil {
		m.mgr.log.Warnf("match %s: result notification for %s failed: %v", m.ID, userID, err)
	}
}

func (m *Match) playerByID(userID uuid.UUID) Player {
	if m.PlayerA.UserID == userID {
		return m.PlayerA
	}
	return m.PlayerB
}

func matchUpdate(m *Match, status string, startedAt, finishedAt time.Time) store.MatchUpdate {
	return store.MatchUpdate{
		MatchID:    m.ID,
		Status:     status,
		WinnerID:   m.winnerID,
		HealthA:    m.healthA,
		HealthB:    m.healthB,
		ScoreA:     m.points[m.PlayerA.UserID],
		ScoreB:     m.points[m.PlayerB.UserID],
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
}
