package models

import (
	"time"

	"github.com/google/uuid"
)

// Match modes.
const (
	ModeCasual = "casual"
	ModeRanked = "ranked"
	ModeFriend = "friend"
)

// Match row statuses.
const (
	MatchWaiting   = "waiting"
	MatchPlaying   = "playing"
	MatchFinished  = "finished"
	MatchCancelled = "cancelled"
)

// MatchSettings configures a single head-to-head game.
type MatchSettings struct {
	Mode               string `json:"mode"`
	Difficulty         string `json:"difficulty"`
	Category           string `json:"category"`
	TotalQuestions     int    `json:"totalQuestions"`
	TimePerQuestionSec int    `json:"timePerQuestionSec"`
}

// MatchRow is the persisted record of a match. The in-memory authoritative
// state lives in the engine; this row tracks the durable outcome.
type MatchRow struct {
	ID         uuid.UUID
	PlayerA    uuid.UUID
	PlayerB    uuid.UUID
	Mode       string
	Status     string
	WinnerID   uuid.UUID // uuid.Nil until finished
	HealthA    int
	HealthB    int
	ScoreA     int
	ScoreB     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// AnswerRecord is one player's answer to one question of one match.
// (MatchID, UserID, QuestionIndex) identifies at most one persisted record.
type AnswerRecord struct {
	MatchID       uuid.UUID `json:"matchId"`
	UserID        uuid.UUID `json:"userId"`
	QuestionIndex int       `json:"questionIndex"`
	ChosenIndex   int       `json:"chosenIndex"`
	Correct       bool      `json:"correct"`
	AnswerTimeMs  int       `json:"answerTimeMs"`
}
