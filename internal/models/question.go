package models

import "github.com/google/uuid"

// Question is a quiz question as loaded from the question bank.
// CorrectIndex never leaves the server; client payloads are built from
// Public().
type Question struct {
	ID           uuid.UUID `json:"id"`
	Text         string    `json:"text"`
	Choices      []string  `json:"choices"`
	CorrectIndex int       `json:"correctIndex"`
	Difficulty   string    `json:"difficulty"`
	Category     string    `json:"category"`
}

// PublicQuestion is the client-safe projection of a Question.
type PublicQuestion struct {
	ID         uuid.UUID `json:"id"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Choices    []string  `json:"choices"`
	Difficulty string    `json:"difficulty"`
	Category   string    `json:"category"`
}

// Public strips the correct index for broadcast to clients.
func (q Question) Public(index int) PublicQuestion {
	return PublicQuestion{
		ID:         q.ID,
		Index:      index,
		Text:       q.Text,
		Choices:    q.Choices,
		Difficulty: q.Difficulty,
		Category:   q.Category,
	}
}
