package models

import "github.com/google/uuid"

// User is a row in the users directory. The realtime core only reads it
// during authentication; account CRUD lives in a separate service.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Password    string    `json:"password,omitempty"` // argon2id encoded hash
	DisplayName string    `json:"displayName"`
}

// UserStats holds the persistent per-user counters mutated by settlement.
type UserStats struct {
	UserID        uuid.UUID `json:"userId"`
	Rating        int       `json:"rating"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	Draws         int       `json:"draws"`
	TotalGames    int       `json:"totalGames"`
	CurrentStreak int       `json:"currentStreak"`
	BestStreak    int       `json:"bestStreak"`
	Correct       int       `json:"correct"`
	TotalAnswered int       `json:"totalAnswered"`
	Level         int       `json:"level"`
	XP            int       `json:"xp"`
	Coins         int       `json:"coins"`
}
