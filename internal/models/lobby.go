package models

import (
	"time"

	"github.com/google/uuid"
)

// Lobby statuses.
const (
	LobbyWaiting  = "waiting"
	LobbyStarting = "starting"
	LobbyInGame   = "in_game"
	LobbyFinished = "finished"
)

// LobbyRow is the persisted snapshot of a private lobby.
type LobbyRow struct {
	ID         uuid.UUID
	Code       string
	HostUserID uuid.UUID
	MaxPlayers int
	IsPrivate  bool
	Status     string
	ExpiresAt  time.Time
}

// Notification is an opaque payload handed to the notifications table on
// behalf of downstream features; the core only inserts them.
type Notification struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Kind      string
	Body      map[string]interface{}
	CreatedAt time.Time
}
