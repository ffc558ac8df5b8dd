package protocol

// Inbound payload variants, one per message type. Every client message
// carries the caller's userId, which must match the authenticated session.

// AuthConnect authenticates a freshly opened socket.
type AuthConnect struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}

// Ping keeps the session alive.
type Ping struct {
	UserID string `json:"userId"`
}

// StatusUpdate changes the caller's presence status.
type StatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// Find enqueues the caller for matchmaking.
type Find struct {
	UserID             string `json:"userId"`
	Mode               string `json:"mode"`
	Difficulty         string `json:"difficulty"`
	Category           string `json:"category"`
	TotalQuestions     int    `json:"totalQuestions,omitempty"`
	TimePerQuestionSec int    `json:"timePerQuestionSec,omitempty"`
}

// CancelFind removes the caller from the queue.
type CancelFind struct {
	UserID string `json:"userId"`
}

// Confirm answers a matchmaking.confirm.request.
type Confirm struct {
	UserID    string `json:"userId"`
	MatchID   string `json:"matchId"`
	Confirmed bool   `json:"confirmed"`
}

// LobbyCreate opens a new private lobby hosted by the caller.
type LobbyCreate struct {
	UserID             string `json:"userId"`
	MaxPlayers         int    `json:"maxPlayers,omitempty"`
	IsPrivate          *bool  `json:"isPrivate,omitempty"`
	Difficulty         string `json:"difficulty,omitempty"`
	Category           string `json:"category,omitempty"`
	TotalQuestions     int    `json:"totalQuestions,omitempty"`
	TimePerQuestionSec int    `json:"timePerQuestionSec,omitempty"`
}

// LobbyJoin joins a lobby by its 6-char code.
type LobbyJoin struct {
	UserID string `json:"userId"`
	Code   string `json:"code"`
}

// LobbyReady toggles the caller's ready flag.
type LobbyReady struct {
	UserID  string `json:"userId"`
	LobbyID string `json:"lobbyId"`
	Ready   bool   `json:"ready"`
}

// LobbyStart is the host-only request to begin the match.
type LobbyStart struct {
	UserID  string `json:"userId"`
	LobbyID string `json:"lobbyId"`
}

// LobbyLeave removes the caller from their lobby.
type LobbyLeave struct {
	UserID  string `json:"userId"`
	LobbyID string `json:"lobbyId"`
}

// LobbyKick is the host-only request to remove another member.
type LobbyKick struct {
	UserID   string `json:"userId"`
	LobbyID  string `json:"lobbyId"`
	TargetID string `json:"targetId"`
}

// LobbyListSync requests a fresh snapshot of the caller's lobby.
type LobbyListSync struct {
	UserID string `json:"userId"`
}

// GameConnect attaches the caller's socket to a match they belong to. It
// is the payload of both game.connect and connection.reconnect.
type GameConnect struct {
	UserID  string `json:"userId"`
	MatchID string `json:"matchId"`
}

// AnswerSubmit is the caller's answer to the current question.
type AnswerSubmit struct {
	UserID        string `json:"userId"`
	MatchID       string `json:"matchId"`
	QuestionID    string `json:"questionId"`
	QuestionIndex int    `json:"questionIndex"`
	ChosenIndex   int    `json:"chosenIndex"`
	AnswerTimeMs  int    `json:"answerTimeMs"`
}
