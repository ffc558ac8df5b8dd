// Package protocol defines the wire envelope and the message catalogue for
// the quiz battle websocket channel. Every frame is a UTF-8 JSON object of
// shape {type, payload}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types.
const (
	InAuthConnect   = "auth:connect"
	InPing          = "connection.ping"
	InReconnect     = "connection.reconnect"
	InStatusUpdate  = "user.status.update"
	InFind          = "matchmaking.find"
	InCancelFind    = "matchmaking.cancel"
	InConfirm       = "matchmaking.confirm"
	InLobbyCreate   = "lobby.create"
	InLobbyJoin     = "lobby.join"
	InLobbyReady    = "lobby.ready"
	InLobbyStart    = "lobby.start"
	InLobbyLeave    = "lobby.leave"
	InLobbyKick     = "lobby.kick"
	InLobbyListSync = "lobby.list.sync"
	InGameConnect   = "game.connect"
	InAnswerSubmit  = "game.answer.submit"
)

// Outbound message types.
const (
	OutAuthConnected      = "auth.connected"
	OutAuthError          = "auth.error"
	OutPong               = "connection.pong"
	OutReconnected        = "connection.reconnected"
	OutDisconnect         = "connection.disconnect"
	OutStatusChanged      = "user.status.changed"
	OutSearching          = "matchmaking.searching"
	OutConfirmRequest     = "matchmaking.confirm.request"
	OutConfirmStatus      = "matchmaking.confirm.status"
	OutCancelled          = "matchmaking.cancelled"
	OutLobbyCreated       = "lobby.created"
	OutLobbyPlayerJoined  = "lobby.player.joined"
	OutLobbyPlayerReady   = "lobby.player.ready"
	OutLobbyGameStarting  = "lobby.game.starting"
	OutLobbyPlayerLeft    = "lobby.player_left"
	OutLobbyPlayerKicked  = "lobby.player.kicked"
	OutLobbyListData      = "lobby.list.data"
	OutGameStarted        = "game.started"
	OutGameQuestionsAll   = "game.questions.all"
	OutAnswerReceived     = "game.answer.received"
	OutOpponentAnswered   = "game.opponent.answered"
	OutBattleUpdate       = "game.battle.update"
	OutQuestionTimeout    = "game.question.timeout"
	OutGameOver           = "game.over"
	OutPlayerDisconnected = "game.player.disconnected"
	OutPlayerReconnected  = "game.player.reconnected"
	OutMMRChanged         = "ranked.mmr.changed"
	OutError              = "error"
)

// Machine error codes surfaced in error envelopes.
const (
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeUnknownMessageType    = "UNKNOWN_MESSAGE_TYPE"
	CodeMessageProcessing     = "MESSAGE_PROCESSING_ERROR"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeAlreadyInGame         = "ALREADY_IN_GAME"
	CodeNotFriends            = "NOT_FRIENDS"
	CodeUserOffline           = "USER_OFFLINE"
	CodeNotReady              = "NOT_READY"
	CodeMatchNotFound         = "MATCH_NOT_FOUND"
	CodeNotInMatch            = "NOT_IN_MATCH"
	CodeMatchFinished         = "MATCH_FINISHED"
	CodeLobbyNotFound         = "LOBBY_NOT_FOUND"
	CodeLobbyFull             = "LOBBY_FULL"
	CodeInviteNotFound        = "INVITE_NOT_FOUND"
	CodeRequestNotFound       = "REQUEST_NOT_FOUND"
	CodeLobbyCodeGeneration   = "LOBBY_CODE_GENERATION_FAILED"
	CodeInternalError         = "INTERNAL_ERROR"
	CodeInsufficientQuestions = "insufficient_questions"
)

// Disconnect reasons.
const (
	ReasonDuplicateSession = "duplicate_session"
	ReasonIdleTimeout      = "idle_timeout"
)

// ErrBadEnvelope is returned when a frame is not a valid {type, payload}
// object.
var ErrBadEnvelope = errors.New("malformed message envelope")

// Envelope is the wire frame. Payload stays raw until the router knows the
// concrete type to decode into.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	return &env, nil
}

// Encode marshals an outbound envelope. The payload may be any
// JSON-marshalable value; nil yields an empty payload object.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Bind decodes the payload into the given variant struct. Ill-typed fields
// fail the decode rather than being coerced.
func (e *Envelope) Bind(v interface{}) error {
	raw := e.Payload
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ErrorPayload is the body of every error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
