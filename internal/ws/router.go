package ws

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/registry"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

// HandlerFunc processes one inbound envelope for an authenticated session.
type HandlerFunc func(ctx context.Context, sess *registry.Session, env *protocol.Envelope)

// Router decodes inbound envelopes, dispatches by type, and provides the
// fan-out primitives used by every subsystem.
type Router struct {
	handlers map[string]HandlerFunc
	reg      *registry.Registry
	store    store.Store
	log      *logrus.Logger
}

// NewRouter builds an empty dispatch table.
func NewRouter(reg *registry.Registry, st store.Store, log *logrus.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		reg:      reg,
		store:    st,
		log:      log,
	}
}

// Handle installs the handler for a message type. Registration happens at
// startup, before any dispatching; the table is read-only afterwards.
func (r *Router) Handle(msgType string, h HandlerFunc) {
	r.handlers[msgType] = h
}

// Dispatch routes one raw frame. Handler panics are recovered, logged with
// session context, and surfaced as INTERNAL_ERROR; the session stays open.
func (r *Router) Dispatch(ctx context.Context, sess *registry.Session, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		r.log.Warnf("session %s: undecodable frame: %v", sess.ID, err)
		sess.SendError(protocol.CodeMessageProcessing, "could not decode message")
		return
	}

	h, ok := r.handlers[env.Type]
	if !ok {
		sess.SendError(protocol.CodeUnknownMessageType, "unknown message type: "+env.Type)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logrus.Fields{
				"session": sess.ID,
				"user":    sess.UserID,
				"type":    env.Type,
			}).Errorf("handler panic: %v", rec)
			sess.SendError(protocol.CodeInternalError, "internal error")
		}
	}()
	h(ctx, sess, env)
}

// SendToUser delivers to a user's live session, if any. Reports whether a
// session was found.
func (r *Router) SendToUser(userID uuid.UUID, msgType string, payload interface{}) bool {
	s, ok := r.reg.ByUser(userID)
	if !ok {
		return false
	}
	s.Send(msgType, payload)
	return true
}

// BroadcastToUsers fans out to each user's live session. Used for both
// match (two recipients) and lobby (members snapshot) audiences.
func (r *Router) BroadcastToUsers(userIDs []uuid.UUID, msgType string, payload interface{}) {
	for _, id := range userIDs {
		r.SendToUser(id, msgType, payload)
	}
}

// BroadcastToFriends delivers to the online friends of a user.
func (r *Router) BroadcastToFriends(ctx context.Context, userID uuid.UUID, msgType string, payload interface{}) {
	friends, err := r.store.FriendIDs(ctx, userID)
	if err != nil {
		r.log.Warnf("friend lookup failed for %s: %v", userID, err)
		return
	}
	for _, fid := range friends {
		r.SendToUser(fid, msgType, payload)
	}
}
