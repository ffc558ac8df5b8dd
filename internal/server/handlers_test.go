package server

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

	"github.com/brainbrawl/brainbrawl/internal/config"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/registry"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []struct {
		Type    string
		Payload interface{}
	}
}

func (c *fakeConn) Send(msgType string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, struct {
		Type    string
		Payload interface{}
	}{msgType, payload})
}

func (c *fakeConn) Close(reason string) {}

func (c *fakeConn) count(msgType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (c *fakeConn) lastPayload(msgType string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Type == msgType {
			return c.msgs[i].Payload, true
		}
	}
	return nil, false
}

func (c *fakeConn) lastErrorCode() string {
	p, ok := c.lastPayload(protocol.OutError)
	if !ok {
		return ""
	}
	ep, _ := p.(protocol.ErrorPayload)
	return ep.Code
}

type harness struct {
	srv *Server
	mem *store.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mem := store.NewMemory()
	for i := 0; i < 10; i++ {
		mem.AddQuestions(models.Question{
			Text:         fmt.Sprintf("q%d", i),
			Choices:      []string{"a", "b", "c", "d"},
			CorrectIndex: 0,
			Difficulty:   "easy",
			Category:     "science",
		})
	}

	cfg := config.Default()
	cfg.Game.StartDelaySec = 0

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return &harness{srv: New(cfg, mem, nil, log), mem: mem}
}

// connect seeds a user and registers a live session backed by a fake
// socket.
func (h *harness) connect(name string, rating int) (*registry.Session, *fakeConn) {
	id := h.mem.AddUser(models.User{Username: name, DisplayName: name}, rating)
	conn := &fakeConn{}
	sess := registry.NewSession(id, name, conn)
	h.srv.Registry.Register(sess)
	return sess, conn
}

func (h *harness) dispatch(t *testing.T, sess *registry.Session, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	h.srv.Router.Dispatch(context.Background(), sess, data)
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connect("alice", 1500)

	h.dispatch(t, sess, protocol.InPing, protocol.Ping{UserID: sess.UserID.String()})
	assert.Equal(t, 1, conn.count(protocol.OutPong))
}

func TestPayloadUserMismatchRejected(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connect("alice", 1500)

	h.dispatch(t, sess, protocol.InFind, protocol.Find{
		UserID: uuid.NewString(),
		Mode:   models.ModeCasual,
	})
	assert.Equal(t, protocol.CodeUnauthorized, conn.lastErrorCode())
	assert.Zero(t, h.srv.Matching.QueueLen())
}

func TestFindRejectsUnknownMode(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connect("alice", 1500)

	h.dispatch(t, sess, protocol.InFind, protocol.Find{Mode: "speedrun"})
	assert.Equal(t, protocol.CodeInvalidRequest, conn.lastErrorCode())
}

func TestFindWhileInMatchRejected(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connect("alice", 1500)
	sess.SetMatch(uuid.New())

	h.dispatch(t, sess, protocol.InFind, protocol.Find{Mode: models.ModeCasual, Difficulty: "easy"})
	assert.Equal(t, protocol.CodeAlreadyInGame, conn.lastErrorCode())
}

func TestLobbyCreateWhileSearchingRejected(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connect("alice", 1500)

	h.dispatch(t, sess, protocol.InFind, protocol.Find{Mode: models.ModeCasual, Difficulty: "easy"})
	require.Equal(t, 1, h.srv.Matching.QueueLen())

	h.dispatch(t, sess, protocol.InLobbyCreate, protocol.LobbyCreate{})
	assert.Equal(t, protocol.CodeAlreadyInGame, conn.lastErrorCode())
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connect("alice", 1500)

	h.dispatch(t, sess, "game.cheat", nil)
	assert.Equal(t, protocol.CodeUnknownMessageType, conn.lastErrorCode())
}

func TestRepeatAuthRejected(t *testing.T) {
	h := newHarness(t)
	sess, conn := h.connect("alice", 1500)

	h.dispatch(t, sess, protocol.InAuthConnect, protocol.AuthConnect{Token: "whatever"})
	assert.Equal(t, protocol.CodeInvalidRequest, conn.lastErrorCode())
}

func TestMatchFlowOverDispatch(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := h.connect("alice", 1500)
	bob, bobConn := h.connect("bob", 1520)

	find := func(sess *registry.Session) protocol.Find {
		return protocol.Find{
			UserID:     sess.UserID.String(),
			Mode:       models.ModeCasual,
			Difficulty: "easy",
			Category:   "all",
		}
	}
	h.dispatch(t, alice, protocol.InFind, find(alice))
	assert.Equal(t, 1, aliceConn.count(protocol.OutSearching))

	h.dispatch(t, bob, protocol.InFind, find(bob))
	require.Equal(t, 1, aliceConn.count(protocol.OutConfirmRequest))
	require.Equal(t, 1, bobConn.count(protocol.OutConfirmRequest))

	p, _ := aliceConn.lastPayload(protocol.OutConfirmRequest)
	matchID := p.(map[string]interface{})["matchId"].(uuid.UUID)

	confirm := func(sess *registry.Session) protocol.Confirm {
		return protocol.Confirm{
			UserID:    sess.UserID.String(),
			MatchID:   matchID.String(),
			Confirmed: true,
		}
	}
	h.dispatch(t, alice, protocol.InConfirm, confirm(alice))
	h.dispatch(t, bob, protocol.InConfirm, confirm(bob))

	// Both confirmed and the start delay is zero, so play begins.
	require.Eventually(t, func() bool {
		return aliceConn.count(protocol.OutGameStarted) == 1 &&
			bobConn.count(protocol.OutGameStarted) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, matchID, alice.MatchID())
	assert.Equal(t, registry.StatusInGame, alice.Status())
}

func TestCleanupForfeitsLiveMatch(t *testing.T) {
	h := newHarness(t)
	alice, aliceConn := h.connect("alice", 1500)
	bob, _ := h.connect("bob", 1520)

	find := protocol.Find{Mode: models.ModeCasual, Difficulty: "easy", Category: "all"}
	h.dispatch(t, alice, protocol.InFind, find)
	h.dispatch(t, bob, protocol.InFind, find)

	p, ok := aliceConn.lastPayload(protocol.OutConfirmRequest)
	require.True(t, ok)
	matchID := p.(map[string]interface{})["matchId"].(uuid.UUID)

	h.dispatch(t, alice, protocol.InConfirm, protocol.Confirm{MatchID: matchID.String(), Confirmed: true})
	h.dispatch(t, bob, protocol.InConfirm, protocol.Confirm{MatchID: matchID.String(), Confirmed: true})
	require.Eventually(t, func() bool {
		return aliceConn.count(protocol.OutGameStarted) == 1
	}, time.Second, 5*time.Millisecond)

	// Bob's socket dies: alice wins by forfeit.
	h.srv.Registry.Deregister(bob.ID)
	h.srv.cleanup(bob)

	require.Eventually(t, func() bool {
		return aliceConn.count(protocol.OutGameOver) == 1
	}, time.Second, 5*time.Millisecond)
	p, _ = aliceConn.lastPayload(protocol.OutGameOver)
	assert.Equal(t, alice.UserID, p.(map[string]interface{})["winner"])
}

func TestCleanupSkipsReplacedSession(t *testing.T) {
	h := newHarness(t)
	old, _ := h.connect("alice", 1500)

	h.dispatch(t, old, protocol.InFind, protocol.Find{Mode: models.ModeCasual, Difficulty: "easy"})
	require.Equal(t, 1, h.srv.Matching.QueueLen())

	// Same user logs in again; the old socket's teardown must not tear
	// down state the new session inherited.
	fresh := registry.NewSession(old.UserID, "alice", &fakeConn{})
	h.srv.Registry.Register(fresh)

	h.srv.cleanup(old)
	assert.Equal(t, 1, h.srv.Matching.QueueLen())
}

func TestDuplicateLoginKeepsMatchBinding(t *testing.T) {
	h := newHarness(t)
	old, _ := h.connect("alice", 1500)
	matchID := uuid.New()
	old.SetMatch(matchID)

	freshConn := &fakeConn{}
	fresh := registry.NewSession(old.UserID, "alice", freshConn)
	h.srv.Registry.Register(fresh)

	// The new socket carries the live match, so the in-game guards still
	// hold after a relogin.
	require.Equal(t, matchID, fresh.MatchID())
	h.dispatch(t, fresh, protocol.InFind, protocol.Find{Mode: models.ModeCasual, Difficulty: "easy"})
	assert.Equal(t, protocol.CodeAlreadyInGame, freshConn.lastErrorCode())
	assert.Zero(t, h.srv.Matching.QueueLen())
}

func TestStatusUpdateFansOutToFriends(t *testing.T) {
	h := newHarness(t)
	alice, _ := h.connect("alice", 1500)
	friend, friendConn := h.connect("friend", 1500)
	h.mem.SetFriends(alice.UserID, friend.UserID)

	h.dispatch(t, alice, protocol.InStatusUpdate, protocol.StatusUpdate{Status: registry.StatusAway})

	assert.Equal(t, registry.StatusAway, alice.Status())
	require.Equal(t, 1, friendConn.count(protocol.OutStatusChanged))
}
