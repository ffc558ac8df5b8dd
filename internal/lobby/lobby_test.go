package lobby

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainbrawl/brainbrawl/internal/clock"
	"github.com/brainbrawl/brainbrawl/internal/config"
	"github.com/brainbrawl/brainbrawl/internal/engine"
	"github.com/brainbrawl/brainbrawl/internal/models"
	"github.com/brainbrawl/brainbrawl/internal/protocol"
	"github.com/brainbrawl/brainbrawl/internal/store"
)

type recMsg struct {
	Type    string
	Payload map[string]interface{}
}

type recorder struct {
	mu   sync.Mutex
	msgs map[uuid.UUID][]recMsg
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[uuid.UUID][]recMsg)}
}

func (r *recorder) SendToUser(userID uuid.UUID, msgType string, payload interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, _ := payload.(map[string]interface{})
	r.msgs[userID] = append(r.msgs[userID], recMsg{Type: msgType, Payload: body})
	return true
}

func (r *recorder) count(userID uuid.UUID, msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs[userID] {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (r *recorder) last(userID uuid.UUID, msgType string) (recMsg, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs[userID]) - 1; i >= 0; i-- {
		if r.msgs[userID][i].Type == msgType {
			return r.msgs[userID][i], true
		}
	}
	return recMsg{}, false
}

type fakePresence struct {
	mu      sync.Mutex
	lobbies map[uuid.UUID]uuid.UUID
	matches map[uuid.UUID]uuid.UUID
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		lobbies: make(map[uuid.UUID]uuid.UUID),
		matches: make(map[uuid.UUID]uuid.UUID),
	}
}

func (p *fakePresence) SetLobby(userID, lobbyID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lobbies[userID] = lobbyID
}

func (p *fakePresence) SetMatch(userID, matchID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.matches[userID] = matchID
}

func (p *fakePresence) ClearMatch(userID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.matches, userID)
}

type fixture struct {
	lobbies *Manager
	rec     *recorder
	pres    *fakePresence
	mem     *store.Memory
}

func newFixture(t *testing.T) *fixture {
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

	rec := newRecorder()
	pres := newFakePresence()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	cfg.Game.StartDelaySec = 0
	cfg.Lobby.MaxPlayers = 4

	eng := engine.NewManager(mem, rec, clock.System(), nil, pres, cfg, log)
	return &fixture{
		lobbies: NewManager(eng, mem, rec, pres, clock.System(), cfg, log),
		rec:     rec,
		pres:    pres,
		mem:     mem,
	}
}

func player(mem *store.Memory, name string) engine.Player {
	id := mem.AddUser(models.User{Username: name, DisplayName: name}, 1200)
	return engine.Player{UserID: id, DisplayName: name, Rating: 1200}
}

// createLobby opens a lobby for host and returns its id and code.
func createLobby(t *testing.T, f *fixture, host engine.Player) (uuid.UUID, string) {
	t.Helper()
	require.Empty(t, f.lobbies.Create(host, protocol.LobbyCreate{}))
	created, ok := f.rec.last(host.UserID, protocol.OutLobbyCreated)
	require.True(t, ok)
	return created.Payload["lobbyId"].(uuid.UUID), created.Payload["code"].(string)
}

func TestCreateHostIsReady(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")

	_, code := createLobby(t, f, host)
	assert.Len(t, code, 6)

	created, _ := f.rec.last(host.UserID, protocol.OutLobbyCreated)
	members := created.Payload["members"].([]map[string]interface{})
	require.Len(t, members, 1)
	assert.Equal(t, true, members[0]["ready"])
	assert.Equal(t, true, members[0]["isHost"])
}

func TestJoinByCode(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	guest := player(f.mem, "guest")

	lobbyID, code := createLobby(t, f, host)
	require.Empty(t, f.lobbies.Join(guest, code))

	// Both sides see the new roster.
	assert.Equal(t, 1, f.rec.count(host.UserID, protocol.OutLobbyPlayerJoined))
	assert.Equal(t, 1, f.rec.count(guest.UserID, protocol.OutLobbyPlayerJoined))

	joined, _ := f.rec.last(guest.UserID, protocol.OutLobbyPlayerJoined)
	members := joined.Payload["members"].([]map[string]interface{})
	assert.Len(t, members, 2)

	f.pres.mu.Lock()
	assert.Equal(t, lobbyID, f.pres.lobbies[guest.UserID])
	f.pres.mu.Unlock()
}

func TestJoinUnknownCode(t *testing.T) {
	f := newFixture(t)
	guest := player(f.mem, "guest")
	assert.Equal(t, protocol.CodeLobbyNotFound, f.lobbies.Join(guest, "NOPE01"))
}

func TestJoinFullLobby(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	_, code := createLobby(t, f, host)

	for i := 0; i < 3; i++ {
		require.Empty(t, f.lobbies.Join(player(f.mem, fmt.Sprintf("guest%d", i)), code))
	}
	assert.Equal(t, protocol.CodeLobbyFull, f.lobbies.Join(player(f.mem, "late"), code))
}

func TestStartRequiresHostAndReady(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	guest := player(f.mem, "guest")

	lobbyID, code := createLobby(t, f, host)
	require.Empty(t, f.lobbies.Join(guest, code))

	// Guest cannot start, and the host cannot start before everyone is
	// ready.
	assert.Equal(t, protocol.CodeUnauthorized, f.lobbies.Start(guest.UserID, lobbyID))
	assert.Equal(t, protocol.CodeNotReady, f.lobbies.Start(host.UserID, lobbyID))

	require.Empty(t, f.lobbies.SetReady(guest.UserID, lobbyID, true))
	require.Empty(t, f.lobbies.Start(host.UserID, lobbyID))

	starting, ok := f.rec.last(guest.UserID, protocol.OutLobbyGameStarting)
	require.True(t, ok)
	matchID := starting.Payload["matchId"].(uuid.UUID)

	f.pres.mu.Lock()
	assert.Equal(t, matchID, f.pres.matches[host.UserID])
	assert.Equal(t, matchID, f.pres.matches[guest.UserID])
	f.pres.mu.Unlock()

	require.Eventually(t, func() bool {
		return f.rec.count(host.UserID, protocol.OutGameStarted) == 1 &&
			f.rec.count(guest.UserID, protocol.OutGameStarted) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStartReleasesLobby(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	guest := player(f.mem, "guest")

	lobbyID, code := createLobby(t, f, host)
	require.Empty(t, f.lobbies.Join(guest, code))
	require.Empty(t, f.lobbies.SetReady(guest.UserID, lobbyID, true))
	require.Empty(t, f.lobbies.Start(host.UserID, lobbyID))

	// Seats and the code are released at handoff; only the match binding
	// remains on the players.
	assert.Zero(t, f.lobbies.Count())
	f.pres.mu.Lock()
	assert.Equal(t, uuid.Nil, f.pres.lobbies[host.UserID])
	assert.Equal(t, uuid.Nil, f.pres.lobbies[guest.UserID])
	assert.NotEqual(t, uuid.Nil, f.pres.matches[guest.UserID])
	f.pres.mu.Unlock()

	assert.Equal(t, protocol.CodeLobbyNotFound, f.lobbies.Start(host.UserID, lobbyID))
	assert.Equal(t, protocol.CodeLobbyNotFound, f.lobbies.Join(player(f.mem, "late"), code))

	// Nothing still pins the members; a fresh lobby opens fine.
	require.Empty(t, f.lobbies.Create(host, protocol.LobbyCreate{}))
}

func TestSweepReclaimsExpiredLobby(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	lobbyID, _ := createLobby(t, f, host)

	f.lobbies.mu.Lock()
	f.lobbies.lobbies[lobbyID].ExpiresAt = time.Now().Add(-time.Hour)
	f.lobbies.mu.Unlock()

	f.lobbies.sweepExpired()
	assert.Zero(t, f.lobbies.Count())
	assert.Equal(t, 1, f.rec.count(host.UserID, protocol.OutLobbyListData))

	// The seat is free again.
	require.Empty(t, f.lobbies.Create(host, protocol.LobbyCreate{}))
}

func TestStartAloneRejected(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	lobbyID, _ := createLobby(t, f, host)
	assert.Equal(t, protocol.CodeNotReady, f.lobbies.Start(host.UserID, lobbyID))
}

func TestHostLeaveTransfersToOldestMember(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	first := player(f.mem, "first")
	second := player(f.mem, "second")

	lobbyID, code := createLobby(t, f, host)
	require.Empty(t, f.lobbies.Join(first, code))
	require.Empty(t, f.lobbies.Join(second, code))

	require.Empty(t, f.lobbies.Leave(host.UserID, lobbyID))

	left, ok := f.rec.last(first.UserID, protocol.OutLobbyPlayerLeft)
	require.True(t, ok)
	assert.Equal(t, host.UserID, left.Payload["userId"])
	assert.Equal(t, first.UserID, left.Payload["newHostId"])

	lobby := left.Payload["lobby"].(map[string]interface{})
	assert.Equal(t, first.UserID, lobby["hostId"])
}

func TestLastLeaveDeletesLobby(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	lobbyID, code := createLobby(t, f, host)

	require.Empty(t, f.lobbies.Leave(host.UserID, lobbyID))
	assert.Zero(t, f.lobbies.Count())

	// The code is free again; a new lobby can reuse the namespace.
	guest := player(f.mem, "guest")
	assert.Equal(t, protocol.CodeLobbyNotFound, f.lobbies.Join(guest, code))
}

func TestKickIsHostOnly(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	guest := player(f.mem, "guest")
	other := player(f.mem, "other")

	lobbyID, code := createLobby(t, f, host)
	require.Empty(t, f.lobbies.Join(guest, code))
	require.Empty(t, f.lobbies.Join(other, code))

	assert.Equal(t, protocol.CodeUnauthorized, f.lobbies.Kick(guest.UserID, lobbyID, other.UserID))
	assert.Equal(t, protocol.CodeInvalidRequest, f.lobbies.Kick(host.UserID, lobbyID, host.UserID))

	require.Empty(t, f.lobbies.Kick(host.UserID, lobbyID, guest.UserID))
	assert.Equal(t, 1, f.rec.count(guest.UserID, protocol.OutLobbyPlayerKicked))

	// The kicked player can rejoin.
	require.Empty(t, f.lobbies.Join(guest, code))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	stranger := player(f.mem, "stranger")

	createLobby(t, f, host)
	require.Empty(t, f.lobbies.Snapshot(host.UserID))
	assert.Equal(t, 1, f.rec.count(host.UserID, protocol.OutLobbyListData))

	assert.Equal(t, protocol.CodeLobbyNotFound, f.lobbies.Snapshot(stranger.UserID))
}

func TestSecondLobbyWhileSeatedRejected(t *testing.T) {
	f := newFixture(t)
	host := player(f.mem, "host")
	createLobby(t, f, host)

	assert.Equal(t, protocol.CodeInvalidRequest, f.lobbies.Create(host, protocol.LobbyCreate{}))
}
