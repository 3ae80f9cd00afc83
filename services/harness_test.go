package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"stake-arena/config"
	"stake-arena/database"
	"stake-arena/events"
	"stake-arena/models"
	"stake-arena/vault"
)

const testStake int64 = 100_000_000

type scheduledRound struct {
	after time.Duration
	fire  func(ctx context.Context)
}

// fakeScheduler records armed timers; tests resolve rounds explicitly.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs map[string]scheduledRound
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]scheduledRound{}}
}

func (f *fakeScheduler) Schedule(roundID string, after time.Duration, fire func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[roundID] = scheduledRound{after: after, fire: fire}
}

func (f *fakeScheduler) Cancel(roundID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, roundID)
}

func (f *fakeScheduler) After(roundID string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[roundID]
	return j.after, ok
}

// Fire runs an armed timer the way the real scheduler would.
func (f *fakeScheduler) Fire(ctx context.Context, roundID string) bool {
	f.mu.Lock()
	j, ok := f.jobs[roundID]
	delete(f.jobs, roundID)
	f.mu.Unlock()
	if ok {
		j.fire(ctx)
	}
	return ok
}

type fakeVault struct {
	mu          sync.Mutex
	acceptAll   bool
	valid       map[string]bool
	validateErr error
	payoutErr   error
	transfers   []vault.Transfer
}

func (v *fakeVault) ValidateDeposit(_ context.Context, c vault.DepositCheck) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.validateErr != nil {
		return false, v.validateErr
	}
	return v.acceptAll || v.valid[c.TxHash], nil
}

func (v *fakeVault) Payout(_ context.Context, t vault.Transfer) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.payoutErr != nil {
		return "", v.payoutErr
	}
	v.transfers = append(v.transfers, t)
	return "sig-" + t.Key, nil
}

func (v *fakeVault) setPayoutErr(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.payoutErr = err
}

func (v *fakeVault) Transfers() []vault.Transfer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vault.Transfer(nil), v.transfers...)
}

type harness struct {
	db      *gorm.DB
	timer   *fakeScheduler
	vault   *fakeVault
	bus     *events.Bus
	calc    vault.Calculator
	payouts *PayoutService
	game    *GameService
	bracket *BracketService
	lobbies *LobbyService
	users   *UserService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := database.OpenTest(t)
	log := zerolog.Nop()
	cfg := config.GameConfig{
		RoundTimeout:       20 * time.Second,
		WinsToClinch:       3,
		ResolveOnBothMoves: true,
	}

	h := &harness{
		db:    db,
		timer: newFakeScheduler(),
		vault: &fakeVault{acceptAll: true, valid: map[string]bool{}},
		bus:   events.NewBus(1024),
		calc:  vault.NewCalculator(vault.DefaultFeeBps, vault.DefaultGasBuffer),
	}
	h.payouts = NewPayoutService(db, h.vault, h.calc, nil, h.bus, log)
	h.game = NewGameService(db, cfg, h.timer, h.payouts, h.bus, log)
	h.bracket = NewBracketService(db, cfg, h.game, h.payouts, log)
	h.bracket.shuffle = func(int, func(i, j int)) {}
	h.game.SetBracketHandler(h.bracket)
	h.lobbies = NewLobbyService(db, h.game, h.bracket, h.payouts, h.vault, h.calc, log)
	h.users = NewUserService(db, h.bus, log)
	return h
}

func (h *harness) user(t *testing.T, name string) models.User {
	t.Helper()
	u, err := h.users.EnsureUser(context.Background(), "wallet-"+name, name)
	require.NoError(t, err)
	return *u
}

// fullLobby creates a lobby of the given size where every seat is joined and staked.
func (h *harness) fullLobby(t *testing.T, size int) (*models.Lobby, []models.User) {
	t.Helper()
	ctx := context.Background()

	players := make([]models.User, size)
	for i := range players {
		players[i] = h.user(t, fmt.Sprintf("player%d", i+1))
	}
	lobby, err := h.lobbies.CreateLobby(ctx, CreateLobbyInput{
		Name:        "Friday Night",
		CreatorID:   players[0].ID,
		StakeAmount: testStake,
		MaxPlayers:  size,
		TxHash:      "tx-" + players[0].ID,
	})
	require.NoError(t, err)

	for _, p := range players[1:] {
		_, err := h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: p.ID})
		require.NoError(t, err)
		_, err = h.lobbies.SubmitStake(ctx, StakeInput{LobbyID: lobby.ID, UserID: p.ID, TxHash: "tx-" + p.ID})
		require.NoError(t, err)
	}
	return lobby, players
}

// startDuel returns a started 1v1 match with its position 1 and 2 players.
func (h *harness) startDuel(t *testing.T) (models.Match, models.User, models.User) {
	t.Helper()
	lobby, players := h.fullLobby(t, 2)
	res, err := h.lobbies.StartMatch(context.Background(), lobby.ID, players[0].ID)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	return res.Matches[0], players[0], players[1]
}

func (h *harness) openRound(t *testing.T, matchID string) models.GameRound {
	t.Helper()
	var r models.GameRound
	require.NoError(t, h.db.Where("match_id = ? AND status = ?", matchID, models.RoundInProgress).First(&r).Error)
	return r
}

func (h *harness) match(t *testing.T, matchID string) models.Match {
	t.Helper()
	var m models.Match
	require.NoError(t, h.db.First(&m, "id = ?", matchID).Error)
	return m
}

func (h *harness) participants(t *testing.T, matchID string) []models.MatchParticipant {
	t.Helper()
	var parts []models.MatchParticipant
	require.NoError(t, h.db.Where("match_id = ?", matchID).Order("position").Find(&parts).Error)
	return parts
}

// submit plays the round's moves without resolving it. An empty move is skipped.
func (h *harness) submit(t *testing.T, matchID, move1, move2 string) models.GameRound {
	t.Helper()
	ctx := context.Background()
	round := h.openRound(t, matchID)
	parts := h.participants(t, matchID)
	require.Len(t, parts, 2)

	for i, mv := range []string{move1, move2} {
		if mv == "" {
			continue
		}
		_, err := h.game.SubmitMove(ctx, MoveInput{MatchID: matchID, UserID: parts[i].UserID, RoundNumber: round.RoundNumber, Move: mv})
		require.NoError(t, err)
	}
	return round
}

func (h *harness) playRound(t *testing.T, matchID, move1, move2 string) *RoundResult {
	t.Helper()
	round := h.submit(t, matchID, move1, move2)
	res, err := h.game.ResolveRound(context.Background(), round.ID)
	require.NoError(t, err)
	return res
}

// winMatch plays rounds until position 1 (or 2) has clinched.
func (h *harness) winMatch(t *testing.T, matchID string, position int) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if position == 1 {
			h.playRound(t, matchID, "rock", "scissors")
		} else {
			h.playRound(t, matchID, "scissors", "rock")
		}
	}
}
