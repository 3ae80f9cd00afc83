package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stake-arena/models"
	"stake-arena/vault"
)

func createDuelLobby(t *testing.T, h *harness, creator models.User) *models.Lobby {
	t.Helper()
	lobby, err := h.lobbies.CreateLobby(context.Background(), CreateLobbyInput{
		Name:        "Quick Duel",
		CreatorID:   creator.ID,
		StakeAmount: testStake,
		MaxPlayers:  2,
		TxHash:      "tx-create-" + creator.ID,
	})
	require.NoError(t, err)
	return lobby
}

func TestCreateLobbyValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.user(t, "creator")

	_, err := h.lobbies.CreateLobby(ctx, CreateLobbyInput{CreatorID: creator.ID, StakeAmount: testStake, MaxPlayers: 3, TxHash: "a"})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = h.lobbies.CreateLobby(ctx, CreateLobbyInput{CreatorID: creator.ID, StakeAmount: 1000, MaxPlayers: 2, TxHash: "a"})
	assert.ErrorIs(t, err, ErrInvalidStake)

	h.vault.acceptAll = false
	_, err = h.lobbies.CreateLobby(ctx, CreateLobbyInput{CreatorID: creator.ID, StakeAmount: testStake, MaxPlayers: 2, TxHash: "forged"})
	assert.ErrorIs(t, err, ErrDepositMismatch)

	var lobbies, stakes int64
	require.NoError(t, h.db.Model(&models.Lobby{}).Count(&lobbies).Error)
	require.NoError(t, h.db.Model(&models.StakeTransaction{}).Count(&stakes).Error)
	assert.Zero(t, lobbies)
	assert.Zero(t, stakes)
}

func TestCreateLobbySeatsStakedCreator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.user(t, "creator")

	lobby, err := h.lobbies.CreateLobby(ctx, CreateLobbyInput{
		Name:        "Weekend Cup",
		CreatorID:   creator.ID,
		StakeAmount: testStake,
		MaxPlayers:  8,
		TxHash:      "tx-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LobbyWaiting, lobby.Status)
	assert.Equal(t, 1, lobby.CurrentPlayers)
	assert.Len(t, lobby.Code, codeLength)
	require.Len(t, lobby.Participants, 1)
	assert.True(t, lobby.Participants[0].HasStaked)

	require.NotNil(t, lobby.TournamentID)
	var tour models.Tournament
	require.NoError(t, h.db.First(&tour, "id = ?", *lobby.TournamentID).Error)
	assert.Equal(t, 8*testStake, tour.PrizePool)
	assert.Equal(t, models.TournamentWaiting, tour.Status)
	assert.Contains(t, tour.Slug, "weekend-cup-")

	var st models.StakeTransaction
	require.NoError(t, h.db.First(&st, "tx_hash = ?", "tx-1").Error)
	assert.Equal(t, models.StakeValidated, st.Status)
}

func TestJoinLobbyCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.user(t, "creator")
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	lobby := createDuelLobby(t, h, creator)

	_, err := h.lobbies.JoinLobby(ctx, JoinInput{Code: lobby.Code, UserID: creator.ID})
	assert.ErrorIs(t, err, ErrAlreadyInLobby)

	_, err = h.lobbies.JoinLobby(ctx, JoinInput{Code: lobby.Code, UserID: alice.ID})
	require.NoError(t, err)
	got, err := h.lobbies.GetLobby(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPlayers)
	assert.Len(t, got.Participants, 2)

	_, err = h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: bob.ID})
	assert.ErrorIs(t, err, ErrLobbyFull)

	got, err = h.lobbies.GetLobby(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPlayers)
}

func TestConcurrentJoinsTakeOneSeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lobby := createDuelLobby(t, h, h.user(t, "creator"))

	const racers = 6
	users := make([]models.User, racers)
	for i := range users {
		users[i] = h.user(t, fmt.Sprintf("racer%d", i))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		full int
	)
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: u.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrLobbyFull):
				full++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, racers-1, full)
	got, err := h.lobbies.GetLobby(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPlayers)
}

func TestStakedPlayersCannotLeaveOrBeKicked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.user(t, "creator")
	alice := h.user(t, "alice")
	bob := h.user(t, "bob")

	lobby, err := h.lobbies.CreateLobby(ctx, CreateLobbyInput{Name: "Four", CreatorID: creator.ID, StakeAmount: testStake, MaxPlayers: 4, TxHash: "tx-c"})
	require.NoError(t, err)
	for _, u := range []models.User{alice, bob} {
		_, err := h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: u.ID})
		require.NoError(t, err)
	}
	_, err = h.lobbies.SubmitStake(ctx, StakeInput{LobbyID: lobby.ID, UserID: alice.ID, TxHash: "tx-a"})
	require.NoError(t, err)

	assert.ErrorIs(t, h.lobbies.LeaveLobby(ctx, lobby.ID, alice.ID), ErrStakeLocked)
	assert.ErrorIs(t, h.lobbies.LeaveLobby(ctx, lobby.ID, creator.ID), ErrStakeLocked)
	assert.ErrorIs(t, h.lobbies.KickPlayer(ctx, lobby.ID, creator.ID, alice.ID), ErrStakeLocked)
	assert.ErrorIs(t, h.lobbies.KickPlayer(ctx, lobby.ID, alice.ID, bob.ID), ErrNotLobbyCreator)
	assert.ErrorIs(t, h.lobbies.KickPlayer(ctx, lobby.ID, creator.ID, creator.ID), ErrCannotKickSelf)

	require.NoError(t, h.lobbies.KickPlayer(ctx, lobby.ID, creator.ID, bob.ID))
	got, err := h.lobbies.GetLobby(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPlayers)

	var tour models.Tournament
	require.NoError(t, h.db.First(&tour, "id = ?", *lobby.TournamentID).Error)
	assert.Equal(t, 2, tour.CurrentPlayers)

	_, err = h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: bob.ID})
	require.NoError(t, err)
	require.NoError(t, h.lobbies.LeaveLobby(ctx, lobby.ID, bob.ID))
	assert.ErrorIs(t, h.lobbies.LeaveLobby(ctx, lobby.ID, bob.ID), ErrNotInLobby)
}

func TestSubmitStakeRollsBackRejectedDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.user(t, "creator")
	alice := h.user(t, "alice")

	lobby := createDuelLobby(t, h, creator)
	_, err := h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: alice.ID})
	require.NoError(t, err)

	h.vault.acceptAll = false
	_, err = h.lobbies.SubmitStake(ctx, StakeInput{LobbyID: lobby.ID, UserID: alice.ID, TxHash: "tx-bad"})
	assert.ErrorIs(t, err, ErrDepositMismatch)

	var p models.LobbyParticipant
	require.NoError(t, h.db.Where("lobby_id = ? AND user_id = ?", lobby.ID, alice.ID).First(&p).Error)
	assert.False(t, p.HasStaked)
	assert.Nil(t, p.StakeTransactionHash)
	var stakes int64
	require.NoError(t, h.db.Model(&models.StakeTransaction{}).Where("tx_hash = ?", "tx-bad").Count(&stakes).Error)
	assert.Zero(t, stakes)

	h.vault.valid["tx-good"] = true
	got, err := h.lobbies.SubmitStake(ctx, StakeInput{LobbyID: lobby.ID, UserID: alice.ID, TxHash: "tx-good"})
	require.NoError(t, err)
	assert.True(t, got.HasStaked)
	assert.True(t, got.IsReady)

	_, err = h.lobbies.SubmitStake(ctx, StakeInput{LobbyID: lobby.ID, UserID: alice.ID, TxHash: "tx-good-2"})
	assert.ErrorIs(t, err, ErrAlreadyStaked)
}

func TestStakeHashCannotBeReused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.user(t, "creator")
	alice := h.user(t, "alice")

	lobby := createDuelLobby(t, h, creator)
	_, err := h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: alice.ID})
	require.NoError(t, err)

	_, err = h.lobbies.SubmitStake(ctx, StakeInput{LobbyID: lobby.ID, UserID: alice.ID, TxHash: "tx-create-" + creator.ID})
	assert.ErrorIs(t, err, ErrStakeTxReused)

	var p models.LobbyParticipant
	require.NoError(t, h.db.Where("lobby_id = ? AND user_id = ?", lobby.ID, alice.ID).First(&p).Error)
	assert.False(t, p.HasStaked)
}

func TestCloseLobbyRefundsEveryStake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lobby, players := h.fullLobby(t, 4)

	_, err := h.lobbies.CloseLobby(ctx, lobby.ID, players[1].ID)
	assert.ErrorIs(t, err, ErrNotLobbyCreator)

	res, err := h.lobbies.CloseLobby(ctx, lobby.ID, players[0].ID)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	require.Len(t, res.Refunds, 4)

	net, err := h.calc.Net(testStake)
	require.NoError(t, err)
	refunded := map[string]bool{}
	for _, p := range res.Refunds {
		assert.Equal(t, models.PayoutRefund, p.Kind)
		assert.Equal(t, net.Net, p.Net)
		assert.Equal(t, models.PayoutConfirmed, p.Status)
		refunded[p.UserID] = true
	}
	assert.Len(t, refunded, 4)
	assert.Len(t, h.vault.Transfers(), 4)

	_, err = h.lobbies.GetLobby(ctx, lobby.ID)
	assert.ErrorIs(t, err, ErrLobbyNotFound)

	var tour models.Tournament
	require.NoError(t, h.db.First(&tour, "id = ?", *lobby.TournamentID).Error)
	assert.Equal(t, models.TournamentCancelled, tour.Status)
}

func TestCloseLobbyKeepsRowsWhenRefundFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lobby, players := h.fullLobby(t, 2)

	h.vault.setPayoutErr(errors.New("connection reset"))
	res, err := h.lobbies.CloseLobby(ctx, lobby.ID, players[0].ID)
	require.NoError(t, err)
	assert.Len(t, res.Failed, 2)

	got, err := h.lobbies.GetLobby(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LobbyClosed, got.Status)
	assert.NotNil(t, got.DisbandedAt)

	n, err := h.lobbies.PurgeClosedLobbies(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeClosedLobbiesAfterRetriedRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lobby, players := h.fullLobby(t, 2)

	h.vault.setPayoutErr(&vault.TransferError{Definitive: true, Reason: "rejected"})
	res, err := h.lobbies.CloseLobby(ctx, lobby.ID, players[0].ID)
	require.NoError(t, err)
	require.Len(t, res.Failed, 2)

	h.vault.setPayoutErr(nil)
	retried, err := h.payouts.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, retried)

	n, err := h.lobbies.PurgeClosedLobbies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.lobbies.GetLobby(ctx, lobby.ID)
	assert.ErrorIs(t, err, ErrLobbyNotFound)
}

func TestWithdrawStake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lobby, players := h.fullLobby(t, 4)

	_, err := h.lobbies.WithdrawStake(ctx, lobby.ID, players[0].ID)
	assert.ErrorIs(t, err, ErrCreatorCannotWithdraw)

	payout, err := h.lobbies.WithdrawStake(ctx, lobby.ID, players[2].ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutWithdrawal, payout.Kind)
	assert.Equal(t, models.PayoutConfirmed, payout.Status)
	assert.Equal(t, players[2].WalletAddress, payout.Recipient)

	got, err := h.lobbies.GetLobby(ctx, lobby.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentPlayers)

	_, err = h.lobbies.WithdrawStake(ctx, lobby.ID, players[2].ID)
	assert.ErrorIs(t, err, ErrNotInLobby)
}

func TestStartMatchPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creator := h.user(t, "creator")
	alice := h.user(t, "alice")

	lobby := createDuelLobby(t, h, creator)
	_, err := h.lobbies.StartMatch(ctx, lobby.ID, creator.ID)
	assert.ErrorIs(t, err, ErrLobbyNotReady)

	_, err = h.lobbies.JoinLobby(ctx, JoinInput{LobbyID: lobby.ID, UserID: alice.ID})
	require.NoError(t, err)
	_, err = h.lobbies.StartMatch(ctx, lobby.ID, creator.ID)
	assert.ErrorIs(t, err, ErrLobbyNotReady)

	_, err = h.lobbies.SubmitStake(ctx, StakeInput{LobbyID: lobby.ID, UserID: alice.ID, TxHash: "tx-a"})
	require.NoError(t, err)
	_, err = h.lobbies.StartMatch(ctx, lobby.ID, alice.ID)
	assert.ErrorIs(t, err, ErrNotLobbyCreator)

	res, err := h.lobbies.StartMatch(ctx, lobby.ID, creator.ID)
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Nil(t, res.TournamentID)

	parts := h.participants(t, res.Matches[0].ID)
	require.Len(t, parts, 2)
	assert.Equal(t, creator.ID, parts[0].UserID)
	assert.Equal(t, alice.ID, parts[1].UserID)
	h.openRound(t, res.Matches[0].ID)

	_, err = h.lobbies.GetLobby(ctx, lobby.ID)
	assert.ErrorIs(t, err, ErrLobbyNotFound)
}
