package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stake-arena/models"
	"stake-arena/vault"
)

func prizeRequest(u models.User) PayoutRequest {
	return PayoutRequest{
		Kind:        models.PayoutPrize,
		ReferenceID: "match-1",
		UserID:      u.ID,
		Recipient:   u.WalletAddress,
		Gross:       2 * testStake,
	}
}

func TestPayoutIsSentOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := prizeRequest(h.user(t, "winner"))

	first, err := h.payouts.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutConfirmed, first.Status)
	require.NotNil(t, first.Signature)
	assert.Equal(t, "sig-"+first.ID, *first.Signature)
	assert.Equal(t, int64(1_000_000), first.Fee)
	assert.Equal(t, int64(198_500_000), first.Net)

	second, err := h.payouts.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, h.vault.Transfers(), 1)
}

func TestRejectedPayoutIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := prizeRequest(h.user(t, "winner"))

	h.vault.setPayoutErr(&vault.TransferError{Definitive: true, Reason: "blockhash expired"})
	p, err := h.payouts.Execute(ctx, req)
	require.ErrorIs(t, err, ErrPayoutFailed)
	assert.Equal(t, models.PayoutFailed, p.Status)
	assert.Contains(t, p.LastError, "blockhash expired")

	h.vault.setPayoutErr(nil)
	n, err := h.payouts.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.payouts.Find(ctx, req.Kind, req.ReferenceID, req.UserID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutConfirmed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestUnknownPayoutIsHeldForReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := prizeRequest(h.user(t, "winner"))

	h.vault.setPayoutErr(errors.New("read timeout"))
	p, err := h.payouts.Execute(ctx, req)
	require.ErrorIs(t, err, ErrPayoutNeedsReview)
	assert.Equal(t, models.PayoutUnknown, p.Status)

	h.vault.setPayoutErr(nil)
	n, err := h.payouts.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.payouts.Execute(ctx, req)
	assert.ErrorIs(t, err, ErrPayoutNeedsReview)
	assert.Empty(t, h.vault.Transfers())
}

func TestPayoutBelowGasBufferIsRejected(t *testing.T) {
	h := newHarness(t)
	req := prizeRequest(h.user(t, "winner"))
	req.Gross = 400_000

	_, err := h.payouts.Execute(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidStake)
	assert.Empty(t, h.vault.Transfers())
}
