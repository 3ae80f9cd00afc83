package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureUserIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.users.EnsureUser(ctx, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", "  rock   lobster ")
	require.NoError(t, err)
	assert.Equal(t, "Rock Lobster", first.Nickname)

	second, err := h.users.EnsureUser(ctx, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", "someone else")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Rock Lobster", second.Nickname)
}

func TestEnsureUserDefaultsNickname(t *testing.T) {
	h := newHarness(t)
	u, err := h.users.EnsureUser(context.Background(), "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU", "")
	require.NoError(t, err)
	assert.Equal(t, "7xKX..gAsU", u.Nickname)
}

func TestEnsureUserRejectsBadWallet(t *testing.T) {
	h := newHarness(t)
	_, err := h.users.EnsureUser(context.Background(), "not a wallet", "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetUserNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.users.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
