package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCustody(t *testing.T, handler http.HandlerFunc) *CustodyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCustodyClient(srv.URL, "vault-token", "CustodyWallet111", 2*time.Second, zerolog.Nop())
}

func TestValidateDeposit(t *testing.T) {
	var got validateRequest
	client := newCustody(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/deposits/validate", r.URL.Path)
		assert.Equal(t, "Bearer vault-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(validateResponse{Valid: got.Amount == "100000000"})
	})

	ok, err := client.ValidateDeposit(context.Background(), DepositCheck{TxHash: "sig1", Sender: "Alice", Amount: 100_000_000, Reference: "lobby-1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "CustodyWallet111", got.Recipient)
	assert.Equal(t, "Alice", got.Sender)

	ok, err = client.ValidateDeposit(context.Background(), DepositCheck{TxHash: "sig2", Sender: "Alice", Amount: 99})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateDepositNotFound(t *testing.T) {
	client := newCustody(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ok, err := client.ValidateDeposit(context.Background(), DepositCheck{TxHash: "missing"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateDepositServerError(t *testing.T) {
	client := newCustody(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.ValidateDeposit(context.Background(), DepositCheck{TxHash: "x"})
	assert.Error(t, err)
}

func TestPayout(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       payoutResponse
		wantSig    string
		definitive bool
	}{
		{"confirmed", http.StatusOK, payoutResponse{Signature: "5ig"}, "5ig", false},
		{"rejected", http.StatusUnprocessableEntity, payoutResponse{Error: "insufficient funds"}, "", true},
		{"custody down", http.StatusServiceUnavailable, payoutResponse{}, "", false},
		{"no signature", http.StatusOK, payoutResponse{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newCustody(t, func(w http.ResponseWriter, r *http.Request) {
				var req payoutRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "payout-1", req.IdempotencyKey)
				assert.Equal(t, "198500000", req.Amount)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			})

			sig, err := client.Payout(context.Background(), Transfer{Key: "payout-1", Recipient: "Bob", Amount: 198_500_000})
			if tt.wantSig != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantSig, sig)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.definitive, IsDefinitive(err))
		})
	}
}

func TestPayoutTransportErrorIsAmbiguous(t *testing.T) {
	client := NewCustodyClient("http://127.0.0.1:1", "", "", 200*time.Millisecond, zerolog.Nop())
	_, err := client.Payout(context.Background(), Transfer{Key: "k", Recipient: "r", Amount: 1})
	require.Error(t, err)
	assert.False(t, IsDefinitive(err))
}
