// Package vault talks to the custody service that holds staked funds.
package vault

import (
	"context"
	"errors"
	"fmt"
)

// DepositCheck describes the transfer a stake transaction must contain.
type DepositCheck struct {
	TxHash    string
	Sender    string // the staker's registered wallet
	Amount    int64  // lamports, must match exactly
	Reference string // lobby id, forwarded for the custody audit log
}

// Transfer moves Amount lamports out of custody. Key is forwarded as the idempotency key.
type Transfer struct {
	Key       string
	Recipient string
	Amount    int64
}

type Gateway interface {
	// ValidateDeposit reports false on any mismatch, including a transaction that is not found.
	ValidateDeposit(ctx context.Context, check DepositCheck) (bool, error)
	// Payout returns the transfer signature once custody confirms it.
	Payout(ctx context.Context, t Transfer) (string, error)
}

// TransferError is returned by Payout. Definitive means custody explicitly refused the
// transfer and no funds moved; otherwise the outcome is unknown.
type TransferError struct {
	Definitive bool
	Reason     string
	Err        error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payout failed: %s: %v", e.Reason, e.Err)
	}
	return "payout failed: " + e.Reason
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsDefinitive reports whether err proves the transfer did not happen.
func IsDefinitive(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Definitive
}
