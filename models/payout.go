package models

type PayoutKind string

const (
	PayoutPrize           PayoutKind = "prize"
	PayoutTournamentPrize PayoutKind = "tournament_prize"
	PayoutRefund          PayoutKind = "refund"
	PayoutWithdrawal      PayoutKind = "withdrawal"
)

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutConfirmed PayoutStatus = "confirmed"
	PayoutFailed    PayoutStatus = "failed"  // vault rejected the transfer, safe to retry
	PayoutUnknown   PayoutStatus = "unknown" // outcome not known, needs manual reconciliation
)

// Payout is the ledger row for one transfer out of custody. The unique
// (kind, reference, user) key makes a second payout for the same event impossible.
type Payout struct {
	Base
	Kind        PayoutKind   `json:"kind" gorm:"type:varchar(24);uniqueIndex:idx_payout_key;not null"`
	ReferenceID string       `json:"reference_id" gorm:"uniqueIndex:idx_payout_key;not null"` // match, tournament or lobby
	UserID      string       `json:"user_id" gorm:"uniqueIndex:idx_payout_key;not null"`
	Recipient   string       `json:"recipient" gorm:"not null"`
	Gross       int64        `json:"gross,string" gorm:"not null"`
	Fee         int64        `json:"fee,string" gorm:"not null"`
	Gas         int64        `json:"gas,string" gorm:"not null"`
	Net         int64        `json:"net,string" gorm:"not null"`
	Status      PayoutStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	Signature   *string      `json:"signature,omitempty"`
	Attempts    int          `json:"attempts" gorm:"not null;default:0"`
	LastError   string       `json:"last_error,omitempty"`
}
