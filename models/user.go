package models

// User is a player identified by the wallet they stake from.
// Win/loss counters are only written when a match completes.
type User struct {
	Base
	WalletAddress string `json:"wallet_address" gorm:"uniqueIndex;not null"`
	Nickname      string `json:"nickname"`
	MatchesWon    int64  `json:"matches_won" gorm:"not null;default:0"`
	MatchesLost   int64  `json:"matches_lost" gorm:"not null;default:0"`
}
