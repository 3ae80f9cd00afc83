package models

import "time"

// Lobby is a pre-match staking room. It is deleted once its match starts
// and kept as "closed" until every refund of a disbanded lobby is confirmed.
type Lobby struct {
	Base
	Name           string      `json:"name"`
	Code           string      `json:"code" gorm:"uniqueIndex;not null"`
	CreatedBy      string      `json:"created_by" gorm:"index;not null"`
	MaxPlayers     int         `json:"max_players" gorm:"not null"`
	CurrentPlayers int         `json:"current_players" gorm:"not null;default:0"`
	StakeAmount    int64       `json:"stake_amount,string" gorm:"not null"` // lamports
	Status         LobbyStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	TournamentID   *string     `json:"tournament_id,omitempty" gorm:"index"`
	DisbandedAt    *time.Time  `json:"disbanded_at,omitempty"`

	Participants []LobbyParticipant `json:"participants,omitempty" gorm:"foreignKey:LobbyID"`
}

func (l *Lobby) IsFull() bool {
	return l.CurrentPlayers >= l.MaxPlayers
}

type LobbyParticipant struct {
	Base
	LobbyID              string     `json:"lobby_id" gorm:"uniqueIndex:idx_lobby_user;not null"`
	UserID               string     `json:"user_id" gorm:"uniqueIndex:idx_lobby_user;not null"`
	HasStaked            bool       `json:"has_staked" gorm:"not null;default:false"`
	IsReady              bool       `json:"is_ready" gorm:"not null;default:false"`
	StakeTransactionHash *string    `json:"stake_transaction_hash,omitempty"`
	StakedAt             *time.Time `json:"staked_at,omitempty"`
	JoinedAt             time.Time  `json:"joined_at"`
}

type StakeStatus string

const (
	StakePending   StakeStatus = "pending"
	StakeValidated StakeStatus = "validated"
	StakeRefunding StakeStatus = "refunding"
)

// StakeTransaction records every deposit hash ever accepted. The unique hash
// keeps one on-chain deposit from being counted for two seats.
type StakeTransaction struct {
	Base
	TxHash  string      `json:"tx_hash" gorm:"uniqueIndex;not null"`
	LobbyID string      `json:"lobby_id" gorm:"index;not null"`
	UserID  string      `json:"user_id" gorm:"index;not null"`
	Amount  int64       `json:"amount,string" gorm:"not null"`
	Status  StakeStatus `json:"status" gorm:"type:varchar(16);not null"`
}
