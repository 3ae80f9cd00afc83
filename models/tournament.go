package models

import "time"

// Tournament is a single-elimination bracket of 4 or 8 players seeded by a lobby.
type Tournament struct {
	Base
	Name           string           `json:"name" gorm:"not null"`
	Slug           string           `json:"slug" gorm:"uniqueIndex;not null"`
	MaxPlayers     int              `json:"max_players" gorm:"not null"`
	CurrentPlayers int              `json:"current_players" gorm:"not null;default:0"`
	StakeAmount    int64            `json:"stake_amount,string" gorm:"not null"`
	PrizePool      int64            `json:"prize_pool,string" gorm:"not null"` // stake x max players
	Status         TournamentStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	LobbyID        *string          `json:"lobby_id,omitempty" gorm:"index"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`

	Participants []TournamentParticipant `json:"participants,omitempty" gorm:"foreignKey:TournamentID"`
	Matches      []Match                 `json:"matches,omitempty" gorm:"foreignKey:TournamentID"`
}
