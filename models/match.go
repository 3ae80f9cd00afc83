package models

import "time"

// Match is one best-of-5 contest between two participants.
// 1v1 matches carry LobbyID, bracket matches carry TournamentID.
type Match struct {
	Base
	Status             MatchStatus `json:"status" gorm:"type:varchar(20);index;not null"`
	StakeAmount        int64       `json:"stake_amount,string" gorm:"not null"`
	TotalPrizePool     int64       `json:"total_prize_pool,string" gorm:"not null"`
	WinnerID           *string     `json:"winner_id,omitempty"`
	LobbyID            *string     `json:"lobby_id,omitempty" gorm:"index"`
	TournamentID       *string     `json:"tournament_id,omitempty" gorm:"index"`
	TournamentRound    int         `json:"tournament_round,omitempty" gorm:"not null;default:0"`
	StartedAt          *time.Time  `json:"started_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	BracketProcessedAt *time.Time  `json:"-"`

	Participants []MatchParticipant `json:"participants,omitempty" gorm:"foreignKey:MatchID"`
	Rounds       []GameRound        `json:"rounds,omitempty" gorm:"foreignKey:MatchID"`
}

func (m *Match) IsTournament() bool {
	return m.TournamentID != nil
}

// MatchParticipant binds a user to position 1 or 2 for the match's lifetime.
type MatchParticipant struct {
	Base
	MatchID  string `json:"match_id" gorm:"uniqueIndex:idx_match_user;uniqueIndex:idx_match_position;not null"`
	UserID   string `json:"user_id" gorm:"uniqueIndex:idx_match_user;not null"`
	Position int    `json:"position" gorm:"uniqueIndex:idx_match_position;not null"`
}
