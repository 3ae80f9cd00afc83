package models

import "time"

// TournamentParticipant is active while EliminatedAt is nil.
// FinalPosition is only assigned when the tournament completes.
type TournamentParticipant struct {
	Base
	TournamentID  string     `json:"tournament_id" gorm:"uniqueIndex:idx_tournament_user;not null"`
	UserID        string     `json:"user_id" gorm:"uniqueIndex:idx_tournament_user;not null"`
	EliminatedAt  *time.Time `json:"eliminated_at,omitempty" gorm:"index"`
	FinalPosition *int       `json:"final_position,omitempty"`
}
