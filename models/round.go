package models

import "time"

// GameRound is one rock-paper-scissors exchange. Moves are write-once and
// WinnerID stays nil for a tie.
type GameRound struct {
	Base
	MatchID     string      `json:"match_id" gorm:"uniqueIndex:idx_match_round;not null"`
	RoundNumber int         `json:"round_number" gorm:"uniqueIndex:idx_match_round;not null"`
	Player1Move *string     `json:"player1_move,omitempty"`
	Player2Move *string     `json:"player2_move,omitempty"`
	WinnerID    *string     `json:"winner_id,omitempty"`
	Status      RoundStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Deadline is when the round timer forces resolution.
func (r *GameRound) Deadline(timeout time.Duration) time.Time {
	return r.StartedAt.Add(timeout)
}
