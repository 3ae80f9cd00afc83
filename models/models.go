package models

// All lists every table for AutoMigrate.
func All() []any {
	return []any{
		&User{},
		&Lobby{},
		&LobbyParticipant{},
		&StakeTransaction{},
		&Tournament{},
		&TournamentParticipant{},
		&Match{},
		&MatchParticipant{},
		&GameRound{},
		&Payout{},
	}
}
