package models

import "fmt"

type LobbyStatus string

const (
	LobbyWaiting  LobbyStatus = "waiting"
	LobbyStarting LobbyStatus = "starting"
	LobbyClosed   LobbyStatus = "closed"
)

type TournamentStatus string

const (
	TournamentWaiting    TournamentStatus = "waiting"
	TournamentInProgress TournamentStatus = "in_progress"
	TournamentCompleted  TournamentStatus = "completed"
	TournamentCancelled  TournamentStatus = "cancelled"
)

type MatchStatus string

const (
	MatchWaiting        MatchStatus = "waiting"
	MatchInProgress     MatchStatus = "in_progress"
	MatchShowingResults MatchStatus = "showing_results"
	MatchCompleted      MatchStatus = "completed"
)

type RoundStatus string

const (
	RoundInProgress RoundStatus = "in_progress"
	RoundEvaluating RoundStatus = "evaluating"
	RoundCompleted  RoundStatus = "completed"
)

// Transition tables. Anything not listed here is rejected.
var (
	lobbyTransitions = map[LobbyStatus][]LobbyStatus{
		LobbyWaiting: {LobbyStarting, LobbyClosed},
	}
	tournamentTransitions = map[TournamentStatus][]TournamentStatus{
		TournamentWaiting:    {TournamentInProgress, TournamentCancelled},
		TournamentInProgress: {TournamentCompleted},
	}
	matchTransitions = map[MatchStatus][]MatchStatus{
		MatchWaiting:        {MatchInProgress},
		MatchInProgress:     {MatchShowingResults},
		MatchShowingResults: {MatchCompleted},
	}
	roundTransitions = map[RoundStatus][]RoundStatus{
		RoundInProgress: {RoundEvaluating},
		RoundEvaluating: {RoundCompleted},
	}
)

// TransitionError is returned when a status change is not in the entity's table.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s LobbyStatus) CanTransition(to LobbyStatus) bool {
	return allowed(lobbyTransitions, s, to)
}

func (s TournamentStatus) CanTransition(to TournamentStatus) bool {
	return allowed(tournamentTransitions, s, to)
}

func (s TournamentStatus) Valid() bool {
	switch s {
	case TournamentWaiting, TournamentInProgress, TournamentCompleted, TournamentCancelled:
		return true
	}
	return false
}

func (s MatchStatus) CanTransition(to MatchStatus) bool {
	return allowed(matchTransitions, s, to)
}

func (s RoundStatus) CanTransition(to RoundStatus) bool {
	return allowed(roundTransitions, s, to)
}

func (l *Lobby) TransitionTo(to LobbyStatus) error {
	if !l.Status.CanTransition(to) {
		return &TransitionError{Entity: "lobby", From: string(l.Status), To: string(to)}
	}
	l.Status = to
	return nil
}

func (t *Tournament) TransitionTo(to TournamentStatus) error {
	if !t.Status.CanTransition(to) {
		return &TransitionError{Entity: "tournament", From: string(t.Status), To: string(to)}
	}
	t.Status = to
	return nil
}

func (m *Match) TransitionTo(to MatchStatus) error {
	if !m.Status.CanTransition(to) {
		return &TransitionError{Entity: "match", From: string(m.Status), To: string(to)}
	}
	m.Status = to
	return nil
}

func (r *GameRound) TransitionTo(to RoundStatus) error {
	if !r.Status.CanTransition(to) {
		return &TransitionError{Entity: "round", From: string(r.Status), To: string(to)}
	}
	r.Status = to
	return nil
}
