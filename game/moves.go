// Package game holds the pure rock-paper-scissors rules.
package game

import (
	"fmt"
	"strings"
)

type Move string

const (
	Rock     Move = "rock"
	Paper    Move = "paper"
	Scissors Move = "scissors"
)

// beats maps each move to the one it defeats.
var beats = map[Move]Move{
	Rock:     Scissors,
	Scissors: Paper,
	Paper:    Rock,
}

// ParseMove validates a submitted symbol. Anything outside the three moves is rejected here
// so Resolve never sees it.
func ParseMove(s string) (Move, error) {
	m := Move(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := beats[m]; !ok {
		return "", fmt.Errorf("invalid move %q", s)
	}
	return m, nil
}

func (m Move) Beats(other Move) bool {
	return beats[m] == other
}

// Winner designates which position won a round.
type Winner int

const (
	NoWinner Winner = 0
	Player1  Winner = 1
	Player2  Winner = 2
)

type Reason string

const (
	ReasonNoMoves Reason = "no_moves"
	ReasonForfeit Reason = "forfeit"
	ReasonTie     Reason = "tie"
	ReasonDecided Reason = "decided"
)

type Outcome struct {
	Winner Winner
	Reason Reason
}

// Resolve maps the two submitted moves (nil when a player did not act) to a winner.
//
// When neither player moved, position 1 is awarded the round. This is asymmetric and kept
// deliberately until product decides otherwise.
func Resolve(p1, p2 *Move) Outcome {
	switch {
	case p1 == nil && p2 == nil:
		return Outcome{Winner: Player1, Reason: ReasonNoMoves}
	case p2 == nil:
		return Outcome{Winner: Player1, Reason: ReasonForfeit}
	case p1 == nil:
		return Outcome{Winner: Player2, Reason: ReasonForfeit}
	case *p1 == *p2:
		return Outcome{Winner: NoWinner, Reason: ReasonTie}
	case p1.Beats(*p2):
		return Outcome{Winner: Player1, Reason: ReasonDecided}
	default:
		return Outcome{Winner: Player2, Reason: ReasonDecided}
	}
}
