// Package events fans row changes out to realtime subscribers.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Table names as clients know them.
const (
	TableLobbies                = "lobbies"
	TableLobbyParticipants      = "lobby_participants"
	TableTournaments            = "tournaments"
	TableTournamentParticipants = "tournament_participants"
	TableMatches                = "matches"
	TableMatchParticipants      = "match_participants"
	TableGameRounds             = "game_rounds"
	TablePayouts                = "payouts"
	TableUsers                  = "users"
)

// Change is one committed mutation of a row.
type Change struct {
	Table string    `json:"table"`
	Op    Op        `json:"op"`
	ID    string    `json:"id"`
	Row   any       `json:"row,omitempty"`
	At    time.Time `json:"at"`
}

func NewChange(table string, op Op, id string, row any) Change {
	return Change{Table: table, Op: op, ID: id, Row: row, At: time.Now().UTC()}
}

// Publisher is what services use. Publish is only called after the transaction commits.
type Publisher interface {
	Publish(ctx context.Context, changes ...Change)
}

// Sink is a single delivery target.
type Sink interface {
	Send(ctx context.Context, c Change) error
	Name() string
}

// Multi delivers every change to all sinks; a failing sink is logged and skipped.
type Multi struct {
	sinks []Sink
	log   zerolog.Logger
}

func NewMulti(log zerolog.Logger, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, log: log.With().Str("component", "events").Logger()}
}

func (m *Multi) Publish(ctx context.Context, changes ...Change) {
	for _, c := range changes {
		for _, s := range m.sinks {
			if err := s.Send(ctx, c); err != nil {
				m.log.Warn().Err(err).
					Str("sink", s.Name()).
					Str("table", c.Table).
					Str("id", c.ID).
					Msg("failed to deliver change")
			}
		}
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, ...Change) {}
