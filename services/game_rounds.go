package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"stake-arena/events"
	"stake-arena/game"
	"stake-arena/models"
)

// hiddenMove replaces a submitted move while its round is still open.
const hiddenMove = "submitted"

type MoveInput struct {
	MatchID     string `json:"match_id"`
	UserID      string `json:"user_id"`
	RoundNumber int    `json:"round_number"` // 0 picks the open round
	Move        string `json:"move"`
}

type RoundResult struct {
	Round        models.GameRound `json:"round"`
	Outcome      game.Outcome     `json:"outcome"`
	Already      bool             `json:"already_resolved"`
	MatchDecided bool             `json:"match_decided"`
	NextRound    *models.GameRound `json:"next_round,omitempty"`
}

// createRoundTx opens round number for matchID and arms its timer after commit.
// Asking for a round that already exists returns it unchanged.
func (s *GameService) createRoundTx(tx *gorm.DB, matchID string, number int, out *afterCommit) (*models.GameRound, error) {
	var existing models.GameRound
	err := tx.Where("match_id = ? AND round_number = ?", matchID, number).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var open int64
	err = tx.Model(&models.GameRound{}).
		Where("match_id = ? AND status <> ?", matchID, models.RoundCompleted).
		Count(&open).Error
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, ErrRoundStillOpen
	}

	round := models.GameRound{
		MatchID:     matchID,
		RoundNumber: number,
		Status:      models.RoundInProgress,
		StartedAt:   now(),
	}
	if err := tx.Create(&round).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrRoundStillOpen.With(err)
		}
		return nil, err
	}
	out.change(events.TableGameRounds, events.OpInsert, round.ID, round)
	out.arm(round.ID, s.cfg.RoundTimeout)
	return &round, nil
}

// SubmitMove records one player's move. Moves are write-once per round.
func (s *GameService) SubmitMove(ctx context.Context, in MoveInput) (*models.GameRound, error) {
	if in.MatchID == "" || in.UserID == "" || in.RoundNumber < 0 {
		return nil, ErrInvalidInput.Withf("match_id, user_id and move are required")
	}
	move, err := game.ParseMove(in.Move)
	if err != nil {
		return nil, ErrInvalidMove.With(err)
	}

	out := &afterCommit{}
	var round models.GameRound
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var match models.Match
		if err := tx.First(&match, "id = ?", in.MatchID).Error; err != nil {
			return notFound(err, ErrMatchNotFound)
		}
		switch match.Status {
		case models.MatchInProgress:
		case models.MatchCompleted:
			return ErrMatchCompleted
		default:
			return ErrMatchNotInProgress.Withf("match %s is %s", match.ID, match.Status)
		}

		var part models.MatchParticipant
		err := tx.Where("match_id = ? AND user_id = ?", match.ID, in.UserID).First(&part).Error
		if err != nil {
			return notFound(err, ErrNotParticipant)
		}

		q := forUpdate(tx).Where("match_id = ?", match.ID)
		if in.RoundNumber > 0 {
			q = q.Where("round_number = ?", in.RoundNumber)
		} else {
			q = q.Where("status = ?", models.RoundInProgress)
		}
		if err := q.Order("round_number DESC").First(&round).Error; err != nil {
			return notFound(err, ErrRoundNotFound)
		}
		if round.Status != models.RoundInProgress {
			return ErrRoundResolved
		}

		slot := &round.Player1Move
		if part.Position == 2 {
			slot = &round.Player2Move
		}
		if *slot != nil {
			return ErrMoveAlreadySubmitted
		}
		*slot = ptr(string(move))
		if err := save(tx, &round); err != nil {
			return err
		}

		out.change(events.TableGameRounds, events.OpUpdate, round.ID, redactRound(round))
		if s.cfg.ResolveOnBothMoves && round.Player1Move != nil && round.Player2Move != nil {
			out.arm(round.ID, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, out)

	s.log.Debug().
		Str("match_id", in.MatchID).
		Str("round_id", round.ID).
		Str("user_id", in.UserID).
		Msg("move submitted")

	r := redactRound(round)
	return &r, nil
}

// ResolveRound decides a round from whatever moves were submitted, reveals it, and then
// evaluates the match. Repeated calls are no-ops once the round is completed.
func (s *GameService) ResolveRound(ctx context.Context, roundID string) (*RoundResult, error) {
	var probe models.GameRound
	if err := s.DB.WithContext(ctx).First(&probe, "id = ?", roundID).Error; err != nil {
		return nil, notFound(err, ErrRoundNotFound)
	}

	unlock := s.locks.Lock("match:" + probe.MatchID)
	defer unlock()

	res := &RoundResult{}
	out := &afterCommit{}
	matchDone := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		round := &res.Round
		if err := forUpdate(tx).First(round, "id = ?", roundID).Error; err != nil {
			return notFound(err, ErrRoundNotFound)
		}

		res.Outcome = game.Resolve(parseStored(round.Player1Move), parseStored(round.Player2Move))

		switch round.Status {
		case models.RoundCompleted:
			res.Already = true
			// participants of a finished match are pruned, so only its status is read
			var match models.Match
			err := tx.Select("status").First(&match, "id = ?", round.MatchID).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			matchDone = err != nil || match.Status == models.MatchCompleted
			return nil
		case models.RoundEvaluating:
			// resumed after a restart, the winner is already recorded
			return nil
		}

		parts, err := participantsTx(tx, round.MatchID)
		if err != nil {
			return err
		}
		if len(parts) != 2 {
			return ErrMissingParticipants.Withf("match %s has %d participants", round.MatchID, len(parts))
		}

		switch res.Outcome.Winner {
		case game.Player1:
			round.WinnerID = ptr(parts[0].UserID)
		case game.Player2:
			round.WinnerID = ptr(parts[1].UserID)
		default:
			round.WinnerID = nil
		}
		round.CompletedAt = ptr(now())
		if err := round.TransitionTo(models.RoundEvaluating); err != nil {
			return transition(err)
		}
		if err := save(tx, round); err != nil {
			return err
		}
		out.change(events.TableGameRounds, events.OpUpdate, round.ID, *round)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.timer.Cancel(roundID)
	s.flush(ctx, out)

	if !res.Already {
		s.log.Info().
			Str("match_id", res.Round.MatchID).
			Str("round_id", roundID).
			Int("round", res.Round.RoundNumber).
			Str("reason", string(res.Outcome.Reason)).
			Msg("round resolved")

		if err := pause(ctx, s.cfg.RoundRevealDelay); err != nil {
			return nil, err
		}

		out = &afterCommit{}
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := forUpdate(tx).First(&res.Round, "id = ?", roundID).Error; err != nil {
				return err
			}
			if res.Round.Status != models.RoundEvaluating {
				return nil
			}
			if err := res.Round.TransitionTo(models.RoundCompleted); err != nil {
				return transition(err)
			}
			if err := save(tx, &res.Round); err != nil {
				return err
			}
			out.change(events.TableGameRounds, events.OpUpdate, roundID, res.Round)
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.flush(ctx, out)
	}

	if matchDone {
		res.MatchDecided = true
		return res, nil
	}

	next, decided, err := s.advanceMatchLocked(ctx, res.Round.MatchID, res.Round.RoundNumber)
	if err != nil {
		return res, err
	}
	res.MatchDecided = decided
	res.NextRound = next
	return res, nil
}

// advanceMatchLocked evaluates the match after round number and opens the next round
// when nobody has clinched yet. The caller holds the match lock.
func (s *GameService) advanceMatchLocked(ctx context.Context, matchID string, number int) (*models.GameRound, bool, error) {
	outcome, err := s.evaluateMatchLocked(ctx, matchID)
	if err != nil {
		return nil, false, err
	}
	if outcome.Decided {
		return nil, true, nil
	}
	next, err := s.nextRound(ctx, matchID, number+1)
	return next, false, err
}

func (s *GameService) nextRound(ctx context.Context, matchID string, number int) (*models.GameRound, error) {
	out := &afterCommit{}
	var round *models.GameRound
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var match models.Match
		if err := forUpdate(tx).First(&match, "id = ?", matchID).Error; err != nil {
			return notFound(err, ErrMatchNotFound)
		}
		if match.Status != models.MatchInProgress {
			return nil
		}
		var err error
		round, err = s.createRoundTx(tx, matchID, number, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, out)
	if round != nil {
		r := redactRound(*round)
		return &r, nil
	}
	return nil, nil
}

// RecoverOpenRounds re-arms the timer of every unresolved round, keeping what is left of
// its deadline. Called once on startup.
func (s *GameService) RecoverOpenRounds(ctx context.Context) (int, error) {
	var rounds []models.GameRound
	err := s.DB.WithContext(ctx).
		Where("status IN ?", []models.RoundStatus{models.RoundInProgress, models.RoundEvaluating}).
		Find(&rounds).Error
	if err != nil {
		return 0, err
	}

	for _, r := range rounds {
		after := time.Duration(0)
		if r.Status == models.RoundInProgress {
			after = time.Until(r.Deadline(s.cfg.RoundTimeout))
		}
		s.armTimer(r.ID, max(after, 0))
	}
	if len(rounds) > 0 {
		s.log.Info().Int("rounds", len(rounds)).Msg("re-armed open round timers")
	}
	return len(rounds), nil
}

// redactRound hides the moves of a round that is still accepting them.
func redactRound(r models.GameRound) models.GameRound {
	if r.Status != models.RoundInProgress {
		return r
	}
	if r.Player1Move != nil {
		r.Player1Move = ptr(hiddenMove)
	}
	if r.Player2Move != nil {
		r.Player2Move = ptr(hiddenMove)
	}
	return r
}

func parseStored(s *string) *game.Move {
	if s == nil {
		return nil
	}
	m, err := game.ParseMove(strings.TrimSpace(*s))
	if err != nil {
		return nil
	}
	return &m
}
