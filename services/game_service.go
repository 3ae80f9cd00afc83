package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"stake-arena/config"
	"stake-arena/events"
	"stake-arena/models"
)

// RoundScheduler arms one cancellable timer per round.
type RoundScheduler interface {
	Schedule(roundID string, after time.Duration, fire func(ctx context.Context))
	Cancel(roundID string)
}

// MatchCompletionHandler takes over a tournament match once it is completed.
type MatchCompletionHandler interface {
	ProcessMatchCompletion(ctx context.Context, matchID, winnerID string) error
}

// GameService owns rounds and matches: move intake, round resolution, score evaluation
// and the post-completion branch (1v1 payout or bracket hand-off).
type GameService struct {
	DB      *gorm.DB
	cfg     config.GameConfig
	timer   RoundScheduler
	payouts *PayoutService
	events  events.Publisher
	bracket MatchCompletionHandler
	locks   *keyedMutex
	log     zerolog.Logger

	// how long a match may sit in showing_results before maintenance picks it up
	stallAfter time.Duration
}

func NewGameService(db *gorm.DB, cfg config.GameConfig, timer RoundScheduler, payouts *PayoutService, pub events.Publisher, log zerolog.Logger) *GameService {
	if cfg.WinsToClinch < 1 {
		cfg.WinsToClinch = 3
	}
	return &GameService{
		DB:         db,
		cfg:        cfg,
		timer:      timer,
		payouts:    payouts,
		events:     pub,
		locks:      newKeyedMutex(),
		log:        log.With().Str("component", "game").Logger(),
		stallAfter: 2*(cfg.ResultsDelay+cfg.RoundRevealDelay) + 30*time.Second,
	}
}

// SetBracketHandler wires the tournament manager, which itself depends on GameService.
func (s *GameService) SetBracketHandler(h MatchCompletionHandler) {
	s.bracket = h
}

func (s *GameService) flush(ctx context.Context, out *afterCommit) {
	if len(out.changes) > 0 && s.events != nil {
		s.events.Publish(ctx, out.changes...)
	}
	for _, r := range out.rounds {
		s.armTimer(r.roundID, r.after)
	}
}

func (s *GameService) armTimer(roundID string, after time.Duration) {
	s.timer.Schedule(roundID, after, func(ctx context.Context) {
		if _, err := s.ResolveRound(ctx, roundID); err != nil {
			s.log.Error().Err(err).Str("round_id", roundID).Msg("round resolution failed")
		}
	})
}

// StartMatch moves a waiting match with two participants to in_progress and opens round 1.
func (s *GameService) StartMatch(ctx context.Context, matchID string) (*models.Match, error) {
	out := &afterCommit{}
	var match models.Match
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&match, "id = ?", matchID).Error; err != nil {
			return notFound(err, ErrMatchNotFound)
		}
		return s.startMatchTx(tx, &match, out)
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, out)
	return &match, nil
}

func (s *GameService) startMatchTx(tx *gorm.DB, match *models.Match, out *afterCommit) error {
	var bound int64
	if err := tx.Model(&models.MatchParticipant{}).Where("match_id = ?", match.ID).Count(&bound).Error; err != nil {
		return err
	}
	if bound != 2 {
		return ErrMatchNotReady.Withf("match %s has %d participants", match.ID, bound)
	}
	if err := match.TransitionTo(models.MatchInProgress); err != nil {
		return transition(err)
	}
	match.StartedAt = ptr(now())
	if err := save(tx, match); err != nil {
		return err
	}
	out.change(events.TableMatches, events.OpUpdate, match.ID, *match)

	_, err := s.createRoundTx(tx, match.ID, 1, out)
	return err
}

// createMatchTx inserts a waiting match with the given users bound in order of position.
func (s *GameService) createMatchTx(tx *gorm.DB, match *models.Match, userIDs []string, out *afterCommit) error {
	match.Status = models.MatchWaiting
	if err := tx.Omit("Participants", "Rounds").Create(match).Error; err != nil {
		return err
	}
	out.change(events.TableMatches, events.OpInsert, match.ID, *match)

	for i, uid := range userIDs {
		if err := s.bindParticipantTx(tx, match.ID, uid, i+1, out); err != nil {
			return err
		}
	}
	return nil
}

func (s *GameService) bindParticipantTx(tx *gorm.DB, matchID, userID string, position int, out *afterCommit) error {
	p := models.MatchParticipant{MatchID: matchID, UserID: userID, Position: position}
	if err := tx.Create(&p).Error; err != nil {
		return fmt.Errorf("bind %s to match %s: %w", userID, matchID, err)
	}
	out.change(events.TableMatchParticipants, events.OpInsert, p.ID, p)
	return nil
}

func participantsTx(tx *gorm.DB, matchID string) ([]models.MatchParticipant, error) {
	var parts []models.MatchParticipant
	err := tx.Where("match_id = ?", matchID).Order("position").Find(&parts).Error
	return parts, err
}

// MatchOutcome is the result of one evaluation pass.
type MatchOutcome struct {
	Match   models.Match
	Decided bool
	Wins    map[string]int64
}

// EvaluateMatch tallies round wins and, once a participant clinches, runs the completion
// branch. Safe to call any number of times.
func (s *GameService) EvaluateMatch(ctx context.Context, matchID string) (*MatchOutcome, error) {
	unlock := s.locks.Lock("match:" + matchID)
	defer unlock()
	return s.evaluateMatchLocked(ctx, matchID)
}

func (s *GameService) evaluateMatchLocked(ctx context.Context, matchID string) (*MatchOutcome, error) {
	res := &MatchOutcome{Wins: map[string]int64{}}
	var loserID string
	alreadyDone := false
	out := &afterCommit{}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		match := &res.Match
		if err := forUpdate(tx).First(match, "id = ?", matchID).Error; err != nil {
			return notFound(err, ErrMatchNotFound)
		}
		switch match.Status {
		case models.MatchCompleted:
			alreadyDone = true
			res.Decided = true
			return nil
		case models.MatchShowingResults, models.MatchInProgress:
		default:
			return ErrMatchNotInProgress.Withf("match %s is %s", match.ID, match.Status)
		}

		parts, err := participantsTx(tx, match.ID)
		if err != nil {
			return err
		}
		if len(parts) != 2 {
			s.log.Error().Str("match_id", match.ID).Int("participants", len(parts)).Msg("cannot evaluate match")
			return ErrMissingParticipants.Withf("match %s has %d participants", match.ID, len(parts))
		}

		var tally []struct {
			WinnerID string
			Wins     int64
		}
		err = tx.Model(&models.GameRound{}).
			Select("winner_id, COUNT(*) AS wins").
			Where("match_id = ? AND winner_id IS NOT NULL", match.ID).
			Group("winner_id").
			Scan(&tally).Error
		if err != nil {
			return err
		}
		for _, t := range tally {
			res.Wins[t.WinnerID] = t.Wins
		}

		if match.Status == models.MatchShowingResults {
			if match.WinnerID == nil {
				return ErrWinnerMismatch.Withf("match %s is showing results without a winner", match.ID)
			}
			res.Decided = true
		} else {
			for _, p := range parts {
				if res.Wins[p.UserID] >= int64(s.cfg.WinsToClinch) {
					match.WinnerID = ptr(p.UserID)
					break
				}
			}
			if match.WinnerID == nil {
				return nil
			}
			if err := match.TransitionTo(models.MatchShowingResults); err != nil {
				return transition(err)
			}
			if err := save(tx, match); err != nil {
				return err
			}
			out.change(events.TableMatches, events.OpUpdate, match.ID, *match)
			res.Decided = true
		}

		for _, p := range parts {
			if p.UserID != *match.WinnerID {
				loserID = p.UserID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyDone || !res.Decided {
		return res, nil
	}
	s.flush(ctx, out)

	winnerID := *res.Match.WinnerID
	s.log.Info().
		Str("match_id", matchID).
		Str("winner_id", winnerID).
		Str("loser_id", loserID).
		Msg("match decided")

	if err := pause(ctx, s.cfg.ResultsDelay); err != nil {
		return nil, err
	}

	if res.Match.IsTournament() {
		err = s.completeTournamentMatch(ctx, &res.Match, winnerID, loserID)
	} else {
		err = s.completeOneVsOne(ctx, &res.Match, winnerID, loserID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// completeMatchTx marks the match completed and updates both players' counters.
func (s *GameService) completeMatchTx(tx *gorm.DB, match *models.Match, winnerID, loserID string, out *afterCommit) error {
	if err := match.TransitionTo(models.MatchCompleted); err != nil {
		return transition(err)
	}
	match.CompletedAt = ptr(now())
	if err := save(tx, match); err != nil {
		return err
	}
	err := tx.Model(&models.User{}).Where("id = ?", winnerID).
		UpdateColumn("matches_won", gorm.Expr("matches_won + ?", 1)).Error
	if err != nil {
		return err
	}
	if loserID != "" {
		err = tx.Model(&models.User{}).Where("id = ?", loserID).
			UpdateColumn("matches_lost", gorm.Expr("matches_lost + ?", 1)).Error
		if err != nil {
			return err
		}
	}
	out.change(events.TableMatches, events.OpUpdate, match.ID, *match)
	out.change(events.TableUsers, events.OpUpdate, winnerID, nil)
	if loserID != "" {
		out.change(events.TableUsers, events.OpUpdate, loserID, nil)
	}
	return nil
}

// completeOneVsOne pays the winner and only then completes the match and tears down
// the single-use lobby. A failed payout leaves the match in showing_results.
func (s *GameService) completeOneVsOne(ctx context.Context, match *models.Match, winnerID, loserID string) error {
	var winner models.User
	if err := s.DB.WithContext(ctx).First(&winner, "id = ?", winnerID).Error; err != nil {
		return notFound(err, ErrUserNotFound)
	}

	_, err := s.payouts.Execute(ctx, PayoutRequest{
		Kind:        models.PayoutPrize,
		ReferenceID: match.ID,
		UserID:      winnerID,
		Recipient:   winner.WalletAddress,
		Gross:       match.TotalPrizePool,
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("match_id", match.ID).
			Str("winner_id", winnerID).
			Int64("prize_pool", match.TotalPrizePool).
			Msg("prize payout failed, match held in showing_results")
		return err
	}

	out := &afterCommit{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(match, "id = ?", match.ID).Error; err != nil {
			return err
		}
		if match.Status != models.MatchShowingResults {
			return nil
		}
		if err := s.completeMatchTx(tx, match, winnerID, loserID, out); err != nil {
			return err
		}
		if err := tx.Where("match_id = ?", match.ID).Delete(&models.MatchParticipant{}).Error; err != nil {
			return err
		}
		out.change(events.TableMatchParticipants, events.OpDelete, match.ID, nil)

		if match.LobbyID != nil {
			lobbyID := *match.LobbyID
			if err := tx.Where("lobby_id = ?", lobbyID).Delete(&models.LobbyParticipant{}).Error; err != nil {
				return err
			}
			res := tx.Where("id = ?", lobbyID).Delete(&models.Lobby{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				out.change(events.TableLobbies, events.OpDelete, lobbyID, nil)
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("match_id", match.ID).Msg("failed to complete paid match")
		return err
	}
	s.flush(ctx, out)
	return nil
}

func (s *GameService) completeTournamentMatch(ctx context.Context, match *models.Match, winnerID, loserID string) error {
	if s.bracket == nil {
		return errors.New("no bracket handler configured for tournament matches")
	}

	out := &afterCommit{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(match, "id = ?", match.ID).Error; err != nil {
			return err
		}
		if match.Status != models.MatchShowingResults {
			return nil
		}
		return s.completeMatchTx(tx, match, winnerID, loserID, out)
	})
	if err != nil {
		return err
	}
	s.flush(ctx, out)

	return s.bracket.ProcessMatchCompletion(ctx, match.ID, winnerID)
}

// GetMatch returns a match with its participants and rounds. Moves of a round that is
// still open are hidden.
func (s *GameService) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	var match models.Match
	err := s.DB.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Rounds", func(db *gorm.DB) *gorm.DB { return db.Order("round_number") }).
		First(&match, "id = ?", matchID).Error
	if err != nil {
		return nil, notFound(err, ErrMatchNotFound)
	}
	for i := range match.Rounds {
		match.Rounds[i] = redactRound(match.Rounds[i])
	}
	return &match, nil
}

// RecoverStalledMatches re-drives matches stuck in showing_results (typically a failed
// payout) and rounds whose timer was lost.
func (s *GameService) RecoverStalledMatches(ctx context.Context) (int, error) {
	cutoff := now().Add(-s.stallAfter)

	var stalled []models.Match
	err := s.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.MatchShowingResults, cutoff).
		Find(&stalled).Error
	if err != nil {
		return 0, err
	}

	var expired []models.GameRound
	err = s.DB.WithContext(ctx).
		Where("status <> ? AND started_at < ?", models.RoundCompleted, cutoff.Add(-s.cfg.RoundTimeout)).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	// in progress but with no open round, e.g. the process stopped between two rounds
	var orphaned []models.Match
	err = s.DB.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.MatchInProgress, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM game_rounds gr WHERE gr.match_id = matches.id AND gr.status <> ?)", models.RoundCompleted).
		Find(&orphaned).Error
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, m := range orphaned {
		if _, err := s.resumeMatch(ctx, m.ID); err != nil {
			s.log.Warn().Err(err).Str("match_id", m.ID).Msg("orphaned match could not be resumed")
			continue
		}
		recovered++
	}
	for _, m := range stalled {
		if _, err := s.EvaluateMatch(ctx, m.ID); err != nil {
			s.log.Warn().Err(err).Str("match_id", m.ID).Msg("stalled match still not complete")
			continue
		}
		recovered++
	}
	for _, r := range expired {
		if _, err := s.ResolveRound(ctx, r.ID); err != nil {
			s.log.Warn().Err(err).Str("round_id", r.ID).Msg("expired round still not resolved")
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *GameService) resumeMatch(ctx context.Context, matchID string) (*models.GameRound, error) {
	unlock := s.locks.Lock("match:" + matchID)
	defer unlock()

	var last models.GameRound
	err := s.DB.WithContext(ctx).Where("match_id = ?", matchID).Order("round_number DESC").Limit(1).Find(&last).Error
	if err != nil {
		return nil, err
	}
	next, _, err := s.advanceMatchLocked(ctx, matchID, last.RoundNumber)
	return next, err
}
