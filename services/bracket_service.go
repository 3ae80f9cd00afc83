package services

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"stake-arena/config"
	"stake-arena/events"
	"stake-arena/models"
)

// BracketService advances single-elimination tournaments the moment one of their matches
// completes: it eliminates the loser, seats the winner in the next bracket round and
// finalises the tournament when one player is left.
type BracketService struct {
	DB      *gorm.DB
	game    *GameService
	payouts *PayoutService
	locks   *keyedMutex
	log     zerolog.Logger

	resultsDelay time.Duration
	shuffle      func(n int, swap func(i, j int))
}

func NewBracketService(db *gorm.DB, cfg config.GameConfig, game *GameService, payouts *PayoutService, log zerolog.Logger) *BracketService {
	return &BracketService{
		DB:           db,
		game:         game,
		payouts:      payouts,
		locks:        newKeyedMutex(),
		log:          log.With().Str("component", "bracket").Logger(),
		resultsDelay: cfg.ResultsDelay,
		shuffle:      rand.Shuffle,
	}
}

// Bracket is the read model of a tournament for clients.
type Bracket struct {
	Tournament   models.Tournament              `json:"tournament"`
	Participants []models.TournamentParticipant `json:"participants"`
	Matches      []models.Match                 `json:"matches"`
}

// CreateInitialBracket seeds a waiting tournament with 4 or 8 players and starts every
// first-round match.
func (s *BracketService) CreateInitialBracket(ctx context.Context, tournamentID string, userIDs []string) ([]models.Match, error) {
	unlock := s.locks.Lock("tournament:" + tournamentID)
	defer unlock()

	out := &afterCommit{}
	var matches []models.Match
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Tournament
		if err := forUpdate(tx).First(&t, "id = ?", tournamentID).Error; err != nil {
			return notFound(err, ErrTournamentNotFound)
		}
		var err error
		matches, err = s.createInitialBracketTx(tx, &t, userIDs, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)
	return matches, nil
}

func (s *BracketService) createInitialBracketTx(tx *gorm.DB, t *models.Tournament, userIDs []string, out *afterCommit) ([]models.Match, error) {
	seen := make(map[string]struct{}, len(userIDs))
	players := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		players = append(players, id)
	}
	if len(players) != len(userIDs) || (len(players) != 4 && len(players) != 8) {
		return nil, ErrInvalidBracketSize.Withf("a bracket needs exactly 4 or 8 distinct players, got %d", len(userIDs))
	}
	if _, err := loadUsers(tx, players...); err != nil {
		return nil, err
	}

	if err := t.TransitionTo(models.TournamentInProgress); err != nil {
		return nil, transition(err)
	}
	t.StartedAt = ptr(now())
	t.CurrentPlayers = len(players)
	if err := save(tx, t); err != nil {
		return nil, err
	}
	out.change(events.TableTournaments, events.OpUpdate, t.ID, *t)

	for _, uid := range players {
		p := models.TournamentParticipant{TournamentID: t.ID, UserID: uid}
		if err := tx.Where("tournament_id = ? AND user_id = ?", t.ID, uid).FirstOrCreate(&p).Error; err != nil {
			return nil, err
		}
		out.change(events.TableTournamentParticipants, events.OpInsert, p.ID, p)
	}

	s.shuffle(len(players), func(i, j int) { players[i], players[j] = players[j], players[i] })

	matches := make([]models.Match, 0, len(players)/2)
	for i := 0; i < len(players); i += 2 {
		m := s.newMatch(t, 1)
		if err := s.game.createMatchTx(tx, &m, players[i:i+2], out); err != nil {
			return nil, err
		}
		if err := s.game.startMatchTx(tx, &m, out); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}

	s.log.Info().
		Str("tournament_id", t.ID).
		Int("players", len(players)).
		Int("matches", len(matches)).
		Msg("bracket created")
	return matches, nil
}

func (s *BracketService) newMatch(t *models.Tournament, bracketRound int) models.Match {
	return models.Match{
		StakeAmount:     t.StakeAmount,
		TotalPrizePool:  t.StakeAmount * 2,
		TournamentID:    ptr(t.ID),
		TournamentRound: bracketRound,
	}
}

// ProcessMatchCompletion eliminates the loser of a completed tournament match and advances
// the winner. Processing a match twice is a no-op.
func (s *BracketService) ProcessMatchCompletion(ctx context.Context, matchID, winnerID string) error {
	var probe models.Match
	if err := s.DB.WithContext(ctx).First(&probe, "id = ?", matchID).Error; err != nil {
		return notFound(err, ErrMatchNotFound)
	}
	if !probe.IsTournament() {
		return ErrNotTournamentMatch.Withf("match %s has no tournament", matchID)
	}
	tournamentID := *probe.TournamentID

	unlock := s.locks.Lock("tournament:" + tournamentID)
	defer unlock()

	log := s.log.With().Str("tournament_id", tournamentID).Str("match_id", matchID).Logger()
	out := &afterCommit{}
	processed := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Tournament
		if err := forUpdate(tx).First(&t, "id = ?", tournamentID).Error; err != nil {
			return notFound(err, ErrTournamentNotFound)
		}
		var m models.Match
		if err := forUpdate(tx).First(&m, "id = ?", matchID).Error; err != nil {
			return notFound(err, ErrMatchNotFound)
		}
		if m.BracketProcessedAt != nil {
			processed = true
			return nil
		}
		if m.Status != models.MatchCompleted && m.Status != models.MatchShowingResults {
			return ErrMatchNotInProgress.Withf("match %s is %s, not finished", m.ID, m.Status)
		}
		if m.WinnerID == nil || *m.WinnerID != winnerID {
			return ErrWinnerMismatch
		}

		parts, err := participantsTx(tx, m.ID)
		if err != nil {
			return err
		}
		loserID := ""
		for _, p := range parts {
			if p.UserID != winnerID {
				loserID = p.UserID
			}
		}
		if loserID == "" {
			log.Error().Int("participants", len(parts)).Msg("completed match has no loser bound")
			return ErrMissingParticipants.Withf("match %s has no loser", m.ID)
		}

		var active int64
		err = tx.Model(&models.TournamentParticipant{}).
			Where("tournament_id = ? AND eliminated_at IS NULL", t.ID).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active == 0 {
			log.Error().Msg("tournament has no active participants")
			return ErrNoActiveParticipants
		}
		final := active-1 == 1

		res := tx.Model(&models.TournamentParticipant{}).
			Where("tournament_id = ? AND user_id = ? AND eliminated_at IS NULL", t.ID, loserID).
			Update("eliminated_at", now())
		if res.Error != nil {
			return res.Error
		}
		out.change(events.TableTournamentParticipants, events.OpUpdate, loserID, nil)

		if !final {
			if err := tx.Where("match_id = ?", m.ID).Delete(&models.MatchParticipant{}).Error; err != nil {
				return err
			}
			out.change(events.TableMatchParticipants, events.OpDelete, m.ID, nil)
			if err := s.advanceWinnerTx(tx, &t, &m, winnerID, out); err != nil {
				return err
			}
		}

		if err := tx.Model(&m).Update("bracket_processed_at", now()).Error; err != nil {
			return err
		}

		log.Info().
			Str("winner_id", winnerID).
			Str("loser_id", loserID).
			Int64("active_before", active).
			Bool("final", final).
			Msg("bracket match processed")
		return nil
	})
	if err != nil {
		return err
	}
	s.game.flush(ctx, out)
	if processed {
		return nil
	}
	return s.checkCompletionLocked(ctx, tournamentID)
}

// advanceWinnerTx seats the winner in the next bracket round: second seat of a waiting
// match if one exists, otherwise first seat of a new one.
func (s *BracketService) advanceWinnerTx(tx *gorm.DB, t *models.Tournament, from *models.Match, winnerID string, out *afterCommit) error {
	var seated int64
	err := tx.Model(&models.MatchParticipant{}).
		Joins("JOIN matches ON matches.id = match_participants.match_id").
		Where("matches.tournament_id = ? AND matches.status IN ? AND match_participants.user_id = ?",
			t.ID, []models.MatchStatus{models.MatchWaiting, models.MatchInProgress}, winnerID).
		Count(&seated).Error
	if err != nil {
		return err
	}
	if seated > 0 {
		s.log.Warn().Str("tournament_id", t.ID).Str("user_id", winnerID).Msg("winner already seated, not advancing again")
		return nil
	}

	next := from.TournamentRound + 1
	var open models.Match
	err = forUpdate(tx).
		Where("tournament_id = ? AND status = ? AND tournament_round = ?", t.ID, models.MatchWaiting, next).
		Where("(SELECT COUNT(*) FROM match_participants mp WHERE mp.match_id = matches.id) = 1").
		Order("created_at").
		First(&open).Error
	switch {
	case err == nil:
		if err := s.game.bindParticipantTx(tx, open.ID, winnerID, 2, out); err != nil {
			return err
		}
		return s.game.startMatchTx(tx, &open, out)
	case errors.Is(err, gorm.ErrRecordNotFound):
		m := s.newMatch(t, next)
		return s.game.createMatchTx(tx, &m, []string{winnerID}, out)
	default:
		return err
	}
}

// CheckTournamentCompletion finalises the tournament if exactly one player is left.
func (s *BracketService) CheckTournamentCompletion(ctx context.Context, tournamentID string) error {
	unlock := s.locks.Lock("tournament:" + tournamentID)
	defer unlock()
	return s.checkCompletionLocked(ctx, tournamentID)
}

func (s *BracketService) checkCompletionLocked(ctx context.Context, tournamentID string) error {
	log := s.log.With().Str("tournament_id", tournamentID).Logger()

	var active []models.TournamentParticipant
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND eliminated_at IS NULL", tournamentID).
		Find(&active).Error
	if err != nil {
		return err
	}
	switch len(active) {
	case 1:
	case 0:
		log.Error().Msg("tournament has no active participants")
		return ErrNoActiveParticipants
	default:
		return nil
	}
	winnerID := active[0].UserID

	var t models.Tournament
	if err := s.DB.WithContext(ctx).First(&t, "id = ?", tournamentID).Error; err != nil {
		return notFound(err, ErrTournamentNotFound)
	}
	if t.Status == models.TournamentCompleted {
		return nil
	}

	out := &afterCommit{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var finals []models.Match
		err := forUpdate(tx).
			Where("tournament_id = ? AND status = ?", tournamentID, models.MatchShowingResults).
			Find(&finals).Error
		if err != nil {
			return err
		}
		for i := range finals {
			if err := finals[i].TransitionTo(models.MatchCompleted); err != nil {
				return transition(err)
			}
			finals[i].CompletedAt = ptr(now())
			if err := save(tx, &finals[i]); err != nil {
				return err
			}
			out.change(events.TableMatches, events.OpUpdate, finals[i].ID, finals[i])
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.game.flush(ctx, out)

	if err := pause(ctx, s.resultsDelay); err != nil {
		return err
	}

	out = &afterCommit{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&t, "id = ?", tournamentID).Error; err != nil {
			return err
		}
		if t.Status == models.TournamentCompleted {
			return nil
		}
		return s.assignPositionsTx(tx, tournamentID, winnerID, out)
	})
	if err != nil {
		return err
	}
	s.game.flush(ctx, out)

	var winner models.User
	if err := s.DB.WithContext(ctx).First(&winner, "id = ?", winnerID).Error; err != nil {
		return notFound(err, ErrUserNotFound)
	}
	_, err = s.payouts.Execute(ctx, PayoutRequest{
		Kind:        models.PayoutTournamentPrize,
		ReferenceID: tournamentID,
		UserID:      winnerID,
		Recipient:   winner.WalletAddress,
		Gross:       t.PrizePool,
	})
	if err != nil {
		log.Error().Err(err).
			Str("winner_id", winnerID).
			Int64("prize_pool", t.PrizePool).
			Msg("tournament prize payout failed, tournament left in progress")
		return err
	}

	out = &afterCommit{}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&t, "id = ?", tournamentID).Error; err != nil {
			return err
		}
		if t.Status == models.TournamentCompleted {
			return nil
		}
		if err := t.TransitionTo(models.TournamentCompleted); err != nil {
			return transition(err)
		}
		t.CompletedAt = ptr(now())
		if err := save(tx, &t); err != nil {
			return err
		}
		out.change(events.TableTournaments, events.OpUpdate, t.ID, t)

		err := tx.Where("match_id IN (?)", tx.Model(&models.Match{}).Select("id").Where("tournament_id = ?", tournamentID)).
			Delete(&models.MatchParticipant{}).Error
		if err != nil {
			return err
		}
		out.change(events.TableMatchParticipants, events.OpDelete, tournamentID, nil)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to finalise paid tournament")
		return err
	}
	s.game.flush(ctx, out)

	log.Info().Str("winner_id", winnerID).Int64("prize_pool", t.PrizePool).Msg("tournament completed")
	return nil
}

// assignPositionsTx gives the winner position 1 and everyone else a position in reverse
// order of elimination.
func (s *BracketService) assignPositionsTx(tx *gorm.DB, tournamentID, winnerID string, out *afterCommit) error {
	res := tx.Model(&models.TournamentParticipant{}).
		Where("tournament_id = ? AND user_id = ?", tournamentID, winnerID).
		Update("final_position", 1)
	if res.Error != nil {
		return res.Error
	}
	out.change(events.TableTournamentParticipants, events.OpUpdate, winnerID, nil)

	var eliminated []models.TournamentParticipant
	err := tx.Where("tournament_id = ? AND eliminated_at IS NOT NULL", tournamentID).
		Order("eliminated_at DESC, user_id").
		Find(&eliminated).Error
	if err != nil {
		return err
	}
	for i := range eliminated {
		eliminated[i].FinalPosition = ptr(i + 2)
		if err := save(tx, &eliminated[i]); err != nil {
			return err
		}
		out.change(events.TableTournamentParticipants, events.OpUpdate, eliminated[i].ID, eliminated[i])
	}
	return nil
}

// RecoverStalledTournaments re-drives completed matches that were never processed by the
// bracket and tournaments that are down to one player but not finalised.
func (s *BracketService) RecoverStalledTournaments(ctx context.Context) (int, error) {
	var pending []models.Match
	err := s.DB.WithContext(ctx).
		Where("tournament_id IS NOT NULL AND status = ? AND winner_id IS NOT NULL AND bracket_processed_at IS NULL", models.MatchCompleted).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, m := range pending {
		if err := s.ProcessMatchCompletion(ctx, m.ID, *m.WinnerID); err != nil {
			s.log.Warn().Err(err).Str("match_id", m.ID).Msg("unprocessed bracket match still failing")
			continue
		}
		recovered++
	}

	var ids []string
	err = s.DB.WithContext(ctx).Model(&models.TournamentParticipant{}).
		Select("tournament_participants.tournament_id").
		Joins("JOIN tournaments ON tournaments.id = tournament_participants.tournament_id").
		Where("tournaments.status = ? AND tournament_participants.eliminated_at IS NULL", models.TournamentInProgress).
		Group("tournament_participants.tournament_id").
		Having("COUNT(*) = 1").
		Pluck("tournament_participants.tournament_id", &ids).Error
	if err != nil {
		return recovered, err
	}
	for _, id := range ids {
		if err := s.CheckTournamentCompletion(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("tournament_id", id).Msg("stalled tournament still not complete")
			continue
		}
		recovered++
	}
	return recovered, nil
}

// CleanupStaleMatches deletes waiting matches nobody is bound to.
func (s *BracketService) CleanupStaleMatches(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).
		Where("status = ?", models.MatchWaiting).
		Where("NOT EXISTS (SELECT 1 FROM match_participants mp WHERE mp.match_id = matches.id)").
		Delete(&models.Match{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info().Int64("deleted", res.RowsAffected).Msg("removed stale matches")
	}
	return res.RowsAffected, nil
}

func (s *BracketService) GetBracket(ctx context.Context, tournamentID string) (*Bracket, error) {
	var b Bracket
	db := s.DB.WithContext(ctx)
	if err := db.First(&b.Tournament, "id = ?", tournamentID).Error; err != nil {
		return nil, notFound(err, ErrTournamentNotFound)
	}
	err := db.Where("tournament_id = ?", tournamentID).
		Order("final_position IS NULL, final_position, created_at").
		Find(&b.Participants).Error
	if err != nil {
		return nil, err
	}
	err = db.Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("tournament_id = ?", tournamentID).
		Order("tournament_round, created_at").
		Find(&b.Matches).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListTournaments returns tournaments in the given statuses, waiting and in-progress ones by default.
func (s *BracketService) ListTournaments(ctx context.Context, statuses ...models.TournamentStatus) ([]models.Tournament, error) {
	if len(statuses) == 0 {
		statuses = []models.TournamentStatus{models.TournamentWaiting, models.TournamentInProgress}
	}
	var ts []models.Tournament
	err := s.DB.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at DESC").
		Find(&ts).Error
	return ts, err
}
