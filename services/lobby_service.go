package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"stake-arena/events"
	"stake-arena/models"
	"stake-arena/vault"
)

const (
	codeAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength     = 6
	refundParallel = 4
)

// LobbyService runs the staking room in front of every match. Each operation is one
// transaction holding the lobby row lock.
type LobbyService struct {
	DB      *gorm.DB
	game    *GameService
	bracket *BracketService
	payouts *PayoutService
	gateway vault.Gateway
	calc    vault.Calculator
	log     zerolog.Logger
}

func NewLobbyService(db *gorm.DB, game *GameService, bracket *BracketService, payouts *PayoutService, gateway vault.Gateway, calc vault.Calculator, log zerolog.Logger) *LobbyService {
	return &LobbyService{
		DB:      db,
		game:    game,
		bracket: bracket,
		payouts: payouts,
		gateway: gateway,
		calc:    calc,
		log:     log.With().Str("component", "lobby").Logger(),
	}
}

type CreateLobbyInput struct {
	Name        string `json:"name"`
	CreatorID   string `json:"creator_id"`
	StakeAmount int64  `json:"stake_amount,string"`
	MaxPlayers  int    `json:"max_players"`
	TxHash      string `json:"tx_hash"`
}

type JoinInput struct {
	LobbyID string `json:"lobby_id"`
	Code    string `json:"code"`
	UserID  string `json:"user_id"`
}

type StakeInput struct {
	LobbyID string `json:"lobby_id"`
	UserID  string `json:"user_id"`
	TxHash  string `json:"tx_hash"`
}

type RefundFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type ClosureResult struct {
	LobbyID string          `json:"lobby_id"`
	Refunds []models.Payout `json:"refunds"`
	Failed  []RefundFailure `json:"failed,omitempty"`
}

type StartResult struct {
	Matches      []models.Match `json:"matches"`
	TournamentID *string        `json:"tournament_id,omitempty"`
}

func validCapacity(n int) bool {
	return n == 2 || n == 4 || n == 8
}

func (s *LobbyService) lockLobby(tx *gorm.DB, id string) (*models.Lobby, error) {
	var l models.Lobby
	if err := forUpdate(tx).First(&l, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrLobbyNotFound)
	}
	return &l, nil
}

// adjustTournamentPlayers keeps the linked tournament's count in step with the lobby.
func adjustTournamentPlayers(tx *gorm.DB, l *models.Lobby, delta int, out *afterCommit) error {
	if l.TournamentID == nil {
		return nil
	}
	err := tx.Model(&models.Tournament{}).Where("id = ?", *l.TournamentID).
		UpdateColumn("current_players", gorm.Expr("current_players + ?", delta)).Error
	if err != nil {
		return err
	}
	out.change(events.TableTournaments, events.OpUpdate, *l.TournamentID, nil)
	return nil
}

// CreateLobby validates the creator's deposit and then opens a lobby with the creator
// already seated and staked. Capacity 4 or 8 also opens the tournament it will seed.
func (s *LobbyService) CreateLobby(ctx context.Context, in CreateLobbyInput) (*models.Lobby, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.TxHash = strings.TrimSpace(in.TxHash)
	if in.CreatorID == "" || in.TxHash == "" {
		return nil, ErrInvalidInput.Withf("creator and stake transaction are required")
	}
	if !validCapacity(in.MaxPlayers) {
		return nil, ErrInvalidCapacity
	}
	if floor := s.calc.MinimumStake(); in.StakeAmount < floor {
		return nil, ErrInvalidStake.Withf("stake must be at least %d lamports", floor)
	}
	if in.Name == "" {
		in.Name = "Lobby"
	}

	var creator models.User
	if err := s.DB.WithContext(ctx).First(&creator, "id = ?", in.CreatorID).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	var used int64
	if err := s.DB.WithContext(ctx).Model(&models.StakeTransaction{}).Where("tx_hash = ?", in.TxHash).Count(&used).Error; err != nil {
		return nil, err
	}
	if used > 0 {
		return nil, ErrStakeTxReused
	}

	lobbyID := uuid.NewString()
	ok, err := s.gateway.ValidateDeposit(ctx, vault.DepositCheck{
		TxHash:    in.TxHash,
		Sender:    creator.WalletAddress,
		Amount:    in.StakeAmount,
		Reference: lobbyID,
	})
	if err != nil {
		return nil, ErrVaultUnavailable.With(err)
	}
	if !ok {
		s.log.Warn().
			Str("user_id", creator.ID).
			Str("tx_hash", in.TxHash).
			Int64("amount", in.StakeAmount).
			Msg("creator deposit rejected")
		return nil, ErrDepositMismatch
	}

	out := &afterCommit{}
	lobby := models.Lobby{
		Base:           models.Base{ID: lobbyID},
		Name:           in.Name,
		CreatedBy:      creator.ID,
		MaxPlayers:     in.MaxPlayers,
		CurrentPlayers: 1,
		StakeAmount:    in.StakeAmount,
		Status:         models.LobbyWaiting,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		code, err := gonanoid.Generate(codeAlphabet, codeLength)
		if err != nil {
			return err
		}
		lobby.Code = code

		var tournament *models.Tournament
		if in.MaxPlayers > 2 {
			tournament = &models.Tournament{
				Base:           models.Base{ID: uuid.NewString()},
				Name:           in.Name,
				Slug:           slug.Make(in.Name) + "-" + strings.ToLower(code),
				MaxPlayers:     in.MaxPlayers,
				CurrentPlayers: 1,
				StakeAmount:    in.StakeAmount,
				PrizePool:      in.StakeAmount * int64(in.MaxPlayers),
				Status:         models.TournamentWaiting,
				LobbyID:        ptr(lobbyID),
			}
			lobby.TournamentID = ptr(tournament.ID)
		}

		if err := tx.Omit("Participants").Create(&lobby).Error; err != nil {
			return err
		}
		out.change(events.TableLobbies, events.OpInsert, lobby.ID, lobby)
		if tournament != nil {
			if err := tx.Omit("Participants", "Matches").Create(tournament).Error; err != nil {
				return err
			}
			out.change(events.TableTournaments, events.OpInsert, tournament.ID, *tournament)
		}

		stakedAt := now()
		p := models.LobbyParticipant{
			LobbyID:              lobby.ID,
			UserID:               creator.ID,
			HasStaked:            true,
			IsReady:              true,
			StakeTransactionHash: ptr(in.TxHash),
			StakedAt:             &stakedAt,
			JoinedAt:             stakedAt,
		}
		if err := tx.Create(&p).Error; err != nil {
			return err
		}
		out.change(events.TableLobbyParticipants, events.OpInsert, p.ID, p)
		lobby.Participants = []models.LobbyParticipant{p}

		st := models.StakeTransaction{
			TxHash:  in.TxHash,
			LobbyID: lobby.ID,
			UserID:  creator.ID,
			Amount:  in.StakeAmount,
			Status:  models.StakeValidated,
		}
		if err := tx.Create(&st).Error; err != nil {
			if isDuplicate(err) {
				return ErrStakeTxReused
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)

	s.log.Info().
		Str("lobby_id", lobby.ID).
		Str("code", lobby.Code).
		Int("max_players", lobby.MaxPlayers).
		Int64("stake", lobby.StakeAmount).
		Msg("lobby created")
	return &lobby, nil
}

// JoinLobby seats a user by lobby id or join code. The seat count moves by exactly one.
func (s *LobbyService) JoinLobby(ctx context.Context, in JoinInput) (*models.LobbyParticipant, error) {
	if in.UserID == "" || (in.LobbyID == "" && in.Code == "") {
		return nil, ErrInvalidInput.Withf("user and lobby id or code are required")
	}

	out := &afterCommit{}
	var p models.LobbyParticipant
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lobby models.Lobby
		q := forUpdate(tx)
		if in.LobbyID != "" {
			q = q.Where("id = ?", in.LobbyID)
		} else {
			q = q.Where("code = ?", strings.ToUpper(strings.TrimSpace(in.Code)))
		}
		if err := q.First(&lobby).Error; err != nil {
			return notFound(err, ErrLobbyNotFound)
		}
		if lobby.Status != models.LobbyWaiting {
			return ErrLobbyNotOpen
		}
		if _, err := loadUsers(tx, in.UserID); err != nil {
			return err
		}

		var existing int64
		err := tx.Model(&models.LobbyParticipant{}).
			Where("lobby_id = ? AND user_id = ?", lobby.ID, in.UserID).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyInLobby
		}
		if lobby.IsFull() {
			return ErrLobbyFull
		}

		if lobby.TournamentID != nil {
			var t models.Tournament
			if err := forUpdate(tx).First(&t, "id = ?", *lobby.TournamentID).Error; err != nil {
				return notFound(err, ErrTournamentNotFound)
			}
			if t.Status != models.TournamentWaiting || t.CurrentPlayers >= t.MaxPlayers {
				return ErrTournamentNotOpen
			}
		}

		p = models.LobbyParticipant{LobbyID: lobby.ID, UserID: in.UserID, JoinedAt: now()}
		if err := tx.Create(&p).Error; err != nil {
			if isDuplicate(err) {
				return ErrAlreadyInLobby
			}
			return err
		}
		out.change(events.TableLobbyParticipants, events.OpInsert, p.ID, p)

		lobby.CurrentPlayers++
		if err := save(tx, &lobby); err != nil {
			return err
		}
		out.change(events.TableLobbies, events.OpUpdate, lobby.ID, lobby)
		return adjustTournamentPlayers(tx, &lobby, 1, out)
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)
	return &p, nil
}

// SubmitStake records the stake optimistically, validates the deposit with the vault and
// either confirms it or rolls the record back.
func (s *LobbyService) SubmitStake(ctx context.Context, in StakeInput) (*models.LobbyParticipant, error) {
	in.TxHash = strings.TrimSpace(in.TxHash)
	if in.LobbyID == "" || in.UserID == "" || in.TxHash == "" {
		return nil, ErrInvalidInput.Withf("lobby, user and transaction hash are required")
	}

	out := &afterCommit{}
	var (
		lobby models.Lobby
		p     models.LobbyParticipant
		user  models.User
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := s.lockLobby(tx, in.LobbyID)
		if err != nil {
			return err
		}
		lobby = *l
		if lobby.Status != models.LobbyWaiting {
			return ErrLobbyNotOpen
		}
		if err := tx.Where("lobby_id = ? AND user_id = ?", lobby.ID, in.UserID).First(&p).Error; err != nil {
			return notFound(err, ErrNotInLobby)
		}
		if p.HasStaked {
			return ErrAlreadyStaked
		}
		if err := tx.First(&user, "id = ?", in.UserID).Error; err != nil {
			return notFound(err, ErrUserNotFound)
		}

		st := models.StakeTransaction{
			TxHash:  in.TxHash,
			LobbyID: lobby.ID,
			UserID:  in.UserID,
			Amount:  lobby.StakeAmount,
			Status:  models.StakePending,
		}
		if err := tx.Create(&st).Error; err != nil {
			if isDuplicate(err) {
				return ErrStakeTxReused
			}
			return err
		}

		p.HasStaked = true
		p.StakeTransactionHash = ptr(in.TxHash)
		p.StakedAt = ptr(now())
		if err := save(tx, &p); err != nil {
			return err
		}
		out.change(events.TableLobbyParticipants, events.OpUpdate, p.ID, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)

	ok, verr := s.gateway.ValidateDeposit(ctx, vault.DepositCheck{
		TxHash:    in.TxHash,
		Sender:    user.WalletAddress,
		Amount:    lobby.StakeAmount,
		Reference: lobby.ID,
	})
	if verr != nil || !ok {
		s.log.Error().Err(verr).
			Str("lobby_id", lobby.ID).
			Str("user_id", in.UserID).
			Str("tx_hash", in.TxHash).
			Int64("amount", lobby.StakeAmount).
			Msg("stake not validated, rolling back")
		if err := s.rollbackStake(context.WithoutCancel(ctx), lobby.ID, in.UserID, in.TxHash); err != nil {
			s.log.Error().Err(err).
				Str("lobby_id", lobby.ID).
				Str("user_id", in.UserID).
				Str("tx_hash", in.TxHash).
				Msg("stake rollback failed, needs reconciliation")
		}
		if verr != nil {
			return nil, ErrVaultUnavailable.With(verr)
		}
		return nil, ErrDepositMismatch
	}

	out = &afterCommit{}
	refund := false
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Lobby
		err := forUpdate(tx).First(&current, "id = ?", lobby.ID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		status := models.StakeValidated
		if err != nil || current.Status != models.LobbyWaiting {
			// closed while we were validating, so this stake is returned on its own
			status = models.StakeRefunding
			refund = true
		}
		if err := tx.Model(&models.StakeTransaction{}).Where("tx_hash = ?", in.TxHash).Update("status", status).Error; err != nil {
			return err
		}
		if refund {
			return nil
		}
		p.IsReady = true
		if err := tx.Model(&p).Update("is_ready", true).Error; err != nil {
			return err
		}
		out.change(events.TableLobbyParticipants, events.OpUpdate, p.ID, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)

	if refund {
		_, perr := s.payouts.Execute(ctx, PayoutRequest{
			Kind:        models.PayoutRefund,
			ReferenceID: lobby.ID,
			UserID:      in.UserID,
			Recipient:   user.WalletAddress,
			Gross:       lobby.StakeAmount,
		})
		if perr != nil {
			return nil, perr
		}
		return nil, ErrLobbyNotOpen.Withf("lobby closed while the stake was validated, stake refunded")
	}

	s.log.Info().Str("lobby_id", lobby.ID).Str("user_id", in.UserID).Str("tx_hash", in.TxHash).Msg("stake validated")
	return &p, nil
}

func (s *LobbyService) rollbackStake(ctx context.Context, lobbyID, userID, txHash string) error {
	out := &afterCommit{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tx_hash = ? AND status = ?", txHash, models.StakePending).
			Delete(&models.StakeTransaction{}).Error
		if err != nil {
			return err
		}
		res := tx.Model(&models.LobbyParticipant{}).
			Where("lobby_id = ? AND user_id = ?", lobbyID, userID).
			Updates(map[string]any{
				"has_staked":             false,
				"is_ready":               false,
				"stake_transaction_hash": nil,
				"staked_at":              nil,
			})
		if res.Error != nil {
			return res.Error
		}
		out.change(events.TableLobbyParticipants, events.OpUpdate, userID, nil)
		return nil
	})
	if err != nil {
		return err
	}
	s.game.flush(ctx, out)
	return nil
}

// removeParticipantTx deletes an unstaked participant and shrinks the seat count. The last
// one out disbands the lobby.
func (s *LobbyService) removeParticipantTx(tx *gorm.DB, lobby *models.Lobby, p *models.LobbyParticipant, out *afterCommit) error {
	if err := tx.Delete(p).Error; err != nil {
		return err
	}
	out.change(events.TableLobbyParticipants, events.OpDelete, p.ID, nil)

	lobby.CurrentPlayers--
	if err := adjustTournamentPlayers(tx, lobby, -1, out); err != nil {
		return err
	}
	if lobby.CurrentPlayers > 0 {
		if err := save(tx, lobby); err != nil {
			return err
		}
		out.change(events.TableLobbies, events.OpUpdate, lobby.ID, *lobby)
		return nil
	}

	if err := lobby.TransitionTo(models.LobbyClosed); err != nil {
		return transition(err)
	}
	if err := s.cancelTournamentTx(tx, lobby, out); err != nil {
		return err
	}
	if err := tx.Delete(lobby).Error; err != nil {
		return err
	}
	out.change(events.TableLobbies, events.OpDelete, lobby.ID, nil)
	return nil
}

func (s *LobbyService) cancelTournamentTx(tx *gorm.DB, lobby *models.Lobby, out *afterCommit) error {
	if lobby.TournamentID == nil {
		return nil
	}
	var t models.Tournament
	if err := forUpdate(tx).First(&t, "id = ?", *lobby.TournamentID).Error; err != nil {
		return notFound(err, ErrTournamentNotFound)
	}
	if t.Status != models.TournamentWaiting {
		return nil
	}
	if err := t.TransitionTo(models.TournamentCancelled); err != nil {
		return transition(err)
	}
	if err := save(tx, &t); err != nil {
		return err
	}
	out.change(events.TableTournaments, events.OpUpdate, t.ID, t)
	return nil
}

// LeaveLobby removes an unstaked player. Staked players must withdraw instead.
func (s *LobbyService) LeaveLobby(ctx context.Context, lobbyID, userID string) error {
	out := &afterCommit{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lobby, err := s.lockLobby(tx, lobbyID)
		if err != nil {
			return err
		}
		if lobby.Status != models.LobbyWaiting {
			return ErrLobbyNotOpen
		}
		var p models.LobbyParticipant
		if err := tx.Where("lobby_id = ? AND user_id = ?", lobbyID, userID).First(&p).Error; err != nil {
			return notFound(err, ErrNotInLobby)
		}
		if p.HasStaked {
			return ErrStakeLocked
		}
		return s.removeParticipantTx(tx, lobby, &p, out)
	})
	if err != nil {
		return err
	}
	s.game.flush(ctx, out)
	return nil
}

func (s *LobbyService) KickPlayer(ctx context.Context, lobbyID, callerID, targetID string) error {
	out := &afterCommit{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lobby, err := s.lockLobby(tx, lobbyID)
		if err != nil {
			return err
		}
		if lobby.CreatedBy != callerID {
			return ErrNotLobbyCreator
		}
		if targetID == callerID {
			return ErrCannotKickSelf
		}
		if lobby.Status != models.LobbyWaiting {
			return ErrLobbyNotOpen
		}
		var p models.LobbyParticipant
		if err := tx.Where("lobby_id = ? AND user_id = ?", lobbyID, targetID).First(&p).Error; err != nil {
			return notFound(err, ErrNotInLobby)
		}
		if p.HasStaked {
			return ErrStakeLocked
		}
		return s.removeParticipantTx(tx, lobby, &p, out)
	})
	if err != nil {
		return err
	}
	s.game.flush(ctx, out)
	s.log.Info().Str("lobby_id", lobbyID).Str("user_id", targetID).Msg("player kicked")
	return nil
}

// WithdrawStake lets a staked player other than the creator leave a waiting lobby and get
// the stake back net of fee and gas.
func (s *LobbyService) WithdrawStake(ctx context.Context, lobbyID, userID string) (*models.Payout, error) {
	out := &afterCommit{}
	var (
		lobby models.Lobby
		user  models.User
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := s.lockLobby(tx, lobbyID)
		if err != nil {
			return err
		}
		lobby = *l
		if lobby.Status != models.LobbyWaiting {
			return ErrLobbyNotOpen
		}
		if lobby.CreatedBy == userID {
			return ErrCreatorCannotWithdraw
		}
		var p models.LobbyParticipant
		if err := tx.Where("lobby_id = ? AND user_id = ?", lobbyID, userID).First(&p).Error; err != nil {
			return notFound(err, ErrNotInLobby)
		}
		if !p.HasStaked || p.StakeTransactionHash == nil {
			return ErrNotStaked
		}
		var st models.StakeTransaction
		if err := forUpdate(tx).Where("tx_hash = ?", *p.StakeTransactionHash).First(&st).Error; err != nil {
			return notFound(err, ErrNotStaked)
		}
		if st.Status != models.StakeValidated {
			return ErrStakePending
		}
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			return notFound(err, ErrUserNotFound)
		}
		if err := tx.Model(&st).Update("status", models.StakeRefunding).Error; err != nil {
			return err
		}
		return s.removeParticipantTx(tx, l, &p, out)
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)

	return s.payouts.Execute(ctx, PayoutRequest{
		Kind:        models.PayoutWithdrawal,
		ReferenceID: lobby.ID,
		UserID:      userID,
		Recipient:   user.WalletAddress,
		Gross:       lobby.StakeAmount,
	})
}

// CloseLobby disbands a waiting lobby and refunds every validated stake in parallel.
// The rows are removed only once every refund is confirmed.
func (s *LobbyService) CloseLobby(ctx context.Context, lobbyID, callerID string) (*ClosureResult, error) {
	out := &afterCommit{}
	var (
		lobby  models.Lobby
		stakes []models.StakeTransaction
		users  map[string]models.User
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := s.lockLobby(tx, lobbyID)
		if err != nil {
			return err
		}
		lobby = *l
		if lobby.CreatedBy != callerID {
			return ErrNotLobbyCreator
		}
		if err := lobby.TransitionTo(models.LobbyClosed); err != nil {
			return transition(err)
		}
		lobby.DisbandedAt = ptr(now())
		if err := save(tx, &lobby); err != nil {
			return err
		}
		out.change(events.TableLobbies, events.OpUpdate, lobby.ID, lobby)
		if err := s.cancelTournamentTx(tx, &lobby, out); err != nil {
			return err
		}

		err = forUpdate(tx).
			Where("lobby_id = ? AND status = ?", lobbyID, models.StakeValidated).
			Find(&stakes).Error
		if err != nil {
			return err
		}
		if len(stakes) == 0 {
			return nil
		}
		ids := make([]string, 0, len(stakes))
		for _, st := range stakes {
			ids = append(ids, st.UserID)
		}
		if users, err = loadUsers(tx, ids...); err != nil {
			return err
		}
		return tx.Model(&models.StakeTransaction{}).
			Where("lobby_id = ? AND status = ?", lobbyID, models.StakeValidated).
			Update("status", models.StakeRefunding).Error
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)

	res := &ClosureResult{LobbyID: lobbyID, Refunds: []models.Payout{}}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(refundParallel)
	for _, st := range stakes {
		g.Go(func() error {
			p, err := s.payouts.Execute(ctx, PayoutRequest{
				Kind:        models.PayoutRefund,
				ReferenceID: lobbyID,
				UserID:      st.UserID,
				Recipient:   users[st.UserID].WalletAddress,
				Gross:       st.Amount,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, RefundFailure{UserID: st.UserID, Error: err.Error()})
				return nil
			}
			res.Refunds = append(res.Refunds, *p)
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info().
		Str("lobby_id", lobbyID).
		Int("refunded", len(res.Refunds)).
		Int("failed", len(res.Failed)).
		Msg("lobby closed")

	if len(res.Failed) == 0 {
		if err := s.purgeLobby(ctx, lobbyID); err != nil {
			s.log.Error().Err(err).Str("lobby_id", lobbyID).Msg("failed to remove closed lobby")
		}
	}
	return res, nil
}

func (s *LobbyService) purgeLobby(ctx context.Context, lobbyID string) error {
	out := &afterCommit{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lobby_id = ?", lobbyID).Delete(&models.LobbyParticipant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", lobbyID).Delete(&models.Lobby{}).Error; err != nil {
			return err
		}
		out.change(events.TableLobbies, events.OpDelete, lobbyID, nil)
		return nil
	})
	if err != nil {
		return err
	}
	s.game.flush(ctx, out)
	return nil
}

// PurgeClosedLobbies removes closed lobbies whose refunds have all been confirmed.
func (s *LobbyService) PurgeClosedLobbies(ctx context.Context) (int, error) {
	var closed []models.Lobby
	if err := s.DB.WithContext(ctx).Where("status = ?", models.LobbyClosed).Find(&closed).Error; err != nil {
		return 0, err
	}

	purged := 0
	for _, l := range closed {
		var owed, pending, confirmed int64
		db := s.DB.WithContext(ctx)
		if err := db.Model(&models.StakeTransaction{}).Where("lobby_id = ? AND status = ?", l.ID, models.StakeRefunding).Count(&owed).Error; err != nil {
			return purged, err
		}
		if err := db.Model(&models.StakeTransaction{}).Where("lobby_id = ? AND status = ?", l.ID, models.StakePending).Count(&pending).Error; err != nil {
			return purged, err
		}
		err := db.Model(&models.Payout{}).
			Where("reference_id = ? AND kind IN ? AND status = ?", l.ID,
				[]models.PayoutKind{models.PayoutRefund, models.PayoutWithdrawal}, models.PayoutConfirmed).
			Count(&confirmed).Error
		if err != nil {
			return purged, err
		}
		if pending > 0 || confirmed < owed {
			continue
		}
		if err := s.purgeLobby(ctx, l.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// StartMatch turns a full, fully staked lobby into its match, or into the first round of
// its tournament, and then removes the lobby.
func (s *LobbyService) StartMatch(ctx context.Context, lobbyID, callerID string) (*StartResult, error) {
	var probe models.Lobby
	if err := s.DB.WithContext(ctx).First(&probe, "id = ?", lobbyID).Error; err != nil {
		return nil, notFound(err, ErrLobbyNotFound)
	}
	if probe.TournamentID != nil {
		unlock := s.bracket.locks.Lock("tournament:" + *probe.TournamentID)
		defer unlock()
	}

	out := &afterCommit{}
	res := &StartResult{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lobby, err := s.lockLobby(tx, lobbyID)
		if err != nil {
			return err
		}
		if lobby.CreatedBy != callerID {
			return ErrNotLobbyCreator
		}
		if lobby.Status != models.LobbyWaiting {
			return ErrLobbyNotOpen
		}

		var parts []models.LobbyParticipant
		if err := tx.Where("lobby_id = ?", lobbyID).Order("joined_at").Find(&parts).Error; err != nil {
			return err
		}
		if len(parts) != lobby.MaxPlayers || lobby.CurrentPlayers != lobby.MaxPlayers {
			return ErrLobbyNotReady.Withf("lobby has %d of %d players", len(parts), lobby.MaxPlayers)
		}
		userIDs := make([]string, 0, len(parts))
		for _, p := range parts {
			if !p.HasStaked {
				return ErrLobbyNotReady.Withf("player %s has not staked", p.UserID)
			}
			userIDs = append(userIDs, p.UserID)
		}
		var validated int64
		err = tx.Model(&models.StakeTransaction{}).
			Where("lobby_id = ? AND status = ? AND user_id IN ?", lobbyID, models.StakeValidated, userIDs).
			Count(&validated).Error
		if err != nil {
			return err
		}
		if validated != int64(len(userIDs)) {
			return ErrStakePending
		}

		if err := lobby.TransitionTo(models.LobbyStarting); err != nil {
			return transition(err)
		}
		if err := save(tx, lobby); err != nil {
			return err
		}
		out.change(events.TableLobbies, events.OpUpdate, lobby.ID, *lobby)

		if lobby.TournamentID == nil {
			m := models.Match{
				StakeAmount:    lobby.StakeAmount,
				TotalPrizePool: lobby.StakeAmount * int64(len(userIDs)),
				LobbyID:        ptr(lobby.ID),
			}
			if err := s.game.createMatchTx(tx, &m, userIDs, out); err != nil {
				return err
			}
			if err := s.game.startMatchTx(tx, &m, out); err != nil {
				return err
			}
			res.Matches = []models.Match{m}
		} else {
			var t models.Tournament
			if err := forUpdate(tx).First(&t, "id = ?", *lobby.TournamentID).Error; err != nil {
				return notFound(err, ErrTournamentNotFound)
			}
			matches, err := s.bracket.createInitialBracketTx(tx, &t, userIDs, out)
			if err != nil {
				return err
			}
			res.Matches = matches
			res.TournamentID = ptr(t.ID)
		}

		if err := tx.Where("lobby_id = ?", lobby.ID).Delete(&models.LobbyParticipant{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(lobby).Error; err != nil {
			return err
		}
		out.change(events.TableLobbies, events.OpDelete, lobby.ID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.game.flush(ctx, out)

	s.log.Info().
		Str("lobby_id", lobbyID).
		Int("matches", len(res.Matches)).
		Bool("tournament", res.TournamentID != nil).
		Msg("lobby started")
	return res, nil
}

func (s *LobbyService) lobbyForTournament(ctx context.Context, tournamentID string) (*models.Lobby, error) {
	var t models.Tournament
	if err := s.DB.WithContext(ctx).First(&t, "id = ?", tournamentID).Error; err != nil {
		return nil, notFound(err, ErrTournamentNotFound)
	}
	var l models.Lobby
	if err := s.DB.WithContext(ctx).Where("tournament_id = ?", tournamentID).First(&l).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTournamentNotOpen
		}
		return nil, err
	}
	return &l, nil
}

func (s *LobbyService) JoinTournament(ctx context.Context, tournamentID, userID string) (*models.LobbyParticipant, error) {
	l, err := s.lobbyForTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	return s.JoinLobby(ctx, JoinInput{LobbyID: l.ID, UserID: userID})
}

func (s *LobbyService) StartTournament(ctx context.Context, tournamentID, callerID string) (*StartResult, error) {
	l, err := s.lobbyForTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	return s.StartMatch(ctx, l.ID, callerID)
}

func (s *LobbyService) ListOpenLobbies(ctx context.Context) ([]models.Lobby, error) {
	var lobbies []models.Lobby
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.LobbyWaiting).
		Order("created_at DESC").
		Find(&lobbies).Error
	return lobbies, err
}

func (s *LobbyService) GetLobby(ctx context.Context, lobbyID string) (*models.Lobby, error) {
	var l models.Lobby
	err := s.DB.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB { return db.Order("joined_at") }).
		First(&l, "id = ?", lobbyID).Error
	if err != nil {
		return nil, notFound(err, ErrLobbyNotFound)
	}
	return &l, nil
}
