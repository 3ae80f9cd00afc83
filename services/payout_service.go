package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"stake-arena/events"
	"stake-arena/models"
	"stake-arena/utils"
	"stake-arena/vault"
)

const maxPayoutAttempts = 5

type PayoutRequest struct {
	Kind        models.PayoutKind
	ReferenceID string
	UserID      string
	Recipient   string
	Gross       int64
}

func (r PayoutRequest) key() string {
	return "payout:" + string(r.Kind) + ":" + r.ReferenceID + ":" + r.UserID
}

// PayoutService is the only code path that moves money out of custody.
// Every transfer is first written to the payouts ledger under a unique key, so the same
// prize or refund can never be sent twice, and is only marked confirmed on an explicit
// signature from the vault.
type PayoutService struct {
	DB      *gorm.DB
	gateway vault.Gateway
	calc    vault.Calculator
	archive utils.Archive
	events  events.Publisher
	locks   *keyedMutex
	log     zerolog.Logger
}

func NewPayoutService(db *gorm.DB, gateway vault.Gateway, calc vault.Calculator, archive utils.Archive, pub events.Publisher, log zerolog.Logger) *PayoutService {
	if archive == nil {
		archive = utils.NoopArchive{}
	}
	return &PayoutService{
		DB:      db,
		gateway: gateway,
		calc:    calc,
		archive: archive,
		events:  pub,
		locks:   newKeyedMutex(),
		log:     log.With().Str("component", "payouts").Logger(),
	}
}

// Execute pays req once. A confirmed ledger row short-circuits without calling the vault.
func (s *PayoutService) Execute(ctx context.Context, req PayoutRequest) (*models.Payout, error) {
	if req.Recipient == "" || req.UserID == "" || req.ReferenceID == "" {
		return nil, ErrInvalidInput.Withf("payout request is missing recipient, user or reference")
	}
	breakdown, err := s.calc.Net(req.Gross)
	if err != nil {
		return nil, ErrInvalidStake.With(err)
	}

	unlock := s.locks.Lock(req.key())
	defer unlock()

	var p models.Payout
	proceed := false
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := forUpdate(tx).
			Where("kind = ? AND reference_id = ? AND user_id = ?", req.Kind, req.ReferenceID, req.UserID).
			First(&p).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p = models.Payout{
				Kind:        req.Kind,
				ReferenceID: req.ReferenceID,
				UserID:      req.UserID,
				Recipient:   req.Recipient,
				Gross:       breakdown.Gross,
				Fee:         breakdown.Fee,
				Gas:         breakdown.Gas,
				Net:         breakdown.Net,
				Status:      models.PayoutPending,
				Attempts:    1,
			}
			proceed = true
			return tx.Create(&p).Error
		case err != nil:
			return err
		}

		switch p.Status {
		case models.PayoutConfirmed, models.PayoutUnknown:
			return nil
		case models.PayoutPending:
			// a previous attempt died between the vault call and the ledger update
			p.Status = models.PayoutUnknown
			p.LastError = "found pending on retry"
			return save(tx, &p)
		}
		p.Status = models.PayoutPending
		p.Attempts++
		proceed = true
		return save(tx, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("record payout: %w", err)
	}

	if !proceed {
		if p.Status == models.PayoutConfirmed {
			return &p, nil
		}
		s.log.Error().
			Str("payout_id", p.ID).
			Str("kind", string(p.Kind)).
			Str("reference_id", p.ReferenceID).
			Str("user_id", p.UserID).
			Int64("net", p.Net).
			Msg("payout held for manual review")
		return &p, ErrPayoutNeedsReview
	}

	return s.transfer(ctx, &p)
}

func (s *PayoutService) transfer(ctx context.Context, p *models.Payout) (*models.Payout, error) {
	sig, callErr := s.gateway.Payout(ctx, vault.Transfer{Key: p.ID, Recipient: p.Recipient, Amount: p.Net})

	var result error
	if callErr != nil {
		p.LastError = callErr.Error()
		if vault.IsDefinitive(callErr) {
			p.Status = models.PayoutFailed
			result = ErrPayoutFailed.With(callErr)
		} else {
			p.Status = models.PayoutUnknown
			result = ErrPayoutNeedsReview.With(callErr)
		}
	} else {
		p.Status = models.PayoutConfirmed
		p.Signature = &sig
		p.LastError = ""
	}

	// the transfer already happened, so the ledger update must not be cut short by ctx
	if err := save(s.DB.WithContext(context.WithoutCancel(ctx)), p); err != nil {
		s.log.Error().Err(err).
			Str("payout_id", p.ID).
			Str("status", string(p.Status)).
			Str("signature", sig).
			Msg("failed to record payout outcome")
		return p, fmt.Errorf("record payout outcome: %w", err)
	}

	log := s.log.With().
		Str("payout_id", p.ID).
		Str("kind", string(p.Kind)).
		Str("reference_id", p.ReferenceID).
		Str("recipient", p.Recipient).
		Int64("net", p.Net).
		Logger()
	if result != nil {
		log.Error().Err(callErr).Str("status", string(p.Status)).Msg("payout not confirmed")
	} else {
		log.Info().Str("signature", sig).Msg("payout confirmed")
		if err := s.archive.PutJSON(ctx, "payouts/"+p.ID+".json", p); err != nil {
			log.Warn().Err(err).Msg("failed to archive payout receipt")
		}
	}

	if s.events != nil {
		s.events.Publish(ctx, events.NewChange(events.TablePayouts, events.OpUpdate, p.ID, *p))
	}
	return p, result
}

// RetryFailed re-sends payouts the vault explicitly rejected. Unknown outcomes are left alone.
func (s *PayoutService) RetryFailed(ctx context.Context) (int, error) {
	var failed []models.Payout
	err := s.DB.WithContext(ctx).
		Where("status = ? AND attempts < ?", models.PayoutFailed, maxPayoutAttempts).
		Order("created_at").
		Find(&failed).Error
	if err != nil {
		return 0, err
	}

	confirmed := 0
	for _, p := range failed {
		_, err := s.Execute(ctx, PayoutRequest{
			Kind:        p.Kind,
			ReferenceID: p.ReferenceID,
			UserID:      p.UserID,
			Recipient:   p.Recipient,
			Gross:       p.Gross,
		})
		if err != nil {
			continue
		}
		confirmed++
	}
	return confirmed, nil
}

func (s *PayoutService) Find(ctx context.Context, kind models.PayoutKind, referenceID, userID string) (*models.Payout, error) {
	var p models.Payout
	err := s.DB.WithContext(ctx).
		Where("kind = ? AND reference_id = ? AND user_id = ?", kind, referenceID, userID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}
