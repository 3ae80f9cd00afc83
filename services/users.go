// services/users.go
package services

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stake-arena/events"
	"stake-arena/models"
)

type UserService struct {
	DB     *gorm.DB
	events events.Publisher
	log    zerolog.Logger
}

func NewUserService(db *gorm.DB, pub events.Publisher, log zerolog.Logger) *UserService {
	return &UserService{DB: db, events: pub, log: log.With().Str("component", "users").Logger()}
}

// EnsureUser returns the user owning wallet, creating it on first sight.
func (s *UserService) EnsureUser(ctx context.Context, wallet, nickname string) (*models.User, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" || strings.ContainsAny(wallet, " \t\n") || len(wallet) > 64 {
		return nil, ErrInvalidInput.Withf("a valid wallet address is required")
	}

	u := models.User{WalletAddress: wallet, Nickname: displayName(nickname, wallet)}
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "wallet_address"}}, DoNothing: true}).
		Create(&u)
	if res.Error != nil {
		return nil, res.Error
	}

	var user models.User
	if err := s.DB.WithContext(ctx).Where("wallet_address = ?", wallet).First(&user).Error; err != nil {
		return nil, err
	}
	if res.RowsAffected > 0 {
		s.log.Info().Str("user_id", user.ID).Str("wallet", wallet).Msg("user registered")
		s.events.Publish(ctx, events.NewChange(events.TableUsers, events.OpInsert, user.ID, user))
	}
	return &user, nil
}

func (s *UserService) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.DB.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func displayName(nickname, wallet string) string {
	nickname = strings.Join(strings.Fields(nickname), " ")
	if nickname != "" {
		if r := []rune(nickname); len(r) > 32 {
			nickname = string(r[:32])
		}
		// casers keep state, so one per call
		return cases.Title(language.Und).String(nickname)
	}
	if len(wallet) > 8 {
		return wallet[:4] + ".." + wallet[len(wallet)-4:]
	}
	return wallet
}

// loadUsers fetches users by id, failing if any is missing.
func loadUsers(tx *gorm.DB, ids ...string) (map[string]models.User, error) {
	var users []models.User
	if err := tx.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	out := make(map[string]models.User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			return nil, ErrUserNotFound.Withf("user %s not found", id)
		}
	}
	return out, nil
}
