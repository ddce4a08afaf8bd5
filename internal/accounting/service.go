package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"referral-bot/internal/models"
)

const (
	// SignupBonus is credited once when a user first registers.
	SignupBonus = 30.0
	// ReferralBonus is credited to the referrer for each user who joins
	// through their link.
	ReferralBonus = 30.0
)

// Service implements the referral bookkeeping rules over the database:
// user creation with the signup bonus, referral-edge recording, referrer
// crediting and balance adjustments.
type Service struct {
	DB *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// RegisterResult reports what Register did. Referrer is set only when a
// referral edge was recorded and credited; it carries the referrer's state
// after the credit.
type RegisterResult struct {
	User     models.User
	Referrer *models.User
}

// Register creates a user with the signup bonus and, when referralCode
// resolves to an existing user, records the referral edge and credits the
// referrer. A failed referrer credit never rolls back the new user: the two
// effects are independent from the new user's perspective.
func (s *Service) Register(ctx context.Context, telegramID int64, username, firstName, referralCode string) (*RegisterResult, error) {
	var existing models.User
	err := s.DB.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&existing).Error
	if err == nil {
		return nil, ErrUserExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	user := models.User{
		TelegramID:   telegramID,
		Username:     username,
		FirstName:    firstName,
		Balance:      SignupBonus,
		ReferralCode: newReferralCode(),
	}
	if err := s.DB.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	result := &RegisterResult{User: user}

	if referralCode != "" {
		referrer, err := s.creditReferrer(ctx, referralCode, user.ID)
		if err != nil {
			log.Error().Err(err).Int64("telegram_id", telegramID).Str("code", referralCode).
				Msg("Failed to credit referrer")
		} else {
			result.Referrer = referrer
		}
	}

	return result, nil
}

// creditReferrer records the referral edge and bumps the referrer's count and
// balance server-side, so two concurrent registrations cannot lose an update.
// An unknown code is not an error: the registration simply has no referrer.
func (s *Service) creditReferrer(ctx context.Context, code string, referredID uint) (*models.User, error) {
	var referrer models.User
	if err := s.DB.WithContext(ctx).Where("referral_code = ?", code).First(&referrer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup referrer: %w", err)
	}
	if referrer.ID == referredID {
		return nil, nil
	}

	edge := models.Referral{ReferrerID: referrer.ID, ReferredID: referredID}
	if err := s.DB.WithContext(ctx).Create(&edge).Error; err != nil {
		return nil, fmt.Errorf("record referral: %w", err)
	}

	err := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", referrer.ID).
		Updates(map[string]interface{}{
			"referral_count": gorm.Expr("referral_count + 1"),
			"balance":        gorm.Expr("balance + ?", ReferralBonus),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("credit referrer: %w", err)
	}

	if err := s.DB.WithContext(ctx).First(&referrer, referrer.ID).Error; err != nil {
		return nil, fmt.Errorf("reload referrer: %w", err)
	}
	return &referrer, nil
}

func (s *Service) UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return &user, nil
}

func (s *Service) UserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).Where("referral_code = ?", code).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user by code: %w", err)
	}
	return &user, nil
}

// Balance returns 0 for an unknown user.
func (s *Service) Balance(ctx context.Context, telegramID int64) (float64, error) {
	user, err := s.UserByTelegramID(ctx, telegramID)
	if errors.Is(err, ErrUserNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// ReferralCount returns 0 for an unknown user.
func (s *Service) ReferralCount(ctx context.Context, telegramID int64) (int, error) {
	user, err := s.UserByTelegramID(ctx, telegramID)
	if errors.Is(err, ErrUserNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return user.ReferralCount, nil
}

// AdjustBalance applies delta server-side in a single UPDATE.
func (s *Service) AdjustBalance(ctx context.Context, telegramID int64, delta float64) error {
	tx := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("telegram_id = ?", telegramID).
		Update("balance", gorm.Expr("balance + ?", delta))
	if tx.Error != nil {
		return fmt.Errorf("adjust balance: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateWithdrawal records a new withdrawal request in status pending.
func (s *Service) CreateWithdrawal(ctx context.Context, userID uint, walletAddress string, amount float64) (*models.Withdrawal, error) {
	withdrawal := models.Withdrawal{
		UserID:        userID,
		WalletAddress: walletAddress,
		Amount:        amount,
		Status:        models.WithdrawalPending,
	}
	if err := s.DB.WithContext(ctx).Create(&withdrawal).Error; err != nil {
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}
	return &withdrawal, nil
}

// SetWithdrawalStatus writes the target status without validating the
// predecessor state; callers guard ordering where it matters.
func (s *Service) SetWithdrawalStatus(ctx context.Context, withdrawalID uint, status string) error {
	tx := s.DB.WithContext(ctx).Model(&models.Withdrawal{}).
		Where("id = ?", withdrawalID).
		Update("status", status)
	if tx.Error != nil {
		return fmt.Errorf("update withdrawal status: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Service) WithdrawalByID(ctx context.Context, withdrawalID uint) (*models.Withdrawal, error) {
	var withdrawal models.Withdrawal
	if err := s.DB.WithContext(ctx).Preload("User").First(&withdrawal, withdrawalID).Error; err != nil {
		return nil, fmt.Errorf("lookup withdrawal: %w", err)
	}
	return &withdrawal, nil
}

// PendingWithdrawal returns the oldest pending withdrawal for a user, or
// ErrRecordNotFound when there is none.
func (s *Service) PendingWithdrawal(ctx context.Context, userID uint) (*models.Withdrawal, error) {
	var withdrawal models.Withdrawal
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.WithdrawalPending).
		Order("created_at").
		First(&withdrawal).Error
	if err != nil {
		return nil, err
	}
	return &withdrawal, nil
}

// StaleProcessing lists withdrawals that have been in status processing since
// before the cutoff, with their owning user preloaded.
func (s *Service) StaleProcessing(ctx context.Context, cutoff time.Time) ([]models.Withdrawal, error) {
	var withdrawals []models.Withdrawal
	err := s.DB.WithContext(ctx).Preload("User").
		Where("status = ? AND created_at < ?", models.WithdrawalProcessing, cutoff).
		Find(&withdrawals).Error
	if err != nil {
		return nil, fmt.Errorf("query stale withdrawals: %w", err)
	}
	return withdrawals, nil
}

// newReferralCode takes the first 8 hex characters of a UUID. Collisions are
// possible but vanishingly unlikely at this scale; the unique index on the
// column turns one into a failed insert rather than a misattribution.
func newReferralCode() string {
	return uuid.NewString()[:8]
}
