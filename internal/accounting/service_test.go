package accounting

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"referral-bot/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Referral{}, &models.Withdrawal{}))
	return db
}

func TestRegisterNewUser(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	result, err := svc.Register(ctx, 100, "alice", "Alice", "")
	require.NoError(t, err)
	require.Nil(t, result.Referrer)

	user := result.User
	require.Equal(t, int64(100), user.TelegramID)
	require.Equal(t, SignupBonus, user.Balance)
	require.Equal(t, 0, user.ReferralCount)
	require.Len(t, user.ReferralCode, 8)
}

func TestRegisterExistingUser(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	_, err := svc.Register(ctx, 100, "alice", "Alice", "")
	require.NoError(t, err)

	_, err = svc.Register(ctx, 100, "alice", "Alice", "")
	require.ErrorIs(t, err, ErrUserExists)
}

func TestRegisterWithReferralCode(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	referrer, err := svc.Register(ctx, 100, "alice", "Alice", "")
	require.NoError(t, err)

	result, err := svc.Register(ctx, 200, "bob", "Bob", referrer.User.ReferralCode)
	require.NoError(t, err)
	require.NotNil(t, result.Referrer)
	require.Equal(t, int64(100), result.Referrer.TelegramID)
	require.Equal(t, SignupBonus+ReferralBonus, result.Referrer.Balance)
	require.Equal(t, 1, result.Referrer.ReferralCount)

	// The new user's own bonus is independent of the referral.
	require.Equal(t, SignupBonus, result.User.Balance)

	var edge models.Referral
	require.NoError(t, svc.DB.Where("referrer_id = ? AND referred_id = ?",
		result.Referrer.ID, result.User.ID).First(&edge).Error)
}

func TestRegisterWithUnknownReferralCode(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	result, err := svc.Register(ctx, 100, "alice", "Alice", "deadbeef")
	require.NoError(t, err)
	require.Nil(t, result.Referrer)
	require.Equal(t, SignupBonus, result.User.Balance)
}

func TestBalanceAndCountForUnknownUser(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	balance, err := svc.Balance(ctx, 999)
	require.NoError(t, err)
	require.Zero(t, balance)

	count, err := svc.ReferralCount(ctx, 999)
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = svc.UserByTelegramID(ctx, 999)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestAdjustBalance(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	_, err := svc.Register(ctx, 100, "alice", "Alice", "")
	require.NoError(t, err)

	require.NoError(t, svc.AdjustBalance(ctx, 100, 10))
	require.NoError(t, svc.AdjustBalance(ctx, 100, -5))

	balance, err := svc.Balance(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, SignupBonus+5, balance)

	require.ErrorIs(t, svc.AdjustBalance(ctx, 999, 10), ErrUserNotFound)
}

func TestWithdrawalLifecycle(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	result, err := svc.Register(ctx, 100, "alice", "Alice", "")
	require.NoError(t, err)
	userID := result.User.ID

	created, err := svc.CreateWithdrawal(ctx, userID, "0xABCDEF0123456789ABCDEF0123456789ABCDEF01", 60)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPending, created.Status)

	pending, err := svc.PendingWithdrawal(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, created.ID, pending.ID)

	require.NoError(t, svc.SetWithdrawalStatus(ctx, created.ID, models.WithdrawalProcessing))

	loaded, err := svc.WithdrawalByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalProcessing, loaded.Status)
	require.Equal(t, int64(100), loaded.User.TelegramID)

	_, err = svc.PendingWithdrawal(ctx, userID)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSetWithdrawalStatusUnknownID(t *testing.T) {
	svc := NewService(newTestDB(t))

	err := svc.SetWithdrawalStatus(context.Background(), 12345, models.WithdrawalCompleted)
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestStaleProcessing(t *testing.T) {
	svc := NewService(newTestDB(t))
	ctx := context.Background()

	result, err := svc.Register(ctx, 100, "alice", "Alice", "")
	require.NoError(t, err)

	old, err := svc.CreateWithdrawal(ctx, result.User.ID, "0xABCDEF0123456789ABCDEF0123456789ABCDEF01", 30)
	require.NoError(t, err)
	require.NoError(t, svc.SetWithdrawalStatus(ctx, old.ID, models.WithdrawalProcessing))
	require.NoError(t, svc.DB.Model(&models.Withdrawal{}).Where("id = ?", old.ID).
		Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	fresh, err := svc.CreateWithdrawal(ctx, result.User.ID, "0xABCDEF0123456789ABCDEF0123456789ABCDEF01", 30)
	require.NoError(t, err)
	require.NoError(t, svc.SetWithdrawalStatus(ctx, fresh.ID, models.WithdrawalProcessing))

	stale, err := svc.StaleProcessing(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, old.ID, stale[0].ID)
	require.Equal(t, int64(100), stale[0].User.TelegramID)
}
