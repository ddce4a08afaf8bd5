package withdrawal

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"referral-bot/internal/accounting"
	"referral-bot/internal/models"
)

const testWallet = "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"

var testFee = FeeInstructions{
	Address: "0x4Cf3D10FcF9E94643a9F72e3Dd97B8768F78f2B0",
	Amount:  30,
	Network: "BEP20 (Binance Smart Chain)",
}

var testDBSeq atomic.Int64

func newTestFlow(t *testing.T) (*Flow, *accounting.Service) {
	t.Helper()

	// Uniquify the DSN per call: with cache=shared, repeated calls within one
	// test would otherwise reuse the same live in-memory database.
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"), testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Referral{}, &models.Withdrawal{}))

	svc := accounting.NewService(db)
	return NewFlow(svc, testFee), svc
}

func registerWithReferrals(t *testing.T, svc *accounting.Service, telegramID int64, referrals int) *models.User {
	t.Helper()

	result, err := svc.Register(context.Background(), telegramID, "user", "User", "")
	require.NoError(t, err)
	require.NoError(t, svc.DB.Model(&models.User{}).Where("id = ?", result.User.ID).
		Update("referral_count", referrals).Error)

	user, err := svc.UserByTelegramID(context.Background(), telegramID)
	require.NoError(t, err)
	return user
}

func TestBeginBelowThreshold(t *testing.T) {
	flow, svc := newTestFlow(t)
	registerWithReferrals(t, svc, 100, ReferralThreshold-1)

	err := flow.Begin(context.Background(), 100)
	var notEligible *NotEligibleError
	require.ErrorAs(t, err, &notEligible)
	require.Equal(t, ReferralThreshold-1, notEligible.Count)
	require.Equal(t, ReferralThreshold, notEligible.Threshold)
	require.Equal(t, PhaseIdle, flow.Phase(100))
}

func TestBeginAtThreshold(t *testing.T) {
	flow, svc := newTestFlow(t)
	registerWithReferrals(t, svc, 100, ReferralThreshold)

	require.NoError(t, flow.Begin(context.Background(), 100))
	require.Equal(t, PhaseAwaitingWallet, flow.Phase(100))
}

func TestWalletValidation(t *testing.T) {
	ctx := context.Background()

	for _, invalid := range []string{
		"1234",
		"0x1234",
		"ABCDEF0123456789ABCDEF0123456789ABCDEF0123", // no 0x prefix
		testWallet + "0",                              // 43 chars
		testWallet[:41],                               // 41 chars
	} {
		flow, svc := newTestFlow(t)
		registerWithReferrals(t, svc, 100, ReferralThreshold)
		require.NoError(t, flow.Begin(ctx, 100))

		_, err := flow.HandleText(ctx, 100, invalid)
		require.ErrorIs(t, err, ErrInvalidWallet, "address %q", invalid)
		require.Equal(t, PhaseAwaitingWallet, flow.Phase(100))
	}
}

func TestWalletAccepted(t *testing.T) {
	flow, svc := newTestFlow(t)
	ctx := context.Background()
	registerWithReferrals(t, svc, 100, ReferralThreshold)
	require.NoError(t, flow.Begin(ctx, 100))

	step, err := flow.HandleText(ctx, 100, "  "+testWallet+"  ")
	require.NoError(t, err)
	require.Equal(t, PhaseAwaitingConfirmation, step.Phase)
	require.NotNil(t, step.Fee)
	require.Equal(t, testFee, *step.Fee)
	require.Equal(t, PhaseAwaitingConfirmation, flow.Phase(100))
}

func TestConfirmationTextVariants(t *testing.T) {
	ctx := context.Background()

	for i, confirmation := range []string{"done", "Done", " done ", "DONE"} {
		flow, svc := newTestFlow(t)
		telegramID := int64(100 + i)
		registerWithReferrals(t, svc, telegramID, ReferralThreshold)
		require.NoError(t, flow.Begin(ctx, telegramID))
		_, err := flow.HandleText(ctx, telegramID, testWallet)
		require.NoError(t, err)

		step, err := flow.HandleText(ctx, telegramID, confirmation)
		require.NoError(t, err, "confirmation %q", confirmation)
		require.NotNil(t, step.Receipt)
		require.Equal(t, PhaseIdle, flow.Phase(telegramID))
	}
}

func TestConfirmationReprompt(t *testing.T) {
	flow, svc := newTestFlow(t)
	ctx := context.Background()
	registerWithReferrals(t, svc, 100, ReferralThreshold)
	require.NoError(t, flow.Begin(ctx, 100))
	_, err := flow.HandleText(ctx, 100, testWallet)
	require.NoError(t, err)

	_, err = flow.HandleText(ctx, 100, "sent it")
	require.ErrorIs(t, err, ErrAwaitingConfirmation)
	require.Equal(t, PhaseAwaitingConfirmation, flow.Phase(100))

	balance, err := svc.Balance(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, accounting.SignupBonus, balance)
}

func TestFinalizeDebitsFullBalance(t *testing.T) {
	flow, svc := newTestFlow(t)
	ctx := context.Background()
	user := registerWithReferrals(t, svc, 100, ReferralThreshold)
	require.NoError(t, svc.AdjustBalance(ctx, 100, 70))
	amountBefore := user.Balance + 70

	require.NoError(t, flow.Begin(ctx, 100))
	_, err := flow.HandleText(ctx, 100, testWallet)
	require.NoError(t, err)

	step, err := flow.HandleText(ctx, 100, "done")
	require.NoError(t, err)
	require.NotNil(t, step.Receipt)
	require.Equal(t, amountBefore, step.Receipt.Amount)
	require.Equal(t, testWallet, step.Receipt.Wallet)

	balance, err := svc.Balance(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, balance)

	loaded, err := svc.WithdrawalByID(ctx, step.Receipt.WithdrawalID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalProcessing, loaded.Status)
	require.Equal(t, amountBefore, loaded.Amount)
	require.Equal(t, testWallet, loaded.WalletAddress)
}

func TestCancel(t *testing.T) {
	flow, svc := newTestFlow(t)
	ctx := context.Background()
	registerWithReferrals(t, svc, 100, ReferralThreshold)

	require.False(t, flow.Cancel(100))

	require.NoError(t, flow.Begin(ctx, 100))
	_, err := flow.HandleText(ctx, 100, testWallet)
	require.NoError(t, err)

	require.True(t, flow.Cancel(100))
	require.Equal(t, PhaseIdle, flow.Phase(100))

	_, err = flow.HandleText(ctx, 100, "done")
	require.ErrorIs(t, err, ErrNoConversation)
}

func TestPruneStale(t *testing.T) {
	flow, svc := newTestFlow(t)
	ctx := context.Background()
	registerWithReferrals(t, svc, 100, ReferralThreshold)
	require.NoError(t, flow.Begin(ctx, 100))

	require.Zero(t, flow.PruneStale(time.Hour))
	require.Equal(t, PhaseAwaitingWallet, flow.Phase(100))

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, flow.PruneStale(time.Nanosecond))
	require.Equal(t, PhaseIdle, flow.Phase(100))
}

// Full referral-to-withdrawal walkthrough: Alice joins, refers Bob and 29
// others, then withdraws her whole balance.
func TestReferralWithdrawalScenario(t *testing.T) {
	flow, svc := newTestFlow(t)
	ctx := context.Background()

	alice, err := svc.Register(ctx, 1, "alice", "Alice", "")
	require.NoError(t, err)
	require.Equal(t, 30.0, alice.User.Balance)
	require.Equal(t, 0, alice.User.ReferralCount)

	bob, err := svc.Register(ctx, 2, "bob", "Bob", alice.User.ReferralCode)
	require.NoError(t, err)
	require.Equal(t, 30.0, bob.User.Balance)
	require.Equal(t, 60.0, bob.Referrer.Balance)
	require.Equal(t, 1, bob.Referrer.ReferralCount)

	for i := int64(3); i <= 31; i++ {
		_, err := svc.Register(ctx, i, fmt.Sprintf("friend%d", i), "Friend", alice.User.ReferralCode)
		require.NoError(t, err)
	}

	count, err := svc.ReferralCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 30, count)

	balanceBefore, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 30.0+30.0*30, balanceBefore)

	require.NoError(t, flow.Begin(ctx, 1))
	_, err = flow.HandleText(ctx, 1, testWallet)
	require.NoError(t, err)

	step, err := flow.HandleText(ctx, 1, "done")
	require.NoError(t, err)
	require.Equal(t, balanceBefore, step.Receipt.Amount)

	balance, err := svc.Balance(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, balance)

	loaded, err := svc.WithdrawalByID(ctx, step.Receipt.WithdrawalID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalProcessing, loaded.Status)
}
