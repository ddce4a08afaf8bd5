package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"referral-bot/internal/accounting"
	"referral-bot/internal/models"
)

// ReferralThreshold is the referral count required before a withdrawal may
// be initiated.
const ReferralThreshold = 30

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingWallet
	PhaseAwaitingConfirmation
)

var (
	ErrNoConversation       = errors.New("no active withdrawal conversation")
	ErrInvalidWallet        = errors.New("invalid wallet address")
	ErrAwaitingConfirmation = errors.New("confirmation text expected")
)

// NotEligibleError reports a withdrawal attempt below the referral threshold.
type NotEligibleError struct {
	Count     int
	Threshold int
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("need %d referrals to withdraw, have %d", e.Threshold, e.Count)
}

// FeeInstructions describe the fixed fee the user is asked to send before the
// withdrawal is finalized. This is a friction step, not a verified payment.
type FeeInstructions struct {
	Address string
	Amount  float64
	Network string
}

// Receipt describes a finalized withdrawal.
type Receipt struct {
	WithdrawalID uint
	Amount       float64
	Wallet       string
}

// Step is the outcome of feeding one text message into the flow. Fee is set
// when a wallet address was just accepted; Receipt when the withdrawal was
// finalized.
type Step struct {
	Phase   Phase
	Fee     *FeeInstructions
	Receipt *Receipt
}

type session struct {
	phase     Phase
	wallet    string
	updatedAt time.Time
}

// Flow is the per-user withdrawal conversation state machine. Sessions live
// in memory only: a restart drops them and the user starts over from idle.
type Flow struct {
	accounts *accounting.Service
	fee      FeeInstructions

	mu       sync.RWMutex
	sessions map[int64]*session
}

func NewFlow(accounts *accounting.Service, fee FeeInstructions) *Flow {
	return &Flow{
		accounts: accounts,
		fee:      fee,
		sessions: make(map[int64]*session),
	}
}

// Begin starts a withdrawal conversation. Below the referral threshold it
// returns NotEligibleError and the user stays idle.
func (f *Flow) Begin(ctx context.Context, telegramID int64) error {
	count, err := f.accounts.ReferralCount(ctx, telegramID)
	if err != nil {
		return fmt.Errorf("referral count: %w", err)
	}
	if count < ReferralThreshold {
		return &NotEligibleError{Count: count, Threshold: ReferralThreshold}
	}

	f.mu.Lock()
	f.sessions[telegramID] = &session{phase: PhaseAwaitingWallet, updatedAt: time.Now()}
	f.mu.Unlock()
	return nil
}

// Phase reports the user's current conversation phase.
func (f *Flow) Phase(telegramID int64) Phase {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[telegramID]
	if !ok {
		return PhaseIdle
	}
	return s.phase
}

// HandleText routes a free-text message to the handler for the user's
// current phase.
func (f *Flow) HandleText(ctx context.Context, telegramID int64, text string) (*Step, error) {
	switch f.Phase(telegramID) {
	case PhaseAwaitingWallet:
		return f.acceptWallet(telegramID, strings.TrimSpace(text))
	case PhaseAwaitingConfirmation:
		return f.confirm(ctx, telegramID, text)
	default:
		return nil, ErrNoConversation
	}
}

// ValidWallet reports whether addr looks like a BEP20 address: the 0x prefix
// and exactly 42 characters. No checksum verification.
func ValidWallet(addr string) bool {
	return strings.HasPrefix(addr, "0x") && len(addr) == 42
}

func (f *Flow) acceptWallet(telegramID int64, addr string) (*Step, error) {
	if !ValidWallet(addr) {
		return nil, ErrInvalidWallet
	}

	f.mu.Lock()
	s, ok := f.sessions[telegramID]
	if !ok {
		f.mu.Unlock()
		return nil, ErrNoConversation
	}
	s.phase = PhaseAwaitingConfirmation
	s.wallet = addr
	s.updatedAt = time.Now()
	f.mu.Unlock()

	fee := f.fee
	return &Step{Phase: PhaseAwaitingConfirmation, Fee: &fee}, nil
}

func (f *Flow) confirm(ctx context.Context, telegramID int64, text string) (*Step, error) {
	if strings.ToLower(strings.TrimSpace(text)) != "done" {
		return nil, ErrAwaitingConfirmation
	}

	f.mu.RLock()
	s, ok := f.sessions[telegramID]
	f.mu.RUnlock()
	if !ok {
		return nil, ErrNoConversation
	}
	wallet := s.wallet

	user, err := f.accounts.UserByTelegramID(ctx, telegramID)
	if err != nil {
		f.end(telegramID)
		return nil, fmt.Errorf("load user: %w", err)
	}
	amount := user.Balance

	withdrawal, err := f.accounts.CreateWithdrawal(ctx, user.ID, wallet, amount)
	if err != nil {
		// Nothing was debited; the conversation ends either way.
		f.end(telegramID)
		return nil, fmt.Errorf("create withdrawal: %w", err)
	}

	if err := f.accounts.AdjustBalance(ctx, telegramID, -amount); err != nil {
		log.Error().Err(err).Int64("telegram_id", telegramID).Uint("withdrawal_id", withdrawal.ID).
			Msg("Failed to debit balance after creating withdrawal")
	}
	if err := f.accounts.SetWithdrawalStatus(ctx, withdrawal.ID, models.WithdrawalProcessing); err != nil {
		log.Error().Err(err).Uint("withdrawal_id", withdrawal.ID).
			Msg("Failed to mark withdrawal processing")
	}

	f.end(telegramID)
	return &Step{
		Phase:   PhaseIdle,
		Receipt: &Receipt{WithdrawalID: withdrawal.ID, Amount: amount, Wallet: wallet},
	}, nil
}

// Cancel drops the user's conversation, discarding any stored wallet address.
// It reports whether there was one to cancel.
func (f *Flow) Cancel(telegramID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[telegramID]; !ok {
		return false
	}
	delete(f.sessions, telegramID)
	return true
}

func (f *Flow) end(telegramID int64) {
	f.mu.Lock()
	delete(f.sessions, telegramID)
	f.mu.Unlock()
}

// PruneStale drops sessions idle for longer than maxAge and returns how many
// were dropped. Keeps the session map from growing without bound when users
// abandon the flow.
func (f *Flow) PruneStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	f.mu.Lock()
	defer f.mu.Unlock()

	pruned := 0
	for id, s := range f.sessions {
		if s.updatedAt.Before(cutoff) {
			delete(f.sessions, id)
			pruned++
		}
	}
	return pruned
}
