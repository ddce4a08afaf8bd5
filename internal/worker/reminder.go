package worker

import (
	"context"
	"fmt"
	"time"

	"referral-bot/internal/accounting"
	"referral-bot/internal/notify"
	"referral-bot/internal/withdrawal"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	cycleInterval = 1 * time.Hour
	// Withdrawals sitting in processing longer than this get an operator reminder.
	remindAfter = 24 * time.Hour
	// Abandoned wallet/confirmation conversations are dropped after this.
	sessionMaxAge = 30 * time.Minute
)

// Reminder is the background maintenance loop: it prunes abandoned withdrawal
// conversations and reminds the operator channel about withdrawals stuck in
// processing. Redis keys dedup the reminders across cycles and restarts.
type Reminder struct {
	Accounts *accounting.Service
	Redis    *redis.Client
	Notifier notify.Notifier
	Flow     *withdrawal.Flow
}

func NewReminder(accounts *accounting.Service, rdb *redis.Client, notifier notify.Notifier, flow *withdrawal.Flow) *Reminder {
	return &Reminder{
		Accounts: accounts,
		Redis:    rdb,
		Notifier: notifier,
		Flow:     flow,
	}
}

func (r *Reminder) Start() {
	ticker := time.NewTicker(cycleInterval)
	log.Info().Msg("Background withdrawal worker started")

	// Run once at start
	r.runCycle()

	for range ticker.C {
		r.runCycle()
	}
}

func (r *Reminder) runCycle() {
	ctx := context.Background()

	if pruned := r.Flow.PruneStale(sessionMaxAge); pruned > 0 {
		log.Info().Int("count", pruned).Msg("Pruned stale withdrawal conversations")
	}

	cutoff := time.Now().Add(-remindAfter)
	stale, err := r.Accounts.StaleProcessing(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query stale withdrawals")
		return
	}

	for _, w := range stale {
		key := fmt.Sprintf("withdrawal_reminder_%d", w.ID)
		exists, err := r.Redis.Exists(ctx, key).Result()
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("Redis lookup failed")
			continue
		}
		if exists != 0 {
			continue
		}

		r.Notifier.NotifyOperator(ctx, fmt.Sprintf(
			"⏰ Withdrawal #%d still processing\n\n"+
				"User ID: %d\n"+
				"Amount: $%.2f\n"+
				"Wallet: %s\n"+
				"Requested: %s",
			w.ID, w.User.TelegramID, w.Amount, w.WalletAddress,
			w.CreatedAt.Format("02.01.2006 15:04")))
		r.Redis.Set(ctx, key, "true", 72*time.Hour)
		log.Info().Uint("withdrawal_id", w.ID).Msg("Sent stale withdrawal reminder")
	}
}
