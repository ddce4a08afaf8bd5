package notify

import (
	"context"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"
)

// Notifier delivers best-effort secondary messages: the operator channel and
// out-of-band pings to users (referral credits, withdrawal status changes).
// Failures are logged and swallowed so a notification can never fail the
// user-facing operation that triggered it.
type Notifier interface {
	NotifyOperator(ctx context.Context, text string)
	NotifyUser(ctx context.Context, telegramID int64, text string)
}

type TelegramNotifier struct {
	bot         *telego.Bot
	adminChatID int64
}

func NewTelegramNotifier(bot *telego.Bot, adminChatID int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, adminChatID: adminChatID}
}

func (n *TelegramNotifier) NotifyOperator(ctx context.Context, text string) {
	if n.adminChatID == 0 {
		return
	}
	if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(n.adminChatID), text)); err != nil {
		log.Warn().Err(err).Msg("Failed to notify operator")
	}
}

func (n *TelegramNotifier) NotifyUser(ctx context.Context, telegramID int64, text string) {
	if _, err := n.bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), text)); err != nil {
		log.Warn().Err(err).Int64("telegram_id", telegramID).Msg("Failed to notify user")
	}
}
