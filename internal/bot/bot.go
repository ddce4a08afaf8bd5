package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"referral-bot/internal/accounting"
	"referral-bot/internal/models"
	"referral-bot/internal/notify"
	"referral-bot/internal/withdrawal"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"
)

const genericErrorText = "An error occurred. Please try again later."

type Bot struct {
	Instance *telego.Bot
	Accounts *accounting.Service
	Flow     *withdrawal.Flow
	Notifier notify.Notifier

	usernameMu    sync.Mutex
	usernameCache string
}

func New(instance *telego.Bot, accounts *accounting.Service, flow *withdrawal.Flow, notifier notify.Notifier) *Bot {
	return &Bot{
		Instance: instance,
		Accounts: accounts,
		Flow:     flow,
		Notifier: notifier,
	}
}

func (b *Bot) Start() {
	updates, _ := b.Instance.UpdatesViaLongPolling(context.Background(), nil)

	handler, _ := th.NewBotHandler(b.Instance, updates)

	// /start [referralCode]
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		args := ""
		if parts := strings.Split(message.Text, " "); len(parts) > 1 {
			args = parts[1]
		}

		user, err := b.Accounts.UserByTelegramID(ctx.Context(), telegramID)
		if err == nil {
			b.reply(ctx, message.Chat.ID, b.welcomeBack(user))
			return nil
		}
		if !errors.Is(err, accounting.ErrUserNotFound) {
			log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to look up user on /start")
			b.reply(ctx, message.Chat.ID, genericErrorText)
			return nil
		}

		result, err := b.Accounts.Register(ctx.Context(), telegramID, message.From.Username, message.From.FirstName, args)
		if err != nil {
			log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to register user")
			b.reply(ctx, message.Chat.ID, "Error creating user. Please try again later.")
			return nil
		}

		if result.Referrer != nil {
			b.Notifier.NotifyUser(ctx.Context(), result.Referrer.TelegramID, fmt.Sprintf(
				"🎉 Congratulations! You earned $%.0f USDT!\n\n"+
					"A new user joined through your referral link.\n"+
					"New user ID: %d\n\n"+
					"Your new balance: $%.2f",
				accounting.ReferralBonus, telegramID, result.Referrer.Balance))
		}

		b.Notifier.NotifyOperator(ctx.Context(), fmt.Sprintf(
			"✅ New user registered!\n\n"+
				"User ID: %d\n"+
				"Username: %s\n"+
				"Name: %s\n"+
				"Referral Code: %s",
			telegramID, orNA(message.From.Username), message.From.FirstName, result.User.ReferralCode))

		b.reply(ctx, message.Chat.ID, fmt.Sprintf(
			"Welcome, %s! 🚀\n\n"+
				"This is a highly profitable bot where you can earn a lot of money by inviting friends.\n\n"+
				"You've received $%.0f USDT as a sign-up bonus!\n\n"+
				"Your referral link: %s\n\n"+
				"Share this link with your friends and earn $%.0f USDT for each friend who joins!\n\n"+
				"Use /menu to see available options.",
			message.From.FirstName, accounting.SignupBonus,
			b.referralLink(ctx.Context(), result.User.ReferralCode), accounting.ReferralBonus))
		return nil
	}, th.CommandEqual("start"))

	// /menu
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		user, err := b.Accounts.UserByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			b.replyUnregisteredOrError(ctx, message.Chat.ID, err, telegramID)
			return nil
		}

		keyboard := tu.InlineKeyboard(
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("💰 Balance").WithCallbackData("balance"),
			),
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("👥 My Referrals").WithCallbackData("referrals"),
			),
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("🔗 Referral Link").WithCallbackData("referral_link"),
			),
			tu.InlineKeyboardRow(
				tu.InlineKeyboardButton("💸 Withdraw").WithCallbackData("withdraw"),
			),
		)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			fmt.Sprintf("📊 Main Menu\n\nBalance: $%.2f\nReferrals: %d/%d\n\nChoose an option:",
				user.Balance, user.ReferralCount, withdrawal.ReferralThreshold),
		).WithReplyMarkup(keyboard))
		return nil
	}, th.CommandEqual("menu"))

	// /balance
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		user, err := b.Accounts.UserByTelegramID(ctx.Context(), message.From.ID)
		if err != nil {
			b.replyUnregisteredOrError(ctx, message.Chat.ID, err, message.From.ID)
			return nil
		}
		b.reply(ctx, message.Chat.ID, fmt.Sprintf("💰 Your balance: $%.2f", user.Balance))
		return nil
	}, th.CommandEqual("balance"))

	// /referral
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		user, err := b.Accounts.UserByTelegramID(ctx.Context(), message.From.ID)
		if err != nil {
			b.replyUnregisteredOrError(ctx, message.Chat.ID, err, message.From.ID)
			return nil
		}
		b.reply(ctx, message.Chat.ID, fmt.Sprintf(
			"🔗 Your Referral Link:\n\n%s\n\nShare this with friends to earn $%.0f USDT per referral!",
			b.referralLink(ctx.Context(), user.ReferralCode), accounting.ReferralBonus))
		return nil
	}, th.CommandEqual("referral"))

	// /cancel aborts an in-flight withdrawal conversation
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		if b.Flow.Cancel(message.From.ID) {
			b.reply(ctx, message.Chat.ID, "Withdrawal cancelled.")
		} else {
			b.reply(ctx, message.Chat.ID, "Nothing to cancel.")
		}
		return nil
	}, th.CommandEqual("cancel"))

	// Balance button
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		balance, err := b.Accounts.Balance(ctx.Context(), telegramID)
		if err != nil {
			log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to read balance")
			b.replyCallback(ctx, callback, genericErrorText)
			return nil
		}
		b.replyCallback(ctx, callback, fmt.Sprintf("💰 Your Balance\n\nCurrent balance: $%.2f", balance))
		return nil
	}, th.CallbackDataEqual("balance"))

	// Referrals button
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		count, err := b.Accounts.ReferralCount(ctx.Context(), telegramID)
		if err != nil {
			log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to read referral count")
			b.replyCallback(ctx, callback, genericErrorText)
			return nil
		}
		missing := withdrawal.ReferralThreshold - count
		if missing < 0 {
			missing = 0
		}
		b.replyCallback(ctx, callback, fmt.Sprintf(
			"👥 Your Referrals\n\nTotal referrals: %d/%d\n\nYou need %d more referrals to withdraw.",
			count, withdrawal.ReferralThreshold, missing))
		return nil
	}, th.CallbackDataEqual("referrals"))

	// Referral link button
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		user, err := b.Accounts.UserByTelegramID(ctx.Context(), telegramID)
		if err != nil {
			if errors.Is(err, accounting.ErrUserNotFound) {
				b.replyCallback(ctx, callback, "Please use /start to register first.")
			} else {
				log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to look up user")
				b.replyCallback(ctx, callback, genericErrorText)
			}
			return nil
		}
		b.replyCallback(ctx, callback, fmt.Sprintf(
			"🔗 Your Referral Link\n\n%s\n\nShare this link with your friends to earn $%.0f USDT per referral!",
			b.referralLink(ctx.Context(), user.ReferralCode), accounting.ReferralBonus))
		return nil
	}, th.CallbackDataEqual("referral_link"))

	// Withdraw button: entry into the withdrawal flow
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		if _, err := b.Accounts.UserByTelegramID(ctx.Context(), telegramID); err != nil {
			if errors.Is(err, accounting.ErrUserNotFound) {
				b.replyCallback(ctx, callback, "Please use /start to register first.")
			} else {
				log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to look up user")
				b.replyCallback(ctx, callback, genericErrorText)
			}
			return nil
		}

		err := b.Flow.Begin(ctx.Context(), telegramID)
		var ineligible *withdrawal.NotEligibleError
		switch {
		case errors.As(err, &ineligible):
			b.replyCallback(ctx, callback, fmt.Sprintf(
				"❌ Withdrawal Not Available\n\n"+
					"You need at least %d referrals to withdraw.\n"+
					"Current referrals: %d/%d",
				ineligible.Threshold, ineligible.Count, ineligible.Threshold))
		case err != nil:
			log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to start withdrawal flow")
			b.replyCallback(ctx, callback, genericErrorText)
		default:
			b.replyCallback(ctx, callback, "Please enter your BEP20 wallet address to proceed with withdrawal.")
		}
		return nil
	}, th.CallbackDataEqual("withdraw"))

	// Free text: routed to the withdrawal flow while a conversation is active
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		if strings.HasPrefix(message.Text, "/") {
			return nil
		}
		if b.Flow.Phase(telegramID) == withdrawal.PhaseIdle {
			return nil
		}

		step, err := b.Flow.HandleText(ctx.Context(), telegramID, message.Text)
		switch {
		case errors.Is(err, withdrawal.ErrInvalidWallet):
			b.reply(ctx, message.Chat.ID, "❌ Invalid wallet address. Please enter a valid BEP20 address (starting with 0x).")
		case errors.Is(err, withdrawal.ErrAwaitingConfirmation):
			b.reply(ctx, message.Chat.ID, "Please reply with 'done' after sending the fee to the provided address.")
		case errors.Is(err, withdrawal.ErrNoConversation):
			// Session expired or was cancelled between messages.
		case err != nil:
			log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Withdrawal flow failed")
			b.reply(ctx, message.Chat.ID, "Error processing withdrawal. Please try again.")
		case step.Fee != nil:
			b.reply(ctx, message.Chat.ID, fmt.Sprintf(
				"✅ Wallet address received.\n\n"+
					"To complete your withdrawal, please send %.0f USDT to the following address:\n\n"+
					"%s\n\n"+
					"Network: %s\n\n"+
					"After sending, reply with 'done' to confirm the payment.",
				step.Fee.Amount, step.Fee.Address, step.Fee.Network))
		case step.Receipt != nil:
			b.reply(ctx, message.Chat.ID, fmt.Sprintf(
				"⏳ Processing...\n\n"+
					"Your withdrawal is being processed.\n"+
					"Amount: $%.2f\n"+
					"Wallet: %s\n\n"+
					"You will receive your funds shortly.",
				step.Receipt.Amount, step.Receipt.Wallet))
			b.Notifier.NotifyOperator(ctx.Context(), fmt.Sprintf(
				"💳 New Withdrawal Request\n\n"+
					"User ID: %d\n"+
					"Amount: $%.2f\n"+
					"Wallet: %s\n"+
					"Status: %s",
				telegramID, step.Receipt.Amount, step.Receipt.Wallet, models.WithdrawalProcessing))
		}
		return nil
	}, th.AnyMessageWithText())

	handler.Start()
}

func (b *Bot) reply(ctx *th.Context, chatID int64, text string) {
	if _, err := ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(chatID), text)); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}

func (b *Bot) replyCallback(ctx *th.Context, callback *telego.CallbackQuery, text string) {
	b.reply(ctx, callback.From.ID, text)
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
}

func (b *Bot) replyUnregisteredOrError(ctx *th.Context, chatID int64, err error, telegramID int64) {
	if errors.Is(err, accounting.ErrUserNotFound) {
		b.reply(ctx, chatID, "Please use /start to register first.")
		return
	}
	log.Error().Err(err).Int64("telegram_id", telegramID).Msg("Failed to look up user")
	b.reply(ctx, chatID, genericErrorText)
}

func (b *Bot) welcomeBack(user *models.User) string {
	return fmt.Sprintf(
		"Welcome back, %s! 👋\n\n"+
			"Your balance: $%.2f\n"+
			"Your referrals: %d\n\n"+
			"Use /menu to see available options.",
		user.FirstName, user.Balance, user.ReferralCount)
}

func (b *Bot) referralLink(ctx context.Context, code string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", b.username(ctx), code)
}

func (b *Bot) username(ctx context.Context) string {
	b.usernameMu.Lock()
	defer b.usernameMu.Unlock()
	if b.usernameCache != "" {
		return b.usernameCache
	}
	info, err := b.Instance.GetMe(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch bot username")
		return ""
	}
	b.usernameCache = info.Username
	return b.usernameCache
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
