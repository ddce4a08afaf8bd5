package main

import (
	"net/http"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog/log"

	"referral-bot/internal/accounting"
	"referral-bot/internal/admin"
	"referral-bot/internal/bot"
	"referral-bot/internal/config"
	"referral-bot/internal/database"
	"referral-bot/internal/logger"
	"referral-bot/internal/notify"
	"referral-bot/internal/withdrawal"
	"referral-bot/internal/worker"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()
	logger.Init(cfg.Debug)

	// Connect to Database
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}

	// Connect to Redis
	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis")
	}

	tgBot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create bot")
	}

	accounts := accounting.NewService(db)
	notifier := notify.NewTelegramNotifier(tgBot, cfg.AdminChatID)
	flow := withdrawal.NewFlow(accounts, withdrawal.FeeInstructions{
		Address: cfg.FeeAddress,
		Amount:  cfg.FeeAmount,
		Network: cfg.FeeNetwork,
	})

	// Operator endpoint for withdrawal status updates
	adminHandler := admin.NewHandler(accounts, notifier, cfg.AdminAllowedCIDRs)
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/withdrawals/status", adminHandler.HandleStatus)
	go func() {
		log.Info().Str("addr", cfg.AdminListenAddr).Msg("Admin endpoint listening")
		if err := http.ListenAndServe(cfg.AdminListenAddr, mux); err != nil {
			log.Fatal().Err(err).Msg("Admin endpoint failed")
		}
	}()

	// Background maintenance loop
	reminder := worker.NewReminder(accounts, rdb, notifier, flow)
	go reminder.Start()

	log.Info().Msg("Service started successfully")

	b := bot.New(tgBot, accounts, flow, notifier)
	b.Start()
}
