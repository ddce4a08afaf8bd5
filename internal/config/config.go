package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	BotToken      string
	AdminChatID   int64

	// Operator-facing HTTP endpoint for withdrawal status updates.
	AdminListenAddr   string
	AdminAllowedCIDRs []string

	// Fee-payment step of the withdrawal flow.
	FeeAddress string
	FeeAmount  float64
	FeeNetwork string

	Debug bool
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using system environment variables")
	}

	return &Config{
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "postgres"),
		DBName:          getEnv("DB_NAME", "referral_bot"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminChatID:     getInt64Env("ADMIN_CHAT_ID", 0),
		AdminListenAddr: getEnv("ADMIN_LISTEN_ADDR", ":8081"),
		AdminAllowedCIDRs: strings.Split(
			getEnv("ADMIN_ALLOWED_CIDRS", "127.0.0.1/32,::1/128"), ","),
		FeeAddress: getEnv("WITHDRAW_FEE_ADDRESS", "0x4Cf3D10FcF9E94643a9F72e3Dd97B8768F78f2B0"),
		FeeAmount:  getFloatEnv("WITHDRAW_FEE_AMOUNT", 30),
		FeeNetwork: getEnv("WITHDRAW_FEE_NETWORK", "BEP20 (Binance Smart Chain)"),
		Debug:      getEnv("DEBUG", "") != "",
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt64Env(key string, fallback int64) int64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using fallback")
		return fallback
	}
	return parsed
}

func getFloatEnv(key string, fallback float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid number in environment, using fallback")
		return fallback
	}
	return parsed
}
