package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration values loaded from environment variables.
type Config struct {
	DatabaseURL     string
	JWTSecret       string
	HTTPPort        string
	TokenExpiration time.Duration
	EncryptionKey   []byte // Raw key bytes (32 for AES-256)
	AllowedOrigins  []string
	RequestTimeout  time.Duration // per-request deadline for ordinary API routes

	RateLimitPerMinute int
	BulkSendDelay      time.Duration

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration
	LLMMode    string // "MOCK" selects the canned completion client

	SchedulerSweepInterval time.Duration

	RedisURL      string
	PublicBaseURL string

	// System default bundles used to build the messaging manager.
	TelegramBotToken      string
	WhatsAppAccessToken   string
	WhatsAppPhoneNumberID string
	WhatsAppVerifyToken   string
	WhatsAppAppSecret     string
	SlackBotToken         string
	SlackDefaultChannel   string
	SlackSigningSecret    string
	DiscordBotToken       string
}

// DefaultRequestTimeout bounds ordinary API requests when none is configured.
const DefaultRequestTimeout = 60 * time.Second

// APITimeout is RequestTimeout with the default applied.
func (c *Config) APITimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout
}

// DispatchTimeout bounds an AI dispatch request: the tool-calling completion
// and one generate-content completion, on top of the ordinary budget for the
// sends it triggers.
func (c *Config) DispatchTimeout() time.Duration {
	return c.APITimeout() + 2*c.LLMTimeout
}

// LoadConfig loads configuration from environment variables.
// It looks for a .env file first, then checks actual environment variables.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Could not load .env file. Using environment variables only.", err)
	}

	dbURL := getSecret("DATABASE_URL", "")
	if dbURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is not set")
	}

	encryptionKeyHex := getSecret("ENCRYPTION_KEY", "")
	if encryptionKeyHex == "" {
		return nil, errors.New("ENCRYPTION_KEY environment variable is not set")
	}
	encryptionKeyBytes, err := hex.DecodeString(encryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ENCRYPTION_KEY from hex: %w", err)
	}
	if len(encryptionKeyBytes) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex characters) long, got %d bytes", len(encryptionKeyBytes))
	}

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		JWTSecret:       getSecret("JWT_SECRET", "default-super-secret-key"), // CHANGE THIS IN PRODUCTION!
		DatabaseURL:     dbURL,
		TokenExpiration: time.Hour * time.Duration(getEnvInt("JWT_EXPIRATION_HOURS", 24)),
		EncryptionKey:   encryptionKeyBytes,
		AllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		RequestTimeout:  time.Second * time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 60)),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		BulkSendDelay:      time.Millisecond * time.Duration(getEnvInt("BULK_SEND_DELAY_MS", 300)),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:  getSecret("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout: time.Second * time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 60)),
		LLMMode:    strings.ToUpper(getEnv("LLM_MODE", "")),

		SchedulerSweepInterval: time.Second * time.Duration(getEnvInt("SCHEDULER_SWEEP_INTERVAL_SECONDS", 30)),

		RedisURL:      getSecret("REDIS_URL", ""),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		TelegramBotToken:      getSecret("TELEGRAM_BOT_TOKEN", ""),
		WhatsAppAccessToken:   getSecret("WHATSAPP_ACCESS_TOKEN", ""),
		WhatsAppPhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
		WhatsAppVerifyToken:   getSecret("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAppSecret:     getSecret("WHATSAPP_APP_SECRET", ""),
		SlackBotToken:         getSecret("SLACK_BOT_TOKEN", ""),
		SlackDefaultChannel:   getEnv("SLACK_DEFAULT_CHANNEL", ""),
		SlackSigningSecret:    getSecret("SLACK_SIGNING_SECRET", ""),
		DiscordBotToken:       getSecret("DISCORD_BOT_TOKEN", ""),
	}

	if cfg.RateLimitPerMinute <= 0 {
		log.Printf("Warning: RATE_LIMIT_PER_MINUTE must be positive, using default 60")
		cfg.RateLimitPerMinute = 60
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SchedulerSweepInterval <= 0 {
		cfg.SchedulerSweepInterval = 30 * time.Second
	}

	log.Printf("Loaded config: Port=%s, DB_URL=***, TokenExp=%s, EncryptionKey=***, RateLimit=%d/min, LLMModel=%s, LLMMode=%q, Redis=%t",
		cfg.HTTPPort, cfg.TokenExpiration, cfg.RateLimitPerMinute, cfg.LLMModel, cfg.LLMMode, cfg.RedisURL != "")

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Env variable %s not set, using default: %s", key, fallback)
	return fallback
}

// getSecret is getEnv without echoing the default.
func getSecret(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Env variable %s not set, using default: ***", key)
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := getEnv(key, strconv.Itoa(fallback))
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("Warning: Invalid %s '%s', using default %d. Error: %v", key, raw, fallback, err)
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
