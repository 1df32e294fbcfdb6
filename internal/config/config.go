package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	liveGatewayURL = "https://securepay.tinkoff.ru/v2"
	testGatewayURL = "https://rest-api-test.tinkoff.ru/v2"
)

// GatewayCredentials is the terminal the service talks to. Test or live
// variant is picked once at startup.
type GatewayCredentials struct {
	TerminalKey string
	Secret      string
	TestMode    bool
	BaseURL     string
}

type Config struct {
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	AppPort    string
	AppEnv     string

	Gateway        GatewayCredentials
	GatewayTimeout time.Duration
	VerifyCallback bool
	DeliveryLease  time.Duration

	SuccessURL      string
	FailURL         string
	NotificationURL string
	OrderPageURL    string

	PlatformBaseURL    string
	PlatformJWTSecret  string
	// CheckoutAuthSecret verifies inbound Start tokens. It must differ from
	// PlatformJWTSecret so tokens are only accepted in their own direction.
	CheckoutAuthSecret string
	InternalKey        string

	RedisAddr         string
	KafkaBrokers      []string
	KafkaOutcomeTopic string

	StoreDriver string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBPort:     os.Getenv("DB_PORT"),
		AppPort:    getenv("APP_PORT", "8080"),
		AppEnv:     os.Getenv("APP_ENV"),

		GatewayTimeout: getDuration("GATEWAY_TIMEOUT", 20*time.Second),
		VerifyCallback: getBool("TBANK_VERIFY_CALLBACK", true),
		DeliveryLease:  getDuration("OUTCOME_DELIVERY_LEASE", 2*time.Minute),

		SuccessURL:      os.Getenv("SUCCESS_URL"),
		FailURL:         os.Getenv("FAIL_URL"),
		NotificationURL: os.Getenv("NOTIFICATION_URL"),
		OrderPageURL:    os.Getenv("ORDER_PAGE_URL"),

		PlatformBaseURL:    strings.TrimRight(os.Getenv("PLATFORM_BASE_URL"), "/"),
		PlatformJWTSecret:  os.Getenv("PLATFORM_JWT_SECRET"),
		CheckoutAuthSecret: os.Getenv("CHECKOUT_AUTH_SECRET"),
		InternalKey:        os.Getenv("INTERNAL_SECRET_KEY"),

		RedisAddr:         os.Getenv("REDIS_ADDR"),
		KafkaBrokers:      splitCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaOutcomeTopic: getenv("KAFKA_OUTCOME_TOPIC", "payment.outcome"),

		StoreDriver: getenv("STORE", "postgres"),
	}

	cfg.Gateway = resolveCredentials(
		getBool("TBANK_TEST_MODE", false),
		os.Getenv("TBANK_TERMINAL_KEY"),
		os.Getenv("TBANK_PASSWORD"),
		os.Getenv("TBANK_TERMINAL_KEY_TEST"),
		os.Getenv("TBANK_PASSWORD_TEST"),
	)

	if cfg.Gateway.TerminalKey == "" || cfg.Gateway.Secret == "" {
		return nil, errors.New("gateway terminal key and password are required")
	}
	if cfg.StoreDriver == "postgres" && cfg.DBHost == "" {
		return nil, errors.New("DB_HOST is required for the postgres store")
	}
	if cfg.PlatformBaseURL == "" {
		return nil, errors.New("PLATFORM_BASE_URL is required")
	}
	if cfg.CheckoutAuthSecret == "" {
		return nil, errors.New("CHECKOUT_AUTH_SECRET is required")
	}
	if cfg.CheckoutAuthSecret == cfg.PlatformJWTSecret {
		return nil, errors.New("CHECKOUT_AUTH_SECRET must differ from PLATFORM_JWT_SECRET")
	}

	return cfg, nil
}

// LoadConfig is Load for main packages: it exits on error.
func LoadConfig() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Environment variables not loaded properly: %v", err)
	}
	return cfg
}

func resolveCredentials(testMode bool, key, secret, testKey, testSecret string) GatewayCredentials {
	if testMode {
		return GatewayCredentials{
			TerminalKey: testKey,
			Secret:      testSecret,
			TestMode:    true,
			BaseURL:     testGatewayURL,
		}
	}
	return GatewayCredentials{
		TerminalKey: key,
		Secret:      secret,
		BaseURL:     liveGatewayURL,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}

func getDuration(k string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
