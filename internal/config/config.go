package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config carries every tunable the process reads at startup. Values come
// from the environment, with a .env file loaded first if present.
type Config struct {
	Port  string
	DBDSN string

	AvgConsultMinutes int

	OutboxPollInterval int
	OutboxBatchSize    int

	PendingMaxAgeHours  int
	PendingScanInterval int

	RateLimitPerMin       int
	RateLimitBurst        int
	ClinicRateLimitPerMin int
	ClinicRateLimitBurst  int

	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:  envString("PORT", "8080"),
		DBDSN: os.Getenv("DB_DSN"),

		AvgConsultMinutes: envInt("AVG_CONSULT_MINUTES", 12),

		OutboxPollInterval: envInt("OUTBOX_POLL_INTERVAL_SECONDS", 1),
		OutboxBatchSize:    envInt("OUTBOX_BATCH_SIZE", 100),

		PendingMaxAgeHours:  envInt("PENDING_MAX_AGE_HOURS", 12),
		PendingScanInterval: envInt("PENDING_SCAN_INTERVAL_SECONDS", 300),

		RateLimitPerMin:       envInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:        envInt("RATE_LIMIT_BURST", 30),
		ClinicRateLimitPerMin: envInt("CLINIC_RATE_LIMIT_PER_MIN", 600),
		ClinicRateLimitBurst:  envInt("CLINIC_RATE_LIMIT_BURST", 120),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
