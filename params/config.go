package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/liquidibond/pkg/app/exchange"
)

type API struct {
	Addr        string
	CORSOrigins []string
}

type Node struct {
	DataDir string // pebble directory; empty keeps all state in memory
	LogFile string
	LogLevel string
	// SweepInterval is how often expired pending submissions are dropped.
	// Zero disables the sweeper (expired entries are still unresolvable).
	SweepInterval time.Duration
	SeedDemo      bool
}

type Kafka struct {
	Brokers []string // empty disables the trade publisher
	Topic   string
}

type Config struct {
	API      API
	Node     Node
	Kafka    Kafka
	Exchange exchange.Config
}

func Default() Config {
	return Config{
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
		},
		Node: Node{
			DataDir:       "data/db",
			LogFile:       "data/node.log",
		LogLevel:      "info",
			SweepInterval: time.Second,
			SeedDemo:      true,
		},
		Kafka: Kafka{
			Topic: "liquidibond.trades",
		},
		Exchange: exchange.DefaultConfig(),
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults. Malformed values keep the default.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := getList("CORS_ORIGINS"); len(origins) > 0 {
		cfg.API.CORSOrigins = origins
	}

	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	if ms, ok := getInt("SWEEP_INTERVAL_MS"); ok && ms >= 0 {
		cfg.Node.SweepInterval = time.Duration(ms) * time.Millisecond
	}
	if seed := os.Getenv("SEED_DEMO"); seed != "" {
		cfg.Node.SeedDemo = seed == "true"
	}

	cfg.Kafka.Brokers = getList("KAFKA_BROKERS")
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	ex := &cfg.Exchange
	if v, ok := getDecimal("LARGE_VALUE_THRESHOLD"); ok {
		ex.Matching.LargeValueThreshold = v
	}
	if v, ok := getDecimal("STEP_UP_THRESHOLD"); ok {
		ex.Gate.StepUpThreshold = v
	}
	if v, ok := getDecimal("CONCENTRATION_LIMIT"); ok && v.IsPositive() && v.LessThanOrEqual(decimal.NewFromInt(1)) {
		ex.Gate.ConcentrationLimit = v
	}
	if v, ok := getDecimal("PAR_VALUE"); ok && v.IsPositive() {
		ex.Gate.ParValue = v
	}
	if n, ok := getInt("MAX_STEP_UP_ATTEMPTS"); ok && n >= 0 {
		ex.Gate.MaxStepUpAttempts = n
	}
	if s, ok := getInt("PENDING_TTL_SECONDS"); ok && s >= 0 {
		ex.Gate.PendingTTL = time.Duration(s) * time.Second
	}
	switch mode := exchange.StepUpMode(strings.ToLower(os.Getenv("STEP_UP_MODE"))); mode {
	case exchange.StepUpStatic, exchange.StepUpTOTP:
		ex.StepUpMode = mode
	}
	ex.StaticCode = getEnv("STEP_UP_STATIC_CODE", ex.StaticCode)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func getDecimal(key string) (decimal.Decimal, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || v.IsNegative() {
		return decimal.Zero, false
	}
	return v, true
}

// getList splits a comma-separated variable, dropping empty entries
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
