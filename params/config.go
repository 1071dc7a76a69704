package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr        string
	CORSOrigins []string
	JournalFile string // submission journal; empty disables it
}

type Queue struct {
	Concurrency int           // C
	RateMax     int           // R job starts per RateWindow
	RateWindow  time.Duration // W
	MaxAttempts int           // A
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

type Worker struct {
	StoreTimeout   time.Duration
	QuoteTimeout   time.Duration
	ExecuteTimeout time.Duration
	ExplorerURL    string
}

type Venue struct {
	// Mode is "sim" (simulated RAYDIUM + METEORA) or "fail" (every execution
	// fails retryably; exercises the retry path end to end).
	Mode         string
	GlitchAmount float64
}

type Store struct {
	Backend     string // "pebble" or "postgres"
	DataDir     string
	DatabaseURL string
}

type Bus struct {
	Mode      string // "local" or "gossip"
	Listen    string
	Bootstrap []string
}

type Config struct {
	API      API
	Queue    Queue
	Worker   Worker
	Venue    Venue
	Store    Store
	Bus      Bus
	LogFile  string
	LogLevel string
}

func Default() Config {
	return Config{
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			JournalFile: "data/submissions.log",
		},
		Queue: Queue{
			Concurrency: 10,
			RateMax:     100,
			RateWindow:  60 * time.Second,
			MaxAttempts: 3,
			BackoffBase: time.Second,
			MaxBackoff:  60 * time.Second,
		},
		Worker: Worker{
			StoreTimeout:   5 * time.Second,
			QuoteTimeout:   5 * time.Second,
			ExecuteTimeout: 30 * time.Second,
			ExplorerURL:    "https://explorer.solana.com/tx/%s?cluster=devnet",
		},
		Venue: Venue{
			Mode:         "sim",
			GlitchAmount: 666,
		},
		Store: Store{
			Backend: "pebble",
			DataDir: "data/swapd",
		},
		Bus: Bus{
			Mode:   "local",
			Listen: "/ip4/0.0.0.0/tcp/0",
		},
		LogFile:  "logs/swapd.log",
		LogLevel: "info",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = splitList(origins)
	}
	cfg.API.JournalFile = getEnv("JOURNAL_FILE", cfg.API.JournalFile)

	cfg.Queue.Concurrency = getInt("QUEUE_CONCURRENCY", cfg.Queue.Concurrency)
	cfg.Queue.RateMax = getInt("QUEUE_RATE_MAX", cfg.Queue.RateMax)
	cfg.Queue.RateWindow = getMillis("QUEUE_RATE_WINDOW_MS", cfg.Queue.RateWindow)
	cfg.Queue.MaxAttempts = getInt("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.BackoffBase = getMillis("QUEUE_BACKOFF_MS", cfg.Queue.BackoffBase)
	cfg.Queue.MaxBackoff = getMillis("QUEUE_MAX_BACKOFF_MS", cfg.Queue.MaxBackoff)

	cfg.Worker.StoreTimeout = getMillis("STORE_TIMEOUT_MS", cfg.Worker.StoreTimeout)
	cfg.Worker.QuoteTimeout = getMillis("QUOTE_TIMEOUT_MS", cfg.Worker.QuoteTimeout)
	cfg.Worker.ExecuteTimeout = getMillis("EXECUTE_TIMEOUT_MS", cfg.Worker.ExecuteTimeout)
	cfg.Worker.ExplorerURL = getEnv("EXPLORER_URL", cfg.Worker.ExplorerURL)

	cfg.Venue.Mode = getEnv("VENUE_MODE", cfg.Venue.Mode)
	if glitch := os.Getenv("VENUE_GLITCH_AMOUNT"); glitch != "" {
		if f, err := strconv.ParseFloat(glitch, 64); err == nil {
			cfg.Venue.GlitchAmount = f
		}
	}

	cfg.Store.Backend = getEnv("ORDER_STORE", cfg.Store.Backend)
	cfg.Store.DataDir = getEnv("DATA_DIR", cfg.Store.DataDir)
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)

	cfg.Bus.Mode = getEnv("BUS_MODE", cfg.Bus.Mode)
	cfg.Bus.Listen = getEnv("P2P_LISTEN", cfg.Bus.Listen)
	if bs := os.Getenv("P2P_BOOTSTRAP"); bs != "" {
		cfg.Bus.Bootstrap = splitList(bs)
	}

	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, e.g. "http://a,http://b".
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
