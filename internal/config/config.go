package config

import (
	"os"
	"strconv"
	"time"
)

// Config collects every tunable the server reads from the environment.
// godotenv loads a .env file in main before this is built.
type Config struct {
	Addr    string
	DataDir string

	// Driver backend: "docker" runs browserless/chrome containers,
	// "local" attaches to an already-running Chrome debug port.
	DriverBackend string
	CDPDebugAddr  string // host:port, local backend only

	PoolSize        int
	PoolWaitTimeout time.Duration

	StepRetries  int
	RetryBackoff time.Duration
	AutoRun      bool

	MaxAutomatedPerDay int
	MaxAutoPerDay      int

	SolverEnabled bool
	SolverAPIKey  string
	SolverURL     string

	RequestsPerHour int
	RequestBurst    int
}

// Load builds the configuration from environment variables with defaults
// suitable for local development.
func Load() Config {
	return Config{
		Addr:    getEnv("APPLYD_ADDR", ":8080"),
		DataDir: getEnv("APPLYD_DATA_DIR", "./storage/sessions"),

		DriverBackend: getEnv("APPLYD_DRIVER_BACKEND", "docker"),
		CDPDebugAddr:  getEnv("APPLYD_CDP_DEBUG_ADDR", "localhost:9222"),

		PoolSize:        getEnvInt("APPLYD_POOL_SIZE", 5),
		PoolWaitTimeout: getEnvDuration("APPLYD_POOL_WAIT_TIMEOUT", 30*time.Second),

		StepRetries:  getEnvInt("APPLYD_STEP_RETRIES", 3),
		RetryBackoff: getEnvDuration("APPLYD_RETRY_BACKOFF", 500*time.Millisecond),
		AutoRun:      getEnvBool("APPLYD_AUTO_RUN", true),

		MaxAutomatedPerDay: getEnvInt("APPLYD_MAX_AUTOMATED_PER_DAY", 50),
		MaxAutoPerDay:      getEnvInt("APPLYD_MAX_AUTO_PER_DAY", 20),

		SolverEnabled: getEnvBool("APPLYD_SOLVER_ENABLED", false),
		SolverAPIKey:  getEnv("APPLYD_SOLVER_API_KEY", ""),
		SolverURL:     getEnv("APPLYD_SOLVER_URL", "https://2captcha.com"),

		RequestsPerHour: getEnvInt("APPLYD_REQUESTS_PER_HOUR", 100),
		RequestBurst:    getEnvInt("APPLYD_REQUEST_BURST", 10),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
