package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for persistent JSON state
	Port     int
	LogLevel string
	DevMode  bool

	// Agent / model
	OpenAIAPIKey string
	AgentModel   string

	// Chain / payments
	NetworkID            string
	BaseRPC              string
	USDCContractAddress  string
	AgentPrivateKey      string // COINBASE_AGENT_PRIVATE_KEY
	PaymentConfirmations uint64
	PaymentTimeout       time.Duration
	PaymentPollInterval  time.Duration

	// Pricing
	StructuredAllocationPriceUSDC  string
	CertifiedDecisionRecordFeeUSDC string
	FreeCodesJSON                  string // SELUN_FREE_CODES_JSON (rule array)
	FreeCodesCSV                   string // SELUN_FREE_CODES (csv fallback)

	// Phase 1
	Phase1MaxUsableDataAttempts int
	Phase1RetryDelay            time.Duration
	Phase1MaxRetryDelay         time.Duration
	Phase1SnapshotMaxAge        time.Duration

	// Phase 3
	Phase3TargetUniverseSize   int
	Phase3CoinGeckoMinInterval time.Duration

	// Phase 4 / 5
	Phase4AllowMemeTokens    bool
	Phase5ScoringProvider    string // "deterministic" (default) or a model id
	Phase5MaxSelectedStables int

	// External data keys
	MessariAPIKey       string
	CoinMarketCapAPIKey string

	// AAA forwarder
	AAABaseURL         string
	AAAHMACSecret      string
	AAAAllocateTimeout time.Duration
	SelunBaseURL       string

	// X402 state
	X402StateFile     string
	X402RetentionDays int

	// Persistent file overrides
	AgentIdentityFile      string
	PromoLedgerFile        string
	MacroSnapshotFile      string
	SourceIntelligenceFile string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		if _, err := os.Stat("../data"); err == nil {
			dataDir = "../data"
		} else {
			dataDir = "./data"
		}
	}

	cfg := &Config{
		DataDir:  dataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		AgentModel:   getEnv("SELUN_AGENT_MODEL", "deterministic"),

		NetworkID:            getEnv("NETWORK_ID", "base-mainnet"),
		BaseRPC:              getEnv("BASE_RPC", "https://mainnet.base.org"),
		USDCContractAddress:  getEnv("USDC_CONTRACT_ADDRESS", "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"),
		AgentPrivateKey:      getEnv("COINBASE_AGENT_PRIVATE_KEY", ""),
		PaymentConfirmations: uint64(getEnvAsInt("PAYMENT_CONFIRMATIONS", 1)),
		PaymentTimeout:       getEnvAsMillis("PAYMENT_TIMEOUT_MS", 90000),
		PaymentPollInterval:  getEnvAsMillis("PAYMENT_POLL_INTERVAL_MS", 3000),

		StructuredAllocationPriceUSDC:  getEnv("STRUCTURED_ALLOCATION_PRICE_USDC", "9.99"),
		CertifiedDecisionRecordFeeUSDC: getEnv("CERTIFIED_DECISION_RECORD_FEE_USDC", "4.99"),
		FreeCodesJSON:                  getEnv("SELUN_FREE_CODES_JSON", ""),
		FreeCodesCSV:                   getEnv("SELUN_FREE_CODES", ""),

		Phase1MaxUsableDataAttempts: getEnvAsInt("PHASE1_MAX_USABLE_DATA_ATTEMPTS", 12),
		Phase1RetryDelay:            getEnvAsMillis("PHASE1_RETRY_DELAY_MS", 400),
		Phase1MaxRetryDelay:         getEnvAsMillis("PHASE1_MAX_RETRY_DELAY_MS", 5000),
		Phase1SnapshotMaxAge:        getEnvAsMillis("PHASE1_SNAPSHOT_MAX_AGE_MS", int64(6*time.Hour/time.Millisecond)),

		Phase3TargetUniverseSize:   getEnvAsInt("PHASE3_TARGET_UNIVERSE_SIZE", 300),
		Phase3CoinGeckoMinInterval: getEnvAsMillis("PHASE3_COINGECKO_MIN_INTERVAL_MS", 1200),

		Phase4AllowMemeTokens:    getEnvAsBool("PHASE4_ALLOW_MEME_TOKENS", false),
		Phase5ScoringProvider:    getEnv("PHASE5_AGENT_SCORING_PROVIDER", "deterministic"),
		Phase5MaxSelectedStables: getEnvAsInt("PHASE5_MAX_SELECTED_STABLECOINS", 1),

		MessariAPIKey:       getEnv("MESSARI_API_KEY", ""),
		CoinMarketCapAPIKey: getEnv("COINMARKETCAP_API_KEY", ""),

		AAABaseURL:         getEnv("AAA_API_BASE_URL", ""),
		AAAHMACSecret:      getEnv("AAA_ALLOCATE_HMAC_SECRET", ""),
		AAAAllocateTimeout: getEnvAsMillis("AAA_ALLOCATE_TIMEOUT_MS", 15000),
		SelunBaseURL:       getEnv("SELUN_BASE_URL", "http://localhost:8080"),

		X402StateFile:     getEnv("X402_STATE_FILE", ""),
		X402RetentionDays: getEnvAsInt("X402_STATE_RETENTION_DAYS", 7),

		AgentIdentityFile:      getEnv("AGENT_IDENTITY_FILE", ""),
		PromoLedgerFile:        getEnv("FREE_CODE_REDEMPTIONS_FILE", ""),
		MacroSnapshotFile:      getEnv("PHASE1_SNAPSHOT_FILE", ""),
		SourceIntelligenceFile: getEnv("SOURCE_INTELLIGENCE_FILE", ""),
	}

	// Daily counters must survive at least one midnight rollover.
	if cfg.X402RetentionDays < 2 {
		cfg.X402RetentionDays = 2
	}

	cfg.applyFileDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyFileDefaults anchors un-overridden state files under DataDir.
func (c *Config) applyFileDefaults() {
	if c.X402StateFile == "" {
		c.X402StateFile = filepath.Join(c.DataDir, "x402-state.json")
	}
	if c.AgentIdentityFile == "" {
		c.AgentIdentityFile = filepath.Join(c.DataDir, "agent-identity.json")
	}
	if c.PromoLedgerFile == "" {
		c.PromoLedgerFile = filepath.Join(c.DataDir, "free-code-redemptions.json")
	}
	if c.MacroSnapshotFile == "" {
		c.MacroSnapshotFile = filepath.Join(c.DataDir, "phase1-market-snapshot.json")
	}
	if c.SourceIntelligenceFile == "" {
		c.SourceIntelligenceFile = filepath.Join(c.DataDir, "source-intelligence.json")
	}
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.Phase1MaxUsableDataAttempts < 1 {
		return fmt.Errorf("PHASE1_MAX_USABLE_DATA_ATTEMPTS must be >= 1")
	}
	// Chain credentials are optional: without a key the engine runs with
	// a read-only fallback identity and promo-only payments.
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultValue int64) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil && intVal >= 0 {
			return time.Duration(intVal) * time.Millisecond
		}
	}
	return time.Duration(defaultValue) * time.Millisecond
}
