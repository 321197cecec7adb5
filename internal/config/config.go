// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects broker connectivity
type Mode string

const (
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// Config holds application configuration.
// All values come from the environment (optionally via a .env file); Validate
// enforces the recognized option ranges. An invalid configuration refuses to
// start with exit code 4.
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	Mode     Mode

	// Opening capital for first-run bootstrap; ignored once accounts exist
	OpeningCapital float64

	// Sleeve capital split; must sum to 1.0
	SleeveSplitGen float64
	SleeveSplitRev float64
	SleeveSplitCom float64

	// Deployment and exposure
	CapitalDeploymentPct float64 // target fraction of sleeve deployed; [0.95, 1.00]
	PerSymbolExposureCap float64
	SlippageCapPct       float64

	// Market data intake. The poller always runs; the streaming feed is
	// optional and attaches only when a websocket URL is configured.
	PollInterval time.Duration
	FeedURL      string

	// Order lifecycle
	AckTimeout time.Duration
	FillWindow time.Duration

	// Protocol monitoring intervals per level
	MonitorIntervalL0 time.Duration
	MonitorIntervalL1 time.Duration
	MonitorIntervalL2 time.Duration
	MonitorIntervalL3 time.Duration

	// Risk scale
	ATRPeriod int

	// Circuit breakers
	VIXThresholdHedge float64
	VIXThresholdSafe  float64
	VIXThresholdKill  float64

	// Fork thresholds
	ForkThresholdGen float64
	ForkThresholdRev float64

	// Quarterly reinvestment fractions of realized gain
	ReinvestTaxReserve float64
	ReinvestContracts  float64
	ReinvestLEAPs      float64

	// Off-site ledger backup (disabled when bucket is empty)
	BackupBucket        string
	BackupEndpoint      string
	BackupRegion        string
	BackupAccessKey     string
	BackupSecretKey     string
	BackupRetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ALLUSE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("ALLUSE_PORT", 8011),
		Mode:     Mode(getEnv("ALLUSE_MODE", "mock")),

		OpeningCapital: getEnvAsFloat("OPENING_CAPITAL", 300000),

		SleeveSplitGen: getEnvAsFloat("SLEEVE_SPLIT_GEN", 0.40),
		SleeveSplitRev: getEnvAsFloat("SLEEVE_SPLIT_REV", 0.30),
		SleeveSplitCom: getEnvAsFloat("SLEEVE_SPLIT_COM", 0.30),

		CapitalDeploymentPct: getEnvAsFloat("CAPITAL_DEPLOYMENT_PCT", 0.95),
		PerSymbolExposureCap: getEnvAsFloat("PER_SYMBOL_EXPOSURE_CAP", 0.25),
		SlippageCapPct:       getEnvAsFloat("SLIPPAGE_CAP_PCT", 0.05),

		PollInterval: time.Duration(getEnvAsInt("POLL_INTERVAL_SECONDS", 5)) * time.Second,
		FeedURL:      getEnv("ALLUSE_FEED_URL", ""),

		AckTimeout: time.Duration(getEnvAsInt("ACK_TIMEOUT_SECONDS", 3)) * time.Second,
		FillWindow: time.Duration(getEnvAsInt("FILL_WINDOW_SECONDS", 30)) * time.Second,

		MonitorIntervalL0: time.Duration(getEnvAsInt("MONITOR_INTERVAL_L0", 300)) * time.Second,
		MonitorIntervalL1: time.Duration(getEnvAsInt("MONITOR_INTERVAL_L1", 60)) * time.Second,
		MonitorIntervalL2: time.Duration(getEnvAsInt("MONITOR_INTERVAL_L2", 30)) * time.Second,
		MonitorIntervalL3: time.Duration(getEnvAsInt("MONITOR_INTERVAL_L3", 1)) * time.Second,

		ATRPeriod: getEnvAsInt("ATR_PERIOD", 5),

		VIXThresholdHedge: getEnvAsFloat("VIX_THRESHOLD_HEDGE", 50),
		VIXThresholdSafe:  getEnvAsFloat("VIX_THRESHOLD_SAFE", 65),
		VIXThresholdKill:  getEnvAsFloat("VIX_THRESHOLD_KILL", 80),

		ForkThresholdGen: getEnvAsFloat("FORK_THRESHOLD_GEN", 100000),
		ForkThresholdRev: getEnvAsFloat("FORK_THRESHOLD_REV", 500000),

		ReinvestTaxReserve: getEnvAsFloat("REINVEST_TAX_RESERVE", 0.30),
		ReinvestContracts:  getEnvAsFloat("REINVEST_CONTRACTS", 0.525),
		ReinvestLEAPs:      getEnvAsFloat("REINVEST_LEAPS", 0.175),

		BackupBucket:        getEnv("BACKUP_BUCKET", ""),
		BackupEndpoint:      getEnv("BACKUP_ENDPOINT", ""),
		BackupRegion:        getEnv("BACKUP_REGION", "auto"),
		BackupAccessKey:     getEnv("BACKUP_ACCESS_KEY", ""),
		BackupSecretKey:     getEnv("BACKUP_SECRET_KEY", ""),
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values lie in their contracted ranges
func (c *Config) Validate() error {
	if c.Mode != ModeMock && c.Mode != ModeLive {
		return fmt.Errorf("invalid mode %q (must be mock or live)", c.Mode)
	}

	if c.OpeningCapital <= 0 {
		return fmt.Errorf("opening_capital must be positive, got %.2f", c.OpeningCapital)
	}

	split := c.SleeveSplitGen + c.SleeveSplitRev + c.SleeveSplitCom
	if split < 0.999 || split > 1.001 {
		return fmt.Errorf("sleeve split must sum to 1.0, got %.4f", split)
	}

	if c.CapitalDeploymentPct < 0.95 || c.CapitalDeploymentPct > 1.00 {
		return fmt.Errorf("capital_deployment_pct must lie in [0.95, 1.00], got %.4f", c.CapitalDeploymentPct)
	}

	if c.PerSymbolExposureCap <= 0 || c.PerSymbolExposureCap > 1 {
		return fmt.Errorf("per_symbol_exposure_cap must lie in (0, 1], got %.4f", c.PerSymbolExposureCap)
	}

	if c.SlippageCapPct < 0 || c.SlippageCapPct > 0.5 {
		return fmt.Errorf("slippage_cap_pct must lie in [0, 0.5], got %.4f", c.SlippageCapPct)
	}

	if c.ATRPeriod < 1 {
		return fmt.Errorf("atr_period must be positive, got %d", c.ATRPeriod)
	}

	if !(c.VIXThresholdHedge < c.VIXThresholdSafe && c.VIXThresholdSafe < c.VIXThresholdKill) {
		return fmt.Errorf("vix thresholds must be strictly increasing (hedge < safe < kill), got %.0f/%.0f/%.0f",
			c.VIXThresholdHedge, c.VIXThresholdSafe, c.VIXThresholdKill)
	}

	if c.ForkThresholdGen <= 0 || c.ForkThresholdRev <= 0 {
		return fmt.Errorf("fork thresholds must be positive")
	}

	// Tax reserve applies first; contracts/LEAPs split the remainder 75/25.
	reinvest := c.ReinvestTaxReserve + c.ReinvestContracts + c.ReinvestLEAPs
	if reinvest < 0.999 || reinvest > 1.001 {
		return fmt.Errorf("reinvest fractions must sum to 1.0, got %.4f", reinvest)
	}

	if c.AckTimeout <= 0 || c.FillWindow <= 0 {
		return fmt.Errorf("ack timeout and fill window must be positive")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}

	if c.BackupRetentionDays < 0 {
		return fmt.Errorf("backup_retention_days must not be negative, got %d", c.BackupRetentionDays)
	}

	return nil
}

// BackupEnabled reports whether off-site ledger backup is configured.
func (c *Config) BackupEnabled() bool {
	return c.BackupBucket != ""
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
