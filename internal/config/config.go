package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// TierIntervals holds the online check cadence per license tier, in hours.
type TierIntervals struct {
	Trial    int
	Standard int
	Premium  int
}

// Licensing holds license enforcement configuration
type Licensing struct {
	WebhookURL          string
	APIKey              string
	RequestTimeoutSecs  int
	MaxTransfers        int
	OfflineGraceDays    int
	SimilarityThreshold float64
	CheckIntervals      TierIntervals
	MinCheckIntervalHrs int
	SupportEmail        string
	SupportPhone        string
}

// PumpTransfers holds the auto-apply transfer policy
type PumpTransfers struct {
	AutoApply  bool
	Scope      string // "global" or "pilot-area"
	PilotAreas []string
}

// Config holds application configuration
type Config struct {
	// Server
	Port    int
	DevMode bool

	// Database
	DatabasePath string

	// Time-series source files (identity only; ingestion is external)
	MeterReadingsPath string
	FlowDiagramPath   string

	// Logging
	LogLevel string

	Licensing     Licensing
	PumpTransfers PumpTransfers
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnvAsInt("PORT", 8090),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		DatabasePath:      getEnv("DATABASE_PATH", "./data/waterbalance.db"),
		MeterReadingsPath: getEnv("METER_READINGS_PATH", ""),
		FlowDiagramPath:   getEnv("FLOW_DIAGRAM_PATH", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Licensing: Licensing{
			WebhookURL:          getEnv("LICENSE_WEBHOOK_URL", ""),
			APIKey:              getEnv("LICENSE_API_KEY", ""),
			RequestTimeoutSecs:  getEnvAsInt("LICENSE_REQUEST_TIMEOUT", 10),
			MaxTransfers:        getEnvAsInt("LICENSE_MAX_TRANSFERS", 3),
			OfflineGraceDays:    getEnvAsInt("LICENSE_OFFLINE_GRACE_DAYS", 7),
			SimilarityThreshold: getEnvAsFloat("HW_SIMILARITY_THRESHOLD", 0.60),
			CheckIntervals: TierIntervals{
				Trial:    getEnvAsInt("LICENSE_CHECK_INTERVAL_TRIAL", 1),
				Standard: getEnvAsInt("LICENSE_CHECK_INTERVAL_STANDARD", 24),
				Premium:  getEnvAsInt("LICENSE_CHECK_INTERVAL_PREMIUM", 168),
			},
			MinCheckIntervalHrs: getEnvAsInt("LICENSE_MIN_CHECK_INTERVAL", 1),
			SupportEmail:        getEnv("LICENSE_SUPPORT_EMAIL", "support@caliphs.dev"),
			SupportPhone:        getEnv("LICENSE_SUPPORT_PHONE", ""),
		},
		PumpTransfers: PumpTransfers{
			AutoApply:  getEnvAsBool("AUTO_APPLY_PUMP_TRANSFERS", false),
			Scope:      getEnv("PUMP_TRANSFER_SCOPE", "global"),
			PilotAreas: getEnvAsList("PUMP_TRANSFER_PILOT_AREAS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}

	if c.PumpTransfers.Scope != "global" && c.PumpTransfers.Scope != "pilot-area" {
		return fmt.Errorf("PUMP_TRANSFER_SCOPE must be 'global' or 'pilot-area', got %q", c.PumpTransfers.Scope)
	}

	// License webhook credentials are optional: without them every registry
	// call fails as unreachable, so a device with no stored license stays
	// unactivated and protected operations stay blocked.
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
