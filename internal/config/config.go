package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// AuthSecret signs both caller bearer tokens and emergency clearance
	// credentials.
	AuthSecret string `mapstructure:"AUTH_SECRET"`

	EmergencyTTLMinutes    int    `mapstructure:"EMERGENCY_TTL_MINUTES"`
	EmergencyMaxLevel      string `mapstructure:"EMERGENCY_MAX_LEVEL"`
	EmergencyVerifyTimeout int    `mapstructure:"EMERGENCY_VERIFY_TIMEOUT"`
	RequireRegistration    bool   `mapstructure:"REQUIRE_REGISTRATION"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("EMERGENCY_TTL_MINUTES", 60)
	v.SetDefault("EMERGENCY_MAX_LEVEL", "read")
	v.SetDefault("EMERGENCY_VERIFY_TIMEOUT", 5)
	v.SetDefault("REQUIRE_REGISTRATION", false)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("EMERGENCY_TTL_MINUTES")
	v.BindEnv("EMERGENCY_MAX_LEVEL")
	v.BindEnv("EMERGENCY_VERIFY_TIMEOUT")
	v.BindEnv("REQUIRE_REGISTRATION")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Callers are identified by the X-Actor header, unsigned.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EmergencyTTL returns the configured session lifetime.
func (c *Config) EmergencyTTL() time.Duration {
	return time.Duration(c.EmergencyTTLMinutes) * time.Minute
}

// VerifyTimeout returns the credential verification budget.
func (c *Config) VerifyTimeout() time.Duration {
	return time.Duration(c.EmergencyVerifyTimeout) * time.Second
}

// Validate checks that the configuration is safe to run. Outside
// development a signing secret is mandatory, and the emergency ceiling
// must stay below admin.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when ENV=%q; refusing to start without token verification", c.Env)
	}
	if !c.IsDev() && len(c.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be at least 32 bytes, got %d", len(c.AuthSecret))
	}

	switch c.EmergencyMaxLevel {
	case "read", "write":
	default:
		return fmt.Errorf("EMERGENCY_MAX_LEVEL must be \"read\" or \"write\", got %q", c.EmergencyMaxLevel)
	}

	if c.EmergencyTTLMinutes <= 0 {
		return fmt.Errorf("EMERGENCY_TTL_MINUTES must be positive, got %d", c.EmergencyTTLMinutes)
	}
	if c.EmergencyVerifyTimeout <= 0 {
		return fmt.Errorf("EMERGENCY_VERIFY_TIMEOUT must be positive, got %d", c.EmergencyVerifyTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
