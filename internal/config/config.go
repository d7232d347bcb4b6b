package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"drtdispatch/internal/insertion"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Detour   DetourConfig   `yaml:"detour"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Notify   NotifyConfig   `yaml:"notify"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	RateRPS         float64       `yaml:"rate_rps"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DefaultTenant   string        `yaml:"default_tenant"`
}

type DatabaseConfig struct {
	URL        string `yaml:"url"`
	Migrations string `yaml:"migrations"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type DetourConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	RateRPS   float64       `yaml:"rate_rps"`
	RateBurst int           `yaml:"rate_burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

type DispatchConfig struct {
	Workers         int      `yaml:"workers"`
	CostStrategy    string   `yaml:"cost_strategy"`
	AcceptThreshold *float64 `yaml:"accept_threshold"`
}

type NotifyConfig struct {
	URL          string        `yaml:"url"`
	Secret       string        `yaml:"secret"`
	MaxAttempts  int           `yaml:"max_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AuthConfig selects how bearer tokens are checked: dev, hmac or jwks.
type AuthConfig struct {
	Mode        string `yaml:"mode"`
	HMACSecret  string `yaml:"hmac_secret"`
	JWKSURL     string `yaml:"jwks_url"`
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	TenantClaim string `yaml:"tenant_claim"`
	RoleClaim   string `yaml:"role_claim"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			RateRPS:         50,
			RateBurst:       100,
			ShutdownTimeout: 10 * time.Second,
			DefaultTenant:   "t_demo",
		},
		Database: DatabaseConfig{Migrations: "db/migrations"},
		Redis:    RedisConfig{CacheTTL: 30 * time.Second},
		Detour: DetourConfig{
			RateRPS:   20,
			RateBurst: 20,
			Timeout:   10 * time.Second,
		},
		Dispatch: DispatchConfig{CostStrategy: insertion.StrategyDefault},
		Notify: NotifyConfig{
			MaxAttempts:  10,
			PollInterval: time.Second,
		},
		Auth: AuthConfig{Mode: "dev", TenantClaim: "tenant", RoleClaim: "role"},
		Log:  LogConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads path (a missing file yields defaults), then .env, then the process environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	// .env never overrides variables already set in the environment
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" && err == nil {
			n, e := strconv.Atoi(v)
			if e != nil {
				err = fmt.Errorf("%s: %w", key, e)
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" && err == nil {
			f, e := strconv.ParseFloat(v, 64)
			if e != nil {
				err = fmt.Errorf("%s: %w", key, e)
				return
			}
			*dst = f
		}
	}

	num("PORT", &c.Server.Port)
	float("RATE_RPS", &c.Server.RateRPS)
	num("RATE_BURST", &c.Server.RateBurst)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_URL", &c.Redis.URL)
	str("DETOUR_URL", &c.Detour.URL)
	str("DETOUR_API_KEY", &c.Detour.APIKey)
	num("DISPATCH_WORKERS", &c.Dispatch.Workers)
	str("COST_STRATEGY", &c.Dispatch.CostStrategy)
	str("NOTIFY_URL", &c.Notify.URL)
	str("NOTIFY_SECRET", &c.Notify.Secret)
	num("NOTIFY_MAX_ATTEMPTS", &c.Notify.MaxAttempts)
	str("AUTH_MODE", &c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	str("AUTH_AUDIENCE", &c.Auth.Audience)
	str("AUTH_TENANT_CLAIM", &c.Auth.TenantClaim)
	str("AUTH_ROLE_CLAIM", &c.Auth.RoleClaim)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_ENCODING", &c.Log.Encoding)
	if v := os.Getenv("ACCEPT_THRESHOLD"); v != "" && err == nil {
		f, e := strconv.ParseFloat(v, 64)
		if e != nil {
			return fmt.Errorf("ACCEPT_THRESHOLD: %w", e)
		}
		c.Dispatch.AcceptThreshold = &f
	}
	return err
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := insertion.StrategyByName(c.Dispatch.CostStrategy); err != nil {
		return err
	}
	if c.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be > 0")
	}
	switch c.Auth.Mode {
	case "", "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return fmt.Errorf("auth.hmac_secret is required in hmac mode")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required in jwks mode")
		}
	default:
		return fmt.Errorf("auth.mode %q must be dev, hmac or jwks", c.Auth.Mode)
	}
	return nil
}

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Server.Port) }
