package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. INVESTCALC_HTTP_ADDR.
const EnvPrefix = "INVESTCALC_"

const defaultConfigFile = "config.yaml"

// Config is the complete service configuration.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	GRPC     GRPCConfig     `koanf:"grpc"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Log      LogConfig      `koanf:"log"`
	Ledger   LedgerConfig   `koanf:"ledger"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	// ReportRequestsPerMinute caps report endpoints per client IP. Zero disables the cap.
	ReportRequestsPerMinute int `koanf:"report_requests_per_minute"`
	// TrustedProxies are CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

type GRPCConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// DatabaseConfig points at Postgres. An empty DSN selects in-memory stores.
type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type AuthConfig struct {
	Issuer     string        `koanf:"issuer"`
	AccessTTL  time.Duration `koanf:"access_ttl"`
	RefreshTTL time.Duration `koanf:"refresh_ttl"`
	// SigningKeys entries look like "id:secret" or "id:secret:valid-from-rfc3339".
	SigningKeys    []string      `koanf:"signing_keys"`
	KeyGrace       time.Duration `koanf:"key_grace"`
	ReuseDetection bool          `koanf:"reuse_detection"`
	// LoginRate is attempts per second allowed per client; LoginBurst is the bucket size.
	LoginRate       float64 `koanf:"login_rate"`
	LoginBurst      int     `koanf:"login_burst"`
	BootstrapAdmin  string  `koanf:"bootstrap_admin"`
	BootstrapSecret string  `koanf:"bootstrap_secret"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type LedgerConfig struct {
	PurgeInterval time.Duration `koanf:"purge_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:                    ":8080",
			ReadTimeout:             10 * time.Second,
			WriteTimeout:            60 * time.Second,
			IdleTimeout:             60 * time.Second,
			ShutdownTimeout:         10 * time.Second,
			MaxBodyBytes:            1 << 20,
			ReportRequestsPerMinute: 60,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
		},
		Auth: AuthConfig{
			Issuer:     "investcalc",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 14 * 24 * time.Hour,
			KeyGrace:   24 * time.Hour,
			LoginRate:  1,
			LoginBurst: 5,
		},
		Log:    LogConfig{Level: "info", Format: "json"},
		Ledger: LedgerConfig{PurgeInterval: time.Hour},
	}
}

// sliceConfigPaths are keys that may arrive from the environment as
// comma-separated strings.
var sliceConfigPaths = []string{"http.cors_origins", "http.trusted_proxies", "auth.signing_keys"}

// Load layers defaults, an optional YAML file and INVESTCALC_* environment
// variables, in that order of precedence, and validates the result. An empty
// path falls back to $INVESTCALC_CONFIG and then ./config.yaml when present.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read layers configuration like Load without validating it. Tools that only
// need the database section use it.
func Read(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path = findConfigFile(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func findConfigFile(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// envKey maps INVESTCALC_AUTH_ACCESS_TTL to auth.access_ttl.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + rest
}

func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.GRPC.Enabled && strings.TrimSpace(c.GRPC.Addr) == "" {
		errs = append(errs, errors.New("grpc.addr is required when grpc is enabled"))
	}
	if len(c.Auth.SigningKeys) == 0 {
		errs = append(errs, errors.New("auth.signing_keys must list at least one key"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		errs = append(errs, errors.New("auth.access_ttl must be positive and shorter than auth.refresh_ttl"))
	}
	if c.Auth.LoginRate < 0 || c.Auth.LoginBurst < 0 {
		errs = append(errs, errors.New("auth.login_rate and auth.login_burst must not be negative"))
	}
	if (c.Auth.BootstrapAdmin == "") != (c.Auth.BootstrapSecret == "") {
		errs = append(errs, errors.New("auth.bootstrap_admin and auth.bootstrap_secret must be set together"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if c.Ledger.PurgeInterval < 0 {
		errs = append(errs, errors.New("ledger.purge_interval must not be negative"))
	}
	return errors.Join(errs...)
}
