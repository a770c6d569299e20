package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int    `yaml:"port"`
	MasterSecret string `yaml:"master_secret"`
	GinMode      string `yaml:"gin_mode"`
	TLSCertFile  string `yaml:"tls_cert_file"`
	TLSKeyFile   string `yaml:"tls_key_file"`

	TokenExpirySeconds int           `yaml:"token_expiry_seconds"`
	TokenExpiry        time.Duration `yaml:"-"`

	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Machines   MachineConfig    `yaml:"machines"`
	Scan       ScanConfig       `yaml:"scan"`
	Points     PointsConfig     `yaml:"points"`
	Alerts     AlertConfig      `yaml:"alerts"`
	Redemption RedemptionConfig `yaml:"redemption"`
	HTTP       HTTPConfig       `yaml:"http"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Push       PushConfig       `yaml:"push"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	Debug                  bool   `yaml:"debug"`
}

type MachineConfig struct {
	SharedSecret         string        `yaml:"shared_secret"`
	PrimaryMachineID     string        `yaml:"primary_machine_id"`
	StockCapacity        int           `yaml:"stock_capacity"`
	OfflineAfterSeconds  int           `yaml:"offline_after_seconds"`
	OfflineAfter         time.Duration `yaml:"-"`
	SweepIntervalSeconds int           `yaml:"sweep_interval_seconds"`
	SweepInterval        time.Duration `yaml:"-"`
}

type ScanConfig struct {
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	MaxTimeoutMs     int `yaml:"max_timeout_ms"`
}

type PointsConfig struct {
	PerGram   float64 `yaml:"per_gram"`
	PerSheet  int     `yaml:"per_sheet"`
	MinWeight float64 `yaml:"min_weight"`
	MaxWeight float64 `yaml:"max_weight"`
	MinCount  int     `yaml:"min_count"`
	MaxCount  int     `yaml:"max_count"`
}

type AlertConfig struct {
	StockWarningPercent  float64 `yaml:"stock_warning_percent"`
	StockCriticalPercent float64 `yaml:"stock_critical_percent"`
}

type Reward struct {
	Type     string `yaml:"type" json:"type"`
	Name     string `yaml:"name" json:"name"`
	Cost     int64  `yaml:"cost" json:"cost"`
	Quantity int    `yaml:"quantity" json:"quantity"`
}

type RedemptionConfig struct {
	PageSize int      `yaml:"page_size"`
	Rewards  []Reward `yaml:"rewards"`
}

type HTTPConfig struct {
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

type WorkerPoolConfig struct {
	Size      int `yaml:"size"`
	QueueSize int `yaml:"queue_size"`
}

type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether web push can be sent.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func Defaults() Config {
	return Config{
		Port:               3000,
		GinMode:            "release",
		TokenExpirySeconds: int((7 * 24 * time.Hour).Seconds()),
		Log:                LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:                 "sqlite",
			DSN:                    "kiosk-hub.db",
			MaxOpenConns:           10,
			MaxIdleConns:           5,
			ConnMaxLifetimeMinutes: 30,
		},
		Machines: MachineConfig{
			StockCapacity:        100,
			OfflineAfterSeconds:  300,
			SweepIntervalSeconds: 60,
		},
		Scan: ScanConfig{DefaultTimeoutMs: 30000, MaxTimeoutMs: 120000},
		Points: PointsConfig{
			PerGram:   10,
			PerSheet:  1,
			MinWeight: 1.0,
			MaxWeight: 20.0,
			MinCount:  1,
			MaxCount:  50,
		},
		Alerts: AlertConfig{StockWarningPercent: 50, StockCriticalPercent: 20},
		Redemption: RedemptionConfig{
			PageSize: 20,
			Rewards: []Reward{
				{Type: "bond_paper_1", Name: "Bond paper (1 sheet)", Cost: 10, Quantity: 1},
				{Type: "bond_paper_5", Name: "Bond paper (5 sheets)", Cost: 45, Quantity: 5},
			},
		},
		HTTP:       HTTPConfig{RateLimitPerSec: 20, RateLimitBurst: 40, CacheTTLSeconds: 5},
		WorkerPool: WorkerPoolConfig{Size: 4, QueueSize: 256},
		Push:       PushConfig{Subject: "mailto:admin@localhost", TTL: 3600},
	}
}

// LoadConfigFromEnv applies, in order: defaults, the YAML file named by CONFIG_FILE,
// then individual environment variables.
func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Defaults()

	if path := env.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid PORT")
	}

	if raw := env.Getenv("MASTER_SECRET"); raw != "" {
		cfg.MasterSecret = raw
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	setString(env, "GIN_MODE", &cfg.GinMode)
	setString(env, "TLS_CERT_FILE", &cfg.TLSCertFile)
	setString(env, "TLS_KEY_FILE", &cfg.TLSKeyFile)
	setString(env, "LOG_LEVEL", &cfg.Log.Level)
	setString(env, "DATABASE_DRIVER", &cfg.Database.Driver)
	setString(env, "DATABASE_DSN", &cfg.Database.DSN)
	setString(env, "MACHINE_SHARED_SECRET", &cfg.Machines.SharedSecret)
	setString(env, "PRIMARY_MACHINE_ID", &cfg.Machines.PrimaryMachineID)
	setString(env, "VAPID_PUBLIC_KEY", &cfg.Push.PublicKey)
	setString(env, "VAPID_PRIVATE_KEY", &cfg.Push.PrivateKey)
	setString(env, "VAPID_SUBJECT", &cfg.Push.Subject)

	if raw := env.Getenv("LOG_PRETTY"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_PRETTY")
		}
		cfg.Log.Pretty = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"TOKEN_EXPIRY_SECONDS", &cfg.TokenExpirySeconds},
		{"SCAN_TIMEOUT_MS", &cfg.Scan.DefaultTimeoutMs},
		{"REDEMPTION_PAGE_SIZE", &cfg.Redemption.PageSize},
		{"WORKER_POOL_SIZE", &cfg.WorkerPool.Size},
		{"OFFLINE_AFTER_SECONDS", &cfg.Machines.OfflineAfterSeconds},
	}
	for _, item := range ints {
		if err := setPositiveInt(env, item.key, item.dst); err != nil {
			return Config{}, err
		}
	}

	if raw := env.Getenv("RATE_LIMIT_PER_SEC"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_PER_SEC")
		}
		cfg.HTTP.RateLimitPerSec = v
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func (cfg *Config) normalize() error {
	if cfg.TokenExpirySeconds <= 0 {
		return fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
	}
	cfg.TokenExpiry = time.Duration(cfg.TokenExpirySeconds) * time.Second

	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("invalid DATABASE_DRIVER %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}

	if cfg.Machines.StockCapacity <= 0 {
		cfg.Machines.StockCapacity = 100
	}
	if cfg.Machines.OfflineAfterSeconds <= 0 {
		cfg.Machines.OfflineAfterSeconds = 300
	}
	cfg.Machines.OfflineAfter = time.Duration(cfg.Machines.OfflineAfterSeconds) * time.Second
	if cfg.Machines.SweepIntervalSeconds <= 0 {
		cfg.Machines.SweepIntervalSeconds = 60
	}
	cfg.Machines.SweepInterval = time.Duration(cfg.Machines.SweepIntervalSeconds) * time.Second

	if cfg.Scan.MaxTimeoutMs <= 0 {
		cfg.Scan.MaxTimeoutMs = 120000
	}
	if cfg.Scan.DefaultTimeoutMs <= 0 || cfg.Scan.DefaultTimeoutMs > cfg.Scan.MaxTimeoutMs {
		return fmt.Errorf("invalid SCAN_TIMEOUT_MS")
	}

	if cfg.Points.MinWeight <= 0 || cfg.Points.MaxWeight < cfg.Points.MinWeight {
		return fmt.Errorf("invalid points weight range")
	}
	if cfg.Points.MinCount <= 0 || cfg.Points.MaxCount < cfg.Points.MinCount {
		return fmt.Errorf("invalid points count range")
	}
	if cfg.Points.PerGram <= 0 || cfg.Points.PerSheet <= 0 {
		return fmt.Errorf("invalid points multiplier")
	}

	if cfg.Alerts.StockCriticalPercent <= 0 || cfg.Alerts.StockWarningPercent <= cfg.Alerts.StockCriticalPercent {
		return fmt.Errorf("invalid stock alert thresholds")
	}

	if cfg.Redemption.PageSize <= 0 || cfg.Redemption.PageSize > 100 {
		return fmt.Errorf("invalid REDEMPTION_PAGE_SIZE")
	}
	seen := make(map[string]struct{}, len(cfg.Redemption.Rewards))
	for _, r := range cfg.Redemption.Rewards {
		if r.Type == "" || r.Cost <= 0 || r.Quantity <= 0 {
			return fmt.Errorf("invalid reward %q", r.Type)
		}
		if _, dup := seen[r.Type]; dup {
			return fmt.Errorf("duplicate reward %q", r.Type)
		}
		seen[r.Type] = struct{}{}
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 256
	}
	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	return nil
}

func setString(env Env, key string, dst *string) {
	if raw := env.Getenv(key); raw != "" {
		*dst = raw
	}
}

func setPositiveInt(env Env, key string, dst *int) error {
	raw := env.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fmt.Errorf("invalid %s", key)
	}
	*dst = v
	return nil
}
