// Package config resolves the relay configuration from the environment,
// optionally seeded from a YAML file pointed at by CONFIG_FILE. Environment
// variables always win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the effective runtime configuration.
type Config struct {
	// Server
	Port  int
	Env   string
	Debug bool

	// Chain
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	TxConfirmations uint64
	TxTimeout       time.Duration
	BatchInterval   time.Duration
	RespondAfter    time.Duration
	// RequestHardTimeout guarantees a reply even if the dispatcher never
	// picks the item up. Defaults to BatchInterval + RespondAfter + 5s.
	RequestHardTimeout time.Duration

	// Anti-cheat window
	ScoreWindow      time.Duration
	ScoreWindowLimit int64
	MinScoreEvent    int64
	MaxScoreEvent    int64

	// Leaderboard
	LeaderboardBase     string
	LeaderboardCacheTTL time.Duration
	MaxPageWalk         int
	DefaultGameID       int
	UnlockTargetScore   int64
	WalletCheckBase     string

	// Optional shared cache backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// fileConfig mirrors Config for the optional YAML seed file.
type fileConfig struct {
	Server struct {
		Port  int    `yaml:"port"`
		Env   string `yaml:"env"`
		Debug bool   `yaml:"debug"`
	} `yaml:"server"`
	Chain struct {
		RPCURL          string `yaml:"rpc_url"`
		ContractAddress string `yaml:"contract_address"`
		Confirmations   uint64 `yaml:"confirmations"`
		TxTimeoutMs     int    `yaml:"tx_timeout_ms"`
		BatchIntervalMs int    `yaml:"batch_interval_ms"`
		RespondAfterMs  int    `yaml:"respond_after_ms"`
	} `yaml:"chain"`
	Limits struct {
		WindowMs      int   `yaml:"window_ms"`
		PerWindow     int64 `yaml:"per_window"`
		MinScoreEvent int64 `yaml:"min_score_event"`
		MaxScoreEvent int64 `yaml:"max_score_event"`
	} `yaml:"limits"`
	Leaderboard struct {
		Base        string `yaml:"base"`
		CacheMs     int    `yaml:"cache_ms"`
		MaxPageWalk int    `yaml:"max_page_walk"`
	} `yaml:"leaderboard"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// Load builds the Config: defaults, then the optional CONFIG_FILE seed,
// then environment overrides. Returns an error if a required value is
// missing or malformed.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                3000,
		Env:                 "production",
		TxConfirmations:     1,
		TxTimeout:           120 * time.Second,
		BatchInterval:       5 * time.Second,
		RespondAfter:        5 * time.Second,
		ScoreWindow:         60 * time.Second,
		ScoreWindowLimit:    10_000,
		MinScoreEvent:       0,
		MaxScoreEvent:       100,
		LeaderboardCacheTTL: 15 * time.Second,
		MaxPageWalk:         50,
		DefaultGameID:       64,
		UnlockTargetScore:   1200,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.RequestHardTimeout == 0 {
		cfg.RequestHardTimeout = cfg.BatchInterval + cfg.RespondAfter + 5*time.Second
	}
	if cfg.WalletCheckBase == "" {
		cfg.WalletCheckBase = cfg.LeaderboardBase
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("PRIVATE_KEY is required")
	}
	if cfg.ContractAddress == "" {
		return nil, fmt.Errorf("CONTRACT_ADDRESS is required")
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var fc fileConfig
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
		return err
	}

	if fc.Server.Port != 0 {
		cfg.Port = fc.Server.Port
	}
	if fc.Server.Env != "" {
		cfg.Env = fc.Server.Env
	}
	cfg.Debug = cfg.Debug || fc.Server.Debug
	if fc.Chain.RPCURL != "" {
		cfg.RPCURL = fc.Chain.RPCURL
	}
	if fc.Chain.ContractAddress != "" {
		cfg.ContractAddress = fc.Chain.ContractAddress
	}
	if fc.Chain.Confirmations != 0 {
		cfg.TxConfirmations = fc.Chain.Confirmations
	}
	if fc.Chain.TxTimeoutMs != 0 {
		cfg.TxTimeout = time.Duration(fc.Chain.TxTimeoutMs) * time.Millisecond
	}
	if fc.Chain.BatchIntervalMs != 0 {
		cfg.BatchInterval = time.Duration(fc.Chain.BatchIntervalMs) * time.Millisecond
	}
	if fc.Chain.RespondAfterMs != 0 {
		cfg.RespondAfter = time.Duration(fc.Chain.RespondAfterMs) * time.Millisecond
	}
	if fc.Limits.WindowMs != 0 {
		cfg.ScoreWindow = time.Duration(fc.Limits.WindowMs) * time.Millisecond
	}
	if fc.Limits.PerWindow != 0 {
		cfg.ScoreWindowLimit = fc.Limits.PerWindow
	}
	if fc.Limits.MinScoreEvent != 0 {
		cfg.MinScoreEvent = fc.Limits.MinScoreEvent
	}
	if fc.Limits.MaxScoreEvent != 0 {
		cfg.MaxScoreEvent = fc.Limits.MaxScoreEvent
	}
	if fc.Leaderboard.Base != "" {
		cfg.LeaderboardBase = fc.Leaderboard.Base
	}
	if fc.Leaderboard.CacheMs != 0 {
		cfg.LeaderboardCacheTTL = time.Duration(fc.Leaderboard.CacheMs) * time.Millisecond
	}
	if fc.Leaderboard.MaxPageWalk != 0 {
		cfg.MaxPageWalk = fc.Leaderboard.MaxPageWalk
	}
	if fc.Redis.Addr != "" {
		cfg.RedisAddr = fc.Redis.Addr
		cfg.RedisPassword = fc.Redis.Password
		cfg.RedisDB = fc.Redis.DB
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setStr(&cfg.RPCURL, "RPC_URL")
	setStr(&cfg.PrivateKey, "PRIVATE_KEY")
	setStr(&cfg.ContractAddress, "CONTRACT_ADDRESS")
	setStr(&cfg.Env, "NODE_ENV")
	setStr(&cfg.LeaderboardBase, "LEADERBOARD_BASE")
	setStr(&cfg.WalletCheckBase, "WALLET_CHECK_BASE")
	setStr(&cfg.RedisAddr, "REDIS_ADDR")
	setStr(&cfg.RedisPassword, "REDIS_PASSWORD")

	for _, step := range []func() error{
		func() error { return setInt(&cfg.Port, "PORT") },
		func() error { return setBool(&cfg.Debug, "DEBUG") },
		func() error { return setInt64(&cfg.ScoreWindowLimit, "SCORE_PER_MIN_LIMIT") },
		func() error { return setInt64(&cfg.MinScoreEvent, "MIN_SCORE_EVENT") },
		func() error { return setInt64(&cfg.MaxScoreEvent, "MAX_SCORE_EVENT") },
		func() error { return setUint64(&cfg.TxConfirmations, "TX_CONFIRMATIONS") },
		func() error { return setInt(&cfg.RedisDB, "REDIS_DB") },
		func() error { return setInt(&cfg.DefaultGameID, "DEFAULT_GAME_ID") },
		func() error { return setInt64(&cfg.UnlockTargetScore, "UNLOCK_TARGET_SCORE") },
		func() error { return setInt(&cfg.MaxPageWalk, "MAX_PAGE_WALK") },
		func() error { return setMillis(&cfg.ScoreWindow, "SCORE_WINDOW_MS") },
		func() error { return setMillis(&cfg.TxTimeout, "TX_TIMEOUT_MS") },
		func() error { return setMillis(&cfg.BatchInterval, "BATCH_INTERVAL_MS") },
		func() error { return setMillis(&cfg.RespondAfter, "RESPOND_AFTER_MS") },
		func() error { return setMillis(&cfg.RequestHardTimeout, "REQUEST_HARD_TIMEOUT_MS") },
		func() error { return setMillis(&cfg.LeaderboardCacheTTL, "LEADERBOARD_CACHE_MS") },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setUint64(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setMillis(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}
