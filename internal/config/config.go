// Package config loads server configuration: built-in defaults, then an
// optional YAML file, then RAMPART_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/rampart/internal/breaker"
	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/incremental"
	"github.com/triage-ai/rampart/internal/shed"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the YAML config path.
const EnvConfigPath = "RAMPART_CONFIG"

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendRedis  = "redis"
)

var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the gRPC listener

	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	RedisAddr     string `yaml:"redis_addr"`

	// APIKeyHashes are bcrypt hashes accepted in addition to keys stored in
	// Postgres.
	APIKeyHashes []string      `yaml:"api_key_hashes"`
	AuthCacheTTL time.Duration `yaml:"auth_cache_ttl"`

	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
	MaxStreamBytes      int64         `yaml:"max_stream_bytes"`
	PatternCacheSize    int           `yaml:"pattern_cache_size"`
	PoolJanitorPeriod   time.Duration `yaml:"pool_janitor_period"`
	PolicyRefresh       time.Duration `yaml:"policy_refresh"`
	CheckpointBackend   string        `yaml:"checkpoint_backend"`
	CheckpointDir       string        `yaml:"checkpoint_dir"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`

	Engine      EngineConfig        `yaml:"engine"`
	Breaker     BreakerConfig       `yaml:"breaker"`
	Shed        ShedConfig          `yaml:"shed"`
	Incremental IncrementalConfig   `yaml:"incremental"`
	Policies    engine.PolicyConfig `yaml:"policies"`
}

type EngineConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
	FailFast       bool          `yaml:"fail_fast"`
	FailOpen       bool          `yaml:"fail_open"`
	BlockSeverity  string        `yaml:"block_severity"`
	PlanCacheSize  int           `yaml:"plan_cache_size"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
	MirrorTTL        time.Duration `yaml:"mirror_ttl"` // Redis mirror key TTL, used only with redis_addr
}

type ShedConfig struct {
	CPUThreshold     float64        `yaml:"cpu_threshold"`
	MemoryThreshold  float64        `yaml:"memory_threshold"`
	MinimumGuards    int            `yaml:"minimum_guards"`
	SampleInterval   time.Duration  `yaml:"sample_interval"`
	ModeratePressure float64        `yaml:"moderate_pressure"`
	SeverePressure   float64        `yaml:"severe_pressure"`
	Tiers            map[string]int `yaml:"tiers"`
}

type IncrementalConfig struct {
	ChunkSize                 int           `yaml:"chunk_size"`
	MaxChunks                 int           `yaml:"max_chunks"`
	EarlyTerminationThreshold float64       `yaml:"early_termination_threshold"`
	MeanTerminationThreshold  float64       `yaml:"mean_termination_threshold"`
	ThreatThreshold           float64       `yaml:"threat_threshold"`
	CheckpointTTL             time.Duration `yaml:"checkpoint_ttl"`
	Families                  []string      `yaml:"families"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	ex := engine.DefaultExecutorConfig()
	br := breaker.DefaultConfig()
	sh := shed.DefaultConfig()
	inc := incremental.DefaultConfig()

	return Config{
		LogLevel:            "info",
		HTTPAddr:            ":8080",
		GRPCAddr:            ":9090",
		AuthCacheTTL:        30 * time.Second,
		MaxBodyBytes:        1 << 20,
		MaxStreamBytes:      64 << 20,
		PatternCacheSize:    512,
		PoolJanitorPeriod:   time.Minute,
		PolicyRefresh:       30 * time.Second,
		CheckpointBackend:   BackendMemory,
		CheckpointDir:       "data/checkpoints",
		ShutdownGracePeriod: 10 * time.Second,
		Engine: EngineConfig{
			MaxConcurrency: ex.MaxConcurrency,
			StageTimeout:   ex.StageTimeout,
			FailFast:       ex.FailFast,
			FailOpen:       ex.FailOpen,
			BlockSeverity:  engine.DefaultAggregatorConfig().BlockSeverity.String(),
			PlanCacheSize:  engine.DefaultPlannerConfig().CacheSize,
		},
		Breaker: BreakerConfig{
			FailureThreshold: br.FailureThreshold,
			RecoveryTimeout:  br.RecoveryTimeout,
			HalfOpenRequests: br.HalfOpenRequests,
			MirrorTTL:        10 * time.Minute,
		},
		Shed: ShedConfig{
			CPUThreshold:     sh.CPUThreshold,
			MemoryThreshold:  sh.MemoryThreshold,
			MinimumGuards:    sh.MinimumGuards,
			SampleInterval:   sh.SampleInterval,
			ModeratePressure: sh.ModeratePressure,
			SeverePressure:   sh.SeverePressure,
			Tiers:            sh.Tiers,
		},
		Incremental: IncrementalConfig{
			ChunkSize:                 inc.ChunkSize,
			MaxChunks:                 inc.MaxChunks,
			EarlyTerminationThreshold: inc.EarlyTerminationThreshold,
			MeanTerminationThreshold:  inc.MeanTerminationThreshold,
			ThreatThreshold:           inc.ThreatThreshold,
			CheckpointTTL:             inc.CheckpointTTL,
			Families:                  inc.Families,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// RAMPART_CONFIG is consulted; a missing file named only by default is not
// an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if explicit {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = envOrDefault("RAMPART_LOG_LEVEL", cfg.LogLevel)
	cfg.HTTPAddr = envOrDefault("RAMPART_HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envOrDefault("RAMPART_GRPC_ADDR", cfg.GRPCAddr)
	cfg.PostgresDSN = envOrDefault("RAMPART_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.ClickHouseDSN = envOrDefault("RAMPART_CLICKHOUSE_DSN", cfg.ClickHouseDSN)
	cfg.RedisAddr = envOrDefault("RAMPART_REDIS_ADDR", cfg.RedisAddr)
	if v := os.Getenv("RAMPART_API_KEY_HASHES"); v != "" {
		cfg.APIKeyHashes = splitList(v)
	}
	cfg.AuthCacheTTL = envOrDefaultDuration("RAMPART_AUTH_CACHE_TTL", cfg.AuthCacheTTL)
	cfg.MaxBodyBytes = int64(envOrDefaultInt("RAMPART_MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.MaxStreamBytes = int64(envOrDefaultInt("RAMPART_MAX_STREAM_BYTES", int(cfg.MaxStreamBytes)))
	cfg.PatternCacheSize = envOrDefaultInt("RAMPART_PATTERN_CACHE_SIZE", cfg.PatternCacheSize)
	cfg.PoolJanitorPeriod = envOrDefaultDuration("RAMPART_POOL_JANITOR_PERIOD", cfg.PoolJanitorPeriod)
	cfg.PolicyRefresh = envOrDefaultDuration("RAMPART_POLICY_REFRESH", cfg.PolicyRefresh)
	cfg.CheckpointBackend = envOrDefault("RAMPART_CHECKPOINT_BACKEND", cfg.CheckpointBackend)
	cfg.CheckpointDir = envOrDefault("RAMPART_CHECKPOINT_DIR", cfg.CheckpointDir)
	cfg.ShutdownGracePeriod = envOrDefaultDuration("RAMPART_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)

	e := &cfg.Engine
	e.MaxConcurrency = envOrDefaultInt("RAMPART_MAX_CONCURRENCY", e.MaxConcurrency)
	e.StageTimeout = envOrDefaultDuration("RAMPART_STAGE_TIMEOUT", e.StageTimeout)
	e.FailFast = envOrDefaultBool("RAMPART_FAIL_FAST", e.FailFast)
	e.FailOpen = envOrDefaultBool("RAMPART_FAIL_OPEN", e.FailOpen)
	e.BlockSeverity = envOrDefault("RAMPART_BLOCK_SEVERITY", e.BlockSeverity)

	b := &cfg.Breaker
	b.FailureThreshold = envOrDefaultInt("RAMPART_BREAKER_FAILURE_THRESHOLD", b.FailureThreshold)
	b.RecoveryTimeout = envOrDefaultDuration("RAMPART_BREAKER_RECOVERY_TIMEOUT", b.RecoveryTimeout)
	b.HalfOpenRequests = envOrDefaultInt("RAMPART_BREAKER_HALF_OPEN_REQUESTS", b.HalfOpenRequests)

	s := &cfg.Shed
	s.CPUThreshold = envOrDefaultFloat("RAMPART_SHED_CPU_THRESHOLD", s.CPUThreshold)
	s.MemoryThreshold = envOrDefaultFloat("RAMPART_SHED_MEMORY_THRESHOLD", s.MemoryThreshold)
	s.MinimumGuards = envOrDefaultInt("RAMPART_SHED_MINIMUM_GUARDS", s.MinimumGuards)
	s.SampleInterval = envOrDefaultDuration("RAMPART_SHED_SAMPLE_INTERVAL", s.SampleInterval)

	i := &cfg.Incremental
	i.ChunkSize = envOrDefaultInt("RAMPART_CHUNK_SIZE", i.ChunkSize)
	i.MaxChunks = envOrDefaultInt("RAMPART_MAX_CHUNKS", i.MaxChunks)
	i.EarlyTerminationThreshold = envOrDefaultFloat("RAMPART_EARLY_TERMINATION_THRESHOLD", i.EarlyTerminationThreshold)
	i.CheckpointTTL = envOrDefaultDuration("RAMPART_CHECKPOINT_TTL", i.CheckpointTTL)
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.HTTPAddr != "", "http_addr must be set")
	check(c.Engine.MaxConcurrency > 0, "engine.max_concurrency must be positive")
	check(c.Engine.StageTimeout > 0, "engine.stage_timeout must be positive")
	if _, err := engine.ParseThreatLevel(c.Engine.BlockSeverity); err != nil {
		problems = append(problems, "engine.block_severity: "+err.Error())
	}
	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(c.Breaker.RecoveryTimeout > 0, "breaker.recovery_timeout must be positive")
	check(c.Breaker.HalfOpenRequests > 0, "breaker.half_open_requests must be positive")
	check(c.Shed.CPUThreshold > 0 && c.Shed.MemoryThreshold > 0, "shed thresholds must be positive")
	check(c.Shed.MinimumGuards >= 0, "shed.minimum_guards must not be negative")
	check(c.Shed.ModeratePressure <= c.Shed.SeverePressure, "shed.moderate_pressure must not exceed shed.severe_pressure")
	for name, tier := range c.Shed.Tiers {
		check(tier >= shed.TierCritical && tier <= shed.TierLow, fmt.Sprintf("shed.tiers.%s must be in [1, 4]", name))
	}
	check(c.Incremental.ChunkSize > 0, "incremental.chunk_size must be positive")
	check(c.Incremental.MaxChunks > 0, "incremental.max_chunks must be positive")
	check(c.Incremental.EarlyTerminationThreshold > 0 && c.Incremental.EarlyTerminationThreshold <= 1,
		"incremental.early_termination_threshold must be in (0, 1]")
	check(c.MaxBodyBytes > 0 && c.MaxStreamBytes > 0, "body limits must be positive")
	check(c.PatternCacheSize > 0, "pattern_cache_size must be positive")

	switch c.CheckpointBackend {
	case BackendMemory:
	case BackendPebble:
		check(c.CheckpointDir != "", "checkpoint_dir is required for the pebble backend")
	case BackendRedis:
		check(c.RedisAddr != "", "redis_addr is required for the redis backend")
	default:
		problems = append(problems, fmt.Sprintf("unknown checkpoint_backend %q", c.CheckpointBackend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EngineConfig converts to the engine's configuration. Call after Validate.
func (c Config) EngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Executor.MaxConcurrency = c.Engine.MaxConcurrency
	cfg.Executor.StageTimeout = c.Engine.StageTimeout
	cfg.Executor.FailFast = c.Engine.FailFast
	cfg.Executor.FailOpen = c.Engine.FailOpen
	if c.Engine.PlanCacheSize > 0 {
		cfg.Planner.CacheSize = c.Engine.PlanCacheSize
	}
	if lvl, err := engine.ParseThreatLevel(c.Engine.BlockSeverity); err == nil && lvl != engine.ThreatNone {
		cfg.Aggregator.BlockSeverity = lvl
	}
	return cfg
}

func (c Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		RecoveryTimeout:  c.Breaker.RecoveryTimeout,
		HalfOpenRequests: c.Breaker.HalfOpenRequests,
	}
}

func (c Config) ShedConfig() shed.Config {
	tiers := shed.DefaultTiers()
	for name, tier := range c.Shed.Tiers {
		tiers[name] = tier
	}
	return shed.Config{
		CPUThreshold:     c.Shed.CPUThreshold,
		MemoryThreshold:  c.Shed.MemoryThreshold,
		MinimumGuards:    c.Shed.MinimumGuards,
		SampleInterval:   c.Shed.SampleInterval,
		ModeratePressure: c.Shed.ModeratePressure,
		SeverePressure:   c.Shed.SeverePressure,
		Tiers:            tiers,
	}
}

func (c Config) IncrementalConfig() incremental.Config {
	return incremental.Config{
		ChunkSize:                 c.Incremental.ChunkSize,
		MaxChunks:                 c.Incremental.MaxChunks,
		EarlyTerminationThreshold: c.Incremental.EarlyTerminationThreshold,
		MeanTerminationThreshold:  c.Incremental.MeanTerminationThreshold,
		ThreatThreshold:           c.Incremental.ThreatThreshold,
		CheckpointTTL:             c.Incremental.CheckpointTTL,
		Families:                  c.Incremental.Families,
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envOrDefaultDuration accepts Go duration strings ("250ms") or a bare
// number of milliseconds.
func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
