// Package config handles salmon experiment configuration.
//
// Configuration comes from a YAML file, with SALMON_* environment variables
// overriding individual fields. Validate checks both struct constraints and
// the names of samplers, noise models, optimizers, dampers and scorers before
// anything is built.
//
// Example Usage:
//
//	cfg, err := config.Load("experiment.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	specs, err := cfg.Specs()
//
// Environment Variables:
//   - SALMON_DATA_DIR="./data"
//   - SALMON_N=30, SALMON_D=2, SALMON_R=10, SALMON_SEED=42
//   - SALMON_STORE_IN_MEMORY=false, SALMON_SYNC_WRITES=false
//   - SALMON_CHECKPOINT_INTERVAL=60s, SALMON_SEARCH_TIMEOUT=30s
//   - SALMON_PUBLISH_CHUNK=1000, SALMON_NUM_QUERIES=10000
//   - SALMON_LOG_LEVEL=info, SALMON_LOG_FORMAT=text, SALMON_LOG_OUTPUT=stderr
//   - SALMON_METRICS_ADDR=":9090"
//   - SALMON_MEMORY_LIMIT="2GB", SALMON_GC_PERCENT=100
//   - SALMON_POOL_ENABLED=true, SALMON_POOL_MAX_SIZE=65536
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stsievert/salmon-sub000/pkg/embedding"
	"github.com/stsievert/salmon-sub000/pkg/engine"
	"github.com/stsievert/salmon-sub000/pkg/logging"
	"github.com/stsievert/salmon-sub000/pkg/noise"
	"github.com/stsievert/salmon-sub000/pkg/pool"
	"github.com/stsievert/salmon-sub000/pkg/posterior"
	"github.com/stsievert/salmon-sub000/pkg/runner"
	"github.com/stsievert/salmon-sub000/pkg/sampler"
	"github.com/stsievert/salmon-sub000/pkg/triplet"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config holds a whole experiment.
//
// Configuration is organized into logical sections:
//   - Experiment: items, embedding dimension, exploration budget, seed
//   - Samplers: one entry per sampler identity, plus serving weights
//   - Runner: iteration timing and publish batching
//   - Store: badger location and durability
//   - Logging, Metrics, Memory: process-level settings
type Config struct {
	DataDir string `yaml:"data_dir"`

	// N is the number of items. When Targets is set and N is zero, N is
	// len(Targets).
	N int `yaml:"n" validate:"gte=0"`
	// Targets optionally names the items, index i naming item i.
	Targets []string `yaml:"targets,omitempty"`
	D       int      `yaml:"d" validate:"gte=1,lte=64"`
	R       float64  `yaml:"R" validate:"gt=0"`
	Seed    uint64   `yaml:"seed"`

	Samplers map[string]SamplerConfig `yaml:"samplers" validate:"required,min=1,dive"`
	// SamplerWeights sets the share of requests each sampler serves.
	// Missing samplers get weight 1.
	SamplerWeights map[string]float64 `yaml:"sampler_weights,omitempty"`

	Runner  runner.Config   `yaml:"runner"`
	Engine  EngineConfig    `yaml:"engine"`
	Store   StoreConfig     `yaml:"store"`
	Logging logging.Options `yaml:"logging"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Memory  MemoryConfig    `yaml:"memory"`
}

// SamplerConfig configures one sampler identity. Zero values fall back to
// the experiment-level settings or the sampler's own defaults.
type SamplerConfig struct {
	Class string `yaml:"class" validate:"required"`
	Seed  uint64 `yaml:"seed,omitempty"`
	// Items restricts the sampler to a subset of item indices.
	Items []int `yaml:"items,omitempty" validate:"omitempty,unique"`

	// RoundRobin
	PerParticipant  bool          `yaml:"per_participant,omitempty"`
	MaxParticipants int           `yaml:"max_participants,omitempty" validate:"gte=0"`
	ParticipantTTL  time.Duration `yaml:"participant_ttl,omitempty" validate:"gte=0"`

	// Validation
	Queries    [][3]int `yaml:"queries,omitempty"`
	NumQueries int      `yaml:"num_queries,omitempty" validate:"gte=0"`

	// Adaptive family
	D            int                  `yaml:"d,omitempty" validate:"gte=0,lte=64"`
	R            float64              `yaml:"R,omitempty" validate:"gte=0"`
	Scorer       string               `yaml:"scorer,omitempty"`
	Noise        string               `yaml:"noise_model,omitempty"`
	NoiseParams  noise.Params         `yaml:"noise_params,omitempty"`
	Optimizer    string               `yaml:"optimizer,omitempty"`
	LearningRate float64              `yaml:"learning_rate,omitempty" validate:"gte=0"`
	Momentum     float64              `yaml:"momentum,omitempty" validate:"gte=0,lt=1"`
	Damper       string               `yaml:"damper,omitempty"`
	Damp         embedding.DampParams `yaml:"damp,omitempty"`
	SearchMin    int                  `yaml:"search_min,omitempty" validate:"gte=0"`
	SearchMax    int                  `yaml:"search_max,omitempty" validate:"gte=0"`
	FitBudget    time.Duration        `yaml:"fit_budget,omitempty"`
	MaxHistory   int                  `yaml:"max_history,omitempty" validate:"gte=0"`

	// ARR
	NTop   int `yaml:"n_top,omitempty" validate:"gte=0"`
	Filler int `yaml:"filler,omitempty" validate:"gte=0"`

	// SRR
	DirectSearch int `yaml:"direct_search,omitempty" validate:"gte=0"`
}

// EngineConfig holds request-serving settings.
type EngineConfig struct {
	// DirectRate limits on-demand SRR searches per second; zero is unlimited.
	DirectRate  float64 `yaml:"direct_rate" validate:"gte=0"`
	DirectBurst int     `yaml:"direct_burst" validate:"gte=0"`
}

// StoreConfig selects where queries, answers and checkpoints live.
type StoreConfig struct {
	InMemory   bool `yaml:"in_memory"`
	SyncWrites bool `yaml:"sync_writes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables it.
	Addr string `yaml:"addr"`
}

// MemoryConfig tunes the Go runtime and buffer pooling.
type MemoryConfig struct {
	// RuntimeLimit is the soft memory limit (GOMEMLIMIT), e.g. "2GB".
	// "0" or "unlimited" leaves it to the runtime.
	RuntimeLimit string `yaml:"runtime_limit"`
	// GCPercent controls GC aggressiveness (GOGC). 100 is the Go default.
	GCPercent int `yaml:"gc_percent" validate:"gte=-1"`
	// PoolEnabled controls pooling of scoring buffers.
	PoolEnabled bool `yaml:"pool_enabled"`
	// PoolMaxSize is the largest buffer length kept in a pool.
	PoolMaxSize int `yaml:"pool_max_size" validate:"gte=0"`
}

// DefaultConfig returns a small experiment with one adaptive and one random
// sampler.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		N:       30,
		D:       2,
		R:       10,
		Seed:    42,
		Samplers: map[string]SamplerConfig{
			"random":   {Class: "Random"},
			"adaptive": {Class: "Adaptive", Noise: "TSTE", Scorer: string(posterior.InfoGain), Optimizer: "sgd", Damper: "padadampg"},
		},
		Runner:  runner.DefaultConfig(),
		Logging: logging.Options{Level: "info", Format: "text", Output: "stderr"},
		Memory: MemoryConfig{
			RuntimeLimit: "0",
			GCPercent:    100,
			PoolEnabled:  true,
			PoolMaxSize:  1 << 16,
		},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path uses defaults and the environment only.
// Unknown YAML fields are an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// A file that lists samplers replaces the default set.
	defaults := c.Samplers
	c.Samplers = nil
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if c.Samplers == nil {
		c.Samplers = defaults
	}
	return nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv overrides fields from SALMON_* environment variables.
func (c *Config) ApplyEnv() {
	c.DataDir = getEnv("SALMON_DATA_DIR", c.DataDir)
	c.N = getEnvInt("SALMON_N", c.N)
	c.D = getEnvInt("SALMON_D", c.D)
	c.R = getEnvFloat("SALMON_R", c.R)
	c.Seed = getEnvUint("SALMON_SEED", c.Seed)

	c.Store.InMemory = getEnvBool("SALMON_STORE_IN_MEMORY", c.Store.InMemory)
	c.Store.SyncWrites = getEnvBool("SALMON_SYNC_WRITES", c.Store.SyncWrites)

	c.Runner.CheckpointInterval = getEnvDuration("SALMON_CHECKPOINT_INTERVAL", c.Runner.CheckpointInterval)
	c.Runner.SearchTimeout = getEnvDuration("SALMON_SEARCH_TIMEOUT", c.Runner.SearchTimeout)
	c.Runner.PublishChunk = getEnvInt("SALMON_PUBLISH_CHUNK", c.Runner.PublishChunk)
	c.Runner.NumQueries = getEnvInt("SALMON_NUM_QUERIES", c.Runner.NumQueries)

	c.Logging.Level = getEnv("SALMON_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("SALMON_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("SALMON_LOG_OUTPUT", c.Logging.Output)

	c.Metrics.Addr = getEnv("SALMON_METRICS_ADDR", c.Metrics.Addr)

	c.Memory.RuntimeLimit = getEnv("SALMON_MEMORY_LIMIT", c.Memory.RuntimeLimit)
	c.Memory.GCPercent = getEnvInt("SALMON_GC_PERCENT", c.Memory.GCPercent)
	c.Memory.PoolEnabled = getEnvBool("SALMON_POOL_ENABLED", c.Memory.PoolEnabled)
	c.Memory.PoolMaxSize = getEnvInt("SALMON_POOL_MAX_SIZE", c.Memory.PoolMaxSize)
}

// Items returns the number of items, taking Targets into account.
func (c *Config) Items() int {
	if c.N == 0 {
		return len(c.Targets)
	}
	return c.N
}

// Validate checks the configuration before any sampler is built.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	n := c.Items()
	if n < 3 {
		return fmt.Errorf("%w: need at least 3 items, got %d", ErrInvalidConfig, n)
	}
	if len(c.Targets) > 0 && len(c.Targets) != n {
		return fmt.Errorf("%w: %d targets for n=%d", ErrInvalidConfig, len(c.Targets), n)
	}
	if parseMemorySize(c.Memory.RuntimeLimit) < 0 {
		return fmt.Errorf("%w: negative memory limit %q", ErrInvalidConfig, c.Memory.RuntimeLimit)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	for name, w := range c.SamplerWeights {
		if _, ok := c.Samplers[name]; !ok {
			return fmt.Errorf("%w: weight for unknown sampler %q", ErrInvalidConfig, name)
		}
		if w < 0 {
			return fmt.Errorf("%w: sampler %q has negative weight", ErrInvalidConfig, name)
		}
	}
	for _, name := range c.samplerNames() {
		if err := c.Samplers[name].check(n); err != nil {
			return fmt.Errorf("%w: sampler %q: %w", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

func (s SamplerConfig) check(n int) error {
	if !slices.Contains(sampler.Classes(), strings.ToLower(s.Class)) {
		return fmt.Errorf("%w: %q", sampler.ErrUnknownSampler, s.Class)
	}
	if s.Noise != "" {
		if _, err := noise.New(s.Noise, s.NoiseParams); err != nil {
			return err
		}
	}
	if s.Optimizer != "" && !slices.Contains(embedding.OptimizerNames(), strings.ToLower(s.Optimizer)) {
		return fmt.Errorf("%w: %q", embedding.ErrUnknownOptimizer, s.Optimizer)
	}
	if s.Damper != "" && !slices.Contains(embedding.DamperNames(), strings.ToLower(s.Damper)) {
		return fmt.Errorf("%w: %q", embedding.ErrUnknownDamper, s.Damper)
	}
	switch posterior.Kind(strings.ToLower(s.Scorer)) {
	case "", posterior.InfoGain, posterior.Uncertainty:
	default:
		return fmt.Errorf("%w: %q", posterior.ErrUnknownKind, s.Scorer)
	}
	if len(s.Items) > 0 {
		if _, err := triplet.NewItemSet(n, s.Items); err != nil {
			return err
		}
	}
	seen := make(map[[3]int]bool, len(s.Queries))
	for _, q := range s.Queries {
		query := triplet.Query{Head: q[0], Left: q[1], Right: q[2]}
		if err := query.Validate(n); err != nil {
			return err
		}
		if seen[query.Key()] {
			return fmt.Errorf("duplicate validation query %v", query)
		}
		seen[query.Key()] = true
	}
	if s.SearchMax > 0 && s.SearchMin > s.SearchMax {
		return fmt.Errorf("search_min %d exceeds search_max %d", s.SearchMin, s.SearchMax)
	}
	return nil
}

func (c *Config) samplerNames() []string {
	names := make([]string, 0, len(c.Samplers))
	for name := range c.Samplers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs converts the sampler section into engine specs, sorted by name.
func (c *Config) Specs() ([]engine.SamplerSpec, error) {
	n := c.Items()
	specs := make([]engine.SamplerSpec, 0, len(c.Samplers))
	for i, name := range c.samplerNames() {
		s := c.Samplers[name]
		var items *triplet.ItemSet
		if len(s.Items) > 0 {
			var err error
			if items, err = triplet.NewItemSet(n, s.Items); err != nil {
				return nil, fmt.Errorf("%w: sampler %q: %w", ErrInvalidConfig, name, err)
			}
		}
		queries := make([]triplet.Query, len(s.Queries))
		for j, q := range s.Queries {
			queries[j] = triplet.Query{Head: q[0], Left: q[1], Right: q[2]}
		}
		seed := s.Seed
		if seed == 0 {
			seed = c.Seed + uint64(i) + 1
		}
		d, r := s.D, s.R
		if d == 0 {
			d = c.D
		}
		if r == 0 {
			r = c.R
		}
		w, ok := c.SamplerWeights[name]
		if !ok {
			w = 1
		}
		specs = append(specs, engine.SamplerSpec{
			Weight: w,
			Options: sampler.Options{
				Name:            name,
				Class:           s.Class,
				N:               n,
				Items:           items,
				Seed:            seed,
				PerParticipant:  s.PerParticipant,
				MaxParticipants: s.MaxParticipants,
				ParticipantTTL:  s.ParticipantTTL,
				Queries:         queries,
				NumQueries:      s.NumQueries,
				D:               d,
				R:               r,
				Scorer:          posterior.Kind(strings.ToLower(s.Scorer)),
				Noise:           s.Noise,
				NoiseParams:     s.NoiseParams,
				Embedding: embedding.Config{
					Optimizer:    s.Optimizer,
					LearningRate: s.LearningRate,
					Momentum:     s.Momentum,
					Damper:       s.Damper,
					Damp:         s.Damp,
				},
				SearchMin:    s.SearchMin,
				SearchMax:    s.SearchMax,
				FitBudget:    s.FitBudget,
				MaxHistory:   s.MaxHistory,
				NTop:         s.NTop,
				Filler:       s.Filler,
				DirectSearch: s.DirectSearch,
			},
		})
	}
	return specs, nil
}

// EngineOptions builds engine options with the given logger.
func (c *Config) EngineOptions(log *logging.Logger) engine.Options {
	return engine.Options{
		Runner:      c.Runner,
		DirectRate:  c.Engine.DirectRate,
		DirectBurst: c.Engine.DirectBurst,
		Seed:        c.Seed,
		Logger:      log,
	}
}

// String returns a short summary safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{n: %d, d: %d, R: %g, samplers: %s, data: %s, in_memory: %v}",
		c.Items(), c.D, c.R, strings.Join(c.samplerNames(), ","), c.DataDir, c.Store.InMemory)
}

// ApplyRuntime applies the memory limit, GC percent and pool settings.
// Call it early in main, before heavy allocation.
func (m *MemoryConfig) ApplyRuntime() {
	if limit := parseMemorySize(m.RuntimeLimit); limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	if m.GCPercent != 100 && m.GCPercent != 0 {
		debug.SetGCPercent(m.GCPercent)
	}
	pool.Configure(pool.PoolConfig{Enabled: m.PoolEnabled, MaxSize: m.PoolMaxSize})
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseUint(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"K", 1 << 10}, {"M", 1 << 20}, {"G", 1 << 30}, {"T", 1 << 40}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSuffix(s, unit.suffix)
			break
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as a human-readable string.
func FormatMemorySize(size int64) string {
	units := []string{"KB", "MB", "GB", "TB"}
	if size < 1<<10 {
		return fmt.Sprintf("%d B", size)
	}
	v := float64(size) / (1 << 10)
	i := 0
	for v >= 1<<10 && i < len(units)-1 {
		v /= 1 << 10
		i++
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}
