// Package config loads the pipeline configuration from YAML, environment
// variables and defaults, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/congress"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/llm"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/scheduler"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/validator"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "BILLNEWS_CONFIG"

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Duration is a time.Duration that reads Go duration strings ("5s") or
// plain seconds from YAML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return v, nil
}

// Config is the full pipeline configuration.
type Config struct {
	// Backend selects the state store and queue implementation: sqlite or redis.
	Backend string   `yaml:"backend"`
	Bills   []string `yaml:"bills"`

	Queue       QueueConfig       `yaml:"queue"`
	Store       StoreConfig       `yaml:"store"`
	LLM         LLMConfig         `yaml:"llm"`
	Workers     WorkersConfig     `yaml:"workers"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Congress    CongressConfig    `yaml:"congress"`
	Validator   ValidatorConfig   `yaml:"validator"`
	Output      OutputConfig      `yaml:"output"`
	API         APIConfig         `yaml:"api"`
	Log         LogConfig         `yaml:"log"`
}

// QueueConfig configures the message queue.
type QueueConfig struct {
	URL               string   `yaml:"url"`
	VisibilityTimeout Duration `yaml:"visibility_timeout"`
	MaxDeliveries     int      `yaml:"max_deliveries"`
	RetryDelay        Duration `yaml:"retry_delay"`
}

// StoreConfig configures the state store.
type StoreConfig struct {
	URL        string `yaml:"url"`
	SQLitePath string `yaml:"sqlite_path"`
	TTLHours   int    `yaml:"ttl_hours"`
}

// TTL returns the state TTL.
func (s StoreConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// LLMConfig configures the generation client.
type LLMConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	Model             string   `yaml:"model"`
	APIKey            string   `yaml:"api_key"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
}

// WorkersConfig sets worker counts and concurrency.
type WorkersConfig struct {
	MaxConcurrentSubtasks int      `yaml:"max_concurrent_subtasks"`
	Subtask               int      `yaml:"subtask"`
	Validator             int      `yaml:"validator"`
	Aggregator            int      `yaml:"aggregator"`
	AggregateClaim        bool     `yaml:"aggregate_claim"`
	Heartbeat             Duration `yaml:"heartbeat"`
	// ShutdownGrace bounds how long stopping workers wait for in-flight
	// tasks. Zero waits for them to finish.
	ShutdownGrace         Duration `yaml:"shutdown_grace"`
}

// CoordinatorConfig configures polling and timeouts.
type CoordinatorConfig struct {
	PollInterval       Duration `yaml:"poll_interval"`
	ProgressInterval   Duration `yaml:"progress_interval"`
	HardTimeout        Duration `yaml:"hard_timeout"`
	RetrySweepInterval Duration `yaml:"retry_sweep_interval"`
	TargetCount        int      `yaml:"target_count"`
}

// CongressConfig configures the bill data client.
type CongressConfig struct {
	APIKey   string   `yaml:"api_key"`
	BaseURL  string   `yaml:"base_url"`
	CacheDir string   `yaml:"cache_dir"`
	CacheTTL Duration `yaml:"cache_ttl"`
	Congress string   `yaml:"congress"`
}

// ValidatorConfig configures reference checking.
type ValidatorConfig struct {
	Timeout    Duration `yaml:"timeout"`
	Attempts   int      `yaml:"attempts"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// OutputConfig sets where artifacts and the run summary are written.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultSQLitePath is ~/.billnews/billnews.db, or a relative path when the
// home directory is unknown.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".billnews", "billnews.db")
	}
	return filepath.Join(home, ".billnews", "billnews.db")
}

// Default returns the default configuration.
func Default() *Config {
	cong := congress.DefaultConfig()
	val := validator.DefaultConfig()
	sch := scheduler.DefaultConfig()
	return &Config{
		Backend: BackendSQLite,
		Bills:   append([]string(nil), models.TargetBills...),
		Queue: QueueConfig{
			URL:               "redis://localhost:6379/0",
			VisibilityTimeout: Duration(5 * time.Minute),
			MaxDeliveries:     sch.MaxDeliveries,
			RetryDelay:        Duration(sch.RetryDelay),
		},
		Store: StoreConfig{
			URL:        "redis://localhost:6379/0",
			SQLitePath: DefaultSQLitePath(),
			TTLHours:   24,
		},
		LLM: LLMConfig{
			Endpoint:          "http://localhost:11434/v1/chat/completions",
			Model:             "qwen2.5:7b",
			APIKey:            "ollama",
			Timeout:           Duration(180 * time.Second),
			RequestsPerMinute: 120,
		},
		Workers: WorkersConfig{
			MaxConcurrentSubtasks: sch.MaxConcurrent,
			Subtask:               2,
			Validator:             1,
			Aggregator:            1,
			AggregateClaim:        true,
			Heartbeat:             Duration(10 * time.Second),
			ShutdownGrace:         Duration(sch.ShutdownGrace),
		},
		Coordinator: CoordinatorConfig{
			PollInterval:     Duration(2 * time.Second),
			ProgressInterval: Duration(5 * time.Second),
			HardTimeout:      Duration(1800 * time.Second),
		},
		Congress: CongressConfig{
			BaseURL:  cong.BaseURL,
			CacheDir: cong.CacheDir,
			CacheTTL: Duration(cong.CacheTTL),
			Congress: cong.Congress,
		},
		Validator: ValidatorConfig{
			Timeout:    Duration(val.Timeout),
			Attempts:   val.Attempts,
			RetryDelay: Duration(val.RetryDelay),
		},
		Output: OutputConfig{Dir: "output"},
		API:    APIConfig{Listen: "127.0.0.1:7466"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path falls back to $BILLNEWS_CONFIG; a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", key, v)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = Duration(d)
		}
		return nil
	}

	str("BILLNEWS_BACKEND", &c.Backend)
	str("QUEUE_URL", &c.Queue.URL)
	str("STATE_STORE_URL", &c.Store.URL)
	str("BILLNEWS_DB", &c.Store.SQLitePath)
	str("LLM_MODEL", &c.LLM.Model)
	str("LLM_ENDPOINT", &c.LLM.Endpoint)
	str("LLM_API_KEY", &c.LLM.APIKey)
	str("CONGRESS_API_KEY", &c.Congress.APIKey)
	str("OUTPUT_DIR", &c.Output.Dir)
	str("BILLNEWS_LISTEN", &c.API.Listen)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("BILLNEWS_BILLS"); ok && v != "" {
		var bills []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				bills = append(bills, b)
			}
		}
		c.Bills = bills
	}

	for _, f := range []func() error{
		func() error { return num("MAX_CONCURRENT_SUBTASKS", &c.Workers.MaxConcurrentSubtasks) },
		func() error { return num("TTL_HOURS", &c.Store.TTLHours) },
		func() error { return num("TARGET_COUNT", &c.Coordinator.TargetCount) },
		func() error { return dur("LLM_TIMEOUT", &c.LLM.Timeout) },
		func() error { return dur("POLL_INTERVAL", &c.Coordinator.PollInterval) },
		func() error { return dur("HARD_TIMEOUT_SECONDS", &c.Coordinator.HardTimeout) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Queue.URL == "" || c.Store.URL == "" {
			return fmt.Errorf("queue.url and store.url are required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid backend %q, must be: sqlite or redis", c.Backend)
	}
	if len(c.Bills) == 0 {
		return fmt.Errorf("at least one bill is required")
	}
	if c.Workers.MaxConcurrentSubtasks < 1 {
		return fmt.Errorf("workers.max_concurrent_subtasks must be at least 1")
	}
	if c.Workers.Subtask < 0 || c.Workers.Validator < 0 || c.Workers.Aggregator < 0 {
		return fmt.Errorf("worker counts cannot be negative")
	}
	if c.Coordinator.PollInterval <= 0 {
		return fmt.Errorf("coordinator.poll_interval must be positive")
	}
	if c.Coordinator.HardTimeout <= 0 {
		return fmt.Errorf("coordinator.hard_timeout must be positive")
	}
	if c.Coordinator.TargetCount < 0 {
		return fmt.Errorf("coordinator.target_count cannot be negative")
	}
	if c.Store.TTLHours < 1 {
		return fmt.Errorf("store.ttl_hours must be at least 1")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive")
	}
	return nil
}

// SchedulerConfig builds the consume-loop settings for a worker running at
// most maxConcurrent handlers. A shutdown grace shorter than the LLM timeout
// is raised to it so a pending generation call is never cut short.
func (c *Config) SchedulerConfig(maxConcurrent int) *scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.MaxConcurrent = maxConcurrent
	cfg.MaxDeliveries = c.Queue.MaxDeliveries
	cfg.RetryDelay = c.Queue.RetryDelay.D()
	cfg.ShutdownGrace = c.Workers.ShutdownGrace.D()
	if cfg.ShutdownGrace > 0 && cfg.ShutdownGrace < c.LLM.Timeout.D() {
		cfg.ShutdownGrace = c.LLM.Timeout.D()
	}
	return cfg
}

// CoordinatorConfig builds the coordinator settings.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		PollInterval:       c.Coordinator.PollInterval.D(),
		ProgressInterval:   c.Coordinator.ProgressInterval.D(),
		HardTimeout:        c.Coordinator.HardTimeout.D(),
		RetrySweepInterval: c.Coordinator.RetrySweepInterval.D(),
		TargetCount:        c.Coordinator.TargetCount,
	}
}

// LLMConfig builds the generation client settings.
func (c *Config) LLMConfig() llm.Config {
	cfg := llm.DefaultConfig()
	cfg.Endpoint = c.LLM.Endpoint
	cfg.Model = c.LLM.Model
	cfg.APIKey = c.LLM.APIKey
	cfg.Timeout = c.LLM.Timeout.D()
	if c.LLM.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = c.LLM.RequestsPerMinute
	}
	return cfg
}

// CongressConfig builds the bill data client settings.
func (c *Config) CongressConfig() congress.Config {
	cfg := congress.DefaultConfig()
	cfg.APIKey = c.Congress.APIKey
	if c.Congress.BaseURL != "" {
		cfg.BaseURL = c.Congress.BaseURL
	}
	cfg.CacheDir = c.Congress.CacheDir
	cfg.CacheTTL = c.Congress.CacheTTL.D()
	if c.Congress.Congress != "" {
		cfg.Congress = c.Congress.Congress
	}
	return cfg
}

// ValidatorConfig builds the reference checker settings.
func (c *Config) ValidatorConfig() validator.Config {
	cfg := validator.DefaultConfig()
	cfg.Timeout = c.Validator.Timeout.D()
	if c.Validator.Attempts > 0 {
		cfg.Attempts = c.Validator.Attempts
	}
	cfg.RetryDelay = c.Validator.RetryDelay.D()
	return cfg
}

// Save writes cfg as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
