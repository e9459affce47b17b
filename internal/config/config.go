// Package config loads process configuration: defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	EngineOpenAI = "openai"
	EngineEcho   = "echo"
)

type Config struct {
	Port   string       `yaml:"port"`
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
	Worker WorkerConfig `yaml:"worker"`
	HTTP   HTTPConfig   `yaml:"http"`
}

type StoreConfig struct {
	Backend          string `yaml:"backend"` // redis, memory
	RedisURL         string `yaml:"redis_url"`
	Prefix           string `yaml:"prefix"`
	ResultTTLSeconds int    `yaml:"result_ttl_seconds"`
	CacheTTLSeconds  int    `yaml:"cache_ttl_seconds"`
}

func (s StoreConfig) ResultTTL() time.Duration {
	return time.Duration(s.ResultTTLSeconds) * time.Second
}

func (s StoreConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

type EngineConfig struct {
	Kind            string   `yaml:"kind"` // openai, echo
	Model           string   `yaml:"model"`
	BaseURL         string   `yaml:"base_url"`
	APIKey          string   `yaml:"api_key"`
	Stream          bool     `yaml:"stream"`
	UpstreamTimeout Duration `yaml:"upstream_timeout"`
}

type WorkerConfig struct {
	Concurrency int      `yaml:"concurrency"`
	PollTimeout Duration `yaml:"poll_timeout"`
	JobTimeout  Duration `yaml:"job_timeout"`
	MetricsAddr string   `yaml:"metrics_addr"`
}

type HTTPConfig struct {
	RequestTimeout    Duration `yaml:"request_timeout"`
	StreamIdleTimeout Duration `yaml:"stream_idle_timeout"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes"`
	CORSOrigins       []string `yaml:"cors_origins"`
}

// Duration reads "90s"-style strings or bare seconds from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port: "8000",
		Store: StoreConfig{
			Backend:          BackendRedis,
			RedisURL:         "redis://localhost:6379/0",
			ResultTTLSeconds: 86400,
			CacheTTLSeconds:  86400,
		},
		Engine: EngineConfig{
			Kind:            EngineOpenAI,
			Model:           "meta-llama/Llama-3.2-3B",
			BaseURL:         "http://localhost:8001",
			Stream:          true,
			UpstreamTimeout: Duration(5 * time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency: 1,
			PollTimeout: Duration(5 * time.Second),
			JobTimeout:  Duration(10 * time.Minute),
			MetricsAddr: ":9100",
		},
		HTTP: HTTPConfig{
			RequestTimeout:    Duration(15 * time.Second),
			StreamIdleTimeout: Duration(5 * time.Minute),
			MaxBodyBytes:      1 << 20,
			CORSOrigins:       []string{"*"},
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnvOverrides(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = Duration(d)
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("PORT", &c.Port)

	str("BACKEND", &c.Store.Backend)
	str("REDIS_URL", &c.Store.RedisURL)
	str("REDIS_PREFIX", &c.Store.Prefix)
	num("RESULT_TTL_SECONDS", &c.Store.ResultTTLSeconds)
	num("CACHE_TTL_SECONDS", &c.Store.CacheTTLSeconds)

	str("ENGINE", &c.Engine.Kind)
	str("MODEL_NAME", &c.Engine.Model)
	str("LLM_BASE_URL", &c.Engine.BaseURL)
	str("LLM_API_KEY", &c.Engine.APIKey)
	flag("LLM_STREAM", &c.Engine.Stream)
	dur("LLM_TIMEOUT", &c.Engine.UpstreamTimeout)

	num("WORKER_CONCURRENCY", &c.Worker.Concurrency)
	dur("QUEUE_POLL_TIMEOUT", &c.Worker.PollTimeout)
	dur("JOB_TIMEOUT", &c.Worker.JobTimeout)
	str("WORKER_METRICS_ADDR", &c.Worker.MetricsAddr)

	dur("REQUEST_TIMEOUT", &c.HTTP.RequestTimeout)
	dur("STREAM_IDLE_TIMEOUT", &c.HTTP.StreamIdleTimeout)
	if v, ok := lookup("CORS_ORIGINS"); ok && v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}

	return errors.Join(errs...)
}

// parseDuration accepts Go duration strings and bare seconds ("30").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.ResultTTLSeconds <= 0 {
		errs = append(errs, errors.New("store.result_ttl_seconds must be positive"))
	}
	if c.Store.CacheTTLSeconds <= 0 {
		errs = append(errs, errors.New("store.cache_ttl_seconds must be positive"))
	}

	switch c.Engine.Kind {
	case EngineOpenAI:
		if c.Engine.BaseURL == "" {
			errs = append(errs, errors.New("engine.base_url is required for the openai engine"))
		}
	case EngineEcho:
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine.Kind))
	}
	if c.Engine.Model == "" {
		errs = append(errs, errors.New("engine.model is required"))
	}

	if c.Worker.Concurrency < 0 {
		errs = append(errs, errors.New("worker.concurrency must not be negative"))
	}
	if c.Worker.PollTimeout < 0 || c.Worker.JobTimeout < 0 {
		errs = append(errs, errors.New("worker timeouts must not be negative"))
	}
	if c.HTTP.RequestTimeout < 0 || c.HTTP.StreamIdleTimeout < 0 {
		errs = append(errs, errors.New("http timeouts must not be negative"))
	}

	return errors.Join(errs...)
}
