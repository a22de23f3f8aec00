package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Pool    PoolConfig    `json:"pool"`
	Checker CheckerConfig `json:"checker"`
	Fetcher FetcherConfig `json:"fetcher"`
	Runner  RunnerConfig  `json:"runner"`
	API     APIConfig     `json:"api"`
	Storage StorageConfig `json:"storage"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

type PoolConfig struct {
	MinSize          int      `json:"min_size"`
	MaxSize          int      `json:"max_size"`
	DebounceMs       int      `json:"debounce_ms"`
	WaitMs           int      `json:"wait_ms"`
	SeenTTLSeconds   int      `json:"seen_ttl_seconds"` // 0 keeps dropped proxies excluded forever
	Sources          []Source `json:"sources"`
	SourceTimeoutMs  int      `json:"source_timeout_ms"`
	UserAgent        string   `json:"user_agent"`
	SnapshotInterval int      `json:"snapshot_interval_seconds"`
}

type Source struct {
	URL     string `json:"url"`
	Type    string `json:"type"` // "text" or "html"
	Enabled bool   `json:"enabled"`
}

type CheckerConfig struct {
	TimeoutMs             int      `json:"timeout_ms"`
	ValidationURLs        []string `json:"validation_urls"`
	TargetProbeURL        string   `json:"target_probe_url"`
	DisableTargetProbe    bool     `json:"disable_target_probe"`
	Scheme                string   `json:"scheme"` // "http" or "socks5"
	Concurrency           int      `json:"concurrency"`
	EnableFastFilter      bool     `json:"enable_fast_filter"`
	FastFilterTimeoutMs   int      `json:"fast_filter_timeout_ms"`
	FastFilterConcurrency int      `json:"fast_filter_concurrency"`
}

type FetcherConfig struct {
	CacheDir          string  `json:"cache_dir"`
	MaxRetries        int     `json:"max_retries"`
	TimeoutMs         int     `json:"timeout_ms"`
	BackoffMs         int     `json:"backoff_ms"`
	NoProxySleepMs    int     `json:"no_proxy_sleep_ms"`
	UserAgent         string  `json:"user_agent"`
	RequestsPerSecond float64 `json:"requests_per_second"` // per target host, 0 disables pacing
}

type RunnerConfig struct {
	MaxWorkers int    `json:"max_workers"`
	ResumeFile string `json:"resume_file"`
}

type APIConfig struct {
	Addr               string `json:"addr"`
	APIKeyEnv          string `json:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type string `json:"type"` // "file", "sqlite", "redis", "none"
	Path string `json:"path"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	Namespace string `json:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

var DefaultSources = []Source{
	{URL: "https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=7000&country=all&ssl=all&anonymity=all", Type: "text", Enabled: true},
	{URL: "https://www.proxyscan.io/download?type=http", Type: "text", Enabled: true},
	{URL: "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt", Type: "text", Enabled: true},
}

var DefaultValidationURLs = []string{
	"https://api.ipify.org",
	"https://checkip.amazonaws.com",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
	"https://ip.seeip.org",
	"https://www.google.com/generate_204",
}

const (
	DefaultTargetProbeURL = "https://fbref.com/robots.txt"
	DefaultUserAgent      = "Mozilla/5.0"
)

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Default returns a configuration with every default applied and no file behind it.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a JSON file. An empty path means defaults only.
// A .env file in the working directory, if present, is loaded before env overrides apply.
func Load(filePath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	globalConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Pool.MinSize == 0 {
		c.Pool.MinSize = 100
	}
	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = 500
	}
	if c.Pool.DebounceMs == 0 {
		c.Pool.DebounceMs = 2000
	}
	if c.Pool.WaitMs == 0 {
		c.Pool.WaitMs = 5000
	}
	if len(c.Pool.Sources) == 0 {
		c.Pool.Sources = append([]Source(nil), DefaultSources...)
	}
	if c.Pool.SourceTimeoutMs == 0 {
		c.Pool.SourceTimeoutMs = 10000
	}
	if c.Pool.UserAgent == "" {
		c.Pool.UserAgent = DefaultUserAgent
	}
	if c.Pool.SnapshotInterval == 0 {
		c.Pool.SnapshotInterval = 300
	}
	if c.Checker.TimeoutMs == 0 {
		c.Checker.TimeoutMs = 7000
	}
	if len(c.Checker.ValidationURLs) == 0 {
		c.Checker.ValidationURLs = append([]string(nil), DefaultValidationURLs...)
	}
	if c.Checker.TargetProbeURL == "" && !c.Checker.DisableTargetProbe {
		c.Checker.TargetProbeURL = DefaultTargetProbeURL
	}
	if c.Checker.Scheme == "" {
		c.Checker.Scheme = "http"
	}
	if c.Checker.Concurrency == 0 {
		c.Checker.Concurrency = 50
	}
	if c.Checker.FastFilterTimeoutMs == 0 {
		c.Checker.FastFilterTimeoutMs = 2000
	}
	if c.Checker.FastFilterConcurrency == 0 {
		c.Checker.FastFilterConcurrency = 200
	}
	if c.Fetcher.CacheDir == "" {
		c.Fetcher.CacheDir = "data/html_cache"
	}
	if c.Fetcher.MaxRetries == 0 {
		c.Fetcher.MaxRetries = 3
	}
	if c.Fetcher.TimeoutMs == 0 {
		c.Fetcher.TimeoutMs = 7000
	}
	if c.Fetcher.BackoffMs == 0 {
		c.Fetcher.BackoffMs = 200
	}
	if c.Fetcher.NoProxySleepMs == 0 {
		c.Fetcher.NoProxySleepMs = 1000
	}
	if c.Fetcher.UserAgent == "" {
		c.Fetcher.UserAgent = DefaultUserAgent
	}
	if c.Runner.MaxWorkers == 0 {
		c.Runner.MaxWorkers = 20
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8083"
	}
	if c.API.APIKeyEnv == "" {
		c.API.APIKeyEnv = "PFC_API_KEY"
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = 1200
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/pool_snapshot.json"
	}
	if c.Metrics.Endpoint == "" {
		c.Metrics.Endpoint = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "proxycache"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnv lets a handful of PFC_* variables override the file.
func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("PFC_CACHE_DIR"); ok && v != "" {
		c.Fetcher.CacheDir = v
	}
	if v, ok := lookupInt("PFC_MAX_WORKERS"); ok {
		c.Runner.MaxWorkers = v
	}
	if v, ok := lookupInt("PFC_POOL_MIN_SIZE"); ok {
		c.Pool.MinSize = v
	}
	if v, ok := lookupInt("PFC_POOL_MAX_SIZE"); ok {
		c.Pool.MaxSize = v
	}
	if v, ok := os.LookupEnv("PFC_STORAGE_TYPE"); ok && v != "" {
		c.Storage.Type = v
	}
	if v, ok := os.LookupEnv("PFC_STORAGE_PATH"); ok && v != "" {
		c.Storage.Path = v
	}
	if v, ok := os.LookupEnv("PFC_API_ADDR"); ok && v != "" {
		c.API.Addr = v
	}
	if v, ok := os.LookupEnv("PFC_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv("PFC_TARGET_PROBE_URL"); ok && v != "" {
		c.Checker.TargetProbeURL = v
	}
}

func lookupInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("Ignoring %s=%q: not an integer", key, v)
		return 0, false
	}
	return n, true
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Pool.MinSize < 1 {
		return fmt.Errorf("pool.min_size must be at least 1")
	}
	if c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool.max_size must be >= pool.min_size")
	}
	if c.Pool.SeenTTLSeconds < 0 {
		return fmt.Errorf("pool.seen_ttl_seconds must not be negative")
	}
	for _, s := range c.Pool.Sources {
		if s.Type != "" && s.Type != "text" && s.Type != "html" {
			return fmt.Errorf("source %s: type must be 'text' or 'html'", s.URL)
		}
	}
	if c.Checker.TimeoutMs < 100 || c.Checker.TimeoutMs > 300000 {
		return fmt.Errorf("checker.timeout_ms must be between 100 and 300000")
	}
	if c.Checker.Scheme != "http" && c.Checker.Scheme != "socks5" {
		return fmt.Errorf("checker.scheme must be 'http' or 'socks5'")
	}
	if c.Fetcher.MaxRetries < 1 {
		return fmt.Errorf("fetcher.max_retries must be at least 1")
	}
	if c.Fetcher.RequestsPerSecond < 0 {
		return fmt.Errorf("fetcher.requests_per_second must not be negative")
	}
	if c.Runner.MaxWorkers < 1 || c.Runner.MaxWorkers > 10000 {
		return fmt.Errorf("runner.max_workers must be between 1 and 10000")
	}
	switch c.Storage.Type {
	case "file", "sqlite", "redis", "none":
	default:
		return fmt.Errorf("storage type must be 'file', 'sqlite', 'redis' or 'none'")
	}
	return nil
}

// GetGlobal returns global config instance
func GetGlobal() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
