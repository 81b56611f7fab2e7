package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noname-app/site-crawler/pkg/utils"
)

// Renderer backends
const (
	RendererBrowser = "browser"
	RendererHTTP    = "http"
)

// Storage backends
const (
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// Job log backends
const (
	JobLogStore = "store" // Same backend as pages
	JobLogRedis = "redis"
)

// Audit dispatch backends
const (
	AuditLog   = "log"
	AuditKafka = "kafka"
	AuditNone  = "none"
)

// DefaultScriptDenylist blocks analytics and tag-manager scripts
var DefaultScriptDenylist = []string{
	`googletagmanager\.com`,
	`google-analytics\.com`,
	`doubleclick\.net`,
	`connect\.facebook\.net`,
	`static\.hotjar\.com`,
	`cdn\.segment\.(com|io)`,
	`clarity\.ms`,
}

// TenantConfig identifies one customer website to crawl
type TenantConfig struct {
	ID      string `yaml:"id"`
	Website string `yaml:"website"`
}

// StorageConfig selects where page records (and by default job records) live
type StorageConfig struct {
	Backend  string `yaml:"backend"`             // badger | postgres | sqlite
	StateDir string `yaml:"state_dir,omitempty"` // Badger directory
	DSN      string `yaml:"dsn,omitempty"`       // postgres connection string or sqlite file path
}

// JobLogConfig selects the job-log backend
type JobLogConfig struct {
	Backend       string        `yaml:"backend"` // store | redis
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
	KeyPrefix     string        `yaml:"key_prefix,omitempty"`
	TTL           time.Duration `yaml:"ttl,omitempty"` // 0 = keep forever
}

// AuditConfig selects how changed pages are handed to the audit stage
type AuditConfig struct {
	Backend string   `yaml:"backend"` // log | kafka | none
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// WatchConfig controls the periodic re-crawl scheduler
type WatchConfig struct {
	Interval string `yaml:"interval,omitempty"` // e.g. "7d", "24h"
	StateDir string `yaml:"state_dir,omitempty"`
}

// HTTPClientConfig holds settings for the shared HTTP client used by the static renderer
type HTTPClientConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"`
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	UserAgent             string   `yaml:"user_agent"`
	TimeoutSeconds        int      `yaml:"timeout_seconds"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	ExcludePatterns       []string `yaml:"exclude_patterns,omitempty"` // Regexes over the normalized URL
	ExcludePages          []string `yaml:"exclude_pages,omitempty"`    // Exact URLs, normalized on load
	ExcludeURLParams      *bool    `yaml:"exclude_url_params,omitempty"`

	MaxRetries   int           `yaml:"max_retries,omitempty"` // Total attempts per URL
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`
	JitterMin    time.Duration `yaml:"jitter_min,omitempty"`
	JitterMax    time.Duration `yaml:"jitter_max,omitempty"`

	ScriptDenylist       []string      `yaml:"script_denylist,omitempty"`
	Renderer             string        `yaml:"renderer,omitempty"`
	Headless             *bool         `yaml:"headless,omitempty"`
	ChromePath           string        `yaml:"chrome_path,omitempty"`
	LinkResolution       string        `yaml:"link_resolution,omitempty"` // root | standard
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second,omitempty"`
	CrawlTimeout         time.Duration `yaml:"crawl_timeout,omitempty"` // 0 = no deadline
	MaxPages             int           `yaml:"max_pages,omitempty"`     // 0 = unlimited
	MaxParallelTenants   int           `yaml:"max_parallel_tenants,omitempty"`
	SaveLinks            bool          `yaml:"save_links,omitempty"` // Persist the internal link graph per job

	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Storage            StorageConfig    `yaml:"storage"`
	JobLog             JobLogConfig     `yaml:"job_log"`
	Audit              AuditConfig      `yaml:"audit"`
	Watch              WatchConfig      `yaml:"watch,omitempty"`
	Tenants            []TenantConfig   `yaml:"tenants"`
}

// Load reads and parses a YAML config file. It does not validate.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %w", utils.ErrFilesystem, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %w", utils.ErrConfigValidation, err)
	}
	return &cfg, nil
}

// NavigationTimeout is the per-attempt render deadline
func (c *AppConfig) NavigationTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StripQuery reports whether query strings are dropped during normalization.
// Defaults to true.
func (c *AppConfig) StripQuery() bool {
	if c.ExcludeURLParams == nil {
		return true
	}
	return *c.ExcludeURLParams
}

// HeadlessEnabled defaults to true
func (c *AppConfig) HeadlessEnabled() bool {
	if c.Headless == nil {
		return true
	}
	return *c.Headless
}

// Tenant looks up a configured tenant by id
func (c *AppConfig) Tenant(id string) (TenantConfig, bool) {
	for _, t := range c.Tenants {
		if t.ID == id {
			return t, true
		}
	}
	return TenantConfig{}, false
}
