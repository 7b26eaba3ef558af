// Package config loads service settings from a YAML file and NSA_*
// environment variables, and reloads the dynamic subset when the file changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "NSA_"

type Config struct {
	Addr string `yaml:"addr"`

	// BackendProfile fills CacheDSN and AnnotationsDSN when they are empty:
	// memory, durable-local (under DataDir) or production (ProductionDSN).
	BackendProfile string `yaml:"backend_profile"`
	DataDir        string `yaml:"data_dir"`
	ProductionDSN  string `yaml:"production_dsn"`
	CacheDSN       string `yaml:"cache_dsn"`
	AnnotationsDSN string `yaml:"annotations_dsn"`

	GitHubAPIURL       string        `yaml:"github_api_url"`
	GitHubOAuthURL     string        `yaml:"github_oauth_url"`
	GitHubClientID     string        `yaml:"github_client_id"`
	GitHubClientSecret string        `yaml:"github_client_secret"`
	GitHubMaxRetries   int           `yaml:"github_max_retries"`
	GitHubTimeout      time.Duration `yaml:"github_timeout"`
	LoginRedirectURL   string        `yaml:"login_redirect_url"`

	AllowedOrigins        []string `yaml:"allowed_origins"`
	MinRateLimitRemaining int      `yaml:"min_rate_limit_remaining"`
	CachePerCredential    bool     `yaml:"cache_per_credential"`
	DefaultInstanceName   string   `yaml:"default_instance_name"`
	CommitMessage         string   `yaml:"commit_message"`
	Branch                string   `yaml:"branch"`

	InternalHMACSecret string        `yaml:"internal_hmac_secret"`
	InternalMaxSkew    time.Duration `yaml:"internal_max_skew"`
	RateLimitMax       int           `yaml:"rate_limit_max"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Addr:           ":8080",
		DataDir:        ".nsannotations",
		GitHubAPIURL:   "https://api.github.com",
		GitHubOAuthURL: "https://github.com",
		GitHubTimeout:  20 * time.Second,
		AllowedOrigins: []string{
			"http://localhost:4200",
			"https://flatironinstitute.github.io",
			"https://neurosift.app",
		},
		CachePerCredential:  true,
		DefaultInstanceName: "dandi",
		InternalMaxSkew:     5 * time.Minute,
		RateLimitWindow:     time.Minute,
		MaxBodyBytes:        1 << 20,
		LogFormat:           "text",
		LogLevel:            "info",
	}
}

// Load reads path (when non-empty) over the defaults, then applies the
// environment. Invalid numeric or duration variables are logged and ignored.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg, env{lookup: os.LookupEnv, logger: logger})
	if err := cfg.resolveProfile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolveProfile() error {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	var cacheDSN, annotationsDSN string
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		cacheDSN, annotationsDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		dataDir := strings.TrimSpace(c.DataDir)
		if dataDir == "" {
			dataDir = ".nsannotations"
		}
		cacheDSN = "sqlite://" + filepath.Join(dataDir, "cache.db")
		annotationsDSN = "memory://"
	case "production", "prod":
		dsn := strings.TrimSpace(c.ProductionDSN)
		if dsn == "" {
			return fmt.Errorf("production_dsn is required when backend_profile=%s", profile)
		}
		cacheDSN, annotationsDSN = dsn, dsn
	default:
		return fmt.Errorf("unsupported backend_profile: %s", profile)
	}
	if strings.TrimSpace(c.CacheDSN) == "" {
		c.CacheDSN = cacheDSN
	}
	if strings.TrimSpace(c.AnnotationsDSN) == "" {
		c.AnnotationsDSN = annotationsDSN
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.RateLimitMax < 0 {
		errs = append(errs, errors.New("rate_limit_max must not be negative"))
	}
	if c.MinRateLimitRemaining < 0 {
		errs = append(errs, errors.New("min_rate_limit_remaining must not be negative"))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("max_body_bytes must not be negative"))
	}
	return errors.Join(errs...)
}

// Dynamic is the part of the configuration that may change while serving.
type Dynamic struct {
	AllowedOrigins        []string
	MinRateLimitRemaining int
}

func (c Config) Dynamic() Dynamic {
	return Dynamic{
		AllowedOrigins:        append([]string(nil), c.AllowedOrigins...),
		MinRateLimitRemaining: c.MinRateLimitRemaining,
	}
}

// Live holds the current Dynamic settings for concurrent readers.
type Live struct {
	v atomic.Pointer[Dynamic]
}

func NewLive(d Dynamic) *Live {
	l := &Live{}
	l.Store(d)
	return l
}

func (l *Live) Load() Dynamic {
	if d := l.v.Load(); d != nil {
		return *d
	}
	return Dynamic{}
}

func (l *Live) Store(d Dynamic) {
	l.v.Store(&d)
}

func (l *Live) OriginAllowed(origin string) bool {
	for _, allowed := range l.Load().AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type env struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

func (e env) str(name string, target *string) {
	if raw, ok := e.lookup(envPrefix + name); ok && strings.TrimSpace(raw) != "" {
		*target = strings.TrimSpace(raw)
	}
}

func (e env) list(name string, target *[]string) {
	raw, ok := e.lookup(envPrefix + name)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}

func (e env) int(name string, target *int) {
	raw, ok := e.lookup(envPrefix + name)
	if !ok || raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.logger.Warn("invalid integer setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", *target)
		return
	}
	*target = value
}

func (e env) int64(name string, target *int64) {
	raw, ok := e.lookup(envPrefix + name)
	if !ok || raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("invalid integer setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", *target)
		return
	}
	*target = value
}

func (e env) bool(name string, target *bool) {
	raw, ok := e.lookup(envPrefix + name)
	if !ok || raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.logger.Warn("invalid boolean setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", *target)
		return
	}
	*target = value
}

func (e env) duration(name string, target *time.Duration) {
	raw, ok := e.lookup(envPrefix + name)
	if !ok || raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.logger.Warn("invalid duration setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", target.String())
		return
	}
	*target = value
}

func applyEnv(cfg *Config, e env) {
	e.str("ADDR", &cfg.Addr)
	e.str("BACKEND_PROFILE", &cfg.BackendProfile)
	e.str("DATA_DIR", &cfg.DataDir)
	e.str("PRODUCTION_DSN", &cfg.ProductionDSN)
	e.str("CACHE_DSN", &cfg.CacheDSN)
	e.str("ANNOTATIONS_DSN", &cfg.AnnotationsDSN)
	e.str("GITHUB_API_URL", &cfg.GitHubAPIURL)
	e.str("GITHUB_OAUTH_URL", &cfg.GitHubOAuthURL)
	e.str("GITHUB_CLIENT_ID", &cfg.GitHubClientID)
	e.str("GITHUB_CLIENT_SECRET", &cfg.GitHubClientSecret)
	e.int("GITHUB_MAX_RETRIES", &cfg.GitHubMaxRetries)
	e.duration("GITHUB_TIMEOUT", &cfg.GitHubTimeout)
	e.str("LOGIN_REDIRECT_URL", &cfg.LoginRedirectURL)
	e.list("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	e.int("MIN_RATE_LIMIT_REMAINING", &cfg.MinRateLimitRemaining)
	e.bool("CACHE_PER_CREDENTIAL", &cfg.CachePerCredential)
	e.str("DEFAULT_INSTANCE_NAME", &cfg.DefaultInstanceName)
	e.str("COMMIT_MESSAGE", &cfg.CommitMessage)
	e.str("BRANCH", &cfg.Branch)
	e.str("INTERNAL_HMAC_SECRET", &cfg.InternalHMACSecret)
	e.duration("INTERNAL_MAX_SKEW", &cfg.InternalMaxSkew)
	e.int("RATE_LIMIT_MAX", &cfg.RateLimitMax)
	e.duration("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	e.int64("MAX_BODY_BYTES", &cfg.MaxBodyBytes)
	e.str("LOG_FORMAT", &cfg.LogFormat)
	e.str("LOG_LEVEL", &cfg.LogLevel)
}
