// Package config loads the client configuration.
//
// Sources, later ones winning:
//
//  1. Defaults
//  2. A YAML file
//  3. A .env file (CONVSYNC_* keys)
//  4. The process environment (CONVSYNC_* keys)
//
// The result is validated against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVSYNC_"

// Config is the client configuration.
type Config struct {
	LogLevel          string        `yaml:"log_level" json:"log_level"`
	AutoReconnect     bool          `yaml:"auto_reconnect" json:"auto_reconnect"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay" json:"reconnect_max_delay"`

	// ClearAllData wipes the local store before the first sync.
	ClearAllData bool `yaml:"clear_all_data" json:"clear_all_data"`
	// PushNotifications enables HandlePushPayload.
	PushNotifications bool `yaml:"push_notifications" json:"push_notifications"`

	DatabasePath  string `yaml:"database_path" json:"database_path"`
	AttachmentDir string `yaml:"attachment_dir" json:"attachment_dir"`

	MaxParallelTasks     int `yaml:"max_parallel_tasks" json:"max_parallel_tasks"`
	MaxRetries           int `yaml:"max_retries" json:"max_retries"`
	MaxParallelDownloads int `yaml:"max_parallel_downloads" json:"max_parallel_downloads"`
	CacheCapacity        int `yaml:"cache_capacity" json:"cache_capacity"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		LogLevel:             "warning",
		AutoReconnect:        true,
		ReconnectDelay:       time.Second,
		ReconnectMaxDelay:    time.Minute,
		PushNotifications:    true,
		DatabasePath:         "convsync.db",
		AttachmentDir:        "attachments",
		MaxParallelTasks:     5,
		MaxRetries:           3,
		MaxParallelDownloads: 3,
		CacheCapacity:        256,
	}
}

// LoadOption configures Load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	envFile string
	environ func() []string
}

// WithEnvFile reads overrides from a dotenv file. A missing file is not an
// error.
func WithEnvFile(path string) LoadOption {
	return func(c *loadConfig) { c.envFile = path }
}

// WithEnviron replaces os.Environ as the source of process overrides.
func WithEnviron(environ func() []string) LoadOption {
	return func(c *loadConfig) { c.environ = environ }
}

// Load builds the configuration. An empty path skips the YAML file.
func Load(path string, opts ...LoadOption) (Config, error) {
	lc := loadConfig{environ: os.Environ}
	for _, opt := range opts {
		opt(&lc)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	env := make(map[string]string)
	if lc.envFile != "" {
		vals, err := godotenv.Read(lc.envFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read env file %s: %w", lc.envFile, err)
		default:
			for k, v := range vals {
				env[k] = v
			}
		}
	}
	for _, kv := range lc.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, EnvPrefix) {
			env[k] = v
		}
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv sets every field that has a CONVSYNC_* entry in env.
func (c *Config) applyEnv(env map[string]string) error {
	str := func(p *string) func(string) error {
		return func(s string) error { *p = s; return nil }
	}
	boolean := func(p *bool) func(string) error {
		return func(s string) error {
			v, err := strconv.ParseBool(s)
			*p = v
			return err
		}
	}
	integer := func(p *int) func(string) error {
		return func(s string) error {
			v, err := strconv.Atoi(s)
			*p = v
			return err
		}
	}
	duration := func(p *time.Duration) func(string) error {
		return func(s string) error {
			v, err := time.ParseDuration(s)
			*p = v
			return err
		}
	}

	setters := []struct {
		key string
		set func(string) error
	}{
		{"LOG_LEVEL", str(&c.LogLevel)},
		{"AUTO_RECONNECT", boolean(&c.AutoReconnect)},
		{"RECONNECT_DELAY", duration(&c.ReconnectDelay)},
		{"RECONNECT_MAX_DELAY", duration(&c.ReconnectMaxDelay)},
		{"CLEAR_ALL_DATA", boolean(&c.ClearAllData)},
		{"PUSH_NOTIFICATIONS", boolean(&c.PushNotifications)},
		{"DATABASE_PATH", str(&c.DatabasePath)},
		{"ATTACHMENT_DIR", str(&c.AttachmentDir)},
		{"MAX_PARALLEL_TASKS", integer(&c.MaxParallelTasks)},
		{"MAX_RETRIES", integer(&c.MaxRetries)},
		{"MAX_PARALLEL_DOWNLOADS", integer(&c.MaxParallelDownloads)},
		{"CACHE_CAPACITY", integer(&c.CacheCapacity)},
	}
	for _, s := range setters {
		v, ok := env[EnvPrefix+s.key]
		if !ok {
			continue
		}
		if err := s.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, s.key, err)
		}
	}
	return nil
}

// Validate checks c against the schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c.view()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// view is the shape the schema constrains.
func (c Config) view() map[string]any {
	return map[string]any{
		"log_level":              c.LogLevel,
		"auto_reconnect":         c.AutoReconnect,
		"reconnect_delay_ms":     c.ReconnectDelay.Milliseconds(),
		"reconnect_max_delay_ms": c.ReconnectMaxDelay.Milliseconds(),
		"clear_all_data":         c.ClearAllData,
		"push_notifications":     c.PushNotifications,
		"database_path":          c.DatabasePath,
		"attachment_dir":         c.AttachmentDir,
		"max_parallel_tasks":     c.MaxParallelTasks,
		"max_retries":            c.MaxRetries,
		"max_parallel_downloads": c.MaxParallelDownloads,
		"cache_capacity":         c.CacheCapacity,
	}
}
