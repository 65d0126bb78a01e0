// Package config loads server settings.
//
// Precedence, lowest first: built-in defaults, YAML file, TRYON_* environment
// variables, then command-line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "TRYON"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Gemini     GeminiConfig     `yaml:"gemini" env:"GEMINI"`
	Session    SessionConfig    `yaml:"session" env:"SESSION"`
	Generation GenerationConfig `yaml:"generation" env:"GENERATION"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// BodyLimit caps upload size in bytes. The UI only advises 10MB; this is
	// the hard stop.
	BodyLimit       int           `yaml:"body_limit" env:"BODY_LIMIT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

type GeminiConfig struct {
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	Model   string `yaml:"model" env:"MODEL"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Timeout of zero waits indefinitely.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

type GenerationConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// RateLimit is generate requests per second per client IP. Zero disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text, json or logfmt
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BodyLimit:       32 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Session: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Generation: GenerationConfig{
			MaxConcurrent: 8,
			RateLimit:     0.5,
			RateBurst:     3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

type Loader struct {
	path   string
	prefix string
	getenv func(string) string
}

func NewLoader() *Loader {
	return &Loader{prefix: EnvPrefix, getenv: os.Getenv}
}

func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnv swaps the environment lookup, mainly for tests.
func (l *Loader) WithEnv(getenv func(string) string) *Loader {
	l.getenv = getenv
	return l
}

func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, err
		}
	}

	if err := setFromEnv(reflect.ValueOf(cfg).Elem(), l.prefix, l.getenv); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile reads the YAML file. An explicitly named file that does not exist
// is an error.
func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", l.path, err)
	}
	return nil
}

func setFromEnv(v reflect.Value, prefix string, getenv func(string) string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := setFromEnv(field, key, getenv); err != nil {
				return err
			}
			continue
		}

		value := getenv(key)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.BodyLimit <= 0 {
		errs = append(errs, "server.body_limit must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdown_timeout must be positive")
	}
	if c.Gemini.Timeout < 0 {
		errs = append(errs, "gemini.timeout cannot be negative")
	}
	if c.Generation.MaxConcurrent < 0 {
		errs = append(errs, "generation.max_concurrent cannot be negative")
	}
	if c.Generation.RateLimit < 0 {
		errs = append(errs, "generation.rate_limit cannot be negative")
	}
	if c.Generation.RateLimit > 0 && c.Generation.RateBurst <= 0 {
		errs = append(errs, "generation.rate_burst must be positive when rate_limit is set")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json, logfmt", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
