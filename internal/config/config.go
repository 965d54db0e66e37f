// Package config resolves mailsweep settings from defaults, an optional .env
// file, MAILSWEEP_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/joshsymonds/mailsweep/internal/runtime"
)

// Environment variable names.
const (
	EnvAddr          = "MAILSWEEP_ADDR"
	EnvCredentials   = "MAILSWEEP_CREDENTIALS"
	EnvConfigDir     = "MAILSWEEP_CONFIG_DIR"
	EnvRPS           = "MAILSWEEP_RPS"
	EnvLogLevel      = "MAILSWEEP_LOG_LEVEL"
	EnvThrottleDelay = "MAILSWEEP_THROTTLE_DELAY"
	EnvMaxPages      = "MAILSWEEP_MAX_PAGES"
)

// Config is the resolved process configuration.
type Config struct {
	Addr          string
	Credentials   runtime.CredentialSource
	ConfigDir     string
	RPS           int
	LogLevel      string
	ThrottleDelay time.Duration
	MaxPages      int
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Addr:          "127.0.0.1:8000",
		Credentials:   runtime.SourceOAuth,
		ConfigDir:     defaultConfigDir(),
		RPS:           10,
		LogLevel:      "info",
		ThrottleDelay: 500 * time.Millisecond,
		MaxPages:      10000,
	}
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mailsweep")
	}
	return os.ExpandEnv("$HOME/.config/mailsweep")
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if _, err := runtime.ParseCredentialSource(string(c.Credentials)); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.ConfigDir) == "" {
		errs = append(errs, errors.New("config dir must not be empty"))
	}
	if c.RPS < 0 {
		errs = append(errs, fmt.Errorf("rps must not be negative, got %d", c.RPS))
	}
	if c.ThrottleDelay < 0 {
		errs = append(errs, fmt.Errorf("throttle delay must not be negative, got %s", c.ThrottleDelay))
	}
	if c.MaxPages <= 0 {
		errs = append(errs, fmt.Errorf("max pages must be positive, got %d", c.MaxPages))
	}
	return errors.Join(errs...)
}

// Flags binds the command-line overrides to a FlagSet.
type Flags struct {
	fs *pflag.FlagSet
	v  Config
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	d := Defaults()
	f := &Flags{fs: fs}
	fs.StringVar(&f.v.Addr, "addr", d.Addr, "HTTP listen address")
	fs.StringVar((*string)(&f.v.Credentials), "credentials", string(d.Credentials), "credential source: oauth or gmailctl")
	fs.StringVar(&f.v.ConfigDir, "config", d.ConfigDir, "directory holding OAuth client secret and token (or gmailctl's config)")
	fs.IntVar(&f.v.RPS, "rps", d.RPS, "max Gmail API requests per second (0 disables limiting)")
	fs.StringVar(&f.v.LogLevel, "log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.DurationVar(&f.v.ThrottleDelay, "throttle-delay", d.ThrottleDelay, "pause after every fifth batch")
	fs.IntVar(&f.v.MaxPages, "max-pages", d.MaxPages, "page ceiling for a single search")
	return f
}

func (f *Flags) apply(c *Config) {
	if f == nil || f.fs == nil {
		return
	}
	changed := func(name string) bool {
		fl := f.fs.Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("addr") {
		c.Addr = f.v.Addr
	}
	if changed("credentials") {
		c.Credentials = f.v.Credentials
	}
	if changed("config") {
		c.ConfigDir = f.v.ConfigDir
	}
	if changed("rps") {
		c.RPS = f.v.RPS
	}
	if changed("log-level") {
		c.LogLevel = f.v.LogLevel
	}
	if changed("throttle-delay") {
		c.ThrottleDelay = f.v.ThrottleDelay
	}
	if changed("max-pages") {
		c.MaxPages = f.v.MaxPages
	}
}

// Load resolves the configuration. envFile may be empty or missing; values
// already present in the environment win over the file.
func Load(envFile string, flags *Flags) (Config, error) {
	fileVals := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVals = vals
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVals[key]
		return v, ok
	}

	cfg := Defaults()
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	flags.apply(&cfg)
	cfg.Credentials = runtime.CredentialSource(strings.ToLower(strings.TrimSpace(string(cfg.Credentials))))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str(EnvAddr, &c.Addr)
	str(EnvConfigDir, &c.ConfigDir)
	str(EnvLogLevel, &c.LogLevel)
	creds := string(c.Credentials)
	str(EnvCredentials, &creds)
	c.Credentials = runtime.CredentialSource(creds)
	if err := num(EnvRPS, &c.RPS); err != nil {
		return err
	}
	if err := num(EnvMaxPages, &c.MaxPages); err != nil {
		return err
	}
	if v, ok := lookup(EnvThrottleDelay); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvThrottleDelay, err)
		}
		c.ThrottleDelay = d
	}
	return nil
}
