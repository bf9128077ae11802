// Package config loads tillsync configuration.
//
// Values are layered, later layers winning:
//
//  1. Defaults
//  2. YAML file (optional)
//  3. .env file (optional, never overrides the process environment)
//  4. TILLSYNC_* process environment variables
//
// The merged result is validated against the embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/store"
)

//go:embed schema.cue
var schemaSource []byte

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TILLSYNC_"

// DefaultEnvFile is read when LoadOptions.EnvFile is empty. It may be absent.
const DefaultEnvFile = ".env"

// Config is the complete tillsync configuration.
type Config struct {
	Local                LocalConfig   `yaml:"local" json:"local"`
	Remote               RemoteConfig  `yaml:"remote" json:"remote"`
	BusinessUnitID       string        `yaml:"businessUnitId" json:"businessUnitId"`
	Timezone             string        `yaml:"timezone" json:"timezone"`
	FiscalYearStartMonth int           `yaml:"fiscalYearStartMonth" json:"fiscalYearStartMonth"`
	Sync                 SyncConfig    `yaml:"sync" json:"sync"`
	Metrics              MetricsConfig `yaml:"metrics" json:"metrics"`
}

// LocalConfig configures the on-device store.
type LocalConfig struct {
	Path        string        `yaml:"path" json:"path"`
	BusyRetries int           `yaml:"busyRetries" json:"busyRetries"`
	BusyBackoff time.Duration `yaml:"busyBackoff" json:"busyBackoff"`
}

// RemoteConfig configures the shared remote store.
type RemoteConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	PageSize    int           `yaml:"pageSize" json:"pageSize"`
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	Interval    time.Duration `yaml:"interval" json:"interval"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Local: LocalConfig{
			Path:        "tillsync.db",
			BusyRetries: store.DefaultMaxBusyRetries,
			BusyBackoff: store.DefaultBusyBackoff,
		},
		Remote:               RemoteConfig{Driver: "postgres"},
		BusinessUnitID:       "default",
		Timezone:             "UTC",
		FiscalYearStartMonth: int(time.April),
		Sync: SyncConfig{
			PageSize:    engine.DefaultPageSize,
			Concurrency: 1,
			Interval:    time.Minute,
		},
	}
}

// LoadOptions selects the configuration sources.
type LoadOptions struct {
	// File is a YAML config file. Empty means none.
	File string

	// EnvFile is a dotenv file. Empty means DefaultEnvFile if it exists.
	EnvFile string

	// LookupEnv reads the process environment. Defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

// Load builds and validates the configuration.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	if opts.File != "" {
		if err := cfg.readFile(opts.File); err != nil {
			return Config{}, err
		}
	}

	dotenv, err := readEnvFile(opts.EnvFile)
	if err != nil {
		return Config{}, err
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	vals, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vals, nil
}

// applyEnv applies TILLSYNC_* overrides.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOCAL_PATH":       &c.Local.Path,
		"REMOTE_DRIVER":    &c.Remote.Driver,
		"REMOTE_DSN":       &c.Remote.DSN,
		"BUSINESS_UNIT_ID": &c.BusinessUnitID,
		"TIMEZONE":         &c.Timezone,
		"METRICS_ADDR":     &c.Metrics.Addr,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"LOCAL_BUSY_RETRIES":      &c.Local.BusyRetries,
		"FISCAL_YEAR_START_MONTH": &c.FiscalYearStartMonth,
		"SYNC_PAGE_SIZE":          &c.Sync.PageSize,
		"SYNC_CONCURRENCY":        &c.Sync.Concurrency,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"LOCAL_BUSY_BACKOFF": &c.Local.BusyBackoff,
		"SYNC_INTERVAL":      &c.Sync.Interval,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks c against the embedded schema and resolves the timezone.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Messages: messages(err)}
	}

	if _, err := c.Location(); err != nil {
		return &ValidationError{Messages: []string{err.Error()}}
	}
	return nil
}

func messages(err error) []string {
	var out []string
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		var path []string
		for _, p := range e.Path() {
			if p != "#Config" {
				path = append(path, p)
			}
		}
		if len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		out = append(out, msg)
	}
	return out
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	switch len(e.Messages) {
	case 0:
		return "invalid config"
	case 1:
		return "invalid config: " + e.Messages[0]
	}
	return fmt.Sprintf("invalid config: %d problems, first: %s", len(e.Messages), e.Messages[0])
}

// Location returns the business timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// StoreConfig returns the local store configuration.
func (c Config) StoreConfig(log *logrus.Entry) store.Config {
	retries := c.Local.BusyRetries
	if retries == 0 {
		// store.Config treats zero as "use the default".
		retries = -1
	}
	return store.Config{
		Path:           c.Local.Path,
		MaxBusyRetries: retries,
		BusyBackoff:    c.Local.BusyBackoff,
		Logger:         log,
	}
}

// SequenceOptions returns the sequence generator options.
func (c Config) SequenceOptions(log *logrus.Entry) (sequence.Options, error) {
	loc, err := c.Location()
	if err != nil {
		return sequence.Options{}, err
	}
	return sequence.Options{
		Scope:           c.BusinessUnitID,
		Location:        loc,
		FiscalYearStart: time.Month(c.FiscalYearStartMonth),
		Logger:          log,
	}, nil
}

// EngineOptions returns the sync engine options.
func (c Config) EngineOptions(log *logrus.Entry) []engine.Option {
	return []engine.Option{
		engine.WithPageSize(c.Sync.PageSize),
		engine.WithConcurrency(c.Sync.Concurrency),
		engine.WithLogger(log),
	}
}
