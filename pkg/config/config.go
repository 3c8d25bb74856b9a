// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < explicit file < .env < env < flags
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ncerrors "github.com/ncload/ncload/pkg/errors"
	"github.com/ncload/ncload/pkg/ingest/core"
	"github.com/ncload/ncload/pkg/schema"
	"github.com/ncload/ncload/pkg/storage/relational"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NCLOAD_"

// DotEnvFile is read from the working directory for NCLOAD_ variables not
// set in the process environment.
const DotEnvFile = ".env"

// Config holds all ncload configuration.
type Config struct {
	DataDir   string   `yaml:"data_dir"`
	OutputDir string   `yaml:"output_dir"`
	Datasets  []string `yaml:"datasets"`
	ChunkSize int      `yaml:"chunk_size"`

	// Files overrides the source file name per dataset.
	Files map[string]string `yaml:"files"`

	Store   StoreConfig   `yaml:"store"`
	Sinks   SinksConfig   `yaml:"sinks"`
	Parquet ParquetConfig `yaml:"parquet"`

	ParseErrors    string `yaml:"parse_errors"`    // null | abort
	UnknownColumns string `yaml:"unknown_columns"` // ignore | reject
	Estimate       bool   `yaml:"estimate"`
	FailFast       bool   `yaml:"fail_fast"`
	SchemaFile     string `yaml:"schema_file"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | duckdb
	Path   string `yaml:"path"`
	Init   bool   `yaml:"init"`
}

// SinksConfig enables the two sinks.
type SinksConfig struct {
	Relational bool `yaml:"relational"`
	Columnar   bool `yaml:"columnar"`
}

// ParquetConfig controls columnar output.
type ParquetConfig struct {
	Compression string `yaml:"compression"` // snappy | zstd | gzip | lz4 | brotli | none
	Dictionary  bool   `yaml:"dictionary"`
	Statistics  bool   `yaml:"statistics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// TelemetryConfig for optional tracing.
type TelemetryConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	ServiceName   string  `yaml:"service_name"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
	Insecure      bool    `yaml:"insecure"`

	// Pushgateway is the Prometheus Pushgateway URL run metrics are pushed
	// to. Empty disables metrics.
	Pushgateway string `yaml:"pushgateway"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:   DefaultDataDir("data"),
		OutputDir: ".",
		ChunkSize: core.DefaultChunkSize,
		Store: StoreConfig{
			Driver: relational.DriverSQLite,
			Path:   "ncdata.db",
		},
		Sinks: SinksConfig{
			Relational: true,
			Columnar:   true,
		},
		Parquet: ParquetConfig{
			Compression: "snappy",
			Dictionary:  true,
			Statistics:  true,
		},
		ParseErrors:    schema.ParseErrorNull.String(),
		UnknownColumns: schema.UnknownIgnore.String(),
		Estimate:       true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "ncload",
			SamplingRatio: 1.0,
			Insecure:      true,
		},
	}
}

var snapshotDir = regexp.MustCompile(`^\d{8}$`)

// DefaultDataDir returns the most recently modified 8-digit (YYYYMMDD)
// directory under root, or "datadir" when there is none. Equal modification
// times fall back to the greater name.
func DefaultDataDir(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "datadir"
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if !e.IsDir() || !snapshotDir.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if best == "" || mod.After(bestMod) || (mod.Equal(bestMod) && e.Name() > best) {
			best, bestMod = e.Name(), mod
		}
	}
	if best == "" {
		return "datadir"
	}
	return filepath.Join(root, best)
}

// Validate checks values that cannot be used. Every failure is a
// ConfigError.
func (c *Config) Validate() error {
	if c.ChunkSize < 1 {
		return ncerrors.InvalidConfig("chunk_size", c.ChunkSize, "must be at least 1")
	}
	if c.Sinks.Relational {
		if _, err := relational.DialectFor(c.Store.Driver); err != nil {
			return err
		}
		if strings.TrimSpace(c.Store.Path) == "" {
			return ncerrors.InvalidConfig("store.path", c.Store.Path, "must not be empty")
		}
	}
	if _, ok := core.ParseCompression(c.Parquet.Compression); !ok {
		return ncerrors.InvalidConfig("parquet.compression", c.Parquet.Compression, "expected snappy, zstd, gzip, lz4, brotli or none")
	}
	switch strings.ToLower(c.ParseErrors) {
	case "null", "abort":
	default:
		return ncerrors.InvalidConfig("parse_errors", c.ParseErrors, "expected null or abort")
	}
	switch strings.ToLower(c.UnknownColumns) {
	case "ignore", "reject":
	default:
		return ncerrors.InvalidConfig("unknown_columns", c.UnknownColumns, "expected ignore or reject")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return ncerrors.InvalidConfig("logging.format", c.Logging.Format, "expected text or json")
	}
	if c.Telemetry.SamplingRatio < 0 || c.Telemetry.SamplingRatio > 1 {
		return ncerrors.InvalidConfig("telemetry.sampling_ratio", c.Telemetry.SamplingRatio, "must be between 0 and 1")
	}
	return nil
}

// ReaderOptions derives the streaming reader options.
func (c *Config) ReaderOptions() core.ReaderOptions {
	return core.ReaderOptions{
		ChunkSize:      c.ChunkSize,
		ParseErrors:    schema.ParseParseErrorPolicy(c.ParseErrors),
		UnknownColumns: schema.ParseUnknownColumnPolicy(c.UnknownColumns),
	}
}

// SinkOptions derives the columnar sink options.
func (c *Config) SinkOptions() core.SinkOptions {
	comp, _ := core.ParseCompression(c.Parquet.Compression)
	return core.SinkOptions{
		Compression:        comp,
		RowGroupLength:     int64(c.ChunkSize),
		DictionaryEncoding: c.Parquet.Dictionary,
		Statistics:         c.Parquet.Statistics,
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	paths  []string // Paths that were loaded
	dotenv map[string]string
}

// NewManager creates a new configuration manager.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
	}
}

// Load loads configuration from all sources in priority order. explicit is
// an optional config file that must exist.
func (m *Manager) Load(explicit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.getConfigPaths() {
		if err := m.loadFile(path); err != nil {
			// Ignore missing files, but report errors for existing files
			if !os.IsNotExist(err) {
				return ncerrors.Wrap(err, ncerrors.CodeInvalidConfig, "invalid config file").WithContext("path", path)
			}
		} else {
			m.paths = append(m.paths, path)
		}
	}

	if explicit != "" {
		if err := m.loadFile(explicit); err != nil {
			if os.IsNotExist(err) {
				return ncerrors.IO(err, explicit)
			}
			return ncerrors.Wrap(err, ncerrors.CodeInvalidConfig, "invalid config file").WithContext("path", explicit)
		}
		m.paths = append(m.paths, explicit)
	}

	m.dotenv = nil
	if env, err := godotenv.Read(DotEnvFile); err == nil {
		m.dotenv = env
		m.paths = append(m.paths, DotEnvFile)
	} else if !os.IsNotExist(err) {
		return ncerrors.Wrap(err, ncerrors.CodeInvalidConfig, "invalid env file").WithContext("path", DotEnvFile)
	}

	return m.loadEnv()
}

// getenv returns a process environment value, falling back to the .env
// file.
func (m *Manager) getenv(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return m.dotenv[key]
}

// getConfigPaths returns config file paths in priority order.
func (m *Manager) getConfigPaths() []string {
	var paths []string

	// System config
	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/ncload/config.yaml")
	}

	// User config
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ncload", "config.yaml"))
	}

	// Project config (current directory)
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".ncload.yaml"))
	}

	return paths
}

// loadFile decodes a config file over the current values; keys absent from
// the file keep their value.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, m.config)
}

// loadEnv loads configuration from environment variables.
func (m *Manager) loadEnv() error {
	strs := map[string]*string{
		"DATA_DIR":        &m.config.DataDir,
		"OUTPUT_DIR":      &m.config.OutputDir,
		"DB":              &m.config.Store.Path,
		"DRIVER":          &m.config.Store.Driver,
		"COMPRESSION":     &m.config.Parquet.Compression,
		"PARSE_ERRORS":    &m.config.ParseErrors,
		"UNKNOWN_COLUMNS": &m.config.UnknownColumns,
		"SCHEMA_FILE":     &m.config.SchemaFile,
		"LOG_LEVEL":       &m.config.Logging.Level,
		"LOG_FORMAT":      &m.config.Logging.Format,
		"OTLP_ENDPOINT":   &m.config.Telemetry.Endpoint,
		"PUSHGATEWAY":     &m.config.Telemetry.Pushgateway,
	}
	for key, dst := range strs {
		if v := m.getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := m.getenv(EnvPrefix + "CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ncerrors.InvalidConfig(EnvPrefix+"CHUNK_SIZE", v, "not an integer")
		}
		m.config.ChunkSize = n
	}
	if v := m.getenv(EnvPrefix + "DATASETS"); v != "" {
		m.config.Datasets = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}

// Save writes the current config to path.
func (m *Manager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
