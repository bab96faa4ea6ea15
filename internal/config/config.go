// Package config loads the persistctl configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syssam/persist/dialect"
)

// Config is the YAML configuration of a persistctl run:
//
//	driver: pgx
//	dsn: postgres://localhost/gallery
//	model: gallery.yaml
//	slowThreshold: 200ms
//	keys:
//	  blockSize: 50
//	redis:
//	  address: localhost:6379
//	  prefix: gallery
//	log:
//	  level: debug
type Config struct {
	// Driver is the database/sql driver name: sqlite, postgres, pgx or mysql.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Model is the path of the YAML mapping, relative to the working directory.
	Model         string        `yaml:"model"`
	SlowThreshold time.Duration `yaml:"slowThreshold"`
	Keys          Keys          `yaml:"keys"`
	Redis         Redis         `yaml:"redis"`
	Log           Log           `yaml:"log"`
}

// Keys configures the table key generator.
type Keys struct {
	BlockSize int64  `yaml:"blockSize"`
	Table     string `yaml:"table"`
}

// Redis configures the shared snapshot cache. An empty address disables it.
type Redis struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for absent keys.
func Default() *Config {
	return &Config{
		Driver:        dialect.SQLite,
		DSN:           "file:persist.db?_pragma=foreign_keys(1)",
		SlowThreshold: 100 * time.Millisecond,
		Keys:          Keys{BlockSize: 20, Table: "key_sequences"},
		Log:           Log{Level: "info", Format: "text"},
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a configuration over the defaults and validates it.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := c.Dialect(); err != nil {
		return err
	}
	if c.DSN == "" {
		return errors.New("config: dsn is required")
	}
	if c.Keys.BlockSize <= 0 {
		return fmt.Errorf("config: keys.blockSize must be positive, got %d", c.Keys.BlockSize)
	}
	if c.SlowThreshold < 0 {
		return fmt.Errorf("config: slowThreshold must not be negative, got %s", c.SlowThreshold)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// Dialect returns the SQL dialect of the configured driver.
func (c *Config) Dialect() (string, error) {
	switch strings.ToLower(c.Driver) {
	case "sqlite", "sqlite3":
		return dialect.SQLite, nil
	case "postgres", "pgx":
		return dialect.Postgres, nil
	case "mysql":
		return dialect.MySQL, nil
	default:
		return "", fmt.Errorf("config: unsupported driver %q", c.Driver)
	}
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if c.Log.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}

// Logger returns a logger writing to w with the configured level and format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
