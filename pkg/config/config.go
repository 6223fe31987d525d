// Package config holds the server settings. Values come from the defaults, then an optional YAML
// file, then any command line flags that were set explicitly.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/astromechza/steprooms/pkg/persist"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	Storage         Storage       `yaml:"storage"`
	PersistInterval time.Duration `yaml:"persist_interval"`
	SendBuffer      int           `yaml:"send_buffer"`
	Limits          Limits        `yaml:"limits"`
	MDNS            MDNS          `yaml:"mdns"`
	Log             Log           `yaml:"log"`
}

type Storage struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type Limits struct {
	// MessagesPerSecond caps inbound frames per connection. Zero disables the limit.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

type MDNS struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Addr:            "localhost:8080",
		Storage:         Storage{Driver: persist.DriverFile, Path: "rooms.json"},
		PersistInterval: time.Minute,
		SendBuffer:      64,
		Limits:          Limits{MessagesPerSecond: 50, Burst: 100},
		MDNS:            MDNS{Instance: "steprooms"},
		Log:             Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must be set")
	}
	switch c.Storage.Driver {
	case "", persist.DriverNone:
	case persist.DriverFile, persist.DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path must be set for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.PersistInterval <= 0 {
		return fmt.Errorf("persist_interval must be positive, got %s", c.PersistInterval)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	if c.Limits.MessagesPerSecond < 0 || c.Limits.Burst < 0 {
		return errors.New("limits must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		return fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}
	return nil
}

// RegisterFlags adds one flag per setting. Flags only override the file when set.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("addr", d.Addr, "listen address")
	fs.String("storage-driver", d.Storage.Driver, "room storage: none, file or sqlite")
	fs.String("storage-path", d.Storage.Path, "room storage location")
	fs.Duration("persist-interval", d.PersistInterval, "how often dirty rooms are saved")
	fs.Int("send-buffer", d.SendBuffer, "frames queued per participant")
	fs.Float64("rate", d.Limits.MessagesPerSecond, "inbound frames per second per connection, 0 disables")
	fs.Int("burst", d.Limits.Burst, "inbound frame burst per connection")
	fs.Bool("mdns", d.MDNS.Enabled, "advertise the server over mDNS")
	fs.String("mdns-instance", d.MDNS.Instance, "mDNS instance name")
	fs.String("log-level", d.Log.Level, "debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "text or json")
}

// ApplyFlags copies explicitly set flags into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			v, err := fs.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	str("addr", &c.Addr)
	str("storage-driver", &c.Storage.Driver)
	str("storage-path", &c.Storage.Path)
	str("mdns-instance", &c.MDNS.Instance)
	str("log-level", &c.Log.Level)
	str("log-format", &c.Log.Format)
	if fs.Changed("persist-interval") {
		v, err := fs.GetDuration("persist-interval")
		errs = append(errs, err)
		c.PersistInterval = v
	}
	if fs.Changed("send-buffer") {
		v, err := fs.GetInt("send-buffer")
		errs = append(errs, err)
		c.SendBuffer = v
	}
	if fs.Changed("rate") {
		v, err := fs.GetFloat64("rate")
		errs = append(errs, err)
		c.Limits.MessagesPerSecond = v
	}
	if fs.Changed("burst") {
		v, err := fs.GetInt("burst")
		errs = append(errs, err)
		c.Limits.Burst = v
	}
	if fs.Changed("mdns") {
		v, err := fs.GetBool("mdns")
		errs = append(errs, err)
		c.MDNS.Enabled = v
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to read flags: %w", err)
	}
	return c.Validate()
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return level, nil
}

// Logger builds the process logger described by l.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log.format %q", l.Format)
	}
}
