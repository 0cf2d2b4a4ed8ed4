// Package config handles TOML and YAML configuration parsing.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"smppload/internal/core"
)

const (
	BindTypeTRX = "trx"
	BindTypeTX  = "tx"
)

// Config is the root configuration structure.
type Config struct {
	SMPP    SMPPConfig    `toml:"smpp" yaml:"smpp"`
	Message MessageConfig `toml:"message" yaml:"message"`
	Load    LoadConfig    `toml:"load" yaml:"load"`
	Run     RunConfig     `toml:"run" yaml:"run"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// SMPPConfig holds the endpoint and credentials handed to the protocol client.
type SMPPConfig struct {
	Host            string   `toml:"host" yaml:"host"`
	Port            int      `toml:"port" yaml:"port"`
	SystemID        string   `toml:"system_id" yaml:"system_id"`
	Password        string   `toml:"password" yaml:"password"`
	SystemType      string   `toml:"system_type" yaml:"system_type"`
	BindType        string   `toml:"bind_type" yaml:"bind_type"`
	EnquireLink     Duration `toml:"enquire_link" yaml:"enquire_link"`
	ResponseTimeout Duration `toml:"response_timeout" yaml:"response_timeout"`
	BindTimeout     Duration `toml:"bind_timeout" yaml:"bind_timeout"`
}

// Address returns host:port.
func (c SMPPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MessageConfig is the template for every submission of a run.
type MessageConfig struct {
	SourceAddr      string `toml:"source_addr" yaml:"source_addr"`
	SourceTON       uint8  `toml:"source_ton" yaml:"source_ton"`
	SourceNPI       uint8  `toml:"source_npi" yaml:"source_npi"`
	DestinationAddr string `toml:"destination_addr" yaml:"destination_addr"`
	DestinationTON  uint8  `toml:"destination_ton" yaml:"destination_ton"`
	DestinationNPI  uint8  `toml:"destination_npi" yaml:"destination_npi"`
	Body            string `toml:"body" yaml:"body"`
	ServiceType     string `toml:"service_type" yaml:"service_type"`
	Encoding        string `toml:"encoding" yaml:"encoding"`
	RequestDLR      bool   `toml:"request_dlr" yaml:"request_dlr"`

	// DestinationsFile rotates destination_addr per submission. Relative
	// paths are resolved against the config file's directory.
	DestinationsFile  string `toml:"destinations_file" yaml:"destinations_file"`
	DestinationsOrder string `toml:"destinations_order" yaml:"destinations_order"`
}

// Template converts the message section into the core message model.
func (m MessageConfig) Template() *core.Message {
	return &core.Message{
		SourceAddr:     m.SourceAddr,
		SourceTON:      m.SourceTON,
		SourceNPI:      m.SourceNPI,
		DestAddr:       m.DestinationAddr,
		DestTON:        m.DestinationTON,
		DestNPI:        m.DestinationNPI,
		Body:           m.Body,
		ServiceType:    m.ServiceType,
		Encoding:       m.Encoding,
		RequestReceipt: m.RequestDLR,
	}
}

// LoadConfig controls how hard each bind is driven.
type LoadConfig struct {
	Binds           int   `toml:"binds" yaml:"binds"`
	MaxTPSPerBind   int   `toml:"max_tps_per_bind" yaml:"max_tps_per_bind"`
	InflightPerBind int   `toml:"inflight_per_bind" yaml:"inflight_per_bind"`
	MaxMessages     int64 `toml:"max_messages" yaml:"max_messages"`
}

// RunConfig controls timing of the run as a whole.
type RunConfig struct {
	DrainTimeout    Duration `toml:"drain_timeout" yaml:"drain_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	RefreshInterval Duration `toml:"refresh_interval" yaml:"refresh_interval"`
	Duration        Duration `toml:"duration" yaml:"duration"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen" yaml:"listen"`
}

// Default returns a configuration with every optional field populated.
// Decoding on top of it keeps defaults for omitted keys only.
func Default() *Config {
	return &Config{
		SMPP: SMPPConfig{
			BindType:        BindTypeTRX,
			EnquireLink:     Duration(5 * time.Second),
			ResponseTimeout: Duration(5 * time.Second),
			BindTimeout:     Duration(10 * time.Second),
		},
		Message: MessageConfig{
			Body:              "smppload test message",
			Encoding:          "raw",
			DestinationsOrder: "sequential",
		},
		Load: LoadConfig{
			Binds:           1,
			MaxTPSPerBind:   100,
			InflightPerBind: 64,
		},
		Run: RunConfig{
			DrainTimeout:    Duration(5 * time.Second),
			RefreshInterval: Duration(500 * time.Millisecond),
		},
	}
}

// ConfigError reports a configuration that cannot be used.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads, decodes and validates a configuration file.
// The format is chosen by extension: .yaml/.yml is YAML, anything else TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("reading config file: %w", err)}
	}

	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	if f := cfg.Message.DestinationsFile; f != "" && !filepath.IsAbs(f) {
		cfg.Message.DestinationsFile = filepath.Join(filepath.Dir(path), f)
	}
	return cfg, nil
}

// Format is a configuration file syntax.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatTOML
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF; the defaults still apply.
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if cfg.Run.ShutdownTimeout == 0 {
		cfg.Run.ShutdownTimeout = cfg.Run.DrainTimeout + Duration(5*time.Second)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.SMPP.Host == "" {
		fail("smpp.host is required")
	}
	if c.SMPP.Port < 1 || c.SMPP.Port > 65535 {
		fail("smpp.port must be in 1..65535, got %d", c.SMPP.Port)
	}
	if c.SMPP.SystemID == "" {
		fail("smpp.system_id is required")
	}
	switch c.SMPP.BindType {
	case BindTypeTRX, BindTypeTX:
	default:
		fail("smpp.bind_type must be %q or %q, got %q", BindTypeTRX, BindTypeTX, c.SMPP.BindType)
	}
	if c.SMPP.ResponseTimeout <= 0 {
		fail("smpp.response_timeout must be positive")
	}
	if c.SMPP.BindTimeout <= 0 {
		fail("smpp.bind_timeout must be positive")
	}

	if c.Message.SourceAddr == "" {
		fail("message.source_addr is required")
	}
	if c.Message.DestinationAddr == "" && c.Message.DestinationsFile == "" {
		fail("message.destination_addr or message.destinations_file is required")
	}
	switch c.Message.DestinationsOrder {
	case "sequential", "random":
	default:
		fail("message.destinations_order must be sequential or random, got %q", c.Message.DestinationsOrder)
	}
	switch c.Message.Encoding {
	case "raw", "gsm7", "latin1", "ucs2":
	default:
		fail("message.encoding must be one of raw, gsm7, latin1, ucs2, got %q", c.Message.Encoding)
	}
	if c.Message.RequestDLR && c.SMPP.BindType == BindTypeTX {
		fail("message.request_dlr needs smpp.bind_type %q to receive receipts", BindTypeTRX)
	}

	if c.Load.Binds < 0 {
		fail("load.binds must be >= 0, got %d", c.Load.Binds)
	}
	if c.Load.MaxTPSPerBind < 0 {
		fail("load.max_tps_per_bind must be >= 0, got %d", c.Load.MaxTPSPerBind)
	}
	if c.Load.InflightPerBind <= 0 {
		fail("load.inflight_per_bind must be > 0, got %d", c.Load.InflightPerBind)
	}
	if c.Load.MaxMessages < 0 {
		fail("load.max_messages must be >= 0, got %d", c.Load.MaxMessages)
	}

	if c.Run.DrainTimeout <= 0 {
		fail("run.drain_timeout must be positive")
	}
	if c.Run.ShutdownTimeout < c.Run.DrainTimeout {
		fail("run.shutdown_timeout (%v) must not be shorter than run.drain_timeout (%v)",
			c.Run.ShutdownTimeout, c.Run.DrainTimeout)
	}
	if c.Run.RefreshInterval <= 0 {
		fail("run.refresh_interval must be positive")
	}
	if c.Run.Duration < 0 {
		fail("run.duration must not be negative")
	}

	return result.ErrorOrNil()
}

// ErrInvalidDuration is returned for duration values that cannot be parsed.
var ErrInvalidDuration = errors.New("invalid duration")

// Duration is a time.Duration written as "500ms", "5s" and so on.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidDuration, string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
