package config

import (
	"os"
	"time"

	"Go2NetStreamer/pkg/flow"
	"Go2NetStreamer/pkg/streamer"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// StreamerConfig holds the flow cache parameters. Durations are strings such
// as "30s"; "0s" is a valid value for both timeouts.
type StreamerConfig struct {
	Source            string `yaml:"source"`
	SnapshotLength    int32  `yaml:"snapshot_length"`
	IdleTimeout       string `yaml:"idle_timeout"`
	ActiveTimeout     string `yaml:"active_timeout"`
	Dissect           bool   `yaml:"dissect"`
	MaxTCPDissections int    `yaml:"max_tcp_dissections"`
	MaxUDPDissections int    `yaml:"max_udp_dissections"`
	NRoots            int    `yaml:"nroots"`
	SweepInterval     string `yaml:"sweep_interval"`
}

// TransportConfig selects how flows travel from the engine to the consumer.
type TransportConfig struct {
	Type         string `yaml:"type"`
	BufferSize   int    `yaml:"buffer_size"`
	Backpressure string `yaml:"backpressure"`
	BindRetries  int    `yaml:"bind_retries"`
}

// GobConfig configures the gob snapshot writer.
type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

// TextConfig configures the text writer. A root path of "-" prints to stdout.
type TextConfig struct {
	RootPath string `yaml:"root_path"`
}

// ClickHouseConfig holds the connection parameters of the ClickHouse writer.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// NATSConfig holds the connection parameters of the NATS writer.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// WriterDef defines one exporter writer.
type WriterDef struct {
	Type             string           `yaml:"type"`
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval string           `yaml:"snapshot_interval"`
	Gob              GobConfig        `yaml:"gob"`
	Text             TextConfig       `yaml:"text"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
	NATS             NATSConfig       `yaml:"nats"`
}

// ExporterConfig lists the writers terminated flows are exported to.
type ExporterConfig struct {
	Writers []WriterDef `yaml:"writers"`
}

// APIConfig configures the HTTP status server.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Streamer  StreamerConfig  `yaml:"streamer"`
	Transport TransportConfig `yaml:"transport"`
	Exporter  ExporterConfig  `yaml:"exporter"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	opts := streamer.DefaultOptions("")
	return &Config{
		Streamer: StreamerConfig{
			SnapshotLength:    opts.SnapshotLength,
			IdleTimeout:       opts.IdleTimeout.String(),
			ActiveTimeout:     opts.ActiveTimeout.String(),
			Dissect:           opts.Dissect,
			MaxTCPDissections: opts.MaxTCPDissections,
			MaxUDPDissections: opts.MaxUDPDissections,
			NRoots:            opts.NRoots,
			SweepInterval:     opts.SweepInterval.String(),
		},
		Transport: TransportConfig{
			Type:         opts.Transport,
			BufferSize:   opts.BufferSize,
			Backpressure: opts.Backpressure,
			BindRetries:  opts.BindRetries,
		},
		API:     APIConfig{ListenAddr: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads the configuration from a YAML file. Keys missing from the
// file keep their default values.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config YAML")
	}
	return cfg, nil
}

// Options converts the streamer and transport sections into facade options.
func (c *Config) Options() (streamer.Options, error) {
	opts := streamer.Options{
		Source:            c.Streamer.Source,
		SnapshotLength:    c.Streamer.SnapshotLength,
		Dissect:           c.Streamer.Dissect,
		MaxTCPDissections: c.Streamer.MaxTCPDissections,
		MaxUDPDissections: c.Streamer.MaxUDPDissections,
		NRoots:            c.Streamer.NRoots,
		Transport:         c.Transport.Type,
		BufferSize:        c.Transport.BufferSize,
		Backpressure:      c.Transport.Backpressure,
		BindRetries:       c.Transport.BindRetries,
	}

	var err error
	if opts.IdleTimeout, err = parseDuration("idle_timeout", c.Streamer.IdleTimeout); err != nil {
		return opts, err
	}
	if opts.ActiveTimeout, err = parseDuration("active_timeout", c.Streamer.ActiveTimeout); err != nil {
		return opts, err
	}
	if opts.SweepInterval, err = parseDuration("sweep_interval", c.Streamer.SweepInterval); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

// Interval parses the snapshot interval of a writer.
func (d WriterDef) Interval() (time.Duration, error) {
	return parseDuration(d.Type+" snapshot_interval", d.SnapshotInterval)
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(flow.ErrInvalidConfig, "invalid %s %q: %v", name, value, err)
	}
	return d, nil
}
