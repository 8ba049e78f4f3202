package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Merith-TK/tftpd/internal/tftp"
)

// Config is the complete tftpd configuration: where to listen, where to
// serve files from, how to log, and how the transfer engine should behave
// on timeout and retransmission.
type Config struct {
	Bind     string             `yaml:"bind"`
	Data     string             `yaml:"data"`
	Logging  LoggingConfig      `yaml:"logging"`
	Transfer TransferConfigYAML `yaml:"transfer"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TransferConfigYAML is the on-disk shape of the transfer engine's tuning
// knobs. Timeout is a Go duration string ("5s"); MaxRetransmissions is a
// pointer so that an absent key (unbounded retransmission) is
// distinguishable from an explicit zero (fail on first timeout), matching
// the optional<usize> the engine itself expects.
type TransferConfigYAML struct {
	Timeout            string `yaml:"timeout"`
	MaxRetransmissions *int   `yaml:"max_retransmissions"`
}

// DefaultConfig returns a configuration with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Bind: fmt.Sprintf(":%d", DefaultTFTPPort),
		Data: DefaultDataDir,
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Transfer: TransferConfigYAML{
			Timeout: DefaultTransferTimeout,
		},
	}
}

// LoadFromFile loads configuration from a YAML file. A missing file is
// not an error; it yields defaults.
func LoadFromFile(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnvironmentVariables applies TFTPD_* environment variables to the
// configuration, overriding whatever LoadFromFile produced.
func (c *Config) ApplyEnvironmentVariables() {
	if val := os.Getenv("TFTPD_BIND"); val != "" {
		c.Bind = val
	}
	if val := os.Getenv("TFTPD_DATA"); val != "" {
		c.Data = val
	}
	if val := os.Getenv("TFTPD_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("TFTPD_TIMEOUT"); val != "" {
		c.Transfer.Timeout = val
	}
	if val := os.Getenv("TFTPD_MAX_RETRANSMISSIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Transfer.MaxRetransmissions = &n
		}
	}
}

// TransferConfig converts the on-disk transfer settings into the engine's
// runtime Config.
func (c *Config) TransferConfig() tftp.Config {
	var timeout time.Duration
	if c.Transfer.Timeout != "" {
		timeout, _ = time.ParseDuration(c.Transfer.Timeout)
	}
	return tftp.Config{
		Timeout:            timeout,
		MaxRetransmissions: c.Transfer.MaxRetransmissions,
	}
}

// Validate checks the configuration and creates the data directory if it
// does not already exist.
func (c *Config) Validate() error {
	if c.Data == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if err := os.MkdirAll(c.Data, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if c.Bind == "" {
		return fmt.Errorf("bind address cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Transfer.Timeout != "" {
		if _, err := time.ParseDuration(c.Transfer.Timeout); err != nil {
			return fmt.Errorf("invalid transfer timeout %q: %w", c.Transfer.Timeout, err)
		}
	}
	if c.Transfer.MaxRetransmissions != nil && *c.Transfer.MaxRetransmissions < 0 {
		return fmt.Errorf("max_retransmissions cannot be negative")
	}

	return nil
}
