// Package config loads rpsota settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rpsota/rpsota/internal/logging"
	"github.com/rpsota/rpsota/internal/protocol"
	"github.com/rpsota/rpsota/internal/rps"
	"github.com/rpsota/rpsota/internal/transport"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "RPSOTA_"

var ErrInvalid = errors.New("invalid configuration")

// Config is the complete configuration shared by all subcommands.
type Config struct {
	Transfer struct {
		ChunkSize          int           `yaml:"chunk_size"`
		MaxHeaderRetries   int           `yaml:"max_header_retries"`
		HeaderRetryBackoff time.Duration `yaml:"header_retry_backoff"`
		RequestTimeout     time.Duration `yaml:"request_timeout"`
	} `yaml:"transfer"`

	Server struct {
		Host        string        `yaml:"host"`
		Port        int           `yaml:"port"`
		Image       string        `yaml:"image"`
		QUIC        bool          `yaml:"quic"`
		Passkey     string        `yaml:"passkey,omitempty"`
		Linger      time.Duration `yaml:"linger"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		Journal     string        `yaml:"journal,omitempty"`
	} `yaml:"server"`

	UART struct {
		Device              string        `yaml:"device"`
		Baud                int           `yaml:"baud"`
		Handshake           string        `yaml:"handshake"`
		HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
		HandshakeRetryDelay time.Duration `yaml:"handshake_retry_delay"`
		HandshakeRetries    int           `yaml:"handshake_retries"`
		ReadTimeout         time.Duration `yaml:"read_timeout"`
	} `yaml:"uart"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}

	c.Transfer.ChunkSize = 1024
	c.Transfer.MaxHeaderRetries = 5
	c.Transfer.HeaderRetryBackoff = 200 * time.Millisecond
	c.Transfer.RequestTimeout = transport.DefaultRequestTimeout

	c.Server.Host = "0.0.0.0"
	c.Server.Port = 5000
	c.Server.Linger = 2 * time.Second
	c.Server.IdleTimeout = time.Minute

	c.UART.Baud = transport.DefaultBaud
	c.UART.Handshake = protocol.DefaultHandshake
	c.UART.HandshakeTimeout = 2 * time.Second
	c.UART.HandshakeRetryDelay = time.Second
	c.UART.HandshakeRetries = 5
	c.UART.ReadTimeout = 10 * time.Second

	c.Log.Level = "info"
	return c
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv overrides fields from RPSOTA_* variables. Unparseable values are
// errors rather than silently ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	num("CHUNK_SIZE", &c.Transfer.ChunkSize)
	num("MAX_HEADER_RETRIES", &c.Transfer.MaxHeaderRetries)
	dur("HEADER_RETRY_BACKOFF", &c.Transfer.HeaderRetryBackoff)
	dur("REQUEST_TIMEOUT", &c.Transfer.RequestTimeout)

	str("HOST", &c.Server.Host)
	num("PORT", &c.Server.Port)
	str("IMAGE", &c.Server.Image)
	boolean("QUIC", &c.Server.QUIC)
	str("PASSKEY", &c.Server.Passkey)
	dur("LINGER", &c.Server.Linger)
	dur("IDLE_TIMEOUT", &c.Server.IdleTimeout)
	str("JOURNAL", &c.Server.Journal)

	str("UART_DEVICE", &c.UART.Device)
	num("UART_BAUD", &c.UART.Baud)
	str("UART_HANDSHAKE", &c.UART.Handshake)
	dur("UART_HANDSHAKE_TIMEOUT", &c.UART.HandshakeTimeout)
	dur("UART_HANDSHAKE_RETRY_DELAY", &c.UART.HandshakeRetryDelay)
	num("UART_HANDSHAKE_RETRIES", &c.UART.HandshakeRetries)
	dur("UART_READ_TIMEOUT", &c.UART.ReadTimeout)

	str("LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Transfer.ChunkSize <= 0 || c.Transfer.ChunkSize > rps.MaxChunkSize {
		bad("transfer.chunk_size %d out of range 1..%d", c.Transfer.ChunkSize, rps.MaxChunkSize)
	}
	if c.Transfer.MaxHeaderRetries < 0 {
		bad("transfer.max_header_retries must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Linger < 0 || c.Server.IdleTimeout < 0 {
		bad("server durations must not be negative")
	}
	if c.UART.Baud <= 0 {
		bad("uart.baud must be positive")
	}
	if c.UART.HandshakeTimeout < 0 || c.UART.HandshakeRetryDelay < 0 || c.UART.ReadTimeout < 0 {
		bad("uart durations must not be negative")
	}
	if strings.TrimSpace(c.UART.Handshake) == "" || strings.ContainsAny(c.UART.Handshake, "\r\n") {
		bad("uart.handshake must be a single non-empty line")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	return errors.Join(errs...)
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
