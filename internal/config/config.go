// Package config loads the process configuration of the relay from a YAML file.
//
// The file only needs to name the settings it changes: everything starts from the
// defaults and command line flags are applied on top by the caller.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/hyp3rd/signalrelay"
	"github.com/hyp3rd/signalrelay/internal/constants"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
	redisbus "github.com/hyp3rd/signalrelay/pkg/bus/redis"
)

// Config is the process configuration.
type Config struct {
	// Relay holds the relay settings.
	Relay *signalrelay.Config `yaml:"relay"`
	// Port serves the websocket endpoint.
	Port int `yaml:"port"`
	// IngressPort serves the HTTP ingress; zero disables it.
	IngressPort int `yaml:"ingress_port"`
	// LogLevel is a zap level name.
	LogLevel string `yaml:"log_level"`
	// Redis configures the cluster bus and the transcript store.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig locates the redis server shared by the relay processes.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// TLS connects over TLS; TLSServerName overrides the certificate name.
	TLS           bool   `yaml:"tls"`
	TLSServerName string `yaml:"tls_server_name"`
	// Zero values keep the client defaults.
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Transcript enables the redis audit transcript.
	Transcript bool `yaml:"transcript"`
	// TranscriptMaxSize caps each transcript list; zero keeps everything.
	TranscriptMaxSize int64 `yaml:"transcript_max_size"`
}

// BusOptions translates the settings into redis bus options.
func (r RedisConfig) BusOptions() []redisbus.Option {
	opts := []redisbus.Option{
		redisbus.WithAddr(r.Addr),
		redisbus.WithCredentials(r.Username, r.Password),
		redisbus.WithDB(r.DB),
		redisbus.WithTimeouts(r.DialTimeout, r.ReadTimeout, r.WriteTimeout),
		redisbus.WithPool(r.PoolSize, r.MinIdleConns),
		redisbus.WithMaxRetries(r.MaxRetries),
	}

	if r.TLS {
		opts = append(opts, redisbus.WithTLS(r.TLSServerName))
	}

	return opts
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Relay:       signalrelay.NewConfig(),
		Port:        constants.DefaultPort,
		IngressPort: constants.DefaultIngressPort,
		LogLevel:    "info",
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ewrap.Wrap(err, "read config file")
	}

	return Parse(data)
}

// Parse decodes data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	err := yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, ewrap.Wrap(err, "decode config file")
	}

	if cfg.Relay == nil {
		cfg.Relay = signalrelay.NewConfig()
	}

	return cfg, cfg.Validate()
}

// Validate checks the process settings and the relay settings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return ewrap.Wrapf(sentinel.ErrInvalidParameters, "port %d", c.Port)
	}

	if c.IngressPort < 0 || c.IngressPort > 65535 {
		return ewrap.Wrapf(sentinel.ErrInvalidParameters, "ingress port %d", c.IngressPort)
	}

	if c.Relay.Distributed && c.Redis.Addr == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "distributed mode needs redis.addr")
	}

	_, err := c.Level()
	if err != nil {
		return err
	}

	return c.Relay.Validate()
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zapcore.InfoLevel, ewrap.Wrap(sentinel.ErrInvalidParameters, err.Error())
	}

	return level, nil
}
