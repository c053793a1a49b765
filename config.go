package signalrelay

import (
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/signalrelay/internal/constants"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

// Config holds the settings of a `Relay`.
type Config struct {
	// Path is the mount prefix of the websocket endpoint and of the ingress routes.
	Path string `yaml:"path"`
	// Key is the shared secret every client presents in the handshake.
	Key string `yaml:"key"`
	// ConcurrentLimit caps the number of locally registered clients. Zero disables the cap.
	ConcurrentLimit int `yaml:"concurrent_limit"`
	// AliveTimeout is how long a client may stay silent before the sweeper reaps it.
	AliveTimeout time.Duration `yaml:"alive_timeout"`
	// ExpireTimeout is the sweeper period. Zero disables sweeping.
	ExpireTimeout time.Duration `yaml:"expire_timeout"`
	// AllowDiscovery exposes the list of known identities on the ingress.
	AllowDiscovery bool `yaml:"allow_discovery"`
	// Distributed publishes every inbound envelope on the transmission bus instead of
	// short-circuiting local destinations. It requires a bus.
	Distributed bool `yaml:"distributed"`
	// GenerateMissingIDs assigns a fresh identity to handshakes without one instead of
	// rejecting them with INVALID_WS_PARAMETERS.
	GenerateMissingIDs bool `yaml:"generate_missing_ids"`
	// HostID overrides the derived process identifier.
	HostID string `yaml:"host_id"`
	// BusCodec names the serializer used for bus payloads ("json" or "msgpack").
	BusCodec string `yaml:"bus_codec"`
	// ClientsChannel and TransmissionChannel name the bus channels.
	ClientsChannel      string `yaml:"clients_channel"`
	TransmissionChannel string `yaml:"transmission_channel"`
	// SendQueueSize bounds the outbound frames waiting on a connection.
	SendQueueSize int `yaml:"send_queue_size"`
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxMessageSize bounds an inbound websocket frame.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// NewConfig returns a `Config` with default values:
//   - `Path` is "/" and `Key` is "peerjs"
//   - `ConcurrentLimit` is 5000
//   - `AliveTimeout` is 60s, `ExpireTimeout` 5s
//   - bus payloads are JSON on the "clients" and "transmission" channels
//
// Discovery, distributed mode and id generation are off.
func NewConfig() *Config {
	return &Config{
		Path:                constants.DefaultPath,
		Key:                 constants.DefaultKey,
		ConcurrentLimit:     constants.DefaultConcurrentLimit,
		AliveTimeout:        constants.DefaultAliveTimeout,
		ExpireTimeout:       constants.DefaultExpireTimeout,
		BusCodec:            "json",
		ClientsChannel:      constants.ClientsChannel,
		TransmissionChannel: constants.TransmissionChannel,
		SendQueueSize:       constants.DefaultSendQueueSize,
		WriteTimeout:        constants.DefaultWriteTimeout,
		MaxMessageSize:      constants.DefaultMaxMessageSize,
	}
}

// Validate checks the settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.Key == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "key")
	}

	if c.ConcurrentLimit < 0 {
		return sentinel.ErrInvalidCeiling
	}

	if c.AliveTimeout < 0 || c.ExpireTimeout < 0 {
		return ewrap.Wrap(sentinel.ErrInvalidParameters, "timeouts cannot be negative")
	}

	if c.SendQueueSize <= 0 {
		return ewrap.Wrapf(sentinel.ErrInvalidParameters, "send queue size %d", c.SendQueueSize)
	}

	if c.WriteTimeout <= 0 {
		return ewrap.Wrapf(sentinel.ErrInvalidParameters, "write timeout %s", c.WriteTimeout)
	}

	if c.MaxMessageSize <= 0 {
		return ewrap.Wrapf(sentinel.ErrInvalidParameters, "max message size %d", c.MaxMessageSize)
	}

	return nil
}

// WSPath returns the websocket endpoint path: the configured prefix followed by "peerjs".
func (c *Config) WSPath() string {
	path := c.Path
	if path == "" {
		path = constants.DefaultPath
	}

	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	return path + constants.WSPath
}

// RoutePrefix returns the configured path without its trailing slash.
func (c *Config) RoutePrefix() string { return strings.TrimSuffix(c.Path, "/") }
