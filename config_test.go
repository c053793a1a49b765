package signalrelay

import (
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

func TestConfig_WSPath(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, "/peerjs", cfg.WSPath())
	assert.Equal(t, "", cfg.RoutePrefix())

	cfg.Path = "/signal"
	assert.Equal(t, "/signal/peerjs", cfg.WSPath())
	assert.Equal(t, "/signal", cfg.RoutePrefix())

	cfg.Path = "/signal/"
	assert.Equal(t, "/signal/peerjs", cfg.WSPath())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, NewConfig().Validate())

	cfg := NewConfig()
	cfg.Key = ""
	assert.True(t, errors.Is(cfg.Validate(), sentinel.ErrParamCannotBeEmpty))

	cfg = NewConfig()
	cfg.AliveTimeout = -1
	assert.True(t, errors.Is(cfg.Validate(), sentinel.ErrInvalidParameters))

	for _, broken := range []func(*Config){
		func(c *Config) { c.SendQueueSize = 0 },
		func(c *Config) { c.SendQueueSize = -1 },
		func(c *Config) { c.WriteTimeout = 0 },
		func(c *Config) { c.MaxMessageSize = 0 },
	} {
		cfg = NewConfig()
		broken(cfg)
		assert.True(t, errors.Is(cfg.Validate(), sentinel.ErrInvalidParameters))

		_, err := New(cfg)
		assert.True(t, errors.Is(err, sentinel.ErrInvalidParameters))
	}

	cfg = NewConfig()
	cfg.BusCodec = "xml"

	_, err := New(cfg)
	assert.True(t, errors.Is(err, sentinel.ErrSerializerNotFound))
}
