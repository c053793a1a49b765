// Package serializer provides the codecs used to put membership events and message
// envelopes on the bus. The default codec is JSON (goccy/go-json), which keeps the bus
// payloads readable by any process speaking the JSON wire format; msgpack is
// available for homogeneous fleets that prefer a compact encoding.
package serializer

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

const (
	// JSON is the name of the JSON codec.
	JSON = "json"
	// Msgpack is the name of the msgpack codec.
	Msgpack = "msgpack"
)

// ISerializer is the interface that wraps the basic serializer methods.
type ISerializer interface {
	// Marshal serializes the given value into a byte slice.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes the given byte slice into the value pointed to by v.
	Unmarshal(data []byte, v any) error
	// Name returns the registered name of the codec.
	Name() string
}

// Registry manages serializer constructors.
type Registry struct {
	serializers map[string]func() ISerializer
}

func getDefaultSerializers() map[string]func() ISerializer {
	return map[string]func() ISerializer{
		JSON:      func() ISerializer { return &JSONSerializer{} },
		"default": func() ISerializer { return &JSONSerializer{} },
		Msgpack:   func() ISerializer { return &MsgpackSerializer{} },
	}
}

// NewSerializerRegistry creates a new serializer registry with default serializers pre-registered.
func NewSerializerRegistry() *Registry {
	registry := &Registry{
		serializers: make(map[string]func() ISerializer),
	}

	for name, createFunc := range getDefaultSerializers() {
		registry.Register(name, createFunc)
	}

	return registry
}

// Register registers a new serializer with the given name.
func (r *Registry) Register(serializerType string, createFunc func() ISerializer) {
	r.serializers[serializerType] = createFunc
}

// New returns a new serializer based on the serializerType.
func (r *Registry) New(serializerType string) (ISerializer, error) {
	if serializerType == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "serializerType")
	}

	createFunc, ok := r.serializers[serializerType]
	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrSerializerNotFound, serializerType)
	}

	return createFunc(), nil
}

// New returns a serializer from the default registry.
func New(serializerType string) (ISerializer, error) {
	return NewSerializerRegistry().New(serializerType)
}
