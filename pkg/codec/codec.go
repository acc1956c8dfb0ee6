// Package codec provides named serializers for task argument payloads and
// result values. Producers name the serializer in the message envelope;
// workers resolve it here before handing payload bytes to a handler.
package codec

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultName is the serializer used when a task definition or message
// leaves the serializer empty.
const DefaultName = "json"

// ErrUnknown is wrapped by lookup failures for unregistered codec names.
var ErrUnknown = errors.New("unknown codec")

// Codec defines a named serializer for typed values. Implementations
// must be safe for concurrent use and deterministic enough for
// cross-process exchange.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry maps codec names to implementations.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewRegistry constructs a registry preloaded with the built-in codecs
// that need no initialization: JSON and gob. CBOR is added by the default
// registry and can be registered explicitly elsewhere via Register(CBOR()).
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(Gob())
	return r
}

// Register adds a codec, replacing any previous codec with the same name.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.Name()] = c
}

// Get returns the codec registered under name.
func (r *Registry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return c, nil
}

// Resolve is Get with the empty name mapped to DefaultName.
func (r *Registry) Resolve(name string) (Codec, error) {
	if name == "" {
		name = DefaultName
	}
	return r.Get(name)
}

// Names returns the registered codec names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

var defaultRegistry = NewRegistry()

func init() {
	c, err := CBOR()
	if err != nil {
		// Static encoder options; failure here is a build defect.
		panic("codec: cbor init: " + err.Error())
	}
	defaultRegistry.Register(c)
}

// Default returns the process-wide registry holding json, cbor and gob.
func Default() *Registry { return defaultRegistry }

// Resolve looks up name in the default registry, mapping "" to
// DefaultName.
func Resolve(name string) (Codec, error) { return defaultRegistry.Resolve(name) }

// Marshal encodes v with the named codec from the default registry.
func Marshal(name string, v any) ([]byte, error) {
	c, err := defaultRegistry.Resolve(name)
	if err != nil {
		return nil, err
	}
	return c.Marshal(v)
}

// Unmarshal decodes data with the named codec from the default registry.
func Unmarshal(name string, data []byte, v any) error {
	c, err := defaultRegistry.Resolve(name)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, v)
}
