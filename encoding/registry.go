package encoding

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// objectEnvelope carries a registered object together with its type name so
// the receiving member can find the matching Go type.
type objectEnvelope struct {
	Type string             `msgpack:"t"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// Registry maps wire type names to Go types for object messages.
// Members running different builds may know different sets of types; an
// unknown name is a decode error, never a panic.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// Register associates name with the dynamic type of sample. Pointer samples
// register their element type, so Register("x", &X{}) and Register("x", X{})
// are equivalent. Decode always returns a pointer to a new value.
func (r *Registry) Register(name string, sample interface{}) error {
	if name == "" {
		return fmt.Errorf("register object type: empty name")
	}
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("register object type %q: nil sample", name)
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("register object type %q: already bound to %s", name, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

// Names returns the registered type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Encode serializes v together with its registered type name.
func (r *Registry) Encode(v interface{}) ([]byte, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, fmt.Errorf("encode object: nil value")
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.RLock()
	name, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("encode object: type %s is not registered", t)
	}

	body, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode object %q: %w", name, err)
	}
	return Marshal(&objectEnvelope{Type: name, Body: body})
}

// Decode reverses Encode. It fails with *FrameDecodeError when the envelope
// is malformed, the type name is unknown, or the body does not fit the type.
func (r *Registry) Decode(data []byte) (interface{}, error) {
	var env objectEnvelope
	if err := Unmarshal(data, &env); err != nil {
		return nil, err
	}

	r.mu.RLock()
	t, ok := r.byName[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &FrameDecodeError{TypeName: env.Type}
	}

	ptr := reflect.New(t)
	if err := Unmarshal(env.Body, ptr.Interface()); err != nil {
		var de *FrameDecodeError
		if errors.As(err, &de) {
			err = de.Err
		}
		return nil, &FrameDecodeError{TypeName: env.Type, Err: err}
	}
	return ptr.Interface(), nil
}
