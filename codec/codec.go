package codec

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotRegistered = errors.New("codec: not registered")

	// Default is the codec used when none is configured explicitly.
	Default = JSON

	registry = map[string]Codec{
		"json":     JSON,
		"msgpack":  MsgPack,
		"protobuf": ProtoBuf,
		"binary":   Binary,
	}
)

// Codec marshals and unmarshals values to and from their storage
// representation.
type Codec interface {
	// Name is the unique name the codec is registered under.
	Name() string

	Marshal(any) ([]byte, error)
	Unmarshal([]byte, any) error
}

// Get returns the codec registered under the given name.
func Get(name string) (Codec, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return c, nil
}

// Names returns the names of all registered codecs, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
