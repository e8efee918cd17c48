package events

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"

	"github.com/terraware/terraware-server-sub014/codec"
)

var (
	ErrTypeNotValid      = errors.New("events: type not valid")
	ErrTypeNotRegistered = errors.New("events: type not registered")
	ErrNoTypeForStruct   = errors.New("events: no type for struct")
	ErrUnionNotValid     = errors.New("events: union not valid")
	ErrTargetNotTerminal = errors.New("events: target class is upgradable")

	familyRegex = regexp.MustCompile(`^[\w-]+(\.[\w-]+)*$`)
)

func validateFamilyName(n string) error {
	if !familyRegex.MatchString(n) {
		return fmt.Errorf("%w: family %q has invalid characters", ErrTypeNotValid, n)
	}
	return nil
}

// className is the persisted class identifier for one version of a family.
func className(family string, version int) string {
	return fmt.Sprintf("%s.v%d", family, version)
}

func eventClassName(ev Event) string {
	return className(ev.EventFamily(), ev.EventVersion())
}

// Type describes a registrable event type. Init must return a new pointer
// value of the concrete type. Collaborators needed by ToNextVersion are
// captured in the Init closure rather than injected ambiently.
type Type struct {
	Init func() Event
}

type registryOption func(o *Registry) error

func (f registryOption) addOption(o *Registry) error {
	return f(o)
}

// RegistryOption models an option when creating a type registry.
type RegistryOption interface {
	addOption(o *Registry) error
}

// Codec is a registry option to define the desired serialization codec.
func Codec(name string) RegistryOption {
	return registryOption(func(o *Registry) error {
		c, err := codec.Get(name)
		if err != nil {
			return err
		}
		o.codec = c
		return nil
	})
}

// Union is a registry option declaring a closed set of concrete event types
// under a shared name. Fetch targets may name the union to select all of
// its terminal members.
func Union(name string, members ...Event) RegistryOption {
	return registryOption(func(o *Registry) error {
		o.pendingUnions = append(o.pendingUnions, pendingUnion{name: name, members: members})
		return nil
	})
}

type pendingUnion struct {
	name    string
	members []Event
}

type registeredType struct {
	init       func() Event
	family     string
	version    int
	upgradable bool
}

// Registry indexes every event type known to the system. It is used for
// transparently marshaling and unmarshaling events between their native
// types and their storage representation, and for resolving fetch targets
// to the concrete classes they cover.
type Registry struct {
	// Codec for marshaling and unmarshaling values.
	codec codec.Codec

	// Index of types by persisted class name.
	types map[string]*registeredType

	// Reflection type to the class name.
	rtypes map[reflect.Type]string

	// Class names per family, ordered by version.
	families map[string][]string

	// Closed unions by name.
	unions map[string][]string

	pendingUnions []pendingUnion
}

// Codec returns the registry's configured codec.
func (r *Registry) Codec() codec.Codec {
	return r.codec
}

func (r *Registry) validate(typ *Type) (Event, error) {
	if typ.Init == nil {
		return nil, fmt.Errorf("%w: init func is nil", ErrTypeNotValid)
	}

	// Ensure the initialized value is not nil.
	v := typ.Init()
	if v == nil {
		return nil, fmt.Errorf("%w: init func returns nil", ErrTypeNotValid)
	}

	name := eventClassName(v)

	if err := validateFamilyName(v.EventFamily()); err != nil {
		return nil, err
	}
	if v.EventVersion() < 1 {
		return nil, fmt.Errorf("%w: %s: version must be positive", ErrTypeNotValid, name)
	}

	// Get the Go type in order to transparently serialize to the correct name.
	rt := reflect.TypeOf(v)

	// Ensure the initialized value is a pointer so that deserialization works.
	if rt.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("%w: %s: init func must return a pointer value", ErrTypeNotValid, name)
	}

	// Ensure that the pointer value is a struct type.
	if rt.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s: value type must be a struct", ErrTypeNotValid, name)
	}

	if _, ok := r.types[name]; ok {
		return nil, fmt.Errorf("%w: %s: already registered", ErrTypeNotValid, name)
	}

	// Ensure [de]serialization works in the base case.
	b, err := r.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to marshal with codec: %s", ErrTypeNotValid, name, err)
	}

	err = r.codec.Unmarshal(b, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to unmarshal with codec: %s", ErrTypeNotValid, name, err)
	}

	return v, nil
}

func (r *Registry) addType(typ *Type, v Event) {
	name := eventClassName(v)
	_, upgradable := v.(Upgradable)

	r.types[name] = &registeredType{
		init:       typ.Init,
		family:     v.EventFamily(),
		version:    v.EventVersion(),
		upgradable: upgradable,
	}

	rt := reflect.TypeOf(v)
	r.rtypes[rt] = name
	r.rtypes[rt.Elem()] = name

	family := v.EventFamily()
	r.families[family] = append(r.families[family], name)
	sort.Slice(r.families[family], func(i, j int) bool {
		return r.types[r.families[family][i]].version < r.types[r.families[family][j]].version
	})
}

func (r *Registry) addUnion(u pendingUnion) error {
	if u.name == "" {
		return fmt.Errorf("%w: missing name", ErrUnionNotValid)
	}
	if err := validateFamilyName(u.name); err != nil {
		return fmt.Errorf("%w: %s", ErrUnionNotValid, u.name)
	}
	if _, ok := r.types[u.name]; ok {
		return fmt.Errorf("%w: %s: name clashes with a registered class", ErrUnionNotValid, u.name)
	}
	if _, ok := r.unions[u.name]; ok {
		return fmt.Errorf("%w: %s: already declared", ErrUnionNotValid, u.name)
	}

	var members []string
	terminal := 0
	for _, m := range u.members {
		name, err := r.Lookup(m)
		if err != nil {
			return fmt.Errorf("%w: %s: %s", ErrUnionNotValid, u.name, err)
		}
		if !r.types[name].upgradable {
			terminal++
		}
		members = append(members, name)
	}
	if terminal == 0 {
		return fmt.Errorf("%w: %s: no terminal members", ErrUnionNotValid, u.name)
	}

	r.unions[u.name] = members
	return nil
}

// Init initializes a value given the persisted class name.
func (r *Registry) Init(class string) (Event, error) {
	x, ok := r.types[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, class)
	}
	return x.init(), nil
}

// Lookup returns the persisted class name for a value.
func (r *Registry) Lookup(v any) (string, error) {
	rt := reflect.TypeOf(v)
	name, ok := r.rtypes[rt]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTypeForStruct, rt)
	}
	return name, nil
}

// Marshal serializes the value to a byte slice. This call validates the
// type is registered and delegates to the codec.
func (r *Registry) Marshal(v Event) ([]byte, error) {
	_, err := r.Lookup(v)
	if err != nil {
		return nil, err
	}

	b, err := r.codec.Marshal(v)
	if err != nil {
		return b, fmt.Errorf("%T: marshal error: %w", v, err)
	}
	return b, nil
}

// UnmarshalType initializes a new value for the named class, unmarshals the
// byte slice into it, and returns it.
func (r *Registry) UnmarshalType(b []byte, class string) (Event, error) {
	v, err := r.Init(class)
	if err != nil {
		return nil, err
	}
	if err := r.codec.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("%T: unmarshal error: %w", v, err)
	}
	return v, nil
}

// ExpandTargets resolves fetch targets to the set of concrete terminal
// classes they cover. A target is either a registered event prototype, a
// persisted class name, or a union name. Upgradable union members are
// silently skipped; an upgradable class named directly is rejected, since
// it is never the stored current representation once read.
func (r *Registry) ExpandTargets(targets ...any) ([]string, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrTypeNotRegistered)
	}

	var classes []string
	seen := make(map[string]bool)

	add := func(class string) error {
		rt := r.types[class]
		if rt.upgradable {
			return fmt.Errorf("%w: %s", ErrTargetNotTerminal, class)
		}
		if !seen[class] {
			seen[class] = true
			classes = append(classes, class)
		}
		return nil
	}

	for _, target := range targets {
		switch t := target.(type) {
		case string:
			if members, ok := r.unions[t]; ok {
				for _, m := range members {
					if r.types[m].upgradable {
						continue
					}
					if err := add(m); err != nil {
						return nil, err
					}
				}
				continue
			}
			if _, ok := r.types[t]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, t)
			}
			if err := add(t); err != nil {
				return nil, err
			}
		case Event:
			name, err := r.Lookup(t)
			if err != nil {
				return nil, err
			}
			if err := add(name); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %T is not an event or class name", ErrTypeNotRegistered, target)
		}
	}

	return classes, nil
}

// FamilyClasses returns every registered class name belonging to the
// families of the given classes, oldest version first. Rows may still be
// stored under an older version's class, so queries must match all of them.
func (r *Registry) FamilyClasses(classes []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, class := range classes {
		rt, ok := r.types[class]
		if !ok {
			continue
		}
		for _, name := range r.families[rt.family] {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// NewRegistry builds a registry from the given types. Every type is
// validated against the configured codec up front.
func NewRegistry(types []*Type, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		codec:    codec.Default,
		types:    make(map[string]*registeredType),
		rtypes:   make(map[reflect.Type]string),
		families: make(map[string][]string),
		unions:   make(map[string][]string),
	}

	for _, f := range opts {
		if err := f.addOption(r); err != nil {
			return nil, err
		}
	}

	for _, t := range types {
		v, err := r.validate(t)
		if err != nil {
			return nil, err
		}
		r.addType(t, v)
	}

	for _, u := range r.pendingUnions {
		if err := r.addUnion(u); err != nil {
			return nil, err
		}
	}
	r.pendingUnions = nil

	return r, nil
}
