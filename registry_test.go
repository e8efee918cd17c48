package events

import (
	"testing"

	"github.com/terraware/terraware-server-sub014/testutil"
)

// Event type defined with value receivers so a non-pointer value still
// satisfies Event.
type valueEvent struct{}

func (valueEvent) EventFamily() string { return "value-event" }
func (valueEvent) EventVersion() int   { return 1 }

type unserializableEvent struct {
	C chan int `json:"c"`
}

func (*unserializableEvent) EventFamily() string { return "unserializable" }
func (*unserializableEvent) EventVersion() int   { return 1 }

type badFamilyEvent struct{}

func (*badFamilyEvent) EventFamily() string { return "has space" }
func (*badFamilyEvent) EventVersion() int   { return 1 }

type badVersionEvent struct{}

func (*badVersionEvent) EventFamily() string { return "bad-version" }
func (*badVersionEvent) EventVersion() int   { return 0 }

func TestNewRegistry(t *testing.T) {
	tests := map[string]struct {
		Init func() Event
		Err  bool
	}{
		"base": {
			func() Event { return &batchCreated{} },
			false,
		},
		"no-init": {
			nil,
			true,
		},
		"non-pointer": {
			func() Event { return valueEvent{} },
			true,
		},
		"not-serializable": {
			func() Event { return &unserializableEvent{} },
			true,
		},
		"bad-family": {
			func() Event { return &badFamilyEvent{} },
			true,
		},
		"bad-version": {
			func() Event { return &badVersionEvent{} },
			true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry([]*Type{
				{Init: test.Init},
			})
			if test.Err {
				if err == nil {
					t.Error("expected error, got none")
				}
			} else if err != nil {
				t.Error(err)
			}
		})
	}
}

func TestNewRegistryDuplicate(t *testing.T) {
	is := testutil.NewIs(t)

	_, err := NewRegistry([]*Type{
		{Init: func() Event { return &batchCreated{} }},
		{Init: func() Event { return &batchCreated{} }},
	})
	is.Err(err, ErrTypeNotValid)
}

func TestNewRegistryUnions(t *testing.T) {
	is := testutil.NewIs(t)

	types := []*Type{
		{Init: func() Event { return &batchCreated{} }},
		{Init: func() Event { return &batchUpdated{} }},
		{Init: func() Event { return &loopV1{} }},
		{Init: func() Event { return &loopV2{} }},
	}

	// Unregistered member.
	_, err := NewRegistry(types, Union("batch-event", &batchCreated{}, &batchDeleted{}))
	is.Err(err, ErrUnionNotValid)

	// No terminal members.
	_, err = NewRegistry(types, Union("loops", &loopV1{}, &loopV2{}))
	is.Err(err, ErrUnionNotValid)

	// Name clashes with a class.
	_, err = NewRegistry(types, Union("batch-created.v1", &batchCreated{}))
	is.Err(err, ErrUnionNotValid)

	_, err = NewRegistry(types, Union("batch-event", &batchCreated{}, &batchUpdated{}))
	is.NoErr(err)
}

func TestRegistryCodecOption(t *testing.T) {
	is := testutil.NewIs(t)

	_, err := NewRegistry(nil, Codec("does-not-exist"))
	is.Err(err, nil)

	r, err := NewRegistry([]*Type{
		{Init: func() Event { return &batchCreated{} }},
	}, Codec("msgpack"))
	is.NoErr(err)
	is.Equal(r.Codec().Name(), "msgpack")
}

func TestRegistryRoundtrip(t *testing.T) {
	is := testutil.NewIs(t)
	r := newTestRegistry(t)

	ev := &batchCreated{BatchID: "b1", ProjectID: "p1"}

	class, err := r.Lookup(ev)
	is.NoErr(err)
	is.Equal(class, "batch-created.v1")

	b, err := r.Marshal(ev)
	is.NoErr(err)

	back, err := r.UnmarshalType(b, class)
	is.NoErr(err)
	is.Equal(back, ev)

	_, err = r.UnmarshalType(b, "never-registered.v1")
	is.Err(err, ErrTypeNotRegistered)
}

func TestExpandTargets(t *testing.T) {
	is := testutil.NewIs(t)
	r := newTestRegistry(t)

	// Concrete prototype and class name, deduplicated.
	classes, err := r.ExpandTargets(&facilityAlertV3{}, "facility-alert.v3")
	is.NoErr(err)
	is.Equal(classes, []string{"facility-alert.v3"})

	// Union name expands to all terminal members.
	classes, err = r.ExpandTargets("batch-event")
	is.NoErr(err)
	is.Equal(classes, []string{"batch-created.v1", "batch-updated.v1", "batch-deleted.v1"})

	// Upgradable classes are never valid targets.
	_, err = r.ExpandTargets(&facilityAlertV1{})
	is.Err(err, ErrTargetNotTerminal)

	_, err = r.ExpandTargets("unknown.v1")
	is.Err(err, ErrTypeNotRegistered)

	_, err = r.ExpandTargets(42)
	is.Err(err, ErrTypeNotRegistered)

	_, err = r.ExpandTargets()
	is.Err(err, ErrTypeNotRegistered)
}

func TestFamilyClasses(t *testing.T) {
	is := testutil.NewIs(t)
	r := newTestRegistry(t)

	classes := r.FamilyClasses([]string{"facility-alert.v3", "batch-created.v1"})
	is.Equal(classes, []string{
		"facility-alert.v1",
		"facility-alert.v2",
		"facility-alert.v3",
		"batch-created.v1",
	})
}
