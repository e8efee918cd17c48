package events

import (
	"errors"
	"testing"
	"time"
)

// Facility alert family, v1 -> v2 -> v3. The v1 upgrade fills in the
// organization from a lookup captured in the registry Init closure.

type facilityAlertV1 struct {
	FacilityID string `json:"facilityId"`

	orgs map[string]string
}

func (*facilityAlertV1) EventFamily() string { return "facility-alert" }
func (*facilityAlertV1) EventVersion() int   { return 1 }

func (e *facilityAlertV1) ToNextVersion() (Event, error) {
	return &facilityAlertV2{
		FacilityID:     e.FacilityID,
		OrganizationID: e.orgs[e.FacilityID],
	}, nil
}

type facilityAlertV2 struct {
	FacilityID     string `json:"facilityId"`
	OrganizationID string `json:"organizationId"`
}

func (*facilityAlertV2) EventFamily() string { return "facility-alert" }
func (*facilityAlertV2) EventVersion() int   { return 2 }

func (e *facilityAlertV2) ToNextVersion() (Event, error) {
	return &facilityAlertV3{
		FacilityID:     e.FacilityID,
		OrganizationID: e.OrganizationID,
		Severity:       "info",
	}, nil
}

type facilityAlertV3 struct {
	FacilityID     string `json:"facilityId"`
	OrganizationID string `json:"organizationId"`
	Severity       string `json:"severity"`
}

func (*facilityAlertV3) EventFamily() string { return "facility-alert" }
func (*facilityAlertV3) EventVersion() int   { return 3 }

// Loop family with a deliberately broken chain: v1 -> v2 -> v1. The v3
// terminal version exists but is never reached.

type loopV1 struct {
	X string `json:"x"`
}

func (*loopV1) EventFamily() string { return "loop-demo" }
func (*loopV1) EventVersion() int   { return 1 }

func (e *loopV1) ToNextVersion() (Event, error) {
	return &loopV2{X: e.X}, nil
}

type loopV2 struct {
	X string `json:"x"`
}

func (*loopV2) EventFamily() string { return "loop-demo" }
func (*loopV2) EventVersion() int   { return 2 }

func (e *loopV2) ToNextVersion() (Event, error) {
	return &loopV1{X: e.X}, nil
}

type loopV3 struct {
	X string `json:"x"`
}

func (*loopV3) EventFamily() string { return "loop-demo" }
func (*loopV3) EventVersion() int   { return 3 }

// Three single-version batch families grouped under the "batch-event"
// union.

type batchCreated struct {
	BatchID   string `json:"batchId"`
	ProjectID string `json:"projectId"`
}

func (*batchCreated) EventFamily() string { return "batch-created" }
func (*batchCreated) EventVersion() int   { return 1 }

func (e *batchCreated) Validate() error {
	if e.BatchID == "" {
		return errors.New("batch id required")
	}
	return nil
}

type batchUpdated struct {
	BatchID   string `json:"batchId"`
	ProjectID string `json:"projectId"`
}

func (*batchUpdated) EventFamily() string { return "batch-updated" }
func (*batchUpdated) EventVersion() int   { return 1 }

type batchDeleted struct {
	BatchID   string `json:"batchId"`
	ProjectID string `json:"projectId"`
}

func (*batchDeleted) EventFamily() string { return "batch-deleted" }
func (*batchDeleted) EventVersion() int   { return 1 }

// Rate limited events. observationUpserted uses the default combine, so
// the first deferred occurrence wins; nurseryDigest merges counts.

type observationUpserted struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	Plants    int    `json:"plants"`
}

func (*observationUpserted) EventFamily() string { return "observation-upserted" }
func (*observationUpserted) EventVersion() int   { return 1 }

func (e *observationUpserted) RateLimitKey() any {
	return map[string]string{"userId": e.UserID, "projectId": e.ProjectID}
}

func (*observationUpserted) MinimumInterval() time.Duration {
	return time.Minute
}

type nurseryDigest struct {
	FacilityID string `json:"facilityId"`
	Additions  int    `json:"additions"`
}

func (*nurseryDigest) EventFamily() string { return "nursery-digest" }
func (*nurseryDigest) EventVersion() int   { return 1 }

func (e *nurseryDigest) RateLimitKey() any {
	return e.FacilityID
}

func (*nurseryDigest) MinimumInterval() time.Duration {
	return 5 * time.Minute
}

func (e *nurseryDigest) Combine(pending RateLimited) RateLimited {
	prev := pending.(*nurseryDigest)
	return &nurseryDigest{
		FacilityID: e.FacilityID,
		Additions:  e.Additions + prev.Additions,
	}
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()

	orgs := map[string]string{"42": "7"}

	r, err := NewRegistry([]*Type{
		{Init: func() Event { return &facilityAlertV1{orgs: orgs} }},
		{Init: func() Event { return &facilityAlertV2{} }},
		{Init: func() Event { return &facilityAlertV3{} }},
		{Init: func() Event { return &loopV1{} }},
		{Init: func() Event { return &loopV2{} }},
		{Init: func() Event { return &loopV3{} }},
		{Init: func() Event { return &batchCreated{} }},
		{Init: func() Event { return &batchUpdated{} }},
		{Init: func() Event { return &batchDeleted{} }},
		{Init: func() Event { return &observationUpserted{} }},
		{Init: func() Event { return &nurseryDigest{} }},
	}, append([]RegistryOption{
		Union("batch-event", &batchCreated{}, &batchUpdated{}, &batchDeleted{}),
	}, opts...)...)
	if err != nil {
		t.Fatalf("failed to build registry: %s", err)
	}
	return r
}

// recorderBus implements Bus, remembering everything published and failing
// deliveries for selected classes.
type recorderBus struct {
	published   []Event
	failClasses map[string]bool
}

func (b *recorderBus) Publish(ev Event) error {
	if b.failClasses[eventClassName(ev)] {
		return errors.New("listener failed")
	}
	b.published = append(b.published, ev)
	return nil
}
