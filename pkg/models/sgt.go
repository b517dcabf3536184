package models

import "time"

// Membership origins. Manual memberships are never changed by automated
// runs unless the override is explicitly cleared.
const (
	OriginClusterer   = "clusterer"
	OriginIncremental = "incremental"
	OriginManual      = "manual"
	OriginExternal    = "external"
)

// SGT is a stable, named Security Group Tag. Values are allocated
// sequentially above a configurable base and are never reused or renumbered.
// SGTs may be deprecated (Active=false) but not deleted while history
// references them.
type SGT struct {
	Value       uint16    `json:"value"`
	Name        string    `json:"name"`
	Category    string    `json:"category"` // free-form: "users", "servers", "iot", ...
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Cluster is one behavioral group produced by a batch run. Cluster IDs are
// scoped to the run; stable identity lives in the SGT the cluster binds to.
type Cluster struct {
	ID          int       `json:"id"`
	Centroid    []float64 `json:"centroid"`
	MemberCount int       `json:"memberCount"`
	Members     []string  `json:"members,omitempty"` // endpoint IDs
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale"`
}

// Membership is the current endpoint -> SGT mapping. An endpoint has at most
// one current membership.
type Membership struct {
	EndpointID  string    `json:"endpointId"`
	SGTValue    uint16    `json:"sgtValue"`
	AssignedAt  time.Time `json:"assignedAt"`
	ConfirmedAt time.Time `json:"confirmedAt"`
	AssignedBy  string    `json:"assignedBy"` // one of the Origin* constants
	Confidence  float64   `json:"confidence"`
	ClusterID   int       `json:"clusterId"` // batch-run cluster that produced it, -1 otherwise
}

// HistoryRecord is an append-only log row of a past membership.
type HistoryRecord struct {
	EndpointID   string    `json:"endpointId"`
	SGTValue     uint16    `json:"sgtValue"`
	AssignedAt   time.Time `json:"assignedAt"`
	SupersededAt time.Time `json:"supersededAt,omitempty"`
	AssignedBy   string    `json:"assignedBy"`
}

// Centroid is the persisted per-cluster centroid used by the incremental
// clusterer between batch runs. DMax is the 95th-percentile intra-cluster
// distance from the batch run that produced it.
type Centroid struct {
	ClusterID   int       `json:"clusterId"`
	RunID       int64     `json:"runId"`
	Vector      []float64 `json:"vector"`
	SGTValue    uint16    `json:"sgtValue"`
	MemberCount int       `json:"memberCount"`
	DMax        float64   `json:"dMax"`
	Superseded  bool      `json:"superseded"`
}

// CentroidSnapshot is the immutable set of centroids published atomically at
// the end of one batch run. Incremental readers hold exactly one snapshot
// per assignment, so centroids from two runs never mix.
type CentroidSnapshot struct {
	RunID       int64      `json:"runId"`
	PublishedAt time.Time  `json:"publishedAt"`
	Centroids   []Centroid `json:"centroids"`
}
