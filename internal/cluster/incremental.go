package cluster

import (
	"sync/atomic"

	"github.com/rawblock/clarion/pkg/models"
)

// Incremental assignment
//
// Between batch runs, newly seen endpoints are bound to the nearest
// published centroid. Confidence is max(0, 1 - d/dMax) where dMax is the
// batch run's 95th-percentile intra-cluster distance for that centroid: an
// endpoint as far out as the cluster's outer rim scores 0, a dead-center
// one scores 1. Assignments below the confidence threshold stay unassigned
// until the next batch run picks them up.

// Assigner serves nearest-centroid lookups against an atomically swapped
// snapshot. Readers never block a snapshot publish.
type Assigner struct {
	snap          atomic.Pointer[models.CentroidSnapshot]
	confidenceMin float64
}

// NewAssigner creates an assigner with the given confidence floor.
func NewAssigner(confidenceMin float64) *Assigner {
	if confidenceMin <= 0 {
		confidenceMin = 0.5
	}
	return &Assigner{confidenceMin: confidenceMin}
}

// Publish installs a new centroid snapshot. The previous snapshot keeps
// serving in-flight reads.
func (a *Assigner) Publish(snap *models.CentroidSnapshot) {
	a.snap.Store(snap)
}

// Snapshot returns the currently published snapshot, nil before the first
// batch run.
func (a *Assigner) Snapshot() *models.CentroidSnapshot {
	return a.snap.Load()
}

// Placement is an incremental nearest-centroid hit, carrying the tag the
// producing batch cluster is bound to.
type Placement struct {
	ClusterID  int
	RunID      int64
	SGTValue   uint16
	Confidence float64
}

// Assign binds a feature vector to the nearest centroid. Returns false when
// no snapshot is published, the nearest centroid is degenerate, or the
// confidence lands below the floor.
func (a *Assigner) Assign(vec []float64) (Placement, bool) {
	snap := a.snap.Load()
	if snap == nil || len(snap.Centroids) == 0 {
		return Placement{}, false
	}

	bestIdx := -1
	bestD := 0.0
	for i, c := range snap.Centroids {
		if c.Superseded || len(c.Vector) != len(vec) {
			continue
		}
		d := euclidean(vec, c.Vector)
		if bestIdx == -1 || d < bestD {
			bestIdx, bestD = i, d
		}
	}
	if bestIdx == -1 {
		return Placement{}, false
	}

	best := snap.Centroids[bestIdx]
	p := Placement{ClusterID: best.ClusterID, RunID: best.RunID, SGTValue: best.SGTValue}
	if best.DMax <= 0 {
		// single-point or collapsed cluster: only an exact hit qualifies
		if bestD > 0 {
			return Placement{}, false
		}
		p.Confidence = 1
		return p, true
	}

	conf := 1 - bestD/best.DMax
	if conf < 0 {
		conf = 0
	}
	if conf < a.confidenceMin {
		return Placement{}, false
	}
	p.Confidence = conf
	return p, true
}
