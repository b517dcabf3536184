// Package cluster groups endpoints by behavioral similarity over their
// feature vectors and derives human-readable labels for the groups.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rawblock/clarion/pkg/models"
)

// Batch density clustering
//
// Density-based clustering over the normalized feature space. Points in a
// dense neighborhood (>= MinSamples within eps) form cluster cores; density
// reachability grows each cluster; everything else is noise. Clusters below
// MinClusterSize are demoted to noise wholesale. Eps, when not pinned by
// configuration, is estimated from the k-distance distribution of the run's
// own data.
//
// Complexity: O(n^2) distance evaluations per run. Runs are scheduled daily
// over tens of thousands of endpoints; no spatial index is warranted yet.
//
// References:
//   - Ester et al., "A Density-Based Algorithm for Discovering Clusters"
//     (KDD 1996) — DBSCAN
//   - Campello, Moulavi & Sander, "Density-Based Clustering Based on
//     Hierarchical Density Estimates" (PAKDD 2013) — min cluster size
//     vs. min samples distinction

// Sentinel errors for batch runs. A failed run aborts without publishing
// anything; prior assignments stay in effect.
var (
	ErrInsufficientData = errors.New("cluster: not enough qualified endpoints")
	ErrDimensionMix     = errors.New("cluster: feature vectors of mixed dimensionality")
)

// Point is one endpoint in feature space plus the identity attributes the
// labeler votes over.
type Point struct {
	EndpointID string
	Vector     []float64
	Profile    string
	DeviceType string
	Groups     []string
}

// Assignment binds an endpoint to a run-scoped cluster id with a
// membership probability.
type Assignment struct {
	ClusterID   int
	Probability float64
}

// Result is the outcome of one batch run. It is immutable once returned.
type Result struct {
	RunID       int64
	Clusters    []models.Cluster
	Assignments map[string]Assignment
	Centroids   []models.Centroid
	Noise       []string
}

// BatchConfig tunes the density clusterer and the labeler.
type BatchConfig struct {
	MinClusterSize int     // clusters smaller than this become noise
	MinSamples     int     // core-point neighborhood density
	Eps            float64 // 0 = estimate from the k-distance curve
	Labels         LabelConfig
}

// DefaultBatchConfig mirrors the documented defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MinClusterSize: 50,
		MinSamples:     10,
		Labels:         DefaultLabelConfig(),
	}
}

const (
	labelNoise      = -1
	labelUnassigned = -2
)

// RunBatch clusters the given points. The context is checked at row
// checkpoints so a shutdown aborts the run cleanly; an aborted or failed run
// returns an error and mutates nothing.
func RunBatch(ctx context.Context, pts []Point, cfg BatchConfig) (*Result, error) {
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 50
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if len(pts) < cfg.MinClusterSize {
		return nil, fmt.Errorf("%w: %d points, need >= %d", ErrInsufficientData, len(pts), cfg.MinClusterSize)
	}
	dim := len(pts[0].Vector)
	for _, p := range pts {
		if len(p.Vector) != dim {
			return nil, ErrDimensionMix
		}
	}

	eps := cfg.Eps
	if eps <= 0 {
		var err error
		eps, err = estimateEps(ctx, pts, cfg.MinSamples)
		if err != nil {
			return nil, err
		}
	}

	labels, err := dbscan(ctx, pts, eps, cfg.MinSamples)
	if err != nil {
		return nil, err
	}

	// demote undersized clusters to noise
	counts := map[int]int{}
	for _, l := range labels {
		if l >= 0 {
			counts[l]++
		}
	}
	for i, l := range labels {
		if l >= 0 && counts[l] < cfg.MinClusterSize {
			labels[i] = labelNoise
		}
	}

	return assemble(pts, labels, cfg), nil
}

// estimateEps picks eps as twice the median MinSamples-th nearest-neighbor
// distance, the usual knee-of-the-k-distance-curve stand-in.
func estimateEps(ctx context.Context, pts []Point, k int) (float64, error) {
	kdists := make([]float64, 0, len(pts))
	dists := make([]float64, len(pts))
	for i := range pts {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		dists = dists[:0]
		for j := range pts {
			if i == j {
				continue
			}
			dists = append(dists, euclidean(pts[i].Vector, pts[j].Vector))
		}
		sort.Float64s(dists)
		idx := k - 1
		if idx >= len(dists) {
			idx = len(dists) - 1
		}
		kdists = append(kdists, dists[idx])
	}
	sort.Float64s(kdists)
	med := kdists[len(kdists)/2]
	if med == 0 {
		// degenerate identical points still need a positive radius
		med = 1e-9
	}
	return 2 * med, nil
}

// dbscan runs the core expansion loop, returning per-point cluster labels
// (labelNoise for outliers).
func dbscan(ctx context.Context, pts []Point, eps float64, minSamples int) ([]int, error) {
	n := len(pts)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = labelUnassigned
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i && euclidean(pts[i].Vector, pts[j].Vector) <= eps {
				out = append(out, j)
			}
		}
		return out
	}

	next := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if labels[i] != labelUnassigned {
			continue
		}
		nbrs := neighbors(i)
		if len(nbrs)+1 < minSamples {
			labels[i] = labelNoise
			continue
		}

		cid := next
		next++
		labels[i] = cid

		queue := append([]int{}, nbrs...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == labelNoise {
				labels[j] = cid // border point
			}
			if labels[j] != labelUnassigned {
				continue
			}
			labels[j] = cid
			jn := neighbors(j)
			if len(jn)+1 >= minSamples {
				queue = append(queue, jn...)
			}
		}
	}
	return labels, nil
}

// assemble turns raw labels into the published result: centroids,
// membership probabilities, cluster labels and rationales. Cluster ids are
// sequential from 1 and scoped to the run; stable identity lives in the
// tag the lifecycle binds each cluster to.
func assemble(pts []Point, labels []int, cfg BatchConfig) *Result {
	runID := time.Now().UnixNano()
	res := &Result{
		RunID:       runID,
		Assignments: make(map[string]Assignment),
	}

	members := map[int][]int{}
	for i, l := range labels {
		if l == labelNoise {
			res.Noise = append(res.Noise, pts[i].EndpointID)
			continue
		}
		members[l] = append(members[l], i)
	}

	order := make([]int, 0, len(members))
	for l := range members {
		order = append(order, l)
	}
	sort.Ints(order)

	for seq, l := range order {
		idx := members[l]
		centroid := meanVector(pts, idx)

		dists := make([]float64, len(idx))
		for k, i := range idx {
			dists[k] = euclidean(pts[i].Vector, centroid)
		}
		dMax := percentile95(dists)

		clusterID := seq + 1
		label, rationale, share := Label(pts, idx, centroid, cfg.Labels)

		c := models.Cluster{
			ID:          clusterID,
			Centroid:    centroid,
			MemberCount: len(idx),
			Label:       label,
			Confidence:  share,
			Rationale:   rationale,
		}
		for k, i := range idx {
			c.Members = append(c.Members, pts[i].EndpointID)
			prob := 1.0
			if dMax > 0 {
				prob = 1 - dists[k]/dMax
				if prob < 0 {
					prob = 0
				}
			}
			res.Assignments[pts[i].EndpointID] = Assignment{ClusterID: clusterID, Probability: prob}
		}
		sort.Strings(c.Members)

		res.Clusters = append(res.Clusters, c)
		res.Centroids = append(res.Centroids, models.Centroid{
			ClusterID:   clusterID,
			RunID:       runID,
			Vector:      centroid,
			MemberCount: len(idx),
			DMax:        dMax,
		})
	}
	return res
}

// percentile95 is the 95th-percentile distance, the published radius for
// incremental assignment. Outlier members do not stretch it.
func percentile95(dists []float64) float64 {
	if len(dists) == 0 {
		return 0
	}
	sorted := append([]float64{}, dists...)
	sort.Float64s(sorted)
	idx := int(0.95 * float64(len(sorted)-1))
	return sorted[idx]
}

func meanVector(pts []Point, idx []int) []float64 {
	if len(idx) == 0 {
		return nil
	}
	out := make([]float64, len(pts[idx[0]].Vector))
	for _, i := range idx {
		for d, v := range pts[i].Vector {
			out[d] += v
		}
	}
	for d := range out {
		out[d] /= float64(len(idx))
	}
	return out
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
