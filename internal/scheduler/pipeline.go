// Package scheduler owns the periodic analytics passes and the shared
// pipeline state they maintain: the latest matrix snapshot, the latest
// recommended policy set, and the last batch-run outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/clarion/internal/cluster"
	"github.com/rawblock/clarion/internal/config"
	"github.com/rawblock/clarion/internal/db"
	"github.com/rawblock/clarion/internal/identity"
	"github.com/rawblock/clarion/internal/matrix"
	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/internal/policy"
	"github.com/rawblock/clarion/internal/sgt"
	"github.com/rawblock/clarion/internal/sketch"
	"github.com/rawblock/clarion/internal/store"
	"github.com/rawblock/clarion/pkg/models"
)

// Pipeline wires the analytics stages together. The scheduler fires its
// methods on timers; the API fires the same methods on demand. Every method
// is safe for concurrent use and safe to call with optional collaborators
// (database, catalog, directory) absent.
type Pipeline struct {
	cfg      config.Config
	store    *store.Store
	resolver *identity.Resolver
	assigner *cluster.Assigner
	manager  *sgt.Manager
	registry *sgt.Registry
	builder  *matrix.Builder
	rec      *policy.Recommender

	catalog policy.Catalog    // optional reference catalog
	puller  *identity.Puller  // optional directory source
	persist *db.PostgresStore // optional durable state

	latestMatrix atomic.Pointer[models.MatrixSnapshot]
	latestPolicy atomic.Pointer[models.PolicySet]
	lastBatch    atomic.Pointer[sgt.BatchOutcome]

	ckptMu   sync.Mutex // serializes checkpoints
	histMark int        // history rows persisted so far
}

// Deps carries the pipeline's collaborators. Catalog, Puller, and Persist
// may be nil.
type Deps struct {
	Store    *store.Store
	Resolver *identity.Resolver
	Assigner *cluster.Assigner
	Manager  *sgt.Manager
	Registry *sgt.Registry
	Builder  *matrix.Builder
	Rec      *policy.Recommender
	Catalog  policy.Catalog
	Puller   *identity.Puller
	Persist  *db.PostgresStore
}

// NewPipeline assembles the stages.
func NewPipeline(cfg config.Config, d Deps) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    d.Store,
		resolver: d.Resolver,
		assigner: d.Assigner,
		manager:  d.Manager,
		registry: d.Registry,
		builder:  d.Builder,
		rec:      d.Rec,
		catalog:  d.Catalog,
		puller:   d.Puller,
		persist:  d.Persist,
	}
}

// Builder exposes the matrix builder for the flow-intake path.
func (p *Pipeline) Builder() *matrix.Builder { return p.builder }

// LatestMatrix returns the most recently built snapshot, nil before the
// first build.
func (p *Pipeline) LatestMatrix() *models.MatrixSnapshot { return p.latestMatrix.Load() }

// LatestPolicy returns the most recently generated set, nil before the first.
func (p *Pipeline) LatestPolicy() *models.PolicySet { return p.latestPolicy.Load() }

// LastBatch returns the outcome of the last accepted batch run.
func (p *Pipeline) LastBatch() *sgt.BatchOutcome { return p.lastBatch.Load() }

// SeedPolicy installs a restored policy set as the latest, serving reads
// until the first generation pass replaces it.
func (p *Pipeline) SeedPolicy(set *models.PolicySet) {
	if set != nil {
		p.latestPolicy.Store(set)
	}
}

// points assembles clustering inputs from a store pass, folding in the
// identity attributes the labeler votes over.
func (p *Pipeline) points(views []store.EndpointView) []cluster.Point {
	pts := make([]cluster.Point, 0, len(views))
	for _, v := range views {
		pt := cluster.Point{
			EndpointID: v.Endpoint.ID,
			Vector:     sketch.Features(v.Sketch),
			Profile:    v.Endpoint.Profile,
			DeviceType: v.Endpoint.DeviceType,
		}
		if attr, ok := p.resolver.Attribution(v.Endpoint.ID); ok && !attr.Pending {
			pt.Groups = attr.Groups
		}
		pts = append(pts, pt)
	}
	return pts
}

// RunBatchClustering snapshots qualified endpoints, clusters them, and
// applies the run to the tag lifecycle. A suppressed or failed run leaves
// all prior state in force.
func (p *Pipeline) RunBatchClustering(ctx context.Context) error {
	views := p.store.SnapshotAll(p.cfg.SketchMinFlows)
	pts := p.points(views)

	res, err := cluster.RunBatch(ctx, pts, cluster.BatchConfig{
		MinClusterSize: p.cfg.ClusterMinSize,
		MinSamples:     p.cfg.ClusterMinSamples,
		Labels: cluster.LabelConfig{
			ProfileShare: p.cfg.LabelProfile,
			DeviceShare:  p.cfg.LabelDevice,
			GroupShare:   p.cfg.LabelGroup,
		},
	})
	if err != nil {
		if errors.Is(err, cluster.ErrInsufficientData) {
			log.Printf("[Pipeline] batch clustering skipped: %v", err)
			return nil
		}
		metrics.ClusteringFailures.Inc()
		return fmt.Errorf("batch clustering: %w", err)
	}

	outcome := p.manager.ApplyBatch(res, time.Now().UTC())
	p.lastBatch.Store(outcome)
	log.Printf("[Pipeline] batch run %d: %d clusters (%d unstable), %d confirmed, %d reassigned, churn %.3f",
		outcome.RunID, len(res.Clusters), len(outcome.Unstable), outcome.Confirmed, outcome.Reassigned, outcome.Churn)

	p.checkpoint(ctx)
	return nil
}

// RunIncremental places unassigned endpoints against the current centroid
// snapshot between batch runs.
func (p *Pipeline) RunIncremental(ctx context.Context) error {
	if p.assigner.Snapshot() == nil {
		return nil
	}
	now := time.Now().UTC()
	placed := 0
	for _, v := range p.store.SnapshotAll(p.cfg.SketchMinFlows) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m, ok := p.manager.Membership(v.Endpoint.ID); ok && m.AssignedBy != models.OriginIncremental {
			continue
		}
		pl, ok := p.assigner.Assign(sketch.Features(v.Sketch))
		if !ok {
			continue
		}
		if p.manager.ApplyIncremental(v.Endpoint.ID, pl, now) {
			placed++
		}
	}
	if placed > 0 {
		log.Printf("[Pipeline] incremental pass placed %d endpoints", placed)
	}
	return nil
}

// UnassignedFraction reports the share of qualified endpoints without a
// current membership; above the configured trigger the scheduler pulls the
// next batch run forward.
func (p *Pipeline) UnassignedFraction() float64 {
	total := p.store.Count()
	if total == 0 {
		return 0
	}
	assigned := p.manager.AssignedCount()
	if assigned >= total {
		return 0
	}
	return float64(total-assigned) / float64(total)
}

// RebuildMatrix builds the trailing-window matrix from sampled flows,
// falling back to the sketch-derived approximation when no flow samples
// landed in the window (sketch-only deployments).
func (p *Pipeline) RebuildMatrix(ctx context.Context) (*models.MatrixSnapshot, error) {
	to := time.Now().UTC()
	from := to.Add(-p.cfg.MatrixWindow)

	snap := p.builder.Build(from, to)
	if len(snap.Cells) == 0 && snap.UnknownSrc == 0 && snap.UnknownDst == 0 {
		views := p.store.SnapshotAll(0)
		tags := make(map[string]uint16, len(views))
		for _, v := range views {
			tags[v.Endpoint.ID] = p.manager.TagFor(v.Endpoint.ID)
		}
		snap = matrix.BuildApproximate(views, tags, 0)
	}

	p.latestMatrix.Store(snap)
	if p.persist != nil {
		if err := p.persist.SaveMatrix(ctx, snap); err != nil {
			log.Printf("[Pipeline] matrix snapshot not persisted: %v", err)
		}
	}
	return snap, nil
}

// GeneratePolicies runs the recommender over the latest matrix, layering in
// catalog rules when a catalog is configured.
func (p *Pipeline) GeneratePolicies(ctx context.Context) (*models.PolicySet, error) {
	snap := p.latestMatrix.Load()
	if snap == nil {
		var err error
		if snap, err = p.RebuildMatrix(ctx); err != nil {
			return nil, err
		}
	}

	var inherited []models.PolicyRule
	if p.catalog != nil {
		rules, err := p.catalog.FetchRules(ctx)
		if err != nil {
			log.Printf("[Pipeline] catalog unavailable, recommending without inherited rules: %v", err)
		} else {
			inherited = rules
		}
	}

	set := p.rec.Recommend(snap, inherited)
	p.latestPolicy.Store(set)

	if p.persist != nil {
		if err := p.persist.SavePolicySet(ctx, set); err != nil {
			log.Printf("[Pipeline] policy set not persisted: %v", err)
		}
	}
	if p.catalog != nil {
		if err := p.catalog.PushPolicySet(ctx, set); err != nil {
			log.Printf("[Pipeline] policy set not pushed to catalog: %v", err)
		}
	}
	return set, nil
}

// PullDirectory refreshes the directory snapshot when a source is wired.
func (p *Pipeline) PullDirectory(ctx context.Context) error {
	if p.puller == nil {
		return nil
	}
	n, err := p.puller.Pull(ctx)
	if err != nil {
		return fmt.Errorf("directory pull: %w", err)
	}
	log.Printf("[Pipeline] directory pull loaded %d users", n)
	return nil
}

// ExpireSketches drops endpoints idle past the retention horizon.
func (p *Pipeline) ExpireSketches(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	expired := p.store.Expire(time.Now().Add(-retention))
	if len(expired) > 0 {
		log.Printf("[Pipeline] expired %d idle endpoints", len(expired))
	}
	return len(expired)
}

// checkpoint writes the durable artifacts after an accepted batch run:
// registry, memberships, the history rows appended since the last
// checkpoint, and the centroid snapshot.
func (p *Pipeline) checkpoint(ctx context.Context) {
	if p.persist == nil {
		return
	}
	p.ckptMu.Lock()
	defer p.ckptMu.Unlock()

	for _, tag := range p.registry.List() {
		if err := p.persist.SaveSGT(ctx, tag); err != nil {
			return
		}
	}
	if err := p.persist.SaveMemberships(ctx, p.manager.Memberships()); err != nil {
		return
	}
	rows, mark := p.manager.HistoryLog(p.histMark)
	for i, h := range rows {
		if err := p.persist.AppendHistory(ctx, h); err != nil {
			// rows [0,i) landed; the rest retries next checkpoint
			p.histMark += i
			return
		}
	}
	p.histMark = mark
	if snap := p.assigner.Snapshot(); snap != nil {
		_ = p.persist.SaveCentroids(ctx, snap)
	}
}
