package sgt

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/clarion/internal/cluster"
	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/pkg/models"
)

// Cluster-to-tag binding
//
// Batch cluster ids are run-scoped throwaways; the tag is the stable
// identity. After each run every cluster is bound to a tag in priority
// order: a label match against an existing active tag wins outright,
// otherwise sufficient member overlap with a tag's current population
// reuses that tag, otherwise a fresh tag is allocated. A cluster whose
// membership churned past the stability ceiling is flagged instead of
// bound: its existing members keep their tags, members without a prior
// membership are still admitted, and a review event fires. Clusters that
// stayed stable apply normally in the same run.
//
// Manual memberships are pinned. Automated runs never touch them until the
// override is explicitly cleared.

// ReviewEvent is pushed to operators when the lifecycle needs human eyes.
type ReviewEvent struct {
	Kind    string    `json:"kind"` // "unstable_cluster", "new_tag", "allocation_failed"
	Message string    `json:"message"`
	RunID   int64     `json:"runId,omitempty"`
	Cluster int       `json:"cluster,omitempty"`
	Churn   float64   `json:"churn,omitempty"`
	At      time.Time `json:"at"`
}

// LifecycleConfig tunes the binding and stability guards.
type LifecycleConfig struct {
	MaxChurn     float64 // suppress runs above this changed fraction
	MatchOverlap float64 // member overlap to reuse a tag without a label match
	Category     string  // category stamped on auto-allocated tags
}

// DefaultLifecycleConfig mirrors the documented defaults.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{MaxChurn: 0.25, MatchOverlap: 0.7, Category: "behavioral"}
}

// BatchOutcome summarizes one applied run.
type BatchOutcome struct {
	RunID      int64
	Bound      map[int]uint16 // cluster id -> tag value
	NewTags    []models.SGT
	Unstable   []int // cluster ids with rebinding suppressed this run
	Confirmed  int
	Reassigned int
	Churn      float64
	Stability  float64 // adjusted Rand index against the previous run
}

// Manager applies batch and incremental clustering output to the
// membership table. One writer at a time; reads copy.
type Manager struct {
	cfg      LifecycleConfig
	registry *Registry
	assigner *cluster.Assigner
	notify   func(ReviewEvent)

	mu       sync.RWMutex
	members  map[string]models.Membership
	history  []models.HistoryRecord
	prevAsg  map[string]cluster.Assignment
	prevRun  int64
}

// NewManager wires the lifecycle. notify may be nil; assigner may be nil
// when incremental assignment is disabled.
func NewManager(cfg LifecycleConfig, reg *Registry, assigner *cluster.Assigner, notify func(ReviewEvent)) *Manager {
	if cfg.MaxChurn <= 0 {
		cfg.MaxChurn = 0.25
	}
	if cfg.MatchOverlap <= 0 {
		cfg.MatchOverlap = 0.7
	}
	if notify == nil {
		notify = func(ReviewEvent) {}
	}
	return &Manager{
		cfg:      cfg,
		registry: reg,
		assigner: assigner,
		notify:   notify,
		members:  make(map[string]models.Membership),
	}
}

// ApplyBatch binds a run's clusters to tags and rewrites the membership
// table. Clusters whose churn against the previous run exceeds the
// stability ceiling are flagged: rebinding of their existing members is
// suppressed, members without a prior membership are still admitted, and
// every other cluster applies normally.
func (m *Manager) ApplyBatch(res *cluster.Result, now time.Time) *BatchOutcome {
	m.mu.RLock()
	prev := m.prevAsg
	m.mu.RUnlock()

	churn, ari := 0.0, 1.0
	unstable := make(map[int]float64)
	if len(prev) > 0 {
		match := cluster.MatchClusters(prev, res.Assignments, m.cfg.MatchOverlap)
		churn = cluster.Churn(prev, res.Assignments, match)
		ari = cluster.AdjustedRandIndex(prev, res.Assignments)
		for _, c := range res.Clusters {
			if cc := cluster.MemberChurn(prev, c.Members); cc > m.cfg.MaxChurn {
				unstable[c.ID] = cc
			}
		}
	}

	out := &BatchOutcome{RunID: res.RunID, Bound: make(map[int]uint16), Churn: churn, Stability: ari}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range res.Clusters {
		cc, flagged := unstable[c.ID]
		var value uint16
		var fresh *models.SGT
		if flagged {
			value, fresh = m.unstableTagLocked(c, now)
			metrics.StabilityEvents.Inc()
			m.notify(ReviewEvent{
				Kind:    "unstable_cluster",
				Message: fmt.Sprintf("cluster %q churn %.0f%% exceeds ceiling %.0f%%: existing members keep their tags", c.Label, cc*100, m.cfg.MaxChurn*100),
				RunID:   res.RunID,
				Cluster: c.ID,
				Churn:   cc,
				At:      now,
			})
			log.Printf("[SGT] run %d cluster %d (%s) unstable, churn %.2f > %.2f, rebinding suppressed",
				res.RunID, c.ID, c.Label, cc, m.cfg.MaxChurn)
			out.Unstable = append(out.Unstable, c.ID)
		} else {
			value, fresh = m.bindLocked(c, now)
		}
		out.Bound[c.ID] = value
		if fresh != nil {
			out.NewTags = append(out.NewTags, *fresh)
		}

		for _, ep := range c.Members {
			asg := res.Assignments[ep]
			cur, has := m.members[ep]
			switch {
			case has && cur.AssignedBy == models.OriginManual:
				// pinned
			case has && cur.SGTValue == value:
				cur.ConfirmedAt = now
				cur.Confidence = asg.Probability
				cur.ClusterID = c.ID
				m.members[ep] = cur
				out.Confirmed++
			case has && flagged:
				// suppressed rebind: the member keeps its previous tag
			default:
				if has {
					m.history = append(m.history, models.HistoryRecord{
						EndpointID:   ep,
						SGTValue:     cur.SGTValue,
						AssignedAt:   cur.AssignedAt,
						SupersededAt: now,
						AssignedBy:   cur.AssignedBy,
					})
				}
				m.members[ep] = models.Membership{
					EndpointID:  ep,
					SGTValue:    value,
					AssignedAt:  now,
					ConfirmedAt: now,
					AssignedBy:  models.OriginClusterer,
					Confidence:  asg.Probability,
					ClusterID:   c.ID,
				}
				out.Reassigned++
			}
		}
	}

	// publish centroids with their bound tags for the incremental path
	if m.assigner != nil {
		snap := &models.CentroidSnapshot{RunID: res.RunID, PublishedAt: now}
		for _, cen := range res.Centroids {
			cen.SGTValue = out.Bound[cen.ClusterID]
			snap.Centroids = append(snap.Centroids, cen)
		}
		m.assigner.Publish(snap)
	}

	// the run becomes the new baseline even when clusters were flagged: a
	// partition that holds its new shape through the next run is accepted
	m.prevAsg = res.Assignments
	m.prevRun = res.RunID
	log.Printf("[SGT] run %d applied: %d clusters (%d unstable), %d confirmed, %d reassigned, churn %.2f, ARI %.2f",
		res.RunID, len(res.Clusters), len(out.Unstable), out.Confirmed, out.Reassigned, churn, ari)
	return out
}

// unstableTagLocked keeps a flagged cluster on the tag most of its existing
// members already hold, so admissions land beside the suppressed majority.
// A flagged cluster with no tagged members falls through to normal binding.
func (m *Manager) unstableTagLocked(c models.Cluster, now time.Time) (uint16, *models.SGT) {
	counts := make(map[uint16]int)
	for _, ep := range c.Members {
		if mem, ok := m.members[ep]; ok && mem.SGTValue != models.UnknownSGT {
			counts[mem.SGTValue]++
		}
	}
	values := make([]uint16, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	bestV, bestN := models.UnknownSGT, 0
	for _, v := range values {
		if counts[v] > bestN {
			bestV, bestN = v, counts[v]
		}
	}
	if bestN > 0 {
		return bestV, nil
	}
	return m.bindLocked(c, now)
}

// bindLocked picks the tag for one cluster. Returns the value and, when a
// fresh tag was allocated, the tag itself.
func (m *Manager) bindLocked(c models.Cluster, now time.Time) (uint16, *models.SGT) {
	// 1: label match against an existing active tag
	if t, ok := m.registry.ByName(c.Label); ok && t.Active {
		return t.Value, nil
	}

	// 2: member overlap with a tag's current population
	if v, ok := m.overlapMatchLocked(c.Members); ok {
		return v, nil
	}

	// 3: allocate; label collisions with deprecated tags get suffixed
	name := c.Label
	tag, err := m.registry.Allocate(name, m.cfg.Category, c.Rationale, now)
	for errors.Is(err, ErrNameTaken) {
		name = fmt.Sprintf("%s-%d", c.Label, now.Unix()%10000)
		tag, err = m.registry.Allocate(name, m.cfg.Category, c.Rationale, now)
	}
	if err != nil {
		// exhaustion funnels everything into the last allocated tag space;
		// operators get an event rather than a crash
		m.notify(ReviewEvent{Kind: "allocation_failed", Message: err.Error(), At: now})
		return models.UnknownSGT, nil
	}
	m.notify(ReviewEvent{
		Kind:    "new_tag",
		Message: fmt.Sprintf("allocated tag %d %q (%s)", tag.Value, tag.Name, c.Rationale),
		At:      now,
	})
	return tag.Value, &tag
}

// overlapMatchLocked finds the tag whose current members overlap the
// cluster's best, above the configured floor.
func (m *Manager) overlapMatchLocked(members []string) (uint16, bool) {
	byTag := make(map[uint16][]string)
	for ep, mem := range m.members {
		byTag[mem.SGTValue] = append(byTag[mem.SGTValue], ep)
	}

	values := make([]uint16, 0, len(byTag))
	for v := range byTag {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	bestV, best := uint16(0), 0.0
	for _, v := range values {
		if v == models.UnknownSGT {
			continue
		}
		if o := cluster.Overlap(members, byTag[v]); o > best {
			bestV, best = v, o
		}
	}
	if best >= m.cfg.MatchOverlap {
		return bestV, true
	}
	return 0, false
}

// ApplyIncremental records a nearest-centroid placement for one endpoint.
// Existing batch and manual memberships win over incremental ones.
func (m *Manager) ApplyIncremental(endpointID string, p cluster.Placement, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, has := m.members[endpointID]
	if has && cur.AssignedBy != models.OriginIncremental {
		return false
	}
	if has && cur.SGTValue == p.SGTValue {
		cur.ConfirmedAt = now
		cur.Confidence = p.Confidence
		m.members[endpointID] = cur
		return true
	}
	if has {
		m.history = append(m.history, models.HistoryRecord{
			EndpointID:   endpointID,
			SGTValue:     cur.SGTValue,
			AssignedAt:   cur.AssignedAt,
			SupersededAt: now,
			AssignedBy:   cur.AssignedBy,
		})
	}
	m.members[endpointID] = models.Membership{
		EndpointID:  endpointID,
		SGTValue:    p.SGTValue,
		AssignedAt:  now,
		ConfirmedAt: now,
		AssignedBy:  models.OriginIncremental,
		Confidence:  p.Confidence,
		ClusterID:   p.ClusterID,
	}
	return true
}

// SetManual pins an endpoint to a tag. Automated runs will not move it.
func (m *Manager) SetManual(endpointID string, value uint16, now time.Time) error {
	if _, ok := m.registry.Lookup(value); !ok {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, has := m.members[endpointID]; has {
		m.history = append(m.history, models.HistoryRecord{
			EndpointID:   endpointID,
			SGTValue:     cur.SGTValue,
			AssignedAt:   cur.AssignedAt,
			SupersededAt: now,
			AssignedBy:   cur.AssignedBy,
		})
	}
	m.members[endpointID] = models.Membership{
		EndpointID:  endpointID,
		SGTValue:    value,
		AssignedAt:  now,
		ConfirmedAt: now,
		AssignedBy:  models.OriginManual,
		Confidence:  1,
		ClusterID:   -1,
	}
	return nil
}

// ClearManual lifts a manual pin so the next run may reassign the endpoint.
func (m *Manager) ClearManual(endpointID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, has := m.members[endpointID]
	if !has || cur.AssignedBy != models.OriginManual {
		return false
	}
	m.history = append(m.history, models.HistoryRecord{
		EndpointID:   endpointID,
		SGTValue:     cur.SGTValue,
		AssignedAt:   cur.AssignedAt,
		SupersededAt: now,
		AssignedBy:   cur.AssignedBy,
	})
	delete(m.members, endpointID)
	return true
}

// Membership returns the current membership for an endpoint.
func (m *Manager) Membership(endpointID string) (models.Membership, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[endpointID]
	return mem, ok
}

// Memberships copies the whole membership table.
func (m *Manager) Memberships() []models.Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Membership, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// TagFor resolves an endpoint to its tag value, UnknownSGT when unassigned.
func (m *Manager) TagFor(endpointID string) uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mem, ok := m.members[endpointID]; ok {
		return mem.SGTValue
	}
	return models.UnknownSGT
}

// History returns the append-only log for one endpoint, oldest first.
func (m *Manager) History(endpointID string) []models.HistoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HistoryRecord
	for _, h := range m.history {
		if h.EndpointID == endpointID {
			out = append(out, h)
		}
	}
	return out
}

// HistoryLog returns the rows appended at or after offset plus the new
// offset, so callers can persist the append-only log incrementally.
func (m *Manager) HistoryLog(offset int) ([]models.HistoryRecord, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if offset < 0 || offset > len(m.history) {
		offset = len(m.history)
	}
	out := append([]models.HistoryRecord{}, m.history[offset:]...)
	return out, len(m.history)
}

// RestoreMembership reinstalls a persisted membership at boot without
// writing history. Later runs treat it like any assignment of its origin.
func (m *Manager) RestoreMembership(mem models.Membership) {
	m.mu.Lock()
	m.members[mem.EndpointID] = mem
	m.mu.Unlock()
}

// AssignedCount is the number of endpoints with a current membership.
func (m *Manager) AssignedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)
}
