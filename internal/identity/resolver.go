// Package identity resolves (address, time) to users and groups across
// asynchronous sources. Attribution is a side-band table keyed by endpoint:
// when identity arrives after traffic, the pending rows are updated in
// place and no sketch is ever rewritten.
package identity

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/pkg/models"
)

// Session is one access-control session binding an address to a user.
// A zero End means the session is still current.
type Session struct {
	Address string
	HWAddr  string
	UserID  string
	Groups  []string
	Profile string
	Source  string
	Start   time.Time
	End     time.Time
}

// covers reports whether the session covers t, honoring the grace window
// for point queries shortly after a session ended.
func (s *Session) covers(t time.Time, grace time.Duration) bool {
	if t.Before(s.Start) {
		return false
	}
	if s.End.IsZero() {
		return true
	}
	return !t.After(s.End.Add(grace))
}

// Backend is the optional fall-through to the external relational store
// for session lookups that miss the in-memory index. Calls are bounded by
// the caller's context deadline; a miss or error is treated as missing.
type Backend interface {
	LookupSession(ctx context.Context, address string, at time.Time) (Session, bool, error)
}

// pendingAttr is one flow awaiting late identity.
type pendingAttr struct {
	EndpointID string
	Address    string
	FlowTime   time.Time
}

// Config tunes resolution behavior. Thresholds are configuration, never
// hard-coded call sites.
type Config struct {
	Grace             time.Duration // session lookup tolerance
	PendingCap        int           // bounded pending FIFO
	ConfidenceMin     float64       // below this, attribution stays pending
	SessionOnlyBase   float64
	AgreementBase     float64
	ContradictBase    float64
	FreshnessHalfLife time.Duration // decay of session/directory age
	ExternalTimeout   time.Duration
}

// Resolver holds the session and directory indices plus the attribution
// side-band. All indices are in-memory and internally locked.
type Resolver struct {
	cfg     Config
	backend Backend

	mu        sync.RWMutex
	sessions  map[string][]Session // by address, ordered by start
	users     map[string]models.User
	snapshots []models.DirectorySnapshot // ordered by AsOf, bounded
	attrib    map[string]models.Attribution
	pending   []pendingAttr
}

// NewResolver creates a resolver; backend may be nil.
func NewResolver(cfg Config, backend Backend) *Resolver {
	if cfg.Grace <= 0 {
		cfg.Grace = 60 * time.Second
	}
	if cfg.PendingCap <= 0 {
		cfg.PendingCap = 100000
	}
	if cfg.SessionOnlyBase == 0 {
		cfg.SessionOnlyBase = 0.7
	}
	if cfg.AgreementBase == 0 {
		cfg.AgreementBase = 0.9
	}
	if cfg.ContradictBase == 0 {
		cfg.ContradictBase = 0.35
	}
	if cfg.FreshnessHalfLife <= 0 {
		cfg.FreshnessHalfLife = 12 * time.Hour
	}
	if cfg.ConfidenceMin == 0 {
		cfg.ConfidenceMin = 0.4
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = 10 * time.Second
	}
	return &Resolver{
		cfg:      cfg,
		backend:  backend,
		sessions: make(map[string][]Session),
		users:    make(map[string]models.User),
		attrib:   make(map[string]models.Attribution),
	}
}

// ApplySession folds one session event into the index and resolves any
// pending attributions the session now covers.
func (r *Resolver) ApplySession(ev models.SessionEvent) int {
	r.mu.Lock()
	switch ev.Kind {
	case "end":
		list := r.sessions[ev.Address]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].UserID == ev.UserID && list[i].End.IsZero() {
				list[i].End = ev.EventTime
				break
			}
		}
	default: // "start", "update"
		list := r.sessions[ev.Address]
		// an update to the open session for the same user edits in place
		updated := false
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].UserID == ev.UserID && list[i].End.IsZero() {
				list[i].Groups = ev.Groups
				list[i].Profile = ev.Profile
				updated = true
				break
			}
		}
		if !updated {
			// a new session for this address closes any other open one
			for i := range list {
				if list[i].End.IsZero() {
					list[i].End = ev.EventTime
				}
			}
			list = append(list, Session{
				Address: ev.Address,
				HWAddr:  ev.HWAddr,
				UserID:  ev.UserID,
				Groups:  ev.Groups,
				Profile: ev.Profile,
				Source:  ev.Source,
				Start:   ev.EventTime,
			})
			sort.Slice(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
		}
		r.sessions[ev.Address] = list
	}
	r.mu.Unlock()

	return r.drainPending(ev.Address)
}

// ApplyDirectory installs a directory snapshot and refreshes the user table.
// Updates are idempotent by (principal, source).
func (r *Resolver) ApplyDirectory(snap models.DirectorySnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range snap.Users {
		u.UpdatedAt = snap.AsOf
		r.users[u.ID] = u
	}
	r.snapshots = append(r.snapshots, snap)
	sort.Slice(r.snapshots, func(i, j int) bool { return r.snapshots[i].AsOf.Before(r.snapshots[j].AsOf) })
	if len(r.snapshots) > 16 {
		r.snapshots = r.snapshots[len(r.snapshots)-16:]
	}
}

// User returns the directory record for id.
func (r *Resolver) User(id string) (models.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// sessionAt finds the session covering (address, t): the covering session,
// or the most recent session ending before t within the grace window.
func (r *Resolver) sessionAt(address string, t time.Time) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.sessions[address]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].covers(t, r.cfg.Grace) {
			return list[i], true
		}
	}
	return Session{}, false
}

// directoryGroups returns the group set in effect at t: the newest snapshot
// with AsOf <= t, falling back to the oldest available.
func (r *Resolver) directoryGroups(userID string, t time.Time) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if !r.snapshots[i].AsOf.After(t) || i == 0 {
			for _, u := range r.snapshots[i].Users {
				if u.ID == userID {
					return u.Groups, true
				}
			}
			return nil, false
		}
	}
	return nil, false
}

// score combines source agreement with freshness decay. The decay factor
// halves per FreshnessHalfLife of session age and floors at 0.5 so a stale
// but uncontradicted session is still worth half its base.
func (r *Resolver) score(sess Session, at time.Time) float64 {
	base := r.cfg.SessionOnlyBase
	if dirGroups, ok := r.directoryGroups(sess.UserID, at); ok {
		if intersects(dirGroups, sess.Groups) {
			base = r.cfg.AgreementBase
		} else if len(dirGroups) > 0 && len(sess.Groups) > 0 {
			base = r.cfg.ContradictBase
		}
	}

	age := at.Sub(sess.Start)
	if age < 0 {
		age = 0
	}
	decay := math.Exp2(-float64(age) / float64(r.cfg.FreshnessHalfLife))
	if decay < 0.5 {
		decay = 0.5
	}
	c := base * decay
	if c > 1 {
		c = 1
	}
	return c
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return true
		}
	}
	return false
}

// ResolveFlow attributes one flow endpoint. On an index miss (and optional
// backend miss) the flow is retained as pending: the sketch is already
// attributed to the endpoint handle alone, and only the side-band row will
// change when identity arrives.
func (r *Resolver) ResolveFlow(endpointID, address string, at time.Time) models.Attribution {
	sess, ok := r.sessionAt(address, at)
	if !ok && r.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ExternalTimeout)
		s, found, err := r.backend.LookupSession(ctx, address, at)
		cancel()
		if err != nil {
			metrics.ExternalRetries.WithLabelValues("identity").Inc()
		} else if found {
			sess, ok = s, true
		}
	}

	if ok {
		conf := r.score(sess, at)
		if conf >= r.cfg.ConfidenceMin {
			attr := models.Attribution{
				EndpointID: endpointID,
				UserID:     sess.UserID,
				Groups:     append([]string{}, sess.Groups...),
				Confidence: conf,
				ResolvedAt: at,
			}
			r.mu.Lock()
			r.attrib[endpointID] = attr
			r.mu.Unlock()
			return attr
		}
	}

	attr := models.Attribution{EndpointID: endpointID, Pending: true}
	r.mu.Lock()
	if cur, exists := r.attrib[endpointID]; !exists || cur.Pending {
		r.attrib[endpointID] = attr
	}
	r.pending = append(r.pending, pendingAttr{EndpointID: endpointID, Address: address, FlowTime: at})
	if len(r.pending) > r.cfg.PendingCap {
		drop := len(r.pending) - r.cfg.PendingCap
		r.pending = r.pending[drop:]
		for i := 0; i < drop; i++ {
			metrics.PendingIdentityDrops.Inc()
		}
	}
	metrics.PendingIdentityDepth.Set(float64(len(r.pending)))
	r.mu.Unlock()
	return attr
}

// drainPending re-resolves queued attributions for address after a session
// event. Returns the number resolved. Attributions update in place; no
// sketch work happens here.
func (r *Resolver) drainPending(address string) int {
	r.mu.Lock()
	var rest []pendingAttr
	var hits []pendingAttr
	for _, p := range r.pending {
		if p.Address == address {
			hits = append(hits, p)
		} else {
			rest = append(rest, p)
		}
	}
	r.pending = rest
	r.mu.Unlock()

	resolved := 0
	var unresolved []pendingAttr
	for _, p := range hits {
		sess, ok := r.sessionAt(p.Address, p.FlowTime)
		if !ok {
			unresolved = append(unresolved, p)
			continue
		}
		conf := r.score(sess, p.FlowTime)
		if conf < r.cfg.ConfidenceMin {
			unresolved = append(unresolved, p)
			continue
		}
		r.mu.Lock()
		r.attrib[p.EndpointID] = models.Attribution{
			EndpointID: p.EndpointID,
			UserID:     sess.UserID,
			Groups:     append([]string{}, sess.Groups...),
			Confidence: conf,
			ResolvedAt: p.FlowTime,
		}
		r.mu.Unlock()
		resolved++
	}

	r.mu.Lock()
	r.pending = append(r.pending, unresolved...)
	metrics.PendingIdentityDepth.Set(float64(len(r.pending)))
	r.mu.Unlock()
	return resolved
}

// Attribution returns the side-band identity row for an endpoint.
func (r *Resolver) Attribution(endpointID string) (models.Attribution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attrib[endpointID]
	return a, ok
}

// PendingCount is the current depth of the lazy-resolution FIFO.
func (r *Resolver) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// ConfidenceBand maps a scalar confidence onto the documented bands.
func ConfidenceBand(c float64) string {
	switch {
	case c < 0.4:
		return "low"
	case c < 0.7:
		return "medium"
	default:
		return "high"
	}
}
