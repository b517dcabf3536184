// Package store owns the per-endpoint sketches and the endpoint identity
// table. Sketches store only endpoint keys; user identity lives in the
// resolver's side-band table and never forces a sketch rewrite.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/internal/sketch"
	"github.com/rawblock/clarion/pkg/models"
)

// addrHistoryCap bounds the most-recent-addresses list per endpoint.
const addrHistoryCap = 8

// entry pairs an endpoint with its sketch under one lock. Writes to a
// single endpoint serialize here; cross-endpoint writes are independent.
type entry struct {
	mu sync.Mutex
	ep models.Endpoint
	sk *sketch.Sketch
}

// seqKey identifies one edge-agent replication stream.
type seqKey struct {
	Agent    string
	Endpoint string
}

// Store is the sketch store. Readers snapshot via deep copy and never
// observe a torn sketch.
type Store struct {
	shape sketch.Shape

	mu      sync.RWMutex
	entries map[string]*entry
	byAddr  map[string]string // "exporter|addr" -> endpoint id
	byNet   map[string]string // bare addr -> endpoint id, newest observation wins
	byHW    map[string]string // hardware address -> endpoint id

	seqMu    sync.Mutex
	seq      map[seqKey]uint64 // highest applied sequence per stream
	inflight map[seqKey]uint64 // sequences merging right now, per stream
	seqOrder []seqKey          // insertion order for oldest-drop eviction
	seqCap   int
}

// New creates a store producing sketches of the given shape.
func New(shape sketch.Shape, seqCap int) *Store {
	if seqCap <= 0 {
		seqCap = 100000
	}
	return &Store{
		shape:    shape,
		entries:  make(map[string]*entry),
		byAddr:   make(map[string]string),
		byNet:    make(map[string]string),
		byHW:     make(map[string]string),
		seq:      make(map[seqKey]uint64),
		inflight: make(map[seqKey]uint64),
		seqCap:   seqCap,
	}
}

// Shape returns the configured sketch shape.
func (s *Store) Shape() sketch.Shape { return s.shape }

func addrKey(exporter, addr string) string {
	return exporter + "|" + addr
}

// Resolve returns the endpoint id for an observed address, minting a new
// endpoint when nothing matches. Hardware address wins over exporter-scoped
// network address; a UUID is the fallback key of last resort.
func (s *Store) Resolve(exporter, addr, hwAddr string, seen time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hwAddr != "" {
		if id, ok := s.byHW[strings.ToLower(hwAddr)]; ok {
			s.noteAddrLocked(id, exporter, addr, seen)
			return id
		}
	}
	if id, ok := s.byAddr[addrKey(exporter, addr)]; ok {
		s.byNet[addr] = id
		return id
	}

	id := uuid.NewString()
	e := &entry{
		ep: models.Endpoint{
			ID:     id,
			HWAddr: strings.ToLower(hwAddr),
			Addresses: []models.AddrObservation{
				{Address: addr, SeenAt: seen},
			},
		},
		sk: sketch.New(s.shape),
	}
	s.entries[id] = e
	s.byAddr[addrKey(exporter, addr)] = id
	s.byNet[addr] = id
	if hwAddr != "" {
		s.byHW[strings.ToLower(hwAddr)] = id
	}
	return id
}

// noteAddrLocked records an address observation on an endpoint found by
// hardware address, keeping the bounded history newest-first.
func (s *Store) noteAddrLocked(id, exporter, addr string, seen time.Time) {
	s.byAddr[addrKey(exporter, addr)] = id
	s.byNet[addr] = id
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, obs := range e.ep.Addresses {
		if obs.Address == addr {
			return
		}
	}
	e.ep.Addresses = append([]models.AddrObservation{{Address: addr, SeenAt: seen}}, e.ep.Addresses...)
	if len(e.ep.Addresses) > addrHistoryCap {
		e.ep.Addresses = e.ep.Addresses[:addrHistoryCap]
	}
}

func (s *Store) get(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// ObserveSide folds one side of a flow into that endpoint's sketch.
// After the call, last-seen >= the flow's end time and a non-zero
// first-seen never moves.
func (s *Store) ObserveSide(f *models.FlowRecord, outbound bool) string {
	addr := f.SrcAddr
	if !outbound {
		addr = f.DstAddr
	}
	id := s.Resolve(f.Exporter, addr, "", f.End)
	e, ok := s.get(id)
	if !ok {
		return id
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sk.Observe(f, outbound)
	if e.ep.FirstSeen.IsZero() {
		e.ep.FirstSeen = f.Start
	}
	if f.End.After(e.ep.LastSeen) {
		e.ep.LastSeen = f.End
	}
	return id
}

// RecordFlow updates both endpoint sketches for one flow. The intake path
// calls ObserveSide per shard instead; this entry point serves tests and
// the API replay path.
func (s *Store) RecordFlow(f *models.FlowRecord) (srcID, dstID string) {
	srcID = s.ObserveSide(f, true)
	dstID = s.ObserveSide(f, false)
	return srcID, dstID
}

// Snapshot returns a deep copy of an endpoint and its sketch.
func (s *Store) Snapshot(id string) (models.Endpoint, *sketch.Sketch, bool) {
	e, ok := s.get(id)
	if !ok {
		return models.Endpoint{}, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ep := e.ep
	ep.Addresses = append([]models.AddrObservation{}, e.ep.Addresses...)
	return ep, e.sk.Clone(), true
}

// EndpointView is one (endpoint, sketch) pair from a store pass.
type EndpointView struct {
	Endpoint models.Endpoint
	Sketch   *sketch.Sketch
}

// SnapshotAll copies every endpoint with at least minFlows folded in, in
// one logical pass. Mutations concurrent with the pass may or may not be
// visible, but no sketch is read torn.
func (s *Store) SnapshotAll(minFlows uint64) []EndpointView {
	s.mu.RLock()
	refs := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		refs = append(refs, e)
	}
	s.mu.RUnlock()

	out := make([]EndpointView, 0, len(refs))
	for _, e := range refs {
		e.mu.Lock()
		if e.sk.Flows() >= minFlows {
			ep := e.ep
			ep.Addresses = append([]models.AddrObservation{}, e.ep.Addresses...)
			out = append(out, EndpointView{Endpoint: ep, Sketch: e.sk.Clone()})
		}
		e.mu.Unlock()
	}
	return out
}

// Count returns the number of tracked endpoints.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// SetAttributes updates the descriptive endpoint fields supplied by
// identity sources (hostname, device type, profile, hardware address).
// Lock order is store before entry, same as Resolve.
func (s *Store) SetAttributes(id, hostname, deviceType, profile, hwAddr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if hostname != "" {
		e.ep.Hostname = hostname
	}
	if deviceType != "" {
		e.ep.DeviceType = deviceType
	}
	if profile != "" {
		e.ep.Profile = profile
	}
	if hwAddr != "" && e.ep.HWAddr == "" {
		e.ep.HWAddr = strings.ToLower(hwAddr)
		s.byHW[e.ep.HWAddr] = id
	}
	return true
}

// FindByAddr locates an endpoint by hardware address or bare network
// address, for identity sources that do not know the exporter scope.
func (s *Store) FindByAddr(addr, hwAddr string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hwAddr != "" {
		if id, ok := s.byHW[strings.ToLower(hwAddr)]; ok {
			return id, true
		}
	}
	id, ok := s.byNet[addr]
	return id, ok
}

// MergePartial folds an edge-agent partial sketch into an endpoint,
// gated by the per-(agent, endpoint) sequence number so replays of the
// same envelope are idempotent. A sequence being merged on another
// goroutine gates exactly like an applied one, so concurrent deliveries
// of the same envelope fold in once. Returns true when the partial was
// applied.
func (s *Store) MergePartial(agent, endpointKey string, seq uint64, partial *sketch.Sketch) (bool, error) {
	key := seqKey{Agent: agent, Endpoint: endpointKey}

	s.seqMu.Lock()
	last, seen := s.seq[key]
	if seen && seq <= last {
		s.seqMu.Unlock()
		metrics.DuplicateEnvelopes.Inc()
		return false, nil
	}
	if fl, busy := s.inflight[key]; busy && seq <= fl {
		s.seqMu.Unlock()
		metrics.DuplicateEnvelopes.Inc()
		return false, nil
	}
	s.inflight[key] = seq
	s.seqMu.Unlock()
	defer func() {
		s.seqMu.Lock()
		if s.inflight[key] == seq {
			delete(s.inflight, key)
		}
		s.seqMu.Unlock()
	}()

	id := s.Resolve("agent:"+agent, endpointKey, "", partial.LastSeen)
	e, ok := s.get(id)
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	if err := e.sk.Merge(partial); err != nil {
		e.mu.Unlock()
		metrics.InvalidShape.Inc()
		return false, err
	}
	if e.ep.FirstSeen.IsZero() && !partial.FirstSeen.IsZero() {
		e.ep.FirstSeen = partial.FirstSeen
	}
	if partial.LastSeen.After(e.ep.LastSeen) {
		e.ep.LastSeen = partial.LastSeen
	}
	e.mu.Unlock()

	// record the sequence only after a successful merge
	s.seqMu.Lock()
	if _, existed := s.seq[key]; !existed {
		s.seqOrder = append(s.seqOrder, key)
		if len(s.seqOrder) > s.seqCap {
			oldest := s.seqOrder[0]
			s.seqOrder = s.seqOrder[1:]
			delete(s.seq, oldest)
		}
	}
	if seq > s.seq[key] {
		s.seq[key] = seq
	}
	s.seqMu.Unlock()
	return true, nil
}

// Expire removes endpoints whose sketches were last updated before cutoff
// and returns them so the caller can emit last-seen events.
func (s *Store) Expire(cutoff time.Time) []models.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.Endpoint
	for id, e := range s.entries {
		e.mu.Lock()
		stale := !e.ep.LastSeen.IsZero() && e.ep.LastSeen.Before(cutoff)
		ep := e.ep
		e.mu.Unlock()
		if !stale {
			continue
		}
		delete(s.entries, id)
		for k, v := range s.byAddr {
			if v == id {
				delete(s.byAddr, k)
			}
		}
		for k, v := range s.byNet {
			if v == id {
				delete(s.byNet, k)
			}
		}
		if ep.HWAddr != "" {
			delete(s.byHW, ep.HWAddr)
		}
		expired = append(expired, ep)
		metrics.SketchesExpired.Inc()
	}
	return expired
}
