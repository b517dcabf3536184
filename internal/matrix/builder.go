// Package matrix aggregates observed traffic into an SGT x SGT
// communication matrix over a rolling window and publishes immutable,
// versioned snapshots.
package matrix

import (
	"sort"
	"sync"
	"time"

	"github.com/rawblock/clarion/internal/sketch"
	"github.com/rawblock/clarion/internal/store"
	"github.com/rawblock/clarion/pkg/models"
)

// cellKey is one ordered tag pair.
type cellKey struct {
	Src, Dst uint16
}

type portKey struct {
	Proto uint8
	Port  uint16
}

// agg is the mutable accumulation for one cell inside one bucket.
type agg struct {
	Flows     uint64
	Bytes     uint64
	Protocols map[uint8]uint64
	Ports     map[portKey]uint64
}

// bucket is one time slice of the rolling window.
type bucket struct {
	start time.Time
	cells map[cellKey]*agg
}

// Builder accumulates tagged flows into minute buckets. Snapshots merge
// the buckets inside the requested window; the accumulation maps are never
// handed out, so a published snapshot cannot change under a reader.
type Builder struct {
	mu         sync.Mutex
	buckets    []bucket
	bucketSize time.Duration
	maxWindow  time.Duration
	topN       int
	unknownSrc uint64
	unknownDst uint64
	version    int64
}

// NewBuilder creates a builder retaining maxWindow of history.
func NewBuilder(maxWindow time.Duration, topN int) *Builder {
	if maxWindow <= 0 {
		maxWindow = time.Hour
	}
	if topN <= 0 {
		topN = 5
	}
	return &Builder{
		bucketSize: time.Minute,
		maxWindow:  maxWindow,
		topN:       topN,
	}
}

// Record folds one flow under its resolved tag pair. Unresolved sides land
// in the unknown bucket (tag 0); the cell is still recorded so operators
// can see unclassified traffic, but the recommender never emits rules for
// tag 0.
func (b *Builder) Record(f *models.FlowRecord, srcSGT, dstSGT uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if srcSGT == models.UnknownSGT {
		b.unknownSrc++
	}
	if dstSGT == models.UnknownSGT {
		b.unknownDst++
	}

	bk := b.bucketFor(f.End)
	key := cellKey{Src: srcSGT, Dst: dstSGT}
	a := bk.cells[key]
	if a == nil {
		a = &agg{Protocols: make(map[uint8]uint64), Ports: make(map[portKey]uint64)}
		bk.cells[key] = a
	}
	a.Flows++
	a.Bytes += f.Bytes
	a.Protocols[f.Protocol]++
	a.Ports[portKey{Proto: f.Protocol, Port: f.DstPort}]++

	b.evictLocked(f.End)
}

func (b *Builder) bucketFor(t time.Time) *bucket {
	start := t.Truncate(b.bucketSize)
	for i := range b.buckets {
		if b.buckets[i].start.Equal(start) {
			return &b.buckets[i]
		}
	}
	b.buckets = append(b.buckets, bucket{start: start, cells: make(map[cellKey]*agg)})
	sort.Slice(b.buckets, func(i, j int) bool { return b.buckets[i].start.Before(b.buckets[j].start) })
	for i := range b.buckets {
		if b.buckets[i].start.Equal(start) {
			return &b.buckets[i]
		}
	}
	return nil // unreachable
}

func (b *Builder) evictLocked(now time.Time) {
	cutoff := now.Add(-b.maxWindow - b.bucketSize)
	keep := b.buckets[:0]
	for _, bk := range b.buckets {
		if !bk.start.Before(cutoff) {
			keep = append(keep, bk)
		}
	}
	b.buckets = keep
}

// Build merges the buckets overlapping [from, to) into a snapshot.
func (b *Builder) Build(from, to time.Time) *models.MatrixSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make(map[cellKey]*agg)
	for _, bk := range b.buckets {
		if bk.start.Before(from) || !bk.start.Before(to) {
			continue
		}
		for k, a := range bk.cells {
			m := merged[k]
			if m == nil {
				m = &agg{Protocols: make(map[uint8]uint64), Ports: make(map[portKey]uint64)}
				merged[k] = m
			}
			m.Flows += a.Flows
			m.Bytes += a.Bytes
			for p, n := range a.Protocols {
				m.Protocols[p] += n
			}
			for p, n := range a.Ports {
				m.Ports[p] += n
			}
		}
	}

	b.version++
	snap := &models.MatrixSnapshot{
		Version:    b.version,
		From:       from,
		To:         to,
		UnknownSrc: b.unknownSrc,
		UnknownDst: b.unknownDst,
		BuiltAt:    time.Now().UTC(),
	}
	snap.Cells = assembleCells(merged, b.topN)
	return snap
}

// BuildApproximate derives a matrix from per-endpoint sketches instead of
// flow samples: cell volume comes from each endpoint's heavy-peer
// accumulator, ports from its port frequency estimates. Peer addresses are
// translated to tags through the endpoints' own address observations.
// Coarser than the sampled path and flagged as such.
func BuildApproximate(views []store.EndpointView, tags map[string]uint16, topN int) *models.MatrixSnapshot {
	if topN <= 0 {
		topN = 5
	}

	addrTag := make(map[string]uint16)
	for _, v := range views {
		t := tags[v.Endpoint.ID]
		for _, obs := range v.Endpoint.Addresses {
			addrTag[obs.Address] = t
		}
	}

	merged := make(map[cellKey]*agg)
	var unknownSrc, unknownDst uint64
	var from, to time.Time

	for _, v := range views {
		src := tags[v.Endpoint.ID]
		sk := v.Sketch
		if sk == nil {
			continue
		}
		if !sk.FirstSeen.IsZero() && (from.IsZero() || sk.FirstSeen.Before(from)) {
			from = sk.FirstSeen
		}
		if sk.LastSeen.After(to) {
			to = sk.LastSeen
		}

		peers := sk.TopPeers.Entries(sk.TopPeers.K)
		var peerBytes uint64
		for _, p := range peers {
			peerBytes += p.Count
		}
		if peerBytes == 0 {
			continue
		}

		outFlows := sk.Counters.FlowsOut
		topPorts := sk.PortFreq.TopK(topN)

		for _, p := range peers {
			dst, known := addrTag[p.Key]
			if !known {
				dst = models.UnknownSGT
			}
			share := float64(p.Count) / float64(peerBytes)
			flows := uint64(share * float64(outFlows))
			if flows == 0 && p.Count > 0 {
				flows = 1
			}
			if src == models.UnknownSGT {
				unknownSrc += flows
			}
			if dst == models.UnknownSGT {
				unknownDst += flows
			}

			key := cellKey{Src: src, Dst: dst}
			a := merged[key]
			if a == nil {
				a = &agg{Protocols: make(map[uint8]uint64), Ports: make(map[portKey]uint64)}
				merged[key] = a
			}
			a.Flows += flows
			a.Bytes += p.Count
			a.Protocols[models.ProtoTCP] += uint64(share * float64(sk.Counters.TCPFlows))
			a.Protocols[models.ProtoUDP] += uint64(share * float64(sk.Counters.UDPFlows))
			for _, tp := range topPorts {
				port := sketch.DecodePortKey(tp.Key)
				frac := float64(tp.Count) / float64(sk.Flows())
				a.Ports[portKey{Proto: models.ProtoTCP, Port: port}] += uint64(share * frac * float64(outFlows))
			}
		}
	}

	return &models.MatrixSnapshot{
		Version:     time.Now().UnixNano(),
		From:        from,
		To:          to,
		Approximate: true,
		Cells:       assembleCells(merged, topN),
		UnknownSrc:  unknownSrc,
		UnknownDst:  unknownDst,
		BuiltAt:     time.Now().UTC(),
	}
}

// assembleCells finalizes merged aggregations: cells sorted by tag pair,
// top ports by flow share.
func assembleCells(merged map[cellKey]*agg, topN int) []models.MatrixCell {
	keys := make([]cellKey, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Src != keys[j].Src {
			return keys[i].Src < keys[j].Src
		}
		return keys[i].Dst < keys[j].Dst
	})

	cells := make([]models.MatrixCell, 0, len(keys))
	for _, k := range keys {
		a := merged[k]
		cell := models.MatrixCell{
			SrcSGT:    k.Src,
			DstSGT:    k.Dst,
			Flows:     a.Flows,
			Bytes:     a.Bytes,
			Protocols: a.Protocols,
			TopPorts:  topPorts(a, topN),
		}
		cells = append(cells, cell)
	}
	return cells
}

func topPorts(a *agg, topN int) []models.PortShare {
	type pc struct {
		k portKey
		n uint64
	}
	list := make([]pc, 0, len(a.Ports))
	for k, n := range a.Ports {
		list = append(list, pc{k, n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].n != list[j].n {
			return list[i].n > list[j].n
		}
		if list[i].k.Port != list[j].k.Port {
			return list[i].k.Port < list[j].k.Port
		}
		return list[i].k.Proto < list[j].k.Proto
	})
	if len(list) > topN {
		list = list[:topN]
	}
	out := make([]models.PortShare, 0, len(list))
	for _, e := range list {
		out = append(out, models.PortShare{
			Port:  e.k.Port,
			Proto: e.k.Proto,
			Share: float64(e.n) / float64(a.Flows),
		})
	}
	return out
}
