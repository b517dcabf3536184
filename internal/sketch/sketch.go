package sketch

import (
	"encoding/binary"
	"time"

	"github.com/rawblock/clarion/pkg/models"
)

// Shape fixes the estimator dimensions for every sketch in the system.
// Edge agents must run the identical shape or their partials are rejected
// with ErrInvalidShape at merge time.
type Shape struct {
	HLLPrecision uint8
	CMSWidth     uint32
	CMSDepth     uint32
	TopK         int
}

// DefaultShape matches the documented configuration defaults.
func DefaultShape() Shape {
	return Shape{HLLPrecision: 12, CMSWidth: 2048, CMSDepth: 5, TopK: 10}
}

// Counters are the plain aggregate counters of an endpoint sketch.
// All of them are monotone under Observe and Merge.
type Counters struct {
	BytesIn    uint64 `json:"bytesIn"`
	BytesOut   uint64 `json:"bytesOut"`
	PktsIn     uint64 `json:"pktsIn"`
	PktsOut    uint64 `json:"pktsOut"`
	FlowsIn    uint64 `json:"flowsIn"`
	FlowsOut   uint64 `json:"flowsOut"`
	TCPFlows   uint64 `json:"tcpFlows"`
	UDPFlows   uint64 `json:"udpFlows"`
	OtherFlows uint64 `json:"otherFlows"`
}

// Sketch is the per-endpoint behavioral fingerprint: cardinality and
// frequency estimators plus aggregate counters over a rolling observation
// window. Sketches are mergeable; merge never decreases any counter or
// cardinality estimate.
type Sketch struct {
	Peers    *HLL `json:"peers"` // distinct peer addresses
	Ports    *HLL `json:"ports"` // distinct destination ports
	PortFreq *CMS `json:"portFreq"`
	PeerFreq *CMS `json:"peerFreq"`

	Counters    Counters    `json:"counters"`
	ActiveHours [24]uint64  `json:"activeHours"` // flow count per hour-of-day (UTC)
	TopPeers    *TopK       `json:"topPeers"`    // destinations by byte volume

	UpdateCount uint64    `json:"updateCount"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Version     uint64    `json:"version"`
}

// New creates an empty sketch with the given shape.
func New(s Shape) *Sketch {
	return &Sketch{
		Peers:    NewHLL(s.HLLPrecision),
		Ports:    NewHLL(s.HLLPrecision),
		PortFreq: NewCMS(s.CMSWidth, s.CMSDepth, s.TopK),
		PeerFreq: NewCMS(s.CMSWidth, s.CMSDepth, s.TopK),
		TopPeers: NewTopK(s.TopK),
	}
}

// portKey is the fixed CMS key encoding for a destination port.
func portKey(port uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	return b[:]
}

// Observe folds one flow into the sketch. outbound is true when this
// endpoint is the flow's source. First-seen is set once and never moves
// forward; last-seen never moves backward.
func (s *Sketch) Observe(f *models.FlowRecord, outbound bool) {
	peer := f.DstAddr
	if !outbound {
		peer = f.SrcAddr
	}

	s.Peers.AddString(peer)
	s.Ports.Add(portKey(f.DstPort))
	s.PortFreq.Add(portKey(f.DstPort), 1)
	s.PeerFreq.Add([]byte(peer), 1)

	if outbound {
		s.Counters.BytesOut += f.Bytes
		s.Counters.PktsOut += f.Packets
		s.Counters.FlowsOut++
		s.TopPeers.Accumulate(peer, f.Bytes)
	} else {
		s.Counters.BytesIn += f.Bytes
		s.Counters.PktsIn += f.Packets
		s.Counters.FlowsIn++
	}

	switch f.Protocol {
	case models.ProtoTCP:
		s.Counters.TCPFlows++
	case models.ProtoUDP:
		s.Counters.UDPFlows++
	default:
		s.Counters.OtherFlows++
	}

	s.ActiveHours[f.Start.UTC().Hour()]++

	if s.FirstSeen.IsZero() || f.Start.Before(s.FirstSeen) {
		s.FirstSeen = f.Start
	}
	if f.End.After(s.LastSeen) {
		s.LastSeen = f.End
	}
	s.UpdateCount++
	s.Version++
}

// Flows is the total flow count folded into the sketch.
func (s *Sketch) Flows() uint64 {
	return s.Counters.FlowsIn + s.Counters.FlowsOut
}

// Merge folds other into s. The operation is associative and commutative
// within each estimator's error bound and fails with ErrInvalidShape on
// mismatched estimator dimensions, leaving s unmodified.
func (s *Sketch) Merge(other *Sketch) error {
	// validate both estimator pairs before touching anything
	if other.Peers.Precision != s.Peers.Precision ||
		other.Ports.Precision != s.Ports.Precision ||
		other.PortFreq.Width != s.PortFreq.Width || other.PortFreq.Depth != s.PortFreq.Depth ||
		other.PeerFreq.Width != s.PeerFreq.Width || other.PeerFreq.Depth != s.PeerFreq.Depth {
		return ErrInvalidShape
	}

	if err := s.Peers.Merge(other.Peers); err != nil {
		return err
	}
	if err := s.Ports.Merge(other.Ports); err != nil {
		return err
	}
	if err := s.PortFreq.Merge(other.PortFreq); err != nil {
		return err
	}
	if err := s.PeerFreq.Merge(other.PeerFreq); err != nil {
		return err
	}

	s.Counters.BytesIn += other.Counters.BytesIn
	s.Counters.BytesOut += other.Counters.BytesOut
	s.Counters.PktsIn += other.Counters.PktsIn
	s.Counters.PktsOut += other.Counters.PktsOut
	s.Counters.FlowsIn += other.Counters.FlowsIn
	s.Counters.FlowsOut += other.Counters.FlowsOut
	s.Counters.TCPFlows += other.Counters.TCPFlows
	s.Counters.UDPFlows += other.Counters.UDPFlows
	s.Counters.OtherFlows += other.Counters.OtherFlows

	for i := range s.ActiveHours {
		s.ActiveHours[i] += other.ActiveHours[i]
	}
	s.TopPeers.Merge(other.TopPeers)

	s.UpdateCount += other.UpdateCount
	if !other.FirstSeen.IsZero() && (s.FirstSeen.IsZero() || other.FirstSeen.Before(s.FirstSeen)) {
		s.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(s.LastSeen) {
		s.LastSeen = other.LastSeen
	}
	s.Version++
	return nil
}

// Clone returns a deep copy. Readers snapshot through this so they never
// observe a torn sketch.
func (s *Sketch) Clone() *Sketch {
	c := &Sketch{
		Peers:       s.Peers.Clone(),
		Ports:       s.Ports.Clone(),
		PortFreq:    s.PortFreq.Clone(),
		PeerFreq:    s.PeerFreq.Clone(),
		Counters:    s.Counters,
		ActiveHours: s.ActiveHours,
		TopPeers:    s.TopPeers.Clone(),
		UpdateCount: s.UpdateCount,
		FirstSeen:   s.FirstSeen,
		LastSeen:    s.LastSeen,
		Version:     s.Version,
	}
	return c
}
