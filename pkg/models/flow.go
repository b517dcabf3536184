package models

import "time"

// Protocol numbers we care about when classifying traffic.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// FlowRecord is a single unidirectional flow as decoded from NetFlow v5/v9
// or IPFIX. Records are immutable and short-lived: they exist only on the
// path between the decoder and the sketch store.
type FlowRecord struct {
	SrcAddr  string    `json:"srcAddr"`
	DstAddr  string    `json:"dstAddr"`
	SrcPort  uint16    `json:"srcPort"`
	DstPort  uint16    `json:"dstPort"`
	Protocol uint8     `json:"protocol"`
	Bytes    uint64    `json:"bytes"`
	Packets  uint64    `json:"packets"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Exporter string    `json:"exporter"` // exporter address, scopes template caches

	// Optional Security Group Tags carried in vendor-specific fields
	// (e.g. Cisco TrustSec CTS source/destination group tag).
	SrcTag *uint16 `json:"srcTag,omitempty"`
	DstTag *uint16 `json:"dstTag,omitempty"`
}

// Valid reports whether the record satisfies the flow invariants:
// start <= end and non-negative counters (enforced by types).
func (f *FlowRecord) Valid() bool {
	return !f.Start.After(f.End) && f.SrcAddr != "" && f.DstAddr != ""
}
