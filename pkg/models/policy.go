package models

import "time"

// UnknownSGT is the bucket for flows whose endpoints have no current
// membership at matrix-rebuild time. Reported separately, never used in
// emitted rules.
const UnknownSGT uint16 = 0

// PortShare is one destination port with its share of a matrix cell's flows.
type PortShare struct {
	Port  uint16  `json:"port"`
	Proto uint8   `json:"proto"`
	Share float64 `json:"share"` // fraction of the cell's flow count
}

// MatrixCell aggregates observed traffic between one ordered SGT pair.
type MatrixCell struct {
	SrcSGT    uint16    `json:"srcSgt"`
	DstSGT    uint16    `json:"dstSgt"`
	Flows     uint64    `json:"flows"`
	Bytes     uint64    `json:"bytes"`
	TopPorts  []PortShare      `json:"topPorts"`
	Protocols map[uint8]uint64 `json:"protocols"` // protocol -> flow count
}

// MatrixSnapshot is an immutable SGT x SGT communication matrix for a window.
type MatrixSnapshot struct {
	Version     int64        `json:"version"`
	From        time.Time    `json:"from"`
	To          time.Time    `json:"to"`
	Approximate bool         `json:"approximate"` // built from sketches, not flow samples
	Cells       []MatrixCell `json:"cells"`
	UnknownSrc  uint64       `json:"unknownSrcFlows"` // flows with unresolved source SGT
	UnknownDst  uint64       `json:"unknownDstFlows"`
	BuiltAt     time.Time    `json:"builtAt"`
}

// Rule actions and origins in the neutral policy IR.
const (
	ActionPermit = "permit"
	ActionDeny   = "deny"

	RuleObserved  = "observed"
	RuleDefault   = "default"
	RuleInherited = "inherited"
)

// PortConstraint narrows a rule to one protocol/port pair. An empty
// constraint list means "any".
type PortConstraint struct {
	Proto uint8  `json:"proto"`
	Port  uint16 `json:"port"`
}

// PolicyRule is one rule in the neutral IR. For any SGT pair, rules are
// totally ordered by Order and the last rule is a terminal default.
type PolicyRule struct {
	SrcSGT        uint16           `json:"srcSgt"`
	DstSGT        uint16           `json:"dstSgt"`
	Order         int              `json:"order"`
	Action        string           `json:"action"`
	Constraints   []PortConstraint `json:"constraints,omitempty"`
	Justification string           `json:"justification"`
	Confidence    float64          `json:"confidence"`
	Origin        string           `json:"origin"`
}

// TightenRecommendation flags an inherited permit that is broader than the
// observed traffic (least-privilege delta).
type TightenRecommendation struct {
	SrcSGT      uint16           `json:"srcSgt"`
	DstSGT      uint16           `json:"dstSgt"`
	Proposed    []PortConstraint `json:"proposed"`
	Rationale   string           `json:"rationale"`
	ByteShare   float64          `json:"byteShare"` // share of observed bytes the proposal covers
}

// BlockedFlow is an observed flow aggregate that the proposed rules would
// deny; the regression-risk set of an impact analysis.
type BlockedFlow struct {
	SrcSGT   uint16 `json:"srcSgt"`
	DstSGT   uint16 `json:"dstSgt"`
	Proto    uint8  `json:"proto"`
	Port     uint16 `json:"port"`
	Flows    uint64 `json:"flows"`
	Severity string `json:"severity"` // "low", "medium", "high"
}

// ImpactAnalysis summarizes a proposed policy set.
type ImpactAnalysis struct {
	Permits     int           `json:"permits"`
	Denies      int           `json:"denies"`
	Inherited   int           `json:"inherited"`
	Blocked     []BlockedFlow `json:"blocked"`
}

// PolicySet is the recommender's output: the neutral IR plus analysis.
type PolicySet struct {
	MatrixVersion int64                   `json:"matrixVersion"`
	GeneratedAt   time.Time               `json:"generatedAt"`
	Rules         []PolicyRule            `json:"rules"`
	Tighten       []TightenRecommendation `json:"tighten,omitempty"`
	Impact        ImpactAnalysis          `json:"impact"`
}
