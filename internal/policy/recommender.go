// Package policy turns matrix snapshots into recommended segmentation
// rules in a vendor-neutral IR, reconciled against whatever policy the
// fabric already enforces.
package policy

import (
	"fmt"
	"sort"
	"time"

	"github.com/rawblock/clarion/pkg/models"
)

// Rule generation
//
// Per observed tag pair, permits are proposed for the smallest set of top
// destination ports whose cumulative flow share reaches the coverage
// target, followed by a terminal default. Traffic on tag 0 (unknown) is
// never turned into rules. Inherited rules from the live fabric are
// adopted verbatim ahead of the default; a brownfield blanket permit over
// a pair whose observed traffic is concentrated on a few ports earns a
// tighten recommendation instead of silent replacement.
//
// Every emitted rule carries a human-readable justification and a
// confidence derived from the flow share it covers.

// terminalOrder places the per-pair default after any conceivable
// observed or inherited rule.
const terminalOrder = 1 << 16

// Config tunes rule generation.
type Config struct {
	Coverage      float64 // cumulative flow share observed permits must reach
	DefaultAction string  // terminal rule action
	TightenFloor  float64 // dominant share before a blanket permit earns a tighten
	MinFlows      uint64  // cells below this emit no rules
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Coverage:      0.9,
		DefaultAction: models.ActionDeny,
		TightenFloor:  0.95,
		MinFlows:      10,
	}
}

// Recommender generates policy sets from matrix snapshots.
type Recommender struct {
	cfg Config
}

// NewRecommender applies defaults to zero fields.
func NewRecommender(cfg Config) *Recommender {
	if cfg.Coverage <= 0 || cfg.Coverage > 1 {
		cfg.Coverage = 0.9
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = models.ActionDeny
	}
	if cfg.TightenFloor <= 0 {
		cfg.TightenFloor = 0.95
	}
	return &Recommender{cfg: cfg}
}

// Recommend builds a policy set for one snapshot. inherited is the rule
// set currently enforced by the fabric, possibly empty.
func (r *Recommender) Recommend(snap *models.MatrixSnapshot, inherited []models.PolicyRule) *models.PolicySet {
	set := &models.PolicySet{
		MatrixVersion: snap.Version,
		GeneratedAt:   time.Now().UTC(),
	}

	inheritedByPair := make(map[[2]uint16][]models.PolicyRule)
	for _, rule := range inherited {
		key := [2]uint16{rule.SrcSGT, rule.DstSGT}
		inheritedByPair[key] = append(inheritedByPair[key], rule)
	}

	seenPairs := make(map[[2]uint16]bool)
	for _, cell := range snap.Cells {
		if cell.SrcSGT == models.UnknownSGT || cell.DstSGT == models.UnknownSGT {
			continue
		}
		if cell.Flows < r.cfg.MinFlows {
			continue
		}
		key := [2]uint16{cell.SrcSGT, cell.DstSGT}
		seenPairs[key] = true

		constraints, covered := coveringConstraints(cell, r.cfg.Coverage)
		inh := inheritedByPair[key]

		if blanket := blanketPermit(inh); blanket != nil {
			// brownfield: keep the fabric's permit, propose the
			// least-privilege delta when traffic is concentrated enough
			adopted := *blanket
			adopted.Order = 0
			adopted.Origin = models.RuleInherited
			adopted.Justification = "adopted from enforced fabric policy"
			set.Rules = append(set.Rules, adopted)
			set.Impact.Inherited++

			if covered >= r.cfg.TightenFloor && len(constraints) > 0 {
				set.Tighten = append(set.Tighten, models.TightenRecommendation{
					SrcSGT:    cell.SrcSGT,
					DstSGT:    cell.DstSGT,
					Proposed:  constraints,
					Rationale: tightenRationale(cell, constraints, covered),
					ByteShare: byteShare(cell, constraints),
				})
			}
		} else {
			if len(inh) > 0 {
				// narrower inherited rules ride along ahead of ours
				for i, rule := range inh {
					rule.Order = i
					rule.Origin = models.RuleInherited
					set.Rules = append(set.Rules, rule)
					set.Impact.Inherited++
				}
			}
			if len(constraints) > 0 {
				set.Rules = append(set.Rules, models.PolicyRule{
					SrcSGT:        cell.SrcSGT,
					DstSGT:        cell.DstSGT,
					Order:         len(inh),
					Action:        models.ActionPermit,
					Constraints:   constraints,
					Justification: permitJustification(cell, constraints, covered, snap),
					Confidence:    covered,
					Origin:        models.RuleObserved,
				})
				set.Impact.Permits++
			}
		}

		// terminal default closes every pair
		set.Rules = append(set.Rules, models.PolicyRule{
			SrcSGT:        cell.SrcSGT,
			DstSGT:        cell.DstSGT,
			Order:         terminalOrder,
			Action:        r.cfg.DefaultAction,
			Justification: fmt.Sprintf("terminal default %s", r.cfg.DefaultAction),
			Confidence:    1,
			Origin:        models.RuleDefault,
		})
		if r.cfg.DefaultAction == models.ActionDeny {
			set.Impact.Denies++
		}

		// regression risk: observed traffic the proposal would deny
		if blanketPermit(inh) == nil && r.cfg.DefaultAction == models.ActionDeny {
			set.Impact.Blocked = append(set.Impact.Blocked, blockedFlows(cell, constraints)...)
		}
	}

	// inherited rules for pairs with no observed traffic survive untouched
	pairs := make([][2]uint16, 0, len(inheritedByPair))
	for key := range inheritedByPair {
		pairs = append(pairs, key)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	for _, key := range pairs {
		if seenPairs[key] {
			continue
		}
		for i, rule := range inheritedByPair[key] {
			rule.Order = i
			rule.Origin = models.RuleInherited
			rule.Justification = "adopted from enforced fabric policy; no traffic observed this window"
			set.Rules = append(set.Rules, rule)
			set.Impact.Inherited++
		}
	}

	sortRules(set.Rules)
	return set
}

// coveringConstraints selects top ports until their cumulative flow share
// reaches the coverage target. Returns the constraints and the share
// actually covered.
func coveringConstraints(cell models.MatrixCell, coverage float64) ([]models.PortConstraint, float64) {
	ports := append([]models.PortShare{}, cell.TopPorts...)
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Share != ports[j].Share {
			return ports[i].Share > ports[j].Share
		}
		return ports[i].Port < ports[j].Port
	})

	var out []models.PortConstraint
	covered := 0.0
	for _, p := range ports {
		if covered >= coverage {
			break
		}
		out = append(out, models.PortConstraint{Proto: p.Proto, Port: p.Port})
		covered += p.Share
	}
	if covered > 1 {
		covered = 1
	}
	return out, covered
}

// blanketPermit returns the first inherited permit with no port
// constraints, nil when none exists.
func blanketPermit(rules []models.PolicyRule) *models.PolicyRule {
	for i := range rules {
		if rules[i].Action == models.ActionPermit && len(rules[i].Constraints) == 0 {
			return &rules[i]
		}
	}
	return nil
}

func permitJustification(cell models.MatrixCell, cons []models.PortConstraint, covered float64, snap *models.MatrixSnapshot) string {
	src := "flow samples"
	if snap.Approximate {
		src = "sketch estimates"
	}
	return fmt.Sprintf("observed %d flows %d->%d; %s cover %.1f%% (%s, matrix v%d)",
		cell.Flows, cell.SrcSGT, cell.DstSGT, constraintList(cons), covered*100, src, snap.Version)
}

func tightenRationale(cell models.MatrixCell, cons []models.PortConstraint, covered float64) string {
	return fmt.Sprintf("blanket permit %d->%d, but %.1f%% of %d observed flows use %s",
		cell.SrcSGT, cell.DstSGT, covered*100, cell.Flows, constraintList(cons))
}

func constraintList(cons []models.PortConstraint) string {
	if len(cons) == 0 {
		return "any"
	}
	s := ""
	for i, c := range cons {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d/%s", c.Port, protoName(c.Proto))
	}
	return s
}

func protoName(p uint8) string {
	switch p {
	case models.ProtoTCP:
		return "tcp"
	case models.ProtoUDP:
		return "udp"
	case models.ProtoICMP:
		return "icmp"
	default:
		return fmt.Sprintf("proto-%d", p)
	}
}

// byteShare estimates the byte fraction the proposed constraints cover,
// approximated by flow share when per-port byte counts are not tracked.
func byteShare(cell models.MatrixCell, cons []models.PortConstraint) float64 {
	in := make(map[models.PortConstraint]bool, len(cons))
	for _, c := range cons {
		in[c] = true
	}
	share := 0.0
	for _, p := range cell.TopPorts {
		if in[models.PortConstraint{Proto: p.Proto, Port: p.Port}] {
			share += p.Share
		}
	}
	if share > 1 {
		share = 1
	}
	return share
}

// blockedFlows lists observed port aggregates the terminal deny would
// catch: everything outside the covering constraints.
func blockedFlows(cell models.MatrixCell, cons []models.PortConstraint) []models.BlockedFlow {
	in := make(map[models.PortConstraint]bool, len(cons))
	for _, c := range cons {
		in[c] = true
	}
	var out []models.BlockedFlow
	for _, p := range cell.TopPorts {
		if in[models.PortConstraint{Proto: p.Proto, Port: p.Port}] {
			continue
		}
		flows := uint64(p.Share * float64(cell.Flows))
		if flows == 0 {
			continue
		}
		out = append(out, models.BlockedFlow{
			SrcSGT:   cell.SrcSGT,
			DstSGT:   cell.DstSGT,
			Proto:    p.Proto,
			Port:     p.Port,
			Flows:    flows,
			Severity: severity(p.Share),
		})
	}
	return out
}

func severity(share float64) string {
	switch {
	case share < 0.01:
		return "low"
	case share < 0.05:
		return "medium"
	default:
		return "high"
	}
}

// sortRules orders the set by pair, then rule order, so the terminal
// default is last within every pair.
func sortRules(rules []models.PolicyRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].SrcSGT != rules[j].SrcSGT {
			return rules[i].SrcSGT < rules[j].SrcSGT
		}
		if rules[i].DstSGT != rules[j].DstSGT {
			return rules[i].DstSGT < rules[j].DstSGT
		}
		return rules[i].Order < rules[j].Order
	})
}
