package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rawblock/clarion/internal/sketch"
)

// Cluster labeling
//
// Labels come from a strict priority chain over the identity attributes of
// a cluster's members, falling back to behavior inferred from the centroid
// when no attribute is dominant enough. Each label carries a rationale
// stating the winning attribute and its share so reviewers can audit the
// call.

// LabelConfig sets the dominance thresholds per attribute tier.
type LabelConfig struct {
	ProfileShare float64 // identity-source profile
	DeviceShare  float64 // device type
	GroupShare   float64 // directory group
}

// DefaultLabelConfig mirrors the documented defaults.
func DefaultLabelConfig() LabelConfig {
	return LabelConfig{ProfileShare: 0.8, DeviceShare: 0.7, GroupShare: 0.6}
}

// Label names one cluster. Priority: dominant profile, then dominant device
// type, then dominant directory group ("<Group>-Devices"), then behavior
// inferred from the centroid. Returns the label, an audit rationale, and the
// share backing the decision.
func Label(pts []Point, memberIdx []int, centroid []float64, cfg LabelConfig) (label, rationale string, share float64) {
	if cfg.ProfileShare == 0 {
		cfg = DefaultLabelConfig()
	}
	n := len(memberIdx)
	if n == 0 {
		return "Empty", "no members", 0
	}

	if name, s := dominant(memberIdx, n, func(i int) []string {
		if pts[i].Profile == "" {
			return nil
		}
		return []string{pts[i].Profile}
	}); s >= cfg.ProfileShare {
		return name,
			fmt.Sprintf("profile %q on %d/%d members (%.0f%%)", name, int(s*float64(n)+0.5), n, s*100),
			s
	}

	if name, s := dominant(memberIdx, n, func(i int) []string {
		if pts[i].DeviceType == "" {
			return nil
		}
		return []string{pts[i].DeviceType}
	}); s >= cfg.DeviceShare {
		return name,
			fmt.Sprintf("device type %q on %d/%d members (%.0f%%)", name, int(s*float64(n)+0.5), n, s*100),
			s
	}

	if name, s := dominant(memberIdx, n, func(i int) []string {
		return pts[i].Groups
	}); s >= cfg.GroupShare {
		return name + "-Devices",
			fmt.Sprintf("directory group %q on %d/%d members (%.0f%%)", name, int(s*float64(n)+0.5), n, s*100),
			s
	}

	label, rationale = behaviorLabel(centroid)
	return label, rationale, 0
}

// dominant counts attribute values across members and returns the most
// frequent one with its member share. An endpoint contributes each of its
// values once.
func dominant(memberIdx []int, n int, values func(i int) []string) (string, float64) {
	counts := map[string]int{}
	for _, i := range memberIdx {
		for _, v := range values(i) {
			counts[v]++
		}
	}
	if len(counts) == 0 {
		return "", 0
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	// ties break lexicographically for run-to-run determinism
	sort.Strings(keys)
	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best, float64(bestN) / float64(n)
}

// behaviorLabel names a cluster from its centroid when identity attributes
// give no consensus. Coarse buckets only; the rationale records which
// features fired.
func behaviorLabel(c []float64) (string, string) {
	if len(c) < sketch.FeatureDim {
		return "Unlabeled", "centroid unavailable"
	}

	var traits []string
	serverLike := c[sketch.FeatWellKnownFrac] > 0.5 && c[sketch.FeatDirectionality] < 0.4
	clientLike := c[sketch.FeatEphemeralFrac] > 0.5 && c[sketch.FeatDirectionality] > 0.6
	nocturnal := c[sketch.FeatNightFrac] > 0.4
	chatty := c[sketch.FeatLogPeers] > 0.5
	bulk := c[sketch.FeatLogBytesPerFlow] > 0.6

	name := "Behavior-Mixed"
	switch {
	case serverLike && bulk:
		name = "Bulk-Servers"
		traits = append(traits, "well-known inbound service ports", "large flows")
	case serverLike:
		name = "Servers"
		traits = append(traits, "well-known inbound service ports")
	case clientLike && chatty:
		name = "Chatty-Clients"
		traits = append(traits, "ephemeral outbound ports", "high peer fan-out")
	case clientLike:
		name = "Clients"
		traits = append(traits, "ephemeral outbound ports")
	case chatty:
		name = "Broad-Talkers"
		traits = append(traits, "high peer fan-out")
	default:
		traits = append(traits, "no dominant trait")
	}
	if nocturnal {
		name = "Nocturnal-" + name
		traits = append(traits, "off-hours activity")
	}
	return name, "behavior: " + strings.Join(traits, ", ")
}
