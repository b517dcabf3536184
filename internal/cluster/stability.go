package cluster

import (
	"math"
	"sort"
)

// Run-over-run stability
//
// Two signals guard SGT rebinding against clustering noise. Churn is the
// fraction of endpoints present in both runs whose cluster changed, judged
// after cluster identity matching. The Adjusted Rand Index compares the two
// partitions pair-wise and is immune to cluster relabeling, so a run that
// merely renamed every cluster still scores 1.
//
// ARI = (RI - Expected_RI) / (Max_RI - Expected_RI); range [-1, 1],
// 0 = random agreement, 1 = identical partitions.
//
// Reference: Hubert & Arabie, "Comparing Partitions" (J. Classification 1985)

// MemberChurn judges one current member list against the previous run's
// partition. The members with a prior assignment are compared to their
// dominant previous cluster, and the changed fraction (symmetric difference
// over union) between that cluster and the retained members is returned.
// Endpoints the previous run never saw are growth, not churn, and noise
// labels are not clusters. Ties on the dominant cluster resolve to the
// smallest id so the result is deterministic.
func MemberChurn(prev map[string]Assignment, cur []string) float64 {
	counts := make(map[int]int)
	retained := 0
	for _, ep := range cur {
		a, ok := prev[ep]
		if !ok || a.ClusterID < 0 {
			continue
		}
		retained++
		counts[a.ClusterID]++
	}
	if retained == 0 {
		return 0
	}

	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	dom, domN := ids[0], counts[ids[0]]
	for _, id := range ids[1:] {
		if counts[id] > domN {
			dom, domN = id, counts[id]
		}
	}

	prevSize := 0
	for _, a := range prev {
		if a.ClusterID == dom {
			prevSize++
		}
	}
	union := prevSize + retained - domN
	if union == 0 {
		return 0
	}
	return float64(union-domN) / float64(union)
}

// Churn computes the changed fraction among endpoints assigned in both
// runs, using match to translate previous cluster ids into current ones.
// Endpoints seen in only one run do not count.
func Churn(prev, cur map[string]Assignment, match map[int]int) float64 {
	common, moved := 0, 0
	for ep, p := range prev {
		c, ok := cur[ep]
		if !ok {
			continue
		}
		common++
		prevID := p.ClusterID
		if m, ok := match[prevID]; ok {
			prevID = m
		}
		if prevID != c.ClusterID {
			moved++
		}
	}
	if common == 0 {
		return 0
	}
	return float64(moved) / float64(common)
}

// MatchClusters pairs previous clusters with current ones by greatest
// member overlap, returning prev-id -> cur-id for pairs whose overlap meets
// minOverlap (Jaccard on member sets). Unmatched clusters are absent.
// Previous clusters are visited in id order so ties resolve the same way
// every run.
func MatchClusters(prev, cur map[string]Assignment, minOverlap float64) map[int]int {
	prevMembers := groupMembers(prev)
	curMembers := groupMembers(cur)

	prevIDs := make([]int, 0, len(prevMembers))
	for id := range prevMembers {
		prevIDs = append(prevIDs, id)
	}
	sort.Ints(prevIDs)

	match := make(map[int]int)
	taken := make(map[int]bool)
	for _, prevID := range prevIDs {
		pm := prevMembers[prevID]
		bestID, best := 0, 0.0
		found := false
		for curID, cm := range curMembers {
			if taken[curID] {
				continue
			}
			j := jaccard(pm, cm)
			if j > best {
				bestID, best, found = curID, j, true
			}
		}
		if found && best >= minOverlap {
			match[prevID] = bestID
			taken[bestID] = true
		}
	}
	return match
}

// Overlap is the Jaccard similarity of two member sets.
func Overlap(a, b []string) float64 {
	sa := make(map[string]bool, len(a))
	for _, x := range a {
		sa[x] = true
	}
	sb := make(map[string]bool, len(b))
	for _, x := range b {
		sb[x] = true
	}
	return jaccard(sa, sb)
}

func groupMembers(asg map[string]Assignment) map[int]map[string]bool {
	out := make(map[int]map[string]bool)
	for ep, a := range asg {
		if out[a.ClusterID] == nil {
			out[a.ClusterID] = make(map[string]bool)
		}
		out[a.ClusterID][ep] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	inter := 0
	for x := range a {
		if b[x] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// AdjustedRandIndex scores partition agreement between two runs over the
// endpoints present in both. Returns 1 for fewer than two common endpoints.
func AdjustedRandIndex(prev, cur map[string]Assignment) float64 {
	var common []string
	for ep := range prev {
		if _, ok := cur[ep]; ok {
			common = append(common, ep)
		}
	}
	n := len(common)
	if n < 2 {
		return 1
	}

	prevIdx := indexClusters(prev, common)
	curIdx := indexClusters(cur, common)

	nij := make([][]int, prevIdx.count)
	for i := range nij {
		nij[i] = make([]int, curIdx.count)
	}
	rowSums := make([]int, prevIdx.count)
	colSums := make([]int, curIdx.count)
	for _, ep := range common {
		i := prevIdx.of[prev[ep].ClusterID]
		j := curIdx.of[cur[ep].ClusterID]
		nij[i][j]++
		rowSums[i]++
		colSums[j]++
	}

	var sumNij, sumAi, sumBj float64
	for i := range nij {
		for j := range nij[i] {
			sumNij += comb2(nij[i][j])
		}
	}
	for _, a := range rowSums {
		sumAi += comb2(a)
	}
	for _, b := range colSums {
		sumBj += comb2(b)
	}

	nC2 := comb2(n)
	if nC2 == 0 {
		return 0
	}
	expected := (sumAi * sumBj) / nC2
	maxIdx := 0.5 * (sumAi + sumBj)
	denom := maxIdx - expected
	if math.Abs(denom) < 1e-12 {
		return 1
	}
	return (sumNij - expected) / denom
}

type clusterIndex struct {
	of    map[int]int
	count int
}

func indexClusters(asg map[string]Assignment, eps []string) clusterIndex {
	ci := clusterIndex{of: make(map[int]int)}
	for _, ep := range eps {
		id := asg[ep].ClusterID
		if _, ok := ci.of[id]; !ok {
			ci.of[id] = ci.count
			ci.count++
		}
	}
	return ci
}

// comb2 computes C(n, 2) = n*(n-1)/2
func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2.0
}
