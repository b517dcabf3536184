package sgt

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rawblock/clarion/internal/cluster"
	"github.com/rawblock/clarion/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

func eps(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func run(runID int64, clusters ...models.Cluster) *cluster.Result {
	res := &cluster.Result{RunID: runID, Assignments: make(map[string]cluster.Assignment)}
	for _, c := range clusters {
		c.MemberCount = len(c.Members)
		res.Clusters = append(res.Clusters, c)
		for _, ep := range c.Members {
			res.Assignments[ep] = cluster.Assignment{ClusterID: c.ID, Probability: 0.9}
		}
		res.Centroids = append(res.Centroids, models.Centroid{
			ClusterID: c.ID, RunID: runID, Vector: []float64{0.5}, MemberCount: len(c.Members), DMax: 0.3,
		})
	}
	return res
}

func TestRegistryValuesNeverReused(t *testing.T) {
	r := NewRegistry(2)
	a, err := r.Allocate("Cameras", "iot", "", t0)
	if err != nil || a.Value != 2 {
		t.Fatalf("first allocation = %d (%v), want 2", a.Value, err)
	}
	b, _ := r.Allocate("Printers", "iot", "", t0)
	if b.Value != 3 {
		t.Fatalf("second allocation = %d, want 3", b.Value)
	}

	if err := r.Deprecate(3); err != nil {
		t.Fatalf("deprecate: %v", err)
	}
	c, _ := r.Allocate("Servers", "dc", "", t0)
	if c.Value != 4 {
		t.Errorf("allocation after deprecate = %d, want 4 (no value reuse)", c.Value)
	}

	if tag, ok := r.Lookup(3); !ok || tag.Active {
		t.Errorf("deprecated tag lookup = %+v ok=%v, want inactive present", tag, ok)
	}
	if _, err := r.Allocate("Cameras", "iot", "", t0); !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate name err = %v, want ErrNameTaken", err)
	}
}

func TestRegistryRestoreAdvancesCursor(t *testing.T) {
	r := NewRegistry(2)
	r.Restore(models.SGT{Value: 17, Name: "Legacy", Active: true, CreatedAt: t0})
	a, _ := r.Allocate("Fresh", "", "", t0)
	if a.Value != 18 {
		t.Errorf("allocation after restore = %d, want 18", a.Value)
	}
}

func TestTagStableAcrossClusterRenumber(t *testing.T) {
	// Run 2 produces the same population under a different run-scoped
	// cluster id. The tag must not move; memberships are confirmed in
	// place with a fresh confirmation time.
	reg := NewRegistry(2)
	m := NewManager(DefaultLifecycleConfig(), reg, cluster.NewAssigner(0.5), nil)
	members := eps("cam", 10)

	out1 := m.ApplyBatch(run(100, models.Cluster{ID: 1, Label: "ip-camera", Members: members}), t0)
	tag := out1.Bound[1]
	if tag != 2 {
		t.Fatalf("first bound tag = %d, want 2", tag)
	}
	if len(out1.NewTags) != 1 || out1.NewTags[0].Name != "ip-camera" {
		t.Fatalf("new tags = %+v, want one ip-camera", out1.NewTags)
	}

	before, _ := m.Membership("cam-0")

	out2 := m.ApplyBatch(run(200, models.Cluster{ID: 7, Label: "ip-camera", Members: members}), t0.Add(24*time.Hour))
	if out2.Bound[7] != tag {
		t.Errorf("tag moved across renumber: %d -> %d", tag, out2.Bound[7])
	}
	if out2.Confirmed != 10 || out2.Reassigned != 0 {
		t.Errorf("confirmed=%d reassigned=%d, want 10/0", out2.Confirmed, out2.Reassigned)
	}
	if len(out2.NewTags) != 0 {
		t.Errorf("run 2 allocated %d new tags, want 0", len(out2.NewTags))
	}

	after, _ := m.Membership("cam-0")
	if !after.ConfirmedAt.After(before.ConfirmedAt) {
		t.Error("confirmation time not bumped")
	}
	if !after.AssignedAt.Equal(before.AssignedAt) {
		t.Error("assignment time rewritten on confirmation")
	}
	if len(m.History("cam-0")) != 0 {
		t.Error("confirmation wrote a history row")
	}
}

func TestOverlapReusesTagWithoutLabelMatch(t *testing.T) {
	reg := NewRegistry(2)
	m := NewManager(DefaultLifecycleConfig(), reg, nil, nil)

	members := eps("srv", 10)
	out1 := m.ApplyBatch(run(100, models.Cluster{ID: 1, Label: "Servers", Members: members}), t0)
	tag := out1.Bound[1]

	// the behavioral label drifted, but 9 of 10 members are the same
	shifted := append(append([]string{}, members[:9]...), "srv-new")
	out2 := m.ApplyBatch(run(200, models.Cluster{ID: 1, Label: "Nocturnal-Servers", Members: shifted}), t0.Add(24*time.Hour))
	if out2.Bound[1] != tag {
		t.Errorf("overlapping cluster bound to %d, want reuse of %d", out2.Bound[1], tag)
	}
	if len(out2.NewTags) != 0 {
		t.Errorf("allocated %d tags despite overlap match", len(out2.NewTags))
	}
}

func TestUnstableClusterSuppressed(t *testing.T) {
	reg := NewRegistry(2)
	var events []ReviewEvent
	m := NewManager(DefaultLifecycleConfig(), reg, nil, func(e ReviewEvent) { events = append(events, e) })

	stable, volatile := eps("s", 4), eps("v", 4)
	m.ApplyBatch(run(100,
		models.Cluster{ID: 1, Label: "Sensors", Members: stable},
		models.Cluster{ID: 2, Label: "Volatile", Members: volatile},
	), t0)
	sensorTag, volatileTag := m.TagFor("s-0"), m.TagFor("v-0")

	// run 2: the sensor cluster grew by one member while the volatile
	// cluster split in half, churning far past the ceiling
	out := m.ApplyBatch(run(200,
		models.Cluster{ID: 1, Label: "Sensors", Members: append(append([]string{}, stable...), "s-new")},
		models.Cluster{ID: 2, Label: "Volatile-A", Members: []string{"v-0", "v-1"}},
		models.Cluster{ID: 3, Label: "Volatile-B", Members: []string{"v-2", "v-3"}},
	), t0.Add(24*time.Hour))

	if len(out.Unstable) != 2 {
		t.Fatalf("unstable clusters = %v, want the two volatile halves", out.Unstable)
	}
	// the stable cluster applies normally, including its new member
	if got := m.TagFor("s-new"); got != sensorTag {
		t.Errorf("new member of stable cluster = tag %d, want %d", got, sensorTag)
	}
	if mem, _ := m.Membership("s-0"); !mem.ConfirmedAt.After(t0) {
		t.Error("stable member not confirmed alongside a flagged sibling cluster")
	}
	// rebinding of the volatile endpoints is suppressed
	for _, ep := range volatile {
		if got := m.TagFor(ep); got != volatileTag {
			t.Errorf("%s rebound by unstable cluster: %d -> %d", ep, volatileTag, got)
		}
	}
	// and the split halves allocate nothing
	if len(out.NewTags) != 0 {
		t.Errorf("flagged clusters allocated tags: %+v", out.NewTags)
	}
	if out.Bound[2] != volatileTag || out.Bound[3] != volatileTag {
		t.Errorf("flagged halves bound to %d/%d, want both on %d", out.Bound[2], out.Bound[3], volatileTag)
	}

	flagged := 0
	for _, e := range events {
		if e.Kind == "unstable_cluster" {
			flagged++
		}
	}
	if flagged != 2 {
		t.Errorf("unstable_cluster review events = %d, want 2", flagged)
	}
}

func TestManualOverridePinned(t *testing.T) {
	reg := NewRegistry(2)
	m := NewManager(DefaultLifecycleConfig(), reg, nil, nil)

	quarantine, _ := reg.Allocate("Quarantine", "security", "", t0)
	if err := m.SetManual("cam-0", quarantine.Value, t0); err != nil {
		t.Fatalf("manual set: %v", err)
	}

	m.ApplyBatch(run(100, models.Cluster{ID: 1, Label: "ip-camera", Members: eps("cam", 10)}), t0.Add(time.Hour))
	mem, _ := m.Membership("cam-0")
	if mem.SGTValue != quarantine.Value || mem.AssignedBy != models.OriginManual {
		t.Errorf("manual membership overwritten: %+v", mem)
	}
	// the rest of the cluster moved normally
	if other, _ := m.Membership("cam-1"); other.SGTValue == quarantine.Value {
		t.Error("non-pinned endpoint landed in the manual tag")
	}

	if !m.ClearManual("cam-0", t0.Add(2*time.Hour)) {
		t.Fatal("clear manual failed")
	}
	m.ApplyBatch(run(200, models.Cluster{ID: 1, Label: "ip-camera", Members: eps("cam", 10)}), t0.Add(3*time.Hour))
	mem, _ = m.Membership("cam-0")
	if mem.AssignedBy != models.OriginClusterer {
		t.Errorf("cleared endpoint not reassigned by batch: %+v", mem)
	}
}

func TestIncrementalYieldsToBatchAndManual(t *testing.T) {
	reg := NewRegistry(2)
	m := NewManager(DefaultLifecycleConfig(), reg, nil, nil)

	m.ApplyBatch(run(100, models.Cluster{ID: 1, Label: "Servers", Members: eps("srv", 10)}), t0)
	tag := m.TagFor("srv-0")

	// incremental may not move a batch-assigned endpoint
	if m.ApplyIncremental("srv-0", cluster.Placement{ClusterID: 9, SGTValue: 99, Confidence: 0.9}, t0.Add(time.Hour)) {
		t.Error("incremental overrode a batch membership")
	}
	if m.TagFor("srv-0") != tag {
		t.Error("batch membership changed")
	}

	// but it assigns a fresh endpoint
	if !m.ApplyIncremental("new-ep", cluster.Placement{ClusterID: 1, SGTValue: tag, Confidence: 0.8}, t0.Add(time.Hour)) {
		t.Error("incremental did not assign an unseen endpoint")
	}
	mem, _ := m.Membership("new-ep")
	if mem.AssignedBy != models.OriginIncremental || mem.SGTValue != tag {
		t.Errorf("incremental membership = %+v", mem)
	}
}

func TestHistoryAppendOnReassignment(t *testing.T) {
	reg := NewRegistry(2)
	m := NewManager(DefaultLifecycleConfig(), reg, nil, nil)

	m.ApplyBatch(run(100,
		models.Cluster{ID: 1, Label: "First", Members: eps("x", 10)},
		models.Cluster{ID: 2, Label: "Second", Members: eps("y", 10)},
	), t0)

	// x-0 drifted into the second cluster's behavior; everyone else held
	// still, so neither cluster trips the stability guard
	moved := append(eps("y", 9), "x-0")
	m.ApplyBatch(run(200,
		models.Cluster{ID: 1, Label: "First", Members: eps("x", 10)[1:]},
		models.Cluster{ID: 2, Label: "Second", Members: moved},
	), t0.Add(24*time.Hour))

	hist := m.History("x-0")
	if len(hist) != 1 {
		t.Fatalf("history rows = %d, want 1", len(hist))
	}
	if hist[0].SGTValue != 2 || hist[0].SupersededAt.IsZero() {
		t.Errorf("history row = %+v", hist[0])
	}
	if m.TagFor("x-0") != 3 {
		t.Errorf("current tag = %d, want 3", m.TagFor("x-0"))
	}
}

func TestHistoryLogOffsets(t *testing.T) {
	reg := NewRegistry(2)
	m := NewManager(DefaultLifecycleConfig(), reg, nil, nil)

	m.ApplyBatch(run(100,
		models.Cluster{ID: 1, Label: "First", Members: eps("x", 10)},
		models.Cluster{ID: 2, Label: "Second", Members: eps("y", 10)},
	), t0)

	rows, mark := m.HistoryLog(0)
	if len(rows) != 0 {
		t.Fatalf("fresh assignments wrote %d history rows", len(rows))
	}

	moved := append(eps("y", 9), "x-0")
	m.ApplyBatch(run(200,
		models.Cluster{ID: 1, Label: "First", Members: eps("x", 10)[1:]},
		models.Cluster{ID: 2, Label: "Second", Members: moved},
	), t0.Add(24*time.Hour))

	rows, mark = m.HistoryLog(mark)
	if len(rows) != 1 || rows[0].EndpointID != "x-0" {
		t.Fatalf("history tail = %+v, want the x-0 reassignment", rows)
	}
	// the advanced offset yields nothing until new rows land
	if again, _ := m.HistoryLog(mark); len(again) != 0 {
		t.Errorf("drained log returned %d rows", len(again))
	}
}

func TestRestoreMembershipSurvivesConfirmation(t *testing.T) {
	reg := NewRegistry(2)
	reg.Restore(models.SGT{Value: 5, Name: "Printers", Category: "iot", Active: true, CreatedAt: t0})

	m := NewManager(DefaultLifecycleConfig(), reg, nil, nil)
	m.RestoreMembership(models.Membership{
		EndpointID: "prn-0", SGTValue: 5,
		AssignedAt: t0, ConfirmedAt: t0,
		AssignedBy: models.OriginClusterer, Confidence: 0.8, ClusterID: 3,
	})

	if m.TagFor("prn-0") != 5 {
		t.Fatalf("restored tag = %d, want 5", m.TagFor("prn-0"))
	}
	if len(m.History("prn-0")) != 0 {
		t.Error("restore wrote a history row")
	}

	// the next run confirms the restored membership instead of reassigning
	m.ApplyBatch(run(300, models.Cluster{ID: 1, Label: "Printers", Members: eps("prn", 10)}), t0.Add(time.Hour))
	mem, _ := m.Membership("prn-0")
	if mem.SGTValue != 5 || !mem.ConfirmedAt.After(t0) {
		t.Errorf("restored membership after batch = %+v, want confirmed on tag 5", mem)
	}
	if len(m.History("prn-0")) != 0 {
		t.Error("confirmation of a restored membership wrote history")
	}
}
