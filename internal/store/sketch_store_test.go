package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/clarion/internal/sketch"
	"github.com/rawblock/clarion/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testFlow(src, dst string, start time.Time) *models.FlowRecord {
	return &models.FlowRecord{
		SrcAddr:  src,
		DstAddr:  dst,
		SrcPort:  50000,
		DstPort:  443,
		Protocol: models.ProtoTCP,
		Bytes:    1200,
		Packets:  4,
		Start:    start,
		End:      start.Add(time.Second),
		Exporter: "192.0.2.1",
	}
}

func TestRecordFlowSeenMonotonic(t *testing.T) {
	s := New(sketch.DefaultShape(), 0)

	f1 := testFlow("10.0.0.5", "10.0.0.80", t0)
	srcID, _ := s.RecordFlow(f1)

	ep, _, ok := s.Snapshot(srcID)
	if !ok {
		t.Fatal("endpoint missing after record")
	}
	if ep.LastSeen.Before(f1.End) {
		t.Errorf("lastSeen %v < flow end %v", ep.LastSeen, f1.End)
	}
	firstSeen := ep.FirstSeen

	// a later flow must not move firstSeen
	f2 := testFlow("10.0.0.5", "10.0.0.80", t0.Add(time.Hour))
	s.RecordFlow(f2)
	ep, _, _ = s.Snapshot(srcID)
	if !ep.FirstSeen.Equal(firstSeen) {
		t.Errorf("firstSeen moved: %v -> %v", firstSeen, ep.FirstSeen)
	}
	if ep.LastSeen.Before(f2.End) {
		t.Errorf("lastSeen %v < later flow end %v", ep.LastSeen, f2.End)
	}
}

func TestResolveStableAcrossFlows(t *testing.T) {
	s := New(sketch.DefaultShape(), 0)
	id1, _ := s.RecordFlow(testFlow("10.0.0.5", "10.0.0.80", t0))
	id2, _ := s.RecordFlow(testFlow("10.0.0.5", "10.0.0.99", t0.Add(time.Minute)))
	if id1 != id2 {
		t.Errorf("same (exporter, address) resolved to different endpoints: %s vs %s", id1, id2)
	}
	if s.Count() != 3 {
		t.Errorf("expected 3 endpoints (1 src + 2 dst), got %d", s.Count())
	}
}

func TestResolveHWAddrWins(t *testing.T) {
	s := New(sketch.DefaultShape(), 0)
	id := s.Resolve("192.0.2.1", "10.0.0.5", "AA:BB:CC:00:11:22", t0)
	// same hardware address on a new network address maps to the same endpoint
	id2 := s.Resolve("192.0.2.1", "10.0.0.77", "aa:bb:cc:00:11:22", t0.Add(time.Hour))
	if id != id2 {
		t.Errorf("hardware address did not unify endpoints: %s vs %s", id, id2)
	}
	ep, _, _ := s.Snapshot(id)
	if len(ep.Addresses) != 2 {
		t.Errorf("expected 2 address observations, got %d", len(ep.Addresses))
	}
	if ep.Addresses[0].Address != "10.0.0.77" {
		t.Errorf("expected newest address first, got %+v", ep.Addresses)
	}
}

func TestMergePartialIdempotent(t *testing.T) {
	// Delivering the same (agent, endpoint, sequence) envelope repeatedly
	// must leave the sketch identical to a single delivery.
	shape := sketch.DefaultShape()
	s := New(shape, 0)

	partial := sketch.New(shape)
	partial.Observe(testFlow("10.0.0.5", "10.0.0.80", t0), true)
	partial.Observe(testFlow("10.0.0.5", "10.0.0.81", t0.Add(time.Minute)), true)

	applied := 0
	for i := 0; i < 3; i++ {
		ok, err := s.MergePartial("agent-A", "10.0.0.5", 42, partial.Clone())
		if err != nil {
			t.Fatalf("merge %d failed: %v", i, err)
		}
		if ok {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly 1 applied delivery, got %d", applied)
	}

	id := s.Resolve("agent:agent-A", "10.0.0.5", "", t0)
	_, sk, _ := s.Snapshot(id)
	if sk.Flows() != 2 {
		t.Errorf("sketch flows = %d, want 2 (single delivery)", sk.Flows())
	}
}

func TestMergePartialConcurrentReplay(t *testing.T) {
	// At-least-once delivery can land the same envelope on several
	// goroutines at once; exactly one delivery may fold in.
	shape := sketch.DefaultShape()
	s := New(shape, 0)

	partial := sketch.New(shape)
	for i := 0; i < 5; i++ {
		partial.Observe(testFlow("10.0.0.5", fmt.Sprintf("10.0.0.%d", 80+i), t0), true)
	}

	var wg sync.WaitGroup
	applied := 0
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MergePartial("agent-A", "10.0.0.5", 7, partial.Clone())
			if err != nil {
				t.Errorf("merge failed: %v", err)
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("concurrent deliveries applied %d times, want 1", applied)
	}
	id := s.Resolve("agent:agent-A", "10.0.0.5", "", t0)
	_, sk, _ := s.Snapshot(id)
	if sk.Flows() != 5 {
		t.Errorf("sketch flows = %d, want 5 (counters folded once)", sk.Flows())
	}
}

func TestMergePartialSequenceAdvances(t *testing.T) {
	shape := sketch.DefaultShape()
	s := New(shape, 0)

	p1 := sketch.New(shape)
	p1.Observe(testFlow("10.0.0.5", "10.0.0.80", t0), true)

	if ok, _ := s.MergePartial("agent-A", "ep1", 1, p1.Clone()); !ok {
		t.Fatal("first envelope rejected")
	}
	// stale sequence dropped
	if ok, _ := s.MergePartial("agent-A", "ep1", 1, p1.Clone()); ok {
		t.Error("replayed sequence applied")
	}
	// newer sequence applied
	if ok, _ := s.MergePartial("agent-A", "ep1", 2, p1.Clone()); !ok {
		t.Error("advancing sequence rejected")
	}
	// a different agent has an independent stream
	if ok, _ := s.MergePartial("agent-B", "ep1", 1, p1.Clone()); !ok {
		t.Error("other agent's sequence space not independent")
	}
}

func TestMergePartialShapeMismatch(t *testing.T) {
	s := New(sketch.DefaultShape(), 0)
	bad := sketch.New(sketch.Shape{HLLPrecision: 10, CMSWidth: 512, CMSDepth: 3, TopK: 5})
	if _, err := s.MergePartial("agent-A", "ep1", 1, bad); err != sketch.ErrInvalidShape {
		t.Errorf("expected ErrInvalidShape, got %v", err)
	}
	// the rejected sequence must not be recorded
	good := sketch.New(sketch.DefaultShape())
	good.Observe(testFlow("10.0.0.5", "10.0.0.80", t0), true)
	if ok, err := s.MergePartial("agent-A", "ep1", 1, good); err != nil || !ok {
		t.Errorf("valid envelope after rejected one should apply: ok=%v err=%v", ok, err)
	}
}

func TestSetAttributesAnnotatesEndpoint(t *testing.T) {
	s := New(sketch.DefaultShape(), 0)
	s.RecordFlow(testFlow("10.0.0.5", "10.0.0.80", t0))

	id, ok := s.FindByAddr("10.0.0.5", "")
	if !ok {
		t.Fatal("endpoint not findable by bare address")
	}
	if !s.SetAttributes(id, "cam-lobby", "camera", "IP-Camera", "AA:BB:CC:00:11:22") {
		t.Fatal("set attributes failed")
	}

	ep, _, _ := s.Snapshot(id)
	if ep.Profile != "IP-Camera" || ep.DeviceType != "camera" || ep.Hostname != "cam-lobby" {
		t.Errorf("attributes not applied: %+v", ep)
	}
	if ep.HWAddr != "aa:bb:cc:00:11:22" {
		t.Errorf("hwAddr = %q, want lowercased", ep.HWAddr)
	}
	// the learned hardware address now unifies future lookups
	if id2, ok := s.FindByAddr("", "AA:BB:CC:00:11:22"); !ok || id2 != id {
		t.Errorf("FindByAddr by hardware address = %q ok=%v, want %q", id2, ok, id)
	}
	if id3 := s.Resolve("sw-9", "10.0.0.99", "aa:bb:cc:00:11:22", t0.Add(time.Hour)); id3 != id {
		t.Errorf("resolve by learned hwAddr minted a new endpoint: %q vs %q", id3, id)
	}
}

func TestSetAttributesConcurrentWithResolve(t *testing.T) {
	// Session events register hardware addresses while flow intake is
	// resolving by them; the two paths must not block each other up.
	s := New(sketch.DefaultShape(), 0)

	ids := make([]string, 200)
	for i := range ids {
		ids[i] = s.Resolve("sw-1", fmt.Sprintf("10.0.%d.%d", i/250, i%250), "", t0)
	}
	hw := func(i int) string { return fmt.Sprintf("aa:bb:cc:00:%02x:%02x", i/256, i%256) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i, id := range ids {
			s.SetAttributes(id, "", "camera", "IP-Camera", hw(i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := range ids {
			s.Resolve("sw-1", fmt.Sprintf("10.9.%d.%d", i/250, i%250), hw(i), t0.Add(time.Second))
		}
	}()
	wg.Wait()

	ep, _, _ := s.Snapshot(ids[0])
	if ep.Profile != "IP-Camera" || ep.DeviceType != "camera" {
		t.Errorf("attributes lost under concurrency: %+v", ep)
	}
}

func TestExpire(t *testing.T) {
	s := New(sketch.DefaultShape(), 0)
	s.RecordFlow(testFlow("10.0.0.5", "10.0.0.80", t0))
	s.RecordFlow(testFlow("10.0.0.6", "10.0.0.80", t0.Add(10*time.Hour)))

	expired := s.Expire(t0.Add(time.Hour))
	// 10.0.0.5's endpoint is stale; 10.0.0.80 was refreshed by the second flow
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired endpoint, got %d", len(expired))
	}
	if s.Count() != 2 {
		t.Errorf("expected 2 endpoints remaining, got %d", s.Count())
	}
	// the expired address may be reused and must mint a fresh endpoint
	id, _ := s.RecordFlow(testFlow("10.0.0.5", "10.0.0.80", t0.Add(11*time.Hour)))
	if id == expired[0].ID {
		t.Errorf("expired endpoint id was resurrected")
	}
}

func TestConcurrentObserveAndSnapshot(t *testing.T) {
	s := New(sketch.DefaultShape(), 0)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.RecordFlow(testFlow("10.0.0.5", fmt.Sprintf("10.1.%d.%d", w, i), t0.Add(time.Duration(i)*time.Second)))
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.SnapshotAll(0)
		}
	}()
	wg.Wait()

	id := s.Resolve("192.0.2.1", "10.0.0.5", "", t0)
	_, sk, ok := s.Snapshot(id)
	if !ok {
		t.Fatal("endpoint missing")
	}
	if sk.Counters.FlowsOut != 800 {
		t.Errorf("flowsOut = %d, want 800", sk.Counters.FlowsOut)
	}
}
