package identity

import (
	"fmt"
	"testing"
	"time"

	"github.com/rawblock/clarion/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func startEvent(addr, user string, groups []string, at time.Time) models.SessionEvent {
	return models.SessionEvent{
		Kind:      "start",
		Address:   addr,
		UserID:    user,
		Groups:    groups,
		Source:    "radius",
		EventTime: at,
	}
}

func TestLateSessionResolvesPending(t *testing.T) {
	// Flows arrive before any identity: every attribution is pending. A
	// single session event covering the window then drains the whole queue
	// without touching any sketch.
	r := NewResolver(Config{}, nil)

	for i := 0; i < 1000; i++ {
		attr := r.ResolveFlow("ep-cam-1", "10.0.0.5", t0.Add(time.Duration(i)*time.Second))
		if !attr.Pending {
			t.Fatalf("flow %d attributed without any session", i)
		}
	}
	if r.PendingCount() != 1000 {
		t.Fatalf("pending = %d, want 1000", r.PendingCount())
	}

	resolved := r.ApplySession(startEvent("10.0.0.5", "cam-svc", []string{"Cameras"}, t0.Add(-time.Minute)))
	if resolved != 1000 {
		t.Errorf("resolved = %d, want 1000", resolved)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d after covering session, want 0", r.PendingCount())
	}

	attr, ok := r.Attribution("ep-cam-1")
	if !ok || attr.Pending {
		t.Fatalf("attribution still pending: %+v", attr)
	}
	if attr.UserID != "cam-svc" {
		t.Errorf("userID = %q, want cam-svc", attr.UserID)
	}
	if len(attr.Groups) != 1 || attr.Groups[0] != "Cameras" {
		t.Errorf("groups = %v, want [Cameras]", attr.Groups)
	}
}

func TestGraceWindow(t *testing.T) {
	r := NewResolver(Config{Grace: 60 * time.Second}, nil)
	r.ApplySession(startEvent("10.0.0.5", "alice", nil, t0))
	r.ApplySession(models.SessionEvent{
		Kind: "end", Address: "10.0.0.5", UserID: "alice", Source: "radius",
		EventTime: t0.Add(time.Hour),
	})

	// 30s after session end: still inside the grace window
	attr := r.ResolveFlow("ep1", "10.0.0.5", t0.Add(time.Hour).Add(30*time.Second))
	if attr.Pending || attr.UserID != "alice" {
		t.Errorf("flow inside grace window not attributed: %+v", attr)
	}
	// 90s after session end: outside
	attr = r.ResolveFlow("ep2", "10.0.0.5", t0.Add(time.Hour).Add(90*time.Second))
	if !attr.Pending {
		t.Errorf("flow outside grace window attributed: %+v", attr)
	}
}

func TestNewSessionSupersedesOld(t *testing.T) {
	r := NewResolver(Config{}, nil)
	r.ApplySession(startEvent("10.0.0.5", "alice", nil, t0))
	r.ApplySession(startEvent("10.0.0.5", "bob", nil, t0.Add(2*time.Hour)))

	attr := r.ResolveFlow("ep1", "10.0.0.5", t0.Add(3*time.Hour))
	if attr.UserID != "bob" {
		t.Errorf("flow during second session attributed to %q, want bob", attr.UserID)
	}
	// a flow from before the handover still attributes to the first user
	attr = r.ResolveFlow("ep1", "10.0.0.5", t0.Add(time.Hour))
	if attr.UserID != "alice" {
		t.Errorf("flow during first session attributed to %q, want alice", attr.UserID)
	}
}

func TestDirectoryAgreementRaisesConfidence(t *testing.T) {
	r := NewResolver(Config{}, nil)
	r.ApplyDirectory(models.DirectorySnapshot{
		AsOf: t0.Add(-time.Hour),
		Users: []models.User{
			{ID: "cam-svc", Principal: "cam-svc", Groups: []string{"Cameras"}, Source: "ldap", Active: true},
		},
	})

	r.ApplySession(startEvent("10.0.0.5", "cam-svc", []string{"Cameras"}, t0))
	agree := r.ResolveFlow("ep1", "10.0.0.5", t0.Add(time.Minute))
	if agree.Confidence < 0.85 {
		t.Errorf("agreeing sources confidence = %.2f, want >= 0.85", agree.Confidence)
	}
	if ConfidenceBand(agree.Confidence) != "high" {
		t.Errorf("band = %s, want high", ConfidenceBand(agree.Confidence))
	}

	// session-only attribution sits in the medium band
	r2 := NewResolver(Config{}, nil)
	r2.ApplySession(startEvent("10.0.0.6", "printer-svc", nil, t0))
	solo := r2.ResolveFlow("ep2", "10.0.0.6", t0.Add(time.Minute))
	if ConfidenceBand(solo.Confidence) != "medium" {
		t.Errorf("session-only band = %s (%.2f), want medium", ConfidenceBand(solo.Confidence), solo.Confidence)
	}
	if solo.Confidence >= agree.Confidence {
		t.Errorf("session-only %.2f >= agreeing %.2f", solo.Confidence, agree.Confidence)
	}
}

func TestDirectoryContradictionStaysPending(t *testing.T) {
	// Session claims a group the directory flatly disagrees with: the
	// combined score drops below the floor and the attribution stays
	// pending rather than asserting a low-trust identity.
	r := NewResolver(Config{}, nil)
	r.ApplyDirectory(models.DirectorySnapshot{
		AsOf: t0.Add(-time.Hour),
		Users: []models.User{
			{ID: "cam-svc", Principal: "cam-svc", Groups: []string{"Printers"}, Source: "ldap", Active: true},
		},
	})
	r.ApplySession(startEvent("10.0.0.5", "cam-svc", []string{"Cameras"}, t0))

	attr := r.ResolveFlow("ep1", "10.0.0.5", t0.Add(time.Minute))
	if !attr.Pending {
		t.Errorf("contradicted identity attributed: %+v", attr)
	}
}

func TestFreshnessDecay(t *testing.T) {
	r := NewResolver(Config{FreshnessHalfLife: 12 * time.Hour, ConfidenceMin: 0.1}, nil)
	r.ApplySession(startEvent("10.0.0.5", "alice", nil, t0))

	fresh := r.ResolveFlow("ep1", "10.0.0.5", t0.Add(time.Minute))
	stale := r.ResolveFlow("ep1", "10.0.0.5", t0.Add(48*time.Hour))
	if stale.Confidence >= fresh.Confidence {
		t.Errorf("stale %.3f >= fresh %.3f", stale.Confidence, fresh.Confidence)
	}
	// the decay floors at half the base
	if stale.Confidence < fresh.Confidence/2-0.01 {
		t.Errorf("stale %.3f below half of fresh %.3f", stale.Confidence, fresh.Confidence)
	}
}

func TestPendingQueueBounded(t *testing.T) {
	r := NewResolver(Config{PendingCap: 4}, nil)
	for i := 0; i < 10; i++ {
		r.ResolveFlow(fmt.Sprintf("ep%d", i), fmt.Sprintf("10.0.0.%d", i), t0)
	}
	if r.PendingCount() != 4 {
		t.Errorf("pending = %d, want cap 4", r.PendingCount())
	}
}

func TestUpdateEventEditsOpenSession(t *testing.T) {
	r := NewResolver(Config{}, nil)
	r.ApplySession(startEvent("10.0.0.5", "alice", []string{"Staff"}, t0))
	r.ApplySession(models.SessionEvent{
		Kind: "update", Address: "10.0.0.5", UserID: "alice",
		Groups: []string{"Staff", "VPN"}, Source: "radius",
		EventTime: t0.Add(time.Minute),
	})

	attr := r.ResolveFlow("ep1", "10.0.0.5", t0.Add(2*time.Minute))
	if len(attr.Groups) != 2 {
		t.Errorf("groups after update = %v, want [Staff VPN]", attr.Groups)
	}
}

func TestConfidenceBand(t *testing.T) {
	cases := []struct {
		c    float64
		want string
	}{
		{0.1, "low"},
		{0.39, "low"},
		{0.4, "medium"},
		{0.69, "medium"},
		{0.7, "high"},
		{0.95, "high"},
	}
	for _, tc := range cases {
		if got := ConfidenceBand(tc.c); got != tc.want {
			t.Errorf("ConfidenceBand(%.2f) = %s, want %s", tc.c, got, tc.want)
		}
	}
}

func TestGroupCN(t *testing.T) {
	if got := groupCN("CN=Cameras,OU=Groups,DC=corp,DC=example"); got != "Cameras" {
		t.Errorf("groupCN = %q, want Cameras", got)
	}
	if got := groupCN("Cameras"); got != "Cameras" {
		t.Errorf("plain value mangled: %q", got)
	}
}
