package policy

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rawblock/clarion/pkg/models"
)

func snapWith(cells ...models.MatrixCell) *models.MatrixSnapshot {
	return &models.MatrixSnapshot{
		Version: 7,
		From:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		To:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Cells:   cells,
		BuiltAt: time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC),
	}
}

func pairRules(set *models.PolicySet, src, dst uint16) []models.PolicyRule {
	var out []models.PolicyRule
	for _, r := range set.Rules {
		if r.SrcSGT == src && r.DstSGT == dst {
			out = append(out, r)
		}
	}
	return out
}

func TestRecommendGreenfield(t *testing.T) {
	cell := models.MatrixCell{
		SrcSGT: 10, DstSGT: 20, Flows: 1000, Bytes: 5_000_000,
		TopPorts: []models.PortShare{
			{Port: 443, Proto: models.ProtoTCP, Share: 0.85},
			{Port: 8443, Proto: models.ProtoTCP, Share: 0.10},
			{Port: 23, Proto: models.ProtoTCP, Share: 0.05},
		},
		Protocols: map[uint8]uint64{models.ProtoTCP: 1000},
	}

	set := NewRecommender(DefaultConfig()).Recommend(snapWith(cell), nil)

	rules := pairRules(set, 10, 20)
	if len(rules) != 2 {
		t.Fatalf("rules for pair = %d, want permit + terminal default", len(rules))
	}

	permit := rules[0]
	if permit.Action != models.ActionPermit || permit.Origin != models.RuleObserved {
		t.Fatalf("first rule = %+v, want observed permit", permit)
	}
	if len(permit.Constraints) != 2 || permit.Constraints[0].Port != 443 || permit.Constraints[1].Port != 8443 {
		t.Errorf("constraints = %+v, want 443 then 8443", permit.Constraints)
	}
	if math.Abs(permit.Confidence-0.95) > 1e-9 {
		t.Errorf("confidence = %f, want 0.95 covered share", permit.Confidence)
	}
	if permit.Justification == "" {
		t.Error("permit carries no justification")
	}

	term := rules[1]
	if term.Action != models.ActionDeny || term.Origin != models.RuleDefault {
		t.Errorf("terminal rule = %+v, want default deny", term)
	}
	if term.Order <= permit.Order {
		t.Error("terminal default not ordered last")
	}

	// telnet lands in the regression-risk set
	if len(set.Impact.Blocked) != 1 {
		t.Fatalf("blocked = %+v, want the 23/tcp residue", set.Impact.Blocked)
	}
	b := set.Impact.Blocked[0]
	if b.Port != 23 || b.Flows != 50 || b.Severity != "high" {
		t.Errorf("blocked = %+v, want port 23, 50 flows, high", b)
	}
}

func TestRecommendBrownfieldTighten(t *testing.T) {
	// The fabric already enforces a blanket permit while 99.9% of the
	// observed flows are https. The permit is adopted, not replaced, and a
	// tighten recommendation proposes the least-privilege constraint.
	cell := models.MatrixCell{
		SrcSGT: 10, DstSGT: 20, Flows: 10000,
		TopPorts: []models.PortShare{
			{Port: 443, Proto: models.ProtoTCP, Share: 0.999},
			{Port: 80, Proto: models.ProtoTCP, Share: 0.001},
		},
	}
	inherited := []models.PolicyRule{
		{SrcSGT: 10, DstSGT: 20, Action: models.ActionPermit, Origin: models.RuleInherited},
	}

	set := NewRecommender(DefaultConfig()).Recommend(snapWith(cell), inherited)

	rules := pairRules(set, 10, 20)
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want adopted permit + terminal default", len(rules))
	}
	if rules[0].Origin != models.RuleInherited || len(rules[0].Constraints) != 0 {
		t.Errorf("blanket permit not adopted: %+v", rules[0])
	}
	if set.Impact.Inherited != 1 {
		t.Errorf("inherited count = %d, want 1", set.Impact.Inherited)
	}

	if len(set.Tighten) != 1 {
		t.Fatalf("tighten = %+v, want one recommendation", set.Tighten)
	}
	tr := set.Tighten[0]
	if len(tr.Proposed) != 1 || tr.Proposed[0].Port != 443 || tr.Proposed[0].Proto != models.ProtoTCP {
		t.Errorf("proposed = %+v, want 443/tcp only", tr.Proposed)
	}
	if tr.Rationale == "" {
		t.Error("tighten carries no rationale")
	}

	// an adopted blanket permit blocks nothing
	if len(set.Impact.Blocked) != 0 {
		t.Errorf("blocked = %+v, want none under a blanket permit", set.Impact.Blocked)
	}
}

func TestRecommendSkipsUnknownAndThinCells(t *testing.T) {
	set := NewRecommender(DefaultConfig()).Recommend(snapWith(
		models.MatrixCell{SrcSGT: models.UnknownSGT, DstSGT: 20, Flows: 5000,
			TopPorts: []models.PortShare{{Port: 443, Proto: models.ProtoTCP, Share: 1}}},
		models.MatrixCell{SrcSGT: 10, DstSGT: models.UnknownSGT, Flows: 5000,
			TopPorts: []models.PortShare{{Port: 443, Proto: models.ProtoTCP, Share: 1}}},
		models.MatrixCell{SrcSGT: 10, DstSGT: 30, Flows: 3,
			TopPorts: []models.PortShare{{Port: 22, Proto: models.ProtoTCP, Share: 1}}},
	), nil)
	if len(set.Rules) != 0 {
		t.Errorf("rules = %+v, want none for unknown or thin cells", set.Rules)
	}
}

func TestInheritedSurvivesWithoutTraffic(t *testing.T) {
	inherited := []models.PolicyRule{
		{SrcSGT: 30, DstSGT: 40, Action: models.ActionPermit,
			Constraints: []models.PortConstraint{{Proto: models.ProtoTCP, Port: 1433}}},
	}
	set := NewRecommender(DefaultConfig()).Recommend(snapWith(), inherited)
	rules := pairRules(set, 30, 40)
	if len(rules) != 1 || rules[0].Origin != models.RuleInherited {
		t.Fatalf("rules = %+v, want the adopted inherited rule", rules)
	}
}

func TestHTTPCatalogRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]models.PolicyRule{{SrcSGT: 1, DstSGT: 2, Action: models.ActionPermit}})
	}))
	defer srv.Close()

	c := NewHTTPCatalog(HTTPCatalogConfig{
		BaseURL:   srv.URL,
		RetryBase: time.Millisecond,
		RetryCap:  5 * time.Millisecond,
	})
	rules, err := c.FetchRules(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rules) != 1 || attempts != 3 {
		t.Errorf("rules=%d attempts=%d, want 1 rule after 3 attempts", len(rules), attempts)
	}
}

func TestHTTPCatalogClientErrorIsPermanent(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewHTTPCatalog(HTTPCatalogConfig{BaseURL: srv.URL, RetryBase: time.Millisecond})
	if _, err := c.FetchRules(context.Background()); err == nil {
		t.Fatal("forbidden fetch returned no error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is permanent)", attempts)
	}
}
