package config

import "testing"

func TestDefaultsMatchDocumentedTable(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.CoverageTarget != 0.9 {
		t.Errorf("policy.coverage_target = %v, want 0.9", cfg.CoverageTarget)
	}
	if cfg.PolicyMinFlows != 10 {
		t.Errorf("policy.min_flows = %d, want 10", cfg.PolicyMinFlows)
	}
	if cfg.DefaultAction != "deny" {
		t.Errorf("policy.default_action = %q, want deny", cfg.DefaultAction)
	}
	if cfg.MaxChurn != 0.25 {
		t.Errorf("stability.max_churn = %v, want 0.25", cfg.MaxChurn)
	}
}

func TestFromEnvOverridesPolicyKnobs(t *testing.T) {
	t.Setenv("POLICY_MIN_FLOWS", "25")
	t.Setenv("POLICY_DEFAULT_ACTION", "permit")
	t.Setenv("STABILITY_MAX_CHURN", "0.4")

	cfg := FromEnv()
	if cfg.PolicyMinFlows != 25 {
		t.Errorf("PolicyMinFlows = %d, want 25", cfg.PolicyMinFlows)
	}
	if cfg.DefaultAction != "permit" {
		t.Errorf("DefaultAction = %q, want permit", cfg.DefaultAction)
	}
	if cfg.MaxChurn != 0.4 {
		t.Errorf("MaxChurn = %v, want 0.4", cfg.MaxChurn)
	}
}
