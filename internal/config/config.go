// Package config holds the engine's typed configuration surface.
// Every value has a documented default; validation failures are fatal at
// boot and nothing else in the engine exits the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full configuration surface. Durations are configurable;
// defaults follow the documented table.
type Config struct {
	// Sketch shape
	HLLPrecision uint8  // hll.precision, default 12
	CMSWidth     uint32 // cms.width, default 2048
	CMSDepth     uint32 // cms.depth, default 5
	TopK         int    // top-K destinations per sketch, default 10

	// Clustering
	SketchMinFlows    uint64  // sketch.min_flows, default 50
	ClusterMinSize    int     // cluster.min_size, default 50
	ClusterMinSamples int     // cluster.min_samples, default 10
	IncrementalMin    float64 // incremental.confidence_min, default 0.5

	// Identity
	IdentityGrace   time.Duration // identity.grace_window, default 60s
	PendingCap      int           // identity.pending_cap, default 100000
	ConfidenceLow   float64       // boundary low/medium, default 0.4
	ConfidenceHigh  float64       // boundary medium/high, default 0.7
	SessionOnlyBase float64       // confidence base, session source alone
	AgreementBase   float64       // confidence base, session + directory agree
	ContradictBase  float64       // confidence base, session contradicts directory

	// Flow intake
	TemplateTTL       time.Duration // template.ttl, default 30m
	TemplateCacheCap  int           // per-exporter template cap
	PendingRecordsCap int           // per-exporter buffered data records, default 256
	NetFlowPort       int           // default 2055
	IPFIXPort         int           // default 4739
	IngestShards      int           // sketch-update workers, default 8
	ShardQueueLen     int           // bounded inbound queue per shard
	MaxTimeSkew       time.Duration // records outside +-skew are discarded, default 24h

	// SGT lifecycle
	SGTBaseValue   uint16  // sgt.base_value, default 2 (0 and 1 reserved)
	MaxChurn       float64 // stability.max_churn, default 0.25
	OverlapMatch   float64 // member-overlap fraction that rebinds an SGT, default 0.7
	LabelProfile   float64 // semantic label thresholds, defaults 0.8/0.7/0.6
	LabelDevice    float64
	LabelGroup     float64

	// Policy
	DefaultAction  string  // policy.default_action, "deny" or "permit"
	CoverageTarget float64 // policy.coverage_target, default 0.9
	PolicyMinFlows uint64  // policy.min_flows: cells below this emit no rules, default 10

	// Scheduler
	BatchEvery        time.Duration // default 24h
	IncrementalEvery  time.Duration // default 5m
	MatrixEvery       time.Duration // default 15m
	MatrixWindow      time.Duration // trailing window, default 1h
	UnassignedTrigger float64       // batch trigger threshold, default 0.2

	// External calls
	ExternalTimeout time.Duration // deadline per call, default 10s

	// Wiring
	DatabaseURL string // optional; engine runs without persistence
	APIPort     string
	LDAPServer  string // optional directory source
	LDAPBaseDN  string
	CatalogURL  string // optional reference catalog
	SecretBase  string // base path for the file secret store, optional
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		HLLPrecision: 12,
		CMSWidth:     2048,
		CMSDepth:     5,
		TopK:         10,

		SketchMinFlows:    50,
		ClusterMinSize:    50,
		ClusterMinSamples: 10,
		IncrementalMin:    0.5,

		IdentityGrace:   60 * time.Second,
		PendingCap:      100000,
		ConfidenceLow:   0.4,
		ConfidenceHigh:  0.7,
		SessionOnlyBase: 0.7,
		AgreementBase:   0.9,
		ContradictBase:  0.35,

		TemplateTTL:       30 * time.Minute,
		TemplateCacheCap:  128,
		PendingRecordsCap: 256,
		NetFlowPort:       2055,
		IPFIXPort:         4739,
		IngestShards:      8,
		ShardQueueLen:     1024,
		MaxTimeSkew:       24 * time.Hour,

		SGTBaseValue: 2,
		MaxChurn:     0.25,
		OverlapMatch: 0.7,
		LabelProfile: 0.8,
		LabelDevice:  0.7,
		LabelGroup:   0.6,

		DefaultAction:  "deny",
		CoverageTarget: 0.9,
		PolicyMinFlows: 10,

		BatchEvery:        24 * time.Hour,
		IncrementalEvery:  5 * time.Minute,
		MatrixEvery:       15 * time.Minute,
		MatrixWindow:      time.Hour,
		UnassignedTrigger: 0.2,

		ExternalTimeout: 10 * time.Second,

		APIPort: "5340",
	}
}

// FromEnv builds a Config from environment variables layered over the
// defaults. Only a handful of knobs are expected to change per deployment;
// the rest stay tunable for tests and unusual sites.
func FromEnv() Config {
	cfg := Default()

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.APIPort = envOr("PORT", cfg.APIPort)
	cfg.LDAPServer = os.Getenv("LDAP_SERVER")
	cfg.LDAPBaseDN = os.Getenv("LDAP_BASE_DN")
	cfg.CatalogURL = os.Getenv("CATALOG_URL")
	cfg.SecretBase = os.Getenv("SECRET_BASE_PATH")

	cfg.NetFlowPort = envInt("NETFLOW_PORT", cfg.NetFlowPort)
	cfg.IPFIXPort = envInt("IPFIX_PORT", cfg.IPFIXPort)
	cfg.IngestShards = envInt("INGEST_SHARDS", cfg.IngestShards)
	cfg.PendingCap = envInt("IDENTITY_PENDING_CAP", cfg.PendingCap)
	cfg.ClusterMinSize = envInt("CLUSTER_MIN_SIZE", cfg.ClusterMinSize)
	cfg.ClusterMinSamples = envInt("CLUSTER_MIN_SAMPLES", cfg.ClusterMinSamples)
	cfg.SketchMinFlows = uint64(envInt("SKETCH_MIN_FLOWS", int(cfg.SketchMinFlows)))
	cfg.SGTBaseValue = uint16(envInt("SGT_BASE_VALUE", int(cfg.SGTBaseValue)))

	cfg.IncrementalMin = envFloat("INCREMENTAL_CONFIDENCE_MIN", cfg.IncrementalMin)
	cfg.MaxChurn = envFloat("STABILITY_MAX_CHURN", cfg.MaxChurn)
	cfg.OverlapMatch = envFloat("SGT_OVERLAP_MATCH", cfg.OverlapMatch)
	cfg.CoverageTarget = envFloat("POLICY_COVERAGE_TARGET", cfg.CoverageTarget)
	cfg.PolicyMinFlows = uint64(envInt("POLICY_MIN_FLOWS", int(cfg.PolicyMinFlows)))
	cfg.UnassignedTrigger = envFloat("BATCH_UNASSIGNED_TRIGGER", cfg.UnassignedTrigger)
	cfg.DefaultAction = envOr("POLICY_DEFAULT_ACTION", cfg.DefaultAction)

	cfg.IdentityGrace = envDuration("IDENTITY_GRACE_WINDOW", cfg.IdentityGrace)
	cfg.TemplateTTL = envDuration("TEMPLATE_TTL", cfg.TemplateTTL)
	cfg.BatchEvery = envDuration("BATCH_EVERY", cfg.BatchEvery)
	cfg.IncrementalEvery = envDuration("INCREMENTAL_EVERY", cfg.IncrementalEvery)
	cfg.MatrixEvery = envDuration("MATRIX_EVERY", cfg.MatrixEvery)
	cfg.MatrixWindow = envDuration("MATRIX_WINDOW", cfg.MatrixWindow)
	cfg.ExternalTimeout = envDuration("EXTERNAL_TIMEOUT", cfg.ExternalTimeout)

	return cfg
}

// Validate rejects configurations the engine cannot run with. A non-nil
// error here is the only fatal error in the system.
func (c Config) Validate() error {
	if c.HLLPrecision < 4 || c.HLLPrecision > 16 {
		return fmt.Errorf("hll.precision %d outside [4,16]", c.HLLPrecision)
	}
	if c.CMSWidth == 0 || c.CMSDepth == 0 {
		return fmt.Errorf("cms shape %dx%d invalid", c.CMSWidth, c.CMSDepth)
	}
	if c.DefaultAction != "deny" && c.DefaultAction != "permit" {
		return fmt.Errorf("policy.default_action %q must be permit or deny", c.DefaultAction)
	}
	if c.CoverageTarget <= 0 || c.CoverageTarget > 1 {
		return fmt.Errorf("policy.coverage_target %v outside (0,1]", c.CoverageTarget)
	}
	if c.MaxChurn < 0 || c.MaxChurn > 1 {
		return fmt.Errorf("stability.max_churn %v outside [0,1]", c.MaxChurn)
	}
	if c.SGTBaseValue < 2 {
		return fmt.Errorf("sgt.base_value %d collides with reserved values 0 and 1", c.SGTBaseValue)
	}
	if c.IngestShards < 1 {
		return fmt.Errorf("ingest shards must be >= 1")
	}
	if c.PendingCap < 1 {
		return fmt.Errorf("identity.pending_cap must be >= 1")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare numbers are seconds
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
