package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rawblock/clarion/internal/agent"
	"github.com/rawblock/clarion/internal/api"
	"github.com/rawblock/clarion/internal/cluster"
	"github.com/rawblock/clarion/internal/config"
	"github.com/rawblock/clarion/internal/db"
	"github.com/rawblock/clarion/internal/identity"
	"github.com/rawblock/clarion/internal/matrix"
	"github.com/rawblock/clarion/internal/netflow"
	"github.com/rawblock/clarion/internal/policy"
	"github.com/rawblock/clarion/internal/scheduler"
	"github.com/rawblock/clarion/internal/secrets"
	"github.com/rawblock/clarion/internal/sgt"
	"github.com/rawblock/clarion/internal/sketch"
	"github.com/rawblock/clarion/internal/store"
	"github.com/rawblock/clarion/pkg/models"
)

func main() {
	log.Println("Starting Clarion Segmentation Copilot (behavioral grouping + policy recommendation)...")

	// .env files serve local development only; production deployments set
	// the environment directly
	_ = godotenv.Load()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	sec := secrets.NewResolver()

	// persistence is optional: the engine runs fully in memory and
	// rebuilds sketches from traffic, losing only registry continuity
	var dbConn *db.PostgresStore
	if cfg.DatabaseURL != "" {
		var err error
		dbConn, err = db.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: failed to connect to PostgreSQL, continuing without durable state. Error: %v", err)
			dbConn = nil
		} else {
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wsHub := api.NewHub()
	go wsHub.Run()

	shape := sketch.Shape{
		HLLPrecision: cfg.HLLPrecision,
		CMSWidth:     cfg.CMSWidth,
		CMSDepth:     cfg.CMSDepth,
		TopK:         cfg.TopK,
	}
	sketchStore := store.New(shape, 0)

	registry := sgt.NewRegistry(cfg.SGTBaseValue)
	assigner := cluster.NewAssigner(cfg.IncrementalMin)
	if dbConn != nil {
		restoreState(ctx, dbConn, registry, assigner)
	}

	manager := sgt.NewManager(sgt.LifecycleConfig{
		MaxChurn:     cfg.MaxChurn,
		MatchOverlap: cfg.OverlapMatch,
		Category:     "behavioral",
	}, registry, assigner, func(ev sgt.ReviewEvent) {
		wsHub.BroadcastEvent("review", ev)
	})

	resolver := identity.NewResolver(identity.Config{
		Grace:           cfg.IdentityGrace,
		PendingCap:      cfg.PendingCap,
		ConfidenceMin:   cfg.ConfidenceLow,
		SessionOnlyBase: cfg.SessionOnlyBase,
		AgreementBase:   cfg.AgreementBase,
		ContradictBase:  cfg.ContradictBase,
		ExternalTimeout: cfg.ExternalTimeout,
	}, nil)

	var puller *identity.Puller
	if cfg.LDAPServer != "" {
		puller = identity.NewPuller(identity.DirectoryConfig{
			URL:      cfg.LDAPServer,
			BindDN:   os.Getenv("LDAP_BIND_DN"),
			Password: sec.Provider(getEnvOrDefault("LDAP_PASSWORD_PATH", "env:LDAP_PASSWORD")),
			BaseDN:   cfg.LDAPBaseDN,
		}, resolver)
	}

	var catalog policy.Catalog
	if cfg.CatalogURL != "" {
		catalog = policy.NewHTTPCatalog(policy.HTTPCatalogConfig{
			BaseURL:        cfg.CatalogURL,
			Token:          sec.Provider(getEnvOrDefault("CATALOG_TOKEN_PATH", "env:CATALOG_TOKEN")),
			RequestTimeout: cfg.ExternalTimeout,
		})
	}

	builder := matrix.NewBuilder(cfg.MatrixWindow, 0)
	recommender := policy.NewRecommender(policy.Config{
		Coverage:      cfg.CoverageTarget,
		DefaultAction: cfg.DefaultAction,
		MinFlows:      cfg.PolicyMinFlows,
	})

	pipe := scheduler.NewPipeline(cfg, scheduler.Deps{
		Store:    sketchStore,
		Resolver: resolver,
		Assigner: assigner,
		Manager:  manager,
		Registry: registry,
		Builder:  builder,
		Rec:      recommender,
		Catalog:  catalog,
		Puller:   puller,
		Persist:  dbConn,
	})
	if dbConn != nil {
		restoreAssignments(ctx, dbConn, manager, pipe)
	}

	// flow intake: every decoded flow updates both endpoint sketches, the
	// identity side-band, and the live matrix window
	decoder := netflow.NewDecoder(netflow.Config{
		TemplateTTL:      cfg.TemplateTTL,
		TemplateCacheCap: cfg.TemplateCacheCap,
		PendingCap:       cfg.PendingRecordsCap,
		MaxTimeSkew:      cfg.MaxTimeSkew,
	})
	intake := netflow.NewIntake(decoder, func(f *models.FlowRecord, outbound bool) {
		id := sketchStore.ObserveSide(f, outbound)
		if outbound {
			resolver.ResolveFlow(id, f.SrcAddr, f.End)
			// the matrix cell is recorded once per flow, on the source side
			dstID := sketchStore.Resolve(f.Exporter, f.DstAddr, "", f.End)
			builder.Record(f, tagFor(manager, f.SrcTag, id), tagFor(manager, f.DstTag, dstID))
		} else {
			resolver.ResolveFlow(id, f.DstAddr, f.End)
		}
	}, cfg.IngestShards, cfg.ShardQueueLen)
	go func() {
		if err := intake.Run(ctx, []int{cfg.NetFlowPort, cfg.IPFIXPort}); err != nil {
			log.Printf("Warning: flow intake stopped: %v", err)
		}
	}()

	sched, err := scheduler.New(cfg, pipe)
	if err != nil {
		log.Fatalf("FATAL: scheduler init: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("FATAL: scheduler start: %v", err)
	}
	defer sched.Stop()

	r := api.SetupRouter(api.Deps{
		Store:     sketchStore,
		Resolver:  resolver,
		Manager:   manager,
		Registry:  registry,
		Ingestor:  agent.NewIngestor(sketchStore),
		Pipeline:  pipe,
		Hub:       wsHub,
		DB:        dbConn,
		AuthToken: sec.Provider(getEnvOrDefault("API_AUTH_TOKEN_PATH", "env:API_AUTH_TOKEN")),
	})

	log.Printf("Clarion API on :%s, flow intake on udp :%d and :%d\n",
		cfg.APIPort, cfg.NetFlowPort, cfg.IPFIXPort)
	if err := r.Run(":" + cfg.APIPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// restoreState reloads the tag registry and the last centroid snapshot so
// tag values stay monotone and incremental assignment works across restarts.
func restoreState(ctx context.Context, dbConn *db.PostgresStore, registry *sgt.Registry, assigner *cluster.Assigner) {
	tags, err := dbConn.LoadSGTs(ctx)
	if err != nil {
		log.Printf("Warning: failed to restore tag registry: %v", err)
	} else {
		for _, t := range tags {
			registry.Restore(t)
		}
		if len(tags) > 0 {
			log.Printf("[Boot] restored %d tags", len(tags))
		}
	}

	snap, err := dbConn.LoadCentroids(ctx)
	if err != nil {
		log.Printf("Warning: failed to restore centroids: %v", err)
	} else if snap != nil {
		assigner.Publish(snap)
		log.Printf("[Boot] restored centroid snapshot from run %d (%d clusters)", snap.RunID, len(snap.Centroids))
	}
}

// restoreAssignments reloads the membership table and the last recommended
// policy set once the lifecycle and pipeline exist, so restarts serve
// memberships and policies without waiting for the next batch run.
func restoreAssignments(ctx context.Context, dbConn *db.PostgresStore, manager *sgt.Manager, pipe *scheduler.Pipeline) {
	ms, err := dbConn.LoadMemberships(ctx)
	if err != nil {
		log.Printf("Warning: failed to restore memberships: %v", err)
	} else {
		for _, m := range ms {
			manager.RestoreMembership(m)
		}
		if len(ms) > 0 {
			log.Printf("[Boot] restored %d memberships", len(ms))
		}
	}

	set, err := dbConn.LatestPolicySet(ctx)
	if err != nil {
		log.Printf("Warning: failed to restore policy set: %v", err)
	} else if set != nil {
		pipe.SeedPolicy(set)
		log.Printf("[Boot] restored policy set for matrix version %d (%d rules)", set.MatrixVersion, len(set.Rules))
	}
}

// tagFor prefers the tag carried in the flow record over the membership table.
func tagFor(m *sgt.Manager, carried *uint16, endpointID string) uint16 {
	if carried != nil {
		return *carried
	}
	return m.TagFor(endpointID)
}

// getEnvOrDefault returns the env var value or a default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
