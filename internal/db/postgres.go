// Package db persists the identity-bearing artifacts: the tag registry,
// memberships and their history, centroids, matrix snapshots, and policy
// sets. Sketches are rebuildable from traffic and never persisted here.
package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not carry the source tree.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}
	log.Println("[DB] connected to PostgreSQL")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded DDL.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}
	log.Println("[DB] schema initialized")
	return nil
}

// exec runs one statement with a single retry. Writes are periodic
// checkpoints of in-memory state, so a second failure logs and counts
// rather than unwinding the pipeline.
func (s *PostgresStore) exec(ctx context.Context, what, sql string, args ...any) error {
	_, err := s.pool.Exec(ctx, sql, args...)
	if err == nil {
		return nil
	}
	if _, retryErr := s.pool.Exec(ctx, sql, args...); retryErr == nil {
		return nil
	}
	metrics.PersistenceFailures.Inc()
	log.Printf("[DB] %s failed after retry: %v", what, err)
	return fmt.Errorf("%s: %w", what, err)
}

// SaveSGT upserts one registry row.
func (s *PostgresStore) SaveSGT(ctx context.Context, t models.SGT) error {
	return s.exec(ctx, "save sgt", `
		INSERT INTO sgt_registry (value, name, category, description, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (value) DO UPDATE
		SET name = EXCLUDED.name, category = EXCLUDED.category,
		    description = EXCLUDED.description, active = EXCLUDED.active;
	`, int(t.Value), t.Name, t.Category, t.Description, t.Active, t.CreatedAt)
}

// LoadSGTs reads the full registry, ordered by value.
func (s *PostgresStore) LoadSGTs(ctx context.Context) ([]models.SGT, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT value, name, category, description, active, created_at
		FROM sgt_registry ORDER BY value;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SGT
	for rows.Next() {
		var t models.SGT
		var value int
		if err := rows.Scan(&value, &t.Name, &t.Category, &t.Description, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Value = uint16(value)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveMembership upserts the current membership for one endpoint.
func (s *PostgresStore) SaveMembership(ctx context.Context, m models.Membership) error {
	return s.exec(ctx, "save membership", `
		INSERT INTO sgt_memberships
			(endpoint_id, sgt_value, assigned_at, confirmed_at, assigned_by, confidence, cluster_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (endpoint_id) DO UPDATE
		SET sgt_value = EXCLUDED.sgt_value, assigned_at = EXCLUDED.assigned_at,
		    confirmed_at = EXCLUDED.confirmed_at, assigned_by = EXCLUDED.assigned_by,
		    confidence = EXCLUDED.confidence, cluster_id = EXCLUDED.cluster_id;
	`, m.EndpointID, int(m.SGTValue), m.AssignedAt, m.ConfirmedAt, m.AssignedBy, m.Confidence, m.ClusterID)
}

// SaveMemberships checkpoints a batch inside one transaction.
func (s *PostgresStore) SaveMemberships(ctx context.Context, ms []models.Membership) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, m := range ms {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sgt_memberships
				(endpoint_id, sgt_value, assigned_at, confirmed_at, assigned_by, confidence, cluster_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (endpoint_id) DO UPDATE
			SET sgt_value = EXCLUDED.sgt_value, assigned_at = EXCLUDED.assigned_at,
			    confirmed_at = EXCLUDED.confirmed_at, assigned_by = EXCLUDED.assigned_by,
			    confidence = EXCLUDED.confidence, cluster_id = EXCLUDED.cluster_id;
		`, m.EndpointID, int(m.SGTValue), m.AssignedAt, m.ConfirmedAt, m.AssignedBy, m.Confidence, m.ClusterID); err != nil {
			metrics.PersistenceFailures.Inc()
			return fmt.Errorf("membership batch: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// LoadMemberships reads the current membership table.
func (s *PostgresStore) LoadMemberships(ctx context.Context) ([]models.Membership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT endpoint_id, sgt_value, assigned_at, confirmed_at, assigned_by, confidence, cluster_id
		FROM sgt_memberships ORDER BY endpoint_id;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		var value int
		if err := rows.Scan(&m.EndpointID, &value, &m.AssignedAt, &m.ConfirmedAt, &m.AssignedBy, &m.Confidence, &m.ClusterID); err != nil {
			return nil, err
		}
		m.SGTValue = uint16(value)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendHistory writes one immutable history row.
func (s *PostgresStore) AppendHistory(ctx context.Context, h models.HistoryRecord) error {
	return s.exec(ctx, "append history", `
		INSERT INTO sgt_history (endpoint_id, sgt_value, assigned_at, superseded_at, assigned_by)
		VALUES ($1, $2, $3, $4, $5);
	`, h.EndpointID, int(h.SGTValue), h.AssignedAt, h.SupersededAt, h.AssignedBy)
}

// SaveCentroids persists a run's centroid set and marks every earlier run
// superseded, atomically.
func (s *PostgresStore) SaveCentroids(ctx context.Context, snap *models.CentroidSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		metrics.PersistenceFailures.Inc()
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE cluster_centroids SET superseded = TRUE WHERE run_id <> $1;`, snap.RunID); err != nil {
		metrics.PersistenceFailures.Inc()
		return fmt.Errorf("supersede centroids: %w", err)
	}
	for _, c := range snap.Centroids {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cluster_centroids (run_id, cluster_id, sgt_value, vector, member_count, d_max, superseded)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE)
			ON CONFLICT (run_id, cluster_id) DO UPDATE
			SET sgt_value = EXCLUDED.sgt_value, vector = EXCLUDED.vector,
			    member_count = EXCLUDED.member_count, d_max = EXCLUDED.d_max,
			    superseded = FALSE;
		`, c.RunID, c.ClusterID, int(c.SGTValue), c.Vector, c.MemberCount, c.DMax); err != nil {
			metrics.PersistenceFailures.Inc()
			return fmt.Errorf("save centroid: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// LoadCentroids reads the latest non-superseded centroid set.
func (s *PostgresStore) LoadCentroids(ctx context.Context) (*models.CentroidSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, cluster_id, sgt_value, vector, member_count, d_max
		FROM cluster_centroids WHERE NOT superseded ORDER BY cluster_id;
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := &models.CentroidSnapshot{}
	for rows.Next() {
		var c models.Centroid
		var sgtValue int
		if err := rows.Scan(&c.RunID, &c.ClusterID, &sgtValue, &c.Vector, &c.MemberCount, &c.DMax); err != nil {
			return nil, err
		}
		c.SGTValue = uint16(sgtValue)
		snap.RunID = c.RunID
		snap.Centroids = append(snap.Centroids, c)
	}
	if len(snap.Centroids) == 0 {
		return nil, nil
	}
	return snap, rows.Err()
}

// SaveMatrix persists one snapshot as JSONB alongside its window columns.
func (s *PostgresStore) SaveMatrix(ctx context.Context, snap *models.MatrixSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("matrix encode: %w", err)
	}
	return s.exec(ctx, "save matrix", `
		INSERT INTO matrix_snapshots (version, from_ts, to_ts, approximate, built_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (version) DO NOTHING;
	`, snap.Version, snap.From, snap.To, snap.Approximate, snap.BuiltAt, body)
}

// SavePolicySet persists one recommended set.
func (s *PostgresStore) SavePolicySet(ctx context.Context, set *models.PolicySet) error {
	body, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("policy encode: %w", err)
	}
	return s.exec(ctx, "save policy set", `
		INSERT INTO policy_sets (matrix_version, generated_at, body)
		VALUES ($1, $2, $3);
	`, set.MatrixVersion, set.GeneratedAt, body)
}

// LatestPolicySet reads the most recently generated set, nil when none.
func (s *PostgresStore) LatestPolicySet(ctx context.Context) (*models.PolicySet, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM policy_sets ORDER BY generated_at DESC LIMIT 1;`).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var set models.PolicySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// GetPool exposes the connection pool for subsystems with bespoke queries.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
