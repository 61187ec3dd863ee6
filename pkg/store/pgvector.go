package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/internal/types"
)

var _ types.VectorStore = (*PGVector)(nil)

// PGVector stores summary embeddings in Postgres with the pgvector
// extension.
type PGVector struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	metric models.DistanceMetric
}

// OperatorClass is the ivfflat operator class for a metric.
func OperatorClass(m models.DistanceMetric) string {
	switch m {
	case models.Euclidean:
		return "vector_l2_ops"
	case models.DotProduct:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

// DistanceOperator is the pgvector operator ordering results for a metric.
func DistanceOperator(m models.DistanceMetric) string {
	switch m {
	case models.Euclidean:
		return "<->"
	case models.DotProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

func NewPGVector(ctx context.Context, config VectorStoreConfig) (*PGVector, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	if config.ConnString == "" {
		return nil, fmt.Errorf("pgvector backend needs a database url")
	}

	// The extension must exist before pool connections register its types.
	conn, err := pgx.Connect(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	vs := &PGVector{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *PGVector) initialize(ctx context.Context) error {
	table := vs.config.TableName

	tx, err := vs.lock(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+metaTable+` (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			document TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			distance_metric TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			metadata JSONB NOT NULL
		)`, table, vs.config.VectorDim)
	if _, err := tx.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_url_idx ON %[1]s (url)`, table)); err != nil {
		return fmt.Errorf("failed to create url index: %w", err)
	}

	stored, err := vs.storedMetric(ctx, tx)
	if err != nil {
		return err
	}
	// A new table takes the configured metric. An existing one keeps its
	// records until ApplyMetric switches it.
	if stored == "" {
		stored = vs.config.DistanceMetric
		if err := vs.recordMetric(ctx, tx, stored); err != nil {
			return err
		}
	}
	if err := vs.createIndex(ctx, tx, stored); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	vs.metric = stored
	return nil
}

// ApplyMetric switches the table to the configured metric. When the stored
// records were built under another metric they are deleted and the vector
// index is rebuilt. It reports whether the metric changed.
func (vs *PGVector) ApplyMetric(ctx context.Context) (bool, error) {
	table := vs.config.TableName
	want := vs.config.DistanceMetric

	tx, err := vs.lock(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	stored, err := vs.storedMetric(ctx, tx)
	if err != nil {
		return false, err
	}
	if stored == want {
		vs.metric = want
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM `+table); err != nil {
		return false, fmt.Errorf("failed to clear records for metric change: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s_embedding_idx`, table)); err != nil {
		return false, fmt.Errorf("failed to drop index: %w", err)
	}
	if err := vs.recordMetric(ctx, tx, want); err != nil {
		return false, err
	}
	if err := vs.createIndex(ctx, tx, want); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit metric change: %w", err)
	}
	vs.metric = want
	return stored != "", nil
}

// lock begins a transaction holding the table's advisory lock, which
// serialises concurrent schema and metric changes.
func (vs *PGVector) lock(ctx context.Context) (pgx.Tx, error) {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, vs.config.TableName); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to lock vector metadata: %w", err)
	}
	return tx, nil
}

func (vs *PGVector) metricKey() string { return vs.config.TableName + ".distance_metric" }

func (vs *PGVector) storedMetric(ctx context.Context, tx pgx.Tx) (models.DistanceMetric, error) {
	var stored string
	err := tx.QueryRow(ctx, `SELECT value FROM `+metaTable+` WHERE key = $1`, vs.metricKey()).Scan(&stored)
	if err != nil && err != pgx.ErrNoRows {
		return "", fmt.Errorf("failed to read vector metadata: %w", err)
	}
	return models.DistanceMetric(stored), nil
}

func (vs *PGVector) recordMetric(ctx context.Context, tx pgx.Tx, metric models.DistanceMetric) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO `+metaTable+` (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		vs.metricKey(), string(metric))
	if err != nil {
		return fmt.Errorf("failed to record distance metric: %w", err)
	}
	return nil
}

func (vs *PGVector) createIndex(ctx context.Context, tx pgx.Tx, metric models.DistanceMetric) error {
	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx
		ON %[1]s
		USING ivfflat (embedding %[2]s)
		WITH (lists = 100)`,
		vs.config.TableName, OperatorClass(metric))
	if _, err := tx.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Metric is the metric stored records are scored under.
func (vs *PGVector) Metric() models.DistanceMetric { return vs.metric }

// Upsert replaces every record stored for url in one transaction.
func (vs *PGVector) Upsert(ctx context.Context, url string, records []models.VectorRecord) error {
	if err := checkRecords(url, records, vs.config.VectorDim); err != nil {
		return err
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE url = $1 AND NOT (id = ANY($2))`, vs.config.TableName),
		url, ids)
	if err != nil {
		return fmt.Errorf("failed to clear old records: %w", err)
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, url, chunk_index, document, embedding, distance_metric, content_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			chunk_index = EXCLUDED.chunk_index,
			document = EXCLUDED.document,
			embedding = EXCLUDED.embedding,
			distance_metric = EXCLUDED.distance_metric,
			content_hash = EXCLUDED.content_hash,
			metadata = EXCLUDED.metadata`,
		vs.config.TableName)

	for _, r := range records {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = sanitizeUTF8(v)
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}

		_, err = tx.Exec(ctx, stmt,
			r.ID,
			r.URL,
			r.ChunkIndex,
			sanitizeUTF8(r.Document),
			pgvector.NewVector(r.Embedding),
			string(vs.metric),
			r.ContentHash,
			metaJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}

	// Commit transaction
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (vs *PGVector) Hashes(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := vs.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, content_hash FROM %s WHERE id = ANY($1)`, vs.config.TableName), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// Query orders by the metric's pgvector operator. Score is the operator's
// value, smaller is closer.
func (vs *PGVector) Query(ctx context.Context, queryEmbedding []float32, limit int) ([]models.VectorRecord, error) {
	if limit <= 0 {
		limit = 5
	}

	query := fmt.Sprintf(`
		SELECT id, url, chunk_index, document, distance_metric, content_hash, metadata, embedding %[2]s $1 AS score
		FROM %[1]s
		ORDER BY embedding %[2]s $1
		LIMIT $2`,
		vs.config.TableName, DistanceOperator(vs.metric))

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []models.VectorRecord
	for rows.Next() {
		var (
			r        models.VectorRecord
			metric   string
			metaJSON []byte
		)
		err := rows.Scan(&r.ID, &r.URL, &r.ChunkIndex, &r.Document, &metric, &r.ContentHash, &metaJSON, &r.Score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.DistanceMetric = models.DistanceMetric(metric)
		if r.Metadata, err = decodeMetadata(string(metaJSON)); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (vs *PGVector) Count(ctx context.Context) (int, error) {
	var n int
	if err := vs.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+vs.config.TableName).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (vs *PGVector) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}
