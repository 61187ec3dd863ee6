package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/internal/types"
)

var _ types.VectorStore = (*SQLiteVector)(nil)

// SQLiteVector is a local vector store. Queries score every row with the
// configured metric, which is fine for a single user's news history.
type SQLiteVector struct {
	config VectorStoreConfig
	db     *sql.DB
	metric models.DistanceMetric
}

func NewSQLiteVector(ctx context.Context, config VectorStoreConfig) (*SQLiteVector, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}
	if config.Path == "" {
		config.Path = "data/vectors.db"
	}

	db, err := openSQLite(config.Path)
	if err != nil {
		return nil, err
	}

	vs := &SQLiteVector{config: config, db: db}
	if err := vs.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return vs, nil
}

func (vs *SQLiteVector) initialize(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS %[2]s (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		document TEXT NOT NULL,
		embedding BLOB NOT NULL,
		distance_metric TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		metadata TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS %[2]s_url_idx ON %[2]s (url);`,
		metaTable, vs.config.TableName)

	if _, err := vs.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create vector schema: %w", err)
	}

	stored, err := vs.storedMetric(ctx, vs.db)
	if err != nil {
		return err
	}
	// A new table takes the configured metric. An existing one keeps its
	// records until ApplyMetric switches it.
	if stored == "" {
		stored = vs.config.DistanceMetric
		if err := vs.recordMetric(ctx, vs.db, stored); err != nil {
			return err
		}
	}
	vs.metric = stored
	return nil
}

// ApplyMetric switches the table to the configured metric, deleting
// records built under another one. It reports whether the metric changed.
func (vs *SQLiteVector) ApplyMetric(ctx context.Context) (bool, error) {
	want := vs.config.DistanceMetric

	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := vs.storedMetric(ctx, tx)
	if err != nil {
		return false, err
	}
	if stored == want {
		vs.metric = want
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+vs.config.TableName); err != nil {
		return false, fmt.Errorf("failed to clear records for metric change: %w", err)
	}
	if err := vs.recordMetric(ctx, tx, want); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit metric change: %w", err)
	}
	vs.metric = want
	return stored != "", nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (vs *SQLiteVector) metricKey() string { return vs.config.TableName + ".distance_metric" }

func (vs *SQLiteVector) storedMetric(ctx context.Context, q execQuerier) (models.DistanceMetric, error) {
	var stored string
	err := q.QueryRowContext(ctx, `SELECT value FROM `+metaTable+` WHERE key = ?`, vs.metricKey()).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read vector metadata: %w", err)
	}
	return models.DistanceMetric(stored), nil
}

func (vs *SQLiteVector) recordMetric(ctx context.Context, q execQuerier, metric models.DistanceMetric) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO `+metaTable+` (key, value) VALUES (?, ?)
	ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		vs.metricKey(), string(metric))
	if err != nil {
		return fmt.Errorf("failed to record distance metric: %w", err)
	}
	return nil
}

// Metric is the metric stored records are scored under.
func (vs *SQLiteVector) Metric() models.DistanceMetric { return vs.metric }

// Upsert replaces every record stored for url in one transaction.
func (vs *SQLiteVector) Upsert(ctx context.Context, url string, records []models.VectorRecord) error {
	if err := checkRecords(url, records, 0); err != nil {
		return err
	}

	tx, err := vs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+vs.config.TableName+` WHERE url = ?`, url); err != nil {
		return fmt.Errorf("failed to clear old records: %w", err)
	}

	stmt := fmt.Sprintf(`
	INSERT INTO %s (id, url, chunk_index, document, embedding, distance_metric, content_hash, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		url = excluded.url,
		chunk_index = excluded.chunk_index,
		document = excluded.document,
		embedding = excluded.embedding,
		distance_metric = excluded.distance_metric,
		content_hash = excluded.content_hash,
		metadata = excluded.metadata`, vs.config.TableName)

	for _, r := range records {
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, stmt,
			r.ID, r.URL, r.ChunkIndex, r.Document, encodeVector(r.Embedding),
			string(vs.metric), r.ContentHash, meta,
		)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Hashes returns the stored content hash for each id that exists.
func (vs *SQLiteVector) Hashes(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := vs.db.QueryContext(ctx,
		`SELECT id, content_hash FROM `+vs.config.TableName+` WHERE id IN (`+placeholders+`)`, args...)
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

// Query returns the limit records closest to embedding. Score is the
// metric's distance, smaller is closer.
func (vs *SQLiteVector) Query(ctx context.Context, embedding []float32, limit int) ([]models.VectorRecord, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := vs.db.QueryContext(ctx, `
	SELECT id, url, chunk_index, document, embedding, distance_metric, content_hash, metadata
	FROM `+vs.config.TableName)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []models.VectorRecord
	for rows.Next() {
		var (
			r      models.VectorRecord
			blob   []byte
			metric string
			meta   string
		)
		if err := rows.Scan(&r.ID, &r.URL, &r.ChunkIndex, &r.Document, &blob, &metric, &r.ContentHash, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if r.Embedding, err = decodeVector(blob); err != nil {
			return nil, err
		}
		if len(r.Embedding) != len(embedding) {
			continue
		}
		if r.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		r.DistanceMetric = models.DistanceMetric(metric)
		r.Score = vs.metric.Distance(embedding, r.Embedding)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Score < records[j].Score })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (vs *SQLiteVector) Count(ctx context.Context) (int, error) {
	var n int
	if err := vs.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+vs.config.TableName).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (vs *SQLiteVector) Close() error {
	return vs.db.Close()
}
