package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"unicode/utf8"

	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/internal/types"
)

// metaTable records the distance metric each vector table was built for.
const metaTable = "vector_store_meta"

type VectorStoreConfig struct {
	Backend        string // "pgvector" or "sqlite"
	ConnString     string
	Path           string
	TableName      string
	VectorDim      int
	DistanceMetric models.DistanceMetric
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func (c *VectorStoreConfig) setDefaults() error {
	if c.TableName == "" {
		c.TableName = "article_summaries"
	}
	if !identifierPattern.MatchString(c.TableName) {
		return fmt.Errorf("invalid table name %q", c.TableName)
	}
	if c.VectorDim == 0 {
		c.VectorDim = 768
	}
	if c.DistanceMetric == "" {
		c.DistanceMetric = models.Cosine
	}
	if _, err := models.ParseDistanceMetric(string(c.DistanceMetric)); err != nil {
		return err
	}
	return nil
}

// OpenVectorStore opens the configured backend.
func OpenVectorStore(ctx context.Context, config VectorStoreConfig) (types.VectorStore, error) {
	switch config.Backend {
	case "pgvector":
		s, err := NewPGVector(ctx, config)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := NewSQLiteVector(ctx, config)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", config.Backend)
	}
}

// encodeVector stores an embedding as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}

func checkRecords(url string, records []models.VectorRecord, dim int) error {
	for _, r := range records {
		if r.URL != url {
			return fmt.Errorf("record %s belongs to %s, not %s", r.ID, r.URL, url)
		}
		if dim > 0 && len(r.Embedding) != dim {
			return fmt.Errorf("record %s has %d dimensions, store expects %d", r.ID, len(r.Embedding), dim)
		}
	}
	return nil
}

// sanitizeUTF8 drops invalid bytes Postgres would reject.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
