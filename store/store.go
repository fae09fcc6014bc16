package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Keys written to index_meta.
const (
	MetaSchemaVersion  = "schema_version"
	MetaDeckPath       = "deck_path"
	MetaDeckHash       = "deck_hash"
	MetaEmbeddingModel = "embedding_model"
	MetaDocumentCount  = "document_count"
	MetaBuiltAt        = "built_at"
)

// Document represents a row in the documents table.
type Document struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	PatientType string `json:"patient_type"`
	Category    string `json:"category"`
	Level       string `json:"level"`
	Content     string `json:"content"`
	Position    int    `json:"position"`
}

// SearchResult holds a document with its retrieval score.
type SearchResult struct {
	Document
	Score float64 `json:"score"`
}

// Assessment represents a row in the assessments table.
type Assessment struct {
	ID               string      `json:"id"`
	Patient          interface{} `json:"patient"`
	Query            string      `json:"query"`
	Answer           string      `json:"answer"`
	Level            int         `json:"level"`
	Sources          interface{} `json:"sources"`
	ModelUsed        string      `json:"model_used"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
	CreatedAt        string      `json:"created_at,omitempty"`
}

// Store wraps the SQLite database holding one reference index.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including sqlite-vec and FTS5 virtual tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocuments inserts or updates documents keyed by Key and returns
// their row ids in input order.
func (s *Store) UpsertDocuments(ctx context.Context, docs []Document) ([]int64, error) {
	ids := make([]int64, 0, len(docs))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO documents (doc_key, code, title, patient_type, category, level, content, position)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(doc_key) DO UPDATE SET
				code = excluded.code,
				title = excluded.title,
				patient_type = excluded.patient_type,
				category = excluded.category,
				level = excluded.level,
				content = excluded.content,
				position = excluded.position
			RETURNING id
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, d := range docs {
			var id int64
			if err := stmt.QueryRowContext(ctx, d.Key, d.Code, d.Title, d.PatientType,
				d.Category, d.Level, d.Content, d.Position).Scan(&id); err != nil {
				return fmt.Errorf("upserting document %s: %w", d.Key, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a document.
func (s *Store) InsertEmbedding(ctx context.Context, documentID int64, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, index expects %d", len(embedding), s.embeddingDim)
	}
	// vec0 has no upsert; replace by delete + insert.
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM vec_documents WHERE document_id = ?", documentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO vec_documents (document_id, embedding) VALUES (?, ?)",
			documentID, serializeFloat32(embedding))
		return err
	})
}

// GetEmbeddings reads stored vectors for the given document ids.
func (s *Store) GetEmbeddings(ctx context.Context, ids []int64) (map[int64][]float32, error) {
	out := make(map[int64][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT document_id, embedding FROM vec_documents WHERE document_id IN (?"+repeatPlaceholders(len(ids)-1)+")",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = deserializeFloat32(blob)
	}
	return out, rows.Err()
}

// VectorSearch performs a KNN search returning the top-k nearest documents.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.document_id, v.distance,
			d.doc_key, d.code, d.title, d.patient_type, d.category, d.level, d.content, d.position
		FROM vec_documents v
		JOIN documents d ON d.id = v.document_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		if err := rows.Scan(&r.ID, &distance,
			&r.Key, &r.Code, &r.Title, &r.PatientType, &r.Category, &r.Level, &r.Content, &r.Position); err != nil {
			return nil, err
		}
		// Cosine distance to similarity.
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// FTSSearch performs a full-text search using FTS5 BM25 ranking.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.rowid, f.rank,
			d.doc_key, d.code, d.title, d.patient_type, d.category, d.level, d.content, d.position
		FROM documents_fts f
		JOIN documents d ON d.id = f.rowid
		WHERE documents_fts MATCH ?
		ORDER BY f.rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var rank float64
		if err := rows.Scan(&r.ID, &rank,
			&r.Key, &r.Code, &r.Title, &r.PatientType, &r.Category, &r.Level, &r.Content, &r.Position); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better), convert to positive score
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Index metadata ---

// SetMeta writes one index_meta entry.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// GetMeta reads one index_meta entry. ok is false when the key is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, "SELECT value FROM index_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// AllMeta returns every index_meta entry.
func (s *Store) AllMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM index_meta")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// --- Assessment log ---

// LogAssessment writes an entry to the assessment audit log.
func (s *Store) LogAssessment(ctx context.Context, a Assessment) error {
	return insertAssessment(ctx, s.db, a)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertAssessment keeps a.CreatedAt when set, otherwise stamps the current
// time. Existing ids are left untouched.
func insertAssessment(ctx context.Context, db execer, a Assessment) error {
	patientJSON, err := json.Marshal(a.Patient)
	if err != nil {
		return fmt.Errorf("encoding patient: %w", err)
	}
	sourcesJSON, _ := json.Marshal(a.Sources)
	_, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO assessments (id, patient, query, answer, level, sources, model_used, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(NULLIF(?, ''), CURRENT_TIMESTAMP))
	`, a.ID, string(patientJSON), a.Query, a.Answer, a.Level, string(sourcesJSON), a.ModelUsed,
		a.PromptTokens, a.CompletionTokens, a.TotalTokens, a.CreatedAt)
	return err
}

// AllAssessments returns the whole audit log, oldest first, with CreatedAt in
// the column's own format so it can be restored unchanged.
func (s *Store) AllAssessments(ctx context.Context) ([]Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient, query, COALESCE(answer, ''), level, COALESCE(sources, 'null'),
			COALESCE(model_used, ''), prompt_tokens, completion_tokens, total_tokens,
			strftime('%Y-%m-%d %H:%M:%S', created_at)
		FROM assessments ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, err
	}
	return scanAssessments(rows)
}

// RestoreAssessments inserts previously exported entries in one transaction.
func (s *Store) RestoreAssessments(ctx context.Context, as []Assessment) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, a := range as {
			if err := insertAssessment(ctx, tx, a); err != nil {
				return fmt.Errorf("restoring assessment %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// RecentAssessments returns up to limit assessments, newest first. Patient
// and Sources are returned as raw JSON.
func (s *Store) RecentAssessments(ctx context.Context, limit int) ([]Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient, query, COALESCE(answer, ''), level, COALESCE(sources, 'null'),
			COALESCE(model_used, ''), prompt_tokens, completion_tokens, total_tokens,
			strftime('%Y-%m-%d %H:%M:%S', created_at)
		FROM assessments ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanAssessments(rows)
}

func scanAssessments(rows *sql.Rows) ([]Assessment, error) {
	defer rows.Close()

	var out []Assessment
	for rows.Next() {
		var a Assessment
		var patient, sources string
		if err := rows.Scan(&a.ID, &patient, &a.Query, &a.Answer, &a.Level, &sources,
			&a.ModelUsed, &a.PromptTokens, &a.CompletionTokens, &a.TotalTokens, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Patient = json.RawMessage(patient)
		a.Sources = json.RawMessage(sources)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DBStats holds row counts for the index.
type DBStats struct {
	Documents   int `json:"documents"`
	Embeddings  int `json:"embeddings"`
	Assessments int `json:"assessments"`
}

// DBStats returns counts of documents, embeddings and logged assessments.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM vec_documents", &stats.Embeddings},
		{"SELECT COUNT(*) FROM assessments", &stats.Assessments},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
