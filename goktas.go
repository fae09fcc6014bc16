package goktas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bbiangul/go-ktas/advisor"
	"github.com/bbiangul/go-ktas/extractor"
	"github.com/bbiangul/go-ktas/llm"
	"github.com/bbiangul/go-ktas/parser"
	"github.com/bbiangul/go-ktas/patient"
	"github.com/bbiangul/go-ktas/projector"
	"github.com/bbiangul/go-ktas/records"
	"github.com/bbiangul/go-ktas/retrieval"
	"github.com/bbiangul/go-ktas/store"
)

// schemaVersion is stamped into index_meta when an index is built.
const schemaVersion = "1"

// Engine is the main entry point for KTAS reference extraction and triage
// advisories.
type Engine interface {
	// Extract reads the configured deck into normalized records and writes
	// the JSON backup. It does not touch the index.
	Extract(ctx context.Context, opts ...ExtractOption) (*ExtractResult, error)

	// BuildIndex makes the reference index available. An existing index is
	// reused unless WithRebuild is given; otherwise the deck is extracted,
	// projected, embedded and stored.
	BuildIndex(ctx context.Context, opts ...BuildOption) (*IndexInfo, error)

	// Assess validates a patient record and returns a triage advisory,
	// building the index first when needed. Every assessment is logged.
	Assess(ctx context.Context, rec patient.Record) (*Assessment, error)

	// RecentAssessments returns the newest logged assessments.
	RecentAssessments(ctx context.Context, limit int) ([]store.Assessment, error)

	// Info describes the current index without building it.
	Info(ctx context.Context) (*IndexInfo, error)

	// Close releases the index.
	Close() error
}

// ExtractResult is the outcome of one deck extraction.
type ExtractResult struct {
	Records    *records.Records `json:"-"`
	Stats      extractor.Stats  `json:"stats"`
	Documents  int              `json:"documents"`
	DeckPath   string           `json:"deck_path"`
	DeckHash   string           `json:"deck_hash"`
	BackupPath string           `json:"backup_path,omitempty"`
	XLSXPath   string           `json:"xlsx_path,omitempty"`
}

// IndexInfo describes an on-disk index.
type IndexInfo struct {
	Dir            string `json:"dir"`
	Exists         bool   `json:"exists"`
	Reused         bool   `json:"reused"`
	DeckPath       string `json:"deck_path,omitempty"`
	DeckHash       string `json:"deck_hash,omitempty"`
	Stale          bool   `json:"stale,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty"`
	BuiltAt        string `json:"built_at,omitempty"`
	Documents      int    `json:"documents"`
	Embeddings     int    `json:"embeddings"`
	Assessments    int    `json:"assessments"`
}

// Assessment is a logged advisory for one patient.
type Assessment struct {
	ID      string         `json:"id"`
	Patient patient.Record `json:"patient"`
	advisor.Advisory
}

// ExtractOption configures extraction.
type ExtractOption func(*extractOptions)

type extractOptions struct {
	backupPath string
	xlsxPath   string
}

// WithBackupPath overrides Config.BackupPath. Empty skips the backup.
func WithBackupPath(path string) ExtractOption {
	return func(o *extractOptions) { o.backupPath = path }
}

// WithXLSXExport also writes the records as a spreadsheet to path.
func WithXLSXExport(path string) ExtractOption {
	return func(o *extractOptions) { o.xlsxPath = path }
}

// BuildOption configures index building.
type BuildOption func(*buildOptions)

type buildOptions struct {
	rebuild bool
}

// WithRebuild discards an existing index and builds it again from the deck.
func WithRebuild() BuildOption {
	return func(o *buildOptions) { o.rebuild = true }
}

// Option configures a new engine.
type Option func(*engine)

// WithProviders replaces the configured chat and embedding providers.
func WithProviders(chat, embed llm.Provider) Option {
	return func(e *engine) {
		e.chatLLM = chat
		e.embedLLM = embed
	}
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg      Config
	chatLLM  llm.Provider
	embedLLM llm.Provider

	// mu is held for reading for the whole of an assessment, so a rebuild
	// or Close waits for in-flight assessments to be logged.
	mu    sync.RWMutex
	store *store.Store
	index *retrieval.Engine
}

// New creates an engine. The index is opened lazily by BuildIndex or the
// first Assess.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg}
	for _, o := range opts {
		o(e)
	}

	var err error
	if e.chatLLM == nil {
		e.chatLLM, err = llm.NewProvider(cfg.Chat.provider())
		if err != nil {
			return nil, fmt.Errorf("%w: creating chat provider: %w", ErrInvalidConfig, err)
		}
	}
	if e.embedLLM == nil {
		e.embedLLM, err = llm.NewProvider(cfg.Embedding.provider())
		if err != nil {
			return nil, fmt.Errorf("%w: creating embedding provider: %w", ErrInvalidConfig, err)
		}
	}
	return e, nil
}

// Extract runs the parser and extractor over the deck.
func (e *engine) Extract(ctx context.Context, opts ...ExtractOption) (*ExtractResult, error) {
	options := &extractOptions{backupPath: e.cfg.BackupPath}
	for _, o := range opts {
		o(options)
	}
	return e.extract(ctx, options)
}

func (e *engine) extract(ctx context.Context, options *extractOptions) (*ExtractResult, error) {
	path := e.cfg.DeckPath
	if path == "" {
		return nil, fmt.Errorf("%w: deck_path not set", ErrInvalidConfig)
	}

	slog.Info("extract: opening deck", "path", path)
	start := time.Now()

	deck, err := parser.Open(ctx, path)
	if err != nil {
		return nil, classify(fmt.Errorf("opening deck: %w", err))
	}
	defer deck.Close()

	recs, stats, err := extractor.Extract(ctx, deck, extractor.Options{
		PediatricStartSlide: e.cfg.PediatricStartSlide,
		ResetPerSlide:       e.cfg.ResetPerSlide,
		NormalizeUnicode:    e.cfg.NormalizeUnicode,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("extracting %s: %w", path, err))
	}

	hash, err := fileHash(path)
	if err != nil {
		return nil, classify(fmt.Errorf("hashing deck: %w", err))
	}

	res := &ExtractResult{
		Records:   recs,
		Stats:     stats,
		Documents: recs.DescriptionCount(),
		DeckPath:  path,
		DeckHash:  hash,
	}

	if options.backupPath != "" {
		if err := recs.Save(options.backupPath); err != nil {
			return nil, fmt.Errorf("writing backup: %w", err)
		}
		res.BackupPath = options.backupPath
	}
	if options.xlsxPath != "" {
		if err := recs.ExportXLSX(options.xlsxPath); err != nil {
			return nil, fmt.Errorf("exporting xlsx: %w", err)
		}
		res.XLSXPath = options.xlsxPath
	}

	slog.Info("extract: complete",
		"codes", recs.Len(), "documents", res.Documents,
		"backup", res.BackupPath, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// BuildIndex opens or builds the index.
func (e *engine) BuildIndex(ctx context.Context, opts ...BuildOption) (*IndexInfo, error) {
	options := &buildOptions{}
	for _, o := range opts {
		o(options)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var history []store.Assessment
	if options.rebuild {
		if e.cfg.DeckPath == "" {
			return nil, fmt.Errorf("%w: rebuild needs deck_path", ErrInvalidConfig)
		}
		var err error
		if history, err = e.assessmentHistoryLocked(ctx); err != nil {
			return nil, err
		}
		if err := e.dropIndex(); err != nil {
			return nil, err
		}
	}
	reused, err := e.ensureIndexLocked(ctx)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := e.store.RestoreAssessments(ctx, history); err != nil {
			return nil, fmt.Errorf("restoring assessment log: %w", err)
		}
		slog.Info("index: assessment log carried over", "assessments", len(history))
	}
	info, err := e.infoLocked(ctx)
	if err != nil {
		return nil, err
	}
	info.Reused = reused
	return info, nil
}

// ensureIndexLocked opens the index, building it when index.db is absent.
// It reports whether an existing index was reused. e.mu must be held.
func (e *engine) ensureIndexLocked(ctx context.Context) (bool, error) {
	if e.index != nil {
		return true, nil
	}
	if fileExists(e.cfg.indexPath()) {
		if err := e.openIndex(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, e.build(ctx)
}

func (e *engine) openIndex(ctx context.Context) error {
	s, err := store.New(e.cfg.indexPath(), e.cfg.EmbeddingDim)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	e.store = s
	e.index = retrieval.New(s, e.embedLLM, e.retrievalConfig())
	slog.Info("index: reusing existing index", "dir", e.cfg.IndexDir)

	// Stale content is reported, never refreshed.
	if e.cfg.DeckPath == "" {
		return nil
	}
	built, ok, err := s.GetMeta(ctx, store.MetaDeckHash)
	if err != nil || !ok {
		return nil
	}
	if current, err := fileHash(e.cfg.DeckPath); err == nil && current != built {
		slog.Warn("index: deck changed since the index was built; rebuild to pick up changes",
			"deck", e.cfg.DeckPath, "dir", e.cfg.IndexDir)
	}
	return nil
}

// build runs extraction, projection and embedding into a fresh index. On
// failure nothing it created is left on disk.
func (e *engine) build(ctx context.Context) error {
	if e.cfg.DeckPath == "" {
		return fmt.Errorf("%w: no index at %s and deck_path not set", ErrIndexMissing, e.cfg.IndexDir)
	}

	slog.Info("index: building", "dir", e.cfg.IndexDir, "deck", e.cfg.DeckPath)
	start := time.Now()

	res, err := e.extract(ctx, &extractOptions{backupPath: e.cfg.BackupPath})
	if err != nil {
		return err
	}
	docs := projector.Project(res.Records)
	if len(docs) == 0 {
		return fmt.Errorf("%w: deck %s yielded no descriptions", ErrNoResults, e.cfg.DeckPath)
	}

	createdDir := !fileExists(e.cfg.IndexDir)
	cleanup := func() {
		if createdDir {
			os.RemoveAll(e.cfg.IndexDir)
			return
		}
		removeIndexFiles(e.cfg.indexPath())
	}

	s, err := store.New(e.cfg.indexPath(), e.cfg.EmbeddingDim)
	if err != nil {
		cleanup()
		return fmt.Errorf("creating index: %w", err)
	}
	idx := retrieval.New(s, e.embedLLM, e.retrievalConfig())

	if err := idx.Upsert(ctx, docs); err != nil {
		s.Close()
		cleanup()
		return external(fmt.Errorf("building index: %w", err))
	}

	meta := map[string]string{
		store.MetaSchemaVersion:  schemaVersion,
		store.MetaDeckPath:       res.DeckPath,
		store.MetaDeckHash:       res.DeckHash,
		store.MetaEmbeddingModel: e.cfg.Embedding.Model,
		store.MetaDocumentCount:  strconv.Itoa(len(docs)),
		store.MetaBuiltAt:        time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range meta {
		if err := s.SetMeta(ctx, k, v); err != nil {
			s.Close()
			cleanup()
			return fmt.Errorf("writing index metadata: %w", err)
		}
	}

	e.store = s
	e.index = idx
	slog.Info("index: build complete",
		"documents", len(docs), "dir", e.cfg.IndexDir,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// assessmentHistoryLocked reads the audit log of the index on disk, if any,
// so a rebuild can carry it over. e.mu must be held.
func (e *engine) assessmentHistoryLocked(ctx context.Context) ([]store.Assessment, error) {
	if e.store == nil {
		if !fileExists(e.cfg.indexPath()) {
			return nil, nil
		}
		if err := e.openIndex(ctx); err != nil {
			return nil, err
		}
	}
	history, err := e.store.AllAssessments(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading assessment log: %w", err)
	}
	return history, nil
}

// dropIndex closes and deletes the current index files. e.mu must be held.
func (e *engine) dropIndex() error {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			return fmt.Errorf("closing index: %w", err)
		}
		e.store, e.index = nil, nil
	}
	if err := removeIndexFiles(e.cfg.indexPath()); err != nil {
		return fmt.Errorf("removing index: %w", err)
	}
	return nil
}

func removeIndexFiles(dbPath string) error {
	var errs []error
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *engine) retrievalConfig() retrieval.Config {
	return retrieval.Config{
		FetchK:       e.cfg.FetchK,
		K:            e.cfg.K,
		MMRLambda:    e.cfg.MMRLambda,
		WeightVector: e.cfg.WeightVector,
		WeightFTS:    e.cfg.WeightFTS,
		BatchSize:    e.cfg.EmbedBatchSize,
		Concurrency:  e.cfg.EmbedConcurrency,
		Timeout:      e.cfg.RequestTimeout,
	}
}

// Assess runs one advisory and logs it.
func (e *engine) Assess(ctx context.Context, rec patient.Record) (*Assessment, error) {
	rec = rec.Normalize()
	// Reject before any index work.
	if err := rec.Validate(); err != nil {
		return nil, classify(err)
	}

	if err := e.readLockIndex(ctx); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()

	adv := advisor.New(e.index, e.chatLLM, advisor.Config{
		K:           e.cfg.K,
		MaxRounds:   e.cfg.MaxRounds,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		Timeout:     e.cfg.RequestTimeout,
	})
	res, err := adv.Assess(ctx, rec)
	if err != nil {
		return nil, external(err)
	}

	a := &Assessment{ID: uuid.NewString(), Patient: rec, Advisory: *res}
	if err := e.store.LogAssessment(ctx, store.Assessment{
		ID:               a.ID,
		Patient:          rec,
		Query:            rec.Symptoms,
		Answer:           res.Text,
		Level:            res.Level,
		Sources:          sourceIDs(res.Sources),
		ModelUsed:        res.ModelUsed,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
	}); err != nil {
		slog.Warn("failed to log assessment", "id", a.ID, "error", err)
	}
	return a, nil
}

// readLockIndex returns with e.mu held for reading and the index open,
// opening or building it under the write lock first when needed.
func (e *engine) readLockIndex(ctx context.Context) error {
	for {
		e.mu.RLock()
		if e.index != nil {
			return nil
		}
		e.mu.RUnlock()

		e.mu.Lock()
		_, err := e.ensureIndexLocked(ctx)
		e.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

func sourceIDs(docs []projector.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

// RecentAssessments lists logged assessments, newest first.
func (e *engine) RecentAssessments(ctx context.Context, limit int) ([]store.Assessment, error) {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		if !fileExists(e.cfg.indexPath()) {
			return nil, nil
		}
		if err := e.openIndex(ctx); err != nil {
			return nil, err
		}
	}
	return e.store.RecentAssessments(ctx, limit)
}

// Info reports on the index, opening it if it exists on disk.
func (e *engine) Info(ctx context.Context) (*IndexInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		if !fileExists(e.cfg.indexPath()) {
			return &IndexInfo{Dir: e.cfg.IndexDir}, nil
		}
		if err := e.openIndex(ctx); err != nil {
			return nil, err
		}
	}
	return e.infoLocked(ctx)
}

func (e *engine) infoLocked(ctx context.Context) (*IndexInfo, error) {
	meta, err := e.store.AllMeta(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading index metadata: %w", err)
	}
	stats, err := e.store.DBStats(ctx)
	if err != nil {
		return nil, err
	}
	info := &IndexInfo{
		Dir:            e.cfg.IndexDir,
		Exists:         true,
		DeckPath:       meta[store.MetaDeckPath],
		DeckHash:       meta[store.MetaDeckHash],
		EmbeddingModel: meta[store.MetaEmbeddingModel],
		BuiltAt:        meta[store.MetaBuiltAt],
		Documents:      stats.Documents,
		Embeddings:     stats.Embeddings,
		Assessments:    stats.Assessments,
	}
	if e.cfg.DeckPath != "" && info.DeckHash != "" {
		if current, err := fileHash(e.cfg.DeckPath); err == nil {
			info.Stale = current != info.DeckHash
		}
	}
	return info, nil
}

// Close shuts down the engine.
func (e *engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	err := e.store.Close()
	e.store, e.index = nil, nil
	return err
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
