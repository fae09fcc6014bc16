//go:build cgo

package goktas

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bbiangul/go-ktas/patient"
)

func chestPainPatient() patient.Record {
	return patient.Record{
		Sex:        "남성",
		Age:        "54",
		VitalSigns: "160/100-120-95-36.8",
		Symptoms:   "혈압 상승 흉통",
	}
}

func TestBuildIndexThenReuse(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.DeckPath = writeDeck(t, dir)
	ctx := context.Background()

	p := &fakeProvider{reply: advisoryText}
	e := newTestEngine(t, cfg, p)
	info, err := e.BuildIndex(ctx)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	if info.Reused || !info.Exists || info.Documents != 2 || info.Embeddings != 2 {
		t.Errorf("first build info = %+v", info)
	}
	if info.DeckHash == "" || info.BuiltAt == "" || info.EmbeddingModel != cfg.Embedding.Model {
		t.Errorf("metadata not stamped: %+v", info)
	}
	if !fileExists(cfg.BackupPath) {
		t.Error("build did not write the JSON backup")
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	// A second engine finds the index on disk and never reads the deck.
	if err := os.Remove(cfg.DeckPath); err != nil {
		t.Fatal(err)
	}
	p2 := &fakeProvider{reply: advisoryText}
	e2 := newTestEngine(t, cfg, p2)
	info, err = e2.BuildIndex(ctx)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if !info.Reused || info.Documents != 2 {
		t.Errorf("reuse info = %+v", info)
	}
	if p2.embedCalls != 0 {
		t.Errorf("reuse embedded %d batches", p2.embedCalls)
	}
}

func TestAssessBuildsIndexAndLogs(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.DeckPath = writeDeck(t, dir)
	ctx := context.Background()

	p := &fakeProvider{reply: advisoryText}
	e := newTestEngine(t, cfg, p)

	a, err := e.Assess(ctx, chestPainPatient())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if a.ID == "" || a.Level != 2 || a.Alert.Severity != "warning" {
		t.Errorf("assessment = id %q level %d alert %+v", a.ID, a.Level, a.Alert)
	}
	if len(a.Sources) == 0 || a.Sources[0].Metadata.Code != "123" {
		t.Errorf("sources = %+v", a.Sources)
	}
	if a.Patient.Consciousness != patient.Unknown {
		t.Errorf("patient not normalized: %+v", a.Patient)
	}
	if !fileExists(cfg.indexPath()) {
		t.Error("index not built on first assessment")
	}

	logged, err := e.RecentAssessments(ctx, 5)
	if err != nil {
		t.Fatalf("RecentAssessments: %v", err)
	}
	if len(logged) != 1 || logged[0].ID != a.ID || logged[0].Level != 2 || logged[0].TotalTokens != 60 {
		t.Fatalf("logged = %+v", logged)
	}
	var rec patient.Record
	if err := json.Unmarshal(logged[0].Patient.(json.RawMessage), &rec); err != nil {
		t.Fatalf("decoding logged patient: %v", err)
	}
	if rec.VitalSigns != "160/100-120-95-36.8" {
		t.Errorf("logged patient = %+v", rec)
	}
}

func TestRebuildPicksUpDeckChanges(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.DeckPath = writeDeck(t, dir)
	ctx := context.Background()

	e := newTestEngine(t, cfg, &fakeProvider{reply: advisoryText})
	if _, err := e.BuildIndex(ctx); err != nil {
		t.Fatal(err)
	}

	writeDeck(t, dir, "3 흉부 압박감")
	info, err := e.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !info.Stale || info.Documents != 2 {
		t.Errorf("changed deck: info = %+v, want stale with 2 documents", info)
	}

	info, err = e.BuildIndex(ctx, WithRebuild())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if info.Reused || info.Stale || info.Documents != 3 {
		t.Errorf("rebuilt info = %+v", info)
	}
}

func TestBuildIndexFailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.DeckPath = writeDeck(t, dir)

	p := &fakeProvider{embedErr: errors.New("embedding service down")}
	e := newTestEngine(t, cfg, p)
	_, err := e.BuildIndex(context.Background())
	if !errors.Is(err, ErrExternalService) {
		t.Fatalf("error = %v, want ErrExternalService", err)
	}
	if fileExists(cfg.IndexDir) {
		t.Error("partial index directory left behind")
	}
}

func TestBuildIndexErrors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	cfg := testConfig(dir)
	e := newTestEngine(t, cfg, &fakeProvider{})
	if _, err := e.Assess(ctx, chestPainPatient()); !errors.Is(err, ErrIndexMissing) {
		t.Errorf("no deck, no index: error = %v, want ErrIndexMissing", err)
	}

	cfg.DeckPath = filepath.Join(dir, "gone.pptx")
	e = newTestEngine(t, cfg, &fakeProvider{})
	if _, err := e.BuildIndex(ctx); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("missing deck: error = %v, want ErrResourceNotFound", err)
	}
	if fileExists(cfg.IndexDir) {
		t.Error("index directory created for a missing deck")
	}
}

func TestRebuildWaitsForInFlightAssessment(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.DeckPath = writeDeck(t, dir)
	ctx := context.Background()

	p := &fakeProvider{reply: advisoryText}
	e := newTestEngine(t, cfg, p)
	if _, err := e.BuildIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Assess(ctx, chestPainPatient()); err != nil {
		t.Fatalf("first Assess: %v", err)
	}

	p.chatEntered = make(chan struct{}, 1)
	p.chatGate = make(chan struct{})

	type assessResult struct {
		a   *Assessment
		err error
	}
	assessed := make(chan assessResult, 1)
	go func() {
		a, err := e.Assess(ctx, chestPainPatient())
		assessed <- assessResult{a, err}
	}()
	<-p.chatEntered

	rebuilt := make(chan error, 1)
	go func() {
		_, err := e.BuildIndex(ctx, WithRebuild())
		rebuilt <- err
	}()
	select {
	case err := <-rebuilt:
		t.Fatalf("rebuild finished while an assessment was in flight (err %v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(p.chatGate)
	res := <-assessed
	if res.err != nil {
		t.Fatalf("Assess during rebuild: %v", res.err)
	}
	if err := <-rebuilt; err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	logged, err := e.RecentAssessments(ctx, 10)
	if err != nil {
		t.Fatalf("RecentAssessments: %v", err)
	}
	if len(logged) != 2 || logged[0].ID != res.a.ID {
		t.Fatalf("logged after rebuild = %+v, want both assessments with %s newest", logged, res.a.ID)
	}
	info, err := e.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Assessments != 2 || info.Documents != 2 {
		t.Errorf("info after rebuild = %+v", info)
	}
}

func TestRebuildWithoutDeckKeepsIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.DeckPath = writeDeck(t, dir)
	ctx := context.Background()

	e := newTestEngine(t, cfg, &fakeProvider{reply: advisoryText})
	if _, err := e.BuildIndex(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	cfg.DeckPath = ""
	e = newTestEngine(t, cfg, &fakeProvider{reply: advisoryText})
	if _, err := e.BuildIndex(ctx, WithRebuild()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
	if !fileExists(cfg.indexPath()) {
		t.Error("index removed by a rebuild that could not run")
	}
}

func TestAssessReportsEmbeddingFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.DeckPath = writeDeck(t, dir)
	ctx := context.Background()

	p := &fakeProvider{reply: advisoryText}
	e := newTestEngine(t, cfg, p)
	if _, err := e.BuildIndex(ctx); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	p.embedErr = errors.New("embedding service down")
	p.mu.Unlock()
	if _, err := e.Assess(ctx, chestPainPatient()); !errors.Is(err, ErrExternalService) {
		t.Fatalf("error = %v, want ErrExternalService", err)
	}
	if p.chatCalls != 0 {
		t.Errorf("chat called %d times without references", p.chatCalls)
	}
	logged, err := e.RecentAssessments(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 0 {
		t.Errorf("failed assessment logged: %+v", logged)
	}
}
