package advisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bbiangul/go-ktas/llm"
	"github.com/bbiangul/go-ktas/patient"
	"github.com/bbiangul/go-ktas/projector"
	"github.com/bbiangul/go-ktas/records"
)

type fakeIndex struct {
	docs    []projector.Document
	err     error
	queries []string
	ks      []int
}

func (f *fakeIndex) Upsert(context.Context, []projector.Document) error { return nil }

func (f *fakeIndex) Query(_ context.Context, text string, k int) ([]projector.Document, error) {
	f.queries = append(f.queries, text)
	f.ks = append(f.ks, k)
	return f.docs, f.err
}

// fakeChat returns queued responses in order; an error entry fails that call.
type fakeChat struct {
	mu       sync.Mutex
	replies  []any
	requests []llm.ChatRequest
	block    bool
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if n > len(f.replies) {
		return nil, errors.New("unexpected call")
	}
	switch r := f.replies[n-1].(type) {
	case error:
		return nil, r
	case string:
		return &llm.ChatResponse{Content: r, Model: "solar-pro", PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}, nil
	}
	return nil, errors.New("bad fake reply")
}

func (f *fakeChat) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

const wellFormed = `최종 판정: KTAS 2
## 환자 분석
흉통과 빈맥이 있습니다.
## KTAS 평가
혈압 상승 기준에 해당합니다.
## 주의사항
참고용 평가입니다.`

func chestPainDocs() []projector.Document {
	return []projector.Document{{
		ID:      "d1",
		Content: "NACRS 코드: 123\n제목: Chest Pain\n환자 유형: 성인\n카테고리: vital_signs_primary\n레벨: 1\n설명: 혈압 상승",
		Metadata: projector.Metadata{
			Code: "123", Title: "Chest Pain", PatientType: records.Adult,
			Category: records.VitalSignsPrimary, Level: "1",
		},
	}}
}

func validRecord() patient.Record {
	return patient.Record{
		Sex:        "남성",
		VitalSigns: "160/100-120-95-36.8",
		Symptoms:   "흉통",
	}
}

func TestAssessRejectsInvalidRecord(t *testing.T) {
	tests := []struct {
		name string
		rec  patient.Record
	}{
		{"no_vitals", patient.Record{Symptoms: "흉통"}},
		{"no_symptoms", patient.Record{VitalSigns: "120/80-75-100-36.5"}},
		{"blank_strings", patient.Record{VitalSigns: " ", Symptoms: "\t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fakeIndex{docs: chestPainDocs()}
			chat := &fakeChat{replies: []any{wellFormed}}
			a := New(idx, chat, Config{})

			_, err := a.Assess(context.Background(), tt.rec)
			var ve *patient.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want *patient.ValidationError", err)
			}
			if len(idx.queries) != 0 {
				t.Errorf("index queried %d times for invalid record", len(idx.queries))
			}
			if len(chat.requests) != 0 {
				t.Errorf("model called %d times for invalid record", len(chat.requests))
			}
		})
	}
}

func TestAssess(t *testing.T) {
	idx := &fakeIndex{docs: chestPainDocs()}
	chat := &fakeChat{replies: []any{wellFormed}}
	a := New(idx, chat, Config{})

	adv, err := a.Assess(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}

	if len(idx.queries) != 1 || idx.queries[0] != "흉통" || idx.ks[0] != 3 {
		t.Errorf("index queried with %v k=%v, want symptoms and k=3", idx.queries, idx.ks)
	}
	if adv.Level != 2 {
		t.Errorf("Level = %d, want 2", adv.Level)
	}
	if adv.Alert.Severity != "warning" || !strings.Contains(adv.Alert.Message, "15분") {
		t.Errorf("Alert = %+v", adv.Alert)
	}
	if adv.Rounds != 1 || len(adv.Issues) != 0 {
		t.Errorf("rounds = %d issues = %v, want one clean round", adv.Rounds, adv.Issues)
	}
	if adv.TotalTokens != 120 || adv.ModelUsed != "solar-pro" {
		t.Errorf("usage = %d tokens, model %q", adv.TotalTokens, adv.ModelUsed)
	}
	if len(adv.Sources) != 1 || adv.Sources[0].ID != "d1" {
		t.Errorf("Sources = %+v", adv.Sources)
	}

	req := chat.requests[0]
	if req.Messages[0].Role != "system" || !strings.Contains(req.Messages[0].Content, "최종 판정") {
		t.Errorf("system prompt = %+v", req.Messages[0])
	}
	user := req.Messages[1].Content
	for _, want := range []string{
		"설명: 혈압 상승",
		"NACRS 123 Chest Pain | 성인",
		"- 성별: 남성",
		"- 나이: " + patient.Unknown,
		"- 의식상태: " + patient.Unknown,
		"160/100-120-95-36.8",
		"혈압 160/100 mmHg",
		"- 증상: 흉통",
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestAssessRefinesMalformedAnswer(t *testing.T) {
	chat := &fakeChat{replies: []any{"KTAS 3 정도로 보입니다.", wellFormed}}
	a := New(&fakeIndex{docs: chestPainDocs()}, chat, Config{})

	adv, err := a.Assess(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if adv.Rounds != 2 || len(chat.requests) != 2 {
		t.Fatalf("rounds = %d calls = %d, want 2", adv.Rounds, len(chat.requests))
	}
	if len(adv.Steps[0].Issues) != 4 {
		t.Errorf("round 1 issues = %v, want 4", adv.Steps[0].Issues)
	}
	if adv.Level != 2 || adv.Text != wellFormed {
		t.Errorf("final answer not taken from round 2: level %d", adv.Level)
	}
	if adv.TotalTokens != 240 {
		t.Errorf("tokens = %d, want 240", adv.TotalTokens)
	}
	if !strings.Contains(chat.requests[1].Messages[1].Content, "KTAS 3 정도로 보입니다.") {
		t.Error("refinement prompt does not carry the previous answer")
	}
}

func TestAssessKeepsFirstAnswerWhenRefinementFails(t *testing.T) {
	chat := &fakeChat{replies: []any{"KTAS 1 즉시 처치", errors.New("upstream 500")}}
	a := New(&fakeIndex{docs: chestPainDocs()}, chat, Config{})

	adv, err := a.Assess(context.Background(), validRecord())
	if err != nil {
		t.Fatalf("Assess: %v", err)
	}
	if adv.Rounds != 1 || adv.Level != 1 {
		t.Errorf("rounds = %d level = %d", adv.Rounds, adv.Level)
	}
	if adv.Alert.Severity != "error" {
		t.Errorf("Alert = %+v", adv.Alert)
	}
	if len(adv.Issues) == 0 {
		t.Error("format issues of the kept answer not reported")
	}
}

func TestAssessSingleRound(t *testing.T) {
	chat := &fakeChat{replies: []any{"no format"}}
	a := New(&fakeIndex{}, chat, Config{MaxRounds: 1})

	adv, err := a.Assess(context.Background(), validRecord())
	if err != nil {
		t.Fatal(err)
	}
	if len(chat.requests) != 1 || adv.Level != 0 || adv.Alert != (Alert{}) {
		t.Errorf("calls = %d level = %d alert = %+v", len(chat.requests), adv.Level, adv.Alert)
	}
	if !strings.Contains(chat.requests[0].Messages[1].Content, "검색된 참고 자료 없음") {
		t.Error("empty retrieval not stated in prompt")
	}
}

func TestAssessPropagatesErrors(t *testing.T) {
	t.Run("index", func(t *testing.T) {
		boom := errors.New("index unavailable")
		chat := &fakeChat{replies: []any{wellFormed}}
		_, err := New(&fakeIndex{err: boom}, chat, Config{}).Assess(context.Background(), validRecord())
		if !errors.Is(err, boom) {
			t.Fatalf("error = %v", err)
		}
		if len(chat.requests) != 0 {
			t.Error("model called after retrieval failure")
		}
	})
	t.Run("chat", func(t *testing.T) {
		boom := errors.New("model unavailable")
		_, err := New(&fakeIndex{}, &fakeChat{replies: []any{boom}}, Config{}).Assess(context.Background(), validRecord())
		if !errors.Is(err, boom) {
			t.Fatalf("error = %v", err)
		}
	})
	t.Run("timeout", func(t *testing.T) {
		a := New(&fakeIndex{}, &fakeChat{block: true}, Config{Timeout: 20 * time.Millisecond})
		_, err := a.Assess(context.Background(), validRecord())
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("error = %v, want deadline exceeded", err)
		}
	})
}

func TestDetectLevel(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"최종 판정: KTAS 2\n본문에 KTAS 1 언급", 2},
		{"최종판정：KTAS5", 5},
		{"최종 판정 KTAS 3", 3},
		{"KTAS 4 또는 KTAS 1 가능", 1},
		{"KTAS 평가만 있음", 0},
		{"", 0},
		{"최종 판정: KTAS 7", 0},
	}
	for _, tt := range tests {
		if got := DetectLevel(tt.text); got != tt.want {
			t.Errorf("DetectLevel(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestAlertFor(t *testing.T) {
	tests := []struct {
		level    int
		severity string
		message  string
	}{
		{1, "error", "⚠️ 이 환자는 즉시 의료진의 처치가 필요합니다!"},
		{2, "warning", "⚠️ 이 환자는 15분 이내 의료진의 진찰이 필요합니다."},
		{3, "info", "이 환자는 30분 이내 의료진의 진찰이 필요합니다."},
		{4, "", ""},
		{5, "", ""},
		{0, "", ""},
	}
	for _, tt := range tests {
		got := AlertFor(tt.level)
		if got.Severity != tt.severity || got.Message != tt.message {
			t.Errorf("AlertFor(%d) = %+v", tt.level, got)
		}
	}
}

func TestCheckFormat(t *testing.T) {
	if issues := checkFormat(wellFormed); len(issues) != 0 {
		t.Errorf("well-formed answer flagged: %v", issues)
	}
	issues := checkFormat("최종 판정: KTAS 3\n## 환자 분석\n...")
	if len(issues) != 2 {
		t.Errorf("issues = %v, want 2 missing sections", issues)
	}
}
