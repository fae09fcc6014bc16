// Package advisor combines a patient record with retrieved KTAS reference
// documents and asks the chat model for a triage advisory.
package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bbiangul/go-ktas/llm"
	"github.com/bbiangul/go-ktas/patient"
	"github.com/bbiangul/go-ktas/projector"
	"github.com/bbiangul/go-ktas/retrieval"
)

// Config holds advisor configuration.
type Config struct {
	K           int           `json:"k" yaml:"k" mapstructure:"k"`
	MaxRounds   int           `json:"max_rounds" yaml:"max_rounds" mapstructure:"max_rounds"`
	Temperature float64       `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// Advisory is the outcome of one assessment.
type Advisory struct {
	Text             string               `json:"text"`
	Level            int                  `json:"level"`
	Alert            Alert                `json:"alert"`
	Sources          []projector.Document `json:"sources"`
	Steps            []Step               `json:"steps"`
	Issues           []string             `json:"issues,omitempty"`
	ModelUsed        string               `json:"model_used"`
	Rounds           int                  `json:"rounds"`
	PromptTokens     int                  `json:"prompt_tokens"`
	CompletionTokens int                  `json:"completion_tokens"`
	TotalTokens      int                  `json:"total_tokens"`
}

// Step records one model round.
type Step struct {
	Round     int      `json:"round"`
	Action    string   `json:"action"`
	Prompt    string   `json:"prompt,omitempty"`
	Response  string   `json:"response,omitempty"`
	Tokens    int      `json:"tokens,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms,omitempty"`
	Issues    []string `json:"issues,omitempty"`
}

// Advisor runs assessments against an index and a chat model.
type Advisor struct {
	index retrieval.Index
	chat  llm.Provider
	cfg   Config
}

// New creates an advisor. Zero config values default to k=3, two rounds and
// a 60s timeout per external call.
func New(index retrieval.Index, chat llm.Provider, cfg Config) *Advisor {
	if cfg.K <= 0 {
		cfg.K = 3
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Advisor{index: index, chat: chat, cfg: cfg}
}

// Assess validates rec, retrieves reference documents for its symptoms and
// asks the model for an advisory. An invalid record returns a
// *patient.ValidationError and touches neither the index nor the model.
//
// When the first answer misses the expected format and MaxRounds allows, a
// second round asks the model to fix it. A failing second round keeps the
// first answer.
func (a *Advisor) Assess(ctx context.Context, rec patient.Record) (*Advisory, error) {
	rec = rec.Normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	docs, err := a.retrieve(ctx, rec.Symptoms)
	if err != nil {
		return nil, fmt.Errorf("retrieving references: %w", err)
	}

	adv := &Advisory{Sources: docs}
	refs := buildContext(docs)
	prompt := buildUserPrompt(rec, refs)

	slog.Info("advisor: round 1 starting", "references", len(docs))
	resp, elapsed, err := a.ask(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generating advisory: %w", err)
	}
	adv.record(1, "initial_assessment", prompt, resp, elapsed)
	issues := checkFormat(resp.Content)
	adv.Steps[0].Issues = issues

	if len(issues) > 0 && a.cfg.MaxRounds >= 2 {
		slog.Info("advisor: round 2 starting (format issues)", "issues", len(issues))
		refine := buildRefinementPrompt(rec, refs, resp.Content, issues)
		resp2, elapsed, err := a.ask(ctx, refine)
		if err != nil {
			slog.Warn("advisor: refinement failed, keeping first answer", "error", err)
		} else {
			adv.record(2, "format_refinement", refine, resp2, elapsed)
			issues = checkFormat(resp2.Content)
			adv.Steps[1].Issues = issues
		}
	}

	adv.Issues = issues
	adv.Level = DetectLevel(adv.Text)
	adv.Alert = AlertFor(adv.Level)
	adv.Rounds = len(adv.Steps)

	slog.Info("advisor: assessment complete",
		"level", adv.Level, "rounds", adv.Rounds, "tokens", adv.TotalTokens)
	return adv, nil
}

func (a *Advisor) retrieve(ctx context.Context, query string) ([]projector.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return a.index.Query(ctx, query, a.cfg.K)
}

func (a *Advisor) ask(ctx context.Context, prompt string) (*llm.ChatResponse, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := a.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	return resp, time.Since(start), err
}

// record appends a round and makes its response the current answer.
func (adv *Advisory) record(round int, action, prompt string, resp *llm.ChatResponse, elapsed time.Duration) {
	adv.Text = resp.Content
	if resp.Model != "" {
		adv.ModelUsed = resp.Model
	}
	adv.PromptTokens += resp.PromptTokens
	adv.CompletionTokens += resp.CompletionTokens
	adv.TotalTokens += resp.TotalTokens
	adv.Steps = append(adv.Steps, Step{
		Round:     round,
		Action:    action,
		Prompt:    prompt,
		Response:  resp.Content,
		Tokens:    resp.TotalTokens,
		ElapsedMs: elapsed.Milliseconds(),
	})
}
