// Package eval measures triage agreement between advisories and reference
// levels over a dataset of patient cases.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	goktas "github.com/bbiangul/go-ktas"
	"github.com/bbiangul/go-ktas/patient"
)

// Assessor produces an advisory for one patient. goktas.Engine satisfies it.
type Assessor interface {
	Assess(ctx context.Context, rec patient.Record) (*goktas.Assessment, error)
}

// Evaluator runs datasets against an assessor.
type Evaluator struct {
	assessor Assessor
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(a Assessor) *Evaluator {
	return &Evaluator{assessor: a}
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string                      `json:"dataset"`
	TotalCases      int                         `json:"total_cases"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Errors          int                         `json:"errors"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []CaseResult                `json:"results"`
	RunTime         time.Duration               `json:"run_time"`
	TokenUsage      TokenUsage                  `json:"token_usage"`
}

// TokenUsage aggregates LLM token consumption across an evaluation run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AggregateMetrics holds rates across the cases that produced an advisory.
type AggregateMetrics struct {
	Cases           int     `json:"cases"`
	ExactRate       float64 `json:"exact_rate"`
	OverTriageRate  float64 `json:"over_triage_rate"`
	UnderTriageRate float64 `json:"under_triage_rate"`
	UndetectedRate  float64 `json:"undetected_rate"`
	MeanLevelError  float64 `json:"mean_level_error"` // over cases with a detected level
	AvgCodeRecall   float64 `json:"avg_code_recall"`
	FormatRate      float64 `json:"format_rate"` // advisories with no format issues
}

// CaseResult holds the result of a single case.
type CaseResult struct {
	Name          string   `json:"name"`
	Category      string   `json:"category,omitempty"`
	ExpectedLevel int      `json:"expected_level"`
	Level         int      `json:"level"`
	Outcome       string   `json:"outcome,omitempty"`
	CodeRecall    float64  `json:"code_recall"`
	SourceCodes   []string `json:"source_codes,omitempty"`
	FormatIssues  []string `json:"format_issues,omitempty"`
	Rounds        int      `json:"rounds"`
	Passed        bool     `json:"passed"`
	Error         string   `json:"error,omitempty"`
	TotalTokens   int      `json:"total_tokens"`
	ElapsedMs     int64    `json:"elapsed_ms"`

	promptTokens, completionTokens int
}

// accumulator sums per-case metrics before averaging.
type accumulator struct {
	n, exact, over, under, undetected int
	errSum, errN                      int
	recall                            float64
	formatted                         int
}

func (a *accumulator) add(r CaseResult) {
	a.n++
	switch r.Outcome {
	case OutcomeExact:
		a.exact++
	case OutcomeOverTriage:
		a.over++
	case OutcomeUnderTriage:
		a.under++
	case OutcomeUndetected:
		a.undetected++
	}
	if e := levelError(r.Level, r.ExpectedLevel); e >= 0 {
		a.errSum += e
		a.errN++
	}
	a.recall += r.CodeRecall
	if len(r.FormatIssues) == 0 {
		a.formatted++
	}
}

func (a *accumulator) metrics() AggregateMetrics {
	m := AggregateMetrics{Cases: a.n}
	if a.n == 0 {
		return m
	}
	n := float64(a.n)
	m.ExactRate = float64(a.exact) / n
	m.OverTriageRate = float64(a.over) / n
	m.UnderTriageRate = float64(a.under) / n
	m.UndetectedRate = float64(a.undetected) / n
	m.AvgCodeRecall = a.recall / n
	m.FormatRate = float64(a.formatted) / n
	if a.errN > 0 {
		m.MeanLevelError = float64(a.errSum) / float64(a.errN)
	}
	return m
}

// Run assesses every case in order. A failing case is recorded and the run
// continues; only cancellation of ctx stops it early.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:         dataset.Name,
		TotalCases:      len(dataset.Cases),
		CategoryMetrics: make(map[string]AggregateMetrics),
	}

	var all accumulator
	cats := make(map[string]*accumulator)

	for i, c := range dataset.Cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := e.runCase(ctx, c)
		report.Results = append(report.Results, result)

		report.TokenUsage.PromptTokens += result.promptTokens
		report.TokenUsage.CompletionTokens += result.completionTokens
		report.TokenUsage.TotalTokens += result.TotalTokens

		slog.Info("eval: case complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(dataset.Cases)),
			"status", status(result),
			"expected", c.ExpectedLevel,
			"level", result.Level,
			"elapsed_ms", result.ElapsedMs,
			"case", c.Name)

		switch {
		case result.Error != "":
			report.Errors++
			report.Failed++
			// Errors would count as undetected and skew the rates.
			continue
		case result.Passed:
			report.Passed++
		default:
			report.Failed++
		}

		all.add(result)
		if c.Category != "" {
			acc, ok := cats[c.Category]
			if !ok {
				acc = &accumulator{}
				cats[c.Category] = acc
			}
			acc.add(result)
		}
	}

	report.Metrics = all.metrics()
	for cat, acc := range cats {
		report.CategoryMetrics[cat] = acc.metrics()
	}
	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runCase(ctx context.Context, c Case) CaseResult {
	caseStart := time.Now()
	result := CaseResult{
		Name:          c.Name,
		Category:      c.Category,
		ExpectedLevel: c.ExpectedLevel,
	}

	a, err := e.assessor.Assess(ctx, c.Patient)
	result.ElapsedMs = time.Since(caseStart).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Level = a.Level
	result.Outcome = classifyOutcome(a.Level, c.ExpectedLevel)
	result.CodeRecall = codeRecall(a.Sources, c.ExpectedCodes)
	for _, s := range a.Sources {
		result.SourceCodes = append(result.SourceCodes, s.Metadata.Code)
	}
	result.FormatIssues = a.Issues
	result.Rounds = a.Rounds
	result.TotalTokens = a.TotalTokens
	result.promptTokens = a.PromptTokens
	result.completionTokens = a.CompletionTokens
	result.Passed = result.Outcome == OutcomeExact && result.CodeRecall == 1
	return result
}

func status(r CaseResult) string {
	switch {
	case r.Error != "":
		return "ERROR"
	case r.Passed:
		return "PASS"
	default:
		return "FAIL"
	}
}

// FormatReport renders a report for the terminal.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Triage Evaluation: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Total: %d | Passed: %d (%.1f%%) | Failed: %d | Errors: %d\n",
		r.TotalCases, r.Passed, passRate(r.Passed, r.TotalCases), r.Failed, r.Errors)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "Aggregate Metrics:\n")
	writeMetrics(&b, "  ", r.Metrics)
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "Token Usage:\n")
	fmt.Fprintf(&b, "  Prompt:     %d\n", r.TokenUsage.PromptTokens)
	fmt.Fprintf(&b, "  Completion: %d\n", r.TokenUsage.CompletionTokens)
	fmt.Fprintf(&b, "  Total:      %d\n\n", r.TokenUsage.TotalTokens)

	// Per-category breakdown (sorted for deterministic output)
	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			m := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s] n=%d exact=%.0f%% over=%.0f%% under=%.0f%% recall=%.2f\n",
				cat, m.Cases, m.ExactRate*100, m.OverTriageRate*100, m.UnderTriageRate*100, m.AvgCodeRecall)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		fmt.Fprintf(&b, "[%s] %d. %s\n", status(res), i+1, res.Name)
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
			continue
		}
		fmt.Fprintf(&b, "  expected=KTAS %d got=KTAS %d (%s) recall=%.2f rounds=%d  (%dms)\n",
			res.ExpectedLevel, res.Level, res.Outcome, res.CodeRecall, res.Rounds, res.ElapsedMs)
	}
	return b.String()
}

func writeMetrics(b *strings.Builder, indent string, m AggregateMetrics) {
	fmt.Fprintf(b, "%sExact level:      %.1f%%\n", indent, m.ExactRate*100)
	fmt.Fprintf(b, "%sOver-triage:      %.1f%%\n", indent, m.OverTriageRate*100)
	fmt.Fprintf(b, "%sUnder-triage:     %.1f%%\n", indent, m.UnderTriageRate*100)
	fmt.Fprintf(b, "%sUndetected:       %.1f%%\n", indent, m.UndetectedRate*100)
	fmt.Fprintf(b, "%sMean level error: %.2f\n", indent, m.MeanLevelError)
	fmt.Fprintf(b, "%sCode recall:      %.2f\n", indent, m.AvgCodeRecall)
	fmt.Fprintf(b, "%sFormat compliant: %.1f%%\n", indent, m.FormatRate*100)
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}
