package advisor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Levels describes the five KTAS levels, most urgent first.
var Levels = [5]string{
	"즉각적인 소생술 필요",
	"고위험 상황",
	"급성 질환",
	"아급성/만성 상태",
	"비응급 상태",
}

var finalMarker = regexp.MustCompile(`최종\s*판정\s*[:：]?\s*KTAS\s*([1-5])`)

// DetectLevel returns the KTAS level named in an advisory, or 0. The
// "최종 판정: KTAS N" marker wins; otherwise the first of "KTAS 1" through
// "KTAS 5" found, checked in that order, is used.
func DetectLevel(text string) int {
	if m := finalMarker.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	for n := 1; n <= 5; n++ {
		if strings.Contains(text, fmt.Sprintf("KTAS %d", n)) {
			return n
		}
	}
	return 0
}

// Alert is the routing message for a level. Levels 4, 5 and 0 have none.
type Alert struct {
	Severity string `json:"severity,omitempty"` // error, warning, info
	Message  string `json:"message,omitempty"`
}

// AlertFor returns the alert for a detected level.
func AlertFor(level int) Alert {
	switch level {
	case 1:
		return Alert{Severity: "error", Message: "⚠️ 이 환자는 즉시 의료진의 처치가 필요합니다!"}
	case 2:
		return Alert{Severity: "warning", Message: "⚠️ 이 환자는 15분 이내 의료진의 진찰이 필요합니다."}
	case 3:
		return Alert{Severity: "info", Message: "이 환자는 30분 이내 의료진의 진찰이 필요합니다."}
	default:
		return Alert{}
	}
}

// checkFormat lists what an advisory is missing from the required layout.
func checkFormat(text string) []string {
	var issues []string
	if !finalMarker.MatchString(text) {
		issues = append(issues, `"최종 판정: KTAS N" 줄이 없습니다`)
	}
	for _, s := range []string{SectionAnalysis, SectionAssessment, SectionCaveats} {
		if !strings.Contains(text, s) {
			issues = append(issues, fmt.Sprintf("'%s' 섹션이 없습니다", s))
		}
	}
	return issues
}
