package advisor

import (
	"fmt"
	"strings"

	"github.com/bbiangul/go-ktas/patient"
	"github.com/bbiangul/go-ktas/projector"
	"github.com/bbiangul/go-ktas/records"
)

// Section headings every advisory must contain.
const (
	SectionAnalysis   = "환자 분석"
	SectionAssessment = "KTAS 평가"
	SectionCaveats    = "주의사항"
)

const systemPrompt = `당신은 응급실 분류 간호사를 돕는 KTAS(Korean Triage and Acuity Scale) 중증도 분류 보조자입니다.
제공된 참고 자료(KTAS 기준)와 환자 정보만을 근거로 평가하세요.
규칙:
1. 참고 자료로 뒷받침되는 내용만 제시하고, 근거가 부족하면 부족하다고 명시하세요.
2. 첫 줄에 "최종 판정: KTAS N" 형식으로 1~5 중 하나의 등급을 적으세요. (1이 가장 위급)
3. 이어서 다음 세 섹션을 제목 그대로 작성하세요.
## 환자 분석
## KTAS 평가
## 주의사항
4. 주의사항에는 이 평가가 참고용이며 최종 판단은 의료진이 한다는 점을 포함하세요.`

var patientLabels = map[records.PatientType]string{
	records.Adult:     "성인",
	records.Pediatric: "소아",
}

func buildContext(docs []projector.Document) string {
	if len(docs) == 0 {
		return "(검색된 참고 자료 없음)\n"
	}
	var b strings.Builder
	for i, d := range docs {
		m := d.Metadata
		fmt.Fprintf(&b, "--- 자료 %d: NACRS %s", i+1, m.Code)
		if m.Title != "" {
			fmt.Fprintf(&b, " %s", m.Title)
		}
		fmt.Fprintf(&b, " | %s | %s | 레벨 %s ---\n", patientLabels[m.PatientType], m.Category, m.Level)
		b.WriteString(d.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

func writePatient(b *strings.Builder, rec patient.Record) {
	fmt.Fprintf(b, "- 성별: %s\n", rec.Sex)
	fmt.Fprintf(b, "- 나이: %s\n", rec.Age)
	fmt.Fprintf(b, "- 기저질환: %s\n", rec.Diseases)
	fmt.Fprintf(b, "- 복용약물: %s\n", rec.Medications)
	fmt.Fprintf(b, "- 활력징후(혈압-맥박-산소포화도-체온-혈당): %s\n", rec.VitalSigns)
	if v, err := patient.ParseVitalSigns(rec.VitalSigns); err == nil {
		fmt.Fprintf(b, "  (%s)\n", v)
	}
	fmt.Fprintf(b, "- 의식상태: %s\n", rec.Consciousness)
	fmt.Fprintf(b, "- 증상: %s\n", rec.Symptoms)
}

func buildUserPrompt(rec patient.Record, refs string) string {
	var b strings.Builder
	b.WriteString("참고 자료:\n")
	b.WriteString(refs)
	b.WriteString("환자 정보:\n")
	writePatient(&b, rec)
	b.WriteString("\n위 참고 자료를 바탕으로 환자의 KTAS 등급을 평가하세요.")
	return b.String()
}

func buildRefinementPrompt(rec patient.Record, refs, previous string, issues []string) string {
	var b strings.Builder
	b.WriteString("참고 자료:\n")
	b.WriteString(refs)
	b.WriteString("환자 정보:\n")
	writePatient(&b, rec)
	b.WriteString("\n이전 답변:\n")
	b.WriteString(previous)
	b.WriteString("\n\n형식 문제:\n")
	for _, is := range issues {
		fmt.Fprintf(&b, "- %s\n", is)
	}
	b.WriteString("\n위 문제를 고쳐 규칙에 맞는 형식으로 평가를 다시 작성하세요.")
	return b.String()
}
