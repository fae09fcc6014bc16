// Package patient models the triage intake record and its validation.
package patient

import "strings"

// Unknown is the sentinel stored in optional fields left blank.
const Unknown = "미확인"

// MandatoryMessage is shown to the submitter when vital signs or symptoms
// are missing.
const MandatoryMessage = "활력징후와 증상은 필수 입력 사항입니다."

// Sex options offered by the intake surfaces.
var Sexes = []string{"남성", "여성"}

// ConsciousnessLevels are the AVPU choices offered by the intake surfaces.
var ConsciousnessLevels = []string{
	"명료(Alert)",
	"언어자극에 반응(Verbal)",
	"통증자극에 반응(Pain)",
	"무반응(Unresponsive)",
}

// Record is one patient as submitted for triage.
type Record struct {
	Sex           string `json:"sex"`
	Age           string `json:"age"`
	Diseases      string `json:"diseases"`
	Medications   string `json:"medications"`
	VitalSigns    string `json:"vital_signs"`
	Consciousness string `json:"consciousness"`
	Symptoms      string `json:"symptoms"`
}

// Normalize trims every field and replaces blank optional fields with
// Unknown. Vital signs and symptoms are trimmed but never defaulted.
func (r Record) Normalize() Record {
	opt := func(s string) string {
		if s = strings.TrimSpace(s); s == "" {
			return Unknown
		}
		return s
	}
	return Record{
		Sex:           opt(r.Sex),
		Age:           opt(r.Age),
		Diseases:      opt(r.Diseases),
		Medications:   opt(r.Medications),
		VitalSigns:    strings.TrimSpace(r.VitalSigns),
		Consciousness: opt(r.Consciousness),
		Symptoms:      strings.TrimSpace(r.Symptoms),
	}
}

// Validate returns a *ValidationError naming the blank mandatory fields.
func (r Record) Validate() error {
	var missing []string
	if strings.TrimSpace(r.VitalSigns) == "" {
		missing = append(missing, "vital_signs")
	}
	if strings.TrimSpace(r.Symptoms) == "" {
		missing = append(missing, "symptoms")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

// ValidationError reports mandatory intake fields that were left blank.
type ValidationError struct {
	Missing []string `json:"missing"`
}

func (e *ValidationError) Error() string {
	return "missing mandatory patient fields: " + strings.Join(e.Missing, ", ")
}

// Message is the user-facing text for the error.
func (e *ValidationError) Message() string {
	return MandatoryMessage
}
