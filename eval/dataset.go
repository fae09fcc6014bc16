package eval

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bbiangul/go-ktas/patient"
)

// Dataset is a collection of triage cases with known levels.
type Dataset struct {
	Name  string `json:"name"`
	Cases []Case `json:"cases"`
}

// Case is one patient with the level a triage nurse assigned.
type Case struct {
	Name          string         `json:"name"`
	Patient       patient.Record `json:"patient"`
	ExpectedLevel int            `json:"expected_level"`        // 1-5
	ExpectedCodes []string       `json:"expected_codes"`        // NACRS codes the references should include
	Category      string         `json:"category,omitempty"`    // e.g. adult, pediatric, cardiac
	Explanation   string         `json:"explanation,omitempty"` // why this level
}

// LoadDataset reads a JSON dataset and checks every expected level.
func LoadDataset(path string) (Dataset, error) {
	var ds Dataset
	data, err := os.ReadFile(path)
	if err != nil {
		return ds, fmt.Errorf("reading dataset: %w", err)
	}
	if err := json.Unmarshal(data, &ds); err != nil {
		return ds, fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	for i, c := range ds.Cases {
		if c.ExpectedLevel < 1 || c.ExpectedLevel > 5 {
			return ds, fmt.Errorf("case %d (%s): expected_level %d out of range 1-5", i+1, c.Name, c.ExpectedLevel)
		}
	}
	if ds.Name == "" {
		ds.Name = path
	}
	return ds, nil
}

// SampleDataset returns a few adult cases for smoke-testing a deck.
func SampleDataset() Dataset {
	return Dataset{
		Name: "Sample - Adult Presentations",
		Cases: []Case{
			{
				Name: "hypertensive chest pain",
				Patient: patient.Record{
					Sex: "남성", Age: "58",
					VitalSigns:    "190/110-118-94-36.9",
					Consciousness: "명료(Alert)",
					Symptoms:      "가슴 통증, 식은땀",
				},
				ExpectedLevel: 2,
				Category:      "cardiac",
				Explanation:   "Chest pain with abnormal vital signs.",
			},
			{
				Name: "unresponsive",
				Patient: patient.Record{
					VitalSigns:    "70/40-140-82-35.1",
					Consciousness: "무반응(Unresponsive)",
					Symptoms:      "의식 없음",
				},
				ExpectedLevel: 1,
				Category:      "neuro",
			},
			{
				Name: "minor laceration",
				Patient: patient.Record{
					Sex: "여성", Age: "24",
					VitalSigns:    "118/76-78-99-36.6",
					Consciousness: "명료(Alert)",
					Symptoms:      "손가락 열상, 출혈 조절됨",
				},
				ExpectedLevel: 5,
				Category:      "trauma",
			},
		},
	}
}
