package patient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrVitalSignsFormat is returned when a vital-signs string does not follow
// the BP-pulse-SpO2-temperature[-glucose] layout.
var ErrVitalSignsFormat = errors.New("vital signs must be BP-pulse-SpO2-temperature[-glucose], e.g. 120/80-75-100-36.5-80")

// VitalSigns is the structured form of the intake vital-signs string.
type VitalSigns struct {
	Systolic    int      `json:"systolic"`
	Diastolic   int      `json:"diastolic"`
	Pulse       int      `json:"pulse"`
	SpO2        float64  `json:"spo2"`
	Temperature float64  `json:"temperature"`
	Glucose     *float64 `json:"glucose,omitempty"`
}

// ParseVitalSigns parses "120/80-75-100-36.5-80". Blood glucose, the last
// field, is optional.
func ParseVitalSigns(s string) (VitalSigns, error) {
	var v VitalSigns
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 4 && len(parts) != 5 {
		return v, ErrVitalSignsFormat
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	sys, dia, ok := strings.Cut(parts[0], "/")
	if !ok {
		return v, fmt.Errorf("%w: blood pressure %q", ErrVitalSignsFormat, parts[0])
	}
	var err error
	if v.Systolic, err = strconv.Atoi(strings.TrimSpace(sys)); err != nil {
		return v, fmt.Errorf("%w: systolic %q", ErrVitalSignsFormat, sys)
	}
	if v.Diastolic, err = strconv.Atoi(strings.TrimSpace(dia)); err != nil {
		return v, fmt.Errorf("%w: diastolic %q", ErrVitalSignsFormat, dia)
	}
	if v.Pulse, err = strconv.Atoi(parts[1]); err != nil {
		return v, fmt.Errorf("%w: pulse %q", ErrVitalSignsFormat, parts[1])
	}
	if v.SpO2, err = strconv.ParseFloat(strings.TrimSuffix(parts[2], "%"), 64); err != nil {
		return v, fmt.Errorf("%w: SpO2 %q", ErrVitalSignsFormat, parts[2])
	}
	if v.Temperature, err = strconv.ParseFloat(parts[3], 64); err != nil {
		return v, fmt.Errorf("%w: temperature %q", ErrVitalSignsFormat, parts[3])
	}
	if len(parts) == 5 && parts[4] != "" {
		g, err := strconv.ParseFloat(parts[4], 64)
		if err != nil {
			return v, fmt.Errorf("%w: glucose %q", ErrVitalSignsFormat, parts[4])
		}
		v.Glucose = &g
	}
	return v, nil
}

// String renders the vitals with Korean labels and units.
func (v VitalSigns) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "혈압 %d/%d mmHg, 맥박 %d회/분, 산소포화도 %s%%, 체온 %s℃",
		v.Systolic, v.Diastolic, v.Pulse, formatFloat(v.SpO2), formatFloat(v.Temperature))
	if v.Glucose != nil {
		fmt.Fprintf(&b, ", 혈당 %s mg/dL", formatFloat(*v.Glucose))
	}
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
