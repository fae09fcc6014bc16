package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	goktas "github.com/bbiangul/go-ktas"
	"github.com/bbiangul/go-ktas/advisor"
	"github.com/bbiangul/go-ktas/patient"
)

func assessCmd(root *rootOptions) *cobra.Command {
	var rec patient.Record
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess patients interactively, or a single patient given by flags",
		Long: "Without --symptoms and --vitals, prompts for each patient in turn; " +
			"enter 'q' at any prompt to quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := root.newEngine(false)
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.OutOrStdout()
			if rec.Symptoms != "" || rec.VitalSigns != "" {
				return assessOne(cmd, engine, rec, out)
			}

			it := newIntake(cmd.InOrStdin(), out)
			for {
				r, err := it.record()
				if errors.Is(err, errQuit) {
					fmt.Fprintln(out, "종료")
					return nil
				}
				if err != nil {
					return err
				}
				if err := assessOne(cmd, engine, r, out); err != nil {
					if errors.Is(err, goktas.ErrValidation) {
						continue
					}
					fmt.Fprintf(out, "오류: %v\n", err)
				}
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&rec.Sex, "sex", "", "남성 or 여성")
	f.StringVar(&rec.Age, "age", "", "Age")
	f.StringVar(&rec.Diseases, "diseases", "", "Underlying diseases")
	f.StringVar(&rec.Medications, "medications", "", "Current medications")
	f.StringVar(&rec.VitalSigns, "vitals", "", "Vital signs: BP-pulse-SpO2-temp[-glucose], e.g. 120/80-75-100-36.5-80")
	f.StringVar(&rec.Consciousness, "consciousness", "", "Consciousness level (AVPU)")
	f.StringVar(&rec.Symptoms, "symptoms", "", "Presenting symptoms")
	return cmd
}

func assessOne(cmd *cobra.Command, engine goktas.Engine, rec patient.Record, out io.Writer) error {
	a, err := engine.Assess(cmd.Context(), rec)
	var ve *patient.ValidationError
	if errors.As(err, &ve) {
		fmt.Fprintln(out, ve.Message())
		return err
	}
	if err != nil {
		return err
	}
	printAssessment(out, a)
	return nil
}

func printAssessment(out io.Writer, a *goktas.Assessment) {
	fmt.Fprintln(out, "====답변====")
	fmt.Fprintln(out, a.Text)
	if a.Level > 0 {
		fmt.Fprintf(out, "\nKTAS %d: %s\n", a.Level, advisor.Levels[a.Level-1])
	}
	if a.Alert.Message != "" {
		fmt.Fprintln(out, a.Alert.Message)
	}
	fmt.Fprintf(out, "(참고 자료 %d건, 모델 %s, id %s)\n", len(a.Sources), a.ModelUsed, a.ID)
}

var errQuit = errors.New("intake cancelled")

// intake prompts for patient fields one line at a time.
type intake struct {
	in  *bufio.Scanner
	out io.Writer
}

func newIntake(r io.Reader, w io.Writer) *intake {
	return &intake{in: bufio.NewScanner(r), out: w}
}

// ask returns the trimmed answer. "q" or end of input quits; a required
// prompt repeats until answered.
func (it *intake) ask(prompt string, required bool) (string, error) {
	for {
		fmt.Fprint(it.out, prompt)
		if !it.in.Scan() {
			if err := it.in.Err(); err != nil {
				return "", err
			}
			return "", errQuit
		}
		s := strings.TrimSpace(it.in.Text())
		if strings.EqualFold(s, "q") {
			return "", errQuit
		}
		if s != "" || !required {
			return s, nil
		}
		fmt.Fprintln(it.out, "값을 입력해주세요.")
	}
}

func (it *intake) record() (patient.Record, error) {
	var rec patient.Record
	var err error

	for {
		if rec.Sex, err = it.ask("성별을 입력해주세요. (중단은 'q' 입력, 모르면 enter) : ", false); err != nil {
			return rec, err
		}
		if rec.Sex == "" || slices.Contains(patient.Sexes, rec.Sex) {
			break
		}
		fmt.Fprintln(it.out, "남성, 여성으로 입력해주세요.")
	}

	if rec.Symptoms, err = it.ask("증상을 입력해주세요. (중단은 'q' 입력) : ", true); err != nil {
		return rec, err
	}
	if rec.VitalSigns, err = it.ask("활력징후를 입력해주세요. (혈압-맥박-spo2-체온-혈당 순, 예: 120/80-75-100-36.5-80) : ", true); err != nil {
		return rec, err
	}
	if _, perr := patient.ParseVitalSigns(rec.VitalSigns); perr != nil {
		fmt.Fprintln(it.out, "활력징후 형식을 확인할 수 없어 입력한 그대로 사용합니다.")
	}

	for i, c := range patient.ConsciousnessLevels {
		fmt.Fprintf(it.out, "  %d. %s\n", i+1, c)
	}
	if rec.Consciousness, err = it.ask("의식상태를 입력해주세요. (번호 또는 직접 입력, 모르면 enter) : ", false); err != nil {
		return rec, err
	}
	if n, convErr := strconv.Atoi(rec.Consciousness); convErr == nil && n >= 1 && n <= len(patient.ConsciousnessLevels) {
		rec.Consciousness = patient.ConsciousnessLevels[n-1]
	}

	if rec.Age, err = it.ask("나이를 입력해주세요. (생략가능) : ", false); err != nil {
		return rec, err
	}
	if rec.Diseases, err = it.ask("기저질환을 입력해주세요. (생략가능) : ", false); err != nil {
		return rec, err
	}
	if rec.Medications, err = it.ask("복용약물을 입력해주세요. (생략가능) : ", false); err != nil {
		return rec, err
	}
	return rec.Normalize(), nil
}
