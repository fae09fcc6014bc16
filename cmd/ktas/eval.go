package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bbiangul/go-ktas/eval"
)

func evalCmd(root *rootOptions) *cobra.Command {
	var datasetPath, outputPath string
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Measure advisory levels against a dataset of triaged cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds := eval.SampleDataset()
			if datasetPath != "" {
				var err error
				if ds, err = eval.LoadDataset(datasetPath); err != nil {
					return err
				}
			}

			engine, _, err := root.newEngine(false)
			if err != nil {
				return err
			}
			defer engine.Close()

			report, err := eval.NewEvaluator(engine).Run(cmd.Context(), ds)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), eval.FormatReport(report))

			if outputPath != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outputPath, data, 0o644); err != nil {
					return fmt.Errorf("writing report: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetPath, "dataset", "", "JSON dataset of cases (default: built-in sample)")
	cmd.Flags().StringVar(&outputPath, "output", "", "Also write the JSON report to this file")
	return cmd
}
