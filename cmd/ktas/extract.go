package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	goktas "github.com/bbiangul/go-ktas"
)

func extractCmd(root *rootOptions) *cobra.Command {
	var backup, xlsx string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract the deck into normalized records and write the JSON backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := root.newEngine(false)
			if err != nil {
				return err
			}
			defer engine.Close()

			var opts []goktas.ExtractOption
			if cmd.Flags().Changed("backup") {
				opts = append(opts, goktas.WithBackupPath(backup))
			}
			if xlsx != "" {
				opts = append(opts, goktas.WithXLSXExport(xlsx))
			}

			res, err := engine.Extract(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deck: %s\n", cfg.DeckPath)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&backup, "backup", goktas.DefaultBackupPath, "JSON backup path; empty disables")
	cmd.Flags().StringVar(&xlsx, "xlsx", "", "Also export the records to this .xlsx file")
	return cmd
}

func indexCmd(root *rootOptions) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the reference index, or report on an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := root.newEngine(false)
			if err != nil {
				return err
			}
			defer engine.Close()

			var opts []goktas.BuildOption
			if rebuild {
				opts = append(opts, goktas.WithRebuild())
			}
			info, err := engine.BuildIndex(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			if info.Stale {
				fmt.Fprintln(os.Stderr, "warning: deck changed since the index was built; run with --rebuild")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Discard the existing index and build it again")
	return cmd
}
