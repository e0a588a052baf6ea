package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"valuation/server/internal/database"
	"valuation/server/internal/exporter"
)

func exportCommand(a *app) *cobra.Command {
	var out, authority string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored forecasts to an Excel workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := database.ListForecasts(a.gormDB, authority, "")
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			defer f.Close()

			if err := exporter.WriteForecastsXLSX(f, records); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "exported %d forecasts to %s\n", len(records), out)
			return f.Close()
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "forecasts.xlsx", "Output workbook")
	cmd.Flags().StringVarP(&authority, "authority", "a", "", "Only export this local authority")
	return cmd
}
