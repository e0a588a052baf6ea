package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"valuation/server/config"
	"valuation/server/internal/database"
	"valuation/server/internal/forecast"
)

func trainCommand(a *app) *cobra.Command {
	var authority string
	var all, save bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the model competition and print the forecasts",
		Long: `Train every model family on every time window for the selected authorities,
keep the lowest-MAPE candidate per property type and print one forecast record each.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var raw []map[string]any
			var err error
			if all {
				raw, err = a.db.AllExternalData(ctx)
			} else {
				raw, err = a.db.ExternalData(ctx, config.NormalizeAuthority(authority))
			}
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				return errors.New("no external data found")
			}

			engine, err := forecast.NewEngineFromConfig(a.cfg, a.logger)
			if err != nil {
				return err
			}

			report, err := engine.RunRaw(ctx, raw)
			if err != nil {
				return err
			}
			for _, failure := range report.Failures {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s\n", failure.Error())
			}

			if save && len(report.Records) > 0 {
				err := a.gormDB.Transaction(func(tx *gorm.DB) error {
					return database.SaveForecasts(tx, report.Records)
				})
				if err != nil {
					return err
				}
			}

			encoder := json.NewEncoder(a.out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(report.Records)
		},
	}

	cmd.Flags().StringVarP(&authority, "authority", "a", "", "Local authority to train")
	cmd.Flags().BoolVar(&all, "all", false, "Train every authority in the external data")
	cmd.Flags().BoolVar(&save, "save", false, "Store the forecasts in the database")
	cmd.MarkFlagsMutuallyExclusive("authority", "all")
	cmd.MarkFlagsOneRequired("authority", "all")
	return cmd
}
