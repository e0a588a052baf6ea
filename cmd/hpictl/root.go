package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"valuation/server/config"
	"valuation/server/internal/database"
)

// app holds what every subcommand needs once the configuration is loaded
type app struct {
	out    io.Writer
	cfg    *config.Config
	logger *logrus.Logger
	db     *database.Database
	gormDB *gorm.DB
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := &app{out: out}
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "hpictl",
		Short:         "House price index forecasting tools",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.open(logLevel)
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return a.close()
	}

	rootCmd.AddCommand(
		trainCommand(a),
		exportCommand(a),
		importCommand(a),
	)
	rootCmd.SetOut(out)
	return rootCmd
}

func (a *app) open(logLevel string) error {
	a.logger = logrus.New()
	a.logger.SetFormatter(&logrus.JSONFormatter{})
	a.logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.logger.SetLevel(level)

	if a.cfg, err = config.LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if a.db, err = database.NewDatabase(a.cfg.Database.Path); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := a.db.RunMigrations(); err != nil {
		return err
	}

	if a.gormDB, err = database.NewGormDB(a.cfg.Database.Path); err != nil {
		return err
	}
	return database.MigrateSchema(a.gormDB)
}

func (a *app) close() error {
	if a.gormDB != nil {
		if sqlDB, err := a.gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
