package database

import (
	"fmt"
	"strings"

	"valuation/server/config"
)

const (
	externalDataTable     = "external_data_local_authorities"
	localAuthoritiesTable = "local_authorities"
)

// RunMigrations creates the external data and postcode tables if needed
func (d *Database) RunMigrations() error {
	columns := []string{
		fmt.Sprintf("%s TEXT NOT NULL", quoteIdent(config.DateColumn)),
		fmt.Sprintf("%s TEXT NOT NULL", quoteIdent(config.RegionColumn)),
	}
	for _, column := range config.InputColumns() {
		columns = append(columns, fmt.Sprintf("%s REAL", quoteIdent(column)))
	}
	columns = append(columns, fmt.Sprintf("PRIMARY KEY (%s, %s)",
		quoteIdent(config.RegionColumn), quoteIdent(config.DateColumn)))

	_, err := d.db.Exec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		externalDataTable, strings.Join(columns, ",\n\t")))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", externalDataTable, err)
	}

	_, err = d.db.Exec(fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_external_data_region
		ON %s(%s COLLATE NOCASE);
	`, externalDataTable, quoteIdent(config.RegionColumn)))
	if err != nil {
		return fmt.Errorf("failed to create region index: %w", err)
	}

	_, err = d.db.Exec(`
		CREATE TABLE IF NOT EXISTS local_authorities (
			postcode TEXT NOT NULL,
			local_authority_label TEXT NOT NULL,
			PRIMARY KEY (postcode, local_authority_label)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", localAuthoritiesTable, err)
	}

	_, err = d.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_local_authorities_postcode
		ON local_authorities(postcode COLLATE NOCASE);
	`)
	if err != nil {
		return fmt.Errorf("failed to create postcode index: %w", err)
	}

	return nil
}
