package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"valuation/server/config"
	"valuation/server/internal/models"
)

// ListAuthorities returns the distinct authority names of the external data
func (d *Database) ListAuthorities(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT DISTINCT %[1]s FROM %[2]s ORDER BY %[1]s",
		quoteIdent(config.RegionColumn), externalDataTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query authorities: %w", err)
	}
	defer rows.Close()

	var authorities []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan authority: %w", err)
		}
		authorities = append(authorities, name)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating authorities: %w", err)
	}
	return authorities, nil
}

// ExternalData returns every month of one authority (case-insensitive), oldest first
func (d *Database) ExternalData(ctx context.Context, authority string) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ? COLLATE NOCASE ORDER BY %s",
		externalDataTable, quoteIdent(config.RegionColumn), quoteIdent(config.DateColumn))

	rows, err := d.db.QueryContext(ctx, query, strings.TrimSpace(authority))
	if err != nil {
		return nil, fmt.Errorf("failed to query external data: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// AllExternalData returns the external data of every authority
func (d *Database) AllExternalData(ctx context.Context) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s, %s",
		externalDataTable, quoteIdent(config.RegionColumn), quoteIdent(config.DateColumn))

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query external data: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// HPIByMonth returns the index of a property-type column for a month (YYYY-MM)
func (d *Database) HPIByMonth(ctx context.Context, month, authority, column string) (float64, error) {
	if _, err := time.Parse("2006-01", month); err != nil {
		return 0, fmt.Errorf("month_of_transfer must be in 'YYYY-MM' format")
	}
	if !config.IsPropertyType(column) {
		return 0, fmt.Errorf("unknown index column %q", column)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? COLLATE NOCASE AND %s = ?",
		quoteIdent(column), externalDataTable, quoteIdent(config.RegionColumn), quoteIdent(config.DateColumn))

	var value sql.NullFloat64
	err := d.db.QueryRowContext(ctx, query, strings.TrimSpace(authority), month+"-01").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !value.Valid) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query HPI: %w", err)
	}
	return value.Float64, nil
}

// InsertExternalData upserts rows keyed by RegionName and Date. Unknown columns are rejected.
func (d *Database) InsertExternalData(ctx context.Context, rows []map[string]any) (int, error) {
	allowed := map[string]bool{config.DateColumn: true, config.RegionColumn: true}
	for _, c := range config.InputColumns() {
		allowed[c] = true
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for i, row := range rows {
		columns := make([]string, 0, len(row))
		placeholders := make([]string, 0, len(row))
		args := make([]any, 0, len(row))
		for column, value := range row {
			if !allowed[column] {
				return 0, fmt.Errorf("row %d: unknown column %q", i, column)
			}
			columns = append(columns, quoteIdent(column))
			placeholders = append(placeholders, "?")
			args = append(args, value)
		}
		if _, ok := row[config.DateColumn]; !ok {
			return 0, fmt.Errorf("row %d: missing %s", i, config.DateColumn)
		}
		if _, ok := row[config.RegionColumn]; !ok {
			return 0, fmt.Errorf("row %d: missing %s", i, config.RegionColumn)
		}

		query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
			externalDataTable, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("failed to insert row %d: %w", i, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// LocalAuthoritiesByPostcode returns the authorities of an exact, case-insensitive postcode
func (d *Database) LocalAuthoritiesByPostcode(ctx context.Context, postcode string, limit int) ([]models.LocalAuthority, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT postcode, local_authority_label
		FROM local_authorities
		WHERE postcode = ? COLLATE NOCASE
		ORDER BY local_authority_label
		LIMIT ?
	`, strings.TrimSpace(postcode), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query local authorities: %w", err)
	}
	defer rows.Close()

	var authorities []models.LocalAuthority
	for rows.Next() {
		var la models.LocalAuthority
		if err := rows.Scan(&la.Postcode, &la.Authority); err != nil {
			return nil, fmt.Errorf("failed to scan local authority: %w", err)
		}
		authorities = append(authorities, la)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating local authorities: %w", err)
	}
	return authorities, nil
}

// InsertLocalAuthorities stores postcode to authority mappings
func (d *Database) InsertLocalAuthorities(ctx context.Context, authorities []models.LocalAuthority) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO local_authorities (postcode, local_authority_label)
		VALUES (?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, la := range authorities {
		if _, err := stmt.ExecContext(ctx, la.Postcode, la.Authority); err != nil {
			return fmt.Errorf("failed to insert local authority: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// scanRows reads rows of unknown shape into maps, NULL becoming nil
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, column := range columns {
			if b, ok := values[i].([]byte); ok {
				row[column] = string(b)
			} else {
				row[column] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}
