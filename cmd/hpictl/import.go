package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"valuation/server/config"
	"valuation/server/internal/models"
)

func importCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load CSV files into the database",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "external [file.csv]",
		Short: "Import monthly index and indicator rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readCSVFile(args[0])
			if err != nil {
				return err
			}
			records, err := externalRows(rows)
			if err != nil {
				return err
			}
			n, err := a.db.InsertExternalData(cmd.Context(), records)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "imported %d external data rows\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "postcodes [file.csv]",
		Short: "Import postcode to local authority mappings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readCSVFile(args[0])
			if err != nil {
				return err
			}
			authorities, err := postcodeRows(rows)
			if err != nil {
				return err
			}
			if err := a.db.InsertLocalAuthorities(cmd.Context(), authorities); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "imported %d postcodes\n", len(authorities))
			return nil
		},
	})
	return cmd
}

func readCSVFile(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCSV(f)
}

// readCSV returns one map per data row keyed by the trimmed header names
func readCSV(r io.Reader) ([]map[string]string, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty CSV file")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []map[string]string
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		row := make(map[string]string, len(header))
		for i, column := range header {
			row[column] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// externalRows converts CSV rows to external data records. Unknown columns
// are ignored and empty cells become missing values.
func externalRows(rows []map[string]string) ([]map[string]any, error) {
	columns := config.InputColumns()
	records := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		if row[config.DateColumn] == "" || row[config.RegionColumn] == "" {
			return nil, fmt.Errorf("row %d: %s and %s are required", i+1, config.DateColumn, config.RegionColumn)
		}
		record := map[string]any{
			config.DateColumn:   row[config.DateColumn],
			config.RegionColumn: row[config.RegionColumn],
		}
		for _, column := range columns {
			cell, ok := row[column]
			if !ok {
				continue
			}
			if cell == "" {
				record[column] = nil
				continue
			}
			v, err := strconv.ParseFloat(strings.ReplaceAll(cell, ",", ""), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d: column %q: %w", i+1, column, err)
			}
			record[column] = v
		}
		records = append(records, record)
	}
	return records, nil
}

func postcodeRows(rows []map[string]string) ([]models.LocalAuthority, error) {
	authorities := make([]models.LocalAuthority, 0, len(rows))
	for i, row := range rows {
		postcode := strings.ToUpper(row["postcode"])
		authority := row["local_authority_label"]
		if postcode == "" || authority == "" {
			return nil, fmt.Errorf("row %d: postcode and local_authority_label are required", i+1)
		}
		authorities = append(authorities, models.LocalAuthority{Postcode: postcode, Authority: authority})
	}
	return authorities, nil
}
