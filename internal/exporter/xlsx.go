package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"valuation/server/internal/models"
)

// SheetName is the worksheet holding the forecast rows
const SheetName = "Forecasts"

var headers = []interface{}{
	"local_authority",
	"property_type",
	"mae",
	"mape",
	"forecast",
	"forecast_date",
	"best_model",
	"best_time_window",
	"model_file",
	"training_date",
}

// WriteForecastsXLSX writes one row per forecast record under a header row
func WriteForecastsXLSX(w io.Writer, records []models.ForecastRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &headers); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			record.LocalAuthority,
			record.PropertyType,
			record.MAE,
			record.MAPE,
			record.Forecast,
			record.ForecastDate,
			record.BestModel,
			record.BestTimeWindow.String(),
			record.ModelFile,
			record.TrainingDate,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
