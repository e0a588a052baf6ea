package forecast

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuation/server/config"
	"valuation/server/internal/models"
	"valuation/server/internal/regression"
)

func TestRunRiverside(t *testing.T) {
	store := newTestStore(t)
	params := regression.Params{Iterations: 10, LearningRate: 0.3, MaxBins: 8, MinLeafSamples: 3, L2: 1}
	families := []regression.Family{
		regression.NewObliviousGBT(params, 2),
		regression.NewLeafwiseGBT(params, 4),
	}
	engine := NewEngine(testOptions(), store, families, testLogger())

	report, err := engine.Run(context.Background(), buildSeries("Riverside", month(2000, 1), 300))
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Len(t, report.Records, 4)

	for i, record := range report.Records {
		assert.Equal(t, "Riverside", record.LocalAuthority)
		assert.Equal(t, config.PropertyTypes[i], record.PropertyType)
		assert.Equal(t, "01/2025", record.ForecastDate)
		assert.Equal(t, "2025-02-03", record.TrainingDate)
		assert.Contains(t, []string{regression.ObliviousGBTName, regression.LeafwiseGBTName}, record.BestModel)
		assert.Contains(t, Windows, record.BestTimeWindow)
		assert.FileExists(t, record.ModelFile)
		assert.Equal(t, filepath.Base(record.ModelFile),
			record.LocalAuthority+"_"+record.PropertyType+"_"+record.BestModel+"_"+record.BestTimeWindow.String()+"_model")
		assert.GreaterOrEqual(t, record.MAPE, 0.0)
		assert.Equal(t, Round(record.MAPE, 4), record.MAPE)
		assert.Equal(t, Round(record.Forecast, 6), record.Forecast)
	}
}

func TestRunRiversideFullFeatureCatalogue(t *testing.T) {
	params := regression.Params{Iterations: 10, LearningRate: 0.3, MaxBins: 8, MinLeafSamples: 3, L2: 1}
	opts := testOptions()
	opts.FeatureColumns = config.FeatureColumns
	engine := NewEngine(opts, newTestStore(t), []regression.Family{regression.NewObliviousGBT(params, 2)}, testLogger())

	report, err := engine.Run(context.Background(), withAllFeatures(buildSeries("Riverside", month(2000, 1), 300)))
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Len(t, report.Records, 4)

	for i, record := range report.Records {
		assert.Equal(t, config.PropertyTypes[i], record.PropertyType)
		assert.Equal(t, "01/2025", record.ForecastDate)
		assert.Equal(t, regression.ObliviousGBTName, record.BestModel)
	}
}

func TestRunAfterFeatureColumnsChange(t *testing.T) {
	store := newTestStore(t)
	params := regression.Params{Iterations: 5, LearningRate: 0.3, MaxBins: 8, MinLeafSamples: 3, L2: 1}
	families := []regression.Family{regression.NewObliviousGBT(params, 2)}
	records := withAllFeatures(buildSeries("Riverside", month(2000, 1), 300))

	report, err := NewEngine(testOptions(), store, families, testLogger()).Run(context.Background(), records)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Len(t, report.Records, 4)

	opts := testOptions()
	opts.FeatureColumns = []string{"bank_rate", "cpi_rate"}
	report, err = NewEngine(opts, store, families, testLogger()).Run(context.Background(), records)
	require.NoError(t, err)
	assert.NoError(t, report.Err())
	assert.Len(t, report.Records, 4)
}

func TestRunCachedRerunPerformsNoFits(t *testing.T) {
	store := newTestStore(t)
	records := buildSeries("Riverside", month(2000, 1), 300)

	first := &fakeFamily{name: "Mean"}
	second := &fakeFamily{name: "Shifted", bias: 2}
	report, err := NewEngine(testOptions(), store, []regression.Family{first, second}, testLogger()).
		Run(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, int32(20), first.fits.Load())
	assert.Equal(t, int32(20), second.fits.Load())

	againFirst := &fakeFamily{name: "Mean"}
	againSecond := &fakeFamily{name: "Shifted", bias: 2}
	rerun, err := NewEngine(testOptions(), store, []regression.Family{againFirst, againSecond}, testLogger()).
		Run(context.Background(), records)
	require.NoError(t, err)

	assert.Zero(t, againFirst.fits.Load())
	assert.Zero(t, againSecond.fits.Load())
	assert.Equal(t, report.Records, rerun.Records)
}

func TestRunSkipPolicyAllCached(t *testing.T) {
	store := newTestStore(t)
	records := buildSeries("Riverside", month(2000, 1), 120)

	_, err := NewEngine(testOptions(), store, []regression.Family{&fakeFamily{name: "Mean"}}, testLogger()).
		Run(context.Background(), records)
	require.NoError(t, err)

	opts := testOptions()
	opts.CachePolicy = CacheSkip
	report, err := NewEngine(opts, store, []regression.Family{&fakeFamily{name: "Mean"}}, testLogger()).
		Run(context.Background(), records)
	require.NoError(t, err)

	assert.Empty(t, report.Records)
	require.Len(t, report.Failures, 4)
	for _, failure := range report.Failures {
		assert.Equal(t, ReasonNoValidModel, failure.Reason)
	}
	assert.ErrorIs(t, report.Err(), ErrNoValidModel)
}

func TestRunCollectsUnitFailures(t *testing.T) {
	var records []models.TimeSeriesRecord
	records = append(records, buildSeries("Tiny", month(2024, 1), 3)...)
	records = append(records, buildSeries("Riverside", month(2000, 1), 300)...)

	hillside := buildSeries("Hillside", month(2010, 1), 120)
	for _, r := range hillside {
		delete(r.Values, config.FlatIndex)
	}
	records = append(records, hillside...)

	engine := NewEngine(testOptions(), newTestStore(t), []regression.Family{&fakeFamily{name: "Mean"}}, testLogger())
	report, err := engine.Run(context.Background(), records)
	require.NoError(t, err)

	// Riverside: 4, Hillside: 3, Tiny: none
	require.Len(t, report.Records, 7)
	assert.Equal(t, "Riverside", report.Records[0].LocalAuthority)
	assert.Equal(t, "Hillside", report.Records[4].LocalAuthority)
	assert.Equal(t, "01/2020", report.Records[4].ForecastDate)

	require.Len(t, report.Failures, 5)
	for _, failure := range report.Failures[:4] {
		assert.Equal(t, "Tiny", failure.Authority)
		assert.Equal(t, ReasonInsufficientData, failure.Reason)
	}
	assert.Equal(t, "Hillside", report.Failures[4].Authority)
	assert.Equal(t, config.FlatIndex, report.Failures[4].PropertyType)
	assert.Equal(t, ReasonMissingColumn, report.Failures[4].Reason)

	err = report.Err()
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.ErrorIs(t, err, ErrMissingColumn)
	assert.Len(t, report.FailureMessages(), 5)
	assert.Equal(t, "7 forecasts, 5 failed units", report.Summary())

	var failure *UnitFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "Tiny", failure.Authority)
}

func TestRunThreeMonthAuthority(t *testing.T) {
	engine := NewEngine(testOptions(), newTestStore(t), []regression.Family{&fakeFamily{name: "Mean"}}, testLogger())

	report, err := engine.Run(context.Background(), buildSeries("Tiny", month(2024, 1), 3))
	require.NoError(t, err)
	assert.Empty(t, report.Records)
	assert.ErrorIs(t, report.Err(), ErrInsufficientData)
}

func TestRunUnitTimeout(t *testing.T) {
	opts := testOptions()
	opts.UnitTimeout = 50 * time.Millisecond
	engine := NewEngine(opts, newTestStore(t), []regression.Family{&fakeFamily{name: "Stuck", block: true}}, testLogger())

	report, err := engine.Run(context.Background(), buildSeries("Riverside", month(2020, 1), 60))
	require.NoError(t, err)
	require.Len(t, report.Failures, 4)
	for _, failure := range report.Failures {
		assert.Equal(t, ReasonTimeout, failure.Reason)
		assert.ErrorIs(t, failure, context.DeadlineExceeded)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(testOptions(), newTestStore(t), []regression.Family{&fakeFamily{name: "Mean"}}, testLogger())
	report, err := engine.Run(ctx, buildSeries("Riverside", month(2020, 1), 60))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Empty(t, report.Records)
	for _, failure := range report.Failures {
		assert.Equal(t, ReasonCancelled, failure.Reason)
	}
}

func TestRunRejectsInvalidDataset(t *testing.T) {
	engine := NewEngine(testOptions(), newTestStore(t), []regression.Family{&fakeFamily{name: "Mean"}}, testLogger())

	_, err := engine.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = engine.RunRaw(context.Background(), []map[string]any{{"Date": "2024-01-01"}})
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestRunRawPreservesAuthorityOrder(t *testing.T) {
	var raw []map[string]any
	for _, authority := range []string{"Zeta", "Alpha"} {
		for _, r := range buildSeries(authority, month(2015, 1), 72) {
			row := map[string]any{
				"Date":       r.Period.Format("2006-01-02"),
				"RegionName": authority,
			}
			for column, v := range r.Values {
				row[column] = v
			}
			raw = append(raw, row)
		}
	}

	engine := NewEngine(testOptions(), newTestStore(t), []regression.Family{&fakeFamily{name: "Mean"}}, testLogger())
	report, err := engine.RunRaw(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, report.Records, 8)
	assert.Equal(t, "Zeta", report.Records[0].LocalAuthority)
	assert.Equal(t, "Alpha", report.Records[4].LocalAuthority)
	assert.Equal(t, "01/2021", report.Records[7].ForecastDate)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.Forecast.Horizon = 2
	cfg.Forecast.CachePolicy = "skip"

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, opts.Horizon)
	assert.Equal(t, CacheSkip, opts.CachePolicy)
	assert.Equal(t, Windows, opts.Windows)
	assert.Equal(t, config.FeatureColumns, opts.FeatureColumns)
	assert.Equal(t, 10*time.Minute, opts.UnitTimeout)
}
