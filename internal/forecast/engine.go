package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"valuation/server/config"
	"valuation/server/internal/artifacts"
	"valuation/server/internal/metrics"
	"valuation/server/internal/models"
	"valuation/server/internal/regression"
)

const (
	forecastDateLayout = "01/2006"
	trainingDateLayout = "2006-01-02"
)

// Options configures a forecast run.
type Options struct {
	PropertyTypes  []string
	FeatureColumns []string
	Windows        []models.Window
	Horizon        int
	Workers        int
	UnitTimeout    time.Duration
	CachePolicy    CachePolicy
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if len(o.PropertyTypes) == 0 {
		o.PropertyTypes = config.PropertyTypes
	}
	if o.FeatureColumns == nil {
		o.FeatureColumns = config.FeatureColumns
	}
	if len(o.Windows) == 0 {
		o.Windows = Windows
	}
	if o.Horizon < 1 {
		o.Horizon = 1
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.CachePolicy == "" {
		o.CachePolicy = CacheReuse
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// OptionsFromConfig maps the forecast settings onto run options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := ParseCachePolicy(cfg.Forecast.CachePolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		PropertyTypes:  config.PropertyTypes,
		FeatureColumns: config.FeatureColumns,
		Windows:        Windows,
		Horizon:        cfg.Forecast.Horizon,
		Workers:        cfg.Forecast.Workers,
		UnitTimeout:    cfg.UnitTimeout(),
		CachePolicy:    policy,
	}.withDefaults(), nil
}

// Engine runs the model competition for every authority and property type.
type Engine struct {
	opts        Options
	competition *Competition
	logger      *logrus.Logger
}

func NewEngine(opts Options, store *artifacts.Store, families []regression.Family, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	opts = opts.withDefaults()
	return &Engine{
		opts:        opts,
		competition: NewCompetition(opts, store, families, logger),
		logger:      logger,
	}
}

// NewEngineFromConfig opens the artifact store and the configured families.
func NewEngineFromConfig(cfg *config.Config, logger *logrus.Logger) (*Engine, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := artifacts.NewStore(cfg.Forecast.ModelDir, logger)
	if err != nil {
		return nil, err
	}
	return NewEngine(opts, store, regression.NewCatalogue(cfg, logger), logger), nil
}

type unitResult struct {
	record  *models.ForecastRecord
	failure *UnitFailure
}

// RunRaw parses loosely typed rows and runs the engine on them.
func (e *Engine) RunRaw(ctx context.Context, raw []map[string]any) (*Report, error) {
	records, err := ParseRecords(raw)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, records)
}

// Run forecasts every unit of the dataset. Dataset-level problems abort the
// run; unit problems are collected in the report. When ctx is cancelled the
// partial report is returned together with the context error.
func (e *Engine) Run(ctx context.Context, records []models.TimeSeriesRecord) (*Report, error) {
	start := time.Now()
	defer func() {
		metrics.RunDuration.Observe(time.Since(start).Seconds())
	}()

	dataset, err := NewDataset(records)
	if err != nil {
		return nil, err
	}

	authorities := dataset.Authorities()
	types := e.opts.PropertyTypes
	slots := make([]unitResult, len(authorities)*len(types))

	e.logger.WithFields(logrus.Fields{
		"authorities": len(authorities),
		"units":       len(slots),
		"workers":     e.opts.Workers,
		"policy":      string(e.opts.CachePolicy),
	}).Info("Starting forecast run")

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, authority := range authorities {
		authority := authority
		series := dataset.Series(authority)
		for j, propertyType := range types {
			propertyType := propertyType
			slot := &slots[i*len(types)+j]
			hasColumn := dataset.HasColumn(authority, propertyType)
			g.Go(func() error {
				if !hasColumn {
					slot.failure = newUnitFailure(authority, propertyType,
						fmt.Errorf("%w: '%s' for authority: %s", ErrMissingColumn, propertyType, authority))
					return nil
				}
				record, err := e.runUnit(ctx, authority, propertyType, series)
				if err != nil {
					slot.failure = newUnitFailure(authority, propertyType, err)
					return nil
				}
				slot.record = record
				return nil
			})
		}
	}
	_ = g.Wait()

	report := &Report{Records: make([]models.ForecastRecord, 0, len(slots))}
	for _, slot := range slots {
		switch {
		case slot.record != nil:
			report.Records = append(report.Records, *slot.record)
		case slot.failure != nil:
			metrics.UnitFailures.WithLabelValues(slot.failure.Reason).Inc()
			e.logger.WithError(slot.failure.Err).WithFields(logrus.Fields{
				"authority":     slot.failure.Authority,
				"property_type": slot.failure.PropertyType,
				"reason":        slot.failure.Reason,
			}).Warn("Forecast unit failed")
			report.Failures = append(report.Failures, slot.failure)
		}
	}
	metrics.ForecastsGenerated.Add(float64(len(report.Records)))

	e.logger.WithFields(logrus.Fields{
		"forecasts": len(report.Records),
		"failures":  len(report.Failures),
		"duration":  time.Since(start).String(),
	}).Info("Forecast run completed")

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) runUnit(ctx context.Context, authority, propertyType string, series []models.TimeSeriesRecord) (*models.ForecastRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.opts.UnitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.UnitTimeout)
		defer cancel()
	}

	best, err := e.competition.Select(ctx, authority, propertyType, series)
	if err != nil {
		return nil, err
	}

	full := LagFeatures(series, e.opts.FeatureColumns, propertyType)
	row, _, ok := full.Last()
	if !ok {
		return nil, fmt.Errorf("%w: no complete lagged row for %s in %s", ErrInsufficientData, propertyType, authority)
	}

	predicted, err := best.Model.Predict(ctx, [][]float64{row})
	if err != nil {
		return nil, fmt.Errorf("%s forecast failed: %w", best.Family, err)
	}

	lastPeriod := series[len(series)-1].Period
	record := &models.ForecastRecord{
		LocalAuthority: authority,
		PropertyType:   propertyType,
		MAE:            Round(best.MAE, 4),
		MAPE:           Round(best.MAPE, 4),
		Forecast:       Round(predicted[0], 6),
		ForecastDate:   lastPeriod.AddDate(0, 1, 0).Format(forecastDateLayout),
		BestModel:      best.Family,
		BestTimeWindow: best.Window,
		ModelFile:      best.ArtifactPath,
		TrainingDate:   e.opts.Now().Format(trainingDateLayout),
	}

	e.logger.WithFields(logrus.Fields{
		"authority":     authority,
		"property_type": propertyType,
		"best_model":    record.BestModel,
		"window":        record.BestTimeWindow.String(),
		"mape":          record.MAPE,
		"cached":        best.Cached,
	}).Debug("Selected best model")

	return record, nil
}
