package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"valuation/server/internal/artifacts"
	"valuation/server/internal/metrics"
	"valuation/server/internal/models"
	"valuation/server/internal/regression"
)

// minWindowRows is the smallest window that can be lagged and evaluated.
const minWindowRows = 4

// CachePolicy decides what a stored artifact means for a candidate.
type CachePolicy string

const (
	// CacheReuse lets a stored artifact with a matching fingerprint compete with its recorded metrics.
	CacheReuse CachePolicy = "reuse"

	// CacheSkip leaves a cached candidate out of the competition entirely.
	CacheSkip CachePolicy = "skip"
)

// ParseCachePolicy accepts "reuse" or "skip".
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch CachePolicy(s) {
	case CacheReuse, CacheSkip:
		return CachePolicy(s), nil
	default:
		return "", fmt.Errorf("%w: unknown cache policy %q", ErrInvalidInput, s)
	}
}

// CandidateResult is the holdout score of one (window, family) candidate.
type CandidateResult struct {
	Window models.Window
	Family string
	MAE    float64
	MAPE   float64
	Cached bool
}

// BestSelection is the winning candidate with its fitted model.
type BestSelection struct {
	CandidateResult
	Model        regression.Model
	ArtifactPath string
}

// Competition evaluates every window and family for one unit and keeps the
// candidate with the strictly lowest MAPE. Windows are visited in catalogue
// order and families in slice order, so the first of equal scores wins.
type Competition struct {
	families []regression.Family
	windows  []models.Window
	features []string
	horizon  int
	policy   CachePolicy
	store    *artifacts.Store
	logger   *logrus.Logger
	now      func() time.Time
}

func NewCompetition(opts Options, store *artifacts.Store, families []regression.Family, logger *logrus.Logger) *Competition {
	return &Competition{
		families: families,
		windows:  opts.Windows,
		features: opts.FeatureColumns,
		horizon:  opts.Horizon,
		policy:   opts.CachePolicy,
		store:    store,
		logger:   logger,
		now:      opts.Now,
	}
}

// Select runs the competition over a period-sorted authority series.
func (c *Competition) Select(ctx context.Context, authority, propertyType string, series []models.TimeSeriesRecord) (*BestSelection, error) {
	var best *BestSelection
	bestMAPE := math.Inf(1)
	var lastErr error

	for _, window := range c.windows {
		windowed := SelectWindow(series, window)
		if len(windowed) < minWindowRows {
			return nil, fmt.Errorf("%w for %s in %s with %s years: %d rows",
				ErrInsufficientData, propertyType, authority, window, len(windowed))
		}

		lagged := LagFeatures(windowed, c.features, propertyType)
		if lagged.Len() < c.horizon+1 {
			return nil, fmt.Errorf("%w after lag creation for %s in %s with %s years: %d rows",
				ErrInsufficientData, propertyType, authority, window, lagged.Len())
		}

		train, test := lagged.Split(c.horizon)
		fingerprint := artifacts.NewFingerprint(lagged.Columns, lagged.X, lagged.Y,
			lagged.Periods[lagged.Len()-1].Format("2006-01"), c.horizon)

		for _, family := range c.families {
			key := artifacts.Key{
				Authority:    authority,
				PropertyType: propertyType,
				Family:       family.Name(),
				Window:       window,
			}

			candidate, err := c.evaluate(ctx, key, family, train, test, fingerprint)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				c.logger.WithError(err).WithFields(logrus.Fields{
					"authority":     authority,
					"property_type": propertyType,
					"family":        family.Name(),
					"window":        window.String(),
				}).Warn("Candidate evaluation failed")
				lastErr = err
				continue
			}
			if candidate == nil {
				continue
			}

			if candidate.MAPE < bestMAPE {
				bestMAPE = candidate.MAPE
				best = candidate
			}
		}
	}

	if best == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w for %s in %s: %w", ErrNoValidModel, propertyType, authority, lastErr)
		}
		return nil, fmt.Errorf("%w for %s in %s", ErrNoValidModel, propertyType, authority)
	}
	return best, nil
}

// evaluate scores one candidate under the artifact lock. A nil selection with
// a nil error means the candidate was skipped by the cache policy.
func (c *Competition) evaluate(ctx context.Context, key artifacts.Key, family regression.Family,
	train, test *LaggedSeries, fingerprint artifacts.Fingerprint) (*BestSelection, error) {
	var selection *BestSelection

	err := c.store.WithLock(ctx, key, func() error {
		if c.store.Exists(key) {
			if c.policy == CacheSkip {
				metrics.ArtifactCacheHits.WithLabelValues(key.Family, string(c.policy)).Inc()
				return nil
			}

			cached, err := c.loadCached(key, family, fingerprint)
			if err == nil {
				metrics.ArtifactCacheHits.WithLabelValues(key.Family, string(c.policy)).Inc()
				selection = cached
				return nil
			}
			c.logger.WithError(err).WithField("artifact", key.FileName()).Info("Retraining stale artifact")
		}

		fitted, err := c.fit(ctx, key, family, train, test, fingerprint)
		if err != nil {
			return err
		}
		selection = fitted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return selection, nil
}

var errStaleArtifact = errors.New("artifact fingerprint does not match")

func (c *Competition) loadCached(key artifacts.Key, family regression.Family, fingerprint artifacts.Fingerprint) (*BestSelection, error) {
	artifact, err := c.store.Load(key)
	if err != nil {
		return nil, err
	}
	if artifact.Fingerprint != fingerprint {
		return nil, errStaleArtifact
	}

	model, err := family.Decode(artifact.Model)
	if err != nil {
		return nil, err
	}
	if model.Width() != fingerprint.Width {
		return nil, fmt.Errorf("%w: cached model has %d features, want %d",
			errStaleArtifact, model.Width(), fingerprint.Width)
	}

	return &BestSelection{
		CandidateResult: CandidateResult{
			Window: key.Window,
			Family: key.Family,
			MAE:    artifact.Metrics.MAE,
			MAPE:   artifact.Metrics.MAPE,
			Cached: true,
		},
		Model:        model,
		ArtifactPath: c.store.Path(key),
	}, nil
}

func (c *Competition) fit(ctx context.Context, key artifacts.Key, family regression.Family,
	train, test *LaggedSeries, fingerprint artifacts.Fingerprint) (*BestSelection, error) {
	model, err := family.Fit(ctx, train.X, train.Y)
	if err != nil {
		return nil, fmt.Errorf("%s fit failed: %w", family.Name(), err)
	}
	metrics.ModelFits.WithLabelValues(family.Name()).Inc()

	predicted, err := model.Predict(ctx, test.X)
	if err != nil {
		return nil, fmt.Errorf("%s predict failed: %w", family.Name(), err)
	}

	result := CandidateResult{
		Window: key.Window,
		Family: key.Family,
		MAE:    MeanAbsoluteError(test.Y, predicted),
		MAPE:   MeanAbsolutePercentageError(test.Y, predicted),
	}
	if math.IsNaN(result.MAPE) || math.IsInf(result.MAPE, 0) {
		return nil, fmt.Errorf("%s produced a non-finite score", family.Name())
	}

	encoded, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s model: %w", family.Name(), err)
	}

	path, err := c.store.Save(&artifacts.Artifact{
		Authority:    key.Authority,
		PropertyType: key.PropertyType,
		Family:       key.Family,
		Window:       key.Window,
		Metrics:      artifacts.Metrics{MAE: result.MAE, MAPE: result.MAPE},
		Fingerprint:  fingerprint,
		TrainedAt:    c.now().UTC(),
		Model:        encoded,
	})
	if err != nil {
		return nil, err
	}

	return &BestSelection{CandidateResult: result, Model: model, ArtifactPath: path}, nil
}
