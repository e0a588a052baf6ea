package regression

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"valuation/server/config"
)

// NewCatalogue returns the model families in competition order.
// TabPFN is included only when an inference endpoint is configured.
func NewCatalogue(cfg *config.Config, logger *logrus.Logger) []Family {
	params := Params{
		Iterations:     cfg.Boosting.Iterations,
		LearningRate:   cfg.Boosting.LearningRate,
		MaxBins:        cfg.Boosting.MaxBins,
		MinLeafSamples: cfg.Boosting.MinLeafSamples,
		L2:             cfg.Boosting.L2,
	}

	var families []Family
	if cfg.TabPFN.URL != "" {
		client := &http.Client{Timeout: time.Duration(cfg.TabPFN.Timeout) * time.Second}
		families = append(families, NewTabPFN(cfg.TabPFN.URL, client, logger))
	} else {
		logger.Info("TABPFN_URL not set, TabPFN family disabled")
	}

	families = append(families,
		NewObliviousGBT(params, cfg.Boosting.ObliviousDepth),
		NewLeafwiseGBT(params, cfg.Boosting.LeafwiseMaxLeaves),
	)
	return families
}
