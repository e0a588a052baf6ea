package regression

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// Split sends rows with x[Feature] <= Threshold left.
type Split struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
}

// ObliviousTree applies the same split to every node of a level.
type ObliviousTree struct {
	Splits []Split   `json:"splits"`
	Leaves []float64 `json:"leaves"`
}

func (t ObliviousTree) predict(x []float64) float64 {
	idx := 0
	for _, s := range t.Splits {
		idx *= 2
		if x[s.Feature] > s.Threshold {
			idx++
		}
	}
	return t.Leaves[idx]
}

// ObliviousModel is a boosted ensemble of symmetric trees.
type ObliviousModel struct {
	NumFeatures int             `json:"num_features"`
	Base        float64         `json:"base"`
	Trees       []ObliviousTree `json:"trees"`
}

func (m *ObliviousModel) Width() int { return m.NumFeatures }

func (m *ObliviousModel) Predict(ctx context.Context, X [][]float64) ([]float64, error) {
	return predictTrees(ctx, X, m.NumFeatures, m.Base, m.Trees)
}

// ObliviousGBT grows depth-limited symmetric trees on quantile bins.
type ObliviousGBT struct {
	params Params
	depth  int
}

func NewObliviousGBT(params Params, depth int) *ObliviousGBT {
	if depth < 1 {
		depth = 4
	}
	return &ObliviousGBT{params: params.withDefaults(), depth: depth}
}

func (f *ObliviousGBT) Name() string { return ObliviousGBTName }

func (f *ObliviousGBT) Fit(ctx context.Context, X [][]float64, y []float64) (Model, error) {
	width, err := validateTraining(X, y)
	if err != nil {
		return nil, err
	}

	base, trees, err := boost(ctx, X, y, f.params, f.grow)
	if err != nil {
		return nil, err
	}
	return &ObliviousModel{NumFeatures: width, Base: base, Trees: trees}, nil
}

func (f *ObliviousGBT) Decode(data []byte) (Model, error) {
	var m ObliviousModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s model: %w", ObliviousGBTName, err)
	}
	return &m, nil
}

func (f *ObliviousGBT) grow(st *trainingState) (ObliviousTree, bool) {
	n := len(st.residual)
	leafOf := make([]int, n)
	numLeaves := 1

	var splits []Split
	for level := 0; level < f.depth; level++ {
		// Rows grouped by current leaf
		groups := make([][]int, numLeaves)
		for i, leaf := range leafOf {
			groups[leaf] = append(groups[leaf], i)
		}

		bestScore := math.Inf(-1)
		bestFeature, bestBin := -1, -1
		for j := range st.binned[0] {
			bins := st.binner.numBins(j)
			if bins < 2 {
				continue
			}

			hists := make([]histogram, numLeaves)
			totals := make([]float64, numLeaves)
			counts := make([]int, numLeaves)
			for leaf, rows := range groups {
				hists[leaf] = st.histogram(j, rows)
				for b := range hists[leaf].sums {
					totals[leaf] += hists[leaf].sums[b]
				}
				counts[leaf] = len(rows)
			}

			leftSums := make([]float64, numLeaves)
			leftCounts := make([]int, numLeaves)
			for b := 0; b < bins-1; b++ {
				score := 0.0
				for leaf := range groups {
					leftSums[leaf] += hists[leaf].sums[b]
					leftCounts[leaf] += hists[leaf].counts[b]
					score += st.leafScore(leftSums[leaf], leftCounts[leaf]) +
						st.leafScore(totals[leaf]-leftSums[leaf], counts[leaf]-leftCounts[leaf])
				}
				if score > bestScore {
					bestScore, bestFeature, bestBin = score, j, b
				}
			}
		}

		if bestFeature < 0 {
			break
		}

		split := Split{Feature: bestFeature, Threshold: st.binner.threshold(bestFeature, bestBin)}
		splits = append(splits, split)
		for i := range leafOf {
			leafOf[i] *= 2
			if st.binned[i][bestFeature] > bestBin {
				leafOf[i]++
			}
		}
		numLeaves *= 2
	}

	if len(splits) == 0 {
		return ObliviousTree{}, false
	}

	sums := make([]float64, numLeaves)
	counts := make([]int, numLeaves)
	for i, leaf := range leafOf {
		sums[leaf] += st.residual[i]
		counts[leaf]++
	}
	leaves := make([]float64, numLeaves)
	for leaf := range leaves {
		leaves[leaf] = st.leafValue(sums[leaf], counts[leaf])
	}
	return ObliviousTree{Splits: splits, Leaves: leaves}, true
}
