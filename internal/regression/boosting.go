package regression

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

// Params configures the gradient-boosted families.
type Params struct {
	Iterations     int
	LearningRate   float64
	MaxBins        int
	MinLeafSamples int
	L2             float64
}

func (p Params) withDefaults() Params {
	if p.Iterations <= 0 {
		p.Iterations = 100
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.MaxBins < 2 {
		p.MaxBins = 32
	}
	if p.MinLeafSamples < 1 {
		p.MinLeafSamples = 1
	}
	if p.L2 < 0 {
		p.L2 = 0
	}
	return p
}

type tree interface {
	predict(x []float64) float64
}

// trainingState is shared by the tree growers of one fit.
type trainingState struct {
	params   Params
	binner   *binner
	binned   [][]int
	residual []float64
}

// leafScore is the squared-loss gain term of a node with gradient sum s over n rows.
func (st *trainingState) leafScore(s float64, n int) float64 {
	return s * s / (float64(n) + st.params.L2)
}

func (st *trainingState) leafValue(s float64, n int) float64 {
	return st.params.LearningRate * s / (float64(n) + st.params.L2)
}

// boost fits trees to the squared-loss residuals, starting from the target mean.
// grow returns false when no tree can be grown, which ends boosting early.
func boost[T tree](ctx context.Context, X [][]float64, y []float64, params Params,
	grow func(st *trainingState) (T, bool)) (float64, []T, error) {
	st := &trainingState{
		params:   params,
		binner:   newBinner(X, params.MaxBins),
		residual: make([]float64, len(y)),
	}
	st.binned = st.binner.transform(X)

	base := floats.Sum(y) / float64(len(y))
	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = base
	}

	trees := make([]T, 0, params.Iterations)
	for iter := 0; iter < params.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		floats.SubTo(st.residual, y, pred)
		t, ok := grow(st)
		if !ok {
			break
		}
		trees = append(trees, t)

		for i, row := range X {
			pred[i] += t.predict(row)
		}
	}
	return base, trees, nil
}

func predictTrees[T tree](ctx context.Context, X [][]float64, width int, base float64, trees []T) ([]float64, error) {
	if err := validateWidth(X, width); err != nil {
		return nil, err
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		v := base
		for _, t := range trees {
			v += t.predict(row)
		}
		out[i] = v
	}
	return out, nil
}

// histogram accumulates residual sums and counts per bin of one feature.
type histogram struct {
	sums   []float64
	counts []int
}

func (st *trainingState) histogram(feature int, rows []int) histogram {
	n := st.binner.numBins(feature)
	h := histogram{sums: make([]float64, n), counts: make([]int, n)}
	for _, i := range rows {
		b := st.binned[i][feature]
		h.sums[b] += st.residual[i]
		h.counts[b]++
	}
	return h
}
