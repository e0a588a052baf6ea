package regression

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// binner discretises each feature on empirical quantile edges.
// A value v falls in bin i when edges[i-1] < v <= edges[i].
type binner struct {
	edges [][]float64
}

func newBinner(X [][]float64, maxBins int) *binner {
	width := len(X[0])
	b := &binner{edges: make([][]float64, width)}

	column := make([]float64, len(X))
	for j := 0; j < width; j++ {
		for i, row := range X {
			column[i] = row[j]
		}
		sorted := append([]float64(nil), column...)
		sort.Float64s(sorted)

		var edges []float64
		for q := 1; q < maxBins; q++ {
			edge := stat.Quantile(float64(q)/float64(maxBins), stat.Empirical, sorted, nil)
			if edge >= sorted[len(sorted)-1] {
				break
			}
			if len(edges) == 0 || edge > edges[len(edges)-1] {
				edges = append(edges, edge)
			}
		}
		b.edges[j] = edges
	}
	return b
}

func (b *binner) bin(feature int, v float64) int {
	return sort.SearchFloat64s(b.edges[feature], v)
}

func (b *binner) numBins(feature int) int {
	return len(b.edges[feature]) + 1
}

// threshold returns the split value putting bins <= bin on the left.
func (b *binner) threshold(feature, bin int) float64 {
	return b.edges[feature][bin]
}

func (b *binner) transform(X [][]float64) [][]int {
	binned := make([][]int, len(X))
	for i, row := range X {
		binned[i] = make([]int, len(row))
		for j, v := range row {
			binned[i][j] = b.bin(j, v)
		}
	}
	return binned
}
