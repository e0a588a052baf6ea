package regression

import (
	"context"
	"encoding/json"
	"fmt"
)

// TreeNode is a node of a leaf-wise tree; Left and Right are -1 on leaves.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// LeafwiseTree is stored as a flat node slice rooted at index 0.
type LeafwiseTree struct {
	Nodes []TreeNode `json:"nodes"`
}

func (t LeafwiseTree) predict(x []float64) float64 {
	n := t.Nodes[0]
	for n.Left >= 0 {
		if x[n.Feature] <= n.Threshold {
			n = t.Nodes[n.Left]
		} else {
			n = t.Nodes[n.Right]
		}
	}
	return n.Value
}

// LeafwiseModel is a boosted ensemble of best-first trees.
type LeafwiseModel struct {
	NumFeatures int            `json:"num_features"`
	Base        float64        `json:"base"`
	Trees       []LeafwiseTree `json:"trees"`
}

func (m *LeafwiseModel) Width() int { return m.NumFeatures }

func (m *LeafwiseModel) Predict(ctx context.Context, X [][]float64) ([]float64, error) {
	return predictTrees(ctx, X, m.NumFeatures, m.Base, m.Trees)
}

// LeafwiseGBT grows trees by always splitting the leaf with the largest gain.
type LeafwiseGBT struct {
	params    Params
	maxLeaves int
}

func NewLeafwiseGBT(params Params, maxLeaves int) *LeafwiseGBT {
	if maxLeaves < 2 {
		maxLeaves = 15
	}
	return &LeafwiseGBT{params: params.withDefaults(), maxLeaves: maxLeaves}
}

func (f *LeafwiseGBT) Name() string { return LeafwiseGBTName }

func (f *LeafwiseGBT) Fit(ctx context.Context, X [][]float64, y []float64) (Model, error) {
	width, err := validateTraining(X, y)
	if err != nil {
		return nil, err
	}

	base, trees, err := boost(ctx, X, y, f.params, f.grow)
	if err != nil {
		return nil, err
	}
	return &LeafwiseModel{NumFeatures: width, Base: base, Trees: trees}, nil
}

func (f *LeafwiseGBT) Decode(data []byte) (Model, error) {
	var m LeafwiseModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s model: %w", LeafwiseGBTName, err)
	}
	return &m, nil
}

type leafSplit struct {
	gain    float64
	feature int
	bin     int
	ok      bool
}

type openLeaf struct {
	node  int
	rows  []int
	sum   float64
	split leafSplit
}

func (f *LeafwiseGBT) bestSplit(st *trainingState, rows []int, sum float64) leafSplit {
	best := leafSplit{}
	minLeaf := st.params.MinLeafSamples
	if len(rows) < 2*minLeaf {
		return best
	}

	parent := st.leafScore(sum, len(rows))
	for j := range st.binned[0] {
		bins := st.binner.numBins(j)
		if bins < 2 {
			continue
		}
		h := st.histogram(j, rows)

		leftSum, leftCount := 0.0, 0
		for b := 0; b < bins-1; b++ {
			leftSum += h.sums[b]
			leftCount += h.counts[b]
			rightCount := len(rows) - leftCount
			if leftCount < minLeaf || rightCount < minLeaf {
				continue
			}
			gain := st.leafScore(leftSum, leftCount) + st.leafScore(sum-leftSum, rightCount) - parent
			if gain > best.gain {
				best = leafSplit{gain: gain, feature: j, bin: b, ok: true}
			}
		}
	}
	return best
}

func (f *LeafwiseGBT) grow(st *trainingState) (LeafwiseTree, bool) {
	all := make([]int, len(st.residual))
	sum := 0.0
	for i := range all {
		all[i] = i
		sum += st.residual[i]
	}

	nodes := []TreeNode{{Left: -1, Right: -1}}
	open := []*openLeaf{{node: 0, rows: all, sum: sum}}
	open[0].split = f.bestSplit(st, all, sum)

	for leaves := 1; leaves < f.maxLeaves; leaves++ {
		pick := -1
		for i, leaf := range open {
			if leaf.split.ok && (pick < 0 || leaf.split.gain > open[pick].split.gain) {
				pick = i
			}
		}
		if pick < 0 {
			break
		}

		leaf := open[pick]
		s := leaf.split
		var left, right []int
		var leftSum, rightSum float64
		for _, i := range leaf.rows {
			if st.binned[i][s.feature] <= s.bin {
				left = append(left, i)
				leftSum += st.residual[i]
			} else {
				right = append(right, i)
				rightSum += st.residual[i]
			}
		}

		leftNode, rightNode := len(nodes), len(nodes)+1
		nodes = append(nodes, TreeNode{Left: -1, Right: -1}, TreeNode{Left: -1, Right: -1})
		nodes[leaf.node].Feature = s.feature
		nodes[leaf.node].Threshold = st.binner.threshold(s.feature, s.bin)
		nodes[leaf.node].Left = leftNode
		nodes[leaf.node].Right = rightNode

		open[pick] = &openLeaf{node: leftNode, rows: left, sum: leftSum, split: f.bestSplit(st, left, leftSum)}
		open = append(open, &openLeaf{node: rightNode, rows: right, sum: rightSum, split: f.bestSplit(st, right, rightSum)})
	}

	if len(nodes) == 1 {
		return LeafwiseTree{}, false
	}
	for _, leaf := range open {
		nodes[leaf.node].Value = st.leafValue(leaf.sum, len(leaf.rows))
	}
	return LeafwiseTree{Nodes: nodes}, true
}
