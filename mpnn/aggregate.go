// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpnn

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// messageAggregator combines, for every directed bond, the gathered messages
// of its feeding bonds into one vector. The strategy is fixed at Encoder
// construction from Config.Aggregation.
//
// messages is shaped [numBondRows, hiddenDim], with the padding sentinel in
// row 0 kept at zero. neighbors is Int32 [numBondRows, maxDegree] indexing
// into messages and mask is the matching Bool tensor marking real neighbors.
// The result keeps the row count; the shared update projection infers its
// input width from it.
type messageAggregator interface {
	aggregate(ctx *context.Context, messages, neighbors, mask *Node, log *AttentionLog, round int) *Node
}

// sumAggregator element-wise sums the neighbor messages.
type sumAggregator struct{}

func (sumAggregator) aggregate(_ *context.Context, messages, neighbors, mask *Node, _ *AttentionLog, _ int) *Node {
	gathered := Gather(messages, InsertAxes(neighbors, -1)) // [rows, maxDegree, hidden]
	maskF := ConvertDType(mask, messages.DType())
	gathered = Mul(gathered, InsertAxes(maskF, -1))
	return ReduceSum(gathered, 1)
}

// attentionAggregator scores each neighbor message against the bond's own
// message with one learned bilinear form per head, softmaxes over the real
// neighbors and concatenates the per-head weighted sums. Bonds with no real
// neighbors aggregate to zero (MaskedSoftmax yields zero weights for fully
// masked rows).
type attentionAggregator struct {
	numHeads int
}

func (a *attentionAggregator) aggregate(ctx *context.Context, messages, neighbors, mask *Node, log *AttentionLog, round int) *Node {
	hiddenDim := messages.Shape().Dim(-1)
	expanded := InsertAxes(neighbors, -1)
	gathered := Gather(messages, expanded) // [rows, maxDegree, hidden]

	headOutputs := make([]*Node, 0, a.numHeads)
	headWeights := make([]*Node, 0, a.numHeads)
	for head := 0; head < a.numHeads; head++ {
		headCtx := ctx.In(fmt.Sprintf("head_%d", head))
		// Bilinear score: neighborᵀ·W·own, with the projection applied to
		// the bond's own message once and the product taken per neighbor.
		query := layers.Dense(headCtx.In("score"), messages, false, hiddenDim)
		logits := ReduceSum(Mul(gathered, InsertAxes(query, 1)), -1) // [rows, maxDegree]
		weights := MaskedSoftmax(logits, mask, -1)
		headWeights = append(headWeights, InsertAxes(weights, 1))
		headOutputs = append(headOutputs, ReduceSum(Mul(gathered, InsertAxes(weights, -1)), 1))
	}
	log.record("message", round, Concatenate(headWeights, 1)) // [rows, heads, maxDegree]
	if a.numHeads == 1 {
		return headOutputs[0]
	}
	return Concatenate(headOutputs, -1)
}
