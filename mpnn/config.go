// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpnn

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

const (
	// ParamHiddenDim context hyperparameter defines the width of the bond
	// messages and of the molecule embedding. The default is 300.
	ParamHiddenDim = "mpnn_hidden_dim"

	// ParamDepth context hyperparameter defines the number of message
	// passing rounds: the initial bond projection counts as round one, and
	// depth-1 neighbor-aggregation rounds follow. The default is 3.
	ParamDepth = "mpnn_depth"

	// ParamActivation context hyperparameter defines the nonlinearity used
	// throughout the encoder. See activations.FromName for valid values.
	// The default is "relu".
	ParamActivation = "mpnn_activation"

	// ParamUseBias context hyperparameter defines whether the message
	// projections take a bias term. The default is false.
	ParamUseBias = "mpnn_bias"

	// ParamDropoutRate context hyperparameter defines the dropout applied
	// to messages and atom states. Only active while training. Default 0.
	ParamDropoutRate = "mpnn_dropout_rate"

	// ParamLayerNorm context hyperparameter enables layer normalization of
	// the bond messages at the end of each round. The default is false.
	ParamLayerNorm = "mpnn_layer_norm"

	// ParamAggregation context hyperparameter selects how each bond
	// aggregates its neighbors' messages: "sum" or "attention".
	ParamAggregation = "mpnn_aggregation"

	// ParamNumHeads context hyperparameter defines the number of attention
	// heads for ParamAggregation="attention". The default is 3.
	ParamNumHeads = "mpnn_attention_heads"

	// ParamMasterNode context hyperparameter enables the per-molecule
	// master aggregator: a global state recomputed each round from the mean
	// bond message and broadcast back as an additive term. Default false.
	ParamMasterNode = "mpnn_master_node"

	// ParamMasterDim context hyperparameter defines the width of the master
	// state. The default is 600.
	ParamMasterDim = "mpnn_master_dim"

	// ParamMasterAsOutput context hyperparameter makes the final master
	// state the molecule embedding, bypassing atom aggregation and readout.
	// Requires ParamMasterDim == ParamHiddenDim. Default false.
	ParamMasterAsOutput = "mpnn_master_as_output"

	// ParamGlobalAttention context hyperparameter enables full pairwise
	// attention among the bonds of each molecule at the end of every round.
	// Quadratic in the molecule's bond count. Default false.
	ParamGlobalAttention = "mpnn_global_attention"

	// ParamReadout context hyperparameter selects how per-atom states are
	// pooled into the molecule embedding: "mean" or "set2set".
	ParamReadout = "mpnn_readout"

	// ParamSelfAttention context hyperparameter adds a self-attention
	// residual over each molecule's atoms before mean pooling. Only valid
	// with ParamReadout="mean". Default false.
	ParamSelfAttention = "mpnn_self_attention"

	// ParamDeepSet context hyperparameter applies a two-layer
	// permutation-invariant transform to atom states before mean pooling.
	// Only valid with ParamReadout="mean". Default false.
	ParamDeepSet = "mpnn_deepset"

	// ParamSet2SetIterations context hyperparameter defines the number of
	// query-refinement iterations for ParamReadout="set2set". Default 3.
	ParamSet2SetIterations = "mpnn_set2set_iterations"
)

// Aggregation selects how a bond combines its gathered neighbor messages.
type Aggregation int

const (
	// AggregationSum element-wise sums the neighbor messages.
	AggregationSum Aggregation = iota

	// AggregationAttention scores each neighbor against the bond's own
	// message with one learned bilinear form per head, softmaxes over the
	// real neighbors and concatenates the per-head weighted sums.
	AggregationAttention
)

// String implements fmt.Stringer.
func (a Aggregation) String() string {
	switch a {
	case AggregationSum:
		return "sum"
	case AggregationAttention:
		return "attention"
	}
	return "invalid"
}

// AggregationFromName converts "sum" or "attention" to an Aggregation.
// It panics on unknown names.
func AggregationFromName(name string) Aggregation {
	switch name {
	case "sum":
		return AggregationSum
	case "attention":
		return AggregationAttention
	}
	Panicf("invalid aggregation %q: valid values are \"sum\" and \"attention\"", name)
	return AggregationSum
}

// ReadoutType selects how per-atom hidden states are pooled into one vector
// per molecule.
type ReadoutType int

const (
	// ReadoutMean averages each molecule's atom states, optionally after a
	// self-attention residual and/or a deep-set transform.
	ReadoutMean ReadoutType = iota

	// ReadoutSet2Set iteratively refines a per-molecule query with masked
	// attention over the molecule's atoms and an LSTM step; the final query
	// is the embedding.
	ReadoutSet2Set
)

// String implements fmt.Stringer.
func (r ReadoutType) String() string {
	switch r {
	case ReadoutMean:
		return "mean"
	case ReadoutSet2Set:
		return "set2set"
	}
	return "invalid"
}

// ReadoutFromName converts "mean" or "set2set" to a ReadoutType.
// It panics on unknown names.
func ReadoutFromName(name string) ReadoutType {
	switch name {
	case "mean":
		return ReadoutMean
	case "set2set":
		return ReadoutSet2Set
	}
	Panicf("invalid readout %q: valid values are \"mean\" and \"set2set\"", name)
	return ReadoutMean
}

// Config fully determines the encoder's architecture. It is validated once,
// at Encoder construction, never per call.
type Config struct {
	// AtomFeatureDim and BondFeatureDim are the expected input widths:
	// per-atom features and packed per-directed-bond rows (origin atom
	// features plus bond features). The encoder checks every batch against
	// them.
	AtomFeatureDim, BondFeatureDim int

	// HiddenDim is the bond message and molecule embedding width.
	HiddenDim int

	// Depth is the total number of message passing rounds, >= 1. Depth 1
	// means no neighbor aggregation at all: atom states depend only on the
	// initial bond projections.
	Depth int

	// Activation names the nonlinearity (see activations.FromName).
	Activation string

	// UseBias adds bias terms to the message projections.
	UseBias bool

	// DropoutRate in [0, 1), applied while training only.
	DropoutRate float64

	// UseLayerNorm normalizes the bond messages at the end of each round.
	UseLayerNorm bool

	// Aggregation selects the neighbor-aggregation strategy; NumHeads only
	// matters for AggregationAttention.
	Aggregation Aggregation
	NumHeads    int

	// UseMasterNode enables the per-molecule master aggregator of width
	// MasterDim. MasterAsOutput returns the final master state as the
	// molecule embedding and requires MasterDim == HiddenDim and Depth >= 2
	// (the master state only exists after the first aggregation round).
	UseMasterNode  bool
	MasterDim      int
	MasterAsOutput bool

	// UseGlobalAttention enables full pairwise intra-molecule attention
	// over bond messages after every round.
	UseGlobalAttention bool

	// Readout selects the pooling strategy. UseSelfAttention and UseDeepSet
	// refine ReadoutMean; Set2SetIterations applies to ReadoutSet2Set.
	Readout           ReadoutType
	UseSelfAttention  bool
	UseDeepSet        bool
	Set2SetIterations int
}

// DefaultConfig returns the defaults documented on the Param constants.
// Feature dimensions are zero and must be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		HiddenDim:         300,
		Depth:             3,
		Activation:        "relu",
		NumHeads:          3,
		MasterDim:         600,
		Readout:           ReadoutMean,
		Set2SetIterations: 3,
	}
}

// FromContext reads the encoder configuration from the context
// hyperparameters (the Param... constants), falling back to the defaults.
// Feature dimensions are not hyperparameters and must be set by the caller.
func FromContext(ctx *context.Context) Config {
	return Config{
		HiddenDim:          context.GetParamOr(ctx, ParamHiddenDim, 300),
		Depth:              context.GetParamOr(ctx, ParamDepth, 3),
		Activation:         context.GetParamOr(ctx, ParamActivation, "relu"),
		UseBias:            context.GetParamOr(ctx, ParamUseBias, false),
		DropoutRate:        context.GetParamOr(ctx, ParamDropoutRate, 0.0),
		UseLayerNorm:       context.GetParamOr(ctx, ParamLayerNorm, false),
		Aggregation:        AggregationFromName(context.GetParamOr(ctx, ParamAggregation, "sum")),
		NumHeads:           context.GetParamOr(ctx, ParamNumHeads, 3),
		UseMasterNode:      context.GetParamOr(ctx, ParamMasterNode, false),
		MasterDim:          context.GetParamOr(ctx, ParamMasterDim, 600),
		MasterAsOutput:     context.GetParamOr(ctx, ParamMasterAsOutput, false),
		UseGlobalAttention: context.GetParamOr(ctx, ParamGlobalAttention, false),
		Readout:            ReadoutFromName(context.GetParamOr(ctx, ParamReadout, "mean")),
		UseSelfAttention:   context.GetParamOr(ctx, ParamSelfAttention, false),
		UseDeepSet:         context.GetParamOr(ctx, ParamDeepSet, false),
		Set2SetIterations:  context.GetParamOr(ctx, ParamSet2SetIterations, 3),
	}
}

// Validate panics with a descriptive message on any unsupported combination.
// It runs before any computation.
func (c Config) Validate() {
	if c.AtomFeatureDim <= 0 || c.BondFeatureDim <= 0 {
		Panicf("mpnn: feature dimensions must be positive, got atoms=%d, bonds=%d",
			c.AtomFeatureDim, c.BondFeatureDim)
	}
	if c.HiddenDim <= 0 {
		Panicf("mpnn: hidden dimension must be positive, got %d", c.HiddenDim)
	}
	if c.Depth < 1 {
		Panicf("mpnn: depth must be >= 1, got %d", c.Depth)
	}
	// Unknown activation names panic here with the list of valid values.
	_ = activations.FromName(c.Activation)
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		Panicf("mpnn: dropout rate must be in [0, 1), got %g", c.DropoutRate)
	}
	if c.Aggregation == AggregationAttention && c.NumHeads < 1 {
		Panicf("mpnn: attention aggregation needs at least 1 head, got %d", c.NumHeads)
	}
	if c.UseMasterNode && c.MasterDim <= 0 {
		Panicf("mpnn: master state dimension must be positive, got %d", c.MasterDim)
	}
	if c.MasterAsOutput {
		if !c.UseMasterNode {
			Panicf("mpnn: master-as-output requires the master node to be enabled")
		}
		if c.MasterDim != c.HiddenDim {
			Panicf("mpnn: master-as-output requires master dimension (%d) == hidden dimension (%d)",
				c.MasterDim, c.HiddenDim)
		}
		if c.Depth < 2 {
			Panicf("mpnn: master-as-output requires depth >= 2, got %d: the master state is only computed during aggregation rounds", c.Depth)
		}
	}
	if c.Readout == ReadoutSet2Set {
		if c.Set2SetIterations < 1 {
			Panicf("mpnn: set2set needs at least 1 iteration, got %d", c.Set2SetIterations)
		}
		if c.UseSelfAttention || c.UseDeepSet {
			Panicf("mpnn: self-attention and deep-set transforms only apply to the mean readout")
		}
	}
}
