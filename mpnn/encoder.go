// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mpnn implements a message passing neural network encoder for
// molecular graphs: it maps a packed molgraph batch to one fixed-width
// embedding vector per molecule.
//
// Messages live on directed bonds. Each bond's message is seeded from an
// affine projection of its features and then refined for a configurable
// number of rounds by aggregating the messages of the bonds feeding into it,
// excluding its own reverse. After the last round, atoms sum the messages of
// their incoming bonds, concatenate their raw features and project to the
// per-atom hidden state, which a readout strategy pools per molecule.
//
// All weights are context variables, so the encoder composes with the
// regular train.Trainer machinery. The architecture is fixed by a Config,
// either built explicitly or read from context hyperparameters with
// FromContext.
package mpnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/gomlx/chemprop/molgraph"
)

// Encoder is a configured message passing encoder. It is stateless across
// calls (all learned state lives in the context) and safe to reuse for every
// graph the model builds.
//
// Create it with New; it panics early on invalid configurations.
type Encoder struct {
	cfg        Config
	activation activations.Type
	aggregator messageAggregator
	readout    readoutStrategy
	log        *AttentionLog
}

// New validates the configuration and builds the encoder, binding the
// aggregation and readout strategies once.
func New(cfg Config) *Encoder {
	cfg.Validate()
	e := &Encoder{
		cfg:        cfg,
		activation: activations.FromName(cfg.Activation),
	}
	switch cfg.Aggregation {
	case AggregationSum:
		e.aggregator = sumAggregator{}
	case AggregationAttention:
		e.aggregator = &attentionAggregator{numHeads: cfg.NumHeads}
	}
	switch cfg.Readout {
	case ReadoutMean:
		e.readout = &meanReadout{selfAttention: cfg.UseSelfAttention, deepSet: cfg.UseDeepSet}
	case ReadoutSet2Set:
		e.readout = &set2setReadout{iterations: cfg.Set2SetIterations}
	}
	return e
}

// Config returns the encoder's configuration.
func (e *Encoder) Config() Config { return e.cfg }

// WithAttentionLog attaches a diagnostics log that records every attention
// matrix computed during Encode. It never changes the numeric output.
func (e *Encoder) WithAttentionLog(log *AttentionLog) *Encoder {
	e.log = log
	return e
}

func (e *Encoder) activate(x *Node) *Node { return activations.Apply(e.activation, x) }

func (e *Encoder) dropout(ctx *context.Context, x *Node) *Node {
	if e.cfg.DropoutRate <= 0 {
		return x
	}
	return layers.DropoutStatic(ctx, x, e.cfg.DropoutRate)
}

// Encode builds the encoder graph for one packed batch and returns the
// molecule embeddings, shaped [numMolecules, HiddenDim], ordered as the
// batch was packed. Empty molecules encode to the zero vector.
//
// The same variables are deliberately reused across rounds (the initial
// projection's skip term, the shared update projection, the master
// projections), so the enclosing scope is switched to unchecked reuse.
func (e *Encoder) Encode(ctx *context.Context, inputs *molgraph.GraphInputs) *Node {
	cfg := e.cfg
	if inputs.AtomFeatureDim() != cfg.AtomFeatureDim {
		Panicf("mpnn: batch has atom features of width %d, encoder configured for %d",
			inputs.AtomFeatureDim(), cfg.AtomFeatureDim)
	}
	if wantWidth := cfg.AtomFeatureDim + cfg.BondFeatureDim; inputs.BondFeatureDim() != wantWidth {
		Panicf("mpnn: batch has bond rows of width %d, encoder configured for %d (atoms %d + bonds %d)",
			inputs.BondFeatureDim(), wantWidth, cfg.AtomFeatureDim, cfg.BondFeatureDim)
	}
	ctx = ctx.In("mpnn").Checked(false)
	g := inputs.BondFeatures.Graph()
	dtype := inputs.BondFeatures.DType()

	bondMaskF := InsertAxes(ConvertDType(inputs.BondMask, dtype), -1) // [bondRows, 1]
	neighborsMask := NotEqual(inputs.BondNeighbors, ScalarZero(g, inputs.BondNeighbors.DType()))

	// Initial message: the same projection output is also the additive skip
	// term of every round's combine step.
	initial := layers.Dense(ctx.In("input"), inputs.BondFeatures, cfg.UseBias, cfg.HiddenDim)
	messages := Mul(e.activate(initial), bondMaskF)

	var master *Node
	for round := 1; round < cfg.Depth; round++ {
		aggregated := e.aggregator.aggregate(ctx.In("aggregate"), messages, inputs.BondNeighbors, neighborsMask, e.log, round)
		updated := layers.Dense(ctx.In("update"), aggregated, cfg.UseBias, cfg.HiddenDim)
		combined := Add(initial, updated)
		if cfg.UseMasterNode {
			var broadcast *Node
			master, broadcast = e.masterUpdate(ctx.In("master"), updated, inputs, bondMaskF)
			combined = Add(combined, broadcast)
		}
		messages = e.activate(combined)
		if cfg.UseGlobalAttention {
			messages = e.globalAttention(ctx.In("global_attention"), messages, inputs, round)
		}
		if cfg.UseLayerNorm {
			messages = layers.LayerNormalization(ctx.In("layer_norm"), messages, -1).Done()
		}
		messages = e.dropout(ctx, messages)
		// The sentinel row must stay zero: padding entries gather from it.
		messages = Mul(messages, bondMaskF)
	}

	if cfg.MasterAsOutput {
		return master
	}

	atoms := e.aggregateAtoms(ctx.In("output"), messages, inputs)
	return e.readout.pool(e, ctx.In("readout"), atoms, inputs)
}

// masterUpdate recomputes the per-molecule master state from the mean of the
// round's projected neighbor term and returns it with its per-bond additive
// broadcast term. Bond-less molecules keep a zero master state.
func (e *Encoder) masterUpdate(ctx *context.Context, updated *Node, inputs *molgraph.GraphInputs, bondMaskF *Node) (master, broadcast *Node) {
	cfg := e.cfg
	dtype := updated.DType()
	numMol := inputs.NumMolecules()
	indices := InsertAxes(inputs.BondToMol, -1)

	sums := Scatter(indices, Mul(updated, bondMaskF), shapes.Make(dtype, numMol, cfg.HiddenDim))
	counts := Scatter(indices, bondMaskF, shapes.Make(dtype, numMol, 1))
	mean := Div(sums, MaxScalar(counts, 1))

	master = e.activate(layers.Dense(ctx.In("input"), mean, cfg.UseBias, cfg.MasterDim))
	hasBonds := BroadcastToDims(GreaterThan(counts, ZerosLike(counts)), numMol, cfg.MasterDim)
	master = Where(hasBonds, master, ZerosLike(master))

	perBond := Gather(master, indices) // [bondRows, MasterDim]
	broadcast = layers.Dense(ctx.In("output"), perBond, cfg.UseBias, cfg.HiddenDim)
	return master, broadcast
}

// globalAttention lets every bond attend to all bond messages of its own
// molecule, scored by a learned bilinear form, and adds the projected result
// residually. Quadratic in the arena's bond count.
func (e *Encoder) globalAttention(ctx *context.Context, messages *Node, inputs *molgraph.GraphInputs, round int) *Node {
	pairMask := sameMoleculePairs(inputs.BondToMol, inputs.BondMask)
	query := layers.Dense(ctx.In("score"), messages, false, e.cfg.HiddenDim)
	logits := MatMul(query, Transpose(messages, 0, 1)) // [bondRows, bondRows]
	weights := MaskedSoftmax(logits, pairMask, -1)
	e.log.record("global", round, weights)
	attended := MatMul(weights, messages)
	attended = e.activate(layers.DenseWithBias(ctx.In("output"), attended, e.cfg.HiddenDim))
	attended = e.dropout(ctx, attended)
	return Add(messages, attended)
}

// aggregateAtoms turns the final bond messages into per-atom hidden states:
// sum of incoming messages, concatenated with the atom's raw features, one
// affine projection plus nonlinearity and dropout. Runs once, after the last
// round.
func (e *Encoder) aggregateAtoms(ctx *context.Context, messages *Node, inputs *molgraph.GraphInputs) *Node {
	g := messages.Graph()
	dtype := messages.DType()
	incomingMask := NotEqual(inputs.AtomIncoming, ScalarZero(g, inputs.AtomIncoming.DType()))
	gathered := Gather(messages, InsertAxes(inputs.AtomIncoming, -1)) // [atomRows, maxDegree, hidden]
	gathered = Mul(gathered, InsertAxes(ConvertDType(incomingMask, dtype), -1))
	summed := ReduceSum(gathered, 1)

	combined := Concatenate([]*Node{inputs.AtomFeatures, summed}, -1)
	atoms := e.activate(layers.DenseWithBias(ctx, combined, e.cfg.HiddenDim))
	atoms = e.dropout(ctx, atoms)
	atomMaskF := InsertAxes(ConvertDType(inputs.AtomMask, dtype), -1)
	return Mul(atoms, atomMaskF)
}
