// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/lstm"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/gomlx/chemprop/molgraph"
)

// readoutStrategy pools the per-atom hidden states, shaped
// [1+numAtoms, hiddenDim] with a zeroed sentinel row, into one vector per
// molecule, shaped [numMolecules, hiddenDim]. The strategy is fixed at
// Encoder construction from Config.Readout.
type readoutStrategy interface {
	pool(e *Encoder, ctx *context.Context, atoms *Node, gi *molgraph.GraphInputs) *Node
}

// sameMoleculePairs builds the Bool [rows, rows] mask that is true where rows
// i and j are both real and belong to the same molecule. It is quadratic in
// the arena size, fine for molecule-sized graphs.
func sameMoleculePairs(rowToMol, rowMask *Node) *Node {
	sameMol := Equal(InsertAxes(rowToMol, -1), InsertAxes(rowToMol, 0))
	realPair := LogicalAnd(InsertAxes(rowMask, -1), InsertAxes(rowMask, 0))
	return LogicalAnd(sameMol, realPair)
}

// meanReadout averages each molecule's atom states, optionally after a
// self-attention residual and/or a deep-set transform. Atom-less molecules
// pool to zero.
type meanReadout struct {
	selfAttention, deepSet bool
}

func (r *meanReadout) pool(e *Encoder, ctx *context.Context, atoms *Node, gi *molgraph.GraphInputs) *Node {
	hiddenDim := atoms.Shape().Dim(-1)
	dtype := atoms.DType()
	atomMaskF := InsertAxes(ConvertDType(gi.AtomMask, dtype), -1) // [rows, 1]

	if r.selfAttention {
		saCtx := ctx.In("self_attention")
		pairMask := sameMoleculePairs(gi.AtomToMol, gi.AtomMask)
		query := layers.Dense(saCtx.In("score"), atoms, false, hiddenDim)
		logits := MatMul(query, Transpose(atoms, 0, 1)) // [rows, rows]
		weights := MaskedSoftmax(logits, pairMask, -1)
		e.log.record("self", -1, weights)
		attended := MatMul(weights, atoms)
		attended = e.activate(layers.DenseWithBias(saCtx.In("output"), attended, hiddenDim))
		attended = e.dropout(saCtx, attended)
		atoms = Mul(Add(atoms, attended), atomMaskF)
	}
	if r.deepSet {
		dsCtx := ctx.In("deepset")
		transformed := e.activate(layers.DenseWithBias(dsCtx.In("hidden"), atoms, hiddenDim))
		atoms = Mul(layers.DenseWithBias(dsCtx.In("output"), transformed, hiddenDim), atomMaskF)
	}

	numMol := gi.NumMolecules()
	indices := InsertAxes(gi.AtomToMol, -1)
	sums := Scatter(indices, atoms, shapes.Make(dtype, numMol, hiddenDim))
	counts := Scatter(indices, atomMaskF, shapes.Make(dtype, numMol, 1))
	pooled := Div(sums, MaxScalar(counts, 1))
	hasAtoms := BroadcastToDims(GreaterThan(counts, ZerosLike(counts)), numMol, hiddenDim)
	return Where(hasAtoms, pooled, ZerosLike(pooled))
}

// set2setReadout iteratively refines one query vector per molecule: each
// iteration attends over the molecule's atoms with the current query as the
// key, and feeds the attention-weighted sum through one LSTM step whose
// hidden state becomes the next query. The final query is the embedding.
type set2setReadout struct {
	iterations int
}

func (r *set2setReadout) pool(e *Encoder, ctx *context.Context, atoms *Node, gi *molgraph.GraphInputs) *Node {
	g := atoms.Graph()
	hiddenDim := atoms.Shape().Dim(-1)
	dtype := atoms.DType()
	numMol := gi.NumMolecules()

	// Dense per-molecule memory: [numMol, maxAtomsPerMol, hidden].
	memory := Gather(atoms, InsertAxes(gi.MolAtoms, -1))
	mask := gi.MolAtomsMask

	// The LSTM weights are shared across iterations: same scope, reused
	// variables, state threaded through InitialStates.
	lstmCtx := ctx.In("set2set").Checked(false)
	query := Ones(g, shapes.Make(dtype, numMol, hiddenDim))
	var hidden, cell *Node
	for it := 0; it < r.iterations; it++ {
		logits := ReduceSum(Mul(memory, InsertAxes(query, 1)), -1) // [numMol, maxAtoms]
		weights := MaskedSoftmax(logits, mask, -1)
		e.log.record("set2set", it, weights)
		attended := ReduceSum(Mul(memory, InsertAxes(weights, -1)), 1) // [numMol, hidden]

		step := lstm.New(lstmCtx, InsertAxes(attended, 1), hiddenDim)
		if hidden != nil {
			step = step.InitialStates(hidden, cell)
		}
		_, hidden, cell = step.Done() // [1, numMol, hidden] each
		query = Squeeze(hidden, 0)
	}

	// Atom-less molecules attend over nothing; force their embedding to the
	// zero vector instead of whatever the recurrence drifted to.
	hasAtoms := GreaterThan(ReduceSum(ConvertDType(mask, dtype), -1), ScalarZero(g, dtype))
	hasAtoms = BroadcastToDims(InsertAxes(hasAtoms, -1), numMol, hiddenDim)
	return Where(hasAtoms, query, ZerosLike(query))
}
