// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package molgraph

import (
	"fmt"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// PaddingIndex is the reserved sentinel: row 0 of every packed arena is
// all-zeros and adjacency entries with this value mean "no neighbor".
const PaddingIndex = 0

// NumInputs is the number of tensors produced by Batch.Inputs and expected
// by FromNodes, in this order: atom features, bond features, atom incoming
// bonds, bond neighbors, atom→molecule, bond→molecule, atom mask, bond mask,
// molecule atoms, molecule atoms mask.
const NumInputs = 10

// Scope delimits one molecule's rows within a batch-concatenated arena.
type Scope struct {
	Start, Length int
}

// Batch is a batch of molecular graphs packed into dense tensors, ready to
// be fed to a graph computation. It is immutable once built; build it with
// Pack.
//
// All row arenas carry the extra padding sentinel at row 0, so their first
// dimension is 1+count. Index tables are padded to a fixed width with
// PaddingIndex and accompanied by boolean masks.
type Batch struct {
	// AtomFeatures is Float32[1+numAtoms, atomFeatureDim].
	AtomFeatures *tensors.Tensor

	// BondFeatures is Float32[1+numDirectedBonds, atomFeatureDim+bondFeatureDim]:
	// each directed bond's row is the origin atom's features concatenated
	// with the undirected bond's features.
	BondFeatures *tensors.Tensor

	// AtomIncoming is Int32[1+numAtoms, maxDegree]: the directed bonds
	// terminating at each atom.
	AtomIncoming *tensors.Tensor

	// BondNeighbors is Int32[1+numDirectedBonds, maxDegree]: for each
	// directed bond, the directed bonds feeding into it at its origin
	// endpoint, excluding its own reverse. The exclusion keeps a message
	// from flowing back into its own edge in one hop.
	BondNeighbors *tensors.Tensor

	// AtomToMol and BondToMol are Int32[1+count]: the molecule index owning
	// each row. The sentinel row maps to molecule 0 but is excluded from
	// every reduction by the masks.
	AtomToMol, BondToMol *tensors.Tensor

	// AtomMask and BondMask are Bool[1+count], false only at the sentinel.
	AtomMask, BondMask *tensors.Tensor

	// MolAtoms is Int32[numMolecules, maxAtomsPerMol]: each molecule's atom
	// rows, padded with PaddingIndex. MolAtomsMask marks the real entries.
	MolAtoms, MolAtomsMask *tensors.Tensor

	// AtomScope and BondScope delimit each molecule's rows, kept host-side
	// for validation and per-molecule slicing by callers.
	AtomScope, BondScope []Scope

	numMolecules, numAtoms, numBonds int
	atomFeatureDim, bondFeatureDim   int
}

// Pack concatenates a batch of molecules into dense tensors.
//
// atomFeatureDim and bondFeatureDim are the expected feature widths; every
// molecule is validated against them, so batches of empty molecules are
// still well-formed.
func Pack(mols []*Molecule, atomFeatureDim, bondFeatureDim int) (*Batch, error) {
	if len(mols) == 0 {
		return nil, errors.New("cannot pack an empty batch of molecules")
	}
	if atomFeatureDim <= 0 || bondFeatureDim < 0 {
		return nil, errors.Errorf("invalid feature dimensions: atoms=%d, bonds=%d", atomFeatureDim, bondFeatureDim)
	}
	for molIdx, mol := range mols {
		if mol == nil {
			return nil, errors.Errorf("molecule #%d is nil", molIdx)
		}
		if err := mol.validate(molIdx, atomFeatureDim, bondFeatureDim); err != nil {
			return nil, err
		}
	}

	b := &Batch{
		numMolecules:   len(mols),
		atomFeatureDim: atomFeatureDim,
		bondFeatureDim: bondFeatureDim,
	}
	for _, mol := range mols {
		b.numAtoms += mol.NumAtoms()
		b.numBonds += 2 * mol.NumBonds()
	}

	// Row 0 of each arena is the zero sentinel.
	numAtomRows := 1 + b.numAtoms
	numBondRows := 1 + b.numBonds
	bondRowDim := atomFeatureDim + bondFeatureDim
	atomFeatures := make([]float32, numAtomRows*atomFeatureDim)
	bondFeatures := make([]float32, numBondRows*bondRowDim)
	atomToMol := make([]int32, numAtomRows)
	bondToMol := make([]int32, numBondRows)
	atomMask := make([]bool, numAtomRows)
	bondMask := make([]bool, numBondRows)

	// Incoming directed bonds per atom row, and origin atom per bond row.
	incoming := make([][]int32, numAtomRows)
	bondOrigin := make([]int32, numBondRows)
	bondReverse := make([]int32, numBondRows)

	atomRow := 1
	bondRow := 1
	maxAtomsPerMol := 1
	for molIdx, mol := range mols {
		b.AtomScope = append(b.AtomScope, Scope{Start: atomRow, Length: mol.NumAtoms()})
		b.BondScope = append(b.BondScope, Scope{Start: bondRow, Length: 2 * mol.NumBonds()})
		maxAtomsPerMol = max(maxAtomsPerMol, mol.NumAtoms())

		molAtomBase := atomRow
		for _, features := range mol.AtomFeatures {
			copy(atomFeatures[atomRow*atomFeatureDim:], features)
			atomToMol[atomRow] = int32(molIdx)
			atomMask[atomRow] = true
			atomRow++
		}
		for _, bond := range mol.Bonds {
			row1 := int32(molAtomBase + bond.Atom1)
			row2 := int32(molAtomBase + bond.Atom2)
			// Two directed bonds per undirected bond, reverse of each other.
			for _, dir := range [2]struct{ origin, target int32 }{{row1, row2}, {row2, row1}} {
				offset := bondRow * bondRowDim
				copy(bondFeatures[offset:], atomFeatures[dir.origin*int32(atomFeatureDim):(dir.origin+1)*int32(atomFeatureDim)])
				copy(bondFeatures[offset+atomFeatureDim:], bond.Features)
				bondToMol[bondRow] = int32(molIdx)
				bondMask[bondRow] = true
				bondOrigin[bondRow] = dir.origin
				incoming[dir.target] = append(incoming[dir.target], int32(bondRow))
				bondRow++
			}
			bondReverse[bondRow-2] = int32(bondRow - 1)
			bondReverse[bondRow-1] = int32(bondRow - 2)
		}
	}

	maxDegree := 1
	for _, bonds := range incoming {
		maxDegree = max(maxDegree, len(bonds))
	}

	atomIncoming := make([]int32, numAtomRows*maxDegree)
	for row, bonds := range incoming {
		copy(atomIncoming[row*maxDegree:], bonds)
	}
	bondNeighbors := make([]int32, numBondRows*maxDegree)
	for row := 1; row < numBondRows; row++ {
		neighbors := bondNeighbors[row*maxDegree:]
		pos := 0
		for _, feeding := range incoming[bondOrigin[row]] {
			if feeding == bondReverse[row] {
				continue
			}
			neighbors[pos] = feeding
			pos++
		}
	}

	molAtoms := make([]int32, b.numMolecules*maxAtomsPerMol)
	molAtomsMask := make([]bool, b.numMolecules*maxAtomsPerMol)
	for molIdx, scope := range b.AtomScope {
		for ii := 0; ii < scope.Length; ii++ {
			molAtoms[molIdx*maxAtomsPerMol+ii] = int32(scope.Start + ii)
			molAtomsMask[molIdx*maxAtomsPerMol+ii] = true
		}
	}

	b.AtomFeatures = tensors.FromFlatDataAndDimensions(atomFeatures, numAtomRows, atomFeatureDim)
	b.BondFeatures = tensors.FromFlatDataAndDimensions(bondFeatures, numBondRows, bondRowDim)
	b.AtomIncoming = tensors.FromFlatDataAndDimensions(atomIncoming, numAtomRows, maxDegree)
	b.BondNeighbors = tensors.FromFlatDataAndDimensions(bondNeighbors, numBondRows, maxDegree)
	b.AtomToMol = tensors.FromFlatDataAndDimensions(atomToMol, numAtomRows)
	b.BondToMol = tensors.FromFlatDataAndDimensions(bondToMol, numBondRows)
	b.AtomMask = tensors.FromFlatDataAndDimensions(atomMask, numAtomRows)
	b.BondMask = tensors.FromFlatDataAndDimensions(bondMask, numBondRows)
	b.MolAtoms = tensors.FromFlatDataAndDimensions(molAtoms, b.numMolecules, maxAtomsPerMol)
	b.MolAtomsMask = tensors.FromFlatDataAndDimensions(molAtomsMask, b.numMolecules, maxAtomsPerMol)
	return b, nil
}

// NumMolecules in the batch.
func (b *Batch) NumMolecules() int { return b.numMolecules }

// NumAtoms in the batch, not counting the padding sentinel.
func (b *Batch) NumAtoms() int { return b.numAtoms }

// NumDirectedBonds in the batch, not counting the padding sentinel.
func (b *Batch) NumDirectedBonds() int { return b.numBonds }

func (b *Batch) String() string {
	return fmt.Sprintf("Batch{%s molecules, %s atoms, %s directed bonds}",
		humanize.Comma(int64(b.numMolecules)), humanize.Comma(int64(b.numAtoms)), humanize.Comma(int64(b.numBonds)))
}

// Inputs returns the batch tensors in the order expected by FromNodes.
func (b *Batch) Inputs() []*tensors.Tensor {
	return []*tensors.Tensor{
		b.AtomFeatures, b.BondFeatures,
		b.AtomIncoming, b.BondNeighbors,
		b.AtomToMol, b.BondToMol,
		b.AtomMask, b.BondMask,
		b.MolAtoms, b.MolAtomsMask,
	}
}

// GraphInputs holds the graph-side handles to a packed batch, in the same
// layout as Batch. Build it with FromNodes inside a graph-building function.
type GraphInputs struct {
	AtomFeatures, BondFeatures  *Node
	AtomIncoming, BondNeighbors *Node
	AtomToMol, BondToMol        *Node
	AtomMask, BondMask          *Node
	MolAtoms, MolAtomsMask      *Node
}

// FromNodes destructures the inputs of a graph function (in Batch.Inputs
// order) back into a GraphInputs. It fails fast on inconsistent shapes.
func FromNodes(inputs []*Node) *GraphInputs {
	if len(inputs) < NumInputs {
		Panicf("molgraph.FromNodes: got %d inputs, want at least %d", len(inputs), NumInputs)
	}
	gi := &GraphInputs{
		AtomFeatures: inputs[0], BondFeatures: inputs[1],
		AtomIncoming: inputs[2], BondNeighbors: inputs[3],
		AtomToMol: inputs[4], BondToMol: inputs[5],
		AtomMask: inputs[6], BondMask: inputs[7],
		MolAtoms: inputs[8], MolAtomsMask: inputs[9],
	}
	gi.assertValid()
	return gi
}

func (gi *GraphInputs) assertValid() {
	numAtomRows := gi.AtomFeatures.Shape().Dim(0)
	numBondRows := gi.BondFeatures.Shape().Dim(0)
	checkRows := func(name string, node *Node, wantRows int) {
		if node.Shape().Dim(0) != wantRows {
			Panicf("molgraph.GraphInputs: %s has %d rows, want %d", name, node.Shape().Dim(0), wantRows)
		}
	}
	checkRows("AtomIncoming", gi.AtomIncoming, numAtomRows)
	checkRows("AtomToMol", gi.AtomToMol, numAtomRows)
	checkRows("AtomMask", gi.AtomMask, numAtomRows)
	checkRows("BondNeighbors", gi.BondNeighbors, numBondRows)
	checkRows("BondToMol", gi.BondToMol, numBondRows)
	checkRows("BondMask", gi.BondMask, numBondRows)
	if !gi.MolAtoms.Shape().Equal(gi.MolAtomsMask.Shape()) {
		Panicf("molgraph.GraphInputs: MolAtoms shaped %s but MolAtomsMask shaped %s",
			gi.MolAtoms.Shape(), gi.MolAtomsMask.Shape())
	}
	for name, node := range map[string]*Node{
		"AtomIncoming": gi.AtomIncoming, "BondNeighbors": gi.BondNeighbors,
		"AtomToMol": gi.AtomToMol, "BondToMol": gi.BondToMol, "MolAtoms": gi.MolAtoms,
	} {
		if node.DType() != dtypes.Int32 {
			Panicf("molgraph.GraphInputs: %s must be Int32, got %s", name, node.DType())
		}
	}
}

// NumMolecules in the batch, statically known from the packed shapes.
func (gi *GraphInputs) NumMolecules() int { return gi.MolAtoms.Shape().Dim(0) }

// AtomFeatureDim is the width of the per-atom feature rows.
func (gi *GraphInputs) AtomFeatureDim() int { return gi.AtomFeatures.Shape().Dim(1) }

// BondFeatureDim is the width of the packed per-directed-bond rows (origin
// atom features concatenated with bond features).
func (gi *GraphInputs) BondFeatureDim() int { return gi.BondFeatures.Shape().Dim(1) }
