// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package molgraph

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMolecule() *Molecule {
	// a0-a1-a2 path.
	return &Molecule{
		AtomFeatures: [][]float32{{1, 0}, {0, 1}, {1, 1}},
		Bonds: []Bond{
			{Atom1: 0, Atom2: 1, Features: []float32{0.5}},
			{Atom1: 1, Atom2: 2, Features: []float32{0.25}},
		},
	}
}

func rows[T interface{ float32 | int32 | bool }](t *testing.T, tensor *tensors.Tensor) [][]T {
	t.Helper()
	dims := tensor.Shape().Dimensions
	require.Len(t, dims, 2)
	flat := tensors.CopyFlatData[T](tensor)
	out := make([][]T, dims[0])
	for ii := range out {
		out[ii] = flat[ii*dims[1] : (ii+1)*dims[1]]
	}
	return out
}

func TestPackSingleMolecule(t *testing.T) {
	batch, err := Pack([]*Molecule{testMolecule()}, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, batch.NumMolecules())
	assert.Equal(t, 3, batch.NumAtoms())
	assert.Equal(t, 4, batch.NumDirectedBonds())
	assert.Equal(t, []Scope{{Start: 1, Length: 3}}, batch.AtomScope)
	assert.Equal(t, []Scope{{Start: 1, Length: 4}}, batch.BondScope)

	atomFeatures := rows[float32](t, batch.AtomFeatures)
	require.Len(t, atomFeatures, 4) // Sentinel plus 3 atoms.
	assert.Equal(t, []float32{0, 0}, atomFeatures[0], "sentinel row must be zero")
	assert.Equal(t, []float32{1, 0}, atomFeatures[1])

	// Directed bond rows: origin atom features then bond features, two
	// directions per bond in input order.
	bondFeatures := rows[float32](t, batch.BondFeatures)
	require.Len(t, bondFeatures, 5)
	assert.Equal(t, []float32{0, 0, 0}, bondFeatures[0])
	assert.Equal(t, []float32{1, 0, 0.5}, bondFeatures[1])  // a0→a1
	assert.Equal(t, []float32{0, 1, 0.5}, bondFeatures[2])  // a1→a0
	assert.Equal(t, []float32{0, 1, 0.25}, bondFeatures[3]) // a1→a2
	assert.Equal(t, []float32{1, 1, 0.25}, bondFeatures[4]) // a2→a1

	// Incoming directed bonds per atom, padded with the sentinel.
	atomIncoming := rows[int32](t, batch.AtomIncoming)
	assert.Equal(t, []int32{0, 0}, atomIncoming[0])
	assert.Equal(t, []int32{2, 0}, atomIncoming[1]) // a0: a1→a0
	assert.Equal(t, []int32{1, 4}, atomIncoming[2]) // a1: a0→a1, a2→a1
	assert.Equal(t, []int32{3, 0}, atomIncoming[3]) // a2: a1→a2

	// Feeding bonds per directed bond, its own reverse excluded.
	bondNeighbors := rows[int32](t, batch.BondNeighbors)
	assert.Equal(t, []int32{0, 0}, bondNeighbors[1], "a0→a1 has no feeders besides its reverse")
	assert.Equal(t, []int32{4, 0}, bondNeighbors[2], "a1→a0 is fed by a2→a1 only")
	assert.Equal(t, []int32{1, 0}, bondNeighbors[3], "a1→a2 is fed by a0→a1 only")
	assert.Equal(t, []int32{0, 0}, bondNeighbors[4])

	atomMask := tensors.CopyFlatData[bool](batch.AtomMask)
	assert.Equal(t, []bool{false, true, true, true}, atomMask)

	molAtoms := rows[int32](t, batch.MolAtoms)
	assert.Equal(t, []int32{1, 2, 3}, molAtoms[0])
}

func TestPackBatchOffsets(t *testing.T) {
	second := &Molecule{
		AtomFeatures: [][]float32{{2, 2}, {3, 3}},
		Bonds:        []Bond{{Atom1: 0, Atom2: 1, Features: []float32{1}}},
	}
	batch, err := Pack([]*Molecule{testMolecule(), second}, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, []Scope{{Start: 1, Length: 3}, {Start: 4, Length: 2}}, batch.AtomScope)
	assert.Equal(t, []Scope{{Start: 1, Length: 4}, {Start: 5, Length: 2}}, batch.BondScope)

	atomToMol := tensors.CopyFlatData[int32](batch.AtomToMol)
	assert.Equal(t, []int32{0, 0, 0, 0, 1, 1}, atomToMol)
	bondToMol := tensors.CopyFlatData[int32](batch.BondToMol)
	assert.Equal(t, []int32{0, 0, 0, 0, 0, 1, 1}, bondToMol)

	// The second molecule's rows reference its own arena region.
	atomIncoming := rows[int32](t, batch.AtomIncoming)
	assert.Equal(t, []int32{6, 0}, atomIncoming[4])
	assert.Equal(t, []int32{5, 0}, atomIncoming[5])

	molAtoms := rows[int32](t, batch.MolAtoms)
	molAtomsMask := rows[bool](t, batch.MolAtomsMask)
	assert.Equal(t, []int32{1, 2, 3}, molAtoms[0])
	assert.Equal(t, []int32{4, 5, 0}, molAtoms[1])
	assert.Equal(t, []bool{true, true, false}, molAtomsMask[1])
}

func TestPackEmptyMolecule(t *testing.T) {
	batch, err := Pack([]*Molecule{{}, testMolecule()}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, batch.NumMolecules())
	assert.Equal(t, Scope{Start: 1, Length: 0}, batch.AtomScope[0])
	molAtomsMask := rows[bool](t, batch.MolAtomsMask)
	for _, real := range molAtomsMask[0] {
		assert.False(t, real)
	}
	// An all-empty batch is still well-formed, feature widths are explicit.
	empty, err := Pack([]*Molecule{{}}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, empty.AtomFeatures.Shape().Dimensions)
}

func TestPackErrors(t *testing.T) {
	for name, test := range map[string]struct {
		mols []*Molecule
		want string
	}{
		"no_molecules": {mols: nil, want: "empty batch"},
		"nil_molecule": {mols: []*Molecule{nil}, want: "is nil"},
		"atom_feature_width": {
			mols: []*Molecule{{AtomFeatures: [][]float32{{1}}}},
			want: "atom",
		},
		"bond_feature_width": {
			mols: []*Molecule{{
				AtomFeatures: [][]float32{{1, 2}, {3, 4}},
				Bonds:        []Bond{{Atom1: 0, Atom2: 1, Features: []float32{1, 2}}},
			}},
			want: "bond",
		},
		"endpoint_out_of_range": {
			mols: []*Molecule{{
				AtomFeatures: [][]float32{{1, 2}},
				Bonds:        []Bond{{Atom1: 0, Atom2: 3, Features: []float32{1}}},
			}},
			want: "atom",
		},
		"self_loop": {
			mols: []*Molecule{{
				AtomFeatures: [][]float32{{1, 2}},
				Bonds:        []Bond{{Atom1: 0, Atom2: 0, Features: []float32{1}}},
			}},
			want: "self",
		},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Pack(test.mols, 2, 1)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.want)
		})
	}
}

func TestBatchInputsOrder(t *testing.T) {
	batch, err := Pack([]*Molecule{testMolecule()}, 2, 1)
	require.NoError(t, err)
	inputs := batch.Inputs()
	require.Len(t, inputs, NumInputs)
	assert.Same(t, batch.AtomFeatures, inputs[0])
	assert.Same(t, batch.BondFeatures, inputs[1])
	assert.Same(t, batch.MolAtomsMask, inputs[NumInputs-1])
}
