// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package molgraph packs batches of variable-size molecular graphs into the
// dense tensors consumed by the mpnn encoder.
//
// A molecule is an undirected graph of featurized atoms and bonds. For
// message passing, every undirected bond is split into two directed bonds,
// one per direction, and the feature vector of a directed bond is the
// concatenation of its origin atom's features with the bond features.
//
// The whole batch is concatenated molecule-major into flat "arenas" of rows,
// with index tables delimiting each molecule's rows. Row (and index) 0 of
// every arena is reserved as a padding sentinel: its features are zero and it
// never refers to a real atom or bond. All adjacency tables are padded to a
// common width with the sentinel index, and boolean masks mark which entries
// are real.
//
// Since XLA compiles one program per tensor shape, callers that train on many
// batches should keep batch sizes (and ideally molecule sizes) stable, or
// accept re-compilations.
package molgraph

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Bond is one undirected bond between two atoms of the same molecule.
// Atom1 and Atom2 index into the molecule's AtomFeatures.
type Bond struct {
	Atom1, Atom2 int
	Features     []float32
}

// Molecule is one featurized molecular graph.
// It may be empty (no atoms and no bonds): empty molecules are representable
// throughout the pipeline and encode to a fixed zero vector.
type Molecule struct {
	// AtomFeatures has one row per atom.
	AtomFeatures [][]float32

	// Bonds are the undirected bonds. Each will contribute two directed
	// bonds to the packed batch.
	Bonds []Bond
}

// NumAtoms returns the number of atoms in the molecule.
func (m *Molecule) NumAtoms() int { return len(m.AtomFeatures) }

// NumBonds returns the number of undirected bonds in the molecule.
func (m *Molecule) NumBonds() int { return len(m.Bonds) }

func (m *Molecule) String() string {
	return fmt.Sprintf("Molecule{%s atoms, %s bonds}",
		humanize.Comma(int64(m.NumAtoms())), humanize.Comma(int64(m.NumBonds())))
}

// validate checks feature widths and bond endpoints against the expected
// dimensions. molIdx is only used for error messages.
func (m *Molecule) validate(molIdx, atomFeatureDim, bondFeatureDim int) error {
	for atomIdx, features := range m.AtomFeatures {
		if len(features) != atomFeatureDim {
			return errors.Errorf("molecule #%d: atom #%d has %d features, want %d",
				molIdx, atomIdx, len(features), atomFeatureDim)
		}
	}
	for bondIdx, bond := range m.Bonds {
		if len(bond.Features) != bondFeatureDim {
			return errors.Errorf("molecule #%d: bond #%d has %d features, want %d",
				molIdx, bondIdx, len(bond.Features), bondFeatureDim)
		}
		if bond.Atom1 < 0 || bond.Atom1 >= m.NumAtoms() || bond.Atom2 < 0 || bond.Atom2 >= m.NumAtoms() {
			return errors.Errorf("molecule #%d: bond #%d connects atoms (%d, %d), valid range is [0, %d)",
				molIdx, bondIdx, bond.Atom1, bond.Atom2, m.NumAtoms())
		}
		if bond.Atom1 == bond.Atom2 {
			return errors.Errorf("molecule #%d: bond #%d is a self-loop on atom %d",
				molIdx, bondIdx, bond.Atom1)
		}
	}
	return nil
}
