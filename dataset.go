// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chemprop

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/chemprop/molgraph"
)

// Dataset serves batches of packed molecules and targets, implementing
// train.Dataset. It keeps everything in memory; molecular datasets are small
// compared to the model.
//
// By default it runs one epoch in input order and then yields io.EOF. Use
// BatchSize, Shuffle and Infinite to configure it; the configuration methods
// return the Dataset for chaining and must be called before the first Yield.
type Dataset struct {
	name           string
	mols           []*molgraph.Molecule
	targets        [][]float32
	classTargets   [][]int32
	extraFeatures  [][]float32
	atomDim        int
	bondDim        int
	numTasks       int
	extraDim       int
	batchSize      int
	infinite       bool
	shuffle        bool
	dropIncomplete bool

	mu    sync.Mutex
	order []int
	next  int
	rng   *rand.Rand
}

// NewDataset builds a dataset with float targets, shaped [numTasks] per
// molecule, for regression or binary classification (0/1 targets).
// atomDim and bondDim are the feature widths every molecule must match.
func NewDataset(name string, mols []*molgraph.Molecule, targets [][]float32, atomDim, bondDim int) (*Dataset, error) {
	ds, err := newDataset(name, mols, atomDim, bondDim)
	if err != nil {
		return nil, err
	}
	if len(targets) != len(mols) {
		return nil, errors.Errorf("dataset %q: %d molecules but %d target rows", name, len(mols), len(targets))
	}
	ds.numTasks = len(targets[0])
	for ii, row := range targets {
		if len(row) != ds.numTasks {
			return nil, errors.Errorf("dataset %q: target row #%d has %d values, want %d", name, ii, len(row), ds.numTasks)
		}
	}
	ds.targets = targets
	return ds, nil
}

// NewMulticlassDataset builds a dataset with one class index per task per
// molecule, for TaskMulticlass models.
func NewMulticlassDataset(name string, mols []*molgraph.Molecule, classes [][]int32, atomDim, bondDim int) (*Dataset, error) {
	ds, err := newDataset(name, mols, atomDim, bondDim)
	if err != nil {
		return nil, err
	}
	if len(classes) != len(mols) {
		return nil, errors.Errorf("dataset %q: %d molecules but %d label rows", name, len(mols), len(classes))
	}
	ds.numTasks = len(classes[0])
	for ii, row := range classes {
		if len(row) != ds.numTasks {
			return nil, errors.Errorf("dataset %q: label row #%d has %d values, want %d", name, ii, len(row), ds.numTasks)
		}
	}
	ds.classTargets = classes
	return ds, nil
}

func newDataset(name string, mols []*molgraph.Molecule, atomDim, bondDim int) (*Dataset, error) {
	if len(mols) == 0 {
		return nil, errors.Errorf("dataset %q has no molecules", name)
	}
	ds := &Dataset{
		name:      name,
		mols:      mols,
		atomDim:   atomDim,
		bondDim:   bondDim,
		batchSize: len(mols),
		order:     make([]int, len(mols)),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	return ds, nil
}

// WithExtraFeatures attaches per-molecule auxiliary feature vectors,
// concatenated to the embedding by the model head. All rows must have the
// same width.
func (ds *Dataset) WithExtraFeatures(extra [][]float32) (*Dataset, error) {
	if len(extra) != len(ds.mols) {
		return nil, errors.Errorf("dataset %q: %d molecules but %d extra feature rows", ds.name, len(ds.mols), len(extra))
	}
	ds.extraDim = len(extra[0])
	for ii, row := range extra {
		if len(row) != ds.extraDim {
			return nil, errors.Errorf("dataset %q: extra feature row #%d has %d values, want %d", ds.name, ii, len(row), ds.extraDim)
		}
	}
	ds.extraFeatures = extra
	return ds, nil
}

// BatchSize sets the number of molecules per yielded batch. dropIncomplete
// drops a final short batch instead of yielding it (recommended while
// training, to keep tensor shapes stable).
func (ds *Dataset) BatchSize(n int, dropIncomplete bool) *Dataset {
	ds.batchSize = n
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Shuffle reshuffles the molecule order at every epoch.
func (ds *Dataset) Shuffle() *Dataset {
	ds.shuffle = true
	ds.rng = rand.New(rand.NewSource(42))
	return ds
}

// Infinite makes Yield loop over epochs forever instead of returning io.EOF,
// the usual mode for train.Loop.RunSteps.
func (ds *Dataset) Infinite() *Dataset {
	ds.infinite = true
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumTasks is the number of targets per molecule.
func (ds *Dataset) NumTasks() int { return ds.numTasks }

// Reset implements train.Dataset, restarting the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.restartLocked()
}

func (ds *Dataset) restartLocked() {
	ds.next = 0
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// Yield implements train.Dataset: it packs the next batch of molecules and
// returns its input tensors and the labels tensor.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	remaining := len(ds.order) - ds.next
	if remaining == 0 || (ds.dropIncomplete && remaining < ds.batchSize) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.restartLocked()
		remaining = len(ds.order)
	}
	n := min(ds.batchSize, remaining)
	indices := ds.order[ds.next : ds.next+n]
	ds.next += n

	mols := make([]*molgraph.Molecule, n)
	for ii, idx := range indices {
		mols[ii] = ds.mols[idx]
	}
	batch, err := molgraph.Pack(mols, ds.atomDim, ds.bondDim)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = batch.Inputs()
	if ds.extraFeatures != nil {
		flat := make([]float32, 0, n*ds.extraDim)
		for _, idx := range indices {
			flat = append(flat, ds.extraFeatures[idx]...)
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(flat, n, ds.extraDim))
	}

	if ds.classTargets != nil {
		flat := make([]int32, 0, n*ds.numTasks)
		for _, idx := range indices {
			flat = append(flat, ds.classTargets[idx]...)
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, n, ds.numTasks)}
	} else {
		flat := make([]float32, 0, n*ds.numTasks)
		for _, idx := range indices {
			flat = append(flat, ds.targets[idx]...)
		}
		labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(flat, n, ds.numTasks)}
	}
	return ds, inputs, labels, nil
}
