// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chemprop

import (
	"fmt"
	"io"
	"testing"

	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/chemprop/molgraph"
	"github.com/gomlx/chemprop/mpnn"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const (
	testAtomDim = 2
	testBondDim = 1
)

// chainMolecule builds a path molecule with n atoms and distinguishable
// features derived from the position and a seed.
func chainMolecule(n int, seed float32) *molgraph.Molecule {
	mol := &molgraph.Molecule{}
	for ii := 0; ii < n; ii++ {
		mol.AtomFeatures = append(mol.AtomFeatures, []float32{seed + float32(ii)*0.1, 1 - seed})
	}
	for ii := 0; ii+1 < n; ii++ {
		mol.Bonds = append(mol.Bonds, molgraph.Bond{
			Atom1: ii, Atom2: ii + 1, Features: []float32{0.5 * seed},
		})
	}
	return mol
}

func testEncoderConfig() mpnn.Config {
	cfg := mpnn.DefaultConfig()
	cfg.AtomFeatureDim = testAtomDim
	cfg.BondFeatureDim = testBondDim
	cfg.HiddenDim = 16
	cfg.Depth = 2
	return cfg
}

// trainingMolecules is a small synthetic regression set: the target is the
// normalized atom count, something the readout can represent directly.
func trainingMolecules() (mols []*molgraph.Molecule, targets [][]float32) {
	for ii := 0; ii < 8; ii++ {
		n := 2 + ii%4
		mols = append(mols, chainMolecule(n, float32(ii)*0.11))
		targets = append(targets, []float32{float32(n) / 5})
	}
	return
}

func TestModelFitRegression(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	mols, targets := trainingMolecules()
	ds, err := NewDataset("train", mols, targets, testAtomDim, testBondDim)
	require.NoError(t, err)
	ds.BatchSize(8, true).Infinite()

	model := NewModel(ModelConfig{
		Encoder:      testEncoderConfig(),
		Task:         TaskRegression,
		NumTasks:     1,
		FFNNumLayers: 1,
		FFNHiddenDim: 16,
	})
	ctx := context.New()
	ctx.SetParam(optimizers.ParamLearningRate, 0.01)

	require.NoError(t, model.Fit(backend, ctx, ds, 400))

	predictor := model.NewPredictor(backend, ctx)
	predictions, err := predictor.Predict(mols, nil)
	require.NoError(t, err)
	got := predictions.Value().([][]float32)
	require.Len(t, got, len(mols))
	var mse float32
	for ii := range got {
		diff := got[ii][0] - targets[ii][0]
		mse += diff * diff
	}
	mse /= float32(len(got))
	assert.Lessf(t, mse, float32(0.05), "model failed to fit the synthetic set, MSE=%g", mse)
}

func TestPredictorBinary(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := NewModel(ModelConfig{
		Encoder:  testEncoderConfig(),
		Task:     TaskBinaryClassification,
		NumTasks: 3,
	})
	predictor := model.NewPredictor(backend, context.New())

	mols := []*molgraph.Molecule{chainMolecule(3, 0.2), chainMolecule(4, 0.7)}
	predictions, err := predictor.Predict(mols, nil)
	require.NoError(t, err)
	got := predictions.Value().([][]float32)
	require.Len(t, got, 2)
	for _, row := range got {
		require.Len(t, row, 3)
		for _, p := range row {
			assert.GreaterOrEqual(t, p, float32(0))
			assert.LessOrEqual(t, p, float32(1))
		}
	}

	embeddings, err := predictor.Embed(mols)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16}, embeddings.Shape().Dimensions)
}

func TestPredictorMulticlass(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := NewModel(ModelConfig{
		Encoder:    testEncoderConfig(),
		Task:       TaskMulticlass,
		NumTasks:   2,
		NumClasses: 4,
	})
	predictor := model.NewPredictor(backend, context.New())

	mols := []*molgraph.Molecule{chainMolecule(2, 0.3), chainMolecule(5, 0.9), {}}
	predictions, err := predictor.Predict(mols, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 4}, predictions.Shape().Dimensions)
	flat := tensors.CopyFlatData[float32](predictions)
	for start := 0; start < len(flat); start += 4 {
		var sum float32
		for _, p := range flat[start : start+4] {
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-4, "class probabilities must sum to 1")
	}
}

func TestPredictorExtraFeatures(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := ModelConfig{
		Encoder:          testEncoderConfig(),
		Task:             TaskRegression,
		NumTasks:         1,
		ExtraFeaturesDim: 2,
	}
	predictor := NewModel(cfg).NewPredictor(backend, context.New())
	mols := []*molgraph.Molecule{chainMolecule(3, 0.4)}

	_, err := predictor.Predict(mols, nil)
	require.Error(t, err, "missing extra features must fail")
	_, err = predictor.Predict(mols, [][]float32{{1}})
	require.Error(t, err, "wrong extra features width must fail")
	predictions, err := predictor.Predict(mols, [][]float32{{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, predictions.Shape().Dimensions)
}

func TestDatasetEpochs(t *testing.T) {
	mols, targets := trainingMolecules()
	ds, err := NewDataset("epochs", mols, targets, testAtomDim, testBondDim)
	require.NoError(t, err)
	ds.BatchSize(3, false)

	var yielded int
	for batchIdx := 0; ; batchIdx++ {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, molgraph.NumInputs)
		n := labels[0].Shape().Dim(0)
		if batchIdx < 2 {
			assert.Equal(t, 3, n)
		} else {
			assert.Equal(t, 2, n, "last short batch must be yielded when dropIncomplete=false")
		}
		yielded += n
	}
	assert.Equal(t, len(mols), yielded)

	// After Reset a new epoch starts.
	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestDatasetInfiniteAndShuffle(t *testing.T) {
	mols, targets := trainingMolecules()
	ds, err := NewDataset("infinite", mols, targets, testAtomDim, testBondDim)
	require.NoError(t, err)
	ds.BatchSize(5, true).Shuffle().Infinite()

	seen := make(map[string]bool)
	for ii := 0; ii < 10; ii++ {
		_, _, labels, err := ds.Yield()
		require.NoError(t, err, "infinite dataset must never end")
		require.Equal(t, 5, labels[0].Shape().Dim(0))
		seen[fmt.Sprint(labels[0].Value())] = true
	}
	assert.Greater(t, len(seen), 1, "shuffling should produce different batch orders")
}

func TestDatasetErrors(t *testing.T) {
	mols, targets := trainingMolecules()
	_, err := NewDataset("empty", nil, nil, testAtomDim, testBondDim)
	require.Error(t, err)
	_, err = NewDataset("mismatch", mols, targets[:2], testAtomDim, testBondDim)
	require.Error(t, err)
	_, err = NewDataset("ragged", mols, append([][]float32{{1, 2}}, targets[1:]...), testAtomDim, testBondDim)
	require.Error(t, err)

	ds, err := NewDataset("extra", mols, targets, testAtomDim, testBondDim)
	require.NoError(t, err)
	_, err = ds.WithExtraFeatures([][]float32{{1}})
	require.Error(t, err)
}

func TestModelConfigValidate(t *testing.T) {
	valid := ModelConfig{Encoder: testEncoderConfig(), Task: TaskRegression, NumTasks: 1}
	require.NotPanics(t, valid.Validate)

	for name, mutate := range map[string]func(*ModelConfig){
		"no_targets":          func(c *ModelConfig) { c.NumTasks = 0 },
		"multiclass_1_class":  func(c *ModelConfig) { c.Task = TaskMulticlass; c.NumClasses = 1 },
		"bad_encoder":         func(c *ModelConfig) { c.Encoder.Depth = 0 },
		"hidden_layers_width": func(c *ModelConfig) { c.FFNNumLayers = 2 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			require.Panics(t, cfg.Validate)
		})
	}
}
