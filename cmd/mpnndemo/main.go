// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mpnndemo trains a message passing model on a synthetic solubility-style
// regression task and prints sample predictions. It is a smoke test and a
// usage example; plug in a real featurizer for real work.
//
// Model hyperparameters can be set with --set, e.g.:
//
//	mpnndemo --steps=2000 --set="mpnn_depth=4;mpnn_readout=set2set"
package main

import (
	"flag"
	"fmt"
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/chemprop"
	"github.com/gomlx/chemprop/molgraph"
	"github.com/gomlx/chemprop/mpnn"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const (
	atomFeatureDim = 4
	bondFeatureDim = 2
)

var (
	flagSteps      = flag.Int("steps", 1000, "Number of training steps.")
	flagBatchSize  = flag.Int("batch", 32, "Molecules per training batch.")
	flagMolecules  = flag.Int("molecules", 512, "Size of the synthetic training set.")
	flagLR         = flag.Float64("learning_rate", 1e-3, "Learning rate.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save/load the model checkpoint. Empty disables checkpointing.")
)

// randomMolecule samples a connected molecule with 2 to 12 atoms: a random
// spanning tree plus a few extra bonds.
func randomMolecule(rng *rand.Rand) *molgraph.Molecule {
	numAtoms := 2 + rng.Intn(11)
	mol := &molgraph.Molecule{}
	for ii := 0; ii < numAtoms; ii++ {
		features := make([]float32, atomFeatureDim)
		for jj := range features {
			features[jj] = rng.Float32()
		}
		mol.AtomFeatures = append(mol.AtomFeatures, features)
	}
	addBond := func(a, b int) {
		mol.Bonds = append(mol.Bonds, molgraph.Bond{
			Atom1: a, Atom2: b,
			Features: []float32{rng.Float32(), rng.Float32()},
		})
	}
	for ii := 1; ii < numAtoms; ii++ {
		addBond(rng.Intn(ii), ii)
	}
	for ii := 0; ii < numAtoms/4; ii++ {
		a, b := rng.Intn(numAtoms), rng.Intn(numAtoms)
		if a != b {
			addBond(a, b)
		}
	}
	return mol
}

// syntheticTarget is the regression target the model should learn: a smooth
// function of the graph's feature statistics.
func syntheticTarget(mol *molgraph.Molecule) float32 {
	var sum float32
	for _, features := range mol.AtomFeatures {
		sum += features[0] - 0.5*features[1]
	}
	for _, bond := range mol.Bonds {
		sum += 0.25 * bond.Features[0]
	}
	return sum / float32(mol.NumAtoms())
}

func main() {
	ctx := context.New()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	klog.InitFlags(nil)
	flag.Parse()

	ctx.SetParam(optimizers.ParamLearningRate, *flagLR)
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.New()
	fmt.Printf("Backend: %s (%s)\n", backend.Name(), backend.Description())

	// Synthetic training set.
	rng := rand.New(rand.NewSource(42))
	mols := make([]*molgraph.Molecule, *flagMolecules)
	targets := make([][]float32, *flagMolecules)
	for ii := range mols {
		mols[ii] = randomMolecule(rng)
		targets[ii] = []float32{syntheticTarget(mols[ii])}
	}
	trainDS := must.M1(chemprop.NewDataset("synthetic train", mols, targets, atomFeatureDim, bondFeatureDim))
	trainDS.BatchSize(*flagBatchSize, true).Shuffle().Infinite()

	encoderCfg := mpnn.FromContext(ctx)
	encoderCfg.AtomFeatureDim = atomFeatureDim
	encoderCfg.BondFeatureDim = bondFeatureDim
	encoderCfg.HiddenDim = 64
	model := chemprop.NewModel(chemprop.ModelConfig{
		Encoder:      encoderCfg,
		Task:         chemprop.TaskRegression,
		NumTasks:     1,
		FFNNumLayers: 1,
		FFNHiddenDim: 64,
	})
	fmt.Printf("Encoder: depth=%d, hidden=%d, aggregation=%s, readout=%s\n",
		encoderCfg.Depth, encoderCfg.HiddenDim, encoderCfg.Aggregation, encoderCfg.Readout)

	if *flagCheckpoint != "" {
		checkpoint := must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done())
		fmt.Printf("Checkpointing to %q\n", checkpoint.Dir())
		defer func() { must.M(checkpoint.Save()) }()
	}

	must.M(model.Fit(backend, ctx, trainDS, *flagSteps))

	// Held-out sample predictions.
	predictor := model.NewPredictor(backend, ctx)
	testMols := make([]*molgraph.Molecule, 8)
	for ii := range testMols {
		testMols[ii] = randomMolecule(rng)
	}
	predictions := must.M1(predictor.Predict(testMols, nil))
	rows := predictions.Value().([][]float32)
	fmt.Println("\nHeld-out predictions:")
	for ii, mol := range testMols {
		fmt.Printf("\t%s:\ttarget=%+.3f\tpredicted=%+.3f\n", mol, syntheticTarget(mol), rows[ii][0])
	}
}
