// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chemprop

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/chemprop/molgraph"
)

// Predictor runs a trained model on raw molecules: it packs them, executes
// the inference graph (probabilities for classification tasks, raw values
// for regression) and returns one row per molecule. The compiled graph is
// cached per batch shape.
type Predictor struct {
	model       *Model
	predictExec *context.Exec
	embedExec   *context.Exec
}

// NewPredictor builds a predictor over the given context, typically after
// Fit (or after loading a checkpoint into ctx).
func (m *Model) NewPredictor(backend backends.Backend, ctx *context.Context) *Predictor {
	return &Predictor{
		model: m,
		predictExec: context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
			return m.PredictGraph(ctx, inputs)
		}),
		embedExec: context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
			return m.EmbedGraph(ctx, inputs)
		}),
	}
}

func (p *Predictor) pack(mols []*molgraph.Molecule, extra [][]float32) ([]*tensors.Tensor, error) {
	cfg := p.model.cfg
	batch, err := molgraph.Pack(mols, cfg.Encoder.AtomFeatureDim, cfg.Encoder.BondFeatureDim)
	if err != nil {
		return nil, err
	}
	inputs := batch.Inputs()
	if cfg.ExtraFeaturesDim > 0 {
		if len(extra) != len(mols) {
			return nil, errors.Errorf("model expects extra features for each of the %d molecules, got %d rows",
				len(mols), len(extra))
		}
		flat := make([]float32, 0, len(extra)*cfg.ExtraFeaturesDim)
		for ii, row := range extra {
			if len(row) != cfg.ExtraFeaturesDim {
				return nil, errors.Errorf("extra features row #%d has width %d, model expects %d",
					ii, len(row), cfg.ExtraFeaturesDim)
			}
			flat = append(flat, row...)
		}
		inputs = append(inputs, tensors.FromFlatDataAndDimensions(flat, len(mols), cfg.ExtraFeaturesDim))
	} else if len(extra) > 0 {
		return nil, errors.New("model was not configured with extra features")
	}
	return inputs, nil
}

// Predict returns the model outputs for the molecules, ordered as given:
// [n, NumTasks] for regression and binary classification (probabilities),
// [n, NumTasks, NumClasses] for multiclass (per-class probabilities).
// extra may be nil unless the model was configured with extra features.
func (p *Predictor) Predict(mols []*molgraph.Molecule, extra [][]float32) (*tensors.Tensor, error) {
	inputs, err := p.pack(mols, extra)
	if err != nil {
		return nil, err
	}
	return p.predictExec.Call(inputs)[0], nil
}

// Embed returns the encoder embeddings ("fingerprints") of the molecules,
// shaped [n, HiddenDim], skipping the prediction head.
func (p *Predictor) Embed(mols []*molgraph.Molecule) (*tensors.Tensor, error) {
	cfg := p.model.cfg
	batch, err := molgraph.Pack(mols, cfg.Encoder.AtomFeatureDim, cfg.Encoder.BondFeatureDim)
	if err != nil {
		return nil, err
	}
	return p.embedExec.Call(batch.Inputs())[0], nil
}
