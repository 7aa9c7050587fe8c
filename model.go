// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package chemprop assembles molecular property prediction models: a message
// passing encoder (see the mpnn package) followed by a feedforward head, plus
// the dataset and training plumbing to fit them on featurized molecules (see
// the molgraph package).
package chemprop

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train/losses"

	"github.com/gomlx/chemprop/molgraph"
	"github.com/gomlx/chemprop/mpnn"
)

// TaskType selects the prediction head's output and loss.
type TaskType int

const (
	// TaskRegression predicts NumTasks real values per molecule with a mean
	// squared error loss.
	TaskRegression TaskType = iota

	// TaskBinaryClassification predicts NumTasks independent binary targets
	// per molecule, trained on logits with binary cross-entropy.
	TaskBinaryClassification

	// TaskMulticlass predicts, for each of NumTasks targets, one of
	// NumClasses classes, trained with sparse categorical cross-entropy.
	TaskMulticlass
)

// String implements fmt.Stringer.
func (t TaskType) String() string {
	switch t {
	case TaskRegression:
		return "regression"
	case TaskBinaryClassification:
		return "classification"
	case TaskMulticlass:
		return "multiclass"
	}
	return "invalid"
}

// ModelConfig defines a full property prediction model: encoder plus head.
type ModelConfig struct {
	// Encoder architecture. Its feature dimensions also fix the expected
	// molgraph packing widths.
	Encoder mpnn.Config

	// Task and the number of predicted targets per molecule. NumClasses is
	// only used by TaskMulticlass.
	Task       TaskType
	NumTasks   int
	NumClasses int

	// Head: number of hidden layers and their width. Zero hidden layers
	// mean a single affine projection from the embedding to the outputs.
	FFNNumLayers int
	FFNHiddenDim int
	FFNDropout   float64

	// ExtraFeaturesDim, when positive, declares per-molecule auxiliary
	// feature vectors concatenated to the embedding before the head. They
	// are fed as one extra input tensor after the packed batch.
	ExtraFeaturesDim int
}

// Validate panics on inconsistent configurations, including the encoder's.
func (c ModelConfig) Validate() {
	c.Encoder.Validate()
	if c.NumTasks < 1 {
		Panicf("chemprop: model needs at least 1 prediction target, got %d", c.NumTasks)
	}
	if c.Task == TaskMulticlass && c.NumClasses < 2 {
		Panicf("chemprop: multiclass task needs at least 2 classes, got %d", c.NumClasses)
	}
	if c.FFNNumLayers < 0 {
		Panicf("chemprop: negative number of head hidden layers (%d)", c.FFNNumLayers)
	}
	if c.FFNNumLayers > 0 && c.FFNHiddenDim < 1 {
		Panicf("chemprop: head hidden layers need a positive width, got %d", c.FFNHiddenDim)
	}
	if c.ExtraFeaturesDim < 0 {
		Panicf("chemprop: negative extra features width (%d)", c.ExtraFeaturesDim)
	}
}

// Model is a configured property prediction model. Like the encoder it holds
// no learned state itself, only the architecture; weights live in the
// context the graph methods are called with.
type Model struct {
	cfg     ModelConfig
	encoder *mpnn.Encoder
}

// NewModel validates the configuration and builds the model.
func NewModel(cfg ModelConfig) *Model {
	cfg.Validate()
	return &Model{cfg: cfg, encoder: mpnn.New(cfg.Encoder)}
}

// Config returns the model configuration.
func (m *Model) Config() ModelConfig { return m.cfg }

// Encoder returns the model's message passing encoder, e.g. to attach an
// attention log.
func (m *Model) Encoder() *mpnn.Encoder { return m.encoder }

// outputDim is the width of the head's final affine projection.
func (m *Model) outputDim() int {
	if m.cfg.Task == TaskMulticlass {
		return m.cfg.NumTasks * m.cfg.NumClasses
	}
	return m.cfg.NumTasks
}

// BuildGraph is the train.ModelFn: it maps one packed batch (in
// molgraph.Batch.Inputs order, plus the optional extra features tensor) to
// logits. Regression and binary tasks yield [batch, NumTasks], multiclass
// yields [batch, NumTasks, NumClasses].
func (m *Model) BuildGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	embedding := m.EmbedGraph(ctx, inputs)
	if m.cfg.ExtraFeaturesDim > 0 {
		if len(inputs) < molgraph.NumInputs+1 {
			Panicf("chemprop: model configured with extra features of width %d but batch has no extra input tensor",
				m.cfg.ExtraFeaturesDim)
		}
		embedding = Concatenate([]*Node{embedding, inputs[molgraph.NumInputs]}, -1)
	}

	head := fnn.New(ctx.In("head"), embedding, m.outputDim()).
		NumHiddenLayers(m.cfg.FFNNumLayers, m.cfg.FFNHiddenDim).
		Activation(activations.FromName(m.cfg.Encoder.Activation))
	if m.cfg.FFNDropout > 0 {
		head = head.Dropout(m.cfg.FFNDropout)
	}
	logits := head.Done()

	if m.cfg.Task == TaskMulticlass {
		logits = Reshape(logits, logits.Shape().Dim(0), m.cfg.NumTasks, m.cfg.NumClasses)
	}
	return []*Node{logits}
}

// EmbedGraph returns only the per-molecule embeddings ("fingerprints"),
// without the prediction head.
func (m *Model) EmbedGraph(ctx *context.Context, inputs []*Node) *Node {
	return m.encoder.Encode(ctx, molgraph.FromNodes(inputs))
}

// PredictGraph builds the inference outputs: raw values for regression,
// probabilities for the classification tasks.
func (m *Model) PredictGraph(ctx *context.Context, inputs []*Node) *Node {
	logits := m.BuildGraph(ctx, nil, inputs)[0]
	switch m.cfg.Task {
	case TaskBinaryClassification:
		return Sigmoid(logits)
	case TaskMulticlass:
		return Softmax(logits)
	}
	return logits
}

// Loss is the train.LossFn matching the configured task.
func (m *Model) Loss(labels, predictions []*Node) *Node {
	switch m.cfg.Task {
	case TaskBinaryClassification:
		return losses.BinaryCrossentropyLogits(labels, predictions)
	case TaskMulticlass:
		logits := predictions[0]
		batchSize := logits.Shape().Dim(0)
		flatLogits := Reshape(logits, batchSize*m.cfg.NumTasks, m.cfg.NumClasses)
		flatLabels := Reshape(labels[0], batchSize*m.cfg.NumTasks, 1)
		return losses.SparseCategoricalCrossEntropyLogits([]*Node{flatLabels}, []*Node{flatLogits})
	}
	return losses.MeanSquaredError(labels, predictions)
}
