// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chemprop

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NewTrainer wires the model into a train.Trainer. The optimizer and its
// hyperparameters come from the context (see optimizers.FromContext), so set
// e.g. optimizers.ParamLearningRate there before calling.
func (m *Model) NewTrainer(backend backends.Backend, ctx *context.Context) *train.Trainer {
	var trainMetrics, evalMetrics []metrics.Interface
	switch m.cfg.Task {
	case TaskBinaryClassification:
		trainMetrics = append(trainMetrics,
			metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01))
		evalMetrics = append(evalMetrics,
			metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc"))
	case TaskMulticlass:
		if m.cfg.NumTasks == 1 {
			trainMetrics = append(trainMetrics,
				metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01))
			evalMetrics = append(evalMetrics,
				metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc"))
		}
	}
	return train.NewTrainer(backend, ctx, m.BuildGraph, m.Loss,
		optimizers.FromContext(ctx), trainMetrics, evalMetrics)
}

// Fit runs numSteps training steps of the model over the dataset, with a
// progress bar. The dataset should be configured Infinite (or hold at least
// numSteps batches).
func (m *Model) Fit(backend backends.Backend, ctx *context.Context, ds train.Dataset, numSteps int) error {
	trainer := m.NewTrainer(backend, ctx)
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	klog.V(1).Infof("training %s model (%d targets) on %q for %d steps",
		m.cfg.Task, m.cfg.NumTasks, ds.Name(), numSteps)
	if _, err := loop.RunSteps(ds, numSteps); err != nil {
		return errors.Wrapf(err, "training on dataset %q", ds.Name())
	}
	return nil
}

// Evaluate runs the trainer's eval metrics and loss over the dataset and
// pretty-prints them. The dataset must be finite.
func (m *Model) Evaluate(trainer *train.Trainer, datasets ...train.Dataset) error {
	return commandline.ReportEval(trainer, datasets...)
}
