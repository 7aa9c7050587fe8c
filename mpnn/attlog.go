// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpnn

import . "github.com/gomlx/gomlx/graph"

// AttentionWeights is one attention matrix recorded during Encode, for
// external visualization. Round is -1 for readout-time attention.
type AttentionWeights struct {
	// Name identifies the attention site: "message", "global", "self" or
	// "set2set".
	Name string

	// Round is the message passing round the weights were computed at,
	// starting at 1, or -1 for readout attention. For set2set it is the
	// iteration number instead, starting at 0.
	Round int

	// Weights holds the post-softmax attention weights. The shape depends
	// on the site, see Encoder.
	Weights *Node
}

// AttentionLog collects the attention weights computed during one Encode
// call. Attach it with Encoder.WithAttentionLog; a nil log records nothing
// and recording never changes the encoder output.
type AttentionLog struct {
	entries []AttentionWeights
}

func (l *AttentionLog) record(name string, round int, weights *Node) {
	if l == nil {
		return
	}
	l.entries = append(l.entries, AttentionWeights{Name: name, Round: round, Weights: weights})
}

// Entries returns the recorded attention matrices, in computation order.
func (l *AttentionLog) Entries() []AttentionWeights {
	if l == nil {
		return nil
	}
	return l.entries
}

// Nodes returns just the weight nodes, convenient as extra graph outputs.
func (l *AttentionLog) Nodes() []*Node {
	if l == nil {
		return nil
	}
	nodes := make([]*Node, 0, len(l.entries))
	for _, entry := range l.entries {
		nodes = append(nodes, entry.Weights)
	}
	return nodes
}

// Reset drops the recorded entries so the log can be reused across Encode
// calls (each graph build records into a fresh slate).
func (l *AttentionLog) Reset() {
	if l == nil {
		return
	}
	l.entries = l.entries[:0]
}
