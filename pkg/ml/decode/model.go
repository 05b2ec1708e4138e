// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

// SpecialTokens holds the ids of the markers the search treats specially.
// All models of an ensemble must agree on them.
type SpecialTokens struct {
	// Pad fills unused positions and is never selected.
	Pad int32

	// EOS is the sentence-boundary marker: it starts every hypothesis and terminates completed ones.
	EOS int32

	// Unk is the unknown-token marker, penalized by Decoder.UnkPenalty.
	Unk int32
}

// EncoderOutput is the opaque encoder summary returned by Model.Encode and handed back to Model.Decode.
type EncoderOutput any

// IncrementalState is the opaque per-call decoder cache of an IncrementalModel.
type IncrementalState any

// Distribution is the output of one decoding step of a Model, for all slots (batch*beam rows).
type Distribution struct {
	// Probs holds next-token probabilities (not log-probabilities), shaped [numSlots, vocabSize] and
	// flattened row-major.
	Probs []float64

	// Attention holds the attention weights over the source positions, shaped [numSlots, srcLen] and
	// flattened row-major. It is nil if the model has no attention.
	Attention []float64
}

// Model is a sequence model that can take part in an ensemble.
//
// The decoder only uses it as a capability: encode a (beam-replicated) batch of sources once, and then
// for each step return the distribution of the next token given the prefixes decoded so far.
type Model interface {
	// VocabSize is the number of distinct target tokens.
	VocabSize() int

	// SpecialTokens used by the model's target dictionary.
	SpecialTokens() SpecialTokens

	// MaxDecoderPositions is the longest target sequence the model supports.
	MaxDecoderPositions() int

	// Encode the sources. srcTokens is shaped [numSlots, srcLen] (padded) and srcLengths holds
	// the valid length of each row.
	Encode(srcTokens [][]int32, srcLengths []int) (EncoderOutput, error)

	// Decode returns the next-token distribution for each of the prefixes.
	//
	// Each prefix starts with the EOS marker. The prefixes slices are only valid during the call.
	// state is nil for models that don't implement IncrementalModel.
	Decode(prefixes [][]int32, encoderOut EncoderOutput, state IncrementalState) (*Distribution, error)
}

// IncrementalModel is a Model that keeps per-slot state across decoding steps.
//
// The state is allocated per Decoder.Decode call, so the model itself can be shared (read-only) by
// concurrent calls.
type IncrementalModel interface {
	Model

	// InitIncrementalState creates an empty state for numSlots rows.
	InitIncrementalState(numSlots int) IncrementalState

	// ReorderIncrementalState rearranges the state so that row i holds what was previously in row order[i].
	// It is called after every step that continues, before the model is queried again.
	ReorderIncrementalState(state IncrementalState, order []int) error
}

// Evaluator is implemented by models that have a distinct inference mode (e.g. with dropout disabled).
// Unless Decoder.RetainDropout is set, Eval is called on each model before the search starts, so it
// may be called by concurrent Decode calls and must be safe for that.
type Evaluator interface {
	Eval()
}
