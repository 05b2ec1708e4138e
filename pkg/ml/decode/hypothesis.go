// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Batch is one generate call worth of sources.
type Batch struct {
	// IDs of the sentences, used only to label results. Optional.
	IDs []int

	// SrcTokens shaped [batchSize, srcLen]: all rows must have the same (padded) length.
	SrcTokens [][]int32

	// SrcLengths holds the number of valid tokens in each row of SrcTokens.
	SrcLengths []int

	// PrefixTokens, if set, holds for each row the tokens forced as the start of every hypothesis.
	// Rows can have different lengths, including zero.
	PrefixTokens [][]int32

	// Targets are optional reference sequences, passed through to Translation.Reference.
	Targets [][]int32
}

// Size returns the number of sentences in the batch.
func (b *Batch) Size() int {
	return len(b.SrcTokens)
}

// SrcLen returns the (padded) source length of the batch.
func (b *Batch) SrcLen() int {
	if len(b.SrcTokens) == 0 {
		return 0
	}
	return len(b.SrcTokens[0])
}

// Hypothesis is a completed (finalized) output sequence. It is immutable once returned.
type Hypothesis struct {
	// Tokens excluding the leading boundary marker and including the trailing one.
	Tokens []int32

	// Score of the hypothesis: the sum of the token log-probabilities, divided by
	// len(Tokens)^LengthPenalty if the Decoder normalizes scores.
	Score float64

	// PositionalScores holds the log-probability contribution of each token, so
	// their sum is the raw (not normalized) score.
	PositionalScores []float64

	// Attention shaped [srcLen][len(Tokens)]. Nil if none of the models provide attention.
	Attention [][]float64

	// Alignment holds for each target position the source position with the highest attention.
	// Nil if Attention is nil.
	Alignment []int
}

// Len returns the number of tokens, including the terminal boundary marker.
func (h *Hypothesis) Len() int {
	return len(h.Tokens)
}

// RawScore returns the sum of the positional scores.
func (h *Hypothesis) RawScore() float64 {
	return floats.Sum(h.PositionalScores)
}

// String implements fmt.Stringer.
func (h *Hypothesis) String() string {
	parts := make([]string, len(h.Tokens))
	for ii, t := range h.Tokens {
		parts[ii] = fmt.Sprintf("%d", t)
	}
	return fmt.Sprintf("Hypothesis(score=%.4f, tokens=[%s])", h.Score, strings.Join(parts, " "))
}
