// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// worstFinalized tracks the lowest scoring finalized hypothesis of a sentence.
// idx is -1 while the sentence has fewer than beamSize hypotheses.
type worstFinalized struct {
	idx   int
	score float64
}

// finalizer keeps the completed hypotheses of each sentence and decides when a sentence is done.
type finalizer struct {
	beamSize        int
	maxLen          int
	eos             int32
	stopEarly       bool
	normalizeScores bool
	lengthPenalty   float64

	finalized    [][]*Hypothesis
	finished     []bool
	worst        []worstFinalized
	numRemaining int

	// sentsSeen is scratch space for finalize.
	sentsSeen []bool
}

func newFinalizer(d *Decoder, batchSize, beamSize, maxLen int, eos int32) *finalizer {
	f := &finalizer{
		beamSize:        beamSize,
		maxLen:          maxLen,
		eos:             eos,
		stopEarly:       d.StopEarly,
		normalizeScores: d.NormalizeScores,
		lengthPenalty:   d.LengthPenalty,
		finalized:       make([][]*Hypothesis, batchSize),
		finished:        make([]bool, batchSize),
		worst:           make([]worstFinalized, batchSize),
		numRemaining:    batchSize,
		sentsSeen:       make([]bool, batchSize),
	}
	for sent := range batchSize {
		f.finalized[sent] = make([]*Hypothesis, 0, beamSize)
		f.worst[sent] = worstFinalized{idx: -1, score: math.Inf(-1)}
	}
	return f
}

// normalize applies the length penalty to a raw score of a hypothesis with length tokens.
func (f *finalizer) normalize(score float64, length int) float64 {
	if !f.normalizeScores {
		return score
	}
	return score / math.Pow(float64(length), f.lengthPenalty)
}

// hypothesis builds the completed hypothesis ending at step for slot, reading the current arena of state.
func (f *finalizer) hypothesis(state *searchState, withAttention bool, step, slot int, eosScore float64) *Hypothesis {
	length := step + 1
	h := &Hypothesis{
		Tokens:           make([]int32, length),
		PositionalScores: make([]float64, length),
		Score:            f.normalize(eosScore, length),
	}
	copy(h.Tokens, state.tokensRow(slot)[1:length])
	h.Tokens[step] = f.eos

	cumulative := state.scoresRow(slot)
	copy(h.PositionalScores, cumulative[:step])
	h.PositionalScores[step] = eosScore
	for pos := length - 1; pos > 0; pos-- {
		h.PositionalScores[pos] -= h.PositionalScores[pos-1]
	}

	if withAttention {
		h.Attention = make([][]float64, state.srcLen)
		for srcPos := range state.srcLen {
			row := make([]float64, length)
			for pos := range length {
				row[pos] = state.attentionAt(slot, srcPos, pos+1)
			}
			h.Attention[srcPos] = row
		}
		h.Alignment = make([]int, length)
		column := make([]float64, state.srcLen)
		for pos := range length {
			for srcPos := range state.srcLen {
				column[srcPos] = h.Attention[srcPos][pos]
			}
			if state.srcLen > 0 {
				h.Alignment[pos] = floats.MaxIdx(column)
			}
		}
	}
	return h
}

// updateWorst rescans the finalized hypotheses of sent for the lowest score.
func (f *finalizer) updateWorst(sent int) {
	hypos := f.finalized[sent]
	worst := worstFinalized{idx: 0, score: hypos[0].Score}
	for ii, h := range hypos[1:] {
		if h.Score < worst.score {
			worst = worstFinalized{idx: ii + 1, score: h.Score}
		}
	}
	f.worst[sent] = worst
}

// add the hypothesis built by makeHypo to sent, if there is room or it beats the worst one.
func (f *finalizer) add(sent int, score float64, makeHypo func() *Hypothesis) {
	hypos := f.finalized[sent]
	if len(hypos) < f.beamSize {
		f.finalized[sent] = append(hypos, makeHypo())
		if len(f.finalized[sent]) == f.beamSize {
			f.updateWorst(sent)
		}
		return
	}
	if f.stopEarly || score <= f.worst[sent].score {
		return
	}
	hypos[f.worst[sent].idx] = makeHypo()
	f.updateWorst(sent)
}

// finalize the given slots at step, with the given (raw) EOS scores.
//
// The slots must be in preference order: for a sentence, earlier entries are kept over later ones with
// the same score. bestUnfinalized holds, per sentence, the best raw score among the candidates that will
// keep searching, or -Inf if there is none; it's nil when no candidate continues (last step).
//
// Slots of sentences already finished are ignored. It returns the number of sentences that finished.
func (f *finalizer) finalize(state *searchState, withAttention bool, step int, slots []int, eosScores []float64,
	bestUnfinalized []float64) int {
	if len(slots) != len(eosScores) {
		exceptions.Panicf("finalize(step=%d): %d slots but %d scores", step, len(slots), len(eosScores))
	}
	clear(f.sentsSeen)
	for ii, slot := range slots {
		sent := slot / f.beamSize
		if f.finished[sent] {
			continue
		}
		f.sentsSeen[sent] = true
		score := f.normalize(eosScores[ii], step+1)
		f.add(sent, score, func() *Hypothesis {
			return f.hypothesis(state, withAttention, step, slot, eosScores[ii])
		})
	}

	var numFinished int
	for sent, seen := range f.sentsSeen {
		if !seen || f.finished[sent] {
			continue
		}
		var best float64
		hasBest := false
		if bestUnfinalized != nil && !math.IsInf(bestUnfinalized[sent], -1) {
			best, hasBest = bestUnfinalized[sent], true
		}
		if f.isFinished(sent, step, best, hasBest) {
			f.finished[sent] = true
			numFinished++
			klog.V(2).Infof("sentence %d finished at step %d with %d hypotheses", sent, step, len(f.finalized[sent]))
		}
	}
	f.numRemaining -= numFinished
	if f.numRemaining < 0 {
		exceptions.Panicf("finalize(step=%d): number of remaining sentences became negative (%d)", step, f.numRemaining)
	}
	return numFinished
}

// isFinished checks whether the search for sent is over, by comparing the worst finalized score with the
// best score among the hypotheses still being searched.
func (f *finalizer) isFinished(sent, step int, bestUnfinalized float64, hasUnfinalized bool) bool {
	numHypos := len(f.finalized[sent])
	if numHypos > f.beamSize {
		exceptions.Panicf("sentence %d has %d finalized hypotheses, more than the beam size %d", sent, numHypos, f.beamSize)
	}
	if numHypos < f.beamSize {
		return false
	}
	if f.stopEarly || step == f.maxLen || !hasUnfinalized {
		return true
	}
	// Raw scores only decrease as hypotheses grow, and an unfinalized hypothesis will end with a length in
	// [step+2, maxLen+1]: the normalized score it can reach is bounded by the extremes of that range.
	best := max(f.normalize(bestUnfinalized, step+2), f.normalize(bestUnfinalized, f.maxLen+1))
	return f.worst[sent].score >= best
}

// results returns the finalized hypotheses of each sentence, sorted by score descending.
func (f *finalizer) results() [][]*Hypothesis {
	for sent, hypos := range f.finalized {
		if !f.finished[sent] {
			exceptions.Panicf("search ended with sentence %d not finished (%d hypotheses)", sent, len(hypos))
		}
		slices.SortStableFunc(hypos, func(a, b *Hypothesis) int {
			switch {
			case a.Score > b.Score:
				return -1
			case a.Score < b.Score:
				return 1
			}
			return 0
		})
	}
	return f.finalized
}
