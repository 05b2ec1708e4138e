// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"context"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// stepper drives a batch of searches forward one step at a time.
type stepper struct {
	callID                                string
	batchSize, beamSize, candSize, maxLen int
	numSlots, vocabSize                   int
	minLength                             int
	unkPenalty                            float64
	special                               SpecialTokens
	prefixTokens                          [][]int32

	state         *searchState
	ensemble      *ensemble
	finalizer     *finalizer
	withAttention bool

	// Candidates per sentence: candSize entries each, the first candLen[sent] of them valid.
	candScores []float64
	candTokens []int32
	candSlots  []int
	candLen    []int
	topK       topKHeap

	// Finalization of EOS candidates.
	eosSlots        []int
	eosScores       []float64
	bestUnfinalized []float64

	// Next step's active beams, one per slot.
	nextParents []int
	nextTokens  []int32
	nextScores  []float64
}

func newStepper(callID string, batchSize, beamSize, maxLen, vocabSize, minLength int, unkPenalty float64,
	special SpecialTokens, prefixTokens [][]int32, state *searchState, ens *ensemble, fin *finalizer) *stepper {
	numSlots := batchSize * beamSize
	candSize := 2 * beamSize
	return &stepper{
		callID:          callID,
		batchSize:       batchSize,
		beamSize:        beamSize,
		candSize:        candSize,
		maxLen:          maxLen,
		numSlots:        numSlots,
		vocabSize:       vocabSize,
		minLength:       minLength,
		unkPenalty:      unkPenalty,
		special:         special,
		prefixTokens:    prefixTokens,
		state:           state,
		ensemble:        ens,
		finalizer:       fin,
		candScores:      make([]float64, batchSize*candSize),
		candTokens:      make([]int32, batchSize*candSize),
		candSlots:       make([]int, batchSize*candSize),
		candLen:         make([]int, batchSize),
		topK:            make(topKHeap, 0, candSize),
		eosSlots:        make([]int, 0, numSlots),
		eosScores:       make([]float64, 0, numSlots),
		bestUnfinalized: make([]float64, batchSize),
		nextParents:     make([]int, numSlots),
		nextTokens:      make([]int32, numSlots),
		nextScores:      make([]float64, numSlots),
	}
}

// run the search until all sentences are finished. It returns the number of steps executed.
func (s *stepper) run(ctx context.Context) (int, error) {
	var reorder []int
	for step := 0; step <= s.maxLen; step++ {
		if err := ctx.Err(); err != nil {
			return step, errors.Wrapf(err, "decoding interrupted before step %d", step)
		}
		if reorder != nil {
			if err := s.ensemble.reorder(reorder); err != nil {
				return step, err
			}
		}
		lprobs, attn, err := s.ensemble.logProbs(s.state.prefixesAt(step))
		if err != nil {
			return step, errors.WithMessagef(err, "step %d", step)
		}
		if step == 0 {
			s.withAttention = attn != nil && s.state.hasAttention()
		}
		s.extend(step, lprobs)
		s.state.setAttention(step, attn)

		if step == s.maxLen {
			s.finalizeAll(step, lprobs)
			if s.finalizer.numRemaining != 0 {
				exceptions.Panicf("%d sentences not finished after the last step %d", s.finalizer.numRemaining, step)
			}
			return step + 1, nil
		}

		s.candidates(step, lprobs)
		if step >= s.minLength {
			s.finalizeEOS(step)
		}
		if s.finalizer.numRemaining == 0 {
			klog.V(2).Infof("decode %s: all sentences finished at step %d", s.callID, step)
			return step + 1, nil
		}

		s.selectActive(step)
		s.state.commit(step, s.nextParents, s.nextTokens, s.nextScores)
		reorder = s.nextParents
		if klog.V(3).Enabled() {
			klog.Infof("decode %s: step %d, %d sentences remaining", s.callID, step, s.finalizer.numRemaining)
		}
	}
	exceptions.Panicf("search loop exited without reaching the last step %d", s.maxLen)
	return 0, nil
}

// rowsAt returns the number of beams scored at step: only the first beam on step 0, since all beams
// of a sentence start identical.
func (s *stepper) rowsAt(step int) int {
	if step == 0 {
		return 1
	}
	return s.beamSize
}

// extend turns the per-token log-probabilities into scores of the extended paths: adds the cumulative score
// of each slot (except on step 0), forbids Pad and penalizes Unk.
func (s *stepper) extend(step int, lprobs []float64) {
	negInf := math.Inf(-1)
	for sent := range s.batchSize {
		if s.finalizer.finished[sent] {
			continue
		}
		for beam := range s.rowsAt(step) {
			slot := sent*s.beamSize + beam
			row := lprobs[slot*s.vocabSize : (slot+1)*s.vocabSize]
			if step > 0 {
				prev := s.state.scoresRow(slot)[step-1]
				for ii := range row {
					row[ii] += prev
				}
			}
			row[s.special.Pad] = negInf
			row[s.special.Unk] -= s.unkPenalty
		}
	}
}

// forcedToken returns the prefix token forced for sent at step, if any.
func (s *stepper) forcedToken(sent, step int) (int32, bool) {
	if s.prefixTokens == nil || step >= len(s.prefixTokens[sent]) {
		return 0, false
	}
	return s.prefixTokens[sent][step], true
}

// candidates fills the candidate buffers with the best 2*beamSize (score, token, parent slot) of each
// unfinished sentence, best first. Twice the beam size so that there are enough non-EOS candidates
// to continue even if half of them end the sentence.
func (s *stepper) candidates(step int, lprobs []float64) {
	for sent := range s.batchSize {
		if s.finalizer.finished[sent] {
			s.candLen[sent] = 0
			continue
		}
		base := sent * s.candSize
		firstSlot := sent * s.beamSize

		if token, forced := s.forcedToken(sent, step); forced {
			// Prefix decoding overrides the search: every candidate continues beam 0 with the forced token.
			score := lprobs[firstSlot*s.vocabSize+int(token)]
			for ii := range s.candSize {
				s.candScores[base+ii] = score
				s.candTokens[base+ii] = token
				s.candSlots[base+ii] = firstSlot
			}
			s.candLen[sent] = s.candSize
			continue
		}

		flat := lprobs[firstSlot*s.vocabSize : (firstSlot+s.rowsAt(step))*s.vocabSize]
		k := min(s.candSize, len(flat)-1) // -1 so Pad is never selected.
		s.topK = topK(s.topK, flat, k)
		for ii, entry := range s.topK {
			s.candScores[base+ii] = entry.score
			s.candTokens[base+ii] = int32(entry.index % s.vocabSize)
			s.candSlots[base+ii] = firstSlot + entry.index/s.vocabSize
		}
		s.candLen[sent] = len(s.topK)
	}
}

// finalizeEOS finalizes the EOS candidates among the first beamSize candidates of each sentence.
func (s *stepper) finalizeEOS(step int) {
	s.eosSlots = s.eosSlots[:0]
	s.eosScores = s.eosScores[:0]
	for sent := range s.batchSize {
		s.bestUnfinalized[sent] = math.Inf(-1)
		if s.finalizer.finished[sent] {
			continue
		}
		base := sent * s.candSize
		for ii := range s.candLen[sent] {
			if s.candTokens[base+ii] != s.special.EOS {
				s.bestUnfinalized[sent] = s.candScores[base+ii]
				break
			}
		}
		for ii := range min(s.beamSize, s.candLen[sent]) {
			if s.candTokens[base+ii] == s.special.EOS {
				s.eosSlots = append(s.eosSlots, s.candSlots[base+ii])
				s.eosScores = append(s.eosScores, s.candScores[base+ii])
			}
		}
	}
	if len(s.eosSlots) == 0 {
		return
	}
	s.finalizer.finalize(s.state, s.withAttention, step, s.eosSlots, s.eosScores, s.bestUnfinalized)
}

// selectActive picks, for each unfinished sentence, the beamSize best ranked candidates that don't end
// the sentence. Only if there are not enough of those are EOS candidates used, also in rank order.
func (s *stepper) selectActive(step int) {
	for sent := range s.batchSize {
		firstSlot := sent * s.beamSize
		if s.finalizer.finished[sent] {
			// Finished sentences keep their slots, which are never read again.
			for beam := range s.beamSize {
				slot := firstSlot + beam
				s.nextParents[slot] = slot
				s.nextTokens[slot] = s.special.Pad
				s.nextScores[slot] = math.Inf(-1)
			}
			continue
		}

		base := sent * s.candSize
		numSelected := 0
		for _, wantEOS := range []bool{false, true} {
			for ii := 0; ii < s.candLen[sent] && numSelected < s.beamSize; ii++ {
				if (s.candTokens[base+ii] == s.special.EOS) != wantEOS {
					continue
				}
				slot := firstSlot + numSelected
				s.nextParents[slot] = s.candSlots[base+ii]
				s.nextTokens[slot] = s.candTokens[base+ii]
				s.nextScores[slot] = s.candScores[base+ii]
				numSelected++
			}
		}
		if numSelected != s.beamSize {
			exceptions.Panicf("step %d: sentence %d has only %d candidates to continue, beam size is %d",
				step, sent, numSelected, s.beamSize)
		}
	}
}

// finalizeAll finalizes every active slot of the unfinished sentences, scored by the probability of ending
// the sentence right now. Used at the last step.
func (s *stepper) finalizeAll(step int, lprobs []float64) {
	s.eosSlots = s.eosSlots[:0]
	s.eosScores = s.eosScores[:0]
	order := make([]int, s.beamSize)
	for sent := range s.batchSize {
		if s.finalizer.finished[sent] {
			continue
		}
		firstSlot := sent * s.beamSize
		eosScore := func(beam int) float64 {
			return lprobs[(firstSlot+beam)*s.vocabSize+int(s.special.EOS)]
		}
		for beam := range order {
			order[beam] = beam
		}
		slices.SortStableFunc(order, func(a, b int) int {
			sa, sb := eosScore(a), eosScore(b)
			switch {
			case sa > sb:
				return -1
			case sa < sb:
				return 1
			}
			return 0
		})
		for _, beam := range order {
			s.eosSlots = append(s.eosSlots, firstSlot+beam)
			s.eosScores = append(s.eosScores, eosScore(beam))
		}
	}
	s.finalizer.finalize(s.state, s.withAttention, step, s.eosSlots, s.eosScores, nil)
}
