// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"github.com/gomlx/exceptions"
)

// searchState holds the mutable per-slot buffers of one Decode call.
//
// There are two arenas of each buffer: current (indexed by searchState.current) and scratch.
// commit writes the next step into scratch and flips current, so nothing is reallocated per step.
//
// Layouts, per slot:
//   - tokens: maxLen+2 tokens; position 0 is EOS, position step+1 is the token chosen at step, the
//     unused tail is Pad.
//   - scores: maxLen+1 cumulative scores; position step is the score after step.
//   - attn: [srcLen][maxLen+2]; column step+1 is the attention of step.
type searchState struct {
	numSlots, maxLen, srcLen int
	tokensStride             int
	scoresStride             int
	attnStride               int

	current int
	tokens  [2][]int32
	scores  [2][]float64
	attn    [2][]float64

	// prefixes are views into the current tokens arena, refreshed by prefixesAt.
	prefixes [][]int32
}

func newSearchState(numSlots, maxLen, srcLen int, special SpecialTokens, withAttention bool) *searchState {
	s := &searchState{
		numSlots:     numSlots,
		maxLen:       maxLen,
		srcLen:       srcLen,
		tokensStride: maxLen + 2,
		scoresStride: maxLen + 1,
		attnStride:   srcLen * (maxLen + 2),
		prefixes:     make([][]int32, numSlots),
	}
	for arena := range 2 {
		s.tokens[arena] = make([]int32, numSlots*s.tokensStride)
		for ii := range s.tokens[arena] {
			s.tokens[arena][ii] = special.Pad
		}
		s.scores[arena] = make([]float64, numSlots*s.scoresStride)
		if withAttention {
			s.attn[arena] = make([]float64, numSlots*s.attnStride)
		}
	}
	for slot := range numSlots {
		s.tokens[0][slot*s.tokensStride] = special.EOS
		s.tokens[1][slot*s.tokensStride] = special.EOS
	}
	return s
}

func (s *searchState) scratch() int {
	return 1 - s.current
}

func (s *searchState) hasAttention() bool {
	return s.attn[0] != nil
}

// tokensRow returns the full token row of slot in the current arena.
func (s *searchState) tokensRow(slot int) []int32 {
	return s.tokens[s.current][slot*s.tokensStride : (slot+1)*s.tokensStride]
}

// scoresRow returns the full cumulative scores row of slot in the current arena.
func (s *searchState) scoresRow(slot int) []float64 {
	return s.scores[s.current][slot*s.scoresStride : (slot+1)*s.scoresStride]
}

// attentionAt returns the attention to source position srcPos of the token at position pos of slot.
func (s *searchState) attentionAt(slot, srcPos, pos int) float64 {
	return s.attn[s.current][slot*s.attnStride+srcPos*s.tokensStride+pos]
}

// prefixesAt returns, for every slot, the tokens decoded before step (including the leading EOS).
func (s *searchState) prefixesAt(step int) [][]int32 {
	for slot := range s.numSlots {
		s.prefixes[slot] = s.tokensRow(slot)[:step+1]
	}
	return s.prefixes
}

// setAttention records the attention of step for every slot: attn is shaped [numSlots, srcLen].
// It is recorded whether or not the slot survives the step, and commit carries it along with the tokens.
func (s *searchState) setAttention(step int, attn []float64) {
	if !s.hasAttention() || attn == nil {
		return
	}
	arena := s.attn[s.current]
	for slot := range s.numSlots {
		base := slot * s.attnStride
		for srcPos := range s.srcLen {
			arena[base+srcPos*s.tokensStride+step+1] = attn[slot*s.srcLen+srcPos]
		}
	}
}

// commit writes the state after step into the scratch arena and makes it current.
//
// Slot i of the new state continues parents[i] of the current state, appending tokens[i] with cumulative
// score scores[i]. Token history, score history and attention history are all copied with the same
// permutation.
func (s *searchState) commit(step int, parents []int, tokens []int32, scores []float64) {
	if len(parents) != s.numSlots || len(tokens) != s.numSlots || len(scores) != s.numSlots {
		exceptions.Panicf("searchState.commit(step=%d): got %d parents, %d tokens and %d scores, expected %d of each",
			step, len(parents), len(tokens), len(scores), s.numSlots)
	}
	cur, scr := s.current, s.scratch()
	for slot, parent := range parents {
		if parent < 0 || parent >= s.numSlots {
			exceptions.Panicf("searchState.commit(step=%d): parent index %d for slot %d out of range [0, %d)",
				step, parent, slot, s.numSlots)
		}

		dst := s.tokens[scr][slot*s.tokensStride:]
		src := s.tokens[cur][parent*s.tokensStride:]
		copy(dst[:step+1], src[:step+1])
		dst[step+1] = tokens[slot]

		dstScores := s.scores[scr][slot*s.scoresStride:]
		srcScores := s.scores[cur][parent*s.scoresStride:]
		copy(dstScores[:step], srcScores[:step])
		dstScores[step] = scores[slot]

		if s.hasAttention() {
			for srcPos := range s.srcLen {
				dstAttn := s.attn[scr][slot*s.attnStride+srcPos*s.tokensStride:]
				srcAttn := s.attn[cur][parent*s.attnStride+srcPos*s.tokensStride:]
				copy(dstAttn[:step+2], srcAttn[:step+2])
			}
		}
	}
	s.current = scr
}
