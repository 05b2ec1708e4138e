// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"slices"

	"github.com/pkg/errors"
)

// Test vocabulary: 0 is unused, 1 is pad, 2 is EOS, 3 is unk, 4, 5 and 6 are words.
const testVocabSize = 7

var testSpecial = SpecialTokens{Pad: 1, EOS: 2, Unk: 3}

// distribution returns probabilities with the given values set, and the remaining mass spread evenly
// over the other tokens.
func distribution(vocabSize int, probs map[int32]float64) []float64 {
	out := make([]float64, vocabSize)
	var total float64
	for token := range int32(vocabSize) {
		if p, found := probs[token]; found {
			out[token] = p
			total += p
		}
	}
	rest := (1 - total) / float64(vocabSize-len(probs))
	for token := range int32(vocabSize) {
		if _, found := probs[token]; !found {
			out[token] = rest
		}
	}
	return out
}

// byStep returns a next-token function that uses steps[i] at step i, and the last one afterwards.
func byStep(steps ...map[int32]float64) func(src, prefix []int32) []float64 {
	return func(src, prefix []int32) []float64 {
		step := min(len(prefix)-1, len(steps)-1)
		return distribution(testVocabSize, steps[step])
	}
}

// scriptedModel is a Model whose next-token distribution is given by a function of the source row
// and the prefix.
type scriptedModel struct {
	vocabSize    int
	special      SpecialTokens
	maxPositions int
	next         func(src, prefix []int32) []float64

	// slotNext, if set, is used instead of next and also receives the slot of the prefix.
	slotNext func(slot int, src, prefix []int32) []float64

	// seen records the prefixes of every Decode call, if recordPrefixes is set.
	recordPrefixes bool
	seen           [][][]int32

	// withAttention makes the model attend to source position (len(prefix)-1) % srcLen.
	withAttention bool

	decodeErr  error
	evalCalled bool
	numDecodes int
}

func newScriptedModel(next func(src, prefix []int32) []float64) *scriptedModel {
	return &scriptedModel{
		vocabSize:    testVocabSize,
		special:      testSpecial,
		maxPositions: 10,
		next:         next,
	}
}

func (m *scriptedModel) VocabSize() int               { return m.vocabSize }
func (m *scriptedModel) SpecialTokens() SpecialTokens { return m.special }
func (m *scriptedModel) MaxDecoderPositions() int     { return m.maxPositions }
func (m *scriptedModel) Eval()                        { m.evalCalled = true }

func (m *scriptedModel) Encode(srcTokens [][]int32, srcLengths []int) (EncoderOutput, error) {
	rows := make([][]int32, len(srcTokens))
	for ii, row := range srcTokens {
		rows[ii] = slices.Clone(row[:srcLengths[ii]])
	}
	return rows, nil
}

func (m *scriptedModel) Decode(prefixes [][]int32, encoderOut EncoderOutput, _ IncrementalState) (*Distribution, error) {
	if m.decodeErr != nil {
		return nil, m.decodeErr
	}
	m.numDecodes++
	src := encoderOut.([][]int32)
	if m.recordPrefixes {
		call := make([][]int32, len(prefixes))
		for slot, prefix := range prefixes {
			call[slot] = slices.Clone(prefix)
		}
		m.seen = append(m.seen, call)
	}
	dist := &Distribution{Probs: make([]float64, 0, len(prefixes)*m.vocabSize)}
	for slot, prefix := range prefixes {
		if m.slotNext != nil {
			dist.Probs = append(dist.Probs, m.slotNext(slot, src[slot], prefix)...)
			continue
		}
		dist.Probs = append(dist.Probs, m.next(src[slot], prefix)...)
	}
	if m.withAttention {
		srcLen := len(src[0])
		dist.Attention = make([]float64, len(prefixes)*srcLen)
		if srcLen > 0 {
			for slot, prefix := range prefixes {
				dist.Attention[slot*srcLen+(len(prefix)-1)%srcLen] = 1
			}
		}
	}
	return dist, nil
}

// historyModel is an IncrementalModel that remembers the prefix of each slot in its incremental state,
// and fails if a new prefix doesn't continue the remembered one, that is, if the state was not properly
// reordered.
type historyModel struct {
	*scriptedModel
	numReorders int
}

type historyState struct {
	rows [][]int32
}

func (m *historyModel) InitIncrementalState(numSlots int) IncrementalState {
	return &historyState{rows: make([][]int32, numSlots)}
}

func (m *historyModel) ReorderIncrementalState(state IncrementalState, order []int) error {
	st := state.(*historyState)
	reordered := make([][]int32, len(order))
	for ii, from := range order {
		reordered[ii] = st.rows[from]
	}
	st.rows = reordered
	m.numReorders++
	return nil
}

func (m *historyModel) Decode(prefixes [][]int32, encoderOut EncoderOutput, state IncrementalState) (*Distribution, error) {
	st := state.(*historyState)
	for slot, prefix := range prefixes {
		if !slices.Equal(prefix[:len(prefix)-1], st.rows[slot]) {
			return nil, errors.Errorf("slot %d: prefix %v doesn't continue remembered tokens %v", slot, prefix, st.rows[slot])
		}
		st.rows[slot] = slices.Clone(prefix)
	}
	return m.scriptedModel.Decode(prefixes, encoderOut, nil)
}
