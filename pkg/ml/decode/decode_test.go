// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// batchOf returns a batch with one sentence per source row, without padding.
func batchOf(sources ...[]int32) *Batch {
	b := &Batch{SrcTokens: sources, SrcLengths: make([]int, len(sources))}
	for ii, row := range sources {
		b.SrcLengths[ii] = len(row)
	}
	return b
}

// checkHypotheses verifies the structural properties every result must have.
func checkHypotheses(t *testing.T, d *Decoder, results [][]*Hypothesis, batchSize int) {
	t.Helper()
	require.Len(t, results, batchSize)
	for sent, hypos := range results {
		require.NotEmpty(t, hypos, "sentence %d", sent)
		assert.LessOrEqual(t, len(hypos), d.BeamSize, "sentence %d", sent)
		for ii, h := range hypos {
			if ii > 0 {
				assert.GreaterOrEqual(t, hypos[ii-1].Score, h.Score, "sentence %d not sorted", sent)
			}
			require.NotEmpty(t, h.Tokens)
			assert.Equal(t, testSpecial.EOS, h.Tokens[h.Len()-1], "sentence %d: %s", sent, h)
			assert.NotContains(t, h.Tokens[:h.Len()-1], testSpecial.EOS, "sentence %d: %s", sent, h)
			assert.NotContains(t, h.Tokens, testSpecial.Pad, "sentence %d: %s", sent, h)
			require.Len(t, h.PositionalScores, h.Len())
			raw := h.Score
			if d.NormalizeScores {
				raw *= math.Pow(float64(h.Len()), d.LengthPenalty)
			}
			assert.InDelta(t, raw, h.RawScore(), 1e-9, "sentence %d: positional scores don't add up to the score", sent)
		}
	}
}

// TestDecoder groups config default and builder tests.
func TestDecoder(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		d := New()
		assert.Equal(t, 4, d.BeamSize)
		assert.Equal(t, 1, d.MinLength)
		assert.Equal(t, 0, d.MaxLength)
		assert.True(t, d.StopEarly)
		assert.True(t, d.NormalizeScores)
		assert.Equal(t, 1.0, d.LengthPenalty)
		assert.Equal(t, 0.0, d.UnkPenalty)
		assert.False(t, d.RetainDropout)
		assert.False(t, d.ParallelModels)
	})

	t.Run("Builders", func(t *testing.T) {
		d := New().
			WithBeamSize(8).
			WithMinLength(2).
			WithMaxLength(50).
			WithMaxLengthLinear(1.5, 10).
			WithStopEarly(false).
			WithNormalizeScores(false).
			WithLengthPenalty(0.7).
			WithUnkPenalty(2).
			WithRetainDropout(true).
			WithParallelModels(true)
		require.NoError(t, d.configErr())
		assert.Equal(t, 8, d.BeamSize)
		assert.Equal(t, 2, d.MinLength)
		assert.Equal(t, 50, d.MaxLength)
		assert.Equal(t, 1.5, d.MaxLengthA)
		assert.Equal(t, 10, d.MaxLengthB)
		assert.False(t, d.StopEarly)
		assert.False(t, d.NormalizeScores)
		assert.Equal(t, 0.7, d.LengthPenalty)
		assert.Equal(t, 2.0, d.UnkPenalty)
		assert.True(t, d.RetainDropout)
		assert.True(t, d.ParallelModels)
	})

	t.Run("Params", func(t *testing.T) {
		d := New().WithBeamSize(3).WithStopEarly(false).WithLengthPenalty(2)
		d2 := New().FromParams(d.Params())
		require.NoError(t, d2.configErr())
		assert.Equal(t, d.Params(), d2.Params())

		d3 := New().FromParams(map[string]any{
			ParamBeamSize:      6,
			ParamLengthPenalty: 2, // int accepted for float.
		})
		require.NoError(t, d3.configErr())
		assert.Equal(t, 6, d3.BeamSize)
		assert.Equal(t, 2.0, d3.LengthPenalty)
		assert.True(t, d3.StopEarly)

		d4 := New().FromParams(map[string]any{ParamBeamSize: "six"})
		require.Error(t, d4.configErr())
		assert.Contains(t, d4.configErr().Error(), ParamBeamSize)
		assert.Equal(t, 4, d4.BeamSize)
	})

	t.Run("ConfigFreeze", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{2: 0.9}))
		d := New(model).WithBeamSize(2)
		d.WithMaxLength(5)
		assert.NoError(t, d.configErr())

		_, err := d.Decode(context.Background(), batchOf([]int32{4, 5}))
		require.NoError(t, err)

		d.WithMaxLength(6)
		require.Error(t, d.configErr())
		assert.Contains(t, d.configErr().Error(), "cannot change configuration")
		assert.Equal(t, 5, d.MaxLength)

		d.err = nil
		d.FromParams(map[string]any{ParamBeamSize: 3})
		require.Error(t, d.configErr())
		assert.Contains(t, d.configErr().Error(), "cannot change configuration")
		assert.Equal(t, 2, d.BeamSize)
	})
}

func TestDecodeErrors(t *testing.T) {
	ctx := context.Background()
	model := func() *scriptedModel { return newScriptedModel(byStep(map[int32]float64{2: 0.9})) }
	src := batchOf([]int32{4, 5})

	t.Run("NoModels", func(t *testing.T) {
		_, err := New().Decode(ctx, src)
		require.Error(t, err)
	})

	t.Run("BeamSize", func(t *testing.T) {
		_, err := New(model()).WithBeamSize(0).Decode(ctx, src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "beam size")
	})

	t.Run("MinLength", func(t *testing.T) {
		_, err := New(model()).WithMinLength(-1).Decode(ctx, src)
		require.Error(t, err)
	})

	t.Run("VocabularyMismatch", func(t *testing.T) {
		m2 := model()
		m2.vocabSize = 8
		_, err := New(model(), m2).Decode(ctx, src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vocabulary size")
	})

	t.Run("SpecialTokensMismatch", func(t *testing.T) {
		m2 := model()
		m2.special.Unk = 0
		_, err := New(model(), m2).Decode(ctx, src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "special tokens")
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		_, err := New(model()).Decode(ctx, &Batch{})
		require.Error(t, err)
	})

	t.Run("RaggedSources", func(t *testing.T) {
		_, err := New(model()).Decode(ctx, batchOf([]int32{4, 5}, []int32{4}))
		require.Error(t, err)
	})

	t.Run("PrefixTooLong", func(t *testing.T) {
		batch := batchOf([]int32{4, 5})
		batch.PrefixTokens = [][]int32{{4, 4, 4}}
		_, err := New(model()).WithMaxLength(2).Decode(ctx, batch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prefix")
	})

	t.Run("InvalidConfiguration", func(t *testing.T) {
		m := model()
		_, err := New(m).FromParams(map[string]any{ParamStopEarly: 1}).Decode(ctx, src)
		require.Error(t, err)
		assert.Equal(t, 0, m.numDecodes, "no model should be queried with an invalid configuration")
	})

	t.Run("ModelFailure", func(t *testing.T) {
		m := model()
		m.decodeErr = errors.New("out of cheese")
		_, err := New(m).Decode(ctx, src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "out of cheese")
	})

	t.Run("WrongDistributionSize", func(t *testing.T) {
		m := model()
		m.next = func(src, prefix []int32) []float64 { return []float64{1} }
		_, err := New(m).Decode(ctx, src)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "probabilities")
	})

	t.Run("Cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := New(model()).Decode(cancelled, src)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDecode(t *testing.T) {
	ctx := context.Background()
	twoStepModel := func() *scriptedModel {
		return newScriptedModel(byStep(
			map[int32]float64{4: 0.5, 5: 0.3, 2: 0.1},
			map[int32]float64{2: 0.7, 4: 0.1, 5: 0.1},
		))
	}

	t.Run("Unnormalized", func(t *testing.T) {
		model := twoStepModel()
		d := New(model).WithBeamSize(2).WithNormalizeScores(false)
		results, err := d.Decode(ctx, batchOf([]int32{4, 5, 6}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		assert.True(t, model.evalCalled)

		hypos := results[0]
		require.Len(t, hypos, 2)
		assert.Equal(t, []int32{4, 2}, hypos[0].Tokens)
		assert.InDelta(t, math.Log(0.35), hypos[0].Score, 1e-9)
		assert.InDeltaSlice(t, []float64{math.Log(0.5), math.Log(0.7)}, hypos[0].PositionalScores, 1e-9)
		assert.Equal(t, []int32{5, 2}, hypos[1].Tokens)
		assert.InDelta(t, math.Log(0.21), hypos[1].Score, 1e-9)
		assert.Nil(t, hypos[0].Attention)
		assert.Nil(t, hypos[0].Alignment)
	})

	t.Run("Normalized", func(t *testing.T) {
		d := New(twoStepModel()).WithBeamSize(2).WithLengthPenalty(2)
		results, err := d.Decode(ctx, batchOf([]int32{4, 5, 6}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		assert.InDelta(t, math.Log(0.35)/4, results[0][0].Score, 1e-9)
		assert.InDelta(t, math.Log(0.21)/4, results[0][1].Score, 1e-9)
	})

	t.Run("RetainDropout", func(t *testing.T) {
		model := twoStepModel()
		_, err := New(model).WithRetainDropout(true).Decode(ctx, batchOf([]int32{4}))
		require.NoError(t, err)
		assert.False(t, model.evalCalled)
	})

	t.Run("MinLength", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{2: 0.9}))
		d := New(model).WithBeamSize(2).WithMinLength(3)
		results, err := d.Decode(ctx, batchOf([]int32{4, 5}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		for _, h := range results[0] {
			assert.GreaterOrEqual(t, h.Len(), 4, "hypothesis %s shorter than min length", h)
		}
	})

	t.Run("MaxLength", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{2: 0.01, 4: 0.5}))
		d := New(model).WithBeamSize(3).WithMaxLength(3)
		results, err := d.Decode(ctx, batchOf([]int32{4, 5}, []int32{6, 6}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 2)
		for _, hypos := range results {
			require.Len(t, hypos, 3)
			for _, h := range hypos {
				assert.Equal(t, 4, h.Len())
			}
			assert.Equal(t, []int32{4, 4, 4, 2}, hypos[0].Tokens)
		}
	})

	t.Run("MaxLengthLinear", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{2: 0.01, 4: 0.5}))
		d := New(model).WithBeamSize(2).WithMaxLengthLinear(0.5, 1)
		results, err := d.Decode(ctx, batchOf([]int32{4, 5, 6, 4}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		for _, h := range results[0] {
			assert.LessOrEqual(t, h.Len(), 4) // int(0.5*4+1) = 3 tokens + EOS.
		}
	})

	t.Run("StopEarly", func(t *testing.T) {
		// EOS is the best first token, but the longer [4, EOS] has a better normalized score.
		model := newScriptedModel(byStep(
			map[int32]float64{2: 0.5, 4: 0.45},
			map[int32]float64{2: 0.9},
		))
		d := New(model).WithBeamSize(1).WithMinLength(0)
		results, err := d.Decode(ctx, batchOf([]int32{4}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		require.Len(t, results[0], 1)
		assert.Equal(t, []int32{2}, results[0][0].Tokens)
		assert.InDelta(t, math.Log(0.5), results[0][0].Score, 1e-9)

		model = newScriptedModel(byStep(
			map[int32]float64{2: 0.5, 4: 0.45},
			map[int32]float64{2: 0.9},
		))
		d = New(model).WithBeamSize(1).WithMinLength(0).WithStopEarly(false)
		results, err = d.Decode(ctx, batchOf([]int32{4}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		require.Len(t, results[0], 1)
		assert.Equal(t, []int32{4, 2}, results[0][0].Tokens)
		assert.InDelta(t, math.Log(0.45*0.9)/2, results[0][0].Score, 1e-9)
	})

	t.Run("SentencesFinishAtDifferentSteps", func(t *testing.T) {
		// The first source token is the step from which EOS becomes likely.
		model := newScriptedModel(func(src, prefix []int32) []float64 {
			if len(prefix)-1 >= int(src[0]) {
				return distribution(testVocabSize, map[int32]float64{2: 0.9})
			}
			return distribution(testVocabSize, map[int32]float64{4: 0.6, 5: 0.3, 2: 0.01})
		})
		d := New(model).WithBeamSize(2).WithNormalizeScores(false)
		results, err := d.Decode(ctx, batchOf([]int32{1, 0}, []int32{3, 0}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 2)
		assert.Equal(t, []int32{4, 2}, results[0][0].Tokens)
		assert.Equal(t, []int32{5, 2}, results[0][1].Tokens)
		assert.Equal(t, []int32{4, 4, 4, 2}, results[1][0].Tokens)
		assert.InDelta(t, math.Log(0.6*0.6*0.6*0.9), results[1][0].Score, 1e-9)
	})

	t.Run("UnkPenalty", func(t *testing.T) {
		steps := []map[int32]float64{{3: 0.5, 4: 0.3}, {2: 0.9}}
		d := New(newScriptedModel(byStep(steps...))).WithBeamSize(1)
		results, err := d.Decode(ctx, batchOf([]int32{4}))
		require.NoError(t, err)
		assert.Equal(t, []int32{3, 2}, results[0][0].Tokens)

		d = New(newScriptedModel(byStep(steps...))).WithBeamSize(1).WithUnkPenalty(1)
		results, err = d.Decode(ctx, batchOf([]int32{4}))
		require.NoError(t, err)
		assert.Equal(t, []int32{4, 2}, results[0][0].Tokens)
	})

	t.Run("UnkPenaltyAllHypotheses", func(t *testing.T) {
		steps := []map[int32]float64{{3: 0.5, 4: 0.2, 5: 0.1}, {3: 0.5, 2: 0.3}, {2: 0.9}}
		containsUnk := func(results [][]*Hypothesis) bool {
			for _, hypos := range results {
				for _, h := range hypos {
					if slices.Contains(h.Tokens, testSpecial.Unk) {
						return true
					}
				}
			}
			return false
		}

		d := New(newScriptedModel(byStep(steps...))).WithBeamSize(3).WithStopEarly(false)
		results, err := d.Decode(ctx, batchOf([]int32{4}, []int32{5, 6}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 2)
		assert.True(t, containsUnk(results), "without penalty the unknown token is the most likely")

		d = New(newScriptedModel(byStep(steps...))).WithBeamSize(3).WithStopEarly(false).WithUnkPenalty(100)
		results, err = d.Decode(ctx, batchOf([]int32{4}, []int32{5, 6}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 2)
		for _, hypos := range results {
			assert.Len(t, hypos, 3)
		}
		assert.False(t, containsUnk(results), "a large penalty keeps the unknown token out of every hypothesis")
	})

	t.Run("PadNeverSelected", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{1: 0.9, 2: 0.05}))
		d := New(model).WithBeamSize(3)
		results, err := d.Decode(ctx, batchOf([]int32{4}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
	})

	t.Run("BeamCappedAtVocabulary", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{2: 0.3}))
		d := New(model).WithBeamSize(20).WithMaxLength(3)
		results, err := d.Decode(ctx, batchOf([]int32{4}))
		require.NoError(t, err)
		require.Len(t, results, 1)
		// With every token but pad in the beam, EOS candidates also continue, so only the ending is checked.
		assert.Len(t, results[0], testVocabSize-1)
		for _, h := range results[0] {
			assert.Equal(t, testSpecial.EOS, h.Tokens[h.Len()-1])
			assert.LessOrEqual(t, h.Len(), 4)
		}
	})

	t.Run("ForcedPrefix", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{2: 0.4, 6: 0.3}))
		d := New(model).WithBeamSize(4).WithMinLength(0)
		batch := batchOf([]int32{4, 5}, []int32{5, 6}, []int32{6, 4})
		batch.PrefixTokens = [][]int32{{4, 5}, {5}, {}}
		results, err := d.Decode(ctx, batch)
		require.NoError(t, err)
		checkHypotheses(t, d, results, 3)
		for sent, hypos := range results {
			prefix := batch.PrefixTokens[sent]
			for _, h := range hypos {
				require.Greater(t, h.Len(), len(prefix))
				assert.Equal(t, prefix, h.Tokens[:len(prefix)], "sentence %d: %s", sent, h)
			}
		}
		// Without prefix EOS is the most likely first token.
		assert.Equal(t, []int32{2}, results[2][0].Tokens)
	})

	t.Run("ForcedPrefixAllBeams", func(t *testing.T) {
		const beamSize = 4
		model := newScriptedModel(nil)
		model.recordPrefixes = true
		// Each beam of a sentence has a different distribution, to tell which one the scores come from.
		model.slotNext = func(slot int, src, prefix []int32) []float64 {
			if len(prefix) > 3 {
				return distribution(testVocabSize, map[int32]float64{2: 0.9})
			}
			beam := float64(slot % beamSize)
			return distribution(testVocabSize, map[int32]float64{
				4: 0.5 - 0.1*beam,
				5: 0.3 - 0.05*beam,
				2: 0.1 + 0.05*beam,
				6: 0.05,
			})
		}
		d := New(model).WithBeamSize(beamSize).WithMinLength(0)
		batch := batchOf([]int32{4, 5}, []int32{5, 6}, []int32{6, 4})
		batch.PrefixTokens = [][]int32{{4, 5}, {5}, {}}
		results, err := d.Decode(ctx, batch)
		require.NoError(t, err)
		checkHypotheses(t, d, results, 3)

		// During the forced steps, every beam of the sentence holds the same forced tokens.
		for sent, prefix := range batch.PrefixTokens {
			for step := 1; step <= len(prefix); step++ {
				require.Greater(t, len(model.seen), step)
				want := append([]int32{testSpecial.EOS}, prefix[:step]...)
				for beam := range beamSize {
					assert.Equal(t, want, model.seen[step][sent*beamSize+beam],
						"sentence %d, beam %d, step %d", sent, beam, step)
				}
			}
		}

		// Forced tokens are scored with the distribution of beam 0.
		for _, h := range results[0] {
			assert.InDelta(t, math.Log(0.5), h.PositionalScores[0], 1e-9, "%s", h)
			assert.InDelta(t, math.Log(0.3), h.PositionalScores[1], 1e-9, "%s", h)
		}
		for _, h := range results[1] {
			assert.InDelta(t, math.Log(0.3), h.PositionalScores[0], 1e-9, "%s", h)
		}
	})

	t.Run("Attention", func(t *testing.T) {
		model := newScriptedModel(byStep(map[int32]float64{4: 0.5}, map[int32]float64{4: 0.5}, map[int32]float64{2: 0.9}))
		model.withAttention = true
		d := New(model).WithBeamSize(2)
		results, err := d.Decode(ctx, batchOf([]int32{4, 5}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		for _, h := range results[0] {
			require.Len(t, h.Attention, 2)
			require.Len(t, h.Alignment, h.Len())
			for pos := range h.Len() {
				assert.Equal(t, pos%2, h.Alignment[pos])
				assert.Equal(t, 1.0, h.Attention[pos%2][pos])
				assert.Equal(t, 0.0, h.Attention[1-pos%2][pos])
			}
		}
	})

	t.Run("IncrementalReorder", func(t *testing.T) {
		model := &historyModel{scriptedModel: newScriptedModel(func(src, prefix []int32) []float64 {
			if len(prefix) >= 3+int(src[0]) {
				return distribution(testVocabSize, map[int32]float64{2: 0.6})
			}
			return distribution(testVocabSize, map[int32]float64{4: 0.3, 5: 0.3, 6: 0.2, 2: 0.05})
		})}
		d := New(model).WithBeamSize(3).WithStopEarly(false)
		results, err := d.Decode(ctx, batchOf([]int32{0}, []int32{2}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 2)
		assert.Greater(t, model.numReorders, 0)
	})

	t.Run("Ensemble", func(t *testing.T) {
		m1 := newScriptedModel(byStep(map[int32]float64{4: 0.6, 5: 0.1}, map[int32]float64{2: 0.9}))
		m2 := newScriptedModel(byStep(map[int32]float64{4: 0.2, 5: 0.5}, map[int32]float64{2: 0.9}))
		m2.withAttention = true
		d := New(m1, m2).WithBeamSize(1).WithNormalizeScores(false)
		results, err := d.Decode(ctx, batchOf([]int32{4, 5}))
		require.NoError(t, err)
		checkHypotheses(t, d, results, 1)
		h := results[0][0]
		assert.Equal(t, []int32{4, 2}, h.Tokens)
		assert.InDeltaSlice(t, []float64{math.Log(0.4), math.Log(0.9)}, h.PositionalScores, 1e-9)
		// Only m2 has attention: it is not diluted by m1.
		require.Len(t, h.Attention, 2)
		assert.Equal(t, 1.0, h.Attention[0][0])
	})

	t.Run("Deterministic", func(t *testing.T) {
		newModels := func() []Model {
			m1 := newScriptedModel(func(src, prefix []int32) []float64 {
				p := min(0.1+0.04*float64(len(prefix)), 0.45)
				return distribution(testVocabSize, map[int32]float64{2: p, src[0]: 0.3, src[1]: 0.2})
			})
			m1.withAttention = true
			m2 := &historyModel{scriptedModel: newScriptedModel(byStep(
				map[int32]float64{4: 0.4, 5: 0.4},
				map[int32]float64{6: 0.4, 2: 0.2},
				map[int32]float64{2: 0.5},
			))}
			return []Model{m1, m2}
		}
		batch := batchOf([]int32{4, 5, 6}, []int32{5, 6, 4}, []int32{6, 4, 1})
		batch.SrcLengths[2] = 2
		d1 := New(newModels()...).WithBeamSize(3).WithStopEarly(false)
		want, err := d1.Decode(ctx, batch)
		require.NoError(t, err)
		checkHypotheses(t, d1, want, 3)

		got, err := d1.Decode(ctx, batch)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(want, got))

		d2 := New(newModels()...).WithBeamSize(3).WithStopEarly(false).WithParallelModels(true)
		got, err = d2.Decode(ctx, batch)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(want, got), "parallel querying changed the results")
	})
}
