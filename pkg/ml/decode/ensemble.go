// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// ensemble queries all models of one Decode call and mixes their outputs.
type ensemble struct {
	models     []Model
	encoderOut []EncoderOutput
	states     []IncrementalState
	parallel   bool

	numSlots, vocabSize, srcLen int

	// Pre-sized outputs, overwritten at every step.
	lprobs []float64
	attn   []float64

	distributions []*Distribution
}

func newEnsemble(models []Model, numSlots, vocabSize, srcLen int, parallel bool) *ensemble {
	e := &ensemble{
		models:        models,
		encoderOut:    make([]EncoderOutput, len(models)),
		states:        make([]IncrementalState, len(models)),
		parallel:      parallel && len(models) > 1,
		numSlots:      numSlots,
		vocabSize:     vocabSize,
		srcLen:        srcLen,
		lprobs:        make([]float64, numSlots*vocabSize),
		attn:          make([]float64, numSlots*srcLen),
		distributions: make([]*Distribution, len(models)),
	}
	for ii, model := range models {
		if incModel, ok := model.(IncrementalModel); ok {
			e.states[ii] = incModel.InitIncrementalState(numSlots)
		}
	}
	return e
}

// forEachModel runs fn for each model, concurrently if configured.
// fn must only write to per-model outputs.
func (e *ensemble) forEachModel(fn func(modelIdx int) error) error {
	if !e.parallel {
		for ii := range e.models {
			if err := fn(ii); err != nil {
				return err
			}
		}
		return nil
	}
	var g errgroup.Group
	for ii := range e.models {
		g.Go(func() error { return fn(ii) })
	}
	return g.Wait()
}

// encode runs every model's encoder on the beam-replicated sources.
func (e *ensemble) encode(srcTokens [][]int32, srcLengths []int) error {
	return e.forEachModel(func(modelIdx int) error {
		out, err := e.models[modelIdx].Encode(srcTokens, srcLengths)
		if err != nil {
			return errors.WithMessagef(err, "model #%d failed to encode", modelIdx)
		}
		e.encoderOut[modelIdx] = out
		return nil
	})
}

// reorder the incremental state of every incremental model to follow the beams selected in the last step.
func (e *ensemble) reorder(order []int) error {
	return e.forEachModel(func(modelIdx int) error {
		incModel, ok := e.models[modelIdx].(IncrementalModel)
		if !ok {
			return nil
		}
		if err := incModel.ReorderIncrementalState(e.states[modelIdx], order); err != nil {
			return errors.WithMessagef(err, "model #%d failed to reorder its incremental state", modelIdx)
		}
		return nil
	})
}

// logProbs queries all models and returns the log of their averaged probabilities, shaped [numSlots, vocabSize],
// and the averaged attention, shaped [numSlots, srcLen], or nil if no model returned attention.
//
// The returned slices are owned by the ensemble and overwritten on the next call.
// Results are merged in model order after all models return, so they don't depend on scheduling.
func (e *ensemble) logProbs(prefixes [][]int32) (lprobs, attn []float64, err error) {
	err = e.forEachModel(func(modelIdx int) error {
		dist, err := e.models[modelIdx].Decode(prefixes, e.encoderOut[modelIdx], e.states[modelIdx])
		if err != nil {
			return errors.WithMessagef(err, "model #%d failed to decode", modelIdx)
		}
		if dist == nil || len(dist.Probs) != e.numSlots*e.vocabSize {
			var got int
			if dist != nil {
				got = len(dist.Probs)
			}
			return errors.Errorf("model #%d returned %d probabilities, expected %d (%d slots x %d vocabulary)",
				modelIdx, got, e.numSlots*e.vocabSize, e.numSlots, e.vocabSize)
		}
		if dist.Attention != nil && len(dist.Attention) != e.numSlots*e.srcLen {
			return errors.Errorf("model #%d returned %d attention weights, expected %d (%d slots x %d source positions)",
				modelIdx, len(dist.Attention), e.numSlots*e.srcLen, e.numSlots, e.srcLen)
		}
		e.distributions[modelIdx] = dist
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	copy(e.lprobs, e.distributions[0].Probs)
	var numAttn int
	for ii, dist := range e.distributions {
		if ii > 0 {
			floats.Add(e.lprobs, dist.Probs)
		}
		if dist.Attention != nil {
			if numAttn == 0 {
				copy(e.attn, dist.Attention)
			} else {
				floats.Add(e.attn, dist.Attention)
			}
			numAttn++
		}
		e.distributions[ii] = nil
	}
	if len(e.models) > 1 {
		floats.Scale(1/float64(len(e.models)), e.lprobs)
	}
	for ii, p := range e.lprobs {
		e.lprobs[ii] = math.Log(p)
	}
	if numAttn == 0 {
		return e.lprobs, nil, nil
	}
	if numAttn > 1 {
		floats.Scale(1/float64(numAttn), e.attn)
	}
	return e.lprobs, e.attn, nil
}
