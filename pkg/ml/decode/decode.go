// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decode implements beam search generation of output sequences from an ensemble of
// sequence-to-sequence models.
//
// The search is run in lockstep for a batch of sentences, each with BeamSize active hypotheses (slots),
// and returns for each sentence up to BeamSize completed hypotheses, sorted by score.
//
// Example:
//
//	decoder := decode.New(model1, model2).
//		WithBeamSize(5).
//		WithLengthPenalty(1.2)
//	hypos, err := decoder.Decode(ctx, &decode.Batch{SrcTokens: src, SrcLengths: lengths})
package decode

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hyperparameter keys, see Decoder.FromParams.
const (
	ParamBeamSize        = "decode_beam_size"
	ParamMinLength       = "decode_min_length"
	ParamMaxLength       = "decode_max_length"
	ParamMaxLengthA      = "decode_max_length_a"
	ParamMaxLengthB      = "decode_max_length_b"
	ParamStopEarly       = "decode_stop_early"
	ParamNormalizeScores = "decode_normalize_scores"
	ParamLengthPenalty   = "decode_length_penalty"
	ParamUnkPenalty      = "decode_unk_penalty"
	ParamRetainDropout   = "decode_retain_dropout"
	ParamParallelModels  = "decode_parallel_models"
)

// Decoder configures and executes beam search generation with an ensemble of models.
//
// Configure it with the exported fields or the With* methods, and then call Decode for each batch.
// The configuration is frozen by the first Decode call: later With* calls record an error instead.
// Decode can be called concurrently, each call allocates its own search buffers and incremental model states.
type Decoder struct {
	// Models of the ensemble: their next-token probabilities are averaged.
	Models []Model

	// BeamSize is the number of hypotheses searched in parallel per sentence. It's capped at vocabSize-1.
	BeamSize int

	// MinLength is the first step at which a hypothesis can be completed, so completed hypotheses
	// have at least MinLength tokens before the final EOS.
	MinLength int

	// MaxLength is the maximum number of tokens generated (not counting the final EOS). If 0 it's
	// only bounded by the models' MaxDecoderPositions.
	MaxLength int

	// MaxLengthA and MaxLengthB further bound the maximum length to int(MaxLengthA*srcLen + MaxLengthB),
	// where srcLen is the (padded) length of the sources of the batch. If MaxLengthB <= 0, the maximum
	// length above is used in its place.
	MaxLengthA float64
	MaxLengthB int

	// StopEarly stops the search for a sentence as soon as BeamSize hypotheses are completed, even if
	// longer hypotheses could still score better.
	StopEarly bool

	// NormalizeScores divides the scores of completed hypotheses by len^LengthPenalty.
	NormalizeScores bool
	LengthPenalty   float64

	// UnkPenalty is subtracted from the log-probability of the unknown token.
	UnkPenalty float64

	// RetainDropout leaves the models in their training mode. Otherwise, models implementing
	// Evaluator are set to inference mode before the search.
	RetainDropout bool

	// ParallelModels queries the models of the ensemble concurrently. Results don't change.
	ParallelModels bool

	// err holds configuration errors, returned by Decode. It's protected by errMu, since With* calls
	// on a frozen decoder may race with running Decode calls.
	errMu sync.Mutex
	err   error

	// frozen is set by the first Decode call: configuration can't change afterwards.
	frozen atomic.Bool
}

// checkMutable records an error if the configuration is frozen, and returns whether it can still be changed.
func (d *Decoder) checkMutable(method string) bool {
	if !d.frozen.Load() {
		return true
	}
	d.setErr(errors.Errorf("Decoder.%s(): cannot change configuration after Decode has been called", method))
	return false
}

// setErr records err, if no configuration error was recorded before.
func (d *Decoder) setErr(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// configErr returns the first configuration error recorded, or nil.
func (d *Decoder) configErr() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// New creates a decoder for the given ensemble of models, with default parameters:
// BeamSize=4, MinLength=1, StopEarly=true, NormalizeScores=true, LengthPenalty=1.
func New(models ...Model) *Decoder {
	return &Decoder{
		Models:          models,
		BeamSize:        4,
		MinLength:       1,
		StopEarly:       true,
		NormalizeScores: true,
		LengthPenalty:   1.0,
	}
}

// WithBeamSize sets the number of hypotheses searched in parallel per sentence.
func (d *Decoder) WithBeamSize(beamSize int) *Decoder {
	if d.checkMutable("WithBeamSize") {
		d.BeamSize = beamSize
	}
	return d
}

// WithMinLength sets the minimum number of tokens (not counting EOS) of completed hypotheses.
func (d *Decoder) WithMinLength(minLength int) *Decoder {
	if d.checkMutable("WithMinLength") {
		d.MinLength = minLength
	}
	return d
}

// WithMaxLength sets the maximum number of generated tokens (not counting EOS).
func (d *Decoder) WithMaxLength(maxLength int) *Decoder {
	if d.checkMutable("WithMaxLength") {
		d.MaxLength = maxLength
	}
	return d
}

// WithMaxLengthLinear bounds the maximum length to int(a*srcLen + b).
func (d *Decoder) WithMaxLengthLinear(a float64, b int) *Decoder {
	if d.checkMutable("WithMaxLengthLinear") {
		d.MaxLengthA = a
		d.MaxLengthB = b
	}
	return d
}

// WithStopEarly sets whether to stop as soon as BeamSize hypotheses are completed for a sentence.
func (d *Decoder) WithStopEarly(stopEarly bool) *Decoder {
	if d.checkMutable("WithStopEarly") {
		d.StopEarly = stopEarly
	}
	return d
}

// WithNormalizeScores sets whether scores are normalized by the length of the hypotheses.
func (d *Decoder) WithNormalizeScores(normalize bool) *Decoder {
	if d.checkMutable("WithNormalizeScores") {
		d.NormalizeScores = normalize
	}
	return d
}

// WithLengthPenalty sets the exponent of the length in the score normalization.
// Values > 1.0 favor longer sequences, values < 1.0 favor shorter ones.
func (d *Decoder) WithLengthPenalty(lengthPenalty float64) *Decoder {
	if d.checkMutable("WithLengthPenalty") {
		d.LengthPenalty = lengthPenalty
	}
	return d
}

// WithUnkPenalty sets the penalty subtracted from the log-probability of the unknown token.
func (d *Decoder) WithUnkPenalty(unkPenalty float64) *Decoder {
	if d.checkMutable("WithUnkPenalty") {
		d.UnkPenalty = unkPenalty
	}
	return d
}

// WithRetainDropout sets whether models are left in training mode during the search.
func (d *Decoder) WithRetainDropout(retain bool) *Decoder {
	if d.checkMutable("WithRetainDropout") {
		d.RetainDropout = retain
	}
	return d
}

// WithParallelModels sets whether the models of the ensemble are queried concurrently.
func (d *Decoder) WithParallelModels(parallel bool) *Decoder {
	if d.checkMutable("WithParallelModels") {
		d.ParallelModels = parallel
	}
	return d
}

// Params returns the current configuration as hyperparameters, with the keys used by FromParams.
func (d *Decoder) Params() map[string]any {
	return map[string]any{
		ParamBeamSize:        d.BeamSize,
		ParamMinLength:       d.MinLength,
		ParamMaxLength:       d.MaxLength,
		ParamMaxLengthA:      d.MaxLengthA,
		ParamMaxLengthB:      d.MaxLengthB,
		ParamStopEarly:       d.StopEarly,
		ParamNormalizeScores: d.NormalizeScores,
		ParamLengthPenalty:   d.LengthPenalty,
		ParamUnkPenalty:      d.UnkPenalty,
		ParamRetainDropout:   d.RetainDropout,
		ParamParallelModels:  d.ParallelModels,
	}
}

// FromParams configures the decoder from hyperparameters. Missing keys leave the configuration unchanged.
//
// A value of the wrong type is a configuration error, reported by the next Decode call.
//
// Example:
//
//	decoder.FromParams(map[string]any{
//	    decode.ParamBeamSize: 8,
//	    decode.ParamStopEarly: false,
//	})
func (d *Decoder) FromParams(params map[string]any) *Decoder {
	if !d.checkMutable("FromParams") {
		return d
	}
	d.BeamSize = getParamOr(d, params, ParamBeamSize, d.BeamSize)
	d.MinLength = getParamOr(d, params, ParamMinLength, d.MinLength)
	d.MaxLength = getParamOr(d, params, ParamMaxLength, d.MaxLength)
	d.MaxLengthA = getParamOr(d, params, ParamMaxLengthA, d.MaxLengthA)
	d.MaxLengthB = getParamOr(d, params, ParamMaxLengthB, d.MaxLengthB)
	d.StopEarly = getParamOr(d, params, ParamStopEarly, d.StopEarly)
	d.NormalizeScores = getParamOr(d, params, ParamNormalizeScores, d.NormalizeScores)
	d.LengthPenalty = getParamOr(d, params, ParamLengthPenalty, d.LengthPenalty)
	d.UnkPenalty = getParamOr(d, params, ParamUnkPenalty, d.UnkPenalty)
	d.RetainDropout = getParamOr(d, params, ParamRetainDropout, d.RetainDropout)
	d.ParallelModels = getParamOr(d, params, ParamParallelModels, d.ParallelModels)
	return d
}

// getParamOr returns params[key] if set, or defaultValue otherwise.
// Integer values are accepted for float64 parameters.
func getParamOr[T any](d *Decoder, params map[string]any, key string, defaultValue T) T {
	valueAny, found := params[key]
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	if _, isFloat := any(defaultValue).(float64); isFloat {
		if asInt, ok := valueAny.(int); ok {
			return any(float64(asInt)).(T)
		}
	}
	d.setErr(errors.Errorf("parameter %q must be of type %T, got %v (type %T)", key, defaultValue, valueAny, valueAny))
	return defaultValue
}

// searchParams are the values resolved for one Decode call.
type searchParams struct {
	special   SpecialTokens
	vocabSize int
	beamSize  int
	maxLen    int
	batchSize int
	srcLen    int
}

// resolve validates the configuration against the models and the batch, and resolves the search parameters.
func (d *Decoder) resolve(batch *Batch) (*searchParams, error) {
	if err := d.configErr(); err != nil {
		return nil, errors.WithMessage(err, "invalid decoder configuration")
	}
	if len(d.Models) == 0 {
		return nil, errors.New("decoder has no models")
	}
	p := &searchParams{
		special:   d.Models[0].SpecialTokens(),
		vocabSize: d.Models[0].VocabSize(),
		maxLen:    math.MaxInt,
	}
	for ii, model := range d.Models {
		if special := model.SpecialTokens(); special != p.special {
			return nil, errors.Errorf("model #%d special tokens %+v differ from model #0 special tokens %+v",
				ii, special, p.special)
		}
		if vocabSize := model.VocabSize(); vocabSize != p.vocabSize {
			return nil, errors.Errorf("model #%d vocabulary size %d differs from model #0 vocabulary size %d",
				ii, vocabSize, p.vocabSize)
		}
		p.maxLen = min(p.maxLen, model.MaxDecoderPositions())
	}
	if p.vocabSize < 2 {
		return nil, errors.Errorf("vocabulary size %d is too small to search", p.vocabSize)
	}
	for name, token := range map[string]int32{"pad": p.special.Pad, "eos": p.special.EOS, "unk": p.special.Unk} {
		if token < 0 || int(token) >= p.vocabSize {
			return nil, errors.Errorf("%s token %d is out of the vocabulary range [0, %d)", name, token, p.vocabSize)
		}
	}
	if d.BeamSize < 1 {
		return nil, errors.Errorf("beam size must be >= 1, got %d", d.BeamSize)
	}
	p.beamSize = min(d.BeamSize, p.vocabSize-1)
	if d.MinLength < 0 {
		return nil, errors.Errorf("min length must be >= 0, got %d", d.MinLength)
	}
	if d.MaxLength < 0 {
		return nil, errors.Errorf("max length must be >= 0, got %d", d.MaxLength)
	}

	if batch == nil || batch.Size() == 0 {
		return nil, errors.New("empty batch")
	}
	p.batchSize = batch.Size()
	p.srcLen = batch.SrcLen()
	if len(batch.SrcLengths) != p.batchSize {
		return nil, errors.Errorf("batch has %d sources but %d source lengths", p.batchSize, len(batch.SrcLengths))
	}
	for row, tokens := range batch.SrcTokens {
		if len(tokens) != p.srcLen {
			return nil, errors.Errorf("source #%d has length %d, but source #0 has length %d: sources must be padded to the same length",
				row, len(tokens), p.srcLen)
		}
		if batch.SrcLengths[row] < 0 || batch.SrcLengths[row] > p.srcLen {
			return nil, errors.Errorf("source #%d has length %d, out of range [0, %d]", row, batch.SrcLengths[row], p.srcLen)
		}
	}
	if batch.IDs != nil && len(batch.IDs) != p.batchSize {
		return nil, errors.Errorf("batch has %d sources but %d ids", p.batchSize, len(batch.IDs))
	}

	if d.MaxLength > 0 {
		p.maxLen = min(p.maxLen, d.MaxLength)
	}
	maxLenB := d.MaxLengthB
	if maxLenB <= 0 {
		maxLenB = p.maxLen
	}
	p.maxLen = min(p.maxLen, int(d.MaxLengthA*float64(p.srcLen)+float64(maxLenB)))
	if p.maxLen < 1 {
		return nil, errors.Errorf("max length resolved to %d: nothing can be generated", p.maxLen)
	}

	if batch.PrefixTokens != nil {
		if len(batch.PrefixTokens) != p.batchSize {
			return nil, errors.Errorf("batch has %d sources but %d prefixes", p.batchSize, len(batch.PrefixTokens))
		}
		for row, prefix := range batch.PrefixTokens {
			if len(prefix) > p.maxLen {
				return nil, errors.Errorf("prefix #%d has length %d, longer than the max length %d", row, len(prefix), p.maxLen)
			}
			for _, token := range prefix {
				if token < 0 || int(token) >= p.vocabSize || token == p.special.Pad {
					return nil, errors.Errorf("prefix #%d has invalid token %d", row, token)
				}
			}
		}
	}
	return p, nil
}

// Decode runs the beam search for the batch, and returns for each sentence its completed hypotheses
// sorted by score, best first.
//
// It returns an error if the configuration is invalid (before querying any model), if a model fails,
// or if ctx is cancelled (checked between steps). Internal inconsistencies are reported as errors
// with "invariant violation" in the message.
func (d *Decoder) Decode(ctx context.Context, batch *Batch) ([][]*Hypothesis, error) {
	p, err := d.resolve(batch)
	if err != nil {
		return nil, err
	}
	d.frozen.Store(true)
	callID := uuid.NewString()
	start := time.Now()
	klog.V(1).Infof("decode %s: %d sentences, srcLen=%d, beamSize=%d, maxLen=%d, %d model(s)",
		callID, p.batchSize, p.srcLen, p.beamSize, p.maxLen, len(d.Models))

	if !d.RetainDropout {
		for _, model := range d.Models {
			if evaluator, ok := model.(Evaluator); ok {
				evaluator.Eval()
			}
		}
	}

	var (
		results  [][]*Hypothesis
		numSteps int
	)
	exception := exceptions.TryCatch[error](func() {
		results, numSteps, err = d.search(ctx, callID, batch, p)
	})
	if exception != nil {
		return nil, errors.WithMessagef(exception, "invariant violation while decoding")
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("decode %s: finished after %d steps in %s", callID, numSteps, time.Since(start))
	return results, nil
}

// search runs the beam search for the already validated batch.
func (d *Decoder) search(ctx context.Context, callID string, batch *Batch, p *searchParams) ([][]*Hypothesis, int, error) {
	numSlots := p.batchSize * p.beamSize

	// Each sentence is encoded once per beam: slot = sentence*beamSize + beam.
	srcTokens := make([][]int32, numSlots)
	srcLengths := make([]int, numSlots)
	for slot := range numSlots {
		srcTokens[slot] = batch.SrcTokens[slot/p.beamSize]
		srcLengths[slot] = batch.SrcLengths[slot/p.beamSize]
	}
	ens := newEnsemble(d.Models, numSlots, p.vocabSize, p.srcLen, d.ParallelModels)
	if err := ens.encode(srcTokens, srcLengths); err != nil {
		return nil, 0, err
	}

	state := newSearchState(numSlots, p.maxLen, p.srcLen, p.special, p.srcLen > 0)
	fin := newFinalizer(d, p.batchSize, p.beamSize, p.maxLen, p.special.EOS)
	s := newStepper(callID, p.batchSize, p.beamSize, p.maxLen, p.vocabSize, d.MinLength, d.UnkPenalty,
		p.special, batch.PrefixTokens, state, ens, fin)
	numSteps, err := s.run(ctx)
	if err != nil {
		return nil, numSteps, err
	}
	return fin.results(), numSteps, nil
}
