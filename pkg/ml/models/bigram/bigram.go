// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bigram implements a small pure-Go encoder/decoder model that can be used as a member of a
// decode.Decoder ensemble.
//
// The next-token distribution is a mixture of a bigram transition table, P(next | previous token), and a
// copy distribution over the source tokens. The copy distribution is driven by an attention over the
// source that prefers the source position aligned with the current step and penalizes positions already
// covered. The coverage is kept as incremental state, reordered by the decoder after each step.
package bigram

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/gomlx/seqgen/pkg/ml/decode"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Config holds the hyperparameters of the model. It's stored in the checkpoint header.
type Config struct {
	VocabSize    int                  `json:"vocab_size"`
	Special      decode.SpecialTokens `json:"special"`
	MaxPositions int                  `json:"max_positions"`

	// CopyWeight is the weight of the copy distribution in the mixture, in [0, 1].
	CopyWeight float64 `json:"copy_weight"`

	// PositionBias scales the penalty of the attention logits by the distance between the source
	// position and the current step.
	PositionBias float64 `json:"position_bias"`

	// CoveragePenalty scales the penalty of the attention logits by the attention already given to
	// the source position.
	CoveragePenalty float64 `json:"coverage_penalty"`

	// Dropout rate of the attention weights while in training mode.
	Dropout float64 `json:"dropout"`

	// Seed for the dropout random number generator.
	Seed uint64 `json:"seed"`
}

// DefaultConfig returns a configuration with reasonable defaults for the given vocabulary.
func DefaultConfig(vocabSize int, special decode.SpecialTokens) Config {
	return Config{
		VocabSize:       vocabSize,
		Special:         special,
		MaxPositions:    1024,
		CopyWeight:      0.3,
		PositionBias:    1.0,
		CoveragePenalty: 1.0,
	}
}

func (c *Config) validate() error {
	if c.VocabSize < 2 {
		return errors.Errorf("vocabulary size must be >= 2, got %d", c.VocabSize)
	}
	if c.MaxPositions < 1 {
		return errors.Errorf("max positions must be >= 1, got %d", c.MaxPositions)
	}
	if c.CopyWeight < 0 || c.CopyWeight > 1 {
		return errors.Errorf("copy weight must be in [0, 1], got %g", c.CopyWeight)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	for _, token := range []int32{c.Special.Pad, c.Special.EOS, c.Special.Unk} {
		if token < 0 || int(token) >= c.VocabSize {
			return errors.Errorf("special token %d out of vocabulary range [0, %d)", token, c.VocabSize)
		}
	}
	return nil
}

// Model implements decode.IncrementalModel and decode.Evaluator.
type Model struct {
	config Config

	// transitions is shaped [VocabSize, VocabSize]: row i is the distribution of the token following i.
	transitions []float64

	// training is read by concurrent Decode calls, and only written when the mode changes.
	training atomic.Bool
}

var (
	_ decode.IncrementalModel = (*Model)(nil)
	_ decode.Evaluator        = (*Model)(nil)
)

// New creates a model from its configuration and transition table, shaped [VocabSize, VocabSize] and
// flattened. Rows are normalized to sum to 1.
//
// The model starts in training mode, see Eval.
func New(config Config, transitions []float64) (*Model, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if len(transitions) != config.VocabSize*config.VocabSize {
		return nil, errors.Errorf("transitions has %d entries, expected %d (vocabulary size %d squared)",
			len(transitions), config.VocabSize*config.VocabSize, config.VocabSize)
	}
	m := &Model{
		config:      config,
		transitions: slices.Clone(transitions),
	}
	m.training.Store(true)
	for prev := range config.VocabSize {
		row := m.row(int32(prev))
		if floats.Min(row) < 0 {
			return nil, errors.Errorf("transitions from token %d has negative probabilities", prev)
		}
		sum := floats.Sum(row)
		if sum <= 0 {
			return nil, errors.Errorf("transitions from token %d sum to %g", prev, sum)
		}
		floats.Scale(1/sum, row)
	}
	return m, nil
}

// Estimate creates a model from the bigram counts of the target sequences, with additive smoothing.
// Each sequence is taken as following an EOS token, and is terminated with EOS if it isn't already.
func Estimate(config Config, targets [][]int32, smoothing float64) (*Model, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if smoothing <= 0 {
		return nil, errors.Errorf("smoothing must be > 0, got %g", smoothing)
	}
	vocabSize := config.VocabSize
	counts := make([]float64, vocabSize*vocabSize)
	for ii := range counts {
		counts[ii] = smoothing
	}
	eos := config.Special.EOS
	for row, target := range targets {
		prev := eos
		for pos, token := range target {
			if token < 0 || int(token) >= vocabSize {
				return nil, errors.Errorf("target #%d has token %d at position %d, out of vocabulary range [0, %d)",
					row, token, pos, vocabSize)
			}
			if token == config.Special.Pad {
				continue
			}
			counts[int(prev)*vocabSize+int(token)]++
			prev = token
		}
		if prev != eos || len(target) == 0 {
			counts[int(prev)*vocabSize+int(eos)]++
		}
	}
	// Pad never follows anything.
	for prev := range vocabSize {
		counts[prev*vocabSize+int(config.Special.Pad)] = 0
	}
	klog.V(1).Infof("bigram: estimated %dx%d transitions from %d sequences", vocabSize, vocabSize, len(targets))
	return New(config, counts)
}

// Config returns the model configuration.
func (m *Model) Config() Config {
	return m.config
}

func (m *Model) row(prev int32) []float64 {
	v := m.config.VocabSize
	return m.transitions[int(prev)*v : (int(prev)+1)*v]
}

// Transition returns P(next | prev).
func (m *Model) Transition(prev, next int32) float64 {
	return m.row(prev)[next]
}

// Eval switches the model to inference mode: dropout is disabled.
func (m *Model) Eval() {
	if m.training.Load() {
		m.training.Store(false)
	}
}

// Train switches the model to training mode: dropout is enabled.
func (m *Model) Train() {
	if !m.training.Load() {
		m.training.Store(true)
	}
}

// VocabSize implements decode.Model.
func (m *Model) VocabSize() int { return m.config.VocabSize }

// SpecialTokens implements decode.Model.
func (m *Model) SpecialTokens() decode.SpecialTokens { return m.config.Special }

// MaxDecoderPositions implements decode.Model.
func (m *Model) MaxDecoderPositions() int { return m.config.MaxPositions }

type encoderOutput struct {
	srcTokens  [][]int32
	srcLengths []int
}

// Encode implements decode.Model. The source rows are only referenced, not copied.
func (m *Model) Encode(srcTokens [][]int32, srcLengths []int) (decode.EncoderOutput, error) {
	if len(srcTokens) != len(srcLengths) {
		return nil, errors.Errorf("bigram: %d source rows but %d lengths", len(srcTokens), len(srcLengths))
	}
	for row, tokens := range srcTokens {
		for _, token := range tokens[:srcLengths[row]] {
			if token < 0 || int(token) >= m.config.VocabSize {
				return nil, errors.Errorf("bigram: source #%d has token %d out of vocabulary range [0, %d)",
					row, token, m.config.VocabSize)
			}
		}
	}
	return &encoderOutput{srcTokens: srcTokens, srcLengths: srcLengths}, nil
}

// incrementalState holds the coverage of each slot: the sum of the attention given so far to each source position.
type incrementalState struct {
	coverage [][]float64
	rng      *rand.Rand
}

// InitIncrementalState implements decode.IncrementalModel.
func (m *Model) InitIncrementalState(numSlots int) decode.IncrementalState {
	return &incrementalState{
		coverage: make([][]float64, numSlots),
		rng:      rand.New(rand.NewPCG(m.config.Seed, uint64(numSlots))),
	}
}

// ReorderIncrementalState implements decode.IncrementalModel.
func (m *Model) ReorderIncrementalState(state decode.IncrementalState, order []int) error {
	st, ok := state.(*incrementalState)
	if !ok {
		return errors.Errorf("bigram: invalid incremental state type %T", state)
	}
	if len(order) != len(st.coverage) {
		return errors.Errorf("bigram: reorder of %d slots, state has %d", len(order), len(st.coverage))
	}
	reordered := make([][]float64, len(order))
	for slot, from := range order {
		if from < 0 || from >= len(st.coverage) {
			return errors.Errorf("bigram: reorder index %d out of range [0, %d)", from, len(st.coverage))
		}
		// Rows are shared when a slot is continued by more than one beam, so they are cloned on write.
		reordered[slot] = st.coverage[from]
	}
	st.coverage = reordered
	return nil
}

// Decode implements decode.Model.
func (m *Model) Decode(prefixes [][]int32, encoderOut decode.EncoderOutput, state decode.IncrementalState) (*decode.Distribution, error) {
	enc, ok := encoderOut.(*encoderOutput)
	if !ok {
		return nil, errors.Errorf("bigram: invalid encoder output type %T", encoderOut)
	}
	st, ok := state.(*incrementalState)
	if !ok {
		return nil, errors.Errorf("bigram: invalid incremental state type %T", state)
	}
	numSlots := len(prefixes)
	if numSlots != len(enc.srcTokens) || numSlots != len(st.coverage) {
		return nil, errors.Errorf("bigram: %d prefixes, but %d encoded sources and %d state slots",
			numSlots, len(enc.srcTokens), len(st.coverage))
	}
	vocabSize := m.config.VocabSize
	var srcLen int
	if numSlots > 0 {
		srcLen = len(enc.srcTokens[0])
	}
	dist := &decode.Distribution{
		Probs:     make([]float64, numSlots*vocabSize),
		Attention: make([]float64, numSlots*srcLen),
	}
	for slot, prefix := range prefixes {
		if len(prefix) == 0 {
			return nil, errors.Errorf("bigram: empty prefix for slot %d", slot)
		}
		probs := dist.Probs[slot*vocabSize : (slot+1)*vocabSize]
		copy(probs, m.row(prefix[len(prefix)-1]))

		length := enc.srcLengths[slot]
		if length == 0 || m.config.CopyWeight == 0 {
			continue
		}
		attn := dist.Attention[slot*srcLen : slot*srcLen+length]
		coverage := st.coverage[slot]
		if coverage == nil {
			coverage = make([]float64, length)
		}
		m.attention(attn, coverage, len(prefix)-1, st.rng)
		st.coverage[slot] = floats.AddTo(make([]float64, length), coverage, attn)

		floats.Scale(1-m.config.CopyWeight, probs)
		for pos, token := range enc.srcTokens[slot][:length] {
			probs[token] += m.config.CopyWeight * attn[pos]
		}
	}
	return dist, nil
}

// attention fills attn with a softmax over the source positions of -PositionBias*|pos-step| - CoveragePenalty*coverage.
// In training mode, dropout is applied to the weights, which are then renormalized.
func (m *Model) attention(attn, coverage []float64, step int, rng *rand.Rand) {
	for pos := range attn {
		attn[pos] = -m.config.PositionBias*math.Abs(float64(pos-step)) - m.config.CoveragePenalty*coverage[pos]
	}
	maxLogit := floats.Max(attn)
	for pos, logit := range attn {
		attn[pos] = math.Exp(logit - maxLogit)
	}
	floats.Scale(1/floats.Sum(attn), attn)
	if !m.training.Load() || m.config.Dropout == 0 {
		return
	}
	kept := slices.Clone(attn)
	for pos := range kept {
		if rng.Float64() < m.config.Dropout {
			kept[pos] = 0
		}
	}
	sum := floats.Sum(kept)
	if sum == 0 {
		return
	}
	floats.ScaleTo(attn, 1/sum, kept)
}
