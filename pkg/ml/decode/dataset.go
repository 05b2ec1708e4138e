// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decode

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Dataset provides batches of sources (and optionally targets) to decode, one Batch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for logging.
	Name() string

	// Reset restarts the dataset from the beginning.
	Reset()

	// Yield the next batch. It returns io.EOF when there is no more data.
	Yield() (*Batch, error)
}

// Translation is the result of decoding one sentence of a Dataset.
type Translation struct {
	// ID of the sentence, as given by the Batch.
	ID int

	// Source tokens, with padding removed.
	Source []int32

	// Reference target tokens with padding removed, or nil if the dataset has no targets.
	Reference []int32

	// Hypotheses sorted by score, best first.
	Hypotheses []*Hypothesis
}

// Stats of a DecodeDataset run.
type Stats struct {
	// Sentences decoded.
	Sentences int

	// Tokens in the best hypothesis of each sentence, summed.
	Tokens int

	// Elapsed wall time spent in Decode calls. The time of the per-sentence callbacks is not included.
	Elapsed time.Duration
}

// TokensPerSecond returns the generation throughput.
func (s *Stats) TokensPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Tokens) / s.Elapsed.Seconds()
}

// DecodeDataset decodes every batch of ds and calls fn for each sentence, in dataset order.
//
// If prefixSize > 0, the first prefixSize tokens of each (pad-stripped) target are forced as the prefix
// of its hypotheses, which requires the dataset to provide targets.
//
// Decoding stops at the first error, including one returned by fn. The Stats accumulated so far are
// returned in any case.
func (d *Decoder) DecodeDataset(ctx context.Context, ds Dataset, prefixSize int, fn func(*Translation) error) (*Stats, error) {
	stats := &Stats{}
	if prefixSize < 0 {
		return stats, errors.Errorf("prefix size must be >= 0, got %d", prefixSize)
	}
	var pad int32
	if len(d.Models) > 0 {
		pad = d.Models[0].SpecialTokens().Pad
	}
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, errors.WithMessagef(err, "dataset %q failed to yield batch", ds.Name())
		}
		var references [][]int32
		if batch.Targets != nil {
			references = make([][]int32, len(batch.Targets))
			for row, target := range batch.Targets {
				references[row] = stripPad(target, pad)
			}
		}
		if prefixSize > 0 {
			if references == nil {
				return stats, errors.Errorf("dataset %q has no targets, can't use prefix size %d", ds.Name(), prefixSize)
			}
			batch.PrefixTokens = make([][]int32, len(references))
			for row, ref := range references {
				batch.PrefixTokens[row] = ref[:min(prefixSize, len(ref))]
			}
		}

		start := time.Now()
		hypos, err := d.Decode(ctx, batch)
		stats.Elapsed += time.Since(start)
		if err != nil {
			return stats, errors.WithMessagef(err, "decoding batch of dataset %q", ds.Name())
		}
		for row, sentHypos := range hypos {
			t := &Translation{
				ID:         row,
				Source:     batch.SrcTokens[row][:batch.SrcLengths[row]],
				Hypotheses: sentHypos,
			}
			if batch.IDs != nil {
				t.ID = batch.IDs[row]
			}
			if references != nil {
				t.Reference = references[row]
			}
			stats.Sentences++
			if len(sentHypos) > 0 {
				stats.Tokens += sentHypos[0].Len()
			}
			if err := fn(t); err != nil {
				return stats, err
			}
		}
	}
}

// stripPad returns tokens without pad entries.
func stripPad(tokens []int32, pad int32) []int32 {
	stripped := make([]int32, 0, len(tokens))
	for _, t := range tokens {
		if t != pad {
			stripped = append(stripped, t)
		}
	}
	return stripped
}

// SliceDataset is an in-memory Dataset over tokenized sentences.
type SliceDataset struct {
	name      string
	sources   [][]int32
	targets   [][]int32
	batchSize int
	pad       int32
	next      int
}

var _ Dataset = (*SliceDataset)(nil)

// NewSliceDataset creates a dataset yielding batches of batchSize sentences (the last one may be smaller).
// Sources of a batch are right-padded with pad to the longest one. targets can be nil, otherwise it must
// have one entry per source.
func NewSliceDataset(name string, sources, targets [][]int32, batchSize int, pad int32) (*SliceDataset, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("batch size must be >= 1, got %d", batchSize)
	}
	if targets != nil && len(targets) != len(sources) {
		return nil, errors.Errorf("dataset %q has %d sources but %d targets", name, len(sources), len(targets))
	}
	return &SliceDataset{
		name:      name,
		sources:   sources,
		targets:   targets,
		batchSize: batchSize,
		pad:       pad,
	}, nil
}

// Name implements Dataset.
func (ds *SliceDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *SliceDataset) Reset() { ds.next = 0 }

// Yield implements Dataset. Sentence IDs are their indices in the dataset.
func (ds *SliceDataset) Yield() (*Batch, error) {
	if ds.next >= len(ds.sources) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.sources))
	rows := ds.sources[ds.next:end]
	var srcLen int
	for _, row := range rows {
		srcLen = max(srcLen, len(row))
	}
	batch := &Batch{
		IDs:        make([]int, len(rows)),
		SrcTokens:  make([][]int32, len(rows)),
		SrcLengths: make([]int, len(rows)),
	}
	for ii, row := range rows {
		batch.IDs[ii] = ds.next + ii
		padded := make([]int32, srcLen)
		copy(padded, row)
		for pos := len(row); pos < srcLen; pos++ {
			padded[pos] = ds.pad
		}
		batch.SrcTokens[ii] = padded
		batch.SrcLengths[ii] = len(row)
	}
	if ds.targets != nil {
		batch.Targets = ds.targets[ds.next:end]
	}
	ds.next = end
	return batch, nil
}
