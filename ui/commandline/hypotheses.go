// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gomlx/seqgen/pkg/ml/decode"
)

// Vocabulary converts token ids back to text. It is implemented by dictionary.Dictionary.
type Vocabulary interface {
	String(ids []int32, bpeSymbol string) string
}

// FormatOptions configures FormatTranslation.
type FormatOptions struct {
	// NBest is the number of hypotheses written per sentence. If <= 0 all of them are written.
	NBest int

	// RemoveBPE is the continuation marker removed from the output, e.g. "@@ ". Empty to keep the text as is.
	RemoveBPE string

	// Quiet only writes the hypotheses lines ("H-").
	Quiet bool

	// PrintAlignment writes the source position aligned to each target position ("A-" lines).
	PrintAlignment bool
}

// FormatTranslation writes the translation as tab-separated lines, tagged by their kind and the sentence id:
//
//	S-<id>	<source>
//	T-<id>	<reference>
//	H-<id>	<score>	<hypothesis>
//	P-<id>	<positional scores>
//	A-<id>	<alignment>
//
// One group of H/P/A lines is written for each of the NBest hypotheses.
func FormatTranslation(w io.Writer, vocab Vocabulary, t *decode.Translation, opts FormatOptions) error {
	var lines []string
	if !opts.Quiet {
		lines = append(lines, fmt.Sprintf("S-%d\t%s", t.ID, vocab.String(t.Source, opts.RemoveBPE)))
		if t.Reference != nil {
			lines = append(lines, fmt.Sprintf("T-%d\t%s", t.ID, vocab.String(t.Reference, opts.RemoveBPE)))
		}
	}
	hypotheses := t.Hypotheses
	if opts.NBest > 0 && len(hypotheses) > opts.NBest {
		hypotheses = hypotheses[:opts.NBest]
	}
	for _, h := range hypotheses {
		lines = append(lines, fmt.Sprintf("H-%d\t%s\t%s", t.ID, formatScore(h.Score), vocab.String(h.Tokens, opts.RemoveBPE)))
		if opts.Quiet {
			continue
		}
		scores := make([]string, len(h.PositionalScores))
		for ii, score := range h.PositionalScores {
			scores[ii] = formatScore(score)
		}
		lines = append(lines, fmt.Sprintf("P-%d\t%s", t.ID, strings.Join(scores, " ")))
		if opts.PrintAlignment && h.Alignment != nil {
			alignment := make([]string, len(h.Alignment))
			for ii, pos := range h.Alignment {
				alignment[ii] = strconv.Itoa(pos)
			}
			lines = append(lines, fmt.Sprintf("A-%d\t%s", t.ID, strings.Join(alignment, " ")))
		}
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 4, 64)
}
