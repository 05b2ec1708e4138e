// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for decoding from the command line:
// settings flags, a progress bar and a line-oriented output of the generated hypotheses.
package commandline

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/seqgen/pkg/ml/decode"
)

// ReportStats writes a one-line summary of a decoding run to w.
func ReportStats(w io.Writer, name string, stats *decode.Stats) error {
	_, err := fmt.Fprintf(w, "Decoded %s: %s sentences (%s tokens) in %s, %s tokens/s\n",
		name,
		formatCount(stats.Sentences),
		formatCount(stats.Tokens),
		FormatDuration(stats.Elapsed),
		humanize.CommafWithDigits(stats.TokensPerSecond(), 1))
	return err
}
