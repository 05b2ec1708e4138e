// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/seqgen/pkg/data/dictionary"
	"github.com/gomlx/seqgen/pkg/ml/decode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestParams() map[string]any {
	return map[string]any{
		"x":        11.0,
		"y":        7,
		"z":        false,
		"s":        "foo",
		"list_str": []string{},
	}
}

func TestParseSettings(t *testing.T) {
	params := createTestParams()
	paramsSet, err := ParseSettings(params, "x=13;y=1_000; z=true;s=bar;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "z", "s", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, params["x"])
	assert.Equal(t, 1000, params["y"])
	assert.Equal(t, true, params["z"])
	assert.Equal(t, "bar", params["s"])
	assert.Equal(t, []string{"a", "b"}, params["list_str"])

	// Parameter "q" is unknown.
	_, err = ParseSettings(params, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(params, "y=3.14")
	require.Error(t, err)
	assert.Equal(t, 1000, params["y"])

	// Missing value.
	_, err = ParseSettings(params, "x")
	require.Error(t, err)

	t.Run("File", func(t *testing.T) {
		params := createTestParams()
		filePath := path.Join(t.TempDir(), "settings.txt")
		require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nx=0.5\n\ny=3;s=baz\n"), 0o644))
		paramsSet, err := ParseSettings(params, "z=true;file:"+filePath)
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "x", "y", "s"}, paramsSet)
		assert.Equal(t, 0.5, params["x"])
		assert.Equal(t, 3, params["y"])
		assert.Equal(t, "baz", params["s"])

		_, err = ParseSettings(params, "file:"+path.Join(t.TempDir(), "missing.txt"))
		require.Error(t, err)
	})

	t.Run("Sprint", func(t *testing.T) {
		got := SprintSettings(params, []string{"y", "x", "y"})
		assert.Equal(t, "\t\"x\": (float64) 13\n\t\"y\": (int) 1000", got)
		assert.Len(t, strings.Split(SprintSettings(params, nil), "\n"), len(params))
	})

	t.Run("Decoder", func(t *testing.T) {
		d := decode.New()
		params := d.Params()
		_, err := ParseSettings(params, "decode_beam_size=8;decode_stop_early=false;decode_length_penalty=0.5")
		require.NoError(t, err)
		d.FromParams(params)
		assert.Equal(t, 8, d.BeamSize)
		assert.False(t, d.StopEarly)
		assert.Equal(t, 0.5, d.LengthPenalty)
	})
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
	assert.Equal(t, "1.50µs", FormatDuration(1500*time.Nanosecond))
	assert.Equal(t, "2.50ms", FormatDuration(2500*time.Microsecond))
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second+200*time.Millisecond))
}

func TestFormatTranslation(t *testing.T) {
	dict, err := dictionary.Load(strings.NewReader("the 100\ncat 20\nsat@@ 7\n"))
	require.NoError(t, err)
	translation := &decode.Translation{
		ID:        3,
		Source:    []int32{4, 5},
		Reference: []int32{6, 5, dictionary.EOSID},
		Hypotheses: []*decode.Hypothesis{
			{
				Tokens:           []int32{4, 5, dictionary.EOSID},
				Score:            -0.5,
				PositionalScores: []float64{-0.25, -0.25, 0},
				Alignment:        []int{0, 1, 1},
			},
			{
				Tokens:           []int32{5, dictionary.EOSID},
				Score:            -1,
				PositionalScores: []float64{-1.5, -0.5},
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, FormatTranslation(&buf, dict, translation, FormatOptions{NBest: 1, RemoveBPE: "@@ ", PrintAlignment: true}))
	assert.Equal(t, "S-3\tthe cat\n"+
		"T-3\tsatcat\n"+
		"H-3\t-0.5000\tthe cat\n"+
		"P-3\t-0.2500 -0.2500 0.0000\n"+
		"A-3\t0 1 1\n", buf.String())

	buf.Reset()
	require.NoError(t, FormatTranslation(&buf, dict, translation, FormatOptions{Quiet: true}))
	assert.Equal(t, "H-3\t-0.5000\tthe cat\nH-3\t-1.0000\tcat\n", buf.String())

	// Without reference and alignments.
	buf.Reset()
	translation.Reference = nil
	require.NoError(t, FormatTranslation(&buf, dict, translation, FormatOptions{NBest: 1, PrintAlignment: false}))
	assert.Equal(t, "S-3\tthe cat\nH-3\t-0.5000\tthe cat\nP-3\t-0.2500 -0.2500 0.0000\n", buf.String())
}

func TestReportStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, ReportStats(&buf, "test", &decode.Stats{Sentences: 1234, Tokens: 5000, Elapsed: 2 * time.Second}))
	assert.Equal(t, "Decoded test: 1,234 sentences (5,000 tokens) in 2.00s, 2,500 tokens/s\n", buf.String())
}

func TestProgressBar(t *testing.T) {
	pBar := NewProgressBar(2, func() (string, string) { return "beam", "4" })
	for range 2 {
		pBar.Update(&decode.Translation{Hypotheses: []*decode.Hypothesis{{Tokens: []int32{4, 2}}}})
	}
	pBar.Done()
	assert.Equal(t, 2, pBar.sentences)
	assert.Equal(t, 4, pBar.tokens)
	assert.Equal(t, "12,345", formatCount(int32(12345)))
	assert.Equal(t, "-", formatRate(10, 0))
}
