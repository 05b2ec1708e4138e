// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/seqgen/pkg/ml/decode"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/exp/constraints"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progress of decoding a dataset, along with throughput statistics.
//
// On a terminal the statistics are displayed in a table redrawn asynchronously above the bar. Otherwise,
// they are appended to the bar line.
//
// It writes to os.Stderr, so it doesn't mix with the translations written to os.Stdout.
type ProgressBar struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	total int
	start time.Time
	plain bool

	// suffix is written after each print of the bar in plain mode.
	suffix string

	sentences, tokens int

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount    int
	sentences int
	tokens    int
	elapsed   time.Duration
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// Write implements io.Writer, and appends the current suffix with metrics to each line.
// It is meant to be used as the writer for the enclosed progressbar.ProgressBar, so that the
// progress bar and its suffix are written in the same write operation.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	if _, err = io.WriteString(pBar.out, pBar.suffix); err != nil {
		return 0, err
	}
	return
}

// NewProgressBar creates a progress bar for total sentences. If total <= 0 the number of sentences is unknown.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
//
// Call Update for each translation, and Done at the end.
func NewProgressBar(total int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		out:            os.Stderr,
		total:          total,
		start:          time.Now(),
		extraMetricFns: extraMetrics,
	}
	output := termenv.NewOutput(os.Stderr)
	pBar.plain = output.Profile == termenv.Ascii
	barSize := total
	if barSize <= 0 {
		barSize = -1 // Spinner.
	}
	pBar.bar = progressbar.NewOptions(barSize,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("sentences"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar),
	)
	if pBar.plain {
		return pBar
	}

	pBar.isFirstOutput = true
	pBar.termenv = output
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so decoding is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// drawUpdates asynchronously: this is handy if decoding is faster than the terminal.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		if pBar.total > 0 {
			pBar.statsTable.Row("Sentences", fmt.Sprintf("%s of %s", formatCount(update.sentences), formatCount(pBar.total)))
		} else {
			pBar.statsTable.Row("Sentences", formatCount(update.sentences))
		}
		pBar.statsTable.Row("Generated tokens", formatCount(update.tokens))
		pBar.statsTable.Row("Tokens/s", formatRate(update.tokens, update.elapsed))
		pBar.statsTable.Row("Elapsed", FormatDuration(update.elapsed))
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}
		numRows := 4 + len(pBar.extraMetricFns)

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			// Table rows, its 2 borders and the bar line.
			pBar.termenv.CursorPrevLine(numRows + 3)
		}
		pBar.isFirstOutput = false

		// Print update.
		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		pBar.suffix = "\033[J"
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Update the progress with one more decoded sentence.
func (pBar *ProgressBar) Update(t *decode.Translation) {
	pBar.sentences++
	if len(t.Hypotheses) > 0 {
		pBar.tokens += t.Hypotheses[0].Len()
	}
	elapsed := time.Since(pBar.start)
	if pBar.plain {
		// Erase to an end-of-line escape sequence ("\033[J") is not supported in plain mode, spaces are used instead.
		parts := []string{
			fmt.Sprintf(" [tokens=%s]", formatCount(pBar.tokens)),
			fmt.Sprintf(" [tokens/s=%s]", formatRate(pBar.tokens, elapsed)),
			"        ",
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			parts = append(parts, fmt.Sprintf(" [%s=%s]", name, value))
		}
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(1) // Triggers print, see [ProgressBar.Write] method.
		return
	}
	pBar.updates <- progressBarUpdate{
		amount:    1,
		sentences: pBar.sentences,
		tokens:    pBar.tokens,
		elapsed:   elapsed,
	}
}

// Done finishes the display. It must be called once, after the last Update.
func (pBar *ProgressBar) Done() {
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
}

// formatCount formats integers with thousands separators.
func formatCount[I constraints.Integer](n I) string {
	return humanize.Comma(int64(n))
}

// formatRate formats the number of tokens per second.
func formatRate(tokens int, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "-"
	}
	return humanize.CommafWithDigits(float64(tokens)/elapsed.Seconds(), 1)
}
