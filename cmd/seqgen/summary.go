// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/seqgen/pkg/ml/decode"
	"github.com/gomlx/seqgen/pkg/ml/models/bigram"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// printSummary of the decoding parameters and the models of the ensemble.
func printSummary(params map[string]any, models []decode.Model) {
	fmt.Println(titleStyle.Render("Decoding parameters"))
	table := newPlainTable(true).Headers("Name", "Type", "Value")
	for _, key := range slices.Sorted(maps.Keys(params)) {
		value := params[key]
		table.Row(key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	}
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Models"))
	table = newPlainTable(true).Headers("#", "Vocabulary", "Max positions", "Copy weight", "Dropout", "Parameters")
	for ii, model := range models {
		row := []string{
			humanize.Comma(int64(ii)),
			humanize.Comma(int64(model.VocabSize())),
			humanize.Comma(int64(model.MaxDecoderPositions())),
			"-", "-", "-",
		}
		if m, ok := model.(*bigram.Model); ok {
			config := m.Config()
			row[3] = humanize.Ftoa(config.CopyWeight)
			row[4] = humanize.Ftoa(config.Dropout)
			row[5] = humanize.Comma(int64(config.VocabSize * config.VocabSize))
		}
		table.Row(row...)
	}
	fmt.Println(table.Render())
}
