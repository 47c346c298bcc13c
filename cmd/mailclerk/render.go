// mailclerk
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"src.bluestatic.org/mailclerk/pkg/message"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Foreground(lipgloss.Color("244"))
)

func renderSummaries(w io.Writer, sums []message.Summary) {
	if len(sums) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	rows := make([][]string, len(sums))
	for i, s := range sums {
		rows[i] = []string{strconv.Itoa(s.Number), s.Date, s.From, s.Subject}
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("#", "Date", "From", "Subject").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 0:
				return numberStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}
