package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// plotLosses draws a crude vertical bar chart of per-epoch losses, scaled
// so the largest loss fills the chart.
func plotLosses(w io.Writer, values []float64) {
	const height = 10 // number of text rows
	n := len(values)
	if n == 0 {
		fmt.Fprintln(w, "no data to plot")
		return
	}
	top := floats.Max(values)
	if top <= 0 {
		top = 1
	}
	fmt.Fprintf(w, "loss per epoch (max %.4f, min %.4f)\n", top, floats.Min(values))
	// for each “row” from top (height) down to 1
	for row := height; row >= 1; row-- {
		threshold := float64(row) / float64(height)
		var sb strings.Builder
		for _, v := range values {
			if v/top >= threshold {
				sb.WriteString("█") // filled block
			} else {
				sb.WriteString(" ")
			}
		}
		fmt.Fprintln(w, sb.String())
	}
	// x-axis
	fmt.Fprintln(w, strings.Repeat("─", n))
	// epoch numbers (1-based) every 5 columns
	var sb strings.Builder
	for i := range values {
		if i%5 == 0 {
			sb.WriteString(strconv.Itoa((i + 1) % 10))
		} else {
			sb.WriteString(" ")
		}
	}
	fmt.Fprintln(w, sb.String())
}
