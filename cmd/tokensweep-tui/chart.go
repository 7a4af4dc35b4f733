package main

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

func appendSeries(series []float64, v float64, capN int) []float64 {
	series = append(series, v)
	if len(series) > capN {
		series = series[len(series)-capN:]
	}
	return series
}

func seriesStats(series []float64) (latest, minV, maxV float64, ok bool) {
	if len(series) == 0 {
		return 0, 0, 0, false
	}
	latest = series[len(series)-1]
	minV, maxV = series[0], series[0]
	for _, v := range series[1:] {
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	return latest, minV, maxV, true
}

// resample picks width evenly spaced points of series, or all of them when
// there are fewer.
func resample(series []float64, width int) []float64 {
	if len(series) <= width {
		return append([]float64(nil), series...)
	}
	out := make([]float64, 0, width)
	step := float64(len(series)-1) / float64(width-1)
	for i := 0; i < width; i++ {
		idx := int(math.Round(float64(i) * step))
		idx = min(max(idx, 0), len(series)-1)
		out = append(out, series[idx])
	}
	return out
}

// lineChart draws series as a dotted line with the range labelled on the
// left.
func lineChart(series []float64, width, height int) []string {
	width = max(width, 8)
	height = max(height, 3)
	if len(series) == 0 {
		return []string{strings.Repeat(".", width)}
	}
	sampled := resample(series, width)
	_, minV, maxV, _ := seriesStats(sampled)

	grid := make([][]rune, height)
	for r := range grid {
		grid[r] = []rune(strings.Repeat(" ", width))
	}
	center := height / 2
	lastRow := center
	for x, v := range sampled {
		row := center
		if maxV > minV {
			ratio := (v - minV) / (maxV - minV)
			row = height - 1 - int(math.Round(ratio*float64(height-1)))
		}
		row = min(max(row, 0), height-1)
		grid[row][x] = '●'
		if x > 0 {
			lo, hi := min(row, lastRow), max(row, lastRow)
			for rr := lo + 1; rr < hi; rr++ {
				if grid[rr][x-1] == ' ' {
					grid[rr][x-1] = '│'
				}
			}
		}
		lastRow = row
	}
	lines := make([]string, 0, height)
	for r := 0; r < height; r++ {
		label := "         │"
		switch r {
		case 0:
			label = fmt.Sprintf("%8.3f ┤", maxV)
		case height - 1:
			label = fmt.Sprintf("%8.3f ┤", minV)
		}
		lines = append(lines, label+string(grid[r]))
	}
	return lines
}

var sparkChars = []rune("▁▂▃▄▅▆▇█")

func sparkline(series []float64, width int) string {
	if width <= 0 {
		width = 4
	}
	if len(series) == 0 {
		return strings.Repeat(".", width)
	}
	sampled := resample(series, width)
	_, minV, maxV, _ := seriesStats(sampled)
	if maxV == minV {
		return strings.Repeat(string(sparkChars[len(sparkChars)-2]), width)
	}
	var b strings.Builder
	b.Grow(width)
	for _, v := range sampled {
		pos := int(math.Round((v - minV) / (maxV - minV) * float64(len(sparkChars)-1)))
		b.WriteRune(sparkChars[min(max(pos, 0), len(sparkChars)-1)])
	}
	for i := len(sampled); i < width; i++ {
		b.WriteRune(sparkChars[0])
	}
	return b.String()
}

// bar renders ratio of width as a plain text progress bar.
func bar(ratio float64, width int) string {
	width = max(width, 10)
	done := int(math.Round(clamp01(ratio) * float64(width)))
	return strings.Repeat("#", done) + strings.Repeat("-", width-done)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func fitHeight(s string, h int) string {
	if h <= 0 {
		return s
	}
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if len(lines) > h {
		lines = lines[:h]
	}
	for len(lines) < h {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func wrapText(s string, width int) []string {
	if width <= 1 {
		return []string{s}
	}
	paras := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(paras)*2)
	for _, p := range paras {
		words := strings.FieldsFunc(p, unicode.IsSpace)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			if len([]rune(w)) > width {
				if strings.TrimSpace(cur) != "" {
					out = append(out, cur)
				}
				rs := []rune(w)
				for len(rs) > width {
					out = append(out, string(rs[:width]))
					rs = rs[width:]
				}
				cur = string(rs)
				continue
			}
			if len([]rune(cur))+1+len([]rune(w)) <= width {
				cur += " " + w
			} else {
				out = append(out, cur)
				cur = w
			}
		}
		out = append(out, cur)
	}
	return out
}

func truncateWithEllipsis(s string, maxRunes int) string {
	maxRunes = max(maxRunes, 4)
	rs := []rune(s)
	if len(rs) <= maxRunes {
		return s
	}
	return string(rs[:maxRunes-1]) + "…"
}
