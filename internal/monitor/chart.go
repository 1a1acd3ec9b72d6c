package monitor

import (
	"fmt"
	"math"
	"strings"
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

// resample picks width evenly spaced points from series.
func resample(series []float64, width int) []float64 {
	if len(series) <= width {
		return append([]float64(nil), series...)
	}
	out := make([]float64, 0, width)
	step := float64(len(series)-1) / float64(width-1)
	for i := 0; i < width; i++ {
		idx := int(math.Round(float64(i) * step))
		out = append(out, series[min(max(idx, 0), len(series)-1)])
	}
	return out
}

// lineChart draws series as a height-row plot with min/max labels.
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
			row = height - 1 - int(math.Round((v-minV)/(maxV-minV)*float64(height-1)))
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

func sparkline(series []float64, width int) string {
	width = max(width, 4)
	if len(series) == 0 {
		return strings.Repeat(".", width)
	}
	sampled := resample(series, width)
	_, minV, maxV, _ := seriesStats(sampled)
	chars := []rune("▁▂▃▄▅▆▇█")
	if maxV == minV {
		return strings.Repeat(string(chars[len(chars)-2]), width)
	}
	var b strings.Builder
	for _, v := range sampled {
		pos := int(math.Round((v - minV) / (maxV - minV) * float64(len(chars)-1)))
		b.WriteRune(chars[min(max(pos, 0), len(chars)-1)])
	}
	for i := len(sampled); i < width; i++ {
		b.WriteRune(chars[0])
	}
	return b.String()
}
