package main

import "strings"

// sparkBuckets are block characters from empty to full height, the
// same rune-bucketing idea the pack's candlestick chart uses to map a
// continuous value onto a small set of terminal glyphs — collapsed
// here from a full OHLC candle to a single point per column, since a
// price index has one value per timepoint rather than a range.
var sparkBuckets = []rune(" ▁▂▃▄▅▆▇█")

// renderSparkline draws values (oldest first) as a one-line bar chart
// width columns wide, using the most recent len(values) up to width
// points. An empty input renders a placeholder line.
func renderSparkline(values []float64, width int) string {
	if len(values) == 0 {
		return strings.Repeat(" ", width)
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	var b strings.Builder
	spread := max - min
	for _, v := range values {
		idx := len(sparkBuckets) - 1
		if spread > 0 {
			idx = int((v - min) / spread * float64(len(sparkBuckets)-1))
		}
		b.WriteRune(sparkBuckets[idx])
	}
	if pad := width - len(values); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	return b.String()
}
