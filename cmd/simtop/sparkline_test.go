package main

import (
	"strings"
	"testing"
)

func TestRenderSparklineEmpty(t *testing.T) {
	got := renderSparkline(nil, 5)
	if got != "     " {
		t.Errorf("expected 5 spaces, got %q", got)
	}
}

func TestRenderSparklineFlat(t *testing.T) {
	got := renderSparkline([]float64{1, 1, 1, 1}, 4)
	for _, r := range got {
		if r != sparkBuckets[len(sparkBuckets)-1] {
			t.Errorf("expected every column at max bucket for a flat series, got %q", got)
			break
		}
	}
}

func TestRenderSparklineRange(t *testing.T) {
	got := renderSparkline([]float64{0, 1}, 2)
	runes := []rune(got)
	if len(runes) != 2 {
		t.Fatalf("expected 2 columns, got %d", len(runes))
	}
	if runes[0] != sparkBuckets[0] {
		t.Errorf("expected lowest value at empty bucket, got %q", string(runes[0]))
	}
	if runes[1] != sparkBuckets[len(sparkBuckets)-1] {
		t.Errorf("expected highest value at full bucket, got %q", string(runes[1]))
	}
}

func TestRenderSparklineTruncatesToWidth(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	got := renderSparkline(values, 2)
	if len([]rune(got)) != 2 {
		t.Fatalf("expected output clipped to width 2, got %d runes", len([]rune(got)))
	}
	if !strings.ContainsRune(got, sparkBuckets[len(sparkBuckets)-1]) {
		t.Errorf("expected the most recent (largest) value to hit the top bucket, got %q", got)
	}
}

func TestRenderSparklinePadsShortSeries(t *testing.T) {
	got := renderSparkline([]float64{5}, 4)
	if len([]rune(got)) != 4 {
		t.Fatalf("expected output padded to width 4, got %d runes", len([]rune(got)))
	}
}
