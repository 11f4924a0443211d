package reconcile

import (
	"strings"
	"testing"
)

func TestContentDiffPercent(t *testing.T) {
	tests := []struct {
		name  string
		brief string
		live  string
		want  float64
		delta float64
	}{
		{"identical", "Buy our widgets today", "Buy our widgets today", 0, 0},
		{"both empty", "", "", 0, 0},
		{"whitespace only change", "line one\nline two", "line one line two", 0, 0},
		{"leading trailing space", "  hello world  ", "hello world", 0, 0},
		{"fully disjoint equal length", strings.Repeat("a", 50), strings.Repeat("b", 50), 100, 0},
		{"one char of ten changed", "abcdefghij", "abcdefghiX", 10, 0.001},
		{"live deleted", "some brief text here", "", 100, 0},
		{"unicode aware", "привет мир", "привет мир!", 100.0 / 11.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ContentDiffPercent(tt.brief, tt.live)
			if got < tt.want-tt.delta || got > tt.want+tt.delta {
				t.Errorf("ContentDiffPercent() = %f, want %f (±%f)", got, tt.want, tt.delta)
			}
		})
	}
}

func TestContentDiffThresholdBoundary(t *testing.T) {
	// One changed char in ten is exactly 10%, the inclusive pass side.
	diff := ContentDiffPercent("abcdefghij", "abcdefghiX")
	if diff > 10.0 {
		t.Fatalf("10%% drift computed as %f, must not exceed threshold", diff)
	}
	// Two in ten is 20%, clearly failing.
	if d := ContentDiffPercent("abcdefghij", "abcdefghXY"); d <= 10.0 {
		t.Fatalf("20%% drift computed as %f, must exceed threshold", d)
	}
}
