package token

import (
	"strings"
	"testing"
)

func TestEstimatorCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hello", 2},                  // ceil(1 * 1.3)
		{"one two three four", 6},     // ceil(4 * 1.3)
		{"  spaced   out   words ", 4}, // ceil(3 * 1.3)
	}
	for _, tt := range tests {
		if got := (Estimator{}).Count(tt.text); got != tt.want {
			t.Errorf("Count(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimatorSplit(t *testing.T) {
	text := strings.Repeat("word ", 100)

	chunks := Estimator{}.Split(text, 13) // 10 words per window
	if len(chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len(strings.Fields(c)); n != 10 {
			t.Errorf("chunk %d has %d words, want 10", i, n)
		}
	}

	if got := (Estimator{}).Split("", 10); got != nil {
		t.Errorf("Split on empty text = %v, want nil", got)
	}
	if got := (Estimator{}).Split("text", 0); got != nil {
		t.Errorf("Split with zero budget = %v, want nil", got)
	}
}

func TestForEncodingEmptyName(t *testing.T) {
	if _, ok := ForEncoding("").(Estimator); !ok {
		t.Fatal("empty encoding should select the estimator")
	}
}
