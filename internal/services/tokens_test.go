package services

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Fatalf("empty string")
	}
	if EstimateTokens("a") != 1 {
		t.Fatalf("non-empty text is never zero tokens")
	}
	// The larger of the byte and rune estimates wins, keeping budgets
	// conservative. For ASCII that is the rune estimate.
	if got := EstimateTokens(strings.Repeat("a", 300)); got != 150 {
		t.Fatalf("ascii: %d", got)
	}
	// For CJK the byte estimate is larger.
	cjk := strings.Repeat("物語", 50) // 100 runes, 300 bytes
	if got := EstimateTokens(cjk); got != 100 {
		t.Fatalf("cjk: %d", got)
	}
}
