package services

import "unicode/utf8"

// EstimateTokens approximates the token count of a text without a vendor
// tokenizer. Mostly-ASCII prose averages roughly 3 bytes per token; CJK-heavy
// text averages roughly 2 runes per token. Whichever estimate is larger wins,
// which keeps budgets conservative for mixed-language manuscripts.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	byByte := len(text) / 3
	byRune := utf8.RuneCountInString(text) / 2
	if byRune > byByte {
		return byRune
	}
	if byByte == 0 {
		return 1
	}
	return byByte
}
