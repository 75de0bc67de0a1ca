package numparse

import "regexp"

// tokenRegex finds number-shaped runs: grouped amounts in any supported
// convention, or plain digit runs with an optional decimal part. Word
// boundaries keep digits embedded in identifiers (CH0038863350) out.
var tokenRegex = regexp.MustCompile(`-?\b(?:\d{1,3}(?:['’.,\x{00a0}\x{202f}]\d{3})+(?:[.,]\d+)?|\d+(?:[.,]\d+)?)\b`)

// Token is a number-shaped run located in a text.
type Token struct {
	Text   string
	Offset int
	End    int
}

// FindTokens returns every number-shaped run in text, in order.
func FindTokens(text string) []Token {
	locs := tokenRegex.FindAllStringIndex(text, -1)
	tokens := make([]Token, 0, len(locs))
	for _, loc := range locs {
		tokens = append(tokens, Token{Text: text[loc[0]:loc[1]], Offset: loc[0], End: loc[1]})
	}
	return tokens
}

// DigitCount returns the number of ASCII digits in s.
func DigitCount(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}
	return n
}
