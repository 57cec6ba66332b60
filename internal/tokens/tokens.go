package tokens

import (
	"strings"
	"unicode"
)

// Sequence splits text on word boundaries and lower-cases every token.
// A word character is a letter, a digit or an underscore.
func Sequence(text string) []string {
	if text == "" {
		return nil
	}

	var out []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	for _, char := range text {
		if isWordChar(char) {
			current.WriteRune(unicode.ToLower(char))
			continue
		}
		flush()
	}
	flush()

	return out
}

// Words returns the distinct word tokens of text in first-seen order.
func Words(text string) []string {
	seq := Sequence(text)
	if len(seq) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(seq))
	out := make([]string, 0, len(seq))
	for _, tok := range seq {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Whitespace splits text on whitespace only and lower-cases every field.
// Punctuation stays attached to its field.
func Whitespace(text string) []string {
	fields := strings.Fields(text)
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// ContainsPhrase reports whether the word sequence phrase occurs in seq.
func ContainsPhrase(seq, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(seq) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(seq); i++ {
		for j, p := range phrase {
			if seq[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}

// CountTokens returns the number of word tokens in text.
func CountTokens(text string) int {
	return len(Sequence(text))
}

func isWordChar(char rune) bool {
	return unicode.IsLetter(char) || unicode.IsNumber(char) || char == '_'
}
