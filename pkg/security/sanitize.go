package security

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	htmlTagPattern      = regexp.MustCompile(`(?s)<!--.*?-->|<[^>]*>`)
	scriptBlockPattern  = regexp.MustCompile(`(?is)<(script|style|iframe|object|embed)[^>]*>.*?</(script|style|iframe|object|embed)\s*>`)
	dangerousTagPattern = regexp.MustCompile(`(?i)</?(script|iframe|object|embed|style)[^>]*>`)
	eventAttrPattern    = regexp.MustCompile(`(?i)\s*\bon[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	jsProtocolPattern   = regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
)

// SanitizeString trims surrounding whitespace and drops control characters
// other than newline and tab
func SanitizeString(input string) string {
	return strings.TrimSpace(removeControlCharacters(input))
}

// StripHTMLTags removes every tag and comment, keeping the text between them
func StripHTMLTags(input string) string {
	return htmlTagPattern.ReplaceAllString(input, "")
}

// SanitizeForXSS removes script-capable blocks, inline event handlers and
// script protocols
func SanitizeForXSS(input string) string {
	out := scriptBlockPattern.ReplaceAllString(input, "")
	out = dangerousTagPattern.ReplaceAllString(out, "")
	out = eventAttrPattern.ReplaceAllString(out, "")
	return jsProtocolPattern.ReplaceAllString(out, "")
}

// ContainsXSS reports whether input still carries script-capable markup
func ContainsXSS(input string) bool {
	return dangerousTagPattern.MatchString(input) ||
		eventAttrPattern.MatchString(input) ||
		jsProtocolPattern.MatchString(input)
}

// NormalizeWhitespace collapses whitespace runs into one space and trims the ends
func NormalizeWhitespace(input string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(input, " "))
}

// TruncateString cuts input to at most maxLength bytes without splitting a rune
func TruncateString(input string, maxLength int) string {
	if maxLength <= 0 {
		return ""
	}
	if len(input) <= maxLength {
		return input
	}
	cut := maxLength
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	return input[:cut]
}

// SanitizeInput prepares free text supplied by a caller for storage and
// logging. A maxLength of zero or less disables truncation.
func SanitizeInput(input string, maxLength int) string {
	out := SanitizeString(input)
	out = SanitizeForXSS(out)
	out = StripHTMLTags(out)
	out = NormalizeWhitespace(out)
	if maxLength > 0 {
		out = TruncateString(out, maxLength)
	}
	return out
}

func removeControlCharacters(input string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
}
