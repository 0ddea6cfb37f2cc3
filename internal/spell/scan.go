// Package spell finds the lowercase spelling of "TypeScript" in document text.
//
// Scan is pure: it reads only its arguments and can be called from any
// goroutine.
package spell

import (
	"strings"
	"unicode/utf16"
)

// Token is the misspelling the scanner looks for.
const Token = "typescript"

// TokenLength is the length of Token in bytes and in UTF-16 units.
const TokenLength = len(Token)

// RelatedNotes are attached to every finding when the client can show
// related information.
var RelatedNotes = []string{"Spelling matters", "Particularly for names"}

// Finding is one reported occurrence of Token.
type Finding struct {
	Line     int // zero-based line index
	Column   int // zero-based column in UTF-16 code units
	Offset   int // byte offset of the match within the line
	Length   int
	Message  string
	Severity Severity
}

// Scan returns at most maxFindings findings in document order, one per line
// at most. Lines end at "\n" or "\r\n".
func Scan(text string, maxFindings int) []Finding {
	if maxFindings <= 0 || text == "" {
		return nil
	}
	var out []Finding
	for i, line := range splitLines(text) {
		if len(out) >= maxFindings {
			break
		}
		idx := strings.Index(line, Token)
		if idx < 0 {
			continue
		}
		matched := line[idx : idx+TokenLength]
		out = append(out, Finding{
			Line:     i,
			Column:   utf16Len(line[:idx]),
			Offset:   idx,
			Length:   TokenLength,
			Message:  matched + " should be spelled TypeScript",
			Severity: SevWarning,
		})
	}
	return out
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

func utf16Len(s string) int {
	units := 0
	for _, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		units += n
	}
	return units
}
