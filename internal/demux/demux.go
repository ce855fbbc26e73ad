// Package demux splits a raw agent transcription into the text that should be
// shown as speech and the code documents that should be rendered.
//
// The agent is instructed to wrap every generated document in a reserved
// marker pair (【 and 】). The pair was picked because it does not collide with
// markup, JSON, or code the model is likely to emit, and the voice platform's
// TTS is told to skip anything inside it.
//
// Extraction is a left-to-right scan, not a pattern match:
//
//  1. Find the next open marker, then the first close marker after it. The
//     first close marker always terminates the span, so nested markers are not
//     supported. An open marker without a close marker ends the scan and
//     stays in the spoken text.
//  2. Strip the markers, trim, and strip a leading ```lang fence and a
//     trailing ``` fence if the model added them anyway.
//  3. Accept the payload only if it contains "<html" or "<!doctype"
//     (case-insensitive). Accepted spans are removed from the spoken text;
//     rejected spans stay in it verbatim, markers included.
//
// [Parse] is pure and safe for concurrent use.
package demux

import (
	"strings"
	"unicode/utf8"
)

const (
	// OpenMarker opens a code span.
	OpenMarker = "【"

	// CloseMarker closes a code span.
	CloseMarker = "】"

	fence = "```"
)

// documentRoots are the lower-case markers of which at least one must appear
// in a payload for it to count as a renderable document.
var documentRoots = []string{"<html", "<!doctype"}

// Parsed is the result of demultiplexing one raw transcription.
type Parsed struct {
	// SpokenText is the input with every accepted code span removed, trimmed.
	SpokenText string

	// Codes holds the accepted payloads in left-to-right discovery order.
	// Never nil.
	Codes []string
}

// Parse demultiplexes raw into spoken text and zero or more code payloads.
// It never fails: input without markers comes back trimmed with no codes.
func Parse(raw string) Parsed {
	codes := make([]string, 0)
	if !strings.Contains(raw, OpenMarker) {
		return Parsed{SpokenText: strings.TrimSpace(raw), Codes: codes}
	}

	var spoken strings.Builder
	spoken.Grow(len(raw))

	pos := 0
	for pos < len(raw) {
		open := strings.Index(raw[pos:], OpenMarker)
		if open < 0 {
			break
		}
		open += pos
		bodyStart := open + len(OpenMarker)

		end := strings.Index(raw[bodyStart:], CloseMarker)
		if end < 0 {
			// Unterminated: the marker stays as literal text.
			break
		}
		bodyEnd := bodyStart + end
		spanEnd := bodyEnd + len(CloseMarker)

		// Text before the span is always spoken.
		spoken.WriteString(raw[pos:open])

		if code, ok := extract(raw[bodyStart:bodyEnd]); ok {
			codes = append(codes, code)
		} else {
			spoken.WriteString(raw[open:spanEnd])
		}
		pos = spanEnd
	}
	spoken.WriteString(raw[pos:])

	return Parsed{
		SpokenText: strings.TrimSpace(spoken.String()),
		Codes:      codes,
	}
}

// HasOpenMarker reports whether s contains at least one open marker. The
// session controller uses it on interim events to detect that the agent has
// started emitting a document.
func HasOpenMarker(s string) bool {
	return strings.Contains(s, OpenMarker)
}

// LooksLikeDocument reports whether s carries a document-root marker.
func LooksLikeDocument(s string) bool {
	lower := strings.ToLower(s)
	for _, root := range documentRoots {
		if strings.Contains(lower, root) {
			return true
		}
	}
	return false
}

// extract cleans a span body and validates it.
func extract(body string) (string, bool) {
	content := stripFences(strings.TrimSpace(body))
	if content == "" || !LooksLikeDocument(content) {
		return "", false
	}
	return content, true
}

// stripFences removes a leading ```lang line and a trailing ``` from s and
// trims the result.
func stripFences(s string) string {
	if rest, ok := strings.CutPrefix(s, fence); ok {
		// Language tag: letters, digits, underscore.
		i := 0
		for i < len(rest) {
			r, size := utf8.DecodeRuneInString(rest[i:])
			if !isWordRune(r) {
				break
			}
			i += size
		}
		rest = rest[i:]
		rest = strings.TrimPrefix(rest, "\r")
		rest = strings.TrimPrefix(rest, "\n")
		s = rest
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), fence)
	return strings.TrimSpace(s)
}

func isWordRune(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}
