// Package paginator splits story text into page-sized pieces.
package paginator

import (
	"regexp"
	"strings"
)

// Placeholder fills pages when the story has no usable sentences.
const Placeholder = "The story continues..."

// PageText is the text assigned to one page. Numbers start at 1.
type PageText struct {
	Number int    `json:"pageNumber"`
	Text   string `json:"text"`
}

// breakMarker matches an author-inserted page break: a line holding only
// three or more dashes.
var breakMarker = regexp.MustCompile(`(?m)^[ \t]*-{3,}[ \t\r]*$`)

var sentenceTerminators = regexp.MustCompile(`[.!?]+`)

// HasManualBreaks reports whether content is manually paginated.
func HasManualBreaks(content string) bool {
	return len(manualSegments(content)) > 0
}

// Split divides content into pages.
//
// Manually paginated content yields one page per segment and ignores target.
// Otherwise the result always has exactly target pages (minimum 1).
func Split(content string, target int) []PageText {
	if segments := manualSegments(content); len(segments) > 0 {
		return number(segments)
	}

	if target < 1 {
		target = 1
	}

	sentences := Sentences(content)
	if len(sentences) == 0 {
		texts := make([]string, target)
		for i := range texts {
			texts[i] = Placeholder
		}
		return number(texts)
	}

	if len(sentences) <= target {
		texts := make([]string, target)
		for i := range texts {
			texts[i] = sentences[i%len(sentences)]
		}
		return number(texts)
	}

	perPage := len(sentences) / target
	extra := len(sentences) % target
	texts := make([]string, 0, target)
	idx := 0
	for page := 0; page < target; page++ {
		n := perPage
		if page < extra {
			n++
		}
		texts = append(texts, strings.Join(sentences[idx:idx+n], " "))
		idx += n
	}
	return number(texts)
}

// Sentences normalizes whitespace and returns the terminator-delimited
// sentences of content, each ending with a period.
func Sentences(content string) []string {
	normalized := strings.Join(strings.Fields(content), " ")
	var out []string
	for _, fragment := range sentenceTerminators.Split(normalized, -1) {
		fragment = strings.TrimSpace(fragment)
		if fragment == "" {
			continue
		}
		out = append(out, fragment+".")
	}
	return out
}

func manualSegments(content string) []string {
	if !breakMarker.MatchString(content) {
		return nil
	}
	var segments []string
	for _, part := range breakMarker.Split(content, -1) {
		if part = strings.TrimSpace(part); part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}

func number(texts []string) []PageText {
	pages := make([]PageText, len(texts))
	for i, t := range texts {
		pages[i] = PageText{Number: i + 1, Text: t}
	}
	return pages
}
