// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt assembles the bounded system prompt handed to every
// provider: a fixed preamble, document metadata, a markup-stripped
// excerpt, and the reader's annotations.
package prompt

import (
	"fmt"
	"html"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Size ceilings for the assembled prompt.
const (
	// MaxExcerptChars caps the document excerpt.
	MaxExcerptChars = 4000

	// MaxAnnotations caps how many annotations are rendered.
	MaxAnnotations = 40

	// MaxAnnotationChars caps each rendered annotation's text.
	MaxAnnotationChars = 240

	// MaxPromptChars caps the whole assembled prompt.
	MaxPromptChars = 8000
)

// preamble is the fixed instruction block that opens every prompt.
const preamble = `You are a reading assistant. The user has saved the article below and may have highlighted passages and written notes on it. Answer questions about the article grounded in its text and the user's notes. Be concise; quote the article when it helps.`

// Document is the article or PDF under discussion.
type Document struct {
	Title  string
	Source string
	Byline string
	Text   string
}

// Annotation is one of the user's notes on the document.
type Annotation struct {
	// Anchor is the highlighted passage or section label the note is
	// attached to; may be empty for free-floating notes.
	Anchor string

	// Text is the note body; may be empty for bare highlights.
	Text string
}

// BuildSystem assembles the system prompt for a document and its
// annotations, within the documented ceilings.
func BuildSystem(doc Document, notes []Annotation) string {
	var b strings.Builder

	b.WriteString(preamble)
	b.WriteString("\n\n")

	b.WriteString("Article: ")
	b.WriteString(orPlaceholder(doc.Title, "Untitled"))
	b.WriteString("\nSource: ")
	b.WriteString(orPlaceholder(doc.Source, "unknown"))
	if doc.Byline != "" {
		b.WriteString("\nBy: ")
		b.WriteString(doc.Byline)
	}
	b.WriteString("\n\nExcerpt:\n")
	b.WriteString(truncate(StripMarkup(doc.Text), MaxExcerptChars))

	b.WriteString("\n\nReader notes:\n")
	if len(notes) == 0 {
		b.WriteString("(none yet)")
	} else {
		if len(notes) > MaxAnnotations {
			notes = notes[:MaxAnnotations]
		}
		for i, note := range notes {
			if i > 0 {
				b.WriteByte('\n')
			}
			anchor := orPlaceholder(strings.TrimSpace(note.Anchor), "unanchored")
			text := orPlaceholder(truncate(strings.TrimSpace(note.Text), MaxAnnotationChars), "(highlight only)")
			fmt.Fprintf(&b, "%d. (%s) %s", i+1, anchor, text)
		}
	}

	return truncate(b.String(), MaxPromptChars)
}

// StripMarkup removes HTML tags, unescapes entities, collapses
// whitespace, and NFC-normalizes the result.
func StripMarkup(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			b.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}

	return norm.NFC.String(collapseSpace(html.UnescapeString(b.String())))
}

// collapseSpace folds runs of whitespace into single spaces.
func collapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// truncate caps a string at max characters (runes, not bytes).
func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// orPlaceholder returns s, or the placeholder when s is empty.
func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}
