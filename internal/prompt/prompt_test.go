// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSystemBasic(t *testing.T) {
	doc := Document{
		Title:  "The Tides",
		Source: "example.com",
		Byline: "A. Writer",
		Text:   "<p>The sea rises twice a day.</p>",
	}
	notes := []Annotation{
		{Anchor: "twice a day", Text: "why twice?"},
		{Anchor: "", Text: ""},
	}

	out := BuildSystem(doc, notes)

	assert.Contains(t, out, "You are a reading assistant.")
	assert.Contains(t, out, "Article: The Tides")
	assert.Contains(t, out, "Source: example.com")
	assert.Contains(t, out, "By: A. Writer")
	assert.Contains(t, out, "The sea rises twice a day.")
	assert.NotContains(t, out, "<p>")
	assert.Contains(t, out, "1. (twice a day) why twice?")
	assert.Contains(t, out, "2. (unanchored) (highlight only)")
}

func TestBuildSystemPlaceholders(t *testing.T) {
	out := BuildSystem(Document{Text: "body"}, nil)

	assert.Contains(t, out, "Article: Untitled")
	assert.Contains(t, out, "Source: unknown")
	assert.NotContains(t, out, "By:")
	assert.Contains(t, out, "(none yet)")
}

func TestBuildSystemCapsExcerpt(t *testing.T) {
	doc := Document{Title: "Long", Text: strings.Repeat("a", MaxExcerptChars+500)}
	out := BuildSystem(doc, nil)
	assert.LessOrEqual(t, len(out), MaxPromptChars)
	assert.NotContains(t, out, strings.Repeat("a", MaxExcerptChars+1))
}

func TestBuildSystemCapsAnnotations(t *testing.T) {
	notes := make([]Annotation, MaxAnnotations+10)
	for i := range notes {
		notes[i] = Annotation{Text: "note"}
	}
	out := BuildSystem(Document{Text: "x"}, notes)
	assert.Contains(t, out, "40. (unanchored) note")
	assert.NotContains(t, out, "41. (")
}

func TestBuildSystemTruncatesLongAnnotation(t *testing.T) {
	long := strings.Repeat("n", MaxAnnotationChars+50)
	out := BuildSystem(Document{Text: "x"}, []Annotation{{Text: long}})
	assert.Contains(t, out, strings.Repeat("n", MaxAnnotationChars))
	assert.NotContains(t, out, strings.Repeat("n", MaxAnnotationChars+1))
}

func TestStripMarkup(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"tags removed", "<b>bold</b> text", "bold text"},
		{"entities unescaped", "fish &amp; chips", "fish & chips"},
		{"whitespace collapsed", "a\n\n  b\tc", "a b c"},
		{"nested tags", "<div><span>deep</span></div>", "deep"},
		{"plain text untouched", "already clean", "already clean"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripMarkup(tc.in))
		})
	}
}

func TestStripMarkupNormalizes(t *testing.T) {
	// e + combining acute normalizes to the precomposed form.
	assert.Equal(t, "café", StripMarkup("café"))
}

func TestTruncateCountsRunes(t *testing.T) {
	assert.Equal(t, "日本", truncate("日本語", 2))
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "", truncate("abc", 0))
}
