package illustrator

import (
	"fmt"
	"strings"

	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/Lllllllleong/storybookflow/internal/paginator"
)

// BookMeta is the story context shared by every prompt of one book.
type BookMeta struct {
	StoryID              string
	Title                string
	Overview             string
	CharacterDescription string
}

const noTextInstruction = "Do not include any text, letters, words, captions, speech bubbles or signage in the image."

const styleInstruction = "Create a warm, colorful children's picture book illustration with consistent characters and art style across the whole book."

// PagePrompt builds the prompt for one story page.
func PagePrompt(meta BookMeta, page paginator.PageText, format formats.FormatSpec) string {
	var b strings.Builder
	b.WriteString(styleInstruction)
	fmt.Fprintf(&b, "\n\nBook title: %q", meta.Title)
	fmt.Fprintf(&b, "\n\nStory overview (for continuity):\n%s", strings.TrimSpace(meta.Overview))
	fmt.Fprintf(&b, "\n\nIllustrate page %d, which reads:\n%s", page.Number, strings.TrimSpace(page.Text))
	if d := strings.TrimSpace(meta.CharacterDescription); d != "" {
		fmt.Fprintf(&b, "\n\nCharacters must look exactly like this on every page: %s", d)
	}
	fmt.Fprintf(&b, "\n\nFormat: %s. %s", format.Key, format.Directive)
	b.WriteString("\n\n")
	b.WriteString(noTextInstruction)
	return b.String()
}

// CoverPrompt builds the cover prompt. The title is the one piece of text
// the model is asked to draw, inside a fixed band at the top.
func CoverPrompt(meta BookMeta, format formats.FormatSpec) string {
	var b strings.Builder
	b.WriteString(styleInstruction)
	fmt.Fprintf(&b, "\n\nDesign the front cover for the book %q.", meta.Title)
	fmt.Fprintf(&b, "\n\nStory overview:\n%s", strings.TrimSpace(meta.Overview))
	if d := strings.TrimSpace(meta.CharacterDescription); d != "" {
		fmt.Fprintf(&b, "\n\nMain characters: %s", d)
	}
	fmt.Fprintf(&b, "\n\nFormat: %s. %s", format.Key, format.Directive)
	fmt.Fprintf(&b, "\n\nRender the title %q in large, legible lettering within the top 25%% of the image, spanning about 70%% of its width and centered horizontally. Apart from the title, no other text may appear.", meta.Title)
	return b.String()
}
