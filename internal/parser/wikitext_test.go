package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitleTrimsAndCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "Go (programming language)", NormalizeTitle("  Go (programming   language) \n"))
}

func TestExtractPlaintextStripsTemplatesAndTables(t *testing.T) {
	body, categories := ExtractPlaintext(`{{Infobox
| name = Go
}}
Go is a language.
{|
|Field||Value
|}
More text.`)
	assert.Equal(t, "Go is a language.\nMore text.", body)
	assert.Empty(t, categories)
}

func TestExtractPlaintextCollectsAndRemovesCategories(t *testing.T) {
	body, categories := ExtractPlaintext("Intro text.\n[[Category:Programming languages]]\n[[Category:Google software|Go]]")
	assert.Equal(t, "Intro text.", body)
	assert.Equal(t, []string{"Programming languages", "Google software"}, categories)
}

func TestExtractPlaintextDeduplicatesCategories(t *testing.T) {
	_, categories := ExtractPlaintext("[[Category:X]] text [[Category:X]]")
	assert.Equal(t, []string{"X"}, categories)
}

func TestExtractPlaintextRemovesRefAndCommentTags(t *testing.T) {
	body, _ := ExtractPlaintext("Fact one.<ref>Some citation</ref> Fact two.<!-- a note --> Fact three.")
	assert.Equal(t, "Fact one. Fact two. Fact three.", body)
}

func TestExtractPlaintextKeepsLinkDisplayText(t *testing.T) {
	body, _ := ExtractPlaintext("See [[Go (programming language)|Go]] and [[Python]].")
	assert.Equal(t, "See Go and Python.", body)
}

func TestExtractPlaintextKeepsHeadingsWithoutEqualsSigns(t *testing.T) {
	body, _ := ExtractPlaintext("Intro.\n== History ==\nThe history section.")
	assert.Equal(t, "Intro.\nHistory\nThe history section.", body)
}

func TestExtractPlaintextHandlesNestedTemplates(t *testing.T) {
	body, _ := ExtractPlaintext("Before {{outer|{{inner}}}} after.")
	assert.Equal(t, "Before  after.", body)
}

func TestExtractPlaintextRemovesBoldAndItalicMarkup(t *testing.T) {
	body, _ := ExtractPlaintext("'''bold''' and ''italic'' and '''''both'''''.")
	assert.Equal(t, "bold and italic and both.", body)
}
