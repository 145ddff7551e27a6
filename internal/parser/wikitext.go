package parser

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeTitle applies the title-normalization rule used for uniqueness
// in the relational store: Unicode NFC, trim, collapse internal
// whitespace. Case is preserved (uniqueness comparison is case-insensitive
// and is the relational store's responsibility, not this function's).
func NormalizeTitle(title string) string {
	t := norm.NFC.String(title)
	t = strings.TrimSpace(t)
	return whitespaceRun.ReplaceAllString(t, " ")
}

var whitespaceRun = regexp.MustCompile(`[ \t\r\n]+`)

var (
	categoryLink = regexp.MustCompile(`(?i)\[\[\s*Category\s*:\s*([^|\]]+?)(?:\|[^\]]*)?\]\]`)
	refTag       = regexp.MustCompile(`(?is)<ref[^>]*?(?:/>|>.*?</ref>)`)
	htmlComment  = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlTag      = regexp.MustCompile(`(?s)<[^>]+>`)
	headingLine  = regexp.MustCompile(`(?m)^(={2,6})\s*(.*?)\s*=+\s*$`)
	boldItalic   = regexp.MustCompile(`'''''|'''|''`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
	trailingWS   = regexp.MustCompile(`[ \t]+\n`)
)

// ExtractPlaintext strips MediaWiki markup down to readable plaintext and
// returns the body alongside the ordered, deduplicated set of categories
// found as inline [[Category:X]] links.
//
// The subset of markup handled is deterministic but not a faithful
// MediaWiki renderer (spec.md explicitly does not require that): templates
// and tables are removed wholesale, ref/comment tags are removed, link
// display text is kept, and heading lines are kept without their "=" marks.
func ExtractPlaintext(wikitext string) (body string, categories []string) {
	text := wikitext

	categories = extractCategories(text)
	text = categoryLink.ReplaceAllString(text, "")

	text = htmlComment.ReplaceAllString(text, "")
	text = refTag.ReplaceAllString(text, "")
	text = removeBalanced(text, "{{", "}}")
	text = removeTables(text)
	text = removeBalanced(text, "[[File:", "]]")
	text = removeBalanced(text, "[[Image:", "]]")
	text = htmlTag.ReplaceAllString(text, "")

	text = headingLine.ReplaceAllString(text, "$2")
	text = replaceLinks(text)
	text = boldItalic.ReplaceAllString(text, "")

	text = trailingWS.ReplaceAllString(text, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	return text, categories
}

func extractCategories(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range categoryLink.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// removeBalanced removes every run from open to its matching close,
// tracking nesting depth so that e.g. {{a|{{b}}}} is removed as one unit.
func removeBalanced(text, open, closeTok string) string {
	var b strings.Builder
	depth := 0
	i := 0
	for i < len(text) {
		switch {
		case strings.HasPrefix(text[i:], open):
			depth++
			i += len(open)
		case depth > 0 && strings.HasPrefix(text[i:], closeTok):
			depth--
			i += len(closeTok)
		case depth > 0:
			i++
		default:
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// removeTables removes MediaWiki table blocks delimited by lines starting
// with "{|" and ending with "|}", tracking nesting.
func removeTables(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	depth := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "{|"):
			depth++
		case depth > 0 && strings.HasPrefix(trimmed, "|}"):
			depth--
		case depth == 0:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var wikiLink = regexp.MustCompile(`\[\[([^\]|]+)(?:\|([^\]]*))?\]\]`)

// replaceLinks keeps link display text: [[A|B]] -> B, [[A]] -> A.
func replaceLinks(text string) string {
	return wikiLink.ReplaceAllStringFunc(text, func(m string) string {
		parts := wikiLink.FindStringSubmatch(m)
		if parts[2] != "" {
			return parts[2]
		}
		return parts[1]
	})
}
