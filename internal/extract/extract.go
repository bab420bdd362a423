// Package extract recovers canonical product identifiers from heterogeneous
// remote post representations.
//
// Posts created by this tool carry the identifier in first-class post meta,
// but legacy and externally-edited posts may only reference it through the
// URL slug, embedded affiliate links, CDN image filenames, or plain text in
// the title. The reconciliation sync depends on this package to recognize
// such posts as already-published products.
package extract

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// Identifier shape: at least one letter, at least one digit, only letters,
// digits, underscore and hyphen, ending in a digit. The trailing-digit rule
// keeps ISO dates like 2026-01-30 from matching.
var (
	idTextRe = regexp.MustCompile(`(?i)\b[0-9a-z_]+(?:-[0-9a-z_]+)*\d\b`)

	cidRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)cid=([a-z0-9_-]+)`),
		regexp.MustCompile(`(?i)cid%3d([a-z0-9_-]+)`),
		regexp.MustCompile(`(?i)content_id=([a-z0-9_-]+)`),
	}

	cdnRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)pics\.dmm\.co\.jp/(?:digital|mono)/[^/]+/([a-z0-9_-]+)/`),
		regexp.MustCompile(`(?i)pics\.dmm\.co\.jp/[^"'\s]+/([a-z0-9_-]+)(?:pl|jp)(?:-\d+)?\.(?:jpg|jpeg|png)`),
		regexp.MustCompile(`(?i)/wp-content/uploads/[^"'\s]+/([a-z0-9_-]+)(?:pl|jp)(?:-\d+)?\.(?:jpg|jpeg|png)`),
	}
)

// Post is the subset of a remote post the extractor inspects. Title, Excerpt
// and Content are the rendered (or raw) text forms.
type Post struct {
	MetaID  string
	Slug    string
	Content string
	Title   string
	Excerpt string
}

// conforms reports whether candidate satisfies the identifier shape rule.
// Go's regexp has no lookahead, so the letter and digit requirements are
// checked separately from the charset/trailing-digit pattern.
func conforms(candidate string) bool {
	if candidate == "" {
		return false
	}
	hasLetter := strings.ContainsFunc(candidate, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	})
	hasDigit := strings.ContainsFunc(candidate, func(r rune) bool {
		return r >= '0' && r <= '9'
	})
	if !hasLetter || !hasDigit {
		return false
	}
	last := candidate[len(candidate)-1]
	if last < '0' || last > '9' {
		return false
	}
	for _, r := range candidate {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// FromSlug derives an identifier from the trailing hyphen-delimited tokens of
// a URL slug, trying the last 1, then 2, then 3 tokens.
// Example: actress-ipx-123 -> ipx-123.
func FromSlug(slug string) (string, bool) {
	if slug == "" {
		return "", false
	}
	slug = strings.ToLower(slug)
	var parts []string
	for _, p := range strings.Split(slug, "-") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for n := 1; n <= 3; n++ {
		if len(parts) < n {
			break
		}
		candidate := strings.Join(parts[len(parts)-n:], "-")
		if conforms(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// FromText scans free text and returns the last conforming token. Product
// codes conventionally trail other text in titles and excerpts.
func FromText(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	matches := idTextRe.FindAllString(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		candidate := strings.ToLower(matches[i])
		if conforms(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// FromContent extracts an identifier from rendered post HTML: query-string
// style cid/content_id references first, then known image-CDN path
// conventions. The body is HTML-unescaped and URL-unescaped once, since
// rendered content mixes both encodings.
func FromContent(rendered string) (string, bool) {
	if rendered == "" {
		return "", false
	}
	s := html.UnescapeString(rendered)
	if unescaped, err := url.QueryUnescape(s); err == nil {
		s = unescaped
	}
	for _, re := range cidRes {
		if m := re.FindStringSubmatch(s); m != nil {
			candidate := strings.ToLower(m[1])
			if conforms(candidate) {
				return candidate, true
			}
		}
	}
	for _, re := range cdnRes {
		if m := re.FindStringSubmatch(s); m != nil {
			candidate := strings.ToLower(m[1])
			if conforms(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

// ProductID recovers the canonical product identifier from a remote post.
// Extraction order, first match wins: explicit meta field, slug suffix,
// embedded content references, title text, excerpt text. Returns false when
// no step yields a conforming token; callers must skip such posts rather
// than guess.
func ProductID(p Post) (string, bool) {
	if p.MetaID != "" {
		id := strings.ToLower(strings.TrimSpace(p.MetaID))
		if id != "" {
			return id, true
		}
	}
	if id, ok := FromSlug(p.Slug); ok {
		return id, ok
	}
	if id, ok := FromContent(p.Content); ok {
		return id, ok
	}
	if id, ok := FromText(p.Title); ok {
		return id, ok
	}
	if id, ok := FromText(p.Excerpt); ok {
		return id, ok
	}
	return "", false
}
