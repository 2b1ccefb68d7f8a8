package pageflow

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// LabelTarget returns the "for" attribute of the first label whose text
// contains text, case-insensitively.
func LabelTarget(content, text string) (string, bool) {
	want := strings.ToLower(strings.TrimSpace(text))
	if want == "" {
		return "", false
	}
	z := html.NewTokenizer(strings.NewReader(content))

	var (
		inLabel bool
		target  string
		buf     strings.Builder
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken:
			tok := z.Token()
			if tok.DataAtom == atom.Label {
				inLabel, target = true, attr(tok, "for")
				buf.Reset()
			}
		case html.TextToken:
			if inLabel {
				buf.Write(z.Text())
			}
		case html.EndTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.Label || !inLabel {
				continue
			}
			inLabel = false
			if target != "" && strings.Contains(strings.ToLower(buf.String()), want) {
				return target, true
			}
		}
	}
}

// SelectWithOption returns a CSS selector for the first select element that
// offers an option with the given value.
func SelectWithOption(content, value string) (string, bool) {
	z := html.NewTokenizer(strings.NewReader(content))
	var current string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Select:
				current = selectSelector(tok)
			case atom.Option:
				if current != "" && attr(tok, "value") == value {
					return current, true
				}
			}
		case html.EndTagToken:
			if z.Token().DataAtom == atom.Select {
				current = ""
			}
		}
	}
}

func selectSelector(tok html.Token) string {
	if id := attr(tok, "id"); id != "" {
		return "select#" + cssEscape(id)
	}
	if name := attr(tok, "name"); name != "" {
		return "select[name='" + strings.ReplaceAll(name, "'", "\\'") + "']"
	}
	return "select"
}

// IDSelector turns an element id into a selector safe for ids such as
// "fields0.content" that contain CSS metacharacters.
func IDSelector(id string) string {
	return "#" + cssEscape(id)
}

func cssEscape(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('\\')
			b.WriteRune(r)
		}
	}
	return b.String()
}
