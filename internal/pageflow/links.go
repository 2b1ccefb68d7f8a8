package pageflow

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Link is a navigation anchor pointing at the next workflow stage.
type Link struct {
	URL             string
	Text            string
	Date            string
	OpeningPeriodID string
}

const (
	dayLinkFragment  = "appointment_showday"
	slotLinkFragment = "appointment_showform"
)

// DayLinks returns the bookable day links found on a month page, in document order.
func DayLinks(pageURL, content string) []Link {
	return extractLinks(pageURL, content, dayLinkFragment)
}

// SlotLinks returns the bookable time-slot links found on a day page, in document order.
func SlotLinks(pageURL, content string) []Link {
	return extractLinks(pageURL, content, slotLinkFragment)
}

// extractLinks walks the token stream and keeps "arrow" anchors whose href
// contains fragment. Relative hrefs are resolved against pageURL.
func extractLinks(pageURL, content, fragment string) []Link {
	base, _ := url.Parse(pageURL)
	z := html.NewTokenizer(strings.NewReader(content))

	var (
		links   []Link
		current *Link
		seen    = make(map[string]struct{})
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.A {
				continue
			}
			href, class := attr(tok, "href"), attr(tok, "class")
			if !strings.Contains(strings.ToLower(href), fragment) || !hasClass(class, "arrow") {
				continue
			}
			link := newLink(base, href)
			if _, dup := seen[link.URL]; dup {
				continue
			}
			seen[link.URL] = struct{}{}
			links = append(links, link)
			current = &links[len(links)-1]
		case html.TextToken:
			if current != nil {
				current.Text += strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			if tok := z.Token(); tok.DataAtom == atom.A {
				current = nil
			}
		}
	}
}

func newLink(base *url.URL, href string) Link {
	link := Link{URL: href}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return link
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	link.URL = ref.String()
	q := ref.Query()
	link.Date = q.Get("dateStr")
	link.OpeningPeriodID = q.Get("openingPeriodId")
	return link
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(classAttr, class string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == class {
			return true
		}
	}
	return false
}
