package pageflow

import (
	"fmt"
	"net/url"
	"time"
)

// MonthURLPlan generates the month-view URLs a scan visits.
type MonthURLPlan struct {
	BaseURL      string
	Locale       string
	Offsets      []int
	DayOfMonth   int
	DaysPerMonth int
}

// WithLocale forces the request_locale query parameter onto rawURL.
func WithLocale(rawURL, locale string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if locale == "" {
		return u.String(), nil
	}
	q := u.Query()
	q.Set("request_locale", locale)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// URLs returns one month URL per offset, in priority order, relative to now.
// Offsets that land in the same month are emitted once.
func (p MonthURLPlan) URLs(now time.Time) ([]string, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	perMonth := p.DaysPerMonth
	if perMonth <= 0 {
		perMonth = 30
	}
	day := p.DayOfMonth
	if day <= 0 {
		day = 15
	}

	var (
		out  []string
		seen = make(map[string]struct{})
	)
	for _, offset := range p.Offsets {
		target := now.AddDate(0, 0, offset*perMonth)
		dateStr := fmt.Sprintf("%02d.%02d.%04d", day, int(target.Month()), target.Year())
		if _, dup := seen[dateStr]; dup {
			continue
		}
		seen[dateStr] = struct{}{}

		u := *base
		q := u.Query()
		q.Set("dateStr", dateStr)
		if p.Locale != "" {
			q.Set("request_locale", p.Locale)
		}
		u.RawQuery = q.Encode()
		out = append(out, u.String())
	}
	return out, nil
}
