package coordinator

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

const fakeBase = "https://fake.test/extern/appointment_showMonth.do?locationCode=sana"

// fakeSite is an in-memory booking service shared by every page it opens.
type fakeSite struct {
	mu sync.Mutex

	daysOpen   bool
	monthGate  bool
	blackImage bool
	// gateSticks keeps the month gate up after a correct submit.
	gateSticks bool
	bounceDay  bool
	// rejections is how many submits are silently rejected before one is accepted.
	rejections int
	// submitError answers every submit with the server's error page.
	submitError bool

	bookings int
	submits  int
	opened   int
	closed   int
	filled   map[string]string
}

func newFakeSite() *fakeSite {
	return &fakeSite{filled: make(map[string]string)}
}

func (s *fakeSite) NewPage(_ context.Context, _ schemas.Fingerprint) (schemas.PageDriver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened++
	return &fakePage{site: s}, nil
}

func (s *fakeSite) counts() (bookings, opened, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookings, s.opened, s.closed
}

func (s *fakeSite) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *fakeSite) value(sel string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled[sel]
}

// submit decides the fate of a posted form.
func (s *fakeSite) submit() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	switch {
	case s.submitError:
		return addAppointmentURL, `<html><body><h1>An error has occurred</h1></body></html>`
	case s.rejections > 0:
		s.rejections--
		return slotURL, formHTML
	case s.bookings == 0:
		s.bookings++
		return addAppointmentURL, `<p>Your appointment number is 4711.</p>`
	default:
		return "https://fake.test/extern/error.do", `<p>An error has occurred.</p>`
	}
}

const (
	addAppointmentURL = "https://fake.test/extern/appointment_addAppointment.do"
	slotURL           = "https://fake.test/extern/appointment_showForm.do?locationCode=sana&openingPeriodId=77&date=20.12.2026"

	openMonthHTML = `<h2>Please select a date</h2>
<a class="arrow" href="appointment_showDay.do?locationCode=sana&amp;dateStr=20.12.2026">Appointments are available</a>`
	closedMonthHTML = `<p>Unfortunately, there are no appointments available at this time.</p>`
	dayHTML         = `<h2>Please select an appointment</h2>
<a class="arrow" href="appointment_showForm.do?locationCode=sana&amp;openingPeriodId=77&amp;date=20.12.2026">08:00 Book this appointment</a>`
	formHTML = `<h2>New appointment</h2><form>
<label for="lastname">Last name</label><input id="lastname" name="lastname">
<input name="firstname"><input name="email"><input name="emailrepeat">
<label for="fields0.content">Passport number</label><input id="fields0.content" name="fields[0].content">
<label>Telephone</label><input name="fields[1].content">
<select name="fields[3].content"><option value="">Please select</option><option value="1">Study</option></select>
<input type="submit" value="Submit">
</form>`
)

func gateHTML(imageBytes int) string {
	img := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x5a}, imageBytes))
	return fmt.Sprintf(`<form id="appointment_captcha_month"><p>Please enter the captcha text</p>
<captcha><div style="background:url('data:image/jpg;base64,%s')"></div></captcha>
<input name="captchaText" type="text"></form>`, img)
}

// Selectors the fake understands, keyed to a marker in the page HTML.
var fakeSelectors = map[string]string{
	"input[name='captchaText']":        `name="captchaText"`,
	lastNameField:                      `name="lastname"`,
	"input[name='firstname']":          `name="firstname"`,
	"input[name='email']":              `name="email"`,
	"input[name='emailrepeat']":        `name="emailrepeat"`,
	`#fields0\.content`:                `id="fields0.content"`,
	passportField:                      `name="fields[0].content"`,
	phoneField:                         `name="fields[1].content"`,
	"select[name='fields[3].content']": `<select name="fields[3].content"`,
	"input[type='submit']":             `type="submit"`,
}

type fakePage struct {
	site *fakeSite

	mu     sync.Mutex
	url    string
	html   string
	gate   bool
	closed bool
}

func (p *fakePage) present(sel string) bool {
	marker, ok := fakeSelectors[sel]
	return ok && strings.Contains(p.html, marker)
}

func (p *fakePage) Navigate(_ context.Context, url string, _ schemas.WaitCondition, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return schemas.ErrDriverClosed
	}
	s := p.site
	s.mu.Lock()
	defer s.mu.Unlock()

	p.url, p.gate = url, false
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, "appointment_showday"):
		if s.bounceDay {
			p.url, p.html = fakeBase, gateHTML(2000)
			return nil
		}
		p.html = dayHTML
	case strings.Contains(lower, "appointment_showform"):
		p.html = formHTML
	case s.monthGate:
		p.gate = true
		size := 2000
		if s.blackImage {
			size = 100
		}
		p.html = gateHTML(size)
	default:
		p.html = s.monthHTML()
	}
	return nil
}

func (s *fakeSite) monthHTML() string {
	if s.daysOpen {
		return openMonthHTML
	}
	return closedMonthHTML
}

func (p *fakePage) QueryVisible(_ context.Context, sel string, _ time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.present(sel)
}

func (p *fakePage) Content(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", schemas.ErrDriverClosed
	}
	return p.html, nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", schemas.ErrDriverClosed
	}
	return p.url, nil
}

func (p *fakePage) Click(_ context.Context, sel string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, schemas.ErrDriverClosed
	}
	if sel != "input[type='submit']" || !p.present(sel) {
		return false, nil
	}
	p.url, p.html = p.site.submit()
	return true, nil
}

func (p *fakePage) FillField(_ context.Context, sel, value string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, schemas.ErrDriverClosed
	}
	if !p.present(sel) {
		return false, nil
	}
	p.site.mu.Lock()
	p.site.filled[sel] = value
	p.site.mu.Unlock()
	return true, nil
}

func (p *fakePage) SelectOption(_ context.Context, sel, value string) (bool, error) {
	return p.FillField(context.Background(), sel, value)
}

func (p *fakePage) PressEnter(_ context.Context, sel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return schemas.ErrDriverClosed
	}
	if !p.gate || !p.present(sel) {
		return fmt.Errorf("no element matches %q", sel)
	}
	p.site.mu.Lock()
	defer p.site.mu.Unlock()
	if p.site.gateSticks {
		return nil
	}
	p.gate = false
	p.html = p.site.monthHTML()
	return nil
}

func (p *fakePage) CaptureScreenshot(context.Context, string) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

func (p *fakePage) Attribute(context.Context, string, string) (string, bool) {
	return "", false
}

func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.site.mu.Lock()
	p.site.closed++
	p.site.mu.Unlock()
	return nil
}
