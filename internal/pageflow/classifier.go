// Package pageflow classifies pages of the booking workflow and extracts the
// navigation links a worker follows from one stage to the next.
package pageflow

import (
	"strings"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// View is the result of inspecting a page.
type View struct {
	Type schemas.PageType
	// Gated is true when a challenge input overlays the page, on any stage.
	Gated bool
	// MonthChallenge marks the month-level challenge form. Seeing it while a
	// deeper stage was expected means the server bounced the session.
	MonthChallenge bool
	// NoAppointments is true when the page states nothing is bookable.
	NoAppointments bool
}

type urlRule struct {
	fragment string
	page     schemas.PageType
}

// Ordered most specific first; the first fragment found in the URL wins.
var urlRules = []urlRule{
	{"appointment_addappointment", schemas.PageForm},
	{"appointment_newappointmentform", schemas.PageForm},
	{"appointment_showform", schemas.PageForm},
	{"appointment_showday", schemas.PageDay},
	{"appointment_showmonth", schemas.PageMonth},
}

var (
	successMarkers = []string{
		"appointment number",
		"your appointment has been booked",
		"successfully booked",
		"termin wurde gebucht",
		"buchungsbestätigung",
	}
	errorMarkers = []string{
		"an error has occurred",
		"an error occurred",
		"internal server error",
		"service unavailable",
		"your session has expired",
		"session expired",
		"ein fehler ist aufgetreten",
	}
	formMarkers       = []string{"new appointment", "neuer termin"}
	formInputMarkers  = []string{"captchatext", "name=\"lastname\"", "name='lastname'"}
	dayMarkers        = []string{"please select an appointment", "book this appointment", "appointment_showform"}
	monthMarkers      = []string{"please select a date", "appointments are available", "appointment_showday"}
	challengeMarkers  = []string{"captcha", "security code", "verification code", "human check", "verkaptxt"}
	noAppointmentText = []string{
		"no appointments",
		"keine termine",
		"currently no date",
		"no free appointments",
		"unfortunately, there are no appointments",
	}
)

const monthChallengeMarker = "appointment_captcha_month"

// Classify returns the page type for a URL and its HTML content.
// It never fails; unrecognizable input yields PageUnknown.
func Classify(rawURL, content string) schemas.PageType {
	return Inspect(rawURL, content).Type
}

// Inspect classifies the page and reports the overlay signals alongside.
// The URL is authoritative; content keywords are consulted only when no URL rule matches.
func Inspect(rawURL, content string) View {
	u := strings.ToLower(rawURL)
	c := strings.ToLower(content)

	v := View{
		Gated:          containsAny(c, challengeMarkers),
		MonthChallenge: strings.Contains(c, monthChallengeMarker),
		NoAppointments: containsAny(c, noAppointmentText),
	}

	for _, rule := range urlRules {
		if strings.Contains(u, rule.fragment) {
			v.Type = rule.page
			// Submitting the form posts to addAppointment; only an explicit
			// confirmation turns that into success. An error page without
			// form inputs is a rejection, while a re-rendered form with an
			// error banner is still a form.
			if rule.page == schemas.PageForm {
				switch {
				case containsAny(c, successMarkers):
					v.Type = schemas.PageSuccess
				case containsAny(c, errorMarkers) && !containsAny(c, formInputMarkers):
					v.Type = schemas.PageError
				}
			}
			return v
		}
	}

	v.Type = classifyContent(c, v.Gated)
	return v
}

func classifyContent(c string, gated bool) schemas.PageType {
	switch {
	case c == "":
		return schemas.PageUnknown
	case containsAny(c, successMarkers):
		return schemas.PageSuccess
	case containsAny(c, errorMarkers):
		return schemas.PageError
	case containsAny(c, formMarkers) && containsAny(c, formInputMarkers):
		return schemas.PageForm
	case containsAny(c, dayMarkers):
		return schemas.PageDay
	case containsAny(c, monthMarkers):
		return schemas.PageMonth
	case gated:
		return schemas.PageChallengeGate
	}
	return schemas.PageUnknown
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
