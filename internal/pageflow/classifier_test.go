package pageflow

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

const (
	baseHost = "https://service.example/extern/"

	formHTML = `<html><body><h2>New appointment</h2>
		<form id="appointment_newAppointmentForm">
		<input name="lastname"/><input name="captchaText" class="verkaptxt"/>
		<div class="captcha"><div style="background:url('data:image/jpg;base64,AAAA')"></div></div>
		</form></body></html>`
	monthHTML = `<html><body><p>Please select a date</p>
		<a class="arrow" href="extern/appointment_showDay.do?locationCode=x&amp;dateStr=17.03.2026">Appointments are available</a>
		</body></html>`
	monthGateHTML = `<html><body><form id="appointment_captcha_month">
		<p>Please enter the characters shown in the image (captcha).</p>
		<input name="captchaText"/></form></body></html>`
	dayHTML = `<html><body><h3>Please select an appointment</h3>
		<a class="arrow" href="appointment_showForm.do?openingPeriodId=123&amp;dateStr=17.03.2026">Book this appointment</a>
		</body></html>`
)

func TestClassify_URLFirst(t *testing.T) {
	testCases := []struct {
		name    string
		url     string
		content string
		want    schemas.PageType
	}{
		{"month by url", baseHost + "appointment_showMonth.do?locationCode=x", "", schemas.PageMonth},
		{"day by url", baseHost + "appointment_showDay.do?dateStr=17.03.2026", "", schemas.PageDay},
		{"form by showForm url", baseHost + "appointment_showForm.do?openingPeriodId=1", "", schemas.PageForm},
		{"form by newAppointmentForm url", baseHost + "appointment_newAppointmentForm.do", "", schemas.PageForm},
		{"url beats contradicting content", baseHost + "appointment_showDay.do", monthHTML, schemas.PageDay},
		{"add appointment without confirmation stays form", baseHost + "appointment_addAppointment.do", formHTML, schemas.PageForm},
		{"add appointment with confirmation is success", baseHost + "appointment_addAppointment.do",
			"<p>Your appointment has been booked. Appointment number: 4711</p>", schemas.PageSuccess},
		{"add appointment with error content is error", baseHost + "appointment_addAppointment.do",
			"<html><body><h1>An error has occurred</h1></body></html>", schemas.PageError},
		{"add appointment re-rendering the form with an error banner stays form", baseHost + "appointment_addAppointment.do",
			"<p class=\"error\">An error occurred: the entered text was wrong.</p>" + formHTML, schemas.PageForm},
		{"url matching is case insensitive", "HTTPS://X/EXTERN/APPOINTMENT_SHOWMONTH.DO", "", schemas.PageMonth},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.url, tc.content))
		})
	}
}

func TestClassify_ContentFallback(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		want    schemas.PageType
	}{
		{"month keywords", monthHTML, schemas.PageMonth},
		{"day keywords", dayHTML, schemas.PageDay},
		{"form keywords", formHTML, schemas.PageForm},
		{"challenge only", monthGateHTML, schemas.PageChallengeGate},
		{"success allow-list", "Thank you. Appointment number 12345", schemas.PageSuccess},
		{"error page", "<h1>An error has occurred</h1>", schemas.PageError},
		{"empty", "", schemas.PageUnknown},
		{"unrelated", "<html><body>hello</body></html>", schemas.PageUnknown},
		{"success is not guessed from generic words", "Thank you for visiting", schemas.PageUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify("https://service.example/somewhere", tc.content))
		})
	}
}

// A form page always carries a challenge; it must still be a form, not a gate.
func TestClassify_FormWithChallengeIsForm(t *testing.T) {
	v := Inspect(baseHost+"appointment_showForm.do?openingPeriodId=9", formHTML)
	assert.Equal(t, schemas.PageForm, v.Type)
	assert.True(t, v.Gated)
	assert.False(t, v.MonthChallenge)
}

func TestInspect_Signals(t *testing.T) {
	t.Run("month gate on a month url", func(t *testing.T) {
		v := Inspect(baseHost+"appointment_showMonth.do", monthGateHTML)
		assert.Equal(t, schemas.PageMonth, v.Type)
		assert.True(t, v.Gated)
		assert.True(t, v.MonthChallenge)
	})

	t.Run("no appointments", func(t *testing.T) {
		v := Inspect(baseHost+"appointment_showMonth.do", "<p>Unfortunately, there are no appointments available</p>")
		assert.True(t, v.NoAppointments)
		assert.True(t, Inspect("", "Keine Termine verfügbar").NoAppointments)
		assert.False(t, Inspect(baseHost+"appointment_showMonth.do", monthHTML).NoAppointments)
	})
}

func TestClassify_Deterministic(t *testing.T) {
	for i := 0; i < 5; i++ {
		assert.Equal(t, schemas.PageDay, Classify("", dayHTML))
	}
}

func FuzzClassify(f *testing.F) {
	f.Add(baseHost+"appointment_showForm.do", formHTML)
	f.Add("", "")
	f.Add("%%%://\x00", "<a class=arrow href=")

	f.Fuzz(func(t *testing.T, rawURL, content string) {
		got := Classify(rawURL, content)
		switch got {
		case schemas.PageMonth, schemas.PageDay, schemas.PageForm, schemas.PageChallengeGate,
			schemas.PageSuccess, schemas.PageError, schemas.PageUnknown:
		default:
			t.Fatalf("unexpected page type %q", got)
		}
		_ = DayLinks(rawURL, content)
		_ = SlotLinks(rawURL, content)
	})
}

func FuzzInspect_Structured(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		page := struct {
			URL     string
			Content string
		}{}
		if err := consumer.GenerateStruct(&page); err != nil {
			return
		}
		v := Inspect(page.URL, page.Content)
		assert.Equal(t, v.Type, Classify(page.URL, page.Content))
	})
}
