package challenge

import (
	"context"
	"regexp"
)

// Ordered by how often each one matches on the live service.
var (
	inputSelectors = []string{
		"input[name='captchaText']",
		"input[name='captcha']",
		"input#captchaText",
		"input#captcha",
		"input[type='text'][placeholder*='code']",
		"input[type='text'][placeholder*='Code']",
		"input.verkaptxt",
		"input.captcha-input",
		"input[id*='captcha']",
		"input[name*='captcha']",
	}

	imageSelectors = []string{
		"captcha > div",
		"div.captcha-image",
		"div#captcha",
		"img[alt*='captcha']",
		"img[alt*='CAPTCHA']",
		"canvas.captcha",
	}

	reloadSelectors = []string{
		"input[name='action:appointment_refreshCaptcha']",
		"#appointment_newAppointmentForm_form_newappointment_refreshcaptcha",
		"input[value='Load another picture']",
		"input[value*='another picture']",
	}

	submitSelectors = []string{
		"button[type='submit']",
		"input[type='submit']",
		"button.submit",
		"a.submit",
	}

	presenceKeywords = []string{"captcha", "security code", "verification", "human check", "verkaptxt"}

	embeddedImagePattern = regexp.MustCompile(`url\(['"]?data:image/[^;]+;base64,([A-Za-z0-9+/=]+)['"]?\)`)
	dataURIPattern       = regexp.MustCompile(`^data:image/[^;]+;base64,([A-Za-z0-9+/=]+)$`)
)

// firstMatch tries candidates in order and returns the first successful result.
// It stops early when ctx is done.
func firstMatch[C, T any](ctx context.Context, candidates []C, try func(context.Context, C) (T, bool)) (T, bool) {
	var zero T
	for _, c := range candidates {
		if ctx.Err() != nil {
			return zero, false
		}
		if v, ok := try(ctx, c); ok {
			return v, true
		}
	}
	return zero, false
}
