package coordinator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/metrics"
	"github.com/xkilldash9x/termin-cli/internal/notify"
	"github.com/xkilldash9x/termin-cli/internal/pageflow"
	"github.com/xkilldash9x/termin-cli/internal/schedule"
)

// formCheckTimeout bounds the check for the booking form's first field.
const formCheckTimeout = 2 * time.Second

const (
	lastNameField = "input[name='lastname']"
	passportField = "input[name='fields[0].content']"
	phoneField    = "input[name='fields[1].content']"
)

var formSubmitSelectors = []string{
	"input[type='submit']",
	"button[type='submit']",
	"input.button",
	"button.submit",
}

// scout walks the month plan and publishes the first month with open days.
// It never books.
func (w *worker) scout(ctx context.Context) error {
	w.c.deps.Stats.Inc(metrics.Scans)
	urls, err := w.c.plan.URLs(w.c.sched.Now())
	if err != nil {
		return err
	}

	for _, monthURL := range urls {
		ps, days, err := w.scanMonth(ctx, monthURL)
		if err != nil {
			return err
		}
		if len(days) == 0 {
			continue
		}

		w.logger.Info("Open days found", zap.Int("days", len(days)), zap.String("url", monthURL))
		w.record(schemas.IncidentSlotDetected, schemas.SeverityInfo, fmt.Sprintf("%d open days", len(days)), map[string]string{
			"url":       monthURL,
			"first_day": days[0].Date,
		})
		w.saveEvidence(ctx, "days_found", ps, nil)
		if w.c.shared.PublishTarget(monthURL) {
			w.c.deps.Notifier.SendAlert(ctx, notify.AlertMessage("Appointments available",
				fmt.Sprintf("%d open days\n%s", len(days), monthURL)))
		}
		return nil
	}
	w.logger.Debug("Scan complete, nothing open", zap.Int("months", len(urls)))
	return nil
}

// scanMonth loads a month page, clears its gate and lists the open days.
func (w *worker) scanMonth(ctx context.Context, monthURL string) (pageState, []pageflow.Link, error) {
	w.state.ResetForNewFlow()
	ps, err := w.open(ctx, monthURL)
	if err != nil {
		return ps, nil, err
	}
	w.c.deps.Stats.Inc(metrics.MonthsScanned)

	ps, passed, err := w.passGate(ctx, ps, "month")
	if err != nil || !passed {
		return ps, nil, err
	}
	if ps.view.NoAppointments {
		return ps, nil, nil
	}
	days := pageflow.DayLinks(ps.url, ps.content)
	w.c.deps.Stats.Add(metrics.DaysFound, int64(len(days)))
	return ps, days, nil
}

// attack jumps to the scout's target when the slot signal is up, and scans
// one month of its own otherwise. Urgent modes never wait for the signal.
func (w *worker) attack(ctx context.Context, mode schemas.Mode) error {
	shared := w.c.shared
	workers := w.c.cfg.Workers()

	wait := workers.SlotWait
	if schedule.IsUrgent(mode) {
		wait = 0
	}
	var target string
	if shared.WaitSlot(ctx, wait) {
		if u, ok := shared.Target(); ok {
			target = u
			w.logger.Info("Slot signal observed", zap.String("url", u))
			// Lowered after a short delay so the other attackers see it too.
			time.AfterFunc(workers.SignalClearDelay, shared.ClearSlot)
		}
	}
	if target == "" {
		urls, err := w.c.plan.URLs(w.c.sched.Now())
		if err != nil {
			return err
		}
		if len(urls) == 0 {
			return nil
		}
		target = urls[(w.index-1)%len(urls)]
	}
	return w.book(ctx, target)
}

// book follows a month page down to the booking form.
func (w *worker) book(ctx context.Context, monthURL string) error {
	_, days, err := w.scanMonth(ctx, monthURL)
	if err != nil || len(days) == 0 {
		return err
	}
	day := days[rand.IntN(len(days))]
	log := w.logger.With(zap.String("day", day.Date))

	w.state.ResetForNewFlow()
	ps, err := w.open(ctx, day.URL)
	if err != nil {
		return err
	}
	if w.bounced(ctx, ps, schemas.PageDay) {
		return fmt.Errorf("%w: bounced from day view", errSessionEnded)
	}
	ps, passed, err := w.passGate(ctx, ps, "day")
	if err != nil || !passed {
		return err
	}
	if w.bounced(ctx, ps, schemas.PageDay) {
		return fmt.Errorf("%w: bounced from day view", errSessionEnded)
	}

	slots := pageflow.SlotLinks(ps.url, ps.content)
	if len(slots) == 0 {
		log.Info("Day has no open slots")
		return nil
	}
	w.c.deps.Stats.Add(metrics.SlotsFound, int64(len(slots)))
	w.record(schemas.IncidentSlotDetected, schemas.SeverityInfo, fmt.Sprintf("%d open slots", len(slots)), map[string]string{
		"url": ps.url,
		"day": day.Date,
	})
	w.saveEvidence(ctx, "slots_found", ps, nil)
	slot := slots[rand.IntN(len(slots))]
	log.Info("Slots found, entering form", zap.Int("slots", len(slots)), zap.String("slot", slot.Text))

	w.state.ResetForNewFlow()
	ps, err = w.open(ctx, slot.URL)
	if err != nil {
		return err
	}
	if w.bounced(ctx, ps, schemas.PageForm) {
		return fmt.Errorf("%w: bounced from form view", errSessionEnded)
	}
	if !w.formVisible(ctx) {
		ps, passed, err = w.passGate(ctx, ps, "form")
		if err != nil || !passed {
			return err
		}
		if w.bounced(ctx, ps, schemas.PageForm) {
			return fmt.Errorf("%w: bounced from form view", errSessionEnded)
		}
		if !w.formVisible(ctx) {
			log.Warn("Booking form not found after navigation", zap.String("stage", string(ps.view.Type)))
			return nil
		}
	}

	w.record(schemas.IncidentBookingAttempt, schemas.SeverityInfo, "attempting to book", map[string]string{
		"url": ps.url,
		"day": day.Date,
	})
	w.saveEvidence(ctx, "form", ps, nil)
	return w.deathmatch(ctx, ps)
}

func (w *worker) formVisible(ctx context.Context) bool {
	return w.page.QueryVisible(ctx, lastNameField, formCheckTimeout)
}

// deathmatch fills and submits the form until it is accepted, the server
// errors out or the attempts run out. A silent rejection re-renders the form,
// so the fields are refilled and any fresh challenge solved each round.
func (w *worker) deathmatch(ctx context.Context, ps pageState) error {
	attempts := w.c.cfg.Workers().SubmitAttempts
	if attempts <= 0 {
		attempts = 1
	}
	stats := w.c.deps.Stats

	for attempt := 1; attempt <= attempts; attempt++ {
		if w.c.shared.Stopped() {
			return errStopped
		}
		if reason := w.state.TerminationReason(); reason != "" {
			return fmt.Errorf("%w: %s", errSessionEnded, reason)
		}
		log := w.logger.With(zap.Int("attempt", attempt), zap.Int("max_attempts", attempts))

		w.fillForm(ctx, ps.content)
		w.state.ResetForNewFlow()

		submitted, err := w.submitForm(ctx, ps)
		if err != nil {
			return err
		}
		if !submitted {
			log.Warn("Form not submitted")
			continue
		}
		stats.Inc(metrics.FormsSubmitted)

		if !w.c.shared.Sleep(ctx, w.c.cfg.Workers().PostSubmitWait) {
			return errStopped
		}
		ps, err = w.inspect(ctx)
		if err != nil {
			return err
		}

		switch {
		case ps.view.Type == schemas.PageSuccess:
			return w.succeed(ctx, ps)
		case ps.view.MonthChallenge:
			w.bounced(ctx, ps, schemas.PageForm)
			return fmt.Errorf("%w: bounced after submit", errSessionEnded)
		case ps.view.Type == schemas.PageError:
			log.Warn("Server error after submit, abandoning slot")
			w.saveEvidence(ctx, "submit_error", ps, nil)
			return nil
		case w.formVisible(ctx):
			log.Warn("Silent rejection, form came back")
			w.record(schemas.IncidentFormRejected, schemas.SeverityError, "form reappeared after submit", map[string]string{
				"attempt": strconv.Itoa(attempt),
			})
		default:
			log.Warn("Unexpected page after submit", zap.String("stage", string(ps.view.Type)))
		}
	}

	w.logger.Warn("Submit attempts exhausted", zap.Int("attempts", attempts))
	return nil
}

// submitForm confirms the form through its challenge when one is present and
// through a submit button otherwise.
func (w *worker) submitForm(ctx context.Context, ps pageState) (bool, error) {
	if w.pipeline.DetectPresence(ctx, w.page) {
		return w.solveAndSubmit(ctx, ps, "form")
	}
	for _, sel := range formSubmitSelectors {
		clicked, err := w.page.Click(ctx, sel)
		if err != nil {
			return false, err
		}
		if clicked {
			return true, nil
		}
	}
	return false, nil
}

// fillForm types the applicant into the form. Fields the page lacks are
// skipped; passport and phone are located through their labels when possible.
func (w *worker) fillForm(ctx context.Context, content string) {
	a := w.c.cfg.Applicant()
	fill := func(sel, value string) bool {
		ok, err := w.page.FillField(ctx, sel, value)
		if err != nil {
			w.logger.Debug("Fill failed", zap.String("selector", sel), zap.Error(err))
			return false
		}
		return ok
	}

	fill(lastNameField, a.LastName)
	fill("input[name='firstname']", a.FirstName)
	fill("input[name='email']", a.Email)
	if !fill("input[name='emailrepeat']", a.Email) {
		fill("input[name='emailRepeat']", a.Email)
	}

	fillLabelled := func(label, fallback, value string) {
		if id, ok := pageflow.LabelTarget(content, label); ok && fill(pageflow.IDSelector(id), value) {
			return
		}
		fill(fallback, value)
	}
	fillLabelled("passport", passportField, a.Passport)
	fillLabelled("telephone", phoneField, strings.ReplaceAll(strings.TrimSpace(a.Phone), "+", "00"))

	if value := a.CategoryValue(); value != "" {
		if sel, ok := pageflow.SelectWithOption(content, value); ok {
			if _, err := w.page.SelectOption(ctx, sel, value); err != nil {
				w.logger.Debug("Category select failed", zap.String("selector", sel), zap.Error(err))
			}
		}
	}

	w.c.deps.Stats.Inc(metrics.FormsFilled)
}

// succeed stops the run and announces the booking with a screenshot.
func (w *worker) succeed(ctx context.Context, ps pageState) error {
	w.c.deps.Stats.MarkSuccess()
	w.c.shared.Stop()
	at := w.c.deps.Clock.Now()
	w.record(schemas.IncidentBookingSuccess, schemas.SeverityInfo, "booking confirmed", map[string]string{"url": ps.url})
	w.logger.Info("Booking confirmed", zap.String("url", ps.url), zap.Time("at", at))

	notifyCtx := context.WithoutCancel(ctx)
	shot, err := w.page.CaptureScreenshot(notifyCtx, "")
	if err != nil {
		w.logger.Warn("Success screenshot failed", zap.Error(err))
	}
	w.saveEvidence(ctx, "success", ps, shot)
	if len(shot) > 0 {
		w.c.deps.Notifier.SendPhoto(notifyCtx, shot, "Appointment booked")
	}
	w.c.deps.Notifier.SendAlert(notifyCtx, notify.SuccessMessage(w.state.ID(), w.index, at, ps.url))
	return nil
}
