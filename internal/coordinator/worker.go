package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/challenge"
	"github.com/xkilldash9x/termin-cli/internal/metrics"
	"github.com/xkilldash9x/termin-cli/internal/observability"
	"github.com/xkilldash9x/termin-cli/internal/pageflow"
	"github.com/xkilldash9x/termin-cli/internal/session"
)

const (
	rebirthBackoff = 2 * time.Second
	closeTimeout   = 5 * time.Second
)

var (
	// errStopped ends a cycle quietly once the run has been stopped.
	errStopped = errors.New("run stopped")
	// errSessionEnded means the session must be replaced before the next navigation.
	errSessionEnded = errors.New("session ended")
	errCyclePanic   = errors.New("worker cycle panicked")
)

// pageState is what a worker knows about the page after loading or inspecting it.
type pageState struct {
	view    pageflow.View
	url     string
	content string
}

// worker drives one page driver through the workflow. All of its fields are
// owned by the worker goroutine.
type worker struct {
	c      *Coordinator
	role   schemas.Role
	index  int
	base   *zap.Logger
	logger *zap.Logger

	pipeline *challenge.Pipeline
	page     schemas.PageDriver
	state    *session.State

	// resetFor is the attack window the pre-attack reset last ran for.
	resetFor time.Time
}

func (c *Coordinator) newWorker(role schemas.Role, index int) *worker {
	base := observability.ForWorker(c.logger, role, index)
	return &worker{
		c:        c,
		role:     role,
		index:    index,
		base:     base,
		logger:   base,
		pipeline: challenge.NewPipeline(c.deps.Decoder, c.cfg.Challenge(), base),
	}
}

// run loops cycles until the run stops or ctx ends. Cycle errors are handled
// here and never end the worker.
func (w *worker) run(ctx context.Context) error {
	defer w.closePage(ctx)
	w.logger.Info("Worker starting")

	for w.page == nil {
		if ctx.Err() != nil || w.c.shared.Stopped() {
			return nil
		}
		if err := w.rebirth(ctx); err != nil {
			w.logger.Error("Could not open initial page", zap.Error(err))
			if !w.c.shared.Sleep(ctx, rebirthBackoff) {
				return nil
			}
		}
	}

	for {
		if ctx.Err() != nil || w.c.shared.Stopped() {
			w.logger.Info("Worker exiting", zap.String("stats", w.c.deps.Stats.Summary()))
			return nil
		}
		mode := w.c.sched.Mode()
		w.c.deps.Stats.Exporter().SetMode(mode)

		err := w.safeCycle(ctx, mode)
		w.afterCycle(ctx, err)

		w.c.shared.Sleep(ctx, w.c.sched.SleepInterval(mode))
	}
}

func (w *worker) safeCycle(ctx context.Context, mode schemas.Mode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered from panic in worker cycle", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errCyclePanic, r)
		}
	}()
	return w.cycle(ctx, mode)
}

func (w *worker) cycle(ctx context.Context, mode schemas.Mode) error {
	if w.page == nil {
		if err := w.rebirth(ctx); err != nil {
			return err
		}
	}
	if err := w.preAttackReset(ctx, mode); err != nil {
		return err
	}
	if reason := w.state.TerminationReason(); reason != "" {
		if err := w.retire(ctx, reason); err != nil {
			return err
		}
	}

	if w.role == schemas.RoleScout {
		return w.scout(ctx)
	}
	return w.attack(ctx, mode)
}

// afterCycle applies the failure and recovery policy to a cycle's result.
func (w *worker) afterCycle(ctx context.Context, err error) {
	switch {
	case err == nil:
		if h := w.state.Health(); h == schemas.HealthWarning || h == schemas.HealthDegraded {
			recovered := w.state.SoftRecover()
			w.logger.Info("Session soft recovered", zap.String("from", string(h)), zap.String("to", string(recovered)))
		}
	case ctx.Err() != nil, errors.Is(err, errStopped):
		return
	case errors.Is(err, errSessionEnded):
		w.c.deps.Stats.Inc(metrics.Errors)
		w.logger.Warn("Session ended mid-cycle", zap.Error(err))
		if rerr := w.retire(ctx, w.terminationReason(err)); rerr != nil {
			w.logger.Error("Rebirth failed", zap.Error(rerr))
		}
	default:
		w.c.deps.Stats.Inc(metrics.Errors)
		health := w.state.RecordFailure(err.Error())
		w.logger.Warn("Cycle failed", zap.Error(err), zap.String("health", string(health)),
			zap.Bool("in_challenge", w.state.InChallengeFlow()))
		if errors.Is(err, schemas.ErrEngineUnavailable) {
			w.logger.Error("Challenge engine unavailable; check the OCR service")
		}
		if errors.Is(err, errCyclePanic) {
			w.state.Poison(err.Error())
		}
		if w.state.ShouldTerminate() {
			if rerr := w.retire(ctx, w.terminationReason(err)); rerr != nil {
				w.logger.Error("Rebirth failed", zap.Error(rerr))
			}
		}
	}
	w.publishHealth()
}

func (w *worker) terminationReason(err error) string {
	if reason := w.state.TerminationReason(); reason != "" {
		return reason
	}
	return err.Error()
}

// preAttackReset replaces the session once per attack window and caches a
// solved challenge for the first gate of the attack.
func (w *worker) preAttackReset(ctx context.Context, mode schemas.Mode) error {
	if mode != schemas.ModePreAttack {
		return nil
	}
	window := w.c.sched.NextAttack(w.c.sched.Now())
	if w.resetFor.Equal(window) {
		return nil
	}
	w.resetFor = window
	w.logger.Info("Pre-attack reset", zap.Time("attack_at", window))

	if err := w.rebirth(ctx); err != nil {
		return err
	}
	if _, err := w.open(ctx, w.c.plan.BaseURL); err != nil {
		return err
	}
	cached, err := w.pipeline.PreSolve(ctx, w.page)
	if err != nil {
		return fmt.Errorf("pre-solve: %w", err)
	}
	w.logger.Info("Pre-attack reset complete", zap.Bool("pre_solved", cached))
	return nil
}

// retire records why the session ended and replaces it. The incident is
// resolved once a fresh session is running.
func (w *worker) retire(ctx context.Context, reason string) error {
	typ, sev := schemas.IncidentSessionPoisoned, schemas.SeverityCritical
	if w.state.IsExpired() && w.state.Health() != schemas.HealthPoisoned {
		typ, sev = schemas.IncidentSessionExpired, schemas.SeverityWarning
	}
	id := w.record(typ, sev, reason, nil)
	w.logger.Info("Retiring session", zap.String("reason", reason), zap.String("last_error", w.state.LastError()))
	if err := w.rebirth(ctx); err != nil {
		return err
	}
	w.c.deps.Incidents.Resolve(id)
	return nil
}

// rebirth closes the current page and starts over with a fresh identity.
func (w *worker) rebirth(ctx context.Context) error {
	var previous string
	if w.state != nil {
		previous = w.state.ID()
	}
	w.closePage(ctx)

	fp := w.c.deps.Fingerprints.Next()
	page, err := w.c.deps.Drivers.NewPage(ctx, fp)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	w.page = page
	w.state = session.New(w.role, w.index, w.c.limits, w.c.deps.Clock)
	w.pipeline.ClearPreSolved()
	w.logger = w.base.With(zap.String("session_id", w.state.ID()))

	if previous != "" {
		w.c.deps.Stats.Inc(metrics.Rebirths)
		w.record(schemas.IncidentRebirth, schemas.SeverityInfo, "session replaced", map[string]string{
			"previous":    previous,
			"fingerprint": fp.String(),
		})
	}
	w.logger.Info("Session started", zap.Stringer("fingerprint", fp))
	w.publishHealth()
	return nil
}

func (w *worker) closePage(ctx context.Context) {
	if w.page == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := w.page.Close(closeCtx); err != nil {
		w.logger.Debug("Page close failed", zap.Error(err))
	}
	w.page = nil
}

// open navigates to target after consulting the termination gate.
func (w *worker) open(ctx context.Context, target string) (pageState, error) {
	if w.c.shared.Stopped() {
		return pageState{}, errStopped
	}
	if reason := w.state.TerminationReason(); reason != "" {
		return pageState{}, fmt.Errorf("%w: %s", errSessionEnded, reason)
	}

	if err := w.page.Navigate(ctx, target, schemas.WaitDOMReady, w.c.cfg.Workers().NavigationTimeout); err != nil {
		w.c.deps.Stats.Inc(metrics.NavigationErrors)
		w.record(schemas.IncidentNavigationError, schemas.SeverityWarning, err.Error(), map[string]string{"url": target})
		return pageState{}, err
	}
	w.c.deps.Stats.Inc(metrics.PagesLoaded)
	w.state.Touch()
	return w.inspect(ctx)
}

func (w *worker) inspect(ctx context.Context) (pageState, error) {
	content, err := w.page.Content(ctx)
	if err != nil {
		return pageState{}, fmt.Errorf("read content: %w", err)
	}
	current, err := w.page.URL(ctx)
	if err != nil {
		return pageState{}, fmt.Errorf("read url: %w", err)
	}
	ps := pageState{view: pageflow.Inspect(current, content), url: current, content: content}
	w.logger.Debug("Page inspected", zap.String("stage", string(ps.view.Type)), zap.Bool("gated", ps.view.Gated))
	return ps, nil
}

// bounced reports, and poisons the session for, a silent return to the month
// stage while expected was due.
func (w *worker) bounced(ctx context.Context, ps pageState, expected schemas.PageType) bool {
	if !ps.view.MonthChallenge && ps.view.Type != schemas.PageMonth {
		return false
	}
	w.state.MarkBounce(expected, schemas.PageMonth)
	w.record(schemas.IncidentBounce, schemas.SeverityError,
		fmt.Sprintf("expected %s, got %s", expected, schemas.PageMonth), map[string]string{"url": ps.url})
	w.saveEvidence(ctx, "bounce", ps, nil)
	w.logger.Warn("Bounced back to the month stage", zap.String("expected", string(expected)))
	return true
}

func (w *worker) record(typ schemas.IncidentType, sev schemas.IncidentSeverity, desc string, evidence map[string]string) string {
	return w.c.deps.Incidents.Record(w.state.ID(), typ, sev, desc, evidence)
}

// saveEvidence stores the page HTML and an optional screenshot. Failures are logged.
func (w *worker) saveEvidence(ctx context.Context, label string, ps pageState, shot []byte) {
	snap := schemas.Snapshot{
		SessionID:  w.state.ID(),
		Label:      label,
		Stage:      ps.view.Type,
		URL:        ps.url,
		HTML:       ps.content,
		Screenshot: shot,
		Meta:       map[string]string{"role": strings.ToLower(string(w.role)), "worker": strconv.Itoa(w.index)},
		TakenAt:    w.c.deps.Clock.Now(),
	}
	path, err := w.c.deps.Evidence.SaveSnapshot(context.WithoutCancel(ctx), snap)
	if err != nil {
		w.logger.Warn("Failed to save evidence", zap.String("label", label), zap.Error(err))
		return
	}
	w.logger.Debug("Evidence saved", zap.String("label", label), zap.String("path", path))
}

func (w *worker) publishHealth() {
	if w.state == nil {
		return
	}
	w.c.deps.Stats.Exporter().SetSessionHealth(w.role, strconv.Itoa(w.index), w.state.Health())
}
