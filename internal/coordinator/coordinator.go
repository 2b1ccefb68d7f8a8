// Package coordinator runs the scout and attacker workers against the booking
// workflow and owns their shared state, schedule and rebirth policy.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
	"github.com/xkilldash9x/termin-cli/internal/incident"
	"github.com/xkilldash9x/termin-cli/internal/metrics"
	"github.com/xkilldash9x/termin-cli/internal/notify"
	"github.com/xkilldash9x/termin-cli/internal/pageflow"
	"github.com/xkilldash9x/termin-cli/internal/schedule"
	"github.com/xkilldash9x/termin-cli/internal/session"
)

// reportTimeout bounds persisting the final report after the run context ends.
const reportTimeout = 15 * time.Second

// FingerprintSource yields a fresh browser identity for every rebirth.
type FingerprintSource interface {
	Next() schemas.Fingerprint
}

// Deps are the collaborators a Coordinator drives. Reports may be nil.
type Deps struct {
	Drivers      schemas.DriverFactory
	Decoder      schemas.Decoder
	Clock        schemas.Clock
	Notifier     schemas.Notifier
	Evidence     schemas.EvidenceStore
	Reports      schemas.ReportStore
	Incidents    *incident.Log
	Stats        *metrics.Stats
	Fingerprints FingerprintSource
}

// Coordinator runs one scout and the configured number of attackers until a
// booking succeeds or the context ends.
type Coordinator struct {
	cfg    config.Interface
	deps   Deps
	logger *zap.Logger

	runID     string
	sched     *schedule.Scheduler
	shared    *Shared
	plan      pageflow.MonthURLPlan
	limits    session.Limits
	startedAt time.Time
}

// New validates the dependencies and prepares the schedule.
func New(cfg config.Interface, runID string, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if cfg == nil ||
		logger == nil ||
		deps.Drivers == nil ||
		deps.Decoder == nil ||
		deps.Clock == nil ||
		deps.Notifier == nil ||
		deps.Evidence == nil ||
		deps.Incidents == nil ||
		deps.Stats == nil ||
		deps.Fingerprints == nil {
		return nil, errors.New("cannot initialize coordinator with nil dependencies")
	}

	sched, err := schedule.New(cfg.Schedule(), deps.Clock)
	if err != nil {
		return nil, err
	}

	target := cfg.Target()
	baseURL, err := pageflow.WithLocale(target.BaseURL, target.Locale)
	if err != nil {
		return nil, fmt.Errorf("invalid target base url: %w", err)
	}

	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("coordinator"),
		runID:  runID,
		sched:  sched,
		shared: NewShared(),
		plan: pageflow.MonthURLPlan{
			BaseURL:      baseURL,
			Locale:       target.Locale,
			Offsets:      target.MonthOffsets,
			DayOfMonth:   target.DayOfMonth,
			DaysPerMonth: target.DaysPerMonth,
		},
		limits: session.LimitsFromConfig(cfg.Session()),
	}, nil
}

// Shared exposes the state workers coordinate through.
func (c *Coordinator) Shared() *Shared { return c.shared }

// Run starts the workers and blocks until they all exit. The final report is
// persisted and returned even when the run ends without a booking.
func (c *Coordinator) Run(ctx context.Context) (*schemas.RunReport, error) {
	c.startedAt = c.deps.Clock.Now()
	attackers := c.cfg.Workers().Attackers

	c.logger.Info("Coordinator starting",
		zap.String("run_id", c.runID),
		zap.Int("attackers", attackers),
		zap.String("mode", string(c.sched.Mode())),
		zap.Time("next_attack", c.sched.NextAttack(c.sched.Now())),
	)
	c.deps.Notifier.SendAlert(ctx, notify.AlertMessage("termin started",
		fmt.Sprintf("Run: %s\nAttackers: %d\nNext attack: %s",
			c.runID, attackers, c.sched.NextAttack(c.sched.Now()).Format(time.RFC3339))))

	statusCtx, stopStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	go func() {
		defer close(statusDone)
		c.statusLoop(statusCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.newWorker(schemas.RoleScout, 0).run(gctx) })
	for i := 1; i <= attackers; i++ {
		w := c.newWorker(schemas.RoleAttacker, i)
		g.Go(func() error { return w.run(gctx) })
	}
	err := g.Wait()

	stopStatus()
	<-statusDone

	report := c.buildReport()
	c.persistReport(ctx, report)
	c.announceEnd(ctx, report)

	if err != nil && !errors.Is(err, context.Canceled) {
		return report, err
	}
	return report, nil
}

// statusLoop sends the periodic status notification.
func (c *Coordinator) statusLoop(ctx context.Context) {
	interval := c.cfg.Workers().StatusInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shared.Done():
			return
		case <-ticker.C:
			mode := c.sched.Mode()
			status := c.statusText()
			c.logger.Info("Status", zap.String("mode", string(mode)), zap.String("status", status), zap.String("stats", c.deps.Stats.Summary()))
			c.deps.Notifier.SendAlert(ctx, notify.StatusMessage(mode, c.runID, status, c.deps.Stats.Snapshot()))
		}
	}
}

// offsetSource is implemented by clocks that correct against a time server.
type offsetSource interface {
	Offset() (time.Duration, time.Time)
}

// statusText describes the run for the status report, including the clock
// correction when the clock measures one.
func (c *Coordinator) statusText() string {
	src, ok := c.deps.Clock.(offsetSource)
	if !ok {
		return "running"
	}
	offset, at := src.Offset()
	if at.IsZero() {
		return "running, clock not synchronized"
	}
	return fmt.Sprintf("running, clock offset %s (synced %s ago)", offset.Round(time.Millisecond),
		c.deps.Clock.Now().Sub(at).Round(time.Second))
}

func (c *Coordinator) buildReport() *schemas.RunReport {
	incidents := c.deps.Incidents
	summary := incidents.Summary()
	meta := map[string]string{
		"attackers":            strconv.Itoa(c.cfg.Workers().Attackers),
		"incidents_total":      strconv.Itoa(summary.Total),
		"incidents_unresolved": strconv.Itoa(summary.Unresolved),
		"incidents_last_hour":  strconv.Itoa(len(incidents.Recent(time.Hour))),
		"bounces":              strconv.Itoa(len(incidents.ByType(schemas.IncidentBounce))),
		"summary":              c.deps.Stats.Summary(),
	}
	if open := incidents.Unresolved(""); len(open) > 0 {
		last := open[len(open)-1]
		meta["last_unresolved"] = fmt.Sprintf("%s: %s", last.Type, last.Description)
	}
	return &schemas.RunReport{
		RunID:     c.runID,
		StartedAt: c.startedAt,
		EndedAt:   c.deps.Clock.Now(),
		Stats:     c.deps.Stats.Snapshot(),
		Success:   c.deps.Stats.Success(),
		Incidents: incidents.All(),
		Meta:      meta,
	}
}

func (c *Coordinator) persistReport(ctx context.Context, report *schemas.RunReport) {
	if c.deps.Reports == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := c.deps.Reports.SaveRunReport(saveCtx, report); err != nil {
		c.logger.Error("Failed to persist run report", zap.Error(err))
		return
	}
	c.logger.Info("Run report persisted", zap.String("run_id", report.RunID))
}

func (c *Coordinator) announceEnd(ctx context.Context, report *schemas.RunReport) {
	runtime := report.EndedAt.Sub(report.StartedAt).Round(time.Second)
	notifyCtx := context.WithoutCancel(ctx)
	if report.Success {
		c.logger.Info("Booking confirmed, run complete", zap.Duration("runtime", runtime), zap.String("stats", c.deps.Stats.Summary()))
		c.deps.Notifier.SendAlert(notifyCtx, notify.AlertMessage("termin finished: booking confirmed",
			fmt.Sprintf("Run: %s\nRuntime: %s\n%s", c.runID, runtime, c.deps.Stats.Summary())))
		return
	}
	c.logger.Info("Run ended without a booking", zap.Duration("runtime", runtime), zap.String("stats", c.deps.Stats.Summary()))
	c.deps.Notifier.SendAlert(notifyCtx, notify.AlertMessage("termin stopped",
		fmt.Sprintf("Run: %s\nRuntime: %s\n%s", c.runID, runtime, c.deps.Stats.Summary())))
}
