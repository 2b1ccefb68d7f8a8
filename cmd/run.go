package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/browser"
	"github.com/xkilldash9x/termin-cli/internal/clock"
	"github.com/xkilldash9x/termin-cli/internal/config"
	"github.com/xkilldash9x/termin-cli/internal/coordinator"
	"github.com/xkilldash9x/termin-cli/internal/evidence"
	"github.com/xkilldash9x/termin-cli/internal/incident"
	"github.com/xkilldash9x/termin-cli/internal/metrics"
	"github.com/xkilldash9x/termin-cli/internal/notify"
	"github.com/xkilldash9x/termin-cli/internal/observability"
	"github.com/xkilldash9x/termin-cli/internal/ocr"
	"github.com/xkilldash9x/termin-cli/internal/persona"
	"github.com/xkilldash9x/termin-cli/internal/store"
)

// shutdownTimeout bounds closing the browser and background services.
const shutdownTimeout = 15 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var (
		headless  bool
		attackers int
		baseURL   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the scout and attackers and book the first open appointment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			flags := cmd.Flags()
			if flags.Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if flags.Changed("attackers") {
				cfg.SetWorkersAttackers(attackers)
			}
			if flags.Changed("base-url") {
				cfg.SetTargetBaseURL(baseURL)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.Target().BaseURL == "" {
				return errors.New("target.base_url is not configured (TERMIN_TARGET_BASE_URL or --base-url)")
			}

			report, err := runBooking(cmd.Context(), cfg, observability.GetLogger())
			if report != nil {
				status := "no booking"
				if report.Success {
					status = "booked"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nRun %s finished: %s\n%s\n", report.RunID, status, report.Meta["summary"])
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", true, "Run the browser without a window (overrides config/env)")
	cmd.Flags().IntVarP(&attackers, "attackers", "a", 0, "Number of attacker workers (overrides config/env)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Month view URL of the booking service (overrides config/env)")
	return cmd
}

// runComponents holds the initialized services of one run.
type runComponents struct {
	RunID     string
	Evidence  *evidence.FileStore
	Reports   schemas.ReportStore
	Browser   *browser.Manager
	DBPool    *pgxpool.Pool
	Clock     *clock.NTP
	Exporter  *metrics.Exporter
	Incidents *incident.Log

	cancelBackground context.CancelFunc
	background       *errgroup.Group
}

// Shutdown stops background services and closes the browser and database.
func (rc *runComponents) Shutdown(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rc.Browser != nil {
		if err := rc.Browser.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if rc.cancelBackground != nil {
		rc.cancelBackground()
		if err := rc.background.Wait(); err != nil {
			logger.Warn("Background service stopped with error", zap.Error(err))
		}
	}
	if rc.DBPool != nil {
		rc.DBPool.Close()
	}
}

// runBooking wires every adapter and drives the coordinator until it ends.
func runBooking(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*schemas.RunReport, error) {
	components, err := initializeRunComponents(ctx, cfg, logger)
	if components != nil {
		defer components.Shutdown(logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize run components: %w", err)
	}

	stats := metrics.NewStats(components.Exporter)
	coord, err := coordinator.New(cfg, components.RunID, coordinator.Deps{
		Drivers:      components.Browser,
		Decoder:      ocr.NewClient(cfg.OCR(), logger),
		Clock:        components.Clock,
		Notifier:     notify.New(cfg.Notifier(), logger),
		Evidence:     components.Evidence,
		Reports:      components.Reports,
		Incidents:    components.Incidents,
		Stats:        stats,
		Fingerprints: persona.NewGenerator(cfg.Browser()),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}

	logger.Info("Starting run",
		zap.String("run_id", components.RunID),
		zap.String("target", cfg.Target().BaseURL),
		zap.Int("attackers", cfg.Workers().Attackers),
		zap.String("evidence", components.Evidence.RunDir()),
	)
	report, err := coord.Run(ctx)
	exportIncidents(components, logger)
	return report, err
}

// exportIncidents writes the retained incident log next to the run report.
func exportIncidents(rc *runComponents, logger *zap.Logger) {
	data, err := rc.Incidents.ExportJSON()
	if err == nil {
		var path string
		if path, err = rc.Evidence.SaveIncidentLog(data); err == nil {
			logger.Info("Incident log exported", zap.String("path", path))
			return
		}
	}
	logger.Warn("Failed to export incident log", zap.Error(err))
}

// initializeRunComponents handles dependency wiring. The returned components
// are non-nil whenever anything was started and must be shut down.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	bgCtx, cancel := context.WithCancel(ctx)
	g, bgCtx := errgroup.WithContext(bgCtx)
	rc := &runComponents{
		RunID:            time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8],
		cancelBackground: cancel,
		background:       g,
	}

	// 1. Time
	rc.Clock = clock.NewNTP(cfg.NTP(), logger)
	g.Go(func() error {
		rc.Clock.Run(bgCtx)
		return nil
	})

	// 2. Metrics
	exporter, err := metrics.NewExporter(logger)
	if err != nil {
		return rc, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	rc.Exporter = exporter
	if m := cfg.Metrics(); m.Enabled {
		g.Go(func() error { return exporter.Serve(bgCtx, m.Addr) })
	}

	// 3. Evidence
	ev := cfg.Evidence()
	files, err := evidence.NewFileStore(ev.Dir, rc.RunID, logger)
	if err != nil {
		return rc, err
	}
	rc.Evidence = files
	if ev.MaxAge > 0 {
		if _, err := files.Cleanup(ev.MaxAge); err != nil {
			logger.Warn("Evidence cleanup failed", zap.Error(err))
		}
	}

	// 4. Incidents
	rc.Incidents = incident.NewLog(incident.DefaultCapacity, rc.Clock, logger)
	rc.Incidents.Subscribe(exporter.ObserveIncident)
	rc.Incidents.Subscribe(func(inc schemas.Incident) {
		if _, err := files.SaveIncident(inc); err != nil {
			logger.Warn("Failed to write incident", zap.String("incident_id", inc.ID), zap.Error(err))
		}
	})

	// 5. Reports
	rc.Reports = files
	if url := cfg.Database().URL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return rc, fmt.Errorf("failed to connect to database: %w", err)
		}
		rc.DBPool = pool
		dbStore, err := store.New(ctx, pool, logger)
		if err != nil {
			return rc, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err := dbStore.Migrate(ctx); err != nil {
			return rc, err
		}
		rc.Reports = dbStore
	}

	// 6. Browser
	manager, err := browser.NewManager(ctx, cfg.Browser(), logger)
	if err != nil {
		return rc, fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	rc.Browser = manager

	return rc, nil
}
