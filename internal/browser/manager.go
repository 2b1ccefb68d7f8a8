// Package browser implements the page driver on top of a Chrome process
// controlled through the DevTools protocol.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

const defaultStartupTimeout = 30 * time.Second

// Manager owns the browser process. Every page it hands out lives in its own
// browser context, so cookies and storage never leak between sessions.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process; browserCtx is its first tab
	// and the parent of every page context.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	// wg tracks open pages for a graceful shutdown.
	wg sync.WaitGroup
}

var _ schemas.DriverFactory = (*Manager)(nil)

// NewManager launches the browser and verifies it responds.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
	}
	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

func (m *Manager) launchBrowser(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...", zap.Bool("headless", m.cfg.Headless))

	m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, buildAllocatorOptions(m.cfg, runtime.GOOS)...)
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx)

	timeout := m.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The first Run allocates the process, so it must not carry a deadline itself.
	if err := runBounded(startCtx, m.browserCtx, m.browserCancel, chromedp.Navigate("about:blank")); err != nil {
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// NewPage opens an isolated tab presenting fp.
func (m *Manager) NewPage(ctx context.Context, fp schemas.Fingerprint) (schemas.PageDriver, error) {
	if err := m.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser is not running: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx, chromedp.WithNewBrowserContext())
	if err := runBounded(ctx, tabCtx, tabCancel, emulate(fp)...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to initialize page: %w", err)
	}

	m.wg.Add(1)
	m.logger.Debug("Page opened", zap.Stringer("fingerprint", fp))
	return newPage(tabCtx, tabCancel, m.logger, m.wg.Done), nil
}

// Shutdown waits for open pages to close, bounded by ctx, then terminates
// the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for open pages to close...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All pages have closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.logger.Info("Shutting down main browser process...")
		m.browserCancel()
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}

// runBounded runs actions on a chromedp context whose first Run binds the
// target's lifetime. ctx only bounds the wait; on expiry the target is canceled.
func runBounded(ctx, cdpCtx context.Context, cancel context.CancelFunc, actions ...chromedp.Action) error {
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(cdpCtx, actions...) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		cancel()
		<-errCh
		return ctx.Err()
	}
}

type allocatorFlag struct {
	name  string
	value any
}

// allocatorFlags lists the launch flags applied on top of chromedp's defaults.
func allocatorFlags(cfg config.BrowserConfig, goos string) []allocatorFlag {
	flags := []allocatorFlag{
		{"headless", cfg.Headless},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
		{"disable-extensions", true},
		{"disable-gpu", cfg.Headless},
	}
	if cfg.Locale != "" {
		flags = append(flags, allocatorFlag{"lang", cfg.Locale})
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, allocatorFlag{name, parts[1]})
		} else {
			flags = append(flags, allocatorFlag{name, true})
		}
	}

	// Needed inside containers.
	if goos == "linux" {
		flags = append(flags,
			allocatorFlag{"no-sandbox", true},
			allocatorFlag{"disable-dev-shm-usage", true},
			allocatorFlag{"disable-setuid-sandbox", true},
		)
	}
	return flags
}

func buildAllocatorOptions(cfg config.BrowserConfig, goos string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if len(cfg.UserAgents) > 0 {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgents[0]))
	}
	for _, f := range allocatorFlags(cfg, goos) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	return opts
}
