// Package challenge finds, decodes and submits the image challenges that gate
// each stage of the booking workflow.
package challenge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

// ErrInputNotFound is returned by Submit when no challenge input is visible.
var ErrInputNotFound = errors.New("challenge input not found")

const visibleTimeout = time.Second

// Pipeline solves challenges for one worker. The pre-solved code cache makes
// it unsafe to share across workers.
type Pipeline struct {
	decoder schemas.Decoder
	rules   Rules
	cfg     config.ChallengeConfig
	logger  *zap.Logger

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	preSolved   string
	preSolvedAt time.Time
}

// NewPipeline creates a pipeline backed by decoder.
func NewPipeline(decoder schemas.Decoder, cfg config.ChallengeConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		decoder: decoder,
		rules:   RulesFromConfig(cfg),
		cfg:     cfg,
		logger:  logger.Named("challenge"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// DetectPresence reports whether the page currently shows a challenge. The
// keyword scan is cheap and rules out most pages before any selector lookup.
func (p *Pipeline) DetectPresence(ctx context.Context, page schemas.PageDriver) bool {
	content, err := page.Content(ctx)
	if err != nil {
		p.logger.Debug("Could not read page content for challenge detection", zap.Error(err))
		return false
	}
	lower := strings.ToLower(content)
	found := false
	for _, kw := range presenceKeywords {
		if strings.Contains(lower, kw) {
			found = true
			break
		}
	}
	if !found {
		return false
	}

	_, ok := p.findInput(ctx, page)
	return ok
}

func (p *Pipeline) findInput(ctx context.Context, page schemas.PageDriver) (string, bool) {
	return firstMatch(ctx, inputSelectors, func(ctx context.Context, sel string) (string, bool) {
		return sel, page.QueryVisible(ctx, sel, visibleTimeout)
	})
}

// ExtractImage pulls the challenge image out of the page. The embedded base64
// payload is preferred; a screenshot of the challenge region is the fallback.
func (p *Pipeline) ExtractImage(ctx context.Context, page schemas.PageDriver) ([]byte, bool) {
	strategies := []func(context.Context) ([]byte, bool){
		func(ctx context.Context) ([]byte, bool) { return p.embeddedFromAttributes(ctx, page) },
		func(ctx context.Context) ([]byte, bool) { return p.embeddedFromContent(ctx, page) },
		func(ctx context.Context) ([]byte, bool) { return p.screenshot(ctx, page) },
	}
	img, ok := firstMatch(ctx, strategies, func(ctx context.Context, s func(context.Context) ([]byte, bool)) ([]byte, bool) {
		return s(ctx)
	})
	if !ok {
		p.logger.Warn("Could not extract challenge image by any method")
	}
	return img, ok
}

func (p *Pipeline) embeddedFromAttributes(ctx context.Context, page schemas.PageDriver) ([]byte, bool) {
	type source struct{ selector, attr string }
	var sources []source
	for _, sel := range imageSelectors {
		sources = append(sources, source{sel, "style"}, source{sel, "src"})
	}
	return firstMatch(ctx, sources, func(ctx context.Context, src source) ([]byte, bool) {
		val, ok := page.Attribute(ctx, src.selector, src.attr)
		if !ok || val == "" {
			return nil, false
		}
		if src.attr == "src" {
			return decodeEmbedded(dataURIPattern, strings.TrimSpace(val))
		}
		return decodeEmbedded(embeddedImagePattern, val)
	})
}

func (p *Pipeline) embeddedFromContent(ctx context.Context, page schemas.PageDriver) ([]byte, bool) {
	content, err := page.Content(ctx)
	if err != nil {
		return nil, false
	}
	return decodeEmbedded(embeddedImagePattern, content)
}

func (p *Pipeline) screenshot(ctx context.Context, page schemas.PageDriver) ([]byte, bool) {
	return firstMatch(ctx, imageSelectors, func(ctx context.Context, sel string) ([]byte, bool) {
		if !page.QueryVisible(ctx, sel, visibleTimeout) {
			return nil, false
		}
		img, err := page.CaptureScreenshot(ctx, sel)
		if err != nil || len(img) == 0 {
			p.logger.Debug("Challenge screenshot failed", zap.String("selector", sel), zap.Error(err))
			return nil, false
		}
		return img, true
	})
}

func decodeEmbedded(pattern interface{ FindStringSubmatch(string) []string }, s string) ([]byte, bool) {
	m := pattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return nil, false
	}
	img, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil || len(img) == 0 {
		return nil, false
	}
	return img, true
}

// Decode runs the engine up to DecodePasses times and keeps the longest
// normalized result. Images under the black-image threshold never reach the
// engine. Only ErrEngineUnavailable is returned as an error.
func (p *Pipeline) Decode(ctx context.Context, img []byte) (schemas.ChallengeOutcome, error) {
	out := schemas.ChallengeOutcome{ImageBytes: len(img)}
	if len(img) < p.cfg.BlackImageBytes {
		p.logger.Error("Black challenge image detected", zap.Int("bytes", len(img)))
		out.Status = schemas.ChallengeBlackImage
		out.PoisonsSession = true
		return out, nil
	}

	passes := p.cfg.DecodePasses
	if passes <= 0 {
		passes = 1
	}
	var (
		best    string
		lastErr error
	)
	for i := 0; i < passes; i++ {
		raw, err := p.decoder.Decode(ctx, img)
		if err != nil {
			if errors.Is(err, schemas.ErrEngineUnavailable) {
				return out, err
			}
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			lastErr = err
			p.logger.Debug("Decode pass failed", zap.Int("pass", i+1), zap.Error(err))
			continue
		}
		code := Normalize(raw)
		if len(code) > len(best) {
			best = code
		}
		if len(code) >= p.rules.CanonicalLength {
			break
		}
	}

	if best == "" && lastErr != nil {
		out.Status = schemas.ChallengeDecodeError
		return out, nil
	}
	out.Status = p.rules.Validate(best)
	if out.Status.Usable() {
		out.Code = best
	}
	p.logger.Debug("Challenge decoded", zap.String("code", best), zap.String("status", string(out.Status)))
	return out, nil
}

// Solve extracts and decodes the challenge currently on the page, once.
func (p *Pipeline) Solve(ctx context.Context, page schemas.PageDriver) (schemas.ChallengeOutcome, error) {
	if code, ok := p.takePreSolved(); ok {
		p.logger.Info("Using pre-solved challenge code")
		return schemas.ChallengeOutcome{Code: code, Status: p.rules.Validate(code)}, nil
	}
	img, ok := p.ExtractImage(ctx, page)
	if !ok {
		return schemas.ChallengeOutcome{Status: schemas.ChallengeNoImage}, nil
	}
	return p.Decode(ctx, img)
}

// SolveWithRetry solves the page challenge, loading a new picture after each
// rejected attempt. A black image aborts at once since no reload can help.
func (p *Pipeline) SolveWithRetry(ctx context.Context, page schemas.PageDriver, maxAttempts int) (schemas.ChallengeOutcome, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var out schemas.ChallengeOutcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		out, err = p.Solve(ctx, page)
		out.Attempts = attempt
		if err != nil {
			return out, err
		}
		if out.Solved() {
			p.logger.Info("Challenge solved", zap.Int("attempt", attempt), zap.String("status", string(out.Status)))
			return out, nil
		}
		if out.Status == schemas.ChallengeBlackImage {
			return out, nil
		}

		p.logger.Warn("Challenge attempt rejected",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("status", string(out.Status)),
		)
		if attempt == maxAttempts {
			break
		}
		if !p.Reload(ctx, page) {
			p.logger.Warn("Could not load another picture; giving up on this challenge")
			return out, nil
		}
	}
	return out, nil
}

// Reload asks the page for a fresh challenge picture and waits for it to settle.
func (p *Pipeline) Reload(ctx context.Context, page schemas.PageDriver) bool {
	_, ok := firstMatch(ctx, reloadSelectors, func(ctx context.Context, sel string) (string, bool) {
		if !page.QueryVisible(ctx, sel, visibleTimeout) {
			return "", false
		}
		clicked, err := page.Click(ctx, sel)
		return sel, err == nil && clicked
	})
	if !ok {
		return false
	}
	return p.sleep(ctx, p.cfg.ReloadSettle) == nil
}

// Submit types code into the challenge input and confirms it. Enter is tried
// first; a visible submit button is the fallback. Success is not verified here.
func (p *Pipeline) Submit(ctx context.Context, page schemas.PageDriver, code string) error {
	sel, ok := p.findInput(ctx, page)
	if !ok {
		return ErrInputNotFound
	}
	filled, err := page.FillField(ctx, sel, code)
	if err != nil {
		return fmt.Errorf("fill challenge input: %w", err)
	}
	if !filled {
		return ErrInputNotFound
	}

	enterErr := page.PressEnter(ctx, sel)
	if enterErr == nil {
		return nil
	}
	p.logger.Debug("Enter submit failed, trying buttons", zap.Error(enterErr))

	_, clicked := firstMatch(ctx, submitSelectors, func(ctx context.Context, s string) (string, bool) {
		if !page.QueryVisible(ctx, s, visibleTimeout) {
			return "", false
		}
		ok, err := page.Click(ctx, s)
		return s, err == nil && ok
	})
	if !clicked {
		return fmt.Errorf("submit challenge: %w", enterErr)
	}
	return nil
}

// PreSolve solves the challenge on the current page and caches the code for
// the next Solve call, within PreSolveTTL. It returns false when nothing was cached.
func (p *Pipeline) PreSolve(ctx context.Context, page schemas.PageDriver) (bool, error) {
	if !p.DetectPresence(ctx, page) {
		return false, nil
	}
	img, ok := p.ExtractImage(ctx, page)
	if !ok {
		return false, nil
	}
	out, err := p.Decode(ctx, img)
	if err != nil || !out.Solved() {
		return false, err
	}

	p.mu.Lock()
	p.preSolved, p.preSolvedAt = out.Code, p.now()
	p.mu.Unlock()
	p.logger.Info("Pre-solved challenge cached", zap.String("status", string(out.Status)))
	return true, nil
}

// ClearPreSolved drops any cached code.
func (p *Pipeline) ClearPreSolved() {
	p.mu.Lock()
	p.preSolved = ""
	p.mu.Unlock()
}

func (p *Pipeline) takePreSolved() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.preSolved == "" {
		return "", false
	}
	code := p.preSolved
	p.preSolved = ""
	if p.now().Sub(p.preSolvedAt) > p.cfg.PreSolveTTL {
		p.logger.Debug("Pre-solved challenge code expired")
		return "", false
	}
	return code, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
