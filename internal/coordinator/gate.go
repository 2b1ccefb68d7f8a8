package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/challenge"
	"github.com/xkilldash9x/termin-cli/internal/metrics"
)

// gated reports whether a challenge input is on the page. The content markers
// are checked first so ungated pages cost no selector lookups.
func (w *worker) gated(ctx context.Context, ps pageState) bool {
	return ps.view.Gated && w.pipeline.DetectPresence(ctx, w.page)
}

// passGate clears the challenge guarding the current page, if any, and returns
// the page that follows. passed is false when the challenge could not be
// solved; the caller abandons the step.
func (w *worker) passGate(ctx context.Context, ps pageState, stage string) (next pageState, passed bool, err error) {
	if !w.gated(ctx, ps) {
		return ps, true, nil
	}
	if w.state.CheckDoubleChallenge() {
		return ps, false, w.doubleChallenge(ctx, ps, stage)
	}

	solved, err := w.solveAndSubmit(ctx, ps, stage)
	if err != nil || !solved {
		return ps, false, err
	}
	if !w.c.shared.Sleep(ctx, w.c.cfg.Workers().PostSubmitWait) {
		return ps, false, errStopped
	}
	next, err = w.inspect(ctx)
	if err != nil {
		return ps, false, err
	}

	// The form carries its own challenge, so only a repeat gate elsewhere counts.
	if next.view.Type != schemas.PageForm && w.gated(ctx, next) && w.state.CheckDoubleChallenge() {
		return next, false, w.doubleChallenge(ctx, next, stage)
	}
	return next, true, nil
}

// solveAndSubmit solves the challenge on the page and types the code in.
// It returns false, with a nil error, when the challenge was not solved.
func (w *worker) solveAndSubmit(ctx context.Context, ps pageState, stage string) (bool, error) {
	stats := w.c.deps.Stats
	w.state.StartChallengeFlow()

	started := time.Now()
	out, err := w.pipeline.SolveWithRetry(ctx, w.page, w.c.cfg.Challenge().SolveAttempts)
	stats.Exporter().ObserveSolve(out.Status, time.Since(started))
	if err != nil {
		return false, fmt.Errorf("solve %s challenge: %w", stage, err)
	}

	if out.PoisonsSession {
		stats.Inc(metrics.CaptchasFailed)
		w.state.MarkBlackImage()
		w.record(schemas.IncidentCaptchaBlack, schemas.SeverityCritical, "black challenge image at "+stage, map[string]string{
			"image_bytes": strconv.Itoa(out.ImageBytes),
			"url":         ps.url,
		})
		w.saveEvidence(ctx, "black_image", ps, nil)
		return false, fmt.Errorf("%w: black challenge image", errSessionEnded)
	}
	if !out.Solved() {
		stats.Inc(metrics.CaptchasFailed)
		w.record(schemas.IncidentCaptchaFail, schemas.SeverityWarning, "challenge not solved at "+stage, map[string]string{
			"status":   string(out.Status),
			"attempts": strconv.Itoa(out.Attempts),
		})
		return false, nil
	}

	if err := w.pipeline.Submit(ctx, w.page, out.Code); err != nil {
		if errors.Is(err, challenge.ErrInputNotFound) {
			stats.Inc(metrics.CaptchasFailed)
			w.logger.Warn("Challenge input vanished before submit", zap.String("stage", stage))
			return false, nil
		}
		return false, err
	}
	stats.Inc(metrics.CaptchasSolved)
	w.state.RecordChallengeSolved()
	w.logger.Info("Challenge submitted", zap.String("stage", stage), zap.String("status", string(out.Status)))
	return true, nil
}

func (w *worker) doubleChallenge(ctx context.Context, ps pageState, stage string) error {
	w.record(schemas.IncidentDoubleChallenge, schemas.SeverityCritical, "challenge repeated right after a solve at "+stage,
		map[string]string{"url": ps.url})
	w.saveEvidence(ctx, "double_challenge", ps, nil)
	w.logger.Warn("Double challenge, session poisoned", zap.String("stage", stage))
	return fmt.Errorf("%w: double challenge at %s", errSessionEnded, stage)
}
