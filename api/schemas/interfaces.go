package schemas

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEngineUnavailable is returned by a Decoder whose backing engine cannot be reached.
	// It is the only decoder error that is propagated past the challenge pipeline.
	ErrEngineUnavailable = errors.New("challenge decoding engine unavailable")
	// ErrDriverClosed is returned by a PageDriver used after Close.
	ErrDriverClosed = errors.New("page driver closed")
)

// -- Page Driver --

// WaitCondition selects the page lifecycle event Navigate waits for.
type WaitCondition string

const (
	WaitDOMReady WaitCondition = "domcontentloaded"
	WaitLoad     WaitCondition = "load"
)

// PageDriver is a single, isolated browsing context owned by one worker.
// A selector that matches nothing is a normal result (false / empty), never an error.
type PageDriver interface {
	// Navigate loads url and waits for the given condition, bounded by timeout.
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error
	// QueryVisible reports whether selector matches a visible element within timeout.
	QueryVisible(ctx context.Context, selector string, timeout time.Duration) bool
	// Content returns the current serialized HTML of the page.
	Content(ctx context.Context) (string, error)
	// URL returns the current page URL.
	URL(ctx context.Context) (string, error)
	// Click clicks the first element matching selector; false when nothing matched.
	Click(ctx context.Context, selector string) (bool, error)
	// FillField replaces the value of the first matching input.
	FillField(ctx context.Context, selector, value string) (bool, error)
	// SelectOption chooses value on the first matching select element.
	SelectOption(ctx context.Context, selector, value string) (bool, error)
	// PressEnter sends the Enter key to the first matching element.
	PressEnter(ctx context.Context, selector string) error
	// CaptureScreenshot captures the element matched by selector, or the full page when selector is empty.
	CaptureScreenshot(ctx context.Context, selector string) ([]byte, error)
	// Attribute reads attribute name of the first matching element.
	Attribute(ctx context.Context, selector, name string) (string, bool)
	// Close releases the browsing context. It is safe to call more than once.
	Close(ctx context.Context) error
}

// DriverFactory opens fresh browsing contexts with the given fingerprint.
type DriverFactory interface {
	NewPage(ctx context.Context, fp Fingerprint) (PageDriver, error)
}

// -- Collaborators --

// Decoder turns challenge image bytes into a best-guess text.
type Decoder interface {
	Decode(ctx context.Context, img []byte) (string, error)
}

// Clock is the corrected time source.
type Clock interface {
	Now() time.Time
}

// Notifier delivers best-effort alerts. Implementations never block the caller
// on delivery failures; they log and drop.
type Notifier interface {
	SendAlert(ctx context.Context, text string)
	SendPhoto(ctx context.Context, img []byte, caption string)
}

// EvidenceStore durably records snapshots for later audit.
type EvidenceStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) (string, error)
}

// ReportStore persists the final run report.
type ReportStore interface {
	SaveRunReport(ctx context.Context, report *RunReport) error
}
