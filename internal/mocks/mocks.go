// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// -- Page Driver Mock --

// MockPageDriver mocks schemas.PageDriver.
type MockPageDriver struct {
	mock.Mock
}

func (m *MockPageDriver) Navigate(ctx context.Context, url string, wait schemas.WaitCondition, timeout time.Duration) error {
	args := m.Called(ctx, url, wait, timeout)
	return args.Error(0)
}

func (m *MockPageDriver) QueryVisible(ctx context.Context, selector string, timeout time.Duration) bool {
	args := m.Called(ctx, selector, timeout)
	return args.Bool(0)
}

func (m *MockPageDriver) Content(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPageDriver) URL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockPageDriver) Click(ctx context.Context, selector string) (bool, error) {
	args := m.Called(ctx, selector)
	return args.Bool(0), args.Error(1)
}

func (m *MockPageDriver) FillField(ctx context.Context, selector, value string) (bool, error) {
	args := m.Called(ctx, selector, value)
	return args.Bool(0), args.Error(1)
}

func (m *MockPageDriver) SelectOption(ctx context.Context, selector, value string) (bool, error) {
	args := m.Called(ctx, selector, value)
	return args.Bool(0), args.Error(1)
}

func (m *MockPageDriver) PressEnter(ctx context.Context, selector string) error {
	args := m.Called(ctx, selector)
	return args.Error(0)
}

func (m *MockPageDriver) CaptureScreenshot(ctx context.Context, selector string) ([]byte, error) {
	args := m.Called(ctx, selector)
	var img []byte
	if v := args.Get(0); v != nil {
		img = v.([]byte)
	}
	return img, args.Error(1)
}

func (m *MockPageDriver) Attribute(ctx context.Context, selector, name string) (string, bool) {
	args := m.Called(ctx, selector, name)
	return args.String(0), args.Bool(1)
}

func (m *MockPageDriver) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// -- Decoder Mock --

// MockDecoder mocks schemas.Decoder.
type MockDecoder struct {
	mock.Mock
}

func (m *MockDecoder) Decode(ctx context.Context, img []byte) (string, error) {
	args := m.Called(ctx, img)
	return args.String(0), args.Error(1)
}

// -- Notifier Mock --

// MockNotifier mocks schemas.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendAlert(ctx context.Context, text string) {
	m.Called(ctx, text)
}

func (m *MockNotifier) SendPhoto(ctx context.Context, img []byte, caption string) {
	m.Called(ctx, img, caption)
}

// -- Evidence Store Mock --

// MockEvidenceStore mocks schemas.EvidenceStore.
type MockEvidenceStore struct {
	mock.Mock
}

func (m *MockEvidenceStore) SaveSnapshot(ctx context.Context, snap schemas.Snapshot) (string, error) {
	args := m.Called(ctx, snap)
	return args.String(0), args.Error(1)
}

// -- Report Store Mock --

// MockReportStore mocks schemas.ReportStore.
type MockReportStore struct {
	mock.Mock
}

func (m *MockReportStore) SaveRunReport(ctx context.Context, report *schemas.RunReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// -- Clock --

// ManualClock is a schemas.Clock whose time only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a clock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
