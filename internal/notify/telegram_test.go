package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

type recordedRequest struct {
	path        string
	contentType string
	form        map[string]string
	fileBytes   []byte
}

type fakeBotAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{path: r.URL.Path, contentType: r.Header.Get("Content-Type"), form: map[string]string{}}
	if strings.HasPrefix(rec.contentType, "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				rec.form[k] = v[0]
			}
			if fh := r.MultipartForm.File["photo"]; len(fh) > 0 {
				f, _ := fh[0].Open()
				rec.fileBytes, _ = io.ReadAll(f)
				f.Close()
			}
		}
	} else if err := r.ParseForm(); err == nil {
		for k, v := range r.PostForm {
			rec.form[k] = v[0]
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	status := f.status
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = w.Write([]byte(`{"ok":true}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
}

func (f *fakeBotAPI) all() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func testNotifierConfig(base string) config.NotifierConfig {
	return config.NotifierConfig{
		TelegramToken:  "123:secret",
		TelegramChatID: "42",
		APIBase:        base,
		Timeout:        2 * time.Second,
	}
}

func TestSendAlert(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api)
	defer server.Close()

	tg := NewTelegram(testNotifierConfig(server.URL), zaptest.NewLogger(t))
	tg.SendAlert(context.Background(), "<b>hello</b>")

	reqs := api.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/bot123:secret/sendMessage", reqs[0].path)
	assert.Equal(t, "42", reqs[0].form["chat_id"])
	assert.Equal(t, "<b>hello</b>", reqs[0].form["text"])
	assert.Equal(t, "HTML", reqs[0].form["parse_mode"])
}

func TestSendPhoto(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api)
	defer server.Close()

	tg := NewTelegram(testNotifierConfig(server.URL), zaptest.NewLogger(t))
	tg.SendPhoto(context.Background(), []byte("PNGDATA"), strings.Repeat("c", 2000))

	reqs := api.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/bot123:secret/sendPhoto", reqs[0].path)
	assert.Equal(t, []byte("PNGDATA"), reqs[0].fileBytes)
	assert.Len(t, reqs[0].form["caption"], maxCaption)
}

func TestSendPhoto_EmptyImageFallsBackToText(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api)
	defer server.Close()

	tg := NewTelegram(testNotifierConfig(server.URL), zaptest.NewLogger(t))
	tg.SendPhoto(context.Background(), nil, "caption only")

	reqs := api.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/bot123:secret/sendMessage", reqs[0].path)
}

func TestSendAlert_APIErrorIsLoggedNotPanicked(t *testing.T) {
	api := &fakeBotAPI{status: http.StatusBadRequest}
	server := httptest.NewServer(api)
	defer server.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	tg := NewTelegram(testNotifierConfig(server.URL), zap.New(core))
	tg.SendAlert(context.Background(), "x")

	warn := logs.FilterMessage("Telegram API error").All()
	require.Len(t, warn, 1)
	assert.Equal(t, "Bad Request: chat not found", warn[0].ContextMap()["description"])
}

func TestSendAlert_UnreachableRedactsToken(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tg := NewTelegram(testNotifierConfig("http://127.0.0.1:1"), zap.New(core))
	tg.SendAlert(context.Background(), "x")

	failed := logs.FilterMessage("Telegram send failed").All()
	require.Len(t, failed, 1)
	assert.NotContains(t, failed[0].ContextMap()["error"], "secret")
}

func TestRateLimit_DropsWithoutBlocking(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api)
	defer server.Close()

	cfg := testNotifierConfig(server.URL)
	cfg.MinInterval = time.Hour
	cfg.Timeout = 10 * time.Second
	core, logs := observer.New(zapcore.InfoLevel)
	tg := NewTelegram(cfg, zap.New(core))

	start := time.Now()
	for i := 1; i <= notifyBurst+2; i++ {
		tg.SendAlert(context.Background(), fmt.Sprintf("alert %d", i))
	}
	assert.Less(t, time.Since(start), 2*time.Second, "dropped messages must not wait for the limiter")

	reqs := api.all()
	require.Len(t, reqs, notifyBurst)
	assert.Equal(t, "alert 1", reqs[0].form["text"])
	assert.Equal(t, 2, logs.FilterMessage("Rate limited, dropping message").Len())
}

func TestRateLimit_SuccessPhotoAndTextBothSent(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api)
	defer server.Close()

	cfg := testNotifierConfig(server.URL)
	cfg.MinInterval = time.Hour
	tg := NewTelegram(cfg, zaptest.NewLogger(t))

	tg.SendPhoto(context.Background(), []byte("PNG"), "Appointment booked")
	tg.SendAlert(context.Background(), "BOOKING CONFIRMED")

	reqs := api.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/bot123:secret/sendPhoto", reqs[0].path)
	assert.Equal(t, "/bot123:secret/sendMessage", reqs[1].path)
}

func TestSendPhoto_CaptionKeepsRunesWhole(t *testing.T) {
	api := &fakeBotAPI{}
	server := httptest.NewServer(api)
	defer server.Close()

	tg := NewTelegram(testNotifierConfig(server.URL), zaptest.NewLogger(t))
	tg.SendPhoto(context.Background(), []byte("PNG"), strings.Repeat("ü", 1500))

	reqs := api.all()
	require.Len(t, reqs, 1)
	caption := reqs[0].form["caption"]
	assert.True(t, utf8.ValidString(caption))
	assert.Equal(t, maxCaption, utf8.RuneCountInString(caption))
}

func TestNew_WithoutCredentialsIsNop(t *testing.T) {
	n := New(config.NotifierConfig{}, zaptest.NewLogger(t))
	_, ok := n.(Nop)
	assert.True(t, ok)
	assert.NotPanics(t, func() {
		n.SendAlert(context.Background(), "x")
		n.SendPhoto(context.Background(), []byte{1}, "y")
	})
}

func TestMessages(t *testing.T) {
	msg := StatusMessage(schemas.ModeAttack, "attacker-1-0123456789abcdefghij", "running <ok>", map[string]int64{
		"scans": 4, "days_found": 2, "slots_found": 1, "captchas_solved": 3, "captchas_failed": 1,
	})
	assert.Contains(t, msg, "[ATTACK]")
	assert.Contains(t, msg, "attacker-1-0123456789abc...")
	assert.Contains(t, msg, "running &lt;ok&gt;")
	assert.Contains(t, msg, "Challenges: 3/1")

	assert.NotContains(t, StatusMessage(schemas.ModePatrol, "s", "ok", nil), "Scans")

	at := time.Date(2026, 3, 1, 2, 0, 5, 0, time.UTC)
	success := SuccessMessage("attacker-2-x", 2, at, "https://example.test/a?b=1&c=2")
	assert.Contains(t, success, "BOOKING CONFIRMED")
	assert.Contains(t, success, "2026-03-01T02:00:05Z")
	assert.Contains(t, success, "b=1&amp;c=2")

	assert.Contains(t, StatusMessage(schemas.ModePatrol, strings.Repeat("ж", 30), "ok", nil), strings.Repeat("ж", 24)+"...")

	assert.Equal(t, "<b>Stop</b>", AlertMessage("Stop", ""))
	assert.Equal(t, "<b>Stop</b>\nnow", AlertMessage("Stop", "now"))
}

func TestClip(t *testing.T) {
	testCases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exact", 5, "exact"},
		{"abcdef", 3, "abc"},
		{"日本語テキスト", 3, "日本語"},
		{"aé€😀b", 4, "aé€😀"},
		{"", 3, ""},
	}
	for _, tc := range testCases {
		got := clip(tc.in, tc.n)
		assert.Equal(t, tc.want, got, "clip(%q, %d)", tc.in, tc.n)
		assert.True(t, utf8.ValidString(got))
	}
}
