// Package notify delivers operator alerts over Telegram.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
	"github.com/xkilldash9x/termin-cli/internal/network"
)

// Telegram caps photo captions at 1024 characters.
const maxCaption = 1024

// notifyBurst lets a short run of messages through back to back, such as the
// success photo followed by its text.
const notifyBurst = 3

// Telegram is a best-effort schemas.Notifier backed by the Bot API.
type Telegram struct {
	cfg     config.NotifierConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns a Telegram notifier when credentials are configured and a Nop otherwise.
func New(cfg config.NotifierConfig, logger *zap.Logger) schemas.Notifier {
	if !cfg.Enabled() {
		logger.Warn("Telegram not configured; alerts will only be logged")
		return Nop{logger: logger.Named("notify")}
	}
	return NewTelegram(cfg, logger)
}

// NewTelegram builds the Bot API client.
func NewTelegram(cfg config.NotifierConfig, logger *zap.Logger) *Telegram {
	httpCfg := network.NewDefaultClientConfig()
	httpCfg.RequestTimeout = cfg.Timeout
	httpCfg.Logger = logger

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Telegram{
		cfg:     cfg,
		http:    network.NewClient(httpCfg),
		limiter: rate.NewLimiter(limit, notifyBurst),
		logger:  logger.Named("telegram"),
	}
}

func (t *Telegram) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.TelegramToken, name)
}

// allow applies the minimum interval between messages. A message over the
// limit is dropped at once so the calling worker never waits on it.
func (t *Telegram) allow(method string) bool {
	if t.limiter.Allow() {
		return true
	}
	t.logger.Info("Rate limited, dropping message", zap.String("method", method))
	return false
}

// SendAlert posts an HTML formatted text message.
func (t *Telegram) SendAlert(ctx context.Context, text string) {
	if !t.allow("sendMessage") {
		return
	}
	form := url.Values{
		"chat_id":    {t.cfg.TelegramChatID},
		"text":       {text},
		"parse_mode": {"HTML"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.method("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		t.logger.Error("Could not build Telegram request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	t.do(req, "sendMessage")
}

// SendPhoto uploads img with a caption.
func (t *Telegram) SendPhoto(ctx context.Context, img []byte, caption string) {
	if len(img) == 0 {
		t.SendAlert(ctx, caption)
		return
	}
	if !t.allow("sendPhoto") {
		return
	}
	caption = clip(caption, maxCaption)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("chat_id", t.cfg.TelegramChatID)
	_ = mw.WriteField("caption", caption)
	part, err := mw.CreateFormFile("photo", "evidence.png")
	if err == nil {
		_, err = part.Write(img)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		t.logger.Error("Could not build Telegram photo upload", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.method("sendPhoto"), &body)
	if err != nil {
		t.logger.Error("Could not build Telegram request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	t.do(req, "sendPhoto")
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *Telegram) do(req *http.Request, method string) {
	resp, err := t.http.Do(req)
	if err != nil {
		// The token is part of the URL; log the method only.
		t.logger.Error("Telegram send failed", zap.String("method", method), zap.Error(redact(err, t.cfg.TelegramToken)))
		return
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))

	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		t.logger.Warn("Telegram API error",
			zap.String("method", method),
			zap.Int("status", resp.StatusCode),
			zap.String("description", out.Description),
		)
		return
	}
	t.logger.Debug("Message sent to Telegram", zap.String("method", method))
}

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "<redacted>"))
}

// Nop logs alerts instead of sending them.
type Nop struct {
	logger *zap.Logger
}

func (n Nop) SendAlert(_ context.Context, text string) {
	if n.logger != nil {
		n.logger.Info("Alert", zap.String("text", text))
	}
}

func (n Nop) SendPhoto(_ context.Context, img []byte, caption string) {
	if n.logger != nil {
		n.logger.Info("Alert with photo", zap.String("caption", caption), zap.Int("bytes", len(img)))
	}
}
