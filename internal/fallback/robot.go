package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/version"
	"github.com/memohai/memoh-wecom/internal/wecom"
)

const (
	robotHost       = "qyapi.weixin.qq.com"
	robotPathPrefix = "/cgi-bin/webhook/send"
	maxResponseBody = 64 << 10
)

// IsValidRobotURL accepts only https robot webhook send URLs on the platform host.
func IsValidRobotURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return u.Scheme == "https" &&
		strings.EqualFold(u.Hostname(), robotHost) &&
		strings.HasPrefix(u.Path, robotPathPrefix)
}

// ParseBusinessResponse requires errcode 0 in a webhook response body.
func ParseBusinessResponse(body []byte) error {
	if !gjson.ValidBytes(body) {
		return errors.New("invalid webhook response json")
	}
	code := gjson.GetBytes(body, "errcode")
	if !code.Exists() {
		return errors.New("missing errcode in webhook response")
	}
	if code.Int() != 0 {
		return fmt.Errorf("errcode=%d errmsg=%s", code.Int(), gjson.GetBytes(body, "errmsg").String())
	}
	return nil
}

// Poster sends one markdown message to a webhook URL.
type Poster interface {
	PostMarkdown(ctx context.Context, target, content string) error
}

// Sender posts markdown messages over HTTP, rate limited across all targets.
type Sender struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSender builds a sender allowing perMinute posts; zero or less disables limiting.
func NewSender(log *slog.Logger, client *http.Client, perMinute int) *Sender {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Sender{
		client:  client,
		limiter: limiter,
		logger:  log.With(slog.String("component", "robot_sender")),
	}
}

// PostMarkdown posts content and checks both HTTP and business status.
func (s *Sender) PostMarkdown(ctx context.Context, target, content string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	body, err := json.Marshal(wecom.NewMarkdownMessage(content))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post markdown to %s: %w", logger.RedactURL(target), err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status=%d", resp.StatusCode)
	}
	if err := ParseBusinessResponse(respBody); err != nil {
		return fmt.Errorf("webhook business failure: %w", err)
	}
	return nil
}
