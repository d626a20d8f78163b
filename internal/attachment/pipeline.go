// Package attachment downloads, decrypts and stores inbound media.
package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/storage"
	"github.com/memohai/memoh-wecom/internal/version"
	"github.com/memohai/memoh-wecom/internal/wecom"
	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

// KeyPrefix is the storage prefix for inbound attachments.
const KeyPrefix = "wecom_files/"

const (
	defaultFetchTimeout = 60 * time.Second
	defaultAttempts     = 3
	defaultBackoff      = 500 * time.Millisecond
)

var (
	ErrTooLarge        = errors.New("attachment too large")
	ErrTypeUnsupported = errors.New("attachment type unsupported")
	ErrFetchFailed     = errors.New("attachment fetch failed")
	ErrDisabled        = errors.New("attachments disabled")
)

// Kind is the attachment category.
type Kind string

const (
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

func (k Kind) label() string {
	if k == KindImage {
		return "Image"
	}
	return "File"
}

// TooLargeError carries the sizes of a rejected attachment.
type TooLargeError struct {
	Kind  Kind
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s: kind=%s size=%d limit=%d", ErrTooLarge, e.Kind, e.Size, e.Limit)
}

func (e *TooLargeError) Is(target error) bool { return target == ErrTooLarge }

// Marker is the text the model sees instead of the attachment.
func (e *TooLargeError) Marker() string {
	return fmt.Sprintf("[AttachmentTooLarge kind=%s size=%dB limit=%dB]", e.Kind.label(), e.Size, e.Limit)
}

// Decrypter decrypts downloaded media.
type Decrypter interface {
	DecryptFile(data []byte) ([]byte, error)
}

// Request identifies one attachment to fetch.
type Request struct {
	URL          string
	Kind         Kind
	ChatID       string
	SenderID     string
	MsgID        string
	FileName     string
	DeclaredSize int64
}

// Attachment is a persisted attachment.
type Attachment struct {
	MsgID       string
	Kind        Kind
	Size        int64
	RawSize     int64
	Mime        string
	Key         string
	Path        string
	RetainUntil time.Time
}

// Marker is the reference inserted into the model input.
func (a Attachment) Marker() string {
	if a.Kind == KindImage {
		return "[IMAGE:" + a.Path + "]"
	}
	return "[Document: " + a.Path + "]"
}

// Options configures a Pipeline.
type Options struct {
	Client    *http.Client
	Decrypter Decrypter
	Store     storage.Provider
	MaxBytes  int64
	Retention time.Duration
	Timeout   time.Duration
	Attempts  int
	Backoff   time.Duration
}

// Pipeline turns attachment URLs into stored files.
type Pipeline struct {
	client    *http.Client
	decrypter Decrypter
	store     storage.Provider
	maxBytes  int64
	retention time.Duration
	timeout   time.Duration
	attempts  int
	backoff   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipeline builds a pipeline. A zero MaxBytes disables downloads.
func NewPipeline(log *slog.Logger, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		client:    opts.Client,
		decrypter: opts.Decrypter,
		store:     opts.Store,
		maxBytes:  opts.MaxBytes,
		retention: opts.Retention,
		timeout:   opts.Timeout,
		attempts:  opts.Attempts,
		backoff:   opts.Backoff,
		logger:    log.With(slog.String("component", "attachment")),
		now:       time.Now,
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.timeout <= 0 {
		p.timeout = defaultFetchTimeout
	}
	if p.attempts <= 0 {
		p.attempts = defaultAttempts
	}
	if p.backoff <= 0 {
		p.backoff = defaultBackoff
	}
	return p
}

// Process downloads req, checks its size before decrypting, and stores the
// plaintext under KeyPrefix.
func (p *Pipeline) Process(ctx context.Context, req Request) (Attachment, error) {
	if p.maxBytes <= 0 {
		return Attachment{}, ErrDisabled
	}
	if req.DeclaredSize > p.maxBytes {
		return Attachment{}, &TooLargeError{Kind: req.Kind, Size: req.DeclaredSize, Limit: p.maxBytes}
	}
	raw, err := p.fetch(ctx, req)
	if err != nil {
		return Attachment{}, err
	}
	plain, err := p.decrypter.DecryptFile(raw)
	if err != nil {
		return Attachment{}, fmt.Errorf("decrypt attachment: %w", err)
	}
	mime := DetectMime(req.Kind, plain, mimeFromExtension(req.FileName))
	ext, ok := extensionFor(req.Kind, mime)
	if !ok {
		return Attachment{}, fmt.Errorf("%w: %s sniffed as %s", ErrTypeUnsupported, req.Kind, mime)
	}

	now := p.now()
	key := p.storageKey(req, now, ext)
	if err := p.store.Put(ctx, key, bytes.NewReader(plain)); err != nil {
		return Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	att := Attachment{
		MsgID:       req.MsgID,
		Kind:        req.Kind,
		Size:        int64(len(plain)),
		RawSize:     int64(len(raw)),
		Mime:        mime,
		Key:         key,
		Path:        p.store.AccessPath(key),
		RetainUntil: now.Add(p.retention),
	}
	p.logger.Info("attachment stored",
		slog.String("msg_id", req.MsgID),
		slog.String("kind", string(req.Kind)),
		slog.String("mime", mime),
		slog.Int64("size", att.Size),
		slog.String("key", key),
	)
	return att, nil
}

func (p *Pipeline) storageKey(req Request, now time.Time, ext string) string {
	chat := req.ChatID
	if chat == "" {
		chat = "single"
	}
	return KeyPrefix + wecom.SafeComponent(chat+"_"+req.SenderID) +
		"_" + strconv.FormatInt(now.Unix(), 10) +
		"_" + wecom.SafeComponent(req.MsgID) +
		"_" + crypto.RandomString(6) + "." + ext
}

// fetch retries transport failures and 5xx responses. Size violations and
// other client errors are final.
func (p *Pipeline) fetch(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrFetchFailed, ctx.Err())
			case <-time.After(p.backoff * time.Duration(attempt-1)):
			}
		}
		data, retry, err := p.fetchOnce(ctx, req)
		if err == nil {
			return data, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("attachment fetch attempt failed",
			slog.Int("attempt", attempt),
			slog.String("url", logger.RedactURL(req.URL)),
			slog.Any("error", err),
		)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrFetchFailed, p.attempts, lastErr)
}

func (p *Pipeline) fetchOnce(ctx context.Context, req Request) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	httpReq.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("download status=%d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("%w: download status=%d", ErrFetchFailed, resp.StatusCode)
	}
	if resp.ContentLength > p.maxBytes {
		return nil, false, &TooLargeError{Kind: req.Kind, Size: resp.ContentLength, Limit: p.maxBytes}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, false, &TooLargeError{Kind: req.Kind, Size: int64(len(data)), Limit: p.maxBytes}
	}
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty body", ErrFetchFailed)
	}
	return data, false, nil
}
