// Package fallback delivers reply text the passive stream could not carry.
package fallback

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/wecom"
)

// ErrExhausted is returned when a chunk could not be delivered by any tier.
var ErrExhausted = errors.New("all fallback tiers failed")

// FallbackPrefix marks content sent through the global fallback robot.
const FallbackPrefix = "[FallbackPush] "

// Tier names the channel a chunk went out on.
type Tier string

const (
	TierResponseURL Tier = "response_url"
	TierScopePush   Tier = "scope_push"
	TierGlobal      Tier = "global_fallback"
	TierDropped     Tier = "dropped"
)

// PushURLStore looks up values written under conversation.PushURLKey.
type PushURLStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Delivery records the tier used for each chunk.
type Delivery struct {
	Tiers []Tier
}

// Dispatcher sends content through response URLs, then the scope push
// URL, then the global fallback robot.
type Dispatcher struct {
	responseURLs *ResponseURLCache
	pushURLs     PushURLStore
	poster       Poster
	globalURL    string
	logger       *slog.Logger
}

// NewDispatcher wires the fallback tiers. pushURLs may be nil.
func NewDispatcher(log *slog.Logger, responseURLs *ResponseURLCache, pushURLs PushURLStore, poster Poster, globalURL string) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		responseURLs: responseURLs,
		pushURLs:     pushURLs,
		poster:       poster,
		globalURL:    strings.TrimSpace(globalURL),
		logger:       log.With(slog.String("component", "fallback")),
	}
}

// Deliver splits content into markdown chunks and sends each one through
// the first tier that accepts it. Chunks every tier rejects are dropped
// and reported with ErrExhausted.
func (d *Dispatcher) Deliver(ctx context.Context, scope, content string) (Delivery, error) {
	var out Delivery
	dropped := 0
	for _, chunk := range wecom.SplitMarkdownChunks(content) {
		tier := d.deliverChunk(ctx, scope, chunk)
		if tier == TierDropped {
			dropped++
			d.logger.Warn("outbound dropped: no usable response_url or push webhook", slog.String("scope", scope))
		}
		out.Tiers = append(out.Tiers, tier)
	}
	if dropped > 0 {
		return out, ErrExhausted
	}
	return out, nil
}

func (d *Dispatcher) deliverChunk(ctx context.Context, scope, chunk string) Tier {
	if d.responseURLs != nil {
		for {
			entry, ok := d.responseURLs.Take(scope)
			if !ok {
				break
			}
			if err := d.poster.PostMarkdown(ctx, entry.URL, chunk); err != nil {
				d.logger.Warn("response_url send failed",
					slog.String("msg_id", entry.MsgID),
					slog.Duration("age", entry.Age),
					slog.Any("error", err),
				)
				continue
			}
			return TierResponseURL
		}
	}

	if target := d.scopePushURL(ctx, scope); target != "" {
		if err := d.poster.PostMarkdown(ctx, target, chunk); err != nil {
			d.logger.Warn("scope push webhook send failed", slog.String("url", logger.RedactURL(target)), slog.Any("error", err))
		} else {
			return TierScopePush
		}
	}

	if IsValidRobotURL(d.globalURL) {
		if err := d.poster.PostMarkdown(ctx, d.globalURL, FallbackPrefix+chunk); err != nil {
			d.logger.Warn("global fallback send failed", slog.Any("error", err))
		} else {
			return TierGlobal
		}
	}
	return TierDropped
}

func (d *Dispatcher) scopePushURL(ctx context.Context, scope string) string {
	if d.pushURLs == nil {
		return ""
	}
	value, ok, err := d.pushURLs.Get(ctx, conversation.PushURLKey(scope))
	if err != nil {
		d.logger.Warn("push url lookup failed", slog.String("scope", scope), slog.Any("error", err))
		return ""
	}
	value = strings.TrimSpace(value)
	if !ok || !IsValidRobotURL(value) {
		return ""
	}
	return value
}
