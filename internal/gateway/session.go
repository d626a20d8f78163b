package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/dedupe"
	"github.com/memohai/memoh-wecom/internal/fallback"
	"github.com/memohai/memoh-wecom/internal/lock"
	"github.com/memohai/memoh-wecom/internal/schedule"
	"github.com/memohai/memoh-wecom/internal/stream"
	"github.com/memohai/memoh-wecom/internal/stream/event"
)

// ConversationTTL is how long an idle conversation keeps its history.
const ConversationTTL = 172800 * time.Second

// Session is the in-memory state shared by every webhook request.
type Session struct {
	History      *conversation.History
	Locks        *lock.Manager
	Streams      *stream.Engine
	ResponseURLs *fallback.ResponseURLCache
	Seen         *dedupe.Cache
	idleTTL      time.Duration
	logger       *slog.Logger
}

// SessionOptions sizes the session stores.
type SessionOptions struct {
	HistoryTurns    int
	ResponseURLs    int
	StreamTTL       time.Duration
	ResponseURLTTL  time.Duration
	DedupeTTL       time.Duration
	ConversationTTL time.Duration
}

// NewSession builds the session stores. hub may be nil.
func NewSession(log *slog.Logger, hub event.Publisher, opts SessionOptions) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		History:      conversation.NewHistory(opts.HistoryTurns),
		Locks:        lock.NewManager(log),
		Streams:      stream.NewEngine(log, hub, opts.StreamTTL),
		ResponseURLs: fallback.NewResponseURLCache(opts.ResponseURLs, opts.ResponseURLTTL),
		Seen:         dedupe.New(opts.DedupeTTL, dedupe.DefaultMaxSize),
		idleTTL:      opts.ConversationTTL,
		logger:       log.With(slog.String("component", "session")),
	}
}

// Jobs returns the periodic sweeps that keep the session stores bounded.
func (s *Session) Jobs() []schedule.Job {
	idle := s.idleTTL
	if idle <= 0 {
		idle = ConversationTTL
	}
	return []schedule.Job{
		s.job("stream-sweep", "@every 10m", s.Streams.Sweep),
		s.job("history-prune", "@every 30m", func() int { return s.History.Prune(idle) }),
		s.job("lock-prune", "@every 1m", s.Locks.Prune),
		s.job("response-url-purge", "@every 5m", s.ResponseURLs.Purge),
		s.job("dedupe-sweep", "@every 10m", s.Seen.Sweep),
	}
}

func (s *Session) job(name, pattern string, sweep func() int) schedule.Job {
	return schedule.Job{
		Name:    name,
		Pattern: pattern,
		Run: func(context.Context) error {
			if n := sweep(); n > 0 {
				s.logger.Debug("session sweep", slog.String("job", name), slog.Int("removed", n))
			}
			return nil
		},
	}
}
