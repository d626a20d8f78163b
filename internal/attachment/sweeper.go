package attachment

import (
	"context"
	"log/slog"
	"time"

	"github.com/memohai/memoh-wecom/internal/storage"
)

// Sweeper removes stored attachments past the retention window.
type Sweeper struct {
	store     storage.Provider
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper for objects under KeyPrefix.
func NewSweeper(log *slog.Logger, store storage.Provider, retention time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		logger:    log.With(slog.String("component", "attachment_sweeper")),
		now:       time.Now,
	}
}

// Sweep deletes expired attachments and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	objects, err := s.store.List(ctx, KeyPrefix)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, obj := range objects {
		if !obj.ModTime.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			s.logger.Warn("attachment delete failed", slog.String("key", obj.Key), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired attachments removed", slog.Int("count", removed))
	}
	return removed, nil
}
