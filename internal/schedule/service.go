// Package schedule runs the periodic maintenance sweeps of the gateway.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobNotFound is returned by RunNow for unknown job names.
var ErrJobNotFound = errors.New("schedule job not found")

const jobTimeout = 5 * time.Minute

type registered struct {
	job     Job
	entryID cron.EntryID
}

// Service owns a cron runner. Jobs of the same name never overlap.
type Service struct {
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger
	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	jobs   map[string]registered
	runMu  map[string]*sync.Mutex
}

// NewService creates a stopped scheduler. Patterns accept an optional
// seconds field and descriptors such as "@every 30m".
func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	base, stop := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(cron.WithParser(parser)),
		parser: parser,
		logger: log.With(slog.String("service", "schedule")),
		base:   base,
		stop:   stop,
		jobs:   map[string]registered{},
		runMu:  map[string]*sync.Mutex{},
	}
}

// Register adds or replaces a job.
func (s *Service) Register(job Job) error {
	if strings.TrimSpace(job.Name) == "" || strings.TrimSpace(job.Pattern) == "" || job.Run == nil {
		return fmt.Errorf("name, pattern and run are required")
	}
	if _, err := s.parser.Parse(job.Pattern); err != nil {
		return fmt.Errorf("invalid cron pattern %q: %w", job.Pattern, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[job.Name]; ok {
		s.cron.Remove(prev.entryID)
	}
	name := job.Name
	entryID, err := s.cron.AddFunc(job.Pattern, func() {
		_ = s.run(s.base, name)
	})
	if err != nil {
		return err
	}
	s.jobs[name] = registered{job: job, entryID: entryID}
	if _, ok := s.runMu[name]; !ok {
		s.runMu[name] = &sync.Mutex{}
	}
	return nil
}

// Entries lists registered jobs by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for name, r := range s.jobs {
		out = append(out, Entry{Name: name, Pattern: r.job.Pattern})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow runs a job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	return s.run(ctx, name)
}

// Start begins running jobs on their patterns.
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Entries())))
}

// Stop halts the scheduler and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.stop()
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, name string) error {
	s.mu.Lock()
	r, ok := s.jobs[name]
	mu := s.runMu[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if !mu.TryLock() {
		s.logger.Debug("job still running, skipped", slog.String("job", name))
		return nil
	}
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	if err := r.job.Run(ctx); err != nil {
		s.logger.Warn("job failed", slog.String("job", name), slog.Any("error", err))
		return err
	}
	s.logger.Debug("job finished", slog.String("job", name), slog.Duration("took", time.Since(start)))
	return nil
}
