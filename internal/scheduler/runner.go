// Package scheduler drives periodic board synchronization for a configured
// set of groups, replacing an external cron trigger with an in-process loop.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/o-ats-o/ta-support-worker/internal/board"
	"go.uber.org/zap"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
)

var (
	errMissingService = errors.New("board service is required")
	errNoEntries      = errors.New("at least one sync entry is required")
)

// Entry names one board to keep synchronized.
type Entry struct {
	GroupID string
	BoardID board.BoardID
	Types   []string
}

// EventSink receives completed-run notifications, typically the SSE
// dispatcher of the HTTP layer.
type EventSink interface {
	PublishDiff(diff board.Diff)
}

// Config bundles the dependencies of the Runner.
type Config struct {
	Service  *board.Service
	Mappings *board.MappingService
	Entries  []Entry
	Interval time.Duration
	Logger   *zap.Logger
	Sink     EventSink
}

// Runner synchronizes each configured board once per interval. Entries run
// sequentially, so one runner never overlaps two syncs of the same board.
type Runner struct {
	service  *board.Service
	mappings *board.MappingService
	entries  []Entry
	interval time.Duration
	logger   *zap.Logger
	sink     EventSink
}

// NewRunner constructs a Runner with validated configuration.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Service == nil {
		return nil, errMissingService
	}
	if len(cfg.Entries) == 0 {
		return nil, errNoEntries
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		service:  cfg.Service,
		mappings: cfg.Mappings,
		entries:  cfg.Entries,
		interval: interval,
		logger:   logger,
		sink:     cfg.Sink,
	}, nil
}

// Run synchronizes every entry immediately, then once per interval until the
// context ends. Per-entry failures are logged and never stop the loop.
func (r *Runner) Run(ctx context.Context) {
	r.runAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAll(ctx)
		}
	}
}

func (r *Runner) runAll(ctx context.Context) {
	for _, entry := range r.entries {
		if ctx.Err() != nil {
			return
		}
		if err := r.runEntry(ctx, entry); err != nil {
			r.logger.Error("scheduled sync failed",
				zap.String("group_id", entry.GroupID),
				zap.String("board_id", entry.BoardID.String()),
				zap.Error(err))
		}
	}
}

// runEntry performs one sync with bounded retries. Only upstream statuses
// worth retrying (429 and 5xx) trigger another attempt; everything else fails
// the entry immediately.
func (r *Runner) runEntry(ctx context.Context, entry Entry) error {
	if r.mappings != nil && entry.GroupID != "" {
		if groupID, err := board.NewGroupID(entry.GroupID); err == nil {
			if err := r.mappings.Upsert(ctx, groupID, entry.BoardID); err != nil {
				r.logger.Warn("board mapping upsert failed",
					zap.String("group_id", entry.GroupID),
					zap.String("board_id", entry.BoardID.String()),
					zap.Error(err))
			}
		}
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		diff, err := r.service.Sync(ctx, entry.BoardID, entry.Types)
		if err == nil {
			if r.sink != nil {
				r.sink.PublishDiff(diff)
			}
			r.logger.Info("scheduled sync completed",
				zap.String("group_id", entry.GroupID),
				zap.String("board_id", entry.BoardID.String()),
				zap.Int("added", len(diff.Added)),
				zap.Int("updated", len(diff.Updated)),
				zap.Int("deleted", len(diff.Deleted)))
			return nil
		}

		if errors.Is(err, board.ErrSyncInProgress) {
			r.logger.Warn("sync skipped, board locked",
				zap.String("board_id", entry.BoardID.String()))
			return nil
		}
		if attempt >= maxAttempts || !retryable(err) {
			return err
		}

		r.logger.Warn("retrying sync",
			zap.String("board_id", entry.BoardID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func retryable(err error) bool {
	var fetchErr *board.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}
	return false
}
