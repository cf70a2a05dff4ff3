package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingFetcher    = errors.New("item fetcher is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "board.service.new"
	opSync       = "board.sync"
	opListDiffs  = "board.list_diffs"
	opListItems  = "board.list_items"
	opActivity   = "board.activity"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for synchronization runs.
type IDProvider interface {
	NewID() (string, error)
}

// BoardLocker guards one board against overlapping synchronization runs.
type BoardLocker interface {
	Acquire(ctx context.Context, boardID BoardID) (release func(), err error)
}

// ServiceConfig bundles the dependencies of the diff engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Fetcher    Fetcher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	// Locker is optional; without it concurrent runs for the same board may
	// interleave, and callers must serialize externally.
	Locker BoardLocker
}

// Service orchestrates fetch, classification and persistence for one board
// per call. It exclusively owns writes to the snapshot and diff tables.
type Service struct {
	snapshots *SnapshotStore
	diffs     *DiffLogStore
	fetcher   Fetcher
	clock     func() time.Time
	ids       IDProvider
	logger    *zap.Logger
	locker    BoardLocker
}

// NewService constructs the diff engine with validated dependencies.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Fetcher == nil {
		return nil, newServiceError(opServiceNew, "missing_fetcher", errMissingFetcher)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		snapshots: NewSnapshotStore(cfg.Database),
		diffs:     NewDiffLogStore(cfg.Database),
		fetcher:   cfg.Fetcher,
		clock:     clock,
		ids:       cfg.IDProvider,
		logger:    logger,
		locker:    cfg.Locker,
	}, nil
}

// Sync performs one synchronization pass: fetch the full current item set,
// classify each item against the prior snapshot, persist the new snapshot
// state and append one diff record. A fetch failure aborts the run before any
// write. Every persisted effect of the run shares one clock value.
func (s *Service) Sync(ctx context.Context, boardID BoardID, types []string) (Diff, error) {
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, boardID)
		if err != nil {
			s.logError(opSync, "lock_unavailable", err, zap.String("board_id", boardID.String()))
			return Diff{}, newServiceError(opSync, "lock_unavailable", err)
		}
		defer release()
	}

	fetched, err := s.fetcher.FetchAll(ctx, boardID, types)
	if err != nil {
		s.logError(opSync, "fetch_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "fetch_failed", err)
	}

	priorRows, err := s.snapshots.ListByBoard(ctx, boardID)
	if err != nil {
		s.logError(opSync, "snapshot_load_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "snapshot_load_failed", err)
	}
	previous := make(map[string]ItemSnapshot, len(priorRows))
	for _, row := range priorRows {
		previous[row.ItemID] = row
	}

	classified, err := classifyAgainstSnapshot(previous, fetched)
	if err != nil {
		s.logError(opSync, "classify_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "classify_failed", err)
	}

	runID, err := s.ids.NewID()
	if err != nil {
		s.logError(opSync, "id_generation_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	diff, upserts, deletedIDs := buildDiff(boardID, runID, now, classified)

	if err := s.snapshots.UpsertBatch(ctx, upserts); err != nil {
		s.logError(opSync, "snapshot_write_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "snapshot_write_failed", err)
	}
	if err := s.snapshots.MarkDeleted(ctx, boardID, deletedIDs, diff.DiffAt); err != nil {
		s.logError(opSync, "snapshot_delete_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "snapshot_delete_failed", err)
	}

	record, err := encodeDiffRecord(diff)
	if err != nil {
		s.logError(opSync, "diff_encode_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "diff_encode_failed", err)
	}
	if err := s.diffs.Insert(ctx, record); err != nil {
		s.logError(opSync, "diff_write_failed", err, zap.String("board_id", boardID.String()))
		return Diff{}, newServiceError(opSync, "diff_write_failed", err)
	}

	s.logger.Info("board synchronized",
		zap.String("board_id", boardID.String()),
		zap.String("run_id", runID),
		zap.Int("added", len(diff.Added)),
		zap.Int("updated", len(diff.Updated)),
		zap.Int("deleted", len(diff.Deleted)))

	return diff, nil
}

// DiffQuery bounds and pages a diff-history lookup.
type DiffQuery struct {
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// ListDiffs returns persisted diff records ordered by diff_at descending.
func (s *Service) ListDiffs(ctx context.Context, boardID BoardID, query DiffQuery) ([]Diff, error) {
	since := ""
	if query.Since != nil {
		since = FormatTimestamp(*query.Since)
	}
	until := ""
	if query.Until != nil {
		until = FormatTimestamp(*query.Until)
	}

	records, err := s.diffs.List(ctx, boardID, since, until, query.Limit, query.Offset)
	if err != nil {
		s.logError(opListDiffs, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListDiffs, "query_failed", err)
	}

	diffs := make([]Diff, 0, len(records))
	for _, record := range records {
		diffs = append(diffs, decodeDiffRecord(record))
	}
	return diffs, nil
}

// ListItems returns the mirrored item state ordered by last_seen_at
// descending, excluding soft-deleted rows unless requested.
func (s *Service) ListItems(ctx context.Context, boardID BoardID, includeDeleted bool, limit, offset int) ([]ItemView, error) {
	rows, err := s.snapshots.ListItems(ctx, boardID, includeDeleted, limit, offset)
	if err != nil {
		s.logError(opListItems, "query_failed", err, zap.String("board_id", boardID.String()))
		return nil, newServiceError(opListItems, "query_failed", err)
	}

	views := make([]ItemView, 0, len(rows))
	for _, row := range rows {
		document := json.RawMessage(row.Content)
		if !json.Valid(document) {
			document = json.RawMessage("{}")
		}
		views = append(views, ItemView{
			ID:          row.ItemID,
			Type:        row.Type,
			Data:        document,
			Text:        ExtractText(document),
			FirstSeenAt: row.FirstSeenAt,
			LastSeenAt:  row.LastSeenAt,
			DeletedAt:   row.DeletedAt,
		})
	}
	return views, nil
}

// Activity sums diff cardinalities over a diff_at window. The recommendation
// reader consumes these counts and applies its own statistics.
func (s *Service) Activity(ctx context.Context, boardID BoardID, since, until *time.Time) (ActivityCounts, error) {
	counts := ActivityCounts{BoardID: boardID.String()}

	sinceValue := ""
	if since != nil {
		sinceValue = FormatTimestamp(*since)
		counts.Since = sinceValue
	}
	untilValue := ""
	if until != nil {
		untilValue = FormatTimestamp(*until)
		counts.Until = untilValue
	}

	records, err := s.diffs.List(ctx, boardID, sinceValue, untilValue, activityScanLimit, 0)
	if err != nil {
		s.logError(opActivity, "query_failed", err, zap.String("board_id", boardID.String()))
		return ActivityCounts{}, newServiceError(opActivity, "query_failed", err)
	}

	for _, record := range records {
		diff := decodeDiffRecord(record)
		counts.Added += len(diff.Added)
		counts.Updated += len(diff.Updated)
		counts.Deleted += len(diff.Deleted)
	}
	counts.Total = counts.Added + counts.Updated + counts.Deleted
	return counts, nil
}

// activityScanLimit caps how many run records one activity query aggregates.
const activityScanLimit = 1000

// ActivityCounts aggregates diff cardinalities over a time window, feeding
// the external recommendation reader.
type ActivityCounts struct {
	BoardID string `json:"board_id"`
	Since   string `json:"since,omitempty"`
	Until   string `json:"until,omitempty"`
	Added   int    `json:"added"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
	Total   int    `json:"total"`
}

// ItemView is the read model returned by ListItems.
type ItemView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	Text        string          `json:"text,omitempty"`
	FirstSeenAt string          `json:"first_seen_at"`
	LastSeenAt  string          `json:"last_seen_at"`
	DeletedAt   *string         `json:"deleted_at"`
}

func encodeDiffRecord(diff Diff) (DiffRecord, error) {
	added, err := json.Marshal(diff.Added)
	if err != nil {
		return DiffRecord{}, err
	}
	updated, err := json.Marshal(diff.Updated)
	if err != nil {
		return DiffRecord{}, err
	}
	deleted, err := json.Marshal(diff.Deleted)
	if err != nil {
		return DiffRecord{}, err
	}
	return DiffRecord{
		BoardID:     diff.BoardID,
		DiffAt:      diff.DiffAt,
		RunID:       diff.RunID,
		AddedJSON:   string(added),
		UpdatedJSON: string(updated),
		DeletedJSON: string(deleted),
	}, nil
}

// decodeDiffRecord tolerates corrupt stored JSON by falling back to empty
// lists so one bad row cannot break history reads.
func decodeDiffRecord(record DiffRecord) Diff {
	diff := Diff{
		BoardID: record.BoardID,
		DiffAt:  record.DiffAt,
		RunID:   record.RunID,
		Added:   []json.RawMessage{},
		Updated: []UpdatedItem{},
		Deleted: []DeletedItem{},
	}
	if err := json.Unmarshal([]byte(record.AddedJSON), &diff.Added); err != nil {
		diff.Added = []json.RawMessage{}
	}
	if err := json.Unmarshal([]byte(record.UpdatedJSON), &diff.Updated); err != nil {
		diff.Updated = []UpdatedItem{}
	}
	if err := json.Unmarshal([]byte(record.DeletedJSON), &diff.Deleted); err != nil {
		diff.Deleted = []DeletedItem{}
	}
	return diff
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("board service error", attrs...)
}
