package board

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxWriteBatchSize is the per-call statement ceiling of the underlying store.
const maxWriteBatchSize = 20

// ErrItemNotFound indicates that no snapshot row exists for the requested item.
var ErrItemNotFound = errors.New("board: item not found")

// chunkRange invokes fn over [lo, hi) windows of at most size elements,
// stopping at the first error. Reused by every batched write path.
func chunkRange(total, size int, fn func(lo, hi int) error) error {
	if size <= 0 {
		size = maxWriteBatchSize
	}
	for lo := 0; lo < total; lo += size {
		hi := lo + size
		if hi > total {
			hi = total
		}
		if err := fn(lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotStore persists per-item board state.
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore binds a SnapshotStore to a database handle.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// ListByBoard loads every snapshot row of a board, including soft-deleted ones.
func (s *SnapshotStore) ListByBoard(ctx context.Context, boardID BoardID) ([]ItemSnapshot, error) {
	var rows []ItemSnapshot
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String()).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Get returns the snapshot row for one item.
func (s *SnapshotStore) Get(ctx context.Context, boardID BoardID, itemID string) (ItemSnapshot, error) {
	var row ItemSnapshot
	err := s.db.WithContext(ctx).
		Where("board_id = ? AND item_id = ?", boardID.String(), itemID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ItemSnapshot{}, ErrItemNotFound
	}
	if err != nil {
		return ItemSnapshot{}, err
	}
	return row, nil
}

// UpsertBatch writes snapshot rows keyed by (board_id, item_id), chunked to
// respect the store's batch ceiling. Existing rows keep their first_seen_at.
func (s *SnapshotStore) UpsertBatch(ctx context.Context, rows []ItemSnapshot) error {
	return chunkRange(len(rows), maxWriteBatchSize, func(lo, hi int) error {
		chunk := rows[lo:hi]
		return s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "board_id"}, {Name: "item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"type", "content", "fingerprint", "last_seen_at", "deleted_at",
			}),
		}).Create(&chunk).Error
	})
}

// MarkDeleted stamps the given items as soft-deleted at the provided time.
func (s *SnapshotStore) MarkDeleted(ctx context.Context, boardID BoardID, itemIDs []string, at string) error {
	return chunkRange(len(itemIDs), maxWriteBatchSize, func(lo, hi int) error {
		return s.db.WithContext(ctx).Model(&ItemSnapshot{}).
			Where("board_id = ? AND item_id IN ?", boardID.String(), itemIDs[lo:hi]).
			Updates(map[string]any{"deleted_at": at, "last_seen_at": at}).Error
	})
}

// ListItems pages snapshot rows by recency. Soft-deleted rows are excluded
// unless explicitly requested.
func (s *SnapshotStore) ListItems(ctx context.Context, boardID BoardID, includeDeleted bool, limit, offset int) ([]ItemSnapshot, error) {
	query := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String())
	if !includeDeleted {
		query = query.Where("deleted_at IS NULL")
	}

	var rows []ItemSnapshot
	err := query.
		Order("last_seen_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DiffLogStore persists one record per synchronization run.
type DiffLogStore struct {
	db *gorm.DB
}

// NewDiffLogStore binds a DiffLogStore to a database handle.
func NewDiffLogStore(db *gorm.DB) *DiffLogStore {
	return &DiffLogStore{db: db}
}

// Insert writes the run record. The upsert keyed by (board_id, diff_at) only
// replaces a record when re-run for the exact same timestamp key.
func (s *DiffLogStore) Insert(ctx context.Context, record DiffRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "board_id"}, {Name: "diff_at"}},
		UpdateAll: true,
	}).Create(&record).Error
}

// List pages run records by recency, optionally bounded to a diff_at window.
// Window bounds are pre-formatted timestamps; lexicographic comparison matches
// chronological order for the persisted layout.
func (s *DiffLogStore) List(ctx context.Context, boardID BoardID, since, until string, limit, offset int) ([]DiffRecord, error) {
	query := s.db.WithContext(ctx).
		Where("board_id = ?", boardID.String())
	if since != "" {
		query = query.Where("diff_at >= ?", since)
	}
	if until != "" {
		query = query.Where("diff_at <= ?", until)
	}

	var rows []DiffRecord
	err := query.
		Order("diff_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
