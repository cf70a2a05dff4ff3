package board

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrMappingNotFound indicates that no board is mapped to the requested group.
// Callers surface it distinctly so operators know to register the mapping via
// an initial sync.
var ErrMappingNotFound = errors.New("board: mapping not found")

const (
	opMappingResolve = "board.mapping.resolve"
	opMappingUpsert  = "board.mapping.upsert"
)

// MappingService maintains the group-to-board lookup table.
type MappingService struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// MappingServiceConfig bundles the dependencies of the mapping service.
type MappingServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewMappingService constructs a MappingService with validated dependencies.
func NewMappingService(cfg MappingServiceConfig) (*MappingService, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opMappingResolve, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &MappingService{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Resolve returns the board mapped to a group.
func (m *MappingService) Resolve(ctx context.Context, groupID GroupID) (BoardID, error) {
	var row BoardMapping
	err := m.db.WithContext(ctx).
		Where("group_id = ?", groupID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrMappingNotFound
	}
	if err != nil {
		m.logger.Error("board mapping lookup failed",
			zap.String("operation", opMappingResolve),
			zap.String("group_id", groupID.String()),
			zap.Error(err))
		return "", newServiceError(opMappingResolve, "query_failed", err)
	}
	return BoardID(row.BoardID), nil
}

// Upsert binds a group to a board, last write wins. Failures here are
// best-effort by caller policy: a sync triggered alongside an upsert proceeds
// even when the upsert fails.
func (m *MappingService) Upsert(ctx context.Context, groupID GroupID, boardID BoardID) error {
	now := FormatTimestamp(m.clock())
	row := BoardMapping{
		GroupID:   groupID.String(),
		BoardID:   boardID.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"board_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		m.logger.Error("board mapping upsert failed",
			zap.String("operation", opMappingUpsert),
			zap.String("group_id", groupID.String()),
			zap.String("board_id", boardID.String()),
			zap.Error(err))
		return newServiceError(opMappingUpsert, "write_failed", err)
	}
	return nil
}
