package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// timestampLayout matches the ISO8601 millisecond format used across the
// persisted tables. Stored values sort lexicographically in chronological
// order, which the diff_at range filters rely on.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrInvalidBoardID indicates that a board identifier is empty or exceeds storage bounds.
	ErrInvalidBoardID = errors.New("board: invalid board id")
	// ErrInvalidGroupID indicates that a group identifier is empty or exceeds storage bounds.
	ErrInvalidGroupID = errors.New("board: invalid group id")
)

// BoardID represents a validated remote board identifier.
type BoardID string

// NewBoardID validates raw input and returns a BoardID.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBoardID, maxIdentifierLength)
	}
	return BoardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// GroupID represents a validated logical group identifier.
type GroupID string

// NewGroupID validates raw input and returns a GroupID.
func NewGroupID(rawInput string) (GroupID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidGroupID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidGroupID, maxIdentifierLength)
	}
	return GroupID(trimmed), nil
}

// String returns the underlying string identifier.
func (id GroupID) String() string {
	return string(id)
}

// Item is one board element as returned by the remote API. Document holds the
// full serialized form; ID and Type are lifted out of it for classification.
type Item struct {
	ID       string
	Type     string
	Document json.RawMessage
}

// ItemSnapshot persists the last observed state of one board item.
type ItemSnapshot struct {
	BoardID     string  `gorm:"column:board_id;primaryKey;size:190;not null;index:idx_board_items_seen,priority:1"`
	ItemID      string  `gorm:"column:item_id;primaryKey;size:190;not null"`
	Type        string  `gorm:"column:type;size:190;not null"`
	Content     string  `gorm:"column:content;type:text;not null"`
	Fingerprint string  `gorm:"column:fingerprint;size:64;not null"`
	FirstSeenAt string  `gorm:"column:first_seen_at;size:32;not null"`
	LastSeenAt  string  `gorm:"column:last_seen_at;size:32;not null;index:idx_board_items_seen,priority:2"`
	DeletedAt   *string `gorm:"column:deleted_at;size:32"`
}

// TableName provides the explicit table binding for GORM.
func (ItemSnapshot) TableName() string {
	return "board_items"
}

// DiffRecord persists the outcome of one synchronization run.
type DiffRecord struct {
	BoardID     string `gorm:"column:board_id;primaryKey;size:190;not null"`
	DiffAt      string `gorm:"column:diff_at;primaryKey;size:32;not null"`
	RunID       string `gorm:"column:run_id;size:36;not null"`
	AddedJSON   string `gorm:"column:added;type:text;not null"`
	UpdatedJSON string `gorm:"column:updated;type:text;not null"`
	DeletedJSON string `gorm:"column:deleted;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DiffRecord) TableName() string {
	return "board_diffs"
}

// BoardMapping binds a logical group identifier to its remote board.
type BoardMapping struct {
	GroupID   string `gorm:"column:group_id;primaryKey;size:190;not null"`
	BoardID   string `gorm:"column:board_id;size:190;not null"`
	CreatedAt string `gorm:"column:created_at;size:32;not null"`
	UpdatedAt string `gorm:"column:updated_at;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BoardMapping) TableName() string {
	return "board_map"
}

// UpdatedItem describes one modified item inside a diff, carrying the prior
// and current documents plus the tracked text fields that changed.
type UpdatedItem struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Before       json.RawMessage `json:"before"`
	After        json.RawMessage `json:"after"`
	BeforeText   string          `json:"before_text"`
	AfterText    string          `json:"after_text"`
	ChangedPaths []string        `json:"changed_paths"`
}

// DeletedItem identifies one item no longer present on the remote board.
type DeletedItem struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// Diff is the structured result of one synchronization run.
type Diff struct {
	BoardID string            `json:"board_id"`
	DiffAt  string            `json:"diff_at"`
	RunID   string            `json:"run_id"`
	Added   []json.RawMessage `json:"added"`
	Updated []UpdatedItem     `json:"updated"`
	Deleted []DeletedItem     `json:"deleted"`
}

// FormatTimestamp renders a time in the persisted ISO8601 millisecond form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
