package board

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustBoardID(t *testing.T, value string) BoardID {
	t.Helper()
	id, err := NewBoardID(value)
	if err != nil {
		t.Fatalf("unexpected board id error: %v", err)
	}
	return id
}

func mustGroupID(t *testing.T, value string) GroupID {
	t.Helper()
	id, err := NewGroupID(value)
	if err != nil {
		t.Fatalf("unexpected group id error: %v", err)
	}
	return id
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:board_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ItemSnapshot{}, &DiffRecord{}, &BoardMapping{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

// stubFetcher returns the currently queued items or error on every call.
type stubFetcher struct {
	items []Item
	err   error
	calls int
	types []string
}

func (f *stubFetcher) FetchAll(_ context.Context, _ BoardID, types []string) ([]Item, error) {
	f.calls++
	f.types = types
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type tickingClock struct {
	current time.Time
}

func (c *tickingClock) Now() time.Time {
	return c.current
}

func (c *tickingClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestService(t *testing.T, fetcher Fetcher, clock *tickingClock, runIDs []string) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Fetcher:    fetcher,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: runIDs},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func testItem(t *testing.T, id, itemType, document string) Item {
	t.Helper()
	item, ok := decodeItem([]byte(document))
	if !ok {
		t.Fatalf("test document has no usable id: %s", document)
	}
	if item.ID != id {
		t.Fatalf("test document id mismatch: want %s got %s", id, item.ID)
	}
	if item.Type != itemType {
		t.Fatalf("test document type mismatch: want %s got %s", itemType, item.Type)
	}
	return item
}
