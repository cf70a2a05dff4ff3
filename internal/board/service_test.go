package board

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func baseClock() *tickingClock {
	return &tickingClock{current: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func runIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, string(rune('a'+i))+"-run")
	}
	return ids
}

func TestSyncInitialRunClassifiesEverythingAdded(t *testing.T) {
	fetcher := &stubFetcher{items: []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note"}`),
		testItem(t, "b", "shape", `{"id":"b","type":"shape"}`),
		testItem(t, "c", "card", `{"id":"c","type":"card"}`),
	}}
	clock := baseClock()
	service, db := newTestService(t, fetcher, clock, runIDs(1))
	boardID := mustBoardID(t, "board-1")

	diff, err := service.Sync(context.Background(), boardID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diff.Added) != 3 || len(diff.Updated) != 0 || len(diff.Deleted) != 0 {
		t.Fatalf("unexpected diff: added=%d updated=%d deleted=%d",
			len(diff.Added), len(diff.Updated), len(diff.Deleted))
	}

	var rows []ItemSnapshot
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("failed to read snapshots: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 snapshot rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.DeletedAt != nil {
			t.Fatalf("fresh rows must not be deleted")
		}
		if row.FirstSeenAt != diff.DiffAt || row.LastSeenAt != diff.DiffAt {
			t.Fatalf("fresh rows must carry the run timestamp")
		}
	}

	var records []DiffRecord
	if err := db.Find(&records).Error; err != nil {
		t.Fatalf("failed to read diff records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 diff record, got %d", len(records))
	}
}

func TestSyncClassifiesUpdateAddAndDelete(t *testing.T) {
	fetcher := &stubFetcher{items: []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note","data":{"content":"v1"}}`),
		testItem(t, "b", "shape", `{"id":"b","type":"shape"}`),
	}}
	clock := baseClock()
	service, db := newTestService(t, fetcher, clock, runIDs(2))
	boardID := mustBoardID(t, "board-1")

	if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
		t.Fatalf("unexpected error on first sync: %v", err)
	}

	clock.Advance(time.Minute)
	fetcher.items = []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note","data":{"content":"v2"}}`),
		testItem(t, "c", "card", `{"id":"c","type":"card"}`),
	}

	diff, err := service.Sync(context.Background(), boardID, nil)
	if err != nil {
		t.Fatalf("unexpected error on second sync: %v", err)
	}

	if len(diff.Added) != 1 {
		t.Fatalf("expected added=[c], got %d entries", len(diff.Added))
	}
	if len(diff.Updated) != 1 || diff.Updated[0].ID != "a" {
		t.Fatalf("expected updated=[a], got %#v", diff.Updated)
	}
	if len(diff.Deleted) != 1 || diff.Deleted[0].ID != "b" {
		t.Fatalf("expected deleted=[b], got %#v", diff.Deleted)
	}
	if got := diff.Updated[0].ChangedPaths; len(got) != 1 || got[0] != "data.content" {
		t.Fatalf("unexpected changed paths: %v", got)
	}

	var deletedRow ItemSnapshot
	if err := db.Where("board_id = ? AND item_id = ?", "board-1", "b").Take(&deletedRow).Error; err != nil {
		t.Fatalf("failed to read deleted row: %v", err)
	}
	if deletedRow.DeletedAt == nil || *deletedRow.DeletedAt != diff.DiffAt {
		t.Fatalf("deleted row must be stamped with the run timestamp: %#v", deletedRow.DeletedAt)
	}
	if deletedRow.LastSeenAt != diff.DiffAt {
		t.Fatalf("deleted row must refresh last_seen_at")
	}
}

func TestSyncUnchangedRunRefreshesLastSeen(t *testing.T) {
	fetcher := &stubFetcher{items: []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note"}`),
	}}
	clock := baseClock()
	service, db := newTestService(t, fetcher, clock, runIDs(2))
	boardID := mustBoardID(t, "board-1")

	first, err := service.Sync(context.Background(), boardID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(time.Minute)
	second, err := service.Sync(context.Background(), boardID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(second.Added)+len(second.Updated)+len(second.Deleted) != 0 {
		t.Fatalf("no-change run must produce an empty diff")
	}

	var row ItemSnapshot
	if err := db.Where("item_id = ?", "a").Take(&row).Error; err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if row.LastSeenAt <= first.DiffAt {
		t.Fatalf("last_seen_at must strictly increase: %s", row.LastSeenAt)
	}
	if row.LastSeenAt != second.DiffAt {
		t.Fatalf("last_seen_at must match the second run")
	}

	var records []DiffRecord
	if err := db.Order("diff_at ASC").Find(&records).Error; err != nil {
		t.Fatalf("failed to read diff records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("every run must persist a diff record, got %d", len(records))
	}
}

func TestSyncReappearedItemIsUpdated(t *testing.T) {
	item := testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note"}`)
	fetcher := &stubFetcher{items: []Item{item}}
	clock := baseClock()
	service, db := newTestService(t, fetcher, clock, runIDs(3))
	boardID := mustBoardID(t, "board-1")

	if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(time.Minute)
	fetcher.items = nil
	gone, err := service.Sync(context.Background(), boardID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gone.Deleted) != 1 {
		t.Fatalf("expected the item to be deleted")
	}

	clock.Advance(time.Minute)
	fetcher.items = []Item{item}
	back, err := service.Sync(context.Background(), boardID, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(back.Added) != 0 {
		t.Fatalf("a reappearing item must not classify as added")
	}
	if len(back.Updated) != 1 || back.Updated[0].ID != "a" {
		t.Fatalf("a reappearing item must classify as updated, got %#v", back.Updated)
	}

	var row ItemSnapshot
	if err := db.Where("item_id = ?", "a").Take(&row).Error; err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if row.DeletedAt != nil {
		t.Fatalf("deleted_at must reset to null on reappearance")
	}
}

func TestSyncFetchFailureLeavesStateUntouched(t *testing.T) {
	fetcher := &stubFetcher{items: []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note"}`),
	}}
	clock := baseClock()
	service, db := newTestService(t, fetcher, clock, runIDs(2))
	boardID := mustBoardID(t, "board-1")

	if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(time.Minute)
	fetcher.err = &FetchError{StatusCode: http.StatusServiceUnavailable, Body: "down"}
	_, err := service.Sync(context.Background(), boardID, nil)
	if err == nil {
		t.Fatalf("expected the fetch failure to surface")
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected the typed fetch error, got %T", err)
	}

	var snapshotCount, diffCount int64
	if err := db.Model(&ItemSnapshot{}).Count(&snapshotCount).Error; err != nil {
		t.Fatalf("failed to count snapshots: %v", err)
	}
	if err := db.Model(&DiffRecord{}).Count(&diffCount).Error; err != nil {
		t.Fatalf("failed to count diff records: %v", err)
	}
	if snapshotCount != 1 || diffCount != 1 {
		t.Fatalf("failed run must not write state: snapshots=%d diffs=%d", snapshotCount, diffCount)
	}

	var row ItemSnapshot
	if err := db.Where("item_id = ?", "a").Take(&row).Error; err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if row.DeletedAt != nil {
		t.Fatalf("failed run must not delete rows")
	}
}

func TestSyncAcquiresAndReleasesLock(t *testing.T) {
	fetcher := &stubFetcher{}
	clock := baseClock()
	db := newTestDB(t)
	locker := &recordingLocker{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Fetcher:    fetcher,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: runIDs(1)},
		Locker:     locker,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	if _, err := service.Sync(context.Background(), mustBoardID(t, "board-1"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if locker.acquired != 1 || locker.released != 1 {
		t.Fatalf("expected one acquire and one release, got %d/%d", locker.acquired, locker.released)
	}
}

func TestSyncSurfacesLockContention(t *testing.T) {
	fetcher := &stubFetcher{}
	clock := baseClock()
	db := newTestDB(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Fetcher:    fetcher,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: runIDs(1)},
		Locker:     &recordingLocker{err: ErrSyncInProgress},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	_, err = service.Sync(context.Background(), mustBoardID(t, "board-1"), nil)
	if !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	if fetcher.calls != 0 {
		t.Fatalf("a contended lock must prevent the fetch")
	}
}

type recordingLocker struct {
	acquired int
	released int
	err      error
}

func (l *recordingLocker) Acquire(_ context.Context, _ BoardID) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

func TestListDiffsFiltersWindowOrdersDescending(t *testing.T) {
	fetcher := &stubFetcher{}
	clock := baseClock()
	service, _ := newTestService(t, fetcher, clock, runIDs(3))
	boardID := mustBoardID(t, "board-1")

	times := make([]time.Time, 0, 3)
	for i := 0; i < 3; i++ {
		times = append(times, clock.current)
		if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		clock.Advance(time.Hour)
	}

	since := times[1]
	diffs, err := service.ListDiffs(context.Background(), boardID, DiffQuery{Since: &since, Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(diffs) != 2 {
		t.Fatalf("expected 2 diffs in window, got %d", len(diffs))
	}
	if diffs[0].DiffAt <= diffs[1].DiffAt {
		t.Fatalf("diffs must be ordered by diff_at descending")
	}
}

func TestListItemsExcludesDeletedByDefault(t *testing.T) {
	fetcher := &stubFetcher{items: []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note","plainText":"keep"}`),
		testItem(t, "b", "shape", `{"id":"b","type":"shape"}`),
	}}
	clock := baseClock()
	service, _ := newTestService(t, fetcher, clock, runIDs(2))
	boardID := mustBoardID(t, "board-1")

	if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(time.Minute)
	fetcher.items = fetcher.items[:1]
	if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	visible, err := service.ListItems(context.Background(), boardID, false, 100, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != "a" {
		t.Fatalf("deleted items must be excluded by default, got %#v", visible)
	}
	if visible[0].Text != "keep" {
		t.Fatalf("expected extracted text, got %q", visible[0].Text)
	}

	all, err := service.ListItems(context.Background(), boardID, true, 100, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("include_deleted must return every row, got %d", len(all))
	}
}

func TestActivitySumsDiffCardinalities(t *testing.T) {
	fetcher := &stubFetcher{items: []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note"}`),
		testItem(t, "b", "shape", `{"id":"b","type":"shape"}`),
	}}
	clock := baseClock()
	service, _ := newTestService(t, fetcher, clock, runIDs(2))
	boardID := mustBoardID(t, "board-1")

	if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(time.Minute)
	fetcher.items = []Item{
		testItem(t, "a", "sticky_note", `{"id":"a","type":"sticky_note","plainText":"changed"}`),
	}
	if _, err := service.Sync(context.Background(), boardID, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counts, err := service.Activity(context.Background(), boardID, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Added != 2 || counts.Updated != 1 || counts.Deleted != 1 {
		t.Fatalf("unexpected counts: %#v", counts)
	}
	if counts.Total != 4 {
		t.Fatalf("unexpected total: %d", counts.Total)
	}
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{}); err == nil {
		t.Fatalf("expected missing database error")
	}
	db := newTestDB(t)
	if _, err := NewService(ServiceConfig{Database: db}); err == nil {
		t.Fatalf("expected missing fetcher error")
	}
	if _, err := NewService(ServiceConfig{Database: db, Fetcher: &stubFetcher{}}); err == nil {
		t.Fatalf("expected missing id provider error")
	}
}
