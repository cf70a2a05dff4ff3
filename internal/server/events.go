package server

import (
	"context"
	"sync"

	"github.com/o-ats-o/ta-support-worker/internal/board"
)

// SyncEventName is the SSE event name emitted after each completed run.
const SyncEventName = "board-sync"

// SyncEvent notifies stream subscribers that one synchronization run landed.
type SyncEvent struct {
	BoardID string `json:"board_id"`
	RunID   string `json:"run_id"`
	DiffAt  string `json:"diff_at"`
	Added   int    `json:"added"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
}

// SyncEventDispatcher fans completed-run notifications out to the SSE
// subscribers of each board. Slow subscribers drop events rather than block
// the publisher.
type SyncEventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*syncSubscriber
	nextID      int64
	bufferSize  int
}

type syncSubscriber struct {
	id     int64
	stream chan SyncEvent
}

// NewSyncEventDispatcher constructs an empty dispatcher.
func NewSyncEventDispatcher() *SyncEventDispatcher {
	return &SyncEventDispatcher{
		subscribers: make(map[string]map[int64]*syncSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for one board. The returned cleanup is also
// invoked automatically when the context ends.
func (d *SyncEventDispatcher) Subscribe(ctx context.Context, boardID string) (<-chan SyncEvent, func()) {
	if boardID == "" {
		ch := make(chan SyncEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &syncSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.registerSubscriber(boardID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(boardID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishDiff notifies the board's subscribers about a completed run.
func (d *SyncEventDispatcher) PublishDiff(diff board.Diff) {
	d.publish(SyncEvent{
		BoardID: diff.BoardID,
		RunID:   diff.RunID,
		DiffAt:  diff.DiffAt,
		Added:   len(diff.Added),
		Updated: len(diff.Updated),
		Deleted: len(diff.Deleted),
	})
}

func (d *SyncEventDispatcher) publish(event SyncEvent) {
	if event.BoardID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.BoardID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*syncSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *SyncEventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *SyncEventDispatcher) registerSubscriber(boardID string, subscriber *syncSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[boardID]; !ok {
		d.subscribers[boardID] = make(map[int64]*syncSubscriber)
	}
	d.subscribers[boardID][subscriber.id] = subscriber
}

func (d *SyncEventDispatcher) unregisterSubscriber(boardID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[boardID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, boardID)
		}
	}
	d.mu.Unlock()
}
