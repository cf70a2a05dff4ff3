package board

import (
	"encoding/json"
	"sort"
	"time"
)

type itemState int

const (
	itemAdded itemState = iota
	itemUpdated
	itemUnchanged
)

// classifiedItem binds one fetched item to its lifecycle transition against
// the prior snapshot.
type classifiedItem struct {
	item        Item
	fingerprint string
	previous    *ItemSnapshot
	state       itemState
}

// classification captures the outcome of comparing one fetch against the
// prior snapshot of the same board.
type classification struct {
	items   []classifiedItem
	deleted []ItemSnapshot
}

// classifyAgainstSnapshot computes per-item lifecycle transitions. An item is
// added when no prior row exists, updated when its fingerprint differs or the
// prior row was soft-deleted, and unchanged otherwise. Prior rows absent from
// the fetch and not already deleted become deletions.
func classifyAgainstSnapshot(previous map[string]ItemSnapshot, fetched []Item) (classification, error) {
	result := classification{items: make([]classifiedItem, 0, len(fetched))}
	seen := make(map[string]struct{}, len(fetched))

	for _, item := range fetched {
		fingerprint, err := Fingerprint(item.Document)
		if err != nil {
			return classification{}, err
		}
		seen[item.ID] = struct{}{}

		prior, exists := previous[item.ID]
		classified := classifiedItem{item: item, fingerprint: fingerprint}
		switch {
		case !exists:
			classified.state = itemAdded
		case prior.Fingerprint != fingerprint || prior.DeletedAt != nil:
			snapshot := prior
			classified.previous = &snapshot
			classified.state = itemUpdated
		default:
			snapshot := prior
			classified.previous = &snapshot
			classified.state = itemUnchanged
		}
		result.items = append(result.items, classified)
	}

	for itemID, prior := range previous {
		if _, ok := seen[itemID]; ok {
			continue
		}
		if prior.DeletedAt != nil {
			continue
		}
		result.deleted = append(result.deleted, prior)
	}
	sort.Slice(result.deleted, func(i, j int) bool {
		return result.deleted[i].ItemID < result.deleted[j].ItemID
	})

	return result, nil
}

// buildDiff assembles the run's diff lists and the snapshot rows to upsert,
// all stamped with the single logical clock value of the run.
func buildDiff(boardID BoardID, runID string, now time.Time, classified classification) (Diff, []ItemSnapshot, []string) {
	at := FormatTimestamp(now)
	diff := Diff{
		BoardID: boardID.String(),
		DiffAt:  at,
		RunID:   runID,
		Added:   []json.RawMessage{},
		Updated: []UpdatedItem{},
		Deleted: []DeletedItem{},
	}

	upserts := make([]ItemSnapshot, 0, len(classified.items))
	for _, entry := range classified.items {
		row := ItemSnapshot{
			BoardID:     boardID.String(),
			ItemID:      entry.item.ID,
			Type:        entry.item.Type,
			Content:     string(entry.item.Document),
			Fingerprint: entry.fingerprint,
			FirstSeenAt: at,
			LastSeenAt:  at,
			DeletedAt:   nil,
		}
		if entry.previous != nil {
			row.FirstSeenAt = entry.previous.FirstSeenAt
		}
		upserts = append(upserts, row)

		switch entry.state {
		case itemAdded:
			diff.Added = append(diff.Added, entry.item.Document)
		case itemUpdated:
			var before json.RawMessage
			if entry.previous.Content != "" {
				before = json.RawMessage(entry.previous.Content)
			}
			diff.Updated = append(diff.Updated, UpdatedItem{
				ID:           entry.item.ID,
				Type:         entry.item.Type,
				Before:       before,
				After:        entry.item.Document,
				BeforeText:   ExtractText(before),
				AfterText:    ExtractText(entry.item.Document),
				ChangedPaths: ChangedPaths(before, entry.item.Document),
			})
		}
	}

	deletedIDs := make([]string, 0, len(classified.deleted))
	for _, prior := range classified.deleted {
		diff.Deleted = append(diff.Deleted, DeletedItem{ID: prior.ItemID, Type: prior.Type})
		deletedIDs = append(deletedIDs, prior.ItemID)
	}

	return diff, upserts, deletedIDs
}
