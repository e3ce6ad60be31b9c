package queue

import (
	"sort"
	"time"

	"clinicqms/queue-service/internal/models"
)

// Less reports whether a is served before b. Entries order by priority rank,
// then by the time they joined the line: created_at, or reinstated_at for a
// reinstated entry. On an equal instant a never-skipped entry goes first, and
// entry id breaks any remaining tie.
func Less(a, b models.QueueEntry) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	ta, tb := lineTime(a), lineTime(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if reinstatedA, reinstatedB := a.ReinstatedAt != nil, b.ReinstatedAt != nil; reinstatedA != reinstatedB {
		return !reinstatedA
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.EntryID < b.EntryID
}

func lineTime(e models.QueueEntry) time.Time {
	if e.ReinstatedAt != nil {
		return *e.ReinstatedAt
	}
	return e.CreatedAt
}

// SelectNext returns the first waiting candidate the station can serve.
func SelectNext(candidates []models.QueueEntry, station models.Station) (models.QueueEntry, bool) {
	var best models.QueueEntry
	found := false
	for _, entry := range candidates {
		if entry.Status != models.StatusWaiting || !station.Serves(entry.ServiceID) {
			continue
		}
		if !found || Less(entry, best) {
			best = entry
			found = true
		}
	}
	return best, found
}

// Order sorts waiting entries into service order in place.
func Order(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return Less(entries[i], entries[j])
	})
}

// displayRank groups a service queue listing: the entry being served, then
// the waiting line, then booked, skipped and finished entries.
func displayRank(status models.Status) int {
	switch status {
	case models.StatusInProgress:
		return 0
	case models.StatusWaiting:
		return 1
	case models.StatusScheduled:
		return 2
	case models.StatusSkipped:
		return 3
	default:
		return 4
	}
}

func orderForDisplay(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if ra, rb := displayRank(a.Status), displayRank(b.Status); ra != rb {
			return ra < rb
		}
		if a.Status == models.StatusWaiting {
			return Less(a, b)
		}
		if a.QueueNumber != b.QueueNumber {
			return a.QueueNumber < b.QueueNumber
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.EntryID < b.EntryID
	})
}
