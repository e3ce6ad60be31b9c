package queue

import (
	"context"
	"errors"
	"sort"
	"time"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

const noShowRemark = "not called within idle limit"

// SweepNoShows marks waiting entries idle for longer than idle as no-shows,
// oldest first, at most batch per call. Each entry is its own transition so
// one failure does not hold back the rest. Entries that left the waiting
// state in the meantime are skipped silently.
func (e *Engine) SweepNoShows(ctx context.Context, idle time.Duration, batch int) (int, error) {
	if idle <= 0 {
		return 0, store.Validation("idle threshold must be positive")
	}
	if e.systemActor == "" {
		return 0, store.Validation("system actor is not configured")
	}
	waiting, err := e.store.ListEntries(ctx, store.EntryFilter{Statuses: []models.Status{models.StatusWaiting}})
	if err != nil {
		return 0, e.internal("sweep_no_show", err)
	}

	cutoff := e.now().Add(-idle)
	var stale []models.QueueEntry
	for _, entry := range waiting {
		if !entry.ReadySince().After(cutoff) {
			stale = append(stale, entry)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ReadySince().Before(stale[j].ReadySince())
	})
	if batch > 0 && len(stale) > batch {
		stale = stale[:batch]
	}

	marked := 0
	for _, entry := range stale {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		_, err := e.NoShow(ctx, ActionInput{EntryID: entry.EntryID, ActorID: e.systemActor, Remarks: noShowRemark})
		switch {
		case err == nil:
			marked++
		case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrContention):
			e.log.Debug().Err(err).Str("entry_id", entry.EntryID).Msg("no-show sweep skipped entry")
		default:
			return marked, err
		}
	}
	if marked > 0 {
		e.log.Info().Int("count", marked).Msg("no-show sweep")
	}
	return marked, nil
}
