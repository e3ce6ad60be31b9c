package queue

import (
	"context"
	"errors"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

func (e *Engine) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil && store.KindOf(err) == "" {
		return models.QueueEntry{}, e.internal("get_entry", err)
	}
	return entry, err
}

// GetEntryHistory returns the entry's transition log in order after checking
// the hash chain.
func (e *Engine) GetEntryHistory(ctx context.Context, entryID string) ([]store.Transition, error) {
	if _, err := e.GetEntry(ctx, entryID); err != nil {
		return nil, err
	}
	rows, err := e.store.ListTransitions(ctx, store.TransitionFilter{EntryID: entryID})
	if err != nil {
		return nil, e.internal("entry_history", err)
	}
	if err := store.VerifyChain(rows); err != nil {
		return nil, e.internal("entry_history", err)
	}
	return rows, nil
}

// ServiceQueueQuery selects entries of one service on one clinic day. No
// statuses means all of them.
type ServiceQueueQuery struct {
	ServiceID string
	Statuses  []models.Status
	Date      string
}

// GetServiceQueue lists the day's entries for a service: in-progress first,
// then the waiting line in call order, then the rest by queue number.
func (e *Engine) GetServiceQueue(ctx context.Context, query ServiceQueueQuery) ([]models.QueueEntry, error) {
	if query.ServiceID == "" {
		return nil, store.Validation("service_id is required")
	}
	if _, err := e.catalog.GetService(ctx, query.ServiceID); err != nil {
		return nil, err
	}
	date, err := e.ParseDate(query.Date)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.ListEntries(ctx, store.EntryFilter{
		ServiceIDs: []string{query.ServiceID},
		Statuses:   query.Statuses,
		QueueDate:  date,
	})
	if err != nil {
		return nil, e.internal("service_queue", err)
	}
	orderForDisplay(entries)
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return entries, nil
}

// ListTransitions pages the committed log for feed consumers.
func (e *Engine) ListTransitions(ctx context.Context, filter store.TransitionFilter) ([]store.Transition, error) {
	rows, err := e.store.ListTransitions(ctx, filter)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, e.internal("list_transitions", err)
	}
	if rows == nil {
		rows = []store.Transition{}
	}
	return rows, nil
}
