package queue

import (
	"context"
	"time"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

// claim binds a waiting entry to a free station. The entry row and the
// station assignment change in the same transaction; the caller holds both
// the service and station keys.
func (e *Engine) claim(ctx context.Context, tx store.Tx, entry models.QueueEntry, stationID, actorID string, now time.Time) (models.QueueEntry, error) {
	if entry.Status != models.StatusWaiting {
		return models.QueueEntry{}, store.ErrEntryNotWaiting
	}
	assignment, err := tx.GetStationAssignment(ctx, stationID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if assignment.EntryID != "" {
		return models.QueueEntry{}, store.ErrStationOccupied
	}

	from := entry.Status
	next, err := store.NextStatus(store.EventCall, from)
	if err != nil {
		return models.QueueEntry{}, err
	}
	station := stationID
	entry.Status = next
	entry.StationID = &station
	entry.CalledAt = &now
	entry.CalledBy = actorID
	entry.StatusChangedAt = now
	entry.LastUpdatedBy = actorID

	updated, err := tx.UpdateEntry(ctx, entry)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := tx.SetStationAssignment(ctx, stationID, updated.EntryID, now); err != nil {
		return models.QueueEntry{}, err
	}
	if err := e.record(ctx, tx, updated, store.EventCall, from, "", actorID, "", now); err != nil {
		return models.QueueEntry{}, err
	}
	return updated, nil
}

// release frees the station the entry holds. It is a no-op for entries
// that were never claimed, and never clears a station now serving someone
// else.
func (e *Engine) release(ctx context.Context, tx store.Tx, entry models.QueueEntry, now time.Time) error {
	stationID := entry.Station()
	if stationID == "" {
		return nil
	}
	assignment, err := tx.GetStationAssignment(ctx, stationID)
	if err != nil {
		return err
	}
	if assignment.EntryID != entry.EntryID {
		return nil
	}
	return tx.SetStationAssignment(ctx, stationID, "", now)
}

// StationQueue is what a station display shows: who is being served and who
// is next in line.
type StationQueue struct {
	StationID string              `json:"station_id"`
	Current   *models.QueueEntry  `json:"current,omitempty"`
	Waiting   []models.QueueEntry `json:"waiting"`
}

const defaultStationQueueLimit = 10

// GetStationQueue lists the waiting entries the station could call, in call
// order, together with its current entry.
func (e *Engine) GetStationQueue(ctx context.Context, stationID string, limit int) (StationQueue, error) {
	station, err := e.catalog.GetStation(ctx, stationID)
	if err != nil {
		return StationQueue{}, err
	}
	if limit <= 0 {
		limit = defaultStationQueueLimit
	}
	out := StationQueue{StationID: station.StationID, Waiting: []models.QueueEntry{}}

	assignment, err := e.store.GetStationAssignment(ctx, station.StationID)
	if err != nil {
		return StationQueue{}, e.internal("station_queue", err)
	}
	if assignment.EntryID != "" {
		current, err := e.store.GetEntry(ctx, assignment.EntryID)
		if err != nil {
			return StationQueue{}, e.internal("station_queue", err)
		}
		out.Current = &current
	}
	if len(station.ServiceIDs) == 0 {
		return out, nil
	}

	waiting, err := e.store.ListEntries(ctx, store.EntryFilter{
		ServiceIDs: station.ServiceIDs,
		Statuses:   []models.Status{models.StatusWaiting},
	})
	if err != nil {
		return StationQueue{}, e.internal("station_queue", err)
	}
	Order(waiting)
	if len(waiting) > limit {
		waiting = waiting[:limit]
	}
	out.Waiting = append(out.Waiting, waiting...)
	return out, nil
}
