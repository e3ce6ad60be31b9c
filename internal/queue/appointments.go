package queue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

// CancelByAppointment cancels every cancellable entry of the appointment as
// one unit. Entries already in a final or transferred state are not part of
// the set. If any entry of the appointment changed between planning and
// locking, nothing is cancelled and ErrBatchChanged is returned.
func (e *Engine) CancelByAppointment(ctx context.Context, input CancelAppointmentInput) (cancelled []models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "CancelByAppointment", attribute.String("appointment_id", input.AppointmentID))
	defer func() { err = e.finish(span, "cancel_appointment", err) }()

	if err := e.checkActor(ctx, input.ActorID); err != nil {
		return nil, err
	}
	if input.AppointmentID == "" {
		return nil, store.Validation("appointment_id is required")
	}

	err = e.retry(ctx, func() error {
		planned, err := e.store.ListEntries(ctx, store.EntryFilter{AppointmentID: input.AppointmentID})
		if err != nil {
			return err
		}
		if len(planned) == 0 {
			if _, err := e.catalog.GetAppointment(ctx, input.AppointmentID); err != nil {
				return err
			}
			cancelled = []models.QueueEntry{}
			return nil
		}

		versions := make(map[string]int64, len(planned))
		var keys []string
		for _, entry := range planned {
			versions[entry.EntryID] = entry.Version
			keys = append(keys, store.ServiceKey(entry.ServiceID), store.StationKey(entry.Station()))
		}

		return e.store.WithinTx(ctx, keys, func(tx store.Tx) error {
			cancelled = []models.QueueEntry{}
			if input.RequestID != "" {
				_, found, err := tx.FindRequest(ctx, "cancel_appointment", input.RequestID)
				if err != nil {
					return err
				}
				if found {
					return e.collectCancelled(ctx, tx, input.AppointmentID, &cancelled)
				}
			}

			current, err := tx.ListEntries(ctx, store.EntryFilter{AppointmentID: input.AppointmentID})
			if err != nil {
				return err
			}
			if len(current) != len(planned) {
				return store.ErrBatchChanged
			}
			for _, entry := range current {
				version, ok := versions[entry.EntryID]
				if !ok || version != entry.Version {
					return store.ErrBatchChanged
				}
			}

			now := e.now()
			for _, entry := range current {
				if !store.ValidTransition(store.EventCancel, entry.Status) {
					continue
				}
				updated, err := e.cancelEntry(ctx, tx, entry, input.ActorID, input.Reason, now)
				if err != nil {
					return err
				}
				cancelled = append(cancelled, updated)
			}
			return e.remember(ctx, tx, "cancel_appointment", input.RequestID, "")
		})
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (e *Engine) collectCancelled(ctx context.Context, tx store.Tx, appointmentID string, out *[]models.QueueEntry) error {
	entries, err := tx.ListEntries(ctx, store.EntryFilter{
		AppointmentID: appointmentID,
		Statuses:      []models.Status{models.StatusCancelled},
	})
	if err != nil {
		return err
	}
	*out = append(*out, entries...)
	return nil
}
