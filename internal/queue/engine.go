// Package queue is the transition engine: the only code path that changes
// queue entries or station occupancy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"clinicqms/queue-service/internal/catalog"
	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

// ErrInternal is returned for storage failures that carry no business kind.
// The cause is logged, not returned.
var ErrInternal = errors.New("internal queue failure")

const defaultMaxAttempts = 3

type Options struct {
	Location      *time.Location
	MaxAttempts   int
	SystemActorID string
	Logger        zerolog.Logger
	Now           func() time.Time
	NewID         func() string
}

type Engine struct {
	store       store.Store
	catalog     catalog.Accessor
	log         zerolog.Logger
	tracer      trace.Tracer
	loc         *time.Location
	maxAttempts int
	systemActor string
	now         func() time.Time
	newID       func() string
}

func NewEngine(st store.Store, cat catalog.Accessor, opts Options) *Engine {
	e := &Engine{
		store:       st,
		catalog:     cat,
		log:         opts.Logger.With().Str("component", "queue").Logger(),
		tracer:      otel.Tracer("clinicqms/queue-service/queue"),
		loc:         opts.Location,
		maxAttempts: opts.MaxAttempts,
		systemActor: opts.SystemActorID,
		now:         opts.Now,
		newID:       opts.NewID,
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

type CheckInInput struct {
	RequestID     string
	AppointmentID string
	PatientID     string
	ServiceID     string
	Priority      models.Priority
	ActorID       string
	Remarks       string
}

type ScheduleInput struct {
	RequestID     string
	AppointmentID string
	ActorID       string
}

type CallNextInput struct {
	RequestID string
	ServiceID string
	StationID string
	ActorID   string
}

type ActionInput struct {
	RequestID string
	EntryID   string
	ActorID   string
	Remarks   string
}

type SkipInput struct {
	ActionInput
	Temporary bool
}

type TransferInput struct {
	ActionInput
	TargetServiceID string
}

type CancelAppointmentInput struct {
	RequestID     string
	AppointmentID string
	ActorID       string
	Reason        string
}

// TransferResult holds both ends of a transfer: the closed source entry and
// the entry opened in the target service.
type TransferResult struct {
	From models.QueueEntry `json:"from"`
	To   models.QueueEntry `json:"to"`
}

// CheckIn puts a patient in a service's waiting line. A pre-booked entry for
// the same appointment is moved from scheduled to waiting instead of creating
// a second entry.
func (e *Engine) CheckIn(ctx context.Context, input CheckInInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "CheckIn", attribute.String("service_id", input.ServiceID))
	defer func() { err = e.finish(span, "check_in", err) }()

	if err := e.checkActor(ctx, input.ActorID); err != nil {
		return models.QueueEntry{}, err
	}
	priority, ok := models.ParsePriority(string(input.Priority))
	if !ok {
		return models.QueueEntry{}, store.Validation("unknown priority %q", input.Priority)
	}
	patientID, serviceID := input.PatientID, input.ServiceID
	switch {
	case input.AppointmentID != "":
		appointment, err := e.catalog.GetAppointment(ctx, input.AppointmentID)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if patientID != "" && patientID != appointment.PatientID {
			return models.QueueEntry{}, store.Validation("appointment %s belongs to another patient", appointment.AppointmentID)
		}
		patientID = appointment.PatientID
		if serviceID == "" {
			serviceID = appointment.ServiceID
		}
		if input.Priority == "" && appointment.Priority != "" {
			priority = appointment.Priority
		}
	case patientID != "":
		if _, err := e.catalog.GetPatient(ctx, patientID); err != nil {
			return models.QueueEntry{}, err
		}
	default:
		return models.QueueEntry{}, store.Validation("appointment_id or patient_id is required")
	}
	if serviceID == "" {
		return models.QueueEntry{}, store.Validation("service_id is required")
	}
	if err := e.checkService(ctx, serviceID); err != nil {
		return models.QueueEntry{}, err
	}

	keys := []string{store.ServiceKey(serviceID)}
	err = e.retry(ctx, func() error {
		return e.store.WithinTx(ctx, keys, func(tx store.Tx) error {
			if replay, ok, err := e.replayed(ctx, tx, "check_in", input.RequestID); ok || err != nil {
				entry = replay
				return err
			}
			now := e.now()
			existing, found, err := findActive(ctx, tx, patientID, input.AppointmentID, serviceID)
			if err != nil {
				return err
			}
			if found && existing.Status != models.StatusScheduled {
				return store.ErrDuplicateEntry
			}
			if found {
				entry, err = e.checkInScheduled(ctx, tx, existing, input, priority, now)
			} else {
				entry, err = e.createWaiting(ctx, tx, patientID, input.AppointmentID, serviceID, priority, input.ActorID, input.Remarks, now)
			}
			if err != nil {
				return err
			}
			return e.remember(ctx, tx, "check_in", input.RequestID, entry.EntryID)
		})
	})
	return entry, err
}

func (e *Engine) checkInScheduled(ctx context.Context, tx store.Tx, entry models.QueueEntry, input CheckInInput, priority models.Priority, now time.Time) (models.QueueEntry, error) {
	from := entry.Status
	next, err := store.NextStatus(store.EventCheckIn, from)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if entry.QueueNumber == 0 || entry.QueueDate != e.queueDate(now) {
		number, date, err := e.issueNumber(ctx, tx, entry.ServiceID, now)
		if err != nil {
			return models.QueueEntry{}, err
		}
		entry.QueueNumber, entry.QueueDate = number, date
	}
	if input.Priority != "" {
		entry.Priority = priority
	}
	entry.Status = next
	entry.CheckedInAt = &now
	entry.StatusChangedAt = now
	entry.LastUpdatedBy = input.ActorID
	if input.Remarks != "" {
		entry.Remarks = input.Remarks
	}
	return e.apply(ctx, tx, entry, store.EventCheckIn, from, "", input.ActorID, input.Remarks, now)
}

func (e *Engine) createWaiting(ctx context.Context, tx store.Tx, patientID, appointmentID, serviceID string, priority models.Priority, actorID, remarks string, now time.Time) (models.QueueEntry, error) {
	number, date, err := e.issueNumber(ctx, tx, serviceID, now)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry := models.QueueEntry{
		EntryID:         e.newID(),
		PatientID:       patientID,
		AppointmentID:   appointmentID,
		ServiceID:       serviceID,
		Priority:        priority,
		QueueNumber:     number,
		QueueDate:       date,
		Status:          models.StatusWaiting,
		CreatedAt:       now,
		CheckedInAt:     &now,
		StatusChangedAt: now,
		CreatedBy:       actorID,
		LastUpdatedBy:   actorID,
		Remarks:         remarks,
	}
	inserted, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := e.record(ctx, tx, inserted, store.EventCheckIn, "", "", actorID, remarks, now); err != nil {
		return models.QueueEntry{}, err
	}
	return inserted, nil
}

// ScheduleAppointment books a scheduled entry for an appointment that has not
// arrived yet. It gets its queue number at check-in.
func (e *Engine) ScheduleAppointment(ctx context.Context, input ScheduleInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "ScheduleAppointment", attribute.String("appointment_id", input.AppointmentID))
	defer func() { err = e.finish(span, "schedule", err) }()

	if err := e.checkActor(ctx, input.ActorID); err != nil {
		return models.QueueEntry{}, err
	}
	if input.AppointmentID == "" {
		return models.QueueEntry{}, store.Validation("appointment_id is required")
	}
	appointment, err := e.catalog.GetAppointment(ctx, input.AppointmentID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if _, err := e.catalog.GetPatient(ctx, appointment.PatientID); err != nil {
		return models.QueueEntry{}, err
	}
	if err := e.checkService(ctx, appointment.ServiceID); err != nil {
		return models.QueueEntry{}, err
	}
	priority, ok := models.ParsePriority(string(appointment.Priority))
	if !ok {
		return models.QueueEntry{}, store.Validation("appointment %s has unknown priority %q", appointment.AppointmentID, appointment.Priority)
	}

	keys := []string{store.ServiceKey(appointment.ServiceID)}
	err = e.retry(ctx, func() error {
		return e.store.WithinTx(ctx, keys, func(tx store.Tx) error {
			if replay, ok, err := e.replayed(ctx, tx, "schedule", input.RequestID); ok || err != nil {
				entry = replay
				return err
			}
			if _, found, err := findActive(ctx, tx, appointment.PatientID, appointment.AppointmentID, appointment.ServiceID); err != nil {
				return err
			} else if found {
				return store.ErrDuplicateEntry
			}
			now := e.now()
			day := appointment.ScheduledAt
			if day.IsZero() {
				day = now
			}
			inserted, err := tx.InsertEntry(ctx, models.QueueEntry{
				EntryID:         e.newID(),
				PatientID:       appointment.PatientID,
				AppointmentID:   appointment.AppointmentID,
				ServiceID:       appointment.ServiceID,
				Priority:        priority,
				QueueDate:       e.queueDate(day),
				Status:          models.StatusScheduled,
				CreatedAt:       now,
				StatusChangedAt: now,
				CreatedBy:       input.ActorID,
				LastUpdatedBy:   input.ActorID,
			})
			if err != nil {
				return err
			}
			if err := e.record(ctx, tx, inserted, store.EventSchedule, "", "", input.ActorID, "", now); err != nil {
				return err
			}
			entry = inserted
			return e.remember(ctx, tx, "schedule", input.RequestID, entry.EntryID)
		})
	})
	return entry, err
}

// CallNext selects the next waiting entry for the station and claims it in
// the same atomic unit. An empty ServiceID considers every service the
// station serves.
func (e *Engine) CallNext(ctx context.Context, input CallNextInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "CallNext", attribute.String("service_id", input.ServiceID), attribute.String("station_id", input.StationID))
	defer func() { err = e.finish(span, "call_next", err) }()

	if err := e.checkActor(ctx, input.ActorID); err != nil {
		return models.QueueEntry{}, err
	}
	if input.StationID == "" {
		return models.QueueEntry{}, store.Validation("station_id is required")
	}
	station, err := e.catalog.GetStation(ctx, input.StationID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !station.Active {
		return models.QueueEntry{}, store.ErrStationInactive
	}
	serviceIDs := station.ServiceIDs
	if input.ServiceID != "" {
		if !station.Serves(input.ServiceID) {
			return models.QueueEntry{}, store.ErrStationIncompatible
		}
		if err := e.checkService(ctx, input.ServiceID); err != nil {
			return models.QueueEntry{}, err
		}
		serviceIDs = []string{input.ServiceID}
	}
	if len(serviceIDs) == 0 {
		return models.QueueEntry{}, store.Validation("station %s serves no services", station.StationID)
	}
	scope := station
	scope.ServiceIDs = serviceIDs

	keys := []string{store.StationKey(station.StationID)}
	for _, id := range serviceIDs {
		keys = append(keys, store.ServiceKey(id))
	}
	err = e.retry(ctx, func() error {
		return e.store.WithinTx(ctx, keys, func(tx store.Tx) error {
			if replay, ok, err := e.replayed(ctx, tx, "call_next", input.RequestID); ok || err != nil {
				entry = replay
				return err
			}
			assignment, err := tx.GetStationAssignment(ctx, station.StationID)
			if err != nil {
				return err
			}
			if assignment.EntryID != "" {
				return store.ErrStationOccupied
			}
			candidates, err := tx.ListEntries(ctx, store.EntryFilter{
				ServiceIDs: serviceIDs,
				Statuses:   []models.Status{models.StatusWaiting},
			})
			if err != nil {
				return err
			}
			next, ok := SelectNext(candidates, scope)
			if !ok {
				return store.ErrQueueEmpty
			}
			entry, err = e.claim(ctx, tx, next, station.StationID, input.ActorID, e.now())
			if err != nil {
				return err
			}
			return e.remember(ctx, tx, "call_next", input.RequestID, entry.EntryID)
		})
	})
	return entry, err
}

// PeekNext reports which entry CallNext would claim right now without
// claiming it.
func (e *Engine) PeekNext(ctx context.Context, serviceID, stationID string) (models.QueueEntry, error) {
	station, err := e.catalog.GetStation(ctx, stationID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	scope := station
	if serviceID != "" {
		if !station.Serves(serviceID) {
			return models.QueueEntry{}, store.ErrStationIncompatible
		}
		scope.ServiceIDs = []string{serviceID}
	}
	candidates, err := e.store.ListEntries(ctx, store.EntryFilter{
		ServiceIDs: scope.ServiceIDs,
		Statuses:   []models.Status{models.StatusWaiting},
	})
	if err != nil {
		return models.QueueEntry{}, e.internal("peek_next", err)
	}
	next, ok := SelectNext(candidates, scope)
	if !ok {
		return models.QueueEntry{}, store.ErrQueueEmpty
	}
	return next, nil
}

func (e *Engine) Complete(ctx context.Context, input ActionInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "Complete", attribute.String("entry_id", input.EntryID))
	defer func() { err = e.finish(span, "complete", err) }()

	return e.mutate(ctx, "complete", input, nil, func(tx store.Tx, current models.QueueEntry, now time.Time) (models.QueueEntry, error) {
		from := current.Status
		next, err := store.NextStatus(store.EventComplete, from)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if err := e.release(ctx, tx, current, now); err != nil {
			return models.QueueEntry{}, err
		}
		released := current.Station()
		current.Status = next
		current.StationID = nil
		current.CompletedAt = &now
		if current.CalledAt != nil {
			seconds := now.Sub(*current.CalledAt).Seconds()
			current.ServiceSeconds = &seconds
		}
		current.StatusChangedAt = now
		current.LastUpdatedBy = input.ActorID
		if input.Remarks != "" {
			current.Remarks = input.Remarks
		}
		return e.apply(ctx, tx, current, store.EventComplete, from, released, input.ActorID, input.Remarks, now)
	})
}

// Skip takes an entry out of the line. Temporary records the caller's intent
// only; any skipped entry can be reinstated.
func (e *Engine) Skip(ctx context.Context, input SkipInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "Skip", attribute.String("entry_id", input.EntryID), attribute.Bool("temporary", input.Temporary))
	defer func() { err = e.finish(span, "skip", err) }()

	return e.mutate(ctx, "skip", input.ActionInput, nil, func(tx store.Tx, current models.QueueEntry, now time.Time) (models.QueueEntry, error) {
		from := current.Status
		next, err := store.NextStatus(store.EventSkip, from)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if err := e.release(ctx, tx, current, now); err != nil {
			return models.QueueEntry{}, err
		}
		released := current.Station()
		current.Status = next
		current.StationID = nil
		current.SkipTemporary = input.Temporary
		current.StatusChangedAt = now
		current.LastUpdatedBy = input.ActorID
		current.Remarks = input.Remarks
		return e.apply(ctx, tx, current, store.EventSkip, from, released, input.ActorID, input.Remarks, now)
	})
}

// Reinstate returns a skipped entry to the waiting line behind everyone of
// its priority who joined before now.
func (e *Engine) Reinstate(ctx context.Context, input ActionInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "Reinstate", attribute.String("entry_id", input.EntryID))
	defer func() { err = e.finish(span, "reinstate", err) }()

	return e.mutate(ctx, "reinstate", input, nil, func(tx store.Tx, current models.QueueEntry, now time.Time) (models.QueueEntry, error) {
		from := current.Status
		next, err := store.NextStatus(store.EventReinstate, from)
		if err != nil {
			return models.QueueEntry{}, err
		}
		current.Status = next
		current.ReinstatedAt = &now
		current.SkipTemporary = false
		current.StatusChangedAt = now
		current.LastUpdatedBy = input.ActorID
		if input.Remarks != "" {
			current.Remarks = input.Remarks
		}
		return e.apply(ctx, tx, current, store.EventReinstate, from, "", input.ActorID, input.Remarks, now)
	})
}

func (e *Engine) Cancel(ctx context.Context, input ActionInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "Cancel", attribute.String("entry_id", input.EntryID))
	defer func() { err = e.finish(span, "cancel", err) }()

	return e.mutate(ctx, "cancel", input, nil, func(tx store.Tx, current models.QueueEntry, now time.Time) (models.QueueEntry, error) {
		return e.cancelEntry(ctx, tx, current, input.ActorID, input.Remarks, now)
	})
}

func (e *Engine) cancelEntry(ctx context.Context, tx store.Tx, current models.QueueEntry, actorID, reason string, now time.Time) (models.QueueEntry, error) {
	from := current.Status
	next, err := store.NextStatus(store.EventCancel, from)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := e.release(ctx, tx, current, now); err != nil {
		return models.QueueEntry{}, err
	}
	released := current.Station()
	current.Status = next
	current.StationID = nil
	current.StatusChangedAt = now
	current.LastUpdatedBy = actorID
	current.Remarks = reason
	return e.apply(ctx, tx, current, store.EventCancel, from, released, actorID, reason, now)
}

// NoShow closes a waiting entry whose patient never answered the call.
func (e *Engine) NoShow(ctx context.Context, input ActionInput) (entry models.QueueEntry, err error) {
	ctx, span := e.start(ctx, "NoShow", attribute.String("entry_id", input.EntryID))
	defer func() { err = e.finish(span, "no_show", err) }()

	return e.mutate(ctx, "no_show", input, nil, func(tx store.Tx, current models.QueueEntry, now time.Time) (models.QueueEntry, error) {
		from := current.Status
		next, err := store.NextStatus(store.EventNoShow, from)
		if err != nil {
			return models.QueueEntry{}, err
		}
		current.Status = next
		current.StatusChangedAt = now
		current.LastUpdatedBy = input.ActorID
		if input.Remarks != "" {
			current.Remarks = input.Remarks
		}
		return e.apply(ctx, tx, current, store.EventNoShow, from, "", input.ActorID, input.Remarks, now)
	})
}

// Transfer closes the entry and opens a waiting entry for the same patient in
// the target service, with the same priority and a number from the target
// service's sequence.
func (e *Engine) Transfer(ctx context.Context, input TransferInput) (result TransferResult, err error) {
	ctx, span := e.start(ctx, "Transfer", attribute.String("entry_id", input.EntryID), attribute.String("target_service_id", input.TargetServiceID))
	defer func() { err = e.finish(span, "transfer", err) }()

	if input.TargetServiceID == "" {
		return TransferResult{}, store.Validation("target_service_id is required")
	}
	if err := e.checkService(ctx, input.TargetServiceID); err != nil {
		return TransferResult{}, err
	}

	extra := []string{store.ServiceKey(input.TargetServiceID)}
	from, err := e.mutate(ctx, "transfer", input.ActionInput, extra, func(tx store.Tx, current models.QueueEntry, now time.Time) (models.QueueEntry, error) {
		if current.ServiceID == input.TargetServiceID {
			return models.QueueEntry{}, store.Validation("entry is already in service %s", input.TargetServiceID)
		}
		fromStatus := current.Status
		next, err := store.NextStatus(store.EventTransfer, fromStatus)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if _, found, err := findActive(ctx, tx, current.PatientID, current.AppointmentID, input.TargetServiceID); err != nil {
			return models.QueueEntry{}, err
		} else if found {
			return models.QueueEntry{}, store.ErrDuplicateEntry
		}
		if err := e.release(ctx, tx, current, now); err != nil {
			return models.QueueEntry{}, err
		}

		number, date, err := e.issueNumber(ctx, tx, input.TargetServiceID, now)
		if err != nil {
			return models.QueueEntry{}, err
		}
		created, err := tx.InsertEntry(ctx, models.QueueEntry{
			EntryID:         e.newID(),
			PatientID:       current.PatientID,
			AppointmentID:   current.AppointmentID,
			ServiceID:       input.TargetServiceID,
			Priority:        current.Priority,
			QueueNumber:     number,
			QueueDate:       date,
			Status:          models.StatusWaiting,
			CreatedAt:       now,
			CheckedInAt:     &now,
			StatusChangedAt: now,
			CreatedBy:       input.ActorID,
			LastUpdatedBy:   input.ActorID,
			Remarks:         input.Remarks,
		})
		if err != nil {
			return models.QueueEntry{}, err
		}
		if err := e.record(ctx, tx, created, store.EventTransferIn, "", "", input.ActorID, input.Remarks, now); err != nil {
			return models.QueueEntry{}, err
		}

		linked := created.EntryID
		released := current.Station()
		current.Status = next
		current.StationID = nil
		current.LinkedEntryID = &linked
		current.StatusChangedAt = now
		current.LastUpdatedBy = input.ActorID
		current.Remarks = input.Remarks
		return e.apply(ctx, tx, current, store.EventTransfer, fromStatus, released, input.ActorID, input.Remarks, now)
	})
	if err != nil {
		return TransferResult{}, err
	}
	if from.LinkedEntryID == nil {
		return TransferResult{}, store.Validation("request %s was used for another action", input.RequestID)
	}
	to, err := e.store.GetEntry(ctx, *from.LinkedEntryID)
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{From: from, To: to}, nil
}

// entryFunc applies one event to the freshly read entry inside the
// transaction.
type entryFunc func(tx store.Tx, current models.QueueEntry, now time.Time) (models.QueueEntry, error)

// mutate locks the entry's service and (if held) station, re-reads the entry
// and runs fn. If the entry moved between the unlocked read and the lock,
// the attempt fails as contention and is retried.
func (e *Engine) mutate(ctx context.Context, action string, input ActionInput, extraKeys []string, fn entryFunc) (models.QueueEntry, error) {
	if err := e.checkActor(ctx, input.ActorID); err != nil {
		return models.QueueEntry{}, err
	}
	if input.EntryID == "" {
		return models.QueueEntry{}, store.Validation("entry_id is required")
	}

	var entry models.QueueEntry
	err := e.retry(ctx, func() error {
		snapshot, err := e.store.GetEntry(ctx, input.EntryID)
		if err != nil {
			return err
		}
		keys := append([]string{store.ServiceKey(snapshot.ServiceID), store.StationKey(snapshot.Station())}, extraKeys...)
		return e.store.WithinTx(ctx, keys, func(tx store.Tx) error {
			if replay, ok, err := e.replayed(ctx, tx, action, input.RequestID); ok || err != nil {
				entry = replay
				return err
			}
			current, err := tx.GetEntry(ctx, input.EntryID)
			if err != nil {
				return err
			}
			if current.ServiceID != snapshot.ServiceID || current.Station() != snapshot.Station() {
				return store.Contention(fmt.Errorf("entry %s moved while acquiring locks", current.EntryID))
			}
			entry, err = fn(tx, current, e.now())
			if err != nil {
				return err
			}
			return e.remember(ctx, tx, action, input.RequestID, entry.EntryID)
		})
	})
	return entry, err
}

// apply stores the changed entry and logs the event against it. released
// names the station the event freed, if any.
func (e *Engine) apply(ctx context.Context, tx store.Tx, entry models.QueueEntry, event store.Event, from models.Status, released, actorID, remarks string, at time.Time) (models.QueueEntry, error) {
	updated, err := tx.UpdateEntry(ctx, entry)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if err := e.record(ctx, tx, updated, event, from, released, actorID, remarks, at); err != nil {
		return models.QueueEntry{}, err
	}
	return updated, nil
}

// record appends the log row for entry. A row for an event that released a
// station keeps that station so station feeds and audits see the release.
func (e *Engine) record(ctx context.Context, tx store.Tx, entry models.QueueEntry, event store.Event, from models.Status, released, actorID, remarks string, at time.Time) error {
	row, err := store.NewTransition(e.newID(), entry, event, from, actorID, remarks, at)
	if err != nil {
		return err
	}
	if row.StationID == "" {
		row.StationID = released
	}
	if _, err := tx.AppendTransition(ctx, row); err != nil {
		return err
	}
	e.log.Debug().
		Str("entry_id", entry.EntryID).
		Str("event", string(event)).
		Str("from", string(from)).
		Str("to", string(entry.Status)).
		Str("actor_id", actorID).
		Msg("queue transition")
	return nil
}

// replayed returns the entry an earlier request with the same id produced.
func (e *Engine) replayed(ctx context.Context, tx store.Tx, action, requestID string) (models.QueueEntry, bool, error) {
	if requestID == "" {
		return models.QueueEntry{}, false, nil
	}
	entryID, found, err := tx.FindRequest(ctx, action, requestID)
	if err != nil || !found {
		return models.QueueEntry{}, false, err
	}
	entry, err := tx.GetEntry(ctx, entryID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func (e *Engine) remember(ctx context.Context, tx store.Tx, action, requestID, entryID string) error {
	if requestID == "" {
		return nil
	}
	return tx.SaveRequest(ctx, action, requestID, entryID)
}

// retry runs fn until it succeeds, fails with a non-contention error, or the
// attempt budget is spent.
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err = fn()
		if err == nil || !store.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		e.log.Debug().Err(err).Int("attempt", attempt).Msg("retrying after contention")
	}
	return err
}

func (e *Engine) checkActor(ctx context.Context, actorID string) error {
	if actorID == "" {
		return store.Validation("actor id is required")
	}
	if actorID == e.systemActor {
		return nil
	}
	employee, err := e.catalog.GetEmployee(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Validation("unknown actor %s", actorID)
		}
		return err
	}
	if !employee.Active {
		return store.Validation("actor %s is inactive", actorID)
	}
	return nil
}

func (e *Engine) checkService(ctx context.Context, serviceID string) error {
	service, err := e.catalog.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	if !service.Active {
		return store.ErrServiceInactive
	}
	return nil
}

// findActive returns the patient's live entry for the appointment in the
// service, if any.
func findActive(ctx context.Context, tx store.Tx, patientID, appointmentID, serviceID string) (models.QueueEntry, bool, error) {
	entries, err := tx.ListEntries(ctx, store.EntryFilter{
		PatientID:  patientID,
		ServiceIDs: []string{serviceID},
		Statuses:   activeStatuses(),
	})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	for _, entry := range entries {
		if entry.AppointmentID == appointmentID {
			return entry, true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

func activeStatuses() []models.Status {
	var out []models.Status
	for _, status := range models.AllStatuses {
		if status.Active() {
			out = append(out, status)
		}
	}
	return out
}

func (e *Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "queue."+name, trace.WithAttributes(attrs...))
}

// finish ends the span and turns kind-less failures into ErrInternal after
// logging them.
func (e *Engine) finish(span trace.Span, op string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if store.KindOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return e.internal(op, err)
}

func (e *Engine) internal(op string, err error) error {
	e.log.Error().Err(err).Str("op", op).Msg("queue storage failure")
	return ErrInternal
}
