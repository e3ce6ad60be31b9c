package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `entry_id, patient_id, appointment_id, service_id, priority, queue_number, queue_date, status,
	station_id, called_by, created_at, checked_in_at, called_at, completed_at, reinstated_at, status_changed_at,
	service_seconds, skip_temporary, created_by, last_updated_by, remarks, linked_entry_id, version`

const transitionColumns = `seq, transition_id, entry_id, entry_seq, service_id, station_id, patient_id, appointment_id,
	event, from_status, to_status, actor_id, remarks, occurred_at, payload, prev_hash, hash`

type Options struct {
	LockTimeout time.Duration
	CommitHook  store.CommitHook
}

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	hook        store.CommitHook
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{
		pool:        pool,
		lockTimeout: options.LockTimeout,
		hook:        options.CommitHook,
	}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithinTx takes one transaction-scoped advisory lock per key, in sorted
// order, before running fn.
func (s *Store) WithinTx(ctx context.Context, keys []string, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return mapError(err)
		}
	}
	for _, key := range store.LockKeys(keys...) {
		if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			if isLockTimeout(err) {
				err = store.ErrLockTimeout
				return err
			}
			return mapError(err)
		}
	}

	t := &pgTx{tx: tx}
	if err = fn(t); err != nil {
		err = mapError(err)
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return err
	}
	if s.hook != nil && len(t.transitions) > 0 {
		s.hook(t.transitions)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return getEntry(ctx, s.pool, entryID, false)
}

func (s *Store) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	return listEntries(ctx, s.pool, filter)
}

func (s *Store) ListTransitions(ctx context.Context, filter store.TransitionFilter) ([]store.Transition, error) {
	where, args := transitionWhere(filter)
	query := `SELECT ` + transitionColumns + ` FROM queue_transitions` + where + ` ORDER BY seq`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []store.Transition
	for rows.Next() {
		row, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) GetStationAssignment(ctx context.Context, stationID string) (models.StationAssignment, error) {
	return getStationAssignment(ctx, s.pool, stationID, false)
}

type pgTx struct {
	tx          pgx.Tx
	transitions []store.Transition
}

func (t *pgTx) NextQueueNumber(ctx context.Context, serviceID, date string) (int, error) {
	var next int
	row := t.tx.QueryRow(ctx, `
		INSERT INTO queue_number_sequences (service_id, queue_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (service_id, queue_date)
		DO UPDATE SET next_number = queue_number_sequences.next_number + 1
		RETURNING next_number
	`, serviceID, date)
	if err := row.Scan(&next); err != nil {
		if isContention(err) {
			return 0, store.ErrNumberContention
		}
		return 0, fmt.Errorf("next queue number: %w", err)
	}
	return next, nil
}

func (t *pgTx) InsertEntry(ctx context.Context, entry models.QueueEntry) (models.QueueEntry, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, 1)
		RETURNING `+entryColumns,
		entry.EntryID, entry.PatientID, nullIfEmpty(entry.AppointmentID), entry.ServiceID, string(entry.Priority),
		nullIfZero(entry.QueueNumber), nullIfEmpty(entry.QueueDate), string(entry.Status), entry.StationID, nullIfEmpty(entry.CalledBy),
		entry.CreatedAt, entry.CheckedInAt, entry.CalledAt, entry.CompletedAt, entry.ReinstatedAt, entry.StatusChangedAt,
		entry.ServiceSeconds, entry.SkipTemporary, entry.CreatedBy, entry.LastUpdatedBy, nullIfEmpty(entry.Remarks), entry.LinkedEntryID,
	)
	inserted, err := scanEntry(row)
	if err != nil {
		return models.QueueEntry{}, mapError(err)
	}
	return inserted, nil
}

func (t *pgTx) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return getEntry(ctx, t.tx, entryID, true)
}

func (t *pgTx) UpdateEntry(ctx context.Context, entry models.QueueEntry) (models.QueueEntry, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE queue_entries SET
			priority = $2, queue_number = $3, queue_date = $4, status = $5, station_id = $6, called_by = $7,
			checked_in_at = $8, called_at = $9, completed_at = $10, reinstated_at = $11, status_changed_at = $12,
			service_seconds = $13, skip_temporary = $14, last_updated_by = $15, remarks = $16, linked_entry_id = $17,
			version = version + 1
		WHERE entry_id = $1 AND version = $18
		RETURNING `+entryColumns,
		entry.EntryID, string(entry.Priority), nullIfZero(entry.QueueNumber), nullIfEmpty(entry.QueueDate), string(entry.Status),
		entry.StationID, nullIfEmpty(entry.CalledBy), entry.CheckedInAt, entry.CalledAt, entry.CompletedAt, entry.ReinstatedAt,
		entry.StatusChangedAt, entry.ServiceSeconds, entry.SkipTemporary, entry.LastUpdatedBy, nullIfEmpty(entry.Remarks),
		entry.LinkedEntryID, entry.Version,
	)
	updated, err := scanEntry(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, store.ErrEntryNotFound) {
		return models.QueueEntry{}, mapError(err)
	}
	if _, getErr := getEntry(ctx, t.tx, entry.EntryID, false); getErr != nil {
		return models.QueueEntry{}, getErr
	}
	return models.QueueEntry{}, store.Contention(fmt.Errorf("entry %s changed since version %d", entry.EntryID, entry.Version))
}

func (t *pgTx) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	return listEntries(ctx, t.tx, filter)
}

func (t *pgTx) GetStationAssignment(ctx context.Context, stationID string) (models.StationAssignment, error) {
	return getStationAssignment(ctx, t.tx, stationID, true)
}

func (t *pgTx) SetStationAssignment(ctx context.Context, stationID, entryID string, at time.Time) error {
	current, err := getStationAssignment(ctx, t.tx, stationID, true)
	if err != nil {
		return err
	}
	if entryID != "" && current.EntryID != "" && current.EntryID != entryID {
		return store.ErrStationOccupied
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO station_assignments (station_id, entry_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (station_id)
		DO UPDATE SET entry_id = EXCLUDED.entry_id, updated_at = EXCLUDED.updated_at
	`, stationID, nullIfEmpty(entryID), at.UTC())
	return mapError(err)
}

func (t *pgTx) AppendTransition(ctx context.Context, row store.Transition) (store.Transition, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "entry:"+row.EntryID); err != nil {
		return store.Transition{}, mapError(err)
	}

	var prev *store.Transition
	last := t.tx.QueryRow(ctx, `
		SELECT `+transitionColumns+`
		FROM queue_transitions
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, row.EntryID)
	previous, err := scanTransition(last)
	switch {
	case err == nil:
		prev = &previous
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return store.Transition{}, err
	}

	row = store.Chain(prev, row)
	insert := t.tx.QueryRow(ctx, `
		INSERT INTO queue_transitions (transition_id, entry_id, entry_seq, service_id, station_id, patient_id, appointment_id,
			event, from_status, to_status, actor_id, remarks, occurred_at, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq
	`, row.TransitionID, row.EntryID, row.EntrySeq, row.ServiceID, nullIfEmpty(row.StationID), row.PatientID,
		nullIfEmpty(row.AppointmentID), string(row.Event), nullIfEmpty(string(row.FromStatus)), string(row.ToStatus),
		row.ActorID, nullIfEmpty(row.Remarks), row.OccurredAt, []byte(row.Payload), row.PrevHash, row.Hash)
	if err := insert.Scan(&row.Seq); err != nil {
		return store.Transition{}, mapError(err)
	}
	t.transitions = append(t.transitions, row)
	return row, nil
}

func (t *pgTx) FindRequest(ctx context.Context, action, requestID string) (string, bool, error) {
	var entryID sql.NullString
	row := t.tx.QueryRow(ctx, `
		SELECT entry_id
		FROM queue_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&entryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, mapError(err)
	}
	return entryID.String, true, nil
}

func (t *pgTx) SaveRequest(ctx context.Context, action, requestID, entryID string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO queue_action_requests (request_id, action, entry_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id, action) DO NOTHING
	`, requestID, action, nullIfEmpty(entryID))
	return mapError(err)
}

func getEntry(ctx context.Context, q querier, entryID string, forUpdate bool) (models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE entry_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	entry, err := scanEntry(q.QueryRow(ctx, query, entryID))
	if err != nil {
		return models.QueueEntry{}, mapError(err)
	}
	return entry, nil
}

func listEntries(ctx context.Context, q querier, filter store.EntryFilter) ([]models.QueueEntry, error) {
	where, args := entryWhere(filter)
	query := `SELECT ` + entryColumns + ` FROM queue_entries` + where + ` ORDER BY created_at, entry_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func getStationAssignment(ctx context.Context, q querier, stationID string, forUpdate bool) (models.StationAssignment, error) {
	query := `SELECT station_id, entry_id, updated_at FROM station_assignments WHERE station_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var assignment models.StationAssignment
	var entryID sql.NullString
	if err := q.QueryRow(ctx, query, stationID).Scan(&assignment.StationID, &entryID, &assignment.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StationAssignment{StationID: stationID}, nil
		}
		return models.StationAssignment{}, mapError(err)
	}
	assignment.EntryID = entryID.String
	return assignment, nil
}

// entryWhere renders filter as a WHERE clause with positional arguments.
func entryWhere(filter store.EntryFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if len(filter.ServiceIDs) > 0 {
		add("service_id = ANY($%d)", filter.ServiceIDs)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		add("status = ANY($%d)", statuses)
	}
	if filter.AppointmentID != "" {
		add("appointment_id = $%d", filter.AppointmentID)
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}
	if filter.StationID != "" {
		add("station_id = $%d", filter.StationID)
	}
	if filter.QueueDate != "" {
		add("queue_date = $%d", filter.QueueDate)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func transitionWhere(filter store.TransitionFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.EntryID != "" {
		add("entry_id = $%d", filter.EntryID)
	}
	if len(filter.ServiceIDs) > 0 {
		add("service_id = ANY($%d)", filter.ServiceIDs)
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To.UTC())
	}
	if filter.AfterSeq > 0 {
		add("seq > $%d", filter.AfterSeq)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var priority, status string
	var appointmentID, queueDate, stationID, calledBy, remarks, linkedEntryID sql.NullString
	var queueNumber sql.NullInt64
	var checkedInAt, calledAt, completedAt, reinstatedAt sql.NullTime
	var serviceSeconds sql.NullFloat64
	err := row.Scan(
		&entry.EntryID, &entry.PatientID, &appointmentID, &entry.ServiceID, &priority, &queueNumber, &queueDate, &status,
		&stationID, &calledBy, &entry.CreatedAt, &checkedInAt, &calledAt, &completedAt, &reinstatedAt, &entry.StatusChangedAt,
		&serviceSeconds, &entry.SkipTemporary, &entry.CreatedBy, &entry.LastUpdatedBy, &remarks, &linkedEntryID, &entry.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	entry.Priority = models.Priority(priority)
	entry.Status = models.Status(status)
	entry.AppointmentID = appointmentID.String
	entry.QueueNumber = int(queueNumber.Int64)
	entry.QueueDate = queueDate.String
	entry.StationID = nullStringPtr(stationID)
	entry.CalledBy = calledBy.String
	entry.CheckedInAt = nullTimePtr(checkedInAt)
	entry.CalledAt = nullTimePtr(calledAt)
	entry.CompletedAt = nullTimePtr(completedAt)
	entry.ReinstatedAt = nullTimePtr(reinstatedAt)
	if serviceSeconds.Valid {
		entry.ServiceSeconds = &serviceSeconds.Float64
	}
	entry.Remarks = remarks.String
	entry.LinkedEntryID = nullStringPtr(linkedEntryID)
	return entry, nil
}

func scanTransition(row pgx.Row) (store.Transition, error) {
	var t store.Transition
	var event, fromStatus, toStatus string
	var stationID, appointmentID, from, remarks sql.NullString
	var payload []byte
	err := row.Scan(&t.Seq, &t.TransitionID, &t.EntryID, &t.EntrySeq, &t.ServiceID, &stationID, &t.PatientID, &appointmentID,
		&event, &from, &toStatus, &t.ActorID, &remarks, &t.OccurredAt, &payload, &t.PrevHash, &t.Hash)
	if err != nil {
		return store.Transition{}, err
	}
	fromStatus = from.String
	t.Event = store.Event(event)
	t.FromStatus = models.Status(fromStatus)
	t.ToStatus = models.Status(toStatus)
	t.StationID = stationID.String
	t.AppointmentID = appointmentID.String
	t.Remarks = remarks.String
	t.Payload = payload
	t.OccurredAt = t.OccurredAt.UTC()
	return t, nil
}

// mapError turns constraint and concurrency failures into business errors;
// anything else is returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return store.Contention(err)
	case "23505":
		switch pgErr.ConstraintName {
		case "queue_entries_station_busy_uidx":
			return store.ErrStationOccupied
		case "queue_entries_active_uidx":
			return store.ErrDuplicateEntry
		case "queue_entries_number_uidx":
			return store.ErrNumberContention
		}
	}
	return err
}

func isContention(err error) bool {
	return store.IsRetryable(mapError(err))
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZero(value int) interface{} {
	if value == 0 {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
