package store

import (
	"context"
	"sort"
	"time"

	"clinicqms/queue-service/internal/models"
)

type EntryFilter struct {
	ServiceIDs    []string
	Statuses      []models.Status
	AppointmentID string
	PatientID     string
	StationID     string
	QueueDate     string
	Limit         int
}

func (f EntryFilter) Match(entry models.QueueEntry) bool {
	if len(f.ServiceIDs) > 0 && !containsString(f.ServiceIDs, entry.ServiceID) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, entry.Status) {
		return false
	}
	if f.AppointmentID != "" && entry.AppointmentID != f.AppointmentID {
		return false
	}
	if f.PatientID != "" && entry.PatientID != f.PatientID {
		return false
	}
	if f.StationID != "" && entry.Station() != f.StationID {
		return false
	}
	if f.QueueDate != "" && entry.QueueDate != f.QueueDate {
		return false
	}
	return true
}

type TransitionFilter struct {
	EntryID    string
	ServiceIDs []string
	From       time.Time
	To         time.Time
	AfterSeq   int64
	Limit      int
}

func (f TransitionFilter) Match(t Transition) bool {
	if f.EntryID != "" && t.EntryID != f.EntryID {
		return false
	}
	if len(f.ServiceIDs) > 0 && !containsString(f.ServiceIDs, t.ServiceID) {
		return false
	}
	if !f.From.IsZero() && t.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.OccurredAt.Before(f.To) {
		return false
	}
	if f.AfterSeq > 0 && t.Seq <= f.AfterSeq {
		return false
	}
	return true
}

// Store owns queue entries, station occupancy, queue number counters and the
// transition log. Every mutation goes through WithinTx.
type Store interface {
	// WithinTx runs fn as one atomic unit while holding the given lock keys.
	// Nothing fn wrote is visible to others unless it returns nil.
	WithinTx(ctx context.Context, keys []string, fn func(tx Tx) error) error
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]models.QueueEntry, error)
	ListTransitions(ctx context.Context, filter TransitionFilter) ([]Transition, error)
	GetStationAssignment(ctx context.Context, stationID string) (models.StationAssignment, error)
}

type Tx interface {
	// NextQueueNumber issues the next number for (serviceID, date). The
	// caller must hold ServiceKey(serviceID).
	NextQueueNumber(ctx context.Context, serviceID, date string) (int, error)
	InsertEntry(ctx context.Context, entry models.QueueEntry) (models.QueueEntry, error)
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	// UpdateEntry stores entry if its Version still matches the stored row,
	// failing with ErrContention otherwise.
	UpdateEntry(ctx context.Context, entry models.QueueEntry) (models.QueueEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]models.QueueEntry, error)
	GetStationAssignment(ctx context.Context, stationID string) (models.StationAssignment, error)
	SetStationAssignment(ctx context.Context, stationID, entryID string, at time.Time) error
	AppendTransition(ctx context.Context, t Transition) (Transition, error)
	FindRequest(ctx context.Context, action, requestID string) (string, bool, error)
	SaveRequest(ctx context.Context, action, requestID, entryID string) error
}

func ServiceKey(serviceID string) string {
	return "service:" + serviceID
}

func StationKey(stationID string) string {
	return "station:" + stationID
}

// LockKeys deduplicates and sorts keys so every caller acquires them in the
// same order.
func LockKeys(keys ...string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" || key == "service:" || key == "station:" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func containsString(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func containsStatus(values []models.Status, value models.Status) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

// CommitHook receives the transitions of a committed transaction in log
// order. It runs after the locks are released and must not block.
type CommitHook func(transitions []Transition)
