package models

import "time"

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusWaiting     Status = "waiting"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusSkipped     Status = "skipped"
	StatusTransferred Status = "transferred"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
)

var AllStatuses = []Status{
	StatusScheduled,
	StatusWaiting,
	StatusInProgress,
	StatusCompleted,
	StatusSkipped,
	StatusTransferred,
	StatusCancelled,
	StatusNoShow,
}

func ParseStatus(value string) (Status, bool) {
	for _, status := range AllStatuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}

// Active reports whether the status occupies the patient's single live slot
// in a service. A transferred entry lives on through its linked entry.
func (s Status) Active() bool {
	switch s {
	case StatusScheduled, StatusWaiting, StatusInProgress, StatusSkipped:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityEmergency Priority = "emergency"
	PriorityUrgent    Priority = "urgent"
	PriorityNormal    Priority = "normal"
)

// Rank orders priority classes ascending; lower is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 0
	case PriorityUrgent:
		return 1
	default:
		return 2
	}
}

func ParsePriority(value string) (Priority, bool) {
	switch Priority(value) {
	case "":
		return PriorityNormal, true
	case PriorityEmergency, PriorityUrgent, PriorityNormal:
		return Priority(value), true
	default:
		return "", false
	}
}

type QueueEntry struct {
	EntryID         string     `json:"entry_id"`
	PatientID       string     `json:"patient_id"`
	AppointmentID   string     `json:"appointment_id,omitempty"`
	ServiceID       string     `json:"service_id"`
	Priority        Priority   `json:"priority"`
	QueueNumber     int        `json:"queue_number,omitempty"`
	QueueDate       string     `json:"queue_date,omitempty"`
	Status          Status     `json:"status"`
	StationID       *string    `json:"station_id,omitempty"`
	CalledBy        string     `json:"called_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CheckedInAt     *time.Time `json:"checked_in_at,omitempty"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ReinstatedAt    *time.Time `json:"reinstated_at,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
	ServiceSeconds  *float64   `json:"service_seconds,omitempty"`
	SkipTemporary   bool       `json:"skip_temporary,omitempty"`
	CreatedBy       string     `json:"created_by"`
	LastUpdatedBy   string     `json:"last_updated_by"`
	Remarks         string     `json:"remarks,omitempty"`
	LinkedEntryID   *string    `json:"linked_entry_id,omitempty"`
	Version         int64      `json:"version"`
}

// ReadySince is the instant the entry last became eligible to be called.
func (e QueueEntry) ReadySince() time.Time {
	if e.ReinstatedAt != nil {
		return *e.ReinstatedAt
	}
	if e.CheckedInAt != nil {
		return *e.CheckedInAt
	}
	return e.CreatedAt
}

func (e QueueEntry) Station() string {
	if e.StationID == nil {
		return ""
	}
	return *e.StationID
}

// Clone copies the pointer fields so callers can mutate the result freely.
func (e QueueEntry) Clone() QueueEntry {
	out := e
	out.StationID = cloneString(e.StationID)
	out.LinkedEntryID = cloneString(e.LinkedEntryID)
	out.CheckedInAt = cloneTime(e.CheckedInAt)
	out.CalledAt = cloneTime(e.CalledAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	out.ReinstatedAt = cloneTime(e.ReinstatedAt)
	if e.ServiceSeconds != nil {
		v := *e.ServiceSeconds
		out.ServiceSeconds = &v
	}
	return out
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
