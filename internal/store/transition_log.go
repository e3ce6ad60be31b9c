package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"clinicqms/queue-service/internal/models"
)

// Transition is one append-only row of the queue log. Seq orders the whole
// log; EntrySeq, PrevHash and Hash chain the rows of a single entry.
type Transition struct {
	Seq           int64           `json:"seq"`
	TransitionID  string          `json:"transition_id"`
	EntryID       string          `json:"entry_id"`
	EntrySeq      int             `json:"entry_seq"`
	ServiceID     string          `json:"service_id"`
	StationID     string          `json:"station_id,omitempty"`
	PatientID     string          `json:"patient_id"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	Event         Event           `json:"event"`
	FromStatus    models.Status   `json:"from_status,omitempty"`
	ToStatus      models.Status   `json:"to_status"`
	ActorID       string          `json:"actor_id"`
	Remarks       string          `json:"remarks,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
}

// NewTransition snapshots entry as it stands after the event.
func NewTransition(id string, entry models.QueueEntry, event Event, from models.Status, actorID, remarks string, at time.Time) (Transition, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return Transition{}, fmt.Errorf("encode transition payload: %w", err)
	}
	return Transition{
		TransitionID:  id,
		EntryID:       entry.EntryID,
		ServiceID:     entry.ServiceID,
		StationID:     entry.Station(),
		PatientID:     entry.PatientID,
		AppointmentID: entry.AppointmentID,
		Event:         event,
		FromStatus:    from,
		ToStatus:      entry.Status,
		ActorID:       actorID,
		Remarks:       remarks,
		OccurredAt:    at.UTC(),
		Payload:       payload,
	}, nil
}

func ComputeTransitionHash(prevHash, entryID string, event Event, payload json.RawMessage, occurredAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, event, occurredAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// Chain links t after prev, the entry's latest row (nil for the first row).
func Chain(prev *Transition, t Transition) Transition {
	t.EntrySeq = 1
	t.PrevHash = ""
	if prev != nil {
		t.EntrySeq = prev.EntrySeq + 1
		t.PrevHash = prev.Hash
	}
	t.Hash = ComputeTransitionHash(t.PrevHash, t.EntryID, t.Event, t.Payload, t.OccurredAt, t.EntrySeq)
	return t
}

// VerifyChain checks the rows of one entry, ordered by EntrySeq.
func VerifyChain(rows []Transition) error {
	prev := ""
	for i, row := range rows {
		if row.EntrySeq != i+1 {
			return fmt.Errorf("transition %s: sequence %d, want %d", row.TransitionID, row.EntrySeq, i+1)
		}
		if row.PrevHash != prev {
			return fmt.Errorf("transition %s: broken link to previous row", row.TransitionID)
		}
		want := ComputeTransitionHash(row.PrevHash, row.EntryID, row.Event, row.Payload, row.OccurredAt, row.EntrySeq)
		if row.Hash != want {
			return fmt.Errorf("transition %s: hash mismatch", row.TransitionID)
		}
		prev = row.Hash
	}
	return nil
}

// ReplayEntry rebuilds the entry from its log rows.
func ReplayEntry(rows []Transition) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, row := range rows {
		if len(row.Payload) == 0 {
			continue
		}
		var snapshot models.QueueEntry
		if err := json.Unmarshal(row.Payload, &snapshot); err != nil {
			return models.QueueEntry{}, fmt.Errorf("decode transition %s: %w", row.TransitionID, err)
		}
		entry = snapshot
	}
	return entry, nil
}
