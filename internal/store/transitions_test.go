package store

import (
	"errors"
	"testing"
	"time"

	"clinicqms/queue-service/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		event Event
		from  models.Status
		valid bool
	}{
		{EventCheckIn, models.StatusScheduled, true},
		{EventCheckIn, models.StatusWaiting, false},
		{EventCall, models.StatusWaiting, true},
		{EventCall, models.StatusSkipped, false},
		{EventComplete, models.StatusInProgress, true},
		{EventComplete, models.StatusWaiting, false},
		{EventSkip, models.StatusWaiting, true},
		{EventSkip, models.StatusInProgress, true},
		{EventSkip, models.StatusScheduled, false},
		{EventReinstate, models.StatusSkipped, true},
		{EventReinstate, models.StatusCompleted, false},
		{EventTransfer, models.StatusWaiting, true},
		{EventTransfer, models.StatusInProgress, true},
		{EventTransfer, models.StatusSkipped, false},
		{EventCancel, models.StatusScheduled, true},
		{EventCancel, models.StatusSkipped, true},
		{EventCancel, models.StatusCompleted, false},
		{EventCancel, models.StatusTransferred, false},
		{EventNoShow, models.StatusWaiting, true},
		{EventNoShow, models.StatusInProgress, false},
		{Event("unknown"), models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.event, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.event, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for event := range transitionMap {
		for _, status := range models.AllStatuses {
			if status.Terminal() && ValidTransition(event, status) {
				t.Fatalf("event %s leaves terminal status %s", event, status)
			}
		}
	}
}

func TestNextStatusReportsBothSides(t *testing.T) {
	_, err := NextStatus(EventComplete, models.StatusWaiting)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if got := err.Error(); got != "cannot complete an entry in status waiting" {
		t.Fatalf("unexpected message %q", got)
	}

	next, err := NextStatus(EventReinstate, models.StatusSkipped)
	if err != nil || next != models.StatusWaiting {
		t.Fatalf("NextStatus(reinstate, skipped)=%q, %v", next, err)
	}
}

func TestErrorKinds(t *testing.T) {
	if !errors.Is(ErrQueueEmpty, ErrNotFound) {
		t.Fatal("queue empty should be a not found error")
	}
	if errors.Is(ErrQueueEmpty, ErrEntryNotFound) {
		t.Fatal("distinct sentinels of the same kind must not match")
	}
	if !IsRetryable(Contention(errors.New("serialization failure"))) {
		t.Fatal("contention should be retryable")
	}
	if KindOf(errors.New("boom")) != "" {
		t.Fatal("plain errors carry no kind")
	}
	if KindOf(Validation("bad %s", "input")) != KindValidation {
		t.Fatal("validation helper lost its kind")
	}
}

func TestLockKeysSortedAndDeduplicated(t *testing.T) {
	got := LockKeys(StationKey("s2"), ServiceKey("gp"), StationKey("s2"), "", StationKey(""), ServiceKey("dental"))
	want := []string{"service:dental", "service:gp", "station:s2"}
	if len(got) != len(want) {
		t.Fatalf("LockKeys=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LockKeys=%v, want %v", got, want)
		}
	}
}

func TestTransitionChain(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	entry := models.QueueEntry{EntryID: "e1", PatientID: "p1", ServiceID: "gp", Status: models.StatusWaiting, QueueNumber: 1, CreatedAt: at}

	first, err := NewTransition("t1", entry, EventCheckIn, "", "desk", "", at)
	if err != nil {
		t.Fatalf("new transition: %v", err)
	}
	first = Chain(nil, first)

	station := "room-1"
	entry.Status = models.StatusInProgress
	entry.StationID = &station
	second, err := NewTransition("t2", entry, EventCall, models.StatusWaiting, "doc", "", at.Add(time.Minute))
	if err != nil {
		t.Fatalf("new transition: %v", err)
	}
	second = Chain(&first, second)

	if second.EntrySeq != 2 || second.PrevHash != first.Hash {
		t.Fatalf("second row not linked: seq=%d prev=%q", second.EntrySeq, second.PrevHash)
	}
	if second.StationID != station {
		t.Fatalf("station not captured: %q", second.StationID)
	}
	if err := VerifyChain([]Transition{first, second}); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	replayed, err := ReplayEntry([]Transition{first, second})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != models.StatusInProgress || replayed.Station() != station {
		t.Fatalf("replayed entry mismatch: %+v", replayed)
	}

	tampered := second
	tampered.Payload = []byte(`{"entry_id":"e1","status":"completed"}`)
	if err := VerifyChain([]Transition{first, tampered}); err == nil {
		t.Fatal("expected hash mismatch for tampered payload")
	}
}

func TestEntryFilterMatch(t *testing.T) {
	station := "room-1"
	entry := models.QueueEntry{EntryID: "e1", PatientID: "p1", ServiceID: "gp", Status: models.StatusInProgress, StationID: &station, QueueDate: "2026-03-02"}

	cases := []struct {
		name   string
		filter EntryFilter
		want   bool
	}{
		{"empty", EntryFilter{}, true},
		{"service", EntryFilter{ServiceIDs: []string{"dental", "gp"}}, true},
		{"other service", EntryFilter{ServiceIDs: []string{"dental"}}, false},
		{"status", EntryFilter{Statuses: []models.Status{models.StatusWaiting}}, false},
		{"station", EntryFilter{StationID: "room-1"}, true},
		{"date", EntryFilter{QueueDate: "2026-03-03"}, false},
	}
	for _, tt := range cases {
		if got := tt.filter.Match(entry); got != tt.want {
			t.Fatalf("%s: Match=%v, want %v", tt.name, got, tt.want)
		}
	}
}
