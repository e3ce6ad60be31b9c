package queue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicqms/queue-service/internal/models"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func waiting(id string, priority models.Priority, created time.Duration) models.QueueEntry {
	return models.QueueEntry{
		EntryID:   id,
		ServiceID: "gp",
		Priority:  priority,
		Status:    models.StatusWaiting,
		CreatedAt: t0.Add(created),
	}
}

func reinstated(entry models.QueueEntry, at time.Duration) models.QueueEntry {
	ts := t0.Add(at)
	entry.ReinstatedAt = &ts
	return entry
}

func checkedIn(entry models.QueueEntry, at time.Duration) models.QueueEntry {
	ts := t0.Add(at)
	entry.CheckedInAt = &ts
	return entry
}

func TestLess(t *testing.T) {
	cases := []struct {
		name string
		a, b models.QueueEntry
		want bool
	}{
		{"priority beats arrival", waiting("b", models.PriorityUrgent, time.Hour), waiting("a", models.PriorityNormal, 0), true},
		{"emergency before urgent", waiting("a", models.PriorityEmergency, time.Hour), waiting("b", models.PriorityUrgent, 0), true},
		{"fifo within class", waiting("b", models.PriorityNormal, 0), waiting("a", models.PriorityNormal, time.Minute), true},
		{"id breaks exact tie", waiting("a", models.PriorityNormal, 0), waiting("b", models.PriorityNormal, 0), true},
		{"id tie reversed", waiting("b", models.PriorityNormal, 0), waiting("a", models.PriorityNormal, 0), false},
		{
			"reinstated yields to earlier arrival",
			waiting("e4", models.PriorityNormal, 2*time.Minute),
			reinstated(waiting("e1", models.PriorityNormal, 0), 3*time.Minute),
			true,
		},
		{
			"reinstated precedes later arrival",
			reinstated(waiting("e1", models.PriorityNormal, 0), 3*time.Minute),
			waiting("e5", models.PriorityNormal, 4*time.Minute),
			true,
		},
		{
			"never skipped wins an equal instant",
			waiting("z", models.PriorityNormal, 3*time.Minute),
			reinstated(waiting("a", models.PriorityNormal, 0), 3*time.Minute),
			true,
		},
		{
			"booking time wins over a later check-in",
			checkedIn(waiting("booked", models.PriorityNormal, 0), 2*time.Hour),
			waiting("walk-in", models.PriorityNormal, time.Hour),
			true,
		},
		{
			"reinstatement never crosses priority",
			reinstated(waiting("a", models.PriorityUrgent, 0), time.Hour),
			waiting("b", models.PriorityNormal, 0),
			true,
		},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Less(tt.a, tt.b))
		})
	}
}

func TestSelectNextFiltersByStationAndStatus(t *testing.T) {
	station := models.Station{StationID: "room-1", ServiceIDs: []string{"gp"}, Active: true}
	lab := waiting("lab", models.PriorityEmergency, 0)
	lab.ServiceID = "lab"
	skipped := waiting("skipped", models.PriorityEmergency, 0)
	skipped.Status = models.StatusSkipped
	scheduled := waiting("scheduled", models.PriorityEmergency, 0)
	scheduled.Status = models.StatusScheduled

	next, ok := SelectNext([]models.QueueEntry{lab, skipped, scheduled, waiting("gp", models.PriorityNormal, time.Hour)}, station)
	require.True(t, ok)
	assert.Equal(t, "gp", next.EntryID)

	_, ok = SelectNext([]models.QueueEntry{lab, skipped, scheduled}, station)
	assert.False(t, ok)
}

func TestSelectNextIsOrderIndependent(t *testing.T) {
	station := models.Station{StationID: "room-1", ServiceIDs: []string{"gp"}, Active: true}
	entries := []models.QueueEntry{
		waiting("n1", models.PriorityNormal, 0),
		waiting("n2", models.PriorityNormal, 0),
		waiting("u1", models.PriorityUrgent, 5*time.Minute),
		waiting("u2", models.PriorityUrgent, 5*time.Minute),
		reinstated(waiting("r1", models.PriorityUrgent, 0), 5*time.Minute),
		waiting("e1", models.PriorityEmergency, 10*time.Minute),
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]models.QueueEntry(nil), entries...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		next, ok := SelectNext(shuffled, station)
		require.True(t, ok)
		assert.Equal(t, "e1", next.EntryID)

		Order(shuffled)
		ids := make([]string, len(shuffled))
		for j, entry := range shuffled {
			ids[j] = entry.EntryID
		}
		assert.Equal(t, []string{"e1", "u1", "u2", "r1", "n1", "n2"}, ids)
	}
}

func TestOrderForDisplay(t *testing.T) {
	station := "room-1"
	serving := waiting("serving", models.PriorityNormal, 0)
	serving.Status = models.StatusInProgress
	serving.StationID = &station
	done := waiting("done", models.PriorityNormal, 0)
	done.Status = models.StatusCompleted
	done.QueueNumber = 1
	booked := waiting("booked", models.PriorityNormal, 0)
	booked.Status = models.StatusScheduled

	entries := []models.QueueEntry{done, waiting("late", models.PriorityNormal, time.Hour), booked, serving, waiting("urgent", models.PriorityUrgent, 2*time.Hour)}
	orderForDisplay(entries)

	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.EntryID
	}
	assert.Equal(t, []string{"serving", "urgent", "late", "booked", "done"}, ids)
}
