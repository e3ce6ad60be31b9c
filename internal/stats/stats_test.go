package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicqms/queue-service/internal/catalog"
	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
	"clinicqms/queue-service/internal/store/memory"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func row(entryID string, seq int, service, station string, event store.Event, at time.Duration) store.Transition {
	return store.Transition{
		EntryID:    entryID,
		EntrySeq:   seq,
		ServiceID:  service,
		StationID:  station,
		Event:      event,
		OccurredAt: t0.Add(at),
	}
}

func entry(id, service string, status models.Status) models.QueueEntry {
	return models.QueueEntry{EntryID: id, ServiceID: service, Status: status, QueueDate: "2026-03-02"}
}

func TestComputeFoldsHistory(t *testing.T) {
	entries := []models.QueueEntry{
		entry("e1", "gp", models.StatusCompleted),
		entry("e2", "gp", models.StatusNoShow),
		entry("e3", "gp", models.StatusWaiting),
		entry("e4", "lab", models.StatusInProgress),
	}
	rows := []store.Transition{
		row("e1", 3, "gp", "", store.EventComplete, 360*time.Second),
		row("e1", 1, "gp", "", store.EventCheckIn, 0),
		row("e1", 2, "gp", "room-1", store.EventCall, 60*time.Second),
		row("e2", 1, "gp", "", store.EventCheckIn, 30*time.Second),
		row("e2", 2, "gp", "", store.EventNoShow, 30*time.Minute),
		row("e3", 1, "gp", "", store.EventCheckIn, 100*time.Second),
		row("e4", 1, "lab", "", store.EventTransferIn, 200*time.Second),
		row("e4", 2, "lab", "lab-1", store.EventCall, 260*time.Second),
		row("other-day", 1, "gp", "", store.EventCheckIn, -24*time.Hour),
	}

	report := Compute("2026-03-02", nil, entries, rows, t0.Add(time.Hour))
	require.Len(t, report.Services, 2)

	gp := report.Services[0]
	assert.Equal(t, "gp", gp.ServiceID)
	assert.Equal(t, 3, gp.Entries)
	assert.Equal(t, 1, gp.WaitingNow)
	assert.Equal(t, 3, gp.Arrivals)
	assert.Equal(t, 1, gp.Completed)
	assert.Equal(t, 1, gp.NoShow)
	assert.InDelta(t, 60, gp.AvgWaitSeconds, 0.001)
	assert.InDelta(t, 60, gp.MaxWaitSeconds, 0.001)
	assert.InDelta(t, 300, gp.AvgServiceSeconds, 0.001)
	assert.InDelta(t, 1.0/3.0, gp.NoShowRate, 0.001)
	assert.Zero(t, gp.CancellationRate)
	require.Len(t, gp.Stations, 1)
	assert.Equal(t, StationStats{StationID: "room-1", Calls: 1, Completed: 1, AvgWaitSeconds: 60, AvgServiceSeconds: 300}, gp.Stations[0])

	lab := report.Services[1]
	assert.Equal(t, "lab", lab.ServiceID)
	assert.Equal(t, 1, lab.InProgressNow)
	assert.Equal(t, 1, lab.Arrivals)
	assert.InDelta(t, 60, lab.AvgWaitSeconds, 0.001)
	assert.Zero(t, lab.AvgServiceSeconds)
}

func TestComputeReportsRequestedServicesWithoutData(t *testing.T) {
	report := Compute("2026-03-02", []string{"dental"}, nil, nil, t0)
	require.Len(t, report.Services, 1)
	assert.Equal(t, "dental", report.Services[0].ServiceID)
	assert.Zero(t, report.Services[0].Arrivals)
	assert.NotNil(t, report.Services[0].Stations)
}

func TestWaitCountsFirstCallOnly(t *testing.T) {
	entries := []models.QueueEntry{entry("e1", "gp", models.StatusCompleted)}
	rows := []store.Transition{
		row("e1", 1, "gp", "", store.EventCheckIn, 0),
		row("e1", 2, "gp", "room-1", store.EventCall, 2*time.Minute),
		row("e1", 3, "gp", "", store.EventSkip, 3*time.Minute),
		row("e1", 4, "gp", "", store.EventReinstate, 10*time.Minute),
		row("e1", 5, "gp", "room-2", store.EventCall, 20*time.Minute),
		row("e1", 6, "gp", "", store.EventComplete, 25*time.Minute),
	}
	gp := Compute("2026-03-02", nil, entries, rows, t0).Services[0]
	assert.InDelta(t, 120, gp.AvgWaitSeconds, 0.001)
	assert.InDelta(t, 300, gp.AvgServiceSeconds, 0.001)
	assert.Equal(t, 1, gp.Skipped)
	require.Len(t, gp.Stations, 2)
	assert.Equal(t, "room-1", gp.Stations[0].StationID)
	assert.Equal(t, 0, gp.Stations[0].Completed)
	assert.Equal(t, 1, gp.Stations[1].Completed)
}

func TestAggregatorReadsStore(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	err := mem.WithinTx(ctx, []string{store.ServiceKey("gp")}, func(tx store.Tx) error {
		e := entry("e1", "gp", models.StatusWaiting)
		e.CreatedAt = t0
		inserted, err := tx.InsertEntry(ctx, e)
		if err != nil {
			return err
		}
		first, err := store.NewTransition("t1", inserted, store.EventCheckIn, "", "desk", "", t0)
		if err != nil {
			return err
		}
		_, err = tx.AppendTransition(ctx, first)
		return err
	})
	require.NoError(t, err)

	agg := NewAggregator(mem, nil, func() time.Time { return t0 })
	report, err := agg.Statistics(ctx, "2026-03-02", nil)
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Equal(t, 1, report.Services[0].WaitingNow)
	assert.Equal(t, 1, report.Services[0].Arrivals)

	empty, err := agg.Statistics(ctx, "2026-03-01", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Services)

	_, err = agg.Statistics(ctx, "", nil)
	assert.ErrorIs(t, err, store.ErrValidation)
}

// filterRecorder remembers the last transition filter passed through.
type filterRecorder struct {
	Reader
	last store.TransitionFilter
}

func (r *filterRecorder) ListTransitions(ctx context.Context, filter store.TransitionFilter) ([]store.Transition, error) {
	r.last = filter
	return r.Reader.ListTransitions(ctx, filter)
}

func TestAggregatorBoundsTheLogScan(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	err := mem.WithinTx(ctx, []string{store.ServiceKey("gp")}, func(tx store.Tx) error {
		old := entry("old", "gp", models.StatusCompleted)
		old.QueueDate = "2026-03-01"
		old.CreatedAt = t0.Add(-24 * time.Hour)
		today := entry("today", "gp", models.StatusWaiting)
		today.CreatedAt = t0.Add(time.Hour)
		for _, e := range []models.QueueEntry{old, today} {
			inserted, err := tx.InsertEntry(ctx, e)
			if err != nil {
				return err
			}
			row, err := store.NewTransition("t-"+e.EntryID, inserted, store.EventCheckIn, "", "desk", "", e.CreatedAt)
			if err != nil {
				return err
			}
			if _, err := tx.AppendTransition(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	reader := &filterRecorder{Reader: mem}
	agg := NewAggregator(reader, nil, func() time.Time { return t0 })
	report, err := agg.Statistics(ctx, "2026-03-02", nil)
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Equal(t, 1, report.Services[0].Arrivals)
	assert.True(t, reader.last.From.Equal(t0.Add(time.Hour)), "scan starts at the day's oldest entry, got %v", reader.last.From)
}

func TestAggregatorRejectsUnknownServices(t *testing.T) {
	cat := catalog.NewMemory(catalog.Seed{Services: []models.Service{{ServiceID: "gp", Active: true}}})
	agg := NewAggregator(memory.New(), cat, func() time.Time { return t0 })

	report, err := agg.Statistics(context.Background(), "2026-03-02", []string{"gp"})
	require.NoError(t, err)
	require.Len(t, report.Services, 1)
	assert.Zero(t, report.Services[0].Entries)

	_, err = agg.Statistics(context.Background(), "2026-03-02", []string{"gp", "dental"})
	assert.ErrorIs(t, err, store.ErrServiceNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type countingProvider struct {
	calls int
	err   error
}

func (p *countingProvider) Statistics(_ context.Context, date string, serviceIDs []string) (Report, error) {
	p.calls++
	if p.err != nil {
		return Report{}, p.err
	}
	return Report{Date: date}, nil
}

func TestCachedReusesReports(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{}
	cached := NewCached(inner, time.Minute)

	_, err := cached.Statistics(ctx, "2026-03-02", []string{"lab", "gp"})
	require.NoError(t, err)
	_, err = cached.Statistics(ctx, "2026-03-02", []string{"gp", "lab"})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls, "service order does not change the key")

	_, err = cached.Statistics(ctx, "2026-03-03", []string{"gp", "lab"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	cached.Flush()
	_, err = cached.Statistics(ctx, "2026-03-02", []string{"gp", "lab"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedSkipsErrorsAndZeroTTL(t *testing.T) {
	ctx := context.Background()
	failing := &countingProvider{err: errors.New("boom")}
	cached := NewCached(failing, time.Minute)
	_, err := cached.Statistics(ctx, "2026-03-02", nil)
	require.Error(t, err)
	_, err = cached.Statistics(ctx, "2026-03-02", nil)
	require.Error(t, err)
	assert.Equal(t, 2, failing.calls)

	inner := &countingProvider{}
	passthrough := NewCached(inner, 0)
	_, _ = passthrough.Statistics(ctx, "2026-03-02", nil)
	_, _ = passthrough.Statistics(ctx, "2026-03-02", nil)
	assert.Equal(t, 2, inner.calls)
}
