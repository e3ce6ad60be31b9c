// Package stats derives per-day queue statistics from the transition log.
// Nothing here writes; a day in progress reports figures to date.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

// Reader is the read side of the queue store the aggregator needs.
type Reader interface {
	ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error)
	ListTransitions(ctx context.Context, filter store.TransitionFilter) ([]store.Transition, error)
}

// Provider answers statistics queries. Aggregator and Cached both implement it.
type Provider interface {
	Statistics(ctx context.Context, date string, serviceIDs []string) (Report, error)
}

type Report struct {
	Date        string         `json:"date"`
	GeneratedAt time.Time      `json:"generated_at"`
	Services    []ServiceStats `json:"services"`
}

type ServiceStats struct {
	ServiceID         string         `json:"service_id"`
	Entries           int            `json:"entries"`
	WaitingNow        int            `json:"waiting_now"`
	InProgressNow     int            `json:"in_progress_now"`
	Arrivals          int            `json:"arrivals"`
	Completed         int            `json:"completed"`
	Skipped           int            `json:"skipped"`
	TransferredOut    int            `json:"transferred_out"`
	Cancelled         int            `json:"cancelled"`
	NoShow            int            `json:"no_show"`
	AvgWaitSeconds    float64        `json:"avg_wait_seconds"`
	MaxWaitSeconds    float64        `json:"max_wait_seconds"`
	AvgServiceSeconds float64        `json:"avg_service_seconds"`
	NoShowRate        float64        `json:"no_show_rate"`
	CancellationRate  float64        `json:"cancellation_rate"`
	Stations          []StationStats `json:"stations"`
}

type StationStats struct {
	StationID         string  `json:"station_id"`
	Calls             int     `json:"calls"`
	Completed         int     `json:"completed"`
	AvgWaitSeconds    float64 `json:"avg_wait_seconds"`
	AvgServiceSeconds float64 `json:"avg_service_seconds"`
}

// ServiceLookup resolves requested service ids. catalog.Accessor satisfies it.
type ServiceLookup interface {
	GetService(ctx context.Context, serviceID string) (models.Service, error)
}

type Aggregator struct {
	reader   Reader
	services ServiceLookup
	now      func() time.Time
}

// NewAggregator builds an aggregator over reader. With a nil services lookup
// requested ids are not checked against the catalog.
func NewAggregator(reader Reader, services ServiceLookup, now func() time.Time) *Aggregator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{reader: reader, services: services, now: now}
}

// Statistics reports on the entries of one clinic day. No service ids means
// every service with entries that day.
func (a *Aggregator) Statistics(ctx context.Context, date string, serviceIDs []string) (Report, error) {
	if date == "" {
		return Report{}, store.Validation("date is required")
	}
	if a.services != nil {
		for _, id := range serviceIDs {
			if _, err := a.services.GetService(ctx, id); err != nil {
				return Report{}, err
			}
		}
	}
	entries, err := a.reader.ListEntries(ctx, store.EntryFilter{ServiceIDs: serviceIDs, QueueDate: date})
	if err != nil {
		return Report{}, fmt.Errorf("list entries: %w", err)
	}
	var rows []store.Transition
	if len(entries) > 0 {
		// No row of these entries predates the oldest entry's creation.
		rows, err = a.reader.ListTransitions(ctx, store.TransitionFilter{
			ServiceIDs: servicesOf(entries),
			From:       earliestCreated(entries),
		})
		if err != nil {
			return Report{}, fmt.Errorf("list transitions: %w", err)
		}
	}
	return Compute(date, serviceIDs, entries, rows, a.now()), nil
}

func earliestCreated(entries []models.QueueEntry) time.Time {
	earliest := entries[0].CreatedAt
	for _, entry := range entries[1:] {
		if entry.CreatedAt.Before(earliest) {
			earliest = entry.CreatedAt
		}
	}
	return earliest
}

// Compute folds the day's entries and their transitions into a report.
// Transitions of entries outside the set are ignored.
func Compute(date string, serviceIDs []string, entries []models.QueueEntry, rows []store.Transition, now time.Time) Report {
	services := make(map[string]*serviceAcc)
	order := append([]string(nil), serviceIDs...)
	acc := func(id string) *serviceAcc {
		s, ok := services[id]
		if !ok {
			s = &serviceAcc{stats: ServiceStats{ServiceID: id}, stations: make(map[string]*stationAcc)}
			services[id] = s
		}
		return s
	}
	for _, id := range serviceIDs {
		acc(id)
	}

	known := make(map[string]bool, len(entries))
	for _, entry := range entries {
		known[entry.EntryID] = true
		s := acc(entry.ServiceID)
		s.stats.Entries++
		switch entry.Status {
		case models.StatusWaiting:
			s.stats.WaitingNow++
		case models.StatusInProgress:
			s.stats.InProgressNow++
		}
	}
	if len(serviceIDs) == 0 {
		for id := range services {
			order = append(order, id)
		}
		sort.Strings(order)
	}

	byEntry := make(map[string][]store.Transition)
	for _, row := range rows {
		if known[row.EntryID] {
			byEntry[row.EntryID] = append(byEntry[row.EntryID], row)
		}
	}
	for _, history := range byEntry {
		sort.Slice(history, func(i, j int) bool { return history[i].EntrySeq < history[j].EntrySeq })
		foldEntry(acc(history[0].ServiceID), history)
	}

	report := Report{Date: date, GeneratedAt: now, Services: make([]ServiceStats, 0, len(order))}
	for _, id := range order {
		report.Services = append(report.Services, services[id].finish())
	}
	return report
}

type serviceAcc struct {
	stats    ServiceStats
	waits    []float64
	services []float64
	stations map[string]*stationAcc
}

type stationAcc struct {
	calls     int
	completed int
	waits     []float64
	services  []float64
}

func (s *serviceAcc) station(id string) *stationAcc {
	st, ok := s.stations[id]
	if !ok {
		st = &stationAcc{}
		s.stations[id] = st
	}
	return st
}

// foldEntry walks one entry's history. Wait is measured from arrival to the
// first call; service time from the latest call to completion.
func foldEntry(s *serviceAcc, history []store.Transition) {
	var arrived, calledAt time.Time
	var station string
	firstCall := true
	for _, row := range history {
		switch row.Event {
		case store.EventCheckIn, store.EventTransferIn:
			if arrived.IsZero() {
				arrived = row.OccurredAt
				s.stats.Arrivals++
			}
		case store.EventCall:
			calledAt, station = row.OccurredAt, row.StationID
			st := s.station(station)
			st.calls++
			if firstCall && !arrived.IsZero() {
				wait := calledAt.Sub(arrived).Seconds()
				s.waits = append(s.waits, wait)
				st.waits = append(st.waits, wait)
			}
			firstCall = false
		case store.EventComplete:
			s.stats.Completed++
			if !calledAt.IsZero() {
				duration := row.OccurredAt.Sub(calledAt).Seconds()
				s.services = append(s.services, duration)
				st := s.station(station)
				st.completed++
				st.services = append(st.services, duration)
			}
		case store.EventSkip:
			s.stats.Skipped++
		case store.EventTransfer:
			s.stats.TransferredOut++
		case store.EventCancel:
			s.stats.Cancelled++
		case store.EventNoShow:
			s.stats.NoShow++
		}
	}
}

func (s *serviceAcc) finish() ServiceStats {
	out := s.stats
	out.AvgWaitSeconds = mean(s.waits)
	out.MaxWaitSeconds = maxOf(s.waits)
	out.AvgServiceSeconds = mean(s.services)
	out.NoShowRate = ratio(out.NoShow, out.Arrivals)
	out.CancellationRate = ratio(out.Cancelled, out.Entries)

	ids := make([]string, 0, len(s.stations))
	for id := range s.stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out.Stations = make([]StationStats, 0, len(ids))
	for _, id := range ids {
		st := s.stations[id]
		out.Stations = append(out.Stations, StationStats{
			StationID:         id,
			Calls:             st.calls,
			Completed:         st.completed,
			AvgWaitSeconds:    mean(st.waits),
			AvgServiceSeconds: mean(st.services),
		})
	}
	return out
}

func servicesOf(entries []models.QueueEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range entries {
		if !seen[entry.ServiceID] {
			seen[entry.ServiceID] = true
			out = append(out, entry.ServiceID)
		}
	}
	sort.Strings(out)
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxOf(values []float64) float64 {
	var out float64
	for _, v := range values {
		if v > out {
			out = v
		}
	}
	return out
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
