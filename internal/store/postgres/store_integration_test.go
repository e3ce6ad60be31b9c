package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestQueueNumberConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	serviceID := uuid.NewString()
	const workers = 20

	var wg sync.WaitGroup
	results := make(chan numberResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var n int
			err := st.WithinTx(ctx, []string{store.ServiceKey(serviceID)}, func(tx store.Tx) error {
				var err error
				n, err = tx.NextQueueNumber(ctx, serviceID, "2026-03-02")
				return err
			})
			results <- numberResult{number: n, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("issue number: %v", result.err)
		}
		if seen[result.number] {
			t.Fatalf("duplicate number %d", result.number)
		}
		seen[result.number] = true
	}
	for n := 1; n <= workers; n++ {
		if !seen[n] {
			t.Fatalf("missing number %d", n)
		}
	}
}

func TestRolledBackTransactionLeavesNoRows(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	serviceID := uuid.NewString()
	boom := errors.New("boom")
	err := st.WithinTx(ctx, []string{store.ServiceKey(serviceID)}, func(tx store.Tx) error {
		n, err := tx.NextQueueNumber(ctx, serviceID, "2026-03-02")
		if err != nil {
			return err
		}
		entry := newEntry(serviceID)
		entry.QueueNumber = n
		if _, err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&count); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no entries, got %d", count)
	}
}

func TestEntryLifecycleAndChain(t *testing.T) {
	ctx := context.Background()
	var delivered []store.Transition
	st, _, cleanup := setupTestStore(t, ctx, func(rows []store.Transition) {
		delivered = append(delivered, rows...)
	})
	t.Cleanup(cleanup)

	serviceID := uuid.NewString()
	stationID := uuid.NewString()
	entry := newEntry(serviceID)

	err := st.WithinTx(ctx, []string{store.ServiceKey(serviceID)}, func(tx store.Tx) error {
		n, err := tx.NextQueueNumber(ctx, serviceID, entry.QueueDate)
		if err != nil {
			return err
		}
		entry.QueueNumber = n
		inserted, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		row, err := store.NewTransition(uuid.NewString(), inserted, store.EventCheckIn, "", "desk", "", inserted.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.AppendTransition(ctx, row)
		return err
	})
	if err != nil {
		t.Fatalf("check in: %v", err)
	}

	keys := []string{store.ServiceKey(serviceID), store.StationKey(stationID)}
	err = st.WithinTx(ctx, keys, func(tx store.Tx) error {
		current, err := tx.GetEntry(ctx, entry.EntryID)
		if err != nil {
			return err
		}
		calledAt := time.Now().UTC()
		current.Status = models.StatusInProgress
		current.StationID = &stationID
		current.CalledAt = &calledAt
		current.StatusChangedAt = calledAt
		updated, err := tx.UpdateEntry(ctx, current)
		if err != nil {
			return err
		}
		if err := tx.SetStationAssignment(ctx, stationID, updated.EntryID, calledAt); err != nil {
			return err
		}
		row, err := store.NewTransition(uuid.NewString(), updated, store.EventCall, models.StatusWaiting, "doc", "", calledAt)
		if err != nil {
			return err
		}
		_, err = tx.AppendTransition(ctx, row)
		return err
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	stored, err := st.GetEntry(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if stored.Status != models.StatusInProgress || stored.Station() != stationID || stored.Version != 2 {
		t.Fatalf("unexpected entry state: %+v", stored)
	}
	assignment, err := st.GetStationAssignment(ctx, stationID)
	if err != nil || assignment.EntryID != entry.EntryID {
		t.Fatalf("station not assigned: %+v, %v", assignment, err)
	}

	rows, err := st.ListTransitions(ctx, store.TransitionFilter{EntryID: entry.EntryID})
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(rows))
	}
	if err := store.VerifyChain(rows); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if len(delivered) != 2 || delivered[1].Seq != rows[1].Seq {
		t.Fatalf("commit hook saw %d rows", len(delivered))
	}
}

func TestStaleVersionIsContention(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	entry := newEntry(uuid.NewString())
	if err := st.WithinTx(ctx, nil, func(tx store.Tx) error {
		_, err := tx.InsertEntry(ctx, entry)
		return err
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale := entry
	stale.Version = 7
	err := st.WithinTx(ctx, nil, func(tx store.Tx) error {
		_, err := tx.UpdateEntry(ctx, stale)
		return err
	})
	if !errors.Is(err, store.ErrContention) {
		t.Fatalf("expected contention, got %v", err)
	}
}

func TestDuplicateActiveEntryRejected(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	first := newEntry(uuid.NewString())
	second := first
	second.EntryID = uuid.NewString()

	err := st.WithinTx(ctx, nil, func(tx store.Tx) error {
		if _, err := tx.InsertEntry(ctx, first); err != nil {
			return err
		}
		_, err := tx.InsertEntry(ctx, second)
		return err
	})
	if !errors.Is(err, store.ErrDuplicateEntry) {
		t.Fatalf("expected duplicate entry, got %v", err)
	}
}

func TestActionRequestIdempotency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	requestID := uuid.NewString()
	for i := 0; i < 2; i++ {
		if err := st.WithinTx(ctx, nil, func(tx store.Tx) error {
			return tx.SaveRequest(ctx, "cancel_appointment", requestID, "")
		}); err != nil {
			t.Fatalf("save request: %v", err)
		}
	}
	err := st.WithinTx(ctx, nil, func(tx store.Tx) error {
		_, found, err := tx.FindRequest(ctx, "cancel_appointment", requestID)
		if err != nil {
			return err
		}
		if !found {
			t.Fatalf("expected request to be recorded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("find request: %v", err)
	}
}

type numberResult struct {
	number int
	err    error
}

func newEntry(serviceID string) models.QueueEntry {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return models.QueueEntry{
		EntryID:         uuid.NewString(),
		PatientID:       uuid.NewString(),
		ServiceID:       serviceID,
		Priority:        models.PriorityNormal,
		QueueDate:       now.Format("2006-01-02"),
		Status:          models.StatusWaiting,
		CreatedAt:       now,
		CheckedInAt:     &now,
		StatusChangedAt: now,
		CreatedBy:       "desk",
		LastUpdatedBy:   "desk",
	}
}

func setupTestStore(t *testing.T, ctx context.Context, hooks ...store.CommitHook) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if _, err := NewMigrator(pool).Up(ctx); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	options := Options{LockTimeout: 2 * time.Second}
	if len(hooks) > 0 {
		options.CommitHook = hooks[0]
	}
	st := NewStore(pool, options)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}
