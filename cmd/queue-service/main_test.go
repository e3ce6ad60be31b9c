package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"clinicqms/queue-service/internal/catalog"
	"clinicqms/queue-service/internal/config"
	"clinicqms/queue-service/internal/queue"
	"clinicqms/queue-service/internal/store/memory"
)

func TestNewLoggerLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			logger := newLogger(&config.Config{LogLevel: tc.level})
			if got := logger.GetLevel(); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSweeperSkipsOverlappingTick(t *testing.T) {
	engine := queue.NewEngine(memory.New(), catalog.NewMemory(catalog.Seed{}), queue.Options{SystemActorID: "system"})
	sw := &sweeper{engine: engine, idle: time.Hour, batch: 10, log: zerolog.Nop()}

	sw.running.Store(true)
	if sw.tick(context.Background()) {
		t.Fatal("expected tick to be skipped while a sweep is running")
	}

	sw.running.Store(false)
	if !sw.tick(context.Background()) {
		t.Fatal("expected tick to run")
	}
	if sw.running.Load() {
		t.Fatal("expected running flag to be cleared")
	}
}

func TestOpenRuntimeInMemory(t *testing.T) {
	cfg := &config.Config{ClinicTimezone: "UTC", EngineMaxRetries: 3, DBLockTimeoutMS: 500, SystemActorID: "system"}
	rt, err := openRuntime(context.Background(), cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.close()
	if rt.pool != nil {
		t.Fatal("expected no database pool without DATABASE_URL")
	}
	if _, ok := rt.store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", rt.store)
	}
}
