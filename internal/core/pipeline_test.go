package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestTelemetryService(store DataStore, sink AlertSink, trend TrendAnalyzer, journal FailureJournal) (*TelemetryService, *AlertService) {
	alerts := NewAlertService(store, sink, nil, testLogger())
	svc := NewTelemetryService(store, alerts, trend, journal, testLogger(), 1, 16)
	return svc, alerts
}

func behaviorReading(uid string, aggression, hydrophobia, coordination float64) *Reading {
	return &Reading{
		DeviceUID: uid,
		Timestamp: time.Now(),
		Behavior: &BehaviorMetrics{
			AggressionLevel:   aggression,
			HydrophobiaScore:  hydrophobia,
			CoordinationScore: coordination,
		},
	}
}

func TestProcessPersistsAndAlerts(t *testing.T) {
	store := newMemStore()
	sink := newRecordingSink()
	svc, alerts := newTestTelemetryService(store, sink, nil, nil)
	defer svc.Stop()
	ctx := context.Background()

	alerts.Subscribe("keeper", "conn-1", Interest{DeviceUIDs: []string{"unit-1"}})

	record := svc.Process(ctx, behaviorReading("unit-1", 0.8, 0.1, 0.9))

	// A single HIGH anomaly scores 3, bucketing to MEDIUM.
	if record.AlertLevel != SeverityMedium {
		t.Fatalf("expected MEDIUM alert level, got %s", record.AlertLevel)
	}
	if store.analyticsCount() != 1 {
		t.Fatalf("expected 1 persisted record, got %d", store.analyticsCount())
	}

	received := sink.received("conn-1")
	if len(received) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(received))
	}
	if received[0].Type != AlertSymptomDetected {
		t.Fatalf("expected SYMPTOM_DETECTED, got %s", received[0].Type)
	}
	if len(received[0].Anomalies) != 1 || received[0].Anomalies[0].Type != AnomalyHighAggression {
		t.Fatalf("unexpected anomalies: %+v", received[0].Anomalies)
	}
}

func TestProcessCleanReadingRaisesNoAlert(t *testing.T) {
	store := newMemStore()
	sink := newRecordingSink()
	svc, alerts := newTestTelemetryService(store, sink, nil, nil)
	defer svc.Stop()

	alerts.Subscribe("keeper", "conn-1", Interest{DeviceUIDs: []string{"unit-1"}})

	svc.Process(context.Background(), behaviorReading("unit-1", 0.2, 0.1, 0.9))

	if store.analyticsCount() != 1 {
		t.Fatal("clean reading was not persisted")
	}
	if got := sink.received("conn-1"); len(got) != 0 {
		t.Fatalf("clean reading raised %d alerts", len(got))
	}
}

func TestPersistenceFailureStillAlertsAndJournals(t *testing.T) {
	store := newMemStore()
	store.failAnalytics = true
	sink := newRecordingSink()
	journal := &recordingJournal{}
	svc, alerts := newTestTelemetryService(store, sink, nil, journal)
	defer svc.Stop()

	alerts.Subscribe("keeper", "conn-1", Interest{DeviceUIDs: []string{"unit-1"}})

	svc.Process(context.Background(), behaviorReading("unit-1", 0.9, 0.7, 0.2))

	if got := sink.received("conn-1"); len(got) != 1 {
		t.Fatalf("persistence failure silenced alerting: got %d alerts", len(got))
	}
	if journal.count() != 1 {
		t.Fatalf("expected 1 journaled record, got %d", journal.count())
	}
}

func TestHighTrendRiskRaisesBehaviorRiskAlert(t *testing.T) {
	store := newMemStore()
	sink := newRecordingSink()
	svc, alerts := newTestTelemetryService(store, sink, fixedTrend{risk: SeverityHigh}, nil)
	defer svc.Stop()

	alerts.Subscribe("keeper", "conn-1", Interest{DeviceUIDs: []string{"unit-1"}})

	svc.Process(context.Background(), behaviorReading("unit-1", 0.2, 0.1, 0.9))

	received := sink.received("conn-1")
	if len(received) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(received))
	}
	if received[0].Type != AlertBehaviorRisk {
		t.Fatalf("expected BEHAVIOR_RISK, got %s", received[0].Type)
	}
	if received[0].Insight == nil || received[0].Insight.RiskLevel != SeverityHigh {
		t.Fatalf("insight missing from risk alert: %+v", received[0].Insight)
	}
}

func TestLowTrendRiskRaisesNothing(t *testing.T) {
	store := newMemStore()
	sink := newRecordingSink()
	svc, alerts := newTestTelemetryService(store, sink, fixedTrend{risk: SeverityLow}, nil)
	defer svc.Stop()

	alerts.Subscribe("keeper", "conn-1", Interest{DeviceUIDs: []string{"unit-1"}})

	svc.Process(context.Background(), behaviorReading("unit-1", 0.2, 0.1, 0.9))

	if got := sink.received("conn-1"); len(got) != 0 {
		t.Fatalf("low trend risk raised %d alerts", len(got))
	}
}

// capturingTrend records how many records each Analyze call received.
type capturingTrend struct {
	mu      sync.Mutex
	lastLen int
}

func (c *capturingTrend) Analyze(window []*AnalyticsRecord) (Severity, *TrendInsight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLen = len(window)
	return SeverityLow, nil
}

func (c *capturingTrend) windowLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLen
}

func TestTrendWindowWarmsFromStore(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// History persisted by a previous run of the service.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		if err := store.SaveAnalytics(ctx, &AnalyticsRecord{
			ID:        fmt.Sprintf("hist-%d", i),
			DeviceUID: "unit-1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("failed to seed history: %v", err)
		}
	}

	trend := &capturingTrend{}
	svc, _ := newTestTelemetryService(store, newRecordingSink(), trend, nil)
	defer svc.Stop()

	svc.Process(ctx, behaviorReading("unit-1", 0.1, 0.1, 0.9))

	// Five warmed records plus the one just processed, no duplicate of the
	// fresh record from the store.
	if got := trend.windowLen(); got != 6 {
		t.Fatalf("expected trend window of 6 after restart, got %d", got)
	}
}

func TestWindowIsBounded(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestTelemetryService(store, newRecordingSink(), nil, nil)
	defer svc.Stop()
	ctx := context.Background()

	for i := 0; i < trailingWindowSize+20; i++ {
		svc.Process(ctx, behaviorReading("unit-1", 0.1, 0.1, 0.9))
	}

	window := svc.Window(ctx, "unit-1")
	if len(window) != trailingWindowSize {
		t.Fatalf("expected window of %d, got %d", trailingWindowSize, len(window))
	}
}

func TestWindowIsNewestFirst(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestTelemetryService(store, newRecordingSink(), nil, nil)
	defer svc.Stop()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		reading := behaviorReading("unit-1", 0.1, 0.1, 0.9)
		reading.Timestamp = base.Add(time.Duration(i) * time.Second)
		svc.Process(ctx, reading)
	}

	window := svc.Window(ctx, "unit-1")
	if len(window) != 3 {
		t.Fatalf("expected 3 records, got %d", len(window))
	}
	if !window[0].Timestamp.After(window[2].Timestamp) {
		t.Fatal("window is not newest first")
	}
}

func TestIngestValidation(t *testing.T) {
	svc, _ := newTestTelemetryService(newMemStore(), newRecordingSink(), nil, nil)
	defer svc.Stop()
	ctx := context.Background()

	if err := svc.Ingest(ctx, "", behaviorReading("", 0.1, 0.1, 0.9)); !IsValidation(err) {
		t.Fatalf("expected validation error for empty device, got %v", err)
	}
	if err := svc.Ingest(ctx, "unit-1", &Reading{}); !errors.Is(err, ErrEmptyReading) {
		t.Fatalf("expected ErrEmptyReading, got %v", err)
	}
}

func TestIngestQueueFull(t *testing.T) {
	store := newMemStore()
	alerts := NewAlertService(store, newRecordingSink(), nil, testLogger())
	svc := NewTelemetryService(store, alerts, nil, nil, testLogger(), 1, 2)
	// Stop the workers so nothing drains the queue.
	svc.Stop()

	ctx := context.Background()
	var sawFull bool
	for i := 0; i < 4; i++ {
		if err := svc.Ingest(ctx, "unit-1", behaviorReading("unit-1", 0.1, 0.1, 0.9)); err != nil {
			if !errors.Is(err, ErrTelemetryQueueFull) {
				t.Fatalf("unexpected ingest error: %v", err)
			}
			sawFull = true
		}
	}
	if !sawFull {
		t.Fatal("queue never reported full")
	}
}

func TestStatsCountProcessing(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestTelemetryService(store, newRecordingSink(), nil, nil)
	defer svc.Stop()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.Process(ctx, behaviorReading(fmt.Sprintf("unit-%d", i), 0.1, 0.1, 0.9))
	}

	stats := svc.Stats()
	if stats["processed"].(uint64) != 5 {
		t.Fatalf("expected 5 processed, got %v", stats["processed"])
	}
}
