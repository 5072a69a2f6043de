// services/habitat/internal/core/pipeline.go
package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// trailingWindowSize bounds the per-device history handed to the trend
// analyzer, most recent first.
const trailingWindowSize = 100

// TrendAnalyzer consumes the trailing analytics window of a device and
// derives a risk level plus a structured insight. The concrete algorithm
// is pluggable.
type TrendAnalyzer interface {
	Analyze(window []*AnalyticsRecord) (Severity, *TrendInsight)
}

// FailureJournal keeps analytics records whose persistence failed so a
// later sweep can replay them. Journal errors are logged, never surfaced.
type FailureJournal interface {
	Write(data interface{}) error
}

// TelemetryService ingests readings, classifies them against the
// threshold rules, persists the analytics record and raises alerts.
// Processing is asynchronous behind a bounded queue.
type TelemetryService struct {
	store   DataStore
	alerts  *AlertService
	trend   TrendAnalyzer
	journal FailureJournal
	logger  *logrus.Logger

	queue    chan *Reading
	workers  int
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once

	windowMu sync.Mutex
	windows  map[string][]*AnalyticsRecord

	stats pipelineStats
}

type pipelineStats struct {
	mu        sync.RWMutex
	Processed uint64
	Failed    uint64
}

func NewTelemetryService(store DataStore, alerts *AlertService, trend TrendAnalyzer, journal FailureJournal, logger *logrus.Logger, workers, queueSize int) *TelemetryService {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 4096
	}

	s := &TelemetryService{
		store:    store,
		alerts:   alerts,
		trend:    trend,
		journal:  journal,
		logger:   logger,
		queue:    make(chan *Reading, queueSize),
		workers:  workers,
		shutdown: make(chan struct{}),
		windows:  make(map[string][]*AnalyticsRecord),
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	logger.Infof("Started %d telemetry pipeline workers", workers)

	return s
}

// Stop shuts down the worker pool.
func (s *TelemetryService) Stop() {
	s.stopOnce.Do(func() { close(s.shutdown) })
	s.wg.Wait()
}

// Ingest validates and enqueues one reading. It returns before the
// reading is processed; persistence errors never surface to the caller.
func (s *TelemetryService) Ingest(ctx context.Context, deviceUID string, reading *Reading) error {
	if deviceUID == "" {
		return NewValidationError("device_uid is required")
	}
	if reading == nil || (reading.Behavior == nil && reading.Environment == nil) {
		return ErrEmptyReading
	}

	reading.DeviceUID = deviceUID
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}

	select {
	case s.queue <- reading:
		return nil
	default:
		s.stats.fail()
		return ErrTelemetryQueueFull
	}
}

// Process runs the full pipeline for one reading synchronously. Exposed
// for the workers and for callers that need the resulting record.
func (s *TelemetryService) Process(ctx context.Context, reading *Reading) *AnalyticsRecord {
	// Warm the trailing window from persisted history before this record
	// lands in the store, so a restart does not blind the trend step.
	s.warmWindow(ctx, reading.DeviceUID)

	var anomalies []Anomaly
	level := SeverityLow
	alertType := AlertSymptomDetected

	if reading.Behavior != nil {
		anomalies, level = Classify(*reading.Behavior)
	} else if reading.Environment != nil {
		anomalies, level = CheckEnvironment(*reading.Environment)
		alertType = AlertParameter
	}

	record := &AnalyticsRecord{
		ID:          uuid.New().String(),
		DeviceUID:   reading.DeviceUID,
		Timestamp:   reading.Timestamp,
		Behavior:    reading.Behavior,
		Environment: reading.Environment,
		Anomalies:   anomalies,
		AlertLevel:  level,
	}

	// Persistence failure must not silence safety alerts; journal the
	// record for the sweep and keep going.
	if err := s.store.SaveAnalytics(ctx, record); err != nil {
		s.stats.fail()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_uid": reading.DeviceUID,
			"record_id":  record.ID,
		}).Error("Failed to persist analytics record")
		if s.journal != nil {
			if jerr := s.journal.Write(record); jerr != nil {
				s.logger.WithError(jerr).Warn("Failed to journal analytics record")
			}
		}
	}

	window := s.pushWindow(record)

	if len(anomalies) > 0 {
		s.alerts.Publish(ctx, &Alert{
			Type:      alertType,
			DeviceUID: reading.DeviceUID,
			Severity:  level,
			Anomalies: anomalies,
			Timestamp: reading.Timestamp,
		})
	}

	if s.trend != nil {
		risk, insight := s.trend.Analyze(window)
		if risk == SeverityHigh || risk == SeverityCritical {
			s.alerts.Publish(ctx, &Alert{
				Type:      AlertBehaviorRisk,
				DeviceUID: reading.DeviceUID,
				Severity:  risk,
				Insight:   insight,
				Timestamp: reading.Timestamp,
			})
		}
	}

	s.stats.done()
	return record
}

// Window returns a copy of the trailing analytics window for a device,
// most recent first. The window is warmed from the store on first use.
func (s *TelemetryService) Window(ctx context.Context, deviceUID string) []*AnalyticsRecord {
	s.warmWindow(ctx, deviceUID)

	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	return append([]*AnalyticsRecord(nil), s.windows[deviceUID]...)
}

// warmWindow seeds the in-memory window from the store the first time a
// device is touched.
func (s *TelemetryService) warmWindow(ctx context.Context, deviceUID string) {
	s.windowMu.Lock()
	_, ok := s.windows[deviceUID]
	s.windowMu.Unlock()
	if ok {
		return
	}

	records, err := s.store.GetRecentAnalytics(ctx, deviceUID, trailingWindowSize)
	if err != nil {
		s.logger.WithError(err).WithField("device_uid", deviceUID).
			Warn("Failed to warm analytics window")
		return
	}

	s.windowMu.Lock()
	if _, ok := s.windows[deviceUID]; !ok {
		s.windows[deviceUID] = records
	}
	s.windowMu.Unlock()
}

// Stats reports pipeline counters for the admin surface.
func (s *TelemetryService) Stats() map[string]interface{} {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()

	return map[string]interface{}{
		"processed":      s.stats.Processed,
		"failed":         s.stats.Failed,
		"queue_depth":    len(s.queue),
		"queue_capacity": cap(s.queue),
		"workers":        s.workers,
	}
}

func (s *TelemetryService) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case reading := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.Process(ctx, reading)
			cancel()
		}
	}
}

func (s *TelemetryService) pushWindow(record *AnalyticsRecord) []*AnalyticsRecord {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()

	window := append([]*AnalyticsRecord{record}, s.windows[record.DeviceUID]...)
	if len(window) > trailingWindowSize {
		window = window[:trailingWindowSize]
	}
	s.windows[record.DeviceUID] = window
	return append([]*AnalyticsRecord(nil), window...)
}

func (st *pipelineStats) done() {
	st.mu.Lock()
	st.Processed++
	st.mu.Unlock()
}

func (st *pipelineStats) fail() {
	st.mu.Lock()
	st.Failed++
	st.mu.Unlock()
}
