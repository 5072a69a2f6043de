package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStore is an in-memory DataStore for tests.
type memStore struct {
	mu            sync.Mutex
	devices       map[string]*Device
	commands      map[string]*Command
	analytics     []*AnalyticsRecord
	alerts        []*Alert
	failAnalytics bool
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[string]*Device),
		commands: make(map[string]*Command),
	}
}

func (s *memStore) SaveDevice(ctx context.Context, d *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.devices[d.DeviceUID] = &cp
	return nil
}

func (s *memStore) GetDeviceByUID(ctx context.Context, uid string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[uid]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) ListDevices(ctx context.Context, zone string) ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Device
	for _, d := range s.devices {
		if zone == "" || d.Zone == zone {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) SaveCommand(ctx context.Context, c *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.commands[c.ID] = &cp
	return nil
}

func (s *memStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListUnfinishedCommands(ctx context.Context, before time.Time) ([]*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Command
	for _, c := range s.commands {
		if c.Status.IsTerminal() || c.ExpiresAt == nil || !c.ExpiresAt.Before(before) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) SaveAnalytics(ctx context.Context, r *AnalyticsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAnalytics {
		return errors.New("analytics write refused")
	}
	cp := *r
	s.analytics = append(s.analytics, &cp)
	return nil
}

func (s *memStore) GetRecentAnalytics(ctx context.Context, deviceUID string, limit int) ([]*AnalyticsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AnalyticsRecord
	for i := len(s.analytics) - 1; i >= 0 && len(out) < limit; i-- {
		if s.analytics[i].DeviceUID == deviceUID {
			cp := *s.analytics[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) SaveAlert(ctx context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *memStore) ListAlerts(ctx context.Context, deviceUID string, limit int) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Alert
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if deviceUID == "" || s.alerts[i].DeviceUID == deviceUID {
			cp := *s.alerts[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	return fn(ctx, s)
}

func (s *memStore) analyticsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.analytics)
}

// countingPublisher records command publishes and signals each one.
type countingPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
	signal    chan struct{}
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{signal: make(chan struct{}, 16)}
}

func (p *countingPublisher) PublishCommand(ctx context.Context, deviceUID string, payload []byte) error {
	p.mu.Lock()
	err := p.err
	if err == nil {
		p.published = append(p.published, deviceUID)
	}
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
	return err
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// waitForPublish blocks until one publish happened or the timeout passed.
func (p *countingPublisher) waitForPublish(timeout time.Duration) bool {
	select {
	case <-p.signal:
		return true
	case <-time.After(timeout):
		return false
	}
}

// recordingSink records alert pushes per connection.
type recordingSink struct {
	mu     sync.Mutex
	pushes map[string][]*Alert
	fail   map[string]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		pushes: make(map[string][]*Alert),
		fail:   make(map[string]bool),
	}
}

func (s *recordingSink) Push(connectionID string, alert *Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[connectionID] {
		return false
	}
	s.pushes[connectionID] = append(s.pushes[connectionID], alert)
	return true
}

func (s *recordingSink) received(connectionID string) []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Alert(nil), s.pushes[connectionID]...)
}

// recordingJournal records journaled payloads.
type recordingJournal struct {
	mu      sync.Mutex
	entries []interface{}
}

func (j *recordingJournal) Write(data interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, data)
	return nil
}

func (j *recordingJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// fixedTrend always reports the configured risk.
type fixedTrend struct {
	risk Severity
}

func (t fixedTrend) Analyze(window []*AnalyticsRecord) (Severity, *TrendInsight) {
	return t.risk, &TrendInsight{RiskLevel: t.risk}
}
