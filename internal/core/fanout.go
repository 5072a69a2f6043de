// services/habitat/internal/core/fanout.go
package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AlertSink delivers an alert to one connection. Delivery is best-effort;
// a false return means the push was dropped for that connection.
type AlertSink interface {
	Push(connectionID string, alert *Alert) bool
}

// AlertArchiver forwards alerts to the external audit boundary.
type AlertArchiver interface {
	Archive(ctx context.Context, alert interface{}) error
}

// Interest describes which alerts a subscriber wants: specific device
// UIDs, or everything for admin-role subscribers.
type Interest struct {
	DeviceUIDs []string
	All        bool
}

type subscription struct {
	connections map[string]struct{}
	devices     map[string]struct{}
	all         bool
}

// AlertService owns the subscriber registry and fans alerts out to every
// live connection of every interested subscriber. Failures are isolated
// per connection.
type AlertService struct {
	store    DataStore
	sink     AlertSink
	archiver AlertArchiver
	logger   *logrus.Logger

	mu   sync.RWMutex
	subs map[string]*subscription
}

func NewAlertService(store DataStore, sink AlertSink, archiver AlertArchiver, logger *logrus.Logger) *AlertService {
	return &AlertService{
		store:    store,
		sink:     sink,
		archiver: archiver,
		logger:   logger,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe adds a live connection for the subscriber. Idempotent; a
// repeated connection ID updates the interest in place.
func (s *AlertService) Subscribe(subscriberID, connectionID string, interest Interest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriberID]
	if !ok {
		sub = &subscription{
			connections: make(map[string]struct{}),
			devices:     make(map[string]struct{}),
		}
		s.subs[subscriberID] = sub
	}

	sub.connections[connectionID] = struct{}{}
	sub.all = sub.all || interest.All
	for _, uid := range interest.DeviceUIDs {
		sub.devices[uid] = struct{}{}
	}

	s.logger.WithFields(logrus.Fields{
		"subscriber_id": subscriberID,
		"connection_id": connectionID,
		"admin":         sub.all,
	}).Debug("Alert subscription added")
}

// Unsubscribe drops the connection; the subscriber entry is pruned once
// its last connection goes away.
func (s *AlertService) Unsubscribe(subscriberID, connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subscriberID]
	if !ok {
		return
	}

	delete(sub.connections, connectionID)
	if len(sub.connections) == 0 {
		delete(s.subs, subscriberID)
	}
}

// Publish resolves the interested subscribers and pushes the alert to
// each of their live connections. EMERGENCY alerts and alerts without a
// device scope go to admin-interest subscribers; device-scoped alerts go
// to subscribers whose interest covers that device. A failed push to one
// connection never blocks the others.
func (s *AlertService) Publish(ctx context.Context, alert *Alert) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	delivered, dropped := 0, 0
	for _, connectionID := range s.resolveConnections(alert) {
		if s.sink.Push(connectionID, alert) {
			delivered++
		} else {
			dropped++
			s.logger.WithFields(logrus.Fields{
				"alert_id":      alert.ID,
				"connection_id": connectionID,
			}).Warn("Alert push dropped for connection")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"type":       alert.Type,
		"device_uid": alert.DeviceUID,
		"severity":   alert.Severity,
		"delivered":  delivered,
		"dropped":    dropped,
	}).Info("Alert published")

	// Audit persistence stays off the delivery path.
	go s.persist(alert)
}

func (s *AlertService) resolveConnections(alert *Alert) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adminOnly := alert.Type == AlertEmergency || alert.DeviceUID == ""

	var connections []string
	for _, sub := range s.subs {
		interested := sub.all
		if !interested && !adminOnly {
			_, interested = sub.devices[alert.DeviceUID]
		}
		if adminOnly && !sub.all {
			interested = false
		}
		if !interested {
			continue
		}
		for connectionID := range sub.connections {
			connections = append(connections, connectionID)
		}
	}
	return connections
}

func (s *AlertService) persist(alert *Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.store != nil {
		if err := s.store.SaveAlert(ctx, alert); err != nil {
			s.logger.WithError(err).WithField("alert_id", alert.ID).
				Error("Failed to persist alert")
		}
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, alert); err != nil {
			s.logger.WithError(err).WithField("alert_id", alert.ID).
				Warn("Failed to archive alert")
		}
	}
}
