package core

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DataStore defines the persistence boundary for the pipeline. The core
// never touches gorm directly outside this file.
type DataStore interface {
	// Device operations
	SaveDevice(ctx context.Context, device *Device) error
	GetDeviceByUID(ctx context.Context, uid string) (*Device, error)
	ListDevices(ctx context.Context, zone string) ([]*Device, error)

	// Command operations
	SaveCommand(ctx context.Context, command *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListUnfinishedCommands(ctx context.Context, before time.Time) ([]*Command, error)

	// Analytics operations
	SaveAnalytics(ctx context.Context, record *AnalyticsRecord) error
	GetRecentAnalytics(ctx context.Context, deviceUID string, limit int) ([]*AnalyticsRecord, error)

	// Alert operations
	SaveAlert(ctx context.Context, alert *Alert) error
	ListAlerts(ctx context.Context, deviceUID string, limit int) ([]*Alert, error)

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore wraps a gorm connection in the DataStore interface.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (s *dataStore) WithTransaction(ctx context.Context, fn func(c context.Context, ds DataStore) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewDataStore(tx))
	})
}

func (s *dataStore) SaveDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Save(d).Error
}

func (s *dataStore) GetDeviceByUID(ctx context.Context, uid string) (*Device, error) {
	var d Device
	err := s.db.WithContext(ctx).Where("device_uid = ?", uid).First(&d).Error
	return &d, err
}

func (s *dataStore) ListDevices(ctx context.Context, zone string) ([]*Device, error) {
	var devices []*Device
	q := s.db.WithContext(ctx)
	if zone != "" {
		q = q.Where("zone = ?", zone)
	}
	return devices, q.Order("device_uid").Find(&devices).Error
}

func (s *dataStore) SaveCommand(ctx context.Context, c *Command) error {
	return s.db.WithContext(ctx).Save(c).Error
}

func (s *dataStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	var c Command
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	return &c, err
}

func (s *dataStore) ListUnfinishedCommands(ctx context.Context, before time.Time) ([]*Command, error) {
	var commands []*Command
	err := s.db.WithContext(ctx).
		Where("status IN ?", []CommandStatus{CommandPending, CommandInProgress}).
		Where("expires_at IS NOT NULL AND expires_at < ?", before).
		Find(&commands).Error
	return commands, err
}

func (s *dataStore) SaveAnalytics(ctx context.Context, r *AnalyticsRecord) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *dataStore) GetRecentAnalytics(ctx context.Context, deviceUID string, limit int) ([]*AnalyticsRecord, error) {
	var records []*AnalyticsRecord
	q := s.db.WithContext(ctx).Where("device_uid = ?", deviceUID).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return records, q.Find(&records).Error
}

func (s *dataStore) SaveAlert(ctx context.Context, a *Alert) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *dataStore) ListAlerts(ctx context.Context, deviceUID string, limit int) ([]*Alert, error) {
	var alerts []*Alert
	q := s.db.WithContext(ctx).Order("timestamp DESC")
	if deviceUID != "" {
		q = q.Where("device_uid = ?", deviceUID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return alerts, q.Find(&alerts).Error
}
