// services/habitat/internal/core/devices.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/terrarium/services/habitat/internal/infrastructure"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeviceStateService maintains the last known operational state of every
// habitat device, merged from inbound status and error reports.
type DeviceStateService struct {
	store  DataStore
	cache  *infrastructure.Cache
	alerts *AlertService
	locks  *DeviceLocks
	logger *logrus.Logger
}

func NewDeviceStateService(store DataStore, cache *infrastructure.Cache, alerts *AlertService, locks *DeviceLocks, logger *logrus.Logger) *DeviceStateService {
	return &DeviceStateService{
		store:  store,
		cache:  cache,
		alerts: alerts,
		locks:  locks,
		logger: logger,
	}
}

// OnStatusReport merges a partial status update into the device record,
// creating the record on first contact. Fields absent from the report are
// left untouched; overlapping fields apply in arrival order.
func (s *DeviceStateService) OnStatusReport(ctx context.Context, deviceUID string, report StatusReport) error {
	unlock := s.locks.Lock(deviceUID)
	defer unlock()

	device, err := s.loadOrCreate(ctx, deviceUID)
	if err != nil {
		return err
	}

	mergeStatus(device, report)
	device.LastUpdate = time.Now()

	if err := s.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}

	s.cacheDevice(ctx, device)
	s.logger.WithFields(logrus.Fields{
		"device_uid": deviceUID,
		"status":     device.Status,
	}).Debug("Device status merged")

	return nil
}

// OnErrorReport appends the error to the device's error list and forces
// the operational status to ERROR. Critical device errors raise an
// emergency alert, everything else a health alert.
func (s *DeviceStateService) OnErrorReport(ctx context.Context, deviceUID string, devErr DeviceError) error {
	unlock := s.locks.Lock(deviceUID)
	defer unlock()

	device, err := s.loadOrCreate(ctx, deviceUID)
	if err != nil {
		return err
	}

	if devErr.ID == "" {
		devErr.ID = uuid.New().String()
	}
	if devErr.Timestamp.IsZero() {
		devErr.Timestamp = time.Now()
	}

	device.Errors = append(device.Errors, devErr)
	device.Status = StatusError
	device.LastUpdate = time.Now()

	if err := s.store.SaveDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device error: %w", err)
	}

	s.cacheDevice(ctx, device)
	s.logger.WithFields(logrus.Fields{
		"device_uid": deviceUID,
		"error_code": devErr.Code,
		"severity":   devErr.Severity,
	}).Warn("Device reported an error")

	if s.alerts != nil {
		alertType := AlertHealth
		if devErr.Severity == SeverityCritical {
			alertType = AlertEmergency
		}
		s.alerts.Publish(ctx, &Alert{
			Type:      alertType,
			DeviceUID: deviceUID,
			Severity:  devErr.Severity,
			Message:   fmt.Sprintf("device error %s: %s", devErr.Code, devErr.Message),
			Timestamp: devErr.Timestamp,
		})
	}

	return nil
}

// Get returns the current device state, preferring the cache snapshot.
func (s *DeviceStateService) Get(ctx context.Context, deviceUID string) (*Device, error) {
	if cached := s.getCachedDevice(ctx, deviceUID); cached != nil {
		return cached, nil
	}

	device, err := s.store.GetDeviceByUID(ctx, deviceUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	s.cacheDevice(ctx, device)
	return device, nil
}

// List returns all known devices, optionally filtered by zone.
func (s *DeviceStateService) List(ctx context.Context, zone string) ([]*Device, error) {
	return s.store.ListDevices(ctx, zone)
}

func (s *DeviceStateService) loadOrCreate(ctx context.Context, deviceUID string) (*Device, error) {
	device, err := s.store.GetDeviceByUID(ctx, deviceUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Unseen devices start OFFLINE until a report flips them.
			return &Device{
				DeviceUID: deviceUID,
				Status:    StatusOffline,
				Active:    true,
			}, nil
		}
		return nil, err
	}
	return device, nil
}

// mergeStatus applies last-writer-wins per provided field. A report that
// carries no explicit status marks an OFFLINE device ONLINE, since the
// device is evidently talking to us.
func mergeStatus(device *Device, report StatusReport) {
	if report.Type != nil {
		device.Type = *report.Type
	}
	if report.Status != nil {
		device.Status = *report.Status
	} else if device.Status == StatusOffline {
		device.Status = StatusOnline
	}
	if report.Zone != nil {
		device.Zone = *report.Zone
	}
	if report.FirmwareVersion != nil {
		device.FirmwareVersion = *report.FirmwareVersion
	}
	if report.UptimeSeconds != nil {
		device.UptimeSeconds = *report.UptimeSeconds
	}
	if report.Values != nil {
		mergeValues(&device.Values, report.Values)
	}
	if report.CameraActive != nil {
		device.CameraActive = *report.CameraActive
	}
	if report.NightVisionActive != nil {
		device.NightVisionActive = *report.NightVisionActive
	}
	if report.Recording != nil {
		device.Recording = *report.Recording
	}
	if report.Resolution != nil {
		device.Resolution = *report.Resolution
	}
	if report.FPS != nil {
		device.FPS = *report.FPS
	}
}

func mergeValues(dst *DeviceValues, src *DeviceValues) {
	if src.Temperature != nil {
		dst.Temperature = src.Temperature
	}
	if src.Humidity != nil {
		dst.Humidity = src.Humidity
	}
	if src.LightLevel != nil {
		dst.LightLevel = src.LightLevel
	}
	if src.FanSpeed != nil {
		dst.FanSpeed = src.FanSpeed
	}
	if src.MistingLevel != nil {
		dst.MistingLevel = src.MistingLevel
	}
}

func (s *DeviceStateService) cacheDevice(ctx context.Context, device *Device) {
	if s.cache == nil {
		return
	}
	data, _ := json.Marshal(device)
	s.cache.Set(ctx, fmt.Sprintf("device:%s", device.DeviceUID), string(data), 24*time.Hour)
}

func (s *DeviceStateService) getCachedDevice(ctx context.Context, uid string) *Device {
	if s.cache == nil {
		return nil
	}

	data, err := s.cache.Get(ctx, fmt.Sprintf("device:%s", uid))
	if err != nil {
		return nil
	}

	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil
	}
	return &device
}
