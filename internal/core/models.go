// services/habitat/internal/core/models.go
package core

import (
	"encoding/json"
	"time"
)

// DeviceType identifies the kind of environmental-control device.
type DeviceType string

const (
	DeviceTypeTemperature DeviceType = "temperature_controller"
	DeviceTypeHumidity    DeviceType = "humidity_controller"
	DeviceTypeLighting    DeviceType = "lighting_system"
	DeviceTypeVentilation DeviceType = "ventilation_system"
	DeviceTypeMisting     DeviceType = "misting_system"
)

// DeviceStatus is the operational status reported by a device.
type DeviceStatus string

const (
	StatusOnline      DeviceStatus = "ONLINE"
	StatusOffline     DeviceStatus = "OFFLINE"
	StatusError       DeviceStatus = "ERROR"
	StatusMaintenance DeviceStatus = "MAINTENANCE"
)

// Severity grades anomalies, alerts and device errors.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityScore is the weight used when aggregating anomalies into an
// overall alert level.
var severityScore = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// DeviceValues holds the type-dependent numeric readings a device reports.
// Nil fields were not reported and are left untouched on merge.
type DeviceValues struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	Humidity     *float64 `json:"humidity,omitempty"`
	LightLevel   *float64 `json:"light_level,omitempty"`
	FanSpeed     *float64 `json:"fan_speed,omitempty"`
	MistingLevel *float64 `json:"misting_level,omitempty"`
}

// DeviceError is one entry in a device's error list, newest last.
type DeviceError struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// Device is the last known state of a habitat device. Created on first
// status report, never deleted, only marked inactive.
type Device struct {
	ID                uint          `json:"id" gorm:"primaryKey"`
	DeviceUID         string        `json:"device_uid" gorm:"uniqueIndex;not null"`
	Type              DeviceType    `json:"type" gorm:"index"`
	Status            DeviceStatus  `json:"status" gorm:"index;not null"`
	Zone              string        `json:"zone" gorm:"index"`
	FirmwareVersion   string        `json:"firmware_version"`
	UptimeSeconds     int64         `json:"uptime_seconds"`
	Values            DeviceValues  `json:"values" gorm:"serializer:json"`
	Errors            []DeviceError `json:"errors" gorm:"serializer:json"`
	CameraActive      bool          `json:"camera_active"`
	NightVisionActive bool          `json:"night_vision_active"`
	Recording         bool          `json:"recording"`
	Resolution        string        `json:"resolution"`
	FPS               int           `json:"fps"`
	Active            bool          `json:"active" gorm:"default:true"`
	LastUpdate        time.Time     `json:"last_update"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// StatusReport is a partial device status update received over the
// transport. Nil fields are absent from the merge.
type StatusReport struct {
	Type              *DeviceType   `json:"type,omitempty"`
	Status            *DeviceStatus `json:"status,omitempty"`
	Zone              *string       `json:"zone,omitempty"`
	FirmwareVersion   *string       `json:"firmware_version,omitempty"`
	UptimeSeconds     *int64        `json:"uptime_seconds,omitempty"`
	Values            *DeviceValues `json:"values,omitempty"`
	CameraActive      *bool         `json:"camera_active,omitempty"`
	NightVisionActive *bool         `json:"night_vision_active,omitempty"`
	Recording         *bool         `json:"recording,omitempty"`
	Resolution        *string       `json:"resolution,omitempty"`
	FPS               *int          `json:"fps,omitempty"`
}

// CommandType enumerates the device command variants.
type CommandType string

const (
	CommandSetTemperature    CommandType = "set_temperature"
	CommandSetHumidity       CommandType = "set_humidity"
	CommandAdjustLighting    CommandType = "adjust_lighting"
	CommandActivateMisting   CommandType = "activate_misting"
	CommandToggleVentilation CommandType = "toggle_ventilation"
	CommandEmergencyShutdown CommandType = "emergency_shutdown"
	CommandSetCamera         CommandType = "set_camera"
	CommandSetNightVision    CommandType = "set_night_vision"
	CommandStartRecording    CommandType = "start_recording"
	CommandStopRecording     CommandType = "stop_recording"
	CommandAdjustFocus       CommandType = "adjust_focus"
)

// CommandPriority orders outbound command dispatch. EMERGENCY and HIGH
// bypass the low-priority dispatch queue.
type CommandPriority string

const (
	PriorityLow       CommandPriority = "LOW"
	PriorityNormal    CommandPriority = "NORMAL"
	PriorityHigh      CommandPriority = "HIGH"
	PriorityEmergency CommandPriority = "EMERGENCY"
)

// CommandStatus is the lifecycle state of an outbound command.
type CommandStatus string

const (
	CommandPending    CommandStatus = "PENDING"
	CommandInProgress CommandStatus = "IN_PROGRESS"
	CommandCompleted  CommandStatus = "COMPLETED"
	CommandFailed     CommandStatus = "FAILED"
	CommandCancelled  CommandStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are accepted.
func (s CommandStatus) IsTerminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandCancelled
}

// CommandParameters is the variant payload of a command; which fields are
// required depends on the command type (see ValidateCommand).
type CommandParameters struct {
	TargetValue *float64 `json:"target_value,omitempty"`
	Duration    *int     `json:"duration,omitempty"`
	Zone        string   `json:"zone,omitempty"`
	Intensity   *float64 `json:"intensity,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Quality     string   `json:"quality,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
	FPS         *int     `json:"fps,omitempty"`
}

// Command is an outbound device command tracked through its lifecycle.
// The ID is globally unique and used for idempotent retry detection.
type Command struct {
	ID           string            `json:"id" gorm:"primaryKey"`
	DeviceUID    string            `json:"device_uid" gorm:"index;not null"`
	Type         CommandType       `json:"type" gorm:"not null"`
	Parameters   CommandParameters `json:"parameters" gorm:"serializer:json"`
	Priority     CommandPriority   `json:"priority" gorm:"index"`
	Status       CommandStatus     `json:"status" gorm:"index;not null"`
	Result       json.RawMessage   `json:"result,omitempty" gorm:"type:jsonb"`
	ErrorMessage string            `json:"error_message,omitempty"`
	IssuedAt     time.Time         `json:"issued_at"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// CommandOutcome is the device's answer on the command result topic.
type CommandOutcome struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"` // "ack", "completed" or "failed"
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// BehaviorMetrics are normalized [0,1] behavior scores from vision analysis.
type BehaviorMetrics struct {
	AggressionLevel   float64 `json:"aggression_level"`
	HydrophobiaScore  float64 `json:"hydrophobia_score"`
	CoordinationScore float64 `json:"coordination_score"`
}

// EnvironmentParameters are raw habitat environment readings.
type EnvironmentParameters struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	LightLevel  float64 `json:"light_level"`
	AirQuality  float64 `json:"air_quality"`
}

// Reading is one timestamped telemetry sample from a device. Either the
// behavior metrics or the environment parameters must be present.
type Reading struct {
	DeviceUID   string                 `json:"device_uid"`
	Timestamp   time.Time              `json:"timestamp"`
	Behavior    *BehaviorMetrics       `json:"behavior,omitempty"`
	Environment *EnvironmentParameters `json:"environment,omitempty"`
	Metadata    map[string]string      `json:"metadata,omitempty"`
}

// Anomaly is a single threshold violation derived from a reading.
type Anomaly struct {
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
}

// AnalyticsRecord combines a reading with its derived anomalies and
// aggregate alert level. Append-only.
type AnalyticsRecord struct {
	ID          string                 `json:"id" gorm:"primaryKey"`
	DeviceUID   string                 `json:"device_uid" gorm:"index;not null"`
	Timestamp   time.Time              `json:"timestamp" gorm:"index;not null"`
	Behavior    *BehaviorMetrics       `json:"behavior,omitempty" gorm:"serializer:json"`
	Environment *EnvironmentParameters `json:"environment,omitempty" gorm:"serializer:json"`
	Anomalies   []Anomaly              `json:"anomalies" gorm:"serializer:json"`
	AlertLevel  Severity               `json:"alert_level" gorm:"index"`
	CreatedAt   time.Time              `json:"created_at"`
}

// AlertType enumerates notification-worthy event kinds.
type AlertType string

const (
	AlertEmergency          AlertType = "EMERGENCY"
	AlertParameter          AlertType = "PARAMETER_ALERT"
	AlertBehaviorPrediction AlertType = "BEHAVIOR_PREDICTION"
	AlertBehaviorRisk       AlertType = "BEHAVIOR_RISK"
	AlertHealth             AlertType = "HEALTH_ALERT"
	AlertVision             AlertType = "VISION_ALERT"
	AlertSymptomDetected    AlertType = "SYMPTOM_DETECTED"
)

// TrendInsight is the structured result of a trend analysis step.
type TrendInsight struct {
	RiskLevel Severity          `json:"risk_level"`
	Trends    map[string]string `json:"trends,omitempty"`
}

// Alert is a routed notification derived from anomalies, device errors or
// trend analysis. Persisted for audit, consumed by the fan-out.
type Alert struct {
	ID        string        `json:"id" gorm:"primaryKey"`
	Type      AlertType     `json:"type" gorm:"index;not null"`
	DeviceUID string        `json:"device_uid,omitempty" gorm:"index"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message,omitempty"`
	Anomalies []Anomaly     `json:"anomalies,omitempty" gorm:"serializer:json"`
	Insight   *TrendInsight `json:"insight,omitempty" gorm:"serializer:json"`
	Timestamp time.Time     `json:"timestamp" gorm:"index"`
	CreatedAt time.Time     `json:"created_at"`
}

// TableName overrides for GORM
func (Device) TableName() string          { return "devices" }
func (Command) TableName() string         { return "device_commands" }
func (AnalyticsRecord) TableName() string { return "analytics_records" }
func (Alert) TableName() string           { return "alerts" }
