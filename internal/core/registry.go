package core

import (
	"github.com/sirupsen/logrus"

	"example.com/terrarium/services/habitat/internal/infrastructure"
)

// ServiceConfig carries the dependencies for the service registry.
type ServiceConfig struct {
	Store          DataStore
	Cache          *infrastructure.Cache
	Sink           AlertSink
	Archiver       AlertArchiver
	Journal        FailureJournal
	Trend          TrendAnalyzer
	Publisher      CommandPublisher
	Logger         *logrus.Logger
	PipelineWorker int
	QueueSize      int
}

// ServiceRegistry holds the wired pipeline components.
type ServiceRegistry struct {
	Alerts       *AlertService
	Devices      *DeviceStateService
	Commands     *CommandService
	Telemetry    *TelemetryService
	Orchestrator *Orchestrator
}

// NewServiceRegistry wires the pipeline bottom-up: fan-out first, then the
// device registry, command tracker and telemetry pipeline, finally the
// orchestrator on top.
func NewServiceRegistry(cfg ServiceConfig) *ServiceRegistry {
	locks := NewDeviceLocks()
	trend := cfg.Trend
	if trend == nil {
		trend = NewMovingAverageTrend()
	}

	alerts := NewAlertService(cfg.Store, cfg.Sink, cfg.Archiver, cfg.Logger)
	devices := NewDeviceStateService(cfg.Store, cfg.Cache, alerts, locks, cfg.Logger)
	commands := NewCommandService(cfg.Store, cfg.Publisher, locks, cfg.Logger, cfg.QueueSize)
	telemetry := NewTelemetryService(cfg.Store, alerts, trend, cfg.Journal, cfg.Logger, cfg.PipelineWorker, cfg.QueueSize)

	return &ServiceRegistry{
		Alerts:       alerts,
		Devices:      devices,
		Commands:     commands,
		Telemetry:    telemetry,
		Orchestrator: NewOrchestrator(devices, commands, telemetry, cfg.Logger),
	}
}

// Stop shuts down the asynchronous components.
func (r *ServiceRegistry) Stop() {
	r.Telemetry.Stop()
	r.Commands.Stop()
}
