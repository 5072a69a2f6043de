// services/habitat/internal/core/orchestrator.go
package core

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"
)

// Topic suffixes the orchestrator routes on. Topics look like
// <prefix>/<deviceUID>/<suffix>.
const (
	TopicStatus    = "status"
	TopicError     = "error"
	TopicTelemetry = "telemetry"
	TopicResult    = "result"
	TopicCommand   = "command"
)

// Orchestrator wires the transport to the pipeline components and exposes
// the command- and telemetry-submission entry points used by external
// collaborators. It owns no business logic beyond routing and topic
// parsing; malformed input is logged and dropped.
type Orchestrator struct {
	devices   *DeviceStateService
	commands  *CommandService
	telemetry *TelemetryService
	logger    *logrus.Logger
}

func NewOrchestrator(devices *DeviceStateService, commands *CommandService, telemetry *TelemetryService, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		devices:   devices,
		commands:  commands,
		telemetry: telemetry,
		logger:    logger,
	}
}

// Dispatch routes one inbound transport message by its topic suffix.
// Intended to be registered as the transport message handler. A non-nil
// return only signals component errors; malformed topics and payloads
// return nil after logging.
func (o *Orchestrator) Dispatch(ctx context.Context, topic string, payload []byte) error {
	deviceUID, suffix, ok := parseTopic(topic)
	if !ok {
		o.logger.WithField("topic", topic).Warn("Dropping message with malformed topic")
		return nil
	}

	switch suffix {
	case TopicStatus:
		var report StatusReport
		if err := json.Unmarshal(payload, &report); err != nil {
			o.dropPayload(topic, err)
			return nil
		}
		return o.devices.OnStatusReport(ctx, deviceUID, report)

	case TopicError:
		var devErr DeviceError
		if err := json.Unmarshal(payload, &devErr); err != nil {
			o.dropPayload(topic, err)
			return nil
		}
		return o.devices.OnErrorReport(ctx, deviceUID, devErr)

	case TopicTelemetry:
		var reading Reading
		if err := json.Unmarshal(payload, &reading); err != nil {
			o.dropPayload(topic, err)
			return nil
		}
		return o.telemetry.Ingest(ctx, deviceUID, &reading)

	case TopicResult:
		var outcome CommandOutcome
		if err := json.Unmarshal(payload, &outcome); err != nil {
			o.dropPayload(topic, err)
			return nil
		}
		if outcome.Status == "ack" {
			o.commands.OnTransportAck(ctx, outcome.CommandID)
		} else {
			o.commands.OnTransportResult(ctx, outcome.CommandID, outcome)
		}
		return nil

	default:
		o.logger.WithFields(logrus.Fields{
			"topic":  topic,
			"suffix": suffix,
		}).Warn("Dropping message with unknown topic suffix")
		return nil
	}
}

// SubmitCommand is the command-submission entry point for external
// collaborators (API layer, scheduling services).
func (o *Orchestrator) SubmitCommand(ctx context.Context, cmd *Command) (*Command, error) {
	return o.commands.Submit(ctx, cmd)
}

// IngestTelemetry is the telemetry-submission entry point.
func (o *Orchestrator) IngestTelemetry(ctx context.Context, deviceUID string, reading *Reading) error {
	return o.telemetry.Ingest(ctx, deviceUID, reading)
}

// GetDeviceStatus returns the last known device state.
func (o *Orchestrator) GetDeviceStatus(ctx context.Context, deviceUID string) (*Device, error) {
	return o.devices.Get(ctx, deviceUID)
}

func (o *Orchestrator) dropPayload(topic string, err error) {
	o.logger.WithError(err).WithField("topic", topic).
		Warn("Dropping message with malformed payload")
}

// parseTopic extracts the device UID and message type from a topic of the
// form <prefix>/<deviceUID>/<suffix>; the prefix may span several
// segments.
func parseTopic(topic string) (deviceUID, suffix string, ok bool) {
	segments := strings.Split(topic, "/")
	if len(segments) < 3 {
		return "", "", false
	}

	deviceUID = segments[len(segments)-2]
	suffix = segments[len(segments)-1]
	if deviceUID == "" || suffix == "" {
		return "", "", false
	}
	return deviceUID, suffix, true
}
