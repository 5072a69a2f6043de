// services/habitat/internal/core/commands.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CommandPublisher hands a serialized command to the transport layer for
// at-least-once delivery on the device's command topic.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceUID string, payload []byte) error
}

// CommandService owns the outbound command state machine:
// PENDING -> IN_PROGRESS -> {COMPLETED, FAILED}, with CANCELLED and
// expiry-FAILED reachable from any non-terminal state. Terminal states are
// immutable; late transport events are logged and dropped.
type CommandService struct {
	store     DataStore
	publisher CommandPublisher
	locks     *DeviceLocks
	logger    *logrus.Logger

	mu       sync.RWMutex
	commands map[string]*Command

	queue    chan *Command
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

func NewCommandService(store DataStore, publisher CommandPublisher, locks *DeviceLocks, logger *logrus.Logger, queueSize int) *CommandService {
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &CommandService{
		store:     store,
		publisher: publisher,
		locks:     locks,
		logger:    logger,
		commands:  make(map[string]*Command),
		queue:     make(chan *Command, queueSize),
		shutdown:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.dispatchLoop()

	return s
}

// Stop drains the dispatcher. Pending queue entries are abandoned; they
// are not resent across restarts.
func (s *CommandService) Stop() {
	s.stopOnce.Do(func() { close(s.shutdown) })
	s.wg.Wait()
}

// Submit validates the command, records it as PENDING and hands it to the
// transport for publish. It returns without waiting for delivery
// confirmation. Resubmitting a known command ID is a no-op returning the
// existing state with no second publish.
func (s *CommandService) Submit(ctx context.Context, cmd *Command) (*Command, error) {
	if cmd.Priority == "" {
		cmd.Priority = PriorityNormal
	}
	if err := ValidateCommand(cmd); err != nil {
		return nil, err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	s.mu.Lock()
	if existing, ok := s.commands[cmd.ID]; ok {
		s.mu.Unlock()
		s.logger.WithField("command_id", cmd.ID).Debug("Duplicate command submission ignored")
		return s.snapshot(existing), nil
	}
	cmd.Status = CommandPending
	cmd.IssuedAt = time.Now()
	s.commands[cmd.ID] = cmd
	s.mu.Unlock()

	if err := s.store.SaveCommand(ctx, cmd); err != nil {
		// Command stays tracked in memory only; acceptable degradation.
		s.logger.WithError(err).WithField("command_id", cmd.ID).
			Warn("Failed to persist pending command")
	}

	if err := s.dispatch(ctx, cmd); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"device_uid": cmd.DeviceUID,
		"type":       cmd.Type,
		"priority":   cmd.Priority,
	}).Info("Command submitted")

	return s.snapshot(cmd), nil
}

// dispatch routes the publish by priority: EMERGENCY and HIGH go straight
// to the transport, LOW and NORMAL through the bounded dispatch queue.
func (s *CommandService) dispatch(ctx context.Context, cmd *Command) error {
	if cmd.Priority == PriorityEmergency || cmd.Priority == PriorityHigh {
		go s.publish(cmd)
		return nil
	}

	select {
	case s.queue <- cmd:
		return nil
	default:
		s.failCommand(ctx, cmd.ID, ErrDispatchQueueFull.Error())
		return ErrDispatchQueueFull
	}
}

func (s *CommandService) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case cmd := <-s.queue:
			s.publish(cmd)
		}
	}
}

func (s *CommandService) publish(cmd *Command) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		s.failCommand(context.Background(), cmd.ID, fmt.Sprintf("marshal failed: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.publisher.PublishCommand(ctx, cmd.DeviceUID, payload); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"command_id": cmd.ID,
			"device_uid": cmd.DeviceUID,
		}).Error("Failed to publish command")
		s.failCommand(context.Background(), cmd.ID, fmt.Sprintf("transport publish failed: %v", err))
	}
}

// OnTransportAck marks a PENDING command as IN_PROGRESS. Unknown or
// terminal commands are logged and dropped.
func (s *CommandService) OnTransportAck(ctx context.Context, commandID string) {
	s.transition(ctx, commandID, func(cmd *Command) bool {
		if cmd.Status != CommandPending {
			return false
		}
		now := time.Now()
		cmd.Status = CommandInProgress
		cmd.ExecutedAt = &now
		return true
	})
}

// OnTransportResult completes or fails a command from its transport
// outcome. Unknown or terminal commands are logged and dropped.
func (s *CommandService) OnTransportResult(ctx context.Context, commandID string, outcome CommandOutcome) {
	s.transition(ctx, commandID, func(cmd *Command) bool {
		if cmd.Status.IsTerminal() {
			return false
		}
		now := time.Now()
		cmd.CompletedAt = &now
		if outcome.Status == "failed" || outcome.Error != "" {
			cmd.Status = CommandFailed
			cmd.ErrorMessage = outcome.Error
		} else {
			cmd.Status = CommandCompleted
			cmd.Result = outcome.Result
		}
		return true
	})
}

// Cancel aborts a command that has not reached a terminal state yet.
// Cancelling a finished command is a no-op, not an error.
func (s *CommandService) Cancel(ctx context.Context, commandID string) (*Command, error) {
	cmd := s.lookup(commandID)
	if cmd == nil {
		return nil, ErrCommandNotFound
	}

	s.transition(ctx, commandID, func(c *Command) bool {
		if c.Status.IsTerminal() {
			return false
		}
		now := time.Now()
		c.Status = CommandCancelled
		c.CompletedAt = &now
		return true
	})

	return s.Get(ctx, commandID)
}

// Get returns the command state, applying lazy expiry: a command past its
// expiry timestamp while still PENDING or IN_PROGRESS fails with a
// timeout.
func (s *CommandService) Get(ctx context.Context, commandID string) (*Command, error) {
	cmd := s.lookup(commandID)
	if cmd == nil {
		stored, err := s.store.GetCommand(ctx, commandID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrCommandNotFound
			}
			return nil, err
		}
		s.mu.Lock()
		s.commands[stored.ID] = stored
		s.mu.Unlock()
		cmd = stored
	}

	s.expireIfOverdue(ctx, cmd.ID, time.Now())

	cmd = s.lookup(cmd.ID)
	return s.snapshot(cmd), nil
}

// ExpireOverdue sweeps every tracked command whose expiry has passed.
// Returns the number of commands failed by the sweep.
func (s *CommandService) ExpireOverdue(ctx context.Context, now time.Time) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.commands))
	for id := range s.commands {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	expired := 0
	for _, id := range ids {
		if s.expireIfOverdue(ctx, id, now) {
			expired++
		}
	}
	return expired
}

// SetTemperature submits a NORMAL priority set-temperature command.
func (s *CommandService) SetTemperature(ctx context.Context, deviceUID string, target float64) (*Command, error) {
	return s.Submit(ctx, &Command{
		DeviceUID:  deviceUID,
		Type:       CommandSetTemperature,
		Parameters: CommandParameters{TargetValue: &target},
		Priority:   PriorityNormal,
	})
}

// SetHumidity submits a NORMAL priority set-humidity command.
func (s *CommandService) SetHumidity(ctx context.Context, deviceUID string, target float64) (*Command, error) {
	return s.Submit(ctx, &Command{
		DeviceUID:  deviceUID,
		Type:       CommandSetHumidity,
		Parameters: CommandParameters{TargetValue: &target},
		Priority:   PriorityNormal,
	})
}

// EmergencyShutdown submits an EMERGENCY shutdown that bypasses the
// dispatch queue.
func (s *CommandService) EmergencyShutdown(ctx context.Context, deviceUID string) (*Command, error) {
	return s.Submit(ctx, &Command{
		DeviceUID: deviceUID,
		Type:      CommandEmergencyShutdown,
		Priority:  PriorityEmergency,
	})
}

func (s *CommandService) lookup(commandID string) *Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commands[commandID]
}

// snapshot clones the command under its device lock. Transitions mutate
// tracked commands under the same lock, so an unguarded clone could hand
// the caller a torn copy.
func (s *CommandService) snapshot(cmd *Command) *Command {
	unlock := s.locks.Lock(cmd.DeviceUID)
	defer unlock()
	return cmd.clone()
}

// transition applies fn under the target device's lock so command
// transitions serialize with registry merges for the same device. A false
// return from fn means the event was dropped.
func (s *CommandService) transition(ctx context.Context, commandID string, fn func(*Command) bool) {
	cmd := s.lookup(commandID)
	if cmd == nil {
		s.logger.WithField("command_id", commandID).
			Warn("Transport event for unknown command dropped")
		return
	}

	unlock := s.locks.Lock(cmd.DeviceUID)
	applied := fn(cmd)
	status := cmd.Status
	var snapshot *Command
	if applied {
		snapshot = cmd.clone()
	}
	unlock()

	if !applied {
		s.logger.WithFields(logrus.Fields{
			"command_id": commandID,
			"status":     status,
		}).Debug("Event for settled command dropped")
		return
	}

	if err := s.store.SaveCommand(ctx, snapshot); err != nil {
		s.logger.WithError(err).WithField("command_id", commandID).
			Warn("Failed to persist command transition")
	}

	s.logger.WithFields(logrus.Fields{
		"command_id": commandID,
		"status":     snapshot.Status,
	}).Info("Command transitioned")
}

func (s *CommandService) expireIfOverdue(ctx context.Context, commandID string, now time.Time) bool {
	cmd := s.lookup(commandID)
	if cmd == nil || cmd.ExpiresAt == nil || now.Before(*cmd.ExpiresAt) {
		return false
	}

	expired := false
	s.transition(ctx, commandID, func(c *Command) bool {
		if c.Status.IsTerminal() {
			return false
		}
		c.Status = CommandFailed
		c.ErrorMessage = ErrCommandExpired.Error()
		c.CompletedAt = &now
		expired = true
		return true
	})
	return expired
}

func (s *CommandService) failCommand(ctx context.Context, commandID, reason string) {
	s.transition(ctx, commandID, func(c *Command) bool {
		if c.Status.IsTerminal() {
			return false
		}
		now := time.Now()
		c.Status = CommandFailed
		c.ErrorMessage = reason
		c.CompletedAt = &now
		return true
	})
}

func (c *Command) clone() *Command {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// ValidateCommand checks that the parameters are consistent with the
// command type before any state change.
func ValidateCommand(cmd *Command) error {
	if cmd.DeviceUID == "" {
		return NewValidationError("device_uid is required")
	}

	switch cmd.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityEmergency:
	default:
		return NewValidationError(fmt.Sprintf("unknown priority %q", cmd.Priority))
	}

	switch cmd.Type {
	case CommandSetTemperature, CommandSetHumidity, CommandAdjustLighting, CommandAdjustFocus:
		if cmd.Parameters.TargetValue == nil {
			return NewValidationError(fmt.Sprintf("%s requires a target value", cmd.Type))
		}
	case CommandActivateMisting:
		if cmd.Parameters.Duration == nil && cmd.Parameters.Intensity == nil {
			return NewValidationError("activate_misting requires a duration or intensity")
		}
	case CommandToggleVentilation:
		// Mode is optional; the device toggles when none is given.
	case CommandSetCamera:
		if cmd.Parameters.Resolution == "" && cmd.Parameters.Quality == "" && cmd.Parameters.FPS == nil {
			return NewValidationError("set_camera requires resolution, quality or fps")
		}
	case CommandSetNightVision, CommandStartRecording, CommandStopRecording, CommandEmergencyShutdown:
		// No required parameters.
	default:
		return NewValidationError(fmt.Sprintf("unknown command type %q", cmd.Type))
	}

	if cmd.ExpiresAt != nil && !cmd.ExpiresAt.After(cmd.IssuedAt) && !cmd.IssuedAt.IsZero() {
		return NewValidationError("expiry must be after issue time")
	}

	return nil
}
