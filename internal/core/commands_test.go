package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCommandService(t *testing.T, store DataStore, publisher CommandPublisher) *CommandService {
	t.Helper()
	s := NewCommandService(store, publisher, NewDeviceLocks(), testLogger(), 16)
	t.Cleanup(s.Stop)
	return s
}

func target(v float64) *float64 { return &v }

func TestSubmitPublishesOnce(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)

	cmd, err := svc.Submit(context.Background(), &Command{
		DeviceUID:  "unit-1",
		Type:       CommandSetTemperature,
		Parameters: CommandParameters{TargetValue: target(24)},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if cmd.Status != CommandPending {
		t.Fatalf("expected PENDING, got %s", cmd.Status)
	}
	if cmd.ID == "" {
		t.Fatal("expected generated command ID")
	}

	if !publisher.waitForPublish(time.Second) {
		t.Fatal("command was not published")
	}
	if publisher.count() != 1 {
		t.Fatalf("expected 1 publish, got %d", publisher.count())
	}
}

func TestSubmitDuplicateIDIsNoOp(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)

	first, err := svc.Submit(context.Background(), &Command{
		ID:         "cmd-dup",
		DeviceUID:  "unit-1",
		Type:       CommandSetHumidity,
		Parameters: CommandParameters{TargetValue: target(80)},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !publisher.waitForPublish(time.Second) {
		t.Fatal("first submit was not published")
	}

	second, err := svc.Submit(context.Background(), &Command{
		ID:         "cmd-dup",
		DeviceUID:  "unit-1",
		Type:       CommandSetHumidity,
		Parameters: CommandParameters{TargetValue: target(80)},
	})
	if err != nil {
		t.Fatalf("duplicate submit errored: %v", err)
	}
	if second.Status != first.Status {
		t.Fatalf("duplicate returned status %s, want %s", second.Status, first.Status)
	}

	if publisher.waitForPublish(100 * time.Millisecond) {
		t.Fatal("duplicate submission triggered a second publish")
	}
}

func TestCommandLifecycle(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)
	ctx := context.Background()

	cmd, err := svc.Submit(ctx, &Command{
		ID:        "cmd-life",
		DeviceUID: "unit-1",
		Type:      CommandStartRecording,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	svc.OnTransportAck(ctx, cmd.ID)
	got, err := svc.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != CommandInProgress {
		t.Fatalf("expected IN_PROGRESS after ack, got %s", got.Status)
	}
	if got.ExecutedAt == nil {
		t.Fatal("expected ExecutedAt to be set")
	}

	svc.OnTransportResult(ctx, cmd.ID, CommandOutcome{
		CommandID: cmd.ID,
		Status:    "completed",
		Result:    []byte(`{"recording":true}`),
	})
	got, _ = svc.Get(ctx, cmd.ID)
	if got.Status != CommandCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)
	ctx := context.Background()

	cmd, _ := svc.Submit(ctx, &Command{
		ID:        "cmd-term",
		DeviceUID: "unit-1",
		Type:      CommandStopRecording,
	})

	svc.OnTransportResult(ctx, cmd.ID, CommandOutcome{CommandID: cmd.ID, Status: "completed"})

	// A late failure report must not reopen the command.
	svc.OnTransportResult(ctx, cmd.ID, CommandOutcome{
		CommandID: cmd.ID,
		Status:    "failed",
		Error:     "too late",
	})

	got, _ := svc.Get(ctx, cmd.ID)
	if got.Status != CommandCompleted {
		t.Fatalf("terminal state changed to %s", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("late error leaked into command: %q", got.ErrorMessage)
	}
}

func TestCancelSettledCommandIsNoOp(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)
	ctx := context.Background()

	cmd, _ := svc.Submit(ctx, &Command{
		ID:        "cmd-cancel",
		DeviceUID: "unit-1",
		Type:      CommandEmergencyShutdown,
		Priority:  PriorityEmergency,
	})

	svc.OnTransportResult(ctx, cmd.ID, CommandOutcome{CommandID: cmd.ID, Status: "completed"})

	got, err := svc.Cancel(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("cancel errored: %v", err)
	}
	if got.Status != CommandCompleted {
		t.Fatalf("cancel mutated settled command to %s", got.Status)
	}
}

func TestCancelPendingCommand(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)
	ctx := context.Background()

	cmd, _ := svc.Submit(ctx, &Command{
		ID:        "cmd-pend",
		DeviceUID: "unit-1",
		Type:      CommandToggleVentilation,
	})

	got, err := svc.Cancel(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got.Status != CommandCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestLazyExpiryOnGet(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	cmd, err := svc.Submit(ctx, &Command{
		ID:        "cmd-exp",
		DeviceUID: "unit-1",
		Type:      CommandSetNightVision,
		ExpiresAt: &past,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	got, err := svc.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != CommandFailed {
		t.Fatalf("expected FAILED after expiry, got %s", got.Status)
	}
	if got.ErrorMessage != ErrCommandExpired.Error() {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	svc.Submit(ctx, &Command{ID: "cmd-a", DeviceUID: "unit-1", Type: CommandStartRecording, ExpiresAt: &past})
	svc.Submit(ctx, &Command{ID: "cmd-b", DeviceUID: "unit-2", Type: CommandStartRecording, ExpiresAt: &future})
	svc.Submit(ctx, &Command{ID: "cmd-c", DeviceUID: "unit-3", Type: CommandStartRecording})

	expired := svc.ExpireOverdue(ctx, time.Now())
	if expired != 1 {
		t.Fatalf("expected 1 expired command, got %d", expired)
	}

	got, _ := svc.Get(ctx, "cmd-b")
	if got.Status != CommandPending {
		t.Fatalf("unexpired command changed to %s", got.Status)
	}
}

func TestSubmitSnapshotsUnderPublishFailure(t *testing.T) {
	publisher := newCountingPublisher()
	publisher.err = errors.New("broker down")
	svc := newTestCommandService(t, newMemStore(), publisher)
	ctx := context.Background()

	// Emergency publishes run on their own goroutine and fail the command
	// concurrently with the snapshot handed back to the submitter.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("cmd-race-%d", i)

			cmd, err := svc.Submit(ctx, &Command{
				ID:        id,
				DeviceUID: "unit-1",
				Type:      CommandEmergencyShutdown,
				Priority:  PriorityEmergency,
			})
			if err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
			if cmd.Status != CommandPending && cmd.Status != CommandFailed {
				t.Errorf("torn snapshot from submit: %s", cmd.Status)
			}

			got, err := svc.Get(ctx, id)
			if err != nil {
				t.Errorf("get failed: %v", err)
				return
			}
			if got.Status == CommandFailed && got.ErrorMessage == "" {
				t.Errorf("failed command missing error message")
			}
		}(i)
	}
	wg.Wait()
}

func TestGetUnknownCommand(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)

	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected ErrCommandNotFound, got %v", err)
	}
}

func TestValidateCommandRejections(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
	}{
		{"missing device", Command{Type: CommandStartRecording, Priority: PriorityNormal}},
		{"unknown type", Command{DeviceUID: "u", Type: "defrost", Priority: PriorityNormal}},
		{"unknown priority", Command{DeviceUID: "u", Type: CommandStartRecording, Priority: "URGENT"}},
		{"set_temperature without target", Command{DeviceUID: "u", Type: CommandSetTemperature, Priority: PriorityNormal}},
		{"misting without params", Command{DeviceUID: "u", Type: CommandActivateMisting, Priority: PriorityNormal}},
		{"set_camera without params", Command{DeviceUID: "u", Type: CommandSetCamera, Priority: PriorityNormal}},
	}

	for _, tc := range cases {
		err := ValidateCommand(&tc.cmd)
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !IsValidation(err) {
			t.Fatalf("%s: expected validation rejection, got %v", tc.name, err)
		}
	}
}

func TestSubmitValidationLeavesNoState(t *testing.T) {
	publisher := newCountingPublisher()
	svc := newTestCommandService(t, newMemStore(), publisher)

	_, err := svc.Submit(context.Background(), &Command{
		ID:        "cmd-bad",
		DeviceUID: "unit-1",
		Type:      CommandSetTemperature, // missing target value
	})
	if err == nil {
		t.Fatal("expected validation error")
	}

	if _, err := svc.Get(context.Background(), "cmd-bad"); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("rejected command was tracked: %v", err)
	}
	if publisher.count() != 0 {
		t.Fatal("rejected command was published")
	}
}
