// services/habitat/cmd/sweep.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/terrarium/services/habitat/internal/core"
	"example.com/terrarium/services/habitat/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sweepDryRun      bool
	sweepSkipJournal bool
	sweepSkipExpiry  bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Replay journaled analytics and expire overdue commands",
	Long: `Replays analytics records from the failure journal into the database and
fails commands whose expiry passed while the service was down. Useful for
recovering from database outages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep()
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Show what would be done without writing")
	sweepCmd.Flags().BoolVar(&sweepSkipJournal, "skip-journal", false, "Skip journal replay")
	sweepCmd.Flags().BoolVar(&sweepSkipExpiry, "skip-expiry", false, "Skip command expiry")
}

func runSweep() error {
	logger.Info("Starting sweep...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	store := core.NewDataStore(db.DB)
	ctx := context.Background()

	if !sweepSkipJournal {
		if err := replayJournal(ctx, store); err != nil {
			return err
		}
	}

	if !sweepSkipExpiry {
		if err := expireStoredCommands(ctx, store); err != nil {
			return err
		}
	}

	logger.Info("Sweep completed")
	return nil
}

// replayJournal writes every journaled analytics record back to the
// database, truncating the journal once everything landed.
func replayJournal(ctx context.Context, store core.DataStore) error {
	journal, err := infrastructure.NewJournal(cfg.Storage.JournalPath)
	if err != nil {
		return fmt.Errorf("journal open failed: %w", err)
	}
	defer journal.Close()

	entries, err := journal.ReadAll()
	if err != nil {
		return fmt.Errorf("journal read failed: %w", err)
	}

	logger.Infof("Found %d journaled records", len(entries))
	if sweepDryRun {
		logger.Info("DRY RUN: No records will be written")
		return nil
	}

	replayed, failed := 0, 0
	for _, entry := range entries {
		record, err := decodeAnalyticsRecord(entry)
		if err != nil {
			logger.WithError(err).Warn("Skipping undecodable journal entry")
			failed++
			continue
		}

		if err := store.SaveAnalytics(ctx, record); err != nil {
			logger.WithError(err).WithField("record_id", record.ID).
				Error("Failed to replay analytics record")
			failed++
			continue
		}
		replayed++
	}

	logger.WithFields(logrus.Fields{
		"replayed": replayed,
		"failed":   failed,
	}).Info("Journal replay finished")

	if failed == 0 && replayed > 0 {
		if err := journal.Truncate(); err != nil {
			return fmt.Errorf("journal truncate failed: %w", err)
		}
		logger.Info("Journal truncated")
	}

	return nil
}

// expireStoredCommands fails every persisted PENDING or IN_PROGRESS
// command whose expiry has passed.
func expireStoredCommands(ctx context.Context, store core.DataStore) error {
	now := time.Now()

	overdue, err := store.ListUnfinishedCommands(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list unfinished commands: %w", err)
	}

	logger.Infof("Found %d overdue commands", len(overdue))
	if sweepDryRun {
		logger.Info("DRY RUN: No commands will be expired")
		return nil
	}

	expired := 0
	for _, cmd := range overdue {
		cmd.Status = core.CommandFailed
		cmd.ErrorMessage = core.ErrCommandExpired.Error()
		cmd.CompletedAt = &now

		if err := store.SaveCommand(ctx, cmd); err != nil {
			logger.WithError(err).WithField("command_id", cmd.ID).
				Error("Failed to expire command")
			continue
		}
		expired++
	}

	logger.Infof("Expired %d commands", expired)
	return nil
}

// decodeAnalyticsRecord converts a journal entry payload back into a
// typed record. Entries round-trip through JSON, so the payload arrives
// as a generic map.
func decodeAnalyticsRecord(entry interface{}) (*core.AnalyticsRecord, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	var record core.AnalyticsRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	if record.ID == "" || record.DeviceUID == "" {
		return nil, fmt.Errorf("entry is not an analytics record")
	}
	return &record, nil
}
