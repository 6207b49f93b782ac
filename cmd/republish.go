// services/dispenser/cmd/republish.go
package cmd

import (
	"context"
	"fmt"

	"example.com/backstage/services/dispenser/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var republishDryRun bool

var republishCmd = &cobra.Command{
	Use:   "republish",
	Short: "Replay alert events parked in the WAL",
	Long: `Republish alert events that could not be delivered to Service Bus.
Delivered events are removed from the WAL; events that keep failing are
dropped after repeated attempts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRepublish(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(republishCmd)

	republishCmd.Flags().BoolVar(&republishDryRun, "dry-run", false, "Show what would be republished without actually sending")
}

func runRepublish(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Info("Starting WAL republish...")

	wal, err := infrastructure.NewWAL(cfg.Storage.WALPath)
	if err != nil {
		return err
	}
	defer wal.Close()

	if republishDryRun {
		entries, err := wal.ReadAll()
		if err != nil {
			return fmt.Errorf("failed to read WAL: %w", err)
		}

		logger.WithFields(logrus.Fields(wal.Stats())).Infof("Found %d parked events", len(entries))
		logger.Info("DRY RUN: No messages will be sent")
		for i, entry := range entries {
			if i >= 10 {
				logger.Infof("... and %d more events", len(entries)-10)
				break
			}
			logger.WithFields(logrus.Fields{
				"entry_id":  entry.ID,
				"topic":     entry.Topic,
				"retries":   entry.Retries,
				"parked_at": entry.Timestamp,
			}).Info("Would republish event")
		}
		return nil
	}

	if cfg.ServiceBus.ConnectionString == "" {
		return fmt.Errorf("service_bus.connection_string is required to republish")
	}
	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		return fmt.Errorf("messaging connection failed: %w", err)
	}
	defer messaging.Close()

	result, err := infrastructure.NewOutbox(messaging, wal, logger).Replay(ctx)
	if err != nil {
		return fmt.Errorf("republish failed: %w", err)
	}

	if result.Dropped > 0 {
		logger.Warnf("Dropped %d events after repeated failures", result.Dropped)
	}
	logger.WithFields(logrus.Fields{
		"published": result.Published,
		"remaining": result.Remaining,
		"dropped":   result.Dropped,
	}).Info("Republish completed")
	return nil
}
