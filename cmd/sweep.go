package cmd

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/dispenser/internal/core"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sweepPatient  uint
	sweepLookback time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the dose compliance sweep once",
	Long: `Judges every dosage window that closed within the lookback period, records
missed doses and raises late or missed alerts. Safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().UintVarP(&sweepPatient, "patient", "p", 0, "Only sweep this patient")
	sweepCmd.Flags().DurationVarP(&sweepLookback, "lookback", "l", 0, "How far back to judge windows (default from config)")
}

func runSweep(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer rt.Close()

	var results []*core.SweepResult
	if sweepPatient != 0 {
		res, err := rt.services.Compliance.Sweep(ctx, sweepPatient, sweepLookback)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		results = append(results, res)
	} else {
		results, err = rt.services.Compliance.SweepAll(ctx, sweepLookback)
		if err != nil {
			logger.WithError(err).Warn("Some patients could not be swept")
		}
	}

	for _, r := range results {
		logger.WithFields(logrus.Fields{
			"patient_id":     r.PatientID,
			"checked":        r.Checked,
			"taken":          r.Taken,
			"late":           r.Late,
			"missed":         r.Missed,
			"already_judged": r.AlreadyJudged,
			"alerts_created": r.AlertsCreated,
		}).Info("Patient swept")
	}
	logger.WithField("patients", len(results)).Info("Compliance sweep completed")
	return err
}
