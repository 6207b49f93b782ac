// services/dispenser/cmd/migrate.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/dispenser/internal/core"
	"example.com/backstage/services/dispenser/internal/infrastructure"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	migrateSeed       bool
	migrateSeedDevice string
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies the schema for all portal tables. With --seed a demo patient and device are created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "Insert a demo patient and device")
	migrateCmd.Flags().StringVar(&migrateSeedDevice, "seed-device", "DEMO-0001", "Device code for the seeded device")
}

func runMigrations() error {
	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Storage.Driver)
	}

	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	for _, model := range core.Models() {
		if err := db.Migrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	if migrateSeed {
		if err := insertDemoData(db); err != nil {
			logger.WithError(err).Warn("Failed to insert demo data")
		}
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertDemoData(db *infrastructure.Database) error {
	ctx := context.Background()

	var patient core.User
	err := db.DB.Where("username = ?", "demo").First(&patient).Error
	switch {
	case err == nil:
		logger.WithField("patient_id", patient.ID).Info("Demo patient already present")
		return nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	store := core.NewGormStore(db.DB)
	patient = core.User{Name: "Demo Patient", Username: "demo", Role: core.RolePatient}
	if err := store.CreateUser(ctx, &patient); err != nil {
		return fmt.Errorf("failed to create demo patient: %w", err)
	}

	registry := core.NewDeviceRegistry(store, nil, core.NewCommandQueue(store, logger), logger, cfg.Device, 0, time.Now)
	if err := registry.Register(ctx, &core.Device{DeviceCode: migrateSeedDevice, OwnerID: &patient.ID}); err != nil {
		return fmt.Errorf("failed to create demo device: %w", err)
	}

	logger.WithField("patient_id", patient.ID).
		WithField("device_code", migrateSeedDevice).
		Info("Created demo patient and device")
	return nil
}
