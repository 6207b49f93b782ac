// services/dispenser/internal/core/repository.go
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DataStore defines the data access operations the services depend on.
type DataStore interface {
	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id uint) (*User, error)
	ListPatientIDsWithMedications(ctx context.Context) ([]uint, error)

	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	GetDeviceByCode(ctx context.Context, code string) (*Device, error)
	GetDeviceByOwner(ctx context.Context, ownerID uint) (*Device, error)
	TouchHeartbeat(ctx context.Context, code string, at time.Time) error
	MarkSyncDone(ctx context.Context, code string, at time.Time) error
	MarkOutgoingSync(ctx context.Context, code string, at time.Time) error
	MarkOwnerDirty(ctx context.Context, ownerID uint) (int64, error)
	SetDeviceLanguage(ctx context.Context, ownerID uint, language string) error

	// Device state operations
	UpsertDeviceState(ctx context.Context, state *DeviceState) error
	GetDeviceState(ctx context.Context, deviceID uint) (*DeviceState, error)
	SaveSyncProgress(ctx context.Context, progress *SyncProgress) error
	GetSyncProgress(ctx context.Context, code string) (*SyncProgress, error)

	// Command operations
	EnqueueCommand(ctx context.Context, cmd *Command) (*Command, bool, error)
	DrainCommands(ctx context.Context, code string) ([]Command, error)
	ListPendingCommands(ctx context.Context, code string) ([]Command, error)

	// Medication operations
	ListMedications(ctx context.Context, patientID uint) ([]Medication, error)
	GetMedication(ctx context.Context, id uint) (*Medication, error)
	GetMedicationByCompartment(ctx context.Context, patientID uint, compartment int) (*Medication, error)
	SaveMedication(ctx context.Context, med *Medication) error
	DeleteMedication(ctx context.Context, id uint) error
	CreateDosage(ctx context.Context, dosage *Dosage) error

	// Log operations
	CreateLogs(ctx context.Context, logs []*Log) error
	FindTakenLog(ctx context.Context, medID, doseID uint, from, to time.Time) (*Log, error)
	CreateMissedLog(ctx context.Context, log *Log) (bool, error)
	ListLogs(ctx context.Context, medIDs []uint, since time.Time) ([]Log, error)

	// Alert operations
	CreateAlert(ctx context.Context, alert *Alert) error
	HasAlert(ctx context.Context, userID uint, title, message string) (bool, error)
	ListAlerts(ctx context.Context, userID uint, unreadOnly bool) ([]Alert, error)
	MarkAlertRead(ctx context.Context, userID, alertID uint) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

// GormStore implements DataStore on PostgreSQL through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open *gorm.DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// WithTransaction runs fn against a store bound to a single transaction.
func (s *GormStore) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewGormStore(tx))
	})
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func (s *GormStore) CreateUser(ctx context.Context, u *User) error {
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *GormStore) GetUser(ctx context.Context, id uint) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err, ErrPatientNotFound)
	}
	return &u, nil
}

func (s *GormStore) ListPatientIDsWithMedications(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&Medication{}).
		Distinct("patient_id").Order("patient_id").Pluck("patient_id", &ids).Error
	return ids, err
}

func (s *GormStore) CreateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *GormStore) GetDeviceByCode(ctx context.Context, code string) (*Device, error) {
	var d Device
	if err := s.db.WithContext(ctx).Where("device_code = ?", code).First(&d).Error; err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return &d, nil
}

func (s *GormStore) GetDeviceByOwner(ctx context.Context, ownerID uint) (*Device, error) {
	var d Device
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").First(&d).Error; err != nil {
		return nil, notFound(err, ErrNoDevice)
	}
	return &d, nil
}

func (s *GormStore) updateDevice(ctx context.Context, code string, values map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&Device{}).Where("device_code = ?", code).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *GormStore) TouchHeartbeat(ctx context.Context, code string, at time.Time) error {
	return s.updateDevice(ctx, code, map[string]interface{}{"last_heartbeat": at})
}

func (s *GormStore) MarkSyncDone(ctx context.Context, code string, at time.Time) error {
	return s.updateDevice(ctx, code, map[string]interface{}{
		"data_dirty":         false,
		"last_incoming_sync": at,
	})
}

func (s *GormStore) MarkOutgoingSync(ctx context.Context, code string, at time.Time) error {
	return s.updateDevice(ctx, code, map[string]interface{}{"last_outgoing_sync": at})
}

func (s *GormStore) MarkOwnerDirty(ctx context.Context, ownerID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Device{}).
		Where("owner_id = ?", ownerID).
		Update("data_dirty", true)
	return res.RowsAffected, res.Error
}

func (s *GormStore) SetDeviceLanguage(ctx context.Context, ownerID uint, language string) error {
	res := s.db.WithContext(ctx).Model(&Device{}).
		Where("owner_id = ?", ownerID).
		Updates(map[string]interface{}{"language": language, "data_dirty": true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoDevice
	}
	return nil
}

func (s *GormStore) UpsertDeviceState(ctx context.Context, st *DeviceState) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"files", "storage_used", "storage_total", "updated_at"}),
	}).Create(st).Error
}

func (s *GormStore) GetDeviceState(ctx context.Context, deviceID uint) (*DeviceState, error) {
	var st DeviceState
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&st).Error; err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return &st, nil
}

func (s *GormStore) SaveSyncProgress(ctx context.Context, p *SyncProgress) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(p).Error
}

func (s *GormStore) GetSyncProgress(ctx context.Context, code string) (*SyncProgress, error) {
	var p SyncProgress
	if err := s.db.WithContext(ctx).Where("device_code = ?", code).First(&p).Error; err != nil {
		return nil, notFound(err, ErrDeviceNotFound)
	}
	return &p, nil
}

// EnqueueCommand inserts cmd unless an unprocessed command of the same type
// is already pending for the device. The partial unique index
// idx_pending_command makes the check and the insert a single statement.
// The returned bool reports whether a new row was created.
func (s *GormStore) EnqueueCommand(ctx context.Context, cmd *Command) (*Command, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(cmd)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert command: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return cmd, true, nil
	}

	var existing Command
	err := s.db.WithContext(ctx).
		Where("device_code = ? AND command = ? AND processed = ?", cmd.DeviceCode, cmd.Command, false).
		Order("id").First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("load pending command: %w", err)
	}
	return &existing, false, nil
}

// DrainCommands locks the device's pending rows, flips them to processed and
// returns them in creation order. A concurrent drain for the same device
// blocks on the row locks and then sees nothing pending.
func (s *GormStore) DrainCommands(ctx context.Context, code string) ([]Command, error) {
	var cmds []Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_code = ? AND processed = ?", code, false).
			Order("id").
			Find(&cmds).Error; err != nil {
			return err
		}
		if len(cmds) == 0 {
			return nil
		}

		ids := make([]uint, len(cmds))
		for i := range cmds {
			ids[i] = cmds[i].ID
			cmds[i].Processed = true
		}
		return tx.Model(&Command{}).Where("id IN ?", ids).Update("processed", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("drain commands: %w", err)
	}
	return cmds, nil
}

func (s *GormStore) ListPendingCommands(ctx context.Context, code string) ([]Command, error) {
	var cmds []Command
	err := s.db.WithContext(ctx).
		Where("device_code = ? AND processed = ?", code, false).
		Order("id").Find(&cmds).Error
	return cmds, err
}

func orderDosages(db *gorm.DB) *gorm.DB {
	return db.Order("start_minute").Order("id")
}

func (s *GormStore) ListMedications(ctx context.Context, patientID uint) ([]Medication, error) {
	var meds []Medication
	err := s.db.WithContext(ctx).
		Preload("Dosages", orderDosages).
		Where("patient_id = ?", patientID).
		Order("compartment").
		Find(&meds).Error
	return meds, err
}

func (s *GormStore) GetMedication(ctx context.Context, id uint) (*Medication, error) {
	var m Medication
	if err := s.db.WithContext(ctx).Preload("Dosages", orderDosages).First(&m, id).Error; err != nil {
		return nil, notFound(err, ErrMedicationNotFound)
	}
	return &m, nil
}

func (s *GormStore) GetMedicationByCompartment(ctx context.Context, patientID uint, compartment int) (*Medication, error) {
	var m Medication
	err := s.db.WithContext(ctx).
		Preload("Dosages", orderDosages).
		Where("patient_id = ? AND compartment = ?", patientID, compartment).
		First(&m).Error
	if err != nil {
		return nil, notFound(err, ErrMedicationNotFound)
	}
	return &m, nil
}

// SaveMedication creates or updates m and brings its dosages in line with
// m.Dosages: rows with a known ID are updated in place, rows with ID 0 are
// inserted and any other row of the medication is deleted. Callers run it
// inside WithTransaction so the medication and its dosages commit together.
func (s *GormStore) SaveMedication(ctx context.Context, m *Medication) error {
	db := s.db.WithContext(ctx)
	dosages := m.Dosages
	m.Dosages = nil

	if m.ID == 0 {
		for i := range dosages {
			dosages[i].ID = 0
		}
		if err := db.Create(m).Error; err != nil {
			return fmt.Errorf("create medication: %w", err)
		}
	} else {
		if err := db.Save(m).Error; err != nil {
			return fmt.Errorf("update medication: %w", err)
		}
		var keep []uint
		for _, d := range dosages {
			if d.ID != 0 {
				keep = append(keep, d.ID)
			}
		}
		stale := db.Where("medication_id = ?", m.ID)
		if len(keep) > 0 {
			stale = stale.Where("id NOT IN ?", keep)
		}
		if err := stale.Delete(&Dosage{}).Error; err != nil {
			return fmt.Errorf("clear dosages: %w", err)
		}
	}

	for i := range dosages {
		d := &dosages[i]
		d.MedicationID = m.ID
		if d.ID == 0 {
			if err := db.Create(d).Error; err != nil {
				return fmt.Errorf("create dosage: %w", err)
			}
			continue
		}
		err := db.Model(&Dosage{}).Where("id = ? AND medication_id = ?", d.ID, m.ID).
			Updates(map[string]interface{}{
				"start_minute": d.Start,
				"end_minute":   d.End,
				"food_status":  d.FoodStatus,
				"remark":       d.Remark,
			}).Error
		if err != nil {
			return fmt.Errorf("update dosage %d: %w", d.ID, err)
		}
	}
	m.Dosages = dosages
	return nil
}

func (s *GormStore) DeleteMedication(ctx context.Context, id uint) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("medication_id = ?", id).Delete(&Dosage{}).Error; err != nil {
		return err
	}
	res := db.Delete(&Medication{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMedicationNotFound
	}
	return nil
}

func (s *GormStore) CreateDosage(ctx context.Context, d *Dosage) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *GormStore) CreateLogs(ctx context.Context, logs []*Log) error {
	if len(logs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(logs, 100).Error
}

// FindTakenLog returns the first intake for (medID, doseID) inside
// [from, to], or nil when there is none.
func (s *GormStore) FindTakenLog(ctx context.Context, medID, doseID uint, from, to time.Time) (*Log, error) {
	var logs []Log
	err := s.db.WithContext(ctx).
		Where("med_id = ? AND dose_id = ?", medID, doseID).
		Where("status IN ?", []string{LogStatusTaken, LogStatusTakenLate}).
		Where("taken_time BETWEEN ? AND ?", from, to).
		Order("taken_time").Limit(1).
		Find(&logs).Error
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	return &logs[0], nil
}

// CreateMissedLog records a missed dose unless one already exists for the
// same dose and window end. The partial unique index idx_missed_log turns a
// concurrent duplicate into a no-op. The returned bool reports whether a
// row was inserted.
func (s *GormStore) CreateMissedLog(ctx context.Context, l *Log) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(l)
	if res.Error != nil {
		return false, fmt.Errorf("insert missed log: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) ListLogs(ctx context.Context, medIDs []uint, since time.Time) ([]Log, error) {
	var logs []Log
	if len(medIDs) == 0 {
		return logs, nil
	}
	err := s.db.WithContext(ctx).
		Where("med_id IN ? AND taken_time >= ?", medIDs, since).
		Order("taken_time").
		Find(&logs).Error
	return logs, err
}

func (s *GormStore) CreateAlert(ctx context.Context, a *Alert) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) HasAlert(ctx context.Context, userID uint, title, message string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Alert{}).
		Where("user_id = ? AND title = ? AND message = ?", userID, title, message).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) ListAlerts(ctx context.Context, userID uint, unreadOnly bool) ([]Alert, error) {
	var alerts []Alert
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	return alerts, q.Order("created_at DESC").Order("id DESC").Find(&alerts).Error
}

func (s *GormStore) MarkAlertRead(ctx context.Context, userID, alertID uint) error {
	res := s.db.WithContext(ctx).Model(&Alert{}).
		Where("id = ? AND user_id = ?", alertID, userID).
		Update("read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}
