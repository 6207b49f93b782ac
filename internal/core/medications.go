// services/dispenser/internal/core/medications.go
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
)

// MedicationInput is a create-or-update request for the medication in one
// compartment.
type MedicationInput struct {
	Name        string        `json:"name" binding:"required"`
	Composition string        `json:"composition"`
	Quantity    int           `json:"quantity"`
	Expiry      string        `json:"expiry"`
	Critical    bool          `json:"critical"`
	Compartment int           `json:"compartment" binding:"required"`
	DoctorID    *uint         `json:"doctor_id"`
	Dosages     []DosageInput `json:"dosages"`
}

// DosageInput is one dosage window. ID names an existing dosage to keep
// when the medication is edited.
type DosageInput struct {
	ID         uint      `json:"id,omitempty"`
	Start      TimeOfDay `json:"start"`
	End        TimeOfDay `json:"end"`
	FoodStatus string    `json:"food_status"`
	Remark     string    `json:"remark"`
}

func (d DosageInput) overlaps(start, end TimeOfDay) bool {
	return d.Start < end && start < d.End
}

// ValidateWindows checks start < end for every window and that no two
// windows overlap. Windows touching at a boundary do not overlap.
func ValidateWindows(windows []DosageInput) error {
	sorted := append([]DosageInput(nil), windows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	for i, w := range sorted {
		if w.Start >= w.End {
			return validationError(CodeInvalidWindow, "dosage window %s-%s must start before it ends", w.Start, w.End)
		}
		if i > 0 && sorted[i-1].End > w.Start {
			return validationError(CodeOverlappingWindow, "dosage windows %s-%s and %s-%s overlap",
				sorted[i-1].Start, sorted[i-1].End, w.Start, w.End)
		}
	}
	return nil
}

// --- Medication Service Implementation ---

type MedicationService struct {
	store  DataStore
	logger *logrus.Logger
	cfg    config.DeviceConfig
}

func NewMedicationService(store DataStore, logger *logrus.Logger, cfg config.DeviceConfig) *MedicationService {
	return &MedicationService{store: store, logger: logger, cfg: cfg}
}

// Patient returns the patient record.
func (s *MedicationService) Patient(ctx context.Context, patientID uint) (*User, error) {
	return s.store.GetUser(ctx, patientID)
}

// List returns the patient's medications ordered by compartment.
func (s *MedicationService) List(ctx context.Context, patientID uint) ([]Medication, error) {
	if _, err := s.store.GetUser(ctx, patientID); err != nil {
		return nil, err
	}
	return s.store.ListMedications(ctx, patientID)
}

func (s *MedicationService) compartments(ctx context.Context, patientID uint) (int, error) {
	device, err := s.store.GetDeviceByOwner(ctx, patientID)
	switch {
	case err == nil && device.TotalCompartments > 0:
		return device.TotalCompartments, nil
	case err == nil, errors.Is(err, ErrNoDevice):
		if s.cfg.TotalCompartments > 0 {
			return s.cfg.TotalCompartments, nil
		}
		return 8, nil
	default:
		return 0, err
	}
}

// reconcileDosages maps the submitted windows onto the existing dosages.
// A window keeps an existing row when it names that row's id or, failing
// that, has the same start and end. Unmatched windows get ID 0 and are
// inserted; existing rows nothing matched are dropped by the store.
func reconcileDosages(existing []Dosage, windows []DosageInput) []Dosage {
	used := make(map[uint]bool, len(existing))
	match := func(w DosageInput) uint {
		if w.ID != 0 {
			for _, d := range existing {
				if d.ID == w.ID && !used[d.ID] {
					return d.ID
				}
			}
		}
		for _, d := range existing {
			if d.Start == w.Start && d.End == w.End && !used[d.ID] {
				return d.ID
			}
		}
		return 0
	}

	out := make([]Dosage, len(windows))
	for i, w := range windows {
		id := match(w)
		if id != 0 {
			used[id] = true
		}
		out[i] = Dosage{ID: id, Start: w.Start, End: w.End, FoodStatus: w.FoodStatus, Remark: w.Remark}
	}
	return out
}

// Save creates or replaces the medication in the input's compartment. Dosages
// that survive the edit keep their ids so uploaded logs stay attached. It marks the owner's device dirty. Nothing is
// written when validation fails.
func (s *MedicationService) Save(ctx context.Context, patientID uint, in MedicationInput) (*Medication, error) {
	if _, err := s.store.GetUser(ctx, patientID); err != nil {
		return nil, err
	}

	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, validationError(CodeInvalidInput, "medication name is required")
	}
	limit, err := s.compartments(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if in.Compartment < 1 || in.Compartment > limit {
		return nil, validationError(CodeInvalidCompartment, "compartment must be between 1 and %d", limit)
	}
	if err := ValidateWindows(in.Dosages); err != nil {
		return nil, err
	}
	var expiry *time.Time
	if in.Expiry != "" {
		t, err := time.Parse("2006-01-02", in.Expiry)
		if err != nil {
			return nil, validationError(CodeInvalidInput, "expiry must be YYYY-MM-DD")
		}
		expiry = &t
	}

	var saved *Medication
	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		med, err := tx.GetMedicationByCompartment(ctx, patientID, in.Compartment)
		switch {
		case errors.Is(err, ErrMedicationNotFound):
			med = &Medication{PatientID: patientID, Compartment: in.Compartment}
		case err != nil:
			return err
		}

		med.Name = in.Name
		med.Composition = in.Composition
		med.Quantity = in.Quantity
		med.Expiry = expiry
		med.Critical = in.Critical
		med.DoctorID = in.DoctorID
		med.Dosages = reconcileDosages(med.Dosages, in.Dosages)

		if err := tx.SaveMedication(ctx, med); err != nil {
			return err
		}
		if _, err := tx.MarkOwnerDirty(ctx, patientID); err != nil {
			return fmt.Errorf("failed to mark device dirty: %w", err)
		}
		saved = med
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"patient_id":    patientID,
		"medication_id": saved.ID,
		"compartment":   saved.Compartment,
		"dosages":       len(saved.Dosages),
	}).Info("Medication saved")
	return saved, nil
}

func (s *MedicationService) owned(ctx context.Context, store DataStore, patientID, medID uint) (*Medication, error) {
	med, err := store.GetMedication(ctx, medID)
	if err != nil {
		return nil, err
	}
	if med.PatientID != patientID {
		return nil, ErrMedicationNotFound
	}
	return med, nil
}

// AddDosage appends one window to a medication. The window must not overlap
// any stored window of the same medication.
func (s *MedicationService) AddDosage(ctx context.Context, patientID, medID uint, in DosageInput) (*Dosage, error) {
	if in.Start >= in.End {
		return nil, validationError(CodeInvalidWindow, "dosage window %s-%s must start before it ends", in.Start, in.End)
	}

	var dosage *Dosage
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		med, err := s.owned(ctx, tx, patientID, medID)
		if err != nil {
			return err
		}
		for _, d := range med.Dosages {
			if in.overlaps(d.Start, d.End) {
				return validationError(CodeOverlappingWindow, "dosage window %s-%s overlaps %s-%s",
					in.Start, in.End, d.Start, d.End)
			}
		}

		dosage = &Dosage{
			MedicationID: med.ID,
			Start:        in.Start,
			End:          in.End,
			FoodStatus:   in.FoodStatus,
			Remark:       in.Remark,
		}
		if err := tx.CreateDosage(ctx, dosage); err != nil {
			return fmt.Errorf("failed to create dosage: %w", err)
		}
		_, err = tx.MarkOwnerDirty(ctx, patientID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"patient_id":    patientID,
		"medication_id": medID,
		"dosage_id":     dosage.ID,
	}).Info("Dosage added")
	return dosage, nil
}

// Delete removes a medication and its dosages and marks the device dirty.
func (s *MedicationService) Delete(ctx context.Context, patientID, medID uint) error {
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if _, err := s.owned(ctx, tx, patientID, medID); err != nil {
			return err
		}
		if err := tx.DeleteMedication(ctx, medID); err != nil {
			return err
		}
		_, err := tx.MarkOwnerDirty(ctx, patientID)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"patient_id":    patientID,
		"medication_id": medID,
	}).Info("Medication deleted")
	return nil
}

// --- Alert Service Implementation ---

type AlertService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewAlertService(store DataStore, logger *logrus.Logger) *AlertService {
	return &AlertService{store: store, logger: logger}
}

func (s *AlertService) List(ctx context.Context, userID uint, unreadOnly bool) ([]Alert, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListAlerts(ctx, userID, unreadOnly)
}

func (s *AlertService) MarkRead(ctx context.Context, userID, alertID uint) error {
	return s.store.MarkAlertRead(ctx, userID, alertID)
}
