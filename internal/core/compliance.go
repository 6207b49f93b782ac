// services/dispenser/internal/core/compliance.go
package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
)

// SweepResult summarises one compliance run for a patient.
type SweepResult struct {
	PatientID     uint      `json:"patient_id"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	Checked       int       `json:"checked"`
	Taken         int       `json:"taken"`
	Late          int       `json:"late"`
	Missed        int       `json:"missed"`
	AlreadyJudged int       `json:"already_judged"`
	AlertsCreated int       `json:"alerts_created"`
}

// --- Dose Compliance Engine Implementation ---

type ComplianceEngine struct {
	store    DataStore
	events   EventPublisher
	notifier Notifier
	logger   *logrus.Logger
	cfg      config.ComplianceConfig
	loc      *time.Location
	now      func() time.Time
}

func NewComplianceEngine(store DataStore, events EventPublisher, notifier Notifier, logger *logrus.Logger, cfg config.ComplianceConfig, now func() time.Time) *ComplianceEngine {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if cfg.LateThreshold <= 0 {
		cfg.LateThreshold = 30 * time.Minute
	}
	if cfg.TrendDays <= 0 {
		cfg.TrendDays = 7
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ComplianceEngine{
		store:    store,
		events:   events,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		loc:      cfg.Location(),
		now:      now,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Sweep judges every dosage window of the patient that ended inside
// [now-lookback, now]. Windows still open are left for a later run. A
// window with an intake log counts as taken (with a Late Dose alert past the
// late threshold); otherwise a missed log is written at the window end
// together with a Missed Dose alert. Windows already judged as missed are
// not judged again, so overlapping runs are harmless.
func (e *ComplianceEngine) Sweep(ctx context.Context, patientID uint, lookback time.Duration) (*SweepResult, error) {
	if lookback <= 0 {
		lookback = e.cfg.Lookback
	}
	if _, err := e.store.GetUser(ctx, patientID); err != nil {
		return nil, err
	}

	now := e.now().In(e.loc)
	since := now.Add(-lookback)
	result := &SweepResult{PatientID: patientID, From: since, To: now}

	var created []Alert
	err := e.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		meds, err := tx.ListMedications(ctx, patientID)
		if err != nil {
			return fmt.Errorf("failed to load medications: %w", err)
		}

		for day := startOfDay(since); !day.After(now); day = day.AddDate(0, 0, 1) {
			for i := range meds {
				med := &meds[i]
				for j := range med.Dosages {
					alert, err := e.judge(ctx, tx, patientID, med, &med.Dosages[j], day, since, now, result)
					if err != nil {
						return err
					}
					if alert != nil {
						created = append(created, *alert)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.AlertsCreated = len(created)

	for i := range created {
		e.announce(ctx, &created[i])
	}

	e.logger.WithFields(logrus.Fields{
		"patient_id": patientID,
		"checked":    result.Checked,
		"taken":      result.Taken,
		"late":       result.Late,
		"missed":     result.Missed,
		"judged":     result.AlreadyJudged,
	}).Info("Compliance sweep finished")
	return result, nil
}

func (e *ComplianceEngine) judge(ctx context.Context, tx DataStore, patientID uint, med *Medication, dose *Dosage, day, since, now time.Time, result *SweepResult) (*Alert, error) {
	start := dose.Start.On(day)
	end := dose.End.On(day)
	if end.After(now) || end.Before(since) {
		return nil, nil
	}
	result.Checked++

	taken, err := tx.FindTakenLog(ctx, med.ID, dose.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to look up intake: %w", err)
	}
	if taken != nil {
		result.Taken++
		delay := taken.TakenTime.Sub(start)
		if delay <= e.cfg.LateThreshold {
			return nil, nil
		}
		result.Late++
		alert := &Alert{
			UserID: patientID,
			Title:  AlertTitleLateDose,
			Message: fmt.Sprintf("You took %s %d minutes late (dose at %s on %s).",
				med.Name, int(delay.Minutes()), dose.Start.Clock(), start.Format("02 Jan")),
			CreatedAt: e.now(),
		}
		exists, err := tx.HasAlert(ctx, patientID, alert.Title, alert.Message)
		if err != nil || exists {
			return nil, err
		}
		if err := tx.CreateAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("failed to create alert: %w", err)
		}
		return alert, nil
	}

	missed := &Log{
		MedName:   med.Name,
		MedID:     med.ID,
		DoseID:    dose.ID,
		TakenTime: end,
		Status:    LogStatusMissed,
		Mode:      LogModeScheduled,
	}
	created, err := tx.CreateMissedLog(ctx, missed)
	if err != nil {
		return nil, fmt.Errorf("failed to record missed dose: %w", err)
	}
	if !created {
		result.AlreadyJudged++
		return nil, nil
	}
	result.Missed++

	alert := &Alert{
		UserID:    patientID,
		Title:     AlertTitleMissedDose,
		Message:   fmt.Sprintf("You missed your %s dose scheduled at %s.", med.Name, dose.Start.Clock()),
		CreatedAt: e.now(),
	}
	if err := tx.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	return alert, nil
}

// announce hands a committed alert to the event outbox and the owner's
// session. Failures are logged; the alert itself is already stored.
func (e *ComplianceEngine) announce(ctx context.Context, alert *Alert) {
	if e.events != nil {
		if err := e.events.Publish(ctx, AlertTopic, newAlertEvent(alert)); err != nil {
			e.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Failed to publish alert event")
		}
	}
	if err := e.notifier.Notify(ctx, alert.UserID, newAlertEvent(alert)); err != nil {
		e.logger.WithError(err).WithField("alert_id", alert.ID).Debug("Owner notification dropped")
	}
}

// SweepAll runs Sweep for every patient with at least one medication. A
// failing patient does not stop the others.
func (e *ComplianceEngine) SweepAll(ctx context.Context, lookback time.Duration) ([]*SweepResult, error) {
	ids, err := e.store.ListPatientIDsWithMedications(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}

	var (
		results []*SweepResult
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.Sweep(ctx, id, lookback)
		if err != nil {
			e.logger.WithError(err).WithField("patient_id", id).Error("Compliance sweep failed")
			errs = append(errs, fmt.Errorf("patient %d: %w", id, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// --- Adherence analytics ---

// Analytics is the read-only adherence view for a patient.
type Analytics struct {
	PatientID uint         `json:"patient_id"`
	Days      int          `json:"days"`
	Total     int          `json:"total"`
	Taken     int          `json:"taken"`
	NotEaten  int          `json:"not_eaten"`
	Missed    int          `json:"missed"`
	Skipped   int          `json:"skipped"`
	Adherence float64      `json:"adherence"`
	TakenRate float64      `json:"taken_rate"`
	MissRate  float64      `json:"missed_rate"`
	NextDose  NextDoseView `json:"next_dose"`
	Trend     []TrendPoint `json:"trend"`
}

// TrendPoint is the adherence of one calendar day.
type TrendPoint struct {
	Date      string  `json:"date"`
	Total     int     `json:"total"`
	Adherence float64 `json:"adherence"`
}

// NextDose is the earliest dose still ahead today.
type NextDose struct {
	MedicationID uint      `json:"medication_id"`
	Medicine     string    `json:"medicine"`
	Start        TimeOfDay `json:"start"`
	At           time.Time `json:"at"`
}

// NextDoseView is the display form of NextDose.
type NextDoseView struct {
	Medicine string `json:"medicine"`
	Time     string `json:"time"`
}

// Adherence is taken/total as a percentage rounded to one decimal; 0 when
// there are no logs.
func Adherence(taken, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(taken)/float64(total)*1000) / 10
}

// Analytics computes adherence over the trailing trend window. Logs are
// matched to the patient through medication ids.
func (e *ComplianceEngine) Analytics(ctx context.Context, patientID uint) (*Analytics, error) {
	if _, err := e.store.GetUser(ctx, patientID); err != nil {
		return nil, err
	}

	now := e.now().In(e.loc)
	today := startOfDay(now)
	from := today.AddDate(0, 0, -(e.cfg.TrendDays - 1))

	meds, err := e.store.ListMedications(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load medications: %w", err)
	}
	ids := make([]uint, len(meds))
	for i := range meds {
		ids[i] = meds[i].ID
	}

	logs, err := e.store.ListLogs(ctx, ids, from)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs: %w", err)
	}

	out := &Analytics{PatientID: patientID, Days: e.cfg.TrendDays}
	type dayCount struct{ taken, total int }
	perDay := make(map[string]*dayCount, e.cfg.TrendDays)

	for i := range logs {
		l := &logs[i]
		if l.TakenTime.After(now) {
			continue
		}
		out.Total++
		switch {
		case l.Taken():
			out.Taken++
		case l.Status == LogStatusMissed && l.DeviceID != nil:
			out.NotEaten++
		case l.Status == LogStatusMissed:
			out.Missed++
		case l.Status == LogStatusSkipped:
			out.Skipped++
		}

		key := l.TakenTime.In(e.loc).Format("2006-01-02")
		dc, ok := perDay[key]
		if !ok {
			dc = &dayCount{}
			perDay[key] = dc
		}
		dc.total++
		if l.Taken() {
			dc.taken++
		}
	}

	out.Adherence = Adherence(out.Taken, out.Total)
	out.TakenRate = out.Adherence
	out.MissRate = Adherence(out.Missed+out.NotEaten, out.Total)

	for day := from; !day.After(today); day = day.AddDate(0, 0, 1) {
		point := TrendPoint{Date: day.Format("02 Jan")}
		if dc, ok := perDay[day.Format("2006-01-02")]; ok {
			point.Total = dc.total
			point.Adherence = Adherence(dc.taken, dc.total)
		}
		out.Trend = append(out.Trend, point)
	}

	out.NextDose = NextDoseView{Time: "All done for today"}
	if next := nextDose(meds, now); next != nil {
		out.NextDose = NextDoseView{Medicine: next.Medicine, Time: next.Start.Clock()}
	}
	return out, nil
}

// NextDose returns the earliest dose starting strictly after at on the same
// day, or nil when none remain.
func (e *ComplianceEngine) NextDose(ctx context.Context, patientID uint, at time.Time) (*NextDose, error) {
	meds, err := e.store.ListMedications(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return nextDose(meds, at.In(e.loc)), nil
}

func nextDose(meds []Medication, at time.Time) *NextDose {
	current := NewTimeOfDay(at.Hour(), at.Minute())
	var best *NextDose
	for i := range meds {
		for _, d := range meds[i].Dosages {
			if d.Start <= current {
				continue
			}
			if best == nil || d.Start < best.Start {
				best = &NextDose{
					MedicationID: meds[i].ID,
					Medicine:     meds[i].Name,
					Start:        d.Start,
					At:           d.Start.On(at),
				}
			}
		}
	}
	return best
}
