// services/dispenser/internal/core/models.go
package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// User is a portal account. Only ownership matters here; registration and
// approval live elsewhere.
type User struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name" gorm:"not null"`
	Username  string    `json:"username" gorm:"uniqueIndex;not null"`
	Role      string    `json:"role" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device represents one physical dispenser
type Device struct {
	ID                uint         `json:"id" gorm:"primaryKey"`
	DeviceCode        string       `json:"device_code" gorm:"uniqueIndex;not null"`
	OwnerID           *uint        `json:"owner_id" gorm:"index"`
	LastHeartbeat     *time.Time   `json:"last_heartbeat"`
	LastIncomingSync  *time.Time   `json:"last_incoming_sync"`
	LastOutgoingSync  *time.Time   `json:"last_outgoing_sync"`
	Language          string       `json:"language" gorm:"not null;default:'en'"`
	AlarmTone         string       `json:"alarm_tone" gorm:"not null;default:'default'"`
	TotalCompartments int          `json:"total_compartments" gorm:"not null;default:8"`
	DataDirty         bool         `json:"data_dirty" gorm:"not null"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Commands          []Command    `json:"-" gorm:"foreignKey:DeviceCode;references:DeviceCode;constraint:OnDelete:CASCADE"`
	State             *DeviceState `json:"-" gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
}

// IsOnline reports whether the last heartbeat is younger than window.
func (d *Device) IsOnline(now time.Time, window time.Duration) bool {
	if d.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*d.LastHeartbeat) < window
}

// Command is a queued instruction awaiting device pickup. At most one
// unprocessed row per (device_code, command) may exist.
type Command struct {
	ID         uint           `json:"id" gorm:"primaryKey"`
	DeviceCode string         `json:"device_code" gorm:"not null;uniqueIndex:idx_pending_command,where:processed = false"`
	Command    string         `json:"command" gorm:"not null;uniqueIndex:idx_pending_command,where:processed = false"`
	Data       datatypes.JSON `json:"data"`
	Processed  bool           `json:"processed" gorm:"not null;index"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Medication belongs to a patient and sits in one compartment.
type Medication struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	PatientID   uint       `json:"patient_id" gorm:"not null;uniqueIndex:idx_patient_compartment"`
	DoctorID    *uint      `json:"doctor_id" gorm:"index"`
	Name        string     `json:"name" gorm:"not null"`
	Composition string     `json:"composition"`
	Quantity    int        `json:"quantity"`
	Expiry      *time.Time `json:"expiry" gorm:"type:date"`
	Critical    bool       `json:"critical" gorm:"not null"`
	Compartment int        `json:"compartment" gorm:"not null;uniqueIndex:idx_patient_compartment"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Dosages     []Dosage   `json:"dosages" gorm:"foreignKey:MedicationID;constraint:OnDelete:CASCADE"`
}

// Dosage is a half-open time-of-day window [Start, End).
type Dosage struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	MedicationID uint      `json:"medication_id" gorm:"index;not null"`
	Start        TimeOfDay `json:"start" gorm:"column:start_minute;not null"`
	End          TimeOfDay `json:"end" gorm:"column:end_minute;not null"`
	FoodStatus   string    `json:"food_status"`
	Remark       string    `json:"remark"`
}

// Log is an append-only intake record, uploaded by a device or synthesised
// by the compliance sweep.
type Log struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	DeviceID      *uint     `json:"device_id" gorm:"index"`
	MedName       string    `json:"med_name"`
	MedID         uint      `json:"med_id" gorm:"index:idx_log_dose;uniqueIndex:idx_missed_log,where:status = 'missed';not null"`
	DoseID        uint      `json:"dose_id" gorm:"index:idx_log_dose;uniqueIndex:idx_missed_log,where:status = 'missed';not null"`
	TakenTime     time.Time `json:"taken_time" gorm:"index;uniqueIndex:idx_missed_log,where:status = 'missed';not null"`
	Status        string    `json:"status" gorm:"index;not null"`
	Mode          string    `json:"mode" gorm:"not null"`
	DelayMinutes  int       `json:"delay"`
	PillSensor    bool      `json:"pill_sensor"`
	DustbinSensor bool      `json:"dustbin_sensor"`
	CreatedAt     time.Time `json:"created_at"`
}

// Taken reports whether the log counts as an intake.
func (l *Log) Taken() bool {
	return l.Status == LogStatusTaken || l.Status == LogStatusTakenLate
}

// Alert is a user-facing notice. Read is the only mutable field.
type Alert struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id" gorm:"index;not null"`
	Title     string    `json:"title" gorm:"not null"`
	Message   string    `json:"message" gorm:"not null"`
	Read      bool      `json:"read" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceState is the latest storage snapshot reported by a device.
type DeviceState struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	DeviceID     uint           `json:"device_id" gorm:"uniqueIndex;not null"`
	Files        datatypes.JSON `json:"files"`
	StorageUsed  int64          `json:"storage_used"`
	StorageTotal int64          `json:"storage_total"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SyncProgress keeps the last progress report a device sent while syncing.
type SyncProgress struct {
	DeviceCode string    `json:"device_code" gorm:"primaryKey"`
	Message    string    `json:"msg"`
	Percent    int       `json:"pct"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Models lists every persisted type in migration order.
func Models() []interface{} {
	return []interface{}{
		&User{},
		&Device{},
		&Command{},
		&DeviceState{},
		&SyncProgress{},
		&Medication{},
		&Dosage{},
		&Log{},
		&Alert{},
	}
}

// TableName overrides for GORM
func (User) TableName() string         { return "users" }
func (Device) TableName() string       { return "devices" }
func (Command) TableName() string      { return "device_commands" }
func (Medication) TableName() string   { return "medications" }
func (Dosage) TableName() string       { return "dosages" }
func (Log) TableName() string          { return "logs" }
func (Alert) TableName() string        { return "alerts" }
func (DeviceState) TableName() string  { return "device_states" }
func (SyncProgress) TableName() string { return "sync_progress" }

// Constants for the sync protocol and the compliance engine
const (
	// User roles
	RolePatient = "patient"
	RoleDoctor  = "doctor"

	// Log statuses
	LogStatusTaken     = "taken"
	LogStatusMissed    = "missed"
	LogStatusSkipped   = "skipped"
	LogStatusTakenLate = "taken_late"

	// Log modes
	LogModeScheduled = "scheduled"
	LogModeManual    = "manual"
	LogModePortal    = "portal"
	LogModeDevice    = "device"

	// Command types understood by the firmware
	CommandDispenseNow = "dispense_now"
	CommandDispenseMed = "dispense_med"
	CommandSnooze      = "snooze"
	CommandSkip        = "skip"
	CommandForceSync   = "force_sync"
	CommandPlayAudio   = "play_audio"
	CommandStartAlarm  = "start_alarm"
	CommandStopAlarm   = "stop_alarm"
	CommandReboot      = "reboot"
	CommandSetLED      = "set_led"
	CommandServoTest   = "servo_test"

	// Derived protocol states
	DeviceStateUnknown     = "unknown"
	DeviceStateOnlineDirty = "online_dirty"
	DeviceStateOnlineClean = "online_clean"
	DeviceStateOffline     = "offline"

	// Alert titles
	AlertTitleLateDose   = "Late Dose"
	AlertTitleMissedDose = "Missed Dose"
)

var knownCommands = map[string]bool{
	CommandDispenseNow: true,
	CommandDispenseMed: true,
	CommandSnooze:      true,
	CommandSkip:        true,
	CommandForceSync:   true,
	CommandPlayAudio:   true,
	CommandStartAlarm:  true,
	CommandStopAlarm:   true,
	CommandReboot:      true,
	CommandSetLED:      true,
	CommandServoTest:   true,
}

// IsKnownCommand reports whether the firmware understands the command type.
func IsKnownCommand(name string) bool {
	return knownCommands[name]
}

var validLogStatus = map[string]bool{
	LogStatusTaken:     true,
	LogStatusMissed:    true,
	LogStatusSkipped:   true,
	LogStatusTakenLate: true,
}

var validLogMode = map[string]bool{
	LogModeScheduled: true,
	LogModeManual:    true,
	LogModePortal:    true,
	LogModeDevice:    true,
}

// TimeOfDay is minutes since midnight. It travels as "HH:MM" in JSON.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from hours and minutes.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// EndOfDay is "24:00". It is only meaningful as the end of a window, and
// ValidateWindows rejects any window that starts there.
const EndOfDay = TimeOfDay(24 * 60)

// ParseTimeOfDay accepts "HH:MM" or a bare hour ("8"), plus "24:00" for a
// window that runs until midnight.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hourPart, minutePart, hasMinutes := strings.Cut(s, ":")
	hour, err := strconv.Atoi(hourPart)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	minute := 0
	if hasMinutes {
		if minute, err = strconv.Atoi(minutePart); err != nil {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
	}
	if hour == 24 && minute == 0 {
		return EndOfDay, nil
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return NewTimeOfDay(hour, minute), nil
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// String formats as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Clock formats as "08:00 AM" for spoken prompts and alerts.
func (t TimeOfDay) Clock() string {
	return time.Date(2000, 1, 1, t.Hour(), t.Minute(), 0, 0, time.UTC).Format("03:04 PM")
}

// On places the time of day on the calendar day of date, in date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, date.Location())
}

// MarshalJSON implements json.Marshaler.
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are read as hours.
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var hour int
		if errNum := json.Unmarshal(data, &hour); errNum != nil {
			return fmt.Errorf("time of day must be \"HH:MM\" or an hour: %w", err)
		}
		s = strconv.Itoa(hour)
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
