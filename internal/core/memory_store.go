// services/dispenser/internal/core/memory_store.go
package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a DataStore kept entirely in process memory. It backs
// storage.driver=memory and the service tests.
type MemoryStore struct {
	*memShared
	inTx bool
}

type memShared struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	st   memState
}

type memState struct {
	nextID      uint
	users       map[uint]User
	devices     map[string]Device // device_code -> Device
	states      map[uint]DeviceState
	progress    map[string]SyncProgress
	commands    []Command
	medications map[uint]Medication
	logs        []Log
	alerts      []Alert
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memShared: &memShared{st: memState{
		users:       map[uint]User{},
		devices:     map[string]Device{},
		states:      map[uint]DeviceState{},
		progress:    map[string]SyncProgress{},
		medications: map[uint]Medication{},
	}}}
}

func (st *memState) clone() memState {
	c := memState{
		nextID:      st.nextID,
		users:       make(map[uint]User, len(st.users)),
		devices:     make(map[string]Device, len(st.devices)),
		states:      make(map[uint]DeviceState, len(st.states)),
		progress:    make(map[string]SyncProgress, len(st.progress)),
		commands:    append([]Command(nil), st.commands...),
		medications: make(map[uint]Medication, len(st.medications)),
		logs:        append([]Log(nil), st.logs...),
		alerts:      append([]Alert(nil), st.alerts...),
	}
	for k, v := range st.users {
		c.users[k] = v
	}
	for k, v := range st.devices {
		c.devices[k] = v
	}
	for k, v := range st.states {
		c.states[k] = v
	}
	for k, v := range st.progress {
		c.progress[k] = v
	}
	for k, v := range st.medications {
		c.medications[k] = copyMedication(v)
	}
	return c
}

func (st *memState) id() uint {
	st.nextID++
	return st.nextID
}

func copyMedication(m Medication) Medication {
	m.Dosages = append([]Dosage(nil), m.Dosages...)
	return m
}

// WithTransaction serializes transactions and restores the previous state
// when fn fails. Writes made outside a transaction wait for it to finish, so
// a rollback only ever discards what fn wrote. Nested calls run inline.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &MemoryStore{memShared: s.memShared, inTx: true}); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// lock takes the write lock and returns its release. Outside a transaction
// it also holds txMu for the duration of the write.
func (s *MemoryStore) lock() func() {
	if !s.inTx {
		s.txMu.Lock()
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		if !s.inTx {
			s.txMu.Unlock()
		}
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *User) error {
	defer s.lock()()
	if u.ID == 0 {
		u.ID = s.st.id()
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	s.st.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uint) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.st.users[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &u, nil
}

func (s *MemoryStore) ListPatientIDsWithMedications(_ context.Context) ([]uint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[uint]bool{}
	var ids []uint
	for _, m := range s.st.medications {
		if !seen[m.PatientID] {
			seen[m.PatientID] = true
			ids = append(ids, m.PatientID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) CreateDevice(_ context.Context, d *Device) error {
	defer s.lock()()
	if _, exists := s.st.devices[d.DeviceCode]; exists {
		return BusinessError{Code: CodeInvalidInput, Message: "device code already registered"}
	}
	if d.ID == 0 {
		d.ID = s.st.id()
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	s.st.devices[d.DeviceCode] = *d
	return nil
}

func (s *MemoryStore) GetDeviceByCode(_ context.Context, code string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.st.devices[code]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &d, nil
}

func (s *MemoryStore) GetDeviceByOwner(_ context.Context, ownerID uint) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Device
	for _, d := range s.st.devices {
		if d.OwnerID == nil || *d.OwnerID != ownerID {
			continue
		}
		if found == nil || d.ID < found.ID {
			d := d
			found = &d
		}
	}
	if found == nil {
		return nil, ErrNoDevice
	}
	return found, nil
}

func (s *MemoryStore) mutateDevice(code string, fn func(d *Device)) error {
	defer s.lock()()
	d, ok := s.st.devices[code]
	if !ok {
		return ErrDeviceNotFound
	}
	fn(&d)
	d.UpdatedAt = time.Now()
	s.st.devices[code] = d
	return nil
}

func (s *MemoryStore) TouchHeartbeat(_ context.Context, code string, at time.Time) error {
	return s.mutateDevice(code, func(d *Device) { d.LastHeartbeat = &at })
}

func (s *MemoryStore) MarkSyncDone(_ context.Context, code string, at time.Time) error {
	return s.mutateDevice(code, func(d *Device) {
		d.DataDirty = false
		d.LastIncomingSync = &at
	})
}

func (s *MemoryStore) MarkOutgoingSync(_ context.Context, code string, at time.Time) error {
	return s.mutateDevice(code, func(d *Device) { d.LastOutgoingSync = &at })
}

func (s *MemoryStore) updateOwnerDevices(ownerID uint, fn func(d *Device)) int64 {
	defer s.lock()()
	var n int64
	for code, d := range s.st.devices {
		if d.OwnerID == nil || *d.OwnerID != ownerID {
			continue
		}
		fn(&d)
		d.UpdatedAt = time.Now()
		s.st.devices[code] = d
		n++
	}
	return n
}

func (s *MemoryStore) MarkOwnerDirty(_ context.Context, ownerID uint) (int64, error) {
	return s.updateOwnerDevices(ownerID, func(d *Device) { d.DataDirty = true }), nil
}

func (s *MemoryStore) SetDeviceLanguage(_ context.Context, ownerID uint, language string) error {
	n := s.updateOwnerDevices(ownerID, func(d *Device) {
		d.Language = language
		d.DataDirty = true
	})
	if n == 0 {
		return ErrNoDevice
	}
	return nil
}

func (s *MemoryStore) UpsertDeviceState(_ context.Context, st *DeviceState) error {
	defer s.lock()()
	if prev, ok := s.st.states[st.DeviceID]; ok {
		st.ID = prev.ID
	} else if st.ID == 0 {
		st.ID = s.st.id()
	}
	st.UpdatedAt = time.Now()
	s.st.states[st.DeviceID] = *st
	return nil
}

func (s *MemoryStore) GetDeviceState(_ context.Context, deviceID uint) (*DeviceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.st.states[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &st, nil
}

func (s *MemoryStore) SaveSyncProgress(_ context.Context, p *SyncProgress) error {
	defer s.lock()()
	s.st.progress[p.DeviceCode] = *p
	return nil
}

func (s *MemoryStore) GetSyncProgress(_ context.Context, code string) (*SyncProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.progress[code]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &p, nil
}

// EnqueueCommand checks and inserts under one lock, the in-memory
// equivalent of the partial unique index.
func (s *MemoryStore) EnqueueCommand(_ context.Context, cmd *Command) (*Command, bool, error) {
	defer s.lock()()
	for _, c := range s.st.commands {
		if !c.Processed && c.DeviceCode == cmd.DeviceCode && c.Command == cmd.Command {
			c := c
			return &c, false, nil
		}
	}
	cmd.ID = s.st.id()
	cmd.Processed = false
	cmd.CreatedAt = time.Now()
	s.st.commands = append(s.st.commands, *cmd)
	return cmd, true, nil
}

func (s *MemoryStore) DrainCommands(_ context.Context, code string) ([]Command, error) {
	defer s.lock()()
	var drained []Command
	for i := range s.st.commands {
		c := &s.st.commands[i]
		if c.DeviceCode != code || c.Processed {
			continue
		}
		c.Processed = true
		drained = append(drained, *c)
	}
	return drained, nil
}

func (s *MemoryStore) ListPendingCommands(_ context.Context, code string) ([]Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []Command
	for _, c := range s.st.commands {
		if c.DeviceCode == code && !c.Processed {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

func sortDosages(ds []Dosage) {
	sort.SliceStable(ds, func(i, j int) bool {
		if ds[i].Start != ds[j].Start {
			return ds[i].Start < ds[j].Start
		}
		return ds[i].ID < ds[j].ID
	})
}

func (s *MemoryStore) ListMedications(_ context.Context, patientID uint) ([]Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var meds []Medication
	for _, m := range s.st.medications {
		if m.PatientID != patientID {
			continue
		}
		m = copyMedication(m)
		sortDosages(m.Dosages)
		meds = append(meds, m)
	}
	sort.Slice(meds, func(i, j int) bool { return meds[i].Compartment < meds[j].Compartment })
	return meds, nil
}

func (s *MemoryStore) GetMedication(_ context.Context, id uint) (*Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.st.medications[id]
	if !ok {
		return nil, ErrMedicationNotFound
	}
	m = copyMedication(m)
	sortDosages(m.Dosages)
	return &m, nil
}

func (s *MemoryStore) GetMedicationByCompartment(_ context.Context, patientID uint, compartment int) (*Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.st.medications {
		if m.PatientID == patientID && m.Compartment == compartment {
			m = copyMedication(m)
			sortDosages(m.Dosages)
			return &m, nil
		}
	}
	return nil, ErrMedicationNotFound
}

func (s *MemoryStore) SaveMedication(_ context.Context, m *Medication) error {
	defer s.lock()()
	for _, other := range s.st.medications {
		if other.ID != m.ID && other.PatientID == m.PatientID && other.Compartment == m.Compartment {
			return BusinessError{Code: CodeInvalidCompartment, Message: "compartment already in use"}
		}
	}
	now := time.Now()
	if m.ID == 0 {
		m.ID = s.st.id()
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	for i := range m.Dosages {
		if m.Dosages[i].ID == 0 {
			m.Dosages[i].ID = s.st.id()
		}
		m.Dosages[i].MedicationID = m.ID
	}
	s.st.medications[m.ID] = copyMedication(*m)
	return nil
}

func (s *MemoryStore) DeleteMedication(_ context.Context, id uint) error {
	defer s.lock()()
	if _, ok := s.st.medications[id]; !ok {
		return ErrMedicationNotFound
	}
	delete(s.st.medications, id)
	return nil
}

func (s *MemoryStore) CreateDosage(_ context.Context, d *Dosage) error {
	defer s.lock()()
	m, ok := s.st.medications[d.MedicationID]
	if !ok {
		return ErrMedicationNotFound
	}
	d.ID = s.st.id()
	m = copyMedication(m)
	m.Dosages = append(m.Dosages, *d)
	s.st.medications[m.ID] = m
	return nil
}

func (s *MemoryStore) CreateLogs(_ context.Context, logs []*Log) error {
	defer s.lock()()
	now := time.Now()
	for _, l := range logs {
		l.ID = s.st.id()
		l.CreatedAt = now
		s.st.logs = append(s.st.logs, *l)
	}
	return nil
}

func (s *MemoryStore) FindTakenLog(_ context.Context, medID, doseID uint, from, to time.Time) (*Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Log
	for _, l := range s.st.logs {
		if l.MedID != medID || l.DoseID != doseID || !l.Taken() {
			continue
		}
		if l.TakenTime.Before(from) || l.TakenTime.After(to) {
			continue
		}
		if found == nil || l.TakenTime.Before(found.TakenTime) {
			l := l
			found = &l
		}
	}
	return found, nil
}

func (s *MemoryStore) CreateMissedLog(_ context.Context, l *Log) (bool, error) {
	defer s.lock()()
	for _, existing := range s.st.logs {
		if existing.MedID == l.MedID && existing.DoseID == l.DoseID &&
			existing.Status == LogStatusMissed && existing.TakenTime.Equal(l.TakenTime) {
			return false, nil
		}
	}
	l.ID = s.st.id()
	l.CreatedAt = time.Now()
	s.st.logs = append(s.st.logs, *l)
	return true, nil
}

func (s *MemoryStore) ListLogs(_ context.Context, medIDs []uint, since time.Time) ([]Log, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[uint]bool, len(medIDs))
	for _, id := range medIDs {
		want[id] = true
	}
	var logs []Log
	for _, l := range s.st.logs {
		if want[l.MedID] && !l.TakenTime.Before(since) {
			logs = append(logs, l)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].TakenTime.Before(logs[j].TakenTime) })
	return logs, nil
}

func (s *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	defer s.lock()()
	a.ID = s.st.id()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.st.alerts = append(s.st.alerts, *a)
	return nil
}

func (s *MemoryStore) HasAlert(_ context.Context, userID uint, title, message string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.st.alerts {
		if a.UserID == userID && a.Title == title && a.Message == message {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, userID uint, unreadOnly bool) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var alerts []Alert
	for i := len(s.st.alerts) - 1; i >= 0; i-- {
		a := s.st.alerts[i]
		if a.UserID != userID || (unreadOnly && a.Read) {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (s *MemoryStore) MarkAlertRead(_ context.Context, userID, alertID uint) error {
	defer s.lock()()
	for i := range s.st.alerts {
		if s.st.alerts[i].ID == alertID && s.st.alerts[i].UserID == userID {
			s.st.alerts[i].Read = true
			return nil
		}
	}
	return ErrAlertNotFound
}
