package core

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeSpeech struct {
	mu       sync.Mutex
	failOn   string
	calls    int
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

func (s *fakeSpeech) Render(ctx context.Context, text, language string) ([]byte, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, n) {
			break
		}
	}

	s.mu.Lock()
	s.calls++
	failOn, delay := s.failOn, s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failOn != "" && strings.Contains(text, failOn) {
		return nil, errors.New("speech backend unavailable")
	}
	return []byte(language + ":" + text), nil
}

type fakeTranscoder struct{}

func (fakeTranscoder) Transcode(_ context.Context, raw []byte) ([]byte, error) {
	return append([]byte("RIFF"), raw...), nil
}

type publishedEvent struct {
	Topic   string
	Message interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{Topic: topic, Message: message})
	return nil
}

func (p *recordingPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingBus struct {
	mu       sync.Mutex
	messages []publishedEvent
	err      error
}

func (b *recordingBus) Broadcast(_ context.Context, topic string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, publishedEvent{Topic: topic, Message: payload})
	return nil
}

func (b *recordingBus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	topics := make([]string, len(b.messages))
	for i, m := range b.messages {
		topics[i] = m.Topic
	}
	return topics
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string]string{}} }

func (c *mapCache) Set(_ context.Context, key string, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.data[key] = value
	return nil
}

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return "", errors.New("cache miss")
	}
	return v, nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *mapCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

type countingLocker struct {
	locks int32
}

func (l *countingLocker) Lock(context.Context, string) (func(), error) {
	atomic.AddInt32(&l.locks, 1)
	return func() {}, nil
}

type fixture struct {
	store    *MemoryStore
	clock    *fakeClock
	speech   *fakeSpeech
	events   *recordingPublisher
	bus      *recordingBus
	cache    *mapCache
	locker   *countingLocker
	assets   *AssetCache
	services *ServiceRegistry
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	assets, err := NewAssetCache(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:  NewMemoryStore(),
		clock:  &fakeClock{now: baseTime},
		speech: &fakeSpeech{},
		events: &recordingPublisher{},
		bus:    &recordingBus{},
		cache:  newMapCache(),
		locker: &countingLocker{},
		assets: assets,
	}
	f.services = NewServiceRegistry(ServiceConfig{
		Store:      f.store,
		Cache:      f.cache,
		Locker:     f.locker,
		Events:     f.events,
		Bus:        f.bus,
		Speech:     f.speech,
		Transcoder: fakeTranscoder{},
		Assets:     assets,
		Device: config.DeviceConfig{
			OnlineWindow:      120 * time.Second,
			SnoozeMinutes:     10,
			Volume:            100,
			TotalCompartments: 8,
			DefaultLanguage:   "en",
		},
		Compliance: config.ComplianceConfig{
			Lookback:         24 * time.Hour,
			LateThreshold:    30 * time.Minute,
			Timezone:         "UTC",
			TrendDays:        7,
			SweepAfterUpload: true,
		},
		OwnerTopicPrefix: "owners",
		Logger:           testLogger(),
		Clock:            f.clock.Now,
	})
	return f
}

func (f *fixture) patient(t *testing.T, name string) *User {
	t.Helper()
	u := &User{Name: name, Username: strings.ToLower(name), Role: RolePatient}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) device(t *testing.T, code string, owner *User) *Device {
	t.Helper()
	d := &Device{DeviceCode: code}
	if owner != nil {
		id := owner.ID
		d.OwnerID = &id
	}
	require.NoError(t, f.services.Devices.Register(context.Background(), d))
	return d
}

func window(t *testing.T, start, end string) DosageInput {
	t.Helper()
	s, err := ParseTimeOfDay(start)
	require.NoError(t, err)
	e, err := ParseTimeOfDay(end)
	require.NoError(t, err)
	return DosageInput{Start: s, End: e}
}

func (f *fixture) medication(t *testing.T, patient *User, compartment int, name string, windows ...DosageInput) *Medication {
	t.Helper()
	med, err := f.services.Medications.Save(context.Background(), patient.ID, MedicationInput{
		Name:        name,
		Compartment: compartment,
		Dosages:     windows,
	})
	require.NoError(t, err)
	return med
}

func (f *fixture) intake(t *testing.T, med *Medication, dose int, status string, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.CreateLogs(context.Background(), []*Log{{
		MedName:   med.Name,
		MedID:     med.ID,
		DoseID:    med.Dosages[dose].ID,
		TakenTime: at,
		Status:    status,
		Mode:      LogModeDevice,
	}}))
}

func (f *fixture) alerts(t *testing.T, userID uint, title string) []Alert {
	t.Helper()
	all, err := f.store.ListAlerts(context.Background(), userID, false)
	require.NoError(t, err)
	var out []Alert
	for _, a := range all {
		if a.Title == title {
			out = append(out, a)
		}
	}
	return out
}

func at(hour, minute int) time.Time {
	return time.Date(baseTime.Year(), baseTime.Month(), baseTime.Day(), hour, minute, 0, 0, time.UTC)
}
