package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLanguage(t *testing.T) {
	cases := map[string]string{
		"Hindi":    "hi",
		" tamil ":  "ta",
		"mr":       "mr",
		"Odia":     "or",
		"klingon":  "en",
		"":         "en",
		"ENGLISH":  "en",
		"Gujarati": "gu",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeLanguage(in), in)
	}
}

func TestDoseSentence(t *testing.T) {
	med := &Medication{Name: "Aspirin"}

	assert.Equal(t, "It is 08:00 AM. Take Aspirin.",
		DoseSentence(med, &Dosage{Start: NewTimeOfDay(8, 0)}))
	assert.Equal(t, "It is 01:30 PM. Take Aspirin. After food. Note: with water.",
		DoseSentence(med, &Dosage{Start: NewTimeOfDay(13, 30), FoodStatus: "After food", Remark: "with water."}))
}

func TestConfigArtifact(t *testing.T) {
	f := newFixture(t)
	owner := f.patient(t, "Asha")
	f.device(t, "DEV1", owner)

	art, err := f.services.Artifacts.Config(context.Background(), "DEV1")
	require.NoError(t, err)
	assert.Equal(t, "DEV1", art.Config.DeviceCode)
	assert.Equal(t, "Asha", art.Config.Patient)
	assert.Equal(t, owner.ID, art.Config.PatientID)
	assert.Equal(t, "en", art.Config.Language)
	assert.Equal(t, 8, art.Config.TotalCompartments)
	assert.Equal(t, 10, art.Config.SnoozeMinutes)
	assert.Equal(t, 100, art.Config.Volume)
	assert.Equal(t, baseTime.Unix(), art.Config.Timestamp)
}

func TestScheduleArtifactOrderedAndFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.patient(t, "Asha")
	f.device(t, "DEV1", owner)
	f.medication(t, owner, 2, "Metformin", window(t, "19:00", "20:00"), window(t, "07:00", "08:00"))
	f.medication(t, owner, 1, "Aspirin", window(t, "08:00", "10:00"))

	art, err := f.services.Artifacts.Schedule(ctx, "DEV1")
	require.NoError(t, err)
	items := art.Schedule.Schedule
	require.Len(t, items, 2)
	assert.Equal(t, "Aspirin", items[0].Name)
	assert.Equal(t, 1, items[0].Compartment)
	assert.Equal(t, "08:00", items[0].Dosages[0].Start)
	assert.Equal(t, "10:00", items[0].Dosages[0].End)
	require.Len(t, items[1].Dosages, 2)
	assert.Equal(t, "07:00", items[1].Dosages[0].Start)
	assert.Equal(t, "19:00", items[1].Dosages[1].Start)

	f.medication(t, owner, 3, "Vitamin D", window(t, "12:00", "13:00"))
	art, err = f.services.Artifacts.Schedule(ctx, "DEV1")
	require.NoError(t, err)
	assert.Len(t, art.Schedule.Schedule, 3)
}

func TestArtifactsRequireOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.device(t, "ORPHAN", nil)

	_, err := f.services.Artifacts.Config(ctx, "ORPHAN")
	assert.ErrorIs(t, err, ErrNoDevice)
	_, err = f.services.Artifacts.Schedule(ctx, "ORPHAN")
	assert.ErrorIs(t, err, ErrNoDevice)
	_, err = f.services.Artifacts.AudioManifest(ctx, "ORPHAN")
	assert.ErrorIs(t, err, ErrNoDevice)

	_, err = f.services.Artifacts.Config(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestAudioManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.patient(t, "Asha")
	f.device(t, "DEV1", owner)
	med := f.medication(t, owner, 1, "Aspirin", window(t, "08:00", "10:00"), window(t, "20:00", "21:00"))

	m, err := f.services.Artifacts.AudioManifest(ctx, "DEV1")
	require.NoError(t, err)
	assert.Equal(t, "en", m.Language)
	assert.Empty(t, m.Failed)

	pid := owner.ID
	require.Len(t, m.AudioFiles.Global, 3)
	assert.Equal(t, fmt.Sprintf("audio/%d/en/snooze.wav", pid), m.AudioFiles.Global["snooze"])

	doses := m.AudioFiles.Medicines[strconv.FormatUint(uint64(med.ID), 10)]
	require.Len(t, doses, 2)
	assert.Equal(t, fmt.Sprintf("audio/%d/en/med_%d/dosage_2.wav", pid, med.ID), doses["dosage_2"])

	full, err := f.assets.Open(doses["dosage_1"])
	require.NoError(t, err)
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "RIFFen:It is 08:00 AM. Take Aspirin.", string(data))

	for _, rel := range m.AudioFiles.Global {
		_, err := f.assets.Open(rel)
		assert.NoError(t, err, rel)
	}

	device, err := f.store.GetDeviceByCode(ctx, "DEV1")
	require.NoError(t, err)
	require.NotNil(t, device.LastOutgoingSync)
	assert.True(t, baseTime.Equal(*device.LastOutgoingSync))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.locker.locks))
}

func TestAudioManifestUsesDeviceLanguage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.patient(t, "Asha")
	f.device(t, "DEV1", owner)
	_, err := f.services.Devices.SetLanguage(ctx, owner.ID, "Hindi")
	require.NoError(t, err)

	m, err := f.services.Artifacts.AudioManifest(ctx, "DEV1")
	require.NoError(t, err)
	assert.Equal(t, "hi", m.Language)
	assert.Equal(t, fmt.Sprintf("audio/%d/hi/snooze.wav", owner.ID), m.AudioFiles.Global["snooze"])
}

func TestAudioManifestSkipsFailedPrompts(t *testing.T) {
	f := newFixture(t)
	owner := f.patient(t, "Asha")
	f.device(t, "DEV1", owner)
	aspirin := f.medication(t, owner, 1, "Aspirin", window(t, "08:00", "10:00"), window(t, "20:00", "21:00"))
	metformin := f.medication(t, owner, 2, "Metformin", window(t, "13:00", "14:00"))
	f.speech.failOn = "Take Aspirin"

	m, err := f.services.Artifacts.AudioManifest(context.Background(), "DEV1")
	require.NoError(t, err)

	aspirinKey := strconv.FormatUint(uint64(aspirin.ID), 10)
	assert.ElementsMatch(t, []string{aspirinKey + ".dosage_1", aspirinKey + ".dosage_2"}, m.Failed)
	assert.Empty(t, m.AudioFiles.Medicines[aspirinKey])
	assert.Len(t, m.AudioFiles.Medicines[strconv.FormatUint(uint64(metformin.ID), 10)], 1)
	assert.Len(t, m.AudioFiles.Global, 3)
}

func TestAudioManifestReplacesDirectory(t *testing.T) {
	f := newFixture(t)
	owner := f.patient(t, "Asha")
	f.device(t, "DEV1", owner)

	stale := fmt.Sprintf("%d/en/med_99/dosage_1.wav", owner.ID)
	require.NoError(t, f.assets.Write(stale, []byte("old")))
	_, err := f.assets.Open(stale)
	require.NoError(t, err)

	_, err = f.services.Artifacts.AudioManifest(context.Background(), "DEV1")
	require.NoError(t, err)

	_, err = f.assets.Open(stale)
	assert.ErrorIs(t, err, ErrAssetNotFound)
	_, err = os.Stat(filepath.Join(f.assets.Root(), fmt.Sprint(owner.ID), "en", "snooze.wav"))
	assert.NoError(t, err)
}

func TestAudioManifestRebuildsAreSerialized(t *testing.T) {
	f := newFixture(t)
	owner := f.patient(t, "Asha")
	f.device(t, "DEV1", owner)
	f.medication(t, owner, 1, "Aspirin", window(t, "08:00", "10:00"))
	f.speech.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.services.Artifacts.AudioManifest(context.Background(), "DEV1")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.speech.maxSeen))
	assert.Equal(t, int32(4), atomic.LoadInt32(&f.locker.locks))
}
