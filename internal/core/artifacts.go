// services/dispenser/internal/core/artifacts.go
package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/backstage/services/dispenser/config"
	"github.com/sirupsen/logrus"
)

// ConfigArtifact is the device configuration document.
type ConfigArtifact struct {
	Config DeviceSettings `json:"config"`
}

type DeviceSettings struct {
	DeviceCode        string `json:"device_code"`
	Language          string `json:"language"`
	Patient           string `json:"patient"`
	PatientID         uint   `json:"patient_id"`
	TotalCompartments int    `json:"total_compartments"`
	SnoozeMinutes     int    `json:"snooze_minutes"`
	Volume            int    `json:"volume"`
	AlarmTone         string `json:"alarm_tone"`
	Timestamp         int64  `json:"timestamp"`
}

// ScheduleArtifact is the dosage schedule document.
type ScheduleArtifact struct {
	Schedule ScheduleBody `json:"schedule"`
}

type ScheduleBody struct {
	Schedule  []ScheduledMedication `json:"schedule"`
	Timestamp int64                 `json:"timestamp"`
}

type ScheduledMedication struct {
	ID          uint              `json:"id"`
	Name        string            `json:"name"`
	Critical    bool              `json:"critical"`
	Compartment int               `json:"compartment"`
	Expiry      string            `json:"expiry,omitempty"`
	Dosages     []ScheduledDosage `json:"dosages"`
}

type ScheduledDosage struct {
	ID     uint   `json:"id"`
	Start  string `json:"start"`
	End    string `json:"end"`
	Food   string `json:"food"`
	Remark string `json:"remark"`
}

// AudioManifest maps prompt keys to asset paths.
type AudioManifest struct {
	AudioFiles AudioFiles `json:"audio_files"`
	Language   string     `json:"language"`
	Failed     []string   `json:"failed,omitempty"`
	Timestamp  int64      `json:"timestamp"`
}

type AudioFiles struct {
	Global    map[string]string            `json:"global"`
	Medicines map[string]map[string]string `json:"medicines"`
}

type prompt struct {
	Key  string
	Text string
}

var globalPrompts = []prompt{
	{Key: "snooze", Text: "I will remind you again."},
	{Key: "dispense_alarm", Text: "Your medicine is ready. Please collect it."},
	{Key: "dustbin_alarm", Text: "Eat your medicine and then put the wrapper in the dustbin."},
}

// DoseSentence is the spoken reminder for one dose.
func DoseSentence(med *Medication, dose *Dosage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "It is %s. Take %s.", dose.Start.Clock(), med.Name)
	if food := strings.TrimSpace(dose.FoodStatus); food != "" {
		fmt.Fprintf(&b, " %s.", strings.TrimSuffix(food, "."))
	}
	if remark := strings.TrimSpace(dose.Remark); remark != "" {
		fmt.Fprintf(&b, " Note: %s.", strings.TrimSuffix(remark, "."))
	}
	return b.String()
}

// --- Artifact Renderer Implementation ---

type ArtifactRenderer struct {
	store       DataStore
	assets      *AssetCache
	speech      SpeechRenderer
	transcoder  Transcoder
	local       *KeyedMutex
	distributed Locker
	logger      *logrus.Logger
	cfg         config.DeviceConfig
	now         func() time.Time
}

func NewArtifactRenderer(store DataStore, assets *AssetCache, speech SpeechRenderer, transcoder Transcoder, distributed Locker, logger *logrus.Logger, cfg config.DeviceConfig, now func() time.Time) *ArtifactRenderer {
	return &ArtifactRenderer{
		store:       store,
		assets:      assets,
		speech:      speech,
		transcoder:  transcoder,
		local:       NewKeyedMutex(),
		distributed: distributed,
		logger:      logger,
		cfg:         cfg,
		now:         now,
	}
}

// Assets exposes the cache the renderer writes into.
func (a *ArtifactRenderer) Assets() *AssetCache { return a.assets }

// resolve loads the device and its owner. A device without an owner, or an
// owner record that no longer exists, has nothing to render.
func (a *ArtifactRenderer) resolve(ctx context.Context, code string) (*Device, *User, error) {
	device, err := a.store.GetDeviceByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if device.OwnerID == nil {
		return nil, nil, ErrNoDevice
	}
	user, err := a.store.GetUser(ctx, *device.OwnerID)
	if err != nil {
		return nil, nil, err
	}
	return device, user, nil
}

// Config builds the configuration artifact. It is never cached.
func (a *ArtifactRenderer) Config(ctx context.Context, code string) (*ConfigArtifact, error) {
	device, user, err := a.resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	compartments := device.TotalCompartments
	if compartments <= 0 {
		compartments = a.cfg.TotalCompartments
	}
	return &ConfigArtifact{Config: DeviceSettings{
		DeviceCode:        device.DeviceCode,
		Language:          NormalizeLanguage(device.Language),
		Patient:           user.Name,
		PatientID:         user.ID,
		TotalCompartments: compartments,
		SnoozeMinutes:     a.cfg.SnoozeMinutes,
		Volume:            a.cfg.Volume,
		AlarmTone:         device.AlarmTone,
		Timestamp:         a.now().Unix(),
	}}, nil
}

// Schedule builds the schedule artifact from the current medication tables.
func (a *ArtifactRenderer) Schedule(ctx context.Context, code string) (*ScheduleArtifact, error) {
	_, user, err := a.resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	meds, err := a.store.ListMedications(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load medications: %w", err)
	}

	items := make([]ScheduledMedication, 0, len(meds))
	for _, m := range meds {
		item := ScheduledMedication{
			ID:          m.ID,
			Name:        m.Name,
			Critical:    m.Critical,
			Compartment: m.Compartment,
			Dosages:     make([]ScheduledDosage, 0, len(m.Dosages)),
		}
		if m.Expiry != nil {
			item.Expiry = m.Expiry.Format("2006-01-02")
		}
		for _, d := range m.Dosages {
			item.Dosages = append(item.Dosages, ScheduledDosage{
				ID:     d.ID,
				Start:  d.Start.String(),
				End:    d.End.String(),
				Food:   d.FoodStatus,
				Remark: d.Remark,
			})
		}
		items = append(items, item)
	}

	return &ScheduleArtifact{Schedule: ScheduleBody{
		Schedule:  items,
		Timestamp: a.now().Unix(),
	}}, nil
}

// AudioManifest rebuilds every speech asset for the device owner's language
// and returns the resulting manifest. Rebuilds for the same (patient,
// language) are serialized. A prompt that fails to render is left out of the
// manifest and listed under Failed; the rest of the build carries on.
func (a *ArtifactRenderer) AudioManifest(ctx context.Context, code string) (*AudioManifest, error) {
	device, user, err := a.resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	language := NormalizeLanguage(device.Language)

	lockKey := fmt.Sprintf("audio:%d:%s", user.ID, language)
	unlock, err := a.local.Lock(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if a.distributed != nil {
		unlockRemote, err := a.distributed.Lock(ctx, lockKey)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire render lock: %w", err)
		}
		defer unlockRemote()
	}

	meds, err := a.store.ListMedications(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load medications: %w", err)
	}

	if err := a.assets.Replace(user.ID, language); err != nil {
		return nil, err
	}

	start := a.now()
	manifest := &AudioManifest{
		AudioFiles: AudioFiles{
			Global:    make(map[string]string, len(globalPrompts)),
			Medicines: make(map[string]map[string]string, len(meds)),
		},
		Language: language,
	}

	for _, p := range globalPrompts {
		rel := PromptPath(user.ID, language, p.Key)
		if err := a.renderAsset(ctx, "global."+p.Key, p.Text, language, rel); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			a.recordFailure(manifest, code, err)
			continue
		}
		manifest.AudioFiles.Global[p.Key] = AssetPrefix + rel
	}

	for i := range meds {
		med := &meds[i]
		medKey := strconv.FormatUint(uint64(med.ID), 10)
		entries := make(map[string]string, len(med.Dosages))
		for n := range med.Dosages {
			doseKey := fmt.Sprintf("dosage_%d", n+1)
			rel := DosePath(user.ID, language, med.ID, n+1)
			text := DoseSentence(med, &med.Dosages[n])
			if err := a.renderAsset(ctx, medKey+"."+doseKey, text, language, rel); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				a.recordFailure(manifest, code, err)
				continue
			}
			entries[doseKey] = AssetPrefix + rel
		}
		manifest.AudioFiles.Medicines[medKey] = entries
	}

	now := a.now()
	manifest.Timestamp = now.Unix()
	if err := a.store.MarkOutgoingSync(ctx, code, now); err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"device_code": code,
		"patient_id":  user.ID,
		"language":    language,
		"medicines":   len(meds),
		"failed":      len(manifest.Failed),
		"duration_ms": now.Sub(start).Milliseconds(),
	}).Info("Audio manifest rebuilt")
	return manifest, nil
}

func (a *ArtifactRenderer) renderAsset(ctx context.Context, key, text, language, rel string) error {
	raw, err := a.speech.Render(ctx, text, language)
	if err != nil {
		return &RenderError{Key: key, Err: err}
	}
	pcm, err := a.transcoder.Transcode(ctx, raw)
	if err != nil {
		return &RenderError{Key: key, Err: err}
	}
	if err := a.assets.Write(rel, pcm); err != nil {
		return &RenderError{Key: key, Err: err}
	}
	return nil
}

func (a *ArtifactRenderer) recordFailure(m *AudioManifest, code string, err error) {
	var renderErr *RenderError
	key := "unknown"
	if errors.As(err, &renderErr) {
		key = renderErr.Key
	}
	m.Failed = append(m.Failed, key)
	a.logger.WithError(err).WithFields(logrus.Fields{
		"device_code": code,
		"asset":       key,
	}).Warn("Speech asset skipped")
}
