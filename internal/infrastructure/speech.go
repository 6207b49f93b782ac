// services/dispenser/internal/infrastructure/speech.go
package infrastructure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"example.com/backstage/services/dispenser/config"
	"github.com/go-resty/resty/v2"
)

// ErrSpeechUnavailable is returned when no speech endpoint is configured.
var ErrSpeechUnavailable = errors.New("speech endpoint not configured")

type speechRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// SpeechClient renders text through an HTTP text-to-speech service. The
// service answers with the encoded audio as the response body.
type SpeechClient struct {
	httpClient *resty.Client
	endpoint   string
}

func NewSpeechClient(cfg config.SpeechConfig) *SpeechClient {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "audio/*").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	return &SpeechClient{httpClient: client, endpoint: cfg.Endpoint}
}

// Render implements core.SpeechRenderer.
func (c *SpeechClient) Render(ctx context.Context, text, language string) ([]byte, error) {
	if c.endpoint == "" {
		return nil, ErrSpeechUnavailable
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(speechRequest{Text: text, Language: language}).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call speech service: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("speech service returned %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if len(resp.Body()) == 0 {
		return nil, errors.New("speech service returned empty audio")
	}
	return resp.Body(), nil
}

// FFmpegTranscoder converts rendered speech to the WAV format the device
// plays: mono, 16-bit PCM at the configured sample rate.
type FFmpegTranscoder struct {
	path       string
	sampleRate int
}

func NewFFmpegTranscoder(cfg config.SpeechConfig) *FFmpegTranscoder {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &FFmpegTranscoder{path: path, sampleRate: rate}
}

func (t *FFmpegTranscoder) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-af", "loudnorm",
		"-ac", "1",
		"-ar", strconv.Itoa(t.sampleRate),
		"-sample_fmt", "s16",
		"-f", "wav",
		"pipe:1",
	}
}

// Transcode implements core.Transcoder.
func (t *FFmpegTranscoder) Transcode(ctx context.Context, raw []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.path, t.args()...)
	cmd.Stdin = bytes.NewReader(raw)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
