package diarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const defaultAssemblyBaseURL = "https://api.assemblyai.com/v2"

// AssemblyBackend drives the AssemblyAI v2 transcription API:
// upload the audio, submit a transcript job with speaker labels enabled,
// then poll until the job completes.
type AssemblyBackend struct {
	client       *resty.Client
	pollInterval time.Duration
}

// AssemblyOption customizes the backend
type AssemblyOption func(*AssemblyBackend)

// WithBaseURL overrides the API endpoint, mainly for tests
func WithBaseURL(url string) AssemblyOption {
	return func(b *AssemblyBackend) {
		b.client.SetBaseURL(url)
	}
}

// WithPollInterval overrides the status polling cadence
func WithPollInterval(interval time.Duration) AssemblyOption {
	return func(b *AssemblyBackend) {
		b.pollInterval = interval
	}
}

// NewAssemblyBackend creates a backend authenticated with the given API key
func NewAssemblyBackend(apiKey string, opts ...AssemblyOption) (*AssemblyBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("assemblyai api key is required")
	}

	client := resty.New().
		SetBaseURL(defaultAssemblyBaseURL).
		SetHeader("Authorization", apiKey)

	b := &AssemblyBackend{
		client:       client,
		pollInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type submitRequest struct {
	AudioURL         string   `json:"audio_url"`
	Punctuate        bool     `json:"punctuate"`
	FormatText       bool     `json:"format_text"`
	SpeakerLabels    bool     `json:"speaker_labels"`
	SpeakersExpected int      `json:"speakers_expected,omitempty"`
	SpeechThreshold  float64  `json:"speech_threshold,omitempty"`
	WordBoost        []string `json:"word_boost,omitempty"`
}

type transcriptResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Utterances []struct {
		Start      int64   `json:"start"` // milliseconds
		End        int64   `json:"end"`
		Speaker    string  `json:"speaker"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence,omitempty"`
	} `json:"utterances"`
}

// Diarize uploads the recording, submits a diarized transcription job and
// polls until it completes. Segment times are normalized to seconds and
// ordered by start time.
func (b *AssemblyBackend) Diarize(ctx context.Context, audioPath string, opts Options) ([]Segment, error) {
	log := logrus.WithFields(logrus.Fields{
		"backend": "assemblyai",
		"audio":   audioPath,
	})

	uploadURL, err := b.upload(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	log.Debug("Audio uploaded")

	transcriptID, err := b.submit(ctx, uploadURL, opts)
	if err != nil {
		return nil, err
	}
	log.WithField("transcript_id", transcriptID).Debug("Transcription job submitted")

	result, err := b.poll(ctx, transcriptID)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(result.Utterances))
	for _, u := range result.Utterances {
		text := strings.TrimSpace(u.Text)
		segments = append(segments, Segment{
			Start:      float64(u.Start) / 1000.0,
			End:        float64(u.End) / 1000.0,
			Label:      u.Speaker,
			Text:       text,
			Confidence: u.Confidence,
		})
	}
	sortSegments(segments)

	log.WithField("segments", len(segments)).Info("Diarization complete")
	return segments, nil
}

func (b *AssemblyBackend) upload(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath) // #nosec G304 - path comes from job configuration
	if err != nil {
		return "", fmt.Errorf("error opening audio: %w", err)
	}
	defer f.Close()

	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(f).
		Post("/upload")
	if err != nil {
		return "", b.requestError("upload", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("%w: upload failed (%d): %s", ErrBackendUnavailable, resp.StatusCode(), resp.String())
	}

	var out uploadResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("%w: invalid upload response: %v", ErrBackendUnavailable, err)
	}
	if out.UploadURL == "" {
		return "", fmt.Errorf("%w: upload response missing upload_url", ErrBackendUnavailable)
	}
	return out.UploadURL, nil
}

func (b *AssemblyBackend) submit(ctx context.Context, uploadURL string, opts Options) (string, error) {
	body := submitRequest{
		AudioURL:      uploadURL,
		Punctuate:     true,
		FormatText:    true,
		SpeakerLabels: true,
	}
	if opts.ExpectedSpeakers > 0 {
		body.SpeakersExpected = opts.ExpectedSpeakers
	}
	if opts.SpeechThreshold > 0 {
		body.SpeechThreshold = opts.SpeechThreshold
	}
	if len(opts.WordBoost) > 0 {
		body.WordBoost = opts.WordBoost
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/transcript")
	if err != nil {
		return "", b.requestError("submit", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("%w: submit failed (%d): %s", ErrBackendUnavailable, resp.StatusCode(), resp.String())
	}

	var out transcriptResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("%w: invalid submit response: %v", ErrBackendUnavailable, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: submit response missing id", ErrBackendUnavailable)
	}
	return out.ID, nil
}

func (b *AssemblyBackend) poll(ctx context.Context, transcriptID string) (*transcriptResponse, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		resp, err := b.client.R().
			SetContext(ctx).
			Get("/transcript/" + transcriptID)
		if err != nil {
			return nil, b.requestError("poll", err)
		}
		if resp.StatusCode() >= 300 {
			return nil, fmt.Errorf("%w: poll failed (%d): %s", ErrBackendUnavailable, resp.StatusCode(), resp.String())
		}

		var out transcriptResponse
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, fmt.Errorf("%w: invalid poll response: %v", ErrBackendUnavailable, err)
		}

		switch out.Status {
		case "completed":
			return &out, nil
		case "error":
			return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, out.Error)
		}

		logrus.WithFields(logrus.Fields{
			"transcript_id": transcriptID,
			"status":        out.Status,
		}).Debug("Waiting for transcription")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrBackendTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// requestError maps transport failures onto the adapter error taxonomy
func (b *AssemblyBackend) requestError(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", ErrBackendTimeout, stage, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, stage, err)
}
