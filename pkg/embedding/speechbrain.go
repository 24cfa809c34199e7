package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Default ECAPA-TDNN embedding dimension
const ecapaDimension = 192

// SpeechBrainExtractor computes speaker embeddings with the SpeechBrain
// ECAPA-TDNN encoder, invoked as a Python subprocess. Audio is streamed as
// 16-bit PCM on stdin, the embedding comes back as JSON on stdout.
type SpeechBrainExtractor struct {
	modelSource string
	device      string // "auto", "cpu", "cuda"
	pythonPath  string
	minSamples  int
	dimension   int
}

// speechBrainResponse represents the JSON output of the encoder script
type speechBrainResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewSpeechBrainExtractor creates an ECAPA based extractor. minDuration is
// the shortest audio, in seconds, the extractor will accept.
func NewSpeechBrainExtractor(modelSource string, minDuration float64) (*SpeechBrainExtractor, error) {
	if modelSource == "" {
		modelSource = "speechbrain/spkrec-ecapa-voxceleb"
	}

	// Check for Python executable
	pythonPath, err := exec.LookPath("python3")
	if err != nil {
		pythonPath, err = exec.LookPath("python")
		if err != nil {
			return nil, fmt.Errorf("python executable not found in PATH: %w", err)
		}
	}

	// Check if speechbrain is installed
	cmd := exec.Command(pythonPath, "-c", "import speechbrain")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("speechbrain not installed. Install with: pip install speechbrain torch torchaudio")
	}

	device := os.Getenv("SPEAKER_ENCODER_DEVICE")
	if device == "" {
		device = "auto"
	}

	logrus.WithFields(logrus.Fields{
		"python": pythonPath,
		"model":  modelSource,
		"device": device,
	}).Info("SpeechBrain extractor initialized successfully")

	return &SpeechBrainExtractor{
		modelSource: modelSource,
		device:      device,
		pythonPath:  pythonPath,
		minSamples:  MinSamples(minDuration),
		dimension:   ecapaDimension,
	}, nil
}

// Extract runs the encoder subprocess on one waveform
func (se *SpeechBrainExtractor) Extract(ctx context.Context, samples []float32) ([]float32, error) {
	if len(samples) < se.minSamples {
		return nil, fmt.Errorf("%w: %.2fs below minimum", ErrInsufficientAudio, Duration(samples))
	}

	logrus.WithFields(logrus.Fields{
		"samples": len(samples),
		"model":   se.modelSource,
	}).Debug("SpeechBrainExtractor: extracting embedding")

	cmd := exec.CommandContext(ctx, se.pythonPath, "-c", se.encoderScript())
	cmd.Stdin = bytes.NewReader(float32ToPCM16(samples))

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		logrus.WithFields(logrus.Fields{
			"error":  err,
			"stderr": errBuf.String(),
		}).Error("Speaker embedding extraction failed")
		return nil, fmt.Errorf("speechbrain extraction failed: %w", err)
	}

	var response speechBrainResponse
	if err := json.Unmarshal(outBuf.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("invalid encoder output: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("encoder error: %s", response.Error)
	}
	if len(response.Embedding) != se.dimension {
		return nil, fmt.Errorf("unexpected embedding dimension %d, want %d", len(response.Embedding), se.dimension)
	}

	return response.Embedding, nil
}

// encoderScript creates the Python script for embedding extraction
func (se *SpeechBrainExtractor) encoderScript() string {
	return fmt.Sprintf(`
import sys
import json
import numpy as np
import torch
import warnings

warnings.filterwarnings("ignore")

try:
    from speechbrain.inference.speaker import EncoderClassifier
except Exception:
    from speechbrain.pretrained import EncoderClassifier

try:
    # Read PCM audio from stdin (16kHz, mono, 16-bit signed little-endian)
    raw = sys.stdin.buffer.read()
    audio = np.frombuffer(raw, dtype=np.int16).astype(np.float32) / 32768.0

    device = "%s"
    if device == "auto":
        device = "cuda" if torch.cuda.is_available() else "cpu"

    classifier = EncoderClassifier.from_hparams(
        source="%s",
        run_opts={"device": device},
    )

    batch = torch.from_numpy(audio).unsqueeze(0)
    with torch.no_grad():
        emb = classifier.encode_batch(batch)

    vec = emb.squeeze().cpu().numpy().astype(float).tolist()
    print(json.dumps({"embedding": vec}))

except Exception as e:
    print(json.dumps({"embedding": [], "error": str(e)}))
    sys.exit(1)
`,
		se.device,
		se.modelSource,
	)
}

// Dimension returns the embedding vector length
func (se *SpeechBrainExtractor) Dimension() int {
	return se.dimension
}

// IsReady reports whether the subprocess encoder can be invoked
func (se *SpeechBrainExtractor) IsReady() bool {
	return se.pythonPath != ""
}

func (se *SpeechBrainExtractor) Close() error {
	return nil
}

// float32ToPCM16 encodes normalized samples as 16-bit little-endian PCM
func float32ToPCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}
