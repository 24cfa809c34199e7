// Package media decodes meeting audio into the engine's canonical
// representation: mono float32 samples at 16kHz.
package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/voxident/voxident/pkg/embedding"
)

// Decode converts any ffmpeg-readable audio or video file into normalized
// mono 16kHz samples. ffmpeg must be in PATH.
func Decode(ctx context.Context, path string) ([]float32, error) {
	// ffmpeg -i input -vn -ac 1 -ar 16000 -f s16le -
	// #nosec G204 - path comes from job configuration, not remote input
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", embedding.SampleRate),
		"-f", "s16le",
		"-",
	)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		logrus.WithFields(logrus.Fields{
			"path":   path,
			"stderr": errBuf.String(),
		}).Error("ffmpeg decode failed")
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}

	samples := pcm16ToFloat32(outBuf.Bytes())
	logrus.WithFields(logrus.Fields{
		"path":     path,
		"samples":  len(samples),
		"duration": embedding.Duration(samples),
	}).Debug("Decoded audio")

	return samples, nil
}

// Slice returns the samples between start and end seconds, clamped to the
// waveform bounds. Returns nil when the window is empty.
func Slice(samples []float32, start, end float64) []float32 {
	lo := int(start * embedding.SampleRate)
	hi := int(end * embedding.SampleRate)
	if lo < 0 {
		lo = 0
	}
	if hi > len(samples) {
		hi = len(samples)
	}
	if lo >= hi {
		return nil
	}
	return samples[lo:hi]
}

// pcm16ToFloat32 decodes 16-bit little-endian PCM into [-1, 1] samples
func pcm16ToFloat32(raw []byte) []float32 {
	n := len(raw) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}
