// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV writes a 16-bit mono PCM recording of the given length filled
// with a low square wave.
func WriteWAV(t testing.TB, path string, sampleRate int, length time.Duration) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	n := int(length.Seconds() * float64(sampleRate))
	data := make([]int, n)
	for i := range data {
		if (i/20)%2 == 0 {
			data[i] = 2000
		} else {
			data[i] = -2000
		}
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("finalize wav: %v", err)
	}
}
