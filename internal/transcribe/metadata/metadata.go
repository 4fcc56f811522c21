// Package metadata reads recording properties used in notifications.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// ErrInvalidFormat indicates the file is not a readable WAV file.
var ErrInvalidFormat = errors.New("invalid WAV format")

// Info describes a recording.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// ReadWAV reads the header of a WAV recording and computes its duration.
func ReadWAV(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, path)
	}

	dur, err := d.Duration()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	return &Info{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Duration:   dur,
	}, nil
}
