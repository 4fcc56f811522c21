// Package verify classifies a finished engine run by checking which artifacts
// actually exist on disk.
package verify

import (
	"os"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
)

// Outcome is the terminal classification of a job.
type Outcome string

const (
	// Verified means the engine succeeded and every required artifact exists.
	Verified Outcome = "verified"
	// Inconsistent means the engine reported success but artifacts are missing.
	Inconsistent Outcome = "inconsistent"
	// Failed means the engine itself failed, timed out or never started.
	Failed Outcome = "failed"
)

// Report is the verifier's finding for one job.
type Report struct {
	Outcome Outcome
	// Expected holds one path per requested format.
	Expected []string
	// Missing holds the required artifacts that are absent or empty.
	Missing []string
}

// Verifier checks artifacts under an output directory.
type Verifier struct {
	formats  []string
	required []string
}

// New creates a Verifier for the requested formats. required must be a
// subset of formats; an empty required list requires every format.
func New(formats, required []string) *Verifier {
	if len(required) == 0 {
		required = formats
	}
	return &Verifier{formats: formats, required: required}
}

// Verify classifies result. The engine's exit status decides Failed; only a
// successful run is checked against the filesystem.
func (v *Verifier) Verify(result engine.Result, outputDir, baseName string) Report {
	report := Report{Expected: make([]string, 0, len(v.formats))}
	for _, ext := range v.formats {
		report.Expected = append(report.Expected, engine.ArtifactPath(outputDir, baseName, ext))
	}

	if !result.OK() {
		report.Outcome = Failed
		return report
	}

	for _, ext := range v.required {
		path := engine.ArtifactPath(outputDir, baseName, ext)
		if !present(path) {
			report.Missing = append(report.Missing, path)
		}
	}

	if len(report.Missing) > 0 {
		report.Outcome = Inconsistent
		return report
	}
	report.Outcome = Verified
	return report
}

// present reports whether path is a non-empty regular file.
func present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
