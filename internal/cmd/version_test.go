package cmd

import (
	"bytes"
	"testing"
)

func TestVersion_OutputsVersionAndCommit(t *testing.T) {
	origVersion := Version
	origCommit := Commit
	defer func() {
		Version = origVersion
		Commit = origCommit
	}()

	Version = "1.2.3"
	Commit = "abc123"

	var buf bytes.Buffer
	cmd := NewVersionCmd()
	cmd.SetOut(&buf)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	want := "callscribe version 1.2.3 (commit: abc123)\n"
	if buf.String() != want {
		t.Errorf("expected %q, got: %q", want, buf.String())
	}
}
