package transcribe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFileName is the file searched for when no explicit path is given.
const ConfigFileName = "callscribe.yaml"

// EnvConfig overrides config discovery when set.
const EnvConfig = "CALLSCRIBE_CONFIG"

// ErrConfigNotFound is returned when no configuration file can be located.
var ErrConfigNotFound = errors.New("no " + ConfigFileName + " found")

// systemConfigPath is consulted last.
var systemConfigPath = "/etc/callscribe/" + ConfigFileName

// FindConfig resolves the configuration file path. An explicit path wins,
// then $CALLSCRIBE_CONFIG, then callscribe.yaml in the working directory or
// any parent, then the system-wide file. An explicit or environment path that
// does not exist is an error rather than a fallthrough.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		return existingFile(explicit)
	}

	if envPath := os.Getenv(EnvConfig); envPath != "" {
		return existingFile(envPath)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if path, err := FindConfigFrom(cwd); err == nil {
		return path, nil
	}

	if _, err := os.Stat(systemConfigPath); err == nil {
		return systemConfigPath, nil
	}
	return "", ErrConfigNotFound
}

// FindConfigFrom walks up from startPath looking for callscribe.yaml.
// Returns ErrConfigNotFound if the filesystem root is reached first.
func FindConfigFrom(startPath string) (string, error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", err
	}

	current := absPath
	for {
		candidate := filepath.Join(current, ConfigFileName)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrConfigNotFound
		}
		current = parent
	}
}

func existingFile(path string) (string, error) {
	absPath, err := filepath.Abs(expandTilde(path))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfigNotFound, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrConfigNotFound, absPath)
	}
	return absPath, nil
}
