// Package storage manages the intake and output areas on disk and the
// background tasks that keep them small.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned for names that would escape a storage area.
var ErrInvalidName = errors.New("invalid file name")

// Area names used in logs and janitor hooks.
const (
	AreaIntake = "uploads"
	AreaOutput = "converted"
)

// Areas holds the two directories files live in between requests.
type Areas struct {
	Intake string
	Output string
}

// NewAreas returns Areas rooted at the given directories.
func NewAreas(intake, output string) Areas {
	return Areas{Intake: intake, Output: output}
}

// Ensure creates both directories if they do not exist yet.
func (a Areas) Ensure() error {
	for _, dir := range []string{a.Intake, a.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage area %s: %w", dir, err)
		}
	}
	return nil
}

// IntakePath resolves an upload identifier to its path in the intake area.
func (a Areas) IntakePath(fileID string) (string, error) {
	return join(a.Intake, fileID)
}

// OutputPath resolves a converted file name to its path in the output area.
func (a Areas) OutputPath(name string) (string, error) {
	return join(a.Output, name)
}

// Dirs returns area name -> directory, in sweep order.
func (a Areas) Dirs() [][2]string {
	return [][2]string{{AreaIntake, a.Intake}, {AreaOutput, a.Output}}
}

func join(dir, name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name), nil
}

// ValidName reports whether name is a plain file name with no path component.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}
