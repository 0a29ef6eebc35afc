package engine

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrEnvironmentInvalid is returned by pre-spawn validation when required
// binaries are missing. No execution record is created for this failure.
var ErrEnvironmentInvalid = errors.New("environment invalid")

// EnvironmentError carries the list of missing components.
type EnvironmentError struct {
	Missing []string
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment invalid: missing %s", strings.Join(e.Missing, ", "))
}

func (e *EnvironmentError) Unwrap() error {
	return ErrEnvironmentInvalid
}

// ValidateEnvironment checks that the AI binary and the wrapper host (this
// binary, re-executed as `emdx exec-wrapper`) are reachable.
func ValidateEnvironment(cfg *Config) error {
	var missing []string
	if _, err := exec.LookPath(cfg.Executable); err != nil {
		missing = append(missing, cfg.Executable)
	}
	if _, err := selfExecutable(); err != nil {
		missing = append(missing, "emdx (self)")
	}
	if len(missing) > 0 {
		return &EnvironmentError{Missing: missing}
	}
	return nil
}

func selfExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return exe, nil
}
