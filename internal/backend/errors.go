package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by drivers, the pool and the engine.
var (
	ErrBuild               = errors.New("image build failed")
	ErrCreate              = errors.New("container create failed")
	ErrTimeout             = errors.New("execution timed out")
	ErrUnsupportedBackend  = errors.New("unsupported backend")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// RunError reports a container that ran to completion with a non-zero exit.
type RunError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *RunError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exit code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("exit code %d", e.ExitCode)
}
