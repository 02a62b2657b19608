package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Language identifies the source language of a function.
type Language string

// Supported languages.
const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

// Backend identifies the virtualization backend a function runs on.
type Backend string

// Supported backends. BackendUnknown labels metrics for invocations that
// failed before a backend could be resolved.
const (
	BackendStandard  Backend = "standard"
	BackendSandboxed Backend = "sandboxed"
	BackendUnknown   Backend = "unknown"
)

// Timeout bounds in seconds.
const (
	DefaultTimeoutS = 5
	MaxTimeoutS     = 300
)

// ErrInvalidFunction is returned by Validate for malformed function specs.
var ErrInvalidFunction = errors.New("invalid function")

// ParseLanguage normalizes a language name. Unknown names are returned as-is
// so callers can report them; use Supported to check.
func ParseLanguage(s string) Language {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py":
		return LanguagePython
	case "javascript", "js", "node":
		return LanguageJavaScript
	default:
		return Language(strings.ToLower(strings.TrimSpace(s)))
	}
}

// Supported reports whether l is a language the platform can run.
func (l Language) Supported() bool {
	return l == LanguagePython || l == LanguageJavaScript
}

// ParseBackend normalizes a backend name, accepting the legacy names
// "docker" and "gvisor".
func ParseBackend(s string) Backend {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard", "docker":
		return BackendStandard
	case "sandboxed", "gvisor":
		return BackendSandboxed
	default:
		return Backend(strings.ToLower(strings.TrimSpace(s)))
	}
}

// Supported reports whether b is one of the two execution backends.
func (b Backend) Supported() bool {
	return b == BackendStandard || b == BackendSandboxed
}

// Function is a registered user function.
type Function struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Route     string    `json:"route"`
	Language  Language  `json:"language"`
	Code      string    `json:"code"`
	TimeoutS  int       `json:"timeout"`
	Backend   Backend   `json:"virtualization_backend"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize fills defaults and canonicalizes enum fields.
func (f *Function) Normalize() {
	f.Name = strings.TrimSpace(f.Name)
	f.Route = strings.TrimSpace(f.Route)
	f.Language = ParseLanguage(string(f.Language))
	if f.Backend == "" {
		f.Backend = BackendStandard
	} else {
		f.Backend = ParseBackend(string(f.Backend))
	}
	if f.TimeoutS == 0 {
		f.TimeoutS = DefaultTimeoutS
	}
}

// Validate checks that f can be stored and executed.
func (f Function) Validate() error {
	switch {
	case f.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidFunction)
	case f.Route == "":
		return fmt.Errorf("%w: route is required", ErrInvalidFunction)
	case !strings.HasPrefix(f.Route, "/"):
		return fmt.Errorf("%w: route must start with /", ErrInvalidFunction)
	case strings.TrimSpace(f.Code) == "":
		return fmt.Errorf("%w: code is required", ErrInvalidFunction)
	case !f.Language.Supported():
		return fmt.Errorf("%w: unsupported language %q", ErrInvalidFunction, f.Language)
	case !f.Backend.Supported():
		return fmt.Errorf("%w: unsupported backend %q", ErrInvalidFunction, f.Backend)
	case f.TimeoutS < 1 || f.TimeoutS > MaxTimeoutS:
		return fmt.Errorf("%w: timeout must be between 1 and %d seconds", ErrInvalidFunction, MaxTimeoutS)
	}
	return nil
}
