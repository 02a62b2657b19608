package backend

import (
	"context"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// Driver is the interface that every execution backend implements. The
// standard and sandboxed variants differ only in the isolation runtime they
// pass to the container engine.
type Driver interface {
	// BuildImage builds a runnable image for the language from its fixed base
	// definition plus every file in artifactDir, tagged with tag.
	BuildImage(ctx context.Context, lang LanguageConfig, artifactDir, tag string) (ImageRef, error)

	// CreateWarmContainer creates and starts a detached container from image.
	CreateWarmContainer(ctx context.Context, image ImageRef) (ContainerHandle, error)

	// RunAttached copies the request's workspace into the container, runs the
	// entrypoint and blocks until it exits or req.Timeout elapses.
	RunAttached(ctx context.Context, req RunRequest) (Output, error)

	// Destroy force-removes the container, and its image when OwnsImage is
	// set. Failures are logged, not returned.
	Destroy(ctx context.Context, h ContainerHandle)

	// Capabilities reports the driver's name, runtime and languages.
	Capabilities() Capabilities
}

// ImageRef identifies a built image.
type ImageRef struct {
	ID       string         `json:"id"`
	Tag      string         `json:"tag"`
	Language model.Language `json:"language"`
	Backend  model.Backend  `json:"backend"`
}

// IsZero reports whether no image has been built.
func (r ImageRef) IsZero() bool {
	return r.ID == "" && r.Tag == ""
}

// Name returns the reference to pass to the container engine.
func (r ImageRef) Name() string {
	if r.Tag != "" {
		return r.Tag
	}
	return r.ID
}

// ContainerHandle identifies a live container.
type ContainerHandle struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Image   ImageRef      `json:"image"`
	Runtime string        `json:"runtime,omitempty"`
	Backend model.Backend `json:"backend"`

	// OwnsImage marks a request-scoped image that Destroy removes together
	// with the container.
	OwnsImage bool `json:"-"`
}

// RunRequest describes one attached run of a container.
type RunRequest struct {
	Container    ContainerHandle
	Language     LanguageConfig
	WorkspaceDir string
	Timeout      time.Duration

	// LogWriter is an optional callback invoked once per output line while the
	// container runs.
	LogWriter func(line string)
}

// Output holds what a container produced during one run.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Capabilities describes a registered driver.
type Capabilities struct {
	Name               string           `json:"name"`
	Backend            model.Backend    `json:"backend"`
	Runtime            string           `json:"runtime,omitempty"`
	SupportedLanguages []model.Language `json:"supported_languages"`
}
