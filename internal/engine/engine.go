// Package engine wraps the container engine's control API behind a narrow
// interface so that the rest of devbay never sees engine-specific call shapes.
// The Docker implementation lives in docker.go; tests use the filesystem-backed
// fake in the enginetest subpackage.
package engine

import (
	"context"
	"time"
)

// Log stream source markers, matching the engine's own stream tagging.
const (
	SourceStdout byte = 1
	SourceStderr byte = 2
)

// BuildSpec describes an image build: a context directory plus the name of
// the build file inside it, and the tag to apply to the result.
type BuildSpec struct {
	ContextDir string
	Dockerfile string
	Tag        string
}

// ContainerSpec describes a container to create and start.
type ContainerSpec struct {
	Name       string
	Image      string
	Ports      map[string]string // host port -> container port
	Volumes    map[string]string // host path -> container path
	Env        map[string]string
	AutoRemove bool
}

// ContainerState is a point-in-time view of a container's engine state.
type ContainerState struct {
	ID       string
	Running  bool
	Status   string // raw engine status string, e.g. "running", "exited"
	ExitCode int
}

// ExecResult holds the demultiplexed output of a finished exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// UsageStats is a single resource usage snapshot. Network counters are
// summed across all interfaces the engine reports; zero when none are.
type UsageStats struct {
	CPUUsageTotal    uint64
	MemoryUsageBytes uint64
	NetworkRxBytes   uint64
	NetworkTxBytes   uint64
}

// LogChunk is one tagged chunk of container output, in engine emission order.
type LogChunk struct {
	Source byte // SourceStdout or SourceStderr
	Data   []byte
}

// FileInfo describes one regular file inside a container directory,
// path relative to the listed directory.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Engine is the control-plane surface devbay requires from a container
// engine. All calls are blocking; implementations bound their concurrency
// internally (see the call gate in docker.go).
type Engine interface {
	// BuildImage builds an image from spec.ContextDir and tags it spec.Tag.
	BuildImage(ctx context.Context, spec BuildSpec) error

	// CreateContainer creates and starts a container, returning its engine id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StopContainer stops a running container. With AutoRemove the engine
	// removes it as a side effect.
	StopContainer(ctx context.Context, id string) error

	// InspectContainer reports the container's current engine state.
	InspectContainer(ctx context.Context, id string) (ContainerState, error)

	// Exec runs cmd inside the container and returns its demultiplexed
	// output. stdout and stderr are captured independently; a partial
	// result is returned alongside any stream error.
	Exec(ctx context.Context, id string, cmd []string, workdir string) (ExecResult, error)

	// Stats takes one non-streaming resource usage snapshot.
	Stats(ctx context.Context, id string) (UsageStats, error)

	// StreamLogs follows the container's combined output. The returned
	// channel preserves engine emission order and is closed on EOF or
	// when ctx is cancelled.
	StreamLogs(ctx context.Context, id string) (<-chan LogChunk, error)

	// ListFiles enumerates regular files under dir inside the container.
	ListFiles(ctx context.Context, id, dir string) ([]FileInfo, error)

	// ReadFile returns the content and modification time of one file.
	ReadFile(ctx context.Context, id, path string) ([]byte, time.Time, error)

	// WriteFile replaces path atomically (temp name, then rename), setting
	// the given modification time.
	WriteFile(ctx context.Context, id, path string, data []byte, modTime time.Time) error

	// RemoveFile deletes one file inside the container.
	RemoveFile(ctx context.Context, id, path string) error

	Close() error
}
