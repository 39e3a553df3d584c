// Package harbor is the core of devbay: it owns the environment->container
// registry and orchestrates container lifecycle, command execution, stats
// snapshots, output subscriptions, and file sync start/teardown. Containers
// are only ever created here; the other components operate on registered
// containers.
package harbor

import (
	"time"

	"devbay/internal/filesync"
)

// Status is a container's lifecycle state as tracked by the registry.
type Status string

const (
	StatusBuilding Status = "building"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusRemoved  Status = "removed"
)

// Container is the registry's record of one environment's active container.
type Container struct {
	ID          string
	Environment string
	Image       string
	Ports       map[string]string
	Volumes     map[string]string
	Env         map[string]string
	Status      Status
	CreatedAt   time.Time
}

// BuildSpec asks Create to build the environment's image before running it.
// ContextDir defaults to the request's ProjectPath.
type BuildSpec struct {
	ContextDir string
	Dockerfile string
}

// CreateRequest describes a container to create for an environment.
type CreateRequest struct {
	Environment string
	ProjectPath string
	Build       *BuildSpec
	Ports       map[string]string // host port -> container port
	Volumes     map[string]string // host path -> container path
	Env         map[string]string
	SyncPairs   []filesync.Pair
}

// StatusInfo is the result of a status query: the registry's view plus the
// engine's raw state string.
type StatusInfo struct {
	ID       string
	Status   Status
	RawState string
}

// CleanupResult is one environment's outcome from CleanupAll.
type CleanupResult struct {
	Environment string
	Err         error
}
