// Package filesync keeps host directories and container directories
// consistent for the lifetime of a container.
//
// Change detection is a periodic fingerprint scan (size + mtime per tracked
// file on both sides); fsnotify events on the host side only wake a cycle
// early, the scan remains the source of truth. Every write, on either side,
// goes to a temporary name and is renamed into place.
package filesync

import (
	"fmt"
	"time"
)

// Direction declares which way changes flow for a sync pair.
type Direction string

const (
	HostToContainer Direction = "host-to-container"
	ContainerToHost Direction = "container-to-host"
	Bidirectional   Direction = "bidirectional"
)

// ConflictPolicy selects what happens when a bidirectional pair diverges on
// both sides within one cycle.
type ConflictPolicy string

const (
	// PolicyPreferNewest resolves last-writer-wins by modification time
	// and reports the conflict on the Conflicts channel.
	PolicyPreferNewest ConflictPolicy = "prefer-newest"
	// PolicyStrict leaves both sides untouched and surfaces the cycle
	// error; the conflict is re-reported every cycle until resolved.
	PolicyStrict ConflictPolicy = "strict"
)

// Pair associates one host directory with one container directory.
type Pair struct {
	HostDir      string
	ContainerDir string
	Direction    Direction
}

// Validate checks that the pair is well-formed.
func (p Pair) Validate() error {
	if p.HostDir == "" || p.ContainerDir == "" {
		return fmt.Errorf("sync pair must name both a host and a container directory")
	}
	switch p.Direction {
	case HostToContainer, ContainerToHost, Bidirectional:
		return nil
	default:
		return fmt.Errorf("unknown sync direction %q", p.Direction)
	}
}

// Conflict records one bidirectional divergence and how it was resolved.
// Resolution is "host" or "container" for last-writer-wins, empty when the
// strict policy left the file untouched.
type Conflict struct {
	Pair       Pair
	Path       string
	Resolution string
}

// SyncConflictError reports a divergence the strict policy refused to
// resolve.
type SyncConflictError struct {
	Path string
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("sync conflict: %s changed on both sides", e.Path)
}

// fingerprint is the cheap content-change signal per tracked file.
// Modification times are compared at second resolution because the
// container side round-trips through tar headers.
type fingerprint struct {
	size    int64
	modTime time.Time
}

func newFingerprint(size int64, modTime time.Time) fingerprint {
	return fingerprint{size: size, modTime: modTime.Truncate(time.Second)}
}

func (fp fingerprint) equal(other fingerprint) bool {
	return fp.size == other.size && fp.modTime.Equal(other.modTime)
}

// pairState holds the last recorded fingerprints for both sides of a pair.
type pairState struct {
	host      map[string]fingerprint
	container map[string]fingerprint
}

func newPairState() *pairState {
	return &pairState{
		host:      make(map[string]fingerprint),
		container: make(map[string]fingerprint),
	}
}
