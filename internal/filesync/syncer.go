package filesync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"devbay/internal/engine"
)

const hostTmpPrefix = ".devbay-tmp."

// Config describes one container's sync work.
type Config struct {
	Engine      engine.Engine
	ContainerID string
	Pairs       []Pair
	Interval    time.Duration // scan interval; default 2s
	Debounce    time.Duration // fsnotify wake-up debounce; default 250ms
	Policy      ConflictPolicy
	Logger      *log.Logger
}

// Syncer reconciles a container's declared sync pairs until cancelled.
type Syncer struct {
	engine      engine.Engine
	containerID string
	pairs       []Pair
	states      []*pairState
	interval    time.Duration
	debounce    time.Duration
	policy      ConflictPolicy
	logger      *log.Logger
	conflicts   chan Conflict
}

// New validates cfg and builds a Syncer. Run must be called to start
// reconciling.
func New(cfg Config) (*Syncer, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("filesync: engine is required")
	}
	if cfg.ContainerID == "" {
		return nil, fmt.Errorf("filesync: container id is required")
	}
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("filesync: at least one pair is required")
	}
	for _, pair := range cfg.Pairs {
		if err := pair.Validate(); err != nil {
			return nil, fmt.Errorf("filesync: %w", err)
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyPreferNewest
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[sync] ", log.LstdFlags|log.Lmsgprefix)
	}

	states := make([]*pairState, len(cfg.Pairs))
	for i := range states {
		states[i] = newPairState()
	}

	return &Syncer{
		engine:      cfg.Engine,
		containerID: cfg.ContainerID,
		pairs:       cfg.Pairs,
		states:      states,
		interval:    cfg.Interval,
		debounce:    cfg.Debounce,
		policy:      cfg.Policy,
		logger:      cfg.Logger,
		conflicts:   make(chan Conflict, 16),
	}, nil
}

// Conflicts reports bidirectional divergences as they are detected.
// Delivery is best-effort; a full channel drops (and logs) the report.
func (s *Syncer) Conflicts() <-chan Conflict {
	return s.conflicts
}

// Run reconciles until ctx is cancelled. Iteration failures are logged and
// the loop continues; the loop ends cleanly when the container is gone.
func (s *Syncer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Printf("fsnotify unavailable, falling back to interval-only scans: %v", err)
		watcher = nil
	} else {
		defer watcher.Close()
		for _, pair := range s.pairs {
			if err := watcher.Add(pair.HostDir); err != nil {
				s.logger.Printf("watch %s: %v", pair.HostDir, err)
			}
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var wake <-chan time.Time

	cycle := func() bool {
		if err := s.SyncOnce(ctx); err != nil {
			if engine.IsNotFound(err) {
				s.logger.Printf("container %s gone, sync loop for it done", s.containerID)
				return false
			}
			s.logger.Printf("sync cycle: %v", err)
		}
		if watcher != nil {
			s.refreshWatches(watcher)
		}
		return true
	}

	if !cycle() {
		return nil
	}

	for {
		var events chan fsnotify.Event
		var errors chan error
		if watcher != nil {
			events = watcher.Events
			errors = watcher.Errors
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !cycle() {
				return nil
			}
		case <-wake:
			wake = nil
			if !cycle() {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				watcher = nil
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), hostTmpPrefix) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(s.debounce)
			wake = debounce.C
		case err, ok := <-errors:
			if !ok {
				watcher = nil
				continue
			}
			s.logger.Printf("watcher: %v", err)
		}
	}
}

// refreshWatches adds watches for subdirectories discovered since the last
// cycle. fsnotify is non-recursive; adding an already-watched path is a
// no-op error we ignore.
func (s *Syncer) refreshWatches(watcher *fsnotify.Watcher) {
	for _, pair := range s.pairs {
		filepath.WalkDir(pair.HostDir, func(p string, entry os.DirEntry, err error) error {
			if err != nil || !entry.IsDir() {
				return nil
			}
			watcher.Add(p)
			return nil
		})
	}
}

// SyncOnce runs one reconciliation cycle over every pair. With the strict
// policy a divergence aborts the remaining work for that cycle and returns
// a *SyncConflictError; resolved files keep their propagated state.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	for i, pair := range s.pairs {
		if err := s.syncPair(ctx, pair, s.states[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) syncPair(ctx context.Context, pair Pair, state *pairState) error {
	hostNow, err := scanHost(pair.HostDir)
	if err != nil {
		return fmt.Errorf("scan host %s: %w", pair.HostDir, err)
	}
	contFiles, err := s.engine.ListFiles(ctx, s.containerID, pair.ContainerDir)
	if err != nil {
		return fmt.Errorf("scan container %s: %w", pair.ContainerDir, err)
	}
	contNow := make(map[string]fingerprint, len(contFiles))
	for _, f := range contFiles {
		contNow[f.Path] = newFingerprint(f.Size, f.ModTime)
	}

	for _, rel := range unionPaths(hostNow, contNow, state.host, state.container) {
		hostFP, hostOK := hostNow[rel]
		contFP, contOK := contNow[rel]
		recHost, recHostOK := state.host[rel]
		recCont, recContOK := state.container[rel]

		hostChanged := (hostOK && (!recHostOK || !hostFP.equal(recHost))) || (!hostOK && recHostOK)
		contChanged := (contOK && (!recContOK || !contFP.equal(recCont))) || (!contOK && recContOK)

		var err error
		switch pair.Direction {
		case HostToContainer:
			if hostChanged {
				err = s.propagateToContainer(ctx, pair, state, rel, hostOK)
			}
		case ContainerToHost:
			if contChanged {
				err = s.propagateToHost(ctx, pair, state, rel, contOK)
			}
		case Bidirectional:
			err = s.reconcile(ctx, pair, state, rel, sideState{hostOK, hostFP, hostChanged}, sideState{contOK, contFP, contChanged})
		}
		if err != nil {
			if _, strict := err.(*SyncConflictError); strict {
				return err
			}
			if engine.IsNotFound(err) {
				return err
			}
			// Per-file failure: leave the recorded state stale so the
			// next cycle retries this path.
			s.logger.Printf("sync %s: %v", rel, err)
		}
	}
	return nil
}

type sideState struct {
	present bool
	fp      fingerprint
	changed bool
}

// reconcile applies the bidirectional rules for a single path.
func (s *Syncer) reconcile(ctx context.Context, pair Pair, state *pairState, rel string, host, cont sideState) error {
	switch {
	case !host.changed && !cont.changed:
		return nil
	case host.changed && !cont.changed:
		return s.propagateToContainer(ctx, pair, state, rel, host.present)
	case cont.changed && !host.changed:
		return s.propagateToHost(ctx, pair, state, rel, cont.present)
	}

	// Both sides changed since the last cycle.
	if host.present && cont.present && host.fp.equal(cont.fp) {
		// Converged on their own (or first cycle over identical trees).
		state.host[rel] = host.fp
		state.container[rel] = cont.fp
		return nil
	}
	if !host.present && !cont.present {
		delete(state.host, rel)
		delete(state.container, rel)
		return nil
	}

	if s.policy == PolicyStrict {
		s.report(Conflict{Pair: pair, Path: rel})
		return &SyncConflictError{Path: rel}
	}

	// Last-writer-wins by modification time. A deletion loses to a
	// surviving edit: the surviving side's content is restored.
	winner := "host"
	switch {
	case !host.present:
		winner = "container"
	case !cont.present:
		winner = "host"
	case cont.fp.modTime.After(host.fp.modTime):
		winner = "container"
	}

	s.report(Conflict{Pair: pair, Path: rel, Resolution: winner})
	s.logger.Printf("conflict on %s: both sides changed, keeping %s copy", rel, winner)

	if winner == "host" {
		return s.propagateToContainer(ctx, pair, state, rel, host.present)
	}
	return s.propagateToHost(ctx, pair, state, rel, cont.present)
}

// propagateToContainer copies (or deletes, when the source is gone) one
// host file into the container and records the post-sync fingerprints.
func (s *Syncer) propagateToContainer(ctx context.Context, pair Pair, state *pairState, rel string, present bool) error {
	contPath := path.Join(pair.ContainerDir, rel)
	if !present {
		if err := s.engine.RemoveFile(ctx, s.containerID, contPath); err != nil {
			return err
		}
		delete(state.host, rel)
		delete(state.container, rel)
		return nil
	}

	hostPath := filepath.Join(pair.HostDir, filepath.FromSlash(rel))
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	if err := s.engine.WriteFile(ctx, s.containerID, contPath, data, info.ModTime()); err != nil {
		return err
	}

	fp := newFingerprint(info.Size(), info.ModTime())
	state.host[rel] = fp
	state.container[rel] = fp
	return nil
}

// propagateToHost copies (or deletes) one container file onto the host.
// The host write goes through a temp file and rename.
func (s *Syncer) propagateToHost(ctx context.Context, pair Pair, state *pairState, rel string, present bool) error {
	hostPath := filepath.Join(pair.HostDir, filepath.FromSlash(rel))
	if !present {
		if err := os.Remove(hostPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		delete(state.host, rel)
		delete(state.container, rel)
		return nil
	}

	contPath := path.Join(pair.ContainerDir, rel)
	data, modTime, err := s.engine.ReadFile(ctx, s.containerID, contPath)
	if err != nil {
		return err
	}
	if err := writeHostFile(hostPath, data, modTime); err != nil {
		return err
	}

	fp := newFingerprint(int64(len(data)), modTime)
	state.host[rel] = fp
	state.container[rel] = fp
	return nil
}

func (s *Syncer) report(c Conflict) {
	select {
	case s.conflicts <- c:
	default:
		s.logger.Printf("conflict report dropped (channel full): %s", c.Path)
	}
}

// scanHost fingerprints every regular file under dir, keyed by slash-form
// relative path. Sync temp files are skipped.
func scanHost(dir string) (map[string]fingerprint, error) {
	files := make(map[string]fingerprint)
	err := filepath.WalkDir(dir, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(entry.Name(), hostTmpPrefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = newFingerprint(info.Size(), info.ModTime())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// writeHostFile writes data to a temp name in the destination directory,
// applies modTime, and renames into place.
func writeHostFile(dst string, data []byte, modTime time.Time) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, hostTmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chtimes(tmpName, modTime, modTime); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// unionPaths returns the sorted union of keys across the four maps.
func unionPaths(maps ...map[string]fingerprint) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	paths := make([]string, 0, len(seen))
	for k := range seen {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}
