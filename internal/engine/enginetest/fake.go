// Package enginetest provides a filesystem-backed fake implementation of
// engine.Engine so harbor, stream, and filesync tests run without a
// container daemon. Each fake container owns a directory on the host that
// stands in for its filesystem.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"devbay/internal/engine"
)

// Fake implements engine.Engine in memory. Error fields, when set, are
// returned by the corresponding call to simulate engine faults.
type Fake struct {
	mu         sync.Mutex
	root       string
	nextID     int
	containers map[string]*fakeContainer

	BuildErr  error
	CreateErr error
	StopErr   error
	ExecErr   error
	StatsErr  error

	// StopErrFor fails StopContainer for specific container ids, leaving
	// other containers stoppable. Checked before StopErr.
	StopErrFor map[string]error

	// ExecFn, when set, handles Exec calls for running containers.
	ExecFn func(cmd []string, workdir string) (engine.ExecResult, error)

	// StatsResult is returned by Stats for running containers.
	StatsResult engine.UsageStats

	// Builds records every BuildImage call.
	Builds []engine.BuildSpec

	// LogStreamOpens counts StreamLogs calls, for asserting that the
	// underlying stream is shared rather than re-opened per subscriber.
	LogStreamOpens int
}

type fakeContainer struct {
	id      string
	name    string
	image   string
	running bool
	dir     string

	logMu   sync.Mutex
	logSubs []chan engine.LogChunk
}

// NewFake creates a fake engine rooted at dir (typically t.TempDir()).
func NewFake(dir string) *Fake {
	return &Fake{
		root:       dir,
		containers: make(map[string]*fakeContainer),
	}
}

func (f *Fake) notFound(id string) error {
	return &engine.EngineError{Op: "lookup", ID: id, Err: fmt.Errorf("%w: %s", engine.ErrNotFound, id)}
}

func (f *Fake) get(id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, f.notFound(id)
	}
	return c, nil
}

func (f *Fake) BuildImage(_ context.Context, spec engine.BuildSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BuildErr != nil {
		return f.BuildErr
	}
	f.Builds = append(f.Builds, spec)
	return nil
}

func (f *Fake) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.nextID++
	id := fmt.Sprintf("fake-%04d", f.nextID)
	dir := filepath.Join(f.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    spec.Name,
		image:   spec.Image,
		running: true,
		dir:     dir,
	}
	return id, nil
}

func (f *Fake) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.StopErrFor[id]; ok {
		return err
	}
	if f.StopErr != nil {
		return f.StopErr
	}
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = false
	c.closeLogSubs()
	// AutoRemove behavior: a stopped container is gone.
	delete(f.containers, id)
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, id string) (engine.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return engine.ContainerState{}, err
	}
	status := "running"
	if !c.running {
		status = "exited"
	}
	return engine.ContainerState{ID: c.id, Running: c.running, Status: status}, nil
}

func (f *Fake) Exec(_ context.Context, id string, cmd []string, workdir string) (engine.ExecResult, error) {
	f.mu.Lock()
	c, err := f.get(id)
	if err != nil {
		f.mu.Unlock()
		return engine.ExecResult{}, err
	}
	if !c.running {
		f.mu.Unlock()
		return engine.ExecResult{}, f.notFound(id)
	}
	execErr := f.ExecErr
	fn := f.ExecFn
	f.mu.Unlock()

	if execErr != nil {
		return engine.ExecResult{}, execErr
	}
	if fn != nil {
		return fn(cmd, workdir)
	}
	return engine.ExecResult{}, nil
}

func (f *Fake) Stats(_ context.Context, id string) (engine.UsageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return engine.UsageStats{}, err
	}
	if f.StatsErr != nil {
		return engine.UsageStats{}, f.StatsErr
	}
	return f.StatsResult, nil
}

func (f *Fake) StreamLogs(ctx context.Context, id string) (<-chan engine.LogChunk, error) {
	f.mu.Lock()
	c, err := f.get(id)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.LogStreamOpens++
	f.mu.Unlock()

	ch := make(chan engine.LogChunk, 64)
	c.logMu.Lock()
	c.logSubs = append(c.logSubs, ch)
	c.logMu.Unlock()

	go func() {
		<-ctx.Done()
		c.logMu.Lock()
		defer c.logMu.Unlock()
		for i, sub := range c.logSubs {
			if sub == ch {
				c.logSubs = append(c.logSubs[:i], c.logSubs[i+1:]...)
				close(ch)
				break
			}
		}
	}()
	return ch, nil
}

// EmitLog injects a tagged output chunk, as if the container had written it.
func (f *Fake) EmitLog(id string, source byte, data []byte) error {
	f.mu.Lock()
	c, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	c.logMu.Lock()
	defer c.logMu.Unlock()
	for _, sub := range c.logSubs {
		sub <- engine.LogChunk{Source: source, Data: data}
	}
	return nil
}

func (c *fakeContainer) closeLogSubs() {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	for _, sub := range c.logSubs {
		close(sub)
	}
	c.logSubs = nil
}

// hostPath maps an absolute in-container path onto the container's backing
// directory.
func (c *fakeContainer) hostPath(p string) string {
	return filepath.Join(c.dir, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func (f *Fake) ListFiles(_ context.Context, id, dir string) ([]engine.FileInfo, error) {
	f.mu.Lock()
	c, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	root := c.hostPath(dir)
	var files []engine.FileInfo
	err = filepath.WalkDir(root, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, engine.FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (f *Fake) ReadFile(_ context.Context, id, p string) ([]byte, time.Time, error) {
	f.mu.Lock()
	c, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return nil, time.Time{}, err
	}

	hp := c.hostPath(p)
	info, err := os.Stat(hp)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(hp)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

func (f *Fake) WriteFile(_ context.Context, id, p string, data []byte, modTime time.Time) error {
	f.mu.Lock()
	c, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	hp := c.hostPath(p)
	if err := os.MkdirAll(filepath.Dir(hp), 0755); err != nil {
		return err
	}
	tmp := hp + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Chtimes(tmp, modTime, modTime); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, hp)
}

func (f *Fake) RemoveFile(_ context.Context, id, p string) error {
	f.mu.Lock()
	c, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	// rm -f semantics: removing an absent file is not an error.
	if err := os.Remove(c.hostPath(p)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *Fake) Close() error { return nil }

// ContainerDir exposes a container's backing directory so tests can seed
// and inspect its "filesystem".
func (f *Fake) ContainerDir(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return "", err
	}
	return c.dir, nil
}

// StreamOpens reports LogStreamOpens under the fake's lock, for tests that
// poll it from another goroutine.
func (f *Fake) StreamOpens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LogStreamOpens
}

// Running reports whether the fake still tracks id as a live container.
func (f *Fake) Running(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.running
}
