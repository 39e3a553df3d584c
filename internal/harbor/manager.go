package harbor

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"devbay/internal/engine"
	"devbay/internal/filesync"
	"devbay/internal/stream"
)

// namePrefix tags every image and container devbay manages.
const namePrefix = "devbay-"

// SyncOptions tunes the file sync loops the manager starts per container.
type SyncOptions struct {
	Interval time.Duration
	Debounce time.Duration
	Policy   filesync.ConflictPolicy
}

// Config holds the manager's collaborators and policy knobs.
type Config struct {
	Engine      engine.Engine
	Streams     *stream.Manager
	Logger      *log.Logger
	StopTimeout time.Duration // bound on waiting for background work during stop; default 5s
	Sync        SyncOptions
}

// Manager orchestrates container lifecycle for environments.
type Manager struct {
	engine      engine.Engine
	streams     *stream.Manager
	registry    *Registry
	logger      *log.Logger
	stopTimeout time.Duration
	syncOpts    SyncOptions

	syncMu sync.Mutex
	syncs  map[string]*syncHandle
}

// syncHandle tracks one environment's running sync loop.
type syncHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	pairs  []filesync.Pair
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("harbor: engine is required")
	}
	if cfg.Streams == nil {
		return nil, fmt.Errorf("harbor: stream manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[harbor] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	return &Manager{
		engine:      cfg.Engine,
		streams:     cfg.Streams,
		registry:    NewRegistry(),
		logger:      cfg.Logger,
		stopTimeout: cfg.StopTimeout,
		syncOpts:    cfg.Sync,
		syncs:       make(map[string]*syncHandle),
	}, nil
}

// Registry exposes read access to the environment bindings.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Create builds (when requested) and starts a container for the
// environment, registers it as Running, and starts its sync loops. An
// environment with a live binding is refused with ConflictError; the
// existing binding is untouched.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Container, error) {
	if err := validateEnvironment(req.Environment); err != nil {
		return Container{}, err
	}
	for _, pair := range req.SyncPairs {
		if err := pair.Validate(); err != nil {
			return Container{}, err
		}
	}

	unlock := m.registry.lockEnv(req.Environment)
	defer unlock()

	if existing, ok := m.registry.Get(req.Environment); ok {
		return Container{}, &ConflictError{Environment: req.Environment, ContainerID: existing.ID}
	}

	image := namePrefix + req.Environment
	if req.Build != nil {
		contextDir := req.Build.ContextDir
		if contextDir == "" {
			contextDir = req.ProjectPath
		}
		m.logger.Printf("building image %s from %s", image, contextDir)
		if err := m.engine.BuildImage(ctx, engine.BuildSpec{
			ContextDir: contextDir,
			Dockerfile: req.Build.Dockerfile,
			Tag:        image,
		}); err != nil {
			return Container{}, err
		}
	}

	id, err := m.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:       image,
		Image:      image,
		Ports:      req.Ports,
		Volumes:    req.Volumes,
		Env:        req.Env,
		AutoRemove: true, // engine removes the container on stop
	})
	if err != nil {
		return Container{}, err
	}

	c := &Container{
		ID:          id,
		Environment: req.Environment,
		Image:       image,
		Ports:       copyMap(req.Ports),
		Volumes:     copyMap(req.Volumes),
		Env:         copyMap(req.Env),
		Status:      StatusRunning,
		CreatedAt:   time.Now(),
	}
	m.registry.bind(c)

	if len(req.SyncPairs) > 0 {
		m.startSync(req.Environment, id, req.SyncPairs)
	}

	m.logger.Printf("created container for environment %s (id=%s)", req.Environment, shortID(id))
	return copyContainer(c), nil
}

// Stop tears down the environment's container: sync loops are cancelled
// (bounded wait) before the engine stop, and subscribers get end-of-stream
// before the binding is released. If the engine stop fails the binding and
// sync loops are reinstated so the caller can retry.
func (m *Manager) Stop(ctx context.Context, environment string) error {
	unlock := m.registry.lockEnv(environment)
	defer unlock()

	c, ok := m.registry.Get(environment)
	if !ok {
		return &NotFoundError{Environment: environment, Reason: "no container bound"}
	}

	m.registry.setStatus(environment, StatusStopping)
	handle := m.stopSync(environment)

	if err := m.engine.StopContainer(ctx, c.ID); err != nil && !engine.IsNotFound(err) {
		m.registry.setStatus(environment, StatusRunning)
		if handle != nil {
			m.startSync(environment, c.ID, handle.pairs)
		}
		return err
	}

	m.streams.CloseContainer(c.ID, m.stopTimeout)
	m.registry.unbind(environment)

	m.logger.Printf("stopped container for environment %s", environment)
	return nil
}

// Status reports the environment's container state without mutating the
// registry.
func (m *Manager) Status(ctx context.Context, environment string) (StatusInfo, error) {
	c, ok := m.registry.Get(environment)
	if !ok {
		return StatusInfo{}, &NotFoundError{Environment: environment, Reason: "no container bound"}
	}

	state, err := m.engine.InspectContainer(ctx, c.ID)
	if err != nil {
		return StatusInfo{}, err
	}

	return StatusInfo{
		ID:       c.ID,
		Status:   mapEngineStatus(state),
		RawState: state.Status,
	}, nil
}

// Execute runs a shell command inside the environment's running container
// and returns its demultiplexed output.
func (m *Manager) Execute(ctx context.Context, environment, command, workdir string) (engine.ExecResult, error) {
	c, err := m.running(environment)
	if err != nil {
		return engine.ExecResult{}, err
	}
	return m.engine.Exec(ctx, c.ID, []string{"/bin/sh", "-c", command}, workdir)
}

// UsageStats takes one resource usage snapshot for the environment's
// running container.
func (m *Manager) UsageStats(ctx context.Context, environment string) (engine.UsageStats, error) {
	c, err := m.running(environment)
	if err != nil {
		return engine.UsageStats{}, err
	}
	return m.engine.Stats(ctx, c.ID)
}

// SubscribeOutput attaches a subscriber to the environment's live output.
func (m *Manager) SubscribeOutput(environment string) (*stream.Subscription, error) {
	c, err := m.running(environment)
	if err != nil {
		return nil, err
	}
	return m.streams.Subscribe(c.ID)
}

// Unsubscribe detaches an output subscriber. Idempotent.
func (m *Manager) Unsubscribe(sub *stream.Subscription) {
	m.streams.Unsubscribe(sub)
}

// CleanupAll stops every bound container, best-effort. Individual failures
// are logged and reported per environment; the registry is always emptied
// so shutdown makes forward progress.
func (m *Manager) CleanupAll(ctx context.Context) []CleanupResult {
	environments := m.registry.Environments()
	results := make([]CleanupResult, 0, len(environments))
	for _, environment := range environments {
		err := m.cleanupOne(ctx, environment)
		if err != nil {
			m.logger.Printf("cleanup %s: %v", environment, err)
		}
		results = append(results, CleanupResult{Environment: environment, Err: err})
	}
	return results
}

func (m *Manager) cleanupOne(ctx context.Context, environment string) error {
	unlock := m.registry.lockEnv(environment)
	defer unlock()

	c, ok := m.registry.Get(environment)
	if !ok {
		return nil
	}

	m.stopSync(environment)

	err := m.engine.StopContainer(ctx, c.ID)
	if engine.IsNotFound(err) {
		err = nil
	}

	m.streams.CloseContainer(c.ID, m.stopTimeout)
	m.registry.unbind(environment)
	return err
}

// running returns the environment's binding if it is in the Running state.
func (m *Manager) running(environment string) (Container, error) {
	c, ok := m.registry.Get(environment)
	if !ok {
		return Container{}, &NotFoundError{Environment: environment, Reason: "no container bound"}
	}
	if c.Status != StatusRunning {
		return Container{}, &NotFoundError{Environment: environment, Reason: fmt.Sprintf("container not running (status=%s)", c.Status)}
	}
	return c, nil
}

// startSync launches the environment's sync loop and the goroutine that
// logs its conflict reports.
func (m *Manager) startSync(environment, containerID string, pairs []filesync.Pair) {
	syncer, err := filesync.New(filesync.Config{
		Engine:      m.engine,
		ContainerID: containerID,
		Pairs:       pairs,
		Interval:    m.syncOpts.Interval,
		Debounce:    m.syncOpts.Debounce,
		Policy:      m.syncOpts.Policy,
		Logger:      m.logger,
	})
	if err != nil {
		m.logger.Printf("file sync for %s not started: %v", environment, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &syncHandle{cancel: cancel, done: make(chan struct{}), pairs: pairs}

	m.syncMu.Lock()
	m.syncs[environment] = handle
	m.syncMu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case conflict := <-syncer.Conflicts():
				m.logger.Printf("sync conflict in %s: %s (resolution=%s)", environment, conflict.Path, conflict.Resolution)
			}
		}
	}()
	go func() {
		defer close(handle.done)
		if err := syncer.Run(ctx); err != nil {
			m.logger.Printf("file sync for %s ended: %v", environment, err)
		}
	}()
}

// stopSync cancels the environment's sync loop and waits, bounded, for it
// to observe cancellation. Returns the handle so a failed stop can restart
// the loop.
func (m *Manager) stopSync(environment string) *syncHandle {
	m.syncMu.Lock()
	handle := m.syncs[environment]
	delete(m.syncs, environment)
	m.syncMu.Unlock()
	if handle == nil {
		return nil
	}

	handle.cancel()
	select {
	case <-handle.done:
	case <-time.After(m.stopTimeout):
		m.logger.Printf("timed out waiting for %s sync loop to stop", environment)
	}
	return handle
}

func mapEngineStatus(state engine.ContainerState) Status {
	switch state.Status {
	case "running":
		return StatusRunning
	case "created":
		return StatusCreated
	case "removing":
		return StatusStopping
	case "exited", "dead":
		return StatusStopped
	default:
		if state.Running {
			return StatusRunning
		}
		return StatusStopped
	}
}

// validateEnvironment rejects keys that would produce unsafe image or
// container names.
func validateEnvironment(environment string) error {
	if environment == "" {
		return fmt.Errorf("environment name cannot be empty")
	}
	for _, r := range environment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("environment name %q contains invalid character %q", environment, r)
		}
	}
	if strings.Contains(environment, "..") {
		return fmt.Errorf("environment name cannot contain ..")
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
