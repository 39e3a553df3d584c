package harbor

import (
	"sort"
	"sync"
)

// Registry is the single source of truth for which environments have live
// containers. It exclusively owns the environment->Container mapping: only
// the Manager mutates it, holding the per-environment lock, so operations
// against the same environment are serialized while different environments
// proceed independently.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Container

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]*Container),
		keys:     make(map[string]*sync.Mutex),
	}
}

// lockEnv acquires the environment's serialization lock and returns the
// release function. Key mutexes are never removed; the key space is the
// small set of environment names.
func (r *Registry) lockEnv(environment string) func() {
	r.keysMu.Lock()
	key, ok := r.keys[environment]
	if !ok {
		key = &sync.Mutex{}
		r.keys[environment] = key
	}
	r.keysMu.Unlock()

	key.Lock()
	return key.Unlock
}

// Get returns a copy of the environment's binding.
func (r *Registry) Get(environment string) (Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bindings[environment]
	if !ok {
		return Container{}, false
	}
	return copyContainer(c), true
}

// Environments returns the bound environment keys, sorted.
func (r *Registry) Environments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	envs := make([]string, 0, len(r.bindings))
	for env := range r.bindings {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) bind(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[c.Environment] = c
}

func (r *Registry) unbind(environment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, environment)
}

func (r *Registry) setStatus(environment string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.bindings[environment]; ok {
		c.Status = status
	}
}

func copyContainer(c *Container) Container {
	out := *c
	out.Ports = copyMap(c.Ports)
	out.Volumes = copyMap(c.Volumes)
	out.Env = copyMap(c.Env)
	return out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
