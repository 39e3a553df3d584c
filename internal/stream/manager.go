// Package stream fans a container's live output out to any number of
// concurrent subscribers over a single underlying engine log stream.
package stream

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"devbay/internal/engine"
)

// Subscription is one consumer's handle on a container's output. C yields
// chunks in engine emission order and is closed when the container's stream
// ends (end-of-stream, not an error). A subscriber that stops draining must
// call Manager.Unsubscribe or it will stall the container's fan-out.
type Subscription struct {
	ID          string
	ContainerID string
	C           <-chan engine.LogChunk

	ch   chan engine.LogChunk
	gone chan struct{}
	once sync.Once
}

func (s *Subscription) detach() {
	s.once.Do(func() { close(s.gone) })
}

// Manager owns one fan-out per container with at least one subscriber.
type Manager struct {
	engine engine.Engine
	logger *log.Logger

	mu   sync.Mutex
	fans map[string]*fanout
}

type fanout struct {
	containerID string
	cancel      context.CancelFunc
	done        chan struct{}

	mu    sync.Mutex
	subs  map[string]*Subscription
	dying bool
}

// NewManager creates a stream manager backed by eng.
func NewManager(eng engine.Engine, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Manager{
		engine: eng,
		logger: logger,
		fans:   make(map[string]*fanout),
	}
}

// Subscribe attaches a new subscriber to containerID's output, opening the
// underlying engine stream only for the first subscriber.
func (m *Manager) Subscribe(containerID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fan := m.fans[containerID]
	if fan != nil {
		fan.mu.Lock()
		if fan.dying {
			fan.mu.Unlock()
			delete(m.fans, containerID)
			fan = nil
		} else {
			defer fan.mu.Unlock()
		}
	}

	if fan == nil {
		ctx, cancel := context.WithCancel(context.Background())
		chunks, err := m.engine.StreamLogs(ctx, containerID)
		if err != nil {
			cancel()
			return nil, err
		}
		fan = &fanout{
			containerID: containerID,
			cancel:      cancel,
			done:        make(chan struct{}),
			subs:        make(map[string]*Subscription),
		}
		m.fans[containerID] = fan
		go m.run(fan, chunks)
		fan.mu.Lock()
		defer fan.mu.Unlock()
	}

	sub := &Subscription{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		ch:          make(chan engine.LogChunk, 64),
		gone:        make(chan struct{}),
	}
	sub.C = sub.ch
	fan.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe detaches a subscriber. Idempotent. When the last subscriber
// leaves, the underlying engine stream is closed.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.detach()

	m.mu.Lock()
	fan := m.fans[sub.ContainerID]
	m.mu.Unlock()
	if fan == nil {
		return
	}

	fan.mu.Lock()
	if _, ok := fan.subs[sub.ID]; !ok {
		fan.mu.Unlock()
		return
	}
	delete(fan.subs, sub.ID)
	last := len(fan.subs) == 0 && !fan.dying
	if last {
		fan.dying = true
	}
	fan.mu.Unlock()

	if last {
		fan.cancel()
	}
}

// CloseContainer force-closes every subscription for containerID and tears
// down its fan-out, waiting up to timeout for the follower to finish.
// Subscribers observe a closed channel: end-of-stream, not an error.
func (m *Manager) CloseContainer(containerID string, timeout time.Duration) {
	m.mu.Lock()
	fan := m.fans[containerID]
	m.mu.Unlock()
	if fan == nil {
		return
	}

	fan.mu.Lock()
	fan.dying = true
	fan.mu.Unlock()
	fan.cancel()

	select {
	case <-fan.done:
	case <-time.After(timeout):
		m.logger.Printf("timed out waiting for %s fan-out to stop", containerID)
	}
}

// run delivers engine chunks to every open subscriber, in order, until the
// underlying stream ends.
func (m *Manager) run(fan *fanout, chunks <-chan engine.LogChunk) {
	for chunk := range chunks {
		fan.mu.Lock()
		subs := make([]*Subscription, 0, len(fan.subs))
		for _, sub := range fan.subs {
			subs = append(subs, sub)
		}
		fan.mu.Unlock()

		for _, sub := range subs {
			select {
			case sub.ch <- chunk:
			case <-sub.gone:
			}
		}
	}
	m.finish(fan)
}

// finish removes the fan-out and closes remaining subscriber channels.
// Called only from run, after the last send, so closing is safe.
func (m *Manager) finish(fan *fanout) {
	m.mu.Lock()
	if m.fans[fan.containerID] == fan {
		delete(m.fans, fan.containerID)
	}
	m.mu.Unlock()

	fan.mu.Lock()
	fan.dying = true
	for id, sub := range fan.subs {
		close(sub.ch)
		delete(fan.subs, id)
	}
	fan.mu.Unlock()
	close(fan.done)
}
