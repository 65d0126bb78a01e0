package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/manash/tryon/pkg/models"
)

var ErrSessionNotFound = errors.New("session not found")

type ManagerOptions struct {
	Instruction string
	Model       string
	// IdleTTL evicts sessions untouched for this long. Zero keeps them
	// until deleted.
	IdleTTL time.Duration
}

// Manager is the in-memory registry of live sessions. Nothing is persisted.
type Manager struct {
	opts   ManagerOptions
	logger *log.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Controller
}

func NewManager(opts ManagerOptions, logger *log.Logger) *Manager {
	if opts.Model == "" {
		opts.Model = models.DefaultModel
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		opts:     opts,
		logger:   logger.With("component", "session"),
		now:      time.Now,
		sessions: make(map[string]*Controller),
	}
}

func (m *Manager) Model() string {
	return m.opts.Model
}

func (m *Manager) Create() *Controller {
	c := newController(uuid.New().String(), m.opts.Instruction, m.opts.Model, m.now)

	m.mu.Lock()
	m.sessions[c.ID()] = c
	n := len(m.sessions)
	m.mu.Unlock()

	m.logger.Debug("session created", "id", c.ID(), "live", n)
	return c
}

func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.RLock()
	c, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Delete removes the session. Its in-flight call, if any, resolves into a
// controller nobody can reach.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	c, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	c.Reset()
	m.logger.Debug("session deleted", "id", id)
	return nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle longer than the TTL and returns how many were
// removed. A generating session is never evicted.
func (m *Manager) Sweep() int {
	if m.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.IdleTTL)

	m.mu.Lock()
	var evicted []string
	for id, c := range m.sessions {
		if c.Generating() || c.LastActive().After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		evicted = append(evicted, id)
	}
	m.mu.Unlock()

	if len(evicted) > 0 {
		m.logger.Info("evicted idle sessions", "count", len(evicted), "ttl", m.opts.IdleTTL)
	}
	return len(evicted)
}

// Janitor sweeps on every tick until ctx is done.
func (m *Manager) Janitor(ctx context.Context, interval time.Duration) {
	if m.opts.IdleTTL <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
