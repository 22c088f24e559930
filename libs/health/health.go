package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

type Manager struct {
	ready  atomic.Bool
	mu     sync.RWMutex
	probes map[string]Probe
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{probes: map[string]Probe{}}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

func (m *Manager) AddProbe(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Check runs every probe and returns the names of the failing ones.
func (m *Manager) Check(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failed := map[string]string{}
	for name, probe := range m.probes {
		if err := probe(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if failed := m.Check(ctx); len(failed) > 0 {
			checks := make([]string, 0, len(failed))
			for name := range failed {
				checks = append(checks, name)
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "failing": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
