package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/3leaps/viamerun/internal/errors"
)

// HealthChecker is a named dependency probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Check statuses.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
	statusTimeout   = "timeout"
)

var checkTimeout = 5 * time.Second

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version  string
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]HealthChecker)}
}

func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(checkers))
	)
	for name, c := range checkers {
		wg.Add(1)
		go func(name string, c HealthChecker) {
			defer wg.Done()
			status := statusHealthy
			if err := c.CheckHealth(ctx); err != nil {
				status = statusUnhealthy
				if ctx.Err() == context.DeadlineExceeded {
					status = statusTimeout
				}
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()
	return results
}

// determineOverallStatus is unhealthy if any check failed, degraded if any
// timed out, healthy otherwise.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := statusHealthy
	for _, s := range checks {
		switch s {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout, statusDegraded:
			overall = statusDegraded
		}
	}
	return overall
}

func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	if status == statusUnhealthy {
		details := map[string]any{"checks": checks}
		respondWithError(w, r, apperrors.NewServiceUnavailable("one or more health checks failed", details))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// LivenessHandler reports that the process is serving.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    statusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	})
}

func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.LivenessHandler(w, r)
}

var globalHealthManager *HealthManager

// InitHealthManager installs the manager served by the package-level
// handlers.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := globalHealthManager
		if m == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailable("health manager not initialized", nil))
			return
		}
		fn(m, w, r)
	}
}

var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)
