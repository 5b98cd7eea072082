// Package health reports whether the transport and the change-log storage of an
// artery process are usable, and serves the result over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the health of one check or of a whole service
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report is the health of one service at one instant. Its status is the most
// severe status among its checks.
type Report struct {
	Service   string                 `json:"service,omitempty"`
	Status    Status                 `json:"status"`
	CheckedAt time.Time              `json:"checked_at"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Failing returns the names of the checks that are not healthy, sorted
func (r Report) Failing() []string {
	var names []string
	for name, result := range r.Checks {
		if result.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Checker is a single named health check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry holds the checks of one service
type Registry struct {
	service  string
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry reporting for service
func NewRegistry(service string) *Registry {
	return &Registry{
		service:  service,
		checkers: make(map[string]Checker),
	}
}

// Service returns the service the registry reports for
func (r *Registry) Service() string {
	return r.service
}

// Register adds checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes the checker called name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names lists the registered checkers in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every check concurrently. A check still running when ctx ends is
// reported unhealthy and its late result is discarded.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, checker := range r.checkers {
		checkers = append(checkers, checker)
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(checkers))
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(checker Checker) {
			defer wg.Done()
			result := checker.Check(ctx)
			result.Name = checker.Name()

			mu.Lock()
			results[result.Name] = result
			mu.Unlock()
		}(checker)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	report := Report{
		Service:   r.service,
		Status:    StatusHealthy,
		CheckedAt: start,
		Checks:    make(map[string]CheckResult, len(checkers)),
	}

	mu.Lock()
	for _, checker := range checkers {
		result, ok := results[checker.Name()]
		if !ok {
			result = unfinished(checker.Name(), ctx.Err(), time.Since(start))
		}
		report.Checks[result.Name] = result
		if result.Status.severity() > report.Status.severity() {
			report.Status = result.Status
		}
	}
	mu.Unlock()

	report.Duration = time.Since(start)
	return report
}

func unfinished(name string, err error, elapsed time.Duration) CheckResult {
	result := CheckResult{
		Name:      name,
		Status:    StatusUnhealthy,
		Message:   "check did not finish in time",
		Duration:  elapsed,
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// reportHandler answers 503 while the report is unhealthy and 200 otherwise
type reportHandler struct {
	registry *Registry
	timeout  time.Duration
	detailed bool
}

// NewHandler serves the full report as JSON
func NewHandler(registry *Registry, timeout time.Duration) http.Handler {
	return &reportHandler{registry: registry, timeout: timeout, detailed: true}
}

// ReadinessHandler serves a plain-text verdict naming the checks that are not
// healthy
func ReadinessHandler(registry *Registry, timeout time.Duration) http.Handler {
	return &reportHandler{registry: registry, timeout: timeout}
}

func (h *reportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	if h.detailed {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	failing := report.Failing()
	switch {
	case code != http.StatusOK:
		fmt.Fprintf(w, "not ready: %s", strings.Join(failing, ", "))
	case len(failing) > 0:
		fmt.Fprintf(w, "ready, degraded: %s", strings.Join(failing, ", "))
	default:
		fmt.Fprint(w, "ready")
	}
}

// LivenessHandler answers as long as the process serves HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, "alive")
	}
}
