// Package health отдаёт liveness/readiness и сводный статус зависимостей.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse сравнивает статусы: unhealthy > degraded > healthy.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Checker проверяет одну зависимость. Обязана уважать дедлайн ctx.
type Checker func(ctx context.Context) (Status, string)

// Ping превращает ping-функцию хранилища в Checker: ошибка — unhealthy.
func Ping(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) (Status, string) {
		if err := ping(ctx); err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, ""
	}
}

type Check struct {
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — тело ответа /healthz.
type Report struct {
	Status        Status           `json:"status"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	CheckedAt     time.Time        `json:"checked_at"`
}

// Registry выполняет зарегистрированные пробы параллельно с общим таймаутом.
type Registry struct {
	version string
	started time.Time
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry(version string) *Registry {
	return &Registry{
		version:  version,
		started:  time.Now(),
		timeout:  2 * time.Second,
		checkers: make(map[string]Checker),
	}
}

func (r *Registry) Register(name string, checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// Names возвращает имена проб по алфавиту.
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

func (r *Registry) Evaluate(ctx context.Context) Report {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for name, p := range r.checkers {
		checkers[name] = p
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		checks = make(map[string]Check, len(checkers))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, checker := range checkers {
		g.Go(func() error {
			start := time.Now()
			status, msg := checker(gctx)
			mu.Lock()
			checks[name] = Check{Status: status, Message: msg, DurationMs: time.Since(start).Milliseconds()}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusHealthy
	for _, c := range checks {
		overall = worse(overall, c.Status)
	}
	return Report{
		Status:        overall,
		Checks:        checks,
		Version:       r.version,
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
		CheckedAt:     time.Now().UTC(),
	}
}

// Healthz отдаёт Report в JSON; 503 только при unhealthy.
func (r *Registry) Healthz(w http.ResponseWriter, req *http.Request) {
	report := r.Evaluate(req.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(report.Status))
	_ = json.NewEncoder(w).Encode(report)
}

// Readyz: degraded (открытый breaker, растущий backlog outbox) готовности не снимает.
func (r *Registry) Readyz(w http.ResponseWriter, req *http.Request) {
	code := httpStatus(r.Evaluate(req.Context()).Status)
	w.WriteHeader(code)
	if code == http.StatusOK {
		_, _ = w.Write([]byte("ready"))
		return
	}
	_, _ = w.Write([]byte("not ready"))
}

func Livez(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
