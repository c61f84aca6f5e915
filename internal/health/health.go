// Package health tracks the server's component set — listener, capture,
// frame pipeline, input, clipboard — and folds it into the status
// snapshot the status subcommand reads. Components are fixed at
// construction: a health report against an unregistered name is a
// programming error and is logged, not stored.
package health

import (
	"sync"
	"time"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
)

var log = logging.L("health")

// The server's component set. Capture, pipeline, input, and clipboard
// are per-connection and revert to Idle when a connection ends; the
// listener lives for the process.
const (
	ComponentListener  = "listener"
	ComponentCapture   = "capture"
	ComponentPipeline  = "pipeline"
	ComponentInput     = "input"
	ComponentClipboard = "clipboard"
)

// components in display order for the status snapshot.
var components = []string{
	ComponentListener,
	ComponentCapture,
	ComponentPipeline,
	ComponentInput,
	ComponentClipboard,
}

// Status of one component.
type Status string

const (
	// Idle: no connection is exercising the component. Not a failure;
	// idle components do not drag Overall down.
	Idle Status = "idle"
	// Healthy: the component is serving.
	Healthy Status = "healthy"
	// Degraded: serving with reduced capability (codec fallback, echo
	// storms, missing companion extension).
	Degraded Status = "degraded"
	// Unhealthy: the component failed; the connection or server is
	// impaired.
	Unhealthy Status = "unhealthy"
)

// rank orders statuses worst-last for Overall; Idle ranks below Healthy
// because an idle server is not a degraded one.
func (s Status) rank() int {
	switch s {
	case Idle:
		return 0
	case Healthy:
		return 1
	case Degraded:
		return 2
	case Unhealthy:
		return 3
	default:
		return 3
	}
}

// Check is the current state of one component.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`     // when the current status was entered
	UpdatedAt time.Time `json:"updatedAt"` // last report, even without a status change
}

// Monitor holds the component table. Safe for concurrent use.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates the monitor with every component Idle.
func NewMonitor() *Monitor {
	m := &Monitor{checks: make(map[string]Check, len(components))}
	now := time.Now()
	for _, name := range components {
		m.checks[name] = Check{Name: name, Status: Idle, Since: now, UpdatedAt: now}
	}
	return m
}

// Update reports a component's status. Status transitions reset Since;
// repeated reports of the same status only bump UpdatedAt. Transitions
// into Degraded or Unhealthy are logged.
func (m *Monitor) Update(name string, status Status, message string) {
	m.mu.Lock()
	cur, ok := m.checks[name]
	if !ok {
		m.mu.Unlock()
		log.Warn("health report for unregistered component", "component", name, "status", string(status))
		return
	}

	now := time.Now()
	transition := cur.Status != status
	if transition {
		cur.Since = now
	}
	cur.Status = status
	cur.Message = message
	cur.UpdatedAt = now
	m.checks[name] = cur
	m.mu.Unlock()

	if transition && status.rank() > Healthy.rank() {
		log.Warn("component health degraded",
			"component", name, "status", string(status), "message", message)
	}
}

// Fail is Update(name, Unhealthy, err). Nil errors report Healthy —
// callers can funnel a task's exit error straight through.
func (m *Monitor) Fail(name string, err error) {
	if err == nil {
		m.Update(name, Healthy, "")
		return
	}
	m.Update(name, Unhealthy, err.Error())
}

// ConnectionClosed reverts the per-connection components to Idle; the
// listener keeps its state.
func (m *Monitor) ConnectionClosed() {
	for _, name := range components {
		if name == ComponentListener {
			continue
		}
		m.Update(name, Idle, "")
	}
}

// Get returns the check for one component.
func (m *Monitor) Get(name string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[name]
	return c, ok
}

// Overall is the worst status across components.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Status {
	worst := Idle
	for _, c := range m.checks {
		if c.Status.rank() > worst.rank() {
			worst = c.Status
		}
	}
	return worst
}

// Summary returns the JSON shape of the status snapshot: overall status
// plus per-component status, message, and seconds in that status, in
// the fixed component order. One RLock spans the whole computation so
// the snapshot is internally consistent.
func (m *Monitor) Summary() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	rows := make([]map[string]any, 0, len(components))
	for _, name := range components {
		c := m.checks[name]
		row := map[string]any{
			"name":         c.Name,
			"status":       string(c.Status),
			"sinceSeconds": int(now.Sub(c.Since).Seconds()),
		}
		if c.Message != "" {
			row["message"] = c.Message
		}
		rows = append(rows, row)
	}

	return map[string]any{
		"status":     string(m.overallLocked()),
		"components": rows,
	}
}
