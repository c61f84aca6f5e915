package health

import (
	"errors"
	"testing"
)

func TestNewMonitorStartsIdle(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Idle {
		t.Fatalf("Overall() on fresh monitor = %q, want idle", got)
	}
	for _, name := range components {
		c, ok := m.Get(name)
		if !ok || c.Status != Idle {
			t.Fatalf("component %s = %+v, want registered idle", name, c)
		}
	}
}

func TestUpdateUnregisteredComponentIgnored(t *testing.T) {
	m := NewMonitor()
	m.Update("telemetry", Unhealthy, "not a server component")
	if _, ok := m.Get("telemetry"); ok {
		t.Fatal("unregistered component stored")
	}
	if got := m.Overall(); got != Idle {
		t.Fatalf("Overall() = %q after ignored report", got)
	}
}

func TestOverallReturnsWorstStatus(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentListener, Healthy, "")
	m.Update(ComponentCapture, Healthy, "")
	m.Update(ComponentPipeline, Degraded, "avc420 fallback")

	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want degraded", got)
	}

	m.Update(ComponentClipboard, Unhealthy, "portal gone")
	if got := m.Overall(); got != Unhealthy {
		t.Fatalf("Overall() = %q, want unhealthy", got)
	}
}

func TestIdleDoesNotDragOverallDown(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentListener, Healthy, "")
	// Everything else is idle: an idle server is not a degraded one.
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() = %q, want healthy with idle components", got)
	}
}

func TestSinceResetsOnTransitionOnly(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentCapture, Healthy, "portal")
	first, _ := m.Get(ComponentCapture)

	// Same status again: Since must not move.
	m.Update(ComponentCapture, Healthy, "portal")
	second, _ := m.Get(ComponentCapture)
	if !second.Since.Equal(first.Since) {
		t.Fatal("Since moved without a status transition")
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatal("UpdatedAt went backwards")
	}

	// Transition: Since resets.
	m.Update(ComponentCapture, Unhealthy, "stream dead")
	third, _ := m.Get(ComponentCapture)
	if third.Since.Before(second.Since) {
		t.Fatal("Since not reset on transition")
	}
}

func TestFailFunnelsErrors(t *testing.T) {
	m := NewMonitor()
	m.Fail(ComponentPipeline, errors.New("encoder exploded"))
	c, _ := m.Get(ComponentPipeline)
	if c.Status != Unhealthy || c.Message != "encoder exploded" {
		t.Fatalf("check = %+v", c)
	}

	m.Fail(ComponentPipeline, nil)
	c, _ = m.Get(ComponentPipeline)
	if c.Status != Healthy {
		t.Fatalf("nil error status = %q, want healthy", c.Status)
	}
}

func TestConnectionClosedRevertsToIdle(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentListener, Healthy, "0.0.0.0:3389")
	m.Update(ComponentCapture, Healthy, "portal")
	m.Update(ComponentClipboard, Degraded, "no companion extension")

	m.ConnectionClosed()

	for _, name := range []string{ComponentCapture, ComponentPipeline, ComponentInput, ComponentClipboard} {
		c, _ := m.Get(name)
		if c.Status != Idle {
			t.Errorf("%s = %q after connection close, want idle", name, c.Status)
		}
	}
	// The listener keeps its state.
	c, _ := m.Get(ComponentListener)
	if c.Status != Healthy {
		t.Fatalf("listener = %q, want healthy", c.Status)
	}
}

func TestSummaryShape(t *testing.T) {
	m := NewMonitor()
	m.Update(ComponentListener, Healthy, "")
	m.Update(ComponentPipeline, Degraded, "remotefx fallback")

	s := m.Summary()
	if s["status"] != "degraded" {
		t.Fatalf("summary status = %v", s["status"])
	}
	rows, ok := s["components"].([]map[string]any)
	if !ok || len(rows) != len(components) {
		t.Fatalf("components = %#v", s["components"])
	}
	// Fixed display order, message only where set.
	if rows[0]["name"] != ComponentListener {
		t.Fatalf("first row = %v, want listener", rows[0]["name"])
	}
	for _, row := range rows {
		if row["name"] == ComponentPipeline {
			if row["message"] != "remotefx fallback" {
				t.Fatalf("pipeline row = %v", row)
			}
		}
		if row["name"] == ComponentListener {
			if _, ok := row["message"]; ok {
				t.Fatal("empty message serialized")
			}
		}
	}
}
