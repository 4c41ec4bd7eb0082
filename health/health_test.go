package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, Healthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, Healthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, Degraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("sys", tt.subs)
			if got.Status != tt.want {
				t.Errorf("Aggregate() = %s, want %s", got.Status, tt.want)
			}
			if got.Healthy != (tt.want == Healthy) {
				t.Errorf("Healthy = %v for status %s", got.Healthy, got.Status)
			}
			if len(got.SubStatuses) != len(tt.subs) {
				t.Errorf("got %d sub-statuses, want %d", len(got.SubStatuses), len(tt.subs))
			}
		})
	}
}

func TestAggregateSortsAndCopies(t *testing.T) {
	subs := []Status{NewHealthy("b", ""), NewHealthy("a", "")}
	got := Aggregate("sys", subs)
	if got.SubStatuses[0].Component != "a" {
		t.Errorf("sub-statuses not sorted: %v", got.SubStatuses)
	}
	if subs[0].Component != "b" {
		t.Error("Aggregate modified its input")
	}
}

func TestFromErrorSanitizes(t *testing.T) {
	err := errors.New("dial nats://user:pw@10.0.0.5:4222 failed, password=hunter2 at 192.168.1.10:1883")
	s := FromError("broker", err)
	if !s.IsUnhealthy() {
		t.Errorf("expected unhealthy, got %s", s.Status)
	}
	for _, leak := range []string{"nats://", "hunter2", "192.168.1.10"} {
		if strings.Contains(s.Message, leak) {
			t.Errorf("message %q leaks %q", s.Message, leak)
		}
	}
	if !strings.Contains(s.Message, "[URL]") || !strings.Contains(s.Message, "[REDACTED]") {
		t.Errorf("unexpected message %q", s.Message)
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.Update("broker/a", NewHealthy("ignored", "connected"))
	if s, ok := m.Get("broker/a"); !ok || s.Component != "broker/a" {
		t.Errorf("Get returned %+v, %v", s, ok)
	}

	state := Healthy
	m.AddCheck("server/x", func() Status { return newStatus("", state, "") })
	if agg := m.Aggregate("topic"); !agg.IsHealthy() || len(agg.SubStatuses) != 2 {
		t.Errorf("unexpected aggregate %+v", agg)
	}

	state = Degraded
	if s, _ := m.Get("server/x"); !s.IsDegraded() || s.Component != "server/x" {
		t.Errorf("check not re-evaluated: %+v", s)
	}

	m.Update("broker/a", NewUnhealthy("", "connection lost"))
	if agg := m.Aggregate("topic"); !agg.IsUnhealthy() {
		t.Errorf("expected unhealthy aggregate, got %s", agg.Status)
	}

	m.Remove("broker/a")
	m.Remove("server/x")
	if agg := m.Aggregate("topic"); len(agg.SubStatuses) != 0 {
		t.Errorf("expected no sub-statuses, got %v", agg.SubStatuses)
	}
}

func TestHandler(t *testing.T) {
	m := NewMonitor()
	m.Update("broker/a", NewHealthy("", "connected"))
	ts := httptest.NewServer(m.Handler("topic"))
	defer ts.Close()

	get := func() (int, Status) {
		resp, err := http.Get(ts.URL)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		var s Status
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, s
	}

	code, s := get()
	if code != http.StatusOK || s.Component != "topic" || len(s.SubStatuses) != 1 {
		t.Errorf("got %d %+v", code, s)
	}

	m.Update("broker/a", NewUnhealthy("", "connection lost"))
	code, s = get()
	if code != http.StatusServiceUnavailable || s.Healthy {
		t.Errorf("got %d %+v", code, s)
	}
}
