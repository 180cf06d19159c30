package uploads

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorFiresOnlyOnTransitions(t *testing.T) {
	monitor := NewMonitor(MonitorConfig{})
	var fired int32
	stop := monitor.OnOnline(func() { atomic.AddInt32(&fired, 1) })

	monitor.SetOnline(true)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("expected no callback while already online")
	}
	monitor.SetOnline(false)
	if monitor.Online() {
		t.Fatalf("expected offline state")
	}
	monitor.SetOnline(true)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected one callback, got %d", fired)
	}

	stop()
	monitor.SetOnline(false)
	monitor.SetOnline(true)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected unregistered callback to stay silent")
	}
}

func TestMonitorRunProbes(t *testing.T) {
	var healthy atomic.Bool
	monitor := NewMonitor(MonitorConfig{
		Interval: 10 * time.Millisecond,
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("unreachable")
		},
	})
	back := make(chan struct{}, 1)
	monitor.OnOnline(func() { back <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for monitor.Online() {
		select {
		case <-deadline:
			t.Fatalf("expected probe failure to mark offline")
		case <-time.After(5 * time.Millisecond):
		}
	}
	healthy.Store(true)
	select {
	case <-back:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected online callback after probe recovery")
	}
	cancel()
	<-done
}

func TestMonitorCheckRunsOneProbe(t *testing.T) {
	var calls atomic.Int32
	monitor := NewMonitor(MonitorConfig{Probe: func(context.Context) error {
		calls.Add(1)
		return errors.New("unreachable")
	}})
	monitor.Check(context.Background())
	if calls.Load() != 1 || monitor.Online() {
		t.Fatalf("expected a single failed probe to mark offline, calls=%d", calls.Load())
	}

	unprobed := NewMonitor(MonitorConfig{})
	unprobed.Check(context.Background())
	if !unprobed.Online() {
		t.Fatalf("expected a monitor without probe to keep its state")
	}
}

func TestHTTPProbeAcceptsAnyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	probe := HTTPProbe(server.Client(), server.URL)
	if err := probe(context.Background()); err != nil {
		t.Fatalf("expected a response to count as reachable, got %v", err)
	}
	server.Close()
	if err := probe(context.Background()); err == nil {
		t.Fatalf("expected closed server to be unreachable")
	}
}
