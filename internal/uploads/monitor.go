package uploads

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultProbeInterval = 15 * time.Second

// Connectivity reports whether the network is believed reachable.
type Connectivity interface {
	Online() bool
}

// ProbeFunc checks reachability. A nil error means online.
type ProbeFunc func(ctx context.Context) error

// MonitorConfig describes a Monitor.
type MonitorConfig struct {
	Probe    ProbeFunc
	Interval time.Duration
	// InitiallyOffline starts the monitor in the offline state.
	InitiallyOffline bool
	Logger           *zap.Logger
}

// Monitor tracks online state and notifies listeners when connectivity returns.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func()
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		probe:     cfg.Probe,
		interval:  interval,
		logger:    logger,
		online:    !cfg.InitiallyOffline,
		listeners: make(map[int]func()),
	}
}

// Online implements Connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn to run on every offline to online transition. The
// returned function unregisters it.
func (m *Monitor) OnOnline(fn func()) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline records the current state. Listeners run synchronously after an
// offline to online transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	previous := m.online
	m.online = online
	var listeners []func()
	if online && !previous {
		listeners = make([]func(), 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if online != previous {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	for _, fn := range listeners {
		fn()
	}
}

// Run probes until ctx is cancelled. Without a probe it only waits.
func (m *Monitor) Run(ctx context.Context) {
	if m.probe == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check runs one probe and records the result. Without a probe it does nothing.
func (m *Monitor) Check(ctx context.Context) {
	if m.probe == nil {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", zap.Error(err))
	}
	m.SetOnline(err == nil)
}

// HTTPProbe treats any HTTP response from url as reachability.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		if url == "" {
			return errors.New("uploads: probe url is empty")
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		response, err := client.Do(request)
		if err != nil {
			return err
		}
		return response.Body.Close()
	}
}
