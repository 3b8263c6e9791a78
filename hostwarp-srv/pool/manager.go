// Package pool hands out ports to proxy instances and reclaims them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"github.com/codefionn/hostwarp/hostwarp-srv/metrics"
	"github.com/codefionn/hostwarp/hostwarp-srv/proxy"
)

var (
	// ErrPortActive is returned when borrowing a port that already has a live instance.
	ErrPortActive = errors.New("port already has an active instance")
	// ErrNoFreePort is returned when every port of the range is active or reserved.
	ErrNoFreePort = errors.New("no free port in range")
	// ErrPortOutOfRange is returned for ports outside the managed range.
	ErrPortOutOfRange = errors.New("port outside the managed range")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("pool manager closed")
)

// Settings configures a Manager.
type Settings struct {
	PortMin        int
	PortMax        int
	ReservationTTL time.Duration
	SweepInterval  time.Duration
}

// SettingsFromConfig converts the pool section of the configuration.
func SettingsFromConfig(cfg config.PoolConfig) Settings {
	return Settings{
		PortMin:        cfg.PortMin,
		PortMax:        cfg.PortMax,
		ReservationTTL: time.Duration(cfg.ReservationTTLSeconds) * time.Second,
		SweepInterval:  time.Duration(cfg.SweepIntervalMillis) * time.Millisecond,
	}
}

// InstanceFactory builds the (not yet listening) instance for a borrowed port.
type InstanceFactory func(port int) *proxy.Instance

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics reports pool sizes and reservation events.
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock replaces time.Now for reservation expiry.
func WithClock(now func() time.Time) ManagerOption {
	return func(mgr *Manager) { mgr.now = now }
}

// Manager tracks which ports are free, reserved or active. A port is never
// active and reserved at the same time.
type Manager struct {
	settings Settings
	factory  InstanceFactory
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	active   map[int]*proxy.Instance
	reserved map[int]time.Time
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager and starts its reservation sweeper.
func NewManager(settings Settings, factory InstanceFactory, opts ...ManagerOption) (*Manager, error) {
	if settings.PortMin < 1 || settings.PortMax > 65535 || settings.PortMin > settings.PortMax {
		return nil, fmt.Errorf("invalid port range %d-%d", settings.PortMin, settings.PortMax)
	}
	if settings.ReservationTTL <= 0 {
		return nil, fmt.Errorf("reservation TTL must be positive, got %s", settings.ReservationTTL)
	}
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		settings: settings,
		factory:  factory,
		now:      time.Now,
		active:   make(map[int]*proxy.Instance),
		reserved: make(map[int]time.Time),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.sweep(ctx)
	return m, nil
}

func (m *Manager) sweep(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.settings.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanExpiredReservations(); n > 0 {
				logger.Debug("Evicted %d expired port reservations", n)
			}
		}
	}
}

func (m *Manager) rangeSize() int {
	return m.settings.PortMax - m.settings.PortMin + 1
}

func (m *Manager) isFreeLocked(port int) bool {
	if _, ok := m.active[port]; ok {
		return false
	}
	_, ok := m.reserved[port]
	return !ok
}

func (m *Manager) reserveLocked(port int) {
	m.reserved[port] = m.now().Add(m.settings.ReservationTTL)
	m.reportLocked()
}

func (m *Manager) reportLocked() {
	m.metrics.SetPoolSizes(len(m.active), len(m.reserved))
}

// Reserve claims a random free port for the reservation TTL. It probes random
// ports first and falls back to a scan of the whole range.
func (m *Manager) Reserve() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrManagerClosed
	}

	size := m.rangeSize()
	for range size {
		port := m.settings.PortMin + rand.IntN(size)
		if m.isFreeLocked(port) {
			m.reserveLocked(port)
			return port, nil
		}
	}

	offset := rand.IntN(size)
	for i := range size {
		port := m.settings.PortMin + (offset+i)%size
		if m.isFreeLocked(port) {
			m.reserveLocked(port)
			return port, nil
		}
	}

	m.metrics.ReserveFailed()
	return 0, fmt.Errorf("range %d-%d: %w", m.settings.PortMin, m.settings.PortMax, ErrNoFreePort)
}

// Borrow makes port active with a new instance, consuming its reservation if
// there is one. It fails without side effects when port is already active.
func (m *Manager) Borrow(port int) (*proxy.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if port < m.settings.PortMin || port > m.settings.PortMax {
		return nil, fmt.Errorf("port %d (range %d-%d): %w", port, m.settings.PortMin, m.settings.PortMax, ErrPortOutOfRange)
	}
	if _, ok := m.active[port]; ok {
		return nil, fmt.Errorf("port %d: %w", port, ErrPortActive)
	}

	delete(m.reserved, port)
	inst := m.factory(port)
	m.active[port] = inst
	m.reportLocked()
	return inst, nil
}

// Release stops the instance on port and frees the port. Releasing a port
// without an active instance does nothing.
func (m *Manager) Release(port int) {
	m.mu.Lock()
	inst, ok := m.active[port]
	if ok {
		delete(m.active, port)
		m.reportLocked()
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if !inst.IsStopped() {
		inst.Stop()
	}
	logger.Debug("Released port %d", port)
}

// releaseInstance releases port only while inst is the instance serving it.
func (m *Manager) releaseInstance(port int, inst *proxy.Instance) {
	m.mu.Lock()
	current, ok := m.active[port]
	if ok && current == inst {
		delete(m.active, port)
		m.reportLocked()
	}
	m.mu.Unlock()

	if ok && current == inst {
		inst.Stop()
	}
}

// CleanExpiredReservations evicts every reservation whose expiry is at or
// before now and returns how many were evicted.
func (m *Manager) CleanExpiredReservations() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	evicted := 0
	for port, expiry := range m.reserved {
		if !expiry.After(now) {
			delete(m.reserved, port)
			evicted++
		}
	}
	if evicted > 0 {
		m.metrics.ReservationsExpired(evicted)
		m.reportLocked()
	}
	return evicted
}

// ActivePorts returns the active ports in ascending order.
func (m *Manager) ActivePorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]int, 0, len(m.active))
	for p := range m.active {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// ReservedPorts returns the reserved ports in ascending order.
func (m *Manager) ReservedPorts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ports := make([]int, 0, len(m.reserved))
	for p := range m.reserved {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// Get returns the active instance on port.
func (m *Manager) Get(port int) (*proxy.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.active[port]
	return inst, ok
}

// Close stops the sweeper and releases every active port.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	<-m.done

	for _, port := range m.ActivePorts() {
		m.Release(port)
	}

	m.mu.Lock()
	clear(m.reserved)
	m.reportLocked()
	m.mu.Unlock()
}
