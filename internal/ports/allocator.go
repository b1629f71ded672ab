// Package ports hands out display ports for sandbox sessions.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"

	"ex10-server/internal/logging"
	"ex10-server/internal/metrics"
)

// ErrPortExhausted is returned when every port in the range is tracked or busy.
var ErrPortExhausted = errors.New("no available display ports")

// BindProbe reports whether port can currently be bound.
type BindProbe func(port int) bool

// Allocator tracks used display ports inside [min, max].
type Allocator struct {
	min, max int
	probe    BindProbe
	logger   *zap.Logger

	mu   sync.Mutex
	used map[int]struct{}
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithBindProbe replaces the live bind test.
func WithBindProbe(probe BindProbe) Option {
	return func(a *Allocator) { a.probe = probe }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// NewAllocator creates an allocator over the inclusive range [min, max].
func NewAllocator(min, max int, opts ...Option) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	a := &Allocator{
		min:   min,
		max:   max,
		probe: IsPortAvailable,
		used:  make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrGlobal(a.logger).Named("ports")
	return a, nil
}

// Allocate returns the lowest untracked port that passes the bind test. The
// lock is held across the scan and the probe so concurrent callers never see
// the same port. A port that fails the probe is tracked as used too.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if _, taken := a.used[port]; taken {
			continue
		}
		ok := a.probe(port)
		a.used[port] = struct{}{}
		if ok {
			metrics.Get().PortsInUse.Set(float64(len(a.used)))
			return port, nil
		}
		metrics.Get().PortBindFailuresTotal.Inc()
		a.logger.Warn("display port busy at OS level, skipping", zap.Int("port", port))
	}

	metrics.Get().PortExhaustionsTotal.Inc()
	a.logger.Error("display port range exhausted",
		zap.Int("min", a.min), zap.Int("max", a.max))
	return 0, ErrPortExhausted
}

// Release stops tracking port. Releasing an untracked port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
	metrics.Get().PortsInUse.Set(float64(len(a.used)))
}

// InUse returns the tracked ports in ascending order.
func (a *Allocator) InUse() []int {
	a.mu.Lock()
	out := make([]int, 0, len(a.used))
	for p := range a.used {
		out = append(out, p)
	}
	a.mu.Unlock()
	sort.Ints(out)
	return out
}

// Len returns how many ports are tracked.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Range returns the configured bounds.
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// IsPortAvailable does a listen-and-close on 0.0.0.0:port.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
