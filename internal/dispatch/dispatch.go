// Package dispatch routes inbound live channel events to their effects.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/driverlink/internal/metrics"
	"github.com/dukerupert/driverlink/internal/realtime"
)

// Refresher reloads the notification list.
type Refresher interface {
	Fetch(ctx context.Context) error
}

// Dispatcher handles events from the read loop without blocking it.
// Notification triggers are coalesced: at most one refresh runs, and any
// trigger that arrives meanwhile schedules exactly one more.
type Dispatcher struct {
	cache   Refresher
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	pending bool
	lastAck time.Time
	onAck   func(time.Time)
	wg      sync.WaitGroup
}

func New(cache Refresher, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{cache: cache, logger: logger, metrics: m}
}

// OnAck registers fn, called with the time of each location acknowledgement.
func (d *Dispatcher) OnAck(fn func(time.Time)) {
	d.mu.Lock()
	d.onAck = fn
	d.mu.Unlock()
}

// Handle processes one event. It never blocks on I/O.
func (d *Dispatcher) Handle(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.NotificationTrigger:
		d.logger.Info("notification event", "kind", e.Kind)
		d.scheduleRefresh()
	case realtime.LocationAck:
		d.mu.Lock()
		d.lastAck = e.At
		fn := d.onAck
		d.mu.Unlock()
		if fn != nil {
			fn(e.At)
		}
	case realtime.Handshake:
		d.logger.Info("live channel handshake", "event", e.Event, "driver_id", e.DriverID)
	case realtime.Unrecognized:
		d.logger.Debug("unrecognized event", "event", e.Event, "data", string(e.Data))
	}
}

// LastAck returns the time of the latest location acknowledgement.
func (d *Dispatcher) LastAck() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAck
}

// Wait blocks until scheduled refreshes have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) scheduleRefresh() {
	d.mu.Lock()
	if d.running {
		d.pending = true
		d.mu.Unlock()
		return
	}
	d.running = true
	d.wg.Add(1)
	d.mu.Unlock()

	go d.refresh()
}

func (d *Dispatcher) refresh() {
	defer d.wg.Done()
	for {
		err := d.cache.Fetch(context.Background())
		d.metrics.Refresh(err == nil)
		if err != nil {
			d.logger.Warn("notification refresh failed", "error", err)
		}

		d.mu.Lock()
		if !d.pending {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.mu.Unlock()
	}
}
