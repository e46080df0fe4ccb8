// Package healthmonitor implements the periodic health-check monitor:
// a single dedicated timer scans the registry for silent devices and
// emits DEVICE_OFFLINE alerts, tearing down stale connections.
package healthmonitor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hearthwire/sentryhub/core/logger"
	"github.com/hearthwire/sentryhub/internal/model"
	"github.com/hearthwire/sentryhub/internal/registry"
)

// shutdownGrace is how long Stop waits for the current scan to finish
// before giving up.
const shutdownGrace = 5 * time.Second

// Monitor runs the periodic offline scan on its own ticker.
type Monitor struct {
	store            *registry.Store
	period           time.Duration
	offlineThreshold time.Duration

	stop chan struct{}
	done chan struct{}
}

// New creates a Monitor. period and offlineThreshold default to
// 2 minutes / 3 minutes when zero.
func New(store *registry.Store, period, offlineThreshold time.Duration) *Monitor {
	if period <= 0 {
		period = 2 * time.Minute
	}
	if offlineThreshold <= 0 {
		offlineThreshold = 3 * time.Minute
	}
	return &Monitor{
		store:            store,
		period:           period,
		offlineThreshold: offlineThreshold,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start runs the scan loop until Stop is called or ctx is canceled. It
// blocks, so callers run it in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				logger.Default().WithError(err).Error("healthmonitor: scan failed")
			}
		}
	}
}

// Stop signals the loop to exit and waits up to 5 seconds for it to do so.
func (m *Monitor) Stop() {
	close(m.stop)
	select {
	case <-m.done:
	case <-time.After(shutdownGrace):
		logger.Default().Warn("healthmonitor: shutdown grace period exceeded, abandoning")
	}
}

// RunOnce runs a single scan pass immediately; exported for tests and for
// callers that want to trigger an out-of-band scan. The periodic loop in
// Start calls this on every tick.
func (m *Monitor) RunOnce(ctx context.Context) error {
	devices, err := m.store.FindAll(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, d := range devices {
		_, err := m.store.FindActiveByDeviceID(ctx, d.ID)
		hasActive := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			logger.Default().WithError(err).Warnf("healthmonitor: connection lookup failed for device %d", d.ID)
			continue
		}

		if hasActive {
			// device may be in-flight with its next health check
			continue
		}

		switch {
		case d.LastHealthCheck == nil:
			m.emitOffline(ctx, d)
		case now.Sub(*d.LastHealthCheck) > m.offlineThreshold:
			m.emitOffline(ctx, d)
			if err := m.store.CloseAllForDevice(ctx, d.ID); err != nil {
				logger.Default().WithError(err).Warnf("healthmonitor: failed to close connections for device %d", d.ID)
			}
		}
	}
	return nil
}

func (m *Monitor) emitOffline(ctx context.Context, d model.Device) {
	serialHash := d.SerialHash
	if err := m.store.InsertAlert(ctx, model.AlertDeviceOffline, serialHash, map[string]interface{}{
		"device_id": d.ID,
		"critical":  d.Critical,
	}); err != nil {
		logger.Default().WithError(err).Warn("healthmonitor: failed to insert offline alert")
	}
}
