// Package liveness polls the telemetry source on a fixed period in case it
// stops pushing frames on its own.
package liveness

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"spoton-relay/domain"
)

// Driver calls RequestFrame every interval while started.
type Driver struct {
	requester domain.FrameRequester
	interval  time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	sent    atomic.Uint64
	skipped atomic.Uint64
}

// Stats counts polls that reached the source and polls skipped while it was unreachable.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Skipped uint64 `json:"skipped"`
}

func NewDriver(requester domain.FrameRequester, interval time.Duration) *Driver {
	return &Driver{
		requester: requester,
		interval:  interval,
	}
}

// Start begins polling. Starting a running driver does nothing.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(d.stop, d.done)

	slog.Info("liveness poll started", "interval", d.interval)
}

// Stop cancels polling and waits for the poll goroutine to exit. Stopping a
// stopped driver does nothing.
func (d *Driver) Stop() {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done

	slog.Info("liveness poll stopped")
}

func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop != nil
}

func (d *Driver) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Skipped: d.skipped.Load()}
}

func (d *Driver) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if d.requester.RequestFrame() {
				d.sent.Add(1)
			} else {
				d.skipped.Add(1)
			}
		}
	}
}
