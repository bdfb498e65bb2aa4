// Package bridge ties the upstream link, the fan-out hub and the liveness
// poll into one lifecycle.
//
// The controller moves through Uninitialized, Initialized, Connecting,
// Running, ShuttingDown and Stopped. Transient reconnects after the first
// successful connection do not move it back to Connecting; they show up only
// in Status.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"spoton-relay/config"
	"spoton-relay/domain"
	"spoton-relay/protocol"
	"spoton-relay/upstream"
)

var ErrInvalidTransition = errors.New("bridge: invalid lifecycle transition")

type State int

const (
	Uninitialized State = iota
	Initialized
	Connecting
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Link is the part of *upstream.Link the controller drives.
type Link interface {
	Connect()
	Disconnect()
	OnFrame(h upstream.FrameHandler)
	OnStateChange(h upstream.StateHandler)
	Status() (domain.LinkState, int)
}

// Poller is the liveness backstop, normally *liveness.Driver.
type Poller interface {
	Start()
	Stop()
}

type Controller struct {
	cfg    config.Bridge
	link   Link
	poller Poller

	mu          sync.Mutex
	state       State
	broadcaster domain.Broadcaster
	startTimer  *time.Timer
	connecting  sync.WaitGroup
	stopped     chan struct{}
}

func New(cfg config.Bridge, link Link, poller Poller) *Controller {
	return &Controller{
		cfg:     cfg,
		link:    link,
		poller:  poller,
		stopped: make(chan struct{}),
	}
}

// Initialize attaches the fan-out target and subscribes to the link.
func (c *Controller) Initialize(b domain.Broadcaster) error {
	c.mu.Lock()
	if c.state != Uninitialized {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: initialize from %s", ErrInvalidTransition, state)
	}
	c.broadcaster = b
	c.state = Initialized
	c.mu.Unlock()

	c.link.OnFrame(upstream.FrameHandlerFunc(c.handleFrame))
	c.link.OnStateChange(upstream.StateHandlerFunc(c.handleStateChange))

	slog.Info("bridge initialized", "sourceUrl", c.cfg.SourceURL)
	return nil
}

// Start connects to the source after the configured startup delay.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Initialized {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
	}
	if c.startTimer != nil {
		return nil
	}

	slog.Info("bridge connecting", "delay", c.cfg.StartupDelay)
	c.startTimer = time.AfterFunc(c.cfg.StartupDelay, c.connect)
	return nil
}

func (c *Controller) connect() {
	c.mu.Lock()
	if c.state != Initialized {
		c.mu.Unlock()
		return
	}
	c.state = Connecting
	c.connecting.Add(1)
	c.mu.Unlock()

	defer c.connecting.Done()
	c.link.Connect()
}

// Shutdown stops polling and disconnects from the source. Later calls wait
// for the first one to finish and then return.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.state == ShuttingDown || c.state == Stopped {
		c.mu.Unlock()
		<-c.stopped
		return
	}
	from := c.state
	c.state = ShuttingDown
	if c.startTimer != nil {
		c.startTimer.Stop()
	}
	c.mu.Unlock()

	slog.Info("bridge shutting down", "from", from.String())

	c.connecting.Wait()
	c.poller.Stop()
	c.link.Disconnect()

	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()
	close(c.stopped)

	slog.Info("bridge stopped")
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status reports the link without side effects.
func (c *Controller) Status() domain.Status {
	state, attempts := c.link.Status()
	return domain.Status{
		Connected:         state == domain.Connected,
		ReconnectAttempts: attempts,
		SourceURL:         c.cfg.SourceURL,
	}
}

func (c *Controller) handleFrame(raw domain.RawFrame) {
	c.broadcaster.Broadcast(protocol.Normalize(raw))
}

func (c *Controller) handleStateChange(change upstream.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if change.State == domain.Connected && c.state == Connecting {
		c.state = Running
		c.poller.Start()
		slog.Info("bridge running", "sourceUrl", c.cfg.SourceURL)
	}
	if change.Exhausted {
		slog.Warn("source unreachable, viewers will see stale data until it returns",
			"sourceUrl", c.cfg.SourceURL, "attempts", change.Attempts)
	}
}
