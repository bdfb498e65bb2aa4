// Command parkwatch subscribes to a telemetry source directly and prints each
// occupancy update along with what changed since the previous one.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"spoton-relay/domain"
	"spoton-relay/liveness"
	"spoton-relay/upstream"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("parkwatch", pflag.ContinueOnError)
	sourceURL := fs.String("source-url", "ws://localhost:8080/ws", "telemetry source WebSocket URL")
	interval := fs.Duration("interval", 2*time.Second, "how often to request data")
	maxAttempts := fs.Int("max-reconnect-attempts", 10, "consecutive failed connects before giving up (0 = never)")
	reconnectDelay := fs.Duration("reconnect-delay", time.Second, "delay between reconnect attempts")
	verbose := fs.BoolP("verbose", "v", false, "log connection events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	socket := upstream.NewSocket(upstream.SocketConfig{
		URL:            *sourceURL,
		ReconnectDelay: *reconnectDelay,
		MaxAttempts:    *maxAttempts,
	})
	link := upstream.NewLink(socket, *sourceURL, *maxAttempts)
	poller := liveness.NewDriver(link, *interval)

	w := &watcher{}
	link.OnFrame(upstream.FrameHandlerFunc(func(frame domain.RawFrame) {
		w.print(out, frame)
	}))
	link.OnStateChange(upstream.StateHandlerFunc(func(change upstream.StateChange) {
		switch {
		case change.State == domain.Connected:
			fmt.Fprintf(out, "connected to %s, requesting data every %s\n", *sourceURL, *interval)
		case change.Exhausted:
			fmt.Fprintf(out, "gave up on %s after %d attempts\n", *sourceURL, change.Attempts)
		}
	}))

	fmt.Fprintf(out, "connecting to %s (ctrl+c to stop)\n", *sourceURL)
	link.Connect()
	poller.Start()

	<-ctx.Done()

	poller.Stop()
	link.Disconnect()
	fmt.Fprintf(out, "\nclosing, %d updates received, %d requests sent\n", w.total(), poller.Stats().Sent)
	return nil
}

type update struct {
	n       int
	first   bool
	changes []Change
}

type watcher struct {
	mu    sync.Mutex
	count int
	last  *domain.RawFrame
}

func (w *watcher) record(frame domain.RawFrame) update {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.count++
	u := update{n: w.count, first: w.last == nil}
	if w.last != nil {
		u.changes = Diff(*w.last, frame)
	}
	w.last = &frame
	return u
}

func (w *watcher) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *watcher) print(out io.Writer, frame domain.RawFrame) {
	u := w.record(frame)

	fmt.Fprintf(out, "\nupdate #%d at %s\n", u.n, time.Now().Format(time.TimeOnly))
	fmt.Fprintf(out, "  total:       %s\n", formatInt(frame.TotalSpaces))
	fmt.Fprintf(out, "  free:        %s\n", formatInt(frame.FreeSpaces))
	fmt.Fprintf(out, "  occupied:    %s\n", formatInt(frame.OccupiedSpaces))
	fmt.Fprintf(out, "  probability: %s\n", formatFloat(frame.Probability))
	if frame.Timestamp != nil {
		fmt.Fprintf(out, "  source time: %s\n", *frame.Timestamp)
	}

	switch {
	case u.first:
	case len(u.changes) == 0:
		fmt.Fprintln(out, "  no changes")
	default:
		parts := make([]string, len(u.changes))
		for i, c := range u.changes {
			parts[i] = c.String()
		}
		fmt.Fprintf(out, "  changed: %s\n", strings.Join(parts, " | "))
	}
}
