package upstream

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spoton-relay/domain"
)

const waitFor = time.Second

type fakeTransport struct {
	events chan Event

	mu       sync.Mutex
	connects int
	closes   int
	emitted  []string
	emitErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event)}
}

func (f *fakeTransport) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeTransport) counts() (connects, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.closes
}

func (f *fakeTransport) getEmitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emitted...)
}

type recorder struct {
	mu      sync.Mutex
	changes []StateChange
	frames  []domain.RawFrame
}

func (r *recorder) HandleStateChange(change StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recorder) HandleFrame(frame domain.RawFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recorder) getChanges() []StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateChange(nil), r.changes...)
}

func (r *recorder) getFrames() []domain.RawFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RawFrame(nil), r.frames...)
}

func (r *recorder) exhaustions() int {
	n := 0
	for _, c := range r.getChanges() {
		if c.Exhausted {
			n++
		}
	}
	return n
}

func newTestLink(t *testing.T, maxAttempts int) (*Link, *fakeTransport, *recorder) {
	t.Helper()
	transport := newFakeTransport()
	link := NewLink(transport, "ws://source.test/ws", maxAttempts)
	rec := &recorder{}
	link.OnStateChange(rec)
	link.OnFrame(rec)
	t.Cleanup(link.Disconnect)
	return link, transport, rec
}

func waitStatus(t *testing.T, link *Link, state domain.LinkState, attempts int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		s, a := link.Status()
		return s == state && a == attempts
	}, waitFor, 5*time.Millisecond)
}

func TestLink_DisconnectBeforeConnect(t *testing.T) {
	link, transport, rec := newTestLink(t, 10)

	link.Disconnect()

	state, attempts := link.Status()
	assert.Equal(t, domain.Disconnected, state)
	assert.Equal(t, 0, attempts)
	connects, closes := transport.counts()
	assert.Zero(t, connects)
	assert.Zero(t, closes)
	assert.Empty(t, rec.getChanges())
}

func TestLink_ConnectIdempotent(t *testing.T) {
	link, transport, rec := newTestLink(t, 10)

	link.Connect()
	link.Connect()

	connects, _ := transport.counts()
	assert.Equal(t, 1, connects)
	state, _ := link.Status()
	assert.Equal(t, domain.Connecting, state)
	require.Len(t, rec.getChanges(), 1)

	transport.events <- Connected{}
	waitStatus(t, link, domain.Connected, 0)

	link.Connect()
	connects, _ = transport.counts()
	assert.Equal(t, 1, connects)
}

func TestLink_FailuresCountedAndReset(t *testing.T) {
	link, transport, rec := newTestLink(t, 10)
	link.Connect()

	for i := 1; i <= 3; i++ {
		transport.events <- ConnectError{Attempt: i, Err: errors.New("connection refused")}
	}
	waitStatus(t, link, domain.Connecting, 3)

	transport.events <- Connected{Attempts: 3}
	waitStatus(t, link, domain.Connected, 0)
	assert.Zero(t, rec.exhaustions())
}

func TestLink_ExhaustionSignalledOnce(t *testing.T) {
	link, transport, rec := newTestLink(t, 3)
	link.Connect()

	for i := 1; i <= 5; i++ {
		transport.events <- ConnectError{Attempt: i, Err: errors.New("connection refused")}
	}
	transport.events <- ReconnectFailed{Attempts: 5}
	waitStatus(t, link, domain.Disconnected, 5)

	assert.Equal(t, 1, rec.exhaustions())

	// A successful connection ends the episode; the next one signals again.
	link.Connect()
	transport.events <- Connected{}
	waitStatus(t, link, domain.Connected, 0)
	for i := 1; i <= 3; i++ {
		transport.events <- ConnectError{Attempt: i, Err: errors.New("connection refused")}
	}
	assert.Eventually(t, func() bool { return rec.exhaustions() == 2 }, waitFor, 5*time.Millisecond)
}

func TestLink_ExhaustionAfterManualReconnect(t *testing.T) {
	link, transport, rec := newTestLink(t, 2)

	for episode := 1; episode <= 2; episode++ {
		link.Connect()
		waitStatus(t, link, domain.Connecting, 0)

		transport.events <- ConnectError{Attempt: 1, Err: errors.New("connection refused")}
		transport.events <- ConnectError{Attempt: 2, Err: errors.New("connection refused")}
		transport.events <- ReconnectFailed{Attempts: 2}
		waitStatus(t, link, domain.Disconnected, 2)

		assert.Eventually(t, func() bool { return rec.exhaustions() == episode }, waitFor, 5*time.Millisecond)
	}

	connects, _ := transport.counts()
	assert.Equal(t, 2, connects)
}

func TestLink_ReconnectFailedWithoutPriorLimit(t *testing.T) {
	link, transport, rec := newTestLink(t, 0)
	link.Connect()

	transport.events <- ConnectError{Attempt: 1, Err: errors.New("timeout")}
	transport.events <- ReconnectFailed{Attempts: 1}
	waitStatus(t, link, domain.Disconnected, 1)

	assert.Eventually(t, func() bool { return rec.exhaustions() == 1 }, waitFor, 5*time.Millisecond)
}

func TestLink_ServerDisconnectReconnectsExplicitly(t *testing.T) {
	link, transport, _ := newTestLink(t, 10)
	link.Connect()
	transport.events <- Connected{}
	waitStatus(t, link, domain.Connected, 0)

	transport.events <- Disconnected{Reason: ReasonServerDisconnect}

	assert.Eventually(t, func() bool {
		connects, _ := transport.counts()
		return connects == 2
	}, waitFor, 5*time.Millisecond)
	state, _ := link.Status()
	assert.Equal(t, domain.Connecting, state)
}

func TestLink_TransportErrorLeftToTransport(t *testing.T) {
	link, transport, _ := newTestLink(t, 10)
	link.Connect()
	transport.events <- Connected{}
	waitStatus(t, link, domain.Connected, 0)

	transport.events <- Disconnected{Reason: ReasonTransportError, Err: errors.New("reset by peer")}
	waitStatus(t, link, domain.Connecting, 0)

	connects, _ := transport.counts()
	assert.Equal(t, 1, connects)
}

func TestLink_RequestFrame(t *testing.T) {
	link, transport, _ := newTestLink(t, 10)

	assert.False(t, link.RequestFrame())

	link.Connect()
	assert.False(t, link.RequestFrame())

	transport.events <- Connected{}
	waitStatus(t, link, domain.Connected, 0)
	assert.True(t, link.RequestFrame())
	assert.Equal(t, []string{domain.EventRequestData}, transport.getEmitted())

	transport.mu.Lock()
	transport.emitErr = ErrNotConnected
	transport.mu.Unlock()
	assert.False(t, link.RequestFrame())
}

func TestLink_FramesDeliveredInOrder(t *testing.T) {
	link, transport, rec := newTestLink(t, 10)
	link.Connect()
	transport.events <- Connected{}

	for _, ts := range []string{"T1", "T2", "T3"} {
		data, err := json.Marshal(map[string]any{"free_spaces": 1, "timestamp": ts})
		require.NoError(t, err)
		transport.events <- Message{Name: domain.EventParkingUpdate, Data: data}
	}
	transport.events <- Message{Name: domain.EventParkingUpdate, Data: json.RawMessage(`"garbage"`)}
	transport.events <- Message{Name: "status", Data: json.RawMessage(`{}`)}

	assert.Eventually(t, func() bool { return len(rec.getFrames()) == 3 }, waitFor, 5*time.Millisecond)
	frames := rec.getFrames()
	for i, want := range []string{"T1", "T2", "T3"} {
		require.NotNil(t, frames[i].Timestamp)
		assert.Equal(t, want, *frames[i].Timestamp)
		assert.Nil(t, frames[i].TotalSpaces)
	}
}

func TestLink_DisconnectStopsCallbacks(t *testing.T) {
	link, transport, rec := newTestLink(t, 10)
	link.Connect()
	transport.events <- Connected{}
	waitStatus(t, link, domain.Connected, 0)

	link.Disconnect()

	state, _ := link.Status()
	assert.Equal(t, domain.Disconnected, state)
	_, closes := transport.counts()
	assert.Equal(t, 1, closes)

	changes := rec.getChanges()
	require.NotEmpty(t, changes)
	assert.Equal(t, domain.Disconnected, changes[len(changes)-1].State)

	select {
	case transport.events <- Connected{}:
		t.Fatal("link still consuming events after Disconnect")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, rec.getChanges(), len(changes))

	link.Disconnect()
	_, closes = transport.counts()
	assert.Equal(t, 1, closes)
}

func TestLink_ReconnectAfterDisconnect(t *testing.T) {
	link, transport, _ := newTestLink(t, 10)
	link.Connect()
	link.Disconnect()

	link.Connect()
	transport.events <- Connected{}
	waitStatus(t, link, domain.Connected, 0)

	connects, _ := transport.counts()
	assert.Equal(t, 2, connects)
}
