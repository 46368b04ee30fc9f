package supervisor

import (
	"context"
	"testing"
	"time"
)

type fakeCapability struct {
	authenticateCalls int
	subscribeCalls    int
	resetCalls        int
	immediate         bool
}

func (f *fakeCapability) Authenticate() error       { f.authenticateCalls++; return nil }
func (f *fakeCapability) SubscribeEvents() error    { f.subscribeCalls++; return nil }
func (f *fakeCapability) ResetActiveChannels()      { f.resetCalls++ }
func (f *fakeCapability) ReadHandler([]byte)        {}
func (f *fakeCapability) WebSocketURL() string      { return "wss://example.invalid/ws" }
func (f *fakeCapability) ImmediateInit() bool       { return f.immediate }

func TestSignalInitReceivedDrivesAuthAndSubscribe(t *testing.T) {
	cap := &fakeCapability{}
	s := New("test", cap, nil, nil)
	s.mu.Lock()
	s.state = Connected
	s.mu.Unlock()

	s.SignalInitReceived()

	if cap.authenticateCalls != 1 {
		t.Fatalf("expected 1 Authenticate call, got %d", cap.authenticateCalls)
	}
	if cap.subscribeCalls != 1 {
		t.Fatalf("expected 1 SubscribeEvents call, got %d", cap.subscribeCalls)
	}
	if s.State() != Authenticated {
		t.Fatalf("expected Authenticated state, got %v", s.State())
	}
}

func TestRequestRestartIsLatchedWhenNotWaiting(t *testing.T) {
	cap := &fakeCapability{}
	s := New("test", cap, nil, nil)
	s.RequestRestart()
	s.RequestRestart() // second call must not block; channel has capacity 1
	select {
	case <-s.restartCh:
	default:
		t.Fatal("expected a latched restart signal")
	}
}

func TestFatalPreventsFurtherProcessing(t *testing.T) {
	cap := &fakeCapability{}
	var gotErr error
	s := New("test", cap, nil, func(err error) { gotErr = err })
	s.Fatal(errUnexpectedVersion)
	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if !fatal {
		t.Fatal("expected fatal flag set")
	}
	if gotErr == nil {
		t.Fatal("expected error handler to be invoked")
	}
}

var errUnexpectedVersion = fakeErr("unexpected version")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestTickRequestsRestartWhenIdleTimeoutExceeded(t *testing.T) {
	cap := &fakeCapability{}
	s := New("test", cap, nil, nil)
	s.mu.Lock()
	s.state = Subscribed
	s.lastInbound = time.Now().Add(-(IdleTimeout + time.Second))
	s.mu.Unlock()

	s.tick(context.Background())

	select {
	case <-s.restartCh:
	default:
		t.Fatal("expected an idle timeout to request a restart")
	}
	if cap.subscribeCalls != 0 {
		t.Fatal("an idle restart request must not also re-subscribe")
	}
}

func TestTickWithinIdleTimeoutResubscribesInstead(t *testing.T) {
	cap := &fakeCapability{}
	s := New("test", cap, nil, nil)
	s.mu.Lock()
	s.state = Subscribed
	s.lastInbound = time.Now()
	s.mu.Unlock()

	s.tick(context.Background())

	select {
	case <-s.restartCh:
		t.Fatal("did not expect a restart request while within the idle timeout")
	default:
	}
	if cap.subscribeCalls != 1 {
		t.Fatalf("expected SubscribeEvents to be called once, got %d", cap.subscribeCalls)
	}
}

func TestThirdConsecutiveRestartWaitsOutBackoffBeforeReconnecting(t *testing.T) {
	cap := &fakeCapability{}
	s := New("test", cap, nil, nil)
	s.stopCh = make(chan struct{})
	close(s.stopCh) // fires the moment restart enters its backoff wait

	s.mu.Lock()
	s.consecutiveRestarts = 2
	s.mu.Unlock()

	s.restart(context.Background())

	s.mu.Lock()
	count := s.consecutiveRestarts
	s.mu.Unlock()
	if count != 3 {
		t.Fatalf("expected consecutiveRestarts to reach 3, got %d", count)
	}
	// The backoff branch returns as soon as stopCh fires, before the
	// reset/reconnect sequence runs.
	if cap.resetCalls != 0 {
		t.Fatal("expected the backoff wait to pre-empt ResetActiveChannels")
	}
}

func TestRestartBelowBackoffThresholdReconnectsImmediately(t *testing.T) {
	cap := &fakeCapability{}
	s := New("test", cap, nil, nil)
	s.stopCh = make(chan struct{})

	s.mu.Lock()
	s.consecutiveRestarts = 1
	s.mu.Unlock()

	start := time.Now()
	s.restart(context.Background())
	elapsed := time.Since(start)

	if elapsed >= WatchPeriod {
		t.Fatalf("expected an immediate reconnect below the backoff threshold, took %v", elapsed)
	}
	if cap.resetCalls != 1 {
		t.Fatalf("expected ResetActiveChannels to run once, got %d", cap.resetCalls)
	}
}
