// Package supervisor implements the per-venue connection finite-state
// machine of spec.md section 4.2: it owns one transport, keeps it alive,
// drives authentication/subscription replay, watches idle timeouts, and
// triggers resets. Every streaming venue adapter (Bitfinex, Coinbase,
// BitMEX) is a Capability implementation wrapped by a Supervisor; Kraken
// uses the degenerate polled machine in internal/venue/kraken instead.
package supervisor

import (
	"context"
	"sync"
	"time"

	"marketfeed/internal/logging"
	"marketfeed/internal/transport"
)

// WatchPeriod is the fixed supervisor tick; the idle threshold is 2x this.
const WatchPeriod = 3 * time.Second

// IdleTimeout is the maximum time without an inbound frame before a
// restart is requested.
const IdleTimeout = 2 * WatchPeriod

// State is one node of the connection lifecycle FSM.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	InitReceived
	Authenticated
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case InitReceived:
		return "init_received"
	case Authenticated:
		return "authenticated"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Capability is the protocol-specific behaviour a venue adapter supplies.
// It re-expresses the teacher's "virtual hooks on an abstract base" pattern
// as a small interface: the supervisor is parameterised by a capability
// object instead of subclassing a base connection type.
type Capability interface {
	// Authenticate sends venue authentication, if configured; no-op
	// without credentials.
	Authenticate() error
	// SubscribeEvents (re-)requests every channel that is pending but not
	// yet active. Must be idempotent: calling it repeatedly while already
	// subscribed does nothing harmful.
	SubscribeEvents() error
	// ResetActiveChannels clears the active-channel registry. Pending
	// requests must survive a call to this.
	ResetActiveChannels()
	// ReadHandler processes one inbound frame. Parse failures should be
	// logged internally and must not panic.
	ReadHandler(message []byte)
	// WebSocketURL is the endpoint to dial.
	WebSocketURL() string
	// ImmediateInit reports whether this venue has no welcome handshake
	// (Coinbase): INIT_RECEIVED is signalled as soon as the socket opens
	// instead of waiting for a venue-specific welcome frame.
	ImmediateInit() bool
}

// FatalError marks a protocol error that must not be auto-retried (e.g. an
// unexpected Bitfinex welcome version). Capability implementations pass
// this to Supervisor.Fatal.
type FatalError struct{ Err error }

func (f FatalError) Error() string { return f.Err.Error() }
func (f FatalError) Unwrap() error { return f.Err }

// Supervisor drives one Capability's connection lifecycle.
type Supervisor struct {
	venue string
	cap   Capability
	log   *logging.Entry
	onErr func(error)

	transport *transport.Transport

	mu            sync.Mutex
	state         State
	lastInbound   time.Time
	lastPingPong  time.Time
	restartCh     chan struct{}
	fatal         bool
	fatalErr      error
	consecutiveRestarts int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Supervisor for one venue Capability. onErr receives the
// errors the supervisor surfaces: transport errors, Authenticate and
// SubscribeEvents failures, and the FatalError raised by Fatal.
func New(venue string, capability Capability, log *logging.Entry, onErr func(error)) *Supervisor {
	s := &Supervisor{
		venue:     venue,
		cap:       capability,
		log:       log,
		onErr:     onErr,
		restartCh: make(chan struct{}, 1),
	}
	s.transport = transport.New(capability.WebSocketURL(), log)
	return s
}

// State returns the current FSM state (for tests/diagnostics).
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RestartRequested drains and reports whether a restart signal is pending.
// Exposed primarily for tests that exercise Capability behaviour without
// running the full watch loop.
func (s *Supervisor) RestartRequested() bool {
	select {
	case <-s.restartCh:
		return true
	default:
		return false
	}
}

// IsFatal reports whether Fatal has been called on this supervisor.
func (s *Supervisor) IsFatal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Write proxies to the underlying transport; safe from any goroutine.
func (s *Supervisor) Write(payload []byte) error { return s.transport.Write(payload) }

// IsOpen reflects the underlying transport's last observed state.
func (s *Supervisor) IsOpen() bool { return s.transport.IsOpen() }

// SignalInitReceived is called by the Capability when the venue's welcome
// message arrives (or immediately, for venues like Coinbase with no
// welcome). It advances the FSM to InitReceived and drives
// authenticate -> subscribe -> authenticated.
func (s *Supervisor) SignalInitReceived() {
	s.mu.Lock()
	if s.state != Connected && s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.state = InitReceived
	s.mu.Unlock()

	if err := s.cap.Authenticate(); err != nil {
		s.reportError(err)
	}
	if err := s.cap.SubscribeEvents(); err != nil {
		s.reportError(err)
	}

	s.mu.Lock()
	s.state = Authenticated
	s.consecutiveRestarts = 0
	s.mu.Unlock()
}

// SignalInbound records the arrival of a frame, resetting the idle
// watchdog. The transport read and ping/pong callbacks installed by connect
// call this for every inbound frame, before ReadHandler dispatch.
func (s *Supervisor) SignalInbound() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.mu.Unlock()
}

// RequestRestart raises the restart flag. If the watch loop is waiting it
// wakes immediately; if raised before InitReceived it is latched (the
// buffered channel holds one pending signal) for the watch loop to pick up
// once it starts ticking.
func (s *Supervisor) RequestRestart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Fatal marks the supervisor permanently stopped: no further auto-retry.
// Used for protocol errors that mean "the venue changed and the caller
// must intervene" (spec.md section 4.2, unexpected welcome version).
func (s *Supervisor) Fatal(err error) {
	s.mu.Lock()
	s.fatal = true
	s.fatalErr = err
	s.mu.Unlock()
	s.reportError(FatalError{Err: err})
	s.RequestRestart()
}

func (s *Supervisor) reportError(err error) {
	if s.onErr != nil {
		s.onErr(err)
	}
	if !s.transport.IsOpen() {
		s.RequestRestart()
	}
}

// Run starts the supervisor: connects the transport and drives the watch
// loop until ctx is cancelled or Stop is called.
func (s *Supervisor) Run(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx)
}

// Stop tears the supervisor down: signals shutdown, waits for the watch
// loop to exit, then stops the transport (which joins its own worker).
// All joins are unconditional.
func (s *Supervisor) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	s.transport.Stop()
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.doneCh)

	s.connect(ctx)

	ticker := time.NewTicker(WatchPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.restartCh:
			s.mu.Lock()
			fatal := s.fatal
			s.mu.Unlock()
			if fatal {
				return
			}
			s.restart(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	idle := !s.lastInbound.IsZero() && time.Since(s.lastInbound) > IdleTimeout
	authed := s.state == Authenticated || s.state == Subscribed
	s.mu.Unlock()

	if idle {
		if s.log != nil {
			s.log.WithComponent("supervisor").WithField("venue", s.venue).Warn("idle timeout exceeded, requesting restart")
		}
		s.RequestRestart()
		return
	}
	if authed {
		if err := s.cap.SubscribeEvents(); err != nil {
			s.reportError(err)
		}
		s.transport.Ping()
	}
}

func (s *Supervisor) connect(ctx context.Context) {
	s.mu.Lock()
	s.state = Connecting
	s.lastInbound = time.Now()
	s.mu.Unlock()

	err := s.transport.Run(ctx,
		func(msg []byte) {
			s.SignalInbound()
			s.cap.ReadHandler(msg)
		},
		func(err error) {
			s.reportError(err)
		},
		func(isPing bool) {
			s.SignalInbound()
		},
	)
	if err != nil {
		s.reportError(err)
		return
	}
	s.mu.Lock()
	s.state = Connected
	s.mu.Unlock()

	if s.cap.ImmediateInit() {
		go s.SignalInitReceived()
	}
}

// restart performs the stop/clear/reconnect sequence of spec.md section
//4.2, applying linear backoff bounded by one watch period after three
// rapid consecutive restarts without an intervening success.
func (s *Supervisor) restart(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	s.consecutiveRestarts++
	needsBackoff := s.consecutiveRestarts >= 3
	s.mu.Unlock()

	if needsBackoff {
		select {
		case <-time.After(WatchPeriod):
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}

	s.transport.Stop()

	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()

	s.cap.ResetActiveChannels()
	s.transport = transport.New(s.cap.WebSocketURL(), s.log)

	logging.PublishCount("VenueRestart", 1, logging.Fields{"venue": s.venue})
	s.connect(ctx)
}
