// Package transport implements the thin WebSocket wrapper described in
// spec.md section 4.1: a single worker goroutine services the socket,
// write is safe to call from any goroutine and buffers while disconnected,
// and the caller drives reconnection.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketfeed/internal/logging"
)

// ReadCallback is invoked once per complete text message, in arrival order.
type ReadCallback func(message []byte)

// ErrorCallback is invoked for transport-level errors (dial failure, read
// error, write error).
type ErrorCallback func(err error)

// PingCallback is invoked for every ping or pong control frame observed.
type PingCallback func(isPing bool)

// Transport owns one TLS+WebSocket session for the lifetime between Run and
// Stop. It does not reconnect on its own; after a failure the connection
// supervisor stops it and dials a fresh Transport.
type Transport struct {
	url string
	log *logging.Entry

	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool
	running   bool
	pending   [][]byte // buffered writes while disconnected
	writeMu   sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a transport bound to url. The connection is not established
// until Run is called.
func New(url string, log *logging.Entry) *Transport {
	return &Transport{url: url, log: log}
}

// IsOpen reflects the last observed socket state.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Run starts the worker goroutine that dials, reads, and services pings.
// Calling Run while already running is an error.
func (t *Transport) Run(ctx context.Context, onRead ReadCallback, onError ErrorCallback, onPing PingCallback) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("transport: already running")
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	go t.worker(ctx, onRead, onError, onPing)
	return nil
}

func (t *Transport) worker(ctx context.Context, onRead ReadCallback, onError ErrorCallback, onPing PingCallback) {
	defer close(t.doneCh)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.url, nil)
	cancel()
	if err != nil {
		t.setOpen(false)
		if onError != nil {
			onError(err)
		}
		return
	}

	conn.SetPingHandler(func(string) error {
		if onPing != nil {
			onPing(true)
		}
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		if onPing != nil {
			onPing(false)
		}
		return nil
	})

	t.mu.Lock()
	t.conn = conn
	t.open = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, msg := range pending {
		_ = t.writeNow(msg)
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				t.setOpen(false)
				if onError != nil {
					onError(err)
				}
				return
			}
			if onRead != nil {
				onRead(msg)
			}
		}
	}()

	select {
	case <-t.stopCh:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		_ = conn.Close()
		<-readDone
	case <-readDone:
	case <-ctx.Done():
		_ = conn.Close()
		<-readDone
	}
	t.setOpen(false)
}

func (t *Transport) setOpen(v bool) {
	t.mu.Lock()
	t.open = v
	t.mu.Unlock()
}

// Write frames and sends bytes as a text message if the socket is up;
// otherwise it appends to a pending buffer flushed on the next connect.
// Safe under concurrent callers.
func (t *Transport) Write(payload []byte) error {
	t.mu.Lock()
	open := t.open
	t.mu.Unlock()
	if !open {
		t.mu.Lock()
		t.pending = append(t.pending, payload)
		t.mu.Unlock()
		return nil
	}
	return t.writeNow(payload)
}

func (t *Transport) writeNow(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("transport: not connected")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping sends a protocol-level ping if connected; no-op otherwise.
func (t *Transport) Ping() {
	t.mu.Lock()
	conn := t.conn
	open := t.open
	t.mu.Unlock()
	if !open || conn == nil {
		return
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		if t.log != nil {
			t.log.WithError(err).Warn("ping failed")
		}
	}
}

// Stop signals shutdown and awaits worker termination. After Stop returns,
// no further callbacks fire.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stopCh := t.stopCh
	doneCh := t.doneCh
	t.running = false
	t.mu.Unlock()

	close(stopCh)
	<-doneCh
}
