package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/tidewave/marketws/internal/observability"
)

const (
	defaultFrameGap             = 140 * time.Millisecond
	defaultReadLimit            = 2 * 1024 * 1024
	defaultMaxReconnectInterval = 20 * time.Second
	defaultPingInterval         = 20 * time.Second
	controlWriteTimeout         = 5 * time.Second
	readyTimeout                = 10 * time.Second
)

// PingKind selects a venue keepalive dialect.
type PingKind int

const (
	// PingNone disables client-initiated keepalive; the venue pings first and
	// the Control hook answers.
	PingNone PingKind = iota
	// PingProtocol sends websocket protocol pings.
	PingProtocol
	// PingFrame sends an application-level frame produced by Policy.Frame.
	PingFrame
)

// PingPolicy describes how the transport keeps a venue connection alive.
type PingPolicy struct {
	Kind     PingKind
	Interval time.Duration
	// Timeout bounds how long the connection may go without a recognised
	// pong after pinging starts. Zero disables the pong deadline.
	Timeout time.Duration
	// Frame produces the keepalive payload for PingFrame policies.
	Frame func() []byte
}

// Config wires one venue websocket connection.
type Config struct {
	// Name labels the transport in logs and metrics, e.g. "kucoin" or
	// "okx/business".
	Name string
	// URL resolves the dial target. It runs before every connection attempt
	// so venues with minted endpoints stay fresh across reconnects.
	URL func(ctx context.Context) (string, error)
	// OnOpen returns the frames to send after each successful dial,
	// typically subscribe requests. Frames are paced by FrameGap.
	OnOpen func(ctx context.Context) ([][]byte, error)
	// Handler receives every data frame after inflation and control
	// filtering.
	Handler func(ctx context.Context, frame []byte)
	// Control inspects a frame before Handler. A pong result refreshes the
	// keepalive deadline; a non-nil reply is written back; handled frames
	// never reach Handler.
	Control func(frame []byte) (reply []byte, pong bool, handled bool)
	// Inflate decompresses venue frames when set.
	Inflate func(frame []byte) ([]byte, error)
	// OnReconnect runs after each dial before OnOpen so adapters can drop
	// transient per-connection state.
	OnReconnect func()
	Ping        PingPolicy
	ReadLimit   int64
	// FrameGap spaces consecutive control writes. Defaults to 140ms.
	FrameGap             time.Duration
	MaxReconnectInterval time.Duration
}

// Transport maintains one venue websocket connection with automatic
// reconnect. Run blocks until the context ends; Send writes ad-hoc control
// frames subject to pacing.
type Transport struct {
	cfg    Config
	dialer Dialer

	conn   Conn
	connMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once

	controlMu       sync.Mutex
	lastControlSend time.Time

	pongMu   sync.Mutex
	lastPong time.Time

	connected bool
	connAt    time.Time
	stateMu   sync.Mutex

	errorChan chan<- error
}

// NewTransport builds a transport for the config. A nil dialer uses the
// network dialer.
func NewTransport(cfg Config, dialer Dialer, errCh chan<- error) *Transport {
	if dialer == nil {
		dialer = NetDialer{}
	}
	if cfg.FrameGap <= 0 {
		cfg.FrameGap = defaultFrameGap
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if cfg.Ping.Kind != PingNone && cfg.Ping.Interval <= 0 {
		cfg.Ping.Interval = defaultPingInterval
	}
	return &Transport{
		cfg:             cfg,
		dialer:          dialer,
		conn:            nil,
		connMu:          sync.RWMutex{},
		ready:           make(chan struct{}),
		readyOnce:       sync.Once{},
		controlMu:       sync.Mutex{},
		lastControlSend: time.Time{},
		pongMu:          sync.Mutex{},
		lastPong:        time.Time{},
		connected:       false,
		connAt:          time.Time{},
		stateMu:         sync.Mutex{},
		errorChan:       errCh,
	}
}

// Run drives the connect loop until ctx ends.
func (t *Transport) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = t.cfg.MaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}

		url, err := t.cfg.URL(ctx)
		if err != nil {
			t.reportError(ctx, fmt.Errorf("%s resolve url: %w", t.cfg.Name, err))
			if err := t.sleepBackoff(ctx, backoffCfg); err != nil {
				return err
			}
			continue
		}

		conn, err := t.dialer.Dial(ctx, url)
		if err != nil {
			t.reportError(ctx, fmt.Errorf("%s dial %s: %w", t.cfg.Name, url, err))
			observability.Telemetry().IncCounter(observability.MetricReconnects, 1, map[string]string{"transport": t.cfg.Name})
			if err := t.sleepBackoff(ctx, backoffCfg); err != nil {
				return err
			}
			continue
		}

		conn.SetReadLimit(t.cfg.ReadLimit)

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()

		t.controlMu.Lock()
		t.lastControlSend = time.Time{}
		t.controlMu.Unlock()

		now := time.Now()
		t.pongMu.Lock()
		t.lastPong = now
		t.pongMu.Unlock()
		t.setConnected(true, now)

		if t.cfg.OnReconnect != nil {
			t.cfg.OnReconnect()
		}

		t.readyOnce.Do(func() {
			close(t.ready)
		})

		backoffCfg.Reset()
		observability.Log().Debug("transport connected", observability.Field{Key: "transport", Value: t.cfg.Name}, observability.Field{Key: "url", Value: url})

		if err := t.sendOpenFrames(ctx); err != nil {
			t.reportError(ctx, fmt.Errorf("%s open frames: %w", t.cfg.Name, err))
		}

		connCtx, connCancel := context.WithCancel(ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- t.readLoop(connCtx, conn)
		}()

		go func() {
			defer wg.Done()
			errCh <- t.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		t.connMu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.connMu.Unlock()
		t.setConnected(false, time.Time{})

		_ = conn.Close(websocket.StatusNormalClosure, "")

		wg.Wait()
		close(errCh)

		aggregatedErr := firstErr
		for e := range errCh {
			if aggregatedErr == nil || errors.Is(aggregatedErr, context.Canceled) || errors.Is(aggregatedErr, context.DeadlineExceeded) {
				aggregatedErr = e
			}
		}
		if aggregatedErr != nil && !errors.Is(aggregatedErr, context.Canceled) && !errors.Is(aggregatedErr, context.DeadlineExceeded) {
			t.reportError(ctx, fmt.Errorf("%s connection loop: %w", t.cfg.Name, aggregatedErr))
		}
		observability.Telemetry().IncCounter(observability.MetricReconnects, 1, map[string]string{"transport": t.cfg.Name})

		if err := t.sleepBackoff(ctx, backoffCfg); err != nil {
			return err
		}
	}
}

// WaitReady blocks until the first connection is established.
func (t *Transport) WaitReady(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-time.After(readyTimeout):
		return fmt.Errorf("timeout waiting for %s websocket connection", t.cfg.Name)
	case <-ctx.Done():
		return fmt.Errorf("%s websocket context done: %w", t.cfg.Name, ctx.Err())
	}
}

// Send writes a control frame on the live connection, honouring the pacing
// window. Sends while disconnected are dropped.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	t.controlMu.Lock()
	defer t.controlMu.Unlock()
	if err := t.waitForControlWindowLocked(ctx); err != nil {
		return err
	}
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, frame); err != nil {
		return fmt.Errorf("%s write control frame: %w", t.cfg.Name, err)
	}
	return nil
}

// Connected reports the live-connection state and when it was established.
func (t *Transport) Connected() (bool, time.Time) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.connected, t.connAt
}

func (t *Transport) setConnected(connected bool, at time.Time) {
	t.stateMu.Lock()
	t.connected = connected
	t.connAt = at
	t.stateMu.Unlock()
}

func (t *Transport) sendOpenFrames(ctx context.Context) error {
	if t.cfg.OnOpen == nil {
		return nil
	}
	frames, err := t.cfg.OnOpen(ctx)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		if err := t.Send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) waitForControlWindowLocked(ctx context.Context) error {
	deadline := t.lastControlSend.Add(t.cfg.FrameGap)
	if time.Now().Before(deadline) {
		wait := time.Until(deadline)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("control window wait canceled: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
	}
	t.lastControlSend = time.Now()
	return nil
}

func (t *Transport) readLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}
		if t.cfg.Inflate != nil {
			data, err = t.cfg.Inflate(data)
			if err != nil {
				t.reportError(ctx, fmt.Errorf("%s inflate frame: %w", t.cfg.Name, err))
				continue
			}
		}
		if len(data) == 0 {
			continue
		}
		if t.cfg.Control != nil {
			reply, pong, handled := t.cfg.Control(data)
			if pong {
				t.pongMu.Lock()
				t.lastPong = time.Now()
				t.pongMu.Unlock()
			}
			if len(reply) > 0 {
				if err := t.Send(ctx, reply); err != nil {
					t.reportError(ctx, err)
				}
			}
			if handled || pong {
				continue
			}
		}
		if t.cfg.Handler != nil {
			t.cfg.Handler(ctx, data)
		}
	}
}

func (t *Transport) pingLoop(ctx context.Context, conn Conn) error {
	if t.cfg.Ping.Kind == PingNone {
		<-ctx.Done()
		return context.Canceled
	}
	ticker := time.NewTicker(t.cfg.Ping.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if err := t.writePing(ctx, conn); err != nil {
				return err
			}
			if err := t.checkPongDeadline(); err != nil {
				return err
			}
		}
	}
}

func (t *Transport) writePing(ctx context.Context, conn Conn) error {
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	switch t.cfg.Ping.Kind {
	case PingProtocol:
		if err := conn.Ping(writeCtx); err != nil {
			return fmt.Errorf("%s protocol ping: %w", t.cfg.Name, err)
		}
		// A completed protocol ping is itself the pong.
		t.pongMu.Lock()
		t.lastPong = time.Now()
		t.pongMu.Unlock()
	case PingFrame:
		if t.cfg.Ping.Frame == nil {
			return nil
		}
		if err := conn.Write(writeCtx, t.cfg.Ping.Frame()); err != nil {
			return fmt.Errorf("%s write ping frame: %w", t.cfg.Name, err)
		}
	}
	return nil
}

func (t *Transport) checkPongDeadline() error {
	if t.cfg.Ping.Timeout <= 0 {
		return nil
	}
	t.pongMu.Lock()
	last := t.lastPong
	t.pongMu.Unlock()
	silence := time.Since(last)
	if silence > t.cfg.Ping.Interval+t.cfg.Ping.Timeout {
		return fmt.Errorf("%s pong deadline exceeded after %s", t.cfg.Name, silence.Truncate(time.Millisecond))
	}
	return nil
}

func (t *Transport) reportError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	observability.Log().Error("transport error", observability.Field{Key: "transport", Value: t.cfg.Name}, observability.Field{Key: "error", Value: err.Error()})
	if t.errorChan == nil {
		return
	}
	select {
	case <-ctx.Done():
	case t.errorChan <- err:
	default:
	}
}

func (t *Transport) sleepBackoff(ctx context.Context, cfg *backoff.ExponentialBackOff) error {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = t.cfg.MaxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-time.After(sleep):
		return nil
	}
}
