package client

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/disasterwatch/internal/logger"
)

// ReconnectState is the controller's own lifecycle, distinct from the
// transport-level ConnState published by the connection manager.
type ReconnectState string

const (
	ReconnIdle         ReconnectState = "idle"
	ReconnReconnecting ReconnectState = "reconnecting"
	ReconnConnected    ReconnectState = "connected"
	ReconnExhausted    ReconnectState = "exhausted"
)

type ReconnectConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:   10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// backoffDelay is the pre-jitter delay before attempt n (1-based):
// min(initial * multiplier^(n-1), max).
func backoffDelay(cfg ReconnectConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// jittered spreads a delay uniformly over [0.5d, 1.0d] so a fleet of clients
// dropped by the same outage does not redial in lockstep.
func jittered(d time.Duration, rnd func() float64) time.Duration {
	return time.Duration(float64(d) * (0.5 + 0.5*rnd()))
}

// Reconnector drives automatic redial with exponential backoff after the
// connection manager reports a drop. A manual Reconnect suppresses the
// automatic loop; after exhaustion only Reset re-arms it.
// dialer is the slice of the connection manager the controller drives.
type dialer interface {
	Connect(ctx context.Context) error
	SetOnDrop(fn func(reason string))
}

type Reconnector struct {
	cfg  ReconnectConfig
	conn dialer
	bus  *Bus
	rnd  func() float64

	mu      sync.Mutex
	state   ReconnectState
	attempt int
	cancel  context.CancelFunc

	// onProgress observes every state transition. Optional.
	onProgress func(state ReconnectState, attempt int)

	// dropPending records a drop that arrived while an attempt's Connect was
	// still returning, so the loop does not stamp connected over a dead link.
	dropPending bool
}

func NewReconnector(conn dialer, bus *Bus, cfg ReconnectConfig) *Reconnector {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultReconnectConfig()
	}
	r := &Reconnector{
		cfg:   cfg,
		conn:  conn,
		bus:   bus,
		rnd:   rand.Float64,
		state: ReconnIdle,
	}
	conn.SetOnDrop(r.handleDrop)
	return r
}

func (r *Reconnector) SetOnProgress(fn func(state ReconnectState, attempt int)) {
	r.mu.Lock()
	r.onProgress = fn
	r.mu.Unlock()
}

func (r *Reconnector) State() ReconnectState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) handleDrop(reason string) {
	r.mu.Lock()
	if r.state == ReconnReconnecting {
		// The connection manager starts its read loop inside Connect, so a
		// fresh link can die before the attempt is stamped connected. Flag the
		// drop; the loop treats the attempt as failed.
		r.dropPending = true
		r.mu.Unlock()
		return
	}
	if r.state == ReconnExhausted {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	logger.Infof("connection lost (%s), starting reconnect loop", reason)
	go r.loop(ctx)
}

func (r *Reconnector) loop(ctx context.Context) {
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		r.transition(ReconnReconnecting, attempt)
		delay := jittered(backoffDelay(r.cfg, attempt), r.rnd)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := r.conn.Connect(ctx); err == nil {
			if r.markConnected(attempt) {
				return
			}
			logger.Infof("reconnect attempt %d/%d dropped before settling, retrying", attempt, r.cfg.MaxRetries)
			continue
		} else if ctx.Err() != nil {
			return
		} else {
			logger.Infof("reconnect attempt %d/%d failed: %v", attempt, r.cfg.MaxRetries, err)
		}
	}
	r.transition(ReconnExhausted, r.cfg.MaxRetries)
	r.bus.Publish(TopicConnState, ConnStatus{
		State:   StateDisconnected,
		Reason:  "reconnect attempts exhausted",
		Attempt: r.cfg.MaxRetries,
	})
}

// markConnected stamps the connected state unless a drop raced the attempt's
// success, in which case the pending drop is consumed and false is returned.
func (r *Reconnector) markConnected(attempt int) bool {
	r.mu.Lock()
	if r.dropPending {
		r.dropPending = false
		r.mu.Unlock()
		return false
	}
	r.state = ReconnConnected
	r.attempt = attempt
	onProgress := r.onProgress
	r.mu.Unlock()
	if onProgress != nil {
		onProgress(ReconnConnected, attempt)
	}
	return true
}

// Reconnect dials immediately on the caller's initiative. Any running
// automatic loop is cancelled first and stays suppressed until the next drop.
func (r *Reconnector) Reconnect(ctx context.Context) error {
	r.stopLoop()
	r.mu.Lock()
	r.dropPending = false
	r.mu.Unlock()
	r.transition(ReconnReconnecting, 0)
	if err := r.conn.Connect(ctx); err != nil {
		r.transition(ReconnIdle, 0)
		return err
	}
	if !r.markConnected(0) {
		// The manual dial succeeded and the link died straight away. Leave
		// the reconnecting state first so the drop handler starts a loop
		// instead of re-flagging.
		r.transition(ReconnIdle, 0)
		r.handleDrop("connection lost during manual reconnect")
	}
	return nil
}

// Reset re-arms the controller after exhaustion. It does not dial.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.dropPending = false
	r.mu.Unlock()
	r.transition(ReconnIdle, 0)
}

// Stop cancels any running loop.
func (r *Reconnector) Stop() {
	r.stopLoop()
	r.mu.Lock()
	r.dropPending = false
	r.mu.Unlock()
	r.transition(ReconnIdle, 0)
}

func (r *Reconnector) stopLoop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Reconnector) transition(state ReconnectState, attempt int) {
	r.mu.Lock()
	r.state = state
	r.attempt = attempt
	onProgress := r.onProgress
	r.mu.Unlock()
	if state == ReconnReconnecting {
		r.bus.Publish(TopicConnState, ConnStatus{State: StateReconnecting, Attempt: attempt})
	}
	if onProgress != nil {
		onProgress(state, attempt)
	}
}
