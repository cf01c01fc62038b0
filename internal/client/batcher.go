package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/disasterwatch/internal/logger"
	"github.com/disasterwatch/internal/ws"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

var (
	// ErrQueueFull rejects a message when the batch queue is at capacity.
	ErrQueueFull = errors.New("batch queue full")
	// ErrQueueCleared fails the callbacks of messages dropped by ClearQueue.
	ErrQueueCleared = errors.New("batch queue cleared")
)

type BatchConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxQueueSize int
}

func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:    10,
		BatchTimeout: 100 * time.Millisecond,
		MaxQueueSize: 1000,
	}
}

type queuedMessage struct {
	ev ws.IncomingEvent
	cb func(error)
}

// Batcher coalesces normal and low priority events into batch_messages
// frames. High priority events bypass the queue and go out synchronously.
// Batches are held while ready() reports false, so nothing is lost across a
// disconnect; the owner flushes after reconnecting.
type Batcher struct {
	cfg   BatchConfig
	send  func(ws.IncomingEvent) error
	ready func() bool

	mu    sync.Mutex
	queue []queuedMessage
	timer *time.Timer
}

func NewBatcher(cfg BatchConfig, send func(ws.IncomingEvent) error, ready func() bool) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg = DefaultBatchConfig()
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Batcher{cfg: cfg, send: send, ready: ready}
}

// QueueMessage accepts one event for delivery. cb is optional and fires
// exactly once: nil on a successful handoff to the transport, an error on
// rejection, clear or send failure.
func (b *Batcher) QueueMessage(ev ws.IncomingEvent, prio Priority, cb func(error)) error {
	if prio == PriorityHigh {
		err := b.send(ev)
		if cb != nil {
			cb(err)
		}
		return err
	}

	b.mu.Lock()
	if len(b.queue) >= b.cfg.MaxQueueSize {
		b.mu.Unlock()
		logger.Errorf("batch queue full (%d), rejecting %s", b.cfg.MaxQueueSize, ev.Type)
		if cb != nil {
			cb(ErrQueueFull)
		}
		return ErrQueueFull
	}
	b.queue = append(b.queue, queuedMessage{ev: ev, cb: cb})
	if b.timer == nil {
		b.timer = time.AfterFunc(b.cfg.BatchTimeout, b.Flush)
	}
	full := len(b.queue) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		b.Flush()
	}
	return nil
}

// Flush transmits everything queued, in FIFO order, chunked by BatchSize.
// When the transport is not ready the queue is left intact and the timer is
// re-armed. Safe to call from the timer, from a full queue and from the
// owner after reconnect.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	if !b.ready() {
		b.timer = time.AfterFunc(b.cfg.BatchTimeout, b.Flush)
		b.mu.Unlock()
		return
	}
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for start := 0; start < len(pending); start += b.cfg.BatchSize {
		end := start + b.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		b.sendBatch(pending[start:end])
	}
}

func (b *Batcher) sendBatch(chunk []queuedMessage) {
	msgs := make([]ws.IncomingEvent, len(chunk))
	for i, q := range chunk {
		msgs[i] = q.ev
	}
	ev, err := ws.NewIncoming(ws.EventBatchMessages, ws.BatchPayload{
		BatchID:   uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Messages:  msgs,
	})
	if err == nil {
		err = b.send(ev)
	}
	if err != nil {
		logger.Errorf("batch send failed: %v", err)
	}
	for _, q := range chunk {
		if q.cb != nil {
			q.cb(err)
		}
	}
}

// ClearQueue drops every pending message and fails its callback synchronously.
func (b *Batcher) ClearQueue() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, q := range pending {
		if q.cb != nil {
			q.cb(ErrQueueCleared)
		}
	}
}

func (b *Batcher) QueueLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
