// Package channel implements the bidirectional, in-process, point-to-point
// message carrier between the broker thread and a module's own goroutine.
//
// The module->broker direction is unbounded with a short linger on close,
// so a module that is shutting down can still flush its final status
// report even after the broker has begun tearing the channel down. The
// broker->module direction is bounded: a slow or stuck module must exert
// backpressure on the broker rather than let it buffer without limit.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tenzoki/gobroker/internal/envelope"
)

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("channel: closed")

// ErrNoPendingSync is returned by AckSync when no SendSync call is
// currently waiting on the single-slot handshake.
var ErrNoPendingSync = errors.New("channel: no pending synchronous send to acknowledge")

// Channel is the shared carrier. Both endpoints (the module-end and
// broker-end methods below) operate on the same *Channel; there is no separate
// wrapper type because every field in it is already safe for concurrent
// use via its own lock or channel semantics.
type Channel struct {
	toModule chan *envelope.Envelope // broker -> module, bounded

	mu       sync.Mutex
	toBroker []*envelope.Envelope // module -> broker, unbounded
	closed   bool

	notify  chan struct{} // signaled (non-blocking) when toBroker gains an entry
	closeCh chan struct{}

	pendingAck chan *envelope.Envelope // single-slot FINALIZING handshake
}

// New creates a Channel with the given broker->module buffer capacity.
func New(toModuleCapacity int) *Channel {
	return &Channel{
		toModule:   make(chan *envelope.Envelope, toModuleCapacity),
		notify:     make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		pendingAck: make(chan *envelope.Envelope, 1),
	}
}

// NotifyChannel returns the channel the broker reactor watches for
// readability: a send becomes visible here without blocking the sender.
func (c *Channel) NotifyChannel() <-chan struct{} {
	return c.notify
}

// ---- module end ----

// SendToBroker enqueues msg on the unbounded module->broker queue and
// signals the reactor watcher. Never blocks.
func (c *Channel) SendToBroker(msg *envelope.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.toBroker = append(c.toBroker, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// ReceiveFromBroker blocks until a message arrives from the broker, ctx is
// canceled, or the channel closes (in which case any message already
// buffered is still delivered before ErrClosed).
func (c *Channel) ReceiveFromBroker(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case msg := <-c.toModule:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.toModule:
		return msg, nil
	case <-c.closeCh:
		select {
		case msg := <-c.toModule:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceiveFromBroker returns a message already buffered for the module
// without blocking, used by the drain step to empty the broker->module
// queue once the module is finalizing.
func (c *Channel) TryReceiveFromBroker() (*envelope.Envelope, bool) {
	select {
	case msg := <-c.toModule:
		return msg, true
	default:
		return nil, false
	}
}

// SendSync enqueues msg to the broker and blocks until AckSync delivers a
// reply or ctx expires. The reply is not matched against msg. Used for the FINALIZING status-report
// handshake: the module thread must not proceed to the drain step until
// the broker has acknowledged.
func (c *Channel) SendSync(ctx context.Context, msg *envelope.Envelope) (*envelope.Envelope, error) {
	if err := c.SendToBroker(msg); err != nil {
		return nil, err
	}
	select {
	case ack := <-c.pendingAck:
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- broker end ----

// SendToModule blocks until the bounded broker->module queue has room,
// ctx is canceled, or the channel closes.
func (c *Channel) SendToModule(ctx context.Context, msg *envelope.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case c.toModule <- msg:
		return nil
	case <-c.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveFromModule pulls the oldest buffered module->broker message, if
// any. It does not block; the broker reactor calls this after
// NotifyChannel wakes it, draining until ok is false.
func (c *Channel) ReceiveFromModule() (msg *envelope.Envelope, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.toBroker) == 0 {
		return nil, false
	}
	msg = c.toBroker[0]
	c.toBroker = c.toBroker[1:]
	return msg, true
}

// AckSync delivers ack to a goroutine blocked in SendSync. Returns
// ErrNoPendingSync if nothing is currently waiting.
func (c *Channel) AckSync(ack *envelope.Envelope) error {
	select {
	case c.pendingAck <- ack:
		return nil
	default:
		return ErrNoPendingSync
	}
}

// Close closes the channel. If linger is positive, Close first waits up
// to that long for the module->broker queue to drain (via
// ReceiveFromModule calls from the broker side) so a closing module's
// final status report is not lost. Close does not remove messages still
// unread when linger expires; ReceiveFromModule can still return them.
// Close is idempotent.
func (c *Channel) Close(linger time.Duration) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if linger > 0 {
		deadline := time.Now().Add(linger)
		for time.Now().Before(deadline) {
			c.mu.Lock()
			empty := len(c.toBroker) == 0
			c.mu.Unlock()
			if empty {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	close(c.closeCh)
}

// Closed reports whether Close has run.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
