package rpc

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Send and Recv after Close.
var ErrChannelClosed = errors.New("rpc channel closed")

// Channel is a bidirectional, ordered envelope transport. Implementations
// must allow concurrent Send; Recv is called from a single goroutine.
type Channel interface {
	Send(Envelope) error
	Recv() (Envelope, error)
	Close() error
}

// chanEnd is one side of an in-memory pipe.
type chanEnd struct {
	out chan<- Envelope
	in  <-chan Envelope

	mu     sync.Mutex
	closed chan struct{}
}

// Pipe returns two connected in-memory channel ends. Envelopes sent on one
// end arrive on the other in order. The buffer absorbs pushes (progress,
// heartbeat) without requiring a reader mid-call.
func Pipe() (Channel, Channel) {
	ab := make(chan Envelope, 64)
	ba := make(chan Envelope, 64)
	closed := make(chan struct{})
	a := &chanEnd{out: ab, in: ba, closed: closed}
	b := &chanEnd{out: ba, in: ab, closed: closed}
	return a, b
}

func (c *chanEnd) Send(env Envelope) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	}
}

func (c *chanEnd) Recv() (Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		// Drain what was sent before close.
		select {
		case env := <-c.in:
			return env, nil
		default:
			return Envelope{}, ErrChannelClosed
		}
	}
}

func (c *chanEnd) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}
