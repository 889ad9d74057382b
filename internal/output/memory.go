package output

import (
	"context"
	"io"
	"sync"

	"Go2NetStreamer/pkg/flow"

	"github.com/gammazero/deque"
)

// DefaultBufferSize is the capacity of a blocking memory channel.
const DefaultBufferSize = 1024

// NewMemory creates an in-process channel for one sender and one receiver.
func NewMemory(size int, mode Backpressure) (Sender, Receiver) {
	if size <= 0 {
		size = DefaultBufferSize
	}
	gone := &signal{ch: make(chan struct{})}
	if mode == Unbounded {
		q := &queue{items: deque.New(), notify: make(chan struct{}, 1), gone: gone}
		return (*queueSender)(q), (*queueReceiver)(q)
	}
	c := &bounded{items: make(chan *flow.Flow, size), gone: gone}
	return (*boundedSender)(c), (*boundedReceiver)(c)
}

// signal is closed at most once.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func (s *signal) fire() { s.once.Do(func() { close(s.ch) }) }

func (s *signal) fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

type bounded struct {
	items     chan *flow.Flow
	gone      *signal
	closeOnce sync.Once
}

type boundedSender bounded
type boundedReceiver bounded

func (s *boundedSender) Send(ctx context.Context, f *flow.Flow) error {
	if s.gone.fired() {
		return consumerGone("send")
	}
	select {
	case s.items <- f:
		return nil
	case <-s.gone.ch:
		return consumerGone("send")
	case <-ctx.Done():
		return &flow.ChannelError{Op: "send", Err: ctx.Err()}
	}
}

func (s *boundedSender) Close() error {
	s.closeOnce.Do(func() { close(s.items) })
	return nil
}

func (r *boundedReceiver) Recv(ctx context.Context) (*flow.Flow, error) {
	select {
	case f, ok := <-r.items:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-r.gone.ch:
		return nil, consumerGone("recv")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *boundedReceiver) Close() error {
	r.gone.fire()
	return nil
}

type queue struct {
	mu     sync.Mutex
	items  *deque.Deque
	closed bool
	notify chan struct{}
	gone   *signal
}

type queueSender queue
type queueReceiver queue

func (s *queueSender) Send(_ context.Context, f *flow.Flow) error {
	if s.gone.fired() {
		return consumerGone("send")
	}
	s.mu.Lock()
	s.items.PushBack(f)
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *queueSender) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *queueSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	return nil
}

func (r *queueReceiver) Recv(ctx context.Context) (*flow.Flow, error) {
	for {
		r.mu.Lock()
		if r.items.Len() > 0 {
			f := r.items.PopFront().(*flow.Flow)
			r.mu.Unlock()
			return f, nil
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		select {
		case <-r.notify:
		case <-r.gone.ch:
			return nil, consumerGone("recv")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *queueReceiver) Close() error {
	r.gone.fire()
	r.mu.Lock()
	r.items = deque.New()
	r.mu.Unlock()
	return nil
}
