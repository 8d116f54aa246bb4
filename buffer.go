package htsp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// frameBuffer decouples socket reads from frame parsing.
// It is used by exactly one producer and one consumer.
type frameBuffer struct {
	mu     sync.Mutex
	data   []byte
	signal chan struct{}
}

func newFrameBuffer() *frameBuffer {
	return &frameBuffer{
		signal: make(chan struct{}),
	}
}

// Append adds data and wakes the waiting consumer.
func (b *frameBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, data...)
	close(b.signal)
	b.signal = make(chan struct{})
}

// Len returns number of buffered bytes.
func (b *frameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.data)
}

// Peek blocks until n bytes are available and returns a copy of them without consuming.
func (b *frameBuffer) Peek(ctx context.Context, n int) ([]byte, error) {
	return b.take(ctx, n, false)
}

// Extract blocks until n bytes are available, then removes and returns them.
func (b *frameBuffer) Extract(ctx context.Context, n int) ([]byte, error) {
	return b.take(ctx, n, true)
}

func (b *frameBuffer) take(ctx context.Context, n int, consume bool) ([]byte, error) {
	for {
		b.mu.Lock()
		if len(b.data) >= n {
			result := make([]byte, n)
			copy(result, b.data)
			if consume {
				b.data = b.data[n:]
				if len(b.data) == 0 {
					b.data = nil
				}
			}
			b.mu.Unlock()
			return result, nil
		}
		signal := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-signal:
		}
	}
}
