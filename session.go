package htsp

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/htsp/wire"
)

const readBufferSize = 64 * 1024

var errClosedByServer = errors.New("connection closed by server")

type outgoing struct {
	Message *wire.Message
	Frame   []byte
}

// session is a single socket connection together with its pipeline goroutines.
// It is never reused after fault, a new one is created instead.
type session struct {
	addr    string
	conn    net.Conn
	config  Config
	seq     *sequence
	metrics *Metrics
	onPush  func(ctx context.Context, msg *wire.Message)

	buffer  *frameBuffer
	pending *pendingTable
	sendCh  chan outgoing
	recvCh  chan *wire.Message

	sendMu       sync.Mutex
	doneOnce     sync.Once
	done         chan struct{}
	needsRestart atomic.Bool

	// Guarded by the engine connection lock.
	authenticated bool
	info          ServerInfo
}

func newSession(
	conn net.Conn,
	config Config,
	seq *sequence,
	metrics *Metrics,
	onPush func(ctx context.Context, msg *wire.Message),
) *session {
	return &session{
		addr:    conn.RemoteAddr().String(),
		conn:    conn,
		config:  config,
		seq:     seq,
		metrics: metrics,
		onPush:  onPush,
		buffer:  newFrameBuffer(),
		pending: newPendingTable(),
		sendCh:  make(chan outgoing, config.QueueSize),
		recvCh:  make(chan *wire.Message, config.QueueSize),
		done:    make(chan struct{}),
	}
}

// NeedsRestart returns true once the session is faulted.
func (s *session) NeedsRestart() bool {
	return s.needsRestart.Load()
}

func (s *session) finish() {
	s.doneOnce.Do(func() {
		s.needsRestart.Store(true)
		close(s.done)
	})
}

func (s *session) run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = s.conn.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("reader", parallel.Fail, s.runReader)
		spawn("extractor", parallel.Fail, s.runExtractor)
		spawn("distributor", parallel.Fail, s.runDistributor)
		spawn("sender", parallel.Fail, s.runSender)

		return nil
	})
}

func (s *session) runReader(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.buffer.Append(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			if errors.Is(err, io.EOF) {
				return errors.WithStack(errClosedByServer)
			}
			return errors.Wrap(err, "reading from socket failed")
		}
	}
}

func (s *session) runExtractor(ctx context.Context) error {
	for {
		prefix, err := s.buffer.Peek(ctx, wire.LengthPrefixSize)
		if err != nil {
			return err
		}

		length := wire.FrameLength(prefix)
		if uint64(length) > s.config.MaxMessageSize {
			return wire.NewProtocolError("frame of %d bytes exceeds limit of %d bytes", length, s.config.MaxMessageSize)
		}

		frame, err := s.buffer.Extract(ctx, wire.LengthPrefixSize+int(length))
		if err != nil {
			return err
		}

		msg, err := wire.Decode(frame)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case s.recvCh <- msg:
		}
	}
}

func (s *session) runDistributor(ctx context.Context) error {
	log := logger.Get(ctx)

	for {
		var msg *wire.Message
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case msg = <-s.recvCh:
		}

		seq, ok := msg.Seq()
		if !ok {
			s.onPush(ctx, msg)
			continue
		}

		handler, exists := s.pending.Take(seq)
		if !exists {
			log.Warn("Response for unknown request dropped", zap.Int32("seq", seq))
			s.metrics.orphanResponse()
			continue
		}
		handler(msg)
	}
}

func (s *session) runSender(ctx context.Context) error {
	log := logger.Get(ctx)

	for {
		var toSend outgoing
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case toSend = <-s.sendCh:
		}

		n, err := s.conn.Write(toSend.Frame)
		if err != nil {
			return errors.Wrap(err, "writing to socket failed")
		}
		if n != len(toSend.Frame) {
			log.Error("Sending data not completed",
				zap.Int("sent", n),
				zap.Int("size", len(toSend.Frame)),
				zap.Stringer("message", toSend.Message))
		}
	}
}

// send assigns next sequence number, registers the handler and queues the message.
// Nil handler means no response is expected.
func (s *session) send(ctx context.Context, msg *wire.Message, handler ResponseHandler) (int32, *pendingEntry, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	seq := s.seq.Next()
	if s.pending.Evict(seq) {
		logger.Get(ctx).Warn("Stale pending request evicted", zap.Int32("seq", seq))
		s.metrics.requestEvicted()
	}

	msg.SetSeq(seq)
	frame, err := wire.Encode(msg)
	if err != nil {
		return 0, nil, err
	}

	var entry *pendingEntry
	if handler != nil {
		entry = s.pending.Register(seq, handler)
	}

	select {
	case s.sendCh <- outgoing{Message: msg, Frame: frame}:
		s.metrics.requestQueued()
		return seq, entry, nil
	case <-s.done:
		err = errors.WithStack(ErrConnectionLost)
	case <-ctx.Done():
		err = errors.WithStack(ctx.Err())
	}

	if entry != nil {
		s.pending.Remove(seq, entry)
	}
	return 0, nil, err
}

// request sends the message and waits for the response.
// When ctx expires first, the pending entry is removed so a late response is dropped.
func (s *session) request(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	respCh := make(chan *wire.Message, 1)
	seq, entry, err := s.send(ctx, msg, func(resp *wire.Message) {
		respCh <- resp
	})
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-s.done:
		select {
		case resp := <-respCh:
			return resp, nil
		default:
		}
		return nil, errors.WithStack(ErrConnectionLost)
	case <-ctx.Done():
		if s.pending.Remove(seq, entry) {
			logger.Get(ctx).Debug("Pending request abandoned",
				zap.Int32("seq", seq),
				zap.String("method", msg.Method()))
		}
		return nil, errors.WithStack(ctx.Err())
	}
}
