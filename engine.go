package htsp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/htsp/wire"
)

const bytesPerGiga = 1024 * 1024 * 1024

var (
	// ErrTimeout is returned when response does not arrive before the request deadline.
	ErrTimeout = errors.New("htsp request timed out")

	// ErrConnectionLost is returned when connection faults before the response arrives.
	ErrConnectionLost = errors.New("htsp connection lost")

	// ErrAccessDenied is returned when server rejects the credentials.
	ErrAccessDenied = errors.New("htsp access denied")

	// ErrNotConnected is returned by Authenticate when there is no open connection.
	ErrNotConnected = errors.New("htsp connection is not open")

	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("htsp engine is closed")

	// ErrInitialSyncTimeout is returned when server does not finish initial sync in time.
	ErrInitialSyncTimeout = errors.New("htsp initial sync timed out")
)

// State is the state of the server connection.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// DiskSpace reports server storage in bytes, -1 means unknown.
type DiskSpace struct {
	Free  int64
	Total int64
}

func (d DiskSpace) String() string {
	return fmt.Sprintf("%dGB / %dGB", toGiga(d.Free), toGiga(d.Total))
}

func toGiga(v int64) int64 {
	if v < 0 {
		return -1
	}
	return v / bytesPerGiga
}

// ServerInfo is the metadata reported by the server during handshake.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion int
	DiskSpace       DiskSpace
}

// Listener receives push events. It is called on the distributor goroutine, so it must not block.
type Listener interface {
	OnEvent(ctx context.Context, ev wire.Event)
}

// ListenerFunc adapts function to Listener.
type ListenerFunc func(ctx context.Context, ev wire.Event)

// OnEvent calls f.
func (f ListenerFunc) OnEvent(ctx context.Context, ev wire.Event) {
	f(ctx, ev)
}

type listenerRef struct {
	Listener Listener
}

// Option configures engine.
type Option func(e *Engine)

// WithMetrics sets metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithListener sets push event listener.
func WithListener(l Listener) Option {
	return func(e *Engine) {
		e.SetListener(l)
	}
}

// Engine maintains authenticated connection to the server, reopening it on demand after faults.
type Engine struct {
	config  Config
	metrics *Metrics
	seq     sequence

	// connLock serializes open and authenticate, it is a channel so waiting respects contexts.
	connLock chan struct{}
	session  *session

	current  atomic.Pointer[session]
	ready    atomic.Pointer[session]
	state    atomic.Int32
	listener atomic.Pointer[listenerRef]

	startCh chan *session
	faultCh chan struct{}
	closed  chan struct{}

	initialSyncOnce sync.Once
	initialSync     chan struct{}
}

// New creates engine. Run must be running for connections to be opened.
func New(config Config, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:      config,
		connLock:    make(chan struct{}, 1),
		startCh:     make(chan *session),
		faultCh:     make(chan struct{}, 1),
		closed:      make(chan struct{}),
		initialSync: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run runs background goroutines owning the connection until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.closed)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("supervisor", parallel.Fail, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case s := <-e.startCh:
					e.runSession(ctx, s)
				}
			}
		})
		if e.config.ReconnectEagerly {
			spawn("reconnector", parallel.Fail, func(ctx context.Context) error {
				log := logger.Get(ctx)

				for {
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case <-e.faultCh:
					}

					if _, err := e.ensureConnection(ctx); err != nil && ctx.Err() == nil {
						log.Error("HTSP reconnection failed", zap.Error(err))
					}
				}
			})
		}

		return nil
	})
}

func (e *Engine) runSession(ctx context.Context, s *session) {
	log := logger.Get(ctx).With(zap.String("server", s.addr))

	err := s.run(logger.WithLogger(ctx, log))

	e.setState(StateFaulted)
	abandoned := s.pending.Purge()
	e.metrics.requestsAbandoned(abandoned)

	switch {
	case ctx.Err() != nil:
		log.Debug("HTSP connection closed")
	case errors.Is(err, errClosedByServer):
		e.metrics.faulted()
		log.Info("HTSP connection closed by server", zap.Int("abandonedRequests", abandoned))
	default:
		e.metrics.faulted()
		log.Error("HTSP connection failed", zap.Int("abandonedRequests", abandoned), zap.Error(err))
	}

	e.setState(StateDisconnected)
	s.finish()

	if ctx.Err() == nil && e.config.ReconnectEagerly {
		select {
		case e.faultCh <- struct{}{}:
		default:
		}
	}
}

// State returns current connection state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// NeedsRestart returns true if the last connection faulted and must be reopened.
func (e *Engine) NeedsRestart() bool {
	s := e.current.Load()
	return s != nil && s.NeedsRestart()
}

func (e *Engine) setState(state State) {
	e.state.Store(int32(state))
}

// SetListener registers push event listener, replacing the previous one.
func (e *Engine) SetListener(l Listener) {
	e.listener.Store(&listenerRef{Listener: l})
}

func (e *Engine) lock(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case e.connLock <- struct{}{}:
		return nil
	}
}

func (e *Engine) unlock() {
	<-e.connLock
}

// EnsureConnection opens and authenticates the connection if there is no live one.
func (e *Engine) EnsureConnection(ctx context.Context) error {
	_, err := e.ensureConnection(ctx)
	return err
}

func (e *Engine) ensureConnection(ctx context.Context) (*session, error) {
	if s := e.ready.Load(); s != nil && !s.NeedsRestart() {
		return s, nil
	}

	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	s, err := e.open(ctx, e.config.Host, e.config.Port)
	if err != nil {
		return nil, err
	}
	if !s.authenticated {
		ok, err := e.authenticate(ctx, s, e.config.Username, e.config.Password)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.WithStack(ErrAccessDenied)
		}
	}
	return s, nil
}

// Open connects to the server unless connection is already open.
// Connection attempts are retried until they succeed or ctx is canceled.
func (e *Engine) Open(ctx context.Context, host string, port int) error {
	if err := e.lock(ctx); err != nil {
		return err
	}
	defer e.unlock()

	_, err := e.open(ctx, host, port)
	return err
}

func (e *Engine) open(ctx context.Context, host string, port int) (*session, error) {
	if e.session != nil && !e.session.NeedsRestart() {
		return e.session, nil
	}

	e.setState(StateConnecting)

	conn, err := e.dial(ctx, host, port)
	if err != nil {
		e.setState(StateDisconnected)
		return nil, err
	}

	s := newSession(conn, e.config, &e.seq, e.metrics, e.dispatchPush)
	select {
	case <-ctx.Done():
		err = errors.WithStack(ctx.Err())
	case <-e.closed:
		err = errors.WithStack(ErrClosed)
	case e.startCh <- s:
	}
	if err != nil {
		_ = conn.Close()
		e.setState(StateDisconnected)
		return nil, err
	}

	e.session = s
	e.current.Store(s)
	e.metrics.connected()
	e.setState(StateAuthenticating)

	logger.Get(ctx).Info("Connected to HTSP server", zap.String("server", s.addr))

	return s, nil
}

func (e *Engine) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	log := logger.Get(ctx)

	var conn net.Conn
	err := backoff.RetryNotify(
		func() error {
			addr, err := resolve(ctx, host)
			if err != nil {
				return err
			}

			var dialer net.Dialer
			c, err := dialer.DialContext(ctx, "tcp", joinHostPort(addr, port))
			if err != nil {
				return errors.WithStack(err)
			}
			conn = c
			return nil
		},
		backoff.WithContext(backoff.NewConstantBackOff(e.config.ConnectRetryDelay), ctx),
		func(err error, delay time.Duration) {
			log.Error("Connecting to HTSP server failed",
				zap.String("host", host),
				zap.Int("port", port),
				zap.Duration("retryIn", delay),
				zap.Error(err))
		},
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return conn, nil
}

func resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %q failed", host)
	}
	if len(addrs) == 0 {
		return "", errors.Errorf("no addresses found for %q", host)
	}
	return addrs[0].IP.String(), nil
}

// Authenticate performs hello and authenticate exchange on the open connection.
// It returns false if the server rejects the credentials.
func (e *Engine) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if err := e.lock(ctx); err != nil {
		return false, err
	}
	defer e.unlock()

	s := e.session
	if s == nil || s.NeedsRestart() {
		return false, errors.WithStack(ErrNotConnected)
	}
	if s.authenticated {
		return true, nil
	}
	return e.authenticate(ctx, s, username, password)
}

func (e *Engine) authenticate(ctx context.Context, s *session, username, password string) (bool, error) {
	log := logger.Get(ctx).With(zap.String("server", s.addr))

	hello := wire.NewMessage("hello").
		SetStr("clientname", e.config.ClientName).
		SetStr("clientversion", e.config.ClientVersion).
		SetInt("htspversion", int64(e.config.ProtocolVersion)).
		SetStr("username", username)

	resp, err := e.handshakeRequest(ctx, s, hello)
	if err != nil {
		return false, err
	}

	info := ServerInfo{
		Name:            "n/a",
		Version:         "n/a",
		ProtocolVersion: -1,
		DiskSpace:       DiskSpace{Free: -1, Total: -1},
	}
	if v, ok := resp.Int("htspversion"); ok {
		info.ProtocolVersion = int(v)
	} else {
		log.Debug("Hello response misses field", zap.String("field", "htspversion"))
	}
	if v, ok := resp.Str("servername"); ok {
		info.Name = v
	} else {
		log.Debug("Hello response misses field", zap.String("field", "servername"))
	}
	if v, ok := resp.Str("serverversion"); ok {
		info.Version = v
	} else {
		log.Debug("Hello response misses field", zap.String("field", "serverversion"))
	}
	challenge, ok := resp.Bin("challenge")
	if !ok {
		challenge = []byte{}
		log.Info("Hello response misses field", zap.String("field", "challenge"))
	}

	auth := wire.NewMessage("authenticate").
		SetStr("username", username).
		SetBin("digest", saltedDigest(password, challenge))

	resp, err = e.handshakeRequest(ctx, s, auth)
	if err != nil {
		return false, err
	}
	if resp.IntOr("noaccess", 0) == 1 {
		log.Warn("HTSP authentication rejected", zap.String("username", username))
		s.info = info
		return false, nil
	}

	// Disk space is informational, failure to get it does not fail the login.
	resp, err = e.handshakeRequest(ctx, s, wire.NewMessage("getDiskSpace"))
	switch {
	case ctx.Err() != nil:
		return false, errors.WithStack(ctx.Err())
	case err != nil:
		log.Warn("Getting disk space failed", zap.Error(err))
	default:
		if v, ok := resp.Int("freediskspace"); ok {
			info.DiskSpace.Free = v
		} else {
			log.Debug("Disk space response misses field", zap.String("field", "freediskspace"))
		}
		if v, ok := resp.Int("totaldiskspace"); ok {
			info.DiskSpace.Total = v
		} else {
			log.Debug("Disk space response misses field", zap.String("field", "totaldiskspace"))
		}
	}

	if _, _, err := s.send(ctx, wire.NewMessage("enableAsyncMetadata"), nil); err != nil {
		return false, err
	}

	s.info = info
	s.authenticated = true
	e.ready.Store(s)
	e.setState(StateReady)

	log.Info("Authenticated to HTSP server",
		zap.String("serverName", info.Name),
		zap.String("serverVersion", info.Version),
		zap.Int("protocolVersion", info.ProtocolVersion),
		zap.Stringer("diskSpace", info.DiskSpace))

	return true, nil
}

func (e *Engine) handshakeRequest(ctx context.Context, s *session, msg *wire.Message) (*wire.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	resp, err := s.request(reqCtx, msg)
	if err != nil {
		return nil, e.requestError(ctx, reqCtx, err)
	}
	return resp, nil
}

// Send queues the message. Handler is invoked with the response, nil handler means no response is expected.
// Handler is never invoked if the connection faults first, so callers waiting for it own their timeout.
func (e *Engine) Send(ctx context.Context, msg *wire.Message, handler ResponseHandler) error {
	s, err := e.ensureConnection(ctx)
	if err != nil {
		return err
	}
	_, _, err = s.send(ctx, msg, handler)
	return err
}

// Request sends the message and waits for the response up to timeout, zero timeout means the configured default.
// The timeout covers reopening the connection if needed.
func (e *Engine) Request(ctx context.Context, msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	if timeout <= 0 {
		timeout = e.config.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := e.ensureConnection(reqCtx)
	if err != nil {
		return nil, e.requestError(ctx, reqCtx, err)
	}
	resp, err := s.request(reqCtx, msg)
	if err != nil {
		return nil, e.requestError(ctx, reqCtx, err)
	}
	return resp, nil
}

func (e *Engine) requestError(ctx, reqCtx context.Context, err error) error {
	if ctx.Err() == nil && reqCtx.Err() != nil {
		e.metrics.requestTimedOut()
		return errors.WithStack(ErrTimeout)
	}
	return err
}

func (e *Engine) dispatchPush(ctx context.Context, msg *wire.Message) {
	ev := wire.ClassifyEvent(msg)
	e.metrics.pushEvent(ev)

	if ev.Kind == wire.EventInitialSyncCompleted {
		e.initialSyncOnce.Do(func() {
			logger.Get(ctx).Info("HTSP initial sync completed")
			close(e.initialSync)
		})
	}

	if ref := e.listener.Load(); ref != nil && ref.Listener != nil {
		ref.Listener.OnEvent(ctx, ev)
	}
}

// WaitForInitialSync blocks until the server reports that initial data load is finished.
func (e *Engine) WaitForInitialSync(ctx context.Context) error {
	waitCtx := ctx
	if e.config.InitialSyncTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.config.InitialSyncTimeout)
		defer cancel()
	}

	if _, err := e.ensureConnection(waitCtx); err != nil {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return errors.WithStack(ErrInitialSyncTimeout)
		}
		return err
	}

	select {
	case <-e.initialSync:
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		return errors.WithStack(ErrInitialSyncTimeout)
	}
}

// ServerInfo returns metadata of the connected server.
func (e *Engine) ServerInfo(ctx context.Context) (ServerInfo, error) {
	s, err := e.ensureConnection(ctx)
	if err != nil {
		return ServerInfo{}, err
	}
	return s.info, nil
}

// ServerName returns name of the connected server.
func (e *Engine) ServerName(ctx context.Context) (string, error) {
	info, err := e.ServerInfo(ctx)
	return info.Name, err
}

// ServerVersion returns version of the connected server.
func (e *Engine) ServerVersion(ctx context.Context) (string, error) {
	info, err := e.ServerInfo(ctx)
	return info.Version, err
}

// ServerProtocolVersion returns HTSP version supported by the connected server.
func (e *Engine) ServerProtocolVersion(ctx context.Context) (int, error) {
	info, err := e.ServerInfo(ctx)
	return info.ProtocolVersion, err
}

// DiskSpace returns storage reported by the server at login.
func (e *Engine) DiskSpace(ctx context.Context) (DiskSpace, error) {
	info, err := e.ServerInfo(ctx)
	return info.DiskSpace, err
}
