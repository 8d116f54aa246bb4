// Package server provides in-process HTSP server used by tests.
package server

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/htsp/wire"
)

const (
	challengeSize  = 32
	maxMessageSize = 1024 * 1024
	queueSize      = 100
)

// Handler returns response to the request. Nil response means nothing is sent back.
type Handler func(ctx context.Context, req *wire.Message) *wire.Message

// Config defines server configuration.
type Config struct {
	Username        string
	Password        string
	ServerName      string
	ServerVersion   string
	ProtocolVersion int64
	FreeDiskSpace   int64
	TotalDiskSpace  int64

	// AsyncMetadata is pushed to the client after enableAsyncMetadata.
	AsyncMetadata []*wire.Message

	// Handlers override built-in handling of the methods.
	Handlers map[string]Handler

	// DelayedMethod names the method whose response is held back until the response
	// to the next request has been sent.
	DelayedMethod string
}

type peer struct {
	sendCh    chan []byte
	challenge []byte
}

// Server is a fake HTSP server.
type Server struct {
	config Config

	mu    sync.Mutex
	peers map[*peer]struct{}
	calls map[string]int
}

// New creates server.
func New(config Config) *Server {
	if config.ServerName == "" {
		config.ServerName = "Tvheadend"
	}
	if config.ServerVersion == "" {
		config.ServerVersion = "4.3"
	}
	if config.ProtocolVersion == 0 {
		config.ProtocolVersion = 34
	}
	return &Server{
		config: config,
		peers:  map[*peer]struct{}{},
		calls:  map[string]int{},
	}
}

// Calls returns number of received requests of the method.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[method]
}

// Connections returns number of connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.peers)
}

// Push sends message without sequence number to all the clients.
func (s *Server) Push(msg *wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.SendRaw(frame)
	return nil
}

// SendRaw sends bytes to all the clients as is.
func (s *Server) SendRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.peers {
		p.sendCh <- data
	}
}

// Disconnect closes all client connections.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := range s.peers {
		delete(s.peers, p)
		close(p.sendCh)
	}
}

// Run serves clients one after another until ctx is canceled.
func (s *Server) Run(ctx context.Context, ls net.Listener) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = ls.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)

			for {
				c, err := ls.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					return errors.WithStack(err)
				}

				if err := s.runConn(ctx, c); err != nil && ctx.Err() == nil {
					log.Debug("Client connection closed", zap.Error(err))
				}
			}
		})

		return nil
	})
}

func (s *Server) add() (*peer, error) {
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, errors.WithStack(err)
	}

	p := &peer{
		sendCh:    make(chan []byte, queueSize),
		challenge: challenge,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.peers[p] = struct{}{}
	return p, nil
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[p]; exists {
		delete(s.peers, p)
		close(p.sendCh)
	}
}

func (s *Server) send(p *peer, msg *wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[p]; exists {
		p.sendCh <- frame
	}
	return nil
}

func (s *Server) runConn(ctx context.Context, c net.Conn) error {
	p, err := s.add()
	if err != nil {
		_ = c.Close()
		return err
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			defer s.remove(p)

			var held *wire.Message
			for {
				req, err := receive(c)
				if err != nil {
					return err
				}

				if resp := s.handle(ctx, p, req); resp != nil {
					if seq, ok := req.Seq(); ok {
						resp.SetSeq(seq)
					}
					if held == nil && s.config.DelayedMethod != "" && req.Method() == s.config.DelayedMethod {
						held = resp
						continue
					}
					if err := s.send(p, resp); err != nil {
						return err
					}
					if held != nil {
						if err := s.send(p, held); err != nil {
							return err
						}
						held = nil
					}
				}

				if req.Method() == "enableAsyncMetadata" {
					for _, msg := range s.config.AsyncMetadata {
						if err := s.send(p, msg); err != nil {
							return err
						}
					}
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				for range p.sendCh {
				}
			}()
			defer c.Close()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case frame, ok := <-p.sendCh:
					if !ok {
						return errors.New("connection dropped")
					}
					if _, err := c.Write(frame); err != nil {
						return errors.WithStack(err)
					}
				}
			}
		})

		return nil
	})
}

func (s *Server) handle(ctx context.Context, p *peer, req *wire.Message) *wire.Message {
	method := req.Method()

	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()

	if h, exists := s.config.Handlers[method]; exists {
		return h(ctx, req)
	}

	switch method {
	case "hello":
		return wire.NewMessage("").
			SetInt("htspversion", s.config.ProtocolVersion).
			SetStr("servername", s.config.ServerName).
			SetStr("serverversion", s.config.ServerVersion).
			SetBin("challenge", p.challenge)
	case "authenticate":
		username, _ := req.Str("username")
		digest, _ := req.Bin("digest")
		if username != s.config.Username || subtle.ConstantTimeCompare(digest, s.digest(p)) != 1 {
			return wire.NewMessage("").SetInt("noaccess", 1)
		}
		return wire.NewMessage("")
	case "getDiskSpace":
		return wire.NewMessage("").
			SetInt("freediskspace", s.config.FreeDiskSpace).
			SetInt("totaldiskspace", s.config.TotalDiskSpace)
	case "enableAsyncMetadata":
		return nil
	case "getTicket":
		id, ok := req.Int("channelId")
		kind := "channel"
		if !ok {
			id, ok = req.Int("dvrId")
			kind = "dvrfile"
		}
		if !ok {
			return wire.NewMessage("").SetStr("error", "Invalid arguments")
		}
		return wire.NewMessage("").
			SetStr("path", fmt.Sprintf("/stream/%s/%d", kind, id)).
			SetStr("ticket", fmt.Sprintf("ticket-%d", id))
	default:
		return wire.NewMessage("").SetStr("error", "Method not found")
	}
}

func (s *Server) digest(p *peer) []byte {
	h := sha1.New()
	_, _ = h.Write([]byte(s.config.Password))
	_, _ = h.Write(p.challenge)
	return h.Sum(nil)
}

func receive(c net.Conn) (*wire.Message, error) {
	frame := make([]byte, wire.LengthPrefixSize)
	if _, err := io.ReadFull(c, frame); err != nil {
		return nil, errors.WithStack(err)
	}
	length := wire.FrameLength(frame)
	if length > maxMessageSize {
		return nil, errors.Errorf("message of %d bytes exceeds limit", length)
	}
	frame = append(frame, make([]byte, length)...)
	if _, err := io.ReadFull(c, frame[wire.LengthPrefixSize:]); err != nil {
		return nil, errors.WithStack(err)
	}
	return wire.Decode(frame)
}
