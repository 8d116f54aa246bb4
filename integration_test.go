package htsp_test

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/outofforest/htsp"
	"github.com/outofforest/htsp/test/server"
	"github.com/outofforest/htsp/wire"
)

const (
	username = "kodi"
	password = "secret"
	giga     = 1024 * 1024 * 1024
)

type env struct {
	Listener net.Listener
	Engine   *htsp.Engine
	Server   *server.Server
	Config   htsp.Config
	Registry *prometheus.Registry
	Events   chan wire.Event
}

func newEnv(
	requireT *require.Assertions,
	srvConfig server.Config,
	configure func(config *htsp.Config),
) env {
	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	if srvConfig.Username == "" {
		srvConfig.Username = username
		srvConfig.Password = password
	}
	srv := server.New(srvConfig)

	config := htsp.DefaultConfig()
	config.Host = "127.0.0.1"
	config.Port = ls.Addr().(*net.TCPAddr).Port
	config.Username = username
	config.Password = password
	config.HTTPBaseURL = "http://tvh:9981"
	config.ConnectRetryDelay = 10 * time.Millisecond
	config.RequestTimeout = 5 * time.Second
	if configure != nil {
		configure(&config)
	}

	registry := prometheus.NewRegistry()
	events := make(chan wire.Event, 100)
	engine, err := htsp.New(config,
		htsp.WithMetrics(htsp.NewMetrics(registry)),
		htsp.WithListener(htsp.ListenerFunc(func(ctx context.Context, ev wire.Event) {
			events <- ev
		})),
	)
	requireT.NoError(err)

	return env{
		Listener: ls,
		Engine:   engine,
		Server:   srv,
		Config:   config,
		Registry: registry,
		Events:   events,
	}
}

func (e env) RunServer(ctx context.Context) error {
	return e.Server.Run(ctx, e.Listener)
}

func counter(requireT *require.Assertions, registry *prometheus.Registry, name string) float64 {
	families, err := registry.Gather()
	requireT.NoError(err)

	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func waitForEvent(ctx context.Context, requireT *require.Assertions, events <-chan wire.Event) wire.Event {
	select {
	case <-ctx.Done():
		requireT.Fail("context canceled")
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	case ev := <-events:
		return ev
	}
	return wire.Event{}
}

func TestHandshake(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{
		ServerName:     "Tvheadend",
		ServerVersion:  "4.3-2500",
		FreeDiskSpace:  2 * giga,
		TotalDiskSpace: 4 * giga,
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.Equal(htsp.StateDisconnected, e.Engine.State())

	info, err := e.Engine.ServerInfo(ctx)
	requireT.NoError(err)
	requireT.Equal("Tvheadend", info.Name)
	requireT.Equal("4.3-2500", info.Version)
	requireT.Equal(34, info.ProtocolVersion)
	requireT.Equal("2GB / 4GB", info.DiskSpace.String())
	requireT.Equal(htsp.StateReady, e.Engine.State())
	requireT.False(e.Engine.NeedsRestart())

	// metadata is served without new exchange
	name, err := e.Engine.ServerName(ctx)
	requireT.NoError(err)
	requireT.Equal("Tvheadend", name)

	requireT.Equal(1, e.Server.Calls("hello"))
	requireT.Equal(1, e.Server.Calls("authenticate"))
	requireT.Equal(1, e.Server.Calls("getDiskSpace"))
	requireT.Eventually(func() bool {
		return e.Server.Calls("enableAsyncMetadata") == 1
	}, 5*time.Second, 10*time.Millisecond)
	requireT.EqualValues(1, counter(requireT, e.Registry, "htsp_connects_total"))
}

func TestExplicitOpenAndAuthenticate(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	_, err := e.Engine.Authenticate(ctx, username, password)
	requireT.ErrorIs(err, htsp.ErrNotConnected)

	requireT.NoError(e.Engine.Open(ctx, e.Config.Host, e.Config.Port))
	requireT.Equal(htsp.StateAuthenticating, e.Engine.State())

	ok, err := e.Engine.Authenticate(ctx, username, "wrong")
	requireT.NoError(err)
	requireT.False(ok)

	ok, err = e.Engine.Authenticate(ctx, username, password)
	requireT.NoError(err)
	requireT.True(ok)
	requireT.Equal(htsp.StateReady, e.Engine.State())

	// connection is alive so nothing is repeated
	requireT.NoError(e.Engine.Open(ctx, e.Config.Host, e.Config.Port))
	requireT.NoError(e.Engine.EnsureConnection(ctx))
	requireT.Equal(2, e.Server.Calls("hello"))
	requireT.Equal(2, e.Server.Calls("authenticate"))
}

func TestAccessDenied(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{
		Username: username,
		Password: "other",
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	err := e.Engine.EnsureConnection(ctx)
	requireT.ErrorIs(err, htsp.ErrAccessDenied)
	requireT.Equal(htsp.StateAuthenticating, e.Engine.State())
	requireT.Zero(e.Server.Calls("getDiskSpace"))
}

func TestRequestResponseCorrelation(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{
		Handlers: map[string]server.Handler{
			"echo": func(ctx context.Context, req *wire.Message) *wire.Message {
				v, _ := req.Int("value")
				return wire.NewMessage("").SetInt("value", v)
			},
		},
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	const requests = 50
	requireT.NoError(parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i := range requests {
			spawn(fmt.Sprintf("request-%d", i), parallel.Continue, func(ctx context.Context) error {
				resp, err := e.Engine.Request(ctx, wire.NewMessage("echo").SetInt("value", int64(i)), 0)
				if err != nil {
					return err
				}
				if v, _ := resp.Int("value"); v != int64(i) {
					return errors.Errorf("request %d received response %d", i, v)
				}
				return nil
			})
		}
		return nil
	}))

	requireT.Equal(requests, e.Server.Calls("echo"))
	requireT.Equal(1, e.Server.Calls("hello"))
}

func TestSendWithHandler(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	respCh := make(chan *wire.Message, 1)
	requireT.NoError(e.Engine.Send(ctx, wire.NewMessage("getDiskSpace"), func(resp *wire.Message) {
		respCh <- resp
	}))

	select {
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	case resp := <-respCh:
		_, failed := wire.ResponseError(resp)
		requireT.False(failed)
		requireT.True(resp.Contains("freediskspace"))
	}

	// protocol level failure is delivered as a regular response
	resp, err := e.Engine.Request(ctx, wire.NewMessage("unknownMethod"), 0)
	requireT.NoError(err)
	reason, failed := wire.ResponseError(resp)
	requireT.True(failed)
	requireT.Equal("Method not found", reason)
}

func TestPushEventsAndInitialSync(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	release := make(chan struct{})
	e := newEnv(requireT, server.Config{
		AsyncMetadata: []*wire.Message{
			wire.NewMessage("channelAdd").SetInt("channelId", 1).SetStr("channelName", "One"),
			wire.NewMessage("tagAdd").SetInt("tagId", 2),
			wire.NewMessage("initialSyncCompleted"),
		},
		Handlers: map[string]server.Handler{
			"slow": func(ctx context.Context, req *wire.Message) *wire.Message {
				select {
				case <-ctx.Done():
				case <-release:
				}
				return wire.NewMessage("").SetStr("result", "done")
			},
		},
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.WaitForInitialSync(ctx))

	ev := waitForEvent(ctx, requireT, e.Events)
	requireT.Equal(wire.EventChannelAdd, ev.Kind)
	name, _ := ev.Message.Str("channelName")
	requireT.Equal("One", name)
	requireT.Equal(wire.EventTagAdd, waitForEvent(ctx, requireT, e.Events).Kind)
	requireT.Equal(wire.EventInitialSyncCompleted, waitForEvent(ctx, requireT, e.Events).Kind)

	// signal stays set
	requireT.NoError(e.Engine.WaitForInitialSync(ctx))

	respCh := make(chan *wire.Message, 1)
	group.Spawn("slow", parallel.Continue, func(ctx context.Context) error {
		resp, err := e.Engine.Request(ctx, wire.NewMessage("slow"), 0)
		if err != nil {
			return err
		}
		respCh <- resp
		return nil
	})
	requireT.Eventually(func() bool {
		return e.Server.Calls("slow") == 1
	}, 5*time.Second, 10*time.Millisecond)

	// push arriving while request is pending goes to the listener only
	requireT.NoError(e.Server.Push(wire.NewMessage("dvrEntryUpdate").SetInt("id", 5)))
	ev = waitForEvent(ctx, requireT, e.Events)
	requireT.Equal(wire.EventDVREntryUpdate, ev.Kind)
	requireT.Empty(respCh)

	close(release)
	select {
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	case resp := <-respCh:
		result, _ := resp.Str("result")
		requireT.Equal("done", result)
	}

	requireT.EqualValues(4, counter(requireT, e.Registry, "htsp_push_events_total"))
}

func TestInitialSyncTimeout(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, func(config *htsp.Config) {
		config.InitialSyncTimeout = 100 * time.Millisecond
	})
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.ErrorIs(e.Engine.WaitForInitialSync(ctx), htsp.ErrInitialSyncTimeout)
}

func TestRequestTimeoutDropsLateResponse(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	release := make(chan struct{})
	e := newEnv(requireT, server.Config{
		Handlers: map[string]server.Handler{
			"slow": func(ctx context.Context, req *wire.Message) *wire.Message {
				select {
				case <-ctx.Done():
				case <-release:
				}
				return wire.NewMessage("")
			},
		},
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.EnsureConnection(ctx))

	_, err := e.Engine.Request(ctx, wire.NewMessage("slow"), 100*time.Millisecond)
	requireT.ErrorIs(err, htsp.ErrTimeout)
	requireT.EqualValues(1, counter(requireT, e.Registry, "htsp_request_timeouts_total"))

	close(release)
	requireT.Eventually(func() bool {
		return counter(requireT, e.Registry, "htsp_orphan_responses_total") == 1
	}, 5*time.Second, 10*time.Millisecond)

	// connection survives
	requireT.False(e.Engine.NeedsRestart())
	_, err = e.Engine.Request(ctx, wire.NewMessage("getDiskSpace"), 0)
	requireT.NoError(err)
	requireT.Equal(1, e.Server.Calls("hello"))
}

func TestCorruptedFrameReconnects(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.EnsureConnection(ctx))

	// field header declares more data than the frame carries
	e.Server.SendRaw([]byte{0x00, 0x00, 0x00, 0x07, byte(wire.KindStr), 0x01, 0x00, 0x00, 0x00, 0x10, 'x'})

	requireT.Eventually(e.Engine.NeedsRestart, 5*time.Second, 10*time.Millisecond)
	requireT.Eventually(func() bool {
		return e.Engine.State() == htsp.StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	requireT.EqualValues(1, counter(requireT, e.Registry, "htsp_faults_total"))

	_, err := e.Engine.Request(ctx, wire.NewMessage("getDiskSpace"), 0)
	requireT.NoError(err)
	requireT.False(e.Engine.NeedsRestart())
	requireT.Equal(2, e.Server.Calls("hello"))
	requireT.Equal(2, e.Server.Calls("authenticate"))
	requireT.EqualValues(2, counter(requireT, e.Registry, "htsp_connects_total"))
}

func TestOversizedFrameReconnects(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, func(config *htsp.Config) {
		config.MaxMessageSize = 1024
	})
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.EnsureConnection(ctx))

	e.Server.SendRaw([]byte{0x00, 0x01, 0x00, 0x00})

	requireT.Eventually(e.Engine.NeedsRestart, 5*time.Second, 10*time.Millisecond)
	requireT.NoError(e.Engine.EnsureConnection(ctx))
	requireT.Equal(2, e.Server.Calls("hello"))
}

func TestConnectionLostFailsPendingRequest(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{
		Handlers: map[string]server.Handler{
			"never": func(ctx context.Context, req *wire.Message) *wire.Message {
				<-ctx.Done()
				return nil
			},
		},
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.EnsureConnection(ctx))

	errCh := make(chan error, 1)
	group.Spawn("never", parallel.Continue, func(ctx context.Context) error {
		_, err := e.Engine.Request(ctx, wire.NewMessage("never"), time.Minute)
		errCh <- err
		return nil
	})
	requireT.Eventually(func() bool {
		return e.Server.Calls("never") == 1
	}, 5*time.Second, 10*time.Millisecond)

	e.Server.Disconnect()

	select {
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	case err := <-errCh:
		requireT.ErrorIs(err, htsp.ErrConnectionLost)
	}
	requireT.EqualValues(1, counter(requireT, e.Registry, "htsp_abandoned_requests_total"))
}

func TestLazyReconnectAfterServerClose(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.EnsureConnection(ctx))
	e.Server.Disconnect()

	requireT.Eventually(e.Engine.NeedsRestart, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	requireT.Equal(1, e.Server.Calls("hello"))

	requireT.NoError(e.Engine.EnsureConnection(ctx))
	requireT.Equal(2, e.Server.Calls("hello"))
	requireT.Equal(htsp.StateReady, e.Engine.State())
}

func TestEagerReconnectAfterServerClose(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, func(config *htsp.Config) {
		config.ReconnectEagerly = true
	})
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.EnsureConnection(ctx))
	e.Server.Disconnect()

	requireT.Eventually(func() bool {
		return e.Server.Calls("authenticate") == 2 && e.Engine.State() == htsp.StateReady
	}, 5*time.Second, 10*time.Millisecond)
	requireT.False(e.Engine.NeedsRestart())
}

func TestTicketsThroughEngine(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	channels, err := htsp.NewTicketCache(e.Engine, e.Config.TicketConfig(htsp.ItemChannel))
	requireT.NoError(err)
	recordings, err := htsp.NewTicketCache(e.Engine, e.Config.TicketConfig(htsp.ItemRecording))
	requireT.NoError(err)

	ticket, err := channels.Get(ctx, "42")
	requireT.NoError(err)
	requireT.Equal("/stream/channel/42", ticket.Path)
	requireT.Equal("ticket-42", ticket.Param)
	requireT.Equal("http://tvh:9981/stream/channel/42?ticket=ticket-42", ticket.URL)

	ticket2, err := channels.Get(ctx, "42")
	requireT.NoError(err)
	requireT.Same(ticket, ticket2)

	ticket, err = recordings.Get(ctx, "7")
	requireT.NoError(err)
	requireT.Equal("/stream/dvrfile/7", ticket.Path)

	requireT.Equal(2, e.Server.Calls("getTicket"))
}

func TestDiskSpaceFailureDoesNotFailLogin(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	e := newEnv(requireT, server.Config{
		AsyncMetadata: []*wire.Message{
			wire.NewMessage("initialSyncCompleted"),
		},
		Handlers: map[string]server.Handler{
			"getDiskSpace": func(ctx context.Context, req *wire.Message) *wire.Message {
				return nil
			},
		},
	}, func(config *htsp.Config) {
		config.RequestTimeout = 200 * time.Millisecond
	})
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	requireT.NoError(e.Engine.EnsureConnection(ctx))
	requireT.Equal(htsp.StateReady, e.Engine.State())

	diskSpace, err := e.Engine.DiskSpace(ctx)
	requireT.NoError(err)
	requireT.Equal(htsp.DiskSpace{Free: -1, Total: -1}, diskSpace)
	requireT.Equal("-1GB / -1GB", diskSpace.String())

	// push notifications are still enabled
	requireT.NoError(e.Engine.WaitForInitialSync(ctx))
	requireT.Equal(1, e.Server.Calls("enableAsyncMetadata"))
}

func TestHandshakeDefaults(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	digestCh := make(chan []byte, 1)
	e := newEnv(requireT, server.Config{
		Handlers: map[string]server.Handler{
			"hello": func(ctx context.Context, req *wire.Message) *wire.Message {
				return wire.NewMessage("")
			},
			"authenticate": func(ctx context.Context, req *wire.Message) *wire.Message {
				digest, _ := req.Bin("digest")
				digestCh <- digest
				return wire.NewMessage("")
			},
			"getDiskSpace": func(ctx context.Context, req *wire.Message) *wire.Message {
				return wire.NewMessage("")
			},
		},
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	info, err := e.Engine.ServerInfo(ctx)
	requireT.NoError(err)
	requireT.Equal(htsp.ServerInfo{
		Name:            "n/a",
		Version:         "n/a",
		ProtocolVersion: -1,
		DiskSpace:       htsp.DiskSpace{Free: -1, Total: -1},
	}, info)

	// without challenge the digest covers the password only
	expected := sha1.Sum([]byte(password))
	requireT.Equal(expected[:], <-digestCh)
}

func TestOutOfOrderResponses(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	reply := func(ctx context.Context, req *wire.Message) *wire.Message {
		return wire.NewMessage("").SetStr("reply", req.Method())
	}
	e := newEnv(requireT, server.Config{
		DelayedMethod: "first",
		Handlers: map[string]server.Handler{
			"first":  reply,
			"second": reply,
		},
	}, nil)
	group.Spawn("server", parallel.Fail, e.RunServer)
	group.Spawn("engine", parallel.Fail, e.Engine.Run)

	type delivery struct {
		Handler string
		Reply   string
	}
	deliveries := make(chan delivery, 2)
	handler := func(name string) htsp.ResponseHandler {
		return func(resp *wire.Message) {
			r, _ := resp.Str("reply")
			deliveries <- delivery{Handler: name, Reply: r}
		}
	}

	requireT.NoError(e.Engine.Send(ctx, wire.NewMessage("first"), handler("first")))
	requireT.NoError(e.Engine.Send(ctx, wire.NewMessage("second"), handler("second")))

	received := make([]delivery, 0, 2)
	for range 2 {
		select {
		case <-time.After(5 * time.Second):
			requireT.Fail("timeout")
		case d := <-deliveries:
			received = append(received, d)
		}
	}

	requireT.Equal([]delivery{
		{Handler: "second", Reply: "second"},
		{Handler: "first", Reply: "first"},
	}, received)
	requireT.Zero(counter(requireT, e.Registry, "htsp_orphan_responses_total"))
}
