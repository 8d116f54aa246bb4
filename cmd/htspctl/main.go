// Package main provides htspctl, a command line client of HTSP servers.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/htsp"
	"github.com/outofforest/htsp/wire"
)

const (
	flagConfig      = "config"
	flagChannel     = "channel"
	flagRecording   = "recording"
	flagMetricsAddr = "metrics-addr"
)

type client struct {
	Engine  *htsp.Engine
	Config  htsp.Config
	Metrics *htsp.Metrics
}

type commandFunc func(ctx context.Context, cl client) error

func main() {
	log := logger.New(logger.DefaultConfig)
	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "htspctl",
		Usage: "HTSP client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "path to the YAML config file",
				EnvVars:  []string{"HTSP_CONFIG"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			infoCommand(),
			ticketCommand(),
			watchCommand(),
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print server information",
		Action: func(c *cli.Context) error {
			return runEngine(c, prometheus.NewRegistry(),
				func(ctx context.Context, cl client) error {
					info, err := cl.Engine.ServerInfo(ctx)
					if err != nil {
						return err
					}
					return printInfo(c.App.Writer, info)
				})
		},
	}
}

func ticketCommand() *cli.Command {
	return &cli.Command{
		Name:  "ticket",
		Usage: "Print playback URL of a channel or recording",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagChannel,
				Usage: "channel id",
			},
			&cli.StringFlag{
				Name:  flagRecording,
				Usage: "recording id",
			},
		},
		Action: func(c *cli.Context) error {
			if c.IsSet(flagChannel) && c.IsSet(flagRecording) {
				return errors.Errorf("only one of --%s and --%s may be set", flagChannel, flagRecording)
			}

			itemType := htsp.ItemChannel
			itemID := c.String(flagChannel)
			if c.IsSet(flagRecording) {
				itemType = htsp.ItemRecording
				itemID = c.String(flagRecording)
			}
			if itemID == "" {
				return errors.Errorf("either --%s or --%s is required", flagChannel, flagRecording)
			}

			return runEngine(c, prometheus.NewRegistry(), func(ctx context.Context, cl client) error {
				ticketConfig := cl.Config.TicketConfig(itemType)
				ticketConfig.Metrics = cl.Metrics

				cache, err := htsp.NewTicketCache(cl.Engine, ticketConfig)
				if err != nil {
					return err
				}
				ticket, err := cache.Get(ctx, itemID)
				if err != nil {
					return err
				}

				_, err = fmt.Fprintf(c.App.Writer, "%s\nexpires: %s\n", ticket.URL, ticket.Expires.Format(time.RFC3339))
				return errors.WithStack(err)
			})
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Log push events until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagMetricsAddr,
				Usage: "address to serve prometheus metrics on, disabled if empty",
			},
		},
		Action: func(c *cli.Context) error {
			registry := prometheus.NewRegistry()
			return runEngine(c, registry, func(ctx context.Context, cl client) error {
				log := logger.Get(ctx)

				cl.Engine.SetListener(htsp.ListenerFunc(func(ctx context.Context, ev wire.Event) {
					log.Info("Event received", zap.Stringer("kind", ev.Kind), zap.Stringer("message", ev.Message))
				}))

				return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
					if addr := c.String(flagMetricsAddr); addr != "" {
						spawn("metrics", parallel.Fail, func(ctx context.Context) error {
							return serveMetrics(ctx, addr, registry)
						})
					}
					spawn("sync", parallel.Fail, func(ctx context.Context) error {
						if err := cl.Engine.WaitForInitialSync(ctx); err != nil {
							return err
						}
						log.Info("Initial sync completed")

						<-ctx.Done()
						return errors.WithStack(ctx.Err())
					})
					return nil
				})
			})
		},
	}
}

func runEngine(c *cli.Context, registry *prometheus.Registry, fn commandFunc) error {
	config, err := htsp.LoadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}

	metrics := htsp.NewMetrics(registry)
	engine, err := htsp.New(config, htsp.WithMetrics(metrics))
	if err != nil {
		return err
	}

	return parallel.Run(c.Context, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("engine", parallel.Fail, engine.Run)
		spawn("command", parallel.Exit, func(ctx context.Context) error {
			return fn(ctx, client{
				Engine:  engine,
				Config:  config,
				Metrics: metrics,
			})
		})
		return nil
	})
}

func printInfo(w io.Writer, info htsp.ServerInfo) error {
	_, err := fmt.Fprintf(w, "server:   %s %s\nprotocol: %d\ndisk:     %s\n",
		info.Name, info.Version, info.ProtocolVersion, info.DiskSpace)
	return errors.WithStack(err)
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	ls, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}

	server := &http.Server{
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			logger.Get(ctx).Info("Serving metrics", zap.String("addr", ls.Addr().String()))
			err := server.Serve(ls)
			if errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(ctx.Err())
			}
			return errors.WithStack(err)
		})
		spawn("watchdog", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}
