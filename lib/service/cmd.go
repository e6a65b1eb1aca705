// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.RunFunc that brings up a system
// service.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/fleetbatch/fleetbatch/lib/cmd"
	"github.com/fleetbatch/fleetbatch/lib/config"
	"github.com/fleetbatch/fleetbatch/sdk/go/ctxlog"
	"github.com/fleetbatch/fleetbatch/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Handler is the service-specific part of a server process.
type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(ctx context.Context, cfg config.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shut down the service
}

// Command returns a cmd.RunFunc that loads configuration, calls
// newHandler, and brings up an http server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-Id
// headers, logging requests/responses).
func Command(svcName string, newHandler NewHandlerFunc) cmd.RunFunc {
	c := &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
	return c.run
}

func (c *command) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// Bootstrap logger, replaced once the logging config is known.
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", config.DefaultConfigFile, "configuration `file` path")
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		return 1
	}

	log = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	// Also update the package-level logger, so code that has no
	// request or handler context logs at the configured level.
	ctxlog.SetFormat(cfg.LogFormat)
	ctxlog.SetLevel(cfg.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(c.ctx, logger))
	defer cancel()

	reg := prometheus.NewRegistry()
	handler := c.newHandler(ctx, cfg, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	srv := &httpserver.Server{
		Server: http.Server{
			Handler: httpserver.AddRequestIDs(httpserver.LogRequests(logger, handler)),
			BaseContext: func(net.Listener) context.Context {
				return ctx
			},
		},
		Addr: cfg.Listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen": srv.Addr,
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Error("error notifying init daemon")
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		select {
		case sig := <-sigch:
			logger.WithField("Signal", sig).Info("shutting down")
		case <-ctx.Done():
			// Caller canceled (tests).
		case <-handler.Done():
			logger.Error("handler stopped")
		}
		srv.Close()
	}()

	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}
