// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Hearthd runs a hearth server with a trivial demonstration gateway. Real
// deployments embed the hearth package and supply their own Gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hearthd/hearth"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML options file")
	bindAddr := flag.String("bind", "", "listen address, overrides the config file")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	opts := hearth.DefaultOptions()
	if *configPath != "" {
		if opts, err = hearth.LoadOptions(*configPath); err != nil {
			logger.Fatal("loading config", zap.Error(err))
		}
	}
	if *bindAddr != "" {
		opts.BindAddr = *bindAddr
	}

	registry := hearth.NewStatsRegistry()
	server, err := hearth.NewServer(opts, hearth.GatewayFunc(echo),
		hearth.WithLogger(logger),
		hearth.WithStatsRegistry(registry),
	)
	if err != nil {
		logger.Fatal("constructing server", zap.Error(err))
	}
	if err := server.Prepare(); err != nil {
		logger.Fatal("binding", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve()
	})
	group.Go(func() error {
		<-ctx.Done()
		server.Stop()
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				logger.Info("stats", zap.String("summary", server.Stats().String()))
			}
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, hearth.ErrShutdownRequested) {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("bye")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// echo is the demonstration gateway: it reflects the request body (or a
// greeting) back at the client.
func echo(r *hearth.Request) error {
	body, err := io.ReadAll(r.Body())
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("hello from hearth: " + r.Method + " " + r.Path + "\n")
	}
	r.SetStatus("200 OK")
	r.AddOutHeader("Content-Type", "text/plain")
	r.AddOutHeader("Content-Length", strconv.Itoa(len(body)))
	_, err = r.Write(body)
	return err
}
