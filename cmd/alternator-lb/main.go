// Copyright The ScyllaDB Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command alternator-lb inspects an Alternator cluster through the load
// balancer: print the discovered topology once, or keep watching it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"

	"github.com/scylladb/alternator-client-golang/config"
	"github.com/scylladb/alternator-client-golang/lb"
)

func main() {
	var (
		a = kingpin.New(filepath.Base(os.Args[0]), "Alternator cluster load balancer tool")

		configFile = a.Flag("config.file", "Load balancer YAML configuration file.").String()
		nodes      = a.Flag("node", "Seed node, repeatable. Ignored when --config.file is set.").Strings()
		port       = a.Flag("port", "Alternator port.").Default("8000").Int()
		scheme     = a.Flag("scheme", "Endpoint scheme.").Default("http").Enum("http", "https")
		datacenter = a.Flag("datacenter", "Route only to this datacenter.").String()
		rack       = a.Flag("rack", "Route only to this rack, requires --datacenter.").String()

		nodesCmd = a.Command("nodes", "Discover the cluster once and print its members.")
		watchCmd = a.Command("watch", "Keep refreshing the membership and log changes.")

		promslogConfig = &promslog.Config{}
	)
	promslogflag.AddFlags(a, promslogConfig)
	a.HelpFlag.Short('h')

	cmd, err := a.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := promslog.New(promslogConfig)

	cfg := config.DefaultConfig
	if *configFile != "" {
		loaded, err := config.LoadFile(*configFile)
		if err != nil {
			logger.Error("loading configuration failed", "err", err)
			os.Exit(1)
		}
		cfg = *loaded
	} else {
		cfg.Nodes = *nodes
		cfg.Port = *port
		cfg.Scheme = *scheme
		cfg.Datacenter = *datacenter
		cfg.Rack = *rack
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	balancer, err := lb.New(ctx, &cfg, lb.WithLogger(logger))
	cancel()
	if err != nil {
		logger.Error("starting load balancer failed", "err", err)
		os.Exit(1)
	}
	defer balancer.Close()

	switch cmd {
	case nodesCmd.FullCommand():
		printNodes(balancer)
		if err := balancer.CheckConfiguredScope(); err != nil {
			logger.Error("scope check failed", "err", err)
			os.Exit(1)
		}
	case watchCmd.FullCommand():
		if err := watch(balancer, logger); err != nil {
			logger.Error("watch failed", "err", err)
			os.Exit(1)
		}
	}
}

func printNodes(balancer *lb.LoadBalancer) {
	for _, n := range balancer.KnownNodes() {
		fmt.Println(n.String())
	}
}

func watch(balancer *lb.LoadBalancer, logger *slog.Logger) error {
	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	watchCtx, watchCancel := context.WithCancel(context.Background())
	g.Add(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		seen := make(map[string]bool)
		for {
			select {
			case <-watchCtx.Done():
				return nil
			case <-ticker.C:
			}
			current := make(map[string]bool)
			for _, n := range balancer.KnownNodes() {
				current[n.String()] = true
				if !seen[n.String()] {
					logger.Info("node joined", "node", n.String())
				}
			}
			for s := range seen {
				if !current[s] {
					logger.Info("node left", "node", s)
				}
			}
			seen = current
		}
	}, func(error) {
		watchCancel()
	})

	err := g.Run()
	var sigErr run.SignalError
	if err != nil && errors.As(err, &sigErr) {
		logger.Info("received signal, exiting", "signal", sigErr.Signal.String())
		return nil
	}
	return err
}
