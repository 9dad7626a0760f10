package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gridsync/gridsync/internal/core/config"
	"github.com/gridsync/gridsync/internal/core/connection"
	"github.com/gridsync/gridsync/internal/core/node"
	"github.com/gridsync/gridsync/internal/core/observability/log"
)

func main() {
	configPath := flag.String("config", "", "cluster configuration file")
	join := flag.String("join", "", "host:port of the node that launched this process")
	launchID := flag.Uint("launch-id", 0, "launch request ID to resolve when joining")
	flag.Parse()

	if err := run(*configPath, *join, uint32(*launchID)); err != nil {
		fmt.Fprintln(os.Stderr, "noded:", err)
		os.Exit(1)
	}
}

func run(configPath, join string, launchID uint32) error {
	cfg := &config.Cluster{}
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := node.New(logger)
	n.SetAutoLaunch(cfg.AutoLaunch)

	var listen *connection.Description
	if cfg.Listen != nil {
		listen = cfg.Listen.Description()
	}
	if err := n.Listen(listen); err != nil {
		return err
	}

	if join != "" {
		desc, err := parseJoinAddress(join)
		if err != nil {
			return err
		}
		if _, err := n.ConnectBack(ctx, desc, launchID); err != nil {
			return fmt.Errorf("join %s: %w", join, err)
		}
	}

	peers := make([]*node.Node, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		descs := make([]*connection.Description, 0, len(p.Endpoints))
		for _, e := range p.Endpoints {
			descs = append(descs, e.Description())
		}
		peers = append(peers, node.NewPeer(descs...))
	}
	if len(peers) > 0 {
		if err := n.ConnectAll(ctx, peers); err != nil {
			logger.Warn("not all peers reachable", log.Error(err))
		}
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-stopCh

	cancel()
	return n.StopListening()
}

func parseJoinAddress(addr string) (*connection.Description, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("join address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("join address %q: %w", addr, err)
	}
	return &connection.Description{
		Type:     connection.TypeTCP,
		Hostname: host,
		Port:     port,
	}, nil
}
