// Package main provides kvwald, the replicated key-value store's node
// daemon.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/calvinalkan/kvwal/pkg/node"
)

func main() {
	environ := os.Environ()
	env := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(run(os.Args[1:], env, sigCh))
}

func run(args []string, env map[string]string, sigCh <-chan os.Signal) int {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	flags := pflag.NewFlagSet("kvwald", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", env["KVWALD_CONFIG"], "path to the node's JSON-with-comments config file")
	nodeID := flags.String("node-id", "", "override the configured node_id")
	listenAddr := flags.String("listen", "", "override the configured listen_addr")
	dataDir := flags.String("data-dir", "", "override the configured data_dir")
	leaderURL := flags.String("leader-url", "", "override the configured leader_url")

	err := flags.Parse(args)
	if err != nil {
		log.Error("parse flags", "error", err)
		return 1
	}

	overrides := node.Overrides{}
	if *nodeID != "" {
		overrides.NodeID = nodeID
	}

	if *listenAddr != "" {
		overrides.ListenAddr = listenAddr
	}

	if *dataDir != "" {
		overrides.DataDir = dataDir
	}

	if *leaderURL != "" {
		overrides.LeaderURL = leaderURL
	}

	cfg, err := node.LoadConfig(*configPath, overrides)
	if err != nil {
		log.Error("load config", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.Error("bootstrap node", "error", err)
		return 1
	}

	server := &http.Server{Addr: cfg.ListenAddr, Handler: n.HTTPHandler()}

	serveErrCh := make(chan error, 1)

	go func() {
		serveErrCh <- server.ListenAndServe()
	}()

	log.Info("node started", "node_id", cfg.NodeID, "role", cfg.Role, "listen_addr", cfg.ListenAddr)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = server.Shutdown(shutdownCtx)

	err = n.Close()
	if err != nil {
		log.Error("close node", "error", err)
		return 1
	}

	return 0
}
