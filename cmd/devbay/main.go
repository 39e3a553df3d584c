// Command devbay is the containerized development environment server.
// It manages per-environment Docker containers and exposes lifecycle,
// exec, stats, output streaming, and file sync over a Unix Domain Socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devbay/internal/config"
	"devbay/internal/engine"
	"devbay/internal/filesync"
	"devbay/internal/harbor"
	"devbay/internal/server"
	"devbay/internal/stream"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to the configuration file")
	socketPath := flag.String("socket", "", "Socket path override")
	flag.Parse()

	logger := log.New(os.Stdout, "[devbay] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devbay: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}

	if err := os.MkdirAll(cfg.WorkspaceDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "devbay: create workspace dir: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.NewDocker(cfg.EngineCallLimit, log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmsgprefix))
	if err != nil {
		fmt.Fprintf(os.Stderr, "devbay: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = eng.Ping(pingCtx)
	cancelPing()
	if err != nil {
		fmt.Fprintf(os.Stderr, "devbay: %v\n", err)
		os.Exit(1)
	}

	streams := stream.NewManager(eng, log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmsgprefix))

	manager, err := harbor.NewManager(harbor.Config{
		Engine:      eng,
		Streams:     streams,
		Logger:      log.New(os.Stdout, "[harbor] ", log.LstdFlags|log.Lmsgprefix),
		StopTimeout: cfg.StopTimeout,
		Sync: harbor.SyncOptions{
			Interval: cfg.Sync.Interval,
			Debounce: cfg.Sync.Debounce,
			Policy:   filesync.ConflictPolicy(cfg.Sync.ConflictPolicy),
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "devbay: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(server.Config{
		SocketPath: cfg.SocketPath,
		Manager:    manager,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "devbay: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down...", sig)
		srv.Shutdown()
	}()

	logger.Printf("starting on %s", cfg.SocketPath)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "devbay: %v\n", err)
		os.Exit(1)
	}

	// Best-effort teardown of every remaining container.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCleanup()
	for _, result := range manager.CleanupAll(cleanupCtx) {
		if result.Err != nil {
			logger.Printf("cleanup %s: %v", result.Environment, result.Err)
		}
	}
}
