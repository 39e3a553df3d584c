// Package server exposes the harbor manager over a Unix Domain Socket
// using the devbay protocol. It is deliberately thin: every operation maps
// one-to-one onto a manager call.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"devbay/internal/engine"
	"devbay/internal/filesync"
	"devbay/internal/harbor"
	"devbay/pkg/protocol"
)

// Config holds the server configuration.
type Config struct {
	SocketPath string
	Manager    *harbor.Manager
	Logger     *log.Logger
}

// Server accepts protocol connections and dispatches them to the manager.
type Server struct {
	config   Config
	manager  *harbor.Manager
	listener net.Listener
	logger   *log.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a protocol server for the given manager.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("server: manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[devbay] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = protocol.DefaultSocketPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  cfg,
		manager: cfg.Manager,
		logger:  cfg.Logger,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// ListenAndServe starts the Unix socket listener and accepts connections
// until Shutdown.
func (s *Server) ListenAndServe() error {
	os.Remove(s.config.SocketPath)

	if err := os.MkdirAll(filepath.Dir(s.config.SocketPath), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	var err error
	s.listener, err = net.Listen("unix", s.config.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.SocketPath, err)
	}
	defer s.listener.Close()

	if err := os.Chmod(s.config.SocketPath, 0666); err != nil {
		s.logger.Printf("warning: could not chmod socket: %v", err)
	}

	s.logger.Printf("listening on %s", s.config.SocketPath)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil // Clean shutdown
			default:
				s.logger.Printf("accept error: %v", err)
				continue
			}
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

// Shutdown stops accepting connections and closes the open ones.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	os.Remove(s.config.SocketPath)
	s.logger.Printf("server stopped")
}

func (s *Server) track(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	conn.Close()
}

// handleConnection processes one request per connection.
func (s *Server) handleConnection(conn net.Conn) {
	req, err := protocol.ReadRequest(conn)
	if err != nil {
		s.logger.Printf("read request: %v", err)
		return
	}

	switch req.Op {
	case protocol.OpSubscribe:
		s.handleSubscribe(conn, req)
	default:
		resp := s.dispatch(req)
		if err := protocol.WriteResponse(conn, resp); err != nil {
			s.logger.Printf("write response: %v", err)
		}
	}
}

func (s *Server) dispatch(req *protocol.Request) *protocol.Response {
	ctx := s.ctx

	switch req.Op {
	case protocol.OpCreate:
		c, err := s.manager.Create(ctx, createRequest(req))
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{OK: true, ContainerID: c.ID, Status: string(c.Status)}

	case protocol.OpStop:
		if err := s.manager.Stop(ctx, req.Environment); err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{OK: true}

	case protocol.OpExecute:
		result, err := s.manager.Execute(ctx, req.Environment, req.Command, req.Workdir)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{OK: true, ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr}

	case protocol.OpStatus:
		info, err := s.manager.Status(ctx, req.Environment)
		if err != nil {
			return errorResponse(err)
		}
		resp := &protocol.Response{OK: true, ContainerID: info.ID, Status: string(info.Status), RawState: info.RawState}
		if info.Status == harbor.StatusRunning {
			usage, err := s.manager.UsageStats(ctx, req.Environment)
			if err != nil {
				return errorResponse(err)
			}
			resp.Stats = statsPayload(usage)
		}
		return resp

	case protocol.OpStats:
		usage, err := s.manager.UsageStats(ctx, req.Environment)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{OK: true, Stats: statsPayload(usage)}

	case protocol.OpCleanup:
		results := s.manager.CleanupAll(ctx)
		outcomes := make([]protocol.CleanupOutcome, 0, len(results))
		for _, r := range results {
			outcome := protocol.CleanupOutcome{Environment: r.Environment}
			if r.Err != nil {
				outcome.Error = r.Err.Error()
			}
			outcomes = append(outcomes, outcome)
		}
		return &protocol.Response{OK: true, Cleanup: outcomes}

	default:
		return &protocol.Response{
			OK:        false,
			ErrorKind: protocol.KindInternal,
			Error:     fmt.Sprintf("unknown operation %q", req.Op),
		}
	}
}

// handleSubscribe streams the environment's output until the stream ends
// or the client goes away.
func (s *Server) handleSubscribe(conn net.Conn, req *protocol.Request) {
	sub, err := s.manager.SubscribeOutput(req.Environment)
	if err != nil {
		protocol.WriteResponse(conn, errorResponse(err))
		return
	}
	defer s.manager.Unsubscribe(sub)

	if err := protocol.WriteResponse(conn, &protocol.Response{OK: true, ContainerID: sub.ContainerID}); err != nil {
		return
	}

	for chunk := range sub.C {
		frameType := protocol.StreamStdout
		if chunk.Source == engine.SourceStderr {
			frameType = protocol.StreamStderr
		}
		if err := protocol.WriteFrame(conn, protocol.Frame{Type: frameType, Payload: chunk.Data}); err != nil {
			return
		}
	}

	// Channel closed: container stream ended normally.
	protocol.WriteEnd(conn)
}

func createRequest(req *protocol.Request) harbor.CreateRequest {
	out := harbor.CreateRequest{
		Environment: req.Environment,
		ProjectPath: req.ProjectPath,
		Ports:       req.Ports,
		Volumes:     req.Volumes,
		Env:         req.Env,
	}
	if req.Dockerfile != "" || req.ContextDir != "" {
		out.Build = &harbor.BuildSpec{ContextDir: req.ContextDir, Dockerfile: req.Dockerfile}
	}
	for _, pair := range req.SyncPairs {
		out.SyncPairs = append(out.SyncPairs, filesync.Pair{
			HostDir:      pair.HostDir,
			ContainerDir: pair.ContainerDir,
			Direction:    filesync.Direction(pair.Direction),
		})
	}
	return out
}

func statsPayload(usage engine.UsageStats) *protocol.StatsPayload {
	return &protocol.StatsPayload{
		CPUUsageTotal:    usage.CPUUsageTotal,
		MemoryUsageBytes: usage.MemoryUsageBytes,
		NetworkRxBytes:   usage.NetworkRxBytes,
		NetworkTxBytes:   usage.NetworkTxBytes,
	}
}

// errorResponse maps the error taxonomy onto protocol error kinds.
func errorResponse(err error) *protocol.Response {
	kind := protocol.KindInternal

	var conflict *harbor.ConflictError
	var notFound *harbor.NotFoundError
	var buildErr *engine.BuildError
	var engineErr *engine.EngineError
	var syncConflict *filesync.SyncConflictError

	switch {
	case errors.As(err, &conflict):
		kind = protocol.KindConflict
	case errors.As(err, &notFound):
		kind = protocol.KindNotFound
	case errors.As(err, &buildErr):
		kind = protocol.KindBuild
	case errors.As(err, &syncConflict):
		kind = protocol.KindSyncConflict
	case errors.As(err, &engineErr):
		kind = protocol.KindEngine
	}

	return &protocol.Response{OK: false, ErrorKind: kind, Error: err.Error()}
}
