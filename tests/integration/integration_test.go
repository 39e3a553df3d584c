package integration

import (
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"testing"
	"time"

	"devbay/internal/engine"
	"devbay/internal/engine/enginetest"
	"devbay/internal/harbor"
	"devbay/internal/server"
	"devbay/internal/stream"
	"devbay/pkg/protocol"
)

// TestCreateExecuteStop walks the full lifecycle over the socket:
// create → execute → status → stop.
func TestCreateExecuteStop(t *testing.T) {
	socketPath := tempSocketPath(t)
	srv, fake := startTestServer(t, socketPath)
	defer srv.Shutdown()

	waitForSocket(t, socketPath)

	resp := roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpCreate, Environment: "dev"})
	if !resp.OK {
		t.Fatalf("create failed: %s (%s)", resp.Error, resp.ErrorKind)
	}
	if resp.Status != "running" {
		t.Errorf("create status = %q, want running", resp.Status)
	}
	containerID := resp.ContainerID

	fake.ExecFn = func(cmd []string, workdir string) (engine.ExecResult, error) {
		return engine.ExecResult{ExitCode: 3, Stdout: "out\n", Stderr: "err\n"}, nil
	}
	resp = roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpExecute, Environment: "dev", Command: "make test"})
	if !resp.OK {
		t.Fatalf("execute failed: %s", resp.Error)
	}
	if resp.ExitCode != 3 || resp.Stdout != "out\n" || resp.Stderr != "err\n" {
		t.Errorf("execute result = {%d %q %q}", resp.ExitCode, resp.Stdout, resp.Stderr)
	}

	resp = roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpStatus, Environment: "dev"})
	if !resp.OK || resp.Status != "running" {
		t.Fatalf("status = %+v, want running", resp)
	}
	if resp.Stats == nil {
		t.Error("running status response carries no stats")
	}

	resp = roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpStop, Environment: "dev"})
	if !resp.OK {
		t.Fatalf("stop failed: %s", resp.Error)
	}
	if fake.Running(containerID) {
		t.Error("container still running in engine after stop")
	}

	// The binding is gone, so status now reports not_found.
	resp = roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpStatus, Environment: "dev"})
	if resp.OK || resp.ErrorKind != protocol.KindNotFound {
		t.Errorf("status after stop = %+v, want not_found error", resp)
	}
}

// TestErrorKinds checks that the error taxonomy crosses the wire.
func TestErrorKinds(t *testing.T) {
	socketPath := tempSocketPath(t)
	srv, _ := startTestServer(t, socketPath)
	defer srv.Shutdown()

	waitForSocket(t, socketPath)

	if resp := roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpCreate, Environment: "dev"}); !resp.OK {
		t.Fatalf("create failed: %s", resp.Error)
	}

	tests := []struct {
		name     string
		req      *protocol.Request
		wantKind string
	}{
		{"duplicate create", &protocol.Request{Op: protocol.OpCreate, Environment: "dev"}, protocol.KindConflict},
		{"execute against unknown environment", &protocol.Request{Op: protocol.OpExecute, Environment: "ghost", Command: "true"}, protocol.KindNotFound},
		{"stats against unknown environment", &protocol.Request{Op: protocol.OpStats, Environment: "ghost"}, protocol.KindNotFound},
		{"subscribe against unknown environment", &protocol.Request{Op: protocol.OpSubscribe, Environment: "ghost"}, protocol.KindNotFound},
		{"unknown operation", &protocol.Request{Op: "reboot"}, protocol.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := roundTrip(t, socketPath, tt.req)
			if resp.OK {
				t.Fatalf("request unexpectedly succeeded: %+v", resp)
			}
			if resp.ErrorKind != tt.wantKind {
				t.Errorf("error kind = %q (%s), want %q", resp.ErrorKind, resp.Error, tt.wantKind)
			}
		})
	}
}

// TestSubscribeStreamsOutputUntilStop subscribes to an environment's output,
// injects chunks, then stops the container and expects the end marker.
func TestSubscribeStreamsOutputUntilStop(t *testing.T) {
	socketPath := tempSocketPath(t)
	srv, fake := startTestServer(t, socketPath)
	defer srv.Shutdown()

	waitForSocket(t, socketPath)

	resp := roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpCreate, Environment: "dev"})
	if !resp.OK {
		t.Fatalf("create failed: %s", resp.Error)
	}
	containerID := resp.ContainerID

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, &protocol.Request{Op: protocol.OpSubscribe, Environment: "dev"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	ack, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if !ack.OK {
		t.Fatalf("subscribe failed: %s", ack.Error)
	}
	if ack.ContainerID != containerID {
		t.Errorf("subscribe container id = %q, want %q", ack.ContainerID, containerID)
	}

	// Give the server time to attach before emitting.
	waitForLogStream(t, fake)

	if err := fake.EmitLog(containerID, engine.SourceStdout, []byte("building...\n")); err != nil {
		t.Fatalf("emit stdout: %v", err)
	}
	if err := fake.EmitLog(containerID, engine.SourceStderr, []byte("warning: slow\n")); err != nil {
		t.Fatalf("emit stderr: %v", err)
	}

	// Stop from a second connection; the subscriber must see the remaining
	// chunks and then a clean end marker.
	go func() {
		stopConn, err := net.Dial("unix", socketPath)
		if err != nil {
			return
		}
		defer stopConn.Close()
		protocol.WriteRequest(stopConn, &protocol.Request{Op: protocol.OpStop, Environment: "dev"})
		protocol.ReadResponse(stopConn)
	}()

	var stdout, stderr []byte
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("read frame: %v", err)
		}
		if frame.Type == protocol.StreamEnd {
			break
		}
		switch frame.Type {
		case protocol.StreamStdout:
			stdout = append(stdout, frame.Payload...)
		case protocol.StreamStderr:
			stderr = append(stderr, frame.Payload...)
		}
	}

	if string(stdout) != "building...\n" {
		t.Errorf("stdout = %q, want %q", stdout, "building...\n")
	}
	if string(stderr) != "warning: slow\n" {
		t.Errorf("stderr = %q, want %q", stderr, "warning: slow\n")
	}
}

// TestCleanup tears down every environment in one call and reports
// per-environment outcomes.
func TestCleanup(t *testing.T) {
	socketPath := tempSocketPath(t)
	srv, _ := startTestServer(t, socketPath)
	defer srv.Shutdown()

	waitForSocket(t, socketPath)

	for _, env := range []string{"alpha", "beta"} {
		if resp := roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpCreate, Environment: env}); !resp.OK {
			t.Fatalf("create %s failed: %s", env, resp.Error)
		}
	}

	resp := roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpCleanup})
	if !resp.OK {
		t.Fatalf("cleanup failed: %s", resp.Error)
	}
	if len(resp.Cleanup) != 2 {
		t.Fatalf("cleanup outcomes = %d, want 2", len(resp.Cleanup))
	}
	for _, outcome := range resp.Cleanup {
		if outcome.Error != "" {
			t.Errorf("cleanup %s failed: %s", outcome.Environment, outcome.Error)
		}
	}
}

// TestMultipleConcurrentExecutes hits the server from several connections at
// once.
func TestMultipleConcurrentExecutes(t *testing.T) {
	socketPath := tempSocketPath(t)
	srv, fake := startTestServer(t, socketPath)
	defer srv.Shutdown()

	waitForSocket(t, socketPath)

	if resp := roundTrip(t, socketPath, &protocol.Request{Op: protocol.OpCreate, Environment: "dev"}); !resp.OK {
		t.Fatalf("create failed: %s", resp.Error)
	}
	fake.ExecFn = func(cmd []string, workdir string) (engine.ExecResult, error) {
		return engine.ExecResult{Stdout: cmd[len(cmd)-1] + "\n"}, nil
	}

	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func(n int) {
			command := fmt.Sprintf("job-%d", n)
			conn, err := net.Dial("unix", socketPath)
			if err != nil {
				errs <- fmt.Errorf("dial %d: %v", n, err)
				return
			}
			defer conn.Close()

			if err := protocol.WriteRequest(conn, &protocol.Request{Op: protocol.OpExecute, Environment: "dev", Command: command}); err != nil {
				errs <- fmt.Errorf("write %d: %v", n, err)
				return
			}
			resp, err := protocol.ReadResponse(conn)
			if err != nil {
				errs <- fmt.Errorf("read %d: %v", n, err)
				return
			}
			if !resp.OK {
				errs <- fmt.Errorf("execute %d failed: %s", n, resp.Error)
				return
			}
			if resp.Stdout != command+"\n" {
				errs <- fmt.Errorf("execute %d stdout = %q", n, resp.Stdout)
				return
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func tempSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "devbay.sock")
}

func startTestServer(t *testing.T, socketPath string) (*server.Server, *enginetest.Fake) {
	t.Helper()

	fake := enginetest.NewFake(t.TempDir())
	logger := log.New(io.Discard, "[test-devbay] ", log.LstdFlags)

	manager, err := harbor.NewManager(harbor.Config{
		Engine:      fake,
		Streams:     stream.NewManager(fake, logger),
		Logger:      logger,
		StopTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}

	srv, err := server.NewServer(server.Config{
		SocketPath: socketPath,
		Manager:    manager,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Printf("server error: %v", err)
		}
	}()

	return srv, fake
}

func waitForSocket(t *testing.T, socketPath string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", socketPath)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("devbay socket not ready at %s", socketPath)
}

// waitForLogStream waits until the server side has opened the engine log
// stream for its subscriber.
func waitForLogStream(t *testing.T, fake *enginetest.Fake) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fake.StreamOpens() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("engine log stream never opened")
}

// roundTrip sends one request on a fresh connection and returns the response.
func roundTrip(t *testing.T, socketPath string, req *protocol.Request) *protocol.Response {
	t.Helper()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteRequest(conn, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}
