// Package protocol defines the call/result surface devbay exposes to its
// collaborators (MCP layer, CLIs) over a Unix Domain Socket. Requests and
// responses are length-prefixed JSON; subscribed output is streamed as
// typed binary frames after the response.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultSocketPath is the canonical path for the devbay server socket.
const DefaultSocketPath = "/var/run/devbay/devbay.sock"

// maxMessage caps request/response and frame payload sizes.
const maxMessage = 10 * 1024 * 1024

// Stream type markers for output frames following a subscribe response.
const (
	StreamStdout byte = 1
	StreamStderr byte = 2
	// StreamEnd carries no payload and means the container's stream
	// ended normally (container stopped), not that a call failed.
	StreamEnd byte = 3
)

// Operations.
const (
	OpCreate    = "create"
	OpStop      = "stop"
	OpExecute   = "execute"
	OpStatus    = "status"
	OpStats     = "stats"
	OpSubscribe = "subscribe"
	OpCleanup   = "cleanup"
)

// Error kinds, so collaborators can branch on cause.
const (
	KindConflict     = "conflict"
	KindNotFound     = "not_found"
	KindBuild        = "build"
	KindEngine       = "engine"
	KindSyncConflict = "sync_conflict"
	KindInternal     = "internal"
)

// SyncPairSpec declares one host/container directory association.
type SyncPairSpec struct {
	HostDir      string `json:"host_dir"`
	ContainerDir string `json:"container_dir"`
	Direction    string `json:"direction"` // host-to-container, container-to-host, bidirectional
}

// Request is one operation against the devbay core.
type Request struct {
	Op          string            `json:"op"`
	Environment string            `json:"environment,omitempty"`
	ProjectPath string            `json:"project_path,omitempty"`
	ContextDir  string            `json:"context_dir,omitempty"`
	Dockerfile  string            `json:"dockerfile,omitempty"`
	Ports       map[string]string `json:"ports,omitempty"`
	Volumes     map[string]string `json:"volumes,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	SyncPairs   []SyncPairSpec    `json:"sync_pairs,omitempty"`
	Command     string            `json:"command,omitempty"`
	Workdir     string            `json:"workdir,omitempty"`
}

// StatsPayload is one resource usage snapshot.
type StatsPayload struct {
	CPUUsageTotal    uint64 `json:"cpu_usage_total"`
	MemoryUsageBytes uint64 `json:"memory_usage_bytes"`
	NetworkRxBytes   uint64 `json:"network_rx_bytes"`
	NetworkTxBytes   uint64 `json:"network_tx_bytes"`
}

// CleanupOutcome is one environment's result from a cleanup operation.
type CleanupOutcome struct {
	Environment string `json:"environment"`
	Error       string `json:"error,omitempty"`
}

// Response is the result of one Request. ErrorKind is set when OK is false.
type Response struct {
	OK          bool             `json:"ok"`
	ErrorKind   string           `json:"error_kind,omitempty"`
	Error       string           `json:"error,omitempty"`
	ContainerID string           `json:"container_id,omitempty"`
	Status      string           `json:"status,omitempty"`
	RawState    string           `json:"raw_state,omitempty"`
	ExitCode    int              `json:"exit_code"`
	Stdout      string           `json:"stdout,omitempty"`
	Stderr      string           `json:"stderr,omitempty"`
	Stats       *StatsPayload    `json:"stats,omitempty"`
	Cleanup     []CleanupOutcome `json:"cleanup,omitempty"`
}

// Frame is a single chunk of streamed output or control data.
type Frame struct {
	Type    byte
	Payload []byte
}

// writeMessage serializes v as a length-prefixed JSON message.
// Wire format: [4-byte big-endian length][JSON payload]
func writeMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length: %w", err)
	}
	if length > maxMessage {
		return fmt.Errorf("message too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// WriteRequest sends a Request as a length-prefixed JSON message.
func WriteRequest(w io.Writer, req *Request) error {
	return writeMessage(w, req)
}

// ReadRequest reads a length-prefixed JSON Request.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := readMessage(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// WriteResponse sends a Response as a length-prefixed JSON message.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeMessage(w, resp)
}

// ReadResponse reads a length-prefixed JSON Response.
func ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := readMessage(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WriteFrame writes a single output frame.
// Wire format: [1-byte type][4-byte big-endian length][payload]
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write([]byte{f.Type}); err != nil {
		return fmt.Errorf("write frame type: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(f.Payload))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a single output frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame

	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return f, fmt.Errorf("read frame type: %w", err)
	}
	f.Type = typeBuf[0]

	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return f, fmt.Errorf("read frame length: %w", err)
	}
	if length > maxMessage {
		return f, fmt.Errorf("frame too large: %d bytes", length)
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return f, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return f, nil
}

// WriteEnd sends the end-of-stream frame.
func WriteEnd(w io.Writer) error {
	return WriteFrame(w, Frame{Type: StreamEnd})
}
