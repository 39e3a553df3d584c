package protocol

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	want := &Request{
		Op:          OpCreate,
		Environment: "dev",
		ProjectPath: "/work/dev",
		Dockerfile:  "Dockerfile",
		Ports:       map[string]string{"8080": "80"},
		Env:         map[string]string{"DEBUG": "1"},
		SyncPairs: []SyncPairSpec{
			{HostDir: "/work/dev/src", ContainerDir: "/app/src", Direction: "bidirectional"},
		},
	}

	var buf bytes.Buffer
	if err := WriteRequest(&buf, want); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	want := &Response{
		OK:          true,
		ContainerID: "abc123",
		Status:      "running",
		ExitCode:    2,
		Stdout:      "built\n",
		Stderr:      "warning\n",
		Stats:       &StatsPayload{CPUUsageTotal: 5, MemoryUsageBytes: 1 << 20, NetworkRxBytes: 10, NetworkTxBytes: 20},
		Cleanup:     []CleanupOutcome{{Environment: "dev"}, {Environment: "qa", Error: "stop failed"}},
	}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, want); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	want := &Response{OK: false, ErrorKind: KindConflict, Error: "environment dev already has a container"}

	var buf bytes.Buffer
	if err := WriteResponse(&buf, want); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	got, err := ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if got.OK || got.ErrorKind != KindConflict || got.Error != want.Error {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"stdout chunk", Frame{Type: StreamStdout, Payload: []byte("hello\n")}},
		{"stderr chunk", Frame{Type: StreamStderr, Payload: []byte("oops\n")}},
		{"end marker without payload", Frame{Type: StreamEnd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.frame); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Type != tt.frame.Type {
				t.Errorf("type = %d, want %d", got.Type, tt.frame.Type)
			}
			if string(got.Payload) != string(tt.frame.Payload) {
				t.Errorf("payload = %q, want %q", got.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestWriteEnd(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEnd(&buf); err != nil {
		t.Fatalf("WriteEnd: %v", err)
	}
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Type != StreamEnd || len(f.Payload) != 0 {
		t.Errorf("end frame = {%d %q}", f.Type, f.Payload)
	}
}

func TestReadRejectsOversizedMessage(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(maxMessage+1))

	if _, err := ReadRequest(&buf); err == nil {
		t.Fatal("oversized message accepted")
	}
}

func TestReadTruncatedMessage(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(100))
	buf.WriteString("short")

	if _, err := ReadResponse(&buf); err == nil {
		t.Fatal("truncated message accepted")
	}
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Type: StreamStdout, Payload: []byte("line 1\n")},
		{Type: StreamStderr, Payload: []byte("line 2\n")},
		{Type: StreamEnd},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for i, want := range frames {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if got.Type != want.Type || string(got.Payload) != string(want.Payload) {
			t.Errorf("frame %d = {%d %q}, want {%d %q}", i, got.Type, got.Payload, want.Type, want.Payload)
		}
	}
}
