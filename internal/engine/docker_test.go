package engine

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/docker/docker/api/types/container"
)

func TestUsageFromStats(t *testing.T) {
	tests := []struct {
		name  string
		stats container.StatsResponse
		want  UsageStats
	}{
		{
			name: "sums every interface",
			stats: container.StatsResponse{
				Networks: map[string]container.NetworkStats{
					"eth0": {RxBytes: 100, TxBytes: 10},
					"eth1": {RxBytes: 50, TxBytes: 5},
				},
			},
			want: UsageStats{NetworkRxBytes: 150, NetworkTxBytes: 15},
		},
		{
			name:  "no interfaces yields zeros",
			stats: container.StatsResponse{},
			want:  UsageStats{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.stats.CPUStats.CPUUsage.TotalUsage = 7
			tt.stats.MemoryStats.Usage = 1024
			tt.want.CPUUsageTotal = 7
			tt.want.MemoryUsageBytes = 1024

			got := usageFromStats(&tt.stats)
			if got != tt.want {
				t.Errorf("usageFromStats() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPortMappings(t *testing.T) {
	exposed, bindings, err := portMappings(map[string]string{
		"8080": "80",
		"9090": "9090/udp",
	})
	if err != nil {
		t.Fatalf("portMappings: %v", err)
	}

	if len(exposed) != 2 {
		t.Fatalf("exposed ports = %d, want 2", len(exposed))
	}
	if _, ok := exposed["80/tcp"]; !ok {
		t.Error("bare container port did not default to tcp")
	}
	if _, ok := exposed["9090/udp"]; !ok {
		t.Error("explicit udp port lost its protocol")
	}

	if got := bindings["80/tcp"]; len(got) != 1 || got[0].HostPort != "8080" {
		t.Errorf("80/tcp bindings = %+v, want host port 8080", got)
	}
}

func TestPortMappingsEmpty(t *testing.T) {
	exposed, bindings, err := portMappings(nil)
	if err != nil {
		t.Fatalf("portMappings(nil): %v", err)
	}
	if exposed != nil || bindings != nil {
		t.Errorf("empty input produced %v / %v, want nil / nil", exposed, bindings)
	}
}

func TestPortMappingsInvalid(t *testing.T) {
	if _, _, err := portMappings(map[string]string{"8080": "not-a-port"}); err == nil {
		t.Fatal("invalid container port accepted")
	}
}

func TestEnvSlice(t *testing.T) {
	got := envSlice(map[string]string{"B": "2", "A": "1", "C": "3"})
	want := []string{"A=1", "B=2", "C=3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("envSlice() = %v, want sorted %v", got, want)
	}
	if envSlice(nil) != nil {
		t.Error("envSlice(nil) should be nil")
	}
}

func TestVolumeBinds(t *testing.T) {
	got := volumeBinds(map[string]string{
		"/host/b": "/cont/b",
		"/host/a": "/cont/a",
	})
	want := []string{"/host/a:/cont/a", "/host/b:/cont/b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("volumeBinds() = %v, want sorted %v", got, want)
	}
}

func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0644); err != nil {
		t.Fatalf("write Dockerfile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "app.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write app.go: %v", err)
	}

	r, err := tarDirectory(dir)
	if err != nil {
		t.Fatalf("tarDirectory: %v", err)
	}

	contents := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read entry %s: %v", hdr.Name, err)
		}
		contents[hdr.Name] = string(data)
	}

	if contents["Dockerfile"] != "FROM scratch\n" {
		t.Errorf("Dockerfile entry = %q", contents["Dockerfile"])
	}
	if contents["sub/app.go"] != "package main\n" {
		t.Errorf("nested entry = %q, want slash-form relative path", contents["sub/app.go"])
	}
}

func TestErrorTaxonomy(t *testing.T) {
	notFound := &EngineError{Op: "inspect", ID: "abc", Err: fmt.Errorf("%w: gone", ErrNotFound)}
	if !IsNotFound(notFound) {
		t.Error("wrapped ErrNotFound not detected through EngineError")
	}

	plain := &EngineError{Op: "stop", ID: "abc", Err: errors.New("daemon busy")}
	if IsNotFound(plain) {
		t.Error("ordinary engine error misclassified as not-found")
	}

	build := &BuildError{Tag: "devbay-dev", Detail: "step 4/7 failed", Err: errors.New("exit status 2")}
	var asBuild *BuildError
	if !errors.As(fmt.Errorf("create: %w", build), &asBuild) {
		t.Error("BuildError lost through wrapping")
	}
	if asBuild.Detail != "step 4/7 failed" {
		t.Errorf("build detail = %q", asBuild.Detail)
	}
}
