package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"golang.org/x/sync/semaphore"
)

// tmpPrefix is the name prefix used for in-container temp files during
// atomic writes. ListFiles skips entries carrying it.
const tmpPrefix = ".devbay-tmp."

// Docker implements Engine against a Docker daemon via the official SDK.
// Every public method passes through a weighted semaphore so at most
// maxCalls blocking daemon calls are in flight at once.
type Docker struct {
	cli    *client.Client
	gate   *semaphore.Weighted
	logger *log.Logger
}

// NewDocker connects to the daemon using the environment's settings
// (DOCKER_HOST etc.) with API version negotiation.
func NewDocker(maxCalls int64, logger *log.Logger) (*Docker, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmsgprefix)
	}
	if maxCalls <= 0 {
		maxCalls = 8
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Docker{
		cli:    cli,
		gate:   semaphore.NewWeighted(maxCalls),
		logger: logger,
	}, nil
}

// Ping verifies daemon connectivity.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

func (d *Docker) acquire(ctx context.Context) (func(), error) {
	if err := d.gate.Acquire(ctx, 1); err != nil {
		return nil, &EngineError{Op: "acquire", Err: err}
	}
	return func() { d.gate.Release(1) }, nil
}

// wrapErr maps SDK errors into the devbay taxonomy, tagging daemon
// not-found responses so callers can detect a vanished container.
func wrapErr(op, id string, err error) error {
	if errdefs.IsNotFound(err) {
		err = fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return &EngineError{Op: op, ID: id, Err: err}
}

// BuildImage tars the build context and runs a daemon-side build, scanning
// the progress stream for the error record the daemon emits on failure.
func (d *Docker) BuildImage(ctx context.Context, spec BuildSpec) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	buildCtx, err := tarDirectory(spec.ContextDir)
	if err != nil {
		return &BuildError{Tag: spec.Tag, Err: fmt.Errorf("tar build context: %w", err)}
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: spec.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return &BuildError{Tag: spec.Tag, Err: err}
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return &BuildError{Tag: spec.Tag, Err: fmt.Errorf("read build output: %w", err)}
		}
		if msg.Error != nil {
			return &BuildError{Tag: spec.Tag, Detail: msg.Error.Message, Err: msg.Error}
		}
	}

	d.logger.Printf("built image %s from %s", spec.Tag, spec.ContextDir)
	return nil
}

// CreateContainer creates and starts a container from spec. A container
// that fails to start is removed so no half-created state lingers.
func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	exposed, bindings, err := portMappings(spec.Ports)
	if err != nil {
		return "", &EngineError{Op: "create", Err: err}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envSlice(spec.Env),
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        volumeBinds(spec.Volumes),
		AutoRemove:   spec.AutoRemove,
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", wrapErr("create", "", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return "", wrapErr("start", resp.ID, err)
	}

	d.logger.Printf("started container %s (image=%s)", resp.ID[:12], spec.Image)
	return resp.ID, nil
}

func (d *Docker) StopContainer(ctx context.Context, id string) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return wrapErr("stop", id, err)
	}
	return nil
}

func (d *Docker) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return ContainerState{}, err
	}
	defer release()

	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, wrapErr("inspect", id, err)
	}

	state := ContainerState{ID: inspect.ID}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.Status = inspect.State.Status
		state.ExitCode = inspect.State.ExitCode
	}
	return state, nil
}

// Exec runs cmd inside the container with output demultiplexing enabled.
// stdout and stderr land in independent buffers; whatever was captured is
// returned even when the stream errors midway.
func (d *Docker) Exec(ctx context.Context, id string, cmd []string, workdir string) (ExecResult, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return ExecResult{}, err
	}
	defer release()

	return d.exec(ctx, id, cmd, workdir)
}

// exec is the unlocked body of Exec; callers hold a gate slot.
func (d *Docker) exec(ctx context.Context, id string, cmd []string, workdir string) (ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, wrapErr("exec create", id, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, wrapErr("exec attach", id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return result, wrapErr("exec inspect", id, err)
	}
	result.ExitCode = inspect.ExitCode

	if copyErr != nil && copyErr != io.EOF {
		return result, wrapErr("exec stream", id, copyErr)
	}
	return result, nil
}

// Stats takes one non-streaming snapshot. Network counters are summed over
// every interface in the snapshot; a snapshot with no interfaces yields
// zero rx/tx rather than an error.
func (d *Docker) Stats(ctx context.Context, id string) (UsageStats, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return UsageStats{}, err
	}
	defer release()

	resp, err := d.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return UsageStats{}, wrapErr("stats", id, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return UsageStats{}, wrapErr("stats decode", id, err)
	}
	return usageFromStats(&stats), nil
}

func usageFromStats(stats *container.StatsResponse) UsageStats {
	usage := UsageStats{
		CPUUsageTotal:    stats.CPUStats.CPUUsage.TotalUsage,
		MemoryUsageBytes: stats.MemoryStats.Usage,
	}
	for _, iface := range stats.Networks {
		usage.NetworkRxBytes += iface.RxBytes
		usage.NetworkTxBytes += iface.TxBytes
	}
	return usage
}

// chunkWriter adapts stdcopy's per-stream writer into tagged chunks on a
// shared channel. StdCopy processes frames sequentially, so channel order
// is the engine's emission order.
type chunkWriter struct {
	ch     chan<- LogChunk
	source byte
}

func (w chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	w.ch <- LogChunk{Source: w.source, Data: data}
	return len(p), nil
}

// StreamLogs follows the container's combined output stream. The returned
// channel is closed when the stream ends or ctx is cancelled.
func (d *Docker) StreamLogs(ctx context.Context, id string) (<-chan LogChunk, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}

	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	release()
	if err != nil {
		return nil, wrapErr("logs", id, err)
	}

	ch := make(chan LogChunk, 64)
	go func() {
		<-ctx.Done()
		rc.Close()
	}()
	go func() {
		defer close(ch)
		if _, err := stdcopy.StdCopy(chunkWriter{ch, SourceStdout}, chunkWriter{ch, SourceStderr}, rc); err != nil && ctx.Err() == nil {
			d.logger.Printf("log stream for %s ended: %v", id[:12], err)
		}
	}()
	return ch, nil
}

// ListFiles walks a container directory by reading the tar stream the
// engine produces for it, returning size+mtime per regular file. One
// daemon call per scan regardless of file count.
func (d *Docker) ListFiles(ctx context.Context, id, dir string) ([]FileInfo, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rc, _, err := d.cli.CopyFromContainer(ctx, id, dir)
	if err != nil {
		return nil, wrapErr("list files", id, err)
	}
	defer rc.Close()

	base := path.Base(path.Clean(dir))
	var files []FileInfo
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapErr("list files", id, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := strings.TrimPrefix(path.Clean(hdr.Name), base+"/")
		if rel == "" || rel == base || strings.HasPrefix(path.Base(rel), tmpPrefix) {
			continue
		}
		files = append(files, FileInfo{Path: rel, Size: hdr.Size, ModTime: hdr.ModTime})
	}
	return files, nil
}

func (d *Docker) ReadFile(ctx context.Context, id, p string) ([]byte, time.Time, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer release()

	rc, _, err := d.cli.CopyFromContainer(ctx, id, p)
	if err != nil {
		return nil, time.Time{}, wrapErr("read file", id, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, time.Time{}, wrapErr("read file", id, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, time.Time{}, wrapErr("read file", id, err)
		}
		return data, hdr.ModTime, nil
	}
	return nil, time.Time{}, wrapErr("read file", id, fmt.Errorf("%s: not a regular file", p))
}

// WriteFile uploads data under a temp name in the destination directory and
// renames it into place, so a crash mid-upload never exposes a partial file
// to the process inside the container.
func (d *Docker) WriteFile(ctx context.Context, id, p string, data []byte, modTime time.Time) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	dir := path.Dir(p)
	tmpName := tmpPrefix + path.Base(p)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    tmpName,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return wrapErr("write file", id, err)
	}
	if _, err := tw.Write(data); err != nil {
		return wrapErr("write file", id, err)
	}
	if err := tw.Close(); err != nil {
		return wrapErr("write file", id, err)
	}

	if err := d.cli.CopyToContainer(ctx, id, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return wrapErr("write file", id, err)
	}

	// mv preserves the tar-applied mtime, which fingerprinting relies on.
	res, err := d.exec(ctx, id, []string{"mv", "-f", path.Join(dir, tmpName), p}, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return wrapErr("write file", id, fmt.Errorf("rename %s: %s", p, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (d *Docker) RemoveFile(ctx context.Context, id, p string) error {
	release, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	res, err := d.exec(ctx, id, []string{"rm", "-f", p}, "")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return wrapErr("remove file", id, fmt.Errorf("rm %s: %s", p, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

// tarDirectory packs dir into an in-memory tar stream for an image build.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(p string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// portMappings converts declared host->container port pairs into the
// SDK's exposed port set and binding map. Ports default to TCP unless the
// container port carries an explicit "/proto" suffix.
func portMappings(ports map[string]string) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for hostPort, containerPort := range ports {
		if !strings.Contains(containerPort, "/") {
			containerPort += "/tcp"
		}
		port, err := nat.NewPort(nat.SplitProtoPort(containerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostPort: hostPort})
	}
	return exposed, bindings, nil
}

// volumeBinds renders host->container volume pairs as bind strings.
func volumeBinds(volumes map[string]string) []string {
	if len(volumes) == 0 {
		return nil
	}
	binds := make([]string, 0, len(volumes))
	for host, cont := range volumes {
		binds = append(binds, host+":"+cont)
	}
	sort.Strings(binds)
	return binds
}

// envSlice renders an env map as KEY=VALUE entries, sorted for stable
// container specs.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	entries := make([]string, 0, len(env))
	for k, v := range env {
		entries = append(entries, k+"="+v)
	}
	sort.Strings(entries)
	return entries
}
