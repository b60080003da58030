// Package docker implements session.Runtime by running each session's
// agent CLI inside its own container instead of as a direct host child
// process — the "container" half of the Workspace.runtime enum spec §4.6
// describes (the "host" half is internal/session/stdio). It speaks the
// same pi-events.json line protocol over a demultiplexed container attach
// stream that internal/session/stdio speaks over a plain stdout pipe.
package docker

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/duh17/oppi-sub004/internal/common/config"
	"github.com/duh17/oppi-sub004/internal/common/logger"
	"github.com/duh17/oppi-sub004/internal/session"
	"github.com/duh17/oppi-sub004/internal/session/stdio"
)

// Runtime execs one container per spawned session and implements
// session.Runtime.
type Runtime struct {
	cli     *client.Client
	cfg     config.DockerConfig
	resolve stdio.CommandResolver
	log     *logger.Logger
}

// New builds a Runtime from the Docker daemon cfg points at. A nil
// resolver falls back to stdio.DefaultCommandResolver, the same provider
// table the host runtime uses — the agent CLI invocation is identical
// between runtime shapes, only how it's launched differs.
func New(cfg config.DockerConfig, resolve stdio.CommandResolver, log *logger.Logger) (*Runtime, error) {
	if resolve == nil {
		resolve = stdio.DefaultCommandResolver
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker: new client: %w", err)
	}

	return &Runtime{
		cli:     cli,
		cfg:     cfg,
		resolve: resolve,
		log:     log.WithFields(zap.String("component", "docker-runtime")),
	}, nil
}

var _ session.Runtime = (*Runtime)(nil)

// Start creates, starts, and attaches to a fresh container for spec,
// binding spec.WorkspacePath read-write at /workspace and running the
// resolved agent command as the container's command (Cmd).
func (r *Runtime) Start(ctx context.Context, spec session.SpawnSpec) (session.Process, error) {
	name, args, err := r.resolve(spec.Provider, spec.Model, spec.Credential)
	if err != nil {
		return nil, err
	}

	env := make([]string, 0, len(spec.Env)+1)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if spec.Credential != "" {
		env = append(env, "OPPI_AGENT_CREDENTIAL="+spec.Credential)
	}

	containerName := "oppi-session-" + spec.SessionID
	containerCfg := &container.Config{
		Image:        r.cfg.Image,
		Cmd:          append([]string{name}, args...),
		Env:          env,
		WorkingDir:   "/workspace",
		Labels:       map[string]string{"oppi.workspace": spec.WorkspaceID, "oppi.session": spec.SessionID},
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspacePath,
			Target: "/workspace",
		}},
		NetworkMode: container.NetworkMode(r.cfg.DefaultNetwork),
		AutoRemove:  false,
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("docker: create container: %w", err)
	}

	attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker: attach container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		return nil, fmt.Errorf("docker: start container: %w", err)
	}

	p := &process{
		cli:         r.cli,
		containerID: resp.ID,
		attach:      attach,
		events:      make(chan session.RawEvent, 64),
		log:         r.log,
	}
	go p.pump()
	return p, nil
}

// process adapts one running container to session.Process.
type process struct {
	cli         *client.Client
	containerID string
	attach      types.HijackedResponse
	events      chan session.RawEvent
	log         *logger.Logger

	mu      sync.Mutex
	stdinMu sync.Mutex
}

func (p *process) Write(ctx context.Context, data []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	_, err := p.attach.Conn.Write(line)
	return err
}

func (p *process) Events() <-chan session.RawEvent {
	return p.events
}

// Signal uses the same control-line convention as internal/session/stdio
// (spec §4.3's graceful-abort path expects an agent_end acknowledgement,
// not the container being killed outright).
func (p *process) Signal(ctx context.Context, kind string) error {
	line, err := json.Marshal(map[string]string{"type": "control", "action": kind})
	if err != nil {
		return err
	}
	return p.Write(ctx, line)
}

func (p *process) Kill(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attach.Close()
	timeoutSeconds := 5
	if err := p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		p.log.Sugar().Warnw("docker: stop container", "containerId", p.containerID, "error", err)
	}
	return p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

// pump demultiplexes Docker's framed attach stream (an 8-byte header per
// frame: stream type + big-endian size) into a plain byte stream, then
// scans it line by line exactly like internal/session/stdio's pump.
func (p *process) pump() {
	defer close(p.events)
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		demultiplex(p.attach.Reader, pw)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw, err := stdio.DecodeWireEvent(line)
		if err != nil {
			p.log.Sugar().Warnw("docker: malformed agent event line", "error", err, "line", string(line))
			continue
		}
		p.events <- raw
	}
}

// demultiplex strips Docker's per-frame stream-type/size header, writing
// stdout (1) and stderr (2) frames straight through to w (stderr is kept
// in-band rather than routed to a separate logger, since a crashing agent
// CLI's diagnostics belong in the same event stream a human will inspect).
func demultiplex(r io.Reader, w io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return
		}
		if header[0] == 1 || header[0] == 2 {
			if _, err := w.Write(data); err != nil {
				return
			}
		}
	}
}
