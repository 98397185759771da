// Package docker is the container runtime: it wraps the Docker
// Engine SDK with exactly the capability surface the session manager and
// bridge need: pull, create, start, exec-with-PTY, resize, signal,
// stop, remove, and nothing else.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	units "github.com/docker/go-units"

	"github.com/sandkasten-oss/termbroker/internal/config"
)

const labelPrefix = "termbroker."

// Sentinel errors surfaced to the session manager.
var (
	ErrImageUnavailable   = errors.New("image unavailable")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
)

// Security defaults applied to every session container.
var (
	allowedCapabilities = []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETUID", "SETGID"}
	sessionEnv          = []string{
		"TERM=xterm-256color",
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
		"DEBIAN_FRONTEND=noninteractive",
	}
)

type Client struct {
	docker *client.Client
}

// New dials the Docker daemon. An empty host honors DOCKER_HOST / the
// platform default socket via client.FromEnv.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// EnsureImage pulls image if it is not already present locally.
func (c *Client) EnsureImage(ctx context.Context, imageRef string) error {
	if _, _, err := c.docker.ImageInspectWithRaw(ctx, imageRef); err == nil {
		return nil
	}

	reader, err := c.docker.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, imageRef, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, imageRef, err)
	}
	return nil
}

// CreateOpts carries the per-session parameters for Create.
type CreateOpts struct {
	SessionID string
	Image     string
	Limits    config.ResourceLimits
	// SocksPort, when non-zero, routes the container's outbound traffic
	// through the egress supervisor's local SOCKS5 listener.
	SocksPort int
}

// Create provisions (but does not start) a session container with the
// standard security defaults and the session's resource limits.
func (c *Client) Create(ctx context.Context, opts CreateOpts) (string, error) {
	labels := map[string]string{
		labelPrefix + "session_id": opts.SessionID,
		labelPrefix + "managed":    "true",
	}

	resources := container.Resources{
		NanoCPUs:  opts.Limits.CPUShares * 1_000_000, // shares treated as milli-cpus
		Memory:    opts.Limits.MemoryMB * 1024 * 1024,
		PidsLimit: int64Ptr(opts.Limits.PidsMax),
	}

	env := append([]string(nil), sessionEnv...)
	if opts.SocksPort != 0 {
		proxyURL := fmt.Sprintf("socks5://127.0.0.1:%d", opts.SocksPort)
		env = append(env, "ALL_PROXY="+proxyURL, "all_proxy="+proxyURL)
	}

	hostCfg := &container.HostConfig{
		Resources:      resources,
		AutoRemove:     false,
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		CapAdd:         allowedCapabilities,
		NetworkMode:    "bridge",
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 256 * units.MiB,
				},
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/run",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 16 * units.MiB,
				},
			},
		},
	}

	containerCfg := &container.Config{
		Image:  opts.Image,
		Labels: labels,
		Env:    env,
		Tty:    false,
		Cmd:    []string{"/bin/sh", "-c", "sleep infinity"},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "termbroker-"+opts.SessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	return resp.ID, nil
}

func (c *Client) Start(ctx context.Context, containerRef string) error {
	if err := c.docker.ContainerStart(ctx, containerRef, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// Pty is the handle Client.ExecPTY returns: a hijacked exec connection backed
// by an in-container TTY. Reads return as soon as bytes are available;
// writes are forwarded verbatim on the attach connection. Resize is a
// separate exec-resize API call, not a write on that connection, so it is
// ordered only with respect to writes issued earlier from the same goroutine.
type Pty struct {
	docker *client.Client
	execID string
	conn   *dockerHijack
}

// dockerHijack narrows types.HijackedResponse to what Pty needs, so it can
// be faked in tests without a real Docker connection.
type dockerHijack struct {
	Reader io.Reader
	Conn   io.Writer
	Closer io.Closer
}

func (p *Pty) Read(b []byte) (int, error) {
	return p.conn.Reader.Read(b)
}

func (p *Pty) Write(b []byte) (int, error) {
	return p.conn.Conn.Write(b)
}

func (p *Pty) Close() error {
	return p.conn.Closer.Close()
}

// Resize asynchronously resizes the PTY. Callers that need to preserve
// write ordering should invoke Resize on the same goroutine pumping writes,
// since the underlying exec id serializes the two docker API calls.
func (p *Pty) Resize(ctx context.Context, cols, rows uint) error {
	return p.docker.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
}

// ttySignalBytes maps a signal name to the control byte a line-disciplined
// PTY translates into that signal for its foreground process group. The
// Docker exec API has no per-exec kill call (ContainerKill only targets
// PID 1 of the container), so signaling the shell attached to this PTY
// goes through the TTY's own line discipline instead.
var ttySignalBytes = map[string]byte{
	"SIGINT":  0x03, // Ctrl-C
	"SIGQUIT": 0x1c, // Ctrl-\
	"SIGTSTP": 0x1a, // Ctrl-Z
	"SIGEOF":  0x04, // Ctrl-D
}

// Signal delivers a signal to the PTY's foreground process group via the
// corresponding control character.
func (p *Pty) Signal(name string) error {
	b, ok := ttySignalBytes[name]
	if !ok {
		return fmt.Errorf("unsupported signal: %s", name)
	}
	_, err := p.Write([]byte{b})
	return err
}

// ExecPTY execs argv inside the container with an attached TTY sized to
// initialCols x initialRows.
func (c *Client) ExecPTY(ctx context.Context, containerRef string, argv []string, initialCols, initialRows uint) (*Pty, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{initialRows, initialCols},
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, containerRef, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	pty := &Pty{
		docker: c.docker,
		execID: execResp.ID,
		conn: &dockerHijack{
			Reader: attachResp.Reader,
			Conn:   attachResp.Conn,
			Closer: attachResp.Conn,
		},
	}

	// A TTY exec's attach stream carries raw PTY bytes; Docker only
	// multiplexes stdout/stderr with stdcopy headers on a non-TTY attach.
	if err := pty.Resize(ctx, initialCols, initialRows); err != nil {
		// Non-fatal: the exec already started at the ConsoleSize above.
		_ = err
	}

	return pty, nil
}

// Stop sends SIGTERM, waits grace, then SIGKILL.
func (c *Client) Stop(ctx context.Context, containerRef string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := c.docker.ContainerStop(ctx, containerRef, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, containerRef string, force bool) error {
	err := c.docker.ContainerRemove(ctx, containerRef, container.RemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// IsRunning reports whether containerRef is currently running; a
// not-found container is reported as not running, not an error, since
// that's exactly what crash-recovery reconciliation needs to distinguish.
func (c *Client) IsRunning(ctx context.Context, containerRef string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State.Running, nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
