package session

import (
	"context"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/docker"
)

// DockerRuntime adapts *docker.Client to the Runtime interface. The
// session manager depends only on Runtime so it never imports the docker
// package directly; this is the one file that bridges the two.
type DockerRuntime struct {
	client *docker.Client
}

func NewDockerRuntime(c *docker.Client) *DockerRuntime {
	return &DockerRuntime{client: c}
}

func (d *DockerRuntime) EnsureImage(ctx context.Context, image string) error {
	return d.client.EnsureImage(ctx, image)
}

func (d *DockerRuntime) Create(ctx context.Context, opts RuntimeCreateOpts) (string, error) {
	return d.client.Create(ctx, docker.CreateOpts{
		SessionID: opts.SessionID,
		Image:     opts.Image,
		Limits:    opts.Limits,
		SocksPort: opts.SocksPort,
	})
}

func (d *DockerRuntime) Start(ctx context.Context, containerRef string) error {
	return d.client.Start(ctx, containerRef)
}

func (d *DockerRuntime) ExecPTY(ctx context.Context, containerRef string, argv []string, cols, rows uint) (PTYHandle, error) {
	return d.client.ExecPTY(ctx, containerRef, argv, cols, rows)
}

func (d *DockerRuntime) Stop(ctx context.Context, containerRef string, grace time.Duration) error {
	return d.client.Stop(ctx, containerRef, grace)
}

func (d *DockerRuntime) Remove(ctx context.Context, containerRef string, force bool) error {
	return d.client.Remove(ctx, containerRef, force)
}

func (d *DockerRuntime) IsRunning(ctx context.Context, containerRef string) (bool, error) {
	return d.client.IsRunning(ctx, containerRef)
}
