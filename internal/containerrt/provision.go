package containerrt

import (
	"context"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
)

// CacheMount pairs a host directory with the container sub-path under
// /workspace it should appear at, e.g. a package-manager cache or a module
// cache, so repeated builds of the same project warm-start.
type CacheMount struct {
	HostPath      string
	ContainerPath string
}

// ProvisionConfig is everything Provision needs to start a build's
// container, grouped the way the teacher groups its container configs so
// the function signature stays stable as options grow.
type ProvisionConfig struct {
	// Image is the build image (project override or build.default_image).
	Image string

	// Name is the Docker container name, conventionally "build-<build-id>".
	Name string

	// HostWorkspaceRoot is the Materialised working tree on the host,
	// bind-mounted read-write at /workspace.
	HostWorkspaceRoot string

	// Caches are additional bind mounts under /workspace (package cache,
	// module cache, ...). at least two are expected per §4.1, but this
	// package does not itself enforce a minimum.
	Caches []CacheMount

	// Env is passed to the container as KEY=VALUE strings.
	Env []string

	// AllowHostEngine bind-mounts the host's container-engine socket
	// read-write into the container for Docker-in-Docker builds; the
	// Executor sets it when Project.RequireDockerSocket or the build
	// profile's docker_in_docker flag is true.
	AllowHostEngine bool
	HostEnginePath  string

	// Network is the Docker network the build container joins. empty
	// leaves Docker's default bridge network in place.
	Network string
}

// Provision starts a container bound to a long-running no-op process ("tail
// -f /dev/null") so that Exec has a stable target to attach to, repeatedly,
// for each declared phase. this differs from the teacher's build containers,
// which run the build command as the container's own Cmd and exit when it's
// done — here the container outlives any single phase, so multiple phases
// can share its filesystem state (e.g. a populated node_modules) without
// reprovisioning between them.
func (r *Runtime) Provision(ctx context.Context, cfg ProvisionConfig) (*Handle, error) {
	if err := r.pullImageIfNotPresent(ctx, cfg.Image); err != nil {
		return nil, fmt.Errorf("containerrt: pull %q: %w", cfg.Image, err)
	}

	containerConfig := &container.Config{
		Image: cfg.Image,
		Cmd:   []string{"tail", "-f", "/dev/null"},
		Env:   cfg.Env,
	}

	mounts := make([]mount.Mount, 0, len(cfg.Caches)+2)
	mounts = append(mounts, mount.Mount{
		Type:     mount.TypeBind,
		Source:   cfg.HostWorkspaceRoot,
		Target:   "/workspace",
		ReadOnly: false,
	})
	for _, c := range cfg.Caches {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   c.HostPath,
			Target:   c.ContainerPath,
			ReadOnly: false,
		})
	}
	if cfg.AllowHostEngine && cfg.HostEnginePath != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   cfg.HostEnginePath,
			Target:   "/var/run/docker.sock",
			ReadOnly: false,
		})
	}

	hostConfig := &container.HostConfig{Mounts: mounts}
	if cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(cfg.Network)
	}

	resp, err := r.sdk.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("containerrt: create container %q: %w", cfg.Name, err)
	}

	if err := r.sdk.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.sdk.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("containerrt: start container %q: %w", cfg.Name, err)
	}

	r.logger.Info("build container provisioned",
		"container_id", resp.ID[:12],
		"container_name", cfg.Name,
		"image", cfg.Image,
	)

	return &Handle{ID: resp.ID, Name: cfg.Name, hostWorkspaceRoot: cfg.HostWorkspaceRoot}, nil
}

// Stop sends SIGTERM (then SIGKILL after a 10s grace window, Docker's
// default) to the container. it is idempotent: stopping an already-stopped
// or already-gone container is not an error.
func (r *Runtime) Stop(ctx context.Context, h *Handle) error {
	timeout := 10
	err := r.sdk.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("containerrt: stop %q: %w", h.Name, err)
	}
	return nil
}

// Remove force-removes the container. idempotent for the same reason Stop
// is: a missing container already satisfies the desired end state.
func (r *Runtime) Remove(ctx context.Context, h *Handle) error {
	err := r.sdk.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("containerrt: remove %q: %w", h.Name, err)
	}
	return nil
}

// Which probes whether cmd is available on the container's PATH by
// exec'ing "command -v <cmd>" and checking for a zero exit code.
func (r *Runtime) Which(ctx context.Context, h *Handle, cmd string) (bool, error) {
	exitCode, err := r.Exec(ctx, h, ExecOptions{
		Cmd:  []string{"sh", "-c", "command -v " + cmd},
		Lines: func(Line) {},
	})
	if err != nil {
		return false, err
	}
	return exitCode == 0, nil
}

func (r *Runtime) pullImageIfNotPresent(ctx context.Context, imageName string) error {
	r.logger.Info("pulling build image", "image", imageName)

	stream, err := r.sdk.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("initiate pull for %q: %w", imageName, err)
	}
	defer stream.Close()

	if _, err := io.Copy(io.Discard, stream); err != nil {
		return fmt.Errorf("drain pull stream for %q: %w", imageName, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}
