// Package containerrt is the Container Runtime Adapter (C1): it provisions
// a long-running container per build, execs the project's declared phases
// inside it one at a time, and tears it down afterwards. every Docker SDK
// call in the tree lives here; no other package imports
// github.com/docker/docker directly, the same isolation the teacher's
// docker package enforces for its deploy/serve containers.
package containerrt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dockerSDKclient "github.com/docker/docker/client"
)

// Runtime wraps the Docker SDK client with a logger, mirroring the
// teacher's DockerClient. it is safe to share across goroutines — the SDK
// client handles its own concurrency — so the Worker Pool hands every
// worker goroutine the same *Runtime.
type Runtime struct {
	sdk    *dockerSDKclient.Client
	logger *slog.Logger
}

// NewRuntime connects to the engine socket at socketPath (falling back to
// $DOCKER_HOST / the default Unix socket when socketPath is empty, exactly
// as the teacher's client.FromEnv does) and pings it before returning, so a
// misconfigured or unreachable daemon fails the Worker Pool's startup
// instead of its first build.
func NewRuntime(socketPath string, logger *slog.Logger) (*Runtime, error) {
	opts := []dockerSDKclient.Opt{
		dockerSDKclient.FromEnv,
		dockerSDKclient.WithAPIVersionNegotiation(),
	}
	if socketPath != "" {
		opts = append(opts, dockerSDKclient.WithHost("unix://"+socketPath))
	}

	sdkClient, err := dockerSDKclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("containerrt: create docker client: %w", err)
	}

	rt := &Runtime{sdk: sdkClient, logger: logger}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rt.sdk.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("containerrt: engine unreachable at %q: %w", socketPath, err)
	}

	logger.Info("container runtime connected", "host", sdkClient.DaemonHost())
	return rt, nil
}

// Close releases the underlying SDK client connection.
func (r *Runtime) Close() error {
	return r.sdk.Close()
}

// Handle identifies one provisioned container and carries the information
// Exec needs to translate host workdir paths into container paths (§4.1
// path rule).
type Handle struct {
	ID                string
	Name              string
	hostWorkspaceRoot string
}
