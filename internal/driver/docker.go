package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const headlessImage = "browserless/chrome:latest"

// DockerLauncher runs one headless browser container per session
type DockerLauncher struct {
	client *client.Client
}

// NewDockerLauncher creates a launcher backed by the local docker daemon.
func NewDockerLauncher() (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerLauncher{client: cli}, nil
}

// Launch starts a browser container and waits until its CDP endpoint answers.
func (l *DockerLauncher) Launch(ctx context.Context, sessionID string) (*Endpoint, error) {
	containerConfig := &container.Config{
		Image: headlessImage,
		Labels: map[string]string{
			"session-id": sessionID,
			"managed-by": "applyd",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: "0"},
			},
		},
	}

	resp, err := l.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		fmt.Sprintf("applyd-%s", sessionID[:8]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	port := inspect.NetworkSettings.Ports["3000/tcp"][0].HostPort

	if err := waitForBrowserReady(ctx, port); err != nil {
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &Endpoint{
		ConnectURL:  fmt.Sprintf("ws://localhost:%s", port),
		ContainerID: resp.ID,
	}, nil
}

// Stop terminates and removes the container backing the endpoint.
func (l *DockerLauncher) Stop(ctx context.Context, endpoint *Endpoint) error {
	if endpoint.ContainerID == "" {
		return nil
	}

	timeout := 10
	if err := l.client.ContainerStop(ctx, endpoint.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := l.client.ContainerRemove(ctx, endpoint.ContainerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// EnsureImage pulls the headless browser image if it is not present yet.
func (l *DockerLauncher) EnsureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == headlessImage {
				return nil
			}
		}
	}

	reader, err := l.client.ImagePull(ctx, headlessImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

// waitForBrowserReady polls the debug HTTP endpoint until the browser
// accepts connections.
func waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// Give the WebSocket listener a moment to come up.
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
