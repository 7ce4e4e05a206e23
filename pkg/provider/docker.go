package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// RegistryAuth carries credentials for a private image registry.
type RegistryAuth struct {
	Server   string
	Username string
	Password string
}

// DockerClient binds the provisioning contract to a Docker Engine. The
// container name doubles as the provider-side key, which works because
// names embed enough entropy to never collide.
type DockerClient struct {
	client *client.Client
	auth   *RegistryAuth
	labels map[string]string
}

// NewDockerClient connects to the engine at socketPath (empty means the
// environment default) and verifies the connection.
func NewDockerClient(socketPath string, auth *RegistryAuth) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	return &DockerClient{
		client: cli,
		auth:   auth,
		labels: map[string]string{"instancer.managed": "true"},
	}, nil
}

// Create pulls the image if needed, then creates and starts a container
// publishing the challenge port. It returns once the start request is
// accepted; readiness is observed through GetStatus.
func (d *DockerClient) Create(ctx context.Context, containerName, imageRef string, port int) error {
	if err := d.ensureImage(ctx, imageRef); err != nil {
		return &ProvisionError{Reason: "image unavailable", Cause: err}
	}

	exposed := nat.Port(fmt.Sprintf("%d/tcp", port))
	cfg := &container.Config{
		Image:        imageRef,
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
		Labels:       d.labels,
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}},
		},
		AutoRemove: false,
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName)
	if err != nil {
		return &ProvisionError{Reason: "create rejected", Cause: err}
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// The caller's context may already be dead (a deadline firing here
		// is the usual reason start fails), so the compensating remove gets
		// its own deadline.
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		return &ProvisionError{Reason: "start rejected", Cause: err}
	}
	return nil
}

// GetStatus maps the engine's container state onto the provisioning
// contract's four statuses.
func (d *DockerClient) GetStatus(ctx context.Context, containerName string) (Status, error) {
	info, err := d.client.ContainerInspect(ctx, containerName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StatusNotFound, nil
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}

	switch info.State.Status {
	case "running":
		return StatusReady, nil
	case "created", "restarting":
		return StatusPending, nil
	case "paused":
		return StatusReady, nil
	default: // exited, dead, removing
		return StatusFailed, nil
	}
}

// Delete force-removes the container. A missing container is success.
func (d *DockerClient) Delete(ctx context.Context, containerName string) error {
	err := d.client.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (d *DockerClient) ensureImage(ctx context.Context, imageRef string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, imageRef)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	pullOpts := image.PullOptions{}
	if d.auth != nil && strings.HasPrefix(imageRef, d.auth.Server) {
		enc, err := encodeAuth(d.auth)
		if err != nil {
			return err
		}
		pullOpts.RegistryAuth = enc
	}

	reader, err := d.client.ImagePull(ctx, imageRef, pullOpts)
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain output to wait for pull completion
	_, err = io.Copy(io.Discard, reader)
	return err
}

func encodeAuth(auth *RegistryAuth) (string, error) {
	cfg := registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.Server,
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

var _ Client = (*DockerClient)(nil)
