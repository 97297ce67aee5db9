package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/edvin/controlplane/internal/model"
)

const instancePort = 8080
const postgresPort = 5432

// DockerRuntime implements Runtime against the Docker API.
type DockerRuntime struct {
	host         string
	network      string
	externalHost string
}

// NewDockerRuntime creates a DockerRuntime talking to the given Docker host.
// externalHost is the hostname baked into external endpoints for published
// ports.
func NewDockerRuntime(host, dockerNetwork, externalHost string) *DockerRuntime {
	return &DockerRuntime{host: host, network: dockerNetwork, externalHost: externalHost}
}

func (r *DockerRuntime) newClient() (*client.Client, error) {
	return client.NewClientWithOpts(
		client.WithHost(r.host),
		client.WithAPIVersionNegotiation(),
	)
}

func instanceContainer(instanceID string) string {
	return "instance-" + instanceID
}

func dbServerContainer(name string) string {
	return "dbserver-" + name
}

// Deploy creates (or replaces) the container for an instance and starts it.
// Replacing on redeploy keeps the operation idempotent for pipeline retries.
func (r *DockerRuntime) Deploy(ctx context.Context, params DeployParams) (*Endpoints, error) {
	cli, err := r.newClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	name := instanceContainer(params.InstanceID)

	// Remove any previous attempt's container first.
	if _, err := cli.ContainerInspect(ctx, name); err == nil {
		if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("remove stale container %s: %w", name, err)
		}
	}

	reader, err := cli.ImagePull(ctx, params.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull image %s: %w", params.Image, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	cp := nat.Port(strconv.Itoa(instancePort) + "/tcp")
	cfg := &container.Config{
		Image: params.Image,
		Env: []string{
			"DATABASE_HOST=" + params.DBConn.Host,
			"DATABASE_PORT=" + strconv.Itoa(params.DBConn.Port),
			"DATABASE_NAME=" + params.DBConn.Name,
			"DATABASE_USER=" + params.DBConn.User,
			"DATABASE_PASSWORD=" + params.DBConn.Password,
		},
		ExposedPorts: nat.PortSet{cp: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{cp: []nat.PortBinding{{HostPort: ""}}},
		Resources: container.Resources{
			Memory:    params.Resources.MemoryMB * 1024 * 1024,
			CPUShares: params.Resources.CPUShares,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	var netCfg *network.NetworkingConfig
	if r.network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{r.network: {}},
		}
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	endpoints := &Endpoints{
		Internal: fmt.Sprintf("http://%s:%d", name, instancePort),
	}

	// Inspect for the published host port.
	info, err := cli.ContainerInspect(ctx, resp.ID)
	if err == nil {
		if bindings := info.NetworkSettings.Ports[cp]; len(bindings) > 0 && bindings[0].HostPort != "" {
			endpoints.External = fmt.Sprintf("http://%s:%s", r.externalHost, bindings[0].HostPort)
		}
	}

	return endpoints, nil
}

func (r *DockerRuntime) Start(ctx context.Context, instanceID string) error {
	cli, err := r.newClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerStart(ctx, instanceContainer(instanceID), container.StartOptions{})
}

func (r *DockerRuntime) Stop(ctx context.Context, instanceID string) error {
	cli, err := r.newClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerStop(ctx, instanceContainer(instanceID), container.StopOptions{})
}

func (r *DockerRuntime) Delete(ctx context.Context, instanceID string) error {
	cli, err := r.newClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	name := instanceContainer(instanceID)
	err = cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

// Status maps the container state onto one of the model.Infra* states.
func (r *DockerRuntime) Status(ctx context.Context, instanceID string) (string, error) {
	cli, err := r.newClient()
	if err != nil {
		return model.InfraUnknown, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, instanceContainer(instanceID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return model.InfraGone, nil
		}
		return model.InfraUnknown, fmt.Errorf("inspect container: %w", err)
	}

	switch info.State.Status {
	case "running":
		if info.State.Health != nil && info.State.Health.Status == "starting" {
			return model.InfraStarting, nil
		}
		return model.InfraRunning, nil
	case "restarting":
		return model.InfraRestarting, nil
	case "paused":
		return model.InfraPaused, nil
	case "created":
		return model.InfraStarting, nil
	case "exited":
		return model.InfraExited, nil
	case "dead":
		return model.InfraDead, nil
	}
	return model.InfraUnknown, nil
}

// DeployDbServer starts a new database server container for the pool.
func (r *DockerRuntime) DeployDbServer(ctx context.Context, params DbServerParams) (*DbServerEndpoint, error) {
	cli, err := r.newClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	name := dbServerContainer(params.Name)

	// Remove any previous attempt's container first.
	if _, err := cli.ContainerInspect(ctx, name); err == nil {
		if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("remove stale container %s: %w", name, err)
		}
	}

	reader, err := cli.ImagePull(ctx, params.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull image %s: %w", params.Image, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	cp := nat.Port(strconv.Itoa(postgresPort) + "/tcp")
	cfg := &container.Config{
		Image:        params.Image,
		Env:          []string{"POSTGRES_PASSWORD=" + params.AdminPassword},
		ExposedPorts: nat.PortSet{cp: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  nat.PortMap{cp: []nat.PortBinding{{HostPort: ""}}},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	var netCfg *network.NetworkingConfig
	if r.network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{r.network: {}},
		}
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create db server container %s: %w", name, err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start db server container %s: %w", name, err)
	}

	// Inside the docker network the server is reachable by container name.
	return &DbServerEndpoint{Host: name, Port: postgresPort}, nil
}

func (r *DockerRuntime) DeleteDbServer(ctx context.Context, name string) error {
	cli, err := r.newClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	err = cli.ContainerRemove(ctx, dbServerContainer(name), container.RemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}
