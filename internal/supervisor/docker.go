package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/toolbridge/backend/internal/config"
)

const containerWorkRoot = "/work"

// DockerLauncher runs the producer and executor as two local containers
// sharing the workspace bind mount.
type DockerLauncher struct {
	cli *client.Client
	cfg *config.Config
	log *logrus.Entry

	mu       sync.Mutex
	monitors map[string]context.CancelFunc // producer container id -> monitor cancel
}

// NewDockerLauncher connects to the local Docker daemon.
func NewDockerLauncher(cfg *config.Config) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("supervisor: docker client: %w", err)
	}
	return &DockerLauncher{
		cli:      cli,
		cfg:      cfg,
		monitors: make(map[string]context.CancelFunc),
		log:      logrus.WithField("component", "supervisor.docker"),
	}, nil
}

func (d *DockerLauncher) Mode() string { return "local" }

func (d *DockerLauncher) startContainer(ctx context.Context, image, name string,
	env []string, hostDir string) (string, error) {

	hostConfig := &container.HostConfig{
		Binds:       []string{hostDir + ":" + containerWorkRoot},
		NetworkMode: "bridge",
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   1024 * 1024 * 1024,
		},
	}
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   env,
		Tty:   false,
	}, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("supervisor: create %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("supervisor: start %s: %w", name, err)
	}
	return resp.ID, nil
}

// Launch starts the executor first (it must be listening before the producer
// pumps), then the producer, and installs an exit monitor: when either peer
// exits on its own the other is stopped and onExit fires.
func (d *DockerLauncher) Launch(ctx context.Context, spec LaunchSpec, onExit func()) (map[string]interface{}, error) {
	env := peerEnv(d.cfg, spec, "executor")
	env = append(env, "WORK_ROOT_BASE="+containerWorkRoot)
	execID, err := d.startContainer(ctx, d.cfg.CloudRun.ExecutorImage,
		"tb-executor-"+spec.ConsumerID[:8], env, spec.WorkspaceHostDir)
	if err != nil {
		return nil, err
	}

	prodID, err := d.startContainer(ctx, d.cfg.CloudRun.ProducerImage,
		"tb-producer-"+spec.ConsumerID[:8], peerEnv(d.cfg, spec, "producer"), spec.WorkspaceHostDir)
	if err != nil {
		d.stopOne(context.Background(), execID)
		return nil, err
	}

	monCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.monitors[prodID] = cancel
	d.mu.Unlock()
	go d.monitor(monCtx, prodID, execID, onExit)

	return map[string]interface{}{
		"mode":              "local",
		"producerContainer": prodID,
		"executorContainer": execID,
	}, nil
}

// monitor waits on both containers; whichever exits first cascades a stop of
// its peer. A Stop call cancels the monitor so a deliberate teardown does
// not double-fire onExit.
func (d *DockerLauncher) monitor(ctx context.Context, prodID, execID string, onExit func()) {
	prodCh, prodErr := d.cli.ContainerWait(ctx, prodID, container.WaitConditionNotRunning)
	execCh, execErr := d.cli.ContainerWait(ctx, execID, container.WaitConditionNotRunning)

	var exited, peer string
	select {
	case <-ctx.Done():
		return
	case st := <-prodCh:
		exited, peer = prodID, execID
		d.log.WithField("status", st.StatusCode).Info("producer exited")
	case err := <-prodErr:
		exited, peer = prodID, execID
		d.log.WithError(err).Warn("producer wait failed")
	case st := <-execCh:
		exited, peer = execID, prodID
		d.log.WithField("status", st.StatusCode).Info("executor exited")
	case err := <-execErr:
		exited, peer = execID, prodID
		d.log.WithError(err).Warn("executor wait failed")
	}

	d.stopOne(context.Background(), peer)
	d.stopOne(context.Background(), exited) // remove, already stopped

	d.mu.Lock()
	delete(d.monitors, prodID)
	d.mu.Unlock()

	if onExit != nil {
		onExit()
	}
}

func (d *DockerLauncher) stopOne(ctx context.Context, id string) {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		d.log.WithError(err).WithField("container", id).Debug("container stop")
	}
	if err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		d.log.WithError(err).WithField("container", id).Debug("container remove")
	}
}

// Stop cancels the exit monitor and tears down producer first, executor
// second, so no new requests are pumped into a dying executor.
func (d *DockerLauncher) Stop(ctx context.Context, runtime map[string]interface{}) error {
	prodID, _ := runtime["producerContainer"].(string)
	execID, _ := runtime["executorContainer"].(string)

	if prodID != "" {
		d.mu.Lock()
		if cancel, ok := d.monitors[prodID]; ok {
			cancel()
			delete(d.monitors, prodID)
		}
		d.mu.Unlock()
		d.stopOne(ctx, prodID)
	}
	if execID != "" {
		d.stopOne(ctx, execID)
	}
	return nil
}
