// Package devstack spins up the local Postgres and Redis containers that
// back the catalog and job broker during development. It is never imported
// by the running pipeline itself - only by main's -dev-stack bootstrap
// path. A service is considered ready once its published port accepts a
// TCP connection, which is exactly the condition the catalog's and
// broker's own clients need to hold before they dial out.
package devstack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/hbomb79/theapipe/pkg/logger"
)

var log = logger.Get("Devstack")

// NetworkName is the bridge network every dev-stack container is attached
// to, so the pipeline can reach them by container name when it is itself
// running inside the network.
const NetworkName = "theapipe_devstack"

// readyTimeout bounds how long Spawn waits for a service's port to accept
// connections; the postgres image can take a while on first run while it
// initialises its data directory.
const readyTimeout = 90 * time.Second

// Service describes one backing container the dev stack manages.
type Service struct {
	Label        string
	Image        string
	Env          []string
	ExposedPorts nat.PortSet
	PortBindings nat.PortMap
	Mounts       []mount.Mount

	// ReadyAddr is dialled until it accepts a TCP connection, which marks
	// the service ready for the pipeline's own clients.
	ReadyAddr string

	containerID string
}

// Manager owns the docker client, the dev-stack network, and every service
// spawned through it. Shutdown stops and removes the services in reverse
// spawn order.
type Manager struct {
	cli    *client.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	services []*Service
}

// NewManager connects to the local docker daemon and ensures the dev-stack
// bridge network exists.
func NewManager() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := cli.NetworkCreate(ctx, NetworkName, types.NetworkCreate{CheckDuplicate: true, Driver: "bridge"}); err != nil {
		log.Emit(logger.DEBUG, "dev-stack network not created (usually it already exists): %v\n", err)
	}

	return &Manager{cli: cli, ctx: ctx, cancel: cancel}, nil
}

// Spawn pulls svc's image, creates and starts its container on the
// dev-stack network, and blocks until svc.ReadyAddr accepts a connection.
// Once ready, the container's exit is watched in the background: an exit
// before Shutdown is reported on errChannel as a crash.
func (m *Manager) Spawn(svc *Service, errChannel chan<- error) error {
	log.Emit(logger.INFO, "Pulling image %s for %s\n", svc.Image, svc.Label)
	pull, err := m.cli.ImagePull(m.ctx, svc.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", svc.Image, err)
	}
	m.drainPullProgress(svc.Label, pull)

	resp, err := m.cli.ContainerCreate(m.ctx,
		&container.Config{Image: svc.Image, Env: svc.Env, ExposedPorts: svc.ExposedPorts},
		&container.HostConfig{PortBindings: svc.PortBindings, Mounts: svc.Mounts},
		nil, nil, svc.Label)
	if err != nil {
		return fmt.Errorf("creating container for %s: %w", svc.Label, err)
	}
	svc.containerID = resp.ID

	if err := m.cli.NetworkConnect(m.ctx, NetworkName, resp.ID, nil); err != nil {
		log.Emit(logger.WARNING, "Failed to attach %s to the dev-stack network: %v\n", svc.Label, err)
	}

	if err := m.cli.ContainerStart(m.ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container for %s: %w", svc.Label, err)
	}

	m.mu.Lock()
	m.services = append(m.services, svc)
	m.mu.Unlock()

	if err := m.awaitReady(svc); err != nil {
		return err
	}

	go m.watchExit(svc, errChannel)

	log.Emit(logger.SUCCESS, "%s is up and accepting connections on %s\n", svc.Label, svc.ReadyAddr)
	return nil
}

// drainPullProgress consumes the image-pull event stream, surfacing pull
// errors and demoting progress chatter to the verbose/debug tiers.
func (m *Manager) drainPullProgress(label string, stream io.ReadCloser) {
	defer stream.Close()

	type pullEvent struct {
		Status   string `json:"status"`
		Progress string `json:"progress"`
		Error    string `json:"error"`
	}

	dec := json.NewDecoder(stream)
	for {
		var ev pullEvent
		if err := dec.Decode(&ev); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Emit(logger.WARNING, "%s: malformed pull event: %v\n", label, err)
			}
			return
		}

		switch {
		case ev.Error != "":
			log.Emit(logger.ERROR, "%s: %s\n", label, ev.Error)
		case ev.Progress != "":
			log.Emit(logger.VERBOSE, "%s: %s %s\n", label, ev.Status, ev.Progress)
		case ev.Status != "":
			log.Emit(logger.DEBUG, "%s: %s\n", label, ev.Status)
		}
	}
}

// awaitReady polls svc.ReadyAddr until it accepts a TCP connection or the
// deadline passes. For the postgres image this is a genuine readiness
// signal: its init phase listens only on a unix socket, so the published
// port accepting means the final server is serving.
func (m *Manager) awaitReady(svc *Service) error {
	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", svc.ReadyAddr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-m.ctx.Done():
			return m.ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("%s did not accept connections on %s within %s", svc.Label, svc.ReadyAddr, readyTimeout)
}

// watchExit reports an unexpected container exit on errChannel. Exits
// caused by Shutdown are suppressed via the manager context, which
// Shutdown cancels before it stops anything.
func (m *Manager) watchExit(svc *Service, errChannel chan<- error) {
	statusCh, errCh := m.cli.ContainerWait(m.ctx, svc.containerID, container.WaitConditionNotRunning)

	select {
	case <-m.ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			errChannel <- fmt.Errorf("watching container %s: %w", svc.Label, err)
		}
	case status := <-statusCh:
		errChannel <- fmt.Errorf("container %s exited unexpectedly with status %d", svc.Label, status.StatusCode)
	}
}

// Shutdown stops the crash watchers, then stops and removes every spawned
// container in reverse spawn order and tears down the network. timeout is
// the grace period each container gets before docker kills it.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.cancel()

	m.mu.Lock()
	services := make([]*Service, len(m.services))
	copy(services, m.services)
	m.services = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout+30*time.Second)
	defer cancel()

	stopSeconds := int(timeout.Seconds())
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		log.Emit(logger.STOP, "Stopping %s\n", svc.Label)

		if err := m.cli.ContainerStop(ctx, svc.containerID, container.StopOptions{Timeout: &stopSeconds}); err != nil {
			log.Emit(logger.WARNING, "Failed to stop %s: %v\n", svc.Label, err)
		}
		if err := m.cli.ContainerRemove(ctx, svc.containerID, container.RemoveOptions{}); err != nil {
			log.Emit(logger.WARNING, "Failed to remove %s: %v\n", svc.Label, err)
		}
	}

	if err := m.cli.NetworkRemove(ctx, NetworkName); err != nil {
		log.Emit(logger.WARNING, "Failed to remove dev-stack network: %v\n", err)
	}
}
