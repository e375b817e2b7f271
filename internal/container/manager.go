// Package container manages the Docker containers that back per-chat sandboxes.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// Container configuration.
	defaultImage    = "python:3.12-slim"
	containerUser   = "65534"
	workingDir      = "/tmp"
	datasetMount    = "/data"
	stopTimeoutSecs = 5

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 128

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// Manager defines the interface for managing sandbox containers.
type Manager interface {
	// EnsureContainer ensures a sandbox container exists and is running for a chat.
	EnsureContainer(ctx context.Context, chatID string) (string, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// IsRunning checks if a container is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)

	// Exec runs cmd in a running container and returns its exit code.
	Exec(ctx context.Context, containerID string, cmd, env []string, stdout, stderr io.Writer) (int, error)

	// DatasetPath returns where a dataset file is visible inside containers.
	DatasetPath(datasetID string) string

	// Close releases the Docker client.
	Close() error
}

// Config configures a DockerManager.
type Config struct {
	Image      string
	Runtime    string // "" = default (runc), "runsc" = gVisor
	DatasetDir string // host directory mounted read-only at /data
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger
}

// NewDockerManager creates a new Docker-backed container manager.
func NewDockerManager(cfg Config, logger *slog.Logger) (*DockerManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	logger.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return &DockerManager{cli: cli, cfg: cfg, logger: logger}, nil
}

// ContainerName returns the deterministic container name for a chat.
func ContainerName(chatID string) string {
	return "dataloop-sandbox-" + chatID
}

// EnsureContainer ensures a sandbox container exists and is running for a chat.
func (m *DockerManager) EnsureContainer(ctx context.Context, chatID string) (string, error) {
	name := ContainerName(chatID)

	inspect, err := m.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State.Running {
			return inspect.ID, nil
		}
		m.logger.Info("Restarting stopped sandbox container", "container_id", inspect.ID, "chat_id", chatID)
		if err := m.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		return inspect.ID, nil
	} else if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}

	m.logger.Info("Creating sandbox container", "chat_id", chatID, "image", m.cfg.Image)

	config := &container.Config{
		Image:      m.cfg.Image,
		User:       containerUser,
		WorkingDir: workingDir,
		Cmd:        []string{"sleep", "infinity"},
		Labels:     map[string]string{"dataloop.chat_id": chatID},
	}

	hostConfig := &container.HostConfig{
		Runtime:        m.cfg.Runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{workingDir: "rw,size=64m"},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if m.cfg.DatasetDir != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   m.cfg.DatasetDir,
			Target:   datasetMount,
			ReadOnly: true,
		}}
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent cleanup can leave the old named container briefly.
		m.logger.Warn("Container name conflict during create, retrying",
			"chat_id", chatID,
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if inspect, inspectErr := m.cli.ContainerInspect(ctx, name); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				m.logger.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			m.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	m.logger.Info("Sandbox container created and started", "container_id", resp.ID, "chat_id", chatID)
	return resp.ID, nil
}

// Exec runs cmd in containerID, demultiplexing output into stdout and stderr.
func (m *DockerManager) Exec(ctx context.Context, containerID string, cmd, env []string, stdout, stderr io.Writer) (int, error) {
	resp, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		User:         containerUser,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec in container %s: %w", containerID, err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil && !errors.Is(err, io.EOF) {
			return -1, fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		return -1, fmt.Errorf("exec %s: %w", resp.ID, ctx.Err())
	}

	inspect, err := m.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return inspect.ExitCode, nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	m.logger.Info("Stopping container", "container_id", containerID)

	_, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("Container already stopped/removed", "container_id", containerID)
		} else {
			m.logger.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			m.logger.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	m.logger.Info("Container stopped and removed", "container_id", containerID)
	return nil
}

// IsRunning checks if a container is currently running.
func (m *DockerManager) IsRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return inspect.State.Running, nil
}

// DatasetPath implements Manager.
func (m *DockerManager) DatasetPath(datasetID string) string {
	return datasetMount + "/" + datasetID
}

// Close releases the Docker client.
func (m *DockerManager) Close() error {
	return m.cli.Close()
}

func ptr[T any](v T) *T {
	return &v
}
