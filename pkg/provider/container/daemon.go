// Package container implements the Provider interface on top of containerd,
// the default backend. On Linux it talks to a local or embedded containerd
// daemon directly; on macOS it talks to one running inside a Lima VM.
package container

import (
	"context"
	"embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vm/pkg/log"
)

//go:embed binaries/*
var binaries embed.FS

const (
	// DefaultSocketPath is the default containerd socket on Linux.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	defaultConfigPath = "/etc/vm-containerd/config.toml"
)

// Daemon manages an embedded containerd process when no external daemon
// is available. useExternal short-circuits all of this and just points
// at DefaultSocketPath.
type Daemon struct {
	dataDir     string
	socketPath  string
	configPath  string
	binaryPath  string
	cmd         *exec.Cmd
	useExternal bool
	logger      zerolog.Logger
}

// NewDaemon creates a new embedded containerd manager.
func NewDaemon(dataDir string, useExternal bool) (*Daemon, error) {
	if dataDir == "" {
		dataDir = "/var/lib/vm"
	}

	return &Daemon{
		dataDir:     dataDir,
		socketPath:  DefaultSocketPath,
		configPath:  defaultConfigPath,
		useExternal: useExternal,
		logger:      log.WithComponent("containerd-daemon"),
	}, nil
}

// Start starts the embedded containerd daemon, or does nothing if an
// external one is already expected to be running.
func (d *Daemon) Start(ctx context.Context) error {
	if d.useExternal {
		d.logger.Info().Msg("using external containerd, skipping embedded start")
		return nil
	}

	if err := d.extractBinary(); err != nil {
		return fmt.Errorf("extract containerd binary: %w", err)
	}
	if err := d.writeConfig(); err != nil {
		return fmt.Errorf("write containerd config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	d.logger.Info().Str("socket", d.socketPath).Msg("starting embedded containerd")

	d.cmd = exec.CommandContext(ctx, d.binaryPath,
		"--config", d.configPath,
		"--address", d.socketPath,
		"--root", filepath.Join(d.dataDir, "containerd"),
		"--state", filepath.Join(d.dataDir, "containerd-state"),
	)
	d.cmd.Stdout = &logWriter{logger: d.logger, isError: false}
	d.cmd.Stderr = &logWriter{logger: d.logger, isError: true}

	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start containerd: %w", err)
	}

	if err := d.waitForReady(ctx, 30*time.Second); err != nil {
		_ = d.Stop()
		return fmt.Errorf("containerd did not become ready: %w", err)
	}

	d.logger.Info().Msg("embedded containerd started")
	go d.monitor(ctx)
	return nil
}

// Stop stops the embedded containerd daemon.
func (d *Daemon) Stop() error {
	if d.useExternal || d.cmd == nil || d.cmd.Process == nil {
		return nil
	}

	d.logger.Info().Msg("stopping embedded containerd")
	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		d.logger.Error().Err(err).Msg("failed to send SIGTERM")
	}

	done := make(chan error, 1)
	go func() { done <- d.cmd.Wait() }()

	select {
	case <-time.After(10 * time.Second):
		d.logger.Warn().Msg("containerd did not stop gracefully, killing")
		if err := d.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill containerd: %w", err)
		}
		<-done
	case err := <-done:
		if err != nil && err.Error() != "signal: terminated" {
			d.logger.Error().Err(err).Msg("containerd exited with error")
		}
	}

	d.logger.Info().Msg("embedded containerd stopped")
	return nil
}

// SocketPath returns the address to dial for the containerd client.
func (d *Daemon) SocketPath() string {
	if d.useExternal {
		return DefaultSocketPath
	}
	return d.socketPath
}

func (d *Daemon) extractBinary() error {
	binaryName := fmt.Sprintf("containerd-%s-%s", runtime.GOOS, runtime.GOARCH)
	embeddedPath := fmt.Sprintf("binaries/%s", binaryName)

	binDir := filepath.Join(d.dataDir, "bin")
	d.binaryPath = filepath.Join(binDir, "containerd")

	if info, err := os.Stat(d.binaryPath); err == nil {
		if time.Since(info.ModTime()) < 24*time.Hour {
			d.logger.Debug().Msg("using existing containerd binary")
			return nil
		}
	}

	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("create bin directory: %w", err)
	}

	data, err := binaries.ReadFile(embeddedPath)
	if err != nil {
		return fmt.Errorf("read embedded binary %s: %w (not bundled into this build)", embeddedPath, err)
	}
	if err := os.WriteFile(d.binaryPath, data, 0o755); err != nil {
		return fmt.Errorf("write binary: %w", err)
	}

	d.logger.Info().Str("path", d.binaryPath).Msg("extracted containerd binary")
	return nil
}

func (d *Daemon) writeConfig() error {
	configDir := filepath.Dir(d.configPath)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	config := `version = 2

[plugins]
  [plugins."io.containerd.grpc.v1.cri"]
    sandbox_image = "registry.k8s.io/pause:3.9"

    [plugins."io.containerd.grpc.v1.cri".containerd]
      snapshotter = "overlayfs"

      [plugins."io.containerd.grpc.v1.cri".containerd.runtimes]
        [plugins."io.containerd.grpc.v1.cri".containerd.runtimes.runc]
          runtime_type = "io.containerd.runc.v2"
`

	return os.WriteFile(d.configPath, []byte(config), 0o644)
}

func (d *Daemon) waitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for containerd socket")
		case <-ticker.C:
			if _, err := os.Stat(d.socketPath); err == nil {
				return nil
			}
		}
	}
}

func (d *Daemon) monitor(ctx context.Context) {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}

	err := d.cmd.Wait()

	select {
	case <-ctx.Done():
		return
	default:
	}

	if err != nil {
		d.logger.Error().Err(err).Msg("containerd process exited unexpectedly")
	} else {
		d.logger.Warn().Msg("containerd process exited unexpectedly with no error")
	}
}

type logWriter struct {
	logger  zerolog.Logger
	isError bool
}

func (lw *logWriter) Write(p []byte) (int, error) {
	if lw.isError {
		lw.logger.Error().Msg(string(p))
	} else {
		lw.logger.Info().Msg(string(p))
	}
	return len(p), nil
}
