// +build darwin

// Package limahost manages Lima VM instances, used two ways: the
// container provider hosts one shared instance running containerd (since
// containerd/runc need a Linux kernel), and pkg/provider/nativevm hosts
// one instance per workspace as a first-class backend in its own right.
package limahost

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"context"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"
)

// Spec configures the Lima instance to create.
type Spec struct {
	Name       string
	CPUs       int
	MemoryGiB  int
	DiskGiB    int
	DataDir    string // mounted read-write into the VM
	Message    string
	Provision  string // shell script run once at provision time
	ContainerdSystemService bool
}

// VM wraps one named Lima instance.
type VM struct {
	spec     Spec
	instance *store.Instance
	logger   zerolog.Logger
}

// New returns a VM handle for spec.Name. It does not start anything.
func New(spec Spec) *VM {
	if spec.CPUs == 0 {
		spec.CPUs = 2
	}
	if spec.MemoryGiB == 0 {
		spec.MemoryGiB = 2
	}
	if spec.DiskGiB == 0 {
		spec.DiskGiB = 20
	}
	return &VM{
		spec:   spec,
		logger: zerolog.New(os.Stdout).With().Str("component", "lima-vm").Str("instance", spec.Name).Timestamp().Logger(),
	}
}

// Installed reports whether the limactl binary is on PATH.
func Installed() bool {
	_, err := exec.LookPath("limactl")
	return err == nil
}

// Start creates (if absent) and starts the instance, waiting until its
// guest agent is reachable.
func (vm *VM) Start(ctx context.Context) error {
	if !Installed() {
		return fmt.Errorf("lima is not installed, install with: brew install lima")
	}

	inst, err := store.Inspect(vm.spec.Name)
	if err == nil {
		vm.instance = inst
		if inst.Status == store.StatusRunning {
			vm.logger.Info().Msg("instance already running")
			return nil
		}
		vm.logger.Info().Msg("starting existing instance")
		if err := instance.Start(ctx, inst, "", false); err != nil {
			return fmt.Errorf("start lima instance: %w", err)
		}
		return vm.waitForReady(ctx)
	}

	vm.logger.Info().Msg("creating new instance")
	if err := vm.createInstance(ctx); err != nil {
		return fmt.Errorf("create lima instance: %w", err)
	}

	inst, err = store.Inspect(vm.spec.Name)
	if err != nil {
		return fmt.Errorf("inspect created instance: %w", err)
	}
	vm.instance = inst

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return fmt.Errorf("start lima instance: %w", err)
	}
	return vm.waitForReady(ctx)
}

// Stop stops the instance, falling back to a forced stop.
func (vm *VM) Stop(ctx context.Context) error {
	if vm.instance == nil {
		return nil
	}
	vm.logger.Info().Msg("stopping instance")
	if err := instance.StopGracefully(ctx, vm.instance, false); err != nil {
		vm.logger.Warn().Err(err).Msg("graceful stop failed, forcing")
		instance.StopForcibly(vm.instance)
	}
	return nil
}

// Destroy removes the instance entirely via limactl (no direct Go API
// for delete in the lima SDK used here).
func (vm *VM) Destroy(ctx context.Context) error {
	if err := vm.Stop(ctx); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "limactl", "delete", "-f", vm.spec.Name)
	return cmd.Run()
}

// SocketPath returns the path to the containerd socket exposed inside
// the VM's host-side socket directory.
func (vm *VM) SocketPath() string {
	if vm.instance == nil {
		return ""
	}
	limaHome := os.Getenv("LIMA_HOME")
	if limaHome == "" {
		home, _ := os.UserHomeDir()
		limaHome = filepath.Join(home, ".lima")
	}
	return filepath.Join(limaHome, vm.spec.Name, "sock", "containerd.sock")
}

// Shell runs argv inside the VM via `limactl shell`, returning combined
// output; used for exec/ssh/logs against the native-VM provider.
func (vm *VM) Shell(ctx context.Context, argv []string) ([]byte, error) {
	args := append([]string{"shell", vm.spec.Name}, argv...)
	cmd := exec.CommandContext(ctx, "limactl", args...)
	return cmd.CombinedOutput()
}

func (vm *VM) createInstance(ctx context.Context) error {
	config := vm.limaConfig()
	configYAML, err := limayaml.Marshal(&config, false)
	if err != nil {
		return fmt.Errorf("marshal lima config: %w", err)
	}
	_, err = instance.Create(ctx, vm.spec.Name, configYAML, false)
	return err
}

func (vm *VM) limaConfig() limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}

	cpus := vm.spec.CPUs
	memory := fmt.Sprintf("%dGiB", vm.spec.MemoryGiB)
	disk := fmt.Sprintf("%dGiB", vm.spec.DiskGiB)

	config := limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{
			{File: limayaml.File{Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-aarch64.iso", Arch: limayaml.AARCH64}},
			{File: limayaml.File{Location: "https://dl-cdn.alpinelinux.org/alpine/v3.19/releases/cloud/alpine-virt-3.19.0-x86_64.iso", Arch: limayaml.X8664}},
		},
		Message: vm.spec.Message,
	}

	if vm.spec.ContainerdSystemService {
		t := true
		config.Containerd = limayaml.Containerd{System: &t}
	}

	if vm.spec.DataDir != "" {
		t := true
		config.Mounts = []limayaml.Mount{{Location: vm.spec.DataDir, Writable: &t}}
	}

	if vm.spec.Provision != "" {
		config.Provision = []limayaml.Provision{{Mode: limayaml.ProvisionModeSystem, Script: vm.spec.Provision}}
	}

	return config
}

func (vm *VM) waitForReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for lima instance %q to become ready", vm.spec.Name)
		case <-ticker.C:
			inst, err := store.Inspect(vm.spec.Name)
			if err != nil {
				continue
			}
			if inst.Status == store.StatusRunning {
				vm.logger.Info().Msg("instance running")
				return nil
			}
		}
	}
}
