// +build darwin

package container

import (
	"context"
	"fmt"

	"github.com/cuemby/vm/pkg/limahost"
)

const hostVMName = "vm-containerd-host"

// ensureDaemon on macOS runs containerd inside a shared Lima VM, since
// containerd/runc need a Linux kernel.
func ensureDaemon(ctx context.Context, dataDir string, useExternal bool) (string, func() error, error) {
	if useExternal {
		d, err := NewDaemon(dataDir, true)
		if err != nil {
			return "", nil, err
		}
		return d.SocketPath(), func() error { return nil }, nil
	}

	vm := limahost.New(limahost.Spec{
		Name:                    hostVMName,
		DataDir:                 dataDir,
		ContainerdSystemService: true,
		Message:                 "containerd host for vm workspaces",
		Provision:               "#!/bin/sh\nset -eux -o pipefail\nif ! command -v containerd > /dev/null; then\n  apk add containerd\nfi\nrc-update add containerd default\nrc-service containerd start || true",
	})
	if err := vm.Start(ctx); err != nil {
		return "", nil, fmt.Errorf("start lima containerd host: %w", err)
	}

	socket := vm.SocketPath()
	if socket == "" {
		return "", nil, fmt.Errorf("could not resolve containerd socket inside lima vm")
	}
	return socket, func() error { return vm.Stop(context.Background()) }, nil
}
