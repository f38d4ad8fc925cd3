// +build linux

package container

import "context"

// ensureDaemon starts or connects to containerd directly on Linux.
func ensureDaemon(ctx context.Context, dataDir string, useExternal bool) (string, func() error, error) {
	d, err := NewDaemon(dataDir, useExternal)
	if err != nil {
		return "", nil, err
	}
	if err := d.Start(ctx); err != nil {
		return "", nil, err
	}
	return d.SocketPath(), d.Stop, nil
}
