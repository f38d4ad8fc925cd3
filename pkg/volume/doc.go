/*
Package volume provides workspace volume lifecycle management for vm.

A volume is a named, host-backed directory a workspace mounts for
persistent state (package caches, database data directories) that should
survive a container being destroyed and recreated, and that a snapshot
restore needs to reconstruct without the original container around.

# Architecture

	┌──────────────────── VOLUME SYSTEM ────────────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────┐            │
	│  │            VolumeManager                    │            │
	│  │  - Holds one VolumeDriver per driver name   │            │
	│  │  - GetDriver/CreateVolume/DeleteVolume/     │            │
	│  │    MountVolume/UnmountVolume                │            │
	│  └──────────────────┬──────────────────────────┘            │
	│                     │                                        │
	│  ┌──────────────────▼──────────────────────────┐           │
	│  │            VolumeDriver (interface)           │           │
	│  │  - Create/Delete/Mount/Unmount/GetPath        │           │
	│  └──────────────────┬──────────────────────────┘           │
	│                     │                                        │
	│  ┌──────────────────▼──────────────────────────┐           │
	│  │              LocalDriver                      │           │
	│  │  - basePath/<volume.ID> on the local host     │           │
	│  │  - the only driver shipped today              │           │
	│  └───────────────────────────────────────────────┘           │
	└─────────────────────────────────────────────────────────────┘

# Core Components

VolumeManager:
  - Constructed once per `vm` process (NewVolumeManager)
  - Looks up a VolumeDriver by name ("local" today) via GetDriver
  - Delegates Create/Delete/Mount/Unmount to that driver

VolumeDriver:
  - Create(volume) error: provision backing storage for a volume
  - Delete(volume) error: remove backing storage
  - Mount(volume) (string, error): make the volume available, return its
    host path
  - Unmount(volume) error: release any resources Mount acquired
  - GetPath(volume) string: the host path a provider should bind-mount
    into the workspace container, without mutating anything

LocalDriver:
  - Stores each volume under <basePath>/<volume.ID>
  - Mount/Unmount are no-ops beyond GetPath since a local directory needs
    no attach step; kept as distinct driver methods so a future
    network-backed driver (NFS, cloud disk) can implement real
    attach/detach without changing VolumeManager's contract

# Usage

Creating the manager:

	vm, err := volume.NewVolumeManager()
	if err != nil {
		return err
	}

Provisioning a volume for a workspace:

	v := &types.Volume{
		ID:          ws.ID + "-cache",
		Name:        "cache",
		WorkspaceID: ws.ID,
		Driver:      "local",
		MountPath:   "/home/dev/.cache",
	}
	if err := vm.CreateVolume(v); err != nil {
		return err
	}
	// The local driver's Create replaces v.MountPath with the volume's
	// host directory.
	hostPath, err := vm.MountVolume(v)

Resolving a path without mounting (used by pkg/snapshot's restore path,
which needs a host directory to unpack into before any container exists):

	driver, err := vm.GetDriver("local")
	hostPath := driver.GetPath(v)

Tearing down:

	vm.UnmountVolume(v)
	vm.DeleteVolume(v)

# Integration Points

This package is used by:

  - cmd/vm/main.go: constructs the shared VolumeManager in newRuntime
  - cmd/vm/snapshot.go: CreateVolume/GetPath callbacks passed into
    pkg/snapshot's RestoreRequest, to reconstruct a workspace's volumes
    from a captured snapshot's manifest before the container exists

pkg/provider/container does not use this package; it does not mount
these volumes into containers.

# Design Patterns

Driver Interface Pattern:
  - VolumeManager never touches the filesystem itself; every operation
    goes through the VolumeDriver interface, so a new backing store is a
    new driver implementation, not a VolumeManager change

Deterministic ID Pattern:
  - Volume IDs are derived as <workspace-id>-<name> rather than
    generated, so a snapshot restore that never had the original Volume
    row can still compute the same path a running workspace would have
    mounted

# Security

Local Driver:
  - basePath should live under the platform data directory, with
    filesystem permissions scoped to the user running `vm`; it holds
    whatever the workspace wrote into its persistent mounts, including
    developer source and package-manager caches, never vm's own secrets

# See Also

  - pkg/snapshot for how volumes are captured into and restored from an
    archive
  - pkg/types for the Volume struct's fields
*/
package volume
