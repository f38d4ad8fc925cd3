package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/vm/pkg/provider/container"
	"github.com/cuemby/vm/pkg/snapshot"
	"github.com/cuemby/vm/pkg/types"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture, restore and transfer workspace snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create [target] [name]",
	Short: "Capture a workspace's enabled services into a named snapshot",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ws, err := lookupWorkspace(rt, args[:1])
		if err != nil {
			return err
		}
		name := "default"
		if len(args) > 1 {
			name = args[1]
		}
		if global, _ := cmd.Flags().GetBool("global"); global {
			name = snapshot.GlobalPrefix + name
		}
		description, _ := cmd.Flags().GetString("description")

		cfg, err := rt.pipeline.Resolve(rt.dataDir, ws.Template, "", types.PortRange{
			Owner: ws.Owner, Name: ws.Name, Start: ws.PortRangeStart, Size: ws.PortRangeSize,
		})
		if err != nil {
			return fmt.Errorf("resolve workspace config: %w", err)
		}

		var services []snapshot.ServiceRef
		if cfg.Project.Image != "" {
			services = append(services, snapshot.ServiceRef{Name: ws.Name, ImageRef: cfg.Project.Image})
		}
		for _, kind := range cfg.ServiceOrder {
			if !cfg.Services[kind].Enabled {
				continue
			}
			ref, ok := container.ServiceImageRef(types.ServiceKind(kind))
			if !ok {
				continue
			}
			services = append(services, snapshot.ServiceRef{Name: kind, ImageRef: ref})
		}

		compose, err := container.RenderCompose(ws, cfg, rt.dataDir)
		if err != nil {
			return fmt.Errorf("render compose description: %w", err)
		}

		meta, err := rt.snapshotEng.Capture(context.Background(), snapshot.CaptureRequest{
			Name:        name,
			Description: description,
			Workspace:   ws,
			ProjectDir:  rt.dataDir,
			Services:    services,
			ComposeFile: compose,
		})
		if err != nil {
			return err
		}
		fmt.Printf("snapshot %s/%s captured (%d services, %d bytes)\n", meta.ProjectName, meta.Name, len(meta.Services), meta.TotalSizeBytes)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [target]",
	Short: "List snapshots for a workspace (or global snapshots with --global)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		project := workspaceName(args)
		if global, _ := cmd.Flags().GetBool("global"); global {
			project = "global"
		}
		list, err := rt.snapshotEng.List(project)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-12s %-10s %s\n", "NAME", "SERVICES", "SIZE", "CREATED")
		for _, m := range list {
			fmt.Printf("%-24s %-12d %-10d %s\n", m.Name, len(m.Services), m.TotalSizeBytes, m.CreatedAt.Format("2006-01-02T15:04:05"))
		}
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [target] [name]",
	Short: "Restore a workspace from a captured snapshot",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ws, err := lookupWorkspace(rt, args[:1])
		if err != nil {
			return err
		}
		name := "default"
		if len(args) > 1 {
			name = args[1]
		}

		return rt.snapshotEng.Restore(context.Background(), snapshot.RestoreRequest{
			Name:        name,
			ProjectName: ws.Name,
			ProjectDir:  rt.dataDir,
			CreateVolume: func(vol types.Volume) error {
				vol.ID = vol.WorkspaceID + "-" + vol.Name
				vol.Driver = "local"
				return rt.vol.CreateVolume(&vol)
			},
			VolumeHostPath: func(vol types.Volume) (string, error) {
				driver, err := rt.vol.GetDriver("local")
				if err != nil {
					return "", err
				}
				vol.ID = vol.WorkspaceID + "-" + vol.Name
				return driver.GetPath(&vol), nil
			},
			BeforeLoad: func(meta *types.SnapshotMetadata) error {
				instanceID, ok := ws.ConnectionInfo["container_id"]
				if !ok {
					return nil
				}
				p, ok := rt.providers[ws.Provider]
				if !ok {
					return nil
				}
				return p.StopInstance(context.Background(), instanceID)
			},
			AfterLoad: func(meta *types.SnapshotMetadata) error {
				fmt.Printf("snapshot %s restored; start the workspace to bring it back up\n", meta.Name)
				return nil
			},
		})
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete [target] [name]",
	Short: "Delete a captured snapshot",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		project := args[0]
		name := "default"
		if len(args) > 1 {
			name = args[1]
		}
		if err := rt.snapshotEng.Delete(project, name); err != nil {
			return err
		}
		fmt.Printf("snapshot %s/%s deleted\n", project, name)
		return nil
	},
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export [target] [name] [dest.tar.gz]",
	Short: "Package a snapshot as a portable archive",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		dest, err := filepath.Abs(args[2])
		if err != nil {
			return err
		}
		if err := rt.snapshotEng.Export(args[0], args[1], dest); err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", dest)
		return nil
	},
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import [src.tar.gz]",
	Short: "Import a snapshot archive into the local snapshot store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		force, _ := cmd.Flags().GetBool("force")
		src, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("archive not found: %w", err)
		}
		manifest, err := rt.snapshotEng.Import(context.Background(), src, force)
		if err != nil {
			return err
		}
		fmt.Printf("imported snapshot %s/%s\n", manifest.ProjectName, manifest.SnapshotName)
		return nil
	},
}

func init() {
	snapshotCreateCmd.Flags().String("description", "", "Human-readable note stored with the snapshot")
	snapshotCreateCmd.Flags().Bool("global", false, "Store as a global (@-prefixed) snapshot shared across projects")
	snapshotListCmd.Flags().Bool("global", false, "List global snapshots instead of one project's")
	snapshotImportCmd.Flags().Bool("force", false, "Overwrite an existing snapshot of the same name")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	snapshotCmd.AddCommand(snapshotExportCmd)
	snapshotCmd.AddCommand(snapshotImportCmd)
}
