package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	isatty "github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/provisioner"
	"github.com/cuemby/vm/pkg/types"
)

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a workspace and wait for it to become ready",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		name := workspaceName(args)
		template, _ := cmd.Flags().GetString("template")
		providerFlag, _ := cmd.Flags().GetString("provider")
		ttl, _ := cmd.Flags().GetInt64("ttl")
		force, _ := cmd.Flags().GetBool("force")
		verbose, _ := cmd.Flags().GetBool("verbose")
		instance, _ := cmd.Flags().GetInt("instance")
		if instance < 1 {
			instance = 1
		}

		providerKind := types.ProviderContainer
		if providerFlag != "" {
			providerKind = types.ProviderKind(providerFlag)
		}

		existing, err := rt.store.GetByOwnerAndName(rt.owner, name)
		if err == nil && existing != nil {
			if !force {
				return fmt.Errorf("workspace %s already exists (use --force to recreate)", name)
			}
			if err := rt.store.Delete(existing.ID); err != nil {
				return fmt.Errorf("remove existing workspace: %w", err)
			}
		}

		now := time.Now()
		ws := &types.Workspace{
			ID:         uuid.NewString(),
			Name:       name,
			Owner:      rt.owner,
			Template:   template,
			Provider:   providerKind,
			Status:     types.WorkspaceCreating,
			CreatedAt:  now,
			UpdatedAt:  now,
			TTLSeconds: ttl,
			Instance:   instance,
		}
		if ttl > 0 {
			expires := now.Add(time.Duration(ttl) * time.Second)
			ws.ExpiresAt = &expires
		}
		if err := rt.store.Create(ws); err != nil {
			return fmt.Errorf("create workspace row: %w", err)
		}

		loop := provisioner.New(provisioner.Config{
			DataRoot:       rt.dataDir,
			CreateInterval: 500 * time.Millisecond,
		}, rt.store, rt.ports, rt.svc, rt.broker, rt.providers)
		loop.Start()
		defer loop.Stop()

		if verbose {
			fmt.Printf("creating workspace %s (provider=%s template=%s)...\n", name, providerKind, template)
		}

		final, err := pollUntilSettled(rt, ws.ID, 3*time.Minute)
		if err != nil {
			return err
		}
		if final.Status == types.WorkspaceFailed {
			return fmt.Errorf("workspace %s failed: %s", name, final.FailureReason)
		}

		fmt.Printf("workspace %s is %s\n", name, final.Status)
		if sshCmd, ok := final.ConnectionInfo["ssh_command"]; ok {
			fmt.Printf("connect with: %s\n", sshCmd)
		}
		return nil
	},
}

// pollUntilSettled polls the store until ws leaves the Creating state or
// timeout elapses.
func pollUntilSettled(rt *runtime, id string, timeout time.Duration) (*types.Workspace, error) {
	deadline := time.Now().Add(timeout)
	for {
		ws, err := rt.store.Get(id)
		if err != nil {
			return nil, fmt.Errorf("read workspace: %w", err)
		}
		if ws.Status != types.WorkspaceCreating {
			return ws, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for workspace to become ready")
		}
		time.Sleep(500 * time.Millisecond)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		providerFlag, _ := cmd.Flags().GetString("provider")
		filters := types.WorkspaceFilters{Owner: rt.owner}
		list, err := rt.store.List(filters)
		if err != nil {
			return err
		}

		fmt.Printf("%-20s %-10s %-12s %-10s %s\n", "NAME", "PROVIDER", "STATUS", "TEMPLATE", "CREATED")
		for _, ws := range list {
			if providerFlag != "" && string(ws.Provider) != providerFlag {
				continue
			}
			fmt.Printf("%-20s %-10s %-12s %-10s %s\n", ws.Name, ws.Provider, ws.Status, ws.Template, ws.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [target]",
	Short: "Show a workspace's detailed status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		ws, err := lookupWorkspace(rt, args)
		if err != nil {
			return err
		}
		fmt.Printf("name:       %s\n", ws.Name)
		fmt.Printf("owner:      %s\n", ws.Owner)
		fmt.Printf("status:     %s\n", ws.Status)
		fmt.Printf("provider:   %s\n", ws.Provider)
		fmt.Printf("template:   %s\n", ws.Template)
		fmt.Printf("created:    %s\n", ws.CreatedAt.Format(time.RFC3339))
		if ws.FailureReason != "" {
			fmt.Printf("error:      %s\n", ws.FailureReason)
		}

		instanceID, ok := ws.ConnectionInfo["container_id"]
		if !ok {
			return nil
		}
		p, ok := rt.providers[ws.Provider]
		if !ok {
			return nil
		}
		report, err := p.Status(context.Background(), instanceID)
		if err != nil {
			fmt.Printf("provider status: unavailable (%v)\n", err)
			return nil
		}
		fmt.Printf("instance:   %s (%s)\n", report.Name, report.Status)
		fmt.Printf("healthy:    %v\n", report.Healthy)
		if report.IP != "" {
			fmt.Printf("ip:         %s\n", report.IP)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start [target]",
	Short: "Start a stopped workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(cmd, args, func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error {
			if err := p.StartInstance(context.Background(), instanceID); err != nil {
				return err
			}
			ws.Status = types.WorkspaceRunning
			ws.UpdatedAt = time.Now()
			return rt.store.Update(ws)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [target]",
	Short: "Stop a running workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(cmd, args, func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error {
			if err := p.StopInstance(context.Background(), instanceID); err != nil {
				return err
			}
			ws.Status = types.WorkspaceStopped
			ws.UpdatedAt = time.Now()
			return rt.store.Update(ws)
		})
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [target]",
	Short: "Stop then start a workspace",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(cmd, args, func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error {
			_ = p.StopInstance(context.Background(), instanceID)
			if err := p.StartInstance(context.Background(), instanceID); err != nil {
				return err
			}
			ws.Status = types.WorkspaceRunning
			ws.UpdatedAt = time.Now()
			return rt.store.Update(ws)
		})
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [target]",
	Short: "Force-stop a workspace without waiting for graceful shutdown",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withInstance(cmd, args, func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error {
			if err := p.DestroyInstance(context.Background(), instanceID, false); err != nil {
				return err
			}
			ws.Status = types.WorkspaceStopped
			ws.UpdatedAt = time.Now()
			return rt.store.Update(ws)
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy [target]",
	Short: "Destroy a workspace and release its resources",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		purgeVolumes, _ := cmd.Flags().GetBool("purge-volumes")
		ws, err := lookupWorkspace(rt, args)
		if err != nil {
			return err
		}

		loop := provisioner.New(provisioner.Config{DataRoot: rt.dataDir}, rt.store, rt.ports, rt.svc, rt.broker, rt.providers)
		if err := loop.Destroy(context.Background(), ws, purgeVolumes); err != nil {
			return err
		}
		fmt.Printf("workspace %s destroyed\n", ws.Name)
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait [target]",
	Short: "Block until a workspace reaches a terminal state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		timeoutSec, _ := cmd.Flags().GetInt("timeout")
		ws, err := lookupWorkspace(rt, args)
		if err != nil {
			return err
		}
		if ws.Status != types.WorkspaceCreating {
			fmt.Printf("workspace %s is already %s\n", ws.Name, ws.Status)
			return nil
		}
		final, err := pollUntilSettled(rt, ws.ID, time.Duration(timeoutSec)*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("workspace %s is %s\n", final.Name, final.Status)
		if final.Status == types.WorkspaceFailed {
			return fmt.Errorf("%s", final.FailureReason)
		}
		return nil
	},
}

var sshCmd = &cobra.Command{
	Use:   "ssh [target] [path]",
	Short: "Open an interactive shell inside a workspace",
	Args:  cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, rest := splitTargetArgs(args, cmd.ArgsLenAtDash())
		return withInstance(cmd, target, func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error {
			shellCmd := []string{"/bin/sh", "-l"}
			if len(rest) > 0 {
				shellCmd = []string{"/bin/sh", "-c", "cd " + rest[0] + " && exec /bin/sh -l"}
			}
			code, err := p.Exec(context.Background(), instanceID, provider.ExecOptions{
				Cmd:    shellCmd,
				TTY:    isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()),
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
			})
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		})
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [target] -- [command...]",
	Short: "Run a command inside a workspace",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, argv := splitTargetArgs(args, cmd.ArgsLenAtDash())
		if len(argv) == 0 {
			return fmt.Errorf("exec requires a command after --")
		}
		return withInstance(cmd, target, func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error {
			code, err := p.Exec(context.Background(), instanceID, provider.ExecOptions{
				Cmd:    argv,
				TTY:    isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()),
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
			})
			if err != nil {
				return err
			}
			if code != 0 {
				os.Exit(code)
			}
			return nil
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs [target]",
	Short: "Show a workspace's captured output",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		return withInstance(cmd, args, func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error {
			return p.Logs(context.Background(), instanceID, os.Stdout, follow)
		})
	},
}

func init() {
	createCmd.Flags().String("template", "", "Preset to use instead of auto-detection")
	createCmd.Flags().String("provider", "", "Provider backend (container|native_vm)")
	createCmd.Flags().Int64("ttl", 0, "Workspace lifetime in seconds (0 = no expiry)")
	createCmd.Flags().Bool("force", false, "Recreate an existing workspace of the same name")
	createCmd.Flags().Bool("verbose", false, "Print progress while creating")
	createCmd.Flags().Int("instance", 1, "Instance number, for running more than one workspace with the same name (container backend only)")

	listCmd.Flags().String("provider", "", "Filter by provider backend")

	destroyCmd.Flags().Bool("purge-volumes", false, "Also remove the workspace's named volumes")

	waitCmd.Flags().Int("timeout", 120, "Seconds to wait before giving up")
	waitCmd.Flags().String("service", "", "Accepted but not applied: wait always watches the workspace itself")

	logsCmd.Flags().Bool("follow", false, "Stream new output as it's written")
	logsCmd.Flags().Int("tail", 50, "Accepted but not applied: the provider decides how much output to show")
	logsCmd.Flags().String("service", "", "Accepted but not applied: logs always reads the workspace's own instance")
}

// workspaceName resolves the target name from args, defaulting to the
// current directory's base name like the teacher's project-name inference.
func workspaceName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	wd, err := os.Getwd()
	if err != nil {
		return "default"
	}
	parts := strings.Split(strings.TrimRight(wd, "/"), "/")
	return parts[len(parts)-1]
}

func lookupWorkspace(rt *runtime, args []string) (*types.Workspace, error) {
	name := workspaceName(args)
	ws, err := rt.store.GetByOwnerAndName(rt.owner, name)
	if err != nil {
		return nil, fmt.Errorf("lookup workspace %s: %w", name, err)
	}
	if ws == nil {
		return nil, fmt.Errorf("workspace %s not found", name)
	}
	return ws, nil
}

// withInstance resolves the target workspace and its provider instance,
// then runs fn.
func withInstance(cmd *cobra.Command, target []string, fn func(rt *runtime, ws *types.Workspace, p provider.Provider, instanceID string) error) error {
	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ws, err := lookupWorkspace(rt, target)
	if err != nil {
		return err
	}
	p, ok := rt.providers[ws.Provider]
	if !ok {
		return fmt.Errorf("no provider registered for %s", ws.Provider)
	}
	instanceID, ok := ws.ConnectionInfo["container_id"]
	if !ok {
		return fmt.Errorf("workspace %s has no running instance", ws.Name)
	}
	return fn(rt, ws, p, instanceID)
}

// splitTargetArgs separates an optional leading target name from the
// rest of args for exec/ssh. cobra removes "--" from args, so dash is
// its former position (cmd.ArgsLenAtDash(), -1 when absent): everything
// before it is the target, everything after it the command. Without a
// dash the first arg is the target and the remainder the command.
func splitTargetArgs(args []string, dash int) (target []string, rest []string) {
	if dash >= 0 {
		if dash > 0 {
			target = args[:dash]
		}
		return target, args[dash:]
	}
	if len(args) > 0 {
		return args[:1], args[1:]
	}
	return nil, nil
}
