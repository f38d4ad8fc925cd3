package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/cuemby/vm/pkg/config"
	"github.com/cuemby/vm/pkg/types"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Inspect and validate a project's resolved configuration",
}

func resolveProjectConfig(rt *runtime, projectDir string) (*types.VmConfig, error) {
	return rt.pipeline.Resolve(projectDir, "", filepath.Join(projectDir, "vm.yaml"), types.PortRange{Size: 1})
}

var envValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Resolve and validate vm.yaml for a project directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		dir := projectDirArg(args)
		cfg, err := resolveProjectConfig(rt, dir)
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}
		fmt.Printf("%s: valid (provider=%s, %d services enabled)\n", dir, cfg.Provider, countEnabled(cfg))
		return nil
	},
}

var envListCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "Print the fully resolved configuration for a project directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		dir := projectDirArg(args)
		cfg, err := resolveProjectConfig(rt, dir)
		if err != nil {
			return err
		}
		fmt.Printf("project:  %s\n", cfg.Project.Name)
		fmt.Printf("template: %s\n", cfg.Project.Template)
		fmt.Printf("provider: %s\n", cfg.Provider)
		fmt.Printf("memory:   %s\n", cfg.Resources.Memory)

		names := cfg.ServiceOrder
		if len(names) == 0 {
			for k := range cfg.Services {
				names = append(names, k)
			}
			sort.Strings(names)
		}
		for _, name := range names {
			fmt.Printf("service:  %-12s enabled=%v\n", name, cfg.Services[name].Enabled)
		}
		for k, v := range cfg.Env {
			fmt.Printf("env:      %s=%s\n", k, v)
		}
		return nil
	},
}

var envDiffCmd = &cobra.Command{
	Use:   "diff [dir]",
	Short: "Compare a project's resolved config against the last-known values, optionally watching for changes",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		dir := projectDirArg(args)
		before, err := resolveProjectConfig(rt, dir)
		if err != nil {
			return err
		}
		printConfigSummary("current", before)

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			return nil
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Close()

		userConfig := filepath.Join(dir, "vm.yaml")
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		fmt.Printf("watching %s for changes (Ctrl+C to stop)...\n", userConfig)

		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Name != userConfig || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				after, err := resolveProjectConfig(rt, dir)
				if err != nil {
					fmt.Fprintf(os.Stderr, "resolve after change: %v\n", err)
					continue
				}
				printConfigSummary("updated", after)
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
			}
		}
	},
}

func printConfigSummary(label string, cfg *types.VmConfig) {
	fmt.Printf("[%s] provider=%s memory=%s services=%d\n", label, cfg.Provider, cfg.Resources.Memory, countEnabled(cfg))
}

func countEnabled(cfg *types.VmConfig) int {
	n := 0
	for _, spec := range cfg.Services {
		if spec.Enabled {
			n++
		}
	}
	return n
}

func projectDirArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	wd, _ := os.Getwd()
	return wd
}

func init() {
	envDiffCmd.Flags().Bool("watch", false, "Keep running and print a new summary whenever vm.yaml changes")

	envCmd.AddCommand(envValidateCmd)
	envCmd.AddCommand(envListCmd)
	envCmd.AddCommand(envDiffCmd)
}
