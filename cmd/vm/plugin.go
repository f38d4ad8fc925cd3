package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "List, inspect and install external presets and service plugins",
}

// pluginManifest mirrors plugin.yaml's documented shape: a name, kind
// (preset|service) and short description.
type pluginManifest struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Description string `yaml:"description,omitempty"`
}

func pluginKinds() []string { return []string{"presets", "services"} }

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		root := filepath.Join(rt.plat.StateDir(), "plugins")
		found := 0
		for _, kind := range pluginKinds() {
			entries, err := os.ReadDir(filepath.Join(root, kind))
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				fmt.Printf("%-10s %s\n", kind[:len(kind)-1], e.Name())
				found++
			}
		}
		if found == 0 {
			fmt.Println("no plugins installed")
		}
		return nil
	},
}

var pluginInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show a plugin's manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		root := filepath.Join(rt.plat.StateDir(), "plugins")
		for _, kind := range pluginKinds() {
			path := filepath.Join(root, kind, args[0], "plugin.yaml")
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var m pluginManifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			fmt.Printf("name:        %s\n", m.Name)
			fmt.Printf("kind:        %s\n", m.Kind)
			fmt.Printf("description: %s\n", m.Description)
			fmt.Printf("path:        %s\n", filepath.Dir(path))
			return nil
		}
		return fmt.Errorf("plugin %s not found", args[0])
	},
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install <source-dir>",
	Short: "Install a plugin directory (must contain plugin.yaml)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		src, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		manifestPath := filepath.Join(src, "plugin.yaml")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", manifestPath, err)
		}
		var m pluginManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parse %s: %w", manifestPath, err)
		}
		if m.Name == "" {
			return fmt.Errorf("plugin.yaml missing name")
		}
		kind := m.Kind + "s"
		if m.Kind != "preset" && m.Kind != "service" {
			return fmt.Errorf("plugin.yaml kind must be preset or service, got %q", m.Kind)
		}

		dest := filepath.Join(rt.plat.StateDir(), "plugins", kind, m.Name)
		if err := copyDir(src, dest); err != nil {
			return fmt.Errorf("install plugin: %w", err)
		}
		fmt.Printf("installed %s plugin %s to %s\n", m.Kind, m.Name, dest)
		return nil
	},
}

var pluginRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		root := filepath.Join(rt.plat.StateDir(), "plugins")
		for _, kind := range pluginKinds() {
			dir := filepath.Join(root, kind, args[0])
			if _, err := os.Stat(dir); err == nil {
				if err := os.RemoveAll(dir); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", dir)
				return nil
			}
		}
		return fmt.Errorf("plugin %s not found", args[0])
	},
}

var pluginNewCmd = &cobra.Command{
	Use:   "new <name>",
	Short: "Scaffold a new preset plugin in the current directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		if kind != "preset" && kind != "service" {
			return fmt.Errorf("--kind must be preset or service")
		}
		name := args[0]
		dir := filepath.Join(".", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		manifest := pluginManifest{Name: name, Kind: kind, Description: "TODO: describe this plugin"}
		data, err := yaml.Marshal(manifest)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), data, 0o644); err != nil {
			return err
		}
		bodyFile := "preset.yaml"
		if kind == "service" {
			bodyFile = "service.yaml"
		}
		if err := os.WriteFile(filepath.Join(dir, bodyFile), []byte("# fill in "+bodyFile+" for "+name+"\n"), 0o644); err != nil {
			return err
		}
		fmt.Printf("scaffolded %s plugin at %s\n", kind, dir)
		return nil
	},
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	pluginNewCmd.Flags().String("kind", "preset", "Plugin kind: preset or service")

	pluginCmd.AddCommand(pluginListCmd)
	pluginCmd.AddCommand(pluginInfoCmd)
	pluginCmd.AddCommand(pluginInstallCmd)
	pluginCmd.AddCommand(pluginRemoveCmd)
	pluginCmd.AddCommand(pluginNewCmd)
}
