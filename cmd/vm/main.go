// Command vm is the developer-workstation virtualization orchestrator's
// CLI: it creates, inspects and tears down workspaces directly against
// local state (the port registry, the workspace store, the configured
// provider) for single-shot commands, and runs the provisioner loop plus
// the HTTP API as a long-running daemon under `vm serve`.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	ctrd "github.com/containerd/containerd"
	"github.com/spf13/cobra"

	"github.com/cuemby/vm/pkg/config"
	"github.com/cuemby/vm/pkg/events"
	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/platform"
	"github.com/cuemby/vm/pkg/portregistry"
	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/provider/container"
	"github.com/cuemby/vm/pkg/provider/nativevm"
	"github.com/cuemby/vm/pkg/services"
	"github.com/cuemby/vm/pkg/snapshot"
	"github.com/cuemby/vm/pkg/store"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/volume"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vm",
	Short: "Provision and manage developer-workstation environments",
	Long: `vm provisions isolated development environments as containers
(primary) or native VMs (secondary), wires them to shared infrastructure
services on demand, and snapshots them as portable archives.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vm version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("external-containerd", false, "Use external containerd instead of embedded")
	rootCmd.PersistentFlags().String("data-dir", "", "Override the platform data directory")
	rootCmd.PersistentFlags().String("owner", "", "Principal to act as (defaults to $USER)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(sshCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(dbCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// runtime bundles the locally-constructed components every command but
// `serve` needs to act against workspace state directly, without going
// through the HTTP API.
type runtime struct {
	plat        platform.Platform
	pipeline    *config.Pipeline
	store       store.Store
	ports       *portregistry.Registry
	svc         *services.Manager
	broker      *events.Broker
	containerP  *container.Provider
	providers   map[types.ProviderKind]provider.Provider
	snapshotEng *snapshot.Engine
	vol         *volume.VolumeManager
	dataDir     string
	owner       string
}

// newRuntime wires together the platform adapter, config pipeline, store,
// port registry, shared service manager and providers, reading overrides
// from the root command's persistent flags.
func newRuntime(cmd *cobra.Command) (*runtime, error) {
	plat, err := platform.New()
	if err != nil {
		return nil, fmt.Errorf("resolve platform: %w", err)
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	if dataDir == "" {
		dataDir = plat.DataDir()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	owner, _ := cmd.Flags().GetString("owner")
	if owner == "" {
		owner = os.Getenv("USER")
	}
	if owner == "" {
		owner = "local"
	}

	st, err := store.Open(filepath.Join(dataDir, "workspaces.db"))
	if err != nil {
		return nil, fmt.Errorf("open workspace store: %w", err)
	}

	ports, err := portregistry.Load(plat.PortRegistryPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load port registry: %w", err)
	}

	externalContainerd, _ := cmd.Flags().GetBool("external-containerd")
	containerP := container.New(dataDir, externalContainerd)

	connect := func() (*ctrd.Client, error) { return containerP.Client(context.Background()) }
	drivers := []services.Driver{
		container.NewServiceDriver(types.ServicePostgres, connect, "", dataDir),
		container.NewServiceDriver(types.ServiceRedis, connect, "", dataDir),
		container.NewServiceDriver(types.ServiceMongo, connect, "", dataDir),
		container.NewServiceDriver(types.ServiceRegistry, connect, "", dataDir),
	}
	svc := services.NewManager(plat.SecretsDir(), os.Getenv("VM_SECRETS_PASSPHRASE"), drivers...)

	providers := map[types.ProviderKind]provider.Provider{
		types.ProviderContainer: containerP,
	}
	if platform.NativeVMSupported() {
		providers[types.ProviderNativeVM] = nativevm.New(dataDir)
	}

	broker := events.NewBroker()
	broker.Start()

	eng := snapshot.New(plat.SnapshotsDir(), containerP).WithBroker(broker)

	vol, err := volume.NewVolumeManager()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init volume manager: %w", err)
	}

	pipeline := config.NewPipeline().WithPluginDir(filepath.Join(plat.StateDir(), "plugins"))

	return &runtime{
		plat:        plat,
		pipeline:    pipeline,
		store:       st,
		ports:       ports,
		svc:         svc,
		broker:      broker,
		containerP:  containerP,
		providers:   providers,
		snapshotEng: eng,
		vol:         vol,
		dataDir:     dataDir,
		owner:       owner,
	}, nil
}

func (rt *runtime) Close() {
	rt.broker.Stop()
	_ = rt.containerP.Close()
	_ = rt.store.Close()
}
