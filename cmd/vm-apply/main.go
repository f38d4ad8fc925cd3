// Command vm-apply is a narrow, offline administrative tool: it applies a
// vm.yaml against a workspace already recorded in the store, without going
// through the CLI's interactive create/resolve flow or the HTTP API. It is
// meant for scripted fleet updates (bump a template's resource limits,
// re-point a service flag) where starting the whole daemon is overkill.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/vm/pkg/config"
	"github.com/cuemby/vm/pkg/platform"
	"github.com/cuemby/vm/pkg/store"
	"github.com/cuemby/vm/pkg/types"
)

var (
	dataDir    = flag.String("data-dir", "", "vm data directory (default: platform data dir)")
	owner      = flag.String("owner", "", "Workspace owner (default: $USER)")
	name       = flag.String("name", "", "Workspace name to apply the config to")
	configPath = flag.String("config", "", "Path to the vm.yaml to apply")
	dryRun     = flag.Bool("dry-run", false, "Validate and print what would change, without writing")
	backupPath = flag.String("backup", "", "Path to back up workspaces.db before writing (default: <db>.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("vm-apply: offline config-apply tool")

	if *name == "" || *configPath == "" {
		log.Fatal("both -name and -config are required")
	}

	plat, err := platform.New()
	if err != nil {
		log.Fatalf("resolve platform: %v", err)
	}

	dir := *dataDir
	if dir == "" {
		dir = plat.DataDir()
	}

	ownerName := *owner
	if ownerName == "" {
		ownerName = os.Getenv("USER")
	}
	if ownerName == "" {
		ownerName = "local"
	}

	dbPath := filepath.Join(dir, "workspaces.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("workspace store not found at %s", dbPath)
	}

	if !*dryRun {
		backup := *backupPath
		if backup == "" {
			backup = dbPath + ".backup"
		}
		log.Printf("backing up %s to %s", dbPath, backup)
		if err := copyFile(dbPath, backup); err != nil {
			log.Fatalf("backup failed: %v", err)
		}
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("open workspace store: %v", err)
	}
	defer st.Close()

	ws, err := st.GetByOwnerAndName(ownerName, *name)
	if err != nil {
		log.Fatalf("lookup workspace %s/%s: %v", ownerName, *name, err)
	}

	pipeline := config.NewPipeline().WithPluginDir(filepath.Join(plat.StateDir(), "plugins"))
	cfg, err := pipeline.Resolve(dir, ws.Template, *configPath, types.PortRange{
		Owner: ws.Owner, Name: ws.Name, Start: ws.PortRangeStart, Size: ws.PortRangeSize,
	})
	if err != nil {
		log.Fatalf("resolve %s: %v", *configPath, err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("validate resolved config: %v", err)
	}

	enabled := 0
	for _, spec := range cfg.Services {
		if spec.Enabled {
			enabled++
		}
	}
	fmt.Printf("resolved config for %s/%s: provider=%s memory=%s services=%d\n",
		ownerName, *name, cfg.Provider, cfg.Resources.Memory, enabled)

	if *dryRun {
		fmt.Println("dry run: no changes written")
		return
	}

	if ws.Metadata == nil {
		ws.Metadata = map[string]string{}
	}
	ws.Metadata["applied_config"] = *configPath
	ws.UpdatedAt = time.Now()

	if err := st.Update(ws); err != nil {
		log.Fatalf("update workspace: %v", err)
	}
	fmt.Printf("applied %s to %s/%s; restart the workspace to pick up provider-level changes\n", *configPath, ownerName, *name)
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
