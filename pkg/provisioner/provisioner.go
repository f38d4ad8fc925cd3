// Package provisioner drives workspaces through their lifecycle: a
// bounded worker pool advances newly created workspaces to running (or
// failed), and a separate ticker reaps workspaces past their TTL.
package provisioner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/vm/pkg/config"
	"github.com/cuemby/vm/pkg/events"
	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/portregistry"
	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/services"
	"github.com/cuemby/vm/pkg/store"
	"github.com/cuemby/vm/pkg/types"
)

// Config controls the loop's polling cadence and concurrency.
type Config struct {
	CreateInterval time.Duration
	ReapInterval   time.Duration
	Workers        int
	DataRoot       string
}

func (c Config) withDefaults() Config {
	if c.CreateInterval <= 0 {
		c.CreateInterval = 2 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DataRoot == "" {
		c.DataRoot = "/var/lib/vm"
	}
	return c
}

// Loop advances Creating workspaces to Running/Failed and reaps expired
// ones, dispatching the blocking provider calls onto a bounded pool.
type Loop struct {
	cfg      Config
	store    store.Store
	ports    *portregistry.Registry
	services *services.Manager
	broker   *events.Broker
	pipeline *config.Pipeline

	providers map[types.ProviderKind]provider.Provider

	work   chan *types.Workspace
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Loop. providers must contain an entry for every
// ProviderKind a workspace might request.
func New(cfg Config, st store.Store, ports *portregistry.Registry, svc *services.Manager, broker *events.Broker, providers map[types.ProviderKind]provider.Provider) *Loop {
	return &Loop{
		cfg:       cfg.withDefaults(),
		store:     st,
		ports:     ports,
		services:  svc,
		broker:    broker,
		pipeline:  config.NewPipeline(),
		providers: providers,
		work:      make(chan *types.Workspace, 64),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool and the two polling tickers.
func (l *Loop) Start() {
	for i := 0; i < l.cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	l.wg.Add(2)
	go l.createTicker()
	go l.reapTicker()
}

// Stop signals every goroutine to exit and waits for them to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) createTicker() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.CreateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.enqueueCreating()
		}
	}
}

func (l *Loop) enqueueCreating() {
	workspaces, err := l.store.List(types.WorkspaceFilters{Status: types.WorkspaceCreating})
	if err != nil {
		log.WithComponent("provisioner").Error().Err(err).Msg("list creating workspaces")
		return
	}
	for _, ws := range workspaces {
		select {
		case l.work <- ws:
		default:
			log.WithWorkspaceID(ws.ID).Warn().Msg("provisioner work queue full, will retry next tick")
		}
	}
}

func (l *Loop) reapTicker() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.reapExpired()
		}
	}
}

func (l *Loop) reapExpired() {
	expired, err := l.store.ListExpired(time.Now())
	if err != nil {
		log.WithComponent("provisioner").Error().Err(err).Msg("list expired workspaces")
		return
	}
	for _, ws := range expired {
		if ws.Status == types.WorkspaceDestroyed {
			continue
		}
		logger := log.WithWorkspaceID(ws.ID)
		if err := l.destroy(context.Background(), ws, false); err != nil {
			logger.Error().Err(err).Msg("reap expired workspace")
			continue
		}
		logger.Info().Msg("reaped expired workspace")
	}
}

func (l *Loop) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			return
		case ws := <-l.work:
			l.provision(ws)
		}
	}
}

// provision resolves config, reserves ports, creates and starts the
// instance, and records connection_info or failure_reason.
func (l *Loop) provision(ws *types.Workspace) {
	ctx := context.Background()
	logger := log.WithWorkspaceID(ws.ID)
	l.publish(events.EventWorkspaceCreating, ws, "")

	p, ok := l.providers[ws.Provider]
	if !ok {
		l.fail(ws, fmt.Sprintf("no provider registered for %s", ws.Provider))
		return
	}

	rng := l.ports.SuggestNextRange(portregistry.DefaultRangeSize)
	rng.Owner, rng.Name = ws.Owner, ws.Name
	if err := l.ports.Register(rng); err != nil {
		l.fail(ws, err.Error())
		return
	}
	ws.PortRangeStart, ws.PortRangeSize = rng.Start, rng.Size

	dataDir := workspaceDataDir(l.cfg.DataRoot, ws)
	projectDir := dataDir
	cfg, err := l.pipeline.Resolve(projectDir, ws.Template, "", rng)
	if err != nil {
		l.fail(ws, err.Error())
		return
	}
	config.EnsureServicePorts(cfg, rng)

	for kind, spec := range cfg.Services {
		if !spec.Enabled {
			continue
		}
		if _, _, err := registerService(ctx, l.services, types.ServiceKind(kind), ws, cfg); err != nil {
			l.fail(ws, err.Error())
			return
		}
	}

	instance := ws.Instance
	if instance < 1 {
		instance = 1
	}
	pctx := provider.Context{Workspace: ws, Config: cfg, Ports: rng, DataDir: dataDir, Instance: instance}
	info, err := p.CreateInstance(ctx, pctx)
	if err != nil {
		l.fail(ws, err.Error())
		return
	}
	if err := p.StartInstance(ctx, info.ID); err != nil {
		l.fail(ws, err.Error())
		return
	}

	if prov, ok := p.(provider.Provisioner); ok {
		summary, err := prov.RunProvisioning(ctx, info.ID, cfg, func(ev provider.ProgressEvent) {
			if ev.Kind == provider.ProgressTask {
				logger.Info().Str("task", ev.Task).Msg("provisioning task")
			}
		})
		if err != nil {
			l.fail(ws, err.Error())
			return
		}
		logger.Info().Int("tasks", summary.Tasks).Int("changed", summary.Changed).Msg("provisioning complete")
	}

	ws.Status = types.WorkspaceRunning
	ws.UpdatedAt = time.Now()
	ws.ConnectionInfo = map[string]string{
		"container_id": info.ID,
		"status":       info.Status,
		"ssh_command":  p.SSHCommand(info.ID, ws.Name),
	}
	if err := l.store.Update(ws); err != nil {
		logger.Error().Err(err).Msg("persist running workspace")
		return
	}
	logger.Info().Str("instance_id", info.ID).Msg("workspace running")
	l.publish(events.EventWorkspaceRunning, ws, "")
}

func (l *Loop) fail(ws *types.Workspace, reason string) {
	ws.Status = types.WorkspaceFailed
	ws.FailureReason = reason
	ws.UpdatedAt = time.Now()
	if err := l.store.Update(ws); err != nil {
		log.WithWorkspaceID(ws.ID).Error().Err(err).Msg("persist failed workspace")
	}
	log.WithWorkspaceID(ws.ID).Warn().Str("reason", reason).Msg("provisioning failed")
	l.publish(events.EventWorkspaceFailed, ws, reason)
}

func (l *Loop) destroy(ctx context.Context, ws *types.Workspace, purgeVolumes bool) error {
	p, ok := l.providers[ws.Provider]
	if ok && ws.ConnectionInfo["container_id"] != "" {
		if err := p.DestroyInstance(ctx, ws.ConnectionInfo["container_id"], purgeVolumes); err != nil {
			return err
		}
	}
	if err := l.ports.Release(ws.Owner, ws.Name); err != nil {
		return err
	}
	ws.Status = types.WorkspaceDestroyed
	ws.UpdatedAt = time.Now()
	if err := l.store.Update(ws); err != nil {
		return err
	}
	l.publish(events.EventWorkspaceDestroyed, ws, "")
	return nil
}

// Destroy is the synchronous entry point used by the HTTP API's delete
// handler: it destroys the provider instance, releases the port range,
// and marks the workspace row destroyed.
func (l *Loop) Destroy(ctx context.Context, ws *types.Workspace, purgeVolumes bool) error {
	return l.destroy(ctx, ws, purgeVolumes)
}

func (l *Loop) publish(t events.EventType, ws *types.Workspace, message string) {
	if l.broker == nil {
		return
	}
	l.broker.Publish(&events.Event{
		Type:    t,
		Message: message,
		Metadata: map[string]string{
			"workspace_id": ws.ID,
			"owner":        ws.Owner,
			"name":         ws.Name,
		},
	})
}

func registerService(ctx context.Context, mgr *services.Manager, kind types.ServiceKind, ws *types.Workspace, cfg *types.VmConfig) (string, int, error) {
	port := cfg.Ports[string(kind)+"_port"]
	spec := cfg.Services[string(kind)]
	var imageRef string
	if spec.Image != "" {
		imageRef = "docker.io/library/" + spec.Image
		if spec.Version != "" {
			imageRef += ":" + spec.Version
		}
	}
	st, err := mgr.RegisterVM(ctx, kind, ws.ID, port, imageRef, cfg.PersistDatabases)
	if err != nil {
		return "", 0, err
	}
	return st.ContainerID, st.Port, nil
}

func workspaceDataDir(root string, ws *types.Workspace) string {
	return root + "/workspaces/" + ws.ID
}
