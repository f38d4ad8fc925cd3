package metrics

import (
	"time"

	"github.com/cuemby/vm/pkg/portregistry"
	"github.com/cuemby/vm/pkg/services"
	"github.com/cuemby/vm/pkg/store"
	"github.com/cuemby/vm/pkg/types"
)

// Collector periodically samples the workspace store, the shared service
// manager and the port registry into the Prometheus gauges.
type Collector struct {
	store    store.Store
	services *services.Manager
	ports    *portregistry.Registry
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, svc *services.Manager, ports *portregistry.Registry) *Collector {
	return &Collector{
		store:    st,
		services: svc,
		ports:    ports,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectWorkspaceMetrics()
	c.collectServiceMetrics()
	c.collectPortMetrics()
}

func (c *Collector) collectWorkspaceMetrics() {
	workspaces, err := c.store.List(types.WorkspaceFilters{})
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, ws := range workspaces {
		provider := string(ws.Provider)
		status := string(ws.Status)
		if counts[provider] == nil {
			counts[provider] = make(map[string]int)
		}
		counts[provider][status]++
	}

	WorkspacesTotal.Reset()
	for provider, statuses := range counts {
		for status, count := range statuses {
			WorkspacesTotal.WithLabelValues(provider, status).Set(float64(count))
		}
	}
}

func (c *Collector) collectServiceMetrics() {
	if c.services == nil {
		return
	}

	counts := make(map[string]int)
	for _, kind := range []types.ServiceKind{types.ServicePostgres, types.ServiceRedis, types.ServiceMongo, types.ServiceRegistry} {
		if st := c.services.State(kind); st != nil {
			counts[string(kind)] = 1
		}
	}

	SharedServicesTotal.Reset()
	for kind, count := range counts {
		SharedServicesTotal.WithLabelValues(kind).Set(float64(count))
	}
}

func (c *Collector) collectPortMetrics() {
	if c.ports == nil {
		return
	}
	PortRangesInUse.Set(float64(len(c.ports.List())))
}
