/*
Package metrics provides Prometheus metrics collection and exposition for vm.

The metrics package defines and registers every vm metric using the
Prometheus client library, and exposes a readiness/liveness/health surface
used both by `vm serve`'s HTTP API and by external orchestration (container
health checks, load balancer probes).

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Collector (pkg/metrics)             │          │
	│  │  - Samples store, services, ports on a      │          │
	│  │    15s ticker (Start/Stop)                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Prometheus Registry (global)          │          │
	│  │  - Gauges: workspaces, shared services,     │          │
	│  │    port ranges in use                       │          │
	│  │  - Counters: API requests, provision         │          │
	│  │    failures, snapshot bytes                 │          │
	│  │  - Histograms: API/provision/snapshot        │          │
	│  │    durations                                 │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         /metrics, /health, /ready            │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Metrics

Workspace Gauges:

vm_workspaces_total{provider,status}
  - Current workspace count, labeled by provider (container/native_vm) and
    status (creating/running/stopped/failed/destroyed)

vm_shared_services_total{kind}
  - 1 for each shared service kind (postgresql/redis/mongodb/
    docker_registry) the services manager currently tracks; kinds it does
    not track have no series

vm_port_ranges_in_use
  - Number of host port ranges currently reserved in the port registry

HTTP API:

vm_api_requests_total{method,status}
  - Total HTTP API requests, by method and response status class
    (2xx/3xx/4xx/5xx)

vm_api_request_duration_seconds{method}
  - Request latency histogram

Provisioning:

vm_provision_duration_seconds{provider}
  - Time to take a workspace from Creating to Running

vm_provision_failures_total{provider}
  - Failed provisioning attempts

vm_provisioner_cycle_duration_seconds, vm_provisioner_cycles_total
  - Provisioner poll-loop timing and throughput

Snapshots:

vm_snapshot_duration_seconds{operation}, vm_snapshot_bytes_total{operation}
  - Capture/restore/export/import timing and archive size, labeled by
    operation

# Usage

Registering the collector (done once, in `vm serve`):

	c := metrics.NewCollector(store, svc, ports)
	c.Start()
	defer c.Stop()

	mux.Handle("/metrics", metrics.Handler())

Timing an operation:

	timer := metrics.NewTimer()
	err := doProvision(ctx, ws)
	timer.ObserveDurationVec(metrics.ProvisionDuration, string(ws.Provider))

Health reporting:

	metrics.SetVersion(Version)
	metrics.RegisterComponent("provisioner", true, "")
	metrics.RegisterComponent("store", storeOK, storeMessage)

	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())

# Integration Points

This package is used by:

  - cmd/vm/serve.go: starts the Collector and mounts the HTTP handlers
  - pkg/httpapi: counts requests by method and status class, and times
    them by method

The provisioning and snapshot series are registered here, but no package
in this module records them.

# Design Patterns

Global Registry Pattern:
  - Metric vars are package-level, registered once in init()
  - Any package imports pkg/metrics and records directly, no wiring needed

Collector Pattern:
  - A single ticker-driven Collector owns the "current state" gauges
    (workspace/service/port counts), recomputed on each tick rather than
    incrementally maintained, so a missed update self-heals on the next
    tick

Component Health Pattern:
  - Subsystems call RegisterComponent with their own health/message
    (cmd/vm/serve.go registers store and provisioner); ReadyHandler bases
    its verdict only on the critical components, store and provisioner,
    while other registered components appear in /health alone

# Security

Metrics Content:
  - Labels carry provider/status/kind/operation only — never workspace
    names, owners, or secret material
  - /metrics is unauthenticated by default; front it with the same proxy
    that terminates /health if it needs to stay off a public interface

# See Also

  - Prometheus client docs: https://github.com/prometheus/client_golang
  - pkg/httpapi for how requests are instrumented
*/
package metrics
