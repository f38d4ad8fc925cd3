/*
Package log provides structured logging for vm using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support
filtering by severity level.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("provisioner")             │          │
	│  │  - WithWorkspaceID("ws-abc123")             │          │
	│  │  - WithProvider("container")                │          │
	│  │  - WithService("postgres")                  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "provisioner",              │          │
	│  │    "time": "2026-07-30T10:30:00Z",         │          │
	│  │    "message": "workspace provisioned"       │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-30T10:30:00Z INF workspace provisioned component=provisioner │ │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all vm packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithWorkspaceID: Add workspace ID context
  - WithProvider: Add provider kind context
  - WithService: Add shared-service kind context

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Example: "Checking port range availability: start=20000, size=10"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Example: "Workspace created: api-dev (container)"

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Example: "Shared service health check degraded (1 occurrence)"

Error Level:
  - Purpose: Operation failures that need investigation
  - Example: "Failed to start container: image not found"

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Behavior: Logs message and exits process (os.Exit(1))
  - Example: "Failed to open workspace store: %v"

# Usage

Initializing the Logger:

	import "github.com/cuemby/vm/pkg/log"

	// JSON output (production / `vm serve`)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (interactive CLI use)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("provisioner started")
	log.Debug("polling store for pending workspaces")
	log.Warn("port registry file missing, starting empty")
	log.Error("failed to reach containerd")
	log.Fatal("cannot start without workspace store")

Structured Logging:

	log.Logger.Info().
		Str("workspace_id", "ws-123").
		Str("provider", "container").
		Msg("workspace created")

	log.Logger.Error().
		Err(err).
		Str("workspace_id", "ws-123").
		Msg("provision failed")

Component Loggers:

	provLog := log.WithComponent("provisioner")
	provLog.Info().Msg("starting provisioner loop")
	provLog.Debug().Str("workspace_id", "ws-123").Msg("advancing workspace")

	wsLog := log.WithWorkspaceID("ws-123")
	wsLog.Info().Msg("workspace running")

	svcLog := log.WithService("postgres")
	svcLog.Warn().Msg("health check degraded")

# Integration Points

This package is used by:

  - pkg/provisioner: logs advance/reap cycles and per-workspace outcomes
  - pkg/provider/container, pkg/provider/nativevm: logs container/VM
    lifecycle events
  - pkg/services: logs shared-service start/stop/health transitions
  - pkg/store: logs store open/close
  - pkg/httpapi: logs request handling
  - pkg/snapshot: logs capture/restore/export/import progress
  - cmd/vm: initializes the global logger from CLI flags

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"provisioner","time":"2026-07-30T10:30:00Z","message":"workspace provisioned"}
	{"level":"error","component":"container","workspace_id":"ws-abc","time":"2026-07-30T10:30:02Z","error":"image not found","message":"failed to start instance"}

Console Format (Development):

	2026-07-30T10:30:00Z INF workspace provisioned component=provisioner
	2026-07-30T10:30:02Z ERR failed to start instance component=container workspace_id=ws-abc error="image not found"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at startup
  - Accessible from all packages without passing a logger through

Context Logger Pattern:
  - Create child loggers with context fields (workspace ID, provider)
  - Pass context loggers down into call chains instead of re-specifying
    the same fields at every call site

Structured Logging Pattern:
  - Typed fields (.Str, .Int, .Err) over string concatenation, so logs
    stay parseable and queryable

# Security

Log Content:
  - Never log secrets: shared-service passwords, API identity tokens
  - Use structured fields for any user-supplied value (workspace name,
    owner) rather than string interpolation, to avoid log injection

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - pkg/werrors for how wrapped errors carry their Code into these logs
*/
package log
