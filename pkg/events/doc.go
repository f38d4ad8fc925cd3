/*
Package events provides an in-memory event broker for workspace lifecycle
notifications.

The events package implements a lightweight event bus for broadcasting
workspace and shared-service state changes to interested subscribers. It
supports buffered, non-blocking publish/subscribe; the provisioner and
pkg/snapshot publish to it.

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (workspace.running, snapshot.captured, etc.)
  - Timestamp: When the event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context (workspace_id, kind, ...)

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe(), closed via broker.Unsubscribe()

# Event Types

Workspace Events:
  - workspace.creating, workspace.running, workspace.failed
  - workspace.stopped, workspace.destroyed

Shared Service Events:
  - service.started, service.stopped

Snapshot Events:
  - snapshot.captured, snapshot.restored

# Usage

	import "github.com/cuemby/vm/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s: %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventWorkspaceRunning,
		Message: "workspace 'api' is running",
		Metadata: map[string]string{"workspace_id": "ws-123"},
	})

# Integration Points

This package integrates with:

  - pkg/provisioner: publishes workspace state transitions as it reconciles
  - pkg/snapshot: publishes snapshot captured/restored events

The service.* event types are defined here, but no package in this module
publishes them, and pkg/httpapi does not expose the broker to clients.

# Design Notes

Non-blocking publish trades guaranteed delivery for throughput: a full
subscriber buffer skips that subscriber rather than blocking the publisher.
This is acceptable for status notifications but not for anything the
provisioner depends on for correctness (state transitions themselves are
always persisted to pkg/store first).
*/
package events
