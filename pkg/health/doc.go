/*
Package health provides health check mechanisms for monitoring workspace instance health.

This package implements three types of health checks: HTTP, TCP, and Exec.
Health checks enable on-demand detection of an unhealthy workspace
instance or shared service container, surfaced through `vm status` and
the HTTP API rather than driving any automatic replacement.

# Architecture

The health check system follows a modular checker design:

	┌─────────────────────────────────────────────────────────────┐
	│                   Health Check System                       │
	└─────┬──────────────────────────────────────────────────────┘
	      │
	      ▼
	┌──────────────────────────────────────────────────────────────┐
	│                     Checker Interface                        │
	│  • Check(ctx) Result                                         │
	│  • Type() CheckType                                          │
	└────────┬─────────────────────────────────────────────────────┘
	         │
	    ┌────┴──────┬──────────┐
	    ▼           ▼          ▼
	┌────────┐  ┌──────┐  ┌────────┐
	│  HTTP  │  │ TCP  │  │  Exec  │
	│Checker │  │Checker│ │Checker │
	└────────┘  └──────┘  └────────┘
	     │          │          │
	     ▼          ▼          ▼
	  GET /    Connect     Run cmd
	  /health    :port      in container

## Health Check Flow

 1. Instance starts → provider creates a health checker bound to it
 2. Wait for StartPeriod (grace period for slow dev-container startup)
 3. On each Status() call: run the health check
 4. If check fails: increment consecutive failures
 5. If failures >= Retries: mark the instance unhealthy
 6. The caller (CLI, HTTP API) surfaces the FailureMessage as-is

# Health Check Types

## HTTP Health Checks

HTTP checks perform HTTP requests to verify application health:

	Check Type: HTTP
	Configuration:
	├── URL: http://container-ip:8080/health
	├── Method: GET, POST, HEAD
	├── Headers: Custom HTTP headers
	├── Expected Status: 200-399 (configurable)
	└── Timeout: 10 seconds

Example responses:
  - 200 OK → Healthy
  - 503 Service Unavailable → Unhealthy
  - Connection timeout → Unhealthy
  - Connection refused → Unhealthy

## TCP Health Checks

TCP checks verify that a port is listening and accepting connections:

	Check Type: TCP
	Configuration:
	├── Address: container-ip:6379
	├── Timeout: 5 seconds
	└── Connection test only (no data sent)

Use cases:
  - Database health (PostgreSQL, MySQL, Redis)
  - Message queue health (RabbitMQ, Kafka)
  - Any service with TCP listener

## Exec Health Checks

Exec checks run commands inside the container and check exit codes:

	Check Type: Exec
	Configuration:
	├── Command: ["pg_isready", "-U", "postgres"]
	├── Timeout: 10 seconds
	├── Exit code 0 → Healthy
	└── Exit code != 0 → Unhealthy

Use cases:
  - Database-specific checks (pg_isready, mysqladmin ping)
  - Custom health scripts
  - File system checks
  - Process checks

# Core Components

## Checker Interface

All health checkers implement this interface:

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

This allows polymorphic health checking - callers don't need to know the
check type, just call Check() and interpret the Result.

## Result Structure

All checks return a standardized Result:

	type Result struct {
		Healthy   bool          // Check passed?
		Message   string        // Human-readable message
		CheckedAt time.Time     // When check ran
		Duration  time.Duration // How long check took
	}

## Status Tracking

Status tracks health over time:

	type Status struct {
		ConsecutiveFailures  int    // Failure streak
		ConsecutiveSuccesses int    // Success streak
		LastCheck            time.Time
		LastResult           Result
		Healthy              bool   // Current health state
		StartedAt            time.Time
	}

The status implements hysteresis - multiple failures required before marking
unhealthy, preventing flapping from transient issues.

## Configuration

Health checks are configured per service:

	type Config struct {
		Interval    time.Duration  // Time between checks (default: 30s)
		Timeout     time.Duration  // Max check duration (default: 10s)
		Retries     int            // Failures before unhealthy (default: 3)
		StartPeriod time.Duration  // Grace period for slow startup (default: 0)
	}

# Usage Examples

## HTTP Health Check

	import "github.com/cuemby/vm/pkg/health"

	// Create HTTP checker
	checker := health.NewHTTPChecker("http://192.168.1.10:8080/health")

	// Customize (optional)
	checker.WithMethod("GET").
		WithHeader("User-Agent", "vm-health/1.0").
		WithStatusRange(200, 299).  // Only 2xx is healthy
		WithTimeout(5 * time.Second)

	// Perform check
	ctx := context.Background()
	result := checker.Check(ctx)

	if result.Healthy {
		fmt.Printf("✓ Healthy: %s (took %v)\n", result.Message, result.Duration)
	} else {
		fmt.Printf("✗ Unhealthy: %s\n", result.Message)
	}

	// Output:
	// ✓ Healthy: HTTP 200 OK (took 12ms)

## TCP Health Check

	// Create TCP checker for Redis
	checker := health.NewTCPChecker("192.168.1.10:6379")
	checker.WithTimeout(3 * time.Second)

	// Check if Redis is listening
	result := checker.Check(ctx)

	if result.Healthy {
		fmt.Println("Redis is accepting connections")
	} else {
		fmt.Printf("Redis unreachable: %s\n", result.Message)
	}

	// Output:
	// Redis is accepting connections

## Exec Health Check

	// Create exec checker for PostgreSQL
	checker := health.NewExecChecker([]string{
		"pg_isready",
		"-U", "postgres",
		"-d", "mydb",
	})
	checker.WithTimeout(5 * time.Second)
	// The command runs on the host: ExecChecker cannot exec into a
	// container, and WithContainer makes Check report unhealthy.

	// Check database
	result := checker.Check(ctx)

	if result.Healthy {
		fmt.Println("PostgreSQL is ready")
	} else {
		fmt.Printf("PostgreSQL not ready: %s\n", result.Message)
	}

## Health Status Tracking

	// Create status tracker
	status := health.NewStatus()

	// Configure health check
	config := health.Config{
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		Retries:     3,
		StartPeriod: 30 * time.Second,
	}

	// Simulate health check loop
	checker := health.NewHTTPChecker("http://app:8080/health")

	for {
		// Check if in startup grace period
		if status.InStartPeriod(config) {
			fmt.Println("In startup period, skipping health check")
			time.Sleep(config.Interval)
			continue
		}

		// Run health check
		ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
		result := checker.Check(ctx)
		cancel()

		// Update status
		status.Update(result, config)

		// Check if unhealthy
		if !status.Healthy {
			fmt.Printf("Container unhealthy after %d failures\n",
				status.ConsecutiveFailures)
			// Trigger replacement...
			break
		}

		time.Sleep(config.Interval)
	}

## Workspaces and Services

No type in pkg/types carries a health-check definition, and nothing in
this module runs a checker on a schedule; a caller that wants periodic
checks drives Status.Update itself, as in the loop above.

# Integration Points

## Provider Integration

`pkg/provider/container` does not use this package. Its StartInstance
waits for readiness by running `true` inside the new container through
the provider's own Exec, up to 30 attempts one second apart, and its
Status call reports the task state without running any check.

## Provisioner Integration

The provisioner runs no health polling loop; it marks a workspace
Running once the provider's StartInstance and the remaining setup steps
return without error.

## HTTP API Integration

The HTTP API's GET /workspaces/{id} route returns the stored workspace
row; it runs no health check.

# Design Patterns

## Strategy Pattern

Different checkers implement the Checker interface:

	Checker (interface)
	├── HTTPChecker (HTTP strategy)
	├── TCPChecker (TCP strategy)
	└── ExecChecker (Exec strategy)

This allows runtime selection of check type without code changes.

## Builder Pattern

Checkers use fluent builders for configuration:

	checker := NewHTTPChecker(url).
		WithMethod("POST").
		WithHeader("Auth", "token").
		WithTimeout(5 * time.Second)

This provides clean, readable configuration with optional parameters.

## Hysteresis Pattern

Status tracking implements hysteresis to prevent flapping:

	Healthy → 1 failure → Still healthy
	Healthy → 2 failures → Still healthy
	Healthy → 3 failures → Unhealthy!

	Unhealthy → 1 success → Healthy!

This prevents oscillation from transient issues while still responding to
persistent problems.

## Context-Based Cancellation

All checks respect context deadlines:

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := checker.Check(ctx)  // Respects timeout

This enables proper timeout handling and resource cleanup.

# Performance Characteristics

## HTTP Check Performance

HTTP checks are network-bound:

  - Latency: 1-100ms (depends on network + app)
  - Memory: ~10KB per check (HTTP client)
  - CPU: Minimal (mostly waiting for I/O)

For 100 checks/second:
  - ~1% CPU usage
  - ~1MB memory

## TCP Check Performance

TCP checks are very lightweight:

  - Latency: 1-10ms (just TCP handshake)
  - Memory: ~1KB per check
  - CPU: Negligible

TCP checks are ideal for high-frequency monitoring.

## Exec Check Performance

Exec checks are most expensive:

  - Latency: 10-1000ms (depends on command)
  - Memory: Command output size
  - CPU: Command execution

Use exec checks sparingly and increase check interval.

## Recommended Check Intervals

  - HTTP: 10-30 seconds
  - TCP: 5-15 seconds
  - Exec: 30-60 seconds

# Troubleshooting

## False Positive Failures

If healthy containers are marked unhealthy:

1. Check timeout settings:
  - Timeout too short for slow responses?
  - Network latency accounted for?
  - Increase timeout to 2x expected duration

2. Check retry count:
  - Retries = 1 → Very sensitive to transients
  - Retries = 3 → More tolerant (recommended)
  - Increase retries for flaky networks

3. Check StartPeriod:
  - App takes 60s to start but StartPeriod = 10s?
  - Set StartPeriod > app startup time
  - Monitor app startup logs

## Health Checks Not Running

If health checks aren't being performed:

1. Verify configuration:
  - Check the workspace's HealthCheck config is set
  - Verify Interval > 0
  - Ensure the provider's Status path is actually invoked

2. Check provider logs:
  - Look for "health check" messages
  - Check for errors creating the checker
  - Verify container IP/port reachable

3. Check network connectivity:
  - Can the host reach the container IP?
  - Firewall blocking the health check port?
  - Container actually listening on port?

## Health Checks Too Slow

If health checks impact performance:

1. Optimize check endpoint:
  - Health check should be lightweight
  - Don't hit database on every check
  - Cache health status if expensive to compute

2. Tune check interval:
  - Reduce check frequency
  - Balance detection speed vs. overhead
  - 30s interval is usually sufficient

3. Use appropriate check type:
  - TCP faster than HTTP
  - HTTP faster than Exec
  - Choose lightest check that's still reliable

## Container Flapping

If containers restart repeatedly:

1. Check application health:
  - Is app actually healthy?
  - Check application logs for errors
  - Test health endpoint manually

2. Tune health check parameters:
  - Increase retries (tolerate transients)
  - Increase interval (reduce check frequency)
  - Increase timeout (allow slower responses)
  - Increase StartPeriod (slow startup)

3. Review health check logic:
  - Is check too strict?
  - Is check testing right thing?
  - Consider application-specific checks

# Monitoring Metrics

Key health check metrics:

  - Health checks performed per second
  - Health check success rate
  - Health check latency (p50, p95, p99)
  - Consecutive failures per instance
  - Instances marked unhealthy per hour

# Best Practices

1. Health Check Design
  - Check critical dependencies (database, cache, etc.)
  - Return quickly (< 1 second ideal)
  - Don't overwhelm backend services
  - Cache expensive computations
  - Return detailed status in response

2. Configuration Tuning
  - Set Interval = 10-30s (balance detection vs. overhead)
  - Set Timeout = 5-10s (2x expected response time)
  - Set Retries = 3 (tolerate transients)
  - Set StartPeriod = 2x app startup time

3. Application Integration
  - Implement /health endpoint in all services
  - Return 200 when healthy, 503 when not
  - Include dependency status in health response
  - Test health endpoint in development

4. HTTP Health Endpoints
  - Keep checks lightweight
  - Don't require authentication
  - Return JSON with status details
  - Include version and uptime
  - Test with curl before deploying

5. Progressive Readiness
  - Use StartPeriod for slow-starting apps
  - Consider separate readiness vs. liveness checks (future)
  - Gradual health restoration (don't kill on first failure)

# Security Considerations

## HTTP Health Checks

  - Health endpoints should not require authentication
  - Don't expose sensitive information in health responses
  - Use internal networks only (not public internet)
  - Rate limit health check endpoints

## Exec Health Checks

  - Validate command arguments (prevent injection)
  - Run commands as non-root user
  - Limit command execution time
  - Monitor for command abuse

# Future Enhancements

Planned health check features:

  - gRPC health checks (gRPC health protocol)
  - Custom health check scripts
  - Readiness vs. liveness checks (Kubernetes-style)
  - Health check metrics export (Prometheus)
  - Dependency health aggregation
  - Circuit breaker integration

# See Also

  - pkg/metrics - the /health and /ready handlers mounted by pkg/httpapi,
    which track component health separately from this package
*/
package health
