package container

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/werrors"
)

// PortMapping is one host-to-container port publication, adapted from the
// teacher's host-mode iptables publisher: a bind address and host port on
// one side, a container address and port on the other.
type PortMapping struct {
	Name          string
	BindAddr      string // host-side address to DNAT; defaults to 127.0.0.1
	HostPort      int
	ContainerIP   string
	ContainerPort int
	Protocol      string // "tcp" (default) or "udp"
}

// portPublisher manages the iptables DNAT/MASQUERADE/FORWARD rule triplets
// that publish a container's ports onto the host, the same way the
// teacher's HostPortPublisher does for its host-mode tasks. One publisher
// is shared process-wide; rules are keyed by the instance/container name
// that owns them so DestroyInstance/Stop can unpublish in bulk.
type portPublisher struct {
	mu        sync.Mutex
	published map[string][]PortMapping
}

var ports = &portPublisher{published: map[string][]PortMapping{}}

// Publish installs DNAT rules forwarding each mapping's host port to its
// container address. Previously-installed mappings for id are replaced.
func (p *portPublisher) Publish(ctx context.Context, id string, mappings []PortMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, old := range p.published[id] {
		unpublishOne(ctx, old)
	}

	var installed []PortMapping
	for _, m := range mappings {
		if m.BindAddr == "" {
			m.BindAddr = "127.0.0.1"
		}
		if m.Protocol == "" {
			m.Protocol = "tcp"
		}
		if err := publishOne(ctx, m); err != nil {
			for _, done := range installed {
				unpublishOne(ctx, done)
			}
			return werrors.Wrapf(err, werrors.CodeProvider, "publish port %d for %s", m.HostPort, id)
		}
		installed = append(installed, m)
	}
	p.published[id] = installed
	log.WithComponent("container").Info().Str("container", id).Int("ports", len(installed)).Msg("published port bindings")
	return nil
}

// Unpublish removes every DNAT rule previously installed for id.
func (p *portPublisher) Unpublish(ctx context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.published[id] {
		unpublishOne(ctx, m)
	}
	delete(p.published, id)
}

// publishOne installs the DNAT/MASQUERADE/FORWARD triplet for one mapping,
// the same sequence as the teacher's setupPortForwarding.
func publishOne(ctx context.Context, m PortMapping) error {
	proto := strings.ToLower(m.Protocol)

	dnat := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-d", m.BindAddr,
		"-p", proto, "--dport", fmt.Sprintf("%d", m.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", m.ContainerIP, m.ContainerPort),
	}
	if err := run(ctx, "iptables", dnat...); err != nil {
		return fmt.Errorf("add DNAT rule: %w", err)
	}

	masq := []string{
		"-t", "nat", "-A", "POSTROUTING",
		"-d", m.ContainerIP,
		"-p", proto, "--dport", fmt.Sprintf("%d", m.ContainerPort),
		"-j", "MASQUERADE",
	}
	if err := run(ctx, "iptables", masq...); err != nil {
		unpublishOne(ctx, m)
		return fmt.Errorf("add MASQUERADE rule: %w", err)
	}

	forward := []string{
		"-A", "FORWARD",
		"-d", m.ContainerIP,
		"-p", proto, "--dport", fmt.Sprintf("%d", m.ContainerPort),
		"-j", "ACCEPT",
	}
	if err := run(ctx, "iptables", forward...); err != nil {
		unpublishOne(ctx, m)
		return fmt.Errorf("add FORWARD rule: %w", err)
	}

	return nil
}

// unpublishOne removes a previously installed triplet, ignoring errors for
// rules that may already be gone (mirroring the teacher's best-effort
// cleanup, which never blocks teardown on a missing rule).
func unpublishOne(ctx context.Context, m PortMapping) {
	proto := strings.ToLower(m.Protocol)

	_ = run(ctx, "iptables", "-t", "nat", "-D", "PREROUTING",
		"-d", m.BindAddr, "-p", proto, "--dport", fmt.Sprintf("%d", m.HostPort),
		"-j", "DNAT", "--to-destination", fmt.Sprintf("%s:%d", m.ContainerIP, m.ContainerPort))
	_ = run(ctx, "iptables", "-t", "nat", "-D", "POSTROUTING",
		"-d", m.ContainerIP, "-p", proto, "--dport", fmt.Sprintf("%d", m.ContainerPort), "-j", "MASQUERADE")
	_ = run(ctx, "iptables", "-D", "FORWARD",
		"-d", m.ContainerIP, "-p", proto, "--dport", fmt.Sprintf("%d", m.ContainerPort), "-j", "ACCEPT")
}
