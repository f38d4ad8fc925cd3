package container

import (
	"context"
	"fmt"
	"hash/fnv"
	"os/exec"
	"sync"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/werrors"
)

// bridgeName and bridgeCIDR define the private network every workspace and
// shared-service container joins instead of the host's namespace. One
// bridge is shared process-wide; ensureBridge is idempotent.
const (
	bridgeName    = "vmbr0"
	bridgeGateway = "10.88.0.1"
	bridgeCIDR    = "10.88.0.1/16"
)

var bridgeOnce struct {
	sync.Mutex
	ready bool
}

// ensureBridge creates the vmbr0 bridge and enables forwarding/masquerade
// for its subnet the first time any container needs it. Safe to call
// repeatedly and from concurrent CreateInstance calls.
func ensureBridge(ctx context.Context) error {
	bridgeOnce.Lock()
	defer bridgeOnce.Unlock()
	if bridgeOnce.ready {
		return nil
	}

	if err := run(ctx, "ip", "link", "show", bridgeName); err != nil {
		if err := run(ctx, "ip", "link", "add", bridgeName, "type", "bridge"); err != nil {
			return werrors.Wrap(err, werrors.CodeDependency, "create bridge "+bridgeName)
		}
		if err := run(ctx, "ip", "addr", "add", bridgeCIDR, "dev", bridgeName); err != nil {
			return werrors.Wrap(err, werrors.CodeDependency, "address bridge "+bridgeName)
		}
	}
	if err := run(ctx, "ip", "link", "set", bridgeName, "up"); err != nil {
		return werrors.Wrap(err, werrors.CodeDependency, "bring up bridge "+bridgeName)
	}

	// Best-effort: without forwarding and a masquerade rule for the subnet,
	// containers can reach each other but not the outside network (package
	// installs, git clones). Neither is fatal if it fails under a
	// restricted sandbox.
	_ = run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1")
	_ = run(ctx, "iptables", "-t", "nat", "-C", "POSTROUTING", "-s", "10.88.0.0/16", "!", "-o", bridgeName, "-j", "MASQUERADE")
	if err := run(ctx, "iptables", "-t", "nat", "-C", "POSTROUTING", "-s", "10.88.0.0/16", "!", "-o", bridgeName, "-j", "MASQUERADE"); err != nil {
		_ = run(ctx, "iptables", "-t", "nat", "-A", "POSTROUTING", "-s", "10.88.0.0/16", "!", "-o", bridgeName, "-j", "MASQUERADE")
	}

	bridgeOnce.ready = true
	return nil
}

// containerNetwork is the handle returned by setupContainerNetwork, carrying
// everything needed to wire the OCI spec and, later, tear the network down.
type containerNetwork struct {
	netnsPath string
	ip        string
	vethHost  string
	vethCtr   string
	nsName    string
}

// setupContainerNetwork creates a network namespace for name, wires it into
// vmbr0 with a veth pair, and assigns it a deterministic private IP. It
// replaces the previous oci.WithHostNamespace(specs.NetworkNamespace)
// sharing: each container now gets its own address instead of binding
// directly onto the host's sockets.
func setupContainerNetwork(ctx context.Context, name string) (*containerNetwork, error) {
	if err := ensureBridge(ctx); err != nil {
		return nil, err
	}

	tag := shortHash(name)
	n := &containerNetwork{
		nsName:   "vm-" + tag,
		vethHost: "veh" + tag,
		vethCtr:  "vec" + tag,
		ip:       ipForName(name),
	}
	n.netnsPath = "/var/run/netns/" + n.nsName

	if err := run(ctx, "ip", "netns", "add", n.nsName); err != nil {
		return nil, werrors.Wrapf(err, werrors.CodeDependency, "create network namespace for %s", name)
	}
	if err := run(ctx, "ip", "link", "add", n.vethHost, "type", "veth", "peer", "name", n.vethCtr); err != nil {
		_ = run(ctx, "ip", "netns", "delete", n.nsName)
		return nil, werrors.Wrapf(err, werrors.CodeDependency, "create veth pair for %s", name)
	}
	if err := run(ctx, "ip", "link", "set", n.vethHost, "master", bridgeName); err != nil {
		n.teardown(ctx)
		return nil, werrors.Wrap(err, werrors.CodeDependency, "attach veth to bridge")
	}
	if err := run(ctx, "ip", "link", "set", n.vethHost, "up"); err != nil {
		n.teardown(ctx)
		return nil, werrors.Wrap(err, werrors.CodeDependency, "bring up host veth")
	}
	if err := run(ctx, "ip", "link", "set", n.vethCtr, "netns", n.nsName); err != nil {
		n.teardown(ctx)
		return nil, werrors.Wrap(err, werrors.CodeDependency, "move veth into namespace")
	}
	if err := run(ctx, "ip", "netns", "exec", n.nsName, "ip", "addr", "add", n.ip+"/16", "dev", n.vethCtr); err != nil {
		n.teardown(ctx)
		return nil, werrors.Wrap(err, werrors.CodeDependency, "address container veth")
	}
	if err := run(ctx, "ip", "netns", "exec", n.nsName, "ip", "link", "set", n.vethCtr, "up"); err != nil {
		n.teardown(ctx)
		return nil, werrors.Wrap(err, werrors.CodeDependency, "bring up container veth")
	}
	if err := run(ctx, "ip", "netns", "exec", n.nsName, "ip", "link", "set", "lo", "up"); err != nil {
		n.teardown(ctx)
		return nil, werrors.Wrap(err, werrors.CodeDependency, "bring up container loopback")
	}
	if err := run(ctx, "ip", "netns", "exec", n.nsName, "ip", "route", "add", "default", "via", bridgeGateway); err != nil {
		n.teardown(ctx)
		return nil, werrors.Wrap(err, werrors.CodeDependency, "set container default route")
	}

	log.WithComponent("container").Debug().Str("container", name).Str("ip", n.ip).Msg("private network ready")
	return n, nil
}

// teardown deletes the namespace, which also removes its veth peer. It is
// best-effort: a missing namespace (already cleaned up) is not an error.
func (n *containerNetwork) teardown(ctx context.Context) {
	if n == nil {
		return
	}
	_ = run(ctx, "ip", "netns", "delete", n.nsName)
}

// teardownNetworkByName deletes the namespace for a container name without
// requiring the *containerNetwork handle from setup, for callers (like
// DestroyInstance) that only have the instance ID on hand.
func teardownNetworkByName(ctx context.Context, name string) {
	_ = run(ctx, "ip", "netns", "delete", "vm-"+shortHash(name))
}

// ipForName derives a stable private IP in the bridge's /16 from name, so
// the same workspace or shared service always gets the same address across
// a create/destroy cycle without needing separate allocation bookkeeping.
func ipForName(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	v := h.Sum32() % (253 * 253)
	a := v/253 + 2
	b := v%253 + 1
	return fmt.Sprintf("10.88.%d.%d", a, b)
}

func shortHash(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())[:8]
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %v: %w (%s)", name, args, err, string(out))
	}
	return nil
}
