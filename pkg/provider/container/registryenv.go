package container

import (
	"fmt"
	"runtime"

	"github.com/cuemby/vm/pkg/types"
)

// registryHost returns the address a workspace container should use to
// reach the shared package-registry service running on the host (as a
// "vm-docker_registry-global" container, like any other shared service).
// Docker for Mac/Windows resolve host.docker.internal to the host
// automatically; native Linux containers need the docker bridge gateway
// instead since that alias isn't registered there.
func registryHost() string {
	if runtime.GOOS == "linux" {
		return "172.17.0.1"
	}
	return "host.docker.internal"
}

// registryEnv returns the exact six environment variables a workspace
// needs to point its package managers at the shared registry cache
// running on the host at host:port.
func registryEnv(host string, port int) map[string]string {
	return map[string]string{
		"NPM_CONFIG_REGISTRY":    fmt.Sprintf("http://%s:%d/npm/", host, port),
		"PIP_INDEX_URL":          fmt.Sprintf("http://%s:%d/pypi/simple/", host, port),
		"PIP_EXTRA_INDEX_URL":    "https://pypi.org/simple/",
		"PIP_TRUSTED_HOST":       host,
		"VM_CARGO_REGISTRY_HOST": host,
		"VM_CARGO_REGISTRY_PORT": fmt.Sprintf("%d", port),
	}
}

// registryEnvFor returns registryEnv's variables for cfg, or nil if the
// shared package registry isn't enabled for this workspace.
func registryEnvFor(cfg *types.VmConfig) map[string]string {
	spec, ok := cfg.Services[string(types.ServiceRegistry)]
	if !ok || !spec.Enabled {
		return nil
	}
	port := cfg.Ports[string(types.ServiceRegistry)+"_port"]
	if port <= 0 {
		return nil
	}
	return registryEnv(registryHost(), port)
}
