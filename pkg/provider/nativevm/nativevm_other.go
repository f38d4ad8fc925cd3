// +build !darwin

package nativevm

import (
	"context"
	"io"

	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

// Provider is a stub on platforms other than macOS: Lima's VM backend
// needs Hypervisor.framework (or a remote driver not wired here), so the
// native VM backend is macOS-only. Every method that acts on an instance
// returns CodeDependency; Kind, SSHCommand (empty string) and
// SupportsMultiInstance (false) return plain values.
type Provider struct{}

// New returns a Provider whose instance methods all fail with an
// unsupported error.
func New(dataDir string) *Provider { return &Provider{} }

func (p *Provider) Kind() types.ProviderKind { return types.ProviderNativeVM }

func (p *Provider) unsupported() error {
	return werrors.New(werrors.CodeDependency, "the native vm provider is only available on macOS")
}

func (p *Provider) CreateInstance(ctx context.Context, pctx provider.Context) (types.InstanceInfo, error) {
	return types.InstanceInfo{}, p.unsupported()
}

func (p *Provider) StartInstance(ctx context.Context, instanceID string) error {
	return p.unsupported()
}

func (p *Provider) StopInstance(ctx context.Context, instanceID string) error {
	return p.unsupported()
}

func (p *Provider) DestroyInstance(ctx context.Context, instanceID string, purgeVolumes bool) error {
	return p.unsupported()
}

func (p *Provider) ListInstances(ctx context.Context) ([]types.InstanceInfo, error) {
	return nil, p.unsupported()
}

func (p *Provider) Status(ctx context.Context, instanceID string) (types.StatusReport, error) {
	return types.StatusReport{}, p.unsupported()
}

func (p *Provider) Exec(ctx context.Context, instanceID string, opts provider.ExecOptions) (int, error) {
	return -1, p.unsupported()
}

func (p *Provider) Logs(ctx context.Context, instanceID string, w io.Writer, follow bool) error {
	return p.unsupported()
}

func (p *Provider) SSHCommand(instanceID, workspaceName string) string {
	return ""
}

func (p *Provider) Copy(ctx context.Context, instanceID, src, dst string) error {
	return p.unsupported()
}

func (p *Provider) GetContainerMounts(ctx context.Context, instanceID string) ([]string, error) {
	return nil, p.unsupported()
}

func (p *Provider) SupportsMultiInstance() bool { return false }

func (p *Provider) ResolveInstanceName(ctx context.Context, owner, name string, instance int) (string, error) {
	return "", p.unsupported()
}
