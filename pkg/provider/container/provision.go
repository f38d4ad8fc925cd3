package container

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/cuemby/vm/pkg/provider"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

// playbookPath is the fixed in-container location the rendered
// provisioning playbook is copied to before it runs, matching the
// "path fixed" requirement for the embedded interpreter step.
const playbookPath = "/tmp/.vm-playbook.sh"

var playbookTemplate = template.Must(template.ParseFS(sharedResources, "resources/playbook.sh.tmpl"))

type playbookArgs struct {
	PackageLinking bool
	ClaudeSync     bool
	GeminiSync     bool
}

// RunProvisioning implements provider.Provisioner: it renders the
// provisioning playbook for cfg, copies it into instanceID at the fixed
// playbookPath, and runs it through `sh`, the embedded interpreter every
// base image already carries (no ansible dependency needed for the
// shell-script-shaped steps this playbook performs). onEvent, if
// non-nil, receives each classified TASK/ok/changed/failed line as it
// streams, the same vocabulary a real ansible-playbook run emits.
func (p *Provider) RunProvisioning(ctx context.Context, instanceID string, cfg *types.VmConfig, onEvent func(ProgressEvent)) (ProgressSummary, error) {
	var buf bytes.Buffer
	args := playbookArgs{
		PackageLinking: cfg.PackageLinking,
		ClaudeSync:     cfg.ClaudeSync,
		GeminiSync:     cfg.GeminiSync,
	}
	if err := playbookTemplate.Execute(&buf, args); err != nil {
		return ProgressSummary{}, werrors.Wrap(err, werrors.CodeInternal, "render provisioning playbook")
	}

	tmpDir, err := os.MkdirTemp("", "vm-playbook-*")
	if err != nil {
		return ProgressSummary{}, werrors.Wrap(err, werrors.CodeFilesystem, "create playbook staging directory")
	}
	defer os.RemoveAll(tmpDir)

	hostPath := filepath.Join(tmpDir, "playbook.sh")
	if err := os.WriteFile(hostPath, buf.Bytes(), 0o755); err != nil {
		return ProgressSummary{}, werrors.Wrap(err, werrors.CodeFilesystem, "write rendered playbook")
	}

	if err := p.Copy(ctx, instanceID, hostPath, "container:"+playbookPath); err != nil {
		return ProgressSummary{}, werrors.Wrapf(err, werrors.CodeProvider, "copy playbook into container %s", instanceID)
	}

	pr, pw := io.Pipe()
	defer pr.Close()

	done := make(chan ProgressSummary, 1)
	go func() {
		done <- streamProgress(pr, onEvent)
	}()

	exitCode, execErr := p.Exec(ctx, instanceID, provider.ExecOptions{
		Cmd:    []string{"sh", playbookPath},
		Stdout: pw,
		Stderr: pw,
	})
	pw.Close()
	summary := <-done

	if execErr != nil {
		return summary, werrors.Wrapf(execErr, werrors.CodeProvider, "run provisioning playbook")
	}
	if exitCode != 0 {
		return summary, werrors.New(werrors.CodeProvider, "provisioning playbook exited non-zero")
	}
	if summary.Failed > 0 {
		return summary, werrors.New(werrors.CodeProvider, "provisioning playbook reported failed tasks")
	}
	return summary, nil
}
