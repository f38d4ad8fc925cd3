package container

import (
	"context"
	"os"
	"os/exec"

	ctrd "github.com/containerd/containerd"

	"github.com/cuemby/vm/pkg/werrors"
)

// buildImage builds buildCtx with buildctl (the standalone BuildKit
// client every containerd install ships alongside) and imports the
// resulting image directly into client's content store, the same path
// LoadImage uses for a snapshot-restored archive. It never shells out to
// a Docker daemon: this backend only ever talks to containerd.
func buildImage(ctx context.Context, client *ctrd.Client, buildCtx *buildContext, tag string) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return werrors.Wrap(err, werrors.CodeInternal, "create build output pipe")
	}
	defer pr.Close()

	cmd := exec.CommandContext(ctx, "buildctl", "build",
		"--frontend", "dockerfile.v0",
		"--local", "context="+buildCtx.Dir,
		"--local", "dockerfile="+buildCtx.Dir,
		"--opt", "filename=Dockerfile.generated",
		"--output", "type=docker,name="+tag,
	)
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return werrors.Wrap(err, werrors.CodeCommand, "start buildctl")
	}

	type importResult struct {
		err error
	}
	resultCh := make(chan importResult, 1)
	go func() {
		_, err := client.Import(ctx, pr)
		resultCh <- importResult{err: err}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	result := <-resultCh

	if waitErr != nil {
		return werrors.Wrap(waitErr, werrors.CodeCommand, "buildctl build")
	}
	if result.err != nil {
		return werrors.Wrap(result.err, werrors.CodeProvider, "import built image into containerd")
	}
	return nil
}
