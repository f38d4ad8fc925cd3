package container

import (
	"context"
	"os"

	ctrd "github.com/containerd/containerd"
	"github.com/containerd/containerd/images/archive"
	"github.com/containerd/containerd/namespaces"

	"github.com/cuemby/vm/pkg/werrors"
)

// SaveImage exports ref as an OCI image archive to destFile, implementing
// snapshot.ImageStore on top of the same containerd client used for
// instance lifecycle. The image must already be present locally (pulled
// by CreateInstance); SaveImage does not pull.
func (p *Provider) SaveImage(ctx context.Context, ref, destFile string) (string, error) {
	if err := p.Connect(ctx); err != nil {
		return "", err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	image, err := p.client.GetImage(ctx, ref)
	if err != nil {
		return "", werrors.Wrapf(err, werrors.CodeNotFound, "image %s not found locally", ref)
	}

	f, err := os.Create(destFile)
	if err != nil {
		return "", werrors.Wrapf(err, werrors.CodeFilesystem, "create %s", destFile)
	}
	defer f.Close()

	if err := p.client.Export(ctx, f, archive.WithImage(p.client.ImageService(), ref)); err != nil {
		return "", werrors.Wrapf(err, werrors.CodeProvider, "export image %s", ref)
	}

	return image.Target().Digest.String(), nil
}

// LoadImage imports an OCI image archive previously written by SaveImage,
// returning the ref of the (first) image it contains.
func (p *Provider) LoadImage(ctx context.Context, srcFile string) (string, error) {
	if err := p.Connect(ctx); err != nil {
		return "", err
	}
	ctx = namespaces.WithNamespace(ctx, Namespace)

	f, err := os.Open(srcFile)
	if err != nil {
		return "", werrors.Wrapf(err, werrors.CodeFilesystem, "open %s", srcFile)
	}
	defer f.Close()

	imported, err := p.client.Import(ctx, f)
	if err != nil {
		return "", werrors.Wrapf(err, werrors.CodeProvider, "import image archive %s", srcFile)
	}
	if len(imported) == 0 {
		return "", werrors.New(werrors.CodeValidation, "image archive contains no images: "+srcFile)
	}

	if _, err := p.client.GetImage(ctx, imported[0].Name); err != nil {
		if _, err := p.client.Pull(ctx, imported[0].Name, ctrd.WithPullUnpack); err != nil {
			return "", werrors.Wrapf(err, werrors.CodeProvider, "unpack imported image %s", imported[0].Name)
		}
	}

	return imported[0].Name, nil
}
