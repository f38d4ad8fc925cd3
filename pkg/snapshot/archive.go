package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/cuemby/vm/pkg/werrors"
)

// ArchiveVolume tars srcDir and compresses it with zstd, falling back to
// gzip if the zstd encoder can't be constructed (spec.md §4.9: "zstd when
// available; tar.gz as fallback"). It returns the archive's file name
// (not full path) so callers can record it in SnapshotVolumeRef, and the
// number of bytes written.
func ArchiveVolume(srcDir, destDir, name string) (fileName string, size int64, err error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", 0, werrors.Wrap(err, werrors.CodeFilesystem, "create volume archive directory")
	}

	fileName = name + ".tar.zst"
	dest := filepath.Join(destDir, fileName)
	f, err := os.Create(dest)
	if err != nil {
		return "", 0, werrors.Wrapf(err, werrors.CodeFilesystem, "create %s", dest)
	}
	defer f.Close()

	zw, zerr := zstd.NewWriter(f)
	var tw *tar.Writer
	var gzw *gzip.Writer
	if zerr != nil {
		fileName = name + ".tar.gz"
		dest = filepath.Join(destDir, fileName)
		if err := f.Close(); err != nil {
			return "", 0, werrors.Wrap(err, werrors.CodeFilesystem, "close partial archive")
		}
		f, err = os.Create(dest)
		if err != nil {
			return "", 0, werrors.Wrapf(err, werrors.CodeFilesystem, "create %s", dest)
		}
		defer f.Close()
		gzw = gzip.NewWriter(f)
		tw = tar.NewWriter(gzw)
	} else {
		tw = tar.NewWriter(zw)
	}

	if err := tarDir(tw, srcDir); err != nil {
		return "", 0, err
	}
	if err := tw.Close(); err != nil {
		return "", 0, werrors.Wrap(err, werrors.CodeFilesystem, "close tar writer")
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return "", 0, werrors.Wrap(err, werrors.CodeFilesystem, "close zstd writer")
		}
	}
	if gzw != nil {
		if err := gzw.Close(); err != nil {
			return "", 0, werrors.Wrap(err, werrors.CodeFilesystem, "close gzip writer")
		}
	}

	info, err := os.Stat(dest)
	if err != nil {
		return "", 0, werrors.Wrap(err, werrors.CodeFilesystem, "stat archive")
	}
	return fileName, info.Size(), nil
}

// ExtractVolumeArchive extracts a volume archive (tar.zst or tar.gz,
// detected by extension) into destDir, which is created if absent.
// Importers must tolerate both forms per spec.md §6.
func ExtractVolumeArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeFilesystem, "open %s", archivePath)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(archivePath, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return werrors.Wrap(err, werrors.CodeFilesystem, "open zstd reader")
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(archivePath, ".tar.gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return werrors.Wrap(err, werrors.CodeFilesystem, "open gzip reader")
		}
		defer gr.Close()
		r = gr
	default:
		return werrors.New(werrors.CodeValidation, "unrecognized volume archive extension: "+archivePath)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "create volume destination directory")
	}
	return untar(tar.NewReader(r), destDir)
}

func tarDir(tw *tar.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

func untar(tr *tar.Reader, destDir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return werrors.Wrap(err, werrors.CodeFilesystem, "read tar entry")
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return werrors.Wrapf(err, werrors.CodeFilesystem, "mkdir %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return werrors.Wrapf(err, werrors.CodeFilesystem, "mkdir %s", filepath.Dir(target))
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return werrors.Wrapf(err, werrors.CodeFilesystem, "create %s", target)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return werrors.Wrapf(err, werrors.CodeFilesystem, "write %s", target)
			}
			f.Close()
		default:
			// Symlinks and other special entries are not expected in a
			// volume archive; skip rather than fail the whole restore.
		}
	}
}

// safeJoin joins destDir and name, rejecting any path that would escape
// destDir via ".." components — the same "no mount escapes the workspace
// path" discipline §4.5 requires for ssh's relative-path argument,
// applied here to tar entry names from a (possibly untrusted) snapshot.
func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Join(destDir, filepath.Clean("/"+name))
	if !strings.HasPrefix(cleaned, filepath.Clean(destDir)+string(filepath.Separator)) && cleaned != filepath.Clean(destDir) {
		return "", werrors.New(werrors.CodeValidation, "tar entry escapes destination: "+name)
	}
	return cleaned, nil
}

// ArchiveCapture wraps captureDir into a single gzip-compressed tar at
// destTarGz, the snapshot export format (spec.md §4.9, §6).
func ArchiveCapture(captureDir, destTarGz string) error {
	f, err := os.Create(destTarGz)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeFilesystem, "create %s", destTarGz)
	}
	defer f.Close()

	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	if err := tarDir(tw, captureDir); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "archive capture directory")
	}
	if err := tw.Close(); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "close tar writer")
	}
	return gzw.Close()
}

// ExtractCapture extracts a *.snapshot.tar.gz produced by ArchiveCapture
// into destDir.
func ExtractCapture(srcTarGz, destDir string) error {
	f, err := os.Open(srcTarGz)
	if err != nil {
		return werrors.Wrapf(err, werrors.CodeFilesystem, "open %s", srcTarGz)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "open gzip reader")
	}
	defer gzr.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return werrors.Wrap(err, werrors.CodeFilesystem, "create extraction directory")
	}
	return untar(tar.NewReader(gzr), destDir)
}
