package toolchain

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"pqmatrix/internal/matrix"
)

// stage copies the built artifact and any companion files present next to it
// into <artifacts>/<cell-id>/. The directory is assembled under a temporary
// name and swapped in with a rename, so a rebuild replaces the previous
// artifact as a whole and never merges with it. A failed build never reaches
// this point, so it cannot disturb an earlier staged artifact.
func (b *Builder) stage(cell matrix.Cell, src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("artifact %s is not a regular file", src)
	}

	root := b.Config.Paths.Artifacts
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(root, "."+cell.ID()+".staging-")
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	name := filepath.Base(src)
	if err := copyFile(src, filepath.Join(tmp, name), info.Mode().Perm()); err != nil {
		return "", err
	}
	srcDir := filepath.Dir(src)
	for _, comp := range cell.Rule.Companions {
		from := filepath.Join(srcDir, comp)
		st, err := os.Stat(from)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !st.Mode().IsRegular()) {
			// Reported by the verifier as companion_missing.
			continue
		}
		if err != nil {
			return "", err
		}
		to := filepath.Join(tmp, comp)
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return "", err
		}
		if err := copyFile(from, to, st.Mode().Perm()); err != nil {
			return "", err
		}
	}

	final := filepath.Join(root, cell.ID())
	if err := replaceDir(tmp, final); err != nil {
		return "", err
	}
	committed = true
	return filepath.Join(final, name), nil
}

// replaceDir moves src into place at dst, retiring any existing dst first.
func replaceDir(src, dst string) error {
	var retired string
	if _, err := os.Stat(dst); err == nil {
		old, err := os.MkdirTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".old-")
		if err != nil {
			return err
		}
		retired = filepath.Join(old, "prev")
		if err := os.Rename(dst, retired); err != nil {
			_ = os.RemoveAll(old)
			return err
		}
		defer os.RemoveAll(old)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		if retired != "" {
			_ = os.Rename(retired, dst)
		}
		return err
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
