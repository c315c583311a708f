package nar

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

type restoreConfig struct {
	caseHack bool
}

// RestoreOption configures a restore.
type RestoreOption func(*restoreConfig)

// WithRestoreCaseHack renames entries that collide case-insensitively
// by appending the case-hack suffix, so the tree survives restoration
// onto a case-insensitive filesystem.
func WithRestoreCaseHack(enabled bool) RestoreOption {
	return func(c *restoreConfig) {
		c.caseHack = enabled
	}
}

// Restore materialises the archive read from r at target. The target
// itself becomes the root node: a directory, regular file or symlink.
func Restore(r io.Reader, target string, opts ...RestoreOption) error {
	var cfg restoreConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	nr := NewReader(r)

	// Restored location of each archive directory, plus the seen-name
	// sets used by the case hack.
	fsDirs := map[string]string{}
	seen := map[string]map[string]uint32{}

	for {
		h, err := nr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		fsPath := target

		if h.Path != "/" {
			parent := path.Dir(h.Path)

			dir, ok := fsDirs[parent]
			if !ok {
				return fmt.Errorf("nar: entry %q outside any restored directory", h.Path)
			}

			name := path.Base(h.Path)
			if cfg.caseHack {
				name, err = applyCaseHack(seen[parent], name)
				if err != nil {
					return err
				}
			}

			fsPath, err = fsJoin(dir, name)
			if err != nil {
				return err
			}
		}

		switch h.Type {
		case TypeDirectory:
			if err := os.Mkdir(fsPath, 0o777); err != nil && !(h.Path == "/" && os.IsExist(err)) {
				return err
			}

			fsDirs[h.Path] = fsPath
			seen[h.Path] = map[string]uint32{}

		case TypeSymlink:
			if err := os.Symlink(h.LinkTarget, fsPath); err != nil {
				return err
			}

		case TypeRegular:
			if err := restoreFile(nr, fsPath, h); err != nil {
				return err
			}
		}
	}
}

func restoreFile(nr *Reader, fsPath string, h *Header) error {
	mode := os.FileMode(0o666)
	if h.Executable {
		mode = 0o777
	}

	f, err := os.OpenFile(fsPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, nr); err != nil {
		f.Close()

		return fmt.Errorf("restoring %q: %w", fsPath, err)
	}

	return f.Close()
}

// fsJoin joins a restored directory with an entry name, refusing names
// that would escape the directory.
func fsJoin(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return "", fmt.Errorf("nar: refusing to restore entry name %q", name)
	}

	return filepath.Join(dir, name), nil
}
