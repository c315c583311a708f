package nar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/semaphore"
)

// defaultOpenFiles bounds the number of files the package holds open
// across all concurrent dumps.
//
//nolint:gochecknoglobals
var defaultOpenFiles = semaphore.NewWeighted(100)

type dumpConfig struct {
	openFiles *semaphore.Weighted
	caseHack  bool
	filter    func(fsPath string, t NodeType) bool
}

// DumpOption configures a dump.
type DumpOption func(*dumpConfig)

// WithOpenFileLimit replaces the shared semaphore that bounds open
// files during dumps.
func WithOpenFileLimit(sem *semaphore.Weighted) DumpOption {
	return func(c *dumpConfig) {
		c.openFiles = sem
	}
}

// WithDumpCaseHack strips case-hack suffixes from on-disk names while
// dumping, for trees restored onto case-insensitive filesystems.
func WithDumpCaseHack(enabled bool) DumpOption {
	return func(c *dumpConfig) {
		c.caseHack = enabled
	}
}

// WithFilter skips entries for which the filter returns false.
// Filtering a directory skips its whole subtree.
func WithFilter(filter func(fsPath string, t NodeType) bool) DumpOption {
	return func(c *dumpConfig) {
		c.filter = filter
	}
}

// DumpPath serialises the filesystem tree rooted at fsPath to w.
func DumpPath(w io.Writer, fsPath string, opts ...DumpOption) error {
	return DumpPathContext(context.Background(), w, fsPath, opts...)
}

// DumpPathContext is DumpPath with cancellation. The context bounds
// waiting on the open-file semaphore.
func DumpPathContext(ctx context.Context, w io.Writer, fsPath string, opts ...DumpOption) error {
	cfg := dumpConfig{openFiles: defaultOpenFiles}
	for _, opt := range opts {
		opt(&cfg)
	}

	nw, err := NewWriter(w)
	if err != nil {
		return err
	}

	d := &dumper{ctx: ctx, cfg: cfg, w: nw}

	if err := d.dump("/", fsPath); err != nil {
		return err
	}

	return nw.Close()
}

type dumper struct {
	ctx context.Context
	cfg dumpConfig
	w   *Writer
}

func (d *dumper) dump(narPath, fsPath string) error {
	fi, err := os.Lstat(fsPath)
	if err != nil {
		return err
	}

	switch {
	case fi.Mode().IsRegular():
		return d.dumpFile(narPath, fsPath, fi)

	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fsPath)
		if err != nil {
			return err
		}

		return d.w.WriteHeader(&Header{
			Path:       narPath,
			Type:       TypeSymlink,
			LinkTarget: target,
		})

	case fi.IsDir():
		return d.dumpDir(narPath, fsPath)

	default:
		return fmt.Errorf("nar: unsupported file type of %q", fsPath)
	}
}

func (d *dumper) dumpFile(narPath, fsPath string, fi os.FileInfo) error {
	if err := d.cfg.openFiles.Acquire(d.ctx, 1); err != nil {
		return err
	}
	defer d.cfg.openFiles.Release(1)

	f, err := os.Open(fsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	err = d.w.WriteHeader(&Header{
		Path:       narPath,
		Type:       TypeRegular,
		Size:       fi.Size(),
		Executable: fi.Mode()&0o100 != 0,
	})
	if err != nil {
		return err
	}

	if _, err := io.Copy(d.w, f); err != nil {
		return fmt.Errorf("dumping %q: %w", fsPath, err)
	}

	return nil
}

func (d *dumper) dumpDir(narPath, fsPath string) error {
	if err := d.w.WriteHeader(&Header{Path: narPath, Type: TypeDirectory}); err != nil {
		return err
	}

	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return err
	}

	type dirEntry struct {
		name   string // archive name, case hack stripped
		fsName string
	}

	list := make([]dirEntry, 0, len(entries))

	for _, e := range entries {
		name := e.Name()
		if d.cfg.caseHack {
			name = StripCaseHack(name)
		}

		list = append(list, dirEntry{name: name, fsName: e.Name()})
	}

	if d.cfg.caseHack {
		// Stripping may have disturbed the on-disk ordering.
		sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })

		for i := 1; i < len(list); i++ {
			if list[i].name == list[i-1].name {
				return fmt.Errorf("nar: case collision between %q and %q in %q",
					list[i-1].fsName, list[i].fsName, fsPath)
			}
		}
	}

	for _, e := range list {
		childNar := narPath + "/" + e.name
		if narPath == "/" {
			childNar = "/" + e.name
		}

		childFs := filepath.Join(fsPath, e.fsName)

		if d.cfg.filter != nil {
			t, err := nodeTypeOf(childFs)
			if err != nil {
				return err
			}

			if !d.cfg.filter(childFs, t) {
				continue
			}
		}

		if err := d.dump(childNar, childFs); err != nil {
			return err
		}
	}

	return nil
}

func nodeTypeOf(fsPath string) (NodeType, error) {
	fi, err := os.Lstat(fsPath)
	if err != nil {
		return "", err
	}

	switch {
	case fi.Mode().IsRegular():
		return TypeRegular, nil
	case fi.Mode()&os.ModeSymlink != 0:
		return TypeSymlink, nil
	case fi.IsDir():
		return TypeDirectory, nil
	default:
		return "", fmt.Errorf("nar: unsupported file type of %q", fsPath)
	}
}
