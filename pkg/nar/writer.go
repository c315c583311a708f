package nar

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
)

// Writer produces a NAR token stream from a sequence of Headers. Nodes
// must be delivered depth-first with directory entries sorted by raw
// byte name; the writer enforces the ordering rather than reordering.
//
// The usage mirrors archive/tar: call WriteHeader for each node, write
// exactly Size content bytes after a regular-file header, and finish
// with Close.
type Writer struct {
	w   io.Writer
	err error

	// open directories, root first. The root frame's path is "/".
	dirs []writerDir

	// pending regular file state.
	inFile       bool
	fileRoot     bool
	fileRemaining int64
	fileSize     int64

	rootWritten bool
	done        bool
}

type writerDir struct {
	path      string
	lastEntry string
}

// NewWriter starts a NAR stream on w by emitting the magic token.
func NewWriter(w io.Writer) (*Writer, error) {
	if err := writeTokenBytes(w, []byte(Magic)); err != nil {
		return nil, err
	}

	return &Writer{w: w}, nil
}

// WriteHeader begins a new node. For TypeRegular the caller must write
// exactly h.Size bytes before the next WriteHeader or Close.
func (nw *Writer) WriteHeader(h *Header) error {
	if nw.err != nil {
		return nw.err
	}

	if nw.done {
		return nw.fail(fmt.Errorf("nar: write after close"))
	}

	if nw.inFile {
		return nw.fail(fmt.Errorf("nar: %d content bytes missing for previous file", nw.fileRemaining))
	}

	cleaned, err := cleanPath(h.Path)
	if err != nil {
		return nw.fail(err)
	}

	isRoot := cleaned == "/"

	if isRoot {
		if nw.rootWritten {
			return nw.fail(fmt.Errorf("nar: root node written twice"))
		}

		nw.rootWritten = true

		if err := nw.writeStatic(token("(", "type")); err != nil {
			return err
		}
	} else {
		if !nw.rootWritten {
			return nw.fail(fmt.Errorf("nar: first header must be the root node %q", "/"))
		}

		parent := path.Dir(cleaned)
		name := path.Base(cleaned)

		if err := nw.closeUntil(parent); err != nil {
			return err
		}

		if len(nw.dirs) == 0 || nw.dirs[len(nw.dirs)-1].path != parent {
			return nw.fail(fmt.Errorf("nar: %q is not inside the open directory", h.Path))
		}

		top := &nw.dirs[len(nw.dirs)-1]
		if top.lastEntry != "" && name <= top.lastEntry {
			return nw.fail(fmt.Errorf("%w: %q after %q", ErrOutOfOrder, name, top.lastEntry))
		}

		top.lastEntry = name

		if err := nw.writeStatic(tokEntry); err != nil {
			return err
		}

		if err := nw.writeToken(name); err != nil {
			return err
		}

		if err := nw.writeStatic(tokNode); err != nil {
			return err
		}
	}

	switch h.Type {
	case TypeDirectory:
		if err := nw.writeStatic(tokDir); err != nil {
			return err
		}

		nw.dirs = append(nw.dirs, writerDir{path: cleaned})

		return nil

	case TypeSymlink:
		if h.LinkTarget == "" {
			return nw.fail(fmt.Errorf("nar: empty symlink target for %q", h.Path))
		}

		if len(h.LinkTarget) > maxTargetLen {
			return nw.fail(fmt.Errorf("nar: symlink target of %d bytes is too long", len(h.LinkTarget)))
		}

		if err := nw.writeStatic(tokSymlink); err != nil {
			return err
		}

		if err := nw.writeToken(h.LinkTarget); err != nil {
			return err
		}

		return nw.closeNode(isRoot)

	case TypeRegular:
		if h.Size < 0 {
			return nw.fail(fmt.Errorf("nar: negative file size %d", h.Size))
		}

		body := tokRegular
		if h.Executable {
			body = tokExec
		}

		if err := nw.writeStatic(body); err != nil {
			return err
		}

		if err := nw.writeUint64(uint64(h.Size)); err != nil {
			return err
		}

		nw.inFile = true
		nw.fileRoot = isRoot
		nw.fileRemaining = h.Size
		nw.fileSize = h.Size

		if h.Size == 0 {
			return nw.finishFile()
		}

		return nil

	default:
		return nw.fail(fmt.Errorf("nar: unknown node type %q", h.Type))
	}
}

// Write writes content bytes of the current regular file.
func (nw *Writer) Write(p []byte) (int, error) {
	if nw.err != nil {
		return 0, nw.err
	}

	if !nw.inFile {
		return 0, nw.fail(fmt.Errorf("nar: write outside of a file node"))
	}

	if int64(len(p)) > nw.fileRemaining {
		return 0, nw.fail(fmt.Errorf("nar: file content exceeds declared size %d", nw.fileSize))
	}

	n, err := nw.w.Write(p)
	nw.fileRemaining -= int64(n)

	if err != nil {
		return n, nw.fail(err)
	}

	if nw.fileRemaining == 0 {
		if err := nw.finishFile(); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Close finishes any open directories and validates the stream is
// complete. It does not close the underlying writer.
func (nw *Writer) Close() error {
	if nw.err != nil {
		return nw.err
	}

	if nw.done {
		return nil
	}

	if nw.inFile {
		return nw.fail(fmt.Errorf("nar: %d content bytes missing for previous file", nw.fileRemaining))
	}

	if !nw.rootWritten {
		return nw.fail(fmt.Errorf("nar: no root node written"))
	}

	if err := nw.closeUntil(""); err != nil {
		return err
	}

	nw.done = true

	return nil
}

// finishFile emits the content padding and the node close, plus the
// entry close when the file was a directory entry.
func (nw *Writer) finishFile() error {
	nw.inFile = false

	if n := nw.fileSize & 7; n != 0 {
		if _, err := nw.w.Write(zeroPad[n:]); err != nil {
			return nw.fail(err)
		}
	}

	return nw.closeNode(nw.fileRoot)
}

// closeNode closes a leaf node, and its surrounding entry unless the
// node is the root.
func (nw *Writer) closeNode(isRoot bool) error {
	if isRoot {
		return nw.writeStatic(tokParen)
	}

	return nw.writeStatic(tokParen2)
}

// closeUntil pops open directories until the directory at the given
// path is on top. The empty string pops everything including the root.
func (nw *Writer) closeUntil(dir string) error {
	for len(nw.dirs) > 0 {
		top := nw.dirs[len(nw.dirs)-1]
		if top.path == dir {
			return nil
		}

		nw.dirs = nw.dirs[:len(nw.dirs)-1]

		if err := nw.closeNode(top.path == "/"); err != nil {
			return err
		}
	}

	if dir != "" {
		return nw.fail(fmt.Errorf("nar: directory %q is not open", dir))
	}

	return nil
}

func (nw *Writer) fail(err error) error {
	if nw.err == nil {
		nw.err = err
	}

	return nw.err
}

func (nw *Writer) writeStatic(tok []byte) error {
	if _, err := nw.w.Write(tok); err != nil {
		return nw.fail(err)
	}

	return nil
}

func (nw *Writer) writeToken(s string) error {
	if err := writeTokenBytes(nw.w, []byte(s)); err != nil {
		return nw.fail(err)
	}

	return nil
}

func (nw *Writer) writeUint64(v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	if _, err := nw.w.Write(buf[:]); err != nil {
		return nw.fail(err)
	}

	return nil
}

// writeTokenBytes writes one length-prefixed, zero-padded field.
func writeTokenBytes(w io.Writer, b []byte) error {
	var lenBuf [8]byte

	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}

	if _, err := w.Write(b); err != nil {
		return err
	}

	if n := len(b) & 7; n != 0 {
		if _, err := w.Write(zeroPad[n:]); err != nil {
			return err
		}
	}

	return nil
}

// cleanPath validates and canonicalizes an archive path. Paths are
// slash-separated, absolute, with no empty, "." or ".." components.
func cleanPath(p string) (string, error) {
	if p == "/" {
		return p, nil
	}

	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return "", fmt.Errorf("nar: invalid archive path %q", p)
	}

	for _, comp := range strings.Split(p[1:], "/") {
		if err := validateEntryName(comp); err != nil {
			return "", fmt.Errorf("nar: invalid archive path %q: %w", p, err)
		}
	}

	return p, nil
}

// validateEntryName checks a single directory entry name.
func validateEntryName(name string) error {
	switch name {
	case "", ".", "..":
		return fmt.Errorf("invalid entry name %q", name)
	}

	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid entry name %q", name)
	}

	if len(name) > maxEntryNameLen {
		return fmt.Errorf("entry name of %d bytes is too long", len(name))
	}

	return nil
}

const maxEntryNameLen = 255
