// Package nar implements the Nix Archive (NAR) format: a canonical,
// reproducible serialisation of a filesystem tree. The package offers a
// streaming reader and writer over the token stream, a dumper from and
// a restorer to a real filesystem, and JSON listings of archive
// contents.
package nar

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Magic is the first token of every NAR.
const Magic = "nix-archive-1"

// NodeType is the type of a node in the archive.
type NodeType string

const (
	// TypeRegular is a regular file, optionally executable.
	TypeRegular = NodeType("regular")

	// TypeDirectory is a directory with sorted entries.
	TypeDirectory = NodeType("directory")

	// TypeSymlink is a symbolic link.
	TypeSymlink = NodeType("symlink")
)

// Header describes one node of the archive, in the style of
// archive/tar.
type Header struct {
	// Path is the node's path inside the archive, always starting with
	// a slash; the root node is "/".
	Path string

	// Type is the node type.
	Type NodeType

	// LinkTarget is the symlink target; only set for TypeSymlink.
	LinkTarget string

	// Size is the file content size in bytes; only set for TypeRegular.
	Size int64

	// Executable reports whether a regular file carries the executable
	// bit.
	Executable bool

	// NarOffset is the byte offset of the file content within the
	// archive, when the reader tracks it. Zero otherwise.
	NarOffset int64
}

// ErrOutOfOrder is returned when directory entries are not sorted
// lexicographically by raw byte name.
var ErrOutOfOrder = errors.New("nar: directory entry out of order")

var zeroPad [8]byte

// token pre-encodes a sequence of wire strings into a single byte
// slice, so the reader can match whole grammar fragments with one
// comparison and the writer can emit them with one Write.
func token(parts ...string) []byte {
	var buf bytes.Buffer

	for _, part := range parts {
		var lenBuf [8]byte

		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(part)))
		buf.Write(lenBuf[:])
		buf.WriteString(part)

		if n := len(part) & 7; n != 0 {
			buf.Write(zeroPad[n:])
		}
	}

	return buf.Bytes()
}

var (
	tokMagic    = token(Magic, "(", "type")
	tokRegular  = token("regular", "contents")
	tokExec     = token("regular", "executable", "", "contents")
	tokExecTail = token("executable", "", "contents")
	tokContents = token("contents")
	tokSymlink  = token("symlink", "target")
	tokTarget   = token("target")
	tokDir      = token("directory")
	tokEntry    = token("entry", "(", "name")
	tokNode     = token("node", "(", "type")
	tokParen    = token(")")
	tokParen2   = token(")", ")")
)
