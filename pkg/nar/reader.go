package nar

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFileSize caps the declared content length of a single file
// in the archive. Larger declarations are rejected before reading.
const DefaultMaxFileSize = 1 << 40

const maxTargetLen = 4095

// Reader parses a NAR token stream into a sequence of Headers, in the
// style of archive/tar. After a TypeRegular header, Read serves the
// file content.
//
// The reader verifies the grammar strictly: tokens must match the
// expected alternative, padding must be zero, and directory entries
// must be sorted by raw byte name.
type Reader struct {
	r   *bufio.Reader
	err error

	maxFileSize uint64

	// offset is the number of archive bytes consumed so far.
	offset int64

	started bool

	// open directories, root first.
	dirs []readerDir

	// pending regular file state.
	inFile        bool
	fileRoot      bool
	fileRemaining uint64
	filePad       int

	// afterLeaf is set when the previous node finished and its
	// enclosing entry still needs closing.
	afterLeaf bool
	leafRoot  bool
}

type readerDir struct {
	path      string
	lastEntry string
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxFileSize overrides the per-file content length limit.
func WithMaxFileSize(n uint64) ReaderOption {
	return func(nr *Reader) {
		nr.maxFileSize = n
	}
}

// NewReader parses the NAR token stream from r.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	nr := &Reader{
		r:           bufio.NewReader(r),
		maxFileSize: DefaultMaxFileSize,
	}

	for _, opt := range opts {
		opt(nr)
	}

	return nr
}

// Next advances to the next node in the archive. io.EOF is returned
// after the final node.
func (nr *Reader) Next() (*Header, error) {
	if nr.err != nil {
		return nil, nr.err
	}

	if !nr.started {
		nr.started = true

		nr.consume(tokMagic)

		if nr.err != nil {
			return nil, nr.err
		}

		return nr.readNode("/")
	}

	// Finish the current file: discard unread content, verify padding,
	// close the node.
	if nr.inFile {
		if _, err := io.Copy(io.Discard, nr); err != nil {
			return nil, nr.fail(err)
		}

		nr.finishFile()

		if nr.err != nil {
			return nil, nr.err
		}
	}

	// Close the entry around the previous leaf node.
	if nr.afterLeaf {
		nr.afterLeaf = false

		if nr.leafRoot {
			return nil, nr.finish()
		}

		nr.consume(tokParen)

		if nr.err != nil {
			return nil, nr.err
		}
	}

	// Walk the entry list of the innermost open directory.
	for {
		if len(nr.dirs) == 0 {
			return nil, nr.finish()
		}

		buf := nr.peek(8)
		if buf == nil {
			return nil, nr.err
		}

		switch binary.LittleEndian.Uint64(buf) {
		case 1: // ")" closes the open directory node
			top := nr.dirs[len(nr.dirs)-1]
			nr.dirs = nr.dirs[:len(nr.dirs)-1]

			nr.consume(tokParen)

			if top.path != "/" {
				// The directory was itself a named entry; close it.
				nr.consume(tokParen)
			}

			if nr.err != nil {
				return nil, nr.err
			}

		case 5: // "entry"
			nr.consume(tokEntry)

			name := nr.readString(maxEntryNameLen)
			if nr.err != nil {
				return nil, nr.err
			}

			if err := validateEntryName(name); err != nil {
				return nil, nr.fail(fmt.Errorf("nar: %w", err))
			}

			top := &nr.dirs[len(nr.dirs)-1]
			if top.lastEntry != "" && name <= top.lastEntry {
				return nil, nr.fail(fmt.Errorf("%w: %q after %q", ErrOutOfOrder, name, top.lastEntry))
			}

			top.lastEntry = name

			nr.consume(tokNode)

			if nr.err != nil {
				return nil, nr.err
			}

			p := top.path + "/" + name
			if top.path == "/" {
				p = "/" + name
			}

			return nr.readNode(p)

		default:
			return nil, nr.fail(fmt.Errorf("nar: unexpected token in directory"))
		}
	}
}

// Read serves the content of the current regular file. It returns
// io.EOF once the declared size has been read; the node's trailing
// padding is consumed by the following Next call.
func (nr *Reader) Read(p []byte) (int, error) {
	if nr.err != nil {
		return 0, nr.err
	}

	if !nr.inFile || nr.fileRemaining == 0 {
		return 0, io.EOF
	}

	if uint64(len(p)) > nr.fileRemaining {
		p = p[:nr.fileRemaining]
	}

	n, err := nr.r.Read(p)
	nr.offset += int64(n)
	nr.fileRemaining -= uint64(n)

	if err == io.EOF {
		if nr.fileRemaining == 0 {
			err = nil
		} else {
			err = io.ErrUnexpectedEOF
		}
	}

	if err != nil {
		return n, nr.fail(err)
	}

	return n, nil
}

// readNode parses one node after its "(" "type" prefix has been
// consumed, and returns its header.
func (nr *Reader) readNode(p string) (*Header, error) {
	typ := nr.readString(16)
	if nr.err != nil {
		return nil, nr.err
	}

	isRoot := p == "/"

	switch NodeType(typ) {
	case TypeRegular:
		executable := false

		buf := nr.peek(len(tokExecTail))
		if buf != nil && bytes.Equal(buf, tokExecTail) {
			executable = true

			nr.consume(tokExecTail)
		} else {
			nr.consume(tokContents)
		}

		if nr.err != nil {
			return nil, nr.err
		}

		size, ok := nr.readUint64()
		if !ok {
			return nil, nr.err
		}

		if size > nr.maxFileSize {
			return nil, nr.fail(fmt.Errorf("nar: file of %d bytes exceeds limit of %d", size, nr.maxFileSize))
		}

		h := &Header{
			Path:       p,
			Type:       TypeRegular,
			Size:       int64(size),
			Executable: executable,
			NarOffset:  nr.offset,
		}

		nr.inFile = true
		nr.fileRoot = isRoot
		nr.fileRemaining = size
		nr.filePad = int(size & 7)

		if size == 0 {
			nr.finishFile()

			if nr.err != nil {
				return nil, nr.err
			}
		}

		return h, nil

	case TypeSymlink:
		nr.consume(tokTarget)

		target := nr.readString(maxTargetLen)
		if nr.err != nil {
			return nil, nr.err
		}

		if target == "" {
			return nil, nr.fail(fmt.Errorf("nar: empty symlink target"))
		}

		nr.consume(tokParen)

		if nr.err != nil {
			return nil, nr.err
		}

		nr.afterLeaf = true
		nr.leafRoot = isRoot

		return &Header{Path: p, Type: TypeSymlink, LinkTarget: target}, nil

	case TypeDirectory:
		nr.dirs = append(nr.dirs, readerDir{path: p})

		return &Header{Path: p, Type: TypeDirectory}, nil

	default:
		return nil, nr.fail(fmt.Errorf("nar: unknown node type %q", typ))
	}
}

// finishFile consumes the content padding and the node close of the
// file being read.
func (nr *Reader) finishFile() {
	nr.inFile = false

	if nr.filePad != 0 {
		nr.consume(zeroPad[nr.filePad:])
		nr.filePad = 0
	}

	nr.consume(tokParen)

	nr.afterLeaf = true
	nr.leafRoot = nr.fileRoot
}

// finish verifies the stream ends exactly at the end of the archive.
func (nr *Reader) finish() error {
	if _, err := nr.r.Peek(1); err != io.EOF {
		if err == nil {
			err = fmt.Errorf("nar: trailing data after archive")
		}

		return nr.fail(err)
	}

	nr.err = io.EOF

	return nr.err
}

func (nr *Reader) fail(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}

	if nr.err == nil {
		nr.err = err
	}

	return nr.err
}

// peek returns the next n bytes without consuming them, or nil after
// recording the error.
func (nr *Reader) peek(n int) []byte {
	if nr.err != nil {
		return nil
	}

	buf, err := nr.r.Peek(n)
	if err != nil {
		nr.fail(err)

		return nil
	}

	return buf
}

// consume matches tok exactly and discards it.
func (nr *Reader) consume(tok []byte) {
	buf := nr.peek(len(tok))
	if buf == nil {
		return
	}

	if !bytes.Equal(buf, tok) {
		nr.fail(fmt.Errorf("nar: unexpected token"))

		return
	}

	nr.r.Discard(len(tok))
	nr.offset += int64(len(tok))
}

func (nr *Reader) readUint64() (uint64, bool) {
	buf := nr.peek(8)
	if buf == nil {
		return 0, false
	}

	v := binary.LittleEndian.Uint64(buf)

	nr.r.Discard(8)
	nr.offset += 8

	return v, true
}

// readString reads one length-prefixed field of at most max bytes,
// verifying the padding.
func (nr *Reader) readString(max int) string {
	n, ok := nr.readUint64()
	if !ok {
		return ""
	}

	if n > uint64(max) {
		nr.fail(fmt.Errorf("nar: token of %d bytes is too long", n))

		return ""
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(nr.r, buf); err != nil {
		nr.fail(err)

		return ""
	}

	nr.offset += int64(n)

	if pad := int(n & 7); pad != 0 {
		nr.consume(zeroPad[pad:])
	}

	return string(buf)
}
