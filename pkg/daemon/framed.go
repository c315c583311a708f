package daemon

import (
	"fmt"
	"io"

	"github.com/nix-community/go-nix-daemon/pkg/wire"
)

const defaultFrameSize = 32 * 1024 // 32KB

// FramedReader reads the framed byte stream embedded in uploads such as
// AddToStoreNar: a sequence of length-prefixed chunks, each padded to
// an 8-byte boundary, ending with a zero-length chunk. It presents the
// chunk payloads as one contiguous stream.
type FramedReader struct {
	src io.Reader

	// remaining counts unread payload bytes of the open chunk; pad is
	// the chunk's length, from which the padding consumed once the
	// payload is done is derived.
	remaining uint64
	pad       uint64

	count uint64 // total payload bytes delivered
	eof   bool
}

// NewFramedReader creates a FramedReader that reads framed data from r.
func NewFramedReader(r io.Reader) *FramedReader {
	return &FramedReader{src: r}
}

// Count returns the number of payload bytes read so far, excluding
// frame headers and padding.
func (fr *FramedReader) Count() uint64 {
	return fr.count
}

// Read returns payload bytes, pulling chunk headers and verifying
// padding as chunk boundaries are crossed. io.EOF is returned after the
// zero-length terminator chunk.
func (fr *FramedReader) Read(p []byte) (int, error) {
	for fr.remaining == 0 {
		if fr.eof {
			return 0, io.EOF
		}

		if err := fr.openChunk(); err != nil {
			return 0, err
		}
	}

	if uint64(len(p)) > fr.remaining {
		p = p[:fr.remaining]
	}

	n, err := fr.src.Read(p)
	fr.remaining -= uint64(n)
	fr.count += uint64(n)

	if err == io.EOF && fr.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}

	return n, err
}

// openChunk finishes the previous chunk's padding and reads the next
// header. The terminator chunk sets eof.
func (fr *FramedReader) openChunk() error {
	if fr.pad > 0 {
		if err := wire.ReadPadding(fr.src, fr.pad); err != nil {
			return err
		}

		fr.pad = 0
	}

	size, err := wire.ReadUint64(fr.src)
	if err != nil {
		return err
	}

	if size == 0 {
		fr.eof = true

		return nil
	}

	fr.remaining = size
	fr.pad = size

	return nil
}

// FramedWriter produces the framed byte stream: writes accumulate in a
// fixed-size buffer that is emitted as one chunk whenever it fills.
// Close emits any partial chunk and the zero-length terminator.
type FramedWriter struct {
	dst    io.Writer
	buf    []byte
	n      int
	closed bool
}

// NewFramedWriter creates a FramedWriter that writes framed data to w.
func NewFramedWriter(w io.Writer) *FramedWriter {
	return NewFramedWriterSize(w, defaultFrameSize)
}

// NewFramedWriterSize creates a FramedWriter with the given chunk
// payload size.
func NewFramedWriterSize(w io.Writer, frameSize int) *FramedWriter {
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}

	return &FramedWriter{
		dst: w,
		buf: make([]byte, frameSize),
	}
}

// Write buffers payload bytes, emitting a chunk each time the buffer
// fills.
func (fw *FramedWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, fmt.Errorf("write to closed FramedWriter")
	}

	written := 0

	for len(p) > 0 {
		n := copy(fw.buf[fw.n:], p)
		fw.n += n
		p = p[n:]
		written += n

		if fw.n == len(fw.buf) {
			if err := fw.emit(); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// Close emits any buffered payload as a final chunk, then the
// zero-length terminator. It does not close the underlying writer.
func (fw *FramedWriter) Close() error {
	if fw.closed {
		return nil
	}

	fw.closed = true

	if fw.n > 0 {
		if err := fw.emit(); err != nil {
			return err
		}
	}

	return wire.WriteUint64(fw.dst, 0)
}

// emit writes the buffered payload as one chunk: header, bytes,
// padding.
func (fw *FramedWriter) emit() error {
	size := uint64(fw.n)

	if err := wire.WriteUint64(fw.dst, size); err != nil {
		return err
	}

	if _, err := fw.dst.Write(fw.buf[:fw.n]); err != nil {
		return err
	}

	fw.n = 0

	return wire.WritePadding(fw.dst, size)
}
