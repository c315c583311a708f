package wire

import (
	"fmt"
	"io"
)

// BytesReader streams the content of a single length-prefixed byte field
// without buffering it in memory. It reads the length header eagerly,
// then exposes exactly that many content bytes through Read. Once the
// content is exhausted, the trailing padding is consumed and verified.
type BytesReader struct {
	r         io.Reader
	len       uint64
	remaining uint64
	padDone   bool
}

// NewBytesReader reads the length header of a byte field from r and
// returns a reader over its content. The declared length must not
// exceed max.
func NewBytesReader(r io.Reader, max uint64) (*BytesReader, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}

	if n > max {
		return nil, fmt.Errorf("wire: field of %d bytes exceeds maximum of %d", n, max)
	}

	return &BytesReader{r: r, len: n, remaining: n}, nil
}

// Len returns the total content length declared in the field header.
func (br *BytesReader) Len() uint64 {
	return br.len
}

// Read reads content bytes. After the last content byte, the padding is
// consumed and verified before io.EOF is returned.
func (br *BytesReader) Read(p []byte) (int, error) {
	if br.remaining == 0 {
		if err := br.finishPadding(); err != nil {
			return 0, err
		}

		return 0, io.EOF
	}

	if uint64(len(p)) > br.remaining {
		p = p[:br.remaining]
	}

	n, err := br.r.Read(p)
	br.remaining -= uint64(n)

	if err == io.EOF && br.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}

	return n, err
}

// finishPadding consumes the trailing padding exactly once.
func (br *BytesReader) finishPadding() error {
	if br.padDone {
		return nil
	}

	br.padDone = true

	return ReadPadding(br.r, br.len)
}
