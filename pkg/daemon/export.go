package daemon

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nix-community/go-nix-daemon/pkg/nar"
	"github.com/nix-community/go-nix-daemon/pkg/wire"
)

// Exporter writes the legacy `nix-store --export` framing: a sequence
// of archives, each followed by a trailer naming the path, its
// references and its deriver, terminated by a zero word.
type Exporter struct {
	w      io.Writer
	closed bool
}

// NewExporter starts an export stream on w.
func NewExporter(w io.Writer) *Exporter {
	return &Exporter{w: w}
}

// Export writes one path: its archive from src and the trailer from
// info. Signatures are not part of the legacy format and are dropped.
func (e *Exporter) Export(info *PathInfo, src io.Reader) error {
	if e.closed {
		return fmt.Errorf("export stream already closed")
	}

	// Next-path marker.
	if err := wire.WriteUint64(e.w, 1); err != nil {
		return err
	}

	if err := nar.Copy(e.w, src); err != nil {
		return fmt.Errorf("exporting %s: %w", info.StorePath, err)
	}

	if err := wire.WriteUint64(e.w, ExportMagic); err != nil {
		return err
	}

	if err := wire.WriteString(e.w, info.StorePath); err != nil {
		return err
	}

	if err := WriteStrings(e.w, info.References); err != nil {
		return err
	}

	if err := wire.WriteString(e.w, info.Deriver); err != nil {
		return err
	}

	// No legacy signature.
	return wire.WriteUint64(e.w, 0)
}

// Close terminates the export stream. It does not close the underlying
// writer.
func (e *Exporter) Close() error {
	if e.closed {
		return nil
	}

	e.closed = true

	return wire.WriteUint64(e.w, 0)
}

// Import reads an export stream, invoking add for every path with its
// metadata and archive. The archive is buffered in memory, since the
// legacy framing places the metadata after the archive bytes.
func Import(r io.Reader, add func(info *PathInfo, narSource io.Reader) error) error {
	for {
		marker, err := wire.ReadUint64(r)
		if err != nil {
			return &ProtocolError{Op: "read export marker", Err: err}
		}

		if marker == 0 {
			return nil
		}

		if marker != 1 {
			return &ProtocolError{Op: "read export marker", Err: fmt.Errorf("expected 0 or 1, got %d", marker)}
		}

		var narBuf bytes.Buffer
		if err := nar.Copy(&narBuf, r); err != nil {
			return &ProtocolError{Op: "read export archive", Err: err}
		}

		magic, err := wire.ReadUint64(r)
		if err != nil {
			return &ProtocolError{Op: "read export magic", Err: err}
		}

		if magic != ExportMagic {
			return &ProtocolError{Op: "read export magic", Err: fmt.Errorf("expected %#x, got %#x", ExportMagic, magic)}
		}

		storePath, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read export path", Err: err}
		}

		references, err := ReadStrings(r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read export references", Err: err}
		}

		deriver, err := wire.ReadString(r, MaxStringSize)
		if err != nil {
			return &ProtocolError{Op: "read export deriver", Err: err}
		}

		// Obsolete signature marker.
		if _, err := wire.ReadUint64(r); err != nil {
			return &ProtocolError{Op: "read export signature marker", Err: err}
		}

		info := &PathInfo{
			StorePath:  storePath,
			References: references,
			Deriver:    deriver,
			NarSize:    uint64(narBuf.Len()),
		}

		if err := add(info, bytes.NewReader(narBuf.Bytes())); err != nil {
			return err
		}
	}
}
