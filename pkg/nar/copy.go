package nar

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Copy reads exactly one complete archive from src and writes it to dst
// unmodified. It parses just enough structure to find the end of the
// archive, which matters when the stream arrives without a length
// prefix, as it does from the daemon's NarFromPath.
func Copy(dst io.Writer, src io.Reader) error {
	magic, err := copyToken(dst, src)
	if err != nil {
		return fmt.Errorf("reading NAR magic: %w", err)
	}

	if magic != Magic {
		return fmt.Errorf("expected %s, got %q", Magic, magic)
	}

	return copyNode(dst, src)
}

// copyNode copies one complete node: the "(" type ... ")" structure.
func copyNode(dst io.Writer, src io.Reader) error {
	tok, err := copyToken(dst, src)
	if err != nil {
		return err
	}

	if tok != "(" {
		return fmt.Errorf("expected '(', got %q", tok)
	}

	tok, err = copyToken(dst, src)
	if err != nil {
		return err
	}

	if tok != "type" {
		return fmt.Errorf("expected 'type', got %q", tok)
	}

	typeVal, err := copyToken(dst, src)
	if err != nil {
		return err
	}

	switch NodeType(typeVal) {
	case TypeRegular:
		return copyRegular(dst, src)
	case TypeDirectory:
		return copyDirectory(dst, src)
	case TypeSymlink:
		return copySymlink(dst, src)
	default:
		return fmt.Errorf("unknown NAR node type: %q", typeVal)
	}
}

// copyRegular copies a regular file node: optional "executable",
// "contents" with file data, then the closing ")".
func copyRegular(dst io.Writer, src io.Reader) error {
	for {
		tok, err := copyToken(dst, src)
		if err != nil {
			return err
		}

		switch tok {
		case "executable":
			// Empty string placeholder.
			if _, err := copyToken(dst, src); err != nil {
				return err
			}
		case "contents":
			// File data, potentially large; stream it.
			if err := copyData(dst, src); err != nil {
				return err
			}
		case ")":
			return nil
		default:
			return fmt.Errorf("unexpected token in regular file: %q", tok)
		}
	}
}

// copyDirectory copies directory entries until ")".
func copyDirectory(dst io.Writer, src io.Reader) error {
	for {
		tok, err := copyToken(dst, src)
		if err != nil {
			return err
		}

		if tok == ")" {
			return nil
		}

		if tok != "entry" {
			return fmt.Errorf("expected 'entry' or ')', got %q", tok)
		}

		// entry: "(" "name" <str> "node" <node> ")"
		for _, expected := range []string{"(", "name"} {
			tok, err = copyToken(dst, src)
			if err != nil {
				return err
			}

			if tok != expected {
				return fmt.Errorf("expected %q, got %q", expected, tok)
			}
		}

		// Entry name.
		if _, err := copyToken(dst, src); err != nil {
			return err
		}

		tok, err = copyToken(dst, src)
		if err != nil {
			return err
		}

		if tok != "node" {
			return fmt.Errorf("expected 'node', got %q", tok)
		}

		if err := copyNode(dst, src); err != nil {
			return err
		}

		tok, err = copyToken(dst, src)
		if err != nil {
			return err
		}

		if tok != ")" {
			return fmt.Errorf("expected ')', got %q", tok)
		}
	}
}

// copySymlink copies a symlink node: "target" <str> ")".
func copySymlink(dst io.Writer, src io.Reader) error {
	tok, err := copyToken(dst, src)
	if err != nil {
		return err
	}

	if tok != "target" {
		return fmt.Errorf("expected 'target', got %q", tok)
	}

	// Target path.
	if _, err := copyToken(dst, src); err != nil {
		return err
	}

	tok, err = copyToken(dst, src)
	if err != nil {
		return err
	}

	if tok != ")" {
		return fmt.Errorf("expected ')', got %q", tok)
	}

	return nil
}

// maxCopyTokenSize bounds the small grammar tokens (type names, parens,
// entry names, symlink targets). File contents go through copyData.
const maxCopyTokenSize = 4096

// copyToken copies one wire string from src to dst and returns its
// value.
func copyToken(dst io.Writer, src io.Reader) (string, error) {
	var lenBuf [8]byte

	if _, err := io.ReadFull(src, lenBuf[:]); err != nil {
		return "", err
	}

	if _, err := dst.Write(lenBuf[:]); err != nil {
		return "", err
	}

	length := binary.LittleEndian.Uint64(lenBuf[:])
	if length > maxCopyTokenSize {
		return "", fmt.Errorf("NAR token too large: %d bytes (max %d)", length, maxCopyTokenSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(src, data); err != nil {
		return "", err
	}

	if _, err := dst.Write(data); err != nil {
		return "", err
	}

	if err := copyPadding(dst, src, length); err != nil {
		return "", err
	}

	return string(data), nil
}

// copyData copies one wire bytes field, streaming the content.
func copyData(dst io.Writer, src io.Reader) error {
	var lenBuf [8]byte

	if _, err := io.ReadFull(src, lenBuf[:]); err != nil {
		return err
	}

	if _, err := dst.Write(lenBuf[:]); err != nil {
		return err
	}

	length := binary.LittleEndian.Uint64(lenBuf[:])

	if _, err := io.CopyN(dst, src, int64(length)); err != nil {
		return err
	}

	return copyPadding(dst, src, length)
}

func copyPadding(dst io.Writer, src io.Reader, contentLen uint64) error {
	pad := (8 - (contentLen % 8)) % 8
	if pad == 0 {
		return nil
	}

	var padBuf [8]byte

	if _, err := io.ReadFull(src, padBuf[:pad]); err != nil {
		return err
	}

	_, err := dst.Write(padBuf[:pad])

	return err
}
