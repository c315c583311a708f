package main

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// openCompressedInput opens a file, transparently decompressing .xz and
// .zst contents. The returned close function releases both the
// decompressor and the file.
func openCompressedInput(path string) (io.Reader, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case hasSuffixFold(path, ".xz"):
		r, err := xz.NewReader(f)
		if err != nil {
			f.Close()

			return nil, nil, err
		}

		return r, f.Close, nil

	case hasSuffixFold(path, ".zst"):
		r, err := zstd.NewReader(f)
		if err != nil {
			f.Close()

			return nil, nil, err
		}

		return r, func() error {
			r.Close()

			return f.Close()
		}, nil

	default:
		return f, f.Close, nil
	}
}

// openCompressedOutput opens the output target, compressing when the
// name ends in .xz or .zst. The returned close function flushes the
// compressor before closing the file.
func openCompressedOutput(path string) (io.Writer, func() error, error) {
	f, err := stdoutOrFile(path)
	if err != nil {
		return nil, nil, err
	}

	closeFile := func() error {
		if isStdout(path) {
			return nil
		}

		return f.Close()
	}

	switch {
	case hasSuffixFold(path, ".xz"):
		w, err := xz.NewWriter(f)
		if err != nil {
			closeFile() //nolint:errcheck // already failing

			return nil, nil, err
		}

		return w, func() error {
			if err := w.Close(); err != nil {
				return err
			}

			return closeFile()
		}, nil

	case hasSuffixFold(path, ".zst"):
		w, err := zstd.NewWriter(f)
		if err != nil {
			closeFile() //nolint:errcheck // already failing

			return nil, nil, err
		}

		return w, func() error {
			if err := w.Close(); err != nil {
				return err
			}

			return closeFile()
		}, nil

	default:
		return f, closeFile, nil
	}
}
