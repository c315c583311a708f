package nar

import (
	"fmt"
	"io"
	"path"
)

// Listing is the JSON directory listing of an archive, in the format
// binary caches serve as `.ls` files.
type Listing struct {
	Version int          `json:"version"`
	Root    ListingEntry `json:"root"`
}

// ListingEntry describes one node in a listing.
type ListingEntry struct {
	Type       string                   `json:"type"` // "regular", "directory" or "symlink"
	Size       *int64                   `json:"size,omitempty"`
	Executable *bool                    `json:"executable,omitempty"`
	NarOffset  *int64                   `json:"narOffset,omitempty"` //nolint:tagliatelle // matches Nix's JSON format
	Entries    map[string]*ListingEntry `json:"entries,omitempty"`
	Target     *string                  `json:"target,omitempty"`
}

// List reads a complete archive from r and builds its listing. File
// contents are skipped, not buffered.
func List(r io.Reader) (*Listing, error) {
	nr := NewReader(r)

	nodes := map[string]*ListingEntry{}

	for {
		h, err := nr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, err
		}

		entry := &ListingEntry{Type: string(h.Type)}

		switch h.Type {
		case TypeRegular:
			size := h.Size
			offset := h.NarOffset
			entry.Size = &size
			entry.NarOffset = &offset

			if h.Executable {
				executable := true
				entry.Executable = &executable
			}

		case TypeSymlink:
			target := h.LinkTarget
			entry.Target = &target

		case TypeDirectory:
			entry.Entries = map[string]*ListingEntry{}
		}

		nodes[h.Path] = entry

		if h.Path != "/" {
			parent, ok := nodes[path.Dir(h.Path)]
			if !ok || parent.Entries == nil {
				return nil, fmt.Errorf("nar: listing entry %q has no parent directory", h.Path)
			}

			parent.Entries[path.Base(h.Path)] = entry
		}
	}

	root, ok := nodes["/"]
	if !ok {
		return nil, fmt.Errorf("nar: empty archive")
	}

	return &Listing{Version: 1, Root: *root}, nil
}
