// Package storepath parses and validates Nix store paths.
//
// A store path is `<store-dir>/<hash>-<name>`, where the hash part is
// the nixbase32 encoding of a truncated 20-byte digest and the name is
// restricted to a small ASCII character set. Everything that crosses
// the daemon wire protocol is validated through this package.
package storepath

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/nix-community/go-nix-daemon/pkg/nixbase32"
)

const (
	// DigestSize is the size in bytes of the truncated store path digest.
	DigestSize = 20

	// MaxNameLen is the maximum length of a store path name.
	MaxNameLen = 211

	// encodedDigestLen is the length of the nixbase32-encoded digest.
	encodedDigestLen = 32 // nixbase32.EncodedLen(DigestSize)
)

// DefaultStoreDir is the conventional location of the Nix store.
const DefaultStoreDir = StoreDir("/nix/store")

// StoreDir is the absolute path prefix under which all store paths
// live.
type StoreDir string

// NewStoreDir validates a store directory: it must be an absolute path
// with no trailing slash.
func NewStoreDir(dir string) (StoreDir, error) {
	if !strings.HasPrefix(dir, "/") {
		return "", fmt.Errorf("store directory %q is not absolute", dir)
	}

	if len(dir) > 1 && strings.HasSuffix(dir, "/") {
		return "", fmt.Errorf("store directory %q has a trailing slash", dir)
	}

	return StoreDir(dir), nil
}

func (d StoreDir) String() string {
	return string(d)
}

// Path returns the printed form of a store path under this directory.
// The separator is always a forward slash.
func (d StoreDir) Path(p StorePath) string {
	return string(d) + "/" + p.String()
}

// ParsePath parses an absolute path into a StorePath, rejecting paths
// not directly under this store directory.
func (d StoreDir) ParsePath(s string) (StorePath, error) {
	prefix := string(d) + "/"

	if !strings.HasPrefix(s, prefix) {
		return StorePath{}, fmt.Errorf("path %q is not in the store directory %q", s, d)
	}

	base := s[len(prefix):]
	if strings.ContainsRune(base, '/') {
		return StorePath{}, fmt.Errorf("path %q is not a direct child of the store directory", s)
	}

	return Parse(base)
}

// StorePath is the base name of a path in the store: a 20-byte digest
// plus a human-readable name.
type StorePath struct {
	Digest [DigestSize]byte
	Name   string
}

// Parse parses the base name form `<nixbase32-digest>-<name>`.
func Parse(s string) (StorePath, error) {
	if len(s) < encodedDigestLen+1 || s[encodedDigestLen] != '-' {
		return StorePath{}, fmt.Errorf("store path %q: missing digest-name separator", s)
	}

	digest, err := nixbase32.DecodeString(s[:encodedDigestLen])
	if err != nil {
		return StorePath{}, fmt.Errorf("store path %q: %w", s, err)
	}

	name := s[encodedDigestLen+1:]
	if err := ValidateName(name); err != nil {
		return StorePath{}, fmt.Errorf("store path %q: %w", s, err)
	}

	var p StorePath

	copy(p.Digest[:], digest)
	p.Name = name

	return p, nil
}

// ValidateName checks a store path name: 1 to 211 bytes from
// [a-zA-Z0-9+_?=.-], not starting with a period.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name is empty")
	}

	if len(name) > MaxNameLen {
		return fmt.Errorf("name is %d bytes long, the maximum is %d", len(name), MaxNameLen)
	}

	if name[0] == '.' {
		return fmt.Errorf("name %q starts with a period", name)
	}

	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return fmt.Errorf("name %q contains invalid character %q", name, name[i])
		}
	}

	return nil
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '+' || c == '-' || c == '.' || c == '_' || c == '?' || c == '=':
		return true
	default:
		return false
	}
}

// HashPart returns the nixbase32 encoding of the digest.
func (p StorePath) HashPart() string {
	return nixbase32.EncodeToString(p.Digest[:])
}

// String returns the base name form `<digest>-<name>`.
func (p StorePath) String() string {
	return p.HashPart() + "-" + p.Name
}

// Compare orders store paths the way their printed forms sort: digests
// compare by their reversed byte sequence (matching the nixbase32
// textual order), ties broken by name.
func (p StorePath) Compare(o StorePath) int {
	for i := DigestSize - 1; i >= 0; i-- {
		if p.Digest[i] != o.Digest[i] {
			if p.Digest[i] < o.Digest[i] {
				return -1
			}

			return 1
		}
	}

	return bytes.Compare([]byte(p.Name), []byte(o.Name))
}

// DrvName strips the .drv extension from a derivation store path name,
// if present.
func (p StorePath) DrvName() string {
	return strings.TrimSuffix(p.Name, ".drv")
}

// IsDerivation reports whether the path names a derivation.
func (p StorePath) IsDerivation() bool {
	return path.Ext(p.Name) == ".drv"
}
