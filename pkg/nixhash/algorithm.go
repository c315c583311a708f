// Package nixhash represents cryptographic hashes the way Nix prints
// and parses them: base16, Nix's own base32, base64 and SRI text forms,
// with or without an algorithm prefix.
package nixhash

import (
	"fmt"
	"hash"

	mh "github.com/multiformats/go-multihash/core"
)

// Algorithm identifies a supported hash algorithm. The values are
// multihash codes, so an Algorithm can be fed straight into the
// multihash registry.
type Algorithm uint64

const (
	MD5    = Algorithm(mh.MD5)
	SHA1   = Algorithm(mh.SHA1)
	SHA256 = Algorithm(mh.SHA2_256)
	SHA512 = Algorithm(mh.SHA2_512)
)

// ParseAlgorithm parses an algorithm name as it appears in hash
// prefixes ("sha256:..." or SRI "sha256-...").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "md5":
		return MD5, nil
	case "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	case "sha512":
		return SHA512, nil
	default:
		return 0, fmt.Errorf("nixhash: unknown hash algorithm %q", s)
	}
}

func (a Algorithm) String() string {
	switch a {
	case MD5:
		return "md5"
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return fmt.Sprintf("Algorithm(%d)", uint64(a))
	}
}

// Size returns the digest size in bytes.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return 16
	case SHA1:
		return 20
	case SHA256:
		return 32
	case SHA512:
		return 64
	default:
		panic(fmt.Sprintf("nixhash: size of unknown algorithm %d", uint64(a)))
	}
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	switch a {
	case MD5, SHA1, SHA256, SHA512:
		return true
	default:
		return false
	}
}

// NewHasher returns a new hash.Hash for the algorithm, resolved through
// the multihash registry.
func (a Algorithm) NewHasher() (hash.Hash, error) {
	h, err := mh.GetHasher(uint64(a))
	if err != nil {
		return nil, fmt.Errorf("nixhash: %w", err)
	}

	return h, nil
}
