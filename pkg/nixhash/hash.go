package nixhash

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/nix-community/go-nix-daemon/pkg/nixbase32"
)

// Hash is a digest together with the algorithm that produced it.
type Hash struct {
	Algo   Algorithm
	Digest []byte
}

// NewHashFromReader hashes everything in r with the given algorithm.
func NewHashFromReader(algo Algorithm, r io.Reader) (Hash, error) {
	h, err := algo.NewHasher()
	if err != nil {
		return Hash{}, err
	}

	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, err
	}

	return Hash{Algo: algo, Digest: h.Sum(nil)}, nil
}

// Parse parses a hash with a mandatory algorithm prefix: either
// `<algo>:<digest>` (digest in base16, base32 or base64) or the SRI
// form `<algo>-<base64-digest>`.
func Parse(s string) (Hash, error) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		algo, err := ParseAlgorithm(s[:i])
		if err != nil {
			return Hash{}, err
		}

		return ParseDigest(algo, s[i+1:])
	}

	if i := strings.IndexByte(s, '-'); i >= 0 {
		algo, err := ParseAlgorithm(s[:i])
		if err != nil {
			return Hash{}, err
		}

		h, err := parseBase64(algo, s[i+1:])
		if err != nil {
			return Hash{}, fmt.Errorf("nixhash: parsing SRI hash %q: %w", s, err)
		}

		return h, nil
	}

	return Hash{}, fmt.Errorf("nixhash: hash %q has no algorithm prefix", s)
}

// ParseAny parses a hash in any supported text form. If the string has
// no algorithm prefix, algo must be non-nil and supplies the algorithm.
func ParseAny(s string, algo *Algorithm) (Hash, error) {
	prefixed := strings.IndexByte(s, ':') >= 0

	if i := strings.IndexByte(s, '-'); !prefixed && i >= 0 {
		// SRI form, but only when the part before the dash names an
		// algorithm. Bare base64 digests never contain a dash.
		if _, err := ParseAlgorithm(s[:i]); err == nil {
			prefixed = true
		}
	}

	if prefixed {
		h, err := Parse(s)
		if err != nil {
			return Hash{}, err
		}

		if algo != nil && h.Algo != *algo {
			return Hash{}, fmt.Errorf("nixhash: hash %q has algorithm %s, expected %s", s, h.Algo, *algo)
		}

		return h, nil
	}

	if algo == nil {
		return Hash{}, fmt.Errorf("nixhash: hash %q has no algorithm prefix and none was supplied", s)
	}

	return ParseDigest(*algo, s)
}

// ParseDigest parses a bare digest for a known algorithm. The text form
// is recognized by its length: base16, base32 or base64.
func ParseDigest(algo Algorithm, digest string) (Hash, error) {
	size := algo.Size()

	switch len(digest) {
	case hex.EncodedLen(size):
		buf, err := hex.DecodeString(digest)
		if err != nil {
			return Hash{}, fmt.Errorf("nixhash: parsing base16 %s hash: %w", algo, err)
		}

		return Hash{Algo: algo, Digest: buf}, nil

	case nixbase32.EncodedLen(size):
		buf, err := nixbase32.DecodeString(digest)
		if err != nil {
			return Hash{}, fmt.Errorf("nixhash: parsing base32 %s hash: %w", algo, err)
		}

		return Hash{Algo: algo, Digest: buf}, nil

	case base64.StdEncoding.EncodedLen(size):
		return parseBase64(algo, digest)

	default:
		return Hash{}, fmt.Errorf("nixhash: %s digest %q has invalid length %d", algo, digest, len(digest))
	}
}

func parseBase64(algo Algorithm, digest string) (Hash, error) {
	buf, err := base64.StdEncoding.DecodeString(digest)
	if err != nil {
		return Hash{}, fmt.Errorf("nixhash: parsing base64 %s hash: %w", algo, err)
	}

	if len(buf) != algo.Size() {
		return Hash{}, fmt.Errorf("nixhash: base64 %s digest decodes to %d bytes, expected %d", algo, len(buf), algo.Size())
	}

	return Hash{Algo: algo, Digest: buf}, nil
}

// Base16 returns the bare lower-case hex digest.
func (h Hash) Base16() string {
	return hex.EncodeToString(h.Digest)
}

// Base32 returns the bare nixbase32 digest.
func (h Hash) Base32() string {
	return nixbase32.EncodeToString(h.Digest)
}

// Base64 returns the bare standard base64 digest.
func (h Hash) Base64() string {
	return base64.StdEncoding.EncodeToString(h.Digest)
}

// String returns the `<algo>:<base32>` form, Nix's default rendering.
func (h Hash) String() string {
	return h.Algo.String() + ":" + h.Base32()
}

// SRI returns the `<algo>-<base64>` subresource-integrity form.
func (h Hash) SRI() string {
	return h.Algo.String() + "-" + h.Base64()
}

// Equal reports whether two hashes have the same algorithm and digest.
// The digest comparison is constant-time.
func (h Hash) Equal(o Hash) bool {
	return h.Algo == o.Algo && subtle.ConstantTimeCompare(h.Digest, o.Digest) == 1
}

// Valid reports whether the digest length matches the algorithm.
func (h Hash) Valid() bool {
	return h.Algo.Valid() && len(h.Digest) == h.Algo.Size()
}
