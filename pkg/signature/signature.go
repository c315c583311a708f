// Package signature implements the named ed25519 signatures Nix
// attaches to store paths, and the fingerprint string they sign.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nix-community/go-nix-daemon/pkg/nixhash"
	"github.com/nix-community/go-nix-daemon/pkg/storepath"
)

// Signature is a key name plus an ed25519 signature, printed as
// `<name>:<base64>`.
type Signature struct {
	Name string
	Data []byte
}

// Parse parses the `<name>:<base64>` form. The decoded signature must
// be exactly ed25519.SignatureSize bytes.
func Parse(s string) (Signature, error) {
	name, data, err := splitNamed(s)
	if err != nil {
		return Signature{}, fmt.Errorf("signature %q: %w", s, err)
	}

	if len(data) != ed25519.SignatureSize {
		return Signature{}, fmt.Errorf("signature %q: decoded to %d bytes, expected %d", s, len(data), ed25519.SignatureSize)
	}

	return Signature{Name: name, Data: data}, nil
}

func (s Signature) String() string {
	return s.Name + ":" + base64.StdEncoding.EncodeToString(s.Data)
}

// PublicKey is a named ed25519 verification key, printed the same way
// as a signature.
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// ParsePublicKey parses the `<name>:<base64>` form of a public key.
func ParsePublicKey(s string) (PublicKey, error) {
	name, data, err := splitNamed(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("public key %q: %w", s, err)
	}

	if len(data) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("public key %q: decoded to %d bytes, expected %d", s, len(data), ed25519.PublicKeySize)
	}

	return PublicKey{Name: name, Key: ed25519.PublicKey(data)}, nil
}

func (pk PublicKey) String() string {
	return pk.Name + ":" + base64.StdEncoding.EncodeToString(pk.Key)
}

// Verify checks sig against the fingerprint. The signature's key name
// must match the public key's name.
func (pk PublicKey) Verify(fingerprint string, sig Signature) bool {
	if sig.Name != pk.Name {
		return false
	}

	return ed25519.Verify(pk.Key, []byte(fingerprint), sig.Data)
}

// SecretKey is a named ed25519 signing key.
type SecretKey struct {
	Name string
	Key  ed25519.PrivateKey
}

// GenerateSecretKey creates a fresh signing key with the given name.
func GenerateSecretKey(name string) (SecretKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SecretKey{}, err
	}

	return SecretKey{Name: name, Key: priv}, nil
}

// ParseSecretKey parses the `<name>:<base64>` form of a secret key.
func ParseSecretKey(s string) (SecretKey, error) {
	name, data, err := splitNamed(s)
	if err != nil {
		return SecretKey{}, fmt.Errorf("secret key: %w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return SecretKey{}, fmt.Errorf("secret key %q: decoded to %d bytes, expected %d", name, len(data), ed25519.PrivateKeySize)
	}

	return SecretKey{Name: name, Key: ed25519.PrivateKey(data)}, nil
}

func (sk SecretKey) String() string {
	return sk.Name + ":" + base64.StdEncoding.EncodeToString(sk.Key)
}

// Sign signs a fingerprint.
func (sk SecretKey) Sign(fingerprint string) Signature {
	return Signature{Name: sk.Name, Data: ed25519.Sign(sk.Key, []byte(fingerprint))}
}

// PublicKey derives the matching verification key.
func (sk SecretKey) PublicKey() PublicKey {
	return PublicKey{Name: sk.Name, Key: sk.Key.Public().(ed25519.PublicKey)}
}

// Fingerprint builds the canonical string that path signatures cover:
// version, full store path, NAR hash, NAR size and the sorted reference
// set, separated by semicolons.
func Fingerprint(dir storepath.StoreDir, path storepath.StorePath, narHash nixhash.Hash, narSize uint64, references []storepath.StorePath) string {
	refs := make([]string, len(references))
	for i, r := range references {
		refs[i] = dir.Path(r)
	}

	sort.Strings(refs)

	return "1;" + dir.Path(path) +
		";" + narHash.String() +
		";" + strconv.FormatUint(narSize, 10) +
		";" + strings.Join(refs, ",")
}

func splitNamed(s string) (string, []byte, error) {
	name, b64, ok := strings.Cut(s, ":")
	if !ok || name == "" || b64 == "" {
		return "", nil, fmt.Errorf("expected <name>:<base64>")
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", nil, err
	}

	return name, data, nil
}
